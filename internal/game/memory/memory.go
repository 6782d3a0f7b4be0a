// Package memory keeps the bounded working set of a session's conversation:
// the context handed to the generation backend. When the working set grows
// past its token budget it is collapsed into a single summary produced by
// the backend. The full transcript is kept elsewhere; memory only ever holds
// the live context.
package memory

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cory-johannsen/storyweave/internal/game/story"
	"github.com/cory-johannsen/storyweave/internal/llm"
)

// summarizeInput is the final user message of every summarization request.
const summarizeInput = "Distill the story above into one summary passage."

// Config parameterizes a Memory.
type Config struct {
	// Budget is the maximum estimated token size of the working set.
	Budget int
	// Estimator measures text size; defaults to ApproxEstimator.
	Estimator Estimator
	// Summarizer produces the condensed summary.
	Summarizer llm.Generator
	// Instruction is the system prompt used for summarization.
	Instruction string
}

// Memory is the working set of one session. It is not safe for concurrent
// use; the owning session serializes every call.
type Memory struct {
	cfg    Config
	logger *zap.Logger

	summary        string
	summaryThrough int64
	turns          []story.Turn
}

// New creates an empty Memory.
//
// Precondition: cfg.Budget must be > 0; cfg.Summarizer must be non-nil.
func New(cfg Config, logger *zap.Logger) *Memory {
	if cfg.Estimator == nil {
		cfg.Estimator = ApproxEstimator
	}
	return &Memory{cfg: cfg, logger: logger.Named("memory")}
}

// Budget returns the configured token budget.
func (m *Memory) Budget() int { return m.cfg.Budget }

// Record appends a turn to the working set and summarizes if the budget is
// exceeded.
//
// Postcondition: Returns (true, nil) when the working set was collapsed.
// A summarization error leaves the turn recorded and the working set
// oversized until the next Record.
func (m *Memory) Record(ctx context.Context, t story.Turn) (bool, error) {
	m.turns = append(m.turns, t)
	return m.MaybeSummarize(ctx)
}

// MaybeSummarize collapses the working set into one summary entry when its
// estimated size exceeds the budget.
//
// Postcondition: On success the working set holds exactly one summary and
// no raw turns. On failure it is unchanged.
func (m *Memory) MaybeSummarize(ctx context.Context) (bool, error) {
	size := m.Size()
	if size <= m.cfg.Budget || len(m.turns) == 0 {
		return false, nil
	}

	system := m.cfg.Instruction
	if m.summary != "" {
		system += "\n\nEarlier summary:\n" + m.summary
	}
	text, err := m.cfg.Summarizer.Generate(ctx, llm.Request{
		System:  system,
		History: turnMessages(m.turns),
		Input:   summarizeInput,
	})
	if err != nil {
		return false, fmt.Errorf("summarizing %d turns: %w", len(m.turns), err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return false, fmt.Errorf("summarizing %d turns: %w: empty summary", len(m.turns), llm.ErrGenerationFailed)
	}

	collapsed := len(m.turns)
	m.summary = text
	m.summaryThrough = m.turns[len(m.turns)-1].Sequence
	m.turns = nil

	m.logger.Debug("working set summarized",
		zap.Int("collapsed_turns", collapsed),
		zap.Int("size_before", size),
		zap.Int("size_after", m.Size()),
		zap.Int64("through", m.summaryThrough),
	)
	return true, nil
}

// Size returns the estimated token size of the working set.
func (m *Memory) Size() int {
	total := 0
	if m.summary != "" {
		total += m.cfg.Estimator.Count(m.summary)
	}
	for _, t := range m.turns {
		total += turnSize(m.cfg.Estimator, t)
	}
	return total
}

// Len returns the number of working set entries, counting a summary as one.
func (m *Memory) Len() int {
	n := len(m.turns)
	if m.summary != "" {
		n++
	}
	return n
}

// Summary returns the current summary and the last transcript sequence it
// covers. The summary is empty if the working set was never collapsed.
func (m *Memory) Summary() (string, int64) {
	return m.summary, m.summaryThrough
}

// Turns returns a copy of the raw turns in the working set.
func (m *Memory) Turns() []story.Turn {
	out := make([]story.Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

// History returns the raw turns as alternating user/assistant messages.
func (m *Memory) History() []llm.Message {
	return turnMessages(m.turns)
}

// Reset empties the working set.
func (m *Memory) Reset() {
	m.summary = ""
	m.summaryThrough = 0
	m.turns = nil
}

// Restore rebuilds the working set from a persisted transcript. With a
// summary, the summary is replayed followed by every turn after through.
// Without one, the longest tail of the transcript that fits the budget is
// kept.
//
// Postcondition: Turns keep their transcript order.
func (m *Memory) Restore(summary string, through int64, transcript []story.Turn) {
	m.Reset()
	if summary != "" {
		m.summary = summary
		m.summaryThrough = through
		for _, t := range transcript {
			if t.Sequence > through {
				m.turns = append(m.turns, t)
			}
		}
		return
	}

	start := len(transcript)
	size := 0
	for start > 0 {
		cost := turnSize(m.cfg.Estimator, transcript[start-1])
		if size+cost > m.cfg.Budget {
			break
		}
		size += cost
		start--
	}
	m.turns = append([]story.Turn(nil), transcript[start:]...)
}

// Rewrite replaces every working-set turn with fn applied to it.
func (m *Memory) Rewrite(fn func(story.Turn) story.Turn) {
	for i, t := range m.turns {
		m.turns[i] = fn(t)
	}
}

func turnSize(est Estimator, t story.Turn) int {
	return est.Count(t.Prompt()) + est.Count(t.Response)
}

func turnMessages(turns []story.Turn) []llm.Message {
	msgs := make([]llm.Message, 0, 2*len(turns))
	for _, t := range turns {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: t.Prompt()},
			llm.Message{Role: llm.RoleAssistant, Content: t.Response},
		)
	}
	return msgs
}
