package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/storyweave/internal/game/story"
	"github.com/cory-johannsen/storyweave/internal/llm"
)

var wordEstimator = EstimatorFunc(func(text string) int { return len(strings.Fields(text)) })

type recordingSummarizer struct {
	calls    int
	requests []llm.Request
	err      error
	text     string
}

func (s *recordingSummarizer) Generate(_ context.Context, req llm.Request) (string, error) {
	s.calls++
	s.requests = append(s.requests, req)
	if s.err != nil {
		return "", s.err
	}
	if s.text != "" {
		return s.text, nil
	}
	return "summary", nil
}

func newMemory(t testing.TB, budget int, sum llm.Generator) *Memory {
	return New(Config{
		Budget:      budget,
		Estimator:   wordEstimator,
		Summarizer:  sum,
		Instruction: "Summarize the adventure.",
	}, zaptest.NewLogger(t))
}

func turn(seq int64, action, response string) story.Turn {
	return story.Turn{Sequence: seq, PlayerName: "Ann", Action: action, Response: response}
}

func TestRecord_UnderBudgetKeepsRawTurns(t *testing.T) {
	sum := &recordingSummarizer{}
	m := newMemory(t, 100, sum)

	for i := int64(1); i <= 3; i++ {
		summarized, err := m.Record(context.Background(), turn(i, "walk", "you walk"))
		require.NoError(t, err)
		assert.False(t, summarized)
	}
	assert.Equal(t, 0, sum.calls)
	assert.Equal(t, 3, m.Len())
	turns := m.Turns()
	for i, tr := range turns {
		assert.Equal(t, int64(i+1), tr.Sequence)
	}
	// "Ann: walk" = 2 words, "you walk" = 2 words.
	assert.Equal(t, 12, m.Size())
}

func TestRecord_OverflowCollapsesToOneSummary(t *testing.T) {
	sum := &recordingSummarizer{text: "Ann explored the manor."}
	m := newMemory(t, 10, sum)

	_, err := m.Record(context.Background(), turn(1, "open the door", "the door opens slowly"))
	require.NoError(t, err)
	summarized, err := m.Record(context.Background(), turn(2, "go inside", "it is dark inside"))
	require.NoError(t, err)
	require.True(t, summarized)

	assert.Equal(t, 1, sum.calls)
	assert.Equal(t, 1, m.Len())
	assert.Empty(t, m.Turns())
	text, through := m.Summary()
	assert.Equal(t, "Ann explored the manor.", text)
	assert.Equal(t, int64(2), through)
	assert.LessOrEqual(t, m.Size(), m.Budget())

	req := sum.requests[0]
	assert.Equal(t, "Summarize the adventure.", req.System)
	require.Len(t, req.History, 4)
	assert.Equal(t, "Ann: open the door", req.History[0].Content)
	assert.Equal(t, llm.RoleAssistant, req.History[3].Role)
}

func TestRecord_SecondSummaryIncludesEarlierSummary(t *testing.T) {
	sum := &recordingSummarizer{text: "short"}
	m := newMemory(t, 6, sum)
	ctx := context.Background()

	_, _ = m.Record(ctx, turn(1, "a b c", "d e f"))
	require.Equal(t, 1, sum.calls)
	_, _ = m.Record(ctx, turn(2, "g h i", "j k l"))
	require.Equal(t, 2, sum.calls)

	assert.Contains(t, sum.requests[1].System, "Earlier summary:\nshort")
	_, through := m.Summary()
	assert.Equal(t, int64(2), through)
}

func TestRecord_SummarizationFailureRetriedNextRecord(t *testing.T) {
	sum := &recordingSummarizer{err: errors.New("backend down")}
	m := newMemory(t, 5, sum)
	ctx := context.Background()

	summarized, err := m.Record(ctx, turn(1, "one two three", "four five six"))
	assert.Error(t, err)
	assert.False(t, summarized)
	assert.Equal(t, 1, m.Len(), "failed summarization must keep the raw turn")
	assert.Greater(t, m.Size(), m.Budget())

	sum.err = nil
	summarized, err = m.Record(ctx, turn(2, "seven", "eight"))
	require.NoError(t, err)
	assert.True(t, summarized)
	assert.Equal(t, 2, sum.calls)
	assert.Equal(t, 1, m.Len())
}

func TestRecord_EmptySummaryIsFailure(t *testing.T) {
	sum := &recordingSummarizer{text: "   "}
	m := newMemory(t, 1, sum)
	_, err := m.Record(context.Background(), turn(1, "a b", "c d"))
	assert.ErrorIs(t, err, llm.ErrGenerationFailed)
	assert.Len(t, m.Turns(), 1)
}

func TestRestore_ReplaysSummaryAndLaterTurns(t *testing.T) {
	m := newMemory(t, 100, &recordingSummarizer{})
	transcript := []story.Turn{turn(1, "a", "b"), turn(2, "c", "d"), turn(3, "e", "f")}

	m.Restore("earlier events", 2, transcript)

	text, through := m.Summary()
	assert.Equal(t, "earlier events", text)
	assert.Equal(t, int64(2), through)
	require.Len(t, m.Turns(), 1)
	assert.Equal(t, int64(3), m.Turns()[0].Sequence)
	assert.Equal(t, 2, m.Len())
}

func TestRestore_RawTailFitsBudget(t *testing.T) {
	// Each turn costs 4 words.
	m := newMemory(t, 9, &recordingSummarizer{})
	transcript := []story.Turn{turn(1, "a", "b c"), turn(2, "d", "e f"), turn(3, "g", "h i")}

	m.Restore("", 0, transcript)

	turns := m.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, int64(2), turns[0].Sequence)
	assert.Equal(t, int64(3), turns[1].Sequence)
	assert.LessOrEqual(t, m.Size(), m.Budget())
}

func TestRewrite_LeavesTranscriptUntouched(t *testing.T) {
	m := newMemory(t, 100, &recordingSummarizer{})
	transcript := []story.Turn{turn(1, "a", "b"), turn(2, "c", "d")}
	m.Restore("", 0, transcript)

	m.Rewrite(func(t story.Turn) story.Turn {
		t.Action = strings.ToUpper(t.Action)
		return t
	})

	assert.Equal(t, []string{"A", "C"}, []string{m.Turns()[0].Action, m.Turns()[1].Action})
	assert.Equal(t, "a", transcript[0].Action)
}

func TestReset(t *testing.T) {
	m := newMemory(t, 100, &recordingSummarizer{})
	m.Restore("s", 0, nil)
	_, _ = m.Record(context.Background(), turn(1, "a", "b"))
	m.Reset()
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 0, m.Size())
}

func TestHistory_AlternatesRoles(t *testing.T) {
	m := newMemory(t, 100, &recordingSummarizer{})
	_, _ = m.Record(context.Background(), turn(1, "a", "b"))
	h := m.History()
	require.Len(t, h, 2)
	assert.Equal(t, llm.RoleUser, h[0].Role)
	assert.Equal(t, "b", h[1].Content)
}

func TestApproxEstimator(t *testing.T) {
	assert.Equal(t, 0, ApproxEstimator.Count(""))
	assert.Equal(t, 1, ApproxEstimator.Count("abcd"))
	assert.Equal(t, 2, ApproxEstimator.Count("abcde"))
}

func TestTokenizerEstimator(t *testing.T) {
	est, err := NewTokenizerEstimator("cl100k_base")
	require.NoError(t, err)
	assert.Greater(t, est.Count("The haunted manor looms over the hill."), 3)
	assert.Equal(t, 0, est.Count(""))
}

func TestTokenizerEstimator_UnknownEncoding(t *testing.T) {
	_, err := NewTokenizerEstimator("no_such_encoding")
	assert.Error(t, err)
}

func TestPropertyWorkingSetStaysWithinBudget(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		budget := rapid.IntRange(4, 60).Draw(t, "budget")
		sum := &recordingSummarizer{text: "condensed"}
		m := New(Config{Budget: budget, Estimator: wordEstimator, Summarizer: sum}, zap.NewNop())

		var transcript []story.Turn
		n := rapid.IntRange(1, 40).Draw(t, "turns")
		for i := 1; i <= n; i++ {
			words := rapid.IntRange(1, 8).Draw(t, "words")
			tr := turn(int64(i), strings.Repeat("w ", words), fmt.Sprintf("reply %d", i))
			transcript = append(transcript, tr)
			if _, err := m.Record(context.Background(), tr); err != nil {
				t.Fatalf("record: %v", err)
			}
			if m.Size() > budget {
				t.Fatalf("working set size %d exceeds budget %d after turn %d", m.Size(), budget, i)
			}
			if m.Len() < 1 {
				t.Fatalf("working set empty after turn %d", i)
			}
		}

		// Raw turns left in memory are exactly the transcript suffix after the summary.
		_, through := m.Summary()
		raw := m.Turns()
		if int(through)+len(raw) != len(transcript) {
			t.Fatalf("summary through %d + %d raw turns != %d transcript turns", through, len(raw), len(transcript))
		}
		for i, tr := range raw {
			if tr != transcript[int(through)+i] {
				t.Fatalf("raw turn %d reordered or altered", i)
			}
		}
	})
}
