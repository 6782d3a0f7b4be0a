package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/storyweave/internal/game/hub"
	"github.com/cory-johannsen/storyweave/internal/game/prompt"
	"github.com/cory-johannsen/storyweave/internal/game/story"
	"github.com/cory-johannsen/storyweave/internal/llm"
	"github.com/cory-johannsen/storyweave/internal/observability"
	"github.com/cory-johannsen/storyweave/internal/protocol"
)

// memStore keeps encoded snapshots so every save/load goes through the
// JSON form.
type memStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	saves   int
	saveErr error
	loadErr error
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) Save(_ context.Context, id string, snap story.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	data, err := story.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	s.data[id] = data
	s.saves++
	return nil
}

func (s *memStore) Load(_ context.Context, id string) (story.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return story.Snapshot{}, s.loadErr
	}
	data, ok := s.data[id]
	if !ok {
		return story.Snapshot{}, fmt.Errorf("session %q: %w", id, story.ErrSessionNotFound)
	}
	return story.DecodeSnapshot(data)
}

func (s *memStore) put(id string, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = []byte(raw)
}

func (s *memStore) setSaveErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

// echoGenerator answers every action with "Narrator: <input>" and every
// summarization request with a fixed summary.
type echoGenerator struct {
	mu       sync.Mutex
	requests []llm.Request
	summary  string
}

func (g *echoGenerator) Generate(_ context.Context, req llm.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if isSummaryRequest(req) {
		if g.summary == "" {
			return "summary", nil
		}
		return g.summary, nil
	}
	return "Narrator: " + req.Input, nil
}

func (g *echoGenerator) actionRequests() []llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []llm.Request
	for _, r := range g.requests {
		if !isSummaryRequest(r) {
			out = append(out, r)
		}
	}
	return out
}

func isSummaryRequest(req llm.Request) bool {
	return strings.HasPrefix(req.System, "You are the archivist")
}

// prefixTranslator tags text with the language pair.
type prefixTranslator struct {
	err error
}

func (p *prefixTranslator) Translate(_ context.Context, text, source, target string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return fmt.Sprintf("[%s>%s] %s", source, target, text), nil
}

type harness struct {
	store   *memStore
	hub     *hub.Hub
	metrics *observability.Metrics
	deps    Deps
	cfg     Config
}

func newHarness(t testing.TB, gen llm.Generator) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return newHarnessWithLogger(t, gen, logger)
}

func newHarnessWithLogger(t testing.TB, gen llm.Generator, logger *zap.Logger) *harness {
	t.Helper()
	h, err := buildHarness(gen, logger)
	require.NoError(t, err)
	return h
}

func buildHarness(gen llm.Generator, logger *zap.Logger) (*harness, error) {
	builder, err := prompt.NewBuilder(prompt.Default(), nil, logger)
	if err != nil {
		return nil, err
	}
	m := observability.NewMetrics()
	h := &harness{
		store:   newMemStore(),
		hub:     hub.New(logger, m),
		metrics: m,
		cfg: Config{
			WorkingLanguage:    "en",
			DefaultSetting:     "a misty harbor town",
			GenerationTimeout:  2 * time.Second,
			TranslationTimeout: time.Second,
			PersistTimeout:     time.Second,
			MemoryBudget:       10_000,
		},
	}
	h.deps = Deps{
		Generator: gen,
		Store:     h.store,
		Hub:       h.hub,
		Prompts:   builder,
		Metrics:   m,
		Logger:    logger,
	}
	return h, nil
}

func (h *harness) registry() *Registry {
	return NewRegistry(h.cfg, h.deps)
}

func mustPlayer(t testing.TB, name, backstory string) story.Player {
	t.Helper()
	p, err := story.NewPlayer(name, backstory)
	require.NoError(t, err)
	return p
}

// drain decodes every UPDATE_HISTORY queued on e.
func drain(t testing.TB, e *hub.Endpoint) [][][2]string {
	t.Helper()
	var out [][][2]string
	for {
		select {
		case data := <-e.Events():
			msg, err := protocol.DecodeOutbound(data)
			require.NoError(t, err)
			require.Equal(t, protocol.TypeUpdateHistory, msg.Type)
			out = append(out, msg.Messages)
		default:
			return out
		}
	}
}

var errBackend = errors.New("backend unavailable")
