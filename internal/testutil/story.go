package testutil

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/storyweave/internal/frontend/handlers"
	"github.com/cory-johannsen/storyweave/internal/game/hub"
	"github.com/cory-johannsen/storyweave/internal/game/prompt"
	"github.com/cory-johannsen/storyweave/internal/game/session"
	"github.com/cory-johannsen/storyweave/internal/game/story"
	"github.com/cory-johannsen/storyweave/internal/llm"
	"github.com/cory-johannsen/storyweave/internal/observability"
	"github.com/cory-johannsen/storyweave/internal/storage/file"
)

// EchoGenerator answers every request with "Narrator: <input>".
type EchoGenerator struct {
	mu    sync.Mutex
	calls int
}

// Generate implements llm.Generator.
func (g *EchoGenerator) Generate(_ context.Context, req llm.Request) (string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if strings.HasPrefix(req.System, "You are the archivist") {
		return "summary", nil
	}
	return "Narrator: " + req.Input, nil
}

// Calls returns the number of Generate invocations.
func (g *EchoGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// StoryStack is a fully wired in-process session engine backed by a
// temporary file store.
type StoryStack struct {
	Store      *file.Store
	Hub        *hub.Hub
	Metrics    *observability.Metrics
	Registry   *session.Registry
	Dispatcher *handlers.Dispatcher
}

// NewStoryStack wires a registry and dispatcher around gen.
//
// Postcondition: Returns a ready stack or fails the test.
func NewStoryStack(t *testing.T, gen llm.Generator) *StoryStack {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := file.New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("creating file store: %v", err)
	}
	builder, err := prompt.NewBuilder(prompt.Default(), nil, logger)
	if err != nil {
		t.Fatalf("building prompts: %v", err)
	}
	metrics := observability.NewMetrics()
	h := hub.New(logger, metrics)
	lang := story.LanguageConfig{Language: "en"}
	registry := session.NewRegistry(session.Config{
		WorkingLanguage:    "en",
		DefaultSetting:     "fantasy",
		DefaultLanguage:    lang,
		GenerationTimeout:  2 * time.Second,
		TranslationTimeout: time.Second,
		PersistTimeout:     time.Second,
		MemoryBudget:       10_000,
	}, session.Deps{
		Generator: gen,
		Store:     store,
		Hub:       h,
		Prompts:   builder,
		Metrics:   metrics,
		Logger:    logger,
	})
	dispatcher := handlers.NewDispatcher(handlers.Options{
		DefaultSessionID: "default",
		DefaultLanguage:  lang,
		SendBuffer:       64,
	}, registry, h, metrics, logger)

	return &StoryStack{
		Store:      store,
		Hub:        h,
		Metrics:    metrics,
		Registry:   registry,
		Dispatcher: dispatcher,
	}
}
