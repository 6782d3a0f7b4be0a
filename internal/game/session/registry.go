package session

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/storyweave/internal/game/story"
)

// Registry maps session ids to their Actors for the life of the process.
// Entries are only removed by an explicit Drop. All methods are safe for
// concurrent use; the registry lock is never held while an Actor works.
type Registry struct {
	mu     sync.RWMutex
	actors map[string]*Actor

	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// NewRegistry creates an empty Registry whose Actors share cfg and deps.
//
// Precondition: deps fields other than Translator must be non-nil.
func NewRegistry(cfg Config, deps Deps) *Registry {
	return &Registry{
		actors: make(map[string]*Actor),
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.Named("registry"),
	}
}

// GetOrCreate returns the Actor for id, creating an unstarted one if none
// exists.
//
// Postcondition: Returns an error wrapping story.ErrInvalidSessionID for a
// malformed id.
func (r *Registry) GetOrCreate(id string) (*Actor, error) {
	if err := story.ValidateSessionID(id); err != nil {
		return nil, err
	}

	r.mu.RLock()
	a, ok := r.actors[id]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[id]; ok {
		return a, nil
	}
	a = NewActor(id, r.cfg, r.deps)
	r.actors[id] = a
	r.deps.Metrics.LiveSessions.Set(float64(len(r.actors)))
	r.logger.Debug("session created", zap.String("session_id", id))
	return a, nil
}

// Get returns the Actor for id if one exists.
func (r *Registry) Get(id string) (*Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actors[id]
	return a, ok
}

// Start starts (or restarts) session id.
func (r *Registry) Start(ctx context.Context, id, setting, owner string, initial story.Player, lang story.LanguageConfig) story.Status {
	a, err := r.GetOrCreate(id)
	if err != nil {
		return story.Statusf(story.StatusInvalid, "%v", err)
	}
	return a.Start(ctx, setting, owner, initial, lang)
}

// Load replaces session id's state with its persisted snapshot.
func (r *Registry) Load(ctx context.Context, id string) story.Status {
	a, err := r.GetOrCreate(id)
	if err != nil {
		return story.Statusf(story.StatusInvalid, "%v", err)
	}
	return a.Load(ctx)
}

// Join binds a character to owner in session id, loading or implicitly
// starting the session first when needed.
func (r *Registry) Join(ctx context.Context, id, owner, name, backstory string) (*Actor, story.Status) {
	a, err := r.GetOrCreate(id)
	if err != nil {
		return nil, story.Statusf(story.StatusInvalid, "%v", err)
	}
	return a, a.Join(ctx, owner, name, backstory)
}

// Drop removes session id from the registry. In-flight operations on the
// dropped Actor complete normally.
//
// Postcondition: Returns true if the session was present.
func (r *Registry) Drop(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actors[id]; !ok {
		return false
	}
	delete(r.actors, id)
	r.deps.Metrics.LiveSessions.Set(float64(len(r.actors)))
	r.logger.Info("session dropped", zap.String("session_id", id))
	return true
}

// SessionIDs returns the ids of every live session in sorted order.
func (r *Registry) SessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.actors))
	for id := range r.actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors)
}
