// Package session owns the authoritative state of every live story
// session. An Actor serializes all mutations of one session behind a
// per-session mutex; the Registry maps session ids to Actors.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/storyweave/internal/game/memory"
	"github.com/cory-johannsen/storyweave/internal/game/prompt"
	"github.com/cory-johannsen/storyweave/internal/game/story"
	"github.com/cory-johannsen/storyweave/internal/llm"
	"github.com/cory-johannsen/storyweave/internal/llm/translate"
	"github.com/cory-johannsen/storyweave/internal/observability"
	"github.com/cory-johannsen/storyweave/internal/protocol"
)

// Store persists session snapshots.
type Store interface {
	// Save atomically replaces the snapshot for sessionID.
	Save(ctx context.Context, sessionID string, snap story.Snapshot) error
	// Load returns the snapshot for sessionID, or an error wrapping
	// story.ErrSessionNotFound or story.ErrSessionCorrupted.
	Load(ctx context.Context, sessionID string) (story.Snapshot, error)
}

// Broadcaster fans a payload out to a session's subscribers.
// *hub.Hub satisfies it.
type Broadcaster interface {
	Broadcast(sessionID string, payload []byte) int
}

// Config holds the per-session tunables shared by every Actor.
type Config struct {
	// WorkingLanguage is the language the generation backend is prompted in.
	WorkingLanguage string
	// DefaultSetting starts a session that a player joins before anyone
	// started it.
	DefaultSetting string
	// DefaultLanguage is the display language of a session started
	// implicitly.
	DefaultLanguage story.LanguageConfig
	// GenerationTimeout bounds one generation or summarization call.
	GenerationTimeout time.Duration
	// TranslationTimeout bounds one translation call.
	TranslationTimeout time.Duration
	// PersistTimeout bounds one snapshot save.
	PersistTimeout time.Duration
	// MemoryBudget is the token budget of the working set.
	MemoryBudget int
	// Estimator measures working set size; nil uses memory.ApproxEstimator.
	Estimator memory.Estimator
}

// Defaults applied by NewActor to zero Config fields.
const (
	DefaultWorkingLanguage    = "en"
	DefaultGenerationTimeout  = 60 * time.Second
	DefaultTranslationTimeout = 15 * time.Second
	DefaultPersistTimeout     = 10 * time.Second
	DefaultMemoryBudget       = 2048
)

func (c Config) withDefaults() Config {
	if c.WorkingLanguage == "" {
		c.WorkingLanguage = DefaultWorkingLanguage
	}
	if c.DefaultLanguage.Language == "" {
		c.DefaultLanguage.Language = c.WorkingLanguage
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = DefaultGenerationTimeout
	}
	if c.TranslationTimeout <= 0 {
		c.TranslationTimeout = DefaultTranslationTimeout
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = DefaultPersistTimeout
	}
	if c.MemoryBudget <= 0 {
		c.MemoryBudget = DefaultMemoryBudget
	}
	return c
}

// Deps are the collaborators shared by every Actor.
type Deps struct {
	Generator llm.Generator
	// Translator may be nil, which disables translation.
	Translator llm.Translator
	Store      Store
	Hub        Broadcaster
	Prompts    *prompt.Builder
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// Receipt is the result of a committed action.
type Receipt struct {
	Turn story.Turn
	// Durable is false when the snapshot could not be saved.
	Durable bool
	// Generated is false when the response is the apology text.
	Generated bool
}

// Actor is the single owner of one session's state.
type Actor struct {
	id     string
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu         sync.Mutex
	started    bool
	setting    string
	players    map[string]story.Player
	owners     map[string]string // subscriber id → player name
	transcript []story.Turn
	memory     *memory.Memory
	framing    string
	lang       story.LanguageConfig
}

// NewActor creates an Actor for a session that has not been started or
// loaded yet.
//
// Precondition: id must satisfy story.ValidateSessionID; deps fields other
// than Translator must be non-nil.
func NewActor(id string, cfg Config, deps Deps) *Actor {
	cfg = cfg.withDefaults()
	logger := observability.ForSession(deps.Logger.Named("session"), id)
	return &Actor{
		id:      id,
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		players: make(map[string]story.Player),
		owners:  make(map[string]string),
		memory: memory.New(memory.Config{
			Budget:      cfg.MemoryBudget,
			Estimator:   cfg.Estimator,
			Summarizer:  deps.Generator,
			Instruction: deps.Prompts.SummaryInstruction(),
		}, logger),
		lang: cfg.DefaultLanguage,
	}
}

// ID returns the session id.
func (a *Actor) ID() string { return a.id }

// Start resets the session with a new setting and one initial player owned
// by owner (which may be empty), then persists it.
//
// Postcondition: Returns StatusOK, StatusInvalid for a bad player name, or
// StatusDegraded when the snapshot could not be saved.
func (a *Actor) Start(ctx context.Context, setting, owner string, initial story.Player, lang story.LanguageConfig) story.Status {
	if err := story.ValidatePlayerName(initial.Name); err != nil {
		return story.Statusf(story.StatusInvalid, "%v", err)
	}
	if lang.Language != "" {
		if err := translate.Validate(lang.Language); err != nil {
			return story.Statusf(story.StatusInvalid, "%v", err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startLocked(ctx, setting, owner, initial, lang)
}

func (a *Actor) startLocked(ctx context.Context, setting, owner string, initial story.Player, lang story.LanguageConfig) story.Status {
	a.started = true
	a.setting = strings.TrimSpace(setting)
	a.players = map[string]story.Player{initial.Name: initial}
	a.owners = make(map[string]string)
	if owner != "" {
		a.owners[owner] = initial.Name
	}
	a.transcript = nil
	a.memory.Reset()
	if lang.Language == "" {
		lang.Language = a.cfg.DefaultLanguage.Language
	}
	a.lang = lang
	a.rebuildFramingLocked(ctx)

	a.logger.Info("session started", zap.String("setting", a.setting), zap.String("player", initial.Name))
	return a.persistStatusLocked(ctx, fmt.Sprintf("session %q started with %s", a.id, initial.Name))
}

// AddPlayer adds a character owned by owner to the roster and persists.
// If the name is already in the roster it is bound to owner when no other
// live subscriber owns it, and StatusAlreadyPresent is returned.
//
// Postcondition: Returns StatusOK, StatusAlreadyPresent, StatusInvalid,
// StatusNotFound for a session never started or loaded, or StatusDegraded.
func (a *Actor) AddPlayer(ctx context.Context, owner, name, backstory string) story.Status {
	player, err := story.NewPlayer(name, backstory)
	if err != nil {
		return story.Statusf(story.StatusInvalid, "%v", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return story.Statusf(story.StatusNotFound, "session %q has not been started", a.id)
	}
	return a.addPlayerLocked(ctx, owner, player)
}

func (a *Actor) addPlayerLocked(ctx context.Context, owner string, player story.Player) story.Status {
	if _, ok := a.players[player.Name]; ok {
		if owner != "" && !a.ownedLocked(player.Name) {
			a.owners[owner] = player.Name
		}
		return story.Statusf(story.StatusAlreadyPresent, "%s is already in the story", player.Name)
	}

	a.players[player.Name] = player
	if owner != "" {
		a.owners[owner] = player.Name
	}
	a.rebuildFramingLocked(ctx)

	a.logger.Info("player joined", zap.String("player", player.Name), zap.Int("roster", len(a.players)))
	return a.persistStatusLocked(ctx, fmt.Sprintf("%s joined the story", player.Name))
}

func (a *Actor) ownedLocked(name string) bool {
	for _, n := range a.owners {
		if n == name {
			return true
		}
	}
	return false
}

// Join adds a player for owner, first loading the session or, when no
// snapshot exists, starting it with the default setting and this player.
//
// Postcondition: Returns the status of the final step taken.
func (a *Actor) Join(ctx context.Context, owner, name, backstory string) story.Status {
	player, err := story.NewPlayer(name, backstory)
	if err != nil {
		return story.Statusf(story.StatusInvalid, "%v", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		st := a.loadLocked(ctx)
		switch st.Code {
		case story.StatusOK:
		case story.StatusNotFound:
			return a.startLocked(ctx, a.cfg.DefaultSetting, owner, player, a.cfg.DefaultLanguage)
		default:
			return st
		}
	}
	return a.addPlayerLocked(ctx, owner, player)
}

// RemovePlayer removes the character owned by owner and persists.
//
// Postcondition: Returns StatusNotFound if owner owns no character.
func (a *Actor) RemovePlayer(ctx context.Context, owner string) story.Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	name, ok := a.owners[owner]
	if !ok {
		return story.Statusf(story.StatusNotFound, "no character owned by %s", owner)
	}
	delete(a.owners, owner)
	delete(a.players, name)
	a.rebuildFramingLocked(ctx)

	a.logger.Info("player left", zap.String("player", name), zap.Int("roster", len(a.players)))
	return a.persistStatusLocked(ctx, fmt.Sprintf("%s left the story", name))
}

// Load replaces the session state with the persisted snapshot. Subscribers
// keep ownership of characters still present in the loaded roster and
// receive the loaded history as UPDATE_HISTORY.
//
// Postcondition: Returns StatusOK, StatusNotFound, StatusCorrupted, or
// StatusFailed for a store error; the state is unchanged on failure.
func (a *Actor) Load(ctx context.Context) story.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.loadLocked(ctx)
	if st.Code == story.StatusOK {
		a.broadcastLocked()
	}
	return st
}

func (a *Actor) loadLocked(ctx context.Context) story.Status {
	snap, err := a.deps.Store.Load(ctx, a.id)
	switch {
	case errors.Is(err, story.ErrSessionNotFound):
		return story.Statusf(story.StatusNotFound, "no saved session %q", a.id)
	case errors.Is(err, story.ErrSessionCorrupted):
		a.logger.Warn("saved session is corrupted", zap.Error(err))
		return story.Statusf(story.StatusCorrupted, "saved session %q is corrupted", a.id)
	case err != nil:
		a.logger.Error("loading session", zap.Error(err))
		return story.Statusf(story.StatusFailed, "loading session %q: %v", a.id, err)
	}

	a.started = true
	a.setting = snap.Setting
	a.players = snap.Players
	if a.players == nil {
		a.players = make(map[string]story.Player)
	}
	for owner, name := range a.owners {
		if _, ok := a.players[name]; !ok {
			delete(a.owners, owner)
		}
	}
	a.transcript = snap.Transcript()
	a.lang = snap.LanguageConfig
	a.memory.Restore(snap.Summary, snap.SummaryThrough, a.transcript)
	if a.translatingLocked() {
		// The transcript holds display text; memory works in the working language.
		a.memory.Rewrite(func(t story.Turn) story.Turn {
			t.Action = a.translate(ctx, t.Action, a.lang.Language, a.cfg.WorkingLanguage)
			t.Response = a.translate(ctx, t.Response, a.lang.Language, a.cfg.WorkingLanguage)
			return t
		})
	}
	a.rebuildFramingLocked(ctx)

	a.logger.Info("session loaded",
		zap.Int("players", len(a.players)),
		zap.Int("turns", len(a.transcript)),
		zap.Bool("summarized", snap.Summary != ""),
	)
	return story.Statusf(story.StatusOK, "session %q loaded with %d turns", a.id, len(a.transcript))
}

// ConfigureLanguage changes the display language and translation switch,
// then persists.
func (a *Actor) ConfigureLanguage(ctx context.Context, lang story.LanguageConfig) story.Status {
	if err := translate.Validate(lang.Language); err != nil {
		return story.Statusf(story.StatusInvalid, "%v", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return story.Statusf(story.StatusNotFound, "session %q has not been started", a.id)
	}
	a.lang = lang
	a.logger.Info("language configured", zap.String("language", lang.Language), zap.Bool("translation", lang.TranslationEnabled))
	return a.persistStatusLocked(ctx, fmt.Sprintf("language set to %s", lang.Language))
}

// SubmitAction commits one player action: the action is translated to the
// working language if needed, the backend generates a continuation (or the
// apology text on failure), the response is translated back, the turn is
// appended and fed to memory, the snapshot is saved, and UPDATE_HISTORY is
// broadcast. Concurrent calls for the same session run one at a time in
// arrival order of the lock.
//
// Cancelling ctx does not abort an action once it holds the session.
//
// Postcondition: Returns a Receipt whose turn has a non-empty response, or
// an error for an empty action, an invalid name, or a session that was
// never started or loaded.
func (a *Actor) SubmitAction(ctx context.Context, playerName, action string) (Receipt, error) {
	playerName = strings.TrimSpace(playerName)
	action = strings.TrimSpace(action)
	if action == "" {
		return Receipt{}, story.ErrEmptyAction
	}
	if err := story.ValidatePlayerName(playerName); err != nil {
		return Receipt{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return Receipt{}, fmt.Errorf("session %q: %w", a.id, story.ErrSessionNotStarted)
	}

	begin := time.Now()
	defer func() { a.deps.Metrics.ActionDuration.Observe(time.Since(begin).Seconds()) }()

	ctx = context.WithoutCancel(ctx)
	if _, ok := a.players[playerName]; !ok {
		a.logger.Debug("action from character not in roster", zap.String("player", playerName))
	}

	translating := a.translatingLocked()
	working := action
	if translating {
		working = a.translate(ctx, action, a.lang.Language, a.cfg.WorkingLanguage)
	}

	seq := int64(len(a.transcript)) + 1
	workTurn := story.Turn{Sequence: seq, PlayerName: playerName, Action: working}

	receipt := Receipt{Generated: true}
	response, err := a.generateLocked(ctx, workTurn)
	if err != nil {
		a.logger.Warn("generation failed, committing apology",
			zap.Int64("sequence", seq),
			zap.String("player", playerName),
			zap.Error(err),
		)
		a.deps.Metrics.Failure(observability.FailureGeneration)
		response = a.deps.Prompts.Apology()
		receipt.Generated = false
	}
	workTurn.Response = response

	display := response
	if translating {
		display = a.translate(ctx, response, a.cfg.WorkingLanguage, a.lang.Language)
	}
	turn := story.Turn{Sequence: seq, PlayerName: playerName, Action: action, Response: display}

	a.transcript = append(a.transcript, turn)
	a.deps.Metrics.TurnsCommitted.Inc()
	a.recordLocked(ctx, workTurn)

	receipt.Turn = turn
	receipt.Durable = a.persistLocked(ctx) == nil
	a.broadcastLocked()

	a.logger.Debug("turn committed",
		zap.Int64("sequence", seq),
		zap.String("player", playerName),
		zap.Bool("durable", receipt.Durable),
		zap.Bool("generated", receipt.Generated),
	)
	return receipt, nil
}

func (a *Actor) generateLocked(ctx context.Context, t story.Turn) (string, error) {
	gctx, cancel := context.WithTimeout(ctx, a.cfg.GenerationTimeout)
	defer cancel()

	text, err := a.deps.Generator.Generate(gctx, llm.Request{
		System:  a.systemPromptLocked(),
		History: a.memory.History(),
		Input:   t.Prompt(),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", llm.ErrGenerationFailed, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty response", llm.ErrGenerationFailed)
	}
	return text, nil
}

func (a *Actor) recordLocked(ctx context.Context, t story.Turn) {
	sctx, cancel := context.WithTimeout(ctx, a.cfg.GenerationTimeout)
	defer cancel()

	summarized, err := a.memory.Record(sctx, t)
	if err != nil {
		a.logger.Warn("summarization failed, retrying on next turn",
			zap.Int("size", a.memory.Size()),
			zap.Int("budget", a.memory.Budget()),
			zap.Error(err),
		)
		a.deps.Metrics.Failure(observability.FailureSummarization)
		return
	}
	if summarized {
		a.deps.Metrics.Summarizations.Inc()
	}
}

// systemPromptLocked is the framing followed by the condensed summary, if
// any. The summary travels in the system prompt so history roles keep
// alternating.
func (a *Actor) systemPromptLocked() string {
	summary, _ := a.memory.Summary()
	if summary == "" {
		return a.framing
	}
	return a.framing + "\n\nThe story so far:\n" + summary
}

func (a *Actor) translatingLocked() bool {
	return a.deps.Translator != nil &&
		a.lang.TranslationEnabled &&
		a.lang.Language != "" &&
		!translate.SameLanguage(a.lang.Language, a.cfg.WorkingLanguage)
}

// translate returns text unchanged if translation fails.
func (a *Actor) translate(ctx context.Context, text, source, target string) string {
	tctx, cancel := context.WithTimeout(ctx, a.cfg.TranslationTimeout)
	defer cancel()

	out, err := a.deps.Translator.Translate(tctx, text, source, target)
	if err != nil || strings.TrimSpace(out) == "" {
		a.logger.Warn("translation failed, using untranslated text",
			zap.String("source", source),
			zap.String("target", target),
			zap.Error(err),
		)
		a.deps.Metrics.Failure(observability.FailureTranslation)
		return text
	}
	return out
}

func (a *Actor) rebuildFramingLocked(ctx context.Context) {
	a.framing = a.deps.Prompts.Framing(ctx, a.id, a.setting, a.rosterLocked())
}

func (a *Actor) rosterLocked() []story.Player {
	out := make([]story.Player, 0, len(a.players))
	for _, p := range a.players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (a *Actor) snapshotLocked() story.Snapshot {
	players := make(map[string]story.Player, len(a.players))
	for k, v := range a.players {
		players[k] = v
	}
	summary, through := a.memory.Summary()
	return story.Snapshot{
		Players:        players,
		Setting:        a.setting,
		MessageHistory: story.Pairs(a.transcript),
		LanguageConfig: a.lang,
		Summary:        summary,
		SummaryThrough: through,
	}
}

func (a *Actor) persistLocked(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.PersistTimeout)
	defer cancel()

	if err := a.deps.Store.Save(pctx, a.id, a.snapshotLocked()); err != nil {
		a.logger.Warn("snapshot not saved, session is not durable", zap.Error(err))
		a.deps.Metrics.Failure(observability.FailurePersistence)
		return err
	}
	return nil
}

func (a *Actor) persistStatusLocked(ctx context.Context, msg string) story.Status {
	if err := a.persistLocked(ctx); err != nil {
		return story.Statusf(story.StatusDegraded, "%s, but it could not be saved: %v", msg, err)
	}
	return story.Status{Code: story.StatusOK, Message: msg}
}

func (a *Actor) broadcastLocked() {
	payload, err := protocol.Encode(protocol.NewUpdateHistory(a.id, story.Pairs(a.transcript)))
	if err != nil {
		a.logger.Error("encoding history update", zap.Error(err))
		return
	}
	a.deps.Hub.Broadcast(a.id, payload)
}

// Snapshot returns a copy of the session's durable state.
func (a *Actor) Snapshot() story.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// History returns the transcript as prompt/response pairs.
func (a *Actor) History() [][2]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return story.Pairs(a.transcript)
}

// Attach runs fn with the current history while the session is held, so
// anything fn enqueues is ordered before the next UPDATE_HISTORY.
//
// Precondition: fn must not call back into the Actor.
func (a *Actor) Attach(fn func(history [][2]string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(story.Pairs(a.transcript))
}

// PlayerFor returns the character name bound to owner.
func (a *Actor) PlayerFor(owner string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	name, ok := a.owners[owner]
	return name, ok
}

// Language returns the session's language settings.
func (a *Actor) Language() story.LanguageConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lang
}

// Started reports whether the session has been started or loaded.
func (a *Actor) Started() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

// Framing returns the current framing text.
func (a *Actor) Framing() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.framing
}

// WorkingSetSize returns the estimated size and entry count of the memory
// working set.
func (a *Actor) WorkingSetSize() (size, entries int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.memory.Size(), a.memory.Len()
}
