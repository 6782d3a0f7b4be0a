package handlers

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/storyweave/internal/game/hub"
	"github.com/cory-johannsen/storyweave/internal/game/session"
	"github.com/cory-johannsen/storyweave/internal/game/story"
	"github.com/cory-johannsen/storyweave/internal/observability"
	"github.com/cory-johannsen/storyweave/internal/protocol"
)

// Client is the dispatcher's view of one connection. Handle must be called
// from a single goroutine; Close may be called from any.
type Client struct {
	d        *Dispatcher
	endpoint *hub.Endpoint
	logger   *zap.Logger

	mu         sync.Mutex
	sessionID  string
	subscribed bool
	closed     bool
}

// Endpoint returns the outbound queue the transport must drain.
func (c *Client) Endpoint() *hub.Endpoint {
	return c.endpoint
}

// SessionID returns the session the connection is currently bound to.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Handle processes one raw inbound message. Malformed messages are logged
// and dropped; the connection stays usable.
func (c *Client) Handle(ctx context.Context, data []byte) {
	in, err := protocol.Decode(data)
	if err != nil {
		c.d.metrics.Failure(observability.FailureProtocol)
		c.logger.Warn("dropping malformed message", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}

	sid := c.SessionID()
	if in.SessionID != "" {
		if err := story.ValidateSessionID(in.SessionID); err != nil {
			c.reply(protocol.NewStatus(statusForError(err)))
			return
		}
		sid = in.SessionID
	}

	switch in.Type {
	case protocol.TypeCharacterSetup:
		c.characterSetup(ctx, sid, in)
	case protocol.TypeClientMessage:
		c.clientMessage(ctx, sid, in)
	case protocol.TypeStartGame:
		c.startGame(ctx, sid, in)
	case protocol.TypeLoadSession:
		c.loadSession(ctx, sid)
	case protocol.TypeLanguageSetup:
		c.languageSetup(ctx, sid, in)
	}
}

func (c *Client) characterSetup(ctx context.Context, sid string, in protocol.Inbound) {
	c.rebind(ctx, sid)
	a, st := c.d.registry.Join(ctx, sid, c.endpoint.ID(), in.Name, in.Backstory)
	if a == nil {
		c.reply(protocol.NewStatus(st))
		return
	}
	c.logger.Info("character setup",
		zap.String("session_id", sid),
		zap.String("player", in.Name),
		zap.String("status", string(st.Code)),
	)
	switch st.Code {
	case story.StatusOK, story.StatusAlreadyPresent, story.StatusDegraded:
		c.attach(a, sid, st.Message)
	default:
		c.reply(protocol.NewSetupResponse(st.Message, a.History()))
	}
}

func (c *Client) clientMessage(ctx context.Context, sid string, in protocol.Inbound) {
	a, st := c.d.actor(sid)
	if a == nil {
		c.reply(protocol.NewStatus(st))
		return
	}
	name, ok := a.PlayerFor(c.endpoint.ID())
	if !ok {
		c.reply(protocol.NewStatus(story.Statusf(story.StatusInvalid, "send CHARACTER_SETUP before acting")))
		return
	}
	if claimed := strings.TrimSpace(in.Name); claimed != "" && claimed != name {
		c.reply(protocol.NewStatus(story.Statusf(story.StatusInvalid, "this connection plays %s, not %s", name, claimed)))
		return
	}
	if _, err := a.SubmitAction(ctx, name, in.Content); err != nil {
		st := statusForError(err)
		if errors.Is(err, story.ErrSessionNotStarted) {
			st.Code = story.StatusNotFound
		}
		c.reply(protocol.NewStatus(st))
	}
}

func (c *Client) startGame(ctx context.Context, sid string, in protocol.Inbound) {
	player, err := story.NewPlayer(in.Name, in.Backstory)
	if err != nil {
		c.reply(protocol.NewStatus(statusForError(err)))
		return
	}
	c.rebind(ctx, sid)
	st := c.d.registry.Start(ctx, sid, in.Setting, c.endpoint.ID(), player, in.LanguageConfig(c.d.opts.DefaultLanguage))
	if st.Code == story.StatusOK || st.Code == story.StatusDegraded {
		c.subscribe(sid)
	}
	c.reply(protocol.NewStatus(st))
}

func (c *Client) loadSession(ctx context.Context, sid string) {
	c.rebind(ctx, sid)
	st := c.d.registry.Load(ctx, sid)
	c.reply(protocol.NewStatus(st))
	if st.Code != story.StatusOK {
		return
	}
	if a, ok := c.d.registry.Get(sid); ok {
		c.attach(a, sid, st.Message)
	}
}

func (c *Client) languageSetup(ctx context.Context, sid string, in protocol.Inbound) {
	a, st := c.d.actor(sid)
	if a == nil {
		c.reply(protocol.NewStatus(st))
		return
	}
	c.reply(protocol.NewStatus(a.ConfigureLanguage(ctx, in.LanguageConfig(a.Language()))))
}

// rebind moves the connection to sid, leaving the previous session first.
func (c *Client) rebind(ctx context.Context, sid string) {
	c.mu.Lock()
	prev, wasSubscribed := c.sessionID, c.subscribed
	if prev == sid {
		c.mu.Unlock()
		return
	}
	c.sessionID = sid
	c.subscribed = false
	c.mu.Unlock()

	if wasSubscribed {
		c.leave(ctx, prev)
	}
}

func (c *Client) subscribe(sid string) {
	c.mu.Lock()
	c.subscribed = true
	c.mu.Unlock()
	c.d.hub.Subscribe(sid, c.endpoint)
}

// attach subscribes to sid and queues SETUP_RESPONSE while a is held, so
// the response always precedes the next UPDATE_HISTORY.
func (c *Client) attach(a *session.Actor, sid, message string) {
	a.Attach(func(history [][2]string) {
		c.subscribe(sid)
		c.reply(protocol.NewSetupResponse(message, history))
	})
}

// leave unsubscribes from sid and removes the character this connection
// owned there.
func (c *Client) leave(ctx context.Context, sid string) {
	c.d.hub.Unsubscribe(sid, c.endpoint)
	if a, ok := c.d.registry.Get(sid); ok {
		st := a.RemovePlayer(detached(ctx), c.endpoint.ID())
		c.logger.Debug("left session", zap.String("session_id", sid), zap.String("status", string(st.Code)))
	}
}

func (c *Client) reply(msg any) {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Error("encoding reply", zap.Error(err))
		return
	}
	if err := c.endpoint.Send(data); err != nil {
		c.logger.Debug("reply dropped", zap.Error(err))
	}
}

// Close performs disconnect bookkeeping: the connection's character is
// removed from its session and the endpoint is unsubscribed and closed.
// In-flight actions are not cancelled. Close is idempotent.
func (c *Client) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sid, subscribed := c.sessionID, c.subscribed
	c.subscribed = false
	c.mu.Unlock()

	if subscribed {
		c.leave(ctx, sid)
	}
	c.endpoint.Close()
	c.logger.Debug("connection closed", zap.String("session_id", sid))
}

var _ hub.Subscriber = (*hub.Endpoint)(nil)
var _ session.Broadcaster = (*hub.Hub)(nil)
