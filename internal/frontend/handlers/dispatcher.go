// Package handlers turns decoded client messages into session operations.
// It is shared by every transport: a transport owns the socket, creates a
// Client per connection, feeds it raw inbound messages, and drains the
// Client's endpoint for outbound ones.
package handlers

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/storyweave/internal/game/hub"
	"github.com/cory-johannsen/storyweave/internal/game/session"
	"github.com/cory-johannsen/storyweave/internal/game/story"
	"github.com/cory-johannsen/storyweave/internal/observability"
)

// DefaultSendBuffer is the outbound queue length per connection.
const DefaultSendBuffer = 64

// Options configures a Dispatcher.
type Options struct {
	// DefaultSessionID is used when neither the transport nor the message
	// names a session.
	DefaultSessionID string
	// DefaultLanguage fills language fields omitted from START_GAME.
	DefaultLanguage story.LanguageConfig
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int
}

// Dispatcher routes client messages for every connection of the process.
type Dispatcher struct {
	opts     Options
	registry *session.Registry
	hub      *hub.Hub
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewDispatcher creates a Dispatcher.
//
// Precondition: registry, h, metrics and logger must be non-nil.
func NewDispatcher(opts Options, registry *session.Registry, h *hub.Hub, metrics *observability.Metrics, logger *zap.Logger) *Dispatcher {
	if opts.DefaultSessionID == "" {
		opts.DefaultSessionID = "default"
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	return &Dispatcher{
		opts:     opts,
		registry: registry,
		hub:      h,
		metrics:  metrics,
		logger:   logger.Named("dispatch"),
	}
}

// Open registers a new connection. sessionID may be empty, in which case the
// default session is used until a message names another.
//
// Postcondition: Returns a Client with a fresh endpoint; the client is not
// subscribed to any session yet.
func (d *Dispatcher) Open(sessionID, remoteAddr string) *Client {
	if sessionID == "" {
		sessionID = d.opts.DefaultSessionID
	}
	id := uuid.NewString()
	c := &Client{
		d:         d,
		endpoint:  hub.NewEndpoint(id, d.opts.SendBuffer),
		sessionID: sessionID,
		logger: d.logger.With(
			zap.String("conn_id", id),
			zap.String("remote_addr", remoteAddr),
		),
	}
	c.logger.Debug("connection opened", zap.String("session_id", sessionID))
	return c
}

func (d *Dispatcher) actor(sessionID string) (*session.Actor, story.Status) {
	a, ok := d.registry.Get(sessionID)
	if !ok || !a.Started() {
		return nil, story.Statusf(story.StatusNotFound, "session %q has not been started", sessionID)
	}
	return a, story.Status{Code: story.StatusOK}
}

func statusForError(err error) story.Status {
	return story.Status{Code: story.StatusInvalid, Message: fmt.Sprint(err)}
}

// detached returns a context that outlives the connection, for bookkeeping
// that must finish after a disconnect.
func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
