// Package hub tracks the live subscribers of every session and fans out
// broadcasts to them.
package hub

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/storyweave/internal/observability"
)

var (
	// ErrClosed is returned by Send on a closed Endpoint.
	ErrClosed = errors.New("subscriber closed")
	// ErrBufferFull is returned by Send when an Endpoint cannot accept more payloads.
	ErrBufferFull = errors.New("subscriber buffer full")
)

// Subscriber is a live connection that receives broadcast payloads.
type Subscriber interface {
	// ID uniquely identifies the subscriber within the process.
	ID() string
	// Send delivers payload or reports that the connection is unusable.
	Send(payload []byte) error
	// Close is called once the hub has dropped the subscriber after a
	// failed Send. The transport must then disconnect it.
	Close()
}

// Hub maps session ids to their subscribers. All methods are safe for
// concurrent use and never take a session's own lock.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[string]Subscriber // session id → subscriber id → subscriber

	logger  *zap.Logger
	metrics *observability.Metrics
}

// New creates an empty Hub.
//
// Precondition: logger and metrics must be non-nil.
func New(logger *zap.Logger, metrics *observability.Metrics) *Hub {
	return &Hub{
		sessions: make(map[string]map[string]Subscriber),
		logger:   logger.Named("hub"),
		metrics:  metrics,
	}
}

// Subscribe registers sub for sessionID.
//
// Postcondition: Returns true if sub was not already registered for
// sessionID. Subscribing twice is a no-op.
func (h *Hub) Subscribe(sessionID string, sub Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.sessions[sessionID]
	if subs == nil {
		subs = make(map[string]Subscriber)
		h.sessions[sessionID] = subs
	}
	if _, ok := subs[sub.ID()]; ok {
		return false
	}
	subs[sub.ID()] = sub
	h.metrics.Subscribers.Inc()
	h.logger.Debug("subscribed", zap.String("session_id", sessionID), zap.String("subscriber", sub.ID()))
	return true
}

// Unsubscribe removes sub from sessionID.
//
// Postcondition: Returns true if sub was registered. Unsubscribing an
// unknown subscriber is a no-op.
func (h *Hub) Unsubscribe(sessionID string, sub Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removeLocked(sessionID, sub.ID(), nil)
}

// Broadcast delivers payload to every subscriber of sessionID. A subscriber
// whose Send fails is dropped and closed; delivery to the others continues.
//
// Postcondition: Returns the number of subscribers that accepted payload.
func (h *Hub) Broadcast(sessionID string, payload []byte) int {
	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.sessions[sessionID]))
	for _, sub := range h.sessions[sessionID] {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	delivered := 0
	var dead []Subscriber
	for _, sub := range targets {
		if err := sub.Send(payload); err != nil {
			h.logger.Warn("dropping subscriber after failed send",
				zap.String("session_id", sessionID),
				zap.String("subscriber", sub.ID()),
				zap.Error(err),
			)
			dead = append(dead, sub)
			continue
		}
		delivered++
	}

	if len(dead) > 0 {
		var dropped []Subscriber
		h.mu.Lock()
		for _, sub := range dead {
			if h.removeLocked(sessionID, sub.ID(), sub) {
				h.metrics.BroadcastDrops.Inc()
				dropped = append(dropped, sub)
			}
		}
		h.mu.Unlock()
		for _, sub := range dropped {
			sub.Close()
		}
	}
	return delivered
}

// Subscribers returns the sorted ids of sessionID's subscribers.
func (h *Hub) Subscribers(sessionID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.sessions[sessionID]))
	for id := range h.sessions[sessionID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of subscribers of sessionID.
func (h *Hub) Count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// removeLocked deletes subscriber id from sessionID. When want is non-nil
// the entry is only removed if it is still that exact subscriber, so a
// failed send never evicts a replacement registered under the same id.
func (h *Hub) removeLocked(sessionID, id string, want Subscriber) bool {
	subs := h.sessions[sessionID]
	cur, ok := subs[id]
	if !ok || (want != nil && cur != want) {
		return false
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(h.sessions, sessionID)
	}
	h.metrics.Subscribers.Dec()
	h.logger.Debug("unsubscribed", zap.String("session_id", sessionID), zap.String("subscriber", id))
	return true
}
