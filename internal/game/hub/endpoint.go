package hub

import (
	"fmt"
	"sync"
)

// Endpoint is a Subscriber backed by a buffered channel. A transport
// goroutine drains Events and writes each payload to its connection, so a
// broadcast never waits on network I/O.
type Endpoint struct {
	id     string
	events chan []byte
	mu     sync.Mutex
	closed bool
}

// NewEndpoint creates an Endpoint with the given buffer size.
//
// Precondition: id must be non-empty.
// Postcondition: Returns an Endpoint with an open events channel; a
// non-positive bufferSize is replaced with 64.
func NewEndpoint(id string, bufferSize int) *Endpoint {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Endpoint{
		id:     id,
		events: make(chan []byte, bufferSize),
	}
}

// ID implements Subscriber.
func (e *Endpoint) ID() string {
	return e.id
}

// Send enqueues payload for delivery.
//
// Postcondition: Returns an error if the endpoint is closed or its buffer
// is full; the payload is never partially enqueued.
func (e *Endpoint) Send(payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("subscriber %s: %w", e.id, ErrClosed)
	}
	select {
	case e.events <- payload:
		return nil
	default:
		return fmt.Errorf("subscriber %s: %w", e.id, ErrBufferFull)
	}
}

// Events returns the channel the transport drains. It is closed by Close.
func (e *Endpoint) Events() <-chan []byte {
	return e.events
}

// Close marks the endpoint closed and closes its channel. Safe to call
// more than once.
func (e *Endpoint) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.closed {
		e.closed = true
		close(e.events)
	}
}

// Closed reports whether Close has been called.
func (e *Endpoint) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
