package tcp

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/cory-johannsen/storyweave/internal/frontend/handlers"
)

// DispatchHandler bridges line connections to the shared dispatcher. All
// TCP clients start in the dispatcher's default session.
type DispatchHandler struct {
	dispatcher *handlers.Dispatcher
	logger     *zap.Logger
}

// NewDispatchHandler creates a DispatchHandler.
//
// Precondition: dispatcher and logger must be non-nil.
func NewDispatchHandler(dispatcher *handlers.Dispatcher, logger *zap.Logger) *DispatchHandler {
	return &DispatchHandler{dispatcher: dispatcher, logger: logger.Named("tcp-session")}
}

// HandleSession implements SessionHandler.
//
// Postcondition: Returns nil when the client hangs up; disconnect
// bookkeeping has completed in every case.
func (h *DispatchHandler) HandleSession(ctx context.Context, conn *Conn) error {
	client := h.dispatcher.Open("", conn.RemoteAddr())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// An endpoint closed by the hub ends the read loop as well.
		defer conn.Close()
		for payload := range client.Endpoint().Events() {
			if err := conn.WriteLine(payload); err != nil {
				h.logger.Debug("write failed", zap.Error(err))
				conn.Close()
				for range client.Endpoint().Events() {
				}
				return
			}
		}
	}()

	var err error
	for {
		var line []byte
		line, err = conn.ReadLine()
		if err != nil {
			break
		}
		client.Handle(ctx, line)
	}

	client.Close(ctx)
	<-writerDone

	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
