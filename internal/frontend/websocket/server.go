// Package websocket serves the story protocol over websocket connections,
// one JSON message per text frame, alongside the metrics and liveness
// HTTP endpoints.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/storyweave/internal/config"
	"github.com/cory-johannsen/storyweave/internal/frontend/handlers"
	"github.com/cory-johannsen/storyweave/internal/game/hub"
	"github.com/cory-johannsen/storyweave/internal/game/story"
	"github.com/cory-johannsen/storyweave/internal/observability"
)

const shutdownTimeout = 5 * time.Second

// Server is the HTTP listener hosting the websocket endpoint.
type Server struct {
	cfg        config.WebSocketConfig
	dispatcher *handlers.Dispatcher
	metrics    *observability.Metrics
	logLevel   http.Handler
	logger     *zap.Logger
	upgrader   websocket.Upgrader

	http     *http.Server
	mu       sync.Mutex
	listener net.Listener
	conns    map[*websocket.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a Server. logLevel may be nil; when set it is mounted
// at /loglevel.
//
// Precondition: dispatcher, metrics and logger must be non-nil.
func NewServer(cfg config.WebSocketConfig, dispatcher *handlers.Dispatcher, metrics *observability.Metrics, logLevel http.Handler, logger *zap.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		metrics:    metrics,
		logLevel:   logLevel,
		logger:     logger.Named("websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are not authenticated, so any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP routes: the websocket path, /metrics and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path(), s.serveWS)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.logLevel != nil {
		mux.Handle("/loglevel", s.logLevel)
	}
	return mux
}

func (s *Server) path() string {
	if s.cfg.Path == "" {
		return "/ws"
	}
	return s.cfg.Path
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(lis)
}

// Serve accepts HTTP connections on lis until Stop.
//
// Postcondition: Returns nil after a graceful Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("websocket server listening",
		zap.String("addr", lis.Addr().String()),
		zap.String("path", s.path()),
	)
	if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// Addr returns the listening address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops accepting connections, closes every open websocket and waits
// for their handlers to finish disconnect bookkeeping.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("websocket server stopped")
}

func (s *Server) track(conn *websocket.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID != "" {
		if err := story.ValidateSessionID(sessionID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	s.track(conn, true)
	defer s.track(conn, false)

	ctx := context.Background()
	client := s.dispatcher.Open(sessionID, r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(conn, client.Endpoint())
	}()

	s.readPump(ctx, conn, client)

	client.Close(ctx)
	<-writerDone
	_ = conn.Close()
}

// readPump feeds inbound frames to the client until the connection fails.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, client *handlers.Client) {
	pongWait := s.pongWait()
	if s.cfg.ReadLimit > 0 {
		conn.SetReadLimit(s.cfg.ReadLimit)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("connection lost", zap.Error(err))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		client.Handle(ctx, data)
	}
}

// writePump drains the endpoint to the connection and keeps it alive with
// pings. It closes the connection and returns when the endpoint is closed
// or a write fails, which ends readPump.
func (s *Server) writePump(conn *websocket.Conn, ep *hub.Endpoint) {
	ticker := time.NewTicker(s.pongWait() * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-ep.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeWait()))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = conn.Close()
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Debug("write failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeWait()))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Server) pongWait() time.Duration {
	if s.cfg.PongWait <= 0 {
		return time.Minute
	}
	return s.cfg.PongWait
}

func (s *Server) writeWait() time.Duration {
	if s.cfg.WriteWait <= 0 {
		return 10 * time.Second
	}
	return s.cfg.WriteWait
}
