// Package web serves the observer endpoint, the health check and the UI assets
// on one HTTP listener.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/afkeeper/internal/config"
	"github.com/cory-johannsen/afkeeper/internal/hub"
	"github.com/cory-johannsen/afkeeper/internal/session"
)

const shutdownTimeout = 10 * time.Second

// StatusSource reports the state of every session.
type StatusSource interface {
	Summaries() []session.Summary
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status   string          `json:"status"`
	Sessions []SessionHealth `json:"sessions"`
}

// SessionHealth is the state of one session in a HealthResponse.
type SessionHealth struct {
	ID    int           `json:"id"`
	State session.State `json:"state"`
}

// Server is the process's single HTTP listener.
type Server struct {
	cfg    config.HTTPConfig
	mux    *http.ServeMux
	logger *zap.Logger

	mu         sync.Mutex
	srv        *http.Server
	listener   net.Listener
	running    bool
	onShutdown []func()
}

// RegisterOnShutdown registers fn to run when Stop begins. Hijacked
// connections such as WebSockets are not closed by the HTTP server and must be
// released through such a hook.
//
// Precondition: Must be called before ListenAndServe.
func (s *Server) RegisterOnShutdown(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onShutdown = append(s.onShutdown, fn)
}

// NewServer creates a Server that serves ws at /ws, behind the control token
// when one is configured, status at /healthz and cfg.StaticDir at /.
//
// Precondition: ws, status and logger must be non-nil.
// Postcondition: Returns a Server ready to be started with ListenAndServe.
func NewServer(cfg config.HTTPConfig, ws http.Handler, status StatusSource, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub.RequireToken(cfg.ControlTokenHash)(ws))
	mux.HandleFunc("GET /healthz", healthHandler(status))
	if cfg.StaticDir != "" {
		if fi, err := os.Stat(cfg.StaticDir); err == nil && fi.IsDir() {
			mux.Handle("GET /", http.FileServer(http.Dir(cfg.StaticDir)))
		} else {
			logger.Warn("static asset directory unavailable, UI not served",
				zap.String("static_dir", cfg.StaticDir),
			)
		}
	}
	return &Server{cfg: cfg, mux: mux, logger: logger}
}

func healthHandler(status StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := HealthResponse{Status: "ok"}
		for _, s := range status.Summaries() {
			resp.Sessions = append(resp.Sessions, SessionHealth{ID: s.ID, State: s.State})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe binds the listener and serves until Stop is called.
//
// Precondition: The server must not already be running.
// Postcondition: The listener is closed when this method returns.
func (s *Server) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	for _, fn := range s.onShutdown {
		srv.RegisterOnShutdown(fn)
	}
	s.srv = srv
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.logger.Info("http server listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// Stop shuts the server down, waiting a bounded time for requests in flight.
//
// Postcondition: The listener is closed.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	s.logger.Info("http server stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
