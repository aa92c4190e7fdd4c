// Package api exposes the trading control plane over HTTP and publishes
// session status to users over WebSocket.
//
// The Hub keeps a per-user connection registry and implements the engine's
// Notifier; the Handlers translate HTTP requests into Trading Manager and
// Store operations, enforcing the session state machine before any
// mutation.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"kis-autotrader/internal/config"
	"kis-autotrader/internal/engine"
	"kis-autotrader/internal/store"
)

// Server runs the HTTP/WebSocket API.
type Server struct {
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the hub, handlers and routes.
func NewServer(cfg *config.Config, st *store.Store, manager *engine.Manager, hub *Hub, logger *slog.Logger) *Server {
	handlers := NewHandlers(cfg, st, manager, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)
	mux.HandleFunc("GET /api/strategies", handlers.HandleStrategies)
	mux.HandleFunc("POST /api/trading/start", handlers.HandleStart)
	mux.HandleFunc("POST /api/trading/stop/{id}", handlers.HandleStop)
	mux.HandleFunc("POST /api/trading/pause/{id}", handlers.HandlePause)
	mux.HandleFunc("POST /api/trading/resume/{id}", handlers.HandleResume)
	mux.HandleFunc("GET /api/trading/sessions", handlers.HandleSessions)
	mux.HandleFunc("GET /api/trading/active", handlers.HandleActive)
	mux.HandleFunc("GET /api/account/summary", handlers.HandleSummary)
	mux.HandleFunc("DELETE /api/account", handlers.HandleDeleteAccount)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
