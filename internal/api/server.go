package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"darkpool/internal/config"
	"darkpool/pkg/types"
)

// Server runs the HTTP/WebSocket layer.
type Server struct {
	cfg      config.HTTPConfig
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the routes. matches and settlements are the engine and
// settlement feeds the hub broadcasts; either may be nil.
func NewServer(
	cfg config.HTTPConfig,
	core Core,
	store Store,
	sessions Sessions,
	clearing Clearing,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(core, store, sessions, clearing, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/orders/commit", handlers.HandleCommitOrder)
	mux.HandleFunc("POST /api/orders", handlers.HandleSubmitOrder)
	mux.HandleFunc("POST /api/orders/cancel", handlers.HandleCancelOrder)
	mux.HandleFunc("GET /api/orders", handlers.HandleListOrders)
	mux.HandleFunc("GET /api/matches", handlers.HandleListMatches)
	mux.HandleFunc("GET /api/book", handlers.HandleOrderBook)

	mux.HandleFunc("POST /api/session-keys", handlers.HandleCreateSessionKey)
	mux.HandleFunc("POST /api/session-keys/{id}/activate", handlers.HandleActivateSessionKey)
	mux.HandleFunc("POST /api/session-keys/revoke", handlers.HandleRevokeSessionKey)

	mux.HandleFunc("GET /api/channels", handlers.HandleListChannels)
	mux.HandleFunc("POST /api/channels", handlers.HandleCreateChannel)
	mux.HandleFunc("POST /api/channels/resize", handlers.HandleResizeChannel)
	mux.HandleFunc("GET /api/balances", handlers.HandleBalances)

	mux.HandleFunc("POST /api/admin/matches/{id}/reset", handlers.HandleResetMatch)
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Hub exposes the notification hub, for wiring the gateway's match feed.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start runs the hub, the feed consumers, and the listener. Blocks until
// the server stops.
func (s *Server) Start(matches <-chan types.MatchEvent, settlements <-chan types.SettlementEvent) error {
	go s.hub.Run()
	if matches != nil {
		go s.hub.ConsumeMatches(matches)
	}
	if settlements != nil {
		go s.hub.ConsumeSettlements(settlements)
	}

	s.logger.Info("http server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server and hub down.
func (s *Server) Stop() error {
	s.logger.Info("stopping http server")
	s.hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
