package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/zde37/ringpeer/internal/chord"
	"github.com/zde37/ringpeer/internal/telemetry"
	"github.com/zde37/ringpeer/pkg"
)

// Peer is the part of the ring peer the admin API exposes.
type Peer interface {
	Snapshot() chord.Snapshot
	Lookup(ctx context.Context, key int) error
}

// Server is the HTTP admin API: ring state, lookups, live events and metrics.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	hub        *EventHub
	peer       Peer
	logger     *pkg.Logger

	// Bound on a lookup triggered over HTTP
	lookupTimeout time.Duration
}

// NewServer creates the admin API for peer. The returned server's Hub should
// be registered as a broadcaster on the peer.
func NewServer(peer Peer, lookupTimeout time.Duration, logger *pkg.Logger) (*Server, error) {
	if peer == nil {
		return nil, fmt.Errorf("peer cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	logger = logger.WithFields(pkg.Fields{"component": "http_api"})
	return &Server{
		hub:           NewEventHub(logger),
		peer:          peer,
		logger:        logger,
		lookupTimeout: lookupTimeout,
	}, nil
}

// Hub returns the event hub feeding /api/ws.
func (s *Server) Hub() *EventHub {
	return s.hub
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/ring", s.ringHandler)
	mux.HandleFunc("POST /api/lookup/{key}", s.lookupHandler)
	mux.HandleFunc("GET /api/ws", s.hub.HandleWebSocket)
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	mux.HandleFunc("GET /health", s.healthHandler)
	return corsMiddleware(mux)
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.hub.Start()
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("address", listener.Addr().String()).Msg("Starting HTTP API server")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop disconnects subscribers and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	if s.httpServer == nil {
		return nil
	}

	// hijacked websocket connections are not tracked by Shutdown
	s.hub.Stop()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

func (s *Server) ringHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.peer.Snapshot())
}

// lookupHandler starts a lookup for the key in the path. The answer, when it
// comes, is an event on /api/ws; the response only reports whether the
// request left this peer.
func (s *Server) lookupHandler(w http.ResponseWriter, r *http.Request) {
	key, err := strconv.Atoi(r.PathValue("key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %q", pkg.ErrInvalidKey, r.PathValue("key")))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.lookupTimeout)
	defer cancel()

	if err := s.peer.Lookup(ctx, key); err != nil {
		writeError(w, lookupStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"key": key, "status": "routed"})
}

func lookupStatus(err error) int {
	switch {
	case errors.Is(err, pkg.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, pkg.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, pkg.ErrPeerUnreachable), errors.Is(err, pkg.ErrNoSuccessor):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
