// Package api exposes a small read-only HTTP surface over the shared store:
// account margins, open positions, and a liveness probe.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/deFang/orderbook-arbtraguer/internal/config"
	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

var venues = []string{string(types.VenueOkx), string(types.VenueBinance)}

// Store is the slice of the shared store the server reads from.
type Store interface {
	Ping(ctx context.Context) error
	GetMargin(ctx context.Context, venue string) (*types.Margin, error)
	GetPosition(ctx context.Context, venue, symbol string) (*types.PositionStatus, error)
}

// Server serves the balance endpoint.
type Server struct {
	store   Store
	symbols []string
	server  *http.Server
	logger  *slog.Logger
}

// NewServer creates the server on the configured port.
func NewServer(cfg config.APIConfig, store Store, symbols []string, logger *slog.Logger) *Server {
	s := &Server{
		store:   store,
		symbols: symbols,
		logger:  logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/get_balance", s.handleBalance)
	mux.HandleFunc("/positions", s.handlePositions)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start blocks serving until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleBalance returns each venue's margin snapshot. Venues with no
// snapshot yet come back null.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]*types.Margin, len(venues))
	for _, v := range venues {
		m, err := s.store.GetMargin(r.Context(), v)
		if err != nil {
			s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		out[v] = m
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handlePositions returns open positions keyed venue then symbol; flat
// symbols are omitted.
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]map[string]*types.PositionStatus, len(venues))
	for _, v := range venues {
		out[v] = make(map[string]*types.PositionStatus)
		for _, sym := range s.symbols {
			ps, err := s.store.GetPosition(r.Context(), v, sym)
			if err != nil {
				s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			if ps != nil {
				out[v][sym] = ps
			}
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writing response", "error", err)
	}
}
