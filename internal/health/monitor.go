// Package health probes venue status endpoints and drives the process-wide
// order mode: an unhealthy venue forces maintain, and recovery restores
// whatever mode was active before.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/deFang/orderbook-arbtraguer/internal/venue"
	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

const probeInterval = time.Minute

// State is the process-wide order-mode cell. Operator-driven modes come from
// config; maintain is entered and left only by the monitor, which remembers
// the mode it displaced.
type State struct {
	mu    sync.Mutex
	mode  types.OrderMode
	prior types.OrderMode
}

// NewState seeds the cell with the configured mode.
func NewState(mode types.OrderMode) *State {
	return &State{mode: mode}
}

// Mode returns the current order mode.
func (s *State) Mode() types.OrderMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// enterMaintain switches to maintain, remembering the displaced mode.
// Idempotent while already in maintain.
func (s *State) enterMaintain() (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == types.OrderModeMaintain {
		return false
	}
	s.prior = s.mode
	s.mode = types.OrderModeMaintain
	return true
}

// leaveMaintain restores the displaced mode. No-op outside maintain.
func (s *State) leaveMaintain() (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != types.OrderModeMaintain {
		return false
	}
	s.mode = s.prior
	return true
}

// Monitor probes both venues and toggles the state.
type Monitor struct {
	state    *State
	adapters []venue.Adapter
	logger   *slog.Logger
}

// NewMonitor creates the health monitor.
func NewMonitor(state *State, adapters []venue.Adapter, logger *slog.Logger) *Monitor {
	return &Monitor{
		state:    state,
		adapters: adapters,
		logger:   logger.With("component", "health"),
	}
}

// Run probes until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		m.probe(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	allHealthy := true
	for _, ad := range m.adapters {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		healthy, err := ad.Healthy(probeCtx)
		cancel()
		if err != nil {
			// A failed probe is treated as unhealthy; the venue may be
			// unreachable for us even if up for others.
			m.logger.Warn("health probe failed", "error", err, "venue", ad.Name())
			healthy = false
		}
		if !healthy {
			allHealthy = false
		}
	}

	if !allHealthy {
		if m.state.enterMaintain() {
			m.logger.Warn("venue unhealthy, order mode set to maintain")
		}
		return
	}
	if m.state.leaveMaintain() {
		m.logger.Info("venues healthy again, order mode restored", "mode", m.state.Mode())
	}
}
