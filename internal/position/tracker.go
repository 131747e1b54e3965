// Package position keeps cached position state fresh and reconciles residual
// imbalance between the two venues.
package position

import (
	"context"
	"log/slog"
	"time"

	"github.com/deFang/orderbook-arbtraguer/internal/store"
	"github.com/deFang/orderbook-arbtraguer/internal/venue"
)

const trackerInterval = 10 * time.Second

// Tracker polls both venues' positions and overwrites the store cache.
type Tracker struct {
	store    *store.Store
	adapters []venue.Adapter
	symbols  []string
	logger   *slog.Logger
}

// NewTracker creates the position tracker.
func NewTracker(st *store.Store, adapters []venue.Adapter, symbols []string, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:    st,
		adapters: adapters,
		symbols:  symbols,
		logger:   logger.With("component", "position"),
	}
}

// Run polls until ctx is cancelled, refreshing immediately on start.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(trackerInterval)
	defer ticker.Stop()
	for {
		t.refresh(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *Tracker) refresh(ctx context.Context) {
	for _, ad := range t.adapters {
		positions, err := ad.Positions(ctx, t.symbols)
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Error("polling positions", "error", err, "venue", ad.Name())
			}
			continue
		}
		for _, symbol := range t.symbols {
			ps, ok := positions[symbol]
			if !ok {
				if err := t.store.DeletePosition(ctx, ad.Name(), symbol); err != nil && ctx.Err() == nil {
					t.logger.Error("clearing position", "error", err, "venue", ad.Name(), "symbol", symbol)
				}
				continue
			}
			if err := t.store.SetPosition(ctx, ad.Name(), symbol, ps); err != nil && ctx.Err() == nil {
				t.logger.Error("caching position", "error", err, "venue", ad.Name(), "symbol", symbol)
			}
		}
	}
}
