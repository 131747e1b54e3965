// Package balance keeps the cached margin summary for both venues fresh.
// The dispatcher's margin gate and the balance HTTP endpoint read the cache
// rather than hitting venue REST on every signal.
package balance

import (
	"context"
	"log/slog"
	"time"

	"github.com/deFang/orderbook-arbtraguer/internal/store"
	"github.com/deFang/orderbook-arbtraguer/internal/venue"
)

const refreshInterval = 20 * time.Second

// Refresher polls venue balances on a fixed cadence.
type Refresher struct {
	store    *store.Store
	adapters []venue.Adapter
	logger   *slog.Logger
}

// NewRefresher creates the balance refresher.
func NewRefresher(st *store.Store, adapters []venue.Adapter, logger *slog.Logger) *Refresher {
	return &Refresher{
		store:    st,
		adapters: adapters,
		logger:   logger.With("component", "balance"),
	}
}

// Run refreshes until ctx is cancelled, once immediately on start.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		r.refresh(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	for _, ad := range r.adapters {
		m, err := ad.Balance(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("fetching balance", "error", err, "venue", ad.Name())
			}
			continue
		}
		if err := r.store.SetMargin(ctx, ad.Name(), m); err != nil && ctx.Err() == nil {
			r.logger.Error("caching margin", "error", err, "venue", ad.Name())
		}
	}
}
