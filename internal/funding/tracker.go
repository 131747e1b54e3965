// Package funding polls both venues' funding rates and maintains the cached
// snapshots the threshold engine reads.
package funding

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/deFang/orderbook-arbtraguer/internal/store"
	"github.com/deFang/orderbook-arbtraguer/internal/venue"
	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

const (
	pollInterval = 5 * time.Minute

	// fundingPeriod is the venue funding window length. Both venues settle
	// every 8 hours on the hour.
	fundingPeriod = 8 * time.Hour
)

// Tracker refreshes funding snapshots for every adapter × symbol pair.
type Tracker struct {
	store    *store.Store
	adapters []venue.Adapter
	symbols  []string
	logger   *slog.Logger
}

// NewTracker creates the funding tracker.
func NewTracker(st *store.Store, adapters []venue.Adapter, symbols []string, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:    st,
		adapters: adapters,
		symbols:  symbols,
		logger:   logger.With("component", "funding"),
	}
}

// Run polls until ctx is cancelled. The first refresh happens immediately so
// the threshold engine has data on startup.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
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
		for _, symbol := range t.symbols {
			if err := t.refreshOne(ctx, ad, symbol); err != nil && ctx.Err() == nil {
				t.logger.Error("refreshing funding", "error", err, "venue", ad.Name(), "symbol", symbol)
			}
		}
	}
}

func (t *Tracker) refreshOne(ctx context.Context, ad venue.Adapter, symbol string) error {
	fresh, err := ad.FundingRate(ctx, symbol)
	if err != nil {
		return err
	}
	prev, err := t.store.GetFunding(ctx, ad.Name(), symbol)
	if err != nil {
		return err
	}
	fresh.Delta = nextDelta(prev, fresh)
	return t.store.SetFunding(ctx, fresh)
}

// nextDelta computes the rate change across funding windows. A snapshot in
// the window after the previous one carries the rate difference; a refresh
// inside the same window carries the previous delta forward. Anything else
// (gap, restart, first poll) yields no delta.
func nextDelta(prev *types.FundingSnapshot, fresh types.FundingSnapshot) *decimal.Decimal {
	if prev == nil {
		return nil
	}
	switch fresh.TS {
	case prev.TS + fundingPeriod.Milliseconds():
		d := fresh.Rate.Sub(prev.Rate)
		return &d
	case prev.TS:
		return prev.Delta
	}
	return nil
}
