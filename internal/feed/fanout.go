// Package feed moves depth snapshots from the venue WebSockets into Redis
// and combines them into the aggregated tick stream the signal generator
// consumes.
//
// The pipeline has two stages. The fanout stage drains a venue's snapshot
// channel, drops unchanged books, and publishes each update to the latest
// slot plus a coalescing notify marker. The aggregation stage wakes on the
// marker, reads the freshest book from every venue, and appends a combined
// tick to the stream.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/deFang/orderbook-arbtraguer/internal/store"
	"github.com/deFang/orderbook-arbtraguer/internal/venue"
	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

// Fanout publishes one venue's snapshots into the store.
type Fanout struct {
	store  *store.Store
	feed   venue.BookFeed
	logger *slog.Logger

	// last published book per symbol, as marshaled bytes, for deduping
	last map[string]string
}

// NewFanout creates a fanout stage for one venue book feed.
func NewFanout(st *store.Store, bf venue.BookFeed, logger *slog.Logger) *Fanout {
	return &Fanout{
		store:  st,
		feed:   bf,
		logger: logger.With("component", "fanout"),
		last:   make(map[string]string),
	}
}

// Run drains the feed until ctx is cancelled. The feed itself is run by the
// caller.
func (f *Fanout) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ob, ok := <-f.feed.Snapshots():
			if !ok {
				return nil
			}
			if err := f.publish(ctx, ob); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				f.logger.Error("publishing snapshot", "error", err, "venue", ob.Venue, "symbol", ob.Symbol)
			}
		}
	}
}

// publish writes the snapshot unless its levels are identical to the last
// one published for the symbol. Timestamps are excluded from the comparison
// so venues that re-send unchanged books do not wake the aggregator.
func (f *Fanout) publish(ctx context.Context, ob types.OrderBookSnapshot) error {
	levels, err := json.Marshal(struct {
		Bids []types.PriceLevel `json:"bids"`
		Asks []types.PriceLevel `json:"asks"`
	}{ob.Bids, ob.Asks})
	if err != nil {
		return err
	}
	if f.last[ob.Symbol] == string(levels) {
		return nil
	}

	if err := f.store.SetLatestOrderbook(ctx, ob); err != nil {
		return err
	}
	if err := f.store.NotifyOrderbook(ctx, ob.Venue, ob.Symbol); err != nil {
		return err
	}
	f.last[ob.Symbol] = string(levels)
	return nil
}
