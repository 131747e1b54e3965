package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/deFang/orderbook-arbtraguer/internal/store"
	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

const notifyWait = time.Second

// Aggregator combines per-venue books into aggregated ticks. One worker per
// (symbol, venue) waits on that venue's notify marker and emits a tick
// carrying the freshest book from every venue.
type Aggregator struct {
	store   *store.Store
	stream  string
	maxLen  int64
	symbols []string
	venues  []string
	logger  *slog.Logger
}

// NewAggregator creates the aggregation stage writing to the given stream,
// trimmed approximately at maxLen.
func NewAggregator(st *store.Store, stream string, maxLen int64, symbols, venues []string, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		store:   st,
		stream:  stream,
		maxLen:  maxLen,
		symbols: symbols,
		venues:  venues,
		logger:  logger.With("component", "aggregator"),
	}
}

// Run spawns the workers and blocks until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, symbol := range a.symbols {
		for _, v := range a.venues {
			wg.Add(1)
			go func(symbol, v string) {
				defer wg.Done()
				a.worker(ctx, symbol, v)
			}(symbol, v)
		}
	}
	wg.Wait()
	return ctx.Err()
}

func (a *Aggregator) worker(ctx context.Context, symbol, trigger string) {
	for ctx.Err() == nil {
		woke, err := a.store.WaitOrderbookNotify(ctx, trigger, symbol, notifyWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Error("waiting for notify", "error", err, "venue", trigger, "symbol", symbol)
			time.Sleep(time.Second)
			continue
		}
		if !woke {
			continue
		}
		if err := a.emit(ctx, symbol, trigger); err != nil && ctx.Err() == nil {
			a.logger.Error("emitting tick", "error", err, "venue", trigger, "symbol", symbol)
		}
	}
}

// emit reads the freshest book on every venue and appends one tick. A venue
// with no book yet suppresses the tick; the generator needs both sides.
func (a *Aggregator) emit(ctx context.Context, symbol, trigger string) error {
	books, err := a.store.LatestOrderbooks(ctx, symbol, a.venues)
	if err != nil {
		return err
	}
	tick := types.AggregatedTick{
		Symbol:       symbol,
		TS:           time.Now().UnixMilli(),
		TriggerVenue: trigger,
		Books:        make(map[string]types.OrderBookSnapshot, len(books)),
	}
	for v, ob := range books {
		if ob == nil {
			return nil
		}
		tick.Books[v] = *ob
	}
	return a.store.AppendTick(ctx, a.stream, a.maxLen, tick)
}
