package signal

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

const (
	tickBatch = 128

	// positionTTL bounds how stale the cached maker position may be when
	// classifying a tick. Rapid ticks reuse one read; anything older than a
	// second is re-fetched.
	positionTTL = time.Second
)

type cachedPosition struct {
	ps *types.PositionStatus
	at time.Time
}

// Generator turns aggregated ticks into order signals. It emits at most one
// signal per symbol per batch, newest tick first, and never for a symbol
// whose maker lock is held.
type Generator struct {
	deps     *Deps
	signals  chan types.OrderSignal
	posCache map[string]cachedPosition
	logger   *slog.Logger
}

// NewGenerator creates the generator.
func NewGenerator(deps *Deps) *Generator {
	return &Generator{
		deps:     deps,
		signals:  make(chan types.OrderSignal, 16),
		posCache: make(map[string]cachedPosition),
		logger:   deps.logger("generator"),
	}
}

// Signals returns the emitted signal channel.
func (g *Generator) Signals() <-chan types.OrderSignal { return g.signals }

// Run consumes the tick stream until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) error {
	lastID := "$"
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entries, err := g.deps.Store.ReadTicks(ctx, g.deps.Cfg.Redis.OrderbookStream, lastID, tickBatch, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.logger.Error("reading ticks", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if len(entries) == 0 {
			continue
		}
		lastID = entries[len(entries)-1].ID

		// Newest tick wins per symbol; older ones in the batch are stale.
		seen := make(map[string]bool)
		for i := len(entries) - 1; i >= 0; i-- {
			tick := entries[i].Tick
			if seen[tick.Symbol] {
				continue
			}
			seen[tick.Symbol] = true
			if sig := g.evaluate(ctx, tick); sig != nil {
				select {
				case g.signals <- *sig:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// evaluate classifies one tick against the current thresholds and position.
// Returns nil when no side triggers.
func (g *Generator) evaluate(ctx context.Context, tick types.AggregatedTick) *types.OrderSignal {
	sc := g.deps.Cfg.SymbolConfig(tick.Symbol)
	if sc == nil {
		return nil
	}
	makerVenue := sc.MakeonlyExchangeName
	takerVenue := otherVenue(makerVenue)

	locked, err := g.deps.Store.IsSignalLocked(ctx, makerVenue, tick.Symbol)
	if err != nil {
		g.logger.Error("checking lock", "error", err, "symbol", tick.Symbol)
		return nil
	}
	if locked {
		return nil
	}

	maker, okM := tick.Books[makerVenue]
	taker, okT := tick.Books[takerVenue]
	if !okM || !okT || len(maker.Bids) == 0 || len(maker.Asks) == 0 ||
		len(taker.Bids) == 0 || len(taker.Asks) == 0 {
		return nil
	}

	th, err := g.deps.Store.GetThresholds(ctx, makerVenue, tick.Symbol)
	if err != nil || th == nil {
		return nil
	}
	pos := g.makerPosition(ctx, makerVenue, tick.Symbol)
	minQty := g.deps.Registry.MaxMinQty(tick.Symbol)

	if sig := g.highSide(tick, maker, taker, th, pos, minQty, makerVenue, takerVenue); sig != nil {
		return sig
	}
	return g.lowSide(tick, maker, taker, th, pos, minQty, makerVenue, takerVenue)
}

// highSide checks the maker-sell trigger: the maker ask rich against the
// taker ask. Selling reduces an existing long (relaxed decrease lines) or
// opens a short (increase lines).
func (g *Generator) highSide(tick types.AggregatedTick, maker, taker types.OrderBookSnapshot, th *types.SymbolThresholds, pos *types.PositionStatus, minQty decimal.Decimal, makerVenue, takerVenue string) *types.OrderSignal {
	reduce := pos != nil && pos.Direction == types.Long && pos.Qty.GreaterThanOrEqual(minQty)
	trigger, cancel := th.Short.Increase, th.Short.CancelIncrease
	if reduce {
		trigger, cancel = th.Long.Decrease, th.Long.CancelDecrease
	}

	makerAsk, takerAsk := maker.Asks[0], taker.Asks[0]
	one := decimal.NewFromInt(1)
	if !makerAsk.Price.GreaterThan(takerAsk.Price.Mul(one.Add(trigger))) {
		return nil
	}

	qty := takerAsk.Qty
	if reduce && pos.Qty.LessThan(qty) {
		qty = pos.Qty
	}
	return &types.OrderSignal{
		Symbol:               tick.Symbol,
		MakerVenue:           makerVenue,
		MakerSide:            types.Sell,
		MakerPrice:           makerAsk.Price,
		MakerQty:             qty,
		TakerVenue:           takerVenue,
		TakerSide:            types.Buy,
		TakerPrice:           takerAsk.Price,
		OrderbookTS:          tick.TS,
		CancelOrderThreshold: cancel,
		MakerPosition:        pos,
		IsReducePosition:     reduce,
	}
}

// lowSide checks the maker-buy trigger: the maker bid cheap against the
// taker bid.
func (g *Generator) lowSide(tick types.AggregatedTick, maker, taker types.OrderBookSnapshot, th *types.SymbolThresholds, pos *types.PositionStatus, minQty decimal.Decimal, makerVenue, takerVenue string) *types.OrderSignal {
	reduce := pos != nil && pos.Direction == types.Short && pos.Qty.GreaterThanOrEqual(minQty)
	trigger, cancel := th.Long.Increase, th.Long.CancelIncrease
	if reduce {
		trigger, cancel = th.Short.Decrease, th.Short.CancelDecrease
	}

	makerBid, takerBid := maker.Bids[0], taker.Bids[0]
	one := decimal.NewFromInt(1)
	if !makerBid.Price.LessThan(takerBid.Price.Mul(one.Add(trigger))) {
		return nil
	}

	qty := takerBid.Qty
	if reduce && pos.Qty.LessThan(qty) {
		qty = pos.Qty
	}
	return &types.OrderSignal{
		Symbol:               tick.Symbol,
		MakerVenue:           makerVenue,
		MakerSide:            types.Buy,
		MakerPrice:           makerBid.Price,
		MakerQty:             qty,
		TakerVenue:           takerVenue,
		TakerSide:            types.Sell,
		TakerPrice:           takerBid.Price,
		OrderbookTS:          tick.TS,
		CancelOrderThreshold: cancel,
		MakerPosition:        pos,
		IsReducePosition:     reduce,
	}
}

func (g *Generator) makerPosition(ctx context.Context, venueName, symbol string) *types.PositionStatus {
	key := venueName + ":" + symbol
	if c, ok := g.posCache[key]; ok && time.Since(c.at) < positionTTL {
		return c.ps
	}
	ps, err := g.deps.Store.GetPosition(ctx, venueName, symbol)
	if err != nil {
		g.logger.Error("reading position", "error", err, "symbol", symbol)
		return nil
	}
	g.posCache[key] = cachedPosition{ps: ps, at: time.Now()}
	return ps
}

func otherVenue(v string) string {
	if v == string(types.VenueOkx) {
		return string(types.VenueBinance)
	}
	return string(types.VenueOkx)
}
