package signal

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

// Dispatcher admits signals: order-mode gate, stream-ready gate, margin and
// notional caps, quantity alignment, then the per-symbol lock and a dealer.
type Dispatcher struct {
	deps   *Deps
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewDispatcher creates the dispatcher.
func NewDispatcher(deps *Deps) *Dispatcher {
	return &Dispatcher{deps: deps, logger: deps.logger("dispatcher")}
}

// Run consumes signals until ctx is cancelled, then waits for running
// dealers to finish their CLEAR pass.
func (d *Dispatcher) Run(ctx context.Context, signals <-chan types.OrderSignal) error {
	defer d.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			d.admit(ctx, sig)
		}
	}
}

func (d *Dispatcher) admit(ctx context.Context, sig types.OrderSignal) {
	switch d.deps.Mode.Mode() {
	case types.OrderModePending, types.OrderModeMaintain:
		return
	case types.OrderModeReduceOnly:
		if !sig.IsReducePosition {
			d.logger.Debug("dropping open signal in reduce-only mode", "symbol", sig.Symbol)
			return
		}
	}
	if d.deps.StreamsReady != nil && !d.deps.StreamsReady() {
		d.logger.Warn("order streams not ready, dropping signal", "symbol", sig.Symbol)
		return
	}

	qty, ok := d.effectiveQty(ctx, &sig)
	if !ok {
		return
	}
	sig.MakerQty = qty

	locked, err := d.deps.Store.TryLockSignal(ctx, sig.MakerVenue, sig.Symbol)
	if err != nil {
		d.logger.Error("acquiring lock", "error", err, "symbol", sig.Symbol)
		return
	}
	if !locked {
		return
	}

	dealer := newDealer(d.deps, sig)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		dealer.run(ctx)
	}()
}

// effectiveQty applies the margin gate, the notional caps, and grid
// alignment. ok is false when the signal must be dropped.
func (d *Dispatcher) effectiveQty(ctx context.Context, sig *types.OrderSignal) (decimal.Decimal, bool) {
	sc := d.deps.Cfg.SymbolConfig(sig.Symbol)
	if sc == nil {
		return decimal.Zero, false
	}
	qty := sig.MakerQty

	if !sig.IsReducePosition {
		// Opening costs margin on both venues.
		for _, v := range []string{sig.MakerVenue, sig.TakerVenue} {
			m, err := d.deps.Store.GetMargin(ctx, v)
			if err != nil {
				d.logger.Error("reading margin", "error", err, "venue", v)
				return decimal.Zero, false
			}
			if m == nil || m.UsedRatio().GreaterThanOrEqual(decimal.NewFromFloat(d.deps.Cfg.MaxUsedMargin)) {
				d.logger.Warn("margin gate", "venue", v, "symbol", sig.Symbol)
				return decimal.Zero, false
			}
		}

		// A maker position already at the symbol cap admits no increase.
		if sig.MakerPosition != nil {
			held := sig.MakerPosition.Qty.Mul(sig.MakerPrice)
			if held.GreaterThanOrEqual(decimal.NewFromFloat(sc.MaxNotionalPerSymbol)) {
				d.logger.Warn("symbol notional cap", "symbol", sig.Symbol, "held", held)
				return decimal.Zero, false
			}
		}
	}

	// Per-order notional cap.
	if sig.MakerPrice.IsPositive() {
		maxQty := decimal.NewFromFloat(sc.MaxNotionalPerOrder).Div(sig.MakerPrice)
		if qty.GreaterThan(maxQty) {
			qty = maxQty
		}
	}

	qty = d.deps.Registry.AlignQtyBoth(sig.Symbol, qty)
	if qty.IsZero() || qty.LessThan(d.deps.Registry.MaxMinQty(sig.Symbol)) {
		return decimal.Zero, false
	}
	return qty, true
}
