package position

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/deFang/orderbook-arbtraguer/internal/config"
	"github.com/deFang/orderbook-arbtraguer/internal/store"
	"github.com/deFang/orderbook-arbtraguer/internal/symbols"
	"github.com/deFang/orderbook-arbtraguer/internal/venue"
	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

const (
	alignInterval = 30 * time.Second

	// oversizeFactor bounds the imbalance the aligner will close on its own.
	// Anything larger is logged and left for an operator.
	oversizeFactor = 4
)

func alignClientID() string {
	return fmt.Sprintf("croTalgT%d", time.Now().UnixMilli())
}

// Aligner closes residual net imbalance between the two venues. It runs on a
// fixed cadence, independent of signals, and takes both venue locks for a
// symbol before touching it.
type Aligner struct {
	store    *store.Store
	cfg      *config.Config
	reg      *symbols.Registry
	adapters map[string]venue.Adapter
	logger   *slog.Logger
}

// NewAligner creates the aligner. adapters is keyed by venue name and must
// hold both venues.
func NewAligner(st *store.Store, cfg *config.Config, reg *symbols.Registry, adapters map[string]venue.Adapter, logger *slog.Logger) *Aligner {
	return &Aligner{
		store:    st,
		cfg:      cfg,
		reg:      reg,
		adapters: adapters,
		logger:   logger.With("component", "aligner"),
	}
}

// Run reconciles on a fixed cadence until ctx is cancelled.
func (a *Aligner) Run(ctx context.Context) error {
	ticker := time.NewTicker(alignInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.pass(ctx)
		}
	}
}

func (a *Aligner) pass(ctx context.Context) {
	venueA, venueB := string(types.VenueOkx), string(types.VenueBinance)
	for _, sc := range a.cfg.Symbols {
		symbol := sc.SymbolName
		locked, err := a.store.TryLockBoth(ctx, venueA, venueB, symbol)
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Error("acquiring locks", "error", err, "symbol", symbol)
			}
			continue
		}
		if !locked {
			// A dealer holds one of the sides; it will reconcile on exit.
			continue
		}
		func() {
			defer func() {
				unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := a.store.UnlockBoth(unlockCtx, venueA, venueB, symbol); err != nil {
					a.logger.Error("releasing locks", "error", err, "symbol", symbol)
				}
			}()
			if err := a.alignSymbol(ctx, &sc); err != nil && ctx.Err() == nil {
				a.logger.Error("aligning", "error", err, "symbol", symbol)
			}
		}()
	}
}

// alignSymbol refetches both positions authoritatively and closes the net
// difference.
func (a *Aligner) alignSymbol(ctx context.Context, sc *config.SymbolConfig) error {
	symbol := sc.SymbolName
	okx := a.adapters[string(types.VenueOkx)]
	bin := a.adapters[string(types.VenueBinance)]

	posA, err := a.fetchPosition(ctx, okx, symbol)
	if err != nil {
		return err
	}
	posB, err := a.fetchPosition(ctx, bin, symbol)
	if err != nil {
		return err
	}

	signedA, signedB := signedQty(posA), signedQty(posB)
	if signedA.IsZero() && signedB.IsZero() {
		return nil
	}

	// Same direction on both venues means the hedge invariant was already
	// broken; flatten everything rather than trying to net it.
	if signedA.Mul(signedB).IsPositive() {
		a.logger.Warn("positions on both venues share a direction, flattening",
			"symbol", symbol, "okex", signedA, "binance", signedB)
		if err := a.flatten(ctx, okx, symbol, signedA); err != nil {
			return err
		}
		return a.flatten(ctx, bin, symbol, signedB)
	}

	delta := signedA.Add(signedB)
	if delta.IsZero() {
		return nil
	}

	mark := markPrice(posA, posB)
	maxNotional := decimal.NewFromFloat(sc.MaxNotionalPerOrder)
	if !mark.IsZero() && delta.Abs().Mul(mark).GreaterThan(maxNotional.Mul(decimal.NewFromInt(oversizeFactor))) {
		a.logger.Warn("imbalance too large to auto-close",
			"symbol", symbol, "delta", delta, "mark", mark)
		return nil
	}

	min := a.reg.MaxMinQty(symbol)
	if delta.Abs().GreaterThanOrEqual(min) {
		// Reduce the heavier side.
		target := okx
		if signedB.Abs().GreaterThan(signedA.Abs()) {
			target = bin
		}
		return a.reduce(ctx, target, symbol, delta)
	}
	return a.rebalanceSubMinimum(ctx, symbol, delta, signedA, signedB)
}

func (a *Aligner) fetchPosition(ctx context.Context, ad venue.Adapter, symbol string) (*types.PositionStatus, error) {
	positions, err := ad.Positions(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	ps, ok := positions[symbol]
	if !ok {
		return nil, nil
	}
	return &ps, nil
}

// reduce closes delta's worth of position on one venue with a reduce-only
// market order.
func (a *Aligner) reduce(ctx context.Context, ad venue.Adapter, symbol string, delta decimal.Decimal) error {
	qty, _ := a.reg.AlignQty(ad.Name(), symbol, delta.Abs())
	if qty.IsZero() {
		return nil
	}
	side := types.Sell
	if delta.IsNegative() {
		side = types.Buy
	}
	a.logger.Info("closing imbalance", "symbol", symbol, "venue", ad.Name(), "side", side, "qty", qty)
	_, err := ad.PlaceMarket(ctx, symbol, side, qty, alignClientID(), true)
	return err
}

// flatten closes one venue's whole position.
func (a *Aligner) flatten(ctx context.Context, ad venue.Adapter, symbol string, signed decimal.Decimal) error {
	if signed.IsZero() {
		return nil
	}
	return a.reduce(ctx, ad, symbol, signed)
}

// rebalanceSubMinimum handles an imbalance smaller than the symbol minimum.
// The venue with the smaller minimum gets the order if the imbalance clears
// its floor; otherwise the order goes to the other venue at its minimum
// size, opening past flat, so reduce-only only applies when the venue still
// has position in the direction being cut.
func (a *Aligner) rebalanceSubMinimum(ctx context.Context, symbol string, delta, signedA, signedB decimal.Decimal) error {
	venueA, venueB := string(types.VenueOkx), string(types.VenueBinance)
	small, other := venueA, venueB
	smallSigned, otherSigned := signedA, signedB
	if a.reg.MinQty(venueB, symbol).LessThan(a.reg.MinQty(venueA, symbol)) {
		small, other = venueB, venueA
		smallSigned, otherSigned = signedB, signedA
	}

	if a.reg.MinQty(small, symbol).LessThanOrEqual(delta.Abs()) {
		qty, _ := a.reg.AlignQty(small, symbol, delta.Abs())
		return a.placeBalancing(ctx, small, symbol, delta, smallSigned, qty)
	}

	qty, _ := a.reg.AlignQty(other, symbol, a.reg.MinQty(other, symbol))
	return a.placeBalancing(ctx, other, symbol, delta, otherSigned, qty)
}

// placeBalancing fires one market order in the delta-reducing direction.
// Reduce-only holds only while the venue's position points the same way as
// the imbalance being cut; otherwise the order extends past flat and must be
// plain.
func (a *Aligner) placeBalancing(ctx context.Context, venueName, symbol string, delta, signed, qty decimal.Decimal) error {
	if qty.IsZero() {
		return nil
	}
	side := types.Sell
	if delta.IsNegative() {
		side = types.Buy
	}
	reduceOnly := signed.Mul(delta).IsPositive()
	a.logger.Info("sub-minimum rebalance", "symbol", symbol, "venue", venueName,
		"side", side, "qty", qty, "reduce_only", reduceOnly)
	_, err := a.adapters[venueName].PlaceMarket(ctx, symbol, side, qty, alignClientID(), reduceOnly)
	return err
}

func signedQty(ps *types.PositionStatus) decimal.Decimal {
	if ps == nil {
		return decimal.Zero
	}
	return ps.SignedQty()
}

func markPrice(a, b *types.PositionStatus) decimal.Decimal {
	if a != nil && !a.MarkPrice.IsZero() {
		return a.MarkPrice
	}
	if b != nil && !b.MarkPrice.IsZero() {
		return b.MarkPrice
	}
	return decimal.Zero
}
