package threshold

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/deFang/orderbook-arbtraguer/internal/config"
	"github.com/deFang/orderbook-arbtraguer/internal/store"
	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

const (
	refreshInterval = 2 * time.Minute

	// fundingClamp caps the cumulative funding-driven shift of any line.
	fundingClamp = 0.01

	// spreadSigmaK scales the stddev when proposing widened entry lines.
	spreadSigmaK = 2

	tickBatch = 256
)

// Engine recomputes and publishes thresholds for every configured symbol.
// A collector goroutine folds live aggregated ticks into the spread window;
// the publish loop runs on a fixed cadence.
type Engine struct {
	store  *store.Store
	cfg    *config.Config
	window *SpreadWindow
	logger *slog.Logger
}

// NewEngine creates the threshold engine.
func NewEngine(st *store.Store, cfg *config.Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:  st,
		cfg:    cfg,
		window: NewSpreadWindow(),
		logger: logger.With("component", "threshold"),
	}
}

// Run starts the tick collector and publishes until ctx is cancelled. The
// first publish happens immediately so dealers have thresholds at startup.
func (e *Engine) Run(ctx context.Context) error {
	go e.collect(ctx)

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		e.publishAll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// collect tails the aggregated tick stream from "now" and feeds the window.
func (e *Engine) collect(ctx context.Context) {
	lastID := "$"
	for ctx.Err() == nil {
		entries, err := e.store.ReadTicks(ctx, e.cfg.Redis.OrderbookStream, lastID, tickBatch, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("reading ticks", "error", err)
			time.Sleep(time.Second)
			continue
		}
		lastID = e.observeBatch(entries, lastID)
	}
}

// observeBatch feeds configured-symbol ticks into the window and returns the
// id to resume from. Every entry advances the cursor, configured or not, so
// a foreign trailing entry cannot cause a re-read of the batch.
func (e *Engine) observeBatch(entries []store.TickEntry, lastID string) string {
	for _, entry := range entries {
		lastID = entry.ID
		sc := e.cfg.SymbolConfig(entry.Tick.Symbol)
		if sc == nil {
			continue
		}
		maker := sc.MakeonlyExchangeName
		e.window.Observe(entry.Tick, maker, otherVenue(maker))
	}
	return lastID
}

func (e *Engine) publishAll(ctx context.Context) {
	now := time.Now()
	for i := range e.cfg.Symbols {
		sc := &e.cfg.Symbols[i]
		if err := e.publishOne(ctx, sc, now); err != nil && ctx.Err() == nil {
			e.logger.Error("publishing thresholds", "error", err, "symbol", sc.SymbolName)
		}
	}
}

func (e *Engine) publishOne(ctx context.Context, sc *config.SymbolConfig, now time.Time) error {
	maker := sc.MakeonlyExchangeName
	taker := otherVenue(maker)

	makerF, err := e.store.GetFunding(ctx, maker, sc.SymbolName)
	if err != nil {
		return err
	}
	takerF, err := e.store.GetFunding(ctx, taker, sc.SymbolName)
	if err != nil {
		return err
	}

	var bidStats, askStats *SpreadStats
	if b, a, ok := e.window.Stats(sc.SymbolName, now); ok {
		bidStats, askStats = &b, &a
	}

	th := computeThresholds(sc, makerF, takerF, bidStats, askStats, now)
	return e.store.SetThresholds(ctx, maker, th)
}

func otherVenue(v string) string {
	if v == string(types.VenueOkx) {
		return string(types.VenueBinance)
	}
	return string(types.VenueOkx)
}

// computeThresholds derives the published set: config seed, funding shift,
// widen-only spread statistic, cancel lines rebuilt by ratio last so the
// ordering invariant holds by construction.
func computeThresholds(sc *config.SymbolConfig, makerF, takerF *types.FundingSnapshot, bidStats, askStats *SpreadStats, now time.Time) types.SymbolThresholds {
	shift := fundingShift(makerF, takerF, now)

	longInc := decimal.NewFromFloat(sc.LongThresholdData.Increase).Sub(shift)
	longDec := decimal.NewFromFloat(sc.LongThresholdData.Decrease).Sub(shift)
	shortInc := decimal.NewFromFloat(sc.ShortThresholdData.Increase).Sub(shift)
	shortDec := decimal.NewFromFloat(sc.ShortThresholdData.Decrease).Sub(shift)

	// Shifted lines never cross zero: the long side stays ≤ 0, the short
	// side ≥ 0.
	longInc = decimal.Min(longInc, decimal.Zero)
	longDec = decimal.Min(longDec, decimal.Zero)
	shortInc = decimal.Max(shortInc, decimal.Zero)
	shortDec = decimal.Max(shortDec, decimal.Zero)

	// Entry lines widen toward the observed spread, never tighten.
	if bidStats != nil {
		k := decimal.NewFromInt(spreadSigmaK)
		longInc = decimal.Min(longInc, bidStats.Mean.Sub(k.Mul(bidStats.Stddev)))
	}
	if askStats != nil {
		k := decimal.NewFromInt(spreadSigmaK)
		shortInc = decimal.Max(shortInc, askStats.Mean.Add(k.Mul(askStats.Stddev)))
	}

	return types.SymbolThresholds{
		Symbol: sc.SymbolName,
		Long:   buildSet(longInc, longDec, sc.LongThresholdData),
		Short:  buildSet(shortInc, shortDec, sc.ShortThresholdData),
		TS:     now.UnixMilli(),
	}
}

// buildSet places the cancel lines between increase and decrease by the
// configured ratios: cancel = decrease + (increase − decrease) × ratio.
func buildSet(inc, dec decimal.Decimal, td config.ThresholdData) types.ThresholdSet {
	span := inc.Sub(dec)
	return types.ThresholdSet{
		Increase:       inc,
		Decrease:       dec,
		CancelIncrease: dec.Add(span.Mul(decimal.NewFromFloat(td.CancelIncreaseRatio))),
		CancelDecrease: dec.Add(span.Mul(decimal.NewFromFloat(td.CancelDecreaseRatio))),
	}
}

// fundingShift is the signed amount every line moves: weighted by proximity
// to the next funding settlement, clamped, and zero unless both snapshots
// cover the same window.
func fundingShift(makerF, takerF *types.FundingSnapshot, now time.Time) decimal.Decimal {
	if makerF == nil || takerF == nil || makerF.TS != takerF.TS {
		return decimal.Zero
	}
	w := fundingWeight(time.UnixMilli(makerF.TS).Sub(now))
	if w.IsZero() {
		return decimal.Zero
	}
	shift := makerF.Rate.Sub(takerF.Rate).Mul(w)
	clamp := decimal.NewFromFloat(fundingClamp)
	return decimal.Max(decimal.Min(shift, clamp), clamp.Neg())
}

// fundingWeight ramps from 0 far out to 1 in the final hour before funding.
func fundingWeight(until time.Duration) decimal.Decimal {
	switch {
	case until <= 0 || until > 4*time.Hour:
		return decimal.Zero
	case until > 3*time.Hour:
		return decimal.NewFromFloat(0.25)
	case until > 2*time.Hour:
		return decimal.NewFromFloat(0.5)
	case until > time.Hour:
		return decimal.NewFromFloat(0.75)
	default:
		return decimal.NewFromInt(1)
	}
}
