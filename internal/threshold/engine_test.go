package threshold

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/deFang/orderbook-arbtraguer/internal/config"
	"github.com/deFang/orderbook-arbtraguer/internal/store"
	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSymbolConfig() *config.SymbolConfig {
	return &config.SymbolConfig{
		SymbolName:           "BNB/USDT",
		MakeonlyExchangeName: "okex",
		LongThresholdData: config.ThresholdData{
			Increase:            -0.0012,
			Decrease:            -0.0002,
			CancelIncreaseRatio: 0.75,
			CancelDecreaseRatio: 0.25,
		},
		ShortThresholdData: config.ThresholdData{
			Increase:            0.0012,
			Decrease:            0.0002,
			CancelIncreaseRatio: 0.75,
			CancelDecreaseRatio: 0.25,
		},
	}
}

func fundingAt(venue string, rate float64, ts int64) *types.FundingSnapshot {
	return &types.FundingSnapshot{
		Venue:  venue,
		Symbol: "BNB/USDT",
		Rate:   decimal.NewFromFloat(rate),
		TS:     ts,
	}
}

func TestComputeThresholdsSeedOnly(t *testing.T) {
	t.Parallel()

	th := computeThresholds(testSymbolConfig(), nil, nil, nil, nil, time.Now())

	if !th.Long.Increase.Equal(decimal.NewFromFloat(-0.0012)) {
		t.Errorf("long increase = %v, want -0.0012", th.Long.Increase)
	}
	if !th.Long.CancelIncrease.Equal(decimal.NewFromFloat(-0.00095)) {
		t.Errorf("long cancel increase = %v, want -0.00095", th.Long.CancelIncrease)
	}
	if !th.Long.CancelDecrease.Equal(decimal.NewFromFloat(-0.00045)) {
		t.Errorf("long cancel decrease = %v, want -0.00045", th.Long.CancelDecrease)
	}
	if !th.Long.Ordered() {
		t.Error("long side must be ordered")
	}
}

func TestComputeThresholdsFundingShiftTMinus2h(t *testing.T) {
	t.Parallel()

	now := time.Now()
	fundingTS := now.Add(2 * time.Hour).UnixMilli()
	maker := fundingAt("okex", 0.0010, fundingTS)
	taker := fundingAt("binance", 0.0002, fundingTS)

	th := computeThresholds(testSymbolConfig(), maker, taker, nil, nil, now)

	// delta +0.0008 at weight 0.75 shifts every line down by 0.0006.
	if !th.Long.Increase.Equal(decimal.NewFromFloat(-0.0018)) {
		t.Errorf("long increase = %v, want -0.0018", th.Long.Increase)
	}
	if !th.Short.Increase.Equal(decimal.NewFromFloat(0.0006)) {
		t.Errorf("short increase = %v, want 0.0006", th.Short.Increase)
	}
	if !th.Long.Ordered() {
		t.Error("long side must stay ordered after the shift")
	}
	// Short side orders in the mirrored direction.
	if !th.Short.Increase.GreaterThanOrEqual(th.Short.CancelIncrease) ||
		!th.Short.CancelIncrease.GreaterThanOrEqual(th.Short.CancelDecrease) ||
		!th.Short.CancelDecrease.GreaterThanOrEqual(th.Short.Decrease) {
		t.Errorf("short side out of order: %+v", th.Short)
	}
}

func TestComputeThresholdsIgnoresMismatchedWindows(t *testing.T) {
	t.Parallel()

	now := time.Now()
	maker := fundingAt("okex", 0.0010, now.Add(time.Hour).UnixMilli())
	taker := fundingAt("binance", 0.0002, now.Add(9*time.Hour).UnixMilli())

	th := computeThresholds(testSymbolConfig(), maker, taker, nil, nil, now)
	if !th.Long.Increase.Equal(decimal.NewFromFloat(-0.0012)) {
		t.Errorf("mismatched windows must not shift, got %v", th.Long.Increase)
	}
}

func TestFundingShiftClamped(t *testing.T) {
	t.Parallel()

	now := time.Now()
	ts := now.Add(30 * time.Minute).UnixMilli()
	shift := fundingShift(fundingAt("okex", 0.05, ts), fundingAt("binance", -0.05, ts), now)
	if !shift.Equal(decimal.NewFromFloat(0.01)) {
		t.Errorf("shift = %v, want clamp at 0.01", shift)
	}
}

func TestFundingWeightTable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		until time.Duration
		want  float64
	}{
		{5 * time.Hour, 0},
		{4 * time.Hour, 0.25},
		{3 * time.Hour, 0.5},
		{2 * time.Hour, 0.75},
		{30 * time.Minute, 1},
		{-time.Minute, 0},
	}
	for _, c := range cases {
		if got := fundingWeight(c.until); !got.Equal(decimal.NewFromFloat(c.want)) {
			t.Errorf("weight(%v) = %v, want %v", c.until, got, c.want)
		}
	}
}

func TestSpreadStatWidensOnly(t *testing.T) {
	t.Parallel()

	// Observed spread is wide and noisy: μ −0.002, σ 0.0005 → proposed long
	// entry −0.003, below the configured −0.0012.
	bid := &SpreadStats{Mean: decimal.NewFromFloat(-0.002), Stddev: decimal.NewFromFloat(0.0005)}
	th := computeThresholds(testSymbolConfig(), nil, nil, bid, nil, time.Now())
	if !th.Long.Increase.Equal(decimal.NewFromFloat(-0.003)) {
		t.Errorf("long increase = %v, want widened -0.003", th.Long.Increase)
	}
	if !th.Long.Ordered() {
		t.Error("long side must stay ordered after widening")
	}

	// A tight observed spread must not pull the entry toward zero.
	bid = &SpreadStats{Mean: decimal.NewFromFloat(-0.0001), Stddev: decimal.NewFromFloat(0.0001)}
	th = computeThresholds(testSymbolConfig(), nil, nil, bid, nil, time.Now())
	if !th.Long.Increase.Equal(decimal.NewFromFloat(-0.0012)) {
		t.Errorf("long increase = %v, want configured -0.0012", th.Long.Increase)
	}
}

func tick(symbol, trigger string, ts int64, makerBid, takerBid float64) types.AggregatedTick {
	level := func(px float64) []types.PriceLevel {
		return []types.PriceLevel{{Price: decimal.NewFromFloat(px), Qty: decimal.NewFromInt(1)}}
	}
	return types.AggregatedTick{
		Symbol:       symbol,
		TS:           ts,
		TriggerVenue: trigger,
		Books: map[string]types.OrderBookSnapshot{
			"okex":    {Venue: "okex", Symbol: symbol, TS: ts, Bids: level(makerBid), Asks: level(makerBid + 0.01)},
			"binance": {Venue: "binance", Symbol: symbol, TS: ts, Bids: level(takerBid), Asks: level(takerBid + 0.01)},
		},
	}
}

func TestSpreadWindowFiltersSameVenueBursts(t *testing.T) {
	t.Parallel()

	w := NewSpreadWindow()
	base := time.Now().UnixMilli()
	w.Observe(tick("BNB/USDT", "okex", base, 100.00, 100.15), "okex", "binance")
	// Same venue 50 ms later: dropped. Other venue 60 ms later: kept.
	w.Observe(tick("BNB/USDT", "okex", base+50, 100.01, 100.15), "okex", "binance")
	w.Observe(tick("BNB/USDT", "binance", base+60, 100.01, 100.16), "okex", "binance")
	w.Observe(tick("BNB/USDT", "okex", base+200, 100.02, 100.16), "okex", "binance")

	bid, _, ok := w.Stats("BNB/USDT", time.Now())
	if !ok {
		t.Fatal("expected stats")
	}
	if !bid.Mean.IsNegative() {
		t.Errorf("mean = %v, want negative (maker below taker)", bid.Mean)
	}

	w.mu.Lock()
	n := len(w.samples["BNB/USDT"])
	w.mu.Unlock()
	if n != 3 {
		t.Errorf("samples = %d, want 3 (burst tick dropped)", n)
	}
}

func TestObserveBatchAdvancesCursorPastForeignSymbols(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil, &config.Config{Symbols: []config.SymbolConfig{*testSymbolConfig()}}, testLogger())
	base := time.Now().UnixMilli()
	entries := []store.TickEntry{
		{ID: "1-0", Tick: tick("BNB/USDT", "okex", base, 100.00, 100.15)},
		{ID: "2-0", Tick: tick("DOGE/USDT", "okex", base+100, 0.10, 0.11)},
	}

	got := e.observeBatch(entries, "$")
	if got != "2-0" {
		t.Errorf("cursor = %q, want 2-0 past the unconfigured trailing entry", got)
	}

	e.window.mu.Lock()
	configured := len(e.window.samples["BNB/USDT"])
	foreign := len(e.window.samples["DOGE/USDT"])
	e.window.mu.Unlock()
	if configured != 1 || foreign != 0 {
		t.Errorf("samples = %d/%d, want 1 configured and 0 foreign", configured, foreign)
	}
}

func TestSpreadWindowEvictsOldSamples(t *testing.T) {
	t.Parallel()

	w := NewSpreadWindow()
	old := time.Now().Add(-time.Hour).UnixMilli()
	w.Observe(tick("BNB/USDT", "okex", old, 100.00, 100.15), "okex", "binance")
	w.Observe(tick("BNB/USDT", "binance", old+500, 100.00, 100.15), "okex", "binance")

	if _, _, ok := w.Stats("BNB/USDT", time.Now()); ok {
		t.Error("hour-old samples must be evicted")
	}
}
