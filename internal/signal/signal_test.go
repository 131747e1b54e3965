package signal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/deFang/orderbook-arbtraguer/internal/config"
	"github.com/deFang/orderbook-arbtraguer/internal/store"
	"github.com/deFang/orderbook-arbtraguer/internal/symbols"
	"github.com/deFang/orderbook-arbtraguer/internal/venue"
	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory Store for the generator and dispatcher. Keys are
// "venue:symbol".
type fakeStore struct {
	books      map[string]*types.OrderBookSnapshot
	locked     map[string]bool
	positions  map[string]*types.PositionStatus
	thresholds map[string]*types.SymbolThresholds
	margins    map[string]*types.Margin
	fifo       map[string][]*types.Order

	lockCalls int
	// bookFails makes the next N book reads fail with a transient error.
	bookFails int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		books:      make(map[string]*types.OrderBookSnapshot),
		locked:     make(map[string]bool),
		positions:  make(map[string]*types.PositionStatus),
		thresholds: make(map[string]*types.SymbolThresholds),
		margins:    make(map[string]*types.Margin),
		fifo:       make(map[string][]*types.Order),
	}
}

func key(venue, symbol string) string { return venue + ":" + symbol }

func (f *fakeStore) ReadTicks(context.Context, string, string, int64, time.Duration) ([]store.TickEntry, error) {
	return nil, nil
}

func (f *fakeStore) LatestOrderbooks(_ context.Context, symbol string, venues []string) (map[string]*types.OrderBookSnapshot, error) {
	if f.bookFails > 0 {
		f.bookFails--
		return nil, errors.New("connection reset")
	}
	out := make(map[string]*types.OrderBookSnapshot)
	for _, v := range venues {
		out[v] = f.books[key(v, symbol)]
	}
	return out, nil
}

func (f *fakeStore) IsSignalLocked(_ context.Context, venue, symbol string) (bool, error) {
	return f.locked[key(venue, symbol)], nil
}

func (f *fakeStore) TryLockSignal(_ context.Context, venue, symbol string) (bool, error) {
	f.lockCalls++
	if f.locked[key(venue, symbol)] {
		return false, nil
	}
	f.locked[key(venue, symbol)] = true
	return true, nil
}

func (f *fakeStore) UnlockSignal(_ context.Context, venue, symbol string) error {
	delete(f.locked, key(venue, symbol))
	return nil
}

func (f *fakeStore) GetPosition(_ context.Context, venue, symbol string) (*types.PositionStatus, error) {
	return f.positions[key(venue, symbol)], nil
}

func (f *fakeStore) GetThresholds(_ context.Context, makerVenue, symbol string) (*types.SymbolThresholds, error) {
	return f.thresholds[key(makerVenue, symbol)], nil
}

func (f *fakeStore) GetMargin(_ context.Context, venue string) (*types.Margin, error) {
	return f.margins[venue], nil
}

func (f *fakeStore) PopOrderStatus(_ context.Context, venue, id string, _ time.Duration) (*types.Order, error) {
	return f.PopOrderStatusNoWait(nil, venue, id)
}

func (f *fakeStore) PopOrderStatusNoWait(_ context.Context, venue, id string) (*types.Order, error) {
	k := key(venue, id)
	q := f.fifo[k]
	if len(q) == 0 {
		return nil, nil
	}
	f.fifo[k] = q[1:]
	return q[0], nil
}

func (f *fakeStore) DeleteOrderStatus(_ context.Context, venue, id string) error {
	delete(f.fifo, key(venue, id))
	return nil
}

func testRegistry(t *testing.T) *symbols.Registry {
	t.Helper()
	cfg := &config.Config{
		Symbols: []config.SymbolConfig{{SymbolName: "BNB/USDT", MakeonlyExchangeName: "okex"}},
		SymbolNames: map[string]config.SymbolNames{
			"BNB/USDT": {Okex: "BNB-USDT-SWAP", Binance: "BNBUSDT"},
		},
	}
	r, err := symbols.NewRegistry(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Hydrate("okex", "BNB/USDT", decimal.NewFromFloat(0.1), 0, decimal.NewFromFloat(0.1)); err != nil {
		t.Fatal(err)
	}
	if err := r.Hydrate("binance", "BNB/USDT", decimal.Zero, 2, decimal.NewFromFloat(0.01)); err != nil {
		t.Fatal(err)
	}
	return r
}

func testConfig() *config.Config {
	return &config.Config{
		MaxUsedMargin: 0.9,
		Symbols: []config.SymbolConfig{{
			SymbolName:           "BNB/USDT",
			MakeonlyExchangeName: "okex",
			LongThresholdData: config.ThresholdData{
				Increase: -0.0012, Decrease: -0.0002,
				CancelIncreaseRatio: 0.75, CancelDecreaseRatio: 0.25,
				CancelPositionTimeout: 50,
			},
			ShortThresholdData: config.ThresholdData{
				Increase: 0.0012, Decrease: 0.0002,
				CancelIncreaseRatio: 0.75, CancelDecreaseRatio: 0.25,
				CancelPositionTimeout: 130,
			},
			MaxNotionalPerOrder:  20,
			MaxNotionalPerSymbol: 100,
		}},
	}
}

func testThresholds() *types.SymbolThresholds {
	return &types.SymbolThresholds{
		Symbol: "BNB/USDT",
		Long: types.ThresholdSet{
			Increase:       decimal.NewFromFloat(-0.0012),
			Decrease:       decimal.NewFromFloat(-0.0002),
			CancelIncrease: decimal.NewFromFloat(-0.00095),
			CancelDecrease: decimal.NewFromFloat(-0.00045),
		},
		Short: types.ThresholdSet{
			Increase:       decimal.NewFromFloat(0.0012),
			Decrease:       decimal.NewFromFloat(0.0002),
			CancelIncrease: decimal.NewFromFloat(0.00095),
			CancelDecrease: decimal.NewFromFloat(0.00045),
		},
	}
}

func level(price, qty float64) types.PriceLevel {
	return types.PriceLevel{Price: decimal.NewFromFloat(price), Qty: decimal.NewFromFloat(qty)}
}

func book(venue string, bid, bidQty, ask, askQty float64) types.OrderBookSnapshot {
	return types.OrderBookSnapshot{
		Venue:  venue,
		Symbol: "BNB/USDT",
		TS:     time.Now().UnixMilli(),
		Bids:   []types.PriceLevel{level(bid, bidQty)},
		Asks:   []types.PriceLevel{level(ask, askQty)},
	}
}

func tick(maker, taker types.OrderBookSnapshot) types.AggregatedTick {
	return types.AggregatedTick{
		Symbol: "BNB/USDT",
		TS:     time.Now().UnixMilli(),
		Books:  map[string]types.OrderBookSnapshot{maker.Venue: maker, taker.Venue: taker},
	}
}

func setupGenerator(t *testing.T) (*Generator, *fakeStore) {
	t.Helper()
	fs := newFakeStore()
	fs.thresholds[key("okex", "BNB/USDT")] = testThresholds()
	deps := &Deps{
		Store:    fs,
		Cfg:      testConfig(),
		Registry: testRegistry(t),
		Logger:   testLogger(),
	}
	return NewGenerator(deps), fs
}

// ————————————————————————————————————————————————————————————————————————
// Generator
// ————————————————————————————————————————————————————————————————————————

func TestGeneratorHighSideOpensShort(t *testing.T) {
	t.Parallel()

	g, _ := setupGenerator(t)
	// Maker ask 10.02 vs taker ask 10.00: spread 0.002 > 0.0012.
	sig := g.evaluate(context.Background(), tick(
		book("okex", 10.01, 3, 10.02, 4),
		book("binance", 9.99, 5, 10.00, 6),
	))
	if sig == nil {
		t.Fatal("no signal")
	}
	if sig.MakerSide != types.Sell || sig.TakerSide != types.Buy {
		t.Errorf("sides = %s/%s, want sell/buy", sig.MakerSide, sig.TakerSide)
	}
	if !sig.MakerPrice.Equal(decimal.NewFromFloat(10.02)) {
		t.Errorf("maker price = %v", sig.MakerPrice)
	}
	if !sig.MakerQty.Equal(decimal.NewFromInt(6)) {
		t.Errorf("qty = %v, want taker ask qty 6", sig.MakerQty)
	}
	if !sig.CancelOrderThreshold.Equal(decimal.NewFromFloat(0.00095)) {
		t.Errorf("cancel threshold = %v, want short cancel-increase", sig.CancelOrderThreshold)
	}
	if sig.IsReducePosition {
		t.Error("open signal flagged as reduce")
	}
}

func TestGeneratorNoSignalInsideThreshold(t *testing.T) {
	t.Parallel()

	g, _ := setupGenerator(t)
	// Spread 0.001 on the high side, -0.001 on the low side: both inside.
	sig := g.evaluate(context.Background(), tick(
		book("okex", 9.99, 3, 10.01, 4),
		book("binance", 10.00, 5, 10.00, 6),
	))
	if sig != nil {
		t.Fatalf("unexpected signal: %+v", sig)
	}
}

func TestGeneratorReduceUsesDecreaseLines(t *testing.T) {
	t.Parallel()

	g, fs := setupGenerator(t)
	fs.positions[key("okex", "BNB/USDT")] = &types.PositionStatus{
		Direction: types.Long,
		Qty:       decimal.NewFromInt(5),
	}
	// Flat books: spread 0 clears decrease (-0.0002) but not increase.
	sig := g.evaluate(context.Background(), tick(
		book("okex", 9.99, 3, 10.00, 4),
		book("binance", 9.99, 5, 10.00, 8),
	))
	if sig == nil {
		t.Fatal("no signal")
	}
	if !sig.IsReducePosition {
		t.Error("signal not flagged as reduce")
	}
	if sig.MakerSide != types.Sell {
		t.Errorf("maker side = %s, want sell closing the long", sig.MakerSide)
	}
	if !sig.MakerQty.Equal(decimal.NewFromInt(5)) {
		t.Errorf("qty = %v, want capped at position 5", sig.MakerQty)
	}
	if !sig.CancelOrderThreshold.Equal(decimal.NewFromFloat(-0.00045)) {
		t.Errorf("cancel threshold = %v, want long cancel-decrease", sig.CancelOrderThreshold)
	}
}

func TestGeneratorSkipsLockedSymbol(t *testing.T) {
	t.Parallel()

	g, fs := setupGenerator(t)
	fs.locked[key("okex", "BNB/USDT")] = true
	sig := g.evaluate(context.Background(), tick(
		book("okex", 10.01, 3, 10.05, 4),
		book("binance", 9.99, 5, 10.00, 6),
	))
	if sig != nil {
		t.Fatalf("signal emitted while locked: %+v", sig)
	}
}

func TestGeneratorLowSideOpensLong(t *testing.T) {
	t.Parallel()

	g, _ := setupGenerator(t)
	// Maker bid 9.98 vs taker bid 10.00: below 10.00 × (1 − 0.0012).
	sig := g.evaluate(context.Background(), tick(
		book("okex", 9.98, 3, 10.02, 4),
		book("binance", 10.00, 5, 10.02, 6),
	))
	if sig == nil {
		t.Fatal("no signal")
	}
	if sig.MakerSide != types.Buy || sig.TakerSide != types.Sell {
		t.Errorf("sides = %s/%s, want buy/sell", sig.MakerSide, sig.TakerSide)
	}
	if !sig.MakerQty.Equal(decimal.NewFromInt(5)) {
		t.Errorf("qty = %v, want taker bid qty 5", sig.MakerQty)
	}
	if !sig.CancelOrderThreshold.Equal(decimal.NewFromFloat(-0.00095)) {
		t.Errorf("cancel threshold = %v, want long cancel-increase", sig.CancelOrderThreshold)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Dispatcher admission
// ————————————————————————————————————————————————————————————————————————

func baseSignal() types.OrderSignal {
	return types.OrderSignal{
		Symbol:     "BNB/USDT",
		MakerVenue: "okex",
		MakerSide:  types.Sell,
		MakerPrice: decimal.NewFromInt(10),
		MakerQty:   decimal.NewFromInt(1),
		TakerVenue: "binance",
		TakerSide:  types.Buy,
		TakerPrice: decimal.NewFromInt(10),
	}
}

func setupDispatcher(t *testing.T) (*Dispatcher, *fakeStore) {
	t.Helper()
	fs := newFakeStore()
	fs.margins["okex"] = &types.Margin{Used: decimal.NewFromInt(1), Total: decimal.NewFromInt(10)}
	fs.margins["binance"] = &types.Margin{Used: decimal.NewFromInt(1), Total: decimal.NewFromInt(10)}
	deps := &Deps{
		Store:    fs,
		Cfg:      testConfig(),
		Registry: testRegistry(t),
		Logger:   testLogger(),
	}
	return NewDispatcher(deps), fs
}

func TestEffectiveQtyCapsPerOrderNotional(t *testing.T) {
	t.Parallel()

	d, _ := setupDispatcher(t)
	sig := baseSignal()
	sig.MakerQty = decimal.NewFromInt(100)
	// Cap 20 USDT at price 10 allows 2, aligned on both grids.
	qty, ok := d.effectiveQty(context.Background(), &sig)
	if !ok {
		t.Fatal("signal dropped")
	}
	if !qty.Equal(decimal.NewFromInt(2)) {
		t.Errorf("qty = %v, want 2", qty)
	}
}

func TestEffectiveQtyDropsBelowMinimum(t *testing.T) {
	t.Parallel()

	d, _ := setupDispatcher(t)
	sig := baseSignal()
	// 0.05 rounds to zero on the coarser 0.1-contract grid.
	sig.MakerQty = decimal.NewFromFloat(0.05)
	if _, ok := d.effectiveQty(context.Background(), &sig); ok {
		t.Error("sub-grid quantity admitted")
	}
}

func TestEffectiveQtyMarginGate(t *testing.T) {
	t.Parallel()

	d, fs := setupDispatcher(t)
	fs.margins["binance"] = &types.Margin{Used: decimal.NewFromInt(95), Total: decimal.NewFromInt(100)}
	sig := baseSignal()
	if _, ok := d.effectiveQty(context.Background(), &sig); ok {
		t.Error("open signal admitted over used-margin cap")
	}
}

func TestEffectiveQtyMarginGateSkippedWhenReducing(t *testing.T) {
	t.Parallel()

	d, fs := setupDispatcher(t)
	fs.margins["binance"] = &types.Margin{Used: decimal.NewFromInt(95), Total: decimal.NewFromInt(100)}
	sig := baseSignal()
	sig.IsReducePosition = true
	if _, ok := d.effectiveQty(context.Background(), &sig); !ok {
		t.Error("reduce signal blocked by margin gate")
	}
}

func TestEffectiveQtySymbolNotionalCap(t *testing.T) {
	t.Parallel()

	d, _ := setupDispatcher(t)
	sig := baseSignal()
	// Held 10 × 10 = 100 USDT is already at the symbol cap.
	sig.MakerPosition = &types.PositionStatus{Direction: types.Short, Qty: decimal.NewFromInt(10)}
	if _, ok := d.effectiveQty(context.Background(), &sig); ok {
		t.Error("signal admitted at symbol notional cap")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Dealer cancel rule
// ————————————————————————————————————————————————————————————————————————

func TestThresholdLine(t *testing.T) {
	t.Parallel()

	// Maker buy at 10 with cancel line −0.00045: 10 / 0.99955.
	line := thresholdLine(decimal.NewFromInt(10), decimal.NewFromFloat(-0.00045))
	want := decimal.NewFromInt(10).Div(decimal.NewFromFloat(0.99955))
	if !line.Equal(want) {
		t.Errorf("line = %v, want %v", line, want)
	}
}

func TestShouldCancelLowSide(t *testing.T) {
	t.Parallel()

	line := decimal.NewFromInt(10)
	need := decimal.NewFromInt(5)
	cases := []struct {
		name string
		bids []types.PriceLevel
		want bool
	}{
		{"empty book", nil, true},
		{"best bid past line", []types.PriceLevel{level(10.01, 1)}, false},
		{"depth at line covers", []types.PriceLevel{level(10.00, 3), level(10.00, 2)}, false},
		{"depth short", []types.PriceLevel{level(10.00, 3), level(9.99, 9)}, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := shouldCancelLowSide(tc.bids, line, need); got != tc.want {
				t.Errorf("shouldCancelLowSide = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestShouldCancelHighSide(t *testing.T) {
	t.Parallel()

	line := decimal.NewFromInt(10)
	need := decimal.NewFromInt(5)
	cases := []struct {
		name string
		asks []types.PriceLevel
		want bool
	}{
		{"empty book", nil, true},
		{"best ask past line", []types.PriceLevel{level(9.99, 1)}, false},
		{"depth at line covers", []types.PriceLevel{level(10.00, 6)}, false},
		{"depth short", []types.PriceLevel{level(10.00, 4), level(10.01, 9)}, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := shouldCancelHighSide(tc.asks, line, need); got != tc.want {
				t.Errorf("shouldCancelHighSide = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCancelTimeoutPicksTriggeringSide(t *testing.T) {
	t.Parallel()

	sc := &testConfig().Symbols[0]
	cases := []struct {
		name   string
		side   types.Side
		reduce bool
		want   time.Duration
	}{
		{"sell opening short", types.Sell, false, 130 * time.Second},
		{"sell reducing long", types.Sell, true, 50 * time.Second},
		{"buy opening long", types.Buy, false, 50 * time.Second},
		{"buy reducing short", types.Buy, true, 130 * time.Second},
	}
	for _, tc := range cases {
		sig := baseSignal()
		sig.MakerSide = tc.side
		sig.IsReducePosition = tc.reduce
		if got := cancelTimeout(sc, sig); got != tc.want {
			t.Errorf("%s: timeout = %v, want %v", tc.name, got, tc.want)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Dealer follow-through
// ————————————————————————————————————————————————————————————————————————

type fakeTaker struct {
	venue.Adapter

	placed []decimal.Decimal
	fail   int
}

func (f *fakeTaker) PlaceMarket(_ context.Context, _ string, _ types.Side, qty decimal.Decimal, _ string, _ bool) (*types.Order, error) {
	if f.fail > 0 {
		f.fail--
		return nil, context.DeadlineExceeded
	}
	f.placed = append(f.placed, qty)
	return &types.Order{Status: types.OrderStatusFilled, Filled: qty}, nil
}

func testDealer(t *testing.T, taker *fakeTaker) *dealer {
	t.Helper()
	sig := baseSignal()
	deps := &Deps{
		Store:    newFakeStore(),
		Cfg:      testConfig(),
		Registry: testRegistry(t),
		Adapters: map[string]venue.Adapter{"binance": taker},
		Logger:   testLogger(),
	}
	d := newDealer(deps, sig)
	d.order = &types.Order{ID: "1", Amount: sig.MakerQty}
	return d
}

func TestFollowThroughMirrorsFills(t *testing.T) {
	t.Parallel()

	taker := &fakeTaker{}
	d := testDealer(t, taker)
	d.order.Filled = decimal.NewFromFloat(0.35)

	d.followThrough(context.Background())
	if len(taker.placed) != 1 || !taker.placed[0].Equal(decimal.NewFromFloat(0.35)) {
		t.Fatalf("placed = %v, want one order of 0.35", taker.placed)
	}
	if !d.followedQty.Equal(decimal.NewFromFloat(0.35)) {
		t.Errorf("followed = %v", d.followedQty)
	}

	// A residual below the taker minimum waits for more fills.
	d.order.Filled = decimal.NewFromFloat(0.355)
	d.followThrough(context.Background())
	if len(taker.placed) != 1 {
		t.Errorf("placed = %v, residual 0.005 should not trade", taker.placed)
	}
}

func TestThresholdCheckRetriesBookRead(t *testing.T) {
	t.Parallel()

	d := testDealer(t, &fakeTaker{})
	fs := d.deps.Store.(*fakeStore)
	// Two transient failures, then an empty taker book: the check must
	// survive the failures and still demand cancellation.
	fs.bookFails = 2
	fs.books[key("binance", "BNB/USDT")] = &types.OrderBookSnapshot{Venue: "binance", Symbol: "BNB/USDT"}

	if !d.thresholdBroken(context.Background()) {
		t.Error("empty taker book not flagged after transient read failures")
	}
}

func TestThresholdCheckSkipsWhenRetriesExhausted(t *testing.T) {
	t.Parallel()

	d := testDealer(t, &fakeTaker{})
	fs := d.deps.Store.(*fakeStore)
	fs.bookFails = 3

	if d.thresholdBroken(context.Background()) {
		t.Error("cancel forced on a store outage; the check should skip this iteration")
	}
}

func TestFixTakerRetries(t *testing.T) {
	t.Parallel()

	taker := &fakeTaker{fail: 2}
	d := testDealer(t, taker)
	d.order.Filled = decimal.NewFromInt(1)

	d.fixTaker()
	if len(taker.placed) != 1 || !taker.placed[0].Equal(decimal.NewFromInt(1)) {
		t.Fatalf("placed = %v, want the fix order after retries", taker.placed)
	}
	if !d.followedQty.Equal(decimal.NewFromInt(1)) {
		t.Errorf("followed = %v", d.followedQty)
	}
}
