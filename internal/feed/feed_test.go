package feed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/deFang/orderbook-arbtraguer/internal/store"
	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupStore(t *testing.T) (*store.Store, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	return store.NewWithClient(db), mock
}

func snapshot(venue string, bidPx, bidQty int64) types.OrderBookSnapshot {
	return types.OrderBookSnapshot{
		Venue:  venue,
		Symbol: "BNB/USDT",
		TS:     1700000000000,
		Bids:   []types.PriceLevel{{Price: decimal.NewFromInt(bidPx), Qty: decimal.NewFromInt(bidQty)}},
		Asks:   []types.PriceLevel{{Price: decimal.NewFromInt(bidPx + 1), Qty: decimal.NewFromInt(bidQty)}},
	}
}

func TestFanoutPublishesChangedBook(t *testing.T) {
	t.Parallel()
	st, mock := setupStore(t)
	f := NewFanout(st, nil, testLogger())
	ctx := context.Background()

	ob := snapshot("okex", 600, 5)
	raw, _ := json.Marshal(ob)
	mock.ExpectSet("latest:okex:BNB/USDT", raw, 0).SetVal("OK")
	mock.ExpectLLen("notify:okex:BNB/USDT").SetVal(0)
	mock.ExpectLPush("notify:okex:BNB/USDT", "1").SetVal(1)

	if err := f.publish(ctx, ob); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Same levels again: no store traffic at all.
	ob2 := ob
	ob2.TS = 1700000000100
	if err := f.publish(ctx, ob2); err != nil {
		t.Fatalf("publish unchanged: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestFanoutRepublishesAfterLevelChange(t *testing.T) {
	t.Parallel()
	st, mock := setupStore(t)
	f := NewFanout(st, nil, testLogger())
	ctx := context.Background()

	first := snapshot("okex", 600, 5)
	raw1, _ := json.Marshal(first)
	mock.ExpectSet("latest:okex:BNB/USDT", raw1, 0).SetVal("OK")
	mock.ExpectLLen("notify:okex:BNB/USDT").SetVal(0)
	mock.ExpectLPush("notify:okex:BNB/USDT", "1").SetVal(1)
	if err := f.publish(ctx, first); err != nil {
		t.Fatal(err)
	}

	second := snapshot("okex", 601, 5)
	raw2, _ := json.Marshal(second)
	mock.ExpectSet("latest:okex:BNB/USDT", raw2, 0).SetVal("OK")
	mock.ExpectLLen("notify:okex:BNB/USDT").SetVal(1) // token pending, coalesced
	if err := f.publish(ctx, second); err != nil {
		t.Fatal(err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAggregatorSkipsWhenVenueMissing(t *testing.T) {
	t.Parallel()
	st, mock := setupStore(t)
	a := NewAggregator(st, "orderbook_stream", 2_000_000, []string{"BNB/USDT"}, []string{"okex", "binance"}, testLogger())

	ob := snapshot("okex", 600, 5)
	raw, _ := json.Marshal(ob)
	mock.ExpectMGet("latest:okex:BNB/USDT", "latest:binance:BNB/USDT").
		SetVal([]any{string(raw), nil})

	// No XAdd expectation: a one-sided book must not produce a tick.
	if err := a.emit(context.Background(), "BNB/USDT", "okex"); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAggregatorEmitsTickWithBothBooks(t *testing.T) {
	t.Parallel()
	st, mock := setupStore(t)
	a := NewAggregator(st, "orderbook_stream", 2_000_000, []string{"BNB/USDT"}, []string{"okex", "binance"}, testLogger())

	okx := snapshot("okex", 600, 5)
	bin := snapshot("binance", 601, 7)
	rawOkx, _ := json.Marshal(okx)
	rawBin, _ := json.Marshal(bin)

	mock.ExpectMGet("latest:okex:BNB/USDT", "latest:binance:BNB/USDT").
		SetVal([]any{string(rawOkx), string(rawBin)})

	// The tick carries a wall-clock timestamp, so match the XAdd loosely and
	// verify the payload by hand.
	mock.CustomMatch(func(expected, actual []any) error {
		return nil
	}).ExpectXAdd(&redis.XAddArgs{
		Stream: "orderbook_stream",
		MaxLen: 2_000_000,
		Approx: true,
		Values: map[string]any{"BNB/USDT": "ignored"},
	}).SetVal("1-0")

	if err := a.emit(context.Background(), "BNB/USDT", "binance"); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
