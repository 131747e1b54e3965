package types

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestSideOpposite(t *testing.T) {
	t.Parallel()
	if Buy.Opposite() != Sell {
		t.Errorf("buy opposite = %v, want sell", Buy.Opposite())
	}
	if Sell.Opposite() != Buy {
		t.Errorf("sell opposite = %v, want buy", Sell.Opposite())
	}
}

func TestOrderStatusIsClosed(t *testing.T) {
	t.Parallel()
	closed := []OrderStatus{OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired}
	for _, s := range closed {
		if !s.IsClosed() {
			t.Errorf("%v should be closed", s)
		}
	}
	open := []OrderStatus{OrderStatusNew, OrderStatusPartiallyFilled}
	for _, s := range open {
		if s.IsClosed() {
			t.Errorf("%v should not be closed", s)
		}
	}
}

func TestOrderModeValid(t *testing.T) {
	t.Parallel()
	for _, m := range []OrderMode{OrderModeNormal, OrderModeReduceOnly, OrderModePending, OrderModeMaintain} {
		if !m.Valid() {
			t.Errorf("%v should be valid", m)
		}
	}
	if OrderMode("closed").Valid() {
		t.Error("unknown mode should be invalid")
	}
}

func TestPositionSignedQty(t *testing.T) {
	t.Parallel()
	long := PositionStatus{Direction: Long, Qty: decimal.NewFromInt(10)}
	if !long.SignedQty().Equal(decimal.NewFromInt(10)) {
		t.Errorf("long signed qty = %v, want 10", long.SignedQty())
	}
	short := PositionStatus{Direction: Short, Qty: decimal.NewFromFloat(9.9)}
	if !short.SignedQty().Equal(decimal.NewFromFloat(-9.9)) {
		t.Errorf("short signed qty = %v, want -9.9", short.SignedQty())
	}
}

func TestThresholdSetOrdered(t *testing.T) {
	t.Parallel()
	longSide := ThresholdSet{
		Increase:       decimal.NewFromFloat(-0.0012),
		CancelIncrease: decimal.NewFromFloat(-0.000925),
		CancelDecrease: decimal.NewFromFloat(-0.00045),
		Decrease:       decimal.NewFromFloat(-0.0002),
	}
	if !longSide.Ordered() {
		t.Error("long side set should be ordered")
	}

	crossed := longSide
	crossed.CancelIncrease = decimal.NewFromFloat(-0.0001)
	if crossed.Ordered() {
		t.Error("crossed cancel line should fail the ordering check")
	}
}

func TestMarginUsedRatio(t *testing.T) {
	t.Parallel()
	m := Margin{Used: decimal.NewFromInt(45), Total: decimal.NewFromInt(100)}
	if !m.UsedRatio().Equal(decimal.NewFromFloat(0.45)) {
		t.Errorf("used ratio = %v, want 0.45", m.UsedRatio())
	}
	zero := Margin{}
	if !zero.UsedRatio().IsZero() {
		t.Errorf("zero total should give zero ratio, got %v", zero.UsedRatio())
	}
}

func TestOrderJSONRoundTrip(t *testing.T) {
	t.Parallel()
	o := Order{
		Venue:    "okex",
		ID:       "123456",
		ClientID: "crTmkoT1700000000000",
		TS:       1700000000000,
		Symbol:   "BNB/USDT",
		Type:     OrderTypeLimit,
		Side:     Buy,
		Status:   OrderStatusPartiallyFilled,
		Price:    decimal.NewFromFloat(100.00),
		Amount:   decimal.NewFromInt(5),
		Filled:   decimal.NewFromInt(2),
	}
	b, err := json.Marshal(o)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Order
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != OrderStatusPartiallyFilled {
		t.Errorf("status = %v, want partially_filled", got.Status)
	}
	if !got.Filled.Equal(o.Filled) {
		t.Errorf("filled = %v, want %v", got.Filled, o.Filled)
	}
}
