// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the arbitrage engine — order and
// position enums, order book snapshots, funding snapshots, thresholds, and
// the order signal passed from the generator to a dealer. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: buy or sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus is the canonical order state across both venues.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// IsClosed reports whether the order can no longer trade.
func (s OrderStatus) IsClosed() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// PositionDirection is the side of an open position.
type PositionDirection string

const (
	Long  PositionDirection = "long"
	Short PositionDirection = "short"
)

// Sign returns +1 for long, -1 for short, as a decimal multiplier.
func (d PositionDirection) Sign() decimal.Decimal {
	if d == Short {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OrderMode is the process-wide policy switch controlling which dealers may
// start.
//
//   - normal:      all signals admitted
//   - reduce_only: only position-reducing signals admitted
//   - pending:     nothing admitted (operator paused)
//   - maintain:    nothing admitted (a venue is under maintenance)
type OrderMode string

const (
	OrderModeNormal     OrderMode = "normal"
	OrderModeReduceOnly OrderMode = "reduce_only"
	OrderModePending    OrderMode = "pending"
	OrderModeMaintain   OrderMode = "maintain"
)

// Valid reports whether m is a recognized mode.
func (m OrderMode) Valid() bool {
	switch m {
	case OrderModeNormal, OrderModeReduceOnly, OrderModePending, OrderModeMaintain:
		return true
	}
	return false
}

// VenueKind tags the two venue families. The okx family sizes orders in
// integer contracts; the binance family uses fractional base-unit precision.
type VenueKind string

const (
	VenueOkx     VenueKind = "okex"
	VenueBinance VenueKind = "binance"
)

// ————————————————————————————————————————————————————————————————————————
// Order books
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level. Price and Qty are in canonical
// units: prices already divided by the symbol multiplier, quantities already
// converted from raw contract counts via the bag size.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// OrderBookSnapshot is a normalized depth-5 view of one venue's book.
type OrderBookSnapshot struct {
	Venue  string       `json:"venue"`
	Symbol string       `json:"symbol"`
	TS     int64        `json:"ts"` // venue-reported timestamp, ms
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
}

// AggregatedTick pairs the latest snapshots of both venues for one symbol.
// TriggerVenue names the venue whose update woke the aggregator.
type AggregatedTick struct {
	Symbol       string                       `json:"symbol"`
	TS           int64                        `json:"ts"` // aggregation time, ms
	TriggerVenue string                       `json:"trigger_venue"`
	Books        map[string]OrderBookSnapshot `json:"books"` // keyed by venue name
}

// ————————————————————————————————————————————————————————————————————————
// Positions, funding, margin
// ————————————————————————————————————————————————————————————————————————

// PositionStatus is the normalized per-venue position. Qty is non-negative
// and in canonical base units; Direction carries the sign.
type PositionStatus struct {
	Direction PositionDirection `json:"direction"`
	Qty       decimal.Decimal   `json:"qty"`
	AvgPrice  decimal.Decimal   `json:"avg_price"`
	MarkPrice decimal.Decimal   `json:"mark_price"`
}

// SignedQty returns qty with the direction sign applied.
func (p PositionStatus) SignedQty() decimal.Decimal {
	return p.Qty.Mul(p.Direction.Sign())
}

// FundingSnapshot is one venue's funding rate observation. Delta is set only
// when the previous observation belongs to the same or the directly preceding
// funding window.
type FundingSnapshot struct {
	Venue  string           `json:"venue"`
	Symbol string           `json:"symbol"`
	Rate   decimal.Decimal  `json:"rate"`
	TS     int64            `json:"ts"` // funding time, ms
	Delta  *decimal.Decimal `json:"delta,omitempty"`
}

// Margin is a venue account margin summary in USDT.
type Margin struct {
	Used  decimal.Decimal `json:"used"`
	Free  decimal.Decimal `json:"free"`
	Total decimal.Decimal `json:"total"`
}

// UsedRatio returns used/total, or zero when total is zero.
func (m Margin) UsedRatio() decimal.Decimal {
	if m.Total.IsZero() {
		return decimal.Zero
	}
	return m.Used.Div(m.Total)
}

// ————————————————————————————————————————————————————————————————————————
// Thresholds
// ————————————————————————————————————————————————————————————————————————

// ThresholdSet is one direction's trigger levels as signed relative spreads.
// For the long side all four are ≤ 0 and ordered
// increase < cancel_increase < cancel_decrease < decrease; the short side is
// mirrored with ≥ 0 values.
type ThresholdSet struct {
	Increase       decimal.Decimal `json:"increase_position_threshold"`
	Decrease       decimal.Decimal `json:"decrease_position_threshold"`
	CancelIncrease decimal.Decimal `json:"cancel_increase_position_threshold"`
	CancelDecrease decimal.Decimal `json:"cancel_decrease_position_threshold"`
}

// Ordered reports whether the four levels satisfy
// increase ≤ cancel_increase ≤ cancel_decrease ≤ decrease, which holds for
// both directions because the short side's values are all negated.
func (t ThresholdSet) Ordered() bool {
	return t.Increase.LessThanOrEqual(t.CancelIncrease) &&
		t.CancelIncrease.LessThanOrEqual(t.CancelDecrease) &&
		t.CancelDecrease.LessThanOrEqual(t.Decrease)
}

// SymbolThresholds is the published per-symbol blob for one maker venue.
type SymbolThresholds struct {
	Symbol string       `json:"symbol"`
	Long   ThresholdSet `json:"long_threshold"`
	Short  ThresholdSet `json:"short_threshold"`
	TS     int64        `json:"ts"` // publish time, ms
}

// ————————————————————————————————————————————————————————————————————————
// Signals and orders
// ————————————————————————————————————————————————————————————————————————

// OrderSignal is an actionable dislocation detected by the signal generator.
// It is transient and owned by exactly one dealer at a time.
type OrderSignal struct {
	Symbol               string          `json:"symbol"`
	MakerVenue           string          `json:"maker_venue"`
	MakerSide            Side            `json:"maker_side"`
	MakerPrice           decimal.Decimal `json:"maker_price"`
	MakerQty             decimal.Decimal `json:"maker_qty"`
	TakerVenue           string          `json:"taker_venue"`
	TakerSide            Side            `json:"taker_side"`
	TakerPrice           decimal.Decimal `json:"taker_price"`
	OrderbookTS          int64           `json:"orderbook_ts"`
	CancelOrderThreshold decimal.Decimal `json:"cancel_order_threshold"`
	MakerPosition        *PositionStatus `json:"maker_position,omitempty"`
	IsReducePosition     bool            `json:"is_reduce_position"`
}

// Order is the canonical order record both venue adapters normalize into.
// Prices are in canonical units (multiplier already divided out); Amount,
// Filled are canonical base quantities; Cost is quote notional.
type Order struct {
	Venue       string          `json:"venue"`
	ID          string          `json:"id"`
	ClientID    string          `json:"client_id"`
	TS          int64           `json:"ts"` // creation time, ms
	LastTradeTS int64           `json:"last_trade_ts"`
	Symbol      string          `json:"symbol"`
	Type        OrderType       `json:"type"`
	Side        Side            `json:"side"`
	Status      OrderStatus     `json:"status"`
	Price       decimal.Decimal `json:"price"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	Amount      decimal.Decimal `json:"amount"`
	Filled      decimal.Decimal `json:"filled"`
	Cost        decimal.Decimal `json:"cost"`
}

// CreatedAt returns the creation timestamp as a time.Time.
func (o Order) CreatedAt() time.Time {
	return time.UnixMilli(o.TS)
}
