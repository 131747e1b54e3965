// Package venue implements the uniform adapter over the two venue families.
//
// The okx family sizes orders in integer contracts and authenticates its
// private WebSocket with a login frame; the binance family uses fractional
// quantities and a listen-key user stream. Everything above this package
// works in canonical units: prices already divided by the symbol multiplier,
// quantities in base units. The adapters own all conversion at the boundary.
package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

// Adapter is the uniform contract both venue implementations satisfy.
// All symbols are canonical; all prices and quantities are canonical units.
type Adapter interface {
	Name() string
	Kind() types.VenueKind

	// LoadMarkets fetches instrument definitions and hydrates the symbol
	// registry with contract sizes, precisions, and minimums. A configured
	// symbol the venue does not list is logged and dropped from the
	// registry; the error return is for transport and decode failures.
	LoadMarkets(ctx context.Context) error

	Balance(ctx context.Context) (types.Margin, error)
	Positions(ctx context.Context, symbols []string) (map[string]types.PositionStatus, error)
	FundingRate(ctx context.Context, symbol string) (types.FundingSnapshot, error)

	OpenOrders(ctx context.Context, symbol string) ([]types.Order, error)
	FetchOrder(ctx context.Context, symbol, orderID string) (*types.Order, error)
	PlaceLimitPostOnly(ctx context.Context, symbol string, side types.Side, qty, price decimal.Decimal, clientID string) (*types.Order, error)
	PlaceMarket(ctx context.Context, symbol string, side types.Side, qty decimal.Decimal, clientID string, reduceOnly bool) (*types.Order, error)
	// CancelOrder treats order-not-found and already-completed as success.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// PrepareSymbol sets cross margin, one-way position mode, and leverage.
	// Called once per symbol at startup.
	PrepareSymbol(ctx context.Context, symbol string, leverage int) error

	// Healthy probes the venue status endpoint.
	Healthy(ctx context.Context) (bool, error)
}

// BookFeed streams normalized depth-5 snapshots for the subscribed symbols.
type BookFeed interface {
	Run(ctx context.Context) error
	Snapshots() <-chan types.OrderBookSnapshot
}

// OrderFeed streams normalized private order events.
type OrderFeed interface {
	Run(ctx context.Context) error
	Orders() <-chan types.Order
	// Ready reports connected-and-subscribed. The dispatcher refuses to
	// launch dealers until both venues' feeds are ready.
	Ready() bool
}
