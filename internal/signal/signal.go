// Package signal is the trading core: the generator turns aggregated ticks
// into order signals, the dispatcher admits them, and the dealer runs one
// maker-taker order loop per admitted signal.
package signal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/deFang/orderbook-arbtraguer/internal/audit"
	"github.com/deFang/orderbook-arbtraguer/internal/config"
	"github.com/deFang/orderbook-arbtraguer/internal/health"
	"github.com/deFang/orderbook-arbtraguer/internal/store"
	"github.com/deFang/orderbook-arbtraguer/internal/symbols"
	"github.com/deFang/orderbook-arbtraguer/internal/venue"
	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

// Store is the slice of the shared store this package depends on. *store.Store
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	ReadTicks(ctx context.Context, stream, lastID string, count int64, block time.Duration) ([]store.TickEntry, error)
	LatestOrderbooks(ctx context.Context, symbol string, venues []string) (map[string]*types.OrderBookSnapshot, error)

	IsSignalLocked(ctx context.Context, venue, symbol string) (bool, error)
	TryLockSignal(ctx context.Context, venue, symbol string) (bool, error)
	UnlockSignal(ctx context.Context, venue, symbol string) error

	GetPosition(ctx context.Context, venue, symbol string) (*types.PositionStatus, error)
	GetThresholds(ctx context.Context, makerVenue, symbol string) (*types.SymbolThresholds, error)
	GetMargin(ctx context.Context, venue string) (*types.Margin, error)

	PopOrderStatus(ctx context.Context, venue, id string, timeout time.Duration) (*types.Order, error)
	PopOrderStatusNoWait(ctx context.Context, venue, id string) (*types.Order, error)
	DeleteOrderStatus(ctx context.Context, venue, id string) error
}

// Deps bundles everything the three stages share.
type Deps struct {
	Store    Store
	Cfg      *config.Config
	Registry *symbols.Registry
	Adapters map[string]venue.Adapter
	Mode     *health.State
	Audit    *audit.Writer
	// StreamsReady reports whether both private order streams are connected;
	// no dealer starts before that.
	StreamsReady func() bool
	Logger       *slog.Logger
}

// Client order ids carry a fixed tag so fills are attributable in venue
// exports: maker orders, numbered taker follow-ups, and the final fix order.
func makerClientID(ts int64) string {
	return fmt.Sprintf("crTmkoT%d", ts)
}

func takerClientID(ts int64, n int) string {
	return fmt.Sprintf("crTmktT%dT%d", ts, n)
}

func takerFixClientID(ts int64) string {
	return fmt.Sprintf("crTmktT%dTfix", ts)
}

func (d *Deps) logger(component string) *slog.Logger {
	return d.Logger.With("component", component)
}
