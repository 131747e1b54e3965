// Package engine wires the subsystems into the three runnable processes:
//
//	fetch — venue book feeds → per-venue fanout → aggregated tick stream
//	order — the trading core: order feeds, trackers, thresholds, the
//	        generator/dispatcher/dealer pipeline, and position alignment
//	api   — the read-only HTTP surface over the shared store
//
// The processes share no memory; Redis is the only coupling, so each can be
// restarted independently.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deFang/orderbook-arbtraguer/internal/api"
	"github.com/deFang/orderbook-arbtraguer/internal/audit"
	"github.com/deFang/orderbook-arbtraguer/internal/balance"
	"github.com/deFang/orderbook-arbtraguer/internal/config"
	"github.com/deFang/orderbook-arbtraguer/internal/feed"
	"github.com/deFang/orderbook-arbtraguer/internal/funding"
	"github.com/deFang/orderbook-arbtraguer/internal/health"
	"github.com/deFang/orderbook-arbtraguer/internal/position"
	"github.com/deFang/orderbook-arbtraguer/internal/signal"
	"github.com/deFang/orderbook-arbtraguer/internal/store"
	"github.com/deFang/orderbook-arbtraguer/internal/symbols"
	"github.com/deFang/orderbook-arbtraguer/internal/threshold"
	"github.com/deFang/orderbook-arbtraguer/internal/venue"
	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

var venueNames = []string{string(types.VenueOkx), string(types.VenueBinance)}

// Engine holds the shared pieces every process needs: config, the Redis
// store, the symbol registry, and one adapter per venue.
type Engine struct {
	cfg      *config.Config
	store    *store.Store
	registry *symbols.Registry
	adapters map[string]venue.Adapter
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New connects the store and builds the venue adapters. Markets are loaded
// lazily by the process that needs them.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	reg, err := symbols.NewRegistry(cfg)
	if err != nil {
		return nil, err
	}

	proxy := cfg.Network.HTTPSProxy
	adapters := map[string]venue.Adapter{
		string(types.VenueOkx):     venue.NewOKX(cfg.Exchange[string(types.VenueOkx)], proxy, reg, logger),
		string(types.VenueBinance): venue.NewBinance(cfg.Exchange[string(types.VenueBinance)], proxy, reg, logger),
	}

	return &Engine{
		cfg:      cfg,
		store:    st,
		registry: reg,
		adapters: adapters,
		logger:   logger.With("component", "engine"),
	}, nil
}

// Close releases the store connection.
func (e *Engine) Close() error {
	return e.store.Close()
}

func (e *Engine) adapterList() []venue.Adapter {
	out := make([]venue.Adapter, 0, len(venueNames))
	for _, v := range venueNames {
		out = append(out, e.adapters[v])
	}
	return out
}

// loadMarkets hydrates the registry from both venues. Every process that
// normalizes prices or quantities needs this before starting workers. A
// symbol not listed on a venue is dropped by the adapter and logged; only an
// empty surviving set is fatal.
func (e *Engine) loadMarkets(ctx context.Context) error {
	for _, ad := range e.adapterList() {
		if err := ad.LoadMarkets(ctx); err != nil {
			return fmt.Errorf("load markets %s: %w", ad.Name(), err)
		}
	}
	if len(e.registry.Symbols()) == 0 {
		return fmt.Errorf("no tradable symbols after market load")
	}
	return nil
}

// spawn runs a worker until its context ends, logging any terminal error.
func (e *Engine) spawn(ctx context.Context, name string, run func(context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("worker exited", "worker", name, "error", err)
		}
	}()
}

// RunFetch streams both venues' books into the store and emits aggregated
// ticks. Funding rates ride along here so the order process stays pure
// consumer of market data.
func (e *Engine) RunFetch(ctx context.Context) error {
	if err := e.loadMarkets(ctx); err != nil {
		return err
	}
	syms := e.registry.Symbols()

	okxBooks := venue.NewOKXBookFeed(e.registry, syms, e.logger)
	binBooks := venue.NewBinanceBookFeed(e.registry, syms, e.logger)

	e.spawn(ctx, "okx-books", okxBooks.Run)
	e.spawn(ctx, "binance-books", binBooks.Run)
	e.spawn(ctx, "okx-fanout", feed.NewFanout(e.store, okxBooks, e.logger).Run)
	e.spawn(ctx, "binance-fanout", feed.NewFanout(e.store, binBooks, e.logger).Run)
	e.spawn(ctx, "aggregator", feed.NewAggregator(e.store, e.cfg.Redis.OrderbookStream,
		e.cfg.Redis.OrderbookStreamSize, syms, venueNames, e.logger).Run)
	e.spawn(ctx, "funding", funding.NewTracker(e.store, e.adapterList(), syms, e.logger).Run)

	e.logger.Info("fetch process started", "symbols", len(syms))
	<-ctx.Done()
	e.wg.Wait()
	return nil
}

// RunOrder runs the trading core. Startup clears stale locks and thresholds,
// prepares every symbol on both venues, and cancels orders left over from a
// previous run; only then do the workers start.
func (e *Engine) RunOrder(ctx context.Context) error {
	if err := e.loadMarkets(ctx); err != nil {
		return err
	}
	if err := e.prepareVenues(ctx); err != nil {
		return err
	}

	mode := types.OrderMode(e.cfg.OrderMode)
	if !mode.Valid() {
		mode = types.OrderModeNormal
	}
	state := health.NewState(mode)
	e.logger.Info("order process starting", "mode", mode)

	var auditWriter *audit.Writer
	if e.cfg.Output.OrderLoop != "" {
		w, err := audit.NewWriter(e.cfg.Output.OrderLoop)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		auditWriter = w
	}

	okxOrders := venue.NewOKXOrderFeed(e.cfg.Exchange[string(types.VenueOkx)], e.registry, e.logger)
	binanceAdapter := e.adapters[string(types.VenueBinance)].(*venue.Binance)
	binOrders := venue.NewBinanceOrderFeed(binanceAdapter, e.registry, e.logger)

	deps := &signal.Deps{
		Store:    e.store,
		Cfg:      e.cfg,
		Registry: e.registry,
		Adapters: e.adapters,
		Mode:     state,
		Audit:    auditWriter,
		StreamsReady: func() bool {
			return okxOrders.Ready() && binOrders.Ready()
		},
		Logger: e.logger,
	}
	gen := signal.NewGenerator(deps)
	disp := signal.NewDispatcher(deps)

	syms := e.registry.Symbols()
	list := e.adapterList()

	e.spawn(ctx, "okx-orders", okxOrders.Run)
	e.spawn(ctx, "binance-orders", binOrders.Run)
	e.spawn(ctx, "okx-order-pump", e.orderPump(okxOrders))
	e.spawn(ctx, "binance-order-pump", e.orderPump(binOrders))

	e.spawn(ctx, "positions", position.NewTracker(e.store, list, syms, e.logger).Run)
	e.spawn(ctx, "aligner", position.NewAligner(e.store, e.cfg, e.registry, e.adapters, e.logger).Run)
	e.spawn(ctx, "thresholds", threshold.NewEngine(e.store, e.cfg, e.logger).Run)
	e.spawn(ctx, "balances", balance.NewRefresher(e.store, list, e.logger).Run)
	e.spawn(ctx, "health", health.NewMonitor(state, list, e.logger).Run)

	e.spawn(ctx, "generator", gen.Run)
	e.spawn(ctx, "dispatcher", func(ctx context.Context) error {
		return disp.Run(ctx, gen.Signals())
	})

	<-ctx.Done()
	e.logger.Info("order process shutting down")
	e.wg.Wait()

	// Safety net: no resting maker orders survive a clean shutdown.
	cleanCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, ad := range list {
		for _, sym := range syms {
			e.cancelLeftovers(cleanCtx, ad, sym)
		}
	}
	return nil
}

// RunAPI serves the HTTP endpoints until ctx ends.
func (e *Engine) RunAPI(ctx context.Context) error {
	srv := api.NewServer(e.cfg.API, e.store, e.registry.Symbols(), e.logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		return srv.Stop()
	case err := <-errCh:
		return err
	}
}

// prepareVenues clears leftover cross-process state and puts both venues in
// a known margin/leverage configuration.
func (e *Engine) prepareVenues(ctx context.Context) error {
	if err := e.store.ClearSignalLocks(ctx); err != nil {
		return fmt.Errorf("clear signal locks: %w", err)
	}
	for _, v := range venueNames {
		if err := e.store.ClearThresholds(ctx, v); err != nil {
			return fmt.Errorf("clear thresholds %s: %w", v, err)
		}
	}

	for _, ad := range e.adapterList() {
		for _, sym := range e.registry.Symbols() {
			if err := ad.PrepareSymbol(ctx, sym, e.cfg.SymbolLeverage); err != nil {
				return fmt.Errorf("prepare %s on %s: %w", sym, ad.Name(), err)
			}
			e.cancelLeftovers(ctx, ad, sym)
		}
	}
	return nil
}

// cancelLeftovers cancels open orders from a previous run. Failures are
// logged, not fatal: the dealer's lock hygiene tolerates survivors.
func (e *Engine) cancelLeftovers(ctx context.Context, ad venue.Adapter, symbol string) {
	orders, err := ad.OpenOrders(ctx, symbol)
	if err != nil {
		e.logger.Warn("listing open orders", "venue", ad.Name(), "symbol", symbol, "error", err)
		return
	}
	for _, o := range orders {
		if err := ad.CancelOrder(ctx, symbol, o.ID); err != nil {
			e.logger.Warn("canceling leftover order", "venue", ad.Name(), "id", o.ID, "error", err)
			continue
		}
		e.logger.Info("canceled leftover order", "venue", ad.Name(), "symbol", symbol, "id", o.ID)
	}
}

// orderPump forwards a venue's private order events into the per-order
// status FIFOs the dealers consume.
func (e *Engine) orderPump(f venue.OrderFeed) func(context.Context) error {
	return func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case o, ok := <-f.Orders():
				if !ok {
					return nil
				}
				if err := e.store.PushOrderStatus(ctx, o); err != nil && ctx.Err() == nil {
					e.logger.Error("pushing order status", "venue", o.Venue, "id", o.ID, "error", err)
				}
			}
		}
	}
}
