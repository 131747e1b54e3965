package signal

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/deFang/orderbook-arbtraguer/internal/audit"
	"github.com/deFang/orderbook-arbtraguer/internal/config"
	"github.com/deFang/orderbook-arbtraguer/internal/venue"
	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

const (
	// followPollTimeout is the blocking wait on the first order event of
	// each loop iteration; further pending events drain non-blocking.
	followPollTimeout = 200 * time.Millisecond

	// clearEventWait bounds how long CLEAR waits for the final canceled
	// event after a program-issued cancel.
	clearEventWait = 10 * time.Second

	// settleSleep lets position snapshots catch up before the lock frees.
	settleSleep = 10 * time.Second

	placeAttempts = 2
	fixAttempts   = 3

	// bookReadRetries is the number of re-reads of the taker book on the
	// cancel-check path before the check is skipped for the iteration.
	bookReadRetries = 2

	retryBase = 300 * time.Millisecond
)

// dealer runs one maker-taker order loop: post the maker order, mirror its
// fills with taker market orders, cancel on threshold violation or timeout,
// and reconcile on the way out. The caller holds the (maker_venue, symbol)
// lock; the dealer releases it in all exits.
type dealer struct {
	deps   *Deps
	sig    types.OrderSignal
	maker  venue.Adapter
	taker  venue.Adapter
	logger *slog.Logger

	ts         int64 // client id timestamp
	takerCount int

	order       *types.Order // last known maker order state
	followedQty decimal.Decimal
	timeout     time.Duration
}

func newDealer(deps *Deps, sig types.OrderSignal) *dealer {
	return &dealer{
		deps:    deps,
		sig:     sig,
		maker:   deps.Adapters[sig.MakerVenue],
		taker:   deps.Adapters[sig.TakerVenue],
		logger:  deps.logger("dealer").With("symbol", sig.Symbol, "maker", sig.MakerVenue),
		ts:      time.Now().UnixMilli(),
		timeout: cancelTimeout(deps.Cfg.SymbolConfig(sig.Symbol), sig),
	}
}

// cancelTimeout picks the timeout from the threshold set that triggered the
// signal: selling reduces a long or opens a short, buying the mirror.
func cancelTimeout(sc *config.SymbolConfig, sig types.OrderSignal) time.Duration {
	td := sc.ShortThresholdData
	if (sig.MakerSide == types.Sell) == sig.IsReducePosition {
		td = sc.LongThresholdData
	}
	return time.Duration(td.CancelPositionTimeout) * time.Second
}

// run drives OPEN → FOLLOWING → CLEAR → DONE. The context may be cancelled
// at any point; the dealer still cancels its maker order and runs CLEAR.
func (d *dealer) run(ctx context.Context) {
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.deps.Store.UnlockSignal(unlockCtx, d.sig.MakerVenue, d.sig.Symbol); err != nil {
			d.logger.Error("releasing lock", "error", err)
		}
	}()

	if !d.open(ctx) {
		return
	}
	cancelByProgram := d.follow(ctx)
	d.clear(ctx, cancelByProgram)
}

// open places the post-only maker order, retrying transient failures.
// Returns false when the dealer must exit without a CLEAR pass.
func (d *dealer) open(ctx context.Context) bool {
	clientID := makerClientID(d.ts)
	var order *types.Order
	var err error
	for attempt := 0; attempt < placeAttempts; attempt++ {
		order, err = d.maker.PlaceLimitPostOnly(ctx, d.sig.Symbol, d.sig.MakerSide, d.sig.MakerQty, d.sig.MakerPrice, clientID)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return false
		}
		time.Sleep(retryBase << attempt)
	}
	if err != nil {
		d.logger.Error("maker order failed", "error", err)
		d.auditRow("maker_order_failed")
		return false
	}
	d.order = order
	d.logger.Info("maker order placed", "id", order.ID, "side", d.sig.MakerSide,
		"price", d.sig.MakerPrice, "qty", d.sig.MakerQty)

	// Post-only orders that would cross come back dead immediately.
	if order.Status.IsClosed() && order.Status != types.OrderStatusFilled {
		d.logger.Warn("maker order not accepted", "status", order.Status)
		d.deleteFIFO()
		return false
	}
	return true
}

// follow mirrors maker fills until the order closes, the threshold line
// breaks, the timeout fires, or the process shuts down. Returns whether the
// cancel was program-issued (CLEAR then waits for the canceled event).
func (d *dealer) follow(ctx context.Context) (cancelByProgram bool) {
	deadline := time.Now().Add(d.timeout)
	for {
		if ctx.Err() != nil {
			d.cancelMaker()
			return true
		}

		closed := d.drainEvents(ctx)
		d.followThrough(ctx)
		if closed {
			return false
		}

		if time.Now().After(deadline) {
			d.logger.Info("maker order timed out, canceling")
			d.cancelMaker()
			return true
		}

		if d.thresholdBroken(ctx) {
			d.logger.Info("cancel threshold broken, canceling")
			d.cancelMaker()
			return true
		}
	}
}

// drainEvents folds pending maker-order events into the local state:
// blocking up to followPollTimeout for the first, then non-blocking.
// Reports whether the order is now terminal, which covers both a terminal
// event and an order that came back dead from placement.
func (d *dealer) drainEvents(ctx context.Context) (closed bool) {
	ev, err := d.deps.Store.PopOrderStatus(ctx, d.sig.MakerVenue, d.order.ID, followPollTimeout)
	for ev != nil {
		d.applyEvent(ev)
		ev, err = d.deps.Store.PopOrderStatusNoWait(ctx, d.sig.MakerVenue, d.order.ID)
	}
	if err != nil && ctx.Err() == nil {
		d.logger.Error("reading order events", "error", err)
	}
	return d.order.Status.IsClosed()
}

func (d *dealer) applyEvent(ev *types.Order) {
	if ev.Filled.GreaterThan(d.order.Filled) {
		d.order.Filled = ev.Filled
	}
	d.order.Status = ev.Status
	if !ev.AvgPrice.IsZero() {
		d.order.AvgPrice = ev.AvgPrice
	}
}

// followThrough hedges any unmirrored maker fills with a taker market
// order. Failures are logged and retried on the next iteration.
func (d *dealer) followThrough(ctx context.Context) {
	need, _ := d.deps.Registry.AlignQty(d.sig.TakerVenue, d.sig.Symbol, d.order.Filled.Sub(d.followedQty))
	if need.IsZero() || need.LessThan(d.deps.Registry.MinQty(d.sig.TakerVenue, d.sig.Symbol)) {
		return
	}
	d.takerCount++
	clientID := takerClientID(d.ts, d.takerCount)
	if _, err := d.taker.PlaceMarket(ctx, d.sig.Symbol, d.sig.TakerSide, need, clientID, d.sig.IsReducePosition); err != nil {
		d.logger.Error("taker follow-through failed", "error", err, "need", need)
		return
	}
	d.followedQty = d.followedQty.Add(need)
	d.logger.Info("taker followed", "qty", need, "followed", d.followedQty)
}

// thresholdBroken reads the latest taker book and decides whether the hedge
// depth behind the cancel line still covers the open maker quantity. The
// read is retried before the check is skipped: a transient store error must
// not silently disable cancellation.
func (d *dealer) thresholdBroken(ctx context.Context) bool {
	var books map[string]*types.OrderBookSnapshot
	var err error
	for attempt := 0; ; attempt++ {
		books, err = d.deps.Store.LatestOrderbooks(ctx, d.sig.Symbol, []string{d.sig.TakerVenue})
		if err == nil {
			break
		}
		if attempt >= bookReadRetries || ctx.Err() != nil {
			d.logger.Error("reading taker book for cancel check", "error", err)
			return false
		}
		time.Sleep(retryBase << attempt)
	}
	if books[d.sig.TakerVenue] == nil {
		return false
	}
	book := books[d.sig.TakerVenue]
	line := thresholdLine(d.sig.MakerPrice, d.sig.CancelOrderThreshold)
	needDepth := d.order.Amount.Sub(d.followedQty)
	if d.sig.MakerSide == types.Sell {
		return shouldCancelHighSide(book.Asks, line, needDepth)
	}
	return shouldCancelLowSide(book.Bids, line, needDepth)
}

// thresholdLine is the taker price beyond which the hedge stops being worth
// holding the maker order for.
func thresholdLine(makerPrice, cancelThreshold decimal.Decimal) decimal.Decimal {
	return makerPrice.Div(decimal.NewFromInt(1).Add(cancelThreshold))
}

// shouldCancelLowSide judges the taker bids backing a maker buy. An empty
// book cancels; a best bid strictly past the line keeps the order (the fill
// is still wanted); otherwise the depth at or above the line must cover the
// open quantity.
func shouldCancelLowSide(bids []types.PriceLevel, line, needDepth decimal.Decimal) bool {
	if len(bids) == 0 {
		return true
	}
	if bids[0].Price.GreaterThan(line) {
		return false
	}
	depth := decimal.Zero
	for _, lv := range bids {
		if lv.Price.GreaterThanOrEqual(line) {
			depth = depth.Add(lv.Qty)
		}
	}
	return depth.LessThan(needDepth)
}

// shouldCancelHighSide mirrors shouldCancelLowSide for the taker asks
// backing a maker sell.
func shouldCancelHighSide(asks []types.PriceLevel, line, needDepth decimal.Decimal) bool {
	if len(asks) == 0 {
		return true
	}
	if asks[0].Price.LessThan(line) {
		return false
	}
	depth := decimal.Zero
	for _, lv := range asks {
		if lv.Price.LessThanOrEqual(line) {
			depth = depth.Add(lv.Qty)
		}
	}
	return depth.LessThan(needDepth)
}

// cancelMaker cancels the maker order; already-gone counts as success
// inside the adapter.
func (d *dealer) cancelMaker() {
	cancelCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := d.maker.CancelOrder(cancelCtx, d.sig.Symbol, d.order.ID); err != nil {
		d.logger.Error("canceling maker order", "error", err)
	}
}

// clear settles the loop: wait out the canceled event if we cancelled, fetch
// the authoritative final order, fix any unhedged fill, write the audit row,
// and let positions settle.
func (d *dealer) clear(ctx context.Context, cancelByProgram bool) {
	if cancelByProgram {
		d.awaitClosedEvent()
	}

	fetchCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	final, err := d.maker.FetchOrder(fetchCtx, d.sig.Symbol, d.order.ID)
	cancel()
	if err != nil {
		d.logger.Error("fetching final order", "error", err)
		final = d.order
	}
	d.order = final

	if d.order.Filled.GreaterThan(d.followedQty) {
		d.fixTaker()
	}

	status := "dealt"
	if d.order.Status != types.OrderStatusFilled {
		status = "cleared"
	}
	d.auditRow(status)
	d.deleteFIFO()
	d.logger.Info("order loop done", "status", status,
		"filled", d.order.Filled, "followed", d.followedQty)

	select {
	case <-time.After(settleSleep):
	case <-ctx.Done():
	}
}

// awaitClosedEvent waits for the terminal maker event so the fill count is
// stable before the authoritative fetch.
func (d *dealer) awaitClosedEvent() {
	waitCtx, cancel := context.WithTimeout(context.Background(), clearEventWait)
	defer cancel()
	deadline := time.Now().Add(clearEventWait)
	for time.Now().Before(deadline) {
		ev, err := d.deps.Store.PopOrderStatus(waitCtx, d.sig.MakerVenue, d.order.ID, time.Second)
		if err != nil {
			return
		}
		if ev == nil {
			continue
		}
		d.applyEvent(ev)
		if ev.Status.IsClosed() {
			return
		}
	}
}

// fixTaker hedges the fills that arrived after the last follow-through.
func (d *dealer) fixTaker() {
	need, _ := d.deps.Registry.AlignQty(d.sig.TakerVenue, d.sig.Symbol, d.order.Filled.Sub(d.followedQty))
	if need.IsZero() {
		return
	}
	clientID := takerFixClientID(d.ts)
	for attempt := 0; attempt < fixAttempts; attempt++ {
		fixCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		_, err := d.taker.PlaceMarket(fixCtx, d.sig.Symbol, d.sig.TakerSide, need, clientID, d.sig.IsReducePosition)
		cancel()
		if err == nil {
			d.followedQty = d.followedQty.Add(need)
			return
		}
		d.logger.Error("fix taker order failed", "error", err, "attempt", attempt+1)
		time.Sleep(retryBase << attempt)
	}
}

func (d *dealer) auditRow(status string) {
	if d.deps.Audit == nil {
		return
	}
	row := audit.Row{
		Signal:      d.sig,
		Status:      status,
		FollowedQty: d.followedQty,
		ClientID:    makerClientID(d.ts),
	}
	if d.order != nil {
		row.FilledQty = d.order.Filled
		row.AvgPrice = d.order.AvgPrice
		row.OrderID = d.order.ID
	}
	if err := d.deps.Audit.Append(row); err != nil {
		d.logger.Error("writing audit row", "error", err)
	}
}

func (d *dealer) deleteFIFO() {
	if d.order == nil {
		return
	}
	delCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.deps.Store.DeleteOrderStatus(delCtx, d.sig.MakerVenue, d.order.ID); err != nil {
		d.logger.Error("deleting order fifo", "error", err)
	}
}
