// binance_ws.go implements the binance-family streaming feeds.
//
//   - Book feed: one combined-stream connection carrying depth5@100ms for
//     every subscribed instrument.
//   - Order feed: the user data stream addressed by a listen key. The key
//     expires unless refreshed, so a keepalive runs every 30 minutes and the
//     feed reconnects on a fresh key after any failure.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/deFang/orderbook-arbtraguer/internal/symbols"
	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

const (
	binanceStreamBaseURL = "wss://fstream.binance.com"

	listenKeyKeepAlive = 30 * time.Minute
)

// BinanceBookFeed streams depth-5 snapshots over a combined stream.
type BinanceBookFeed struct {
	reg     *symbols.Registry
	symbols []string

	conn   *websocket.Conn
	connMu sync.Mutex

	snapshots chan types.OrderBookSnapshot
	logger    *slog.Logger
}

// NewBinanceBookFeed creates the public depth feed for the given symbols.
func NewBinanceBookFeed(reg *symbols.Registry, syms []string, logger *slog.Logger) *BinanceBookFeed {
	return &BinanceBookFeed{
		reg:       reg,
		symbols:   syms,
		snapshots: make(chan types.OrderBookSnapshot, wsSnapshotBuffer),
		logger:    logger.With("component", "binance_book_ws"),
	}
}

// Snapshots returns the normalized snapshot channel.
func (f *BinanceBookFeed) Snapshots() <-chan types.OrderBookSnapshot { return f.snapshots }

// Run connects and maintains the feed until ctx is cancelled.
func (f *BinanceBookFeed) Run(ctx context.Context) error {
	return runWithBackoff(ctx, f.logger, f.connectAndRead)
}

func (f *BinanceBookFeed) streamURL() string {
	names := make([]string, 0, len(f.symbols))
	for _, symbol := range f.symbols {
		in, ok := f.reg.Instrument(string(types.VenueBinance), symbol)
		if !ok {
			continue
		}
		names = append(names, strings.ToLower(in.Name)+"@depth5@100ms")
	}
	return binanceStreamBaseURL + "/stream?streams=" + strings.Join(names, "/")
}

func (f *BinanceBookFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	// The venue pings; answering is handled by gorilla's default pong
	// behavior, but extend the read deadline on every ping.
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		f.connMu.Lock()
		defer f.connMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	f.logger.Info("websocket connected", "symbols", len(f.symbols))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatchMessage(msg)
	}
}

func (f *BinanceBookFeed) dispatchMessage(data []byte) {
	var envelope struct {
		Stream string `json:"stream"`
		Data   struct {
			Event     string     `json:"e"`
			EventTime int64      `json:"E"`
			Symbol    string     `json:"s"`
			Bids      [][]string `json:"b"`
			Asks      [][]string `json:"a"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}
	if envelope.Data.Event != "depthUpdate" {
		return
	}

	symbol, ok := f.reg.Canonical(string(types.VenueBinance), envelope.Data.Symbol)
	if !ok {
		return
	}
	in, _ := f.reg.Instrument(string(types.VenueBinance), symbol)

	ob := types.OrderBookSnapshot{
		Venue:  string(types.VenueBinance),
		Symbol: symbol,
		TS:     envelope.Data.EventTime,
		Bids:   parseBinanceLevels(envelope.Data.Bids, in.Multiplier),
		Asks:   parseBinanceLevels(envelope.Data.Asks, in.Multiplier),
	}

	select {
	case f.snapshots <- ob:
	default:
		f.logger.Warn("snapshot channel full, dropping", "symbol", symbol)
	}
}

// parseBinanceLevels converts [px, qty] rows: prices divide by the
// multiplier, quantities are quoted units scaled back up by it.
func parseBinanceLevels(rows [][]string, multiplier decimal.Decimal) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		px, err1 := decimal.NewFromString(row[0])
		qty, err2 := decimal.NewFromString(row[1])
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, types.PriceLevel{
			Price: px.Div(multiplier),
			Qty:   qty.Mul(multiplier),
		})
	}
	return out
}

// BinanceOrderFeed streams private order events from the user data stream.
type BinanceOrderFeed struct {
	adapter *Binance
	reg     *symbols.Registry

	conn   *websocket.Conn
	connMu sync.Mutex
	ready  atomic.Bool

	orders chan types.Order
	logger *slog.Logger
}

// NewBinanceOrderFeed creates the user-stream order feed. The adapter owns
// the listen key REST calls.
func NewBinanceOrderFeed(adapter *Binance, reg *symbols.Registry, logger *slog.Logger) *BinanceOrderFeed {
	return &BinanceOrderFeed{
		adapter: adapter,
		reg:     reg,
		orders:  make(chan types.Order, wsOrderBuffer),
		logger:  logger.With("component", "binance_order_ws"),
	}
}

// Orders returns the normalized order event channel.
func (f *BinanceOrderFeed) Orders() <-chan types.Order { return f.orders }

// Ready reports connected on a live listen key.
func (f *BinanceOrderFeed) Ready() bool { return f.ready.Load() }

// Run connects and maintains the feed until ctx is cancelled.
func (f *BinanceOrderFeed) Run(ctx context.Context) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.adapter.CloseListenKey(closeCtx); err != nil {
			f.logger.Warn("closing listen key", "error", err)
		}
	}()
	return runWithBackoff(ctx, f.logger, f.connectAndRead)
}

func (f *BinanceOrderFeed) connectAndRead(ctx context.Context) error {
	key, err := f.adapter.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("listen key: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, binanceStreamBaseURL+"/ws/"+key, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.ready.Store(false)
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		f.connMu.Lock()
		defer f.connMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	keepCtx, keepCancel := context.WithCancel(ctx)
	defer keepCancel()
	go f.keepAliveLoop(keepCtx)

	f.ready.Store(true)
	f.logger.Info("user stream connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The user stream is quiet between fills; allow a much longer gap
		// than the depth feed and rely on venue pings to keep it fresh.
		conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatchMessage(msg)
	}
}

func (f *BinanceOrderFeed) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.adapter.KeepAliveListenKey(ctx); err != nil {
				f.logger.Warn("listen key keepalive failed", "error", err)
			}
		}
	}
}

// binanceOrderUpdate is the ORDER_TRADE_UPDATE payload's order object.
type binanceOrderUpdate struct {
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	Type          string `json:"o"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	Price         string `json:"p"`
	AvgPrice      string `json:"ap"`
	OrigQty       string `json:"q"`
	FilledQty     string `json:"z"`
	CumQuote      string `json:"Z"`
	TradeTime     int64  `json:"T"`
}

func (f *BinanceOrderFeed) dispatchMessage(data []byte) {
	var envelope struct {
		Event     string             `json:"e"`
		EventTime int64              `json:"E"`
		Order     binanceOrderUpdate `json:"o"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}
	switch envelope.Event {
	case "ORDER_TRADE_UPDATE":
	case "listenKeyExpired":
		f.logger.Warn("listen key expired")
		f.connMu.Lock()
		if f.conn != nil {
			f.conn.Close()
		}
		f.connMu.Unlock()
		return
	default:
		return
	}

	// Reuse the REST normalization by mapping the stream fields onto it.
	order, err := normalizeBinanceOrder(f.reg, binanceOrderData{
		OrderID:       envelope.Order.OrderID,
		ClientOrderID: envelope.Order.ClientOrderID,
		Symbol:        envelope.Order.Symbol,
		Status:        envelope.Order.Status,
		Side:          envelope.Order.Side,
		Type:          envelope.Order.Type,
		Price:         envelope.Order.Price,
		AvgPrice:      envelope.Order.AvgPrice,
		OrigQty:       envelope.Order.OrigQty,
		ExecutedQty:   envelope.Order.FilledQty,
		CumQuote:      envelope.Order.CumQuote,
		Time:          envelope.EventTime,
		UpdateTime:    envelope.Order.TradeTime,
	})
	if err != nil {
		f.logger.Debug("skipping order event", "error", err)
		return
	}

	select {
	case f.orders <- order:
	default:
		f.logger.Warn("order channel full, dropping event", "id", order.ID)
	}
}
