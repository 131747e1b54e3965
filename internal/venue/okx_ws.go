// okx_ws.go implements the okx-family streaming feeds.
//
//   - Book feed (public): books5 channel per instrument, normalized into
//     canonical depth-5 snapshots.
//   - Order feed (private): login frame, then the orders channel for all
//     swaps, normalized into canonical order records.
//
// Both reconnect with exponential backoff (1s → 30s max) and resubscribe on
// reconnection. The venue expects a textual "ping" at least every 30s.
package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/deFang/orderbook-arbtraguer/internal/config"
	"github.com/deFang/orderbook-arbtraguer/internal/symbols"
	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

const (
	okxPublicWSURL  = "wss://ws.okx.com:8443/ws/v5/public"
	okxPrivateWSURL = "wss://ws.okx.com:8443/ws/v5/private"

	wsPingInterval     = 20 * time.Second
	wsReadTimeout      = 30 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsMaxReconnectWait = 30 * time.Second
	wsSnapshotBuffer   = 256
	wsOrderBuffer      = 64
)

type okxSubArg struct {
	Channel  string `json:"channel"`
	InstID   string `json:"instId,omitempty"`
	InstType string `json:"instType,omitempty"`
}

type okxWSRequest struct {
	Op   string `json:"op"`
	Args []any  `json:"args"`
}

// OKXBookFeed streams books5 snapshots for the configured symbols.
type OKXBookFeed struct {
	url     string
	reg     *symbols.Registry
	symbols []string

	conn   *websocket.Conn
	connMu sync.Mutex

	snapshots chan types.OrderBookSnapshot
	logger    *slog.Logger
}

// NewOKXBookFeed creates the public depth feed for the given symbols.
func NewOKXBookFeed(reg *symbols.Registry, syms []string, logger *slog.Logger) *OKXBookFeed {
	return &OKXBookFeed{
		url:       okxPublicWSURL,
		reg:       reg,
		symbols:   syms,
		snapshots: make(chan types.OrderBookSnapshot, wsSnapshotBuffer),
		logger:    logger.With("component", "okx_book_ws"),
	}
}

// Snapshots returns the normalized snapshot channel.
func (f *OKXBookFeed) Snapshots() <-chan types.OrderBookSnapshot { return f.snapshots }

// Run connects and maintains the feed until ctx is cancelled.
func (f *OKXBookFeed) Run(ctx context.Context) error {
	return runWithBackoff(ctx, f.logger, f.connectAndRead)
}

func (f *OKXBookFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
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

	args := make([]any, 0, len(f.symbols))
	for _, symbol := range f.symbols {
		in, ok := f.reg.Instrument(string(types.VenueOkx), symbol)
		if !ok {
			continue
		}
		args = append(args, okxSubArg{Channel: "books5", InstID: in.Name})
	}
	if err := writeWSJSON(conn, &f.connMu, okxWSRequest{Op: "subscribe", Args: args}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "symbols", len(args))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go okxPingLoop(pingCtx, conn, &f.connMu, f.logger)

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

func (f *OKXBookFeed) dispatchMessage(data []byte) {
	if string(data) == "pong" {
		return
	}
	var envelope struct {
		Event string    `json:"event"`
		Arg   okxSubArg `json:"arg"`
		Data  []struct {
			Asks [][]string `json:"asks"`
			Bids [][]string `json:"bids"`
			TS   string     `json:"ts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}
	if envelope.Event != "" || envelope.Arg.Channel != "books5" || len(envelope.Data) == 0 {
		return
	}

	symbol, ok := f.reg.Canonical(string(types.VenueOkx), envelope.Arg.InstID)
	if !ok {
		return
	}
	in, _ := f.reg.Instrument(string(types.VenueOkx), symbol)
	bag := in.BagSize()

	d := envelope.Data[len(envelope.Data)-1]
	ts, err := parseMillis(d.TS)
	if err != nil {
		f.logger.Error("bad book timestamp", "error", err, "symbol", symbol)
		return
	}
	ob := types.OrderBookSnapshot{
		Venue:  string(types.VenueOkx),
		Symbol: symbol,
		TS:     ts,
		Bids:   parseOKXLevels(d.Bids, in.Multiplier, bag),
		Asks:   parseOKXLevels(d.Asks, in.Multiplier, bag),
	}

	select {
	case f.snapshots <- ob:
	default:
		f.logger.Warn("snapshot channel full, dropping", "symbol", symbol)
	}
}

// parseOKXLevels converts [px, sz, ...] rows: prices divide by the
// multiplier, sizes are contract counts scaled by the bag size.
func parseOKXLevels(rows [][]string, multiplier, bag decimal.Decimal) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		px, err1 := decimal.NewFromString(row[0])
		sz, err2 := decimal.NewFromString(row[1])
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, types.PriceLevel{
			Price: px.Div(multiplier),
			Qty:   sz.Mul(bag),
		})
	}
	return out
}

// OKXOrderFeed streams private order events for all swaps.
type OKXOrderFeed struct {
	url        string
	apiKey     string
	secret     string
	passphrase string
	reg        *symbols.Registry

	conn   *websocket.Conn
	connMu sync.Mutex
	ready  atomic.Bool

	orders chan types.Order
	logger *slog.Logger
}

// NewOKXOrderFeed creates the authenticated order feed.
func NewOKXOrderFeed(cfg config.ExchangeConfig, reg *symbols.Registry, logger *slog.Logger) *OKXOrderFeed {
	return &OKXOrderFeed{
		url:        okxPrivateWSURL,
		apiKey:     cfg.APIKey,
		secret:     cfg.Secret,
		passphrase: cfg.Password,
		reg:        reg,
		orders:     make(chan types.Order, wsOrderBuffer),
		logger:     logger.With("component", "okx_order_ws"),
	}
}

// Orders returns the normalized order event channel.
func (f *OKXOrderFeed) Orders() <-chan types.Order { return f.orders }

// Ready reports connected-logged-in-and-subscribed.
func (f *OKXOrderFeed) Ready() bool { return f.ready.Load() }

// Run connects and maintains the feed until ctx is cancelled.
func (f *OKXOrderFeed) Run(ctx context.Context) error {
	return runWithBackoff(ctx, f.logger, f.connectAndRead)
}

func (f *OKXOrderFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
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

	if err := f.login(conn); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go okxPingLoop(pingCtx, conn, &f.connMu, f.logger)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatchMessage(conn, msg)
	}
}

// login sends the auth frame; the subscribe is issued when the login ack
// arrives in dispatchMessage.
func (f *OKXOrderFeed) login(conn *websocket.Conn) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(f.secret))
	mac.Write([]byte(ts + "GET" + "/users/self/verify"))
	sign := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return writeWSJSON(conn, &f.connMu, okxWSRequest{
		Op: "login",
		Args: []any{map[string]string{
			"apiKey":     f.apiKey,
			"passphrase": f.passphrase,
			"timestamp":  ts,
			"sign":       sign,
		}},
	})
}

func (f *OKXOrderFeed) dispatchMessage(conn *websocket.Conn, data []byte) {
	if string(data) == "pong" {
		return
	}
	var envelope struct {
		Event string         `json:"event"`
		Code  string         `json:"code"`
		Msg   string         `json:"msg"`
		Arg   okxSubArg      `json:"arg"`
		Data  []okxOrderData `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.Event {
	case "login":
		if envelope.Code != "0" {
			f.logger.Error("login rejected", "code", envelope.Code, "msg", envelope.Msg)
			return
		}
		err := writeWSJSON(conn, &f.connMu, okxWSRequest{
			Op:   "subscribe",
			Args: []any{okxSubArg{Channel: "orders", InstType: "SWAP"}},
		})
		if err != nil {
			f.logger.Error("subscribe after login", "error", err)
		}
		return
	case "subscribe":
		f.ready.Store(true)
		f.logger.Info("order stream subscribed")
		return
	case "error":
		f.logger.Error("ws error", "code", envelope.Code, "msg", envelope.Msg)
		return
	case "":
	default:
		return
	}

	if envelope.Arg.Channel != "orders" {
		return
	}
	for _, d := range envelope.Data {
		order, err := normalizeOKXOrder(f.reg, d)
		if err != nil {
			// Orders for instruments outside the registry are not ours.
			f.logger.Debug("skipping order event", "error", err)
			continue
		}
		select {
		case f.orders <- order:
		default:
			f.logger.Warn("order channel full, dropping event", "id", order.ID)
		}
	}
}

// runWithBackoff reconnects with exponential backoff until ctx is cancelled.
func runWithBackoff(ctx context.Context, logger *slog.Logger, connect func(context.Context) error) error {
	backoff := time.Second
	for {
		err := connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

func writeWSJSON(conn *websocket.Conn, mu *sync.Mutex, v any) error {
	mu.Lock()
	defer mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}

func okxPingLoop(ctx context.Context, conn *websocket.Conn, mu *sync.Mutex, logger *slog.Logger) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mu.Lock()
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			mu.Unlock()
			if err != nil {
				logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}
