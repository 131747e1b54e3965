// binance.go implements the binance-family venue adapter (USDⓈ-M futures).
//
// Quantities are fractional at the instrument's precision and quoted in the
// venue's scaled unit for multiplier symbols ("1000PEPEUSDT"), so canonical
// quantities divide by the multiplier going out and multiply coming back;
// prices do the reverse. The private stream uses a listen key managed in
// binance_ws.go.
package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/deFang/orderbook-arbtraguer/internal/config"
	"github.com/deFang/orderbook-arbtraguer/internal/symbols"
	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

const binanceBaseURL = "https://fapi.binance.com"

// Error codes that make a cancel or a mode change a no-op success.
const (
	binanceErrUnknownOrder  = -2011 // order already gone
	binanceErrNoNeedMargin  = -4046 // margin type already CROSSED
	binanceErrNoNeedPosMode = -4059 // position mode already one-way
)

// Binance is the binance-family REST adapter.
type Binance struct {
	http   *resty.Client
	apiKey string
	secret string
	reg    *symbols.Registry
	logger *slog.Logger
}

// NewBinance creates the adapter. proxy may be empty.
func NewBinance(cfg config.ExchangeConfig, proxy string, reg *symbols.Registry, logger *slog.Logger) *Binance {
	httpClient := resty.New().
		SetBaseURL(binanceBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})
	if proxy != "" {
		httpClient.SetProxy(proxy)
	}

	return &Binance{
		http:   httpClient,
		apiKey: cfg.APIKey,
		secret: cfg.Secret,
		reg:    reg,
		logger: logger.With("component", "binance"),
	}
}

func (b *Binance) Name() string          { return string(types.VenueBinance) }
func (b *Binance) Kind() types.VenueKind { return types.VenueBinance }

// binanceError is the venue's error body, returned with a 4xx status.
type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (b *Binance) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(b.secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// signedQuery encodes params with the timestamp and receive window, then
// appends the signature as the last parameter, the position the venue
// documents. url.Values.Encode sorts alphabetically, so the signature must
// be concatenated after encoding.
func (b *Binance) signedQuery(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	encoded := params.Encode()
	return encoded + "&signature=" + b.sign(encoded)
}

// request performs a REST call. When signed, a timestamp and signature are
// appended to the query. On a venue error body the *binanceError is returned
// so callers can whitelist no-op codes.
func (b *Binance) request(ctx context.Context, method, path string, params url.Values, signed bool, out any) (*binanceError, error) {
	if params == nil {
		params = url.Values{}
	}
	var query string
	if signed {
		query = b.signedQuery(params)
	} else if len(params) > 0 {
		query = params.Encode()
	}

	req := b.http.R().SetContext(ctx).SetHeader("X-MBX-APIKEY", b.apiKey)
	full := path
	if query != "" {
		full += "?" + query
	}

	resp, err := req.Execute(method, full)
	if err != nil {
		return nil, fmt.Errorf("binance %s %s: %w", method, path, err)
	}
	if resp.StatusCode() >= 400 {
		var be binanceError
		if jsonErr := json.Unmarshal(resp.Body(), &be); jsonErr == nil && be.Code != 0 {
			return &be, fmt.Errorf("binance %s %s: code %d: %s", method, path, be.Code, be.Msg)
		}
		return nil, fmt.Errorf("binance %s %s: status %d: %s", method, path, resp.StatusCode(), resp.String())
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return nil, fmt.Errorf("binance %s %s: decode: %w", method, path, err)
		}
	}
	return nil, nil
}

// LoadMarkets hydrates the registry from /fapi/v1/exchangeInfo.
func (b *Binance) LoadMarkets(ctx context.Context) error {
	var info struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			QuantityPrecision int32  `json:"quantityPrecision"`
			Filters           []struct {
				FilterType string `json:"filterType"`
				MinQty     string `json:"minQty"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if _, err := b.request(ctx, "GET", "/fapi/v1/exchangeInfo", nil, false, &info); err != nil {
		return err
	}

	byName := make(map[string]int, len(info.Symbols))
	for i, s := range info.Symbols {
		byName[s.Symbol] = i
	}
	for _, symbol := range b.reg.Symbols() {
		in, ok := b.reg.Instrument(b.Name(), symbol)
		if !ok {
			continue
		}
		i, ok := byName[in.Name]
		if !ok {
			b.logger.Error("instrument not listed, dropping symbol", "instrument", in.Name, "symbol", symbol)
			b.reg.Drop(symbol)
			continue
		}
		minQty := decimal.Zero
		for _, f := range info.Symbols[i].Filters {
			if f.FilterType == "LOT_SIZE" {
				d, err := decimal.NewFromString(f.MinQty)
				if err != nil {
					return fmt.Errorf("binance %s minQty: %w", in.Name, err)
				}
				minQty = d.Mul(in.Multiplier)
			}
		}
		if err := b.reg.Hydrate(b.Name(), symbol, decimal.Zero, info.Symbols[i].QuantityPrecision, minQty); err != nil {
			return err
		}
	}
	return nil
}

// Balance returns the USDT-margined account summary.
func (b *Binance) Balance(ctx context.Context) (types.Margin, error) {
	var acct struct {
		TotalMarginBalance string `json:"totalMarginBalance"`
		TotalInitialMargin string `json:"totalInitialMargin"`
		AvailableBalance   string `json:"availableBalance"`
	}
	if _, err := b.request(ctx, "GET", "/fapi/v2/account", nil, true, &acct); err != nil {
		return types.Margin{}, err
	}
	total, err := decimal.NewFromString(acct.TotalMarginBalance)
	if err != nil {
		return types.Margin{}, fmt.Errorf("binance balance total: %w", err)
	}
	used, err := decimal.NewFromString(acct.TotalInitialMargin)
	if err != nil {
		return types.Margin{}, fmt.Errorf("binance balance used: %w", err)
	}
	free, err := decimal.NewFromString(acct.AvailableBalance)
	if err != nil {
		return types.Margin{}, fmt.Errorf("binance balance free: %w", err)
	}
	return types.Margin{Total: total, Used: used, Free: free}, nil
}

// Positions returns open positions for the given canonical symbols.
func (b *Binance) Positions(ctx context.Context, syms []string) (map[string]types.PositionStatus, error) {
	var risks []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
		EntryPrice  string `json:"entryPrice"`
		MarkPrice   string `json:"markPrice"`
	}
	if _, err := b.request(ctx, "GET", "/fapi/v2/positionRisk", nil, true, &risks); err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(syms))
	for _, s := range syms {
		want[s] = true
	}

	out := make(map[string]types.PositionStatus)
	for _, r := range risks {
		symbol, ok := b.reg.Canonical(b.Name(), r.Symbol)
		if !ok || !want[symbol] {
			continue
		}
		in, _ := b.reg.Instrument(b.Name(), symbol)
		amt, err := decimal.NewFromString(r.PositionAmt)
		if err != nil {
			return nil, fmt.Errorf("binance position %s amt: %w", r.Symbol, err)
		}
		if amt.IsZero() {
			continue
		}
		dir := types.Long
		if amt.IsNegative() {
			dir = types.Short
		}
		ps := types.PositionStatus{
			Direction: dir,
			Qty:       amt.Abs().Mul(in.Multiplier),
		}
		if entry, err := decimal.NewFromString(r.EntryPrice); err == nil {
			ps.AvgPrice = entry.Div(in.Multiplier)
		}
		if mark, err := decimal.NewFromString(r.MarkPrice); err == nil {
			ps.MarkPrice = mark.Div(in.Multiplier)
		}
		out[symbol] = ps
	}
	return out, nil
}

// FundingRate fetches the current funding rate. TS is the next funding time,
// matching the other venue so same-window deltas compare equal timestamps.
func (b *Binance) FundingRate(ctx context.Context, symbol string) (types.FundingSnapshot, error) {
	in, ok := b.reg.Instrument(b.Name(), symbol)
	if !ok {
		return types.FundingSnapshot{}, fmt.Errorf("binance funding: unknown symbol %s", symbol)
	}
	var idx struct {
		LastFundingRate string `json:"lastFundingRate"`
		NextFundingTime int64  `json:"nextFundingTime"`
	}
	params := url.Values{"symbol": {in.Name}}
	if _, err := b.request(ctx, "GET", "/fapi/v1/premiumIndex", params, false, &idx); err != nil {
		return types.FundingSnapshot{}, err
	}
	rate, err := decimal.NewFromString(idx.LastFundingRate)
	if err != nil {
		return types.FundingSnapshot{}, fmt.Errorf("binance funding rate: %w", err)
	}
	return types.FundingSnapshot{
		Venue:  b.Name(),
		Symbol: symbol,
		Rate:   rate,
		TS:     idx.NextFundingTime,
	}, nil
}

// binanceOrderData is the REST order payload.
type binanceOrderData struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	CumQuote      string `json:"cumQuote"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

// normalizeBinanceOrder converts a venue order payload to the canonical
// record.
func normalizeBinanceOrder(reg *symbols.Registry, d binanceOrderData) (types.Order, error) {
	symbol, ok := reg.Canonical(string(types.VenueBinance), d.Symbol)
	if !ok {
		return types.Order{}, fmt.Errorf("binance order: unknown instrument %s", d.Symbol)
	}
	in, _ := reg.Instrument(string(types.VenueBinance), symbol)

	order := types.Order{
		Venue:       string(types.VenueBinance),
		ID:          strconv.FormatInt(d.OrderID, 10),
		ClientID:    d.ClientOrderID,
		Symbol:      symbol,
		Side:        types.Side(strings.ToLower(d.Side)),
		TS:          d.Time,
		LastTradeTS: d.UpdateTime,
	}
	if order.TS == 0 {
		order.TS = d.UpdateTime
	}
	switch d.Type {
	case "MARKET":
		order.Type = types.OrderTypeMarket
	default:
		order.Type = types.OrderTypeLimit
	}
	switch d.Status {
	case "NEW":
		order.Status = types.OrderStatusNew
	case "PARTIALLY_FILLED":
		order.Status = types.OrderStatusPartiallyFilled
	case "FILLED":
		order.Status = types.OrderStatusFilled
	case "CANCELED":
		order.Status = types.OrderStatusCanceled
	case "REJECTED":
		order.Status = types.OrderStatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		order.Status = types.OrderStatusExpired
	default:
		order.Status = types.OrderStatus(strings.ToLower(d.Status))
	}

	var err error
	if d.Price != "" {
		var px decimal.Decimal
		if px, err = decimal.NewFromString(d.Price); err != nil {
			return types.Order{}, fmt.Errorf("binance order price: %w", err)
		}
		order.Price = px.Div(in.Multiplier)
	}
	if d.AvgPrice != "" {
		if avg, err := decimal.NewFromString(d.AvgPrice); err == nil {
			order.AvgPrice = avg.Div(in.Multiplier)
		}
	}
	if d.OrigQty != "" {
		var qty decimal.Decimal
		if qty, err = decimal.NewFromString(d.OrigQty); err != nil {
			return types.Order{}, fmt.Errorf("binance order origQty: %w", err)
		}
		order.Amount = qty.Mul(in.Multiplier)
	}
	if d.ExecutedQty != "" {
		var fill decimal.Decimal
		if fill, err = decimal.NewFromString(d.ExecutedQty); err != nil {
			return types.Order{}, fmt.Errorf("binance order executedQty: %w", err)
		}
		order.Filled = fill.Mul(in.Multiplier)
	}
	if d.CumQuote != "" {
		if cost, err := decimal.NewFromString(d.CumQuote); err == nil {
			order.Cost = cost
		}
	}
	return order, nil
}

// OpenOrders lists live orders for a symbol.
func (b *Binance) OpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	in, ok := b.reg.Instrument(b.Name(), symbol)
	if !ok {
		return nil, fmt.Errorf("binance open orders: unknown symbol %s", symbol)
	}
	var datas []binanceOrderData
	params := url.Values{"symbol": {in.Name}}
	if _, err := b.request(ctx, "GET", "/fapi/v1/openOrders", params, true, &datas); err != nil {
		return nil, err
	}
	out := make([]types.Order, 0, len(datas))
	for _, d := range datas {
		order, err := normalizeBinanceOrder(b.reg, d)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, nil
}

// FetchOrder reads one order authoritatively.
func (b *Binance) FetchOrder(ctx context.Context, symbol, orderID string) (*types.Order, error) {
	in, ok := b.reg.Instrument(b.Name(), symbol)
	if !ok {
		return nil, fmt.Errorf("binance fetch order: unknown symbol %s", symbol)
	}
	return retry1(ctx, 3, func() (*types.Order, error) {
		var d binanceOrderData
		params := url.Values{"symbol": {in.Name}, "orderId": {orderID}}
		if _, err := b.request(ctx, "GET", "/fapi/v1/order", params, true, &d); err != nil {
			return nil, err
		}
		order, err := normalizeBinanceOrder(b.reg, d)
		if err != nil {
			return nil, err
		}
		return &order, nil
	})
}

// toQuotedQty converts a canonical quantity to the venue's quoted unit at
// the instrument precision.
func toQuotedQty(in symbols.Instrument, qty decimal.Decimal) decimal.Decimal {
	return qty.Div(in.Multiplier).RoundDown(in.QtyPrecision)
}

// PlaceLimitPostOnly posts a passive maker order (GTX time-in-force).
func (b *Binance) PlaceLimitPostOnly(ctx context.Context, symbol string, side types.Side, qty, price decimal.Decimal, clientID string) (*types.Order, error) {
	in, ok := b.reg.Instrument(b.Name(), symbol)
	if !ok {
		return nil, fmt.Errorf("binance place: unknown symbol %s", symbol)
	}
	quoted := toQuotedQty(in, qty)
	if quoted.IsZero() {
		return nil, fmt.Errorf("binance place: qty %s below precision for %s", qty, symbol)
	}
	params := url.Values{
		"symbol":           {in.Name},
		"side":             {strings.ToUpper(string(side))},
		"type":             {"LIMIT"},
		"timeInForce":      {"GTX"},
		"quantity":         {quoted.String()},
		"price":            {price.Mul(in.Multiplier).String()},
		"newClientOrderId": {clientID},
	}
	var d binanceOrderData
	if _, err := b.request(ctx, "POST", "/fapi/v1/order", params, true, &d); err != nil {
		return nil, err
	}
	order, err := normalizeBinanceOrder(b.reg, d)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// PlaceMarket fires an aggressive market order.
func (b *Binance) PlaceMarket(ctx context.Context, symbol string, side types.Side, qty decimal.Decimal, clientID string, reduceOnly bool) (*types.Order, error) {
	in, ok := b.reg.Instrument(b.Name(), symbol)
	if !ok {
		return nil, fmt.Errorf("binance place: unknown symbol %s", symbol)
	}
	quoted := toQuotedQty(in, qty)
	if quoted.IsZero() {
		return nil, fmt.Errorf("binance place: qty %s below precision for %s", qty, symbol)
	}
	params := url.Values{
		"symbol":           {in.Name},
		"side":             {strings.ToUpper(string(side))},
		"type":             {"MARKET"},
		"quantity":         {quoted.String()},
		"newClientOrderId": {clientID},
	}
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}
	var d binanceOrderData
	if _, err := b.request(ctx, "POST", "/fapi/v1/order", params, true, &d); err != nil {
		return nil, err
	}
	order, err := normalizeBinanceOrder(b.reg, d)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// CancelOrder cancels an order, treating already-gone as success.
func (b *Binance) CancelOrder(ctx context.Context, symbol, orderID string) error {
	in, ok := b.reg.Instrument(b.Name(), symbol)
	if !ok {
		return fmt.Errorf("binance cancel: unknown symbol %s", symbol)
	}
	return withRetry(ctx, 3, func() error {
		params := url.Values{"symbol": {in.Name}, "orderId": {orderID}}
		be, err := b.request(ctx, "DELETE", "/fapi/v1/order", params, true, nil)
		if be != nil && be.Code == binanceErrUnknownOrder {
			return nil
		}
		return err
	})
}

// PrepareSymbol sets cross margin, one-way position mode, and leverage.
func (b *Binance) PrepareSymbol(ctx context.Context, symbol string, leverage int) error {
	in, ok := b.reg.Instrument(b.Name(), symbol)
	if !ok {
		return fmt.Errorf("binance prepare: unknown symbol %s", symbol)
	}

	params := url.Values{"symbol": {in.Name}, "marginType": {"CROSSED"}}
	if be, err := b.request(ctx, "POST", "/fapi/v1/marginType", params, true, nil); err != nil {
		if be == nil || be.Code != binanceErrNoNeedMargin {
			return err
		}
	}

	params = url.Values{"dualSidePosition": {"false"}}
	if be, err := b.request(ctx, "POST", "/fapi/v1/positionSide/dual", params, true, nil); err != nil {
		if be == nil || be.Code != binanceErrNoNeedPosMode {
			return err
		}
	}

	params = url.Values{"symbol": {in.Name}, "leverage": {strconv.Itoa(leverage)}}
	if _, err := b.request(ctx, "POST", "/fapi/v1/leverage", params, true, nil); err != nil {
		return err
	}
	return nil
}

// Healthy reports whether the venue answers its ping endpoint.
func (b *Binance) Healthy(ctx context.Context) (bool, error) {
	if _, err := b.request(ctx, "GET", "/fapi/v1/ping", nil, false, nil); err != nil {
		return false, err
	}
	return true, nil
}

// ————————————————————————————————————————————————————————————————————————
// Listen key lifecycle (user stream token)
// ————————————————————————————————————————————————————————————————————————

// CreateListenKey obtains a user-stream token.
func (b *Binance) CreateListenKey(ctx context.Context) (string, error) {
	var res struct {
		ListenKey string `json:"listenKey"`
	}
	if _, err := b.request(ctx, "POST", "/fapi/v1/listenKey", nil, true, &res); err != nil {
		return "", err
	}
	if res.ListenKey == "" {
		return "", fmt.Errorf("binance listen key: empty response")
	}
	return res.ListenKey, nil
}

// KeepAliveListenKey extends the token's validity.
func (b *Binance) KeepAliveListenKey(ctx context.Context) error {
	_, err := b.request(ctx, "PUT", "/fapi/v1/listenKey", nil, true, nil)
	return err
}

// CloseListenKey invalidates the token on shutdown.
func (b *Binance) CloseListenKey(ctx context.Context) error {
	_, err := b.request(ctx, "DELETE", "/fapi/v1/listenKey", nil, true, nil)
	return err
}
