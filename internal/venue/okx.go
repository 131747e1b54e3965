// okx.go implements the okx-family venue adapter (REST).
//
// Orders are sized in integer contracts: the canonical quantity is divided by
// the bag size (contract size × multiplier) on the way out and multiplied on
// the way in. Positions are filtered to cross-margin entries; hedged mode is
// disabled at startup.
package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/deFang/orderbook-arbtraguer/internal/config"
	"github.com/deFang/orderbook-arbtraguer/internal/symbols"
	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

const okxBaseURL = "https://www.okx.com"

// Cancel responses with these codes mean the order is already gone, which
// counts as a successful cancel.
var okxCancelOKCodes = map[string]bool{
	"51400": true, // cancellation failed, order already canceled
	"51401": true, // cancellation failed, order already filled
	"51402": true, // cancellation failed, order already completed
	"51603": true, // order does not exist
}

// OKX is the okx-family REST adapter.
type OKX struct {
	http       *resty.Client
	apiKey     string
	secret     string
	passphrase string
	reg        *symbols.Registry
	logger     *slog.Logger
}

// NewOKX creates the adapter. proxy may be empty.
func NewOKX(cfg config.ExchangeConfig, proxy string, reg *symbols.Registry, logger *slog.Logger) *OKX {
	httpClient := resty.New().
		SetBaseURL(okxBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
	if proxy != "" {
		httpClient.SetProxy(proxy)
	}

	return &OKX{
		http:       httpClient,
		apiKey:     cfg.APIKey,
		secret:     cfg.Secret,
		passphrase: cfg.Password,
		reg:        reg,
		logger:     logger.With("component", "okx"),
	}
}

func (o *OKX) Name() string          { return string(types.VenueOkx) }
func (o *OKX) Kind() types.VenueKind { return types.VenueOkx }

// okxEnvelope is the common response wrapper.
type okxEnvelope struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

func (o *OKX) sign(ts, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, []byte(o.secret))
	mac.Write([]byte(ts + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// request performs a signed REST call and decodes the data payload into out,
// which must carry the envelope fields (embed okxEnvelope).
func (o *OKX) request(ctx context.Context, method, path string, query url.Values, body string, out interface{ envelope() okxEnvelope }) error {
	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	req := o.http.R().
		SetContext(ctx).
		SetHeaders(map[string]string{
			"OK-ACCESS-KEY":        o.apiKey,
			"OK-ACCESS-SIGN":       o.sign(ts, method, requestPath, body),
			"OK-ACCESS-TIMESTAMP":  ts,
			"OK-ACCESS-PASSPHRASE": o.passphrase,
		}).
		SetResult(out)
	if body != "" {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, requestPath)
	if err != nil {
		return fmt.Errorf("okx %s %s: %w", method, path, err)
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("okx %s %s: status %d: %s", method, path, resp.StatusCode(), resp.String())
	}
	return nil
}

type okxInstrumentsResp struct {
	okxEnvelope
	Data []struct {
		InstID string `json:"instId"`
		CtVal  string `json:"ctVal"`
		MinSz  string `json:"minSz"`
	} `json:"data"`
}

func (e okxEnvelope) envelope() okxEnvelope { return e }

// LoadMarkets hydrates the registry from /public/instruments.
func (o *OKX) LoadMarkets(ctx context.Context) error {
	q := url.Values{"instType": {"SWAP"}}
	var resp okxInstrumentsResp
	if err := o.request(ctx, "GET", "/api/v5/public/instruments", q, "", &resp); err != nil {
		return err
	}
	if resp.Code != "0" {
		return fmt.Errorf("okx instruments: code %s: %s", resp.Code, resp.Msg)
	}

	byInst := make(map[string]int, len(resp.Data))
	for i, d := range resp.Data {
		byInst[d.InstID] = i
	}
	for _, symbol := range o.reg.Symbols() {
		in, ok := o.reg.Instrument(o.Name(), symbol)
		if !ok {
			continue
		}
		i, ok := byInst[in.Name]
		if !ok {
			o.logger.Error("instrument not listed, dropping symbol", "instrument", in.Name, "symbol", symbol)
			o.reg.Drop(symbol)
			continue
		}
		ctVal, err := decimal.NewFromString(resp.Data[i].CtVal)
		if err != nil {
			return fmt.Errorf("okx %s ctVal: %w", in.Name, err)
		}
		minSz, err := decimal.NewFromString(resp.Data[i].MinSz)
		if err != nil {
			return fmt.Errorf("okx %s minSz: %w", in.Name, err)
		}
		minQty := minSz.Mul(ctVal).Mul(in.Multiplier)
		if err := o.reg.Hydrate(o.Name(), symbol, ctVal, 0, minQty); err != nil {
			return err
		}
	}
	return nil
}

type okxBalanceResp struct {
	okxEnvelope
	Data []struct {
		Details []struct {
			Ccy     string `json:"ccy"`
			Eq      string `json:"eq"`
			AvailEq string `json:"availEq"`
		} `json:"details"`
	} `json:"data"`
}

// Balance returns the USDT margin summary of the trading account.
func (o *OKX) Balance(ctx context.Context) (types.Margin, error) {
	q := url.Values{"ccy": {"USDT"}}
	var resp okxBalanceResp
	if err := o.request(ctx, "GET", "/api/v5/account/balance", q, "", &resp); err != nil {
		return types.Margin{}, err
	}
	if resp.Code != "0" {
		return types.Margin{}, fmt.Errorf("okx balance: code %s: %s", resp.Code, resp.Msg)
	}
	for _, d := range resp.Data {
		for _, det := range d.Details {
			if det.Ccy != "USDT" {
				continue
			}
			total, err := decimal.NewFromString(det.Eq)
			if err != nil {
				return types.Margin{}, fmt.Errorf("okx balance eq: %w", err)
			}
			free, err := decimal.NewFromString(det.AvailEq)
			if err != nil {
				return types.Margin{}, fmt.Errorf("okx balance availEq: %w", err)
			}
			return types.Margin{Total: total, Free: free, Used: total.Sub(free)}, nil
		}
	}
	return types.Margin{}, fmt.Errorf("okx balance: no USDT detail")
}

type okxPositionsResp struct {
	okxEnvelope
	Data []struct {
		InstID  string `json:"instId"`
		MgnMode string `json:"mgnMode"`
		Pos     string `json:"pos"` // signed contract count
		AvgPx   string `json:"avgPx"`
		MarkPx  string `json:"markPx"`
	} `json:"data"`
}

// Positions returns cross-margin positions for the given canonical symbols.
// Symbols with no open position are absent from the result.
func (o *OKX) Positions(ctx context.Context, syms []string) (map[string]types.PositionStatus, error) {
	q := url.Values{"instType": {"SWAP"}}
	var resp okxPositionsResp
	if err := o.request(ctx, "GET", "/api/v5/account/positions", q, "", &resp); err != nil {
		return nil, err
	}
	if resp.Code != "0" {
		return nil, fmt.Errorf("okx positions: code %s: %s", resp.Code, resp.Msg)
	}

	want := make(map[string]bool, len(syms))
	for _, s := range syms {
		want[s] = true
	}

	out := make(map[string]types.PositionStatus)
	for _, d := range resp.Data {
		if d.MgnMode != "cross" {
			continue
		}
		symbol, ok := o.reg.Canonical(o.Name(), d.InstID)
		if !ok || !want[symbol] {
			continue
		}
		in, _ := o.reg.Instrument(o.Name(), symbol)
		pos, err := decimal.NewFromString(d.Pos)
		if err != nil {
			return nil, fmt.Errorf("okx position %s pos: %w", d.InstID, err)
		}
		if pos.IsZero() {
			continue
		}
		dir := types.Long
		if pos.IsNegative() {
			dir = types.Short
		}
		ps := types.PositionStatus{
			Direction: dir,
			Qty:       pos.Abs().Mul(in.BagSize()),
		}
		if d.AvgPx != "" {
			if avg, err := decimal.NewFromString(d.AvgPx); err == nil {
				ps.AvgPrice = avg.Div(in.Multiplier)
			}
		}
		if d.MarkPx != "" {
			if mark, err := decimal.NewFromString(d.MarkPx); err == nil {
				ps.MarkPrice = mark.Div(in.Multiplier)
			}
		}
		out[symbol] = ps
	}
	return out, nil
}

type okxFundingResp struct {
	okxEnvelope
	Data []struct {
		FundingRate string `json:"fundingRate"`
		FundingTime string `json:"fundingTime"`
	} `json:"data"`
}

// FundingRate fetches the current funding rate for a symbol.
func (o *OKX) FundingRate(ctx context.Context, symbol string) (types.FundingSnapshot, error) {
	in, ok := o.reg.Instrument(o.Name(), symbol)
	if !ok {
		return types.FundingSnapshot{}, fmt.Errorf("okx funding: unknown symbol %s", symbol)
	}
	q := url.Values{"instId": {in.Name}}
	var resp okxFundingResp
	if err := o.request(ctx, "GET", "/api/v5/public/funding-rate", q, "", &resp); err != nil {
		return types.FundingSnapshot{}, err
	}
	if resp.Code != "0" || len(resp.Data) == 0 {
		return types.FundingSnapshot{}, fmt.Errorf("okx funding %s: code %s: %s", symbol, resp.Code, resp.Msg)
	}
	rate, err := decimal.NewFromString(resp.Data[0].FundingRate)
	if err != nil {
		return types.FundingSnapshot{}, fmt.Errorf("okx funding rate: %w", err)
	}
	ts, err := decimal.NewFromString(resp.Data[0].FundingTime)
	if err != nil {
		return types.FundingSnapshot{}, fmt.Errorf("okx funding time: %w", err)
	}
	return types.FundingSnapshot{
		Venue:  o.Name(),
		Symbol: symbol,
		Rate:   rate,
		TS:     ts.IntPart(),
	}, nil
}

type okxOrderData struct {
	OrdID     string `json:"ordId"`
	ClOrdID   string `json:"clOrdId"`
	InstID    string `json:"instId"`
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	AccFillSz string `json:"accFillSz"`
	AvgPx     string `json:"avgPx"`
	State     string `json:"state"`
	Side      string `json:"side"`
	OrdType   string `json:"ordType"`
	CTime     string `json:"cTime"`
	UTime     string `json:"uTime"`
}

type okxOrdersResp struct {
	okxEnvelope
	Data []okxOrderData `json:"data"`
}

// normalizeOKXOrder converts a venue order payload to the canonical record.
func normalizeOKXOrder(reg *symbols.Registry, d okxOrderData) (types.Order, error) {
	symbol, ok := reg.Canonical(string(types.VenueOkx), d.InstID)
	if !ok {
		return types.Order{}, fmt.Errorf("okx order: unknown instrument %s", d.InstID)
	}
	in, _ := reg.Instrument(string(types.VenueOkx), symbol)
	bag := in.BagSize()

	order := types.Order{
		Venue:    string(types.VenueOkx),
		ID:       d.OrdID,
		ClientID: d.ClOrdID,
		Symbol:   symbol,
		Side:     types.Side(d.Side),
	}
	switch d.OrdType {
	case "market":
		order.Type = types.OrderTypeMarket
	default:
		order.Type = types.OrderTypeLimit
	}
	switch d.State {
	case "live":
		order.Status = types.OrderStatusNew
	case "partially_filled":
		order.Status = types.OrderStatusPartiallyFilled
	case "filled":
		order.Status = types.OrderStatusFilled
	case "canceled", "mmp_canceled":
		order.Status = types.OrderStatusCanceled
	default:
		order.Status = types.OrderStatus(d.State)
	}

	var err error
	if order.TS, err = parseMillis(d.CTime); err != nil {
		return types.Order{}, fmt.Errorf("okx order cTime: %w", err)
	}
	order.LastTradeTS, _ = parseMillis(d.UTime)

	if d.Px != "" {
		px, err := decimal.NewFromString(d.Px)
		if err != nil {
			return types.Order{}, fmt.Errorf("okx order px: %w", err)
		}
		order.Price = px.Div(in.Multiplier)
	}
	sz, err := decimal.NewFromString(d.Sz)
	if err != nil {
		return types.Order{}, fmt.Errorf("okx order sz: %w", err)
	}
	order.Amount = sz.Mul(bag)
	if d.AccFillSz != "" {
		fill, err := decimal.NewFromString(d.AccFillSz)
		if err != nil {
			return types.Order{}, fmt.Errorf("okx order accFillSz: %w", err)
		}
		order.Filled = fill.Mul(bag)
	}
	if d.AvgPx != "" {
		avg, err := decimal.NewFromString(d.AvgPx)
		if err == nil {
			order.AvgPrice = avg.Div(in.Multiplier)
			order.Cost = order.Filled.Mul(order.AvgPrice)
		}
	}
	return order, nil
}

func parseMillis(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.IntPart(), nil
}

// OpenOrders lists live orders for a symbol.
func (o *OKX) OpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	in, ok := o.reg.Instrument(o.Name(), symbol)
	if !ok {
		return nil, fmt.Errorf("okx open orders: unknown symbol %s", symbol)
	}
	q := url.Values{"instType": {"SWAP"}, "instId": {in.Name}}
	var resp okxOrdersResp
	if err := o.request(ctx, "GET", "/api/v5/trade/orders-pending", q, "", &resp); err != nil {
		return nil, err
	}
	if resp.Code != "0" {
		return nil, fmt.Errorf("okx open orders: code %s: %s", resp.Code, resp.Msg)
	}
	out := make([]types.Order, 0, len(resp.Data))
	for _, d := range resp.Data {
		order, err := normalizeOKXOrder(o.reg, d)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, nil
}

// FetchOrder reads one order authoritatively.
func (o *OKX) FetchOrder(ctx context.Context, symbol, orderID string) (*types.Order, error) {
	in, ok := o.reg.Instrument(o.Name(), symbol)
	if !ok {
		return nil, fmt.Errorf("okx fetch order: unknown symbol %s", symbol)
	}
	return retry1(ctx, 3, func() (*types.Order, error) {
		q := url.Values{"instId": {in.Name}, "ordId": {orderID}}
		var resp okxOrdersResp
		if err := o.request(ctx, "GET", "/api/v5/trade/order", q, "", &resp); err != nil {
			return nil, err
		}
		if resp.Code != "0" || len(resp.Data) == 0 {
			return nil, fmt.Errorf("okx fetch order %s: code %s: %s", orderID, resp.Code, resp.Msg)
		}
		order, err := normalizeOKXOrder(o.reg, resp.Data[0])
		if err != nil {
			return nil, err
		}
		return &order, nil
	})
}

// toContracts converts a canonical quantity to the integer contract count.
func (o *OKX) toContracts(in symbols.Instrument, qty decimal.Decimal) decimal.Decimal {
	return qty.Div(in.BagSize()).Floor()
}

func (o *OKX) placeOrder(ctx context.Context, symbol string, body map[string]string) (*types.Order, error) {
	in, ok := o.reg.Instrument(o.Name(), symbol)
	if !ok {
		return nil, fmt.Errorf("okx place: unknown symbol %s", symbol)
	}
	body["instId"] = in.Name
	body["tdMode"] = "cross"
	payload := jsonBody(body)

	var resp okxOrdersResp
	if err := o.request(ctx, "POST", "/api/v5/trade/order", nil, payload, &resp); err != nil {
		return nil, err
	}
	if resp.Code != "0" || len(resp.Data) == 0 {
		return nil, fmt.Errorf("okx place order: code %s: %s", resp.Code, resp.Msg)
	}
	if resp.Data[0].OrdID == "" {
		return nil, fmt.Errorf("okx place order: no order id in response")
	}
	// The placement response carries only ids; fetch the full record.
	return o.FetchOrder(ctx, symbol, resp.Data[0].OrdID)
}

// PlaceLimitPostOnly posts a passive maker order. Price is canonical and is
// scaled back to venue units; qty is converted to contracts.
func (o *OKX) PlaceLimitPostOnly(ctx context.Context, symbol string, side types.Side, qty, price decimal.Decimal, clientID string) (*types.Order, error) {
	in, ok := o.reg.Instrument(o.Name(), symbol)
	if !ok {
		return nil, fmt.Errorf("okx place: unknown symbol %s", symbol)
	}
	sz := o.toContracts(in, qty)
	if sz.IsZero() {
		return nil, fmt.Errorf("okx place: qty %s below one contract for %s", qty, symbol)
	}
	return o.placeOrder(ctx, symbol, map[string]string{
		"clOrdId": clientID,
		"side":    string(side),
		"ordType": "post_only",
		"px":      price.Mul(in.Multiplier).String(),
		"sz":      sz.String(),
	})
}

// PlaceMarket fires an aggressive market order.
func (o *OKX) PlaceMarket(ctx context.Context, symbol string, side types.Side, qty decimal.Decimal, clientID string, reduceOnly bool) (*types.Order, error) {
	in, ok := o.reg.Instrument(o.Name(), symbol)
	if !ok {
		return nil, fmt.Errorf("okx place: unknown symbol %s", symbol)
	}
	sz := o.toContracts(in, qty)
	if sz.IsZero() {
		return nil, fmt.Errorf("okx place: qty %s below one contract for %s", qty, symbol)
	}
	body := map[string]string{
		"clOrdId": clientID,
		"side":    string(side),
		"ordType": "market",
		"sz":      sz.String(),
	}
	if reduceOnly {
		body["reduceOnly"] = "true"
	}
	return o.placeOrder(ctx, symbol, body)
}

type okxCancelResp struct {
	okxEnvelope
	Data []struct {
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	} `json:"data"`
}

// CancelOrder cancels an order, treating already-gone as success.
func (o *OKX) CancelOrder(ctx context.Context, symbol, orderID string) error {
	in, ok := o.reg.Instrument(o.Name(), symbol)
	if !ok {
		return fmt.Errorf("okx cancel: unknown symbol %s", symbol)
	}
	return withRetry(ctx, 3, func() error {
		payload := jsonBody(map[string]string{"instId": in.Name, "ordId": orderID})
		var resp okxCancelResp
		if err := o.request(ctx, "POST", "/api/v5/trade/cancel-order", nil, payload, &resp); err != nil {
			return err
		}
		if resp.Code == "0" || okxCancelOKCodes[resp.Code] {
			return nil
		}
		// Per-order error codes arrive inside the data array.
		if len(resp.Data) > 0 && okxCancelOKCodes[resp.Data[0].SCode] {
			return nil
		}
		return fmt.Errorf("okx cancel %s: code %s: %s", orderID, resp.Code, resp.Msg)
	})
}

// PrepareSymbol disables hedged mode and applies cross leverage.
func (o *OKX) PrepareSymbol(ctx context.Context, symbol string, leverage int) error {
	in, ok := o.reg.Instrument(o.Name(), symbol)
	if !ok {
		return fmt.Errorf("okx prepare: unknown symbol %s", symbol)
	}

	var modeResp okxOrdersResp
	payload := jsonBody(map[string]string{"posMode": "net_mode"})
	if err := o.request(ctx, "POST", "/api/v5/account/set-position-mode", nil, payload, &modeResp); err != nil {
		return err
	}
	// 59000: mode already set while positions are open; leave it alone.
	if modeResp.Code != "0" && modeResp.Code != "59000" {
		return fmt.Errorf("okx set position mode: code %s: %s", modeResp.Code, modeResp.Msg)
	}

	var levResp okxOrdersResp
	payload = jsonBody(map[string]string{
		"instId":  in.Name,
		"lever":   fmt.Sprintf("%d", leverage),
		"mgnMode": "cross",
	})
	if err := o.request(ctx, "POST", "/api/v5/account/set-leverage", nil, payload, &levResp); err != nil {
		return err
	}
	if levResp.Code != "0" {
		return fmt.Errorf("okx set leverage %s: code %s: %s", symbol, levResp.Code, levResp.Msg)
	}
	return nil
}

type okxStatusResp struct {
	okxEnvelope
	Data []struct {
		State string `json:"state"`
	} `json:"data"`
}

// Healthy reports false while a maintenance window is ongoing.
func (o *OKX) Healthy(ctx context.Context) (bool, error) {
	q := url.Values{"state": {"ongoing"}}
	var resp okxStatusResp
	if err := o.request(ctx, "GET", "/api/v5/system/status", q, "", &resp); err != nil {
		return false, err
	}
	if resp.Code != "0" {
		return false, fmt.Errorf("okx status: code %s: %s", resp.Code, resp.Msg)
	}
	return len(resp.Data) == 0, nil
}

// jsonBody renders a flat string map as a JSON object with stable quoting.
func jsonBody(m map[string]string) string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for k, v := range m {
		if !first {
			b.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&b, "%q:%q", k, v)
	}
	b.WriteByte('}')
	return b.String()
}
