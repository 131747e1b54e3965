package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/deFang/orderbook-arbtraguer/internal/config"
	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

type fakeStore struct {
	pingErr   error
	margins   map[string]*types.Margin
	positions map[string]*types.PositionStatus
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) GetMargin(_ context.Context, venue string) (*types.Margin, error) {
	return f.margins[venue], nil
}

func (f *fakeStore) GetPosition(_ context.Context, venue, symbol string) (*types.PositionStatus, error) {
	return f.positions[venue+":"+symbol], nil
}

func testServer(fs *fakeStore) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(config.APIConfig{Port: 0}, fs, []string{"BNB/USDT"}, logger)
}

func TestHandleBalance(t *testing.T) {
	t.Parallel()

	s := testServer(&fakeStore{
		margins: map[string]*types.Margin{
			"okex": {Used: decimal.NewFromInt(10), Free: decimal.NewFromInt(90), Total: decimal.NewFromInt(100)},
		},
	})
	rec := httptest.NewRecorder()
	s.handleBalance(rec, httptest.NewRequest(http.MethodGet, "/get_balance", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got map[string]*types.Margin
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["okex"] == nil || !got["okex"].Total.Equal(decimal.NewFromInt(100)) {
		t.Errorf("okex margin = %+v", got["okex"])
	}
	if got["binance"] != nil {
		t.Errorf("binance margin = %+v, want null before first refresh", got["binance"])
	}
}

func TestHandlePositionsOmitsFlat(t *testing.T) {
	t.Parallel()

	s := testServer(&fakeStore{
		positions: map[string]*types.PositionStatus{
			"okex:BNB/USDT": {Direction: types.Long, Qty: decimal.NewFromInt(3)},
		},
	})
	rec := httptest.NewRecorder()
	s.handlePositions(rec, httptest.NewRequest(http.MethodGet, "/positions", nil))

	var got map[string]map[string]*types.PositionStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["okex"]["BNB/USDT"] == nil {
		t.Error("okex position missing")
	}
	if len(got["binance"]) != 0 {
		t.Errorf("binance positions = %v, want empty", got["binance"])
	}
}

func TestHandleHealthDegraded(t *testing.T) {
	t.Parallel()

	s := testServer(&fakeStore{pingErr: errors.New("redis down")})
	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
