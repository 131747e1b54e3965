package audit

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

func TestWriterHeaderAndRows(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out", "order_loop.csv")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	row := Row{
		Signal: types.OrderSignal{
			Symbol:     "BNB/USDT",
			MakerVenue: "okex",
			MakerSide:  types.Buy,
			MakerPrice: decimal.NewFromFloat(100.00),
			MakerQty:   decimal.NewFromInt(5),
			TakerVenue: "binance",
			TakerSide:  types.Sell,
			TakerPrice: decimal.NewFromFloat(100.15),
		},
		Status:      "dealt",
		FilledQty:   decimal.NewFromInt(5),
		FollowedQty: decimal.NewFromInt(5),
		OrderID:     "123",
		ClientID:    "crTmkoT1700000000000",
	}
	if err := w.Append(row); err != nil {
		t.Fatalf("Append: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want header + 1 row", len(records))
	}
	if records[0][0] != "ts" || records[0][1] != "symbol" {
		t.Errorf("header = %v", records[0][:2])
	}
	got := records[1]
	if got[1] != "BNB/USDT" || got[11] != "dealt" || got[16] != "crTmkoT1700000000000" {
		t.Errorf("row = %v", got)
	}
}

func TestWriterDoesNotRepeatHeader(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "order_loop.csv")
	if _, err := NewWriter(path); err != nil {
		t.Fatal(err)
	}
	// Reopening an existing non-empty file keeps the single header.
	w, err := NewWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(Row{Signal: types.OrderSignal{Symbol: "BNB/USDT"}, Status: "cleared"}); err != nil {
		t.Fatal(err)
	}

	f, _ := os.Open(path)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want single header + 1 row", len(records))
	}
}
