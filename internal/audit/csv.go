// Package audit appends one CSV row per completed order loop. The file is
// the only durable trade record the engine keeps.
package audit

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

var header = []string{
	"ts",
	"symbol",
	"maker_venue",
	"maker_side",
	"maker_price",
	"post_qty",
	"taker_venue",
	"taker_side",
	"taker_price",
	"cancel_threshold",
	"is_reduce",
	"status",
	"filled_qty",
	"followed_qty",
	"avg_price",
	"maker_order_id",
	"maker_client_id",
}

// Row is one completed order loop.
type Row struct {
	Signal      types.OrderSignal
	Status      string // dealt | cleared | maker_order_failed
	FilledQty   decimal.Decimal
	FollowedQty decimal.Decimal
	AvgPrice    decimal.Decimal
	OrderID     string
	ClientID    string
}

// Writer appends rows to the order-loop CSV, writing the header when it
// creates the file.
type Writer struct {
	mu   sync.Mutex
	path string
}

// NewWriter prepares the CSV at path, creating parent directories and the
// header as needed.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit dir: %w", err)
	}
	w := &Writer{path: path}
	info, err := os.Stat(path)
	if err == nil && info.Size() > 0 {
		return w, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("audit stat: %w", err)
	}
	if err := w.write(header); err != nil {
		return nil, err
	}
	return w, nil
}

// Append writes one row. Failures are returned, not fatal; the caller logs
// and moves on.
func (w *Writer) Append(row Row) error {
	s := row.Signal
	return w.write([]string{
		time.Now().Format(time.RFC3339),
		s.Symbol,
		s.MakerVenue,
		string(s.MakerSide),
		s.MakerPrice.String(),
		s.MakerQty.String(),
		s.TakerVenue,
		string(s.TakerSide),
		s.TakerPrice.String(),
		s.CancelOrderThreshold.String(),
		strconv.FormatBool(s.IsReducePosition),
		row.Status,
		row.FilledQty.String(),
		row.FollowedQty.String(),
		row.AvgPrice.String(),
		row.OrderID,
		row.ClientID,
	})
}

func (w *Writer) write(record []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit open: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write(record); err != nil {
		return fmt.Errorf("audit write: %w", err)
	}
	cw.Flush()
	return cw.Error()
}
