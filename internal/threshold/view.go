// Package threshold computes and publishes the per-symbol trigger levels the
// signal generator trades against: static config seeds, biased by the
// cross-venue funding differential, optionally widened by a rolling spread
// statistic over recent aggregated ticks.
package threshold

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

const (
	// spreadWindow is how far back tick samples count toward the statistic.
	spreadWindow = 10 * time.Minute

	// sameVenueGap drops consecutive ticks from one trigger venue arriving
	// within this gap; they re-sample the same book move.
	sameVenueGap = 100 * time.Millisecond
)

type spreadSample struct {
	ts  int64
	bid decimal.Decimal // maker.bid0 / taker.bid0 − 1
	ask decimal.Decimal // maker.ask0 / taker.ask0 − 1
}

type lastTick struct {
	venue string
	ts    int64
}

// SpreadStats is the mean and standard deviation of one side's relative
// spread over the window.
type SpreadStats struct {
	Mean   decimal.Decimal
	Stddev decimal.Decimal
}

// SpreadWindow accumulates maker-vs-taker spread samples per symbol.
type SpreadWindow struct {
	mu      sync.Mutex
	samples map[string][]spreadSample
	last    map[string]lastTick
}

// NewSpreadWindow creates an empty window.
func NewSpreadWindow() *SpreadWindow {
	return &SpreadWindow{
		samples: make(map[string][]spreadSample),
		last:    make(map[string]lastTick),
	}
}

// Observe folds one aggregated tick into the window. Ticks with an empty
// book side are skipped; so are same-venue re-triggers within sameVenueGap.
func (w *SpreadWindow) Observe(tick types.AggregatedTick, makerVenue, takerVenue string) {
	maker, okM := tick.Books[makerVenue]
	taker, okT := tick.Books[takerVenue]
	if !okM || !okT {
		return
	}
	if len(maker.Bids) == 0 || len(maker.Asks) == 0 || len(taker.Bids) == 0 || len(taker.Asks) == 0 {
		return
	}
	if taker.Bids[0].Price.IsZero() || taker.Asks[0].Price.IsZero() {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if prev, ok := w.last[tick.Symbol]; ok &&
		prev.venue == tick.TriggerVenue &&
		tick.TS-prev.ts < sameVenueGap.Milliseconds() {
		return
	}
	w.last[tick.Symbol] = lastTick{venue: tick.TriggerVenue, ts: tick.TS}

	one := decimal.NewFromInt(1)
	w.samples[tick.Symbol] = append(w.samples[tick.Symbol], spreadSample{
		ts:  tick.TS,
		bid: maker.Bids[0].Price.Div(taker.Bids[0].Price).Sub(one),
		ask: maker.Asks[0].Price.Div(taker.Asks[0].Price).Sub(one),
	})
}

// Stats returns bid-side and ask-side statistics over the window ending at
// now, evicting expired samples. ok is false when fewer than two samples
// remain.
func (w *SpreadWindow) Stats(symbol string, now time.Time) (bid, ask SpreadStats, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-spreadWindow).UnixMilli()
	kept := w.samples[symbol][:0]
	for _, s := range w.samples[symbol] {
		if s.ts >= cutoff {
			kept = append(kept, s)
		}
	}
	w.samples[symbol] = kept

	if len(kept) < 2 {
		return SpreadStats{}, SpreadStats{}, false
	}

	bids := make([]decimal.Decimal, len(kept))
	asks := make([]decimal.Decimal, len(kept))
	for i, s := range kept {
		bids[i] = s.bid
		asks[i] = s.ask
	}
	return meanStddev(bids), meanStddev(asks), true
}

// meanStddev computes μ and σ. The mean stays in decimal; the square root
// goes through float64, which is fine for a statistic only used to widen
// thresholds.
func meanStddev(xs []decimal.Decimal) SpreadStats {
	n := decimal.NewFromInt(int64(len(xs)))
	sum := decimal.Zero
	for _, x := range xs {
		sum = sum.Add(x)
	}
	mean := sum.Div(n)

	varSum := decimal.Zero
	for _, x := range xs {
		d := x.Sub(mean)
		varSum = varSum.Add(d.Mul(d))
	}
	variance, _ := varSum.Div(n).Float64()
	return SpreadStats{
		Mean:   mean,
		Stddev: decimal.NewFromFloat(math.Sqrt(variance)),
	}
}
