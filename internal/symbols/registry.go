// Package symbols maps canonical symbols (e.g. "BNB/USDT") to each venue's
// native instrument and carries the per-instrument sizing data needed to
// convert between venue-native amounts and canonical base units.
//
// The okx family sizes orders in integer contracts of contract_size units;
// the binance family uses fractional quantities at a fixed precision, and may
// quote a scaled unit ("1000PEPEUSDT"), recorded as the multiplier. The bag
// size, contract_size × multiplier, is the canonical size of one native
// contract.
package symbols

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/deFang/orderbook-arbtraguer/internal/config"
	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

// Instrument is one venue's view of a canonical symbol.
type Instrument struct {
	Name       string          // venue-native instrument id
	Multiplier decimal.Decimal // canonical units per quoted unit, ≥ 1

	// Hydrated from venue market metadata at startup.
	ContractSize decimal.Decimal // okx family: canonical units per contract
	QtyPrecision int32           // binance family: decimals of the quoted qty
	MinQty       decimal.Decimal // canonical minimum order quantity
}

// BagSize is the canonical size of one native contract.
func (in Instrument) BagSize() decimal.Decimal {
	cs := in.ContractSize
	if cs.IsZero() {
		cs = decimal.NewFromInt(1)
	}
	return cs.Mul(in.Multiplier)
}

// Registry is the immutable-after-startup symbol table. Hydrate and Drop are
// the only mutations and run during the startup market load, before any
// worker starts; a mutex still guards them so tests can hydrate concurrently
// with reads.
type Registry struct {
	mu      sync.RWMutex
	symbols map[string]map[string]*Instrument // canonical → venue → instrument
	byNat   map[string]string                 // "venue:native" → canonical
}

// NewRegistry builds the table from config. Every configured trading symbol
// must resolve on both venues; a mapping miss is an error for that symbol.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	r := &Registry{
		symbols: make(map[string]map[string]*Instrument),
		byNat:   make(map[string]string),
	}

	for _, sc := range cfg.Symbols {
		names, ok := cfg.SymbolNames[sc.SymbolName]
		if !ok {
			return nil, fmt.Errorf("symbol %s: no symbol_name_datas entry", sc.SymbolName)
		}
		okx, err := parseEntry(names.Okex)
		if err != nil {
			return nil, fmt.Errorf("symbol %s: okex: %w", sc.SymbolName, err)
		}
		bin, err := parseEntry(names.Binance)
		if err != nil {
			return nil, fmt.Errorf("symbol %s: binance: %w", sc.SymbolName, err)
		}

		r.symbols[sc.SymbolName] = map[string]*Instrument{
			string(types.VenueOkx):     okx,
			string(types.VenueBinance): bin,
		}
		r.byNat[string(types.VenueOkx)+":"+okx.Name] = sc.SymbolName
		r.byNat[string(types.VenueBinance)+":"+bin.Name] = sc.SymbolName
	}
	return r, nil
}

// parseEntry accepts either "NATIVE-NAME" or {"name": ..., "multiplier": ...}.
func parseEntry(v any) (*Instrument, error) {
	switch e := v.(type) {
	case string:
		if e == "" {
			return nil, fmt.Errorf("empty native name")
		}
		return &Instrument{Name: e, Multiplier: decimal.NewFromInt(1)}, nil
	case map[string]any:
		name, _ := e["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("entry object missing name")
		}
		mult := decimal.NewFromInt(1)
		switch m := e["multiplier"].(type) {
		case float64:
			mult = decimal.NewFromFloat(m)
		case int:
			mult = decimal.NewFromInt(int64(m))
		case string:
			d, err := decimal.NewFromString(m)
			if err != nil {
				return nil, fmt.Errorf("bad multiplier %q: %w", m, err)
			}
			mult = d
		case nil:
		default:
			return nil, fmt.Errorf("bad multiplier type %T", m)
		}
		if mult.LessThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("multiplier must be >= 1, got %s", mult)
		}
		return &Instrument{Name: name, Multiplier: mult}, nil
	default:
		return nil, fmt.Errorf("unsupported entry type %T", v)
	}
}

// Symbols returns the canonical symbols in the registry.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.symbols))
	for s := range r.symbols {
		out = append(out, s)
	}
	return out
}

// Instrument returns the venue's instrument for a canonical symbol.
func (r *Registry) Instrument(venue, symbol string) (Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.symbols[symbol][venue]
	if !ok {
		return Instrument{}, false
	}
	return *in, true
}

// Canonical resolves a venue-native instrument name back to the canonical
// symbol.
func (r *Registry) Canonical(venue, native string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byNat[venue+":"+native]
	return s, ok
}

// Hydrate fills venue market metadata for one instrument. Called once per
// venue at startup after fetching market definitions.
func (r *Registry) Hydrate(venue, symbol string, contractSize decimal.Decimal, qtyPrecision int32, minQty decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.symbols[symbol][venue]
	if !ok {
		return fmt.Errorf("hydrate: unknown %s on %s", symbol, venue)
	}
	in.ContractSize = contractSize
	in.QtyPrecision = qtyPrecision
	in.MinQty = minQty
	return nil
}

// Drop removes a symbol from the trading set, both directions. Used when a
// venue does not list the configured instrument: the miss is fatal for that
// symbol only, and the remaining symbols keep trading.
func (r *Registry) Drop(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for venue, in := range r.symbols[symbol] {
		delete(r.byNat, venue+":"+in.Name)
	}
	delete(r.symbols, symbol)
}

// AlignQty rounds a canonical quantity down to the venue's representable
// grid and returns the aligned quantity plus the remainder. Idempotent:
// aligning an aligned quantity returns it unchanged with zero remainder.
func (r *Registry) AlignQty(venue, symbol string, qty decimal.Decimal) (aligned, remainder decimal.Decimal) {
	in, ok := r.Instrument(venue, symbol)
	if !ok {
		return decimal.Zero, qty
	}
	switch types.VenueKind(venue) {
	case types.VenueOkx:
		bag := in.BagSize()
		if bag.IsZero() {
			return decimal.Zero, qty
		}
		contracts := qty.Div(bag).Floor()
		aligned = contracts.Mul(bag)
	case types.VenueBinance:
		quoted := qty.Div(in.Multiplier)
		aligned = quoted.RoundDown(in.QtyPrecision).Mul(in.Multiplier)
	default:
		return decimal.Zero, qty
	}
	return aligned, qty.Sub(aligned)
}

// AlignQtyBoth aligns to the coarser of the two venues' grids so the result
// is representable on both.
func (r *Registry) AlignQtyBoth(symbol string, qty decimal.Decimal) decimal.Decimal {
	a, _ := r.AlignQty(string(types.VenueOkx), symbol, qty)
	b, _ := r.AlignQty(string(types.VenueBinance), symbol, qty)
	if a.LessThan(b) {
		return a
	}
	return b
}

// MinQty returns the venue's canonical minimum order quantity.
func (r *Registry) MinQty(venue, symbol string) decimal.Decimal {
	in, ok := r.Instrument(venue, symbol)
	if !ok {
		return decimal.Zero
	}
	return in.MinQty
}

// MaxMinQty returns the larger of the two venues' minimums, the smallest
// quantity tradeable on both sides.
func (r *Registry) MaxMinQty(symbol string) decimal.Decimal {
	a := r.MinQty(string(types.VenueOkx), symbol)
	b := r.MinQty(string(types.VenueBinance), symbol)
	if a.GreaterThan(b) {
		return a
	}
	return b
}
