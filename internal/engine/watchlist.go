package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"tradedesk/internal/model"
)

// DefaultWatchlist is the simulation starting set, priced at the previous
// session's levels.
func DefaultWatchlist() []model.Instrument {
	d := decimal.RequireFromString
	return []model.Instrument{
		{Symbol: "AAPL", Name: "Apple Inc.", Class: model.AssetEquity, Last: d("189.45"), Bid: d("189.41"), Ask: d("189.49"), RefPrice: d("187.13")},
		{Symbol: "MSFT", Name: "Microsoft Corp.", Class: model.AssetEquity, Last: d("420.55"), Bid: d("420.50"), Ask: d("420.60"), RefPrice: d("417.00")},
		{Symbol: "NVDA", Name: "Nvidia Corp.", Class: model.AssetEquity, Last: d("950.02"), Bid: d("949.90"), Ask: d("950.14"), RefPrice: d("953.07")},
		{Symbol: "TSLA", Name: "Tesla Inc.", Class: model.AssetEquity, Last: d("175.30"), Bid: d("175.25"), Ask: d("175.35"), RefPrice: d("177.97")},
		{Symbol: "EUR/USD", Name: "Euro / US Dollar", Class: model.AssetFX, Last: d("1.0850"), Bid: d("1.0849"), Ask: d("1.0851"), RefPrice: d("1.0830")},
		{Symbol: "GBP/USD", Name: "British Pound", Class: model.AssetFX, Last: d("1.2640"), Bid: d("1.2639"), Ask: d("1.2641"), RefPrice: d("1.2612")},
		{Symbol: "USD/JPY", Name: "US Dollar / Japanese Yen", Class: model.AssetFX, Last: d("154.50"), Bid: d("154.48"), Ask: d("154.52"), RefPrice: d("154.27")},
	}
}

// normalizeSymbol trims and upper-cases a ticker.
func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// watchlist holds the desk's instruments in insertion order plus the
// current selection.
type watchlist struct {
	mu       sync.RWMutex
	items    map[string]*model.Instrument
	order    []string
	selected string
}

func newWatchlist() *watchlist {
	return &watchlist{items: make(map[string]*model.Instrument)}
}

func (w *watchlist) add(inst model.Instrument) (model.Instrument, error) {
	inst.Symbol = normalizeSymbol(inst.Symbol)
	if inst.Symbol == "" {
		return model.Instrument{}, fmt.Errorf("%w: symbol is required", model.ErrValidation)
	}
	if inst.Class == "" {
		inst.Class = model.ClassifySymbol(inst.Symbol)
	}
	if inst.Name == "" {
		inst.Name = inst.Symbol
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.items[inst.Symbol]; ok {
		return model.Instrument{}, fmt.Errorf("%w: %s is already on the watchlist", model.ErrConflict, inst.Symbol)
	}
	w.items[inst.Symbol] = &inst
	w.order = append(w.order, inst.Symbol)
	return inst, nil
}

// remove drops symbol and clears the selection if it pointed there.
func (w *watchlist) remove(symbol string) (model.Instrument, error) {
	symbol = normalizeSymbol(symbol)
	w.mu.Lock()
	defer w.mu.Unlock()
	inst, ok := w.items[symbol]
	if !ok {
		return model.Instrument{}, fmt.Errorf("%w: instrument %s", model.ErrNotFound, symbol)
	}
	delete(w.items, symbol)
	for i, s := range w.order {
		if s == symbol {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
	if w.selected == symbol {
		w.selected = ""
	}
	return *inst, nil
}

func (w *watchlist) quote(symbol string, last, bid, ask decimal.Decimal) (model.Instrument, error) {
	symbol = normalizeSymbol(symbol)
	if !last.IsPositive() {
		return model.Instrument{}, fmt.Errorf("%w: last price must be positive", model.ErrValidation)
	}
	if bid.IsNegative() || ask.IsNegative() || (bid.IsPositive() && ask.IsPositive() && bid.GreaterThan(ask)) {
		return model.Instrument{}, fmt.Errorf("%w: crossed or negative quote %s/%s", model.ErrValidation, bid, ask)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	inst, ok := w.items[symbol]
	if !ok {
		return model.Instrument{}, fmt.Errorf("%w: instrument %s", model.ErrNotFound, symbol)
	}
	if inst.RefPrice.IsZero() {
		inst.RefPrice = last
	}
	inst.Last, inst.Bid, inst.Ask = last, bid, ask
	return *inst, nil
}

func (w *watchlist) get(symbol string) (model.Instrument, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	inst, ok := w.items[normalizeSymbol(symbol)]
	if !ok {
		return model.Instrument{}, false
	}
	return *inst, true
}

func (w *watchlist) list() []model.Instrument {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]model.Instrument, 0, len(w.order))
	for _, s := range w.order {
		out = append(out, *w.items[s])
	}
	return out
}

// marks returns the last price of every priced instrument.
func (w *watchlist) marks() map[string]decimal.Decimal {
	w.mu.RLock()
	defer w.mu.RUnlock()
	m := make(map[string]decimal.Decimal, len(w.items))
	for s, inst := range w.items {
		if inst.Last.IsPositive() {
			m[s] = inst.Last
		}
	}
	return m
}

func (w *watchlist) selectSymbol(symbol string) (model.Instrument, error) {
	symbol = normalizeSymbol(symbol)
	w.mu.Lock()
	defer w.mu.Unlock()
	inst, ok := w.items[symbol]
	if !ok {
		return model.Instrument{}, fmt.Errorf("%w: instrument %s", model.ErrNotFound, symbol)
	}
	w.selected = symbol
	return *inst, nil
}

func (w *watchlist) current() (model.Instrument, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.selected == "" {
		return model.Instrument{}, false
	}
	return *w.items[w.selected], true
}

// search matches symbol prefixes first, then names containing the query.
func (w *watchlist) search(query string) []model.Contract {
	q := normalizeSymbol(query)
	w.mu.RLock()
	defer w.mu.RUnlock()
	var prefix, named []model.Contract
	for _, s := range w.order {
		inst := w.items[s]
		switch {
		case strings.HasPrefix(s, q) || strings.HasPrefix(strings.ReplaceAll(s, "/", "."), q):
			prefix = append(prefix, contractFor(inst))
		case strings.Contains(strings.ToUpper(inst.Name), q):
			named = append(named, contractFor(inst))
		}
	}
	return append(prefix, named...)
}

func contractFor(inst *model.Instrument) model.Contract {
	secType := "STK"
	switch inst.Class {
	case model.AssetFX:
		secType = "CASH"
	case model.AssetRates:
		secType = "BOND"
	}
	return model.Contract{
		Symbol:      inst.Symbol,
		Description: inst.Name,
		SecType:     secType,
		Exchange:    "SIM",
		Class:       inst.Class,
	}
}
