package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// AssetClass groups instruments by how they are quoted and settled.
type AssetClass string

const (
	AssetEquity AssetClass = "EQUITY"
	AssetFX     AssetClass = "FX"
	AssetRates  AssetClass = "RATES"
)

// DefaultCurrency is used for single-currency instruments with no explicit currency.
const DefaultCurrency = "USD"

// Instrument represents a symbol on the desk watchlist.
type Instrument struct {
	Symbol   string          `json:"symbol"`
	Name     string          `json:"name"`
	Class    AssetClass      `json:"asset_class"`
	Currency string          `json:"currency,omitempty"` // ignored for FX pairs
	Last     decimal.Decimal `json:"last"`
	Bid      decimal.Decimal `json:"bid"`
	Ask      decimal.Decimal `json:"ask"`
	RefPrice decimal.Decimal `json:"ref_price"` // previous close, base for ChangePct
}

// ClassifySymbol infers an asset class from the ticker pattern.
// "EUR/USD" is FX, "US10Y" is RATES, everything else is EQUITY.
func ClassifySymbol(symbol string) AssetClass {
	if strings.Contains(symbol, "/") {
		return AssetFX
	}
	if len(symbol) > 2 && strings.HasPrefix(symbol, "US") && symbol[2] >= '0' && symbol[2] <= '9' {
		return AssetRates
	}
	return AssetEquity
}

// PrecisionFor returns display decimal places for an asset class.
func PrecisionFor(class AssetClass) int32 {
	switch class {
	case AssetFX:
		return 4
	case AssetRates:
		return 3
	default:
		return 2
	}
}

// Precision returns the display precision for this instrument.
func (i *Instrument) Precision() int32 {
	return PrecisionFor(i.Class)
}

// Currencies returns every currency whose calendar affects settlement.
func (i *Instrument) Currencies() []string {
	return CurrenciesFor(i.Symbol, i.Currency)
}

// CurrenciesFor splits an FX pair into both legs, otherwise returns ccy
// (or DefaultCurrency when empty).
func CurrenciesFor(symbol, ccy string) []string {
	if base, quote, ok := strings.Cut(symbol, "/"); ok {
		return []string{strings.ToUpper(base), strings.ToUpper(quote)}
	}
	if ccy == "" {
		ccy = DefaultCurrency
	}
	return []string{ccy}
}

// ChangePct returns the percentage move of Last versus RefPrice.
func (i *Instrument) ChangePct() decimal.Decimal {
	if i.RefPrice.IsZero() {
		return decimal.Zero
	}
	return i.Last.Sub(i.RefPrice).Div(i.RefPrice).Mul(decimal.NewFromInt(100)).Round(2)
}

// Contract is a venue contract matched by a symbol search.
type Contract struct {
	ConID       int64      `json:"conid"`
	Symbol      string     `json:"symbol"`
	Description string     `json:"description,omitempty"`
	SecType     string     `json:"sec_type,omitempty"`
	Exchange    string     `json:"exchange,omitempty"`
	Class       AssetClass `json:"asset_class,omitempty"`
}
