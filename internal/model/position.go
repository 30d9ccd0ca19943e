package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the per-symbol net exposure kept by the ledger.
// At most one of Long/Short is non-zero; Cost is the average entry price of
// whichever side is open and resets to zero when flat.
type Position struct {
	Symbol      string          `json:"symbol"`
	Long        int64           `json:"long"`
	Short       int64           `json:"short"`
	Cost        decimal.Decimal `json:"cost"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	LastSettle  time.Time       `json:"last_settle,omitempty"`
}

// Net returns long minus short.
func (p *Position) Net() int64 { return p.Long - p.Short }

// Flat reports whether nothing is open.
func (p *Position) Flat() bool { return p.Long == 0 && p.Short == 0 }

// UnrealizedPnL computes (mark - cost) * net.
func (p *Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if p.Flat() {
		return decimal.Zero
	}
	return mark.Sub(p.Cost).Mul(decimal.NewFromInt(p.Net()))
}
