package portfolio

import "github.com/shopspring/decimal"

// PnLSummary is a point-in-time P&L view.
type PnLSummary struct {
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	OpenPositions int             `json:"open_positions"`
}

// Summary computes realized and unrealized P&L.
// marks maps symbol -> latest price; symbols without a mark contribute no
// unrealized P&L.
func (l *Ledger) Summary(marks map[string]decimal.Decimal) PnLSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var s PnLSummary
	for sym, p := range l.positions {
		s.RealizedPnL = s.RealizedPnL.Add(p.RealizedPnL)
		if p.Flat() {
			continue
		}
		s.OpenPositions++
		if mark, ok := marks[sym]; ok {
			s.UnrealizedPnL = s.UnrealizedPnL.Add(p.UnrealizedPnL(mark))
		}
	}
	s.TotalPnL = s.RealizedPnL.Add(s.UnrealizedPnL)
	return s
}

// UnrealizedPnL returns the mark-to-market P&L of one symbol.
func (l *Ledger) UnrealizedPnL(symbol string, mark decimal.Decimal) decimal.Decimal {
	p, _ := l.Position(symbol)
	return p.UnrealizedPnL(mark)
}
