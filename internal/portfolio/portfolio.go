// Package portfolio keeps the per-symbol position ledger with weighted-average
// cost accounting and explicit realized P&L.
package portfolio

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/model"
)

// FillResult describes the effect of one fill on a position.
type FillResult struct {
	Position model.Position  `json:"position"`
	Realized decimal.Decimal `json:"realized"` // P&L of the closing portion
	Closed   int64           `json:"closed"`   // quantity that reduced the existing side
	Opened   int64           `json:"opened"`   // quantity that opened/extended a side
	Flipped  bool            `json:"flipped"`  // closed one side and opened the other
}

// Ledger owns every position. All mutations go through ApplyFill.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]*model.Position
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{
		positions: make(map[string]*model.Position),
	}
}

// ApplyFill books a fill against the symbol's position.
//
// The opposite side is reduced first without touching cost (a cover/close);
// any remaining quantity opens or extends the fill's side using a weighted
// average. Cost resets to zero once both sides are flat.
func (l *Ledger) ApplyFill(symbol string, side model.Side, qty int64, price decimal.Decimal) (FillResult, error) {
	if qty <= 0 {
		return FillResult{}, fmt.Errorf("%w: fill quantity must be positive, got %d", model.ErrValidation, qty)
	}
	if !price.IsPositive() {
		return FillResult{}, fmt.Errorf("%w: fill price must be positive, got %s", model.ErrValidation, price)
	}
	if !side.Valid() {
		return FillResult{}, fmt.Errorf("%w: invalid side %q", model.ErrValidation, side)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if !ok {
		pos = &model.Position{Symbol: symbol}
		l.positions[symbol] = pos
	}

	var res FillResult
	remaining := qty

	if side == model.SideBuy {
		cover := min64(pos.Short, remaining)
		if cover > 0 {
			res.Realized = pos.Cost.Sub(price).Mul(decimal.NewFromInt(cover))
			pos.Short -= cover
			remaining -= cover
			res.Closed = cover
		}
		if remaining > 0 {
			pos.Cost = weighted(pos.Long, pos.Cost, remaining, price)
			pos.Long += remaining
			res.Opened = remaining
		}
	} else {
		sell := min64(pos.Long, remaining)
		if sell > 0 {
			res.Realized = price.Sub(pos.Cost).Mul(decimal.NewFromInt(sell))
			pos.Long -= sell
			remaining -= sell
			res.Closed = sell
		}
		if remaining > 0 {
			pos.Cost = weighted(pos.Short, pos.Cost, remaining, price)
			pos.Short += remaining
			res.Opened = remaining
		}
	}

	if pos.Flat() {
		pos.Cost = decimal.Zero
	}
	pos.RealizedPnL = pos.RealizedPnL.Add(res.Realized)
	res.Flipped = res.Closed > 0 && res.Opened > 0
	res.Position = *pos
	return res, nil
}

// weighted returns (held*cost + add*price) / (held + add).
// When nothing is held the side's cost restarts at price.
func weighted(held int64, cost decimal.Decimal, add int64, price decimal.Decimal) decimal.Decimal {
	if held == 0 {
		return price
	}
	total := cost.Mul(decimal.NewFromInt(held)).Add(price.Mul(decimal.NewFromInt(add)))
	return total.Div(decimal.NewFromInt(held + add))
}

// SetLastSettle records the latest settlement date seen for symbol.
func (l *Ledger) SetLastSettle(symbol string, d time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos, ok := l.positions[symbol]; ok && d.After(pos.LastSettle) {
		pos.LastSettle = d
	}
}

// Position returns a copy of one position.
func (l *Ledger) Position(symbol string) (model.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[symbol]
	if !ok {
		return model.Position{Symbol: symbol}, false
	}
	return *pos, true
}

// Positions returns a snapshot of all positions sorted by symbol, including
// flat ones that still carry realized P&L.
func (l *Ledger) Positions() []model.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make([]model.Position, 0, len(l.positions))
	for _, p := range l.positions {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result
}

// OpenPositions returns only non-flat positions.
func (l *Ledger) OpenPositions() []model.Position {
	all := l.Positions()
	out := all[:0]
	for _, p := range all {
		if !p.Flat() {
			out = append(out, p)
		}
	}
	return out
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
