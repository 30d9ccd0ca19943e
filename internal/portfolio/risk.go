package portfolio

import (
	"fmt"
	"log"

	"tradedesk/internal/model"
)

// RiskLimits defines optional pre-trade thresholds. Zero disables a check.
type RiskLimits struct {
	MaxPositionSize  int64 `json:"max_position_size"`  // max |net| per symbol after the order
	MaxOpenPositions int   `json:"max_open_positions"` // max symbols with a non-flat position
}

// RiskManager validates orders against RiskLimits using the ledger.
type RiskManager struct {
	limits RiskLimits
	ledger *Ledger
}

// NewRiskManager creates a RiskManager.
func NewRiskManager(limits RiskLimits, ledger *Ledger) *RiskManager {
	return &RiskManager{limits: limits, ledger: ledger}
}

// Limits returns the configured limits.
func (rm *RiskManager) Limits() RiskLimits { return rm.limits }

// Check returns a validation error if the order, fully filled, would breach a limit.
func (rm *RiskManager) Check(symbol string, side model.Side, qty int64) error {
	if rm == nil {
		return nil
	}
	pos, _ := rm.ledger.Position(symbol)
	projected := pos.Net()
	if side == model.SideBuy {
		projected += qty
	} else {
		projected -= qty
	}

	if rm.limits.MaxPositionSize > 0 && (projected > rm.limits.MaxPositionSize || projected < -rm.limits.MaxPositionSize) {
		log.Printf("[risk] reject %s %s %d: projected net %d exceeds %d", side, symbol, qty, projected, rm.limits.MaxPositionSize)
		return fmt.Errorf("%w: position size %d exceeds limit %d", model.ErrValidation, projected, rm.limits.MaxPositionSize)
	}

	if rm.limits.MaxOpenPositions > 0 && pos.Flat() && projected != 0 {
		if open := len(rm.ledger.OpenPositions()); open >= rm.limits.MaxOpenPositions {
			log.Printf("[risk] reject %s %s: %d open positions", side, symbol, open)
			return fmt.Errorf("%w: max open positions (%d) reached", model.ErrValidation, rm.limits.MaxOpenPositions)
		}
	}
	return nil
}
