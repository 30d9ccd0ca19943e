package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fill is an execution report coming from a venue (simulated or broker).
type Fill struct {
	OrderID      string          `json:"order_id"`
	Qty          int64           `json:"qty"`
	Price        decimal.Decimal `json:"price"`
	Counterparty string          `json:"counterparty"`
	VenueExecID  string          `json:"venue_exec_id,omitempty"`
	Time         time.Time       `json:"time"`
}

// Trade is an applied fill. Immutable once created.
type Trade struct {
	ExecID       string          `json:"exec_id"`
	OrderID      string          `json:"order_id"`
	Side         Side            `json:"side"`
	Symbol       string          `json:"symbol"`
	Qty          int64           `json:"qty"`
	Price        decimal.Decimal `json:"price"`
	Counterparty string          `json:"counterparty"`
	SettleDate   time.Time       `json:"settle_date"`
	Time         time.Time       `json:"time"`
}
