// Package interop publishes desk state as FDC3-style context messages so
// other desktop applications (and the downstream analysis process) can
// follow orders, positions and selection without calling the engine.
package interop

import (
	"time"

	"github.com/shopspring/decimal"
)

// Context type names.
const (
	TypeInstrument     = "fdc3.instrument"
	TypeInstrumentList = "fdc3.instrumentList"
	TypePosition       = "fdc3.position"
	TypePortfolio      = "fdc3.portfolio"
	TypeOrder          = "fdc3.order"
	TypeTrade          = "fdc3.trade"
	TypeCollection     = "fdc3.collection"
	TypeSummary        = "portfolio.summary"
)

// Context is one message on the interop bus.
type Context interface {
	ContextType() string
}

// InstrumentID identifies an instrument.
type InstrumentID struct {
	Ticker string `json:"ticker"`
}

// Instrument is an fdc3.instrument context.
type Instrument struct {
	Type string       `json:"type"`
	ID   InstrumentID `json:"id"`
	Name string       `json:"name,omitempty"`
}

// NewInstrument builds an instrument context.
func NewInstrument(ticker, name string) Instrument {
	return Instrument{Type: TypeInstrument, ID: InstrumentID{Ticker: ticker}, Name: name}
}

func (c Instrument) ContextType() string { return c.Type }

// InstrumentList is an fdc3.instrumentList context (the watchlist).
type InstrumentList struct {
	Type        string       `json:"type"`
	Name        string       `json:"name"`
	Instruments []Instrument `json:"instruments"`
}

func (c InstrumentList) ContextType() string { return c.Type }

// Position is an fdc3.position context. AvgCost is omitted for the
// single-position update.
type Position struct {
	Type       string           `json:"type"`
	Instrument Instrument       `json:"instrument"`
	Holding    int64            `json:"holding"`
	AvgCost    *decimal.Decimal `json:"avgCost,omitempty"`
}

func (c Position) ContextType() string { return c.Type }

// Portfolio is an fdc3.portfolio context.
type Portfolio struct {
	Type      string     `json:"type"`
	Name      string     `json:"name"`
	Positions []Position `json:"positions"`
}

func (c Portfolio) ContextType() string { return c.Type }

// OrderID identifies an order.
type OrderID struct {
	OrderID string `json:"orderId"`
}

// OrderDetails is the body of an order context.
type OrderDetails struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
	Qty    int64  `json:"qty"`
	Status string `json:"status"`
}

// Order is an fdc3.order context.
type Order struct {
	Type    string       `json:"type"`
	ID      OrderID      `json:"id"`
	Details OrderDetails `json:"details"`
}

func (c Order) ContextType() string { return c.Type }

// ExecID identifies a trade.
type ExecID struct {
	ExecID string `json:"execId"`
}

// Trade is an fdc3.trade context.
type Trade struct {
	Type         string          `json:"type"`
	ID           ExecID          `json:"id"`
	Instrument   Instrument      `json:"instrument"`
	Side         string          `json:"side"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	OrderID      string          `json:"orderId"`
	Counterparty string          `json:"counterparty,omitempty"`
	SettleDate   string          `json:"settleDate,omitempty"`
	Time         time.Time       `json:"time"`
}

func (c Trade) ContextType() string { return c.Type }

// Collection is an fdc3.collection of contexts.
type Collection struct {
	Type    string    `json:"type"`
	Name    string    `json:"name"`
	Members []Context `json:"members"`
}

func (c Collection) ContextType() string { return c.Type }

// SummaryPosition is a compact position row.
type SummaryPosition struct {
	Sym string          `json:"sym"`
	Qty int64           `json:"qty"`
	Avg decimal.Decimal `json:"avg"`
}

// SummaryOrder is a compact order row.
type SummaryOrder struct {
	ID   string `json:"id"`
	Sym  string `json:"sym"`
	Side string `json:"side"`
	Qty  int64  `json:"qty"`
	St   string `json:"st"`
}

// Summary is the compact portfolio.summary message for the analysis log.
type Summary struct {
	Type      string            `json:"type"`
	Positions []SummaryPosition `json:"positions"`
	Orders    []SummaryOrder    `json:"orders"`
}

func (c Summary) ContextType() string { return c.Type }

// Kind returns a label for metrics and channel names. Collections are
// labelled by their member type.
func Kind(c Context) string {
	if col, ok := c.(Collection); ok && len(col.Members) > 0 {
		return TypeCollection + ":" + col.Members[0].ContextType()
	}
	return c.ContextType()
}
