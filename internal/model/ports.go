package model

import (
	"context"
	"time"
)

// ── Ports ──
// These interfaces decouple the engine from the execution venue, the clock
// and the storage sinks so each can be swapped for a test double.

// FillSink receives fills for a placed order, in execution order.
// A non-nil error tells the venue to stop delivering for that order.
type FillSink func(fill Fill) error

// Venue executes orders. The simulator and the IBKR gateway both satisfy it.
type Venue interface {
	// Place forwards an accepted order. Fills arrive later on sink.
	// Returns the venue's order id (may equal order.ID).
	Place(ctx context.Context, order Order, sink FillSink) (string, error)

	// Cancel requests cancellation. A nil error means the venue confirmed it.
	Cancel(ctx context.Context, order Order) error

	// Modify requests a quantity/price change on a working order.
	Modify(ctx context.Context, order Order, upd OrderUpdate) error

	// Name identifies the venue in logs and metrics.
	Name() string
}

// AsyncCanceler is implemented by venues whose Cancel only submits the
// request. Such an order keeps working, and can still fill, until the venue
// reports it finished.
type AsyncCanceler interface {
	CancelConfirmedAsync() bool
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// SettlementCalculator computes settlement dates.
type SettlementCalculator interface {
	SettlementDate(symbol string, tradeDate time.Time) time.Time
}

// TradeRecorder persists applied trades for audit.
type TradeRecorder interface {
	RecordTrade(trade Trade) error
	Close() error
}
