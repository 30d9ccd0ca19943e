package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// OrderType enumerates supported order types.
type OrderType string

const (
	OrderMarket     OrderType = "MARKET"
	OrderLimit      OrderType = "LIMIT"
	OrderStop       OrderType = "STOP"
	OrderStopLimit  OrderType = "STOP_LIMIT"
	OrderTrail      OrderType = "TRAIL"
	OrderTrailLimit OrderType = "TRAIL_LIMIT"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderMarket, OrderLimit, OrderStop, OrderStopLimit, OrderTrail, OrderTrailLimit:
		return true
	}
	return false
}

// NeedsLimitPrice reports whether the type requires a limit price.
func (t OrderType) NeedsLimitPrice() bool {
	return t == OrderLimit || t == OrderStopLimit || t == OrderTrailLimit
}

// NeedsAuxPrice reports whether the type requires a stop trigger price.
func (t OrderType) NeedsAuxPrice() bool {
	return t == OrderStop || t == OrderStopLimit
}

// IsTrailing reports whether the type is a trailing variant.
func (t OrderType) IsTrailing() bool {
	return t == OrderTrail || t == OrderTrailLimit
}

// TrailingUnit is the unit of a trailing amount.
type TrailingUnit string

const (
	TrailAbsolute TrailingUnit = "amt"
	TrailPercent  TrailingUnit = "%"
)

// TimeInForce controls how long an order stays working.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFIOC TimeInForce = "IOC"
	TIFGTC TimeInForce = "GTC"
	TIFGTD TimeInForce = "GTD"
)

// Valid reports whether tif is known.
func (tif TimeInForce) Valid() bool {
	switch tif {
	case TIFDay, TIFIOC, TIFGTC, TIFGTD:
		return true
	}
	return false
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusNew       OrderStatus = "NEW"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED" // venue refused the order after acceptance
)

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// OrderRequest carries client-supplied order parameters.
type OrderRequest struct {
	Symbol       string           `json:"symbol"`
	Side         Side             `json:"side"`
	Qty          int64            `json:"qty"`
	Type         OrderType        `json:"type"`
	LimitPrice   *decimal.Decimal `json:"limit_price,omitempty"`
	AuxPrice     *decimal.Decimal `json:"aux_price,omitempty"`
	TrailingAmt  *decimal.Decimal `json:"trailing_amt,omitempty"`
	TrailingType TrailingUnit     `json:"trailing_type,omitempty"`
	TIF          TimeInForce      `json:"tif,omitempty"`
	ExpireAt     *time.Time       `json:"expire_at,omitempty"` // GTD only
	AllOrNone    bool             `json:"all_or_none,omitempty"`
	OutsideRTH   bool             `json:"outside_rth,omitempty"`
}

// OrderUpdate holds the mutable fields of a working order.
type OrderUpdate struct {
	Qty        *int64           `json:"qty,omitempty"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	AuxPrice   *decimal.Decimal `json:"aux_price,omitempty"`
}

// Order represents an order tracked by the order book.
type Order struct {
	ID           string           `json:"order_id"`
	VenueOrderID string           `json:"venue_order_id,omitempty"`
	Symbol       string           `json:"symbol"`
	Side         Side             `json:"side"`
	Qty          int64            `json:"qty"`
	Type         OrderType        `json:"type"`
	LimitPrice   *decimal.Decimal `json:"limit_price,omitempty"`
	AuxPrice     *decimal.Decimal `json:"aux_price,omitempty"`
	TrailingAmt  *decimal.Decimal `json:"trailing_amt,omitempty"`
	TrailingType TrailingUnit     `json:"trailing_type,omitempty"`
	TIF          TimeInForce      `json:"tif"`
	ExpireAt     *time.Time       `json:"expire_at,omitempty"`
	AllOrNone    bool             `json:"all_or_none"`
	OutsideRTH   bool             `json:"outside_rth"`
	CumQty       int64            `json:"cum_qty"`
	AvgPx        decimal.Decimal  `json:"avg_px"`
	SettleDate   time.Time        `json:"settle_date"`
	Status       OrderStatus      `json:"status"`
	Reason       string           `json:"reason,omitempty"` // reject cause
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	Version      int64            `json:"version"` // bumped on every change
}

// Terminal reports whether the order can no longer change.
func (o *Order) Terminal() bool { return o.Status.Terminal() }

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 { return o.Qty - o.CumQty }

// Clone returns a deep copy safe to hand out of the book.
func (o *Order) Clone() Order {
	cp := *o
	cp.LimitPrice = cloneDec(o.LimitPrice)
	cp.AuxPrice = cloneDec(o.AuxPrice)
	cp.TrailingAmt = cloneDec(o.TrailingAmt)
	if o.ExpireAt != nil {
		t := *o.ExpireAt
		cp.ExpireAt = &t
	}
	return cp
}

func cloneDec(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

// Dec is a helper returning a pointer to d.
func Dec(d decimal.Decimal) *decimal.Decimal { return &d }
