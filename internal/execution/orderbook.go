// Package execution owns the order lifecycle: validation, the NEW → PARTIAL →
// FILLED/CANCELLED state machine, fill application, and the paper venue used
// in simulation mode.
package execution

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"tradedesk/internal/model"
	"tradedesk/internal/portfolio"
)

// FirstOrderID is the numeric suffix of the first order id ("ORD-1001").
const FirstOrderID = 1001

// OrderBook tracks every order of a session and applies fills to the ledger.
type OrderBook struct {
	mu      sync.RWMutex
	orders  map[string]*model.Order
	seq     []string // order ids in submission order
	trades  []model.Trade
	nextID  int64
	execSeq int64

	calendar model.SettlementCalculator
	ledger   *portfolio.Ledger
	clock    model.Clock

	notifyMu  sync.Mutex
	delivered map[string]int64 // last version passed to OnOrder

	// OnOrder is called after each order state change, outside the book
	// lock. Calls are serialized and never go back to an older version of
	// an order, so the last call for an order carries its latest state.
	// OnOrder must not mutate the book.
	OnOrder func(order model.Order)
	// OnTrade is called after each applied fill, outside the lock.
	OnTrade func(trade model.Trade, res portfolio.FillResult)
}

// NewOrderBook creates an order book bound to a calendar and ledger.
func NewOrderBook(cal model.SettlementCalculator, ledger *portfolio.Ledger, clock model.Clock) *OrderBook {
	if clock == nil {
		clock = model.SystemClock
	}
	return &OrderBook{
		orders:    make(map[string]*model.Order),
		delivered: make(map[string]int64),
		nextID:    FirstOrderID,
		calendar: cal,
		ledger:   ledger,
		clock:    clock,
	}
}

// Submit validates req and creates a NEW order. The settlement date is fixed
// at submission. No order is created on a validation error. The order keeps
// its own copies of the request's prices.
func (b *OrderBook) Submit(req model.OrderRequest) (model.Order, error) {
	if err := model.ValidateRequest(req); err != nil {
		return model.Order{}, err
	}
	if req.TIF == "" {
		req.TIF = model.TIFDay
	}
	now := b.clock.Now()

	b.mu.Lock()
	id := fmt.Sprintf("ORD-%d", b.nextID)
	b.nextID++
	draft := model.Order{
		ID:           id,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Qty:          req.Qty,
		Type:         req.Type,
		LimitPrice:   req.LimitPrice,
		AuxPrice:     req.AuxPrice,
		TrailingAmt:  req.TrailingAmt,
		TrailingType: req.TrailingType,
		TIF:          req.TIF,
		ExpireAt:     req.ExpireAt,
		AllOrNone:    req.AllOrNone,
		OutsideRTH:   req.OutsideRTH,
		AvgPx:        decimal.Zero,
		SettleDate:   b.calendar.SettlementDate(req.Symbol, now),
		Status:       model.StatusNew,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
	booked := draft.Clone()
	o := &booked
	b.orders[id] = o
	b.seq = append(b.seq, id)
	out := o.Clone()
	b.mu.Unlock()

	log.Printf("[orderbook] %s accepted: %s %d %s %s settle=%s",
		id, out.Side, out.Qty, out.Symbol, out.Type, out.SettleDate.Format("2006-01-02"))
	b.notifyOrder(out)
	return out, nil
}

// ApplyFill books a venue fill against its order, updates the ledger and
// appends a Trade. Fills for one order must be applied in execution order.
func (b *OrderBook) ApplyFill(fill model.Fill) (model.Trade, error) {
	if fill.Qty <= 0 {
		return model.Trade{}, fmt.Errorf("%w: fill quantity must be positive", model.ErrValidation)
	}
	if !fill.Price.IsPositive() {
		return model.Trade{}, fmt.Errorf("%w: fill price must be positive", model.ErrValidation)
	}

	b.mu.Lock()
	o, ok := b.orders[fill.OrderID]
	if !ok {
		b.mu.Unlock()
		return model.Trade{}, fmt.Errorf("%w: order %s", model.ErrNotFound, fill.OrderID)
	}
	if o.Terminal() {
		b.mu.Unlock()
		return model.Trade{}, fmt.Errorf("%w: order %s is %s", model.ErrConflict, o.ID, o.Status)
	}
	if fill.Qty > o.Remaining() {
		b.mu.Unlock()
		return model.Trade{}, fmt.Errorf("%w: fill %d exceeds remaining %d on %s",
			model.ErrValidation, fill.Qty, o.Remaining(), o.ID)
	}

	res, err := b.ledger.ApplyFill(o.Symbol, o.Side, fill.Qty, fill.Price)
	if err != nil {
		b.mu.Unlock()
		return model.Trade{}, err
	}
	b.ledger.SetLastSettle(o.Symbol, o.SettleDate)

	cum := o.CumQty + fill.Qty
	o.AvgPx = o.AvgPx.Mul(decimal.NewFromInt(o.CumQty)).
		Add(fill.Price.Mul(decimal.NewFromInt(fill.Qty))).
		Div(decimal.NewFromInt(cum))
	o.CumQty = cum
	if cum == o.Qty {
		o.Status = model.StatusFilled
	} else {
		o.Status = model.StatusPartial
	}
	o.Version++

	ts := fill.Time
	if ts.IsZero() {
		ts = b.clock.Now()
	}
	o.UpdatedAt = ts

	b.execSeq++
	trade := model.Trade{
		ExecID:       fmt.Sprintf("EX-%d", b.execSeq),
		OrderID:      o.ID,
		Side:         o.Side,
		Symbol:       o.Symbol,
		Qty:          fill.Qty,
		Price:        fill.Price,
		Counterparty: fill.Counterparty,
		SettleDate:   o.SettleDate,
		Time:         ts,
	}
	b.trades = append(b.trades, trade)
	out := o.Clone()
	b.mu.Unlock()

	log.Printf("[orderbook] %s %s %d/%d @ %s (%s) exec=%s",
		out.ID, out.Status, out.CumQty, out.Qty, fill.Price, fill.Counterparty, trade.ExecID)

	b.notifyOrder(out)
	if b.OnTrade != nil {
		b.OnTrade(trade, res)
	}
	return trade, nil
}

// CheckCancelable returns the order if it may still be cancelled.
func (b *OrderBook) CheckCancelable(id string) (model.Order, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.workingLocked(id)
}

// MarkCancelled finalizes a cancel after the venue confirmed it.
func (b *OrderBook) MarkCancelled(id string) (model.Order, error) {
	return b.finalize(id, model.StatusCancelled, "")
}

// MarkRejected finalizes an order the venue refused.
func (b *OrderBook) MarkRejected(id, reason string) (model.Order, error) {
	return b.finalize(id, model.StatusRejected, reason)
}

func (b *OrderBook) finalize(id string, status model.OrderStatus, reason string) (model.Order, error) {
	b.mu.Lock()
	if _, err := b.workingLocked(id); err != nil {
		b.mu.Unlock()
		return model.Order{}, err
	}
	o := b.orders[id]
	o.Status = status
	o.Reason = reason
	o.UpdatedAt = b.clock.Now()
	o.Version++
	out := o.Clone()
	b.mu.Unlock()

	log.Printf("[orderbook] %s %s (filled %d/%d) %s", id, status, out.CumQty, out.Qty, reason)
	b.notifyOrder(out)
	return out, nil
}

// PrepareModify validates a modification without applying it.
func (b *OrderBook) PrepareModify(id string, upd model.OrderUpdate) (model.Order, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, err := b.workingLocked(id)
	if err != nil {
		return model.Order{}, err
	}
	if err := checkUpdate(&o, upd); err != nil {
		return model.Order{}, err
	}
	return o, nil
}

// ApplyModify applies a modification the venue accepted. The order is
// re-checked because fills may have landed in between.
func (b *OrderBook) ApplyModify(id string, upd model.OrderUpdate) (model.Order, error) {
	b.mu.Lock()
	o, err := b.workingLocked(id)
	if err != nil {
		b.mu.Unlock()
		return model.Order{}, err
	}
	if err := checkUpdate(&o, upd); err != nil {
		b.mu.Unlock()
		return model.Order{}, err
	}
	live := b.orders[id]
	if upd.Qty != nil {
		live.Qty = *upd.Qty
	}
	if upd.LimitPrice != nil {
		live.LimitPrice = model.Dec(*upd.LimitPrice)
	}
	if upd.AuxPrice != nil {
		live.AuxPrice = model.Dec(*upd.AuxPrice)
	}
	if live.CumQty == live.Qty {
		live.Status = model.StatusFilled
	}
	live.UpdatedAt = b.clock.Now()
	live.Version++
	out := live.Clone()
	b.mu.Unlock()

	log.Printf("[orderbook] %s modified: qty=%d status=%s", id, out.Qty, out.Status)
	b.notifyOrder(out)
	return out, nil
}

func checkUpdate(o *model.Order, upd model.OrderUpdate) error {
	if upd.Qty == nil && upd.LimitPrice == nil && upd.AuxPrice == nil {
		return fmt.Errorf("%w: nothing to modify", model.ErrValidation)
	}
	if upd.Qty != nil {
		if *upd.Qty <= 0 {
			return fmt.Errorf("%w: quantity must be positive", model.ErrValidation)
		}
		if *upd.Qty < o.CumQty {
			return fmt.Errorf("%w: quantity %d below filled %d", model.ErrValidation, *upd.Qty, o.CumQty)
		}
	}
	if upd.LimitPrice != nil {
		if !o.Type.NeedsLimitPrice() {
			return fmt.Errorf("%w: %s order has no limit price", model.ErrValidation, o.Type)
		}
		if !upd.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: limit price must be positive", model.ErrValidation)
		}
	}
	if upd.AuxPrice != nil && !upd.AuxPrice.IsPositive() {
		return fmt.Errorf("%w: stop price must be positive", model.ErrValidation)
	}
	return nil
}

// workingLocked returns a copy of a non-terminal order. Caller holds b.mu.
func (b *OrderBook) workingLocked(id string) (model.Order, error) {
	o, ok := b.orders[id]
	if !ok {
		return model.Order{}, fmt.Errorf("%w: order %s", model.ErrNotFound, id)
	}
	if o.Terminal() {
		return model.Order{}, fmt.Errorf("%w: order %s is already %s", model.ErrConflict, id, o.Status)
	}
	return o.Clone(), nil
}

// SetVenueOrderID records the venue's identifier for an order.
func (b *OrderBook) SetVenueOrderID(id, venueID string) {
	b.mu.Lock()
	if o, ok := b.orders[id]; ok {
		o.VenueOrderID = venueID
		o.Version++
	}
	b.mu.Unlock()
}

// FindByVenueID maps a venue order id back to the book's id.
func (b *OrderBook) FindByVenueID(venueID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, o := range b.orders {
		if o.VenueOrderID == venueID {
			return id, true
		}
	}
	return "", false
}

// Order returns a copy of one order.
func (b *OrderBook) Order(id string) (model.Order, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.orders[id]
	if !ok {
		return model.Order{}, fmt.Errorf("%w: order %s", model.ErrNotFound, id)
	}
	return o.Clone(), nil
}

// Orders returns all orders, newest first.
func (b *OrderBook) Orders() []model.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.Order, 0, len(b.seq))
	for i := len(b.seq) - 1; i >= 0; i-- {
		out = append(out, b.orders[b.seq[i]].Clone())
	}
	return out
}

// OpenOrders returns non-terminal orders, oldest first.
func (b *OrderBook) OpenOrders() []model.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []model.Order
	for _, id := range b.seq {
		if o := b.orders[id]; !o.Terminal() {
			out = append(out, o.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Trades returns all trades, newest first.
func (b *OrderBook) Trades() []model.Trade {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.Trade, len(b.trades))
	for i, t := range b.trades {
		out[len(b.trades)-1-i] = t
	}
	return out
}

// notifyOrder hands o to OnOrder unless a newer version of the same order
// was already delivered by a concurrent mutation.
func (b *OrderBook) notifyOrder(o model.Order) {
	if b.OnOrder == nil {
		return
	}
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	if o.Version <= b.delivered[o.ID] {
		return
	}
	b.delivered[o.ID] = o.Version
	b.OnOrder(o)
}
