package ibkr

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/shopspring/decimal"

	"tradedesk/internal/model"
)

type tracked struct {
	orderID   string
	sink      model.FillSink
	filled    int64
	avgPrice  decimal.Decimal
	precision int32
}

// Venue routes desk orders to the gateway. Fills are derived from the
// cumulative quantities reported on the order stream.
type Venue struct {
	client *Client
	clock  model.Clock

	mu        sync.Mutex
	contracts map[string]model.Contract
	orders    map[string]*tracked // by gateway order id

	// OnTerminal is called when the gateway finishes an order the desk did
	// not finish itself (cancelled or rejected at the venue).
	OnTerminal func(orderID, status string)
}

// NewVenue wraps c. A nil clock uses the wall clock.
func NewVenue(c *Client, clock model.Clock) *Venue {
	if clock == nil {
		clock = model.SystemClock
	}
	return &Venue{
		client:    c,
		clock:     clock,
		contracts: make(map[string]model.Contract),
		orders:    make(map[string]*tracked),
	}
}

// Name implements model.Venue.
func (v *Venue) Name() string { return "ibkr" }

// Client returns the underlying REST client.
func (v *Venue) Client() *Client { return v.client }

// Contract resolves symbol to its primary contract, remembering the answer.
func (v *Venue) Contract(ctx context.Context, symbol string) (model.Contract, error) {
	v.mu.Lock()
	ct, ok := v.contracts[symbol]
	v.mu.Unlock()
	if ok {
		return ct, nil
	}
	found, err := v.client.SearchContract(ctx, symbol)
	if err != nil {
		return model.Contract{}, err
	}
	ct = found[0]
	v.mu.Lock()
	v.contracts[symbol] = ct
	v.mu.Unlock()
	return ct, nil
}

// Place implements model.Venue.
func (v *Venue) Place(ctx context.Context, order model.Order, sink model.FillSink) (string, error) {
	ct, err := v.Contract(ctx, order.Symbol)
	if err != nil {
		return "", err
	}
	ticket, err := TicketFor(order, ct)
	if err != nil {
		return "", err
	}
	res, err := v.client.PlaceOrder(ctx, ticket)
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	v.orders[res.OrderID] = &tracked{
		orderID:   order.ID,
		sink:      sink,
		precision: model.PrecisionFor(model.ClassifySymbol(order.Symbol)) + 2,
	}
	v.mu.Unlock()
	log.Printf("[ibkr] placed %s as gateway order %s (%s)", order.ID, res.OrderID, res.Status)
	return res.OrderID, nil
}

// Cancel implements model.Venue. The gateway only acknowledges the request:
// the order stays tracked so fills executed ahead of the cancel are still
// delivered, and the Cancelled status arrives through HandleOrders.
func (v *Venue) Cancel(ctx context.Context, order model.Order) error {
	if order.VenueOrderID == "" {
		return fmt.Errorf("%w: order %s has no gateway id", model.ErrConflict, order.ID)
	}
	if err := v.client.CancelOrder(ctx, order.VenueOrderID); err != nil {
		return err
	}
	log.Printf("[ibkr] cancel requested for %s (gateway order %s)", order.ID, order.VenueOrderID)
	return nil
}

// CancelConfirmedAsync implements model.AsyncCanceler.
func (v *Venue) CancelConfirmedAsync() bool { return true }

// Modify implements model.Venue. The ticket carries the new total quantity.
func (v *Venue) Modify(ctx context.Context, order model.Order, upd model.OrderUpdate) error {
	if order.VenueOrderID == "" {
		return fmt.Errorf("%w: order %s has no gateway id", model.ErrConflict, order.ID)
	}
	ct, err := v.Contract(ctx, order.Symbol)
	if err != nil {
		return err
	}
	next := order
	if upd.Qty != nil {
		next.Qty = *upd.Qty
	}
	if upd.LimitPrice != nil {
		next.LimitPrice = upd.LimitPrice
	}
	if upd.AuxPrice != nil {
		next.AuxPrice = upd.AuxPrice
	}
	ticket, err := TicketFor(next, ct)
	if err != nil {
		return err
	}
	ticket.Quantity = float64(next.Qty)
	return v.client.ModifyOrder(ctx, order.VenueOrderID, ticket)
}

// HandleOrders turns stream order updates into fills. Quantities are
// cumulative, so each update yields at most one fill for the increment; its
// price is backed out of the change in average price.
func (v *Venue) HandleOrders(updates []LiveOrder) {
	for _, u := range updates {
		v.handle(u)
	}
}

func (v *Venue) handle(u LiveOrder) {
	id := u.ID()
	v.mu.Lock()
	t, ok := v.orders[id]
	if !ok {
		v.mu.Unlock()
		return
	}
	filled := int64(u.FilledQuantity)
	var fill *model.Fill
	if filled > t.filled {
		avg, err := decimal.NewFromString(string(u.AvgPrice))
		if err != nil {
			v.mu.Unlock()
			log.Printf("[ibkr] order %s: bad avgPrice %q", id, u.AvgPrice)
			return
		}
		inc := filled - t.filled
		px := avg.Mul(decimal.NewFromInt(filled)).
			Sub(t.avgPrice.Mul(decimal.NewFromInt(t.filled))).
			Div(decimal.NewFromInt(inc)).
			Round(t.precision)
		fill = &model.Fill{
			OrderID:      t.orderID,
			Qty:          inc,
			Price:        px,
			Counterparty: "IBKR",
			VenueExecID:  fmt.Sprintf("%s-%d", id, filled),
			Time:         v.clock.Now(),
		}
		t.filled = filled
		t.avgPrice = avg
	}
	terminal := u.Terminal()
	if terminal {
		delete(v.orders, id)
	}
	sink, orderID := t.sink, t.orderID
	v.mu.Unlock()

	if fill != nil {
		if err := sink(*fill); err != nil {
			log.Printf("[ibkr] fill for %s not applied: %v", orderID, err)
		}
	}
	if terminal && u.Status != "Filled" && v.OnTerminal != nil {
		v.OnTerminal(orderID, u.Status)
	}
}

// Tracking returns how many gateway orders await fills.
func (v *Venue) Tracking() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.orders)
}

// Snapshot quotes symbols through their resolved contracts.
func (v *Venue) Snapshot(ctx context.Context, symbols []string) ([]model.Instrument, error) {
	conids := make([]int64, 0, len(symbols))
	bySymbol := make(map[int64]model.Contract, len(symbols))
	for _, s := range symbols {
		ct, err := v.Contract(ctx, s)
		if err != nil {
			return nil, err
		}
		conids = append(conids, ct.ConID)
		bySymbol[ct.ConID] = model.Contract{Symbol: s, Description: ct.Description, Class: ct.Class}
	}
	quotes, err := v.client.Snapshot(ctx, conids)
	if err != nil {
		return nil, err
	}
	out := make([]model.Instrument, 0, len(quotes))
	for _, q := range quotes {
		ct, ok := bySymbol[q.ConID]
		if !ok {
			continue
		}
		out = append(out, model.Instrument{
			Symbol: ct.Symbol,
			Name:   ct.Description,
			Class:  ct.Class,
			Last:   q.Last,
			Bid:    q.Bid,
			Ask:    q.Ask,
		})
	}
	return out, nil
}

// SearchContract delegates to the client.
func (v *Venue) SearchContract(ctx context.Context, symbol string) ([]model.Contract, error) {
	return v.client.SearchContract(ctx, symbol)
}

var (
	_ model.Venue         = (*Venue)(nil)
	_ model.AsyncCanceler = (*Venue)(nil)
)
