package execution

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/model"
)

// Rand is the randomness source of the paper venue.
type Rand interface {
	Float64() float64
}

// SequenceRand replays a fixed sequence of values, cycling when exhausted.
type SequenceRand struct {
	mu   sync.Mutex
	vals []float64
	i    int
}

// NewSequenceRand creates a SequenceRand over vals.
func NewSequenceRand(vals ...float64) *SequenceRand {
	return &SequenceRand{vals: vals}
}

// Float64 implements Rand.
func (s *SequenceRand) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.vals) == 0 {
		return 0
	}
	v := s.vals[s.i%len(s.vals)]
	s.i++
	return v
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// PriceSource returns the latest trade price for a symbol.
type PriceSource func(symbol string) (decimal.Decimal, bool)

// PaperConfig tunes the paper venue.
type PaperConfig struct {
	AckDelay       time.Duration // before the first fill
	FillDelay      time.Duration // between fills
	SlippageBand   float64       // total width of the random price offset
	SplitThreshold int64         // orders above this may fill in two pieces
	Counterparties []string
}

// DefaultPaperConfig returns the desk's simulation defaults.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		AckDelay:       500 * time.Millisecond,
		FillDelay:      300 * time.Millisecond,
		SlippageBand:   0.05,
		SplitThreshold: 100,
		Counterparties: []string{"GS", "MS", "JPM", "CITI", "BOFA"},
	}
}

type paperOrder struct {
	stop chan struct{}
	sink model.FillSink
}

// PaperVenue simulates execution without a broker. Each placed order is
// split into one or two fills delivered asynchronously with a small random
// price offset.
type PaperVenue struct {
	mu      sync.Mutex
	cfg     PaperConfig
	rnd     Rand
	prices  PriceSource
	clock   model.Clock
	working map[string]*paperOrder
	fills   []model.Fill

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// NewPaperVenue creates a paper venue. A nil rnd uses a time-seeded source.
func NewPaperVenue(cfg PaperConfig, rnd Rand, prices PriceSource, clock model.Clock) *PaperVenue {
	if rnd == nil {
		rnd = &lockedRand{r: rand.New(rand.NewSource(time.Now().UnixNano()))}
	}
	if clock == nil {
		clock = model.SystemClock
	}
	if len(cfg.Counterparties) == 0 {
		cfg.Counterparties = DefaultPaperConfig().Counterparties
	}
	return &PaperVenue{
		cfg:     cfg,
		rnd:     rnd,
		prices:  prices,
		clock:   clock,
		working: make(map[string]*paperOrder),
		done:    make(chan struct{}),
	}
}

// Name implements model.Venue.
func (v *PaperVenue) Name() string { return "paper" }

// Place schedules fills for the order's remaining quantity.
func (v *PaperVenue) Place(_ context.Context, order model.Order, sink model.FillSink) (string, error) {
	base, err := v.basePrice(order, nil)
	if err != nil {
		return "", err
	}
	v.start(order.ID, order.Symbol, order.Remaining(), base, sink)
	return order.ID, nil
}

// Cancel stops delivery of any fills not yet sent.
func (v *PaperVenue) Cancel(_ context.Context, order model.Order) error {
	v.mu.Lock()
	if po, ok := v.working[order.ID]; ok {
		close(po.stop)
		delete(v.working, order.ID)
	}
	v.mu.Unlock()
	log.Printf("[paper] cancel %s confirmed", order.ID)
	return nil
}

// Modify replaces the outstanding fill plan with one for the new quantity
// and price.
func (v *PaperVenue) Modify(_ context.Context, order model.Order, upd model.OrderUpdate) error {
	base, err := v.basePrice(order, &upd)
	if err != nil {
		return err
	}
	qty := order.Qty
	if upd.Qty != nil {
		qty = *upd.Qty
	}

	v.mu.Lock()
	po, ok := v.working[order.ID]
	if ok {
		close(po.stop)
		delete(v.working, order.ID)
	}
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s is not working at the paper venue", model.ErrConflict, order.ID)
	}

	if remaining := qty - order.CumQty; remaining > 0 {
		v.start(order.ID, order.Symbol, remaining, base, po.sink)
	}
	log.Printf("[paper] modify %s qty=%d px=%s", order.ID, qty, base)
	return nil
}

// Fills returns a snapshot of every fill delivered.
func (v *PaperVenue) Fills() []model.Fill {
	v.mu.Lock()
	defer v.mu.Unlock()
	cp := make([]model.Fill, len(v.fills))
	copy(cp, v.fills)
	return cp
}

// Close stops all pending deliveries and waits for them to exit.
func (v *PaperVenue) Close() {
	v.closeOnce.Do(func() { close(v.done) })
	v.wg.Wait()
}

func (v *PaperVenue) basePrice(order model.Order, upd *model.OrderUpdate) (decimal.Decimal, error) {
	if upd != nil && upd.LimitPrice != nil {
		return *upd.LimitPrice, nil
	}
	if order.LimitPrice != nil {
		return *order.LimitPrice, nil
	}
	if upd != nil && upd.AuxPrice != nil {
		return *upd.AuxPrice, nil
	}
	if order.AuxPrice != nil {
		return *order.AuxPrice, nil
	}
	if v.prices != nil {
		if px, ok := v.prices(order.Symbol); ok && px.IsPositive() {
			return px, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: no reference price for %s", model.ErrValidation, order.Symbol)
}

// plan draws fill sizes, prices and counterparties. Caller holds v.mu.
func (v *PaperVenue) plan(orderID, symbol string, qty int64, base decimal.Decimal) []model.Fill {
	sizes := []int64{qty}
	if qty > v.cfg.SplitThreshold && v.rnd.Float64() > 0.3 {
		first := int64(float64(qty) * (0.3 + v.rnd.Float64()*0.4))
		if first > 0 && first < qty {
			sizes = []int64{first, qty - first}
		}
	}

	places := model.PrecisionFor(model.ClassifySymbol(symbol)) + 2
	fills := make([]model.Fill, 0, len(sizes))
	for _, n := range sizes {
		offset := decimal.NewFromFloat((v.rnd.Float64() - 0.5) * v.cfg.SlippageBand)
		px := base.Add(offset).Round(places)
		if !px.IsPositive() {
			px = base
		}
		cp := v.cfg.Counterparties[int(v.rnd.Float64()*float64(len(v.cfg.Counterparties)))%len(v.cfg.Counterparties)]
		fills = append(fills, model.Fill{OrderID: orderID, Qty: n, Price: px, Counterparty: cp})
	}
	return fills
}

func (v *PaperVenue) start(orderID, symbol string, qty int64, base decimal.Decimal, sink model.FillSink) {
	po := &paperOrder{stop: make(chan struct{}), sink: sink}

	v.mu.Lock()
	fills := v.plan(orderID, symbol, qty, base)
	v.working[orderID] = po
	v.mu.Unlock()

	log.Printf("[paper] %s scheduled %d fill(s) for %d %s around %s", orderID, len(fills), qty, symbol, base)

	v.wg.Add(1)
	go v.deliver(orderID, po, fills)
}

func (v *PaperVenue) deliver(orderID string, po *paperOrder, fills []model.Fill) {
	defer v.wg.Done()
	defer func() {
		v.mu.Lock()
		if v.working[orderID] == po {
			delete(v.working, orderID)
		}
		v.mu.Unlock()
	}()

	delay := v.cfg.AckDelay
	for _, f := range fills {
		timer := time.NewTimer(delay)
		select {
		case <-po.stop:
			timer.Stop()
			return
		case <-v.done:
			timer.Stop()
			return
		case <-timer.C:
		}
		delay = v.cfg.FillDelay

		// A cancel may have landed while the timer fired.
		select {
		case <-po.stop:
			return
		default:
		}

		f.Time = v.clock.Now()
		if err := po.sink(f); err != nil {
			log.Printf("[paper] %s fill rejected by book: %v", orderID, err)
			return
		}
		v.mu.Lock()
		v.fills = append(v.fills, f)
		v.mu.Unlock()
	}
}
