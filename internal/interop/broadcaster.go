package interop

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"tradedesk/internal/model"
)

// StateSource is the read side of the engine the broadcaster serializes.
type StateSource interface {
	Instruments() []model.Instrument
	Positions() []model.Position
	Orders() []model.Order // newest first
	Trades() []model.Trade // newest first
	Selected() (model.Instrument, bool)
}

// Options tunes snapshot content.
type Options struct {
	WatchlistName   string
	PortfolioName   string
	OrderCap        int // orders in the fdc3.collection
	TradeCap        int // trades in the fdc3.collection
	SummaryOrderCap int // orders in portfolio.summary
	QueueSize       int // contexts buffered per queued bus
}

// ErrQueueFull is reported through OnPublish when a queued bus falls behind
// and a context is dropped.
var ErrQueueFull = errors.New("interop: publish queue full")

// InlineBus is a Bus whose Publish never blocks. The broadcaster calls it on
// the publishing goroutine; every other bus gets its own queue and worker.
type InlineBus interface {
	Bus
	Inline() bool
}

// DefaultOptions returns the desk defaults.
func DefaultOptions() Options {
	return Options{
		WatchlistName:   "Main Watchlist",
		PortfolioName:   "Desk Portfolio",
		OrderCap:        15,
		TradeCap:        15,
		SummaryOrderCap: 10,
		QueueSize:       256,
	}
}

type queued struct {
	ctx context.Context
	c   Context
}

type target struct {
	bus   Bus
	queue chan queued // nil for inline buses
}

// Broadcaster turns engine state into context messages. Publishing is fire
// and forget: bus failures are logged and reported through OnPublish, never
// returned. Buses that may block are fed through a bounded queue so a slow
// transport never holds up the caller.
type Broadcaster struct {
	src     StateSource
	targets []target
	opts    Options

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	// OnPublish is called after every delivery attempt (metrics hook).
	OnPublish func(bus, kind string, err error)
}

// NewBroadcaster creates a Broadcaster. Zero option fields take defaults.
func NewBroadcaster(src StateSource, opts Options, buses ...Bus) *Broadcaster {
	def := DefaultOptions()
	if opts.WatchlistName == "" {
		opts.WatchlistName = def.WatchlistName
	}
	if opts.PortfolioName == "" {
		opts.PortfolioName = def.PortfolioName
	}
	if opts.OrderCap <= 0 {
		opts.OrderCap = def.OrderCap
	}
	if opts.TradeCap <= 0 {
		opts.TradeCap = def.TradeCap
	}
	if opts.SummaryOrderCap <= 0 {
		opts.SummaryOrderCap = def.SummaryOrderCap
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	b := &Broadcaster{src: src, opts: opts}
	for _, bus := range buses {
		if bus == nil {
			continue
		}
		t := target{bus: bus}
		if ib, ok := bus.(InlineBus); !ok || !ib.Inline() {
			t.queue = make(chan queued, opts.QueueSize)
			b.wg.Add(1)
			go b.drain(t)
		}
		b.targets = append(b.targets, t)
	}
	return b
}

// Close stops accepting contexts and waits for queued ones to be delivered.
// Safe to call more than once.
func (b *Broadcaster) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, t := range b.targets {
		if t.queue != nil {
			close(t.queue)
		}
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Broadcaster) drain(t target) {
	defer b.wg.Done()
	for q := range t.queue {
		b.deliver(q.ctx, t.bus, q.c)
	}
}

// Snapshot publishes the watchlist, portfolio, recent orders and trades,
// the current selection and the compact summary. Safe to call at any time.
func (b *Broadcaster) Snapshot(ctx context.Context) {
	if b == nil || b.src == nil {
		return
	}
	b.publish(ctx, b.InstrumentList())
	b.publish(ctx, b.Portfolio())

	if c, ok := b.OrderCollection(); ok {
		b.publish(ctx, c)
	}
	if c, ok := b.TradeCollection(); ok {
		b.publish(ctx, c)
	}
	if inst, ok := b.src.Selected(); ok {
		b.publish(ctx, NewInstrument(inst.Symbol, inst.Name))
	}
	if s, ok := b.Summary(); ok {
		if data, err := json.Marshal(s); err == nil {
			log.Printf("[interop] %s", data)
		}
		b.publish(ctx, s)
	}
}

// PublishInstrument broadcasts a selection/focus change.
func (b *Broadcaster) PublishInstrument(ctx context.Context, symbol, name string) {
	if b == nil {
		return
	}
	b.publish(ctx, NewInstrument(symbol, name))
}

// PublishWatchlist broadcasts the current instrument list.
func (b *Broadcaster) PublishWatchlist(ctx context.Context) {
	if b == nil || b.src == nil {
		return
	}
	b.publish(ctx, b.InstrumentList())
}

// PublishPosition broadcasts a single-position update.
func (b *Broadcaster) PublishPosition(ctx context.Context, p model.Position) {
	if b == nil {
		return
	}
	b.publish(ctx, Position{
		Type:       TypePosition,
		Instrument: NewInstrument(p.Symbol, ""),
		Holding:    p.Net(),
	})
}

// PublishTrade broadcasts one execution.
func (b *Broadcaster) PublishTrade(ctx context.Context, t model.Trade) {
	if b == nil {
		return
	}
	b.publish(ctx, tradeContext(t))
}

// Run publishes a snapshot every interval until ctx is done.
func (b *Broadcaster) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Snapshot(ctx)
		}
	}
}

// InstrumentList builds the watchlist context.
func (b *Broadcaster) InstrumentList() InstrumentList {
	insts := b.src.Instruments()
	list := InstrumentList{
		Type:        TypeInstrumentList,
		Name:        b.opts.WatchlistName,
		Instruments: make([]Instrument, 0, len(insts)),
	}
	for _, i := range insts {
		list.Instruments = append(list.Instruments, Instrument{Type: TypeInstrument, ID: InstrumentID{Ticker: i.Symbol}})
	}
	return list
}

// Portfolio builds the portfolio context from non-flat positions.
func (b *Broadcaster) Portfolio() Portfolio {
	pf := Portfolio{Type: TypePortfolio, Name: b.opts.PortfolioName, Positions: []Position{}}
	for _, p := range b.src.Positions() {
		if p.Flat() {
			continue
		}
		pf.Positions = append(pf.Positions, Position{
			Type:       TypePosition,
			Instrument: Instrument{Type: TypeInstrument, ID: InstrumentID{Ticker: p.Symbol}},
			Holding:    p.Net(),
			AvgCost:    model.Dec(p.Cost),
		})
	}
	return pf
}

// OrderCollection builds the recent-orders collection. ok is false when
// there are no orders.
func (b *Broadcaster) OrderCollection() (Collection, bool) {
	orders := b.src.Orders()
	if len(orders) == 0 {
		return Collection{}, false
	}
	if len(orders) > b.opts.OrderCap {
		orders = orders[:b.opts.OrderCap]
	}
	col := Collection{Type: TypeCollection, Name: "Recent Orders", Members: make([]Context, 0, len(orders))}
	for _, o := range orders {
		col.Members = append(col.Members, Order{
			Type: TypeOrder,
			ID:   OrderID{OrderID: o.ID},
			Details: OrderDetails{
				Symbol: o.Symbol,
				Side:   string(o.Side),
				Qty:    o.Qty,
				Status: string(o.Status),
			},
		})
	}
	return col, true
}

// TradeCollection builds the recent-trades collection. ok is false when
// there are no trades.
func (b *Broadcaster) TradeCollection() (Collection, bool) {
	trades := b.src.Trades()
	if len(trades) == 0 {
		return Collection{}, false
	}
	if len(trades) > b.opts.TradeCap {
		trades = trades[:b.opts.TradeCap]
	}
	col := Collection{Type: TypeCollection, Name: "Recent Trades", Members: make([]Context, 0, len(trades))}
	for _, t := range trades {
		col.Members = append(col.Members, tradeContext(t))
	}
	return col, true
}

// Summary builds the compact portfolio.summary. ok is false when there is
// nothing to report.
func (b *Broadcaster) Summary() (Summary, bool) {
	s := Summary{Type: TypeSummary, Positions: []SummaryPosition{}, Orders: []SummaryOrder{}}
	for _, p := range b.src.Positions() {
		if p.Flat() {
			continue
		}
		s.Positions = append(s.Positions, SummaryPosition{Sym: p.Symbol, Qty: p.Net(), Avg: p.Cost.Round(2)})
	}
	orders := b.src.Orders()
	if len(orders) > b.opts.SummaryOrderCap {
		orders = orders[:b.opts.SummaryOrderCap]
	}
	for _, o := range orders {
		s.Orders = append(s.Orders, SummaryOrder{ID: o.ID, Sym: o.Symbol, Side: string(o.Side), Qty: o.Qty, St: string(o.Status)})
	}
	return s, len(s.Positions) > 0 || len(s.Orders) > 0
}

func (b *Broadcaster) publish(ctx context.Context, c Context) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, t := range b.targets {
		if t.queue == nil {
			b.deliver(ctx, t.bus, c)
			continue
		}
		// Queued delivery outlives the caller's request.
		select {
		case t.queue <- queued{ctx: context.WithoutCancel(ctx), c: c}:
		default:
			b.report(t.bus.Name(), Kind(c), ErrQueueFull)
		}
	}
}

func (b *Broadcaster) deliver(ctx context.Context, bus Bus, c Context) {
	b.report(bus.Name(), Kind(c), bus.Publish(ctx, c))
}

func (b *Broadcaster) report(bus, kind string, err error) {
	if err != nil {
		log.Printf("[interop] %s: publish %s: %v", bus, kind, err)
	}
	if b.OnPublish != nil {
		b.OnPublish(bus, kind, err)
	}
}

func tradeContext(t model.Trade) Trade {
	tc := Trade{
		Type:         TypeTrade,
		ID:           ExecID{ExecID: t.ExecID},
		Instrument:   NewInstrument(t.Symbol, ""),
		Side:         string(t.Side),
		Quantity:     t.Qty,
		Price:        t.Price,
		OrderID:      t.OrderID,
		Counterparty: t.Counterparty,
		Time:         t.Time,
	}
	if !t.SettleDate.IsZero() {
		tc.SettleDate = t.SettleDate.Format("2006-01-02")
	}
	return tc
}
