// Package engine is the desk's composition root. It ties the order book,
// ledger, settlement calendar, execution venue, confirmation broker and
// context broadcaster together and exposes the operations the HTTP API and
// the agent tools call.
package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tradedesk/internal/confirm"
	"tradedesk/internal/execution"
	"tradedesk/internal/interop"
	"tradedesk/internal/metrics"
	"tradedesk/internal/model"
	"tradedesk/internal/notification"
	"tradedesk/internal/portfolio"
	"tradedesk/internal/settlement"
)

// MarketData is implemented by venues that can search contracts and quote
// symbols themselves (the IBKR venue). Without one the watchlist answers.
type MarketData interface {
	SearchContract(ctx context.Context, symbol string) ([]model.Contract, error)
	Snapshot(ctx context.Context, symbols []string) ([]model.Instrument, error)
}

// TradeReader reads back the audit journal.
type TradeReader interface {
	RecentTrades(limit int) ([]model.Trade, error)
}

// Options configures an Engine. Zero fields take defaults.
type Options struct {
	Calendar    *settlement.Calendar
	Risk        portfolio.RiskLimits
	Broadcast   interop.Options
	Buses       []interop.Bus
	ProposalTTL time.Duration
	Journal     model.TradeRecorder
	Notifier    notification.Notifier
	Metrics     *metrics.Metrics
	Clock       model.Clock
	EventBuffer int
}

// Engine owns the desk state.
type Engine struct {
	clock    model.Clock
	calendar *settlement.Calendar
	ledger   *portfolio.Ledger
	risk     *portfolio.RiskManager
	book     *execution.OrderBook
	broker   *confirm.Broker
	bcast    *interop.Broadcaster
	events   *FanOut
	watch    *watchlist
	journal  model.TradeRecorder
	notifier notification.Notifier
	metrics  *metrics.Metrics

	mu    sync.RWMutex
	venue model.Venue

	// OnTrade is called after every applied fill (health hook).
	OnTrade func(trade model.Trade)
}

// New creates an Engine. A venue must be attached with UseVenue before
// orders can be submitted.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = model.SystemClock
	}
	if opts.Calendar == nil {
		opts.Calendar = settlement.NewDefault()
	}
	if opts.ProposalTTL <= 0 {
		opts.ProposalTTL = confirm.DefaultTTL
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}

	e := &Engine{
		clock:    opts.Clock,
		calendar: opts.Calendar,
		ledger:   portfolio.New(),
		events:   NewFanOut(opts.EventBuffer),
		watch:    newWatchlist(),
		journal:  opts.Journal,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
	}
	e.risk = portfolio.NewRiskManager(opts.Risk, e.ledger)
	e.book = execution.NewOrderBook(e.calendar, e.ledger, e.clock)
	e.book.OnOrder = e.orderChanged
	e.broker = confirm.NewBroker(e.SubmitOrder, opts.ProposalTTL, e.clock)
	e.broker.OnChange = e.proposalChanged
	e.bcast = interop.NewBroadcaster(e, opts.Broadcast, opts.Buses...)
	e.events.OnDrop = func(idx int, ev Event) {
		log.Printf("[engine] subscriber %d full, dropping %s event", idx, ev.Kind)
		if e.metrics != nil {
			e.metrics.EventDrops.Inc()
		}
	}
	if e.metrics != nil {
		e.bcast.OnPublish = func(bus, kind string, err error) {
			e.metrics.ContextPublish.WithLabelValues(bus, kind).Inc()
			if err != nil {
				e.metrics.ContextPublishErrors.WithLabelValues(bus).Inc()
			}
		}
	}
	return e
}

// UseVenue attaches the execution venue.
func (e *Engine) UseVenue(v model.Venue) {
	e.mu.Lock()
	e.venue = v
	e.mu.Unlock()
	log.Printf("[engine] routing orders to %s", v.Name())
}

// Venue returns the attached venue, or nil.
func (e *Engine) Venue() model.Venue {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.venue
}

// Broadcaster exposes the context broadcaster.
func (e *Engine) Broadcaster() *interop.Broadcaster { return e.bcast }

// Run publishes periodic snapshots and expires proposals until ctx ends.
func (e *Engine) Run(ctx context.Context, broadcastInterval time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.bcast.Run(ctx, broadcastInterval)
		return nil
	})
	g.Go(func() error {
		e.broker.Run(ctx, time.Second)
		return nil
	})
	return g.Wait()
}

// Close stops event delivery to subscribers and drains queued bus
// publishes.
func (e *Engine) Close() {
	e.events.Close()
	e.bcast.Close()
}

// ── Orders ──

// SubmitOrder runs the risk check, books the order and forwards it to the
// venue. A venue refusal leaves the order REJECTED and returns the cause.
func (e *Engine) SubmitOrder(ctx context.Context, req model.OrderRequest) (model.Order, error) {
	venue := e.Venue()
	if venue == nil {
		return model.Order{}, fmt.Errorf("%w: no venue attached", model.ErrTransport)
	}
	req.Symbol = normalizeSymbol(req.Symbol)
	if err := model.ValidateRequest(req); err != nil {
		e.countReject(err)
		return model.Order{}, err
	}
	if err := e.risk.Check(req.Symbol, req.Side, req.Qty); err != nil {
		e.countReject(err)
		return model.Order{}, err
	}
	order, err := e.book.Submit(req)
	if err != nil {
		e.countReject(err)
		return model.Order{}, err
	}
	if e.metrics != nil {
		e.metrics.OrdersSubmitted.Inc()
	}

	start := time.Now()
	venueID, err := venue.Place(ctx, order, e.fillSink)
	e.observeVenue(venue, "place", start)
	if err != nil {
		err = venueError(err)
		rejected, rerr := e.book.MarkRejected(order.ID, err.Error())
		if rerr != nil {
			log.Printf("[engine] %s: reject after venue error: %v", order.ID, rerr)
			rejected = order
		}
		if e.metrics != nil {
			e.metrics.OrdersRejected.WithLabelValues(venue.Name()).Inc()
		}
		return rejected, fmt.Errorf("%s rejected by %s: %w", order.ID, venue.Name(), err)
	}
	if venueID != "" && venueID != order.ID {
		e.book.SetVenueOrderID(order.ID, venueID)
	}
	return e.book.Order(order.ID)
}

// CancelOrder asks the venue to cancel and marks the order CANCELLED once
// the venue confirms. For venues that confirm later the order is returned
// still working; VenueTerminal finishes it.
func (e *Engine) CancelOrder(ctx context.Context, id string) (model.Order, error) {
	venue := e.Venue()
	if venue == nil {
		return model.Order{}, fmt.Errorf("%w: no venue attached", model.ErrTransport)
	}
	o, err := e.book.CheckCancelable(id)
	if err != nil {
		return model.Order{}, err
	}
	start := time.Now()
	err = venue.Cancel(ctx, o)
	e.observeVenue(venue, "cancel", start)
	if err != nil {
		return o, fmt.Errorf("cancel %s: %w", id, venueError(err))
	}
	if ac, ok := venue.(model.AsyncCanceler); ok && ac.CancelConfirmedAsync() {
		log.Printf("[engine] cancel of %s sent to %s, awaiting confirmation", id, venue.Name())
		return e.book.Order(id)
	}
	return e.book.MarkCancelled(id)
}

// ModifyOrder changes quantity or prices of a working order after the venue
// accepts the change.
func (e *Engine) ModifyOrder(ctx context.Context, id string, upd model.OrderUpdate) (model.Order, error) {
	venue := e.Venue()
	if venue == nil {
		return model.Order{}, fmt.Errorf("%w: no venue attached", model.ErrTransport)
	}
	o, err := e.book.PrepareModify(id, upd)
	if err != nil {
		return model.Order{}, err
	}
	start := time.Now()
	err = venue.Modify(ctx, o, upd)
	e.observeVenue(venue, "modify", start)
	if err != nil {
		return o, fmt.Errorf("modify %s: %w", id, venueError(err))
	}
	return e.book.ApplyModify(id, upd)
}

// VenueTerminal finalizes an order the venue ended on its own, such as a
// gateway-side cancel or reject.
func (e *Engine) VenueTerminal(id, status string) {
	var err error
	switch strings.ToLower(status) {
	case "cancelled", "canceled":
		_, err = e.book.MarkCancelled(id)
	default:
		_, err = e.book.MarkRejected(id, "venue status "+status)
	}
	if err != nil {
		log.Printf("[engine] %s: venue reported %s: %v", id, status, err)
	}
}

// FlattenPosition closes the net position in symbol with a MARKET order at
// the last price.
func (e *Engine) FlattenPosition(ctx context.Context, symbol string) (model.Order, error) {
	symbol = normalizeSymbol(symbol)
	pos, ok := e.ledger.Position(symbol)
	if !ok || pos.Net() == 0 {
		return model.Order{}, fmt.Errorf("%w: %s is already flat", model.ErrConflict, symbol)
	}
	side, qty := model.SideSell, pos.Net()
	if qty < 0 {
		side, qty = model.SideBuy, -qty
	}
	log.Printf("[engine] flattening %s: %s %d", symbol, side, qty)
	return e.SubmitOrder(ctx, model.OrderRequest{
		Symbol: symbol,
		Side:   side,
		Qty:    qty,
		Type:   model.OrderMarket,
		TIF:    model.TIFDay,
	})
}

func (e *Engine) fillSink(f model.Fill) error {
	_, err := e.ApplyFill(f)
	return err
}

// ApplyFill books a venue fill, journals it and broadcasts the resulting
// position and trade.
func (e *Engine) ApplyFill(fill model.Fill) (model.Trade, error) {
	trade, err := e.book.ApplyFill(fill)
	if err != nil {
		return model.Trade{}, err
	}

	if e.journal != nil {
		if err := e.journal.RecordTrade(trade); err != nil {
			log.Printf("[engine] journal: %v", err)
		}
	}
	if e.metrics != nil {
		e.metrics.FillsTotal.Inc()
		e.metrics.FillQtyTotal.Add(float64(trade.Qty))
	}

	ctx := context.Background()
	if pos, ok := e.ledger.Position(trade.Symbol); ok {
		e.bcast.PublishPosition(ctx, pos)
	}
	e.bcast.PublishTrade(ctx, trade)
	e.events.Publish(Event{Kind: EventTrade, Trade: &trade, Time: trade.Time})
	if e.OnTrade != nil {
		e.OnTrade(trade)
	}
	return trade, nil
}

func (e *Engine) orderChanged(o model.Order) {
	e.events.Publish(Event{Kind: EventOrder, Order: &o, Time: o.UpdatedAt})
	if e.metrics != nil {
		e.metrics.OpenOrders.Set(float64(len(e.book.OpenOrders())))
	}
	switch o.Status {
	case model.StatusFilled:
		e.notify(notification.OrderFilled(o))
	case model.StatusRejected:
		e.notify(notification.OrderRejected(o))
	}
}

// ── Watchlist ──

// Seed loads instruments, skipping symbols already present.
func (e *Engine) Seed(insts []model.Instrument) {
	for _, inst := range insts {
		if _, err := e.watch.add(inst); err != nil {
			log.Printf("[engine] seed %s: %v", inst.Symbol, err)
		}
	}
}

// AddInstrument puts a symbol on the watchlist. An empty class is inferred
// from the ticker.
func (e *Engine) AddInstrument(symbol, name string, class model.AssetClass) (model.Instrument, error) {
	inst, err := e.watch.add(model.Instrument{Symbol: symbol, Name: name, Class: class})
	if err != nil {
		return model.Instrument{}, err
	}
	log.Printf("[engine] watchlist + %s (%s)", inst.Symbol, inst.Class)
	e.bcast.PublishWatchlist(context.Background())
	e.events.Publish(Event{Kind: EventInstrument, Instrument: &inst, Time: e.clock.Now()})
	return inst, nil
}

// RemoveInstrument takes a symbol off the watchlist.
func (e *Engine) RemoveInstrument(symbol string) error {
	inst, err := e.watch.remove(symbol)
	if err != nil {
		return err
	}
	log.Printf("[engine] watchlist - %s", inst.Symbol)
	e.bcast.PublishWatchlist(context.Background())
	return nil
}

// UpdateQuote records the latest prices for a watchlist symbol.
func (e *Engine) UpdateQuote(symbol string, last, bid, ask decimal.Decimal) error {
	_, err := e.watch.quote(symbol, last, bid, ask)
	return err
}

// LastPrice returns the last traded price of symbol. It is the paper
// venue's reference for MARKET orders.
func (e *Engine) LastPrice(symbol string) (decimal.Decimal, bool) {
	inst, ok := e.watch.get(symbol)
	if !ok || !inst.Last.IsPositive() {
		return decimal.Zero, false
	}
	return inst.Last, true
}

// Instruments returns the watchlist in insertion order.
func (e *Engine) Instruments() []model.Instrument { return e.watch.list() }

// SelectSymbol focuses the desk on symbol and broadcasts the selection.
func (e *Engine) SelectSymbol(symbol string) (model.Instrument, error) {
	inst, err := e.watch.selectSymbol(symbol)
	if err != nil {
		return model.Instrument{}, err
	}
	e.bcast.PublishInstrument(context.Background(), inst.Symbol, inst.Name)
	e.events.Publish(Event{Kind: EventInstrument, Instrument: &inst, Time: e.clock.Now()})
	return inst, nil
}

// Selected returns the focused instrument.
func (e *Engine) Selected() (model.Instrument, bool) { return e.watch.current() }

// SearchContract looks symbol up at the venue, or on the watchlist when the
// venue has no contract search.
func (e *Engine) SearchContract(ctx context.Context, symbol string) ([]model.Contract, error) {
	if strings.TrimSpace(symbol) == "" {
		return nil, fmt.Errorf("%w: symbol is required", model.ErrValidation)
	}
	if md, ok := e.Venue().(MarketData); ok {
		return md.SearchContract(ctx, symbol)
	}
	found := e.watch.search(symbol)
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: no contract matches %q", model.ErrNotFound, symbol)
	}
	return found, nil
}

// MarketSnapshot quotes symbols, or the whole watchlist when none are given.
func (e *Engine) MarketSnapshot(ctx context.Context, symbols []string) ([]model.Instrument, error) {
	if len(symbols) == 0 {
		return e.watch.list(), nil
	}
	if md, ok := e.Venue().(MarketData); ok {
		return md.Snapshot(ctx, symbols)
	}
	out := make([]model.Instrument, 0, len(symbols))
	for _, s := range symbols {
		inst, ok := e.watch.get(s)
		if !ok {
			return nil, fmt.Errorf("%w: instrument %s", model.ErrNotFound, normalizeSymbol(s))
		}
		out = append(out, inst)
	}
	return out, nil
}

// ── Proposals ──

// ProposeTrade parks an order for human confirmation.
func (e *Engine) ProposeTrade(req model.OrderRequest) (confirm.Proposal, error) {
	req.Symbol = normalizeSymbol(req.Symbol)
	return e.broker.Propose(req)
}

// ConfirmTrade executes a pending proposal at most once.
func (e *Engine) ConfirmTrade(ctx context.Context, token string) confirm.Result {
	return e.broker.Confirm(ctx, token)
}

// CancelProposal withdraws a pending proposal.
func (e *Engine) CancelProposal(token string) (confirm.Proposal, error) {
	return e.broker.Cancel(token)
}

// Proposal returns one proposal by token.
func (e *Engine) Proposal(token string) (confirm.Proposal, error) {
	return e.broker.Get(token)
}

// Proposals lists proposals awaiting confirmation.
func (e *Engine) Proposals() []confirm.Proposal { return e.broker.Pending() }

func (e *Engine) proposalChanged(p confirm.Proposal) {
	e.events.Publish(Event{Kind: EventProposal, Proposal: &p, Time: p.UpdatedAt})
	switch p.State {
	case confirm.StatePending:
		e.notify(notification.ProposalCreated(p))
	case confirm.StateExpired:
		e.notify(notification.ProposalExpired(p))
	}
	if e.metrics != nil && (p.State == confirm.StatePending || p.State.Final()) {
		e.metrics.Proposals.WithLabelValues(strings.ToLower(string(p.State))).Inc()
	}
}

// ── State reads ──

// Summary returns realized and unrealized P&L marked at last prices.
func (e *Engine) Summary() portfolio.PnLSummary {
	return e.ledger.Summary(e.watch.marks())
}

// Positions returns every position, including flat ones with realized P&L.
func (e *Engine) Positions() []model.Position { return e.ledger.Positions() }

// Orders returns all orders, newest first.
func (e *Engine) Orders() []model.Order { return e.book.Orders() }

// Order returns one order.
func (e *Engine) Order(id string) (model.Order, error) { return e.book.Order(id) }

// Trades returns all trades, newest first.
func (e *Engine) Trades() []model.Trade { return e.book.Trades() }

// JournalTrades reads the audit journal, newest first.
func (e *Engine) JournalTrades(limit int) ([]model.Trade, error) {
	r, ok := e.journal.(TradeReader)
	if !ok {
		return nil, fmt.Errorf("%w: no trade journal configured", model.ErrNotFound)
	}
	if limit <= 0 {
		limit = 100
	}
	return r.RecentTrades(limit)
}

// Subscribe returns a channel of engine events. Slow subscribers lose
// events rather than blocking order flow.
func (e *Engine) Subscribe() <-chan Event { return e.events.Subscribe() }

// Unsubscribe stops delivery to ch and closes it.
func (e *Engine) Unsubscribe(ch <-chan Event) { e.events.Unsubscribe(ch) }

// ── helpers ──

func (e *Engine) notify(a notification.Alert) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Send(context.Background(), a); err != nil {
		log.Printf("[engine] notify %s: %v", a.Event, err)
	}
}

func (e *Engine) countReject(err error) {
	if e.metrics != nil {
		e.metrics.OrdersRejected.WithLabelValues(model.ErrorKind(err)).Inc()
	}
}

func (e *Engine) observeVenue(v model.Venue, op string, start time.Time) {
	if e.metrics != nil {
		e.metrics.ObserveVenue(v.Name(), op, start)
	}
}

// venueError keeps classified venue errors and files the rest as transport
// failures.
func venueError(err error) error {
	if model.ErrorKind(err) == model.KindInternal {
		return fmt.Errorf("%w: %v", model.ErrTransport, err)
	}
	return err
}

var _ interop.StateSource = (*Engine)(nil)
