package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"tradedesk/internal/execution"
	"tradedesk/internal/interop"
	"tradedesk/internal/metrics"
	"tradedesk/internal/model"
	"tradedesk/internal/notification"
	"tradedesk/internal/portfolio"
)

var tradeDay = time.Date(2026, 6, 10, 14, 0, 0, 0, time.UTC) // Wednesday

func fixedClock() model.Clock {
	return model.ClockFunc(func() time.Time { return tradeDay })
}

// stubVenue accepts orders and lets the test deliver fills.
type stubVenue struct {
	mu        sync.Mutex
	sinks     map[string]model.FillSink
	placed    []model.Order
	cancelled []string
	modified  []model.OrderUpdate
	placeErr  error
	cancelErr error
	async     bool // cancels are confirmed later via VenueTerminal
}

func newStubVenue() *stubVenue {
	return &stubVenue{sinks: make(map[string]model.FillSink)}
}

func (v *stubVenue) Name() string { return "stub" }

func (v *stubVenue) Place(_ context.Context, o model.Order, sink model.FillSink) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.placeErr != nil {
		return "", v.placeErr
	}
	v.placed = append(v.placed, o)
	v.sinks[o.ID] = sink
	return "V-" + o.ID, nil
}

func (v *stubVenue) Cancel(_ context.Context, o model.Order) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancelErr != nil {
		return v.cancelErr
	}
	v.cancelled = append(v.cancelled, o.ID)
	return nil
}

func (v *stubVenue) CancelConfirmedAsync() bool { return v.async }

func (v *stubVenue) Modify(_ context.Context, _ model.Order, upd model.OrderUpdate) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.modified = append(v.modified, upd)
	return nil
}

func (v *stubVenue) fill(t *testing.T, id string, qty int64, px string) {
	t.Helper()
	v.mu.Lock()
	sink := v.sinks[id]
	v.mu.Unlock()
	if sink == nil {
		t.Fatalf("no sink for %s", id)
	}
	if err := sink(model.Fill{OrderID: id, Qty: qty, Price: decimal.RequireFromString(px), Counterparty: "GS", Time: tradeDay}); err != nil {
		t.Fatalf("fill %s: %v", id, err)
	}
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (r *alertRecorder) Send(_ context.Context, a notification.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *alertRecorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, a := range r.alerts {
		out = append(out, a.Event)
	}
	return out
}

type journalRecorder struct {
	mu     sync.Mutex
	trades []model.Trade
}

func (j *journalRecorder) RecordTrade(t model.Trade) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.trades = append(j.trades, t)
	return nil
}

func (j *journalRecorder) RecentTrades(limit int) ([]model.Trade, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]model.Trade(nil), j.trades...), nil
}

func (j *journalRecorder) Close() error { return nil }

type fixture struct {
	eng     *Engine
	venue   *stubVenue
	bus     *interop.MemoryBus
	alerts  *alertRecorder
	journal *journalRecorder
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, risk portfolio.RiskLimits) *fixture {
	t.Helper()
	f := &fixture{
		venue:   newStubVenue(),
		bus:     interop.NewMemoryBus(),
		alerts:  &alertRecorder{},
		journal: &journalRecorder{},
		metrics: metrics.NewMetricsWith(prometheus.NewRegistry()),
	}
	f.eng = New(Options{
		Risk:     risk,
		Buses:    []interop.Bus{f.bus},
		Journal:  f.journal,
		Notifier: f.alerts,
		Metrics:  f.metrics,
		Clock:    fixedClock(),
	})
	f.eng.Seed(DefaultWatchlist())
	f.eng.UseVenue(f.venue)
	return f
}

func limitReq(symbol string, side model.Side, qty int64, px string) model.OrderRequest {
	return model.OrderRequest{
		Symbol: symbol, Side: side, Qty: qty, Type: model.OrderLimit,
		LimitPrice: model.Dec(decimal.RequireFromString(px)), TIF: model.TIFDay,
	}
}

func TestEndToEnd_PaperVenuePartialThenFilled(t *testing.T) {
	bus := interop.NewMemoryBus()
	eng := New(Options{Buses: []interop.Bus{bus}, Clock: fixedClock()})
	eng.Seed(DefaultWatchlist())

	// Split (0.9) roughly in half (0.5), then per fill a zero offset (0.5)
	// and a counterparty pick.
	rnd := execution.NewSequenceRand(0.9, 0.5, 0.5, 0.0, 0.5, 0.2)
	paper := execution.NewPaperVenue(execution.PaperConfig{
		AckDelay: 5 * time.Millisecond, FillDelay: 5 * time.Millisecond,
		SlippageBand: 0.05, SplitThreshold: 100,
	}, rnd, eng.LastPrice, fixedClock())
	defer paper.Close()
	eng.UseVenue(paper)

	events := eng.Subscribe()
	order, err := eng.SubmitOrder(context.Background(), limitReq("aapl", model.SideBuy, 200, "189.45"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if order.ID != "ORD-1001" || order.Status != model.StatusNew || order.Symbol != "AAPL" {
		t.Fatalf("order: %+v", order)
	}
	if got := order.SettleDate.Format("2006-01-02"); got != "2026-06-12" {
		t.Errorf("settle date: got %s, want T+2 2026-06-12", got)
	}

	var statuses []model.OrderStatus
	trades := 0
	deadline := time.After(3 * time.Second)
	for trades < 2 {
		select {
		case ev := <-events:
			switch ev.Kind {
			case EventOrder:
				statuses = append(statuses, ev.Order.Status)
			case EventTrade:
				trades++
			}
		case <-deadline:
			t.Fatalf("statuses before timeout: %v", statuses)
		}
	}
	want := []model.OrderStatus{model.StatusNew, model.StatusPartial, model.StatusFilled}
	if fmt.Sprint(statuses) != fmt.Sprint(want) {
		t.Errorf("status sequence: got %v, want %v", statuses, want)
	}

	pos, ok := eng.ledger.Position("AAPL")
	if !ok || pos.Net() != 200 || !pos.Cost.Equal(decimal.RequireFromString("189.45")) {
		t.Errorf("position: %+v", pos)
	}
	got := eng.Trades()
	if len(got) != 2 || got[0].Counterparty != "MS" || got[1].Counterparty != "GS" {
		t.Errorf("trades (newest first): %+v", got)
	}

	c, ok := bus.Last(interop.TypePosition)
	if !ok || c.(interop.Position).Holding != 200 {
		t.Errorf("last position context: %+v", c)
	}
	if _, ok := bus.Last(interop.TypeTrade); !ok {
		t.Error("no trade context published")
	}
}

func TestSubmitOrder_VenueRejectMarksRejected(t *testing.T) {
	f := newFixture(t, portfolio.RiskLimits{})
	f.venue.placeErr = errors.New("no trading permissions")

	o, err := f.eng.SubmitOrder(context.Background(), limitReq("MSFT", model.SideBuy, 10, "420"))
	if !errors.Is(err, model.ErrTransport) {
		t.Fatalf("got %v, want transport error", err)
	}
	if o.Status != model.StatusRejected || o.Reason == "" {
		t.Errorf("order: %+v", o)
	}
	stored, _ := f.eng.Order(o.ID)
	if stored.Status != model.StatusRejected {
		t.Errorf("stored status: %s", stored.Status)
	}
	if ev := f.alerts.events(); len(ev) != 1 || ev[0] != notification.EventOrderRejected {
		t.Errorf("alerts: %v", ev)
	}
	if n := testutil.ToFloat64(f.metrics.OrdersRejected.WithLabelValues("stub")); n != 1 {
		t.Errorf("rejected metric: %v", n)
	}
}

func TestSubmitOrder_ValidationAndRisk(t *testing.T) {
	f := newFixture(t, portfolio.RiskLimits{MaxPositionSize: 500})

	if _, err := f.eng.SubmitOrder(context.Background(), limitReq("AAPL", model.SideBuy, 0, "189")); !errors.Is(err, model.ErrValidation) {
		t.Errorf("zero qty: got %v", err)
	}
	if _, err := f.eng.SubmitOrder(context.Background(), limitReq("AAPL", model.SideBuy, 600, "189")); !errors.Is(err, model.ErrValidation) {
		t.Errorf("risk: got %v", err)
	}
	if n := len(f.eng.Orders()); n != 0 {
		t.Errorf("rejected requests must not create orders, got %d", n)
	}
	if n := testutil.ToFloat64(f.metrics.OrdersRejected.WithLabelValues(model.KindValidation)); n != 2 {
		t.Errorf("rejected metric: %v", n)
	}
}

func TestSubmitOrder_NoVenue(t *testing.T) {
	eng := New(Options{Clock: fixedClock()})
	if _, err := eng.SubmitOrder(context.Background(), limitReq("AAPL", model.SideBuy, 1, "1")); !errors.Is(err, model.ErrTransport) {
		t.Errorf("got %v", err)
	}
}

func TestFills_JournalAndAlerts(t *testing.T) {
	f := newFixture(t, portfolio.RiskLimits{})
	var hooked int
	f.eng.OnTrade = func(model.Trade) { hooked++ }

	o, err := f.eng.SubmitOrder(context.Background(), limitReq("AAPL", model.SideBuy, 200, "189.45"))
	if err != nil {
		t.Fatal(err)
	}
	if stored, _ := f.eng.Order(o.ID); stored.VenueOrderID != "V-"+o.ID {
		t.Errorf("venue id: %q", stored.VenueOrderID)
	}
	f.venue.fill(t, o.ID, 100, "189.45")
	f.venue.fill(t, o.ID, 100, "189.47")

	if len(f.journal.trades) != 2 || hooked != 2 {
		t.Errorf("journal %d, hook %d", len(f.journal.trades), hooked)
	}
	if ev := f.alerts.events(); len(ev) != 1 || ev[0] != notification.EventOrderFilled {
		t.Errorf("alerts: %v", ev)
	}
	if n := testutil.ToFloat64(f.metrics.FillQtyTotal); n != 200 {
		t.Errorf("fill qty metric: %v", n)
	}
	if n := testutil.ToFloat64(f.metrics.OpenOrders); n != 0 {
		t.Errorf("open orders gauge: %v", n)
	}
	if _, err := f.eng.ApplyFill(model.Fill{OrderID: o.ID, Qty: 1, Price: decimal.NewFromInt(1)}); !errors.Is(err, model.ErrConflict) {
		t.Errorf("fill on filled order: got %v", err)
	}
	got, _ := f.eng.JournalTrades(10)
	if len(got) != 2 {
		t.Errorf("journal trades: %d", len(got))
	}
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t, portfolio.RiskLimits{})
	ctx := context.Background()
	o, _ := f.eng.SubmitOrder(ctx, limitReq("AAPL", model.SideBuy, 200, "189.45"))
	f.venue.fill(t, o.ID, 50, "189.45")

	f.venue.cancelErr = fmt.Errorf("%w: order already filled at venue", model.ErrConflict)
	if _, err := f.eng.CancelOrder(ctx, o.ID); !errors.Is(err, model.ErrConflict) {
		t.Errorf("venue refusal: got %v", err)
	}
	if stored, _ := f.eng.Order(o.ID); stored.Status != model.StatusPartial {
		t.Errorf("refused cancel changed status to %s", stored.Status)
	}

	f.venue.cancelErr = nil
	c, err := f.eng.CancelOrder(ctx, o.ID)
	if err != nil || c.Status != model.StatusCancelled || c.CumQty != 50 {
		t.Fatalf("cancel: %+v %v", c, err)
	}
	if _, err := f.eng.CancelOrder(ctx, o.ID); !errors.Is(err, model.ErrConflict) {
		t.Errorf("second cancel: got %v", err)
	}
	if _, err := f.eng.CancelOrder(ctx, "ORD-9"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown order: got %v", err)
	}
}

func TestCancelOrder_AwaitsVenueConfirmation(t *testing.T) {
	f := newFixture(t, portfolio.RiskLimits{})
	f.venue.async = true
	ctx := context.Background()
	o, _ := f.eng.SubmitOrder(ctx, limitReq("AAPL", model.SideBuy, 200, "189.45"))

	c, err := f.eng.CancelOrder(ctx, o.ID)
	if err != nil || c.Status != model.StatusNew {
		t.Fatalf("cancel request: %+v %v", c, err)
	}

	f.venue.fill(t, o.ID, 50, "189.45")
	f.eng.VenueTerminal(o.ID, "Cancelled")

	got, _ := f.eng.Order(o.ID)
	if got.Status != model.StatusCancelled || got.CumQty != 50 {
		t.Errorf("after confirmation: %+v", got)
	}
	if pos, ok := f.eng.ledger.Position("AAPL"); !ok || pos.Net() != 50 {
		t.Errorf("late fill not booked: %+v", pos)
	}
}

func TestModifyOrder(t *testing.T) {
	f := newFixture(t, portfolio.RiskLimits{})
	ctx := context.Background()
	o, _ := f.eng.SubmitOrder(ctx, limitReq("AAPL", model.SideBuy, 200, "189.45"))

	qty := int64(300)
	px := decimal.RequireFromString("189.40")
	m, err := f.eng.ModifyOrder(ctx, o.ID, model.OrderUpdate{Qty: &qty, LimitPrice: &px})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if m.Qty != 300 || !m.LimitPrice.Equal(px) || len(f.venue.modified) != 1 {
		t.Errorf("modified: %+v", m)
	}
	if _, err := f.eng.ModifyOrder(ctx, o.ID, model.OrderUpdate{}); !errors.Is(err, model.ErrValidation) {
		t.Errorf("empty update: got %v", err)
	}
}

func TestFlattenPosition(t *testing.T) {
	f := newFixture(t, portfolio.RiskLimits{})
	ctx := context.Background()

	if _, err := f.eng.FlattenPosition(ctx, "AAPL"); !errors.Is(err, model.ErrConflict) {
		t.Errorf("flat: got %v", err)
	}
	o, _ := f.eng.SubmitOrder(ctx, limitReq("TSLA", model.SideSell, 75, "175.30"))
	f.venue.fill(t, o.ID, 75, "175.30")

	flat, err := f.eng.FlattenPosition(ctx, "tsla")
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if flat.Side != model.SideBuy || flat.Qty != 75 || flat.Type != model.OrderMarket {
		t.Errorf("flatten order: %+v", flat)
	}
}

func TestWatchlistAndSelection(t *testing.T) {
	f := newFixture(t, portfolio.RiskLimits{})

	if _, err := f.eng.AddInstrument(" ", "", ""); !errors.Is(err, model.ErrValidation) {
		t.Errorf("empty symbol: got %v", err)
	}
	if _, err := f.eng.AddInstrument("aapl", "", ""); !errors.Is(err, model.ErrConflict) {
		t.Errorf("duplicate: got %v", err)
	}
	inst, err := f.eng.AddInstrument("usd/chf", "Swissie", "")
	if err != nil || inst.Class != model.AssetFX || inst.Symbol != "USD/CHF" {
		t.Fatalf("add: %+v %v", inst, err)
	}
	if c, ok := f.bus.Last(interop.TypeInstrumentList); !ok || len(c.(interop.InstrumentList).Instruments) != 8 {
		t.Errorf("watchlist context: %+v", c)
	}

	if _, err := f.eng.SelectSymbol("QQQ"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("select unknown: got %v", err)
	}
	if _, err := f.eng.SelectSymbol("usd/chf"); err != nil {
		t.Fatal(err)
	}
	c, ok := f.bus.Last(interop.TypeInstrument)
	if !ok || c.(interop.Instrument).ID.Ticker != "USD/CHF" {
		t.Errorf("selection context: %+v", c)
	}
	if sel, ok := f.eng.Selected(); !ok || sel.Symbol != "USD/CHF" {
		t.Errorf("selected: %+v", sel)
	}

	if err := f.eng.RemoveInstrument("USD/CHF"); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.eng.Selected(); ok {
		t.Error("removing the selected symbol must clear the selection")
	}
	if err := f.eng.RemoveInstrument("USD/CHF"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("remove twice: got %v", err)
	}
}

func TestSummaryMarksAtLastPrice(t *testing.T) {
	f := newFixture(t, portfolio.RiskLimits{})
	ctx := context.Background()
	o, _ := f.eng.SubmitOrder(ctx, limitReq("AAPL", model.SideBuy, 100, "189.45"))
	f.venue.fill(t, o.ID, 100, "189.45")

	if err := f.eng.UpdateQuote("AAPL", decimal.RequireFromString("190.45"), decimal.RequireFromString("190.44"), decimal.RequireFromString("190.46")); err != nil {
		t.Fatal(err)
	}
	s := f.eng.Summary()
	if !s.UnrealizedPnL.Equal(decimal.NewFromInt(100)) || s.OpenPositions != 1 {
		t.Errorf("summary: %+v", s)
	}
	if err := f.eng.UpdateQuote("AAPL", decimal.NewFromInt(1), decimal.NewFromInt(2), decimal.NewFromInt(1)); !errors.Is(err, model.ErrValidation) {
		t.Errorf("crossed quote: got %v", err)
	}
	if err := f.eng.UpdateQuote("ZZZ", decimal.NewFromInt(1), decimal.Zero, decimal.Zero); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown symbol: got %v", err)
	}
}

func TestProposeConfirm(t *testing.T) {
	f := newFixture(t, portfolio.RiskLimits{})
	ctx := context.Background()

	p, err := f.eng.ProposeTrade(limitReq("nvda", model.SideBuy, 10, "950"))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(f.eng.Proposals()) != 1 || p.Params.Symbol != "NVDA" {
		t.Errorf("pending: %+v", f.eng.Proposals())
	}

	res := f.eng.ConfirmTrade(ctx, p.Token)
	if !res.Executed || res.OrderID == "" {
		t.Fatalf("confirm: %+v", res)
	}
	if _, err := f.eng.Order(res.OrderID); err != nil {
		t.Errorf("executed order missing: %v", err)
	}
	again := f.eng.ConfirmTrade(ctx, p.Token)
	if again.Executed || !again.AlreadyHandled {
		t.Errorf("second confirm: %+v", again)
	}

	ev := f.alerts.events()
	if len(ev) == 0 || ev[0] != notification.EventProposalCreated {
		t.Errorf("alerts: %v", ev)
	}
	if n := testutil.ToFloat64(f.metrics.Proposals.WithLabelValues("executed")); n != 1 {
		t.Errorf("executed proposals: %v", n)
	}

	p2, _ := f.eng.ProposeTrade(limitReq("MSFT", model.SideSell, 5, "420"))
	if _, err := f.eng.CancelProposal(p2.Token); err != nil {
		t.Errorf("cancel proposal: %v", err)
	}
	if len(f.eng.Proposals()) != 0 {
		t.Error("cancelled proposal still pending")
	}
}

func TestSearchAndSnapshotFromWatchlist(t *testing.T) {
	f := newFixture(t, portfolio.RiskLimits{})
	ctx := context.Background()

	got, err := f.eng.SearchContract(ctx, "eur.usd")
	if err != nil || len(got) != 1 || got[0].Symbol != "EUR/USD" || got[0].SecType != "CASH" {
		t.Errorf("fx search: %+v %v", got, err)
	}
	got, err = f.eng.SearchContract(ctx, "tesla")
	if err != nil || len(got) != 1 || got[0].Symbol != "TSLA" {
		t.Errorf("name search: %+v %v", got, err)
	}
	if _, err := f.eng.SearchContract(ctx, "ZZZZ"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("no match: got %v", err)
	}

	snap, err := f.eng.MarketSnapshot(ctx, []string{"msft", "AAPL"})
	if err != nil || len(snap) != 2 || snap[0].Symbol != "MSFT" {
		t.Errorf("snapshot: %+v %v", snap, err)
	}
	if all, _ := f.eng.MarketSnapshot(ctx, nil); len(all) != 7 {
		t.Errorf("full snapshot: %d", len(all))
	}
	if _, err := f.eng.MarketSnapshot(ctx, []string{"QQQ"}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown: got %v", err)
	}
}

func TestVenueTerminal(t *testing.T) {
	f := newFixture(t, portfolio.RiskLimits{})
	a, _ := f.eng.SubmitOrder(context.Background(), limitReq("AAPL", model.SideBuy, 10, "189"))
	b, _ := f.eng.SubmitOrder(context.Background(), limitReq("AAPL", model.SideBuy, 10, "189"))

	f.eng.VenueTerminal(a.ID, "Cancelled")
	f.eng.VenueTerminal(b.ID, "Inactive")

	if o, _ := f.eng.Order(a.ID); o.Status != model.StatusCancelled {
		t.Errorf("%s: %s", a.ID, o.Status)
	}
	if o, _ := f.eng.Order(b.ID); o.Status != model.StatusRejected {
		t.Errorf("%s: %s", b.ID, o.Status)
	}
}
