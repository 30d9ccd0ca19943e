package execution

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/model"
	"tradedesk/internal/portfolio"
	"tradedesk/internal/settlement"
)

var tradeDay = time.Date(2026, 6, 10, 14, 30, 0, 0, time.UTC) // Wednesday

func newBook() (*OrderBook, *portfolio.Ledger) {
	ledger := portfolio.New()
	clock := model.ClockFunc(func() time.Time { return tradeDay })
	return NewOrderBook(settlement.NewDefault(), ledger, clock), ledger
}

func limitReq(sym string, side model.Side, qty int64, px float64) model.OrderRequest {
	return model.OrderRequest{
		Symbol:     sym,
		Side:       side,
		Qty:        qty,
		Type:       model.OrderLimit,
		LimitPrice: model.Dec(decimal.NewFromFloat(px)),
		TIF:        model.TIFDay,
	}
}

func fill(id string, qty int64, px float64) model.Fill {
	return model.Fill{OrderID: id, Qty: qty, Price: decimal.NewFromFloat(px), Counterparty: "GS"}
}

func TestSubmit_AssignsIDsAndSettlement(t *testing.T) {
	b, _ := newBook()
	o1, err := b.Submit(limitReq("MSFT", model.SideBuy, 10, 410))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	o2, _ := b.Submit(limitReq("MSFT", model.SideSell, 5, 411))

	if o1.ID != "ORD-1001" || o2.ID != "ORD-1002" {
		t.Errorf("ids: got %s, %s", o1.ID, o2.ID)
	}
	if o1.Status != model.StatusNew {
		t.Errorf("status: got %s, want NEW", o1.Status)
	}
	// Jun 10 + 2 business days, skipping nothing.
	if got := o1.SettleDate.Format("2006-01-02"); got != "2026-06-12" {
		t.Errorf("settle: got %s, want 2026-06-12", got)
	}

	orders := b.Orders()
	if len(orders) != 2 || orders[0].ID != "ORD-1002" {
		t.Errorf("Orders() must be newest first, got %+v", orders)
	}
}

func TestSubmit_RejectsInvalid(t *testing.T) {
	b, _ := newBook()
	req := limitReq("AAPL", model.SideBuy, 0, 189)
	if _, err := b.Submit(req); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("got %v, want validation error", err)
	}
	if len(b.Orders()) != 0 {
		t.Error("invalid request must not create an order")
	}
}

func TestApplyFill_Lifecycle(t *testing.T) {
	b, ledger := newBook()
	var statuses []model.OrderStatus
	b.OnOrder = func(o model.Order) { statuses = append(statuses, o.Status) }

	var trades []model.Trade
	b.OnTrade = func(tr model.Trade, _ portfolio.FillResult) { trades = append(trades, tr) }

	o, _ := b.Submit(limitReq("AAPL", model.SideBuy, 200, 189.45))
	if _, err := b.ApplyFill(fill(o.ID, 80, 189.40)); err != nil {
		t.Fatalf("fill 1: %v", err)
	}
	if _, err := b.ApplyFill(fill(o.ID, 120, 189.50)); err != nil {
		t.Fatalf("fill 2: %v", err)
	}

	got, _ := b.Order(o.ID)
	if got.Status != model.StatusFilled || got.CumQty != 200 {
		t.Errorf("order: got %s %d, want FILLED 200", got.Status, got.CumQty)
	}
	want := []model.OrderStatus{model.StatusNew, model.StatusPartial, model.StatusFilled}
	if len(statuses) != len(want) {
		t.Fatalf("statuses: got %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("status[%d]: got %s, want %s", i, statuses[i], want[i])
		}
	}

	// (80*189.40 + 120*189.50) / 200 = 189.46
	if !got.AvgPx.Equal(decimal.NewFromFloat(189.46)) {
		t.Errorf("avg px: got %s, want 189.46", got.AvgPx)
	}

	pos, _ := ledger.Position("AAPL")
	if pos.Long != 200 {
		t.Errorf("ledger long: got %d, want 200", pos.Long)
	}
	if !pos.LastSettle.Equal(o.SettleDate) {
		t.Errorf("last settle: got %v, want %v", pos.LastSettle, o.SettleDate)
	}

	if len(trades) != 2 || trades[0].ExecID != "EX-1" || trades[1].ExecID != "EX-2" {
		t.Errorf("trades: %+v", trades)
	}
	if all := b.Trades(); len(all) != 2 || all[0].ExecID != "EX-2" {
		t.Errorf("Trades() must be newest first, got %+v", all)
	}
}

func TestApplyFill_Errors(t *testing.T) {
	b, _ := newBook()
	o, _ := b.Submit(limitReq("AAPL", model.SideBuy, 100, 189))

	tests := []struct {
		name string
		fill model.Fill
		want error
	}{
		{"unknown order", fill("ORD-9", 1, 189), model.ErrNotFound},
		{"overfill", fill(o.ID, 101, 189), model.ErrValidation},
		{"zero qty", fill(o.ID, 0, 189), model.ErrValidation},
		{"zero price", model.Fill{OrderID: o.ID, Qty: 1}, model.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.ApplyFill(tt.fill); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := b.ApplyFill(fill(o.ID, 100, 189)); err != nil {
		t.Fatalf("full fill: %v", err)
	}
	if _, err := b.ApplyFill(fill(o.ID, 1, 189)); !errors.Is(err, model.ErrConflict) {
		t.Errorf("fill on FILLED: got %v, want conflict", err)
	}
}

func TestCancel_TerminalRejected(t *testing.T) {
	b, _ := newBook()
	o, _ := b.Submit(limitReq("AAPL", model.SideBuy, 100, 189))
	b.ApplyFill(fill(o.ID, 40, 189))

	if _, err := b.CheckCancelable(o.ID); err != nil {
		t.Fatalf("partial order must be cancelable: %v", err)
	}
	got, err := b.MarkCancelled(o.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != model.StatusCancelled || got.CumQty != 40 {
		t.Errorf("cancelled: got %s %d", got.Status, got.CumQty)
	}

	if _, err := b.MarkCancelled(o.ID); !errors.Is(err, model.ErrConflict) {
		t.Errorf("second cancel: got %v, want conflict", err)
	}
	if _, err := b.ApplyFill(fill(o.ID, 10, 189)); !errors.Is(err, model.ErrConflict) {
		t.Errorf("fill after cancel: got %v, want conflict", err)
	}
	if _, err := b.CheckCancelable("ORD-404"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown: got %v, want not found", err)
	}
}

func TestModify(t *testing.T) {
	b, _ := newBook()
	o, _ := b.Submit(limitReq("AAPL", model.SideBuy, 100, 189))
	b.ApplyFill(fill(o.ID, 60, 189))

	below := int64(50)
	if _, err := b.PrepareModify(o.ID, model.OrderUpdate{Qty: &below}); !errors.Is(err, model.ErrValidation) {
		t.Errorf("qty below filled: got %v", err)
	}
	if _, err := b.PrepareModify(o.ID, model.OrderUpdate{}); !errors.Is(err, model.ErrValidation) {
		t.Errorf("empty update: got %v", err)
	}

	qty := int64(150)
	px := decimal.NewFromFloat(188.5)
	upd := model.OrderUpdate{Qty: &qty, LimitPrice: &px}
	if _, err := b.PrepareModify(o.ID, upd); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	got, err := b.ApplyModify(o.ID, upd)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got.Qty != 150 || !got.LimitPrice.Equal(px) || got.Status != model.StatusPartial {
		t.Errorf("modified: %+v", got)
	}

	// Shrinking to the filled quantity completes the order.
	exact := int64(60)
	got, _ = b.ApplyModify(o.ID, model.OrderUpdate{Qty: &exact})
	if got.Status != model.StatusFilled {
		t.Errorf("shrink to filled: got %s, want FILLED", got.Status)
	}
}

func TestModify_MarketHasNoLimit(t *testing.T) {
	b, _ := newBook()
	o, _ := b.Submit(model.OrderRequest{Symbol: "AAPL", Side: model.SideBuy, Qty: 5, Type: model.OrderMarket})
	px := decimal.NewFromInt(1)
	if _, err := b.PrepareModify(o.ID, model.OrderUpdate{LimitPrice: &px}); !errors.Is(err, model.ErrValidation) {
		t.Errorf("got %v, want validation error", err)
	}
}

func TestApplyFill_AvgPxIsWeightedMean(t *testing.T) {
	b, _ := newBook()
	o, _ := b.Submit(limitReq("EUR/USD", model.SideSell, 1000, 1.0850))

	parts := []struct {
		qty int64
		px  float64
	}{{333, 1.0851}, {333, 1.0849}, {334, 1.0853}}

	var notional float64
	for _, p := range parts {
		if _, err := b.ApplyFill(fill(o.ID, p.qty, p.px)); err != nil {
			t.Fatalf("fill: %v", err)
		}
		notional += float64(p.qty) * p.px
	}
	got, _ := b.Order(o.ID)
	avg, _ := got.AvgPx.Float64()
	if want := notional / 1000; math.Abs(avg-want) > 1e-9 {
		t.Errorf("avg px: got %v, want %v", avg, want)
	}
}

func TestApplyFill_ConcurrentOrders(t *testing.T) {
	b, ledger := newBook()
	ids := make([]string, 10)
	for i := range ids {
		o, _ := b.Submit(limitReq("AAPL", model.SideBuy, 100, 100))
		ids[i] = o.ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := b.ApplyFill(fill(id, 10, 100)); err != nil {
					t.Errorf("fill %s: %v", id, err)
				}
			}
		}(id)
	}
	wg.Wait()

	pos, _ := ledger.Position("AAPL")
	if pos.Long != 1000 {
		t.Errorf("long: got %d, want 1000", pos.Long)
	}
	if n := len(b.OpenOrders()); n != 0 {
		t.Errorf("open orders: got %d, want 0", n)
	}
}

func TestSubmit_CopiesRequestPrices(t *testing.T) {
	b, _ := newBook()
	req := limitReq("MSFT", model.SideBuy, 10, 410)
	o, _ := b.Submit(req)

	*req.LimitPrice = decimal.NewFromInt(1)
	got, _ := b.Order(o.ID)
	if !got.LimitPrice.Equal(decimal.NewFromInt(410)) {
		t.Errorf("booked limit changed with the request: %s", got.LimitPrice)
	}
}

func TestOrderEvents_NeverGoBackwards(t *testing.T) {
	for round := 0; round < 50; round++ {
		b, _ := newBook()
		var mu sync.Mutex
		last := map[string]model.Order{}
		b.OnOrder = func(o model.Order) {
			mu.Lock()
			defer mu.Unlock()
			if prev, ok := last[o.ID]; ok && o.Version <= prev.Version {
				t.Errorf("event for %s went from v%d to v%d", o.ID, prev.Version, o.Version)
			}
			last[o.ID] = o
		}
		o, _ := b.Submit(limitReq("AAPL", model.SideBuy, 200, 189.45))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.ApplyFill(fill(o.ID, 50, 189.45))
		}()
		go func() {
			defer wg.Done()
			b.MarkCancelled(o.ID)
		}()
		wg.Wait()

		final, _ := b.Order(o.ID)
		mu.Lock()
		got := last[o.ID]
		mu.Unlock()
		if got.Version != final.Version || got.Status != model.StatusCancelled {
			t.Fatalf("round %d: last event %s v%d, book %s v%d",
				round, got.Status, got.Version, final.Status, final.Version)
		}
	}
}
