package interop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"tradedesk/internal/breaker"
	"tradedesk/internal/model"
)

type fakeState struct {
	instruments []model.Instrument
	positions   []model.Position
	orders      []model.Order
	trades      []model.Trade
	selected    *model.Instrument
}

func (f *fakeState) Instruments() []model.Instrument { return f.instruments }
func (f *fakeState) Positions() []model.Position     { return f.positions }
func (f *fakeState) Orders() []model.Order           { return f.orders }
func (f *fakeState) Trades() []model.Trade           { return f.trades }
func (f *fakeState) Selected() (model.Instrument, bool) {
	if f.selected == nil {
		return model.Instrument{}, false
	}
	return *f.selected, true
}

func orders(n int) []model.Order {
	out := make([]model.Order, n)
	for i := range out {
		out[i] = model.Order{
			ID:     fmt.Sprintf("ORD-%d", 1000+n-i),
			Symbol: "AAPL",
			Side:   model.SideBuy,
			Qty:    100,
			Status: model.StatusFilled,
		}
	}
	return out
}

func TestSnapshot_EmptyState(t *testing.T) {
	bus := NewMemoryBus()
	b := NewBroadcaster(&fakeState{}, Options{}, bus)
	b.Snapshot(context.Background())

	kinds := map[string]bool{}
	for _, c := range bus.Published() {
		kinds[Kind(c)] = true
	}
	if !kinds[TypeInstrumentList] || !kinds[TypePortfolio] {
		t.Errorf("watchlist and portfolio are always sent, got %v", kinds)
	}
	for _, k := range []string{TypeSummary, TypeInstrument, TypeCollection + ":" + TypeOrder} {
		if kinds[k] {
			t.Errorf("%s must be omitted for empty state", k)
		}
	}
}

func TestSnapshot_Contents(t *testing.T) {
	st := &fakeState{
		instruments: []model.Instrument{{Symbol: "AAPL"}, {Symbol: "EUR/USD"}},
		positions: []model.Position{
			{Symbol: "AAPL", Long: 200, Cost: decimal.RequireFromString("189.456")},
			{Symbol: "MSFT"}, // flat
			{Symbol: "EUR/USD", Short: 1000, Cost: decimal.RequireFromString("1.085")},
		},
		orders:   orders(20),
		selected: &model.Instrument{Symbol: "AAPL", Name: "Apple Inc."},
	}
	bus := NewMemoryBus()
	NewBroadcaster(st, Options{}, bus).Snapshot(context.Background())

	c, ok := bus.Last(TypePortfolio)
	if !ok {
		t.Fatal("no portfolio published")
	}
	pf := c.(Portfolio)
	if len(pf.Positions) != 2 {
		t.Fatalf("portfolio positions: got %d, want 2 (flat omitted)", len(pf.Positions))
	}
	if pf.Positions[1].Holding != -1000 {
		t.Errorf("short holding: got %d, want -1000", pf.Positions[1].Holding)
	}

	c, ok = bus.Last(TypeCollection + ":" + TypeOrder)
	if !ok {
		t.Fatal("no order collection published")
	}
	col := c.(Collection)
	if len(col.Members) != 15 {
		t.Errorf("order collection: got %d members, want 15", len(col.Members))
	}
	if first := col.Members[0].(Order); first.ID.OrderID != "ORD-1020" {
		t.Errorf("newest first: got %s", first.ID.OrderID)
	}

	c, ok = bus.Last(TypeSummary)
	if !ok {
		t.Fatal("no summary published")
	}
	s := c.(Summary)
	if len(s.Orders) != 10 {
		t.Errorf("summary orders: got %d, want 10", len(s.Orders))
	}
	if !s.Positions[0].Avg.Equal(decimal.RequireFromString("189.46")) {
		t.Errorf("summary avg: got %s, want 189.46", s.Positions[0].Avg)
	}

	c, ok = bus.Last(TypeInstrument)
	if !ok || c.(Instrument).ID.Ticker != "AAPL" {
		t.Errorf("selection: got %+v", c)
	}
}

func TestContextJSON(t *testing.T) {
	st := &fakeState{positions: []model.Position{{Symbol: "AAPL", Long: 200, Cost: decimal.NewFromInt(189)}}}
	b := NewBroadcaster(st, Options{}, NewMemoryBus())
	data, _ := json.Marshal(b.Portfolio())

	want := `{"type":"fdc3.portfolio","name":"Desk Portfolio","positions":[{"type":"fdc3.position","instrument":{"type":"fdc3.instrument","id":{"ticker":"AAPL"}},"holding":200,"avgCost":"189"}]}`
	if string(data) != want {
		t.Errorf("portfolio json:\n got %s\nwant %s", data, want)
	}

	pos := Position{Type: TypePosition, Instrument: NewInstrument("AAPL", ""), Holding: 200}
	data, _ = json.Marshal(pos)
	if strings.Contains(string(data), "avgCost") {
		t.Errorf("single-position update must omit avgCost: %s", data)
	}
}

func TestPublish_FailureIsSilent(t *testing.T) {
	bad := NewMemoryBus()
	bad.FailWith(errors.New("no listener"))
	good := NewMemoryBus()

	var failures int
	b := NewBroadcaster(&fakeState{}, Options{}, bad, nil, good)
	b.OnPublish = func(bus, kind string, err error) {
		if err != nil {
			failures++
		}
	}
	b.PublishPosition(context.Background(), model.Position{Symbol: "AAPL", Long: 200})

	if failures != 1 {
		t.Errorf("failures: got %d, want 1", failures)
	}
	c, ok := good.Last(TypePosition)
	if !ok || c.(Position).Holding != 200 {
		t.Errorf("healthy bus must still receive the update, got %+v", c)
	}

	var nilB *Broadcaster
	nilB.Snapshot(context.Background())
	nilB.PublishTrade(context.Background(), model.Trade{})
}

// gatedBus blocks every Publish until release is closed.
type gatedBus struct {
	release chan struct{}
	mu      sync.Mutex
	got     []string
}

func (g *gatedBus) Name() string { return "gated" }

func (g *gatedBus) Publish(_ context.Context, c Context) error {
	<-g.release
	g.mu.Lock()
	g.got = append(g.got, Kind(c))
	g.mu.Unlock()
	return nil
}

func (g *gatedBus) delivered() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.got...)
}

func TestPublish_SlowBusDoesNotBlock(t *testing.T) {
	slow := &gatedBus{release: make(chan struct{})}
	fast := NewMemoryBus()
	var mu sync.Mutex
	dropped := 0
	b := NewBroadcaster(&fakeState{}, Options{QueueSize: 2}, slow, fast)
	b.OnPublish = func(bus, kind string, err error) {
		if errors.Is(err, ErrQueueFull) {
			mu.Lock()
			dropped++
			mu.Unlock()
		}
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.PublishPosition(context.Background(), model.Position{Symbol: "AAPL", Long: int64(i + 1)})
		}
		b.PublishTrade(context.Background(), model.Trade{ExecID: "EX-1", Symbol: "AAPL"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish waited on a blocked bus")
	}
	if c, ok := fast.Last(TypePosition); !ok || c.(Position).Holding != 5 {
		t.Errorf("inline bus: got %+v", c)
	}
	mu.Lock()
	if dropped == 0 {
		t.Error("overflow of a blocked bus must be reported")
	}
	mu.Unlock()

	close(slow.release)
	b.Close()
	got := slow.delivered()
	if len(got) == 0 || len(got) > 3 {
		t.Errorf("queued deliveries: %v", got)
	}
	b.PublishTrade(context.Background(), model.Trade{})
	b.Close()
}

type recordingSink struct {
	mu   sync.Mutex
	msgs map[string][]byte
}

func (r *recordingSink) Publish(_ context.Context, channel string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.msgs == nil {
		r.msgs = map[string][]byte{}
	}
	r.msgs[channel] = payload
	return nil
}

func TestRedisBus_Channels(t *testing.T) {
	sink := &recordingSink{}
	bus := newRedisBus(sink, "desk")
	bus.Publish(context.Background(), NewInstrument("AAPL", "Apple"))
	bus.Publish(context.Background(), Collection{Type: TypeCollection, Members: []Context{Order{Type: TypeOrder}}})

	if _, ok := sink.msgs["desk:fdc3.instrument"]; !ok {
		t.Errorf("instrument channel missing: %v", sink.msgs)
	}
	if _, ok := sink.msgs["desk:fdc3.collection:fdc3.order"]; !ok {
		t.Errorf("order collection channel missing: %v", sink.msgs)
	}
}

func TestDecodeSelection(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
		ok      bool
	}{
		{"instrument", `{"type":"fdc3.instrument","id":{"ticker":"MSFT"}}`, "MSFT", true},
		{"other type", `{"type":"fdc3.contact","id":{"ticker":"MSFT"}}`, "", false},
		{"no ticker", `{"type":"fdc3.instrument","id":{}}`, "", false},
		{"garbage", `{`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, ok := decodeSelection([]byte(tt.payload))
			if ok != tt.ok || inst.ID.Ticker != tt.want {
				t.Errorf("got %q/%v, want %q/%v", inst.ID.Ticker, ok, tt.want, tt.ok)
			}
		})
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaBus_ForwardsSelectedKinds(t *testing.T) {
	w := &fakeWriter{}
	bus := newKafkaBus(w, breaker.New("kafka", 3, time.Second))
	ctx := context.Background()

	bus.Publish(ctx, NewInstrument("AAPL", ""))
	bus.Publish(ctx, Summary{Type: TypeSummary})
	bus.Publish(ctx, tradeContext(model.Trade{ExecID: "EX-1", Symbol: "AAPL", Price: decimal.NewFromInt(1)}))

	if len(w.msgs) != 2 {
		t.Fatalf("messages: got %d, want 2", len(w.msgs))
	}
	if string(w.msgs[0].Key) != TypeSummary || string(w.msgs[1].Key) != TypeTrade {
		t.Errorf("keys: got %s, %s", w.msgs[0].Key, w.msgs[1].Key)
	}
}

func TestKafkaBus_BreakerOpens(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	bus := newKafkaBus(w, breaker.New("kafka", 2, time.Minute))
	ctx := context.Background()
	s := Summary{Type: TypeSummary}

	bus.Publish(ctx, s)
	bus.Publish(ctx, s)
	if err := bus.Publish(ctx, s); !errors.Is(err, breaker.ErrOpen) {
		t.Errorf("got %v, want breaker.ErrOpen", err)
	}
}
