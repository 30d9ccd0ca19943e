package confirm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/model"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func aaplLimit() model.OrderRequest {
	return model.OrderRequest{
		Symbol:     "AAPL",
		Side:       model.SideBuy,
		Qty:        200,
		Type:       model.OrderLimit,
		LimitPrice: model.Dec(decimal.RequireFromString("189.45")),
	}
}

func newTestBroker(exec Executor) (*Broker, *testClock) {
	clk := &testClock{t: time.Date(2026, 6, 10, 14, 0, 0, 0, time.UTC)}
	return NewBroker(exec, 0, clk), clk
}

func okExecutor(calls *int32) Executor {
	return func(_ context.Context, req model.OrderRequest) (model.Order, error) {
		n := atomic.AddInt32(calls, 1)
		return model.Order{ID: fmt.Sprintf("ORD-%d", 1000+n), Symbol: req.Symbol}, nil
	}
}

func TestPropose(t *testing.T) {
	b, clk := newTestBroker(okExecutor(new(int32)))
	p, err := b.Propose(aaplLimit())
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if p.State != StatePending || p.Token == "" {
		t.Errorf("proposal: %+v", p)
	}
	if !p.ExpiresAt.Equal(clk.Now().Add(5 * time.Minute)) {
		t.Errorf("expires: got %v", p.ExpiresAt)
	}
	if want := "BUY 200 AAPL LIMIT @ 189.45, confirm within 5m"; p.Message != want {
		t.Errorf("message: got %q, want %q", p.Message, want)
	}

	bad := aaplLimit()
	bad.Qty = 0
	if _, err := b.Propose(bad); !errors.Is(err, model.ErrValidation) {
		t.Errorf("invalid params: got %v", err)
	}
}

func TestConfirm_ExecutesOnce(t *testing.T) {
	var calls int32
	b, _ := newTestBroker(okExecutor(&calls))
	p, _ := b.Propose(aaplLimit())

	res := b.Confirm(context.Background(), p.Token)
	if !res.Executed || res.OrderID != "ORD-1001" {
		t.Fatalf("confirm: %+v", res)
	}
	got, _ := b.Get(p.Token)
	if got.State != StateExecuted || got.OrderID != "ORD-1001" {
		t.Errorf("state: %+v", got)
	}

	res = b.Confirm(context.Background(), p.Token)
	if res.Executed || !res.AlreadyHandled || !errors.Is(res.Err, model.ErrConflict) {
		t.Errorf("second confirm: %+v", res)
	}
	if calls != 1 {
		t.Errorf("executor calls: got %d, want 1", calls)
	}
}

func TestConfirm_ConcurrentDoubleConfirm(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	exec := func(ctx context.Context, req model.OrderRequest) (model.Order, error) {
		<-release
		return okExecutor(&calls)(ctx, req)
	}
	b, _ := newTestBroker(exec)
	p, _ := b.Propose(aaplLimit())

	const n = 8
	results := make(chan Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- b.Confirm(context.Background(), p.Token)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	executed, handled := 0, 0
	for r := range results {
		if r.Executed {
			executed++
		}
		if r.AlreadyHandled {
			handled++
		}
	}
	if executed != 1 || handled != n-1 {
		t.Errorf("executed=%d already_handled=%d, want 1 and %d", executed, handled, n-1)
	}
	if calls != 1 {
		t.Errorf("executor calls: got %d, want 1", calls)
	}
}

func TestConfirm_Expired(t *testing.T) {
	var calls int32
	b, clk := newTestBroker(okExecutor(&calls))
	p, _ := b.Propose(aaplLimit())

	clk.Advance(5 * time.Minute)
	res := b.Confirm(context.Background(), p.Token)
	if res.Executed || !errors.Is(res.Err, model.ErrTimeout) {
		t.Fatalf("expired confirm: %+v", res)
	}
	got, _ := b.Get(p.Token)
	if got.State != StateExpired {
		t.Errorf("state: got %s, want EXPIRED", got.State)
	}
	if calls != 0 {
		t.Error("expired proposal must not execute")
	}
}

func TestConfirm_AfterSweepIsTimeout(t *testing.T) {
	var calls int32
	b, clk := newTestBroker(okExecutor(&calls))
	p, _ := b.Propose(aaplLimit())
	other, _ := b.Propose(aaplLimit())

	clk.Advance(6 * time.Minute)
	if pending := b.Pending(); len(pending) != 0 {
		t.Fatalf("pending after window: %+v", pending)
	}

	res := b.Confirm(context.Background(), p.Token)
	if res.Executed || res.AlreadyHandled || !errors.Is(res.Err, model.ErrTimeout) {
		t.Errorf("confirm after sweep: got %+v, want timeout", res)
	}
	if _, err := b.Cancel(other.Token); !errors.Is(err, model.ErrTimeout) {
		t.Errorf("cancel after sweep: got %v, want timeout", err)
	}
	if calls != 0 {
		t.Error("expired proposal must not execute")
	}
}

func TestCancel_PastWindow(t *testing.T) {
	b, clk := newTestBroker(okExecutor(new(int32)))
	var states []State
	b.OnChange = func(p Proposal) { states = append(states, p.State) }
	p, _ := b.Propose(aaplLimit())

	clk.Advance(5 * time.Minute)
	got, err := b.Cancel(p.Token)
	if !errors.Is(err, model.ErrTimeout) || got.State != StateExpired {
		t.Errorf("cancel past window: %+v %v", got, err)
	}
	if len(states) != 2 || states[1] != StateExpired {
		t.Errorf("state changes: %v", states)
	}
}

func TestConfirm_FailureKeepsCause(t *testing.T) {
	venueErr := fmt.Errorf("%w: ibkr: order rejected: insufficient buying power", model.ErrTransport)
	b, _ := newTestBroker(func(context.Context, model.OrderRequest) (model.Order, error) {
		return model.Order{}, venueErr
	})
	p, _ := b.Propose(aaplLimit())

	res := b.Confirm(context.Background(), p.Token)
	if res.Executed || !errors.Is(res.Err, model.ErrTransport) {
		t.Fatalf("result: %+v", res)
	}
	got, _ := b.Get(p.Token)
	if got.State != StateFailed || got.Error != venueErr.Error() {
		t.Errorf("failed proposal: %+v", got)
	}
	if res := b.Confirm(context.Background(), p.Token); !errors.Is(res.Err, model.ErrConflict) {
		t.Errorf("confirm after failure: got %v, want conflict", res.Err)
	}
}

func TestConfirm_UnknownToken(t *testing.T) {
	b, _ := newTestBroker(okExecutor(new(int32)))
	res := b.Confirm(context.Background(), "nope")
	if !errors.Is(res.Err, model.ErrNotFound) || res.AlreadyHandled {
		t.Errorf("got %+v", res)
	}
}

func TestCancel(t *testing.T) {
	var calls int32
	b, _ := newTestBroker(okExecutor(&calls))
	p, _ := b.Propose(aaplLimit())

	if _, err := b.Cancel(p.Token); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := b.Cancel(p.Token); err != nil {
		t.Errorf("second cancel must be a no-op, got %v", err)
	}
	if res := b.Confirm(context.Background(), p.Token); res.Executed || !res.AlreadyHandled {
		t.Errorf("confirm after cancel: %+v", res)
	}
	if calls != 0 {
		t.Error("cancelled proposal executed")
	}

	p2, _ := b.Propose(aaplLimit())
	b.Confirm(context.Background(), p2.Token)
	if _, err := b.Cancel(p2.Token); !errors.Is(err, model.ErrConflict) {
		t.Errorf("cancel after execute: got %v", err)
	}
	if _, err := b.Cancel("missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("cancel unknown: got %v", err)
	}
}

func TestPendingAndPrune(t *testing.T) {
	b, clk := newTestBroker(okExecutor(new(int32)))
	var expired []string
	b.OnChange = func(p Proposal) {
		if p.State == StateExpired {
			expired = append(expired, p.Token)
		}
	}

	old, _ := b.Propose(aaplLimit())
	clk.Advance(4 * time.Minute)
	fresh, _ := b.Propose(aaplLimit())
	clk.Advance(2 * time.Minute)

	pending := b.Pending()
	if len(pending) != 1 || pending[0].Token != fresh.Token {
		t.Fatalf("pending: %+v", pending)
	}
	if len(expired) != 1 || expired[0] != old.Token {
		t.Errorf("expired callbacks: %v", expired)
	}

	if n := b.Prune(clk.Now().Add(time.Second)); n != 1 {
		t.Errorf("pruned: got %d, want 1", n)
	}
	if _, err := b.Get(old.Token); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("pruned proposal still present: %v", err)
	}
}
