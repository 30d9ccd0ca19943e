// Package confirm implements the two-phase protocol for trades proposed by
// the agent: a proposal is parked under a one-time token and executes only
// when a human confirms it before it expires.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradedesk/internal/model"
)

// DefaultTTL is how long a proposal waits for confirmation.
const DefaultTTL = 5 * time.Minute

// State is the lifecycle state of a proposal.
type State string

const (
	StatePending   State = "PENDING"
	StateConfirmed State = "CONFIRMED" // token consumed, executor running
	StateExecuted  State = "EXECUTED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
	StateExpired   State = "EXPIRED"
)

// Final reports whether the proposal can no longer change.
func (s State) Final() bool {
	return s == StateExecuted || s == StateFailed || s == StateCancelled || s == StateExpired
}

// Proposal is a trade awaiting confirmation.
type Proposal struct {
	Token     string             `json:"token"`
	Params    model.OrderRequest `json:"params"`
	State     State              `json:"state"`
	Message   string             `json:"message"`
	OrderID   string             `json:"order_id,omitempty"`
	Error     string             `json:"error,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	ExpiresAt time.Time          `json:"expires_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Executor places the order behind a confirmed proposal.
type Executor func(ctx context.Context, req model.OrderRequest) (model.Order, error)

// Result is the outcome of Confirm.
type Result struct {
	Executed       bool   `json:"executed"`
	OrderID        string `json:"order_id,omitempty"`
	Error          string `json:"error,omitempty"`
	AlreadyHandled bool   `json:"already_handled,omitempty"`
	Err            error  `json:"-"`
}

// Broker holds proposals. Each token executes at most once.
type Broker struct {
	mu        sync.Mutex
	proposals map[string]*Proposal
	ttl       time.Duration
	clock     model.Clock
	exec      Executor
	newToken  func() string

	// OnChange is called after every state change, outside the lock.
	OnChange func(p Proposal)
}

// NewBroker creates a Broker. ttl <= 0 uses DefaultTTL.
func NewBroker(exec Executor, ttl time.Duration, clock model.Clock) *Broker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = model.SystemClock
	}
	return &Broker{
		proposals: make(map[string]*Proposal),
		ttl:       ttl,
		clock:     clock,
		exec:      exec,
		newToken:  uuid.NewString,
	}
}

// TTL returns the confirmation window.
func (b *Broker) TTL() time.Duration { return b.ttl }

// Propose validates params and parks them under a new token.
func (b *Broker) Propose(params model.OrderRequest) (Proposal, error) {
	if params.TIF == "" {
		params.TIF = model.TIFDay
	}
	if err := model.ValidateRequest(params); err != nil {
		return Proposal{}, err
	}
	now := b.clock.Now()
	p := &Proposal{
		Token:     b.newToken(),
		Params:    params,
		State:     StatePending,
		Message:   fmt.Sprintf("%s, confirm within %s", Describe(params), shortDuration(b.ttl)),
		CreatedAt: now,
		ExpiresAt: now.Add(b.ttl),
		UpdatedAt: now,
	}

	b.mu.Lock()
	b.proposals[p.Token] = p
	out := *p
	b.mu.Unlock()

	log.Printf("[confirm] proposed %s: %s", out.Token, out.Message)
	b.changed(out)
	return out, nil
}

// Confirm consumes the token and runs the executor. The state transition
// happens under the lock; the executor runs outside it, so a racing
// Confirm or Cancel sees CONFIRMED and gets ErrConflict.
func (b *Broker) Confirm(ctx context.Context, token string) Result {
	b.mu.Lock()
	p, ok := b.proposals[token]
	if !ok {
		b.mu.Unlock()
		return failed(fmt.Errorf("%w: proposal %s", model.ErrNotFound, token))
	}
	now := b.clock.Now()
	if expired, changed := b.expireLocked(p, now); expired {
		out := *p
		b.mu.Unlock()
		if changed {
			log.Printf("[confirm] %s expired before confirmation", token)
			b.changed(out)
		}
		return failed(expiredError(out))
	}
	if p.State != StatePending {
		state := p.State
		b.mu.Unlock()
		return failed(fmt.Errorf("%w: proposal already %s", model.ErrConflict, strings.ToLower(string(state))))
	}
	p.State = StateConfirmed
	p.UpdatedAt = now
	params := p.Params
	confirmed := *p
	b.mu.Unlock()
	b.changed(confirmed)

	order, err := b.exec(ctx, params)

	b.mu.Lock()
	p.UpdatedAt = b.clock.Now()
	if err != nil {
		p.State = StateFailed
		p.Error = err.Error()
	} else {
		p.State = StateExecuted
		p.OrderID = order.ID
	}
	out := *p
	b.mu.Unlock()
	b.changed(out)

	if err != nil {
		log.Printf("[confirm] %s execution failed: %v", token, err)
		return Result{Error: err.Error(), Err: err}
	}
	log.Printf("[confirm] %s executed as %s", token, order.ID)
	return Result{Executed: true, OrderID: order.ID}
}

// expireLocked reports whether p is past its window. A PENDING proposal
// found expired is moved to EXPIRED and changed is true.
func (b *Broker) expireLocked(p *Proposal, now time.Time) (expired, changed bool) {
	switch {
	case p.State == StateExpired:
		return true, false
	case p.State == StatePending && !now.Before(p.ExpiresAt):
		p.State = StateExpired
		p.UpdatedAt = now
		return true, true
	}
	return false, false
}

func expiredError(p Proposal) error {
	return fmt.Errorf("%w: proposal expired at %s", model.ErrTimeout, p.ExpiresAt.Format(time.RFC3339))
}

func failed(err error) Result {
	return Result{
		Error:          err.Error(),
		AlreadyHandled: errors.Is(err, model.ErrConflict),
		Err:            err,
	}
}

// Cancel withdraws a pending proposal. Cancelling twice is a no-op;
// cancelling after the window returns ErrTimeout.
func (b *Broker) Cancel(token string) (Proposal, error) {
	b.mu.Lock()
	p, ok := b.proposals[token]
	if !ok {
		b.mu.Unlock()
		return Proposal{}, fmt.Errorf("%w: proposal %s", model.ErrNotFound, token)
	}
	if expired, changed := b.expireLocked(p, b.clock.Now()); expired {
		out := *p
		b.mu.Unlock()
		if changed {
			b.changed(out)
		}
		return out, expiredError(out)
	}
	switch p.State {
	case StateCancelled:
		out := *p
		b.mu.Unlock()
		return out, nil
	case StatePending:
	default:
		state := p.State
		b.mu.Unlock()
		return Proposal{}, fmt.Errorf("%w: proposal already %s", model.ErrConflict, strings.ToLower(string(state)))
	}
	p.State = StateCancelled
	p.UpdatedAt = b.clock.Now()
	out := *p
	b.mu.Unlock()

	log.Printf("[confirm] %s cancelled", token)
	b.changed(out)
	return out, nil
}

// Get returns one proposal.
func (b *Broker) Get(token string) (Proposal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.proposals[token]
	if !ok {
		return Proposal{}, fmt.Errorf("%w: proposal %s", model.ErrNotFound, token)
	}
	return *p, nil
}

// Pending lists proposals still awaiting confirmation, oldest first.
// Entries found past their expiry are marked EXPIRED.
func (b *Broker) Pending() []Proposal {
	now := b.clock.Now()
	var out, expired []Proposal

	b.mu.Lock()
	for _, p := range b.proposals {
		if p.State != StatePending {
			continue
		}
		if _, changed := b.expireLocked(p, now); changed {
			expired = append(expired, *p)
			continue
		}
		out = append(out, *p)
	}
	b.mu.Unlock()

	for _, p := range expired {
		b.changed(p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Prune drops final proposals last updated before cutoff and returns how
// many were removed.
func (b *Broker) Prune(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for tok, p := range b.proposals {
		if p.State.Final() && p.UpdatedAt.Before(cutoff) {
			delete(b.proposals, tok)
			n++
		}
	}
	return n
}

// Run expires stale proposals and prunes old ones every interval.
func (b *Broker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Pending()
			if n := b.Prune(b.clock.Now().Add(-time.Hour)); n > 0 {
				log.Printf("[confirm] pruned %d finished proposals", n)
			}
		}
	}
}

func (b *Broker) changed(p Proposal) {
	if b.OnChange != nil {
		b.OnChange(p)
	}
}

// Describe renders an order request the way the desk shows it to a human,
// e.g. "BUY 200 AAPL LIMIT @ 189.45".
func Describe(req model.OrderRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %d %s %s", req.Side, req.Qty, req.Symbol, req.Type)
	if req.LimitPrice != nil {
		fmt.Fprintf(&sb, " @ %s", req.LimitPrice.String())
	}
	if req.AuxPrice != nil {
		fmt.Fprintf(&sb, " stop %s", req.AuxPrice.String())
	}
	if req.TrailingAmt != nil {
		fmt.Fprintf(&sb, " trail %s%s", req.TrailingAmt.String(), req.TrailingType)
	}
	return sb.String()
}

func shortDuration(d time.Duration) string {
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dm", int(d/time.Minute))
	}
	return d.String()
}
