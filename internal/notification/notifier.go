// Package notification delivers desk alerts (rejections, fills, pending
// proposals) to operators over the log, a webhook or Telegram.
package notification

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"tradedesk/internal/confirm"
	"tradedesk/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert events.
const (
	EventOrderRejected   = "order_rejected"
	EventOrderFilled     = "order_filled"
	EventProposalCreated = "proposal_created"
	EventProposalExpired = "proposal_expired"
	EventVenueDown       = "venue_down"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Event   string     `json:"event"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	Symbol  string     `json:"symbol,omitempty"`
	Ref     string     `json:"ref,omitempty"` // order id or proposal token
	Time    time.Time  `json:"ts"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the process log.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// Multi fans an alert out to every backend. Delivery is asynchronous and
// best effort: failures are logged, never returned to the caller.
type Multi struct {
	backends []Notifier
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewMulti wraps backends. Each delivery gets its own timeout.
func NewMulti(timeout time.Duration, backends ...Notifier) *Multi {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Multi{backends: backends, timeout: timeout}
}

// Send queues the alert on every backend and returns immediately.
func (m *Multi) Send(ctx context.Context, alert Alert) error {
	if alert.Time.IsZero() {
		alert.Time = time.Now().UTC()
	}
	for _, n := range m.backends {
		m.wg.Add(1)
		go func(n Notifier) {
			defer m.wg.Done()
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
			defer cancel()
			if err := n.Send(sendCtx, alert); err != nil {
				log.Printf("[notify] %T: %v", n, err)
			}
		}(n)
	}
	return nil
}

// Wait blocks until queued deliveries finish.
func (m *Multi) Wait() { m.wg.Wait() }

// ── Desk alerts ──

// OrderRejected reports an order the venue refused.
func OrderRejected(o model.Order) Alert {
	return Alert{
		Level:   AlertWarning,
		Event:   EventOrderRejected,
		Title:   fmt.Sprintf("Order %s rejected", o.ID),
		Message: fmt.Sprintf("%s %d %s %s: %s", o.Side, o.Qty, o.Symbol, o.Type, o.Reason),
		Symbol:  o.Symbol,
		Ref:     o.ID,
		Time:    o.UpdatedAt,
	}
}

// OrderFilled reports a fully filled order.
func OrderFilled(o model.Order) Alert {
	return Alert{
		Level:   AlertInfo,
		Event:   EventOrderFilled,
		Title:   fmt.Sprintf("Order %s filled", o.ID),
		Message: fmt.Sprintf("%s %d %s @ %s", o.Side, o.CumQty, o.Symbol, o.AvgPx.String()),
		Symbol:  o.Symbol,
		Ref:     o.ID,
		Time:    o.UpdatedAt,
	}
}

// ProposalCreated reports a trade awaiting human confirmation.
func ProposalCreated(p confirm.Proposal) Alert {
	return Alert{
		Level:   AlertInfo,
		Event:   EventProposalCreated,
		Title:   "Trade awaiting confirmation",
		Message: p.Message,
		Symbol:  p.Params.Symbol,
		Ref:     p.Token,
		Time:    p.CreatedAt,
	}
}

// ProposalExpired reports a proposal nobody confirmed in time.
func ProposalExpired(p confirm.Proposal) Alert {
	return Alert{
		Level:   AlertWarning,
		Event:   EventProposalExpired,
		Title:   "Proposal expired",
		Message: p.Message,
		Symbol:  p.Params.Symbol,
		Ref:     p.Token,
		Time:    p.ExpiresAt,
	}
}

// VenueDown reports a lost venue connection.
func VenueDown(venue string, err error) Alert {
	return Alert{
		Level:   AlertCritical,
		Event:   EventVenueDown,
		Title:   fmt.Sprintf("%s connection lost", venue),
		Message: fmt.Sprint(err),
		Time:    time.Now().UTC(),
	}
}
