package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"tradedesk/internal/model"
)

// EventHeader carries the alert event so receivers can route without
// decoding the body.
const EventHeader = "X-Desk-Event"

// WebhookNotifier delivers each desk alert as one JSON document to a fixed
// endpoint (Slack relay, PagerDuty bridge, internal audit collector).
type WebhookNotifier struct {
	endpoint string
	http     *http.Client
	now      func() time.Time
}

// NewWebhookNotifier targets endpoint with a 10s per-alert deadline.
func NewWebhookNotifier(endpoint string) *WebhookNotifier {
	return &WebhookNotifier{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 10 * time.Second},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Send implements Notifier. Any answer outside 2xx is a transport error.
func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	if alert.Time.IsZero() {
		alert.Time = w.now()
	}
	doc, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("alert %s: encode: %w", alert.Event, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(doc))
	if err != nil {
		return fmt.Errorf("%w: alert endpoint %q: %v", model.ErrValidation, w.endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, alert.Event)

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: deliver %s: %v", model.ErrTransport, alert.Event, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: deliver %s: endpoint answered HTTP %d", model.ErrTransport, alert.Event, resp.StatusCode)
	}

	log.Printf("[alerts] delivered %s for %s", alert.Event, alert.Ref)
	return nil
}
