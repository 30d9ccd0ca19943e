// Package gateway fans interop context messages out to dashboard
// websocket clients, with per-channel sequence numbers and a replay buffer
// so clients can backfill gaps after a reconnect.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradedesk/internal/interop"
)

const replayCapacity = 500 // envelopes kept per channel

// Hub manages websocket clients. It implements interop.Bus; the channel of
// a message is its context kind (e.g. "fdc3.portfolio").
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string]latestEntry
	seq     int64

	// Per-channel monotonic sequence numbers for gap detection
	channelSeqs map[string]int64
	replayBufs  map[string]*ReplayBuffer

	now func() time.Time

	// OnFanout reports how many clients received a message (metrics hook).
	OnFanout func(channel string, delivered, dropped int)
}

type latestEntry struct {
	Data json.RawMessage
	TS   time.Time
	Seq  int64
}

var _ interop.Bus = (*Hub)(nil)

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		latest:      make(map[string]latestEntry),
		channelSeqs: make(map[string]int64),
		replayBufs:  make(map[string]*ReplayBuffer),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Name implements interop.Bus.
func (h *Hub) Name() string { return "ws" }

// Inline implements interop.InlineBus; Publish only enqueues to clients.
func (h *Hub) Inline() bool { return true }

// Publish implements interop.Bus. It never blocks on slow clients.
func (h *Hub) Publish(_ context.Context, c interop.Context) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", c.ContextType(), err)
	}
	h.Broadcast(interop.Kind(c), data)
	return nil
}

// Broadcast wraps data in an envelope, records it for replay and sends it
// to every client subscribed to channel.
func (h *Hub) Broadcast(channel string, data []byte) {
	now := h.now()

	h.mu.Lock()
	h.channelSeqs[channel]++
	channelSeq := h.channelSeqs[channel]
	h.latest[channel] = latestEntry{Data: data, TS: now, Seq: channelSeq}
	h.seq++
	seq := h.seq
	rb, ok := h.replayBufs[channel]
	if !ok {
		rb = NewReplayBuffer(replayCapacity)
		h.replayBufs[channel] = rb
	}
	h.mu.Unlock()

	buf := appendEnvelope(make([]byte, 0, len(channel)+len(data)+160), channel, data, now, seq, channelSeq)
	rb.Push(channelSeq, buf)

	delivered, dropped := 0, 0
	h.mu.RLock()
	for client := range h.clients {
		if !client.matchesChannel(channel) {
			continue
		}
		select {
		case client.send <- buf:
			delivered++
		default:
			dropped++
		}
	}
	h.mu.RUnlock()

	if h.OnFanout != nil {
		h.OnFanout(channel, delivered, dropped)
	}
}

// HandleConn registers an upgraded connection and starts its pumps.
// lastTS (RFC3339Nano) limits the initial state to newer entries.
func (h *Hub) HandleConn(conn *websocket.Conn, lastTS string) {
	client := newClient(h, conn)
	conn.EnableWriteCompression(true)

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[gateway] ws client connected (%d total)", count)

	client.sendInitialState(lastTS)
	go client.writePump()
	go client.readPump()
}

// RemoveClient unregisters a client and closes its send queue.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)
}

// LatestAll returns the latest payload of every channel.
func (h *Hub) LatestAll() map[string]json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cp := make(map[string]json.RawMessage, len(h.latest))
	for k, v := range h.latest {
		cp[k] = v.Data
	}
	return cp
}

// ReplayRange returns buffered envelopes of a channel with seq in
// [fromSeq, toSeq].
func (h *Hub) ReplayRange(channel string, fromSeq, toSeq int64) [][]byte {
	h.mu.RLock()
	rb, ok := h.replayBufs[channel]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	return rb.Range(fromSeq, toSeq)
}

// ChannelSeq returns the current sequence number of a channel.
func (h *Hub) ChannelSeq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channelSeqs[channel]
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RunStatus sends status() to every client each interval until ctx is done.
func (h *Hub) RunStatus(ctx context.Context, interval time.Duration, status func() interface{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg, err := json.Marshal(map[string]interface{}{
				"type":    "status",
				"status":  status(),
				"clients": h.ClientCount(),
				"ts":      h.now().Format(time.RFC3339Nano),
			})
			if err != nil {
				log.Printf("[gateway] status marshal: %v", err)
				continue
			}
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}
