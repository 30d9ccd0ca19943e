package ibkr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestStream_SubscribesAndReconnects(t *testing.T) {
	var conns int32
	heartbeat := make(chan struct{}, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := atomic.AddInt32(&conns, 1)

		_, msg, err := conn.ReadMessage()
		if err != nil || string(msg) != "sor+{}" {
			t.Errorf("subscription: got %q %v", msg, err)
			return
		}
		payload := `{"topic":"sor","args":[{"orderId":987,"status":"Submitted","filledQuantity":` +
			map[int32]string{1: "100", 2: "200"}[min32(n, 2)] + `,"avgPrice":"189.45"}]}`
		conn.WriteMessage(websocket.TextMessage, []byte(payload))
		if n == 1 {
			return // drop the first connection
		}
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == HeartBeatMessage {
				select {
				case heartbeat <- struct{}{}:
				default:
				}
			}
		}
	}))
	defer srv.Close()

	s := NewStream("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/api/ws", false)
	s.RetryDelay = 10 * time.Millisecond
	s.HeartbeatInterval = 20 * time.Millisecond

	batches := make(chan []LiveOrder, 4)
	s.OnOrders = func(o []LiveOrder) { batches <- o }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var filled []float64
	for len(filled) < 2 {
		select {
		case b := <-batches:
			filled = append(filled, b[0].FilledQuantity)
		case <-time.After(3 * time.Second):
			t.Fatalf("got %v batches before timeout", filled)
		}
	}
	if filled[0] != 100 || filled[1] != 200 {
		t.Errorf("updates: %v", filled)
	}
	select {
	case <-heartbeat:
	case <-time.After(2 * time.Second):
		t.Error("no heartbeat received")
	}
	if s.Connects() < 2 {
		t.Errorf("connects: got %d, want a reconnect", s.Connects())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}
