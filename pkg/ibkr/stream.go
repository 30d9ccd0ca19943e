package ibkr

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	HeartBeatMessage  = "tic"
	HeartBeatInterval = 30 * time.Second

	subscribeLiveOrders = "sor+{}"
	topicLiveOrders     = "sor"
)

// WebsocketURL derives the stream endpoint from the REST base URL.
func WebsocketURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/v1/api/ws"
}

// Stream holds the gateway websocket open, subscribes to live orders and
// reconnects with exponential backoff until its context ends.
type Stream struct {
	URL    string
	Dialer *websocket.Dialer
	Header http.Header

	HeartbeatInterval time.Duration
	RetryDelay        time.Duration
	MaxRetryDelay     time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	connects int

	// Callbacks
	OnOrders func(orders []LiveOrder)
	OnOpen   func()
	OnClose  func(err error)
}

// NewStream creates a Stream for url.
func NewStream(url string, insecureTLS bool) *Stream {
	d := *websocket.DefaultDialer
	d.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: insecureTLS}
	return &Stream{
		URL:               url,
		Dialer:            &d,
		HeartbeatInterval: HeartBeatInterval,
		RetryDelay:        time.Second,
		MaxRetryDelay:     30 * time.Second,
	}
}

// Connects returns how many connections have been established.
func (s *Stream) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Connected reports whether a connection is currently open.
func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Run connects and serves until ctx is done.
func (s *Stream) Run(ctx context.Context) error {
	delay := s.RetryDelay
	for {
		connected, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = s.RetryDelay
		}
		log.Printf("[ibkr-ws] connection lost: %v (retry in %s)", err, delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.MaxRetryDelay {
			delay = s.MaxRetryDelay
		}
	}
}

// runOnce serves one connection. connected reports whether the dial and
// subscription succeeded.
func (s *Stream) runOnce(ctx context.Context) (connected bool, err error) {
	conn, resp, err := s.Dialer.DialContext(ctx, s.URL, s.Header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial: %s: %w", resp.Status, err)
		}
		return false, fmt.Errorf("dial: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(subscribeLiveOrders)); err != nil {
		conn.Close()
		return false, fmt.Errorf("subscribe: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connects++
	s.mu.Unlock()
	log.Printf("[ibkr-ws] connected to %s", s.URL)
	if s.OnOpen != nil {
		s.OnOpen()
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.heartbeatLoop(connCtx, conn)
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	err = s.readLoop(conn)

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	if s.OnClose != nil {
		s.OnClose(err)
	}
	return true, err
}

type streamMessage struct {
	Topic string          `json:"topic"`
	Args  json.RawMessage `json:"args"`
}

func (s *Stream) readLoop(conn *websocket.Conn) error {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg streamMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		switch msg.Topic {
		case topicLiveOrders:
			var orders []LiveOrder
			if err := json.Unmarshal(msg.Args, &orders); err != nil {
				log.Printf("[ibkr-ws] bad sor payload: %v", err)
				continue
			}
			if s.OnOrders != nil && len(orders) > 0 {
				s.OnOrders(orders)
			}
		case "system", "sts", "tic":
		default:
			log.Printf("[ibkr-ws] ignoring topic %q", msg.Topic)
		}
	}
}

// heartbeatLoop keeps the gateway session alive. It is the only writer
// once the subscription is sent.
func (s *Stream) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(HeartBeatMessage)); err != nil {
				log.Printf("[ibkr-ws] heartbeat write error: %v", err)
				conn.Close()
				return
			}
		}
	}
}
