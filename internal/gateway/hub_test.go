package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tradedesk/internal/interop"
)

type envelope struct {
	Channel    string          `json:"channel"`
	Data       json.RawMessage `json:"data"`
	TS         string          `json:"ts"`
	Seq        int64           `json:"seq"`
	ChannelSeq int64           `json:"channel_seq"`
	Initial    bool            `json:"initial"`
}

func TestAppendEnvelope(t *testing.T) {
	now := time.Date(2026, 2, 25, 10, 0, 1, 0, time.UTC)
	data := []byte(`{"type":"fdc3.position","holding":200}`)
	buf := appendEnvelope(nil, "fdc3.position", data, now, 42, 7)

	var env envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		t.Fatalf("envelope is not valid JSON: %v\nraw: %s", err, buf)
	}
	if env.Channel != "fdc3.position" || env.Seq != 42 || env.ChannelSeq != 7 {
		t.Errorf("envelope: %+v", env)
	}
	if !bytes.Equal(env.Data, data) {
		t.Errorf("data: got %s, want %s", env.Data, data)
	}
	if ts, err := time.Parse(time.RFC3339Nano, env.TS); err != nil || !ts.Equal(now) {
		t.Errorf("ts: got %q (%v), want %v", env.TS, err, now)
	}
}

func TestHub_SequencesAndReplay(t *testing.T) {
	h := NewHub()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.Publish(ctx, interop.NewInstrument("AAPL", ""))
	}
	h.Publish(ctx, interop.Position{Type: interop.TypePosition, Holding: 1})

	if got := h.ChannelSeq(interop.TypeInstrument); got != 3 {
		t.Errorf("instrument seq: got %d, want 3", got)
	}
	if got := h.ChannelSeq(interop.TypePosition); got != 1 {
		t.Errorf("position seq: got %d, want 1", got)
	}

	missed := h.ReplayRange(interop.TypeInstrument, 2, 3)
	if len(missed) != 2 {
		t.Fatalf("replay: got %d, want 2", len(missed))
	}
	var env envelope
	json.Unmarshal(missed[1], &env)
	if env.ChannelSeq != 3 || env.Seq != 3 {
		t.Errorf("replayed envelope: %+v", env)
	}

	if _, ok := h.LatestAll()[interop.TypePosition]; !ok {
		t.Error("latest must hold the position payload")
	}
}

func dialHub(t *testing.T, h *Hub) (*websocket.Conn, func()) {
	t.Helper()
	mux := http.NewServeMux()
	RegisterRoutes(mux, h)
	srv := httptest.NewServer(mux)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for h.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return conn, func() { conn.Close(); srv.Close() }
}

func readEnvelopes(t *testing.T, conn *websocket.Conn) []envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out []envelope
	for _, line := range bytes.Split(raw, []byte{'\n'}) {
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			t.Fatalf("bad frame %s: %v", line, err)
		}
		out = append(out, env)
	}
	return out
}

func TestHub_WebsocketFanout(t *testing.T) {
	h := NewHub()
	conn, cleanup := dialHub(t, h)
	defer cleanup()

	h.Publish(context.Background(), interop.Position{
		Type:       interop.TypePosition,
		Instrument: interop.NewInstrument("AAPL", ""),
		Holding:    200,
	})

	envs := readEnvelopes(t, conn)
	if envs[0].Channel != interop.TypePosition {
		t.Fatalf("channel: got %s", envs[0].Channel)
	}
	var pos interop.Position
	json.Unmarshal(envs[0].Data, &pos)
	if pos.Holding != 200 || pos.Instrument.ID.Ticker != "AAPL" {
		t.Errorf("position: %+v", pos)
	}
}

func TestHub_InitialStateOnConnect(t *testing.T) {
	h := NewHub()
	h.Publish(context.Background(), interop.NewInstrument("MSFT", "Microsoft"))

	conn, cleanup := dialHub(t, h)
	defer cleanup()

	envs := readEnvelopes(t, conn)
	if !envs[0].Initial || envs[0].Channel != interop.TypeInstrument {
		t.Errorf("initial state: %+v", envs[0])
	}
}

func TestClient_MatchesChannel(t *testing.T) {
	c := &Client{subs: map[string]bool{}}
	if !c.matchesChannel("fdc3.portfolio") {
		t.Error("no subscriptions must receive everything")
	}
	c.subs["fdc3.collection"] = true
	if !c.matchesChannel("fdc3.collection:fdc3.order") {
		t.Error("prefix subscription must match member kinds")
	}
	if c.matchesChannel("fdc3.portfolio") {
		t.Error("unsubscribed channel must not match")
	}
}

func TestMissedEndpoint(t *testing.T) {
	h := NewHub()
	for i := 0; i < 4; i++ {
		h.Publish(context.Background(), interop.NewInstrument("AAPL", ""))
	}
	mux := http.NewServeMux()
	RegisterRoutes(mux, h)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/missed?channel=fdc3.instrument&from=2&to=3", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var resp struct {
		CurrentSeq int64             `json:"current_seq"`
		Messages   []json.RawMessage `json:"messages"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.CurrentSeq != 4 || len(resp.Messages) != 2 {
		t.Errorf("missed: seq=%d messages=%d", resp.CurrentSeq, len(resp.Messages))
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/missed?channel=x", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad request: got %d", rec.Code)
	}
}
