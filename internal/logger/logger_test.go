package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestNew_JSONWithService(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "deskengine", slog.LevelInfo)
	l.Debug("hidden")
	l.Info("order accepted", slog.String("order_id", "1001"))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["service"] != "deskengine" || rec["order_id"] != "1001" {
		t.Errorf("record: %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("%q: got %v, want %v", in, got, want)
		}
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	if tid := TraceID(ctx); tid != "" {
		t.Errorf("expected empty trace id, got %q", tid)
	}

	ctx = WithTraceID(ctx, "place_order-1")
	if tid := TraceID(ctx); tid != "place_order-1" {
		t.Errorf("expected 'place_order-1', got %q", tid)
	}
}

func TestGenerateTraceID(t *testing.T) {
	ts := time.Date(2026, 6, 10, 14, 30, 0, 123456789, time.UTC)
	tid := GenerateTraceID("confirm_trade", ts)

	if !strings.HasPrefix(tid, "confirm_trade-") {
		t.Errorf("expected trace id to start with 'confirm_trade-', got %s", tid)
	}
	if !strings.Contains(tid, "123456789") {
		t.Errorf("expected trace id to contain nanoseconds, got %s", tid)
	}
}

func TestEnsureTraceID(t *testing.T) {
	ts := time.Unix(0, 42)
	ctx := EnsureTraceID(context.Background(), "1001", ts)
	if TraceID(ctx) != "1001-42" {
		t.Errorf("generated: %q", TraceID(ctx))
	}
	if got := TraceID(EnsureTraceID(ctx, "other", ts)); got != "1001-42" {
		t.Errorf("existing trace id replaced: %q", got)
	}
}

func TestLogWithTrace(t *testing.T) {
	ctx := context.Background()

	if attrs := LogWithTrace(ctx); attrs != nil {
		t.Errorf("expected nil attrs when no trace id, got %v", attrs)
	}

	ctx = WithTraceID(ctx, "abc-123")
	if attrs := LogWithTrace(ctx); len(attrs) != 1 {
		t.Fatalf("expected one attr with trace id set, got %v", attrs)
	}
}
