package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the desk engine.
type Metrics struct {
	OrdersSubmitted prometheus.Counter
	OrdersRejected  *prometheus.CounterVec // labels: reason
	FillsTotal      prometheus.Counter
	FillQtyTotal    prometheus.Counter
	OpenOrders      prometheus.Gauge

	// Interop bus
	ContextPublish       *prometheus.CounterVec // labels: bus, kind
	ContextPublishErrors *prometheus.CounterVec // labels: bus
	BusBreakerState      *prometheus.GaugeVec   // labels: breaker; 0=closed, 1=open, 2=half-open

	// Confirmation
	Proposals *prometheus.CounterVec // labels: outcome

	// Venue
	StreamState  prometheus.Gauge         // 0=disconnected, 1=connecting, 2=connected
	VenueLatency *prometheus.HistogramVec // labels: venue, op

	// Agent
	ToolCalls     *prometheus.CounterVec // labels: tool, outcome
	AgentSessions prometheus.Gauge

	// Fan-out backpressure
	EventDrops prometheus.Counter
}

// NewMetrics registers and returns all Prometheus metrics on the default
// registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "desk_orders_submitted_total",
			Help: "Orders accepted by the order book",
		}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "desk_orders_rejected_total",
			Help: "Orders refused (by error kind or venue)",
		}, []string{"reason"}),
		FillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "desk_fills_total",
			Help: "Fills applied to the book",
		}),
		FillQtyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "desk_fill_qty_total",
			Help: "Quantity filled across all orders",
		}),
		OpenOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "desk_open_orders",
			Help: "Orders in NEW or PARTIAL state",
		}),

		ContextPublish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "desk_context_publish_total",
			Help: "Context objects published (by bus and kind)",
		}, []string{"bus", "kind"}),
		ContextPublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "desk_context_publish_errors_total",
			Help: "Failed context publishes",
		}, []string{"bus"}),
		BusBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "desk_bus_circuit_breaker_state",
			Help: "Bus circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"breaker"}),

		Proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "desk_proposals_total",
			Help: "Trade proposals by final outcome",
		}, []string{"outcome"}),

		StreamState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "desk_stream_state",
			Help: "Venue stream state (0=disconnected, 1=connecting, 2=connected)",
		}),
		VenueLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "desk_venue_latency_seconds",
			Help:    "Venue round-trip latency for place/cancel/modify",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"venue", "op"}),

		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "desk_agent_tool_calls_total",
			Help: "Agent tool calls (by tool and outcome)",
		}, []string{"tool", "outcome"}),
		AgentSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "desk_agent_sessions",
			Help: "Open agent SSE sessions",
		}),

		EventDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "desk_event_drops_total",
			Help: "Engine events dropped because a subscriber was full",
		}),
	}

	reg.MustRegister(
		m.OrdersSubmitted,
		m.OrdersRejected,
		m.FillsTotal,
		m.FillQtyTotal,
		m.OpenOrders,
		m.ContextPublish,
		m.ContextPublishErrors,
		m.BusBreakerState,
		m.Proposals,
		m.StreamState,
		m.VenueLatency,
		m.ToolCalls,
		m.AgentSessions,
		m.EventDrops,
	)

	return m
}

// ObserveVenue records the latency of one venue operation.
func (m *Metrics) ObserveVenue(venue, op string, start time.Time) {
	m.VenueLatency.WithLabelValues(venue, op).Observe(time.Since(start).Seconds())
}

// ObserveToolCall counts one agent tool call.
func (m *Metrics) ObserveToolCall(tool string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
}

// Pinger is a dependency that can be probed, like the trade journal.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	Mode             string    `json:"mode"`
	VenueConnected   bool      `json:"venue_connected"`
	LastFillTime     time.Time `json:"last_fill_time"`
	RedisConnected   bool      `json:"redis_connected"`
	JournalOK        bool      `json:"journal_ok"`
	RedisEnabled     bool      `json:"redis_enabled"`
	JournalEnabled   bool      `json:"journal_enabled"`
	AgentSessions    int       `json:"agent_sessions"`
	RedisLatencyMs   float64   `json:"redis_latency_ms"`
	JournalLatencyMs float64   `json:"journal_latency_ms"`
	LastCheckAt      time.Time `json:"last_check_at"`
	StartedAt        time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus(mode string) *HealthStatus {
	return &HealthStatus{
		Mode:      mode,
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetVenueConnected(v bool) {
	h.mu.Lock()
	h.VenueConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastFillTime(t time.Time) {
	h.mu.Lock()
	h.LastFillTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetAgentSessions(n int) {
	h.mu.Lock()
	h.AgentSessions = n
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckJournal probes the trade journal and records latency + health.
func (h *HealthStatus) CheckJournal(ctx context.Context, j Pinger) {
	start := time.Now()
	err := j.Ping(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.JournalEnabled = true
	h.JournalOK = err == nil
	h.JournalLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// RunLivenessChecker runs periodic dependency checks until ctx is done.
// Nil dependencies are skipped.
func (h *HealthStatus) RunLivenessChecker(ctx context.Context, rdb *goredis.Client, journal Pinger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if rdb != nil {
				h.CheckRedis(probeCtx, rdb)
			}
			if journal != nil {
				h.CheckJournal(probeCtx, journal)
			}
			cancel()
		}
	}
}

// Report is the /healthz body.
type Report struct {
	Status           string  `json:"status"`
	Mode             string  `json:"mode"`
	Uptime           string  `json:"uptime"`
	VenueConnected   bool    `json:"venue_connected"`
	LastFillTime     string  `json:"last_fill_time,omitempty"`
	RedisConnected   bool    `json:"redis_connected"`
	RedisLatencyMs   float64 `json:"redis_latency_ms"`
	JournalOK        bool    `json:"journal_ok"`
	JournalLatencyMs float64 `json:"journal_latency_ms"`
	AgentSessions    int     `json:"agent_sessions"`
	LastCheckAt      string  `json:"last_check_at,omitempty"`
}

// Report summarizes health. Only enabled dependencies count against it.
func (h *HealthStatus) Report() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	redisDown := h.RedisEnabled && !h.RedisConnected
	journalDown := h.JournalEnabled && !h.JournalOK
	if !h.VenueConnected || redisDown || journalDown {
		status = "degraded"
	}
	if !h.VenueConnected && (redisDown || journalDown) {
		status = "unhealthy"
	}

	r := Report{
		Status:           status,
		Mode:             h.Mode,
		Uptime:           time.Since(h.StartedAt).Round(time.Second).String(),
		VenueConnected:   h.VenueConnected,
		RedisConnected:   h.RedisConnected,
		RedisLatencyMs:   h.RedisLatencyMs,
		JournalOK:        h.JournalOK,
		JournalLatencyMs: h.JournalLatencyMs,
		AgentSessions:    h.AgentSessions,
	}
	if !h.LastFillTime.IsZero() {
		r.LastFillTime = h.LastFillTime.Format(time.RFC3339)
	}
	if !h.LastCheckAt.IsZero() {
		r.LastCheckAt = h.LastCheckAt.Format(time.RFC3339)
	}
	return r
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.Report()
	w.Header().Set("Content-Type", "application/json")
	if report.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(report)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
