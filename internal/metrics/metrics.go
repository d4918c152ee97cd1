// Package metrics provides lightweight, lock-free counters and gauges
// for tracking gateway sessions, and exposes them to Prometheus.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every exported metric name.
const Namespace = "apcgate"

// Collector tracks runtime metrics for the gateway.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	sessionsActive atomic.Int64
	sessionsTotal  atomic.Int64
	responsesTotal atomic.Int64
	bytesIn        atomic.Int64 // from the backend
	bytesOut       atomic.Int64 // to clients
	bytesIgnored   atomic.Int64
	dialFailures   atomic.Int64
	protocolErrors atomic.Int64
	errorsTotal    atomic.Int64
	configReloads  atomic.Int64
	dialsRejected  atomic.Int64
	circuitState   atomic.Int64

	cycleSeconds prometheus.Histogram
	registry     *prometheus.Registry

	mu           sync.RWMutex
	startTime    time.Time
	lastResponse time.Time
	lastError    time.Time
	lastErrorMsg string
	circuitName  string
}

// New creates a collector with its own Prometheus registry, including
// the Go runtime and process collectors.
func New() *Collector {
	c := &Collector{
		startTime:   time.Now(),
		circuitName: "closed",
		registry:    prometheus.NewRegistry(),
		cycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time from command frame sent to HTTP response written.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}

	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: Namespace, Name: name, Help: help,
		}, func() float64 { return float64(v.Load()) })
	}

	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: Namespace, Name: "sessions_active",
			Help: "Client connections currently open.",
		}, func() float64 { return float64(c.sessionsActive.Load()) }),
		counter("sessions_total", "Client connections accepted.", &c.sessionsTotal),
		counter("responses_total", "HTTP responses synthesized.", &c.responsesTotal),
		counter("backend_bytes_total", "Bytes read from the NIS backend.", &c.bytesIn),
		counter("client_bytes_total", "Bytes written to clients.", &c.bytesOut),
		counter("ignored_bytes_total", "Backend bytes dropped outside a request cycle.", &c.bytesIgnored),
		counter("backend_dial_failures_total", "Failed backend dials.", &c.dialFailures),
		counter("protocol_errors_total", "Sessions torn down by framing violations.", &c.protocolErrors),
		counter("errors_total", "Session errors of any kind.", &c.errorsTotal),
		counter("config_reloads_total", "Configuration reloads applied.", &c.configReloads),
		counter("backend_dials_rejected_total", "Backend dials refused by the open circuit.", &c.dialsRejected),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: Namespace, Name: "backend_circuit_state",
			Help: "Backend dial circuit: 0 closed, 1 open, 2 half-open.",
		}, func() float64 { return float64(c.circuitState.Load()) }),
		c.cycleSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// ── Session metrics ──────────────────────────────────────────────────

// SessionOpened increments both the active and total counters.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(1)
	c.sessionsTotal.Add(1)
}

// SessionClosed decrements the active session counter.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(-1)
}

// ActiveSessions returns the current number of open sessions.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// TotalSessions returns the lifetime session count.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsTotal.Load()
}

// ResponseSent records one completed request cycle.
func (c *Collector) ResponseSent(d time.Duration) {
	if c == nil {
		return
	}
	c.responsesTotal.Add(1)
	c.cycleSeconds.Observe(d.Seconds())
	c.mu.Lock()
	c.lastResponse = time.Now()
	c.mu.Unlock()
}

// Responses returns the number of responses synthesized.
func (c *Collector) Responses() int64 {
	if c == nil {
		return 0
	}
	return c.responsesTotal.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from the backend.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to a client.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// BytesIgnored records n backend bytes that arrived outside a cycle.
func (c *Collector) BytesIgnored(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.bytesIgnored.Add(n)
}

// TotalBytesIn returns total bytes received from backends.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent to clients.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// DialFailed records a backend dial that gave up.
func (c *Collector) DialFailed(msg string) {
	if c == nil {
		return
	}
	c.dialFailures.Add(1)
	c.RecordError(msg)
}

// ProtocolError records a session torn down by a framing violation.
func (c *Collector) ProtocolError(msg string) {
	if c == nil {
		return
	}
	c.protocolErrors.Add(1)
	c.RecordError(msg)
}

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ConfigReloaded records an applied configuration reload.
func (c *Collector) ConfigReloaded() {
	if c == nil {
		return
	}
	c.configReloads.Add(1)
}

// ── Backend circuit ──────────────────────────────────────────────────

// CircuitChanged records the backend circuit's new state.  code is the
// numeric gauge value and name its label in snapshots.
func (c *Collector) CircuitChanged(code int, name string) {
	if c == nil {
		return
	}
	c.circuitState.Store(int64(code))
	c.mu.Lock()
	c.circuitName = name
	c.mu.Unlock()
}

// DialRejected records a dial turned away without touching the backend.
func (c *Collector) DialRejected() {
	if c == nil {
		return
	}
	c.dialsRejected.Add(1)
}

// ── Exposition ───────────────────────────────────────────────────────

// Registry returns the Prometheus registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	SessionsActive   int64  `json:"sessions_active"`
	SessionsTotal    int64  `json:"sessions_total"`
	Responses        int64  `json:"responses"`
	BytesIn          int64  `json:"bytes_in"`
	BytesOut         int64  `json:"bytes_out"`
	BytesIgnored     int64  `json:"bytes_ignored"`
	DialFailures     int64  `json:"dial_failures"`
	ProtocolErrors   int64  `json:"protocol_errors"`
	ErrorsTotal      int64  `json:"errors_total"`
	ConfigReloads    int64  `json:"config_reloads"`
	DialsRejected    int64  `json:"dials_rejected"`
	Circuit          string `json:"circuit"`
	LastResponse     string `json:"last_response,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:         time.Since(c.startTime).Truncate(time.Second).String(),
		SessionsActive: c.sessionsActive.Load(),
		SessionsTotal:  c.sessionsTotal.Load(),
		Responses:      c.responsesTotal.Load(),
		BytesIn:        c.bytesIn.Load(),
		BytesOut:       c.bytesOut.Load(),
		BytesIgnored:   c.bytesIgnored.Load(),
		DialFailures:   c.dialFailures.Load(),
		ProtocolErrors: c.protocolErrors.Load(),
		ErrorsTotal:    c.errorsTotal.Load(),
		ConfigReloads:  c.configReloads.Load(),
		DialsRejected:  c.dialsRejected.Load(),
		Circuit:        c.circuitName,
	}
	if !c.lastResponse.IsZero() {
		s.LastResponse = c.lastResponse.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
