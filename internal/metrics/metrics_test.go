package metrics

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_Sessions(t *testing.T) {
	c := New()

	c.SessionOpened()
	c.SessionOpened()
	if c.ActiveSessions() != 2 {
		t.Errorf("active = %d, want 2", c.ActiveSessions())
	}
	if c.TotalSessions() != 2 {
		t.Errorf("total = %d, want 2", c.TotalSessions())
	}

	c.SessionClosed()
	if c.ActiveSessions() != 1 {
		t.Errorf("active = %d, want 1", c.ActiveSessions())
	}
	if c.TotalSessions() != 2 {
		t.Errorf("total should remain 2, got %d", c.TotalSessions())
	}
}

func TestCollector_Bytes(t *testing.T) {
	c := New()

	c.BytesReceived(1024)
	c.BytesSent(512)
	c.BytesReceived(100)
	c.BytesIgnored(0)
	c.BytesIgnored(7)

	if c.TotalBytesIn() != 1124 {
		t.Errorf("bytes in = %d, want 1124", c.TotalBytesIn())
	}
	if c.TotalBytesOut() != 512 {
		t.Errorf("bytes out = %d, want 512", c.TotalBytesOut())
	}
	if s := c.Snapshot(); s.BytesIgnored != 7 {
		t.Errorf("ignored = %d, want 7", s.BytesIgnored)
	}
}

func TestCollector_Errors(t *testing.T) {
	c := New()

	c.DialFailed("dial 127.0.0.1:3551: connection refused")
	c.ProtocolError("nis record at offset 4: too big")
	c.RecordError("plain")

	if c.ErrorCount() != 3 {
		t.Errorf("errors = %d, want 3", c.ErrorCount())
	}
	snap := c.Snapshot()
	if snap.DialFailures != 1 || snap.ProtocolErrors != 1 {
		t.Errorf("dial=%d protocol=%d, want 1/1", snap.DialFailures, snap.ProtocolErrors)
	}
	if snap.LastErrorMessage != "plain" {
		t.Errorf("last error = %q", snap.LastErrorMessage)
	}
}

func TestCollector_Responses(t *testing.T) {
	c := New()
	c.ResponseSent(10 * time.Millisecond)
	c.ResponseSent(20 * time.Millisecond)

	if c.Responses() != 2 {
		t.Errorf("responses = %d, want 2", c.Responses())
	}
	if c.Snapshot().LastResponse == "" {
		t.Error("expected last response timestamp")
	}

	want := `
# HELP apcgate_responses_total HTTP responses synthesized.
# TYPE apcgate_responses_total counter
apcgate_responses_total 2
`
	if err := testutil.GatherAndCompare(c.Registry(), strings.NewReader(want), "apcgate_responses_total"); err != nil {
		t.Error(err)
	}

	n, err := testutil.GatherAndCount(c.Registry(), "apcgate_cycle_duration_seconds")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("histogram series = %d, want 1", n)
	}
}

func TestCollector_PrometheusGauge(t *testing.T) {
	c := New()
	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()
	c.ConfigReloaded()

	want := `
# HELP apcgate_config_reloads_total Configuration reloads applied.
# TYPE apcgate_config_reloads_total counter
apcgate_config_reloads_total 1
# HELP apcgate_sessions_active Client connections currently open.
# TYPE apcgate_sessions_active gauge
apcgate_sessions_active 1
`
	err := testutil.GatherAndCompare(c.Registry(), strings.NewReader(want),
		"apcgate_sessions_active", "apcgate_config_reloads_total")
	if err != nil {
		t.Error(err)
	}
}

func TestCollector_Circuit(t *testing.T) {
	c := New()
	if got := c.Snapshot().Circuit; got != "closed" {
		t.Errorf("initial circuit = %q, want closed", got)
	}

	c.CircuitChanged(1, "open")
	c.DialRejected()
	c.DialRejected()

	want := `
# HELP apcgate_backend_circuit_state Backend dial circuit: 0 closed, 1 open, 2 half-open.
# TYPE apcgate_backend_circuit_state gauge
apcgate_backend_circuit_state 1
# HELP apcgate_backend_dials_rejected_total Backend dials refused by the open circuit.
# TYPE apcgate_backend_dials_rejected_total counter
apcgate_backend_dials_rejected_total 2
`
	err := testutil.GatherAndCompare(c.Registry(), strings.NewReader(want),
		"apcgate_backend_circuit_state", "apcgate_backend_dials_rejected_total")
	if err != nil {
		t.Error(err)
	}
	if snap := c.Snapshot(); snap.Circuit != "open" || snap.DialsRejected != 2 {
		t.Errorf("snapshot circuit=%q rejected=%d", snap.Circuit, snap.DialsRejected)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := New()
	c.BytesSent(42)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "apcgate_client_bytes_total 42") {
		t.Errorf("exposition missing client bytes:\n%s", body)
	}
}

func TestCollector_JSON(t *testing.T) {
	c := New()
	c.SessionOpened()
	c.BytesSent(42)

	raw := c.JSON()
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		t.Fatalf("JSON parse error: %v", err)
	}
	if snap.SessionsActive != 1 {
		t.Errorf("JSON active = %d", snap.SessionsActive)
	}
	if snap.BytesOut != 42 {
		t.Errorf("JSON bytes out = %d", snap.BytesOut)
	}
}

func TestNilCollector_NoOps(t *testing.T) {
	var c *Collector

	// None of these should panic.
	c.SessionOpened()
	c.SessionClosed()
	c.ResponseSent(time.Second)
	c.BytesReceived(100)
	c.BytesSent(100)
	c.BytesIgnored(1)
	c.DialFailed("x")
	c.ProtocolError("x")
	c.RecordError("test")
	c.ConfigReloaded()
	c.CircuitChanged(2, "half-open")
	c.DialRejected()

	if c.ActiveSessions() != 0 || c.Responses() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.TotalBytesIn() != 0 || c.ErrorCount() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.Registry() != nil {
		t.Error("nil collector has no registry")
	}
	if c.Handler() == nil {
		t.Error("nil collector should still return a handler")
	}
	if c.JSON() == "" {
		t.Error("nil JSON should return valid JSON")
	}
}
