package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. YAML config file  (file.go)
//   4. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the APCGATE_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Durations accept Go
// syntax ("90s") or a bare number of seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty,
// well-formed values override the existing one.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("APCGATE_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("APCGATE_BACKEND"); v != "" {
		cfg.SetBackend(v) //nolint:errcheck // malformed values are ignored
	}
	if v := envDuration("APCGATE_DIAL_TIMEOUT"); v > 0 {
		cfg.DialTimeout = v
	}
	if v := envInt("APCGATE_DIAL_RETRIES"); v > 0 {
		cfg.DialRetries = v
	}
	if v := envDuration("APCGATE_IDLE_TIMEOUT"); v > 0 {
		cfg.IdleTimeout = v
	}
	if v := envInt("APCGATE_MAX_REQUESTS"); v > 0 {
		cfg.MaxRequests = v
	}
	if v := envInt("APCGATE_MAX_PAYLOAD"); v > 0 {
		cfg.MaxPayload = v
	}
	if v := envDuration("APCGATE_GRACE_PERIOD"); v > 0 {
		cfg.GracePeriod = v
	}
	if v := envInt("APCGATE_CIRCUIT_THRESHOLD"); v > 0 {
		cfg.CircuitThreshold = v
	}
	if v := envDuration("APCGATE_CIRCUIT_COOLDOWN"); v > 0 {
		cfg.CircuitCooldown = v
	}
	if v := os.Getenv("APCGATE_METRICS_LISTEN"); v != "" {
		cfg.MetricsAddr = v
	}

	// SSH tunnel
	if v := os.Getenv("APCGATE_TUNNEL"); v != "" {
		cfg.TunnelSpec = v
	}
	if v := os.Getenv("APCGATE_TUNNEL_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("APCGATE_TUNNEL_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("APCGATE_TUNNEL_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("APCGATE_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("APCGATE_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}
	if v := envDuration("APCGATE_TUNNEL_KEEPALIVE"); v > 0 {
		cfg.KeepAlive = v
	}

	// Probe
	if v := os.Getenv("APCGATE_COMMAND"); v != "" {
		cfg.Command = v
	}
	if v := os.Getenv("APCGATE_FORMAT"); v != "" {
		cfg.Format = strings.ToLower(v)
	}

	// Output
	if v := envInt("APCGATE_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return 0
}
