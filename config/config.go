// Package config defines the runtime configuration for apcgate and
// loads it from defaults, a YAML file, the environment and flags.
package config

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	ncerr "apcgate/internal/errors"
	"apcgate/util"
)

// Config holds every tuneable of the gateway.  The yaml tags name the
// keys accepted in the config file.
type Config struct {
	// ── Gateway ──────────────────────────────────────────────────────
	ListenAddr  string        `yaml:"listen"`
	BackendHost string        `yaml:"backend_host"`
	BackendPort int           `yaml:"backend_port"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	DialRetries int           `yaml:"dial_retries"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	MaxRequests int           `yaml:"max_requests"`
	MaxPayload  int           `yaml:"max_payload"`
	GracePeriod time.Duration `yaml:"grace_period"`
	MetricsAddr string        `yaml:"metrics_listen"`

	CircuitThreshold int           `yaml:"circuit_threshold"`
	CircuitCooldown  time.Duration `yaml:"circuit_cooldown"`

	// ── SSH tunnel ───────────────────────────────────────────────────
	TunnelSpec     string        `yaml:"tunnel"` // [user@]host[:port]
	SSHKeyPath     string        `yaml:"tunnel_key"`
	SSHPassword    bool          `yaml:"tunnel_password"` // prompt interactively
	UseSSHAgent    bool          `yaml:"tunnel_agent"`
	StrictHostKey  bool          `yaml:"strict_hostkey"`
	KnownHostsPath string        `yaml:"known_hosts"`
	KeepAlive      time.Duration `yaml:"tunnel_keepalive"`

	// Resolved from TunnelSpec by Resolve.
	TunnelEnabled bool   `yaml:"-"`
	TunnelUser    string `yaml:"-"`
	TunnelHost    string `yaml:"-"`
	TunnelPort    int    `yaml:"-"`

	// ── Probe mode ───────────────────────────────────────────────────
	Probe   bool   `yaml:"-"`
	Command string `yaml:"command"`
	Format  string `yaml:"format"` // raw, json, yaml

	// ── Output ───────────────────────────────────────────────────────
	Verbose    int    `yaml:"verbose"`
	ConfigPath string `yaml:"-"`
	DryRun     bool   `yaml:"-"`
}

// BackendAddr returns the NIS address as host:port.
func (c *Config) BackendAddr() string {
	return util.FormatAddr(c.BackendHost, c.BackendPort)
}

// SetBackend parses "host" or "host:port" into BackendHost/BackendPort.
// A bare host keeps the default NIS port.
func (c *Config) SetBackend(addr string) error {
	host, port, err := util.SplitHostPort(addr, DefaultBackendPort)
	if err != nil {
		return &ncerr.ConfigError{Field: "backend", Value: addr, Message: err.Error(),
			Hint: "use host or host:port, e.g. ups.lan:3551"}
	}
	c.BackendHost = host
	c.BackendPort = port
	return nil
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:@]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "nut@ups-host.lan:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q: expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	return user, host, port, nil
}

// Resolve fills the derived tunnel fields from TunnelSpec.
func (c *Config) Resolve() error {
	c.TunnelEnabled = false
	c.TunnelUser, c.TunnelHost, c.TunnelPort = "", "", 0
	if c.TunnelSpec == "" {
		return nil
	}
	user, host, port, err := ParseTunnelSpec(c.TunnelSpec)
	if err != nil {
		return &ncerr.ConfigError{Field: "tunnel", Value: c.TunnelSpec, Message: err.Error(),
			Hint: "e.g. --tunnel nut@ups-host.lan or --tunnel ups-host.lan:2222"}
	}
	c.TunnelEnabled = true
	c.TunnelUser = user
	c.TunnelHost = host
	c.TunnelPort = port
	return nil
}

// ── Validation ───────────────────────────────────────────────────────

var formats = map[string]bool{"raw": true, "json": true, "yaml": true}

// Validate checks that the configuration is internally consistent.  It
// returns a *errors.ConfigError naming the offending flag.
func (c *Config) Validate() error {
	if c.BackendHost == "" {
		return &ncerr.ConfigError{Field: "backend", Message: "backend host is required",
			Hint: "point --backend at the apcupsd NIS, e.g. 127.0.0.1:3551"}
	}
	if c.BackendPort < 1 || c.BackendPort > 65535 {
		return &ncerr.ConfigError{Field: "backend", Value: c.BackendPort,
			Message: "port out of range 1-65535"}
	}

	if !c.Probe {
		if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
			return &ncerr.ConfigError{Field: "listen", Value: c.ListenAddr, Message: err.Error(),
				Hint: "use host:port or :port, e.g. 127.0.0.1:8008"}
		}
		if c.MetricsAddr != "" {
			if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
				return &ncerr.ConfigError{Field: "metrics-listen", Value: c.MetricsAddr, Message: err.Error()}
			}
			if c.MetricsAddr == c.ListenAddr {
				return &ncerr.ConfigError{Field: "metrics-listen", Value: c.MetricsAddr,
					Message: "must differ from --listen"}
			}
		}
	}

	if c.DialTimeout < 0 {
		return &ncerr.ConfigError{Field: "dial-timeout", Value: c.DialTimeout, Message: "must not be negative"}
	}
	if c.DialRetries < 1 {
		return &ncerr.ConfigError{Field: "dial-retries", Value: c.DialRetries, Message: "must be at least 1"}
	}
	if c.MaxPayload < 0 {
		return &ncerr.ConfigError{Field: "max-payload", Value: c.MaxPayload,
			Message: "must not be negative", Hint: "use 0 to disable the limit"}
	}
	if c.CircuitThreshold < 1 {
		return &ncerr.ConfigError{Field: "circuit-threshold", Value: c.CircuitThreshold, Message: "must be at least 1"}
	}
	if c.CircuitCooldown <= 0 {
		return &ncerr.ConfigError{Field: "circuit-cooldown", Value: c.CircuitCooldown, Message: "must be positive"}
	}
	if c.GracePeriod < 0 {
		return &ncerr.ConfigError{Field: "grace-period", Value: c.GracePeriod, Message: "must not be negative"}
	}

	if c.Command == "" {
		return &ncerr.ConfigError{Field: "command", Message: "NIS command must not be empty"}
	}
	if !c.Probe && c.Command != DefaultCommand {
		return &ncerr.ConfigError{Field: "command", Value: c.Command,
			Message: "the gateway only serves the status command",
			Hint: "other commands are available with --probe"}
	}
	if !formats[c.Format] {
		return &ncerr.ConfigError{Field: "format", Value: c.Format,
			Message: "unknown output format", Hint: "choose raw, json or yaml"}
	}
	if c.Format != "raw" && c.Command != DefaultCommand {
		return &ncerr.ConfigError{Field: "format", Value: c.Format,
			Message: "structured output needs the status command", Hint: "use --format raw"}
	}

	if c.TunnelEnabled && c.TunnelHost == "" {
		return &ncerr.ConfigError{Field: "tunnel", Message: "tunnel host is required"}
	}
	if c.KnownHostsPath != "" && !c.StrictHostKey {
		return &ncerr.ConfigError{Field: "known-hosts", Value: c.KnownHostsPath,
			Message: "has no effect without host key checking", Hint: "add --strict-hostkey"}
	}
	return nil
}
