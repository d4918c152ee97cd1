package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so CLI flags, the YAML file and the
// environment agree on them.

const (
	// DefaultListenAddr matches the upstream block apcupsd HTTP
	// front-ends usually proxy to.
	DefaultListenAddr = "127.0.0.1:8008"

	// DefaultBackendHost is where apcupsd's NIS normally listens.
	DefaultBackendHost = "127.0.0.1"

	// DefaultBackendPort is apcupsd's NIS port.
	DefaultBackendPort = 3551

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultDialTimeout bounds a backend dial, retries included.
	DefaultDialTimeout = 5 * time.Second

	// DefaultDialRetries is the number of backend dial attempts.
	DefaultDialRetries = 3

	// DefaultIdleTimeout matches the advertised Keep-Alive timeout.
	DefaultIdleTimeout = 60 * time.Second

	// DefaultMaxRequests matches the advertised Keep-Alive max.
	DefaultMaxRequests = 1000

	// DefaultMaxPayload caps one buffered status report.  apcupsd
	// reports are a few kilobytes.
	DefaultMaxPayload = 1 << 20

	// DefaultCircuitThreshold is the number of failed client sessions
	// in a row after which backend dials are suspended.
	DefaultCircuitThreshold = 5

	// DefaultCircuitCooldown is how long backend dials stay suspended.
	DefaultCircuitCooldown = 30 * time.Second

	// DefaultKeepAlive is the SSH keepalive interval.
	DefaultKeepAlive = 30 * time.Second

	// DefaultGracePeriod is how long shutdown waits for in-flight cycles.
	DefaultGracePeriod = 5 * time.Second

	// DefaultCommand is the NIS command probe mode sends.
	DefaultCommand = "status"

	// DefaultFormat is probe mode's output format.
	DefaultFormat = "raw"

	// EnvConfigPath names the config file when --config is absent.
	EnvConfigPath = "APCGATE_CONFIG"
)

// Default returns a Config populated with every default.
func Default() *Config {
	return &Config{
		ListenAddr:  DefaultListenAddr,
		BackendHost: DefaultBackendHost,
		BackendPort: DefaultBackendPort,
		DialTimeout: DefaultDialTimeout,
		DialRetries: DefaultDialRetries,
		IdleTimeout: DefaultIdleTimeout,
		MaxRequests: DefaultMaxRequests,
		MaxPayload:  DefaultMaxPayload,
		GracePeriod: DefaultGracePeriod,
		KeepAlive:   DefaultKeepAlive,
		Command:     DefaultCommand,
		Format:      DefaultFormat,
		Verbose:     1,

		CircuitThreshold: DefaultCircuitThreshold,
		CircuitCooldown:  DefaultCircuitCooldown,
	}
}
