package core

import (
	"fmt"
	"os"

	"apcgate/config"
	"apcgate/internal/gateway"
	"apcgate/internal/metrics"
	"apcgate/internal/nis"
	"apcgate/internal/retry"
	"apcgate/internal/transport"
	"apcgate/tunnel"
	"apcgate/util"
)

// Build constructs the appropriate Mode from the given configuration.
// cfg must already be resolved and validated.
func Build(cfg *config.Config, logger *util.Logger) (Mode, error) {
	if cfg.Probe {
		return buildProbe(cfg, logger)
	}
	return buildServe(cfg, logger)
}

// ── mode builders ────────────────────────────────────────────────────

func buildServe(cfg *config.Config, logger *util.Logger) (Mode, error) {
	inner, err := buildDialer(cfg, logger)
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	dialer := transport.NewResilientDialer(inner, cfg.DialRetries, m, logger)
	dialer.SetBreaker(&retry.CircuitBreakerConfig{
		Threshold: cfg.CircuitThreshold,
		Cooldown:  cfg.CircuitCooldown,
	})

	srv := &gateway.Server{
		Addr:    cfg.ListenAddr,
		Backend: cfg.BackendAddr(),
		Dialer:  dialer,
		Options: serverOptions(cfg),
		Logger:  logger,
		Metrics: m,
	}

	return &ServeMode{
		Server:      srv,
		Dialer:      dialer,
		Metrics:     m,
		MetricsAddr: cfg.MetricsAddr,
		Config:      cfg,
		Reload:      reloadFromFile(cfg.ConfigPath),
		Logger:      logger,
	}, nil
}

func buildProbe(cfg *config.Config, logger *util.Logger) (Mode, error) {
	cmd, err := nis.EncodeCommand(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("command: %w", err)
	}

	inner, err := buildDialer(cfg, logger)
	if err != nil {
		return nil, err
	}

	return &ProbeMode{
		Dialer:     transport.NewResilientDialer(inner, cfg.DialRetries, nil, logger),
		Address:    cfg.BackendAddr(),
		Command:    cmd,
		Format:     cfg.Format,
		Timeout:    cfg.DialTimeout + cfg.IdleTimeout,
		MaxPayload: cfg.MaxPayload,
		Out:        os.Stdout,
		Logger:     logger,
	}, nil
}

// ── shared helpers ───────────────────────────────────────────────────

// buildDialer creates the right transport.Dialer for the given config.
// With a tunnel configured, SSH credentials are resolved here, so any
// password or passphrase prompt happens before the first client.
func buildDialer(cfg *config.Config, logger *util.Logger) (transport.Dialer, error) {
	if cfg.TunnelEnabled {
		d, err := transport.NewSSHDialer(&tunnel.SSHConfig{
			User:          cfg.TunnelUser,
			Host:          cfg.TunnelHost,
			Port:          cfg.TunnelPort,
			KeyPath:       cfg.SSHKeyPath,
			PromptPass:    cfg.SSHPassword,
			UseAgent:      cfg.UseSSHAgent,
			StrictHostKey: cfg.StrictHostKey,
			KnownHosts:    cfg.KnownHostsPath,
			ConnTimeout:   cfg.DialTimeout,
			KeepAlive:     cfg.KeepAlive,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("tunnel: %w", err)
		}
		return d, nil
	}
	return &transport.TCPDialer{Timeout: cfg.DialTimeout}, nil
}

// serverOptions maps the config onto gateway options.  The advertised
// Keep-Alive values follow the enforced limits.
func serverOptions(cfg *config.Config) gateway.Options {
	return gateway.Options{
		DialTimeout: cfg.DialTimeout,
		IdleTimeout: cfg.IdleTimeout,
		MaxRequests: cfg.MaxRequests,
		GracePeriod: cfg.GracePeriod,
		Protocol: nis.Options{
			MaxPayload: cfg.MaxPayload,
			Response: nis.ResponseOptions{
				KeepAliveTimeout: cfg.IdleTimeout,
				MaxRequests:      cfg.MaxRequests,
			},
		},
	}
}

// reloadFromFile rebuilds a config from defaults, the file and the
// environment.  The CLI replaces it with a loader that re-applies flags.
func reloadFromFile(path string) func() (*config.Config, error) {
	if path == "" {
		return nil
	}
	return func() (*config.Config, error) {
		cfg := config.Default()
		if err := config.LoadFile(path, cfg); err != nil {
			return nil, err
		}
		config.LoadFromEnv(cfg)
		cfg.ConfigPath = path
		if err := cfg.Resolve(); err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}
}
