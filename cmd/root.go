// Package cmd wires up the CLI flags and dispatches to the core modes.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"apcgate/config"
	"apcgate/internal/core"
	"apcgate/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X apcgate/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// stdout is where --version, --dry-run and usage go.  Tests replace it.
var stdout io.Writer = os.Stdout

// cliMeta holds flags that steer the CLI rather than the gateway.
type cliMeta struct {
	showVersion bool
	showHelp    bool
}

// Execute parses args and runs the selected mode.
func Execute(ctx context.Context, args []string) error {
	cfg, meta, err := loadConfig(args)
	if meta.showHelp {
		printUsage(newFlagSet(config.Default(), &cliMeta{}, new(string)))
		return nil
	}
	if meta.showVersion {
		fmt.Fprintf(stdout, "apcgate %s\n", version)
		return nil
	}
	if err != nil {
		return err
	}

	if cfg.DryRun {
		return printConfig(cfg)
	}

	logger := util.NewLogger(cfg.Verbose)
	mode, err := core.Build(cfg, logger)
	if err != nil {
		return err
	}
	if sm, ok := mode.(*core.ServeMode); ok && cfg.ConfigPath != "" {
		// Reloads re-apply the command line so flags keep winning.
		sm.Reload = func() (*config.Config, error) {
			next, _, err := loadConfig(args)
			return next, err
		}
	}
	return mode.Run(ctx)
}

// loadConfig layers defaults, the YAML file, the environment and the
// command line, in increasing precedence, then resolves and validates.
//
// Flags are parsed twice.  The first pass only discovers --config;
// the second binds flags onto the already layered config, so each flag
// default is the value from the lower layers and only flags actually
// given override it.
func loadConfig(args []string) (*config.Config, *cliMeta, error) {
	meta := &cliMeta{}
	probe := config.Default()
	var backend string
	fs := newFlagSet(probe, meta, &backend)
	if err := fs.Parse(args); err != nil {
		return nil, meta, err
	}
	if meta.showHelp || meta.showVersion {
		return nil, meta, nil
	}

	path := probe.ConfigPath
	if path == "" {
		path = os.Getenv(config.EnvConfigPath)
	}

	cfg := config.Default()
	if err := config.LoadFile(path, cfg); err != nil {
		return nil, meta, err
	}
	config.LoadFromEnv(cfg)
	cfg.ConfigPath = path

	verbose := cfg.Verbose
	backend = ""
	fs = newFlagSet(cfg, &cliMeta{}, &backend)
	if err := fs.Parse(args); err != nil {
		return nil, meta, err
	}
	if !fs.Changed("verbose") && !fs.Changed("quiet") {
		cfg.Verbose = verbose
	}
	if fs.Changed("quiet") {
		cfg.Verbose = 0
	}

	switch rest := fs.Args(); len(rest) {
	case 0:
	case 1:
		if backend != "" {
			return nil, meta, fmt.Errorf("backend given both as --backend and as an argument")
		}
		backend = rest[0]
	default:
		return nil, meta, fmt.Errorf("too many arguments (use --help for usage)")
	}
	if backend != "" {
		if err := cfg.SetBackend(backend); err != nil {
			return nil, meta, err
		}
	}

	if err := cfg.Resolve(); err != nil {
		return nil, meta, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, meta, err
	}
	return cfg, meta, nil
}

// newFlagSet binds every flag to cfg, using cfg's current values as the
// flag defaults.  The backend address goes to *backend.
func newFlagSet(cfg *config.Config, meta *cliMeta, backend *string) *flag.FlagSet {
	fs := flag.NewFlagSet("apcgate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	// ── gateway ──────────────────────────────────────────────────
	fs.StringVarP(&cfg.ListenAddr, "listen", "l", cfg.ListenAddr, "HTTP listen address")
	fs.StringVarP(backend, "backend", "b", "", "apcupsd NIS address host[:port] (default "+cfg.BackendAddr()+")")
	fs.StringVarP(&cfg.ConfigPath, "config", "c", cfg.ConfigPath, "YAML config file (watched for changes)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-listen", cfg.MetricsAddr, "Serve /metrics and /stats on this address")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "Backend dial timeout, retries included")
	fs.IntVar(&cfg.DialRetries, "dial-retries", cfg.DialRetries, "Backend dial attempts")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Close clients idle this long (negative disables)")
	fs.IntVar(&cfg.MaxRequests, "max-requests", cfg.MaxRequests, "Responses per client connection (negative is unlimited)")
	fs.IntVar(&cfg.MaxPayload, "max-payload", cfg.MaxPayload, "Largest status report accepted, in bytes (0 disables)")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "Shutdown wait for in-flight requests")
	fs.IntVar(&cfg.CircuitThreshold, "circuit-threshold", cfg.CircuitThreshold, "Failed sessions in a row that suspend backend dials")
	fs.DurationVar(&cfg.CircuitCooldown, "circuit-cooldown", cfg.CircuitCooldown, "How long backend dials stay suspended")

	// ── SSH tunnel ───────────────────────────────────────────────
	fs.StringVarP(&cfg.TunnelSpec, "tunnel", "T", cfg.TunnelSpec, "Reach the backend via SSH [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "tunnel-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "tunnel-password", cfg.SSHPassword, "Prompt for the SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "tunnel-agent", cfg.UseSSHAgent, "Use the SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify the SSH host key")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")
	fs.DurationVar(&cfg.KeepAlive, "tunnel-keepalive", cfg.KeepAlive, "SSH keepalive interval (0 disables)")

	// ── probe ────────────────────────────────────────────────────
	fs.BoolVarP(&cfg.Probe, "probe", "p", cfg.Probe, "Query the backend once and print the result")
	fs.StringVar(&cfg.Command, "command", cfg.Command, "NIS command for --probe")
	fs.StringVarP(&cfg.Format, "format", "f", cfg.Format, "Probe output: raw, json or yaml")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolP("quiet", "q", false, "Only log errors")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Print the effective configuration and exit")
	fs.BoolVar(&meta.showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&meta.showHelp, "help", "h", false, "Show this help")

	return fs
}

// printConfig writes the effective configuration as YAML.
func printConfig(cfg *config.Config) error {
	enc := yaml.NewEncoder(stdout)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(stdout, `apcgate v%s

Serves an apcupsd NIS status report over plain HTTP.

Usage:
  apcgate [options] [backend]                 Run the gateway
  apcgate --probe [options] [backend]         Print one status report

Options:
`, version)
	fmt.Fprint(stdout, fs.FlagUsages())
	fmt.Fprint(stdout, `
Examples:
  apcgate                                     127.0.0.1:8008 -> 127.0.0.1:3551
  apcgate -l :8080 ups.lan                    Expose a remote NIS
  apcgate -T nut@ups-host 127.0.0.1:3551      NIS bound to the UPS host's loopback
  apcgate -p -f json ups.lan                  One-shot status as JSON
  apcgate -c /etc/apcgate.yaml --metrics-listen :9162

Environment variables use the APCGATE_ prefix, e.g. APCGATE_BACKEND.
`)
}
