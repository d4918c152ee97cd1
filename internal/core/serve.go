package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"apcgate/config"
	"apcgate/internal/gateway"
	"apcgate/internal/metrics"
	"apcgate/internal/transport"
	"apcgate/util"
)

// ServeMode runs the gateway until the context is cancelled, together
// with an optional metrics endpoint and a config file watcher.
type ServeMode struct {
	Server  *gateway.Server
	Dialer  transport.Dialer
	Metrics *metrics.Collector

	// MetricsAddr, when set, serves /metrics (Prometheus) and /stats
	// (JSON snapshot) on a separate listener.
	MetricsAddr string

	// Config is the configuration currently in effect.
	Config *config.Config

	// Reload rebuilds the configuration after the file changed.  Nil
	// disables watching.
	Reload func() (*config.Config, error)

	Logger *util.Logger
}

// Run starts every component and returns when all have stopped.  The
// first component to fail stops the others.
func (m *ServeMode) Run(ctx context.Context) error {
	if m.Dialer != nil {
		defer m.Dialer.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.Server.Run(gctx) })

	if m.MetricsAddr != "" {
		ln, err := net.Listen("tcp", m.MetricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listen on %s: %w", m.MetricsAddr, err)
		}
		g.Go(func() error { return m.serveMetrics(gctx, ln) })
	}

	if m.Reload != nil && m.Config != nil && m.Config.ConfigPath != "" {
		w := &config.Watcher{
			Path:   m.Config.ConfigPath,
			Load:   m.Reload,
			Apply:  m.apply,
			Logger: m.Logger,
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	return g.Wait()
}

// MetricsHandler returns the mux served on MetricsAddr.
func (m *ServeMode) MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Metrics.Handler())
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, m.Metrics.JSON())
	})
	return mux
}

func (m *ServeMode) serveMetrics(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           m.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	m.Logger.Info("metrics on http://%s/metrics", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}

// apply installs a reloaded configuration.  Verbosity and the backend
// address take effect at once, the latter for new sessions only.
// Everything else needs a restart.
func (m *ServeMode) apply(cfg *config.Config) {
	old := m.Config

	if cfg.Verbose != old.Verbose {
		m.Logger.SetLevel(cfg.Verbose)
		m.Logger.SetTimestamps(cfg.Verbose >= int(util.LogDebug))
		m.Logger.Info("verbosity %d -> %d", old.Verbose, cfg.Verbose)
	}
	if addr := cfg.BackendAddr(); addr != m.Server.BackendAddr() {
		m.Server.SetBackend(addr)
		if r, ok := m.Dialer.(interface{ Reset() }); ok {
			r.Reset()
		}
		m.Logger.Info("backend %s -> %s (new sessions)", old.BackendAddr(), addr)
	}
	if cfg.ListenAddr != old.ListenAddr || cfg.TunnelSpec != old.TunnelSpec || cfg.MetricsAddr != old.MetricsAddr {
		m.Logger.Warn("listen, tunnel and metrics changes need a restart")
	}

	m.Config = cfg
	m.Metrics.ConfigReloaded()
}
