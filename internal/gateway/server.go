// Package gateway exposes an apcupsd NIS as a plain-text HTTP endpoint.
//
// Each accepted client gets its own backend connection.  Bytes from both
// sides are fed to a [nis.Session] one at a time and the writes it asks
// for are carried out in order; the package itself never parses HTTP.
package gateway

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"apcgate/internal/metrics"
	"apcgate/internal/nis"
	"apcgate/internal/transport"
	"apcgate/util"
)

// Defaults applied to zero-valued [Options] fields.
const (
	DefaultDialTimeout = 5 * time.Second
	DefaultGracePeriod = 5 * time.Second
)

// Options tunes per-session behaviour.
type Options struct {
	// DialTimeout bounds the backend dial, retries included.
	DialTimeout time.Duration
	// IdleTimeout closes a client that sends nothing for this long.
	// Zero uses the keep-alive timeout advertised in the response
	// header; negative disables it.
	IdleTimeout time.Duration
	// MaxRequests closes the client after this many responses.  Zero
	// uses the advertised keep-alive max; negative means unlimited.
	MaxRequests int
	// GracePeriod is how long shutdown waits for in-flight cycles.
	GracePeriod time.Duration
	// Protocol is handed to every session's state machine.
	Protocol nis.Options
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = o.Protocol.Response.KeepAliveTimeout
		if o.IdleTimeout <= 0 {
			o.IdleTimeout = nis.DefaultKeepAliveTimeout
		}
	}
	if o.MaxRequests == 0 {
		o.MaxRequests = o.Protocol.Response.MaxRequests
		if o.MaxRequests <= 0 {
			o.MaxRequests = nis.DefaultMaxRequests
		}
	}
	return o
}

// Server accepts HTTP clients and bridges each to the NIS backend.
type Server struct {
	Addr    string // listen address, e.g. ":8080"
	Backend string // NIS address, e.g. "127.0.0.1:3551"
	Dialer  transport.Dialer
	Options Options
	Logger  *util.Logger
	Metrics *metrics.Collector

	backend atomic.Pointer[string]
	active  atomic.Int64

	drainOnce sync.Once
	drain     chan struct{}
}

// SetBackend changes the NIS address used by sessions accepted from now
// on.  Existing sessions keep their connection.
func (s *Server) SetBackend(addr string) {
	s.backend.Store(&addr)
}

// BackendAddr returns the NIS address new sessions dial.
func (s *Server) BackendAddr() string {
	if p := s.backend.Load(); p != nil {
		return *p
	}
	return s.Backend
}

// ActiveSessions returns the number of sessions currently running.
func (s *Server) ActiveSessions() int { return int(s.active.Load()) }

// Run listens on Addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then drains:
// idle sessions close at once and sessions with a cycle in flight get
// GracePeriod to deliver their response.  Serve closes ln.  A Server
// serves once.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	opts := s.Options.withDefaults()
	if s.Logger == nil {
		s.Logger = util.NewLogger(int(util.LogNormal))
	}
	if s.Dialer == nil {
		s.Dialer = &transport.TCPDialer{Timeout: opts.DialTimeout}
	}
	s.drainOnce.Do(func() { s.drain = make(chan struct{}) })

	s.Logger.Info("listening on %s, backend %s", ln.Addr(), s.BackendAddr())

	// Sessions outlive ctx by up to the grace period.
	sessCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				acceptErr = fmt.Errorf("accept: %w", err)
			}
			break
		}

		s.Logger.Verbose("connection from %s", conn.RemoteAddr())
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(sessCtx, conn, opts)
		}()
	}

	close(s.drain)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(opts.GracePeriod):
		s.Logger.Warn("grace period expired, closing %d sessions", s.ActiveSessions())
		cancelSessions()
		<-done
	}
	s.Logger.Verbose("gateway stopped")
	return acceptErr
}
