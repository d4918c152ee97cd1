package transport

import (
	"context"
	"errors"
	"net"
	"time"

	ncerr "apcgate/internal/errors"
	"apcgate/internal/metrics"
	"apcgate/internal/retry"
	"apcgate/util"
)

// ResilientDialer wraps another Dialer with bounded retries and a
// circuit breaker.  One exhausted retry sequence counts as a single
// breaker failure.  Errors that are not retryable (authentication,
// host key, refused SSH channel) stop the sequence at once.  While the
// circuit is open, sessions fail without touching the backend; once
// the cooldown has passed a single session dials on behalf of all.
type ResilientDialer struct {
	Inner   Dialer
	Backoff *retry.Backoff
	Breaker *retry.CircuitBreaker
	Metrics *metrics.Collector
	Logger  *util.Logger

	onState func(from, to retry.State)
}

// NewResilientDialer wraps inner with the default backoff and breaker.
// attempts overrides the backoff's attempt budget when positive.
func NewResilientDialer(inner Dialer, attempts int, m *metrics.Collector, logger *util.Logger) *ResilientDialer {
	b := retry.DefaultBackoff()
	if attempts > 0 {
		b.MaxAttempts = attempts
	}
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Verbose("backend dial attempt %d failed: %v (retry in %v)", attempt, err, wait)
	}

	d := &ResilientDialer{
		Inner:   inner,
		Backoff: b,
		Metrics: m,
		Logger:  logger,
	}
	d.onState = func(from, to retry.State) {
		if to == retry.StateClosed {
			logger.Info("backend circuit %s -> %s", from, to)
		} else {
			logger.Warn("backend circuit %s -> %s", from, to)
		}
		m.CircuitChanged(int(to), to.String())
	}
	d.SetBreaker(nil)
	return d
}

// SetBreaker installs a fresh circuit breaker built from cfg (nil for
// the defaults), keeping the dialer's logging and metrics hooks.
func (d *ResilientDialer) SetBreaker(cfg *retry.CircuitBreakerConfig) {
	c := retry.DefaultCircuitBreakerConfig()
	if cfg != nil {
		cp := *cfg
		c = &cp
	}
	c.OnStateChange = d.onState
	d.Breaker = retry.NewCircuitBreaker(c)
	d.Metrics.CircuitChanged(int(retry.StateClosed), retry.StateClosed.String())
}

// Dial connects to address, retrying transient failures.
func (d *ResilientDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	var conn net.Conn
	err := d.Breaker.Execute(ctx, func() error {
		return d.Backoff.Do(ctx, func(int) error {
			c, err := d.Inner.Dial(ctx, network, address)
			if err != nil {
				if !ncerr.IsRetryable(err) {
					return retry.Permanent(err)
				}
				return err
			}
			conn = c
			return nil
		})
	})
	switch {
	case errors.Is(err, ncerr.ErrCircuitOpen):
		d.Logger.Debug("dial %s skipped: %v", address, err)
		d.Metrics.DialRejected()
		return nil, err
	case err != nil:
		d.Metrics.DialFailed(err.Error())
		return nil, err
	}
	return conn, nil
}

// Reset closes the circuit, forgetting failures of a previous backend.
func (d *ResilientDialer) Reset() { d.Breaker.Reset() }

// Close closes the wrapped dialer.
func (d *ResilientDialer) Close() error { return d.Inner.Close() }
