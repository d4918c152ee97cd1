package transport

import (
	"context"
	"net"
	"time"

	ncerr "apcgate/internal/errors"
)

// TCPDialer establishes plain TCP connections to apcupsd.
type TCPDialer struct {
	Timeout time.Duration

	// KeepAlive is the TCP keep-alive period.  Zero uses the Go
	// default; negative disables keep-alives.
	KeepAlive time.Duration
}

// Dial connects to address over TCP.  Nagle is disabled because the
// command frame is tiny and the client is waiting on the reply.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}

	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, ncerr.Wrap("dial", address, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true) //nolint:errcheck
	}
	return conn, nil
}

// Close is a no-op for stateless TCP dialers.
func (d *TCPDialer) Close() error { return nil }
