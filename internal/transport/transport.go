// Package transport opens connections to the NIS backend.  A plain TCP
// dialer covers a reachable apcupsd; an SSH dialer reaches one that is
// bound to its host's loopback.  Either can be wrapped in a resilient
// dialer that retries and trips a circuit breaker.
package transport

import (
	"context"
	"net"
)

// Dialer opens backend connections.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases long-lived resources such as an SSH session.
	// Stateless dialers return nil.
	Close() error
}

// DialFunc adapts an ordinary function to the Dialer interface.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Dial calls f.
func (f DialFunc) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// Close is a no-op.
func (f DialFunc) Close() error { return nil }
