// Package tunnel reaches an apcupsd NIS that only listens on its own
// loopback interface by forwarding the backend connection over SSH,
// using golang.org/x/crypto/ssh.
package tunnel

import (
	"context"
	"net"
)

// Tunnel is an encrypted channel through which backend connections are
// opened.
type Tunnel interface {
	// Connect establishes the tunnel to the gateway host.
	Connect(ctx context.Context) error

	// Dial opens a connection to address as seen from the gateway host.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close tears down the tunnel and frees resources.
	Close() error

	// IsAlive reports whether the underlying connection is still up.
	IsAlive() bool
}
