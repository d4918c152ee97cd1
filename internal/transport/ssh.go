package transport

import (
	"context"
	"fmt"
	"net"

	"apcgate/tunnel"
	"apcgate/util"
)

// SSHDialer routes backend connections through an SSH tunnel.  The
// tunnel is established on the first Dial and re-established whenever
// it is found dead.
type SSHDialer struct {
	tunnel tunnel.Tunnel
	config *tunnel.SSHConfig
	logger *util.Logger
}

// NewSSHDialer creates a dialer that forwards connections through an
// SSH tunnel.  Credentials are resolved now, but nothing is dialed
// until the first Dial.
func NewSSHDialer(cfg *tunnel.SSHConfig, logger *util.Logger) (*SSHDialer, error) {
	tun, err := tunnel.NewSSHTunnel(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &SSHDialer{tunnel: tun, config: cfg, logger: logger}, nil
}

// Dial connects to address as seen from the SSH host.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if !d.tunnel.IsAlive() {
		d.logger.Verbose("establishing SSH tunnel to %s@%s:%d",
			d.config.User, d.config.Host, d.config.Port)
		if err := d.tunnel.Connect(ctx); err != nil {
			return nil, fmt.Errorf("tunnel: %w", err)
		}
	}
	return d.tunnel.Dial(ctx, network, address)
}

// Close tears down the underlying SSH tunnel.
func (d *SSHDialer) Close() error {
	return d.tunnel.Close()
}
