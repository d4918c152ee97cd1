package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	ncerr "apcgate/internal/errors"
	"apcgate/util"
)

// SSHConfig holds everything needed to reach the UPS host over SSH.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration

	// KeepAlive is the interval between keepalive@openssh.com probes.
	// Zero disables probing; a dead tunnel is then only noticed when
	// the server closes it.
	KeepAlive time.Duration
}

// SSHTunnel implements [Tunnel] with a single long-lived ssh.Client.
// Every gateway session opens its own direct-tcpip channel over it, so
// one SSH handshake serves all sessions.
type SSHTunnel struct {
	config  *SSHConfig
	logger  *util.Logger
	auth    *Auth
	hostKey ssh.HostKeyCallback

	mu     sync.RWMutex
	client *ssh.Client
	alive  bool
	closed bool
	stop   chan struct{}
}

// NewSSHTunnel creates a tunnel that is ready to [Connect].  Credentials
// and host keys are resolved here, so a password or passphrase prompt
// happens once, before any session needs the tunnel.
func NewSSHTunnel(cfg *SSHConfig, logger *util.Logger) (*SSHTunnel, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}

	auth, err := ResolveAuth(cfg)
	if err != nil {
		return nil, ncerr.WrapSSH("auth", cfg.Host, cfg.Port, err)
	}
	hk, err := hostKeyCallback(cfg)
	if err != nil {
		auth.Close()
		return nil, ncerr.WrapSSH("hostkey", cfg.Host, cfg.Port, err)
	}
	return &SSHTunnel{config: cfg, logger: logger, auth: auth, hostKey: hk}, nil
}

// Connect dials the SSH host and completes the handshake.  Calling it on
// a live tunnel is a no-op; calling it after Close fails.
func (t *SSHTunnel) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ncerr.ErrNotConnected
	}
	if t.alive {
		return nil
	}

	client, err := t.dial(ctx)
	if err != nil {
		return err
	}

	if t.stop != nil {
		close(t.stop)
	}
	if t.client != nil {
		t.client.Close()
	}
	t.client = client
	t.alive = true
	t.stop = make(chan struct{})

	go t.monitor(client)
	if t.config.KeepAlive > 0 {
		go t.keepalive(client, t.stop)
	}
	return nil
}

// dial connects and handshakes.  The handshake is bounded by both
// ConnTimeout and ctx.
func (t *SSHTunnel) dial(ctx context.Context) (*ssh.Client, error) {
	sshCfg := &ssh.ClientConfig{
		User:            t.config.User,
		Auth:            t.auth.Methods,
		HostKeyCallback: t.hostKey,
		Timeout:         t.config.ConnTimeout,
	}

	addr := util.FormatAddr(t.config.Host, t.config.Port)
	t.logger.Debug("ssh: dialing %s as %s", addr, t.config.User)

	dialer := net.Dialer{Timeout: t.config.ConnTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ncerr.Wrap("dial", addr, err)
	}

	deadline := time.Now().Add(t.config.ConnTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	tcpConn.SetDeadline(deadline) //nolint:errcheck
	stop := context.AfterFunc(ctx, func() { tcpConn.Close() })

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if !stop() || err != nil {
		tcpConn.Close()
		if err == nil {
			sshConn.Close()
			err = ctx.Err()
		} else if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, ncerr.WrapSSH("handshake", t.config.Host, t.config.Port, err)
	}
	tcpConn.SetDeadline(time.Time{}) //nolint:errcheck
	t.logger.Verbose("ssh: connected to %s", addr)
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Dial opens a channel to address on the far side of the tunnel.  A
// tunnel that has died since the last Dial is re-established first.
func (t *SSHTunnel) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if !t.IsAlive() {
		t.logger.Verbose("ssh: tunnel down, reconnecting")
		if err := t.Connect(ctx); err != nil {
			return nil, err
		}
	}

	t.mu.RLock()
	client := t.client
	t.mu.RUnlock()
	if client == nil {
		return nil, ncerr.ErrNotConnected
	}

	t.logger.Debug("ssh: opening %s channel to %s", network, address)
	conn, err := client.DialContext(ctx, network, address)
	if err != nil {
		return nil, ncerr.Wrap("dial", address, fmt.Errorf("via ssh %s: %w", t.config.Host, err))
	}
	return conn, nil
}

// Close shuts down the SSH connection and releases the credentials.
// The tunnel cannot be used afterwards.
func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.alive = false
	t.closed = true
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	var err error
	if t.client != nil {
		err = t.client.Close()
		t.client = nil
	}
	if aerr := t.auth.Close(); err == nil {
		err = aerr
	}
	return err
}

// IsAlive reports whether the tunnel is still connected.
func (t *SSHTunnel) IsAlive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alive
}

// markDead flips the alive flag if client is still the current one.
func (t *SSHTunnel) markDead(client *ssh.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == client {
		t.alive = false
	}
}

// monitor blocks until the SSH connection closes.
func (t *SSHTunnel) monitor(client *ssh.Client) {
	err := client.Wait()
	t.markDead(client)

	if err != nil {
		t.logger.Debug("ssh: tunnel closed: %v", err)
	} else {
		t.logger.Debug("ssh: tunnel closed")
	}
}

// keepalive probes the server periodically and closes the client on
// failure so monitor marks the tunnel dead.
func (t *SSHTunnel) keepalive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(t.config.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				t.logger.Warn("ssh: keepalive failed: %v", err)
				t.markDead(client)
				client.Close()
				return
			}
			t.logger.Debug("ssh: keepalive OK")
		}
	}
}
