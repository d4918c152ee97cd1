package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"apcgate/config"
	"apcgate/internal/transport"
	"apcgate/util"
)

func TestBuild_Serve(t *testing.T) {
	cfg := config.Default()
	mode, err := Build(cfg, util.NewLogger(0))
	if err != nil {
		t.Fatal(err)
	}
	sm, ok := mode.(*ServeMode)
	if !ok {
		t.Fatalf("expected *ServeMode, got %T", mode)
	}
	if sm.Server.Addr != config.DefaultListenAddr {
		t.Errorf("listen = %q", sm.Server.Addr)
	}
	if sm.Server.BackendAddr() != "127.0.0.1:3551" {
		t.Errorf("backend = %q", sm.Server.BackendAddr())
	}
	if sm.Reload != nil {
		t.Error("no config file, so no reload hook")
	}
}

func TestBuild_Probe(t *testing.T) {
	cfg := config.Default()
	cfg.Probe = true
	cfg.Command = "events"

	mode, err := Build(cfg, util.NewLogger(0))
	if err != nil {
		t.Fatal(err)
	}
	pm, ok := mode.(*ProbeMode)
	if !ok {
		t.Fatalf("expected *ProbeMode, got %T", mode)
	}
	if string(pm.Command) != "\x00\x06events" {
		t.Errorf("command = %q", pm.Command)
	}
}

func TestBuild_ProbeEmptyCommand(t *testing.T) {
	cfg := config.Default()
	cfg.Probe = true
	cfg.Command = ""

	if _, err := Build(cfg, util.NewLogger(0)); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestBuild_TunnelDialer(t *testing.T) {
	cfg := config.Default()
	cfg.TunnelSpec = "nut@ups-host"
	cfg.SSHKeyPath = writeKey(t)
	if err := cfg.Resolve(); err != nil {
		t.Fatal(err)
	}

	mode, err := Build(cfg, util.NewLogger(0))
	if err != nil {
		t.Fatal(err)
	}
	sm := mode.(*ServeMode)
	defer sm.Dialer.Close()
	rd, ok := sm.Dialer.(*transport.ResilientDialer)
	if !ok {
		t.Fatalf("dialer %T is not resilient", sm.Dialer)
	}
	if _, ok := rd.Inner.(*transport.SSHDialer); !ok {
		t.Errorf("inner dialer = %T, want *transport.SSHDialer", rd.Inner)
	}
}

func TestBuild_TunnelWithoutCredentials(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	t.Setenv("HOME", t.TempDir())

	cfg := config.Default()
	cfg.TunnelSpec = "nut@ups-host"
	if err := cfg.Resolve(); err != nil {
		t.Fatal(err)
	}
	if _, err := Build(cfg, util.NewLogger(0)); err == nil {
		t.Fatal("expected an auth error before any client connects")
	}
}

// writeKey stores an unencrypted ed25519 key and returns its path.
func writeKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBuild_PlainDialer(t *testing.T) {
	cfg := config.Default()
	cfg.DialRetries = 7

	mode, err := Build(cfg, util.NewLogger(0))
	if err != nil {
		t.Fatal(err)
	}
	rd := mode.(*ServeMode).Dialer.(*transport.ResilientDialer)
	if _, ok := rd.Inner.(*transport.TCPDialer); !ok {
		t.Errorf("inner dialer = %T, want *transport.TCPDialer", rd.Inner)
	}
	if rd.Backoff.MaxAttempts != 7 {
		t.Errorf("attempts = %d, want 7", rd.Backoff.MaxAttempts)
	}
}

func TestServerOptions(t *testing.T) {
	cfg := config.Default()
	cfg.IdleTimeout = 90 * time.Second
	cfg.MaxRequests = 20
	cfg.MaxPayload = 512

	o := serverOptions(cfg)
	if o.IdleTimeout != 90*time.Second || o.MaxRequests != 20 {
		t.Errorf("limits = %v/%d", o.IdleTimeout, o.MaxRequests)
	}
	if o.Protocol.Response.KeepAliveTimeout != 90*time.Second || o.Protocol.Response.MaxRequests != 20 {
		t.Error("advertised keep-alive must follow the enforced limits")
	}
	if o.Protocol.MaxPayload != 512 {
		t.Errorf("MaxPayload = %d", o.Protocol.MaxPayload)
	}
}
