package tunnel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"
)

// readSecret prompts on stderr and reads a line from the terminal
// without echo.  Tests replace it.
var readSecret = func(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)
	return term.ReadPassword(int(os.Stdin.Fd()))
}

// defaultKeyNames are tried in order when no method is configured.
var defaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// Auth holds the SSH auth methods of a tunnel.  Secrets are asked for
// once, when the Auth is resolved, and every reconnect reuses them; an
// unattended gateway never prompts again after start-up.
type Auth struct {
	Methods []ssh.AuthMethod

	agent io.Closer // connection to ssh-agent, if one is used
}

// Close releases the ssh-agent connection.
func (a *Auth) Close() error {
	if a == nil || a.agent == nil {
		return nil
	}
	err := a.agent.Close()
	a.agent = nil
	return err
}

// ResolveAuth builds the auth methods for cfg.  Explicitly configured
// methods are used in the order key, agent, password; with none
// configured the agent and the usual key files under ~/.ssh are tried
// instead.
func ResolveAuth(cfg *SSHConfig) (*Auth, error) {
	a := &Auth{}

	if cfg.KeyPath != "" {
		m, err := keyFileAuth(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", cfg.KeyPath, err)
		}
		a.Methods = append(a.Methods, m)
	}
	if cfg.UseAgent {
		m, conn, err := agentAuth()
		if err != nil {
			return nil, fmt.Errorf("ssh-agent: %w", err)
		}
		a.Methods = append(a.Methods, m)
		a.agent = conn
	}
	if cfg.PromptPass {
		pass, err := readSecret(fmt.Sprintf("%s@%s's password: ", cfg.User, cfg.Host))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("reading password: %w", err)
		}
		a.Methods = append(a.Methods, ssh.Password(string(pass)))
	}

	if len(a.Methods) == 0 {
		a.Methods, a.agent = implicitAuthMethods()
	}
	if len(a.Methods) == 0 {
		return nil, errors.New("no SSH authentication method available; " +
			"set --tunnel-key, --tunnel-agent or --tunnel-password")
	}
	return a, nil
}

// keyFileAuth loads a private key, asking for the passphrase when the
// key is encrypted.
func keyFileAuth(path string) (ssh.AuthMethod, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	switch {
	case err == nil:
	case errors.As(err, &missing):
		pass, perr := readSecret(fmt.Sprintf("Enter passphrase for %s: ", path))
		if perr != nil {
			return nil, fmt.Errorf("reading passphrase: %w", perr)
		}
		if signer, err = ssh.ParsePrivateKeyWithPassphrase(data, pass); err != nil {
			return nil, fmt.Errorf("decrypting key: %w", err)
		}
	default:
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

// agentAuth connects to the agent at SSH_AUTH_SOCK.  The caller owns
// the returned connection.
func agentAuth() (ssh.AuthMethod, net.Conn, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, nil, errors.New("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to agent at %s: %w", sock, err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), conn, nil
}

// implicitAuthMethods collects whatever works without configuration.
// Encrypted default keys are skipped rather than prompted for, since
// the gateway usually runs unattended.
func implicitAuthMethods() ([]ssh.AuthMethod, io.Closer) {
	var out []ssh.AuthMethod
	var agentConn io.Closer

	if m, conn, err := agentAuth(); err == nil {
		out = append(out, m)
		agentConn = conn
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return out, agentConn
	}
	for _, name := range defaultKeyNames {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		if signer, err := ssh.ParsePrivateKey(data); err == nil {
			out = append(out, ssh.PublicKeys(signer))
		}
	}
	return out, agentConn
}

// hostKeyCallback verifies the server against known_hosts when strict
// checking is on.
func hostKeyCallback(cfg *SSHConfig) (ssh.HostKeyCallback, error) {
	if !cfg.StrictHostKey {
		//nolint:gosec // host key checking disabled by configuration
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := cfg.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}

	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts from %s: %w", path, err)
	}
	return cb, nil
}
