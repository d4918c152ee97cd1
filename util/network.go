package util

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// SplitHostPort parses "host", "host:port", or "[v6]:port", filling in
// defaultPort when the port is omitted.
func SplitHostPort(addr string, defaultPort int) (string, int, error) {
	if addr == "" {
		return "", 0, fmt.Errorf("empty address")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// No port: either a bare host or a bare IPv6 literal.
		if ip := net.ParseIP(addr); ip != nil || !strings.Contains(addr, ":") {
			return addr, defaultPort, nil
		}
		return "", 0, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host == "" {
		return "", 0, fmt.Errorf("invalid address %q: missing host", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q in %q", portStr, addr)
	}
	return host, port, nil
}

// FormatAddr returns "host:port".
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// FindFreePort returns an available TCP port on 127.0.0.1.
func FindFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("finding free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
