package cmdutil

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// ParseAddr parses a listen address in URL form, such as
// tcp://127.0.0.1:9095 or unix://~/fine.sock, into a network and address
// usable with net.Listen. Addresses without a scheme are TCP. A leading ~ in
// unix socket paths is expanded to the home directory.
func ParseAddr(addr string) (network, address string, err error) {
	if !strings.Contains(addr, "://") {
		return "tcp", addr, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return "", "", fmt.Errorf("cannot parse addr %q as url: %w", addr, err)
	}

	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		if u.Host == "" {
			return "", "", fmt.Errorf("addr %q is missing a host", addr)
		}
		return u.Scheme, u.Host, nil
	case "unix":
		address, err := homedir.Expand(u.Host + u.Path)
		if err != nil {
			return "", "", fmt.Errorf("invalid addr %q: %w", addr, err)
		}
		if address == "" {
			return "", "", fmt.Errorf("addr %q is missing a socket path", addr)
		}
		return u.Scheme, address, nil
	default:
		return "", "", fmt.Errorf("unsupported scheme %q in addr %q", u.Scheme, addr)
	}
}

// Listen opens a listener on addr. See ParseAddr for the accepted forms.
func Listen(addr string) (net.Listener, error) {
	network, address, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	lis, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s listener %s: %w", network, address, err)
	}
	return lis, nil
}

// DialTarget converts addr into a gRPC dial target.
func DialTarget(addr string) (string, error) {
	network, address, err := ParseAddr(addr)
	if err != nil {
		return "", err
	}
	if network != "unix" {
		return address, nil
	}
	abs, err := filepath.Abs(address)
	if err != nil {
		return "", fmt.Errorf("resolving socket path: %w", err)
	}
	return "unix://" + abs, nil
}
