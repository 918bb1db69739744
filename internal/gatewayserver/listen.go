package gatewayserver

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/coreos/go-systemd/v22/activation"
)

// EndpointSpec is a parsed entry from config.ServerConfig.Endpoints: one
// of "tcp:host:port", "unix:/path/to.sock", or "fd:N" (the Nth socket
// systemd passed via LISTEN_FDS, 0-indexed).
type EndpointSpec struct {
	Kind string // "tcp", "unix", "fd"
	Addr string // host:port for tcp, path for unix
	FD   int    // index into the inherited descriptor list for fd
}

// ParseEndpoint parses one endpoint string from the configuration. The
// scheme prefix matches the convention documented on
// config.ServerConfig.Endpoints.
func ParseEndpoint(s string) (EndpointSpec, error) {
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok {
		return EndpointSpec{}, fmt.Errorf("endpoint %q must have the form scheme:value", s)
	}
	switch scheme {
	case "tcp":
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return EndpointSpec{}, fmt.Errorf("endpoint %q is not a valid tcp host:port: %w", s, err)
		}
		return EndpointSpec{Kind: "tcp", Addr: rest}, nil
	case "unix":
		if rest == "" {
			return EndpointSpec{}, fmt.Errorf("endpoint %q is missing a socket path", s)
		}
		return EndpointSpec{Kind: "unix", Addr: rest}, nil
	case "fd":
		n, err := strconv.Atoi(rest)
		if err != nil || n < 0 {
			return EndpointSpec{}, fmt.Errorf("endpoint %q has an invalid fd index", s)
		}
		return EndpointSpec{Kind: "fd", FD: n}, nil
	default:
		return EndpointSpec{}, fmt.Errorf("endpoint %q has unknown scheme %q", s, scheme)
	}
}

// inheritedListeners lazily fetches the file descriptors systemd passed
// via LISTEN_FDS, memoized so repeated "fd:N" endpoints don't re-parse
// the environment.
type inheritedListeners struct {
	listeners []net.Listener
	fetched   bool
}

func (il *inheritedListeners) get(n int) (net.Listener, error) {
	if !il.fetched {
		il.listeners = activation.Listeners()
		il.fetched = true
	}
	if n < 0 || n >= len(il.listeners) {
		return nil, fmt.Errorf("no inherited listener at index %d (systemd passed %d)", n, len(il.listeners))
	}
	if il.listeners[n] == nil {
		return nil, fmt.Errorf("inherited listener at index %d is nil", n)
	}
	return il.listeners[n], nil
}

// Listen binds spec, consulting inherited for "fd:N" endpoints.
func Listen(spec EndpointSpec, inherited *inheritedListeners) (net.Listener, error) {
	switch spec.Kind {
	case "tcp":
		return net.Listen("tcp", spec.Addr)
	case "unix":
		return net.Listen("unix", spec.Addr)
	case "fd":
		return inherited.get(spec.FD)
	default:
		return nil, fmt.Errorf("unsupported endpoint kind %q", spec.Kind)
	}
}
