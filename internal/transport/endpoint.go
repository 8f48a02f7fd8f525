package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Endpoint is a parsed transport address: scheme://host[:port][/path].
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
	TLS    bool
	Path   string
}

// ParseEndpoint parses an address. A bare host:port is read as tcp://host:port.
// The tls, https and wss schemes turn TLS on; a missing port defaults to 443
// with TLS and 80 without.
func ParseEndpoint(raw string) (Endpoint, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Endpoint{}, fmt.Errorf("empty address")
	}
	if !strings.Contains(s, "://") {
		s = "tcp://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid address %q: %w", raw, err)
	}

	ep := Endpoint{
		Scheme: strings.ToLower(u.Scheme),
		Host:   u.Hostname(),
		Path:   u.Path,
	}
	if ep.Host == "" {
		return Endpoint{}, fmt.Errorf("invalid address %q: missing host", raw)
	}

	switch ep.Scheme {
	case "tls", "https", "wss":
		ep.TLS = true
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 0 || port > 65535 {
			return Endpoint{}, fmt.Errorf("invalid port in %q", raw)
		}
		ep.Port = port
	} else if ep.TLS {
		ep.Port = 443
	} else {
		ep.Port = 80
	}

	return ep, nil
}

// MustParseEndpoint is ParseEndpoint for literals known to be valid.
func MustParseEndpoint(raw string) Endpoint {
	ep, err := ParseEndpoint(raw)
	if err != nil {
		panic(err)
	}
	return ep
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String returns the endpoint in scheme://host:port/path form.
func (e Endpoint) String() string {
	return e.Scheme + "://" + e.Address() + e.Path
}

// WebSocketURL returns the ws:// or wss:// URL for the endpoint.
func (e Endpoint) WebSocketURL() string {
	scheme := "ws"
	if e.TLS {
		scheme = "wss"
	}
	path := e.Path
	if path == "" {
		path = "/"
	}
	return scheme + "://" + e.Address() + path
}

// Kind infers the transport from the scheme.
func (e Endpoint) Kind() Kind {
	switch e.Scheme {
	case "ws", "wss", "http", "https":
		return KindWS
	case "kcp":
		return KindKCP
	case "quic":
		return KindQUIC
	default:
		return KindTCP
	}
}

// WithPort returns a copy of e bound to port.
func (e Endpoint) WithPort(port int) Endpoint {
	e.Port = port
	return e
}
