package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"golang.org/x/net/proxy"
)

// TCPTransport carries sessions over TCP, with TLS when the endpoint asks.
type TCPTransport struct {
	opts Options
}

// NewTCPTransport creates a TCP transport.
func NewTCPTransport(opts Options) *TCPTransport {
	return &TCPTransport{opts: opts}
}

// Kind returns KindTCP.
func (t *TCPTransport) Kind() Kind { return KindTCP }

// Dial connects to ep, through Options.Proxy when set.
func (t *TCPTransport) Dial(ctx context.Context, ep Endpoint) (net.Conn, error) {
	ctx, cancel := t.opts.dialContext(ctx)
	defer cancel()

	conn, err := dialStream(ctx, ep.Address(), t.opts.Proxy)
	if err != nil {
		return nil, &Error{Op: "dial", Kind: KindTCP, Addr: ep.Address(), Err: err}
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	if ep.TLS {
		conn, err = handshakeClient(ctx, conn, ep)
		if err != nil {
			return nil, &Error{Op: "dial", Kind: KindTCP, Addr: ep.Address(), Err: err}
		}
	}
	return conn, nil
}

// Listen binds ep. TLS listeners use Options.CertFile/KeyFile or a
// generated certificate.
func (t *TCPTransport) Listen(ctx context.Context, ep Endpoint) (Acceptor, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", ep.Address())
	if err != nil {
		return nil, &Error{Op: "listen", Kind: KindTCP, Addr: ep.Address(), Err: err}
	}

	var prepare func(net.Conn) (net.Conn, error)
	if ep.TLS {
		cfg, err := t.opts.serverTLS()
		if err != nil {
			ln.Close()
			return nil, &Error{Op: "listen", Kind: KindTCP, Addr: ep.Address(), Err: err}
		}
		prepare = func(c net.Conn) (net.Conn, error) { return handshakeServer(cfg, c) }
	}

	a := newAcceptor(ln.Addr(), ln.Close, t.opts.logger())
	go serveListener(a, ln, prepare)
	return a, nil
}

// dialStream opens a TCP connection, directly or via a proxy URL.
func dialStream(ctx context.Context, addr, proxyURL string) (net.Conn, error) {
	if proxyURL == "" {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy %q: %w", proxyURL, err)
	}
	d, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("proxy %q: %w", u.Redacted(), err)
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return d.Dial("tcp", addr)
}
