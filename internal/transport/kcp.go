package transport

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/xtaci/kcp-go/v5"
)

// KCP tuning: the "fastest" no-delay profile in stream mode.
const (
	kcpNoDelay  = 1
	kcpInterval = 10
	kcpResend   = 2
	kcpNC       = 1
	kcpWindow   = 1024
)

// KCPTransport carries sessions over KCP (reliable UDP), with TLS when the
// endpoint asks.
type KCPTransport struct {
	opts Options
}

// NewKCPTransport creates a KCP transport.
func NewKCPTransport(opts Options) *KCPTransport {
	return &KCPTransport{opts: opts}
}

// Kind returns KindKCP.
func (t *KCPTransport) Kind() Kind { return KindKCP }

// Dial opens a KCP session to ep. KCP has no connection setup of its own,
// so only the optional TLS handshake observes ctx.
func (t *KCPTransport) Dial(ctx context.Context, ep Endpoint) (net.Conn, error) {
	ctx, cancel := t.opts.dialContext(ctx)
	defer cancel()

	sess, err := kcp.DialWithOptions(ep.Address(), nil, 0, 0)
	if err != nil {
		return nil, &Error{Op: "dial", Kind: KindKCP, Addr: ep.Address(), Err: err}
	}
	tuneKCP(sess)

	var conn net.Conn = sess
	if ep.TLS {
		conn, err = handshakeClient(ctx, conn, ep)
		if err != nil {
			return nil, &Error{Op: "dial", Kind: KindKCP, Addr: ep.Address(), Err: err}
		}
	}
	return conn, nil
}

// Listen binds a UDP socket for KCP sessions.
func (t *KCPTransport) Listen(ctx context.Context, ep Endpoint) (Acceptor, error) {
	ln, err := kcp.ListenWithOptions(ep.Address(), nil, 0, 0)
	if err != nil {
		return nil, &Error{Op: "listen", Kind: KindKCP, Addr: ep.Address(), Err: err}
	}

	var cfg *tls.Config
	if ep.TLS {
		cfg, err = t.opts.serverTLS()
		if err != nil {
			ln.Close()
			return nil, &Error{Op: "listen", Kind: KindKCP, Addr: ep.Address(), Err: err}
		}
	}

	prepare := func(c net.Conn) (net.Conn, error) {
		if sess, ok := c.(*kcp.UDPSession); ok {
			tuneKCP(sess)
		}
		if cfg != nil {
			return handshakeServer(cfg, c)
		}
		return c, nil
	}

	a := newAcceptor(ln.Addr(), ln.Close, t.opts.logger())
	go serveListener(a, ln, prepare)
	return a, nil
}

func tuneKCP(s *kcp.UDPSession) {
	s.SetStreamMode(true)
	s.SetWriteDelay(false)
	s.SetNoDelay(kcpNoDelay, kcpInterval, kcpResend, kcpNC)
	s.SetWindowSize(kcpWindow, kcpWindow)
	s.SetACKNoDelay(true)
}
