package transport

import (
	"context"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/postalsys/kestrel/internal/logging"
	"github.com/postalsys/kestrel/internal/recovery"
)

const (
	quicMaxIdleTimeout  = 60 * time.Second
	quicKeepAlivePeriod = 30 * time.Second
	quicStreamTimeout   = 10 * time.Second
)

// QUICTransport carries each session on the first bidirectional stream of
// a QUIC connection. QUIC always runs TLS.
type QUICTransport struct {
	opts Options
}

// NewQUICTransport creates a QUIC transport.
func NewQUICTransport(opts Options) *QUICTransport {
	return &QUICTransport{opts: opts}
}

// Kind returns KindQUIC.
func (t *QUICTransport) Kind() Kind { return KindQUIC }

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        quicMaxIdleTimeout,
		KeepAlivePeriod:       quicKeepAlivePeriod,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}
}

// Dial connects to ep and opens the session stream.
func (t *QUICTransport) Dial(ctx context.Context, ep Endpoint) (net.Conn, error) {
	ctx, cancel := t.opts.dialContext(ctx)
	defer cancel()

	tlsConfig := ClientTLSConfig(ep.Host, ALPNProtocol)

	conn, err := quic.DialAddr(ctx, ep.Address(), tlsConfig, quicConfig())
	if err != nil {
		return nil, &Error{Op: "dial", Kind: KindQUIC, Addr: ep.Address(), Err: err}
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, &Error{Op: "dial", Kind: KindQUIC, Addr: ep.Address(), Err: err}
	}
	return &quicConn{Stream: stream, conn: conn}, nil
}

// Listen binds a UDP socket for QUIC connections.
func (t *QUICTransport) Listen(ctx context.Context, ep Endpoint) (Acceptor, error) {
	tlsConfig, err := t.opts.serverTLS(ALPNProtocol)
	if err != nil {
		return nil, &Error{Op: "listen", Kind: KindQUIC, Addr: ep.Address(), Err: err}
	}

	ln, err := quic.ListenAddr(ep.Address(), tlsConfig, quicConfig())
	if err != nil {
		return nil, &Error{Op: "listen", Kind: KindQUIC, Addr: ep.Address(), Err: err}
	}

	logger := t.opts.logger()
	a := newAcceptor(ln.Addr(), ln.Close, logger)

	go func() {
		defer recovery.RecoverWithLog(logger, "quic.accept")
		for {
			conn, err := ln.Accept(context.Background())
			if err != nil {
				if !a.closed() {
					a.fail(err)
				}
				return
			}
			go func() {
				defer recovery.RecoverWithLog(logger, "quic.stream")
				sctx, cancel := context.WithTimeout(context.Background(), quicStreamTimeout)
				defer cancel()

				// The stream surfaces once the dialer writes its first bytes.
				stream, err := conn.AcceptStream(sctx)
				if err != nil {
					logger.Debug("quic connection opened no stream",
						logging.KeyRemoteAddr, conn.RemoteAddr().String(),
						logging.KeyError, err)
					conn.CloseWithError(0, "")
					return
				}
				a.push(&quicConn{Stream: stream, conn: conn})
			}()
		}
	}()

	return a, nil
}

// quicConn adapts a QUIC stream to net.Conn.
type quicConn struct {
	quic.Stream
	conn quic.Connection
}

func (c *quicConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// CloseWrite ends our direction of the stream.
func (c *quicConn) CloseWrite() error {
	return c.Stream.Close()
}

func (c *quicConn) Close() error {
	c.Stream.CancelRead(0)
	c.Stream.Close()
	return c.conn.CloseWithError(0, "")
}
