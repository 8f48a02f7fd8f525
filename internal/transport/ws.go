package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"nhooyr.io/websocket"

	"github.com/postalsys/kestrel/internal/logging"
	"github.com/postalsys/kestrel/internal/recovery"
)

const (
	wsReadLimit         = 16 * 1024 * 1024
	wsReadHeaderTimeout = 10 * time.Second
)

// WebSocketTransport carries sessions as binary WebSocket messages.
type WebSocketTransport struct {
	opts Options
}

// NewWebSocketTransport creates a WebSocket transport.
func NewWebSocketTransport(opts Options) *WebSocketTransport {
	return &WebSocketTransport{opts: opts}
}

// Kind returns KindWS.
func (t *WebSocketTransport) Kind() Kind { return KindWS }

// Dial upgrades an HTTP connection to ep.WebSocketURL().
func (t *WebSocketTransport) Dial(ctx context.Context, ep Endpoint) (net.Conn, error) {
	dialCtx, cancel := t.opts.dialContext(ctx)
	defer cancel()

	client, err := buildHTTPClient(ep, t.opts.Proxy)
	if err != nil {
		return nil, &Error{Op: "dial", Kind: KindWS, Addr: ep.Address(), Err: err}
	}

	c, _, err := websocket.Dial(dialCtx, ep.WebSocketURL(), &websocket.DialOptions{HTTPClient: client})
	if err != nil {
		return nil, &Error{Op: "dial", Kind: KindWS, Addr: ep.Address(), Err: err}
	}
	c.SetReadLimit(wsReadLimit)

	// The dial context ends when Dial returns; the conn lives on its own.
	return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil
}

// Listen serves WebSocket upgrades on ep.Path (any path when empty).
func (t *WebSocketTransport) Listen(ctx context.Context, ep Endpoint) (Acceptor, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", ep.Address())
	if err != nil {
		return nil, &Error{Op: "listen", Kind: KindWS, Addr: ep.Address(), Err: err}
	}

	var tlsConfig *tls.Config
	if ep.TLS {
		tlsConfig, err = t.opts.serverTLS()
		if err != nil {
			ln.Close()
			return nil, &Error{Op: "listen", Kind: KindWS, Addr: ep.Address(), Err: err}
		}
	}

	logger := t.opts.logger()
	server := &http.Server{
		ReadHeaderTimeout: wsReadHeaderTimeout,
		TLSConfig:         tlsConfig,
		ErrorLog:          logging.StdLogger(logger, slog.LevelDebug),
	}
	a := newAcceptor(ln.Addr(), server.Close, logger)

	path := ep.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if a.closed() {
			http.Error(w, "server closed", http.StatusServiceUnavailable)
			return
		}
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			logger.Debug("websocket upgrade failed",
				logging.KeyRemoteAddr, r.RemoteAddr,
				logging.KeyError, err)
			return
		}
		c.SetReadLimit(wsReadLimit)

		var remote net.Addr
		if ra, err := net.ResolveTCPAddr("tcp", r.RemoteAddr); err == nil {
			remote = ra
		}
		nc := websocket.NetConn(context.Background(), c, websocket.MessageBinary)
		a.push(&addrConn{Conn: nc, local: a.addr, remote: remote})
	})
	server.Handler = mux

	go func() {
		defer recovery.RecoverWithLog(logger, "ws.serve")
		var err error
		if tlsConfig != nil {
			err = server.ServeTLS(ln, "", "")
		} else {
			err = server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.fail(err)
		}
	}()

	return a, nil
}

// buildHTTPClient creates the client used for the upgrade request.
func buildHTTPClient(ep Endpoint, proxyURL string) (*http.Client, error) {
	tr := &http.Transport{
		TLSClientConfig: ClientTLSConfig(ep.Host),
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, err
		}
		tr.Proxy = http.ProxyURL(u)
	}
	return &http.Client{Transport: tr}, nil
}
