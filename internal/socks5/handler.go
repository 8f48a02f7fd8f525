package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"syscall"
	"time"
)

// DefaultConnectTimeout bounds the outbound dial of a CONNECT.
const DefaultConnectTimeout = 30 * time.Second

// Dialer makes outbound connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Handler negotiates SOCKS5 sessions on channels handed to it.
type Handler struct {
	creds          CredentialStore
	dialer         Dialer
	connectTimeout time.Duration
}

// NewHandler creates a handler. A nil creds accepts clients without
// authentication; otherwise username/password is required. A nil dialer
// dials directly.
func NewHandler(creds CredentialStore, dialer Dialer) *Handler {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	return &Handler{
		creds:          creds,
		dialer:         dialer,
		connectTimeout: DefaultConnectTimeout,
	}
}

// WithConnectTimeout sets the outbound dial timeout.
func (h *Handler) WithConnectTimeout(d time.Duration) *Handler {
	if d > 0 {
		h.connectTimeout = d
	}
	return h
}

// Connect runs the SOCKS5 negotiation on conn: authentication, the request
// and the outbound dial. On success the client has been told so and the
// returned target is ready to be piped to conn; the caller owns both.
// Only CONNECT is supported.
func (h *Handler) Connect(ctx context.Context, conn io.ReadWriter) (net.Conn, *Request, error) {
	if err := h.negotiate(conn); err != nil {
		return nil, nil, fmt.Errorf("authentication: %w", err)
	}

	req, err := readRequest(conn)
	if err != nil {
		var re *replyError
		if errors.As(err, &re) {
			conn.Write(appendReply(nil, re.reply, netip.AddrPort{}))
		}
		return nil, nil, fmt.Errorf("read request: %w", err)
	}
	if req.Command != CmdConnect {
		conn.Write(appendReply(nil, ReplyCmdNotSupported, netip.AddrPort{}))
		return nil, req, fmt.Errorf("unsupported command: %d", req.Command)
	}

	dialCtx, cancel := context.WithTimeout(ctx, h.connectTimeout)
	defer cancel()
	target, err := h.dialer.DialContext(dialCtx, "tcp", req.Target())
	if err != nil {
		conn.Write(appendReply(nil, replyFor(err), netip.AddrPort{}))
		return nil, req, fmt.Errorf("dial %s: %w", req.Target(), err)
	}

	var bind netip.AddrPort
	if local, ok := target.LocalAddr().(*net.TCPAddr); ok {
		bind = local.AddrPort()
	}
	if _, err := conn.Write(appendReply(nil, ReplySucceeded, bind)); err != nil {
		target.Close()
		return nil, req, err
	}
	return target, req, nil
}

// negotiate reads the method offer, selects one and, for username/password,
// runs the RFC 1929 subnegotiation.
func (h *Handler) negotiate(conn io.ReadWriter) error {
	var head [2]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return err
	}
	if head[0] != version {
		return fmt.Errorf("%w: %d", ErrVersion, head[0])
	}
	methods := make([]byte, head[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return err
	}

	want := byte(MethodNoAuth)
	if h.creds != nil {
		want = MethodUserPass
	}
	offered := false
	for _, m := range methods {
		if m == want {
			offered = true
			break
		}
	}
	if !offered {
		conn.Write([]byte{version, MethodNoAcceptable})
		return ErrNoMethod
	}
	if _, err := conn.Write([]byte{version, want}); err != nil {
		return err
	}
	if h.creds == nil {
		return nil
	}
	return h.userPass(conn)
}

// userPass reads VER ULEN UNAME PLEN PASSWD and answers VER STATUS.
func (h *Handler) userPass(conn io.ReadWriter) error {
	var head [2]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return err
	}
	if head[0] != 0x01 {
		return fmt.Errorf("unsupported auth version: %d", head[0])
	}
	if head[1] == 0 {
		return errors.New("username is empty")
	}
	user := make([]byte, head[1])
	if _, err := io.ReadFull(conn, user); err != nil {
		return err
	}
	var plen [1]byte
	if _, err := io.ReadFull(conn, plen[:]); err != nil {
		return err
	}
	pass := make([]byte, plen[0])
	if _, err := io.ReadFull(conn, pass); err != nil {
		return err
	}

	if !h.creds.Valid(string(user), string(pass)) {
		conn.Write([]byte{0x01, 0x01})
		return ErrAuthFailed
	}
	_, err := conn.Write([]byte{0x01, 0x00})
	return err
}

// replyFor maps a dial error to a reply code.
func replyFor(err error) Reply {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ReplyHostUnreachable
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReplyConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return ReplyNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH):
		return ReplyHostUnreachable
	case errors.Is(err, context.DeadlineExceeded):
		return ReplyTTLExpired
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return ReplyTTLExpired
		}
		if opErr.Op == "dial" {
			return ReplyHostUnreachable
		}
	}
	return ReplyServerFailure
}
