// Package mux multiplexes many logical channels over one encrypted
// connection. The controller runs the server side and opens channels; the
// agent runs the client side and accepts them.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/postalsys/kestrel/internal/logging"
	"github.com/postalsys/kestrel/internal/recovery"
)

// ErrClosed is returned by Open and Accept once the session has ended.
var ErrClosed = errors.New("mux session closed")

// Config tunes a session.
type Config struct {
	// KeepAliveInterval is the ping period. Zero keeps the yamux default;
	// negative disables keepalives.
	KeepAliveInterval time.Duration

	// StreamOpenTimeout bounds waiting for the peer to acknowledge a new
	// channel. Zero keeps the yamux default.
	StreamOpenTimeout time.Duration

	Logger *slog.Logger
}

func (c Config) yamux() *yamux.Config {
	yc := yamux.DefaultConfig()
	switch {
	case c.KeepAliveInterval > 0:
		yc.KeepAliveInterval = c.KeepAliveInterval
	case c.KeepAliveInterval < 0:
		yc.EnableKeepAlive = false
	}
	if c.StreamOpenTimeout > 0 {
		yc.StreamOpenTimeout = c.StreamOpenTimeout
	}
	yc.LogOutput = nil
	yc.Logger = logging.StdLogger(c.Logger, slog.LevelDebug)
	return yc
}

// Session is one multiplexed connection.
type Session struct {
	ys     *yamux.Session
	logger *slog.Logger

	closeOnce sync.Once
}

// Server wraps conn as the accepting side of the yamux protocol.
func Server(conn net.Conn, cfg Config) (*Session, error) {
	ys, err := yamux.Server(conn, cfg.yamux())
	if err != nil {
		return nil, fmt.Errorf("mux server: %w", err)
	}
	return newSession(ys, cfg), nil
}

// Client wraps conn as the dialing side of the yamux protocol.
func Client(conn net.Conn, cfg Config) (*Session, error) {
	ys, err := yamux.Client(conn, cfg.yamux())
	if err != nil {
		return nil, fmt.Errorf("mux client: %w", err)
	}
	return newSession(ys, cfg), nil
}

func newSession(ys *yamux.Session, cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Session{ys: ys, logger: logger}
}

// Open creates a new outbound channel. yamux has no cancellable open, so a
// stream that completes after ctx is done is closed immediately.
func (s *Session) Open(ctx context.Context) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		stream, err := s.ys.OpenStream()
		ch <- result{stream, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, mapErr(r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Accept waits for the peer to open a channel.
func (s *Session) Accept(ctx context.Context) (net.Conn, error) {
	stream, err := s.ys.AcceptStreamWithContext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, mapErr(err)
	}
	return stream, nil
}

// Serve accepts channels and runs handler for each in its own goroutine
// until the session ends or ctx is cancelled. The session is closed when
// Serve returns. A session that ended on its own yields nil.
func (s *Session) Serve(ctx context.Context, handler func(net.Conn)) error {
	defer s.Close()

	for {
		conn, err := s.Accept(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			defer recovery.RecoverWithLog(s.logger, "mux.channel")
			handler(conn)
		}()
	}
}

// Done is closed when the session terminates for any reason.
func (s *Session) Done() <-chan struct{} {
	return s.ys.CloseChan()
}

// IsClosed reports whether the session has terminated.
func (s *Session) IsClosed() bool {
	return s.ys.IsClosed()
}

// NumChannels returns the number of open channels.
func (s *Session) NumChannels() int {
	return s.ys.NumStreams()
}

// Ping measures a round trip to the peer.
func (s *Session) Ping() (time.Duration, error) {
	d, err := s.ys.Ping()
	return d, mapErr(err)
}

// RemoteAddr returns the address of the underlying connection's peer.
func (s *Session) RemoteAddr() net.Addr {
	return s.ys.RemoteAddr()
}

// Close terminates the session and every channel on it.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ys.Close()
	})
	return err
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, yamux.ErrSessionShutdown) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
