// Package agent implements the dialing side of Kestrel. A persistent agent
// connects out to a controller listener, authenticates with the Noise
// handshake, announces itself with the registration frame and then serves
// every channel the controller opens as an independent SSH connection. A
// polling agent instead checks in over HTTPS with sealed payloads.
package agent

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/postalsys/kestrel/internal/config"
	"github.com/postalsys/kestrel/internal/handshake"
	"github.com/postalsys/kestrel/internal/identity"
	"github.com/postalsys/kestrel/internal/logging"
	"github.com/postalsys/kestrel/internal/mux"
	"github.com/postalsys/kestrel/internal/protocol"
	"github.com/postalsys/kestrel/internal/shell"
	"github.com/postalsys/kestrel/internal/socks5"
	"github.com/postalsys/kestrel/internal/sysinfo"
	"github.com/postalsys/kestrel/internal/transport"
)

// sshHandshakeTimeout bounds the secondary SSH handshake on a new channel.
const sshHandshakeTimeout = 30 * time.Second

// Dialer opens outbound connections for forwards, SOCKS and desktop
// subsystems.
type Dialer = socks5.Dialer

// Agent is a running agent.
type Agent struct {
	cfg    *config.AgentConfig
	id     string
	info   protocol.AgentInfo
	logger *slog.Logger

	endpoint  transport.Endpoint
	kind      transport.Kind
	handshake *handshake.Config
	backoff   *Backoff

	sshConfig *ssh.ServerConfig
	executor  *shell.Executor

	connected atomic.Bool
	mu        sync.Mutex
	session   *mux.Session
	socks     *socks5.Handler
	dialer    Dialer
}

// New creates an agent from cfg. The agent id is resolved from the config
// or the data directory.
func New(cfg *config.AgentConfig, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	id, err := identity.Resolve(cfg.ID, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("agent id: %w", err)
	}

	a := &Agent{
		cfg:     cfg,
		id:      id,
		info:    sysinfo.Collect(id),
		logger:  logger.With(logging.KeyAgentID, id),
		backoff: NewBackoff(cfg.Reconnect),
		executor: shell.NewExecutor(shell.Config{
			Command:     cfg.Shell.Command,
			MaxSessions: cfg.Shell.MaxSessions,
		}),
	}

	dialTimeout := cfg.Timeouts.Dial
	if dialTimeout <= 0 {
		dialTimeout = transport.DefaultDialTimeout
	}
	a.SetDialer(&net.Dialer{Timeout: dialTimeout})

	if a.sshConfig, err = a.newSSHConfig(); err != nil {
		return nil, err
	}

	if cfg.Mode == config.ModePolling {
		return a, nil
	}

	if a.endpoint, err = transport.ParseEndpoint(cfg.Server); err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	a.kind = a.endpoint.Kind()
	if cfg.Transport != "" {
		if a.kind, err = transport.ParseKind(cfg.Transport); err != nil {
			return nil, err
		}
	}
	if a.handshake, err = handshake.NewConfig([]byte(cfg.Secret), cfg.Protocol); err != nil {
		return nil, err
	}
	a.handshake.Timeout = cfg.Timeouts.Handshake

	return a, nil
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.id }

// Info returns the registration record.
func (a *Agent) Info() protocol.AgentInfo { return a.info }

// Connected reports whether a persistent session is up.
func (a *Agent) Connected() bool { return a.connected.Load() }

// SetDialer replaces the dialer used for outbound targets.
func (a *Agent) SetDialer(d Dialer) {
	h := socks5.NewHandler(socksCredentials(a.cfg.SOCKS5), d)
	if a.cfg.Timeouts.Dial > 0 {
		h = h.WithConnectTimeout(a.cfg.Timeouts.Dial)
	}
	a.mu.Lock()
	a.dialer, a.socks = d, h
	a.mu.Unlock()
}

func (a *Agent) outbound() (Dialer, *socks5.Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dialer, a.socks
}

// Run connects and serves until ctx is cancelled or the retry budget is
// spent.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.Mode == config.ModePolling {
		return a.runPolling(ctx)
	}

	a.logger.Info("starting agent",
		logging.KeyAddress, a.endpoint.String(),
		logging.KeyTransport, a.kind,
		"protocol", a.handshake.Protocol())

	attempt := 0
	for {
		established, err := a.connectOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			attempt = 0
		}
		if a.backoff.Exhausted(attempt) {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		delay := a.backoff.Delay(attempt)
		attempt++
		if err != nil {
			a.logger.Warn("connection failed",
				logging.KeyError, err,
				"attempt", attempt,
				"retry_in", delay)
		} else {
			a.logger.Info("session ended, reconnecting", "retry_in", delay)
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// connectOnce runs one session. established reports whether registration
// completed, which resets the backoff.
func (a *Agent) connectOnce(ctx context.Context) (established bool, err error) {
	tr, err := transport.New(a.kind, transport.Options{
		DialTimeout: a.cfg.Timeouts.Dial,
		Proxy:       a.cfg.Proxy,
		Logger:      a.logger,
	})
	if err != nil {
		return false, err
	}

	conn, err := tr.Dial(ctx, a.endpoint)
	if err != nil {
		return false, err
	}

	secure, err := a.handshake.Initiator(ctx, conn)
	if err != nil {
		conn.Close()
		return false, err
	}
	if err := protocol.WriteRegistration(secure, a.info); err != nil {
		secure.Close()
		return false, err
	}

	session, err := mux.Client(secure, mux.Config{
		KeepAliveInterval: a.cfg.Timeouts.KeepAlive,
		Logger:            a.logger,
	})
	if err != nil {
		secure.Close()
		return false, err
	}

	a.mu.Lock()
	a.session = session
	a.mu.Unlock()
	a.connected.Store(true)
	defer func() {
		a.connected.Store(false)
		a.mu.Lock()
		a.session = nil
		a.mu.Unlock()
	}()

	a.logger.Info("registered",
		logging.KeyRemoteAddr, conn.RemoteAddr().String(),
		logging.KeyTransport, a.kind)

	err = session.Serve(ctx, func(ch net.Conn) {
		a.ServeChannel(ctx, ch)
	})
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return true, err
}

// Ping measures the round trip of the current session.
func (a *Agent) Ping() (time.Duration, error) {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return 0, mux.ErrClosed
	}
	return s.Ping()
}

func (a *Agent) newSSHConfig() (*ssh.ServerConfig, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("host key: %w", err)
	}

	var creds socks5.CredentialStore
	if a.cfg.Relay.PasswordHash != "" {
		creds = socks5.HashedCredentials{a.cfg.Relay.Username: a.cfg.Relay.PasswordHash}
	} else {
		creds = socks5.StaticCredentials{a.cfg.Relay.Username: a.cfg.Relay.Password}
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if creds.Valid(meta.User(), string(pw)) {
				return nil, nil
			}
			return nil, errors.New("authentication failed")
		},
		ServerVersion: "SSH-2.0-kestrel",
	}
	cfg.AddHostKey(signer)
	return cfg, nil
}

// socksCredentials returns nil, meaning no authentication, when no users
// are configured.
func socksCredentials(cfg config.SOCKS5Config) socks5.CredentialStore {
	if len(cfg.Users) == 0 {
		return nil
	}
	plain := socks5.StaticCredentials{}
	hashed := socks5.HashedCredentials{}
	for _, u := range cfg.Users {
		if u.PasswordHash != "" {
			hashed[u.Username] = u.PasswordHash
			continue
		}
		plain[u.Username] = u.Password
	}
	return socks5.MultiCredentials{plain, hashed}
}
