// Package listener runs the controller's agent listeners. Each accepted
// connection is taken through the Noise handshake and the registration
// frame, then wrapped in a mux session and attached to the registry until
// the session ends.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/kestrel/internal/handshake"
	"github.com/postalsys/kestrel/internal/logging"
	"github.com/postalsys/kestrel/internal/metrics"
	"github.com/postalsys/kestrel/internal/mux"
	"github.com/postalsys/kestrel/internal/protocol"
	"github.com/postalsys/kestrel/internal/recovery"
	"github.com/postalsys/kestrel/internal/registry"
	"github.com/postalsys/kestrel/internal/transport"
)

// DefaultRegistrationTimeout bounds reading the registration frame.
const DefaultRegistrationTimeout = handshake.DefaultTimeout

var (
	// ErrExists is returned when a listener id is already running.
	ErrExists = errors.New("listener already running")

	// ErrNotFound is returned for unknown listener ids.
	ErrNotFound = errors.New("listener not found")
)

// Config describes one listener.
type Config struct {
	ID string

	// Transport overrides the kind implied by Address.
	Transport transport.Kind

	// Address is the bind endpoint, e.g. "tcp://0.0.0.0:32000" or
	// "wss://0.0.0.0:443/agent".
	Address string

	// Online is the address agents are told to dial. Informational.
	Online string

	Secret   string
	Protocol string

	CertFile string
	KeyFile  string

	HandshakeTimeout    time.Duration
	RegistrationTimeout time.Duration
}

// Info describes a running listener.
type Info struct {
	ID        string         `json:"id"`
	Transport transport.Kind `json:"transport"`
	Address   string         `json:"address"`
	Online    string         `json:"online,omitempty"`
	Protocol  string         `json:"protocol"`
	StartedAt time.Time      `json:"started_at"`
	Sessions  int64          `json:"sessions"`
}

// Options configures a Manager.
type Options struct {
	Registry *registry.Registry
	Mux      mux.Config
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// OnDetach runs after a live session ends and the registry has been
	// updated.
	OnDetach func(id string, result registry.DetachResult)

	// OnState, if set, observes every connection state change.
	OnState func(remote net.Addr, s State)
}

type running struct {
	info     Info
	acceptor transport.Acceptor
	cancel   context.CancelFunc
	done     chan struct{}
	sessions atomic.Int64
}

// Manager owns the listener table.
type Manager struct {
	reg      *registry.Registry
	muxCfg   mux.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	onDetach func(string, registry.DetachResult)
	onState  func(net.Addr, State)

	// sessions parents every accepted connection. It outlives the
	// listener that accepted them and is only cancelled by Close.
	sessions context.Context
	cancel   context.CancelFunc

	mu        sync.Mutex
	listeners map[string]*running
}

// NewManager creates a listener manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		reg:       opts.Registry,
		muxCfg:    opts.Mux,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		onDetach:  opts.OnDetach,
		onState:   opts.OnState,
		listeners: make(map[string]*running),
	}
	m.sessions, m.cancel = context.WithCancel(context.Background())
	if m.logger == nil {
		m.logger = logging.NopLogger()
	}
	if m.muxCfg.Logger == nil {
		m.muxCfg.Logger = m.logger
	}
	return m
}

// Start binds cfg and spawns its accept loop. ctx only bounds the bind.
// Accepted connections live until their session ends or the manager is
// closed, whatever happens to the listener afterwards.
func (m *Manager) Start(ctx context.Context, cfg Config) (Info, error) {
	if cfg.ID == "" {
		return Info{}, errors.New("listener: id required")
	}
	ep, err := transport.ParseEndpoint(cfg.Address)
	if err != nil {
		return Info{}, fmt.Errorf("listener %s: %w", cfg.ID, err)
	}
	kind := cfg.Transport
	if kind == "" {
		kind = ep.Kind()
	}
	hs, err := handshake.NewConfig([]byte(cfg.Secret), cfg.Protocol)
	if err != nil {
		return Info{}, fmt.Errorf("listener %s: %w", cfg.ID, err)
	}
	hs.Timeout = cfg.HandshakeTimeout
	if cfg.RegistrationTimeout <= 0 {
		cfg.RegistrationTimeout = DefaultRegistrationTimeout
	}

	m.mu.Lock()
	_, exists := m.listeners[cfg.ID]
	m.mu.Unlock()
	if exists {
		return Info{}, fmt.Errorf("listener %s: %w", cfg.ID, ErrExists)
	}

	tr, err := transport.New(kind, transport.Options{
		CertFile: cfg.CertFile,
		KeyFile:  cfg.KeyFile,
		Logger:   m.logger,
	})
	if err != nil {
		return Info{}, fmt.Errorf("listener %s: %w", cfg.ID, err)
	}
	acc, err := tr.Listen(ctx, ep)
	if err != nil {
		return Info{}, fmt.Errorf("listener %s: %w", cfg.ID, err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	r := &running{
		info: Info{
			ID:        cfg.ID,
			Transport: kind,
			Address:   acc.Addr().String(),
			Online:    cfg.Online,
			Protocol:  hs.Protocol(),
			StartedAt: time.Now(),
		},
		acceptor: acc,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.listeners[cfg.ID]; exists {
		m.mu.Unlock()
		cancel()
		acc.Close()
		return Info{}, fmt.Errorf("listener %s: %w", cfg.ID, ErrExists)
	}
	m.listeners[cfg.ID] = r
	n := len(m.listeners)
	m.mu.Unlock()

	m.metrics.SetListeners(n)
	m.logger.Info("listener started",
		logging.KeyListenerID, cfg.ID,
		logging.KeyTransport, string(kind),
		logging.KeyAddress, r.info.Address,
		"protocol", hs.Protocol())

	go m.acceptLoop(lctx, r, hs, cfg)
	return r.info, nil
}

func (m *Manager) acceptLoop(ctx context.Context, r *running, hs *handshake.Config, cfg Config) {
	defer close(r.done)
	defer recovery.RecoverWithLog(m.logger, "listener.acceptLoop")

	for {
		conn, remote, err := r.acceptor.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, transport.ErrAcceptorClosed) {
				m.logger.Error("listener accept failed",
					logging.KeyListenerID, r.info.ID,
					logging.KeyError, err)
			}
			return
		}
		go m.handle(m.sessions, r, hs, cfg, conn, remote)
	}
}

func (m *Manager) setState(remote net.Addr, id string, s State) {
	m.logger.Debug("connection state",
		logging.KeyListenerID, id,
		logging.KeyRemoteAddr, addrString(remote),
		logging.KeyState, s.String())
	if m.onState != nil {
		m.onState(remote, s)
	}
}

// handle drives one connection from handshake to disconnect. Nothing is
// written to the registry unless both handshake and registration succeed.
func (m *Manager) handle(ctx context.Context, r *running, hs *handshake.Config, cfg Config, conn net.Conn, remote net.Addr) {
	defer recovery.RecoverWithLog(m.logger, "listener.handle")
	if remote == nil {
		remote = conn.RemoteAddr()
	}
	id := r.info.ID
	m.setState(remote, id, StateConnecting)
	start := time.Now()

	m.setState(remote, id, StateHandshaking)
	secure, err := hs.Responder(ctx, conn)
	if err != nil {
		m.metrics.RecordHandshakeError("handshake")
		m.logger.Debug("handshake failed",
			logging.KeyListenerID, id,
			logging.KeyRemoteAddr, addrString(remote),
			logging.KeyError, err)
		m.setState(remote, id, StateDisconnected)
		return
	}

	m.setState(remote, id, StateRegistering)
	info, err := readRegistration(ctx, secure, cfg.RegistrationTimeout)
	if err != nil {
		secure.Close()
		m.metrics.RecordHandshakeError("registration")
		m.logger.Debug("registration failed",
			logging.KeyListenerID, id,
			logging.KeyRemoteAddr, addrString(remote),
			logging.KeyError, err)
		m.setState(remote, id, StateDisconnected)
		return
	}

	session, err := mux.Server(secure, m.muxCfg)
	if err != nil {
		secure.Close()
		m.metrics.RecordHandshakeError("mux")
		m.setState(remote, id, StateDisconnected)
		return
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.reg.AddLive(info, id, addrString(remote), session, cancel)
	m.metrics.RecordRegistration(string(r.info.Transport), time.Since(start).Seconds())
	r.sessions.Add(1)
	m.setState(remote, id, StateLive)
	m.logger.Info("agent connected",
		logging.KeyListenerID, id,
		logging.KeyAgentID, info.ID,
		logging.KeyRemoteAddr, addrString(remote),
		"agent", info.Label())

	err = session.Serve(sctx, func(ch net.Conn) {
		// The controller opens channels; the agent never does.
		m.logger.Warn("refusing agent-initiated channel", logging.KeyAgentID, info.ID)
		ch.Close()
	})
	session.Close()
	r.sessions.Add(-1)

	result := m.reg.Detach(info.ID, session)
	m.setState(remote, id, StateDisconnected)
	m.logger.Info("agent disconnected",
		logging.KeyListenerID, id,
		logging.KeyAgentID, info.ID,
		"outcome", result.String(),
		logging.KeyError, err)
	if m.onDetach != nil && result != registry.DetachIgnored {
		m.onDetach(info.ID, result)
	}
}

// readRegistration reads one registration frame within timeout.
func readRegistration(ctx context.Context, conn net.Conn, timeout time.Duration) (protocol.AgentInfo, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Unix(1, 0))
	})
	info, err := protocol.ReadRegistration(conn)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return protocol.AgentInfo{}, err
	}
	conn.SetReadDeadline(time.Time{})
	return info, nil
}

// Stop closes listener id. Agents it already accepted stay connected.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	r, ok := m.listeners[id]
	if ok {
		delete(m.listeners, id)
	}
	n := len(m.listeners)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("listener %s: %w", id, ErrNotFound)
	}
	r.cancel()
	r.acceptor.Close()
	<-r.done
	m.metrics.SetListeners(n)
	m.logger.Info("listener stopped", logging.KeyListenerID, id)
	return nil
}

// Get returns the running listener id.
func (m *Manager) Get(id string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.listeners[id]
	if !ok {
		return Info{}, false
	}
	info := r.info
	info.Sessions = r.sessions.Load()
	return info, true
}

// List returns all running listeners ordered by id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.listeners))
	for _, r := range m.listeners {
		info := r.info
		info.Sessions = r.sessions.Load()
		out = append(out, info)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops every listener and ends every session they accepted.
func (m *Manager) Close() {
	defer m.cancel()

	m.mu.Lock()
	ids := make([]string, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Stop(id)
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
