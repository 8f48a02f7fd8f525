// Package proxy runs local TCP listeners that forward each accepted
// connection through a live agent.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/postalsys/kestrel/internal/logging"
	"github.com/postalsys/kestrel/internal/metrics"
	"github.com/postalsys/kestrel/internal/recovery"
	"github.com/postalsys/kestrel/internal/relay"
)

var (
	// ErrPortInUse is returned when a proxy already owns the port or the
	// port cannot be bound.
	ErrPortInUse = errors.New("port already in use")

	// ErrNoProxy is returned when no proxy matches.
	ErrNoProxy = errors.New("no such proxy")
)

// DefaultBind is the bind address when a record has none.
const DefaultBind = "127.0.0.1"

// Record describes one proxy. ID is the agent id traffic is forwarded
// through; Remote is the target the agent dials, or empty for SOCKS5.
type Record struct {
	ID        string    `json:"id" yaml:"id"`
	Bind      string    `json:"bind,omitempty" yaml:"bind"`
	Port      int       `json:"port" yaml:"port"`
	Remote    string    `json:"remote,omitempty" yaml:"remote"`
	Username  string    `json:"username,omitempty" yaml:"username"`
	Password  string    `json:"-" yaml:"password"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// Address returns bind:port.
func (r Record) Address() string {
	bind := r.Bind
	if bind == "" {
		bind = DefaultBind
	}
	return net.JoinHostPort(bind, strconv.Itoa(r.Port))
}

// Mode describes how traffic leaves the agent.
func (r Record) Mode() string {
	if r.Remote == "" {
		return "socks5"
	}
	return "forward"
}

// Forwarder opens forwarding channels. *relay.Client implements it.
type Forwarder interface {
	Forward(ctx context.Context, id string, creds relay.Credentials, remote, origin string) (net.Conn, error)
}

// Options configures a Manager.
type Options struct {
	Forwarder Forwarder

	// Live reports an error when id has no live session.
	Live func(id string) error

	// Limiter returns a per-relay rate limiter; nil or a nil result
	// disables limiting.
	Limiter func() *rate.Limiter

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type proxy struct {
	rec    Record
	ln     net.Listener
	stopCh chan struct{}
	once   sync.Once
	done   chan struct{}
}

func (p *proxy) stop() {
	p.once.Do(func() {
		close(p.stopCh)
		p.ln.Close()
	})
}

// Manager owns the proxy table. Proxies are keyed by local port.
type Manager struct {
	fwd     Forwarder
	live    func(string) error
	limiter func() *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Relays run under ctx; stopping a proxy does not cancel it.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	proxies map[int]*proxy
	relays  sync.WaitGroup
}

// NewManager creates an empty proxy manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		fwd:     opts.Forwarder,
		live:    opts.Live,
		limiter: opts.Limiter,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		proxies: make(map[int]*proxy),
	}
	if m.logger == nil {
		m.logger = logging.NopLogger()
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Add binds rec's port and starts forwarding. Port 0 picks a free port;
// the returned record carries the bound port, which keys the proxy.
func (m *Manager) Add(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		return Record{}, errors.New("proxy: agent id required")
	}
	if rec.Port < 0 || rec.Port > 65535 {
		return Record{}, fmt.Errorf("proxy: invalid port %d", rec.Port)
	}
	if m.live != nil {
		if err := m.live(rec.ID); err != nil {
			return Record{}, fmt.Errorf("proxy: agent %s: %w", rec.ID, err)
		}
	}
	if rec.Bind == "" {
		rec.Bind = DefaultBind
	}

	m.mu.Lock()
	_, taken := m.proxies[rec.Port]
	m.mu.Unlock()
	if rec.Port != 0 && taken {
		return Record{}, fmt.Errorf("proxy: port %d: %w", rec.Port, ErrPortInUse)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", rec.Address())
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return Record{}, fmt.Errorf("proxy: port %d: %w", rec.Port, ErrPortInUse)
		}
		return Record{}, fmt.Errorf("proxy: listen %s: %w", rec.Address(), err)
	}
	rec.Port = ln.Addr().(*net.TCPAddr).Port
	rec.CreatedAt = time.Now()

	p := &proxy{rec: rec, ln: ln, stopCh: make(chan struct{}), done: make(chan struct{})}

	m.mu.Lock()
	if _, exists := m.proxies[rec.Port]; exists {
		m.mu.Unlock()
		ln.Close()
		return Record{}, fmt.Errorf("proxy: port %d: %w", rec.Port, ErrPortInUse)
	}
	m.proxies[rec.Port] = p
	n := len(m.proxies)
	m.mu.Unlock()

	m.metrics.SetProxies(n)
	m.logger.Info("proxy started",
		logging.KeyAgentID, rec.ID,
		logging.KeyProxyPort, rec.Port,
		logging.KeyTarget, rec.Remote,
		"mode", rec.Mode())

	go m.acceptLoop(p)
	return rec, nil
}

func (m *Manager) acceptLoop(p *proxy) {
	defer close(p.done)
	defer recovery.RecoverWithLog(m.logger, "proxy.acceptLoop")

	for {
		conn, err := p.ln.Accept()
		if err != nil {
			select {
			case <-p.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Debug("proxy accept error",
				logging.KeyProxyPort, p.rec.Port,
				logging.KeyError, err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		select {
		case <-p.stopCh:
			conn.Close()
			return
		default:
		}

		m.metrics.RecordProxyAccept()
		m.relays.Add(1)
		go m.relay(p.rec, conn)
	}
}

// relay forwards one client connection. It outlives the proxy listener.
func (m *Manager) relay(rec Record, conn net.Conn) {
	defer m.relays.Done()
	defer recovery.RecoverWithLog(m.logger, "proxy.relay")
	defer conn.Close()

	origin := conn.RemoteAddr().String()
	creds := relay.Credentials{Username: rec.Username, Password: rec.Password}

	remote, err := m.fwd.Forward(m.ctx, rec.ID, creds, rec.Remote, origin)
	if err != nil {
		m.logger.Warn("proxy channel open failed",
			logging.KeyAgentID, rec.ID,
			logging.KeyProxyPort, rec.Port,
			logging.KeyRemoteAddr, origin,
			logging.KeyError, err)
		return
	}

	var limiter *rate.Limiter
	if m.limiter != nil {
		limiter = m.limiter()
	}

	start := time.Now()
	stats, err := relay.Pipe(m.ctx, conn, remote, limiter)
	m.metrics.RecordRelayBytes("upstream", stats.Upstream)
	m.metrics.RecordRelayBytes("downstream", stats.Downstream)

	attrs := []any{
		logging.KeyAgentID, rec.ID,
		logging.KeyProxyPort, rec.Port,
		logging.KeyRemoteAddr, origin,
		"sent", humanize.Bytes(uint64(stats.Upstream)),
		"received", humanize.Bytes(uint64(stats.Downstream)),
		logging.KeyDuration, time.Since(start).String(),
	}
	if err != nil {
		m.logger.Debug("proxy relay ended with error", append(attrs, logging.KeyError, err)...)
		return
	}
	m.logger.Debug("proxy relay closed", attrs...)
}

// Stop stops every proxy forwarding through agent id and returns how many
// were stopped. Relays already in flight keep running.
func (m *Manager) Stop(id string) int {
	m.mu.Lock()
	var stopped []*proxy
	for port, p := range m.proxies {
		if p.rec.ID == id {
			stopped = append(stopped, p)
			delete(m.proxies, port)
		}
	}
	n := len(m.proxies)
	m.mu.Unlock()

	for _, p := range stopped {
		p.stop()
		m.logger.Info("proxy stopped", logging.KeyAgentID, id, logging.KeyProxyPort, p.rec.Port)
	}
	if len(stopped) > 0 {
		m.metrics.SetProxies(n)
	}
	return len(stopped)
}

// StopPort stops the proxy bound to port.
func (m *Manager) StopPort(port int) error {
	m.mu.Lock()
	p, ok := m.proxies[port]
	if ok {
		delete(m.proxies, port)
	}
	n := len(m.proxies)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("proxy: port %d: %w", port, ErrNoProxy)
	}
	p.stop()
	m.metrics.SetProxies(n)
	m.logger.Info("proxy stopped", logging.KeyAgentID, p.rec.ID, logging.KeyProxyPort, port)
	return nil
}

// Get returns the proxy on port.
func (m *Manager) Get(port int) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proxies[port]
	if !ok {
		return Record{}, false
	}
	return p.rec, true
}

// List returns all proxies ordered by port.
func (m *Manager) List() []Record {
	m.mu.Lock()
	out := make([]Record, 0, len(m.proxies))
	for _, p := range m.proxies {
		out = append(out, p.rec)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Close stops all proxies, cancels in-flight relays and waits for them.
func (m *Manager) Close() {
	m.mu.Lock()
	all := m.proxies
	m.proxies = make(map[int]*proxy)
	m.mu.Unlock()

	for _, p := range all {
		p.stop()
		<-p.done
	}
	m.cancel()
	m.relays.Wait()
	m.metrics.SetProxies(0)
}
