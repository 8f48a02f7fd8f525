// Package controller wires the registry, listeners, relay, proxies and the
// HTTP and control surfaces into one running controller.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/postalsys/kestrel/internal/config"
	"github.com/postalsys/kestrel/internal/control"
	"github.com/postalsys/kestrel/internal/listener"
	"github.com/postalsys/kestrel/internal/logging"
	"github.com/postalsys/kestrel/internal/metrics"
	"github.com/postalsys/kestrel/internal/mux"
	"github.com/postalsys/kestrel/internal/protocol"
	"github.com/postalsys/kestrel/internal/proxy"
	"github.com/postalsys/kestrel/internal/recovery"
	"github.com/postalsys/kestrel/internal/registry"
	"github.com/postalsys/kestrel/internal/relay"
	"github.com/postalsys/kestrel/internal/sysinfo"
	"github.com/postalsys/kestrel/internal/transport"
	"github.com/postalsys/kestrel/internal/webapi"
)

// ErrNotRunning is returned by Stop on a controller that never started.
var ErrNotRunning = errors.New("controller not running")

// Controller owns every controller-side component. Its methods are safe for
// concurrent use.
type Controller struct {
	cfg    *config.Config
	logger *slog.Logger

	gatherer *prometheus.Registry
	metrics  *metrics.Metrics

	registry  *registry.Registry
	listeners *listener.Manager
	proxies   *proxy.Manager
	relay     *relay.Client
	web       *webapi.Server
	control   *control.Server

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a controller from cfg. Nothing is bound until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Controller, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	gatherer := prometheus.NewRegistry()
	gatherer.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetricsWithRegistry(gatherer)
	recovery.SetHook(func(name string, _ any) { m.RecordPanic(name) })

	c := &Controller{
		cfg:      cfg,
		logger:   logger,
		gatherer: gatherer,
		metrics:  m,
	}

	c.registry = registry.New(registry.Options{
		Logger:  logging.Component(logger, "registry"),
		Metrics: m,
	})

	c.relay = relay.New(relay.Options{
		Opener: c.registry,
		Credentials: relay.Credentials{
			Username: cfg.Relay.Username,
			Password: cfg.Relay.Password,
		},
		Timeout:   cfg.Relay.Timeout,
		RateLimit: cfg.Relay.RateLimit,
		Logger:    logging.Component(logger, "relay"),
		Metrics:   m,
	})

	c.proxies = proxy.NewManager(proxy.Options{
		Forwarder: c.relay,
		Live: func(id string) error {
			_, err := c.registry.Control(id)
			return err
		},
		Limiter: c.relay.Limiter,
		Logger:  logging.Component(logger, "proxy"),
		Metrics: m,
	})

	c.listeners = listener.NewManager(listener.Options{
		Registry: c.registry,
		Mux: mux.Config{
			KeepAliveInterval: cfg.Timeouts.KeepAlive,
			StreamOpenTimeout: cfg.Timeouts.StreamOpen,
		},
		Logger:  logging.Component(logger, "listener"),
		Metrics: m,
		OnDetach: func(id string, res registry.DetachResult) {
			// Removed records are handled by the OnRemove hook.
			if res == registry.DetachDemoted {
				c.proxies.Stop(id)
			}
		},
	})

	c.registry.OnRemove(func(id string) {
		c.proxies.Stop(id)
	})

	if cfg.Web.Enabled {
		web, err := webapi.New(webapi.Options{
			Config:   cfg.Web,
			Projects: cfg.Projects,
			Registry: c.registry,
			Relay:    c.relay,
			Gatherer: gatherer,
			Logger:   logger,
			Metrics:  m,
		})
		if err != nil {
			return nil, fmt.Errorf("web: %w", err)
		}
		c.web = web
	}

	if cfg.Control.Enabled {
		ccfg := control.DefaultServerConfig()
		ccfg.SocketPath = cfg.Control.SocketPath
		ccfg.Logger = logging.Component(logger, "control")
		c.control = control.NewServer(ccfg, c)
	}

	return c, nil
}

// Start brings up every enabled listener, the liveness monitor, configured
// proxies and the web and control servers. A listener that fails to bind is
// logged and skipped; web or control failures abort the start.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("controller already running")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	c.startedAt = time.Now()
	c.mu.Unlock()

	if dir := c.cfg.Server.DataDir; dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			c.Stop(ctx)
			return fmt.Errorf("create data dir: %w", err)
		}
	}

	for _, lc := range c.cfg.Listeners {
		if !lc.IsEnabled() {
			continue
		}
		if _, err := c.StartListener(ctx, lc); err != nil {
			c.logger.Error("listener failed to start",
				logging.KeyListenerID, lc.ID,
				logging.KeyAddress, lc.Address,
				logging.KeyError, err)
		}
	}

	sub := c.registry.Subscribe(64)
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		defer recovery.RecoverWithLog(c.logger, "controller.monitor")
		c.registry.Monitor(runCtx, c.cfg.Monitor.Interval, c.cfg.Monitor.Window)
	}()
	go func() {
		defer c.wg.Done()
		defer sub.Close()
		defer recovery.RecoverWithLog(c.logger, "controller.watchProxies")
		c.watchProxies(runCtx, sub)
	}()

	if c.web != nil {
		if err := c.web.Start(); err != nil {
			c.Stop(ctx)
			return fmt.Errorf("web: %w", err)
		}
	}
	if c.control != nil {
		if err := os.MkdirAll(filepath.Dir(c.cfg.Control.SocketPath), 0700); err != nil {
			c.Stop(ctx)
			return fmt.Errorf("control: %w", err)
		}
		if err := c.control.Start(); err != nil {
			c.Stop(ctx)
			return fmt.Errorf("control: %w", err)
		}
		c.logger.Info("control socket listening", logging.KeyAddress, c.cfg.Control.SocketPath)
	}

	c.logger.Info("controller started",
		"version", sysinfo.Version,
		"listeners", len(c.listeners.List()))
	return nil
}

// Stop shuts everything down: servers first, then listeners (which ends
// every live session), then proxies.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()

	var errs []error
	if c.control != nil {
		if err := c.control.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("control: %w", err))
		}
	}
	if c.web != nil {
		if err := c.web.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("web: %w", err))
		}
	}
	c.listeners.Close()
	c.proxies.Close()
	c.wg.Wait()

	c.logger.Info("controller stopped")
	return errors.Join(errs...)
}

// watchProxies starts configured proxies whenever their agent is seen live.
// The monitor's periodic updates retry proxies that failed to bind.
func (c *Controller) watchProxies(ctx context.Context, sub *registry.Subscription) {
	if len(c.cfg.Proxies) == 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-sub.C:
			if n.Type != registry.NotifyCreate && n.Type != registry.NotifyUpdate {
				continue
			}
			for _, a := range n.Agents {
				if a.Live {
					c.startConfiguredProxies(ctx, a.ID)
				}
			}
		}
	}
}

func (c *Controller) startConfiguredProxies(ctx context.Context, id string) {
	for _, pc := range c.cfg.Proxies {
		if pc.ID != id {
			continue
		}
		if _, running := c.proxies.Get(pc.Port); running {
			continue
		}
		_, err := c.proxies.Add(ctx, proxy.Record{
			ID:       pc.ID,
			Bind:     pc.Bind,
			Port:     pc.Port,
			Remote:   pc.Remote,
			Username: pc.Username,
			Password: pc.Password,
		})
		if err != nil {
			c.logger.Warn("configured proxy failed to start",
				logging.KeyAgentID, id,
				logging.KeyProxyPort, pc.Port,
				logging.KeyError, err)
		}
	}
}

// StartListener starts one listener from its configuration.
func (c *Controller) StartListener(ctx context.Context, lc config.ListenerConfig) (listener.Info, error) {
	return c.listeners.Start(ctx, listener.Config{
		ID:                  lc.ID,
		Transport:           transport.Kind(lc.Transport),
		Address:             lc.Address,
		Online:              lc.Online,
		Secret:              lc.Secret,
		Protocol:            lc.Protocol,
		CertFile:            lc.TLS.Cert,
		KeyFile:             lc.TLS.Key,
		HandshakeTimeout:    c.cfg.Timeouts.Handshake,
		RegistrationTimeout: c.cfg.Timeouts.Registration,
	})
}

// StopListener stops listener id. Agents it already accepted stay connected.
func (c *Controller) StopListener(id string) error {
	return c.listeners.Stop(id)
}

// Status summarizes the controller.
func (c *Controller) Status() control.StatusResponse {
	c.mu.Lock()
	running, startedAt := c.running, c.startedAt
	c.mu.Unlock()

	agents := c.registry.List()
	live := 0
	for _, a := range agents {
		if a.Live {
			live++
		}
	}
	return control.StatusResponse{
		Version:   sysinfo.Version,
		Running:   running,
		StartedAt: startedAt,
		Agents:    len(agents),
		Live:      live,
		Listeners: len(c.listeners.List()),
		Proxies:   len(c.proxies.List()),
		Observers: c.registry.Subscribers(),
	}
}

// Agents returns the registry snapshot.
func (c *Controller) Agents() []registry.Agent { return c.registry.List() }

// Listeners returns the listener table.
func (c *Controller) Listeners() []listener.Info { return c.listeners.List() }

// Proxies returns the proxy table.
func (c *Controller) Proxies() []proxy.Record { return c.proxies.List() }

// AddProxy starts a proxy through a live agent.
func (c *Controller) AddProxy(ctx context.Context, rec proxy.Record) (proxy.Record, error) {
	return c.proxies.Add(ctx, rec)
}

// StopProxy stops the proxy on port. Relays already running finish.
func (c *Controller) StopProxy(port int) error {
	return c.proxies.StopPort(port)
}

// RemoveAgent deletes agent id, ending its session and its proxies.
func (c *Controller) RemoveAgent(id string) error {
	if !c.registry.Remove(id) {
		return fmt.Errorf("agent %s: %w", id, registry.ErrUnknownAgent)
	}
	return nil
}

// NoteAgent sets the operator note of agent id.
func (c *Controller) NoteAgent(id, note string) error {
	if !c.registry.Note(id, note) {
		return fmt.Errorf("agent %s: %w", id, registry.ErrUnknownAgent)
	}
	return nil
}

// QueueEvent queues a task or config event for agent id, delivered on its
// next check-in.
func (c *Controller) QueueEvent(id, typ string, payload []byte) (protocol.Event, error) {
	if typ != protocol.EventTask && typ != protocol.EventConfig {
		return protocol.Event{}, fmt.Errorf("unsupported event type %q", typ)
	}
	if _, ok := c.registry.Get(id); !ok {
		return protocol.Event{}, fmt.Errorf("agent %s: %w", id, registry.ErrUnknownAgent)
	}
	ev := protocol.NewEvent(uuid.NewString(), typ, id, payload)
	c.registry.Enqueue(id, ev)
	c.logger.Info("event queued", logging.KeyAgentID, id, "event_id", ev.ID, "type", typ)
	return ev, nil
}

// Registry returns the agent registry.
func (c *Controller) Registry() *registry.Registry { return c.registry }

// Relay returns the relay client.
func (c *Controller) Relay() *relay.Client { return c.relay }

// Gatherer returns the controller's metrics registry.
func (c *Controller) Gatherer() prometheus.Gatherer { return c.gatherer }

// WebAddress returns the bound web address, or "" when the web server is
// not running.
func (c *Controller) WebAddress() string {
	if c.web == nil || c.web.Address() == nil {
		return ""
	}
	return c.web.Address().String()
}

var _ control.Backend = (*Controller)(nil)
