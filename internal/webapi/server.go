// Package webapi serves the controller's HTTP surface: the sealed polling
// endpoint used by polling agents, WebSocket bridges to relay channels, the
// observer event stream, health and Prometheus metrics.
package webapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/postalsys/kestrel/internal/config"
	"github.com/postalsys/kestrel/internal/crypto"
	"github.com/postalsys/kestrel/internal/logging"
	"github.com/postalsys/kestrel/internal/metrics"
	"github.com/postalsys/kestrel/internal/protocol"
	"github.com/postalsys/kestrel/internal/recovery"
	"github.com/postalsys/kestrel/internal/registry"
	"github.com/postalsys/kestrel/internal/relay"
	"github.com/postalsys/kestrel/internal/shell"
)

const (
	// maxPollBody caps a sealed check-in.
	maxPollBody = 16 << 20

	// eventBuffer is the notification backlog per observer socket.
	eventBuffer = 64

	// wsWriteTimeout bounds one write to an observer.
	wsWriteTimeout = 10 * time.Second
)

// Options configures a Server.
type Options struct {
	Config   config.WebConfig
	Projects []config.ProjectConfig

	Registry *registry.Registry
	Relay    *relay.Client

	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server is the controller's HTTP server.
type Server struct {
	cfg     config.WebConfig
	reg     *registry.Registry
	relay   *relay.Client
	boxes   map[string]*crypto.Box
	logger  *slog.Logger
	metrics *metrics.Metrics

	handler  http.Handler
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// New creates a server. Every project route gets its own sealing key.
func New(opts Options) (*Server, error) {
	s := &Server{
		cfg:     opts.Config,
		reg:     opts.Registry,
		relay:   opts.Relay,
		boxes:   make(map[string]*crypto.Box, len(opts.Projects)),
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	s.logger = logging.Component(s.logger, "webapi")

	for _, p := range opts.Projects {
		box, err := crypto.NewBox(p.Key)
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", p.Name, err)
		}
		s.boxes[p.Route] = box
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /poll/{route}", s.handlePoll)
	mux.Handle("GET /ws/events", s.authorize(http.HandlerFunc(s.handleEvents)))
	mux.Handle("GET /ws/shell/{id}", s.authorize(http.HandlerFunc(s.handleShell)))
	mux.Handle("GET /ws/desktop/{kind}/{id}", s.authorize(http.HandlerFunc(s.handleDesktop)))

	if s.cfg.Metrics {
		gatherer := opts.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.handler = mux
	s.server = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
	}
	return s, nil
}

// Start binds the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go func() {
		defer recovery.RecoverWithLog(s.logger, "webapi.Serve")
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("web server stopped", logging.KeyError, err)
		}
	}()

	s.logger.Info("web server started", logging.KeyAddress, ln.Addr().String())
	return nil
}

// Stop shuts the server down. Hijacked WebSocket connections are not
// tracked by Shutdown; they end with their relay channels.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.Swap(false) {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// authorize requires the configured bearer token. Browsers cannot set
// headers on WebSocket requests, so a token query parameter is accepted too.
func (s *Server) authorize(next http.Handler) http.Handler {
	if s.cfg.Token == "" {
		return next
	}
	want := []byte(s.cfg.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			got = strings.TrimPrefix(h, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	agents := s.reg.List()
	live := 0
	for _, a := range agents {
		if a.Live {
			live++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "healthy",
		"agents":    len(agents),
		"live":      live,
		"observers": s.reg.Subscribers(),
	})
}

// handleEvents streams registry notifications to an observer, starting with
// a snapshot of every known agent.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	sub := s.reg.Subscribe(eventBuffer)
	defer sub.Close()

	// Observers only listen; CloseRead handles their close frames.
	ctx := conn.CloseRead(r.Context())

	snapshot := registry.Notification{
		Type:   registry.NotifySnapshot,
		Agents: s.reg.List(),
		Time:   time.Now(),
	}
	if err := s.writeNotification(ctx, conn, snapshot); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-sub.C:
			if err := s.writeNotification(ctx, conn, n); err != nil {
				s.logger.Debug("observer write failed", logging.KeyError, err)
				return
			}
		}
	}
}

func (s *Server) writeNotification(ctx context.Context, conn *websocket.Conn, n registry.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, n)
}

// handleShell bridges a terminal to the agent's shell channel.
func (s *Server) handleShell(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.reg.Get(id); !ok {
		http.Error(w, registry.ErrUnknownAgent.Error(), http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{shell.Subprotocol},
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	s.logger.Info("shell bridge opened", logging.KeyAgentID, id, logging.KeyRemoteAddr, r.RemoteAddr)
	err = shell.Serve(r.Context(), conn, func(ctx context.Context, tty *shell.TTYSettings) (shell.Terminal, error) {
		pty := relay.PTY{}
		if tty != nil {
			pty = relay.PTY{Term: tty.Term, Rows: int(tty.Rows), Cols: int(tty.Cols)}
		}
		return s.relay.Shell(ctx, id, pty)
	})
	if err != nil {
		s.logger.Debug("shell bridge ended", logging.KeyAgentID, id, logging.KeyError, err)
	}
}

// handleDesktop bridges raw bytes between the socket and the agent's vnc or
// rdp subsystem.
func (s *Server) handleDesktop(w http.ResponseWriter, r *http.Request) {
	id, kind := r.PathValue("id"), r.PathValue("kind")
	if kind != relay.SubsystemVNC && kind != relay.SubsystemRDP {
		http.Error(w, "unknown desktop kind", http.StatusBadRequest)
		return
	}

	remote, err := s.relay.Desktop(r.Context(), id, kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer remote.Close()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	local := websocket.NetConn(ctx, conn, websocket.MessageBinary)
	stats, err := relay.Pipe(ctx, local, remote, s.relay.Limiter())
	s.logger.Debug("desktop bridge ended",
		logging.KeyAgentID, id,
		"kind", kind,
		"up", stats.Upstream,
		"down", stats.Downstream,
		logging.KeyError, err)
}

// handlePoll answers one sealed check-in.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	route := r.PathValue("route")
	box, ok := s.boxes[route]
	if !ok {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPollBody))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	plain, err := box.Open(body)
	if err != nil {
		s.metrics.RecordPoll("rejected")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var req protocol.PollRequest
	if err := protocol.Unmarshal(plain, &req); err != nil || (req.Init != nil && req.Init.ID == "") {
		s.metrics.RecordPoll("rejected")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	resp := s.poll(route, r.RemoteAddr, req)

	out, err := protocol.Marshal(resp)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	sealed, err := box.Seal(out)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(sealed)
}

// poll registers or heartbeats the caller, forwards its results to
// observers and hands back its next queued event. An unknown id is told to
// register again.
func (s *Server) poll(route, internet string, req protocol.PollRequest) protocol.PollResponse {
	var resp protocol.PollResponse

	id := req.AgentID
	switch {
	case req.Init != nil:
		id = req.Init.ID
		s.reg.Add(*req.Init, route, internet)
		s.metrics.RecordPoll("init")
	case s.reg.Heartbeat(id):
		s.metrics.RecordPoll("heartbeat")
	default:
		s.metrics.RecordPoll("reregister")
		resp.Reregister = true
		return resp
	}

	for i := range req.Results {
		ev := req.Results[i]
		ev.AgentID = id
		s.reg.Broadcast(registry.Notification{Type: registry.NotifyEvent, Event: &ev})
	}

	if ev, ok := s.reg.Dequeue(id); ok {
		resp.Event = &ev
	}
	return resp
}
