// Package control provides the Unix socket control interface the kestrel
// CLI uses to inspect and drive a running controller.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/postalsys/kestrel/internal/listener"
	"github.com/postalsys/kestrel/internal/logging"
	"github.com/postalsys/kestrel/internal/protocol"
	"github.com/postalsys/kestrel/internal/proxy"
	"github.com/postalsys/kestrel/internal/registry"
)

// Backend is the controller surface exposed on the socket.
type Backend interface {
	Status() StatusResponse
	Agents() []registry.Agent
	Listeners() []listener.Info
	Proxies() []proxy.Record

	AddProxy(ctx context.Context, rec proxy.Record) (proxy.Record, error)
	StopProxy(port int) error
	StopListener(id string) error
	RemoveAgent(id string) error
	NoteAgent(id, note string) error
	QueueEvent(id, typ string, payload []byte) (protocol.Event, error)
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	Version   string    `json:"version"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	Agents    int       `json:"agents"`
	Live      int       `json:"live"`
	Listeners int       `json:"listeners"`
	Proxies   int       `json:"proxies"`
	Observers int       `json:"observers"`
}

// AgentsResponse is the response for the agents endpoint.
type AgentsResponse struct {
	Agents []registry.Agent `json:"agents"`
}

// ListenersResponse is the response for the listeners endpoint.
type ListenersResponse struct {
	Listeners []listener.Info `json:"listeners"`
}

// ProxiesResponse is the response for the proxies endpoint.
type ProxiesResponse struct {
	Proxies []proxy.Record `json:"proxies"`
}

// ProxyRequest starts a proxy. Password travels in the request only; it is
// never echoed back.
type ProxyRequest struct {
	ID       string `json:"id"`
	Bind     string `json:"bind,omitempty"`
	Port     int    `json:"port"`
	Remote   string `json:"remote,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// PortRequest names a proxy by port.
type PortRequest struct {
	Port int `json:"port"`
}

// AgentRequest names an agent and optionally carries a note.
type AgentRequest struct {
	ID   string `json:"id"`
	Note string `json:"note,omitempty"`
}

// ListenerRequest names a listener.
type ListenerRequest struct {
	ID string `json:"id"`
}

// EventRequest queues an event for a polling agent.
type EventRequest struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// ErrorResponse carries a failed request's message.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./data/control.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	backend  Backend
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, backend Backend) *Server {
	s := &Server{
		cfg:     cfg,
		backend: backend,
		logger:  cfg.Logger,
	}
	if s.logger == nil {
		s.logger = logging.NopLogger()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /agents", s.handleAgents)
	mux.HandleFunc("GET /listeners", s.handleListeners)
	mux.HandleFunc("GET /proxies", s.handleProxies)
	mux.HandleFunc("POST /proxies", s.handleAddProxy)
	mux.HandleFunc("POST /proxies/stop", s.handleStopProxy)
	mux.HandleFunc("POST /listeners/stop", s.handleStopListener)
	mux.HandleFunc("POST /agents/remove", s.handleRemoveAgent)
	mux.HandleFunc("POST /agents/note", s.handleNoteAgent)
	mux.HandleFunc("POST /agents/events", s.handleQueueEvent)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	// Remove stale socket file
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}

	// The socket grants full control; keep it owner-only.
	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		ln.Close()
		return err
	}

	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	os.Remove(s.cfg.SocketPath)
	return err
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.backend.Agents()
	if agents == nil {
		agents = []registry.Agent{}
	}
	writeJSON(w, http.StatusOK, AgentsResponse{Agents: agents})
}

func (s *Server) handleListeners(w http.ResponseWriter, r *http.Request) {
	listeners := s.backend.Listeners()
	if listeners == nil {
		listeners = []listener.Info{}
	}
	writeJSON(w, http.StatusOK, ListenersResponse{Listeners: listeners})
}

func (s *Server) handleProxies(w http.ResponseWriter, r *http.Request) {
	proxies := s.backend.Proxies()
	if proxies == nil {
		proxies = []proxy.Record{}
	}
	writeJSON(w, http.StatusOK, ProxiesResponse{Proxies: proxies})
}

func (s *Server) handleAddProxy(w http.ResponseWriter, r *http.Request) {
	var req ProxyRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, errors.New("agent id required"))
		return
	}

	rec, err := s.backend.AddProxy(r.Context(), proxy.Record{
		ID:       req.ID,
		Bind:     req.Bind,
		Port:     req.Port,
		Remote:   req.Remote,
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		s.logger.Debug("control: add proxy failed", logging.KeyAgentID, req.ID, logging.KeyError, err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStopProxy(w http.ResponseWriter, r *http.Request) {
	var req PortRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.backend.StopProxy(req.Port); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopListener(w http.ResponseWriter, r *http.Request) {
	var req ListenerRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.backend.StopListener(req.ID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveAgent(w http.ResponseWriter, r *http.Request) {
	var req AgentRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.backend.RemoveAgent(req.ID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNoteAgent(w http.ResponseWriter, r *http.Request) {
	var req AgentRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.backend.NoteAgent(req.ID, req.Note); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Type == "" {
		req.Type = protocol.EventTask
	}
	ev, err := s.backend.QueueEvent(req.ID, req.Type, []byte(req.Payload))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// statusFor maps backend errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrUnknownAgent),
		errors.Is(err, proxy.ErrNoProxy),
		errors.Is(err, listener.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrNotLive):
		return http.StatusServiceUnavailable
	case errors.Is(err, proxy.ErrPortInUse),
		errors.Is(err, listener.ErrExists):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
