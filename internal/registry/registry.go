// Package registry tracks every agent the controller knows about: its
// identity, liveness, connection class and, for persistent agents, the
// control handle of its mux session. It also holds the per-agent event
// queues used by polling agents and fans registry changes out to observers.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/postalsys/kestrel/internal/logging"
	"github.com/postalsys/kestrel/internal/metrics"
	"github.com/postalsys/kestrel/internal/protocol"
)

var (
	// ErrUnknownAgent is returned for ids not in the registry.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrNotLive is returned when an agent has no live control handle.
	ErrNotLive = errors.New("agent has no live session")
)

// DetachResult describes what Detach did.
type DetachResult int

const (
	// DetachIgnored means the record no longer held that control.
	DetachIgnored DetachResult = iota
	// DetachDemoted means the record fell back to polling.
	DetachDemoted
	// DetachRemoved means the record was deleted.
	DetachRemoved
)

func (d DetachResult) String() string {
	switch d {
	case DetachDemoted:
		return "demoted"
	case DetachRemoved:
		return "removed"
	default:
		return "ignored"
	}
}

// Options configures a Registry.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Now overrides the clock.
	Now func() time.Time
}

// Registry is safe for concurrent use. Locks are held only while maps are
// read or mutated; cancellation, control shutdown, hooks and observer
// notifications all run after the lock is released.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry

	qmu    sync.Mutex
	queues map[string][]protocol.Event
	queued int

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}

	hookMu   sync.RWMutex
	onRemove []func(id string)

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates an empty registry.
func New(opts Options) *Registry {
	r := &Registry{
		agents:  make(map[string]*entry),
		queues:  make(map[string][]protocol.Event),
		subs:    make(map[*Subscription]struct{}),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if r.logger == nil {
		r.logger = logging.NopLogger()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// OnRemove registers fn to run after an agent record is deleted, whether
// by Remove or by Detach.
func (r *Registry) OnRemove(fn func(id string)) {
	r.hookMu.Lock()
	r.onRemove = append(r.onRemove, fn)
	r.hookMu.Unlock()
}

func (r *Registry) runRemoveHooks(id string) {
	r.hookMu.RLock()
	hooks := append([]func(string){}, r.onRemove...)
	r.hookMu.RUnlock()

	for _, fn := range hooks {
		fn(id)
	}
}

// Add inserts or refreshes a polling registration. An existing record keeps
// its class and any live control; only identity and liveness change.
func (r *Registry) Add(info protocol.AgentInfo, route, internet string) Agent {
	now := r.now()

	r.mu.Lock()
	e, exists := r.agents[info.ID]
	if !exists {
		e = &entry{agent: Agent{
			ID:           info.ID,
			Class:        Polling,
			RegisteredAt: now,
		}}
		r.agents[info.ID] = e
	}
	e.agent.Info = info
	e.agent.LastSeen = now
	if route != "" {
		e.agent.Route = route
	}
	if internet != "" {
		e.agent.Internet = internet
	}
	snap := e.snapshot(now)
	r.mu.Unlock()

	r.updateGauges()
	if exists {
		r.broadcastAgent(NotifyUpdate, snap)
	} else {
		r.logger.Info("agent registered",
			logging.KeyAgentID, info.ID,
			"class", Polling.String(),
			logging.KeyRoute, route)
		r.broadcastAgent(NotifyCreate, snap)
	}
	return snap
}

// AddLive inserts a persistent agent or attaches ctl to the existing record
// with the same id. A control previously attached to that record is
// superseded: its cancel fires and it is closed.
func (r *Registry) AddLive(info protocol.AgentInfo, route, internet string, ctl Control, cancel context.CancelFunc) Agent {
	now := r.now()

	r.mu.Lock()
	var superseded *entry
	e, exists := r.agents[info.ID]
	if !exists {
		e = &entry{agent: Agent{
			ID:           info.ID,
			RegisteredAt: now,
		}}
		r.agents[info.ID] = e
	} else {
		if e.control != nil && e.control != ctl {
			superseded = &entry{control: e.control, cancel: e.cancel}
		}
		if e.agent.Class == Polling {
			e.upgraded = true
		}
	}
	e.agent.Info = info
	e.agent.Class = Persistent
	e.agent.Live = true
	e.agent.LastSeen = now
	e.agent.Route = route
	if internet != "" {
		e.agent.Internet = internet
	}
	e.control = ctl
	e.cancel = cancel
	snap := e.snapshot(now)
	r.mu.Unlock()

	if superseded != nil {
		r.logger.Info("superseding live session", logging.KeyAgentID, info.ID)
		r.metrics.RecordDisconnect("superseded")
		superseded.release()
	}

	r.updateGauges()
	if exists {
		r.broadcastAgent(NotifyUpdate, snap)
	} else {
		r.logger.Info("agent registered",
			logging.KeyAgentID, info.ID,
			"class", Persistent.String(),
			logging.KeyRoute, route)
		r.broadcastAgent(NotifyCreate, snap)
	}
	return snap
}

// Get returns a snapshot of the agent with id.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[id]
	if !ok {
		return Agent{}, false
	}
	return e.snapshot(r.now()), true
}

// List returns snapshots of all agents ordered by registration time.
// The slice is the caller's to keep.
func (r *Registry) List() []Agent {
	now := r.now()

	r.mu.RLock()
	out := make([]Agent, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.snapshot(now))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// Len returns the number of agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Control returns the live control handle for id.
func (r *Registry) Control(id string) (Control, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[id]
	if !ok {
		return nil, ErrUnknownAgent
	}
	if e.control == nil {
		return nil, ErrNotLive
	}
	return e.control, nil
}

// Open opens a new channel to a live agent.
func (r *Registry) Open(ctx context.Context, id string) (net.Conn, error) {
	ctl, err := r.Control(id)
	if err != nil {
		return nil, err
	}
	return ctl.Open(ctx)
}

// Heartbeat refreshes the liveness of id. It reports false, and changes
// nothing, when id is unknown: the caller must re-register.
func (r *Registry) Heartbeat(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return false
	}
	e.agent.LastSeen = r.now()
	return true
}

// Note sets the operator annotation of id. It reports false for unknown ids.
func (r *Registry) Note(id, text string) bool {
	r.mu.Lock()
	e, ok := r.agents[id]
	if ok {
		e.agent.Note = text
	}
	var snap Agent
	if ok {
		snap = e.snapshot(r.now())
	}
	r.mu.Unlock()

	if ok {
		r.broadcastAgent(NotifyUpdate, snap)
	}
	return ok
}

// Remove deletes id, cancels its live session if any, drops its event
// queue and runs the remove hooks. Removing an unknown id does nothing and
// reports false.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	e, ok := r.agents[id]
	if ok {
		delete(r.agents, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	e.release()
	r.dropQueue(id)
	r.updateGauges()
	r.logger.Info("agent removed", logging.KeyAgentID, id)
	r.broadcastAgent(NotifyRemove, e.agent)
	r.runRemoveHooks(id)
	return true
}

// Detach is called when the mux session behind ctl ends. If the record
// still holds ctl it is demoted back to polling (when it started as a
// polling agent) or removed. A record that has since attached a newer
// control is left alone.
func (r *Registry) Detach(id string, ctl Control) DetachResult {
	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok || e.control != ctl {
		r.mu.Unlock()
		return DetachIgnored
	}

	result := DetachRemoved
	if e.upgraded {
		result = DetachDemoted
		e.agent.Class = Polling
		e.agent.Live = false
		e.agent.LastSeen = r.now()
		e.control = nil
		e.cancel = nil
		e.upgraded = false
	} else {
		delete(r.agents, id)
	}
	snap := e.agent
	r.mu.Unlock()

	r.metrics.RecordDisconnect(result.String())
	r.updateGauges()
	r.logger.Info("agent session ended",
		logging.KeyAgentID, id,
		"outcome", result.String())

	if result == DetachDemoted {
		r.broadcastAgent(NotifyUpdate, snap)
		return result
	}
	r.dropQueue(id)
	r.broadcastAgent(NotifyRemove, snap)
	r.runRemoveHooks(id)
	return result
}

// Seen returns agents that are live or were seen within window.
func (r *Registry) Seen(window time.Duration) []Agent {
	cutoff := r.now().Add(-window)
	var out []Agent
	for _, a := range r.List() {
		if a.Live || a.LastSeen.After(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

// Monitor broadcasts an update listing recently seen agents every
// interval until ctx is done.
func (r *Registry) Monitor(ctx context.Context, interval, window time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Broadcast(Notification{Type: NotifyUpdate, Agents: r.Seen(window)})
		}
	}
}

func (r *Registry) updateGauges() {
	if r.metrics == nil {
		return
	}
	var polling, persistent int
	r.mu.RLock()
	for _, e := range r.agents {
		if e.agent.Class == Persistent {
			persistent++
		} else {
			polling++
		}
	}
	r.mu.RUnlock()
	r.metrics.SetAgents(Polling.String(), polling)
	r.metrics.SetAgents(Persistent.String(), persistent)
}
