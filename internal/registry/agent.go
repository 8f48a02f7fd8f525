package registry

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/postalsys/kestrel/internal/protocol"
)

// Class is an agent's connection class.
type Class int

const (
	// Polling agents check in periodically over request/response.
	Polling Class = iota
	// Persistent agents hold an open multiplexed session.
	Persistent
)

func (c Class) String() string {
	switch c {
	case Polling:
		return "polling"
	case Persistent:
		return "persistent"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// MarshalText encodes the class by name.
func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes a class name.
func (c *Class) UnmarshalText(b []byte) error {
	switch string(b) {
	case "polling":
		*c = Polling
	case "persistent":
		*c = Persistent
	default:
		return fmt.Errorf("unknown agent class %q", b)
	}
	return nil
}

// Control is the live handle of a persistent agent: it opens channels on
// the agent's mux session. *mux.Session implements it.
type Control interface {
	Open(ctx context.Context) (net.Conn, error)
	Close() error
}

// Agent is a snapshot of one registry record.
type Agent struct {
	ID           string             `json:"id"`
	Class        Class              `json:"class"`
	Info         protocol.AgentInfo `json:"info"`
	Internet     string             `json:"internet"`
	Route        string             `json:"route"`
	Note         string             `json:"note,omitempty"`
	RegisteredAt time.Time          `json:"registered_at"`
	LastSeen     time.Time          `json:"last_seen"`
	Live         bool               `json:"live"`
}

// Label returns the display name of the agent.
func (a Agent) Label() string {
	return a.Info.Label()
}

// entry is the mutable record behind an Agent.
type entry struct {
	agent   Agent
	control Control
	cancel  context.CancelFunc

	// upgraded marks a polling record that acquired a live control; on
	// disconnect it falls back to polling instead of disappearing.
	upgraded bool
}

func (e *entry) snapshot(now time.Time) Agent {
	a := e.agent
	if a.Live {
		a.LastSeen = now
	}
	return a
}

// release fires the entry's cancellation and closes its control.
func (e *entry) release() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.control != nil {
		e.control.Close()
	}
}
