package protocol

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Event types.
const (
	// EventConfig asks the agent to re-register; sent when a poll names an
	// agent the controller no longer knows.
	EventConfig = "config"
	// EventTask carries an operator command for the agent.
	EventTask = "task"
	// EventResult carries the agent's answer to a task.
	EventResult = "result"
)

// Event is one item in an agent's queue, or a result coming back from it.
type Event struct {
	ID        string `msgpack:"id" json:"id"`
	Type      string `msgpack:"type" json:"type"`
	AgentID   string `msgpack:"agent_id" json:"agent_id"`
	Payload   []byte `msgpack:"payload,omitempty" json:"payload,omitempty"`
	CreatedAt int64  `msgpack:"created_at" json:"created_at"`
}

// NewEvent returns an event stamped with the current time.
func NewEvent(id, typ, agentID string, payload []byte) Event {
	return Event{
		ID:        id,
		Type:      typ,
		AgentID:   agentID,
		Payload:   payload,
		CreatedAt: time.Now().Unix(),
	}
}

// PollRequest is what a polling agent sends on each check-in. The first
// check-in carries Init; later ones carry only AgentID and any results.
type PollRequest struct {
	Init    *AgentInfo `msgpack:"init,omitempty"`
	AgentID string     `msgpack:"agent_id,omitempty"`
	Results []Event    `msgpack:"results,omitempty"`
}

// PollResponse answers a check-in with at most one queued event.
type PollResponse struct {
	Event      *Event `msgpack:"event,omitempty"`
	Reregister bool   `msgpack:"reregister,omitempty"`
}

// Marshal encodes v with msgpack.
func Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal decodes msgpack data into v.
func Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
