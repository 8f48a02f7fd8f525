package registry

import (
	"time"

	"github.com/postalsys/kestrel/internal/protocol"
)

// NotificationType names a registry change pushed to observers.
type NotificationType string

const (
	// NotifySnapshot carries the full agent list when an observer attaches.
	NotifySnapshot NotificationType = "snapshot"

	NotifyCreate NotificationType = "create"
	NotifyUpdate NotificationType = "update"
	NotifyRemove NotificationType = "remove"
	NotifyEvent  NotificationType = "event"
)

// Notification is pushed to every subscriber.
type Notification struct {
	Type   NotificationType `json:"type"`
	Agents []Agent          `json:"agents,omitempty"`
	Event  *protocol.Event  `json:"event,omitempty"`
	Time   time.Time        `json:"time"`
}

// Subscription receives notifications on C. C is never closed; stop
// reading after calling Close.
type Subscription struct {
	C <-chan Notification

	ch chan Notification
	r  *Registry
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.r.unsubscribe(s)
}

// Subscribe registers an observer. buffer bounds how many notifications
// may wait unread; when full, further notifications to this observer are
// dropped rather than blocking the registry.
func (r *Registry) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Notification, buffer)
	s := &Subscription{C: ch, ch: ch, r: r}

	r.subMu.Lock()
	r.subs[s] = struct{}{}
	r.subMu.Unlock()
	return s
}

func (r *Registry) unsubscribe(s *Subscription) {
	r.subMu.Lock()
	delete(r.subs, s)
	r.subMu.Unlock()
}

// Subscribers returns the number of attached observers.
func (r *Registry) Subscribers() int {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	return len(r.subs)
}

// Broadcast sends n to every subscriber without blocking.
func (r *Registry) Broadcast(n Notification) {
	if n.Time.IsZero() {
		n.Time = r.now()
	}

	r.subMu.RLock()
	sinks := make([]*Subscription, 0, len(r.subs))
	for s := range r.subs {
		sinks = append(sinks, s)
	}
	r.subMu.RUnlock()

	for _, s := range sinks {
		select {
		case s.ch <- n:
		default:
			r.logger.Debug("dropping notification for slow observer", "type", string(n.Type))
		}
	}
}

func (r *Registry) broadcastAgent(typ NotificationType, a Agent) {
	r.Broadcast(Notification{Type: typ, Agents: []Agent{a}})
}
