package registry

import "github.com/postalsys/kestrel/internal/protocol"

// Enqueue appends ev to the queue for id. Queues are independent of the
// agent table, so events may be queued ahead of an agent's first check-in.
func (r *Registry) Enqueue(id string, ev protocol.Event) {
	r.qmu.Lock()
	r.queues[id] = append(r.queues[id], ev)
	r.queued++
	n := r.queued
	r.qmu.Unlock()

	r.metrics.SetQueuedEvents(n)
}

// Dequeue removes and returns the oldest event for id. It reports false
// when the queue is empty or unknown.
func (r *Registry) Dequeue(id string) (protocol.Event, bool) {
	r.qmu.Lock()
	q := r.queues[id]
	if len(q) == 0 {
		r.qmu.Unlock()
		return protocol.Event{}, false
	}
	ev := q[0]
	q[0] = protocol.Event{}
	if len(q) == 1 {
		delete(r.queues, id)
	} else {
		r.queues[id] = q[1:]
	}
	r.queued--
	n := r.queued
	r.qmu.Unlock()

	r.metrics.SetQueuedEvents(n)
	return ev, true
}

// QueueLen returns the number of events waiting for id.
func (r *Registry) QueueLen(id string) int {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	return len(r.queues[id])
}

func (r *Registry) dropQueue(id string) {
	r.qmu.Lock()
	r.queued -= len(r.queues[id])
	delete(r.queues, id)
	n := r.queued
	r.qmu.Unlock()

	r.metrics.SetQueuedEvents(n)
}
