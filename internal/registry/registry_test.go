package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/kestrel/internal/metrics"
	"github.com/postalsys/kestrel/internal/protocol"
)

// fakeControl records Close and cancel calls.
type fakeControl struct {
	name     string
	closed   atomic.Bool
	canceled atomic.Bool
}

func (f *fakeControl) Open(ctx context.Context) (net.Conn, error) {
	if f.closed.Load() {
		return nil, errors.New("closed")
	}
	a, _ := net.Pipe()
	return a, nil
}

func (f *fakeControl) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeControl) cancel() { f.canceled.Store(true) }

func info(id string) protocol.AgentInfo {
	return protocol.AgentInfo{ID: id, Platform: "linux", Arch: "x86_64", Hostname: "h-" + id}
}

func TestAddUpsertKeepsOneRecord(t *testing.T) {
	r := New(Options{})
	h1 := &fakeControl{name: "h1"}
	h2 := &fakeControl{name: "h2"}

	r.Add(info("A"), "poll", "203.0.113.9:5000")
	r.AddLive(info("A"), "tcp-main", "203.0.113.9:5001", h1, h1.cancel)
	r.AddLive(info("A"), "tcp-main", "203.0.113.9:5002", h2, h2.cancel)

	if n := r.Len(); n != 1 {
		t.Fatalf("Len() = %d, want 1", n)
	}
	ctl, err := r.Control("A")
	if err != nil {
		t.Fatalf("Control() error = %v", err)
	}
	if ctl != h2 {
		t.Errorf("Control() = %v, want h2", ctl.(*fakeControl).name)
	}
	if !h1.canceled.Load() || !h1.closed.Load() {
		t.Error("superseded control h1 was not cancelled and closed")
	}
	if h2.canceled.Load() || h2.closed.Load() {
		t.Error("active control h2 was cancelled")
	}

	a, _ := r.Get("A")
	if a.Class != Persistent || !a.Live {
		t.Errorf("agent = %+v, want live persistent", a)
	}
	if a.Internet != "203.0.113.9:5002" {
		t.Errorf("Internet = %q", a.Internet)
	}
}

func TestAddPollingDoesNotDropLiveControl(t *testing.T) {
	r := New(Options{})
	h := &fakeControl{}
	r.AddLive(info("A"), "l1", "", h, h.cancel)
	r.Add(info("A"), "poll", "")

	if ctl, err := r.Control("A"); err != nil || ctl != h {
		t.Errorf("Control() = %v, %v; want h", ctl, err)
	}
	if a, _ := r.Get("A"); a.Class != Persistent {
		t.Errorf("Class = %v, want persistent", a.Class)
	}
}

func TestHeartbeat(t *testing.T) {
	var clock atomic.Int64
	clock.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	r := New(Options{Now: func() time.Time { return time.Unix(0, clock.Load()) }})

	if r.Heartbeat("unknown") {
		t.Error("Heartbeat(unknown) = true, want false")
	}
	if r.Len() != 0 {
		t.Error("Heartbeat(unknown) created a record")
	}

	r.Add(info("A"), "", "")
	clock.Add(int64(30 * time.Second))
	if !r.Heartbeat("A") {
		t.Fatal("Heartbeat(A) = false, want true")
	}
	a, _ := r.Get("A")
	want := time.Unix(0, clock.Load())
	if !a.LastSeen.Equal(want) {
		t.Errorf("LastSeen = %v, want %v", a.LastSeen, want)
	}
}

func TestHeartbeatWallClock(t *testing.T) {
	r := New(Options{})
	r.Add(info("A"), "", "")
	time.Sleep(10 * time.Millisecond)
	r.Heartbeat("A")

	a, _ := r.Get("A")
	if d := time.Since(a.LastSeen); d < 0 || d > time.Second {
		t.Errorf("LastSeen is %v away from now", d)
	}
}

func TestQueueFIFO(t *testing.T) {
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	r := New(Options{Metrics: m})

	for _, id := range []string{"e1", "e2", "e3"} {
		r.Enqueue("X", protocol.Event{ID: id})
	}
	r.Enqueue("Y", protocol.Event{ID: "other"})

	if got := testutil.ToFloat64(m.QueuedEvents); got != 4 {
		t.Errorf("queued gauge = %v, want 4", got)
	}

	for _, want := range []string{"e1", "e2", "e3"} {
		ev, ok := r.Dequeue("X")
		if !ok || ev.ID != want {
			t.Fatalf("Dequeue() = %q, %v; want %q", ev.ID, ok, want)
		}
	}
	if _, ok := r.Dequeue("X"); ok {
		t.Error("fourth Dequeue() returned an event")
	}
	if _, ok := r.Dequeue("never-seen"); ok {
		t.Error("Dequeue(unknown) returned an event")
	}
	if n := r.QueueLen("Y"); n != 1 {
		t.Errorf("QueueLen(Y) = %d, want 1", n)
	}
}

func TestRemoveCleansUp(t *testing.T) {
	r := New(Options{})
	h := &fakeControl{}

	var hooked []string
	var mu sync.Mutex
	r.OnRemove(func(id string) {
		mu.Lock()
		hooked = append(hooked, id)
		mu.Unlock()
	})

	r.AddLive(info("A"), "l1", "", h, h.cancel)
	r.Enqueue("A", protocol.Event{ID: "pending"})

	if !r.Remove("A") {
		t.Fatal("Remove(A) = false")
	}
	if !h.canceled.Load() || !h.closed.Load() {
		t.Error("live control not cancelled on remove")
	}
	if _, ok := r.Get("A"); ok {
		t.Error("Get(A) found a removed agent")
	}
	if r.QueueLen("A") != 0 {
		t.Error("queue survived removal")
	}
	if len(hooked) != 1 || hooked[0] != "A" {
		t.Errorf("remove hooks saw %v, want [A]", hooked)
	}

	// Idempotent.
	if r.Remove("A") {
		t.Error("second Remove(A) = true")
	}
	if len(hooked) != 1 {
		t.Error("remove hook fired for unknown id")
	}
}

func TestDetach(t *testing.T) {
	t.Run("persistent record is removed", func(t *testing.T) {
		r := New(Options{})
		removed := make(chan string, 1)
		r.OnRemove(func(id string) { removed <- id })

		h := &fakeControl{}
		r.AddLive(info("A"), "l1", "", h, h.cancel)
		if got := r.Detach("A", h); got != DetachRemoved {
			t.Errorf("Detach() = %v, want removed", got)
		}
		if r.Len() != 0 {
			t.Error("record survived detach")
		}
		if id := <-removed; id != "A" {
			t.Errorf("hook id = %q", id)
		}
	})

	t.Run("upgraded polling record is demoted", func(t *testing.T) {
		r := New(Options{})
		h := &fakeControl{}
		r.Add(info("A"), "poll", "")
		r.AddLive(info("A"), "l1", "", h, h.cancel)

		if got := r.Detach("A", h); got != DetachDemoted {
			t.Errorf("Detach() = %v, want demoted", got)
		}
		a, ok := r.Get("A")
		if !ok {
			t.Fatal("demoted record missing")
		}
		if a.Class != Polling || a.Live {
			t.Errorf("agent = %+v, want non-live polling", a)
		}
		if _, err := r.Control("A"); !errors.Is(err, ErrNotLive) {
			t.Errorf("Control() error = %v, want ErrNotLive", err)
		}
	})

	t.Run("stale control is ignored", func(t *testing.T) {
		r := New(Options{})
		h1, h2 := &fakeControl{}, &fakeControl{}
		r.AddLive(info("A"), "l1", "", h1, h1.cancel)
		r.AddLive(info("A"), "l1", "", h2, h2.cancel)

		if got := r.Detach("A", h1); got != DetachIgnored {
			t.Errorf("Detach(h1) = %v, want ignored", got)
		}
		if ctl, _ := r.Control("A"); ctl != h2 {
			t.Error("stale detach dropped the new control")
		}
		if got := r.Detach("missing", h1); got != DetachIgnored {
			t.Errorf("Detach(missing) = %v", got)
		}
	})
}

func TestControlErrors(t *testing.T) {
	r := New(Options{})
	if _, err := r.Control("nope"); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("Control(unknown) error = %v", err)
	}
	r.Add(info("P"), "", "")
	if _, err := r.Open(context.Background(), "P"); !errors.Is(err, ErrNotLive) {
		t.Errorf("Open(polling) error = %v", err)
	}

	h := &fakeControl{}
	r.AddLive(info("L"), "", "", h, nil)
	conn, err := r.Open(context.Background(), "L")
	if err != nil {
		t.Fatalf("Open(live) error = %v", err)
	}
	conn.Close()
}

func TestNote(t *testing.T) {
	r := New(Options{})
	if r.Note("ghost", "x") {
		t.Error("Note(unknown) = true")
	}
	r.Add(info("A"), "", "")
	if !r.Note("A", "finance laptop") {
		t.Fatal("Note(A) = false")
	}
	if a, _ := r.Get("A"); a.Note != "finance laptop" {
		t.Errorf("Note = %q", a.Note)
	}
}

func TestListIsDefensiveCopy(t *testing.T) {
	r := New(Options{})
	r.Add(info("A"), "", "")
	r.Add(info("B"), "", "")

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List() len = %d", len(list))
	}
	list[0].Note = "mutated"
	r.Remove(list[1].ID)

	if a, _ := r.Get(list[0].ID); a.Note == "mutated" {
		t.Error("mutating List() result changed the registry")
	}
	if len(list) != 2 {
		t.Error("List() slice changed after Remove")
	}
}

func TestConcurrentAddRemove(t *testing.T) {
	r := New(Options{})
	const n = 100

	// Agents 0..49 are added and later removed; 50..99 are only added.
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("agent-%03d", i)
			if i%2 == 0 {
				h := &fakeControl{}
				r.AddLive(info(id), "l", "", h, h.cancel)
			} else {
				r.Add(info(id), "poll", "")
			}
			r.Enqueue(id, protocol.Event{ID: id})
			r.List()
		}(i)
	}
	wg.Wait()

	for i := 0; i < n/2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Remove(fmt.Sprintf("agent-%03d", i))
			r.Heartbeat(fmt.Sprintf("agent-%03d", i+n/2))
		}(i)
	}
	wg.Wait()

	if got := r.Len(); got != n-n/2 {
		t.Errorf("Len() = %d, want %d", got, n-n/2)
	}
	seen := map[string]bool{}
	for _, a := range r.List() {
		if seen[a.ID] {
			t.Errorf("duplicate id %s", a.ID)
		}
		seen[a.ID] = true
	}
}

func TestSubscribe(t *testing.T) {
	r := New(Options{})
	sub := r.Subscribe(8)
	defer sub.Close()

	r.Add(info("A"), "", "")
	r.Add(info("A"), "", "")
	r.Remove("A")

	want := []NotificationType{NotifyCreate, NotifyUpdate, NotifyRemove}
	for _, typ := range want {
		select {
		case n := <-sub.C:
			if n.Type != typ {
				t.Errorf("notification = %s, want %s", n.Type, typ)
			}
			if len(n.Agents) != 1 || n.Agents[0].ID != "A" {
				t.Errorf("agents = %+v", n.Agents)
			}
		case <-time.After(time.Second):
			t.Fatalf("no %s notification", typ)
		}
	}

	sub.Close()
	if r.Subscribers() != 0 {
		t.Error("subscriber not removed")
	}
	r.Add(info("B"), "", "")
	select {
	case n := <-sub.C:
		t.Errorf("closed subscription received %s", n.Type)
	default:
	}
}

func TestBroadcastDropsForSlowObserver(t *testing.T) {
	r := New(Options{})
	slow := r.Subscribe(1)
	fast := r.Subscribe(16)
	defer slow.Close()
	defer fast.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			r.Broadcast(Notification{Type: NotifyEvent})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a full observer")
	}
	if len(fast.C) != 10 {
		t.Errorf("fast observer got %d, want 10", len(fast.C))
	}
	if len(slow.C) != 1 {
		t.Errorf("slow observer got %d, want 1", len(slow.C))
	}
}

func TestMonitor(t *testing.T) {
	r := New(Options{})
	r.Add(info("A"), "", "")
	sub := r.Subscribe(4)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Monitor(ctx, 20*time.Millisecond, time.Minute)

	select {
	case n := <-sub.C:
		if n.Type != NotifyUpdate || len(n.Agents) != 1 {
			t.Errorf("monitor notification = %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not broadcast")
	}
}

func TestSeenWindow(t *testing.T) {
	var clock atomic.Int64
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock.Store(base.UnixNano())
	r := New(Options{Now: func() time.Time { return time.Unix(0, clock.Load()) }})

	r.Add(info("stale"), "", "")
	h := &fakeControl{}
	r.AddLive(info("live"), "", "", h, nil)
	clock.Add(int64(2 * time.Minute))
	r.Add(info("fresh"), "", "")

	seen := map[string]bool{}
	for _, a := range r.Seen(50 * time.Second) {
		seen[a.ID] = true
	}
	if seen["stale"] || !seen["live"] || !seen["fresh"] {
		t.Errorf("Seen() = %v", seen)
	}
}

func TestClassJSON(t *testing.T) {
	data, err := json.Marshal(Agent{ID: "A", Class: Persistent})
	if err != nil {
		t.Fatal(err)
	}
	var back Agent
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Class != Persistent {
		t.Errorf("Class = %v, want persistent", back.Class)
	}
	var c Class
	if err := c.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("UnmarshalText(bogus) should fail")
	}
}

func TestAgentGauges(t *testing.T) {
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	r := New(Options{Metrics: m})
	h := &fakeControl{}
	r.Add(info("P"), "", "")
	r.AddLive(info("L"), "", "", h, nil)

	if got := testutil.ToFloat64(m.AgentsConnected.WithLabelValues("persistent")); got != 1 {
		t.Errorf("persistent gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.AgentsConnected.WithLabelValues("polling")); got != 1 {
		t.Errorf("polling gauge = %v", got)
	}
}
