package controller

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/kestrel/internal/agent"
	"github.com/postalsys/kestrel/internal/config"
	"github.com/postalsys/kestrel/internal/control"
	"github.com/postalsys/kestrel/internal/protocol"
	"github.com/postalsys/kestrel/internal/proxy"
	"github.com/postalsys/kestrel/internal/registry"
)

const (
	secret   = "manjusaka"
	agentID  = "AAAA-1111"
	password = "hunter2"
	pollKey  = "project-key"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Server.DataDir = dir
	cfg.Listeners = []config.ListenerConfig{{
		ID:      "main",
		Address: "tcp://127.0.0.1:0",
		Secret:  secret,
	}}
	cfg.Relay.Password = password
	cfg.Projects = []config.ProjectConfig{{Name: "main", Route: "main", Key: pollKey}}
	cfg.Web.Enabled = true
	cfg.Web.Address = "127.0.0.1:0"
	cfg.Control.SocketPath = filepath.Join(dir, "control.sock")
	cfg.Monitor.Interval = 50 * time.Millisecond
	return cfg
}

func startController(t *testing.T, cfg *config.Config) *Controller {
	t.Helper()
	c, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { c.Stop(context.Background()) })
	return c
}

func listenerAddr(t *testing.T, c *Controller) string {
	t.Helper()
	ls := c.Listeners()
	if len(ls) == 0 {
		t.Fatal("no listener running")
	}
	return "tcp://" + ls[0].Address
}

func agentConfig(t *testing.T) *config.AgentConfig {
	cfg := config.DefaultAgent()
	cfg.ID = agentID
	cfg.DataDir = t.TempDir()
	cfg.Secret = secret
	cfg.Relay.Password = password
	cfg.Reconnect.InitialDelay = 20 * time.Millisecond
	cfg.Reconnect.MaxDelay = 200 * time.Millisecond
	cfg.Timeouts.Dial = 5 * time.Second
	return cfg
}

// runAgent runs an agent until the returned stop function is called or the
// test ends.
func runAgent(t *testing.T, cfg *config.AgentConfig) (*agent.Agent, func()) {
	t.Helper()
	a, err := agent.New(cfg, nil)
	if err != nil {
		t.Fatalf("agent.New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return a, stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func live(c *Controller, id string) func() bool {
	return func() bool {
		a, ok := c.Registry().Get(id)
		return ok && a.Live
	}
}

func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(conn, conn)
				conn.Close()
			}()
		}
	}()
	return ln.Addr().String()
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// mapDialer sends every dial to one address and records the targets.
type mapDialer struct {
	to string

	mu      sync.Mutex
	targets []string
}

func (d *mapDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.mu.Lock()
	d.targets = append(d.targets, addr)
	d.mu.Unlock()
	var nd net.Dialer
	return nd.DialContext(ctx, network, d.to)
}

func TestControllerRegistersAgent(t *testing.T) {
	c := startController(t, testConfig(t))
	acfg := agentConfig(t)
	acfg.Server = listenerAddr(t, c)
	runAgent(t, acfg)

	waitFor(t, "agent live", live(c, agentID))

	client := control.NewClient(c.cfg.Control.SocketPath)
	defer client.Close()

	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !status.Running || status.Agents != 1 || status.Live != 1 || status.Listeners != 1 {
		t.Errorf("status = %+v, want one live agent on one listener", status)
	}

	agents, err := client.Agents(context.Background())
	if err != nil {
		t.Fatalf("Agents() error = %v", err)
	}
	if len(agents) != 1 || agents[0].ID != agentID || agents[0].Class != registry.Persistent {
		t.Errorf("agents = %+v, want persistent %s", agents, agentID)
	}
	if !strings.HasPrefix(agents[0].Internet, "127.0.0.1:") {
		t.Errorf("Internet = %q, want the agent's address", agents[0].Internet)
	}
}

func TestConfiguredProxyFollowsAgent(t *testing.T) {
	cfg := testConfig(t)
	port := freePort(t)
	cfg.Proxies = []config.ProxyConfig{{ID: agentID, Port: port, Remote: "10.0.0.5:3389"}}
	c := startController(t, cfg)

	acfg := agentConfig(t)
	acfg.Server = listenerAddr(t, c)
	a, stop := runAgent(t, acfg)
	d := &mapDialer{to: echoServer(t)}
	a.SetDialer(d)

	waitFor(t, "configured proxy", func() bool {
		_, ok := c.proxies.Get(port)
		return ok
	})

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	msg := "rdp handshake"
	conn.Write([]byte(msg))
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if string(buf) != msg {
		t.Errorf("echo = %q, want %q", buf, msg)
	}
	conn.Close()

	d.mu.Lock()
	if len(d.targets) != 1 || d.targets[0] != "10.0.0.5:3389" {
		t.Errorf("agent dialed %v, want [10.0.0.5:3389]", d.targets)
	}
	d.mu.Unlock()

	// A persistent agent that disconnects is removed, and its proxies go
	// with it.
	stop()
	waitFor(t, "agent removal", func() bool { return c.Registry().Len() == 0 })
	waitFor(t, "proxy stop", func() bool { return len(c.Proxies()) == 0 })
}

func TestAddProxyRequiresLiveAgent(t *testing.T) {
	c := startController(t, testConfig(t))
	c.Registry().Add(protocol.AgentInfo{ID: "BBBB-2222"}, "main", "")

	tests := []struct {
		name string
		id   string
		want error
	}{
		{"unknown", "ghost", registry.ErrUnknownAgent},
		{"polling", "BBBB-2222", registry.ErrNotLive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.AddProxy(context.Background(), proxy.Record{ID: tt.id})
			if !errors.Is(err, tt.want) {
				t.Errorf("AddProxy() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRemoveAgent(t *testing.T) {
	c := startController(t, testConfig(t))
	c.Registry().Add(protocol.AgentInfo{ID: "BBBB-2222"}, "main", "")

	if err := c.RemoveAgent("BBBB-2222"); err != nil {
		t.Fatalf("RemoveAgent() error = %v", err)
	}
	if _, ok := c.Registry().Get("BBBB-2222"); ok {
		t.Error("agent still registered after RemoveAgent")
	}
	if err := c.RemoveAgent("BBBB-2222"); !errors.Is(err, registry.ErrUnknownAgent) {
		t.Errorf("second RemoveAgent() error = %v, want ErrUnknownAgent", err)
	}
}

func TestQueueEventValidation(t *testing.T) {
	c := startController(t, testConfig(t))
	c.Registry().Add(protocol.AgentInfo{ID: "BBBB-2222"}, "main", "")

	if _, err := c.QueueEvent("ghost", protocol.EventTask, nil); !errors.Is(err, registry.ErrUnknownAgent) {
		t.Errorf("QueueEvent(ghost) error = %v, want ErrUnknownAgent", err)
	}
	if _, err := c.QueueEvent("BBBB-2222", protocol.EventResult, nil); err == nil {
		t.Error("QueueEvent(result) error = nil, want unsupported type")
	}
	ev, err := c.QueueEvent("BBBB-2222", protocol.EventTask, []byte("id"))
	if err != nil {
		t.Fatalf("QueueEvent() error = %v", err)
	}
	if ev.ID == "" || ev.AgentID != "BBBB-2222" {
		t.Errorf("QueueEvent() = %+v", ev)
	}
	if n := c.Registry().QueueLen("BBBB-2222"); n != 1 {
		t.Errorf("QueueLen() = %d, want 1", n)
	}
}

func TestPollingAgentRunsQueuedTask(t *testing.T) {
	c := startController(t, testConfig(t))

	acfg := agentConfig(t)
	acfg.ID = "CCCC-3333"
	acfg.Mode = config.ModePolling
	acfg.Poll.URL = "http://" + c.WebAddress() + "/poll/main"
	acfg.Poll.Key = pollKey
	acfg.Poll.Interval = 20 * time.Millisecond
	runAgent(t, acfg)

	waitFor(t, "polling registration", func() bool {
		a, ok := c.Registry().Get("CCCC-3333")
		return ok && a.Class == registry.Polling
	})

	sub := c.Registry().Subscribe(64)
	defer sub.Close()

	ev, err := c.QueueEvent("CCCC-3333", protocol.EventTask, []byte("echo queued-task"))
	if err != nil {
		t.Fatalf("QueueEvent() error = %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case n := <-sub.C:
			if n.Type != registry.NotifyEvent || n.Event.ID != ev.ID {
				continue
			}
			if !strings.Contains(string(n.Event.Payload), "queued-task") {
				t.Errorf("result payload = %q, want task output", n.Event.Payload)
			}
			return
		case <-deadline:
			t.Fatal("task result never reached observers")
		}
	}
}

func TestListenerFailureDoesNotAbortStart(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	cfg := testConfig(t)
	disabled := false
	cfg.Listeners = append(cfg.Listeners,
		config.ListenerConfig{ID: "busy", Address: "tcp://" + busy.Addr().String(), Secret: secret},
		config.ListenerConfig{ID: "off", Address: "tcp://127.0.0.1:0", Secret: secret, Enabled: &disabled},
	)
	c := startController(t, cfg)

	ls := c.Listeners()
	if len(ls) != 1 || ls[0].ID != "main" {
		t.Errorf("listeners = %+v, want only main", ls)
	}
}

func TestStopListener(t *testing.T) {
	c := startController(t, testConfig(t))

	if err := c.StopListener("main"); err != nil {
		t.Fatalf("StopListener() error = %v", err)
	}
	if n := len(c.Listeners()); n != 0 {
		t.Errorf("len(Listeners()) = %d, want 0", n)
	}
	if err := c.StopListener("main"); err == nil {
		t.Error("second StopListener() error = nil, want not found")
	}
}

func TestStopTwice(t *testing.T) {
	c, err := New(testConfig(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop() before Start error = %v, want ErrNotRunning", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := c.Stop(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second Stop() error = %v, want ErrNotRunning", err)
	}
}
