package relay

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// testAgent serves the agent half of a relay channel: password auth,
// direct-tcpip echo and echoing subsystems.
type testAgent struct {
	t        *testing.T
	password string

	mu      sync.Mutex
	targets []DirectTCPIP
}

func (a *testAgent) Open(ctx context.Context, id string) (net.Conn, error) {
	if id != "AAAA-1111" {
		return nil, errors.New("unknown agent")
	}
	client, server, err := tcpPair()
	if err != nil {
		return nil, err
	}
	go a.serve(server)
	return client, nil
}

// tcpPair returns both ends of a loopback TCP connection. SSH version
// exchange writes from both sides at once, which net.Pipe cannot buffer.
func tcpPair() (net.Conn, net.Conn, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		return nil, nil, err
	}
	server := <-accepted
	if server == nil {
		client.Close()
		return nil, nil, errors.New("accept failed")
	}
	return client, server, nil
}

func (a *testAgent) serve(conn net.Conn) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		a.t.Error(err)
		return
	}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if meta.User() == "op" && string(pw) == a.password {
				return nil, nil
			}
			return nil, fmt.Errorf("denied")
		},
	}
	cfg.AddHostKey(signer)

	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		switch nc.ChannelType() {
		case ChannelDirectTCPIP:
			var msg DirectTCPIP
			if err := ssh.Unmarshal(nc.ExtraData(), &msg); err != nil {
				nc.Reject(ssh.ConnectionFailed, "bad payload")
				continue
			}
			a.mu.Lock()
			a.targets = append(a.targets, msg)
			a.mu.Unlock()
			ch, creqs, err := nc.Accept()
			if err != nil {
				continue
			}
			go ssh.DiscardRequests(creqs)
			go echo(ch)
		case ChannelSession:
			ch, creqs, err := nc.Accept()
			if err != nil {
				continue
			}
			go func() {
				for req := range creqs {
					var sub struct{ Name string }
					ok := req.Type == "subsystem" &&
						ssh.Unmarshal(req.Payload, &sub) == nil &&
						(sub.Name == SubsystemVNC || sub.Name == SubsystemSOCKS5)
					req.Reply(ok, nil)
					if ok {
						go echo(ch)
					}
				}
			}()
		default:
			nc.Reject(ssh.UnknownChannelType, "unsupported")
		}
	}
}

func echo(ch ssh.Channel) {
	io.Copy(ch, ch)
	ch.CloseWrite()
	ch.Close()
}

func newTestClient(t *testing.T) (*Client, *testAgent) {
	agent := &testAgent{t: t, password: "s3cret"}
	c := New(Options{
		Opener:      agent,
		Credentials: Credentials{Username: "op", Password: "s3cret"},
		Timeout:     5 * time.Second,
	})
	return c, agent
}

func roundTrip(t *testing.T, conn net.Conn, msg string) {
	t.Helper()
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if string(buf) != msg {
		t.Errorf("echo = %q, want %q", buf, msg)
	}
}

func TestForwardDirect(t *testing.T) {
	c, agent := newTestClient(t)

	conn, err := c.Forward(context.Background(), "AAAA-1111", Credentials{}, "10.0.0.5:3389", "127.0.0.1:50123")
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer conn.Close()
	roundTrip(t, conn, "rdp bytes")

	agent.mu.Lock()
	defer agent.mu.Unlock()
	if len(agent.targets) != 1 {
		t.Fatalf("targets = %v", agent.targets)
	}
	got := agent.targets[0]
	want := DirectTCPIP{Host: "10.0.0.5", Port: 3389, OriginHost: "127.0.0.1", OriginPort: 50123}
	if got != want {
		t.Errorf("direct-tcpip = %+v, want %+v", got, want)
	}
}

func TestForwardSOCKSWhenNoRemote(t *testing.T) {
	c, agent := newTestClient(t)

	conn, err := c.Forward(context.Background(), "AAAA-1111", Credentials{}, "", "")
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer conn.Close()
	roundTrip(t, conn, "\x05\x01\x00")

	if len(agent.targets) != 0 {
		t.Error("socks forward opened a direct-tcpip channel")
	}
}

func TestDesktop(t *testing.T) {
	c, _ := newTestClient(t)

	conn, err := c.Desktop(context.Background(), "AAAA-1111", SubsystemVNC)
	if err != nil {
		t.Fatalf("Desktop() error = %v", err)
	}
	defer conn.Close()
	roundTrip(t, conn, "RFB 003.008\n")

	if _, err := c.Desktop(context.Background(), "AAAA-1111", "spice"); err == nil {
		t.Error("Desktop(spice) should fail")
	}
	// rdp is a valid kind but the test agent refuses it.
	_, err = c.Desktop(context.Background(), "AAAA-1111", SubsystemRDP)
	var ce *ChannelError
	if !errors.As(err, &ce) || ce.Kind != KindDesktop {
		t.Errorf("Desktop(rdp) error = %v, want ChannelError", err)
	}
}

func TestChannelErrors(t *testing.T) {
	c, _ := newTestClient(t)

	tests := []struct {
		name  string
		id    string
		creds Credentials
	}{
		{"unknown agent", "nobody", Credentials{}},
		{"wrong password", "AAAA-1111", Credentials{Password: "nope"}},
		{"wrong user", "AAAA-1111", Credentials{Username: "root"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Forward(context.Background(), tc.id, tc.creds, "10.0.0.5:22", "")
			var ce *ChannelError
			if !errors.As(err, &ce) {
				t.Fatalf("error = %v, want *ChannelError", err)
			}
			if ce.AgentID != tc.id {
				t.Errorf("AgentID = %q, want %q", ce.AgentID, tc.id)
			}
		})
	}
}

func TestForwardBadRemote(t *testing.T) {
	c, _ := newTestClient(t)
	for _, remote := range []string{"10.0.0.5", "host:99999", "host:x"} {
		if _, err := c.Forward(context.Background(), "AAAA-1111", Credentials{}, remote, ""); err == nil {
			t.Errorf("Forward(%q) should fail", remote)
		}
	}
}

func TestCredentialsOr(t *testing.T) {
	def := Credentials{Username: "u", Password: "p"}
	tests := []struct {
		in   Credentials
		want Credentials
	}{
		{Credentials{}, def},
		{Credentials{Password: "x"}, Credentials{Username: "u", Password: "x"}},
		{Credentials{Username: "y", Password: "z"}, Credentials{Username: "y", Password: "z"}},
	}
	for _, tc := range tests {
		if got := tc.in.Or(def); got != tc.want {
			t.Errorf("%+v.Or() = %+v, want %+v", tc.in, got, tc.want)
		}
	}
	if !(Credentials{}).IsZero() {
		t.Error("zero credentials not IsZero")
	}
}

func TestPipe(t *testing.T) {
	client, clientPeer := net.Pipe()
	remote, remotePeer := net.Pipe()

	type result struct {
		stats Stats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		s, err := Pipe(context.Background(), clientPeer, remote, nil)
		done <- result{s, err}
	}()

	go func() {
		buf := make([]byte, 5)
		io.ReadFull(remotePeer, buf)
		remotePeer.Write(bytes.ToUpper(buf))
	}()

	client.Write([]byte("hello"))
	buf := make([]byte, 5)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "HELLO" {
		t.Errorf("reply = %q", buf)
	}
	client.Close()

	select {
	case r := <-done:
		if r.err != nil {
			t.Errorf("Pipe() error = %v", r.err)
		}
		if r.stats.Upstream != 5 || r.stats.Downstream != 5 {
			t.Errorf("stats = %+v, want 5/5", r.stats)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pipe did not finish after client close")
	}

	// The remote side sees the close.
	remotePeer.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := remotePeer.Read(buf); err == nil {
		t.Error("remote still open after pipe finished")
	}
}

func TestPipeHalfClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	// Echo server that only replies after reading to EOF.
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		data, _ := io.ReadAll(c)
		c.Write(data)
		c.Close()
	}()

	client, local, err := tcpPair()
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	upstream, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	go Pipe(context.Background(), local, upstream, nil)

	client.Write([]byte("ping"))
	client.(*net.TCPConn).CloseWrite()

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(got) != "ping" {
		t.Errorf("reply = %q, want ping", got)
	}
}

func TestPipeContextCancel(t *testing.T) {
	a, _ := net.Pipe()
	b, _ := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := Pipe(ctx, a, b, nil)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Pipe() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pipe ignored cancellation")
	}
}

func TestPipeRateLimit(t *testing.T) {
	if NewLimiter(0) != nil {
		t.Error("NewLimiter(0) should be nil")
	}
	if l := NewLimiter(10); l.Burst() != copyBufferSize {
		t.Errorf("burst = %d, want %d", l.Burst(), copyBufferSize)
	}

	client, clientPeer := net.Pipe()
	remote, remotePeer := net.Pipe()
	// 64 KiB burst then 64 KiB/s: the last 32 KiB wait about half a second.
	limiter := NewLimiter(64 * 1024)
	go Pipe(context.Background(), clientPeer, remote, limiter)

	payload := bytes.Repeat([]byte("x"), 96*1024)
	go func() {
		client.Write(payload)
		client.Close()
	}()

	start := time.Now()
	got, _ := io.ReadAll(remotePeer)
	if len(got) != len(payload) {
		t.Fatalf("read %d bytes, want %d", len(got), len(payload))
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("limited copy took %v, expected throttling", elapsed)
	}
}
