//go:build !windows

package agent

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/postalsys/kestrel/internal/config"
	"github.com/postalsys/kestrel/internal/registry"
	"github.com/postalsys/kestrel/internal/relay"
)

// readUntil reads r until the accumulated output contains want.
func readUntil(t *testing.T, r io.Reader, want string) string {
	t.Helper()
	var out bytes.Buffer
	buf := make([]byte, 1024)
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("output %q never contained %q", out.String(), want)
		}
		n, err := r.Read(buf)
		out.Write(buf[:n])
		if err != nil {
			break
		}
	}
	return out.String()
}

func TestRelayShell(t *testing.T) {
	_, _, c := setup(t, func(cfg *config.AgentConfig) {
		cfg.Shell.Command = "/bin/sh"
	})

	sh, err := c.Shell(context.Background(), agentID, relay.PTY{Rows: 30, Cols: 100})
	if err != nil {
		t.Fatalf("Shell() error = %v", err)
	}
	defer sh.Close()

	if _, err := sh.Write([]byte("stty size; echo marker-$((6*7))\n")); err != nil {
		t.Fatal(err)
	}
	out := readUntil(t, sh, "marker-42")
	if !strings.Contains(out, "30 100") {
		t.Errorf("stty size output %q, want 30 100", out)
	}

	if err := sh.Resize(40, 120); err != nil {
		t.Errorf("Resize() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	sh.Write([]byte("stty size\n"))
	readUntil(t, sh, "40 120")

	sh.Write([]byte("exit 3\n"))
	go io.Copy(io.Discard, sh)
	code, err := sh.Wait()
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if code != 3 {
		t.Errorf("Wait() = %d, want 3", code)
	}
}

// dialSSH opens a raw secondary session to the agent.
func dialSSH(t *testing.T, reg *registry.Registry) *ssh.Client {
	t.Helper()
	conn, err := reg.Open(context.Background(), agentID)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	sconn, chans, reqs, err := ssh.NewClientConn(conn, agentID, &ssh.ClientConfig{
		User:            "kestrel",
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClientConn() error = %v", err)
	}
	client := ssh.NewClient(sconn, chans, reqs)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestExecWithoutPTY(t *testing.T) {
	reg, _, _ := setup(t, nil)
	client := dialSSH(t, reg)

	tests := []struct {
		name       string
		command    string
		stdin      string
		wantStdout string
		wantStderr string
		wantCode   int
	}{
		{"echo", "echo hello", "", "hello\n", "", 0},
		{"stdin", "tr a-z A-Z", "shout", "SHOUT", "", 0},
		{"stderr", "echo oops >&2", "", "", "oops\n", 0},
		{"exit code", "exit 5", "", "", "", 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, err := client.NewSession()
			if err != nil {
				t.Fatal(err)
			}
			defer session.Close()

			var stdout, stderr bytes.Buffer
			session.Stdout = &stdout
			session.Stderr = &stderr
			session.Stdin = strings.NewReader(tt.stdin)

			err = session.Run(tt.command)
			code := 0
			if exitErr, ok := err.(*ssh.ExitError); ok {
				code = exitErr.ExitStatus()
			} else if err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			if code != tt.wantCode {
				t.Errorf("exit = %d, want %d", code, tt.wantCode)
			}
			if stdout.String() != tt.wantStdout {
				t.Errorf("stdout = %q, want %q", stdout.String(), tt.wantStdout)
			}
			if stderr.String() != tt.wantStderr {
				t.Errorf("stderr = %q, want %q", stderr.String(), tt.wantStderr)
			}
		})
	}
}

func TestExecEnv(t *testing.T) {
	reg, _, _ := setup(t, nil)
	client := dialSSH(t, reg)

	session, err := client.NewSession()
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()
	if err := session.Setenv("KESTREL_TEST", "value-1"); err != nil {
		t.Fatalf("Setenv() error = %v", err)
	}
	out, err := session.Output("echo $KESTREL_TEST")
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	if string(out) != "value-1\n" {
		t.Errorf("Output() = %q, want value-1", out)
	}
}

func TestSignalKillsProcess(t *testing.T) {
	reg, _, _ := setup(t, nil)
	client := dialSSH(t, reg)

	session, err := client.NewSession()
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()
	if err := session.Start("exec sleep 30"); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	// Give the shell a moment to exec sleep.
	time.Sleep(200 * time.Millisecond)
	if err := session.Signal(ssh.SIGKILL); err != nil {
		t.Fatalf("Signal() error = %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Error("Wait() error = nil, want a non-zero exit")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("process survived SIGKILL")
	}
}

func TestSecondStartRefused(t *testing.T) {
	reg, _, _ := setup(t, nil)
	client := dialSSH(t, reg)

	ch, reqs, err := client.OpenChannel(relay.ChannelSession, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqs)

	ok, err := ch.SendRequest("exec", true, ssh.Marshal(execRequest{Command: "cat"}))
	if err != nil || !ok {
		t.Fatalf("first exec = %v, %v", ok, err)
	}
	ok, err = ch.SendRequest("subsystem", true, ssh.Marshal(subsystemReq{Name: relay.SubsystemSFTP}))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second start accepted, want refusal")
	}
	ok, _ = ch.SendRequest("subsystem", true, ssh.Marshal(subsystemReq{Name: "bogus"}))
	if ok {
		t.Error("unknown subsystem accepted")
	}
}

func TestUnknownChannelTypeRejected(t *testing.T) {
	reg, _, _ := setup(t, nil)
	client := dialSSH(t, reg)

	_, _, err := client.OpenChannel("x11", nil)
	openErr, ok := err.(*ssh.OpenChannelError)
	if !ok {
		t.Fatalf("OpenChannel() error = %v, want OpenChannelError", err)
	}
	if openErr.Reason != ssh.UnknownChannelType {
		t.Errorf("Reason = %v, want UnknownChannelType", openErr.Reason)
	}
}
