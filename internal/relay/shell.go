package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/postalsys/kestrel/internal/metrics"
)

// PTY describes the terminal requested for a shell.
type PTY struct {
	Term string
	Rows int
	Cols int
}

func (p PTY) withDefaults() PTY {
	if p.Term == "" {
		p.Term = "xterm-256color"
	}
	if p.Rows <= 0 {
		p.Rows = 24
	}
	if p.Cols <= 0 {
		p.Cols = 80
	}
	return p
}

// Shell is an interactive shell on an agent. Reads return the combined
// terminal output; writes go to the terminal input.
type Shell struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	metrics *metrics.Metrics

	once sync.Once
}

// Shell opens a pty-backed shell on agent id.
func (c *Client) Shell(ctx context.Context, id string, pty PTY) (*Shell, error) {
	client, err := c.connect(ctx, id, KindShell, Credentials{})
	if err != nil {
		return nil, err
	}
	sh, err := startShell(client, pty.withDefaults(), c.metrics)
	if err != nil {
		client.Close()
		c.metrics.RecordChannelError(KindShell)
		return nil, &ChannelError{AgentID: id, Kind: KindShell, Err: err}
	}
	return sh, nil
}

func startShell(client *ssh.Client, pty PTY, m *metrics.Metrics) (*Shell, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	// A pty merges stderr into stdout on the agent side.
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(pty.Term, pty.Rows, pty.Cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("pty request: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("shell request: %w", err)
	}

	m.RecordChannelOpen(KindShell)
	return &Shell{
		client:  client,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		metrics: m,
	}, nil
}

func (s *Shell) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *Shell) Write(p []byte) (int, error) { return s.stdin.Write(p) }

// CloseWrite signals end of input.
func (s *Shell) CloseWrite() error { return s.stdin.Close() }

// Resize changes the terminal size.
func (s *Shell) Resize(rows, cols int) error {
	return s.session.WindowChange(rows, cols)
}

// Signal delivers a signal ("INT", "TERM", ...) to the remote shell.
func (s *Shell) Signal(name string) error {
	return s.session.Signal(ssh.Signal(name))
}

// Wait blocks until the remote shell exits and returns its exit status,
// or -1 when the agent reported none.
func (s *Shell) Wait() (int, error) {
	err := s.session.Wait()
	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		return exitErr.ExitStatus(), nil
	case errors.As(err, &missing):
		return -1, nil
	default:
		return -1, err
	}
}

// Close ends the shell and its secondary session.
func (s *Shell) Close() error {
	var err error
	s.once.Do(func() {
		s.session.Close()
		err = s.client.Close()
		s.metrics.RecordChannelClose(KindShell)
	})
	return err
}
