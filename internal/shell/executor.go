// Package shell runs terminal sessions on the agent and drives the operator's
// side of the WebSocket shell bridge.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrMaxSessions is returned when every session slot is taken.
var ErrMaxSessions = errors.New("max sessions reached")

// Config contains shell configuration.
type Config struct {
	// Command is the shell started for interactive sessions and used to run
	// exec requests. Empty selects the platform default.
	Command string

	// MaxSessions limits concurrent sessions (0 = unlimited).
	MaxSessions int

	// Timeout ends sessions that run longer (0 = no timeout).
	Timeout time.Duration
}

// TTY describes the terminal of a pty session.
type TTY struct {
	Term string
	Rows uint16
	Cols uint16
}

func (t *TTY) withDefaults() TTY {
	out := TTY{Term: "xterm-256color", Rows: 24, Cols: 80}
	if t == nil {
		return out
	}
	if t.Term != "" {
		out.Term = t.Term
	}
	if t.Rows > 0 {
		out.Rows = t.Rows
	}
	if t.Cols > 0 {
		out.Cols = t.Cols
	}
	return out
}

// Spec is a process to start.
type Spec struct {
	Command string // empty = the configured shell
	Args    []string
	Env     []string // KEY=VALUE, appended to the agent's environment
	Dir     string
	TTY     *TTY // pty sessions only
}

// Executor starts sessions and enforces the session limit.
type Executor struct {
	config   Config
	mu       sync.Mutex
	sessions int
}

// NewExecutor creates a new shell executor.
func NewExecutor(cfg Config) *Executor {
	if cfg.Command == "" {
		cfg.Command = DefaultShell()
	}
	return &Executor{config: cfg}
}

// Shell returns the configured shell.
func (e *Executor) Shell() string {
	return e.config.Command
}

// CommandSpec returns a Spec running line through the configured shell.
func (e *Executor) CommandSpec(line string) Spec {
	return Spec{Command: e.config.Command, Args: []string{commandFlag, line}}
}

// AcquireSession tries to acquire a session slot.
func (e *Executor) AcquireSession() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.config.MaxSessions > 0 && e.sessions >= e.config.MaxSessions {
		return fmt.Errorf("%w (%d)", ErrMaxSessions, e.config.MaxSessions)
	}
	e.sessions++
	return nil
}

// ReleaseSession releases a session slot.
func (e *Executor) ReleaseSession() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sessions > 0 {
		e.sessions--
	}
}

// ActiveSessions returns the current number of active sessions.
func (e *Executor) ActiveSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions
}

// sessionContext applies the configured timeout.
func (e *Executor) sessionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.config.Timeout > 0 {
		return context.WithTimeout(ctx, e.config.Timeout)
	}
	return context.WithCancel(ctx)
}

func (e *Executor) command(ctx context.Context, spec Spec) *exec.Cmd {
	name := spec.Command
	if name == "" {
		name = e.config.Command
	}
	cmd := exec.CommandContext(ctx, name, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Dir = spec.Dir
	return cmd
}

// PTY is a process attached to a pseudo-terminal.
type PTY interface {
	io.ReadWriter
	Resize(rows, cols uint16) error
	Signal(sig syscall.Signal) error
	// Wait blocks until exit. A negative code means the process was killed.
	Wait() int32
	Close()
}

// exitState records a process exit once. Fields are written before done
// is closed and read only after.
type exitState struct {
	done chan struct{}
	code int32
	err  error
}

func newExitState() *exitState {
	return &exitState{done: make(chan struct{}), code: -1}
}

func (x *exitState) finish(code int32, err error) {
	x.code = code
	x.err = err
	close(x.done)
}

func (x *exitState) wait() int32 {
	<-x.done
	return x.code
}

// exitCode maps a Wait error to a process exit status.
func exitCode(err error) int32 {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return int32(exitErr.ExitCode())
	}
	return -1
}

// Session is a process running without a terminal.
type Session struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	cancel context.CancelFunc
	exit   *exitState
	start  time.Time
}

// Start runs spec with piped stdio.
func (e *Executor) Start(ctx context.Context, spec Spec) (*Session, error) {
	if err := e.AcquireSession(); err != nil {
		return nil, err
	}

	sessionCtx, cancel := e.sessionContext(ctx)
	cmd := e.command(sessionCtx, spec)

	fail := func(err error) (*Session, error) {
		cancel()
		e.ReleaseSession()
		return nil, err
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fail(fmt.Errorf("failed to create stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail(fmt.Errorf("failed to create stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fail(fmt.Errorf("failed to create stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("failed to start command: %w", err))
	}

	s := &Session{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		cancel: cancel,
		exit:   newExitState(),
		start:  time.Now(),
	}
	go func() {
		defer e.ReleaseSession()
		err := cmd.Wait()
		s.exit.finish(exitCode(err), err)
	}()
	return s, nil
}

// Stdin returns the stdin writer for the session.
func (s *Session) Stdin() io.WriteCloser { return s.stdin }

// Stdout returns the stdout reader for the session.
func (s *Session) Stdout() io.ReadCloser { return s.stdout }

// Stderr returns the stderr reader for the session.
func (s *Session) Stderr() io.ReadCloser { return s.stderr }

// Done is closed when the process exits.
func (s *Session) Done() <-chan struct{} { return s.exit.done }

// Wait blocks until the process exits and returns its exit code.
// Stdout and stderr must be drained first.
func (s *Session) Wait() int32 {
	return s.exit.wait()
}

// Signal sends a signal to the session process.
func (s *Session) Signal(sig syscall.Signal) error {
	if s.cmd.Process == nil {
		return fmt.Errorf("no process")
	}
	return s.cmd.Process.Signal(sig)
}

// Close terminates the session.
func (s *Session) Close() {
	s.cancel()
	s.stdin.Close()

	select {
	case <-s.exit.done:
	case <-time.After(5 * time.Second):
	}
}

// Duration returns how long the session has been running.
func (s *Session) Duration() time.Duration {
	return time.Since(s.start)
}
