//go:build !windows

package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

const commandFlag = "-c"

// DefaultShell returns $SHELL, or /bin/sh.
func DefaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// unixPTY is a process on a creack/pty pseudo-terminal.
type unixPTY struct {
	ptmx   *os.File
	cmd    *exec.Cmd
	cancel context.CancelFunc
	exit   *exitState
	once   sync.Once
}

// StartPTY starts spec attached to a new pseudo-terminal sized from
// spec.TTY. TERM is set from the requested terminal type.
func (e *Executor) StartPTY(ctx context.Context, spec Spec) (PTY, error) {
	if err := e.AcquireSession(); err != nil {
		return nil, err
	}

	ctx, cancel := e.sessionContext(ctx)
	tty := spec.TTY.withDefaults()
	spec.Env = append(spec.Env, "TERM="+tty.Term)
	cmd := e.command(ctx, spec)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: tty.Rows, Cols: tty.Cols})
	if err != nil {
		cancel()
		e.ReleaseSession()
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}

	p := &unixPTY{ptmx: ptmx, cmd: cmd, cancel: cancel, exit: newExitState()}
	go func() {
		defer e.ReleaseSession()
		err := cmd.Wait()
		p.exit.finish(exitCode(err), err)
	}()
	return p, nil
}

func (p *unixPTY) Read(b []byte) (int, error)  { return p.ptmx.Read(b) }
func (p *unixPTY) Write(b []byte) (int, error) { return p.ptmx.Write(b) }

func (p *unixPTY) Resize(rows, cols uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Size reports the current terminal size.
func (p *unixPTY) Size() (rows, cols uint16, err error) {
	ws, err := pty.GetsizeFull(p.ptmx)
	if err != nil {
		return 0, 0, err
	}
	return ws.Rows, ws.Cols, nil
}

func (p *unixPTY) Signal(sig syscall.Signal) error {
	select {
	case <-p.exit.done:
		return errors.New("process exited")
	default:
	}
	return p.cmd.Process.Signal(sig)
}

func (p *unixPTY) Wait() int32 { return p.exit.wait() }

// Close kills the process and releases the terminal. It is idempotent.
func (p *unixPTY) Close() {
	p.once.Do(func() {
		p.cancel()
		p.ptmx.Close()
		p.cmd.Process.Kill()
	})
}
