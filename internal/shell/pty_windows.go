//go:build windows

package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/x/conpty"
	"golang.org/x/sys/windows"
)

const commandFlag = "/C"

// DefaultShell returns %COMSPEC%, or cmd.exe.
func DefaultShell() string {
	if sh := os.Getenv("COMSPEC"); sh != "" {
		return sh
	}
	return "cmd.exe"
}

var errClosed = errors.New("pty closed")

// consolePTY is a process on a Windows pseudo console.
type consolePTY struct {
	cpty    *conpty.ConPty
	process windows.Handle
	cancel  context.CancelFunc
	exit    *exitState

	mu      sync.Mutex
	closed  bool
	console bool // cpty closed
	handle  bool // process handle closed
}

// StartPTY starts spec attached to a new pseudo console.
func (e *Executor) StartPTY(ctx context.Context, spec Spec) (PTY, error) {
	if err := e.AcquireSession(); err != nil {
		return nil, err
	}

	ctx, cancel := e.sessionContext(ctx)
	tty := spec.TTY.withDefaults()

	fail := func(err error) (PTY, error) {
		cancel()
		e.ReleaseSession()
		return nil, err
	}

	cpty, err := conpty.New(int(tty.Cols), int(tty.Rows), 0)
	if err != nil {
		return fail(fmt.Errorf("failed to create pseudo console: %w", err))
	}

	name := spec.Command
	if name == "" {
		name = e.config.Command
	}
	_, handle, err := cpty.Spawn(name, spec.Args, &syscall.ProcAttr{
		Env: append(append(os.Environ(), spec.Env...), "TERM="+tty.Term),
		Dir: spec.Dir,
	})
	if err != nil {
		cpty.Close()
		return fail(fmt.Errorf("failed to spawn process: %w", err))
	}

	p := &consolePTY{
		cpty:    cpty,
		process: windows.Handle(handle),
		cancel:  cancel,
		exit:    newExitState(),
	}

	go func() {
		defer e.ReleaseSession()
		windows.WaitForSingleObject(p.process, windows.INFINITE)
		code := int32(-1)
		var status uint32
		if err := windows.GetExitCodeProcess(p.process, &status); err == nil {
			code = int32(status)
		}
		p.exit.finish(code, nil)
	}()

	go func() {
		select {
		case <-ctx.Done():
			p.Close()
		case <-p.exit.done:
			// Closing the console unblocks pending reads.
			p.closeConsole()
		}
	}()

	return p, nil
}

func (p *consolePTY) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *consolePTY) Read(b []byte) (int, error) {
	if p.isClosed() {
		return 0, errClosed
	}
	return p.cpty.Read(b)
}

func (p *consolePTY) Write(b []byte) (int, error) {
	if p.isClosed() {
		return 0, errClosed
	}
	return p.cpty.Write(b)
}

func (p *consolePTY) Resize(rows, cols uint16) error {
	if p.isClosed() {
		return errClosed
	}
	return p.cpty.Resize(int(cols), int(rows))
}

// Signal delivers SIGINT as ETX on the console and terminates the process
// for SIGTERM and SIGKILL. Other signals are ignored.
func (p *consolePTY) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.handle {
		return errClosed
	}
	select {
	case <-p.exit.done:
		return errors.New("process exited")
	default:
	}

	switch sig {
	case syscall.SIGINT:
		_, err := p.cpty.Write([]byte{0x03})
		return err
	case syscall.SIGTERM, syscall.SIGKILL:
		return windows.TerminateProcess(p.process, 1)
	}
	return nil
}

func (p *consolePTY) Wait() int32 { return p.exit.wait() }

func (p *consolePTY) closeConsole() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.console {
		p.cpty.Close()
		p.console = true
	}
}

// Close terminates the process and releases the console and handle.
func (p *consolePTY) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.closeConsole()

	select {
	case <-p.exit.done:
	default:
		windows.TerminateProcess(p.process, 1)
		select {
		case <-p.exit.done:
		case <-time.After(5 * time.Second):
		}
	}

	p.mu.Lock()
	if !p.handle {
		windows.CloseHandle(p.process)
		p.handle = true
	}
	p.mu.Unlock()
}
