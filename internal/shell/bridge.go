package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"nhooyr.io/websocket"
)

// openTimeout bounds the wait for the Open frame.
const openTimeout = 10 * time.Second

// Terminal is the remote end of a bridged shell.
type Terminal interface {
	io.ReadWriteCloser
	Resize(rows, cols int) error
	Signal(name string) error
	Wait() (int, error)
}

// OpenFunc starts the terminal for a bridge session. tty is nil when the
// client did not report a terminal size.
type OpenFunc func(ctx context.Context, tty *TTYSettings) (Terminal, error)

// Serve runs the controller side of the shell bridge on conn: it reads the
// Open frame, opens the terminal, answers Ready, and copies in both
// directions until the terminal exits or the socket closes.
func Serve(ctx context.Context, conn *websocket.Conn, open OpenFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	openCtx, openCancel := context.WithTimeout(ctx, openTimeout)
	_, data, err := conn.Read(openCtx)
	openCancel()
	if err != nil {
		return fmt.Errorf("read open frame: %w", err)
	}
	f, err := ParseFrame(data)
	if err == nil && f.Kind != KindOpen {
		err = fmt.Errorf("expected open frame, got %s", f.Kind)
	}
	var req Open
	if err == nil {
		err = f.Decode(&req)
	}
	if err != nil {
		fail(ctx, conn, err.Error())
		return err
	}

	term, err := open(ctx, req.TTY)
	if err != nil {
		ready, _ := controlFrame(KindReady, Ready{Error: err.Error()})
		conn.Write(ctx, websocket.MessageBinary, ready)
		return err
	}
	defer term.Close()

	ready, _ := controlFrame(KindReady, Ready{OK: true})
	if err := conn.Write(ctx, websocket.MessageBinary, ready); err != nil {
		return err
	}

	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		defer cancel()
		pumpOutput(ctx, conn, term)
	}()

	err = pumpInput(ctx, conn, term)
	term.Close()
	<-outputDone
	if errors.Is(err, context.Canceled) || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return err
}

// pumpOutput copies terminal output to conn, then reports the exit status.
func pumpOutput(ctx context.Context, conn *websocket.Conn, term Terminal) {
	buf := make([]byte, 32*1024)
	for {
		n, err := term.Read(buf)
		if n > 0 {
			if werr := conn.Write(ctx, websocket.MessageBinary, dataFrame(KindOutput, buf[:n])); werr != nil {
				return
			}
		}
		if err != nil {
			break
		}
	}
	code, err := term.Wait()
	if err != nil {
		fail(ctx, conn, err.Error())
		return
	}
	exit, _ := controlFrame(KindExit, Exit{Code: int32(code)})
	conn.Write(ctx, websocket.MessageBinary, exit)
	conn.Close(websocket.StatusNormalClosure, "exited")
}

// pumpInput applies client frames to term. Malformed frames are skipped.
func pumpInput(ctx context.Context, conn *websocket.Conn, term Terminal) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		f, err := ParseFrame(data)
		if err != nil {
			continue
		}
		switch f.Kind {
		case KindInput:
			if _, err := term.Write(f.Body); err != nil {
				return err
			}
		case KindResize:
			var rs Resize
			if f.Decode(&rs) == nil {
				term.Resize(int(rs.Rows), int(rs.Cols))
			}
		case KindSignal:
			if len(f.Body) > 0 {
				term.Signal(string(f.Body))
			}
		}
	}
}

func fail(ctx context.Context, conn *websocket.Conn, msg string) {
	data, err := controlFrame(KindFailure, Failure{Message: msg})
	if err != nil {
		return
	}
	conn.Write(ctx, websocket.MessageBinary, data)
}
