package shell

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind identifies a bridge frame. Every binary WebSocket message of the
// shell bridge is one frame: a kind byte followed by its body.
type Kind uint8

const (
	KindOpen    Kind = iota + 1 // msgpack Open, first client frame
	KindReady                   // msgpack Ready, answer to Open
	KindInput                   // raw terminal input
	KindOutput                  // raw terminal output
	KindResize                  // msgpack Resize
	KindSignal                  // signal name, e.g. "INT"
	KindExit                    // msgpack Exit
	KindFailure                 // msgpack Failure
)

var kindNames = map[Kind]string{
	KindOpen:    "open",
	KindReady:   "ready",
	KindInput:   "input",
	KindOutput:  "output",
	KindResize:  "resize",
	KindSignal:  "signal",
	KindExit:    "exit",
	KindFailure: "failure",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ErrEmptyFrame is returned for a zero-length WebSocket message.
var ErrEmptyFrame = errors.New("empty bridge frame")

// Frame is one bridge message.
type Frame struct {
	Kind Kind
	Body []byte
}

// ParseFrame splits a WebSocket message into kind and body. The body aliases
// b.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	return Frame{Kind: Kind(b[0]), Body: b[1:]}, nil
}

// Decode unmarshals a control body into v.
func (f Frame) Decode(v any) error {
	if err := msgpack.Unmarshal(f.Body, v); err != nil {
		return fmt.Errorf("decode %s frame: %w", f.Kind, err)
	}
	return nil
}

func dataFrame(k Kind, p []byte) []byte {
	b := make([]byte, 1+len(p))
	b[0] = byte(k)
	copy(b[1:], p)
	return b
}

func controlFrame(k Kind, v any) ([]byte, error) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", k, err)
	}
	return dataFrame(k, body), nil
}

// Open starts a bridged shell. TTY is nil for a non-interactive client.
type Open struct {
	TTY *TTYSettings `msgpack:"tty,omitempty"`
}

// TTYSettings describes the client terminal.
type TTYSettings struct {
	Rows uint16 `msgpack:"rows"`
	Cols uint16 `msgpack:"cols"`
	Term string `msgpack:"term,omitempty"`
}

// Ready reports whether the agent side of the shell opened.
type Ready struct {
	OK    bool   `msgpack:"ok"`
	Error string `msgpack:"error,omitempty"`
}

// Resize carries a new terminal size.
type Resize struct {
	Rows uint16 `msgpack:"rows"`
	Cols uint16 `msgpack:"cols"`
}

// Exit carries the remote exit status.
type Exit struct {
	Code int32 `msgpack:"code"`
}

// Failure ends a session that broke after Ready.
type Failure struct {
	Message string `msgpack:"message"`
}

func (f Failure) Error() string { return "remote error: " + f.Message }
