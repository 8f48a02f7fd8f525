package shell

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// fakeTerminal upper-cases its input and exits with code 3 on "exit".
type fakeTerminal struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu      sync.Mutex
	resized [][2]int
	signals []string
	closed  chan struct{}
	once    sync.Once
}

func newFakeTerminal() *fakeTerminal {
	pr, pw := io.Pipe()
	return &fakeTerminal{pr: pr, pw: pw, closed: make(chan struct{})}
}

func (f *fakeTerminal) Read(p []byte) (int, error) { return f.pr.Read(p) }

func (f *fakeTerminal) Write(p []byte) (int, error) {
	if strings.TrimSpace(string(p)) == "exit" {
		f.pw.Close()
		return len(p), nil
	}
	return f.pw.Write(bytes.ToUpper(p))
}

func (f *fakeTerminal) Resize(rows, cols int) error {
	f.mu.Lock()
	f.resized = append(f.resized, [2]int{rows, cols})
	f.mu.Unlock()
	return nil
}

func (f *fakeTerminal) Signal(name string) error {
	f.mu.Lock()
	f.signals = append(f.signals, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeTerminal) Wait() (int, error) { return 3, nil }

func (f *fakeTerminal) Close() error {
	f.once.Do(func() {
		close(f.closed)
		f.pw.CloseWithError(io.ErrClosedPipe)
	})
	return nil
}

func bridgeServer(t *testing.T, open OpenFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/shell/AAAA-1111" {
			http.NotFound(w, r)
			return
		}
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{Subprotocol}})
		if err != nil {
			return
		}
		defer c.CloseNow()
		Serve(r.Context(), c, open)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBridgeRoundTrip(t *testing.T) {
	term := newFakeTerminal()
	var gotTTY *TTYSettings
	srv := bridgeServer(t, func(ctx context.Context, tty *TTYSettings) (Terminal, error) {
		gotTTY = tty
		return term, nil
	})

	stdinR, stdinW := io.Pipe()
	var stdout, stderr bytes.Buffer
	c, err := NewClient(ClientConfig{
		BaseURL:  srv.URL,
		TargetID: "AAAA-1111",
		Stdin:    stdinR,
		Stdout:   &stdout,
		Stderr:   &stderr,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if !strings.HasPrefix(c.URL(), "ws://") {
		t.Errorf("URL() = %q, want ws scheme", c.URL())
	}

	go func() {
		stdinW.Write([]byte("whoami\n"))
		time.Sleep(50 * time.Millisecond)
		stdinW.Write([]byte("exit\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	code, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if code != 3 {
		t.Errorf("Run() code = %d, want 3", code)
	}
	if got := stdout.String(); got != "WHOAMI\n" {
		t.Errorf("stdout = %q, want %q", got, "WHOAMI\n")
	}
	if gotTTY != nil {
		t.Errorf("tty = %+v, want nil for a non-terminal stdin", gotTTY)
	}
}

func TestBridgeOpenError(t *testing.T) {
	srv := bridgeServer(t, func(ctx context.Context, tty *TTYSettings) (Terminal, error) {
		return nil, errors.New("agent AAAA-1111 is not live")
	})

	c, _ := NewClient(ClientConfig{
		BaseURL:  srv.URL,
		TargetID: "AAAA-1111",
		Stdin:    strings.NewReader(""),
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Run(ctx)
	if err == nil || !strings.Contains(err.Error(), "not live") {
		t.Errorf("Run() error = %v, want the open failure", err)
	}
}

// mustFrame encodes a control frame or fails the test.
func mustFrame(t *testing.T, k Kind, v any) []byte {
	t.Helper()
	b, err := controlFrame(k, v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestBridgeControlMessages(t *testing.T) {
	term := newFakeTerminal()
	var gotTTY *TTYSettings
	srv := bridgeServer(t, func(ctx context.Context, tty *TTYSettings) (Terminal, error) {
		gotTTY = tty
		return term, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/shell/AAAA-1111"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	conn.Write(ctx, websocket.MessageBinary, mustFrame(t, KindOpen, Open{TTY: &TTYSettings{Rows: 24, Cols: 80, Term: "vt100"}}))
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() ready error = %v", err)
	}
	if f, _ := ParseFrame(data); f.Kind != KindReady {
		t.Fatalf("first frame = %s, want ready", f.Kind)
	}

	conn.Write(ctx, websocket.MessageBinary, mustFrame(t, KindResize, Resize{Rows: 40, Cols: 120}))
	conn.Write(ctx, websocket.MessageBinary, dataFrame(KindSignal, []byte("INT")))
	conn.Write(ctx, websocket.MessageBinary, dataFrame(KindInput, []byte("exit")))

	var sawExit bool
	for !sawExit {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v before exit", err)
		}
		f, _ := ParseFrame(data)
		if f.Kind != KindExit {
			continue
		}
		var exit Exit
		if err := f.Decode(&exit); err != nil {
			t.Fatal(err)
		}
		if exit.Code != 3 {
			t.Errorf("exit code = %d, want 3", exit.Code)
		}
		sawExit = true
	}

	if gotTTY == nil || gotTTY.Rows != 24 || gotTTY.Cols != 80 || gotTTY.Term != "vt100" {
		t.Errorf("tty = %+v, want 24x80 vt100", gotTTY)
	}

	term.mu.Lock()
	defer term.mu.Unlock()
	if len(term.resized) != 1 || term.resized[0] != [2]int{40, 120} {
		t.Errorf("resized = %v, want [[40 120]]", term.resized)
	}
	if len(term.signals) != 1 || term.signals[0] != "INT" {
		t.Errorf("signals = %v, want [INT]", term.signals)
	}
}

func TestBridgeRejectsMissingOpen(t *testing.T) {
	srv := bridgeServer(t, func(ctx context.Context, tty *TTYSettings) (Terminal, error) {
		t.Error("open called without an open frame")
		return nil, errors.New("unreachable")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/shell/AAAA-1111"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	conn.Write(ctx, websocket.MessageBinary, dataFrame(KindInput, []byte("ls\n")))
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	f, _ := ParseFrame(data)
	if f.Kind != KindFailure {
		t.Fatalf("reply = %s, want failure", f.Kind)
	}
	var failure Failure
	if err := f.Decode(&failure); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(failure.Message, "open frame") {
		t.Errorf("failure = %q, want open frame complaint", failure.Message)
	}
}

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name     string
		in       []byte
		wantKind Kind
		wantBody string
		wantErr  bool
	}{
		{"empty", nil, 0, "", true},
		{"kind only", []byte{byte(KindSignal)}, KindSignal, "", false},
		{"output", append([]byte{byte(KindOutput)}, "uid=0"...), KindOutput, "uid=0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFrame(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFrame() error = %v, wantErr %v", err, tt.wantErr)
			}
			if f.Kind != tt.wantKind || string(f.Body) != tt.wantBody {
				t.Errorf("ParseFrame() = %s %q, want %s %q", f.Kind, f.Body, tt.wantKind, tt.wantBody)
			}
		})
	}

	if err := (Frame{Kind: KindExit, Body: []byte{0xc1}}).Decode(&Exit{}); err == nil {
		t.Error("Decode() of a reserved msgpack byte should fail")
	}
	if got := Kind(0xff).String(); got != "kind(255)" {
		t.Errorf("Kind(0xff).String() = %q, want kind(255)", got)
	}
}
