package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
	"nhooyr.io/websocket"
)

// Subprotocol is negotiated on shell bridge WebSockets.
const Subprotocol = "kestrel-shell"

// Client attaches the local terminal to an agent shell through the
// controller's WebSocket bridge.
type Client struct {
	url      string
	token    string
	targetID string
	label    string
	stdin    io.Reader
	stdout   io.Writer
	stderr   io.Writer

	conn      *websocket.Conn
	done      chan struct{}
	doneOnce  sync.Once
	exitCode  int32
	exitError error
	mu        sync.Mutex
}

// ClientConfig locates the controller web server and the target agent.
type ClientConfig struct {
	// BaseURL is the web server root, e.g. http://127.0.0.1:8080.
	BaseURL string
	// Token is the bearer token of the web server, if any.
	Token string
	// TargetID is the target agent ID.
	TargetID string
	// Label names the agent in the greeting, e.g. "root@10.0.0.5".
	Label string

	// Stdin, Stdout and Stderr default to the process streams.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// NewClient validates cfg. Nothing is dialed until Run.
func NewClient(cfg ClientConfig) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid web address: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path += "/ws/shell/" + url.PathEscape(cfg.TargetID)

	c := &Client{
		url:      u.String(),
		token:    cfg.Token,
		targetID: cfg.TargetID,
		label:    cfg.Label,
		stdin:    cfg.Stdin,
		stdout:   cfg.Stdout,
		stderr:   cfg.Stderr,
		done:     make(chan struct{}),
	}
	if c.stdin == nil {
		c.stdin = os.Stdin
	}
	if c.stdout == nil {
		c.stdout = os.Stdout
	}
	if c.stderr == nil {
		c.stderr = os.Stderr
	}
	return c, nil
}

// URL returns the bridge URL the client dials.
func (c *Client) URL() string { return c.url }

// Run executes the shell session and returns the remote exit code.
func (c *Client) Run(ctx context.Context) (int, error) {
	opts := &websocket.DialOptions{Subprotocols: []string{Subprotocol}}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + c.token}}
	}
	conn, _, err := websocket.Dial(ctx, c.url, opts)
	if err != nil {
		return 1, fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Terminal size is read before raw mode.
	stdinFd, interactive := terminalFd(c.stdin)
	var req Open
	if interactive {
		if width, height, err := term.GetSize(stdinFd); err == nil {
			req.TTY = &TTYSettings{
				Rows: uint16(height),
				Cols: uint16(width),
				Term: os.Getenv("TERM"),
			}
		}
	}

	openFrame, err := controlFrame(KindOpen, req)
	if err != nil {
		return 1, err
	}
	if err := conn.Write(ctx, websocket.MessageBinary, openFrame); err != nil {
		return 1, fmt.Errorf("failed to send open frame: %w", err)
	}

	// Ready is read before raw mode so errors display properly.
	if err := c.awaitReady(ctx); err != nil {
		return 1, err
	}

	if interactive {
		c.printGreeting()
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return 1, fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer func() {
			term.Restore(stdinFd, oldState)
			c.printClosing()
		}()
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	if interactive {
		sigCh := make(chan os.Signal, 1)
		NotifyResize(sigCh)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.handleResize(sessionCtx, stdinFd, sigCh)
		}()
	}

	// Not in wg: a blocked stdin read never observes ctx.
	go c.pumpStdin(sessionCtx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		c.pumpOutput(sessionCtx)
	}()

	select {
	case <-c.done:
	case <-sessionCtx.Done():
	}

	cancel()
	wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.exitCode), c.exitError
}

func terminalFd(r io.Reader) (int, bool) {
	f, ok := r.(*os.File)
	if !ok {
		return 0, false
	}
	fd := int(f.Fd())
	return fd, term.IsTerminal(fd)
}

// pumpStdin forwards local keystrokes as input frames.
func (c *Client) pumpStdin(ctx context.Context) {
	buf := make([]byte, 4096)
	for {
		n, err := c.stdin.Read(buf)
		if n > 0 {
			if werr := c.conn.Write(ctx, websocket.MessageBinary, dataFrame(KindInput, buf[:n])); werr != nil {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				c.setError(err)
			}
			return
		}
	}
}

// pumpOutput reads from WebSocket and writes to stdout.
func (c *Client) pumpOutput(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				c.setError(err)
			}
			c.finish()
			return
		}

		f, err := ParseFrame(data)
		if err != nil {
			c.setError(err)
			c.finish()
			return
		}

		switch f.Kind {
		case KindOutput:
			c.stdout.Write(f.Body)
		case KindExit:
			var exit Exit
			if err := f.Decode(&exit); err != nil {
				c.setError(err)
			}
			c.mu.Lock()
			c.exitCode = exit.Code
			c.mu.Unlock()
			c.finish()
			return
		case KindFailure:
			c.setError(decodeFailure(f))
			c.finish()
			return
		}
	}
}

// handleResize forwards SIGWINCH as resize messages.
func (c *Client) handleResize(ctx context.Context, fd int, sigCh <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			width, height, err := term.GetSize(fd)
			if err != nil {
				continue
			}
			frame, err := controlFrame(KindResize, Resize{Rows: uint16(height), Cols: uint16(width)})
			if err != nil {
				continue
			}
			if err := c.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
				return
			}
		}
	}
}

func (c *Client) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// setError records the first error of the session.
func (c *Client) setError(err error) {
	c.mu.Lock()
	if c.exitError == nil {
		c.exitError = err
	}
	c.mu.Unlock()
}

// SendSignal delivers a named signal (INT, TERM, ...) to the remote shell.
func (c *Client) SendSignal(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("empty signal name")
	}
	return c.conn.Write(ctx, websocket.MessageBinary, dataFrame(KindSignal, []byte(name)))
}

// awaitReady reads the answer to the Open frame.
func (c *Client) awaitReady(ctx context.Context) error {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read ready frame: %w", err)
	}
	f, err := ParseFrame(data)
	if err != nil {
		return err
	}
	switch f.Kind {
	case KindReady:
	case KindFailure:
		return decodeFailure(f)
	default:
		return fmt.Errorf("unexpected %s frame before ready", f.Kind)
	}

	var ready Ready
	if err := f.Decode(&ready); err != nil {
		return err
	}
	if !ready.OK {
		return fmt.Errorf("shell session failed: %s", ready.Error)
	}
	return nil
}

func decodeFailure(f Frame) error {
	var failure Failure
	if err := f.Decode(&failure); err != nil {
		return fmt.Errorf("remote error: %q", f.Body)
	}
	return failure
}

func (c *Client) name() string {
	if c.label != "" {
		return c.label
	}
	id := c.targetID
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

func (c *Client) printGreeting() {
	fmt.Fprintf(c.stderr, "Connected to %s\r\n", c.name())
}

func (c *Client) printClosing() {
	fmt.Fprintf(c.stderr, "Connection to %s closed.\n", c.name())
}
