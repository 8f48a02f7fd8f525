// Package relay opens typed sub-channels on a live agent. Every channel
// runs its own SSH client session over a fresh mux channel, so the agent
// authenticates the caller a second time with a username and password
// before it will run a shell, serve files or forward traffic.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"

	"github.com/postalsys/kestrel/internal/logging"
	"github.com/postalsys/kestrel/internal/metrics"
)

// Subsystem and channel names understood by the agent.
const (
	SubsystemSFTP   = "sftp"
	SubsystemSOCKS5 = "socks5"
	SubsystemVNC    = "vnc"
	SubsystemRDP    = "rdp"

	ChannelSession     = "session"
	ChannelDirectTCPIP = "direct-tcpip"
)

// Channel kinds used for metrics and errors.
const (
	KindShell   = "shell"
	KindFiles   = "sftp"
	KindDesktop = "desktop"
	KindForward = "forward"
	KindSOCKS   = "socks5"
)

// DefaultTimeout bounds opening a channel and authenticating on it.
const DefaultTimeout = 15 * time.Second

// DefaultUser is the SSH user when none is configured.
const DefaultUser = "kestrel"

// DirectTCPIP is the RFC 4254 section 7.2 channel payload.
type DirectTCPIP struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

// Credentials authenticate the secondary session.
type Credentials struct {
	Username string `yaml:"username" json:"username,omitempty"`
	Password string `yaml:"password" json:"password,omitempty"`
}

// IsZero reports whether no credentials are set.
func (c Credentials) IsZero() bool {
	return c.Username == "" && c.Password == ""
}

// Or returns c, filling empty fields from def.
func (c Credentials) Or(def Credentials) Credentials {
	if c.Username == "" {
		c.Username = def.Username
	}
	if c.Password == "" {
		c.Password = def.Password
	}
	return c
}

// Opener opens raw channels to live agents. *registry.Registry implements it.
type Opener interface {
	Open(ctx context.Context, id string) (net.Conn, error)
}

// ChannelError is returned when a secondary session or sub-channel cannot
// be opened. Only the caller sees it; the agent's session is unaffected.
type ChannelError struct {
	AgentID string
	Kind    string
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("relay: open %s channel to %s: %v", e.Kind, e.AgentID, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// Options configures a Client.
type Options struct {
	Opener      Opener
	Credentials Credentials

	// Timeout bounds channel open plus SSH authentication.
	Timeout time.Duration

	// RateLimit caps relayed bytes per second in each direction; zero
	// disables limiting.
	RateLimit int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Client opens relay channels.
type Client struct {
	opener  Opener
	creds   Credentials
	timeout time.Duration
	limit   int
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a relay client.
func New(opts Options) *Client {
	c := &Client{
		opener:  opts.Opener,
		creds:   opts.Credentials,
		timeout: opts.Timeout,
		limit:   opts.RateLimit,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.creds.Username == "" {
		c.creds.Username = DefaultUser
	}
	if c.logger == nil {
		c.logger = logging.NopLogger()
	}
	return c
}

// Credentials returns the default credentials.
func (c *Client) Credentials() Credentials { return c.creds }

// Limiter returns a new limiter for one relay, or nil when unlimited.
func (c *Client) Limiter() *rate.Limiter {
	return NewLimiter(c.limit)
}

// Metrics returns the metrics sink, which may be nil.
func (c *Client) Metrics() *metrics.Metrics { return c.metrics }

// connect opens a mux channel to id and authenticates an SSH client on it.
func (c *Client) connect(ctx context.Context, id, kind string, creds Credentials) (*ssh.Client, error) {
	creds = creds.Or(c.creds)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.opener.Open(ctx, id)
	if err != nil {
		c.metrics.RecordChannelError(kind)
		return nil, &ChannelError{AgentID: id, Kind: kind, Err: err}
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})

	cfg := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(creds.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.timeout,
	}
	sconn, chans, reqs, err := ssh.NewClientConn(conn, id, cfg)
	if !stop() && err == nil {
		err = ctx.Err()
		sconn.Close()
	}
	if err != nil {
		conn.Close()
		c.metrics.RecordChannelError(kind)
		return nil, &ChannelError{AgentID: id, Kind: kind, Err: err}
	}
	conn.SetDeadline(time.Time{})

	return ssh.NewClient(sconn, chans, reqs), nil
}

// openSubsystem starts a session channel running the named subsystem.
func openSubsystem(client *ssh.Client, name string) (ssh.Channel, error) {
	ch, reqs, err := client.OpenChannel(ChannelSession, nil)
	if err != nil {
		return nil, err
	}
	go ssh.DiscardRequests(reqs)

	ok, err := ch.SendRequest("subsystem", true, ssh.Marshal(struct{ Name string }{name}))
	if err == nil && !ok {
		err = fmt.Errorf("subsystem %q refused", name)
	}
	if err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// errDeadline is returned by channelConn deadline setters.
var errDeadline = errors.New("relay: deadlines not supported on ssh channels")
