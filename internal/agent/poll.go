package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/postalsys/kestrel/internal/crypto"
	"github.com/postalsys/kestrel/internal/logging"
	"github.com/postalsys/kestrel/internal/protocol"
)

const (
	// maxPollResponse caps a sealed poll response body.
	maxPollResponse = 16 << 20

	// maxTaskOutput caps the output returned for one task.
	maxTaskOutput = 1 << 20

	// taskTimeout bounds a single task command.
	taskTimeout = 5 * time.Minute
)

// Poller checks in with the controller's poll endpoint.
type Poller struct {
	url    string
	box    *crypto.Box
	client *http.Client
}

// NewPoller creates a poller for pollURL sealing traffic with key. The
// controller's certificate is not verified; the sealed body is the
// authentication.
func NewPoller(pollURL, key, proxy string, timeout time.Duration) (*Poller, error) {
	box, err := crypto.NewBox(key)
	if err != nil {
		return nil, err
	}
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		Proxy:           http.ProxyFromEnvironment,
	}
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy: %w", err)
		}
		tr.Proxy = http.ProxyURL(u)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Poller{
		url:    pollURL,
		box:    box,
		client: &http.Client{Transport: tr, Timeout: timeout},
	}, nil
}

// Poll sends one check-in and returns the controller's answer.
func (p *Poller) Poll(ctx context.Context, req protocol.PollRequest) (protocol.PollResponse, error) {
	var resp protocol.PollResponse

	plain, err := protocol.Marshal(req)
	if err != nil {
		return resp, err
	}
	sealed, err := p.box.Seal(plain)
	if err != nil {
		return resp, err
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(sealed))
	if err != nil {
		return resp, err
	}
	hreq.Header.Set("Content-Type", "application/octet-stream")

	hresp, err := p.client.Do(hreq)
	if err != nil {
		return resp, err
	}
	defer hresp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(hresp.Body, maxPollResponse))
	if err != nil {
		return resp, err
	}
	if hresp.StatusCode != http.StatusOK {
		return resp, fmt.Errorf("poll: unexpected status %s", hresp.Status)
	}

	opened, err := p.box.Open(body)
	if err != nil {
		return resp, fmt.Errorf("poll: %w", err)
	}
	if err := protocol.Unmarshal(opened, &resp); err != nil {
		return resp, fmt.Errorf("poll: decode response: %w", err)
	}
	return resp, nil
}

func (a *Agent) runPolling(ctx context.Context) error {
	poller, err := NewPoller(a.cfg.Poll.URL, a.cfg.Poll.Key, a.cfg.Proxy, a.cfg.Timeouts.Dial)
	if err != nil {
		return err
	}

	a.logger.Info("starting polling agent",
		logging.KeyAddress, a.cfg.Poll.URL,
		"interval", a.cfg.Poll.Interval)

	interval := NewBackoff(a.cfg.Reconnect)
	registered := false
	var pending []protocol.Event
	failures := 0

	for {
		req := protocol.PollRequest{AgentID: a.id, Results: pending}
		if !registered {
			info := a.info
			req.Init = &info
		}

		resp, err := poller.Poll(ctx, req)
		wait := a.cfg.Poll.Interval
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Warn("poll failed", logging.KeyError, err, "attempt", failures+1)
			wait = interval.Delay(failures)
			failures++
		case resp.Reregister:
			failures = 0
			pending = nil
			registered = false
			a.logger.Info("controller asked to re-register")
			continue
		default:
			failures = 0
			pending = nil
			registered = true
			if resp.Event != nil {
				result, rereg := a.handleEvent(ctx, *resp.Event)
				if rereg {
					registered = false
				}
				if result != nil {
					pending = append(pending, *result)
				}
				// Results go back right away instead of after a full interval.
				wait = 0
			}
		}

		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		} else if ctx.Err() != nil {
			return nil
		}
	}
}

// handleEvent runs one queued event. Tasks are shell command lines; the
// result carries their combined output.
func (a *Agent) handleEvent(ctx context.Context, ev protocol.Event) (*protocol.Event, bool) {
	switch ev.Type {
	case protocol.EventConfig:
		return nil, true
	case protocol.EventTask:
		out := a.runTask(ctx, string(ev.Payload))
		result := protocol.NewEvent(ev.ID, protocol.EventResult, a.id, out)
		return &result, false
	default:
		a.logger.Debug("ignoring event", "type", ev.Type)
		return nil, false
	}
}

func (a *Agent) runTask(ctx context.Context, line string) []byte {
	ctx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()

	proc, err := a.executor.Start(ctx, a.executor.CommandSpec(line))
	if err != nil {
		return []byte(err.Error())
	}
	proc.Stdin().Close()

	var out bytes.Buffer
	w := &limitedBuffer{buf: &out, n: maxTaskOutput}
	done := make(chan struct{})
	go func() {
		io.Copy(w, proc.Stderr())
		close(done)
	}()
	io.Copy(w, proc.Stdout())
	<-done

	if code := proc.Wait(); code != 0 {
		fmt.Fprintf(w, "\nexit status %d\n", code)
	}
	return out.Bytes()
}

// limitedBuffer keeps the first n bytes written and discards the rest.
type limitedBuffer struct {
	buf *bytes.Buffer
	n   int
	mu  sync.Mutex
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if room := l.n - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}
