package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/postalsys/kestrel/internal/listener"
	"github.com/postalsys/kestrel/internal/protocol"
	"github.com/postalsys/kestrel/internal/proxy"
	"github.com/postalsys/kestrel/internal/registry"
)

// Error is a request the server refused.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("control: %s (status %d)", e.Message, e.Status)
}

// Client is a control socket client.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
	}
}

// Status retrieves the controller status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Agents retrieves the registry snapshot.
func (c *Client) Agents(ctx context.Context) ([]registry.Agent, error) {
	var resp AgentsResponse
	if err := c.do(ctx, http.MethodGet, "/agents", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// Listeners retrieves the listener table.
func (c *Client) Listeners(ctx context.Context) ([]listener.Info, error) {
	var resp ListenersResponse
	if err := c.do(ctx, http.MethodGet, "/listeners", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Listeners, nil
}

// Proxies retrieves the proxy table.
func (c *Client) Proxies(ctx context.Context) ([]proxy.Record, error) {
	var resp ProxiesResponse
	if err := c.do(ctx, http.MethodGet, "/proxies", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Proxies, nil
}

// AddProxy starts a proxy and returns the bound record.
func (c *Client) AddProxy(ctx context.Context, req ProxyRequest) (proxy.Record, error) {
	var rec proxy.Record
	err := c.do(ctx, http.MethodPost, "/proxies", req, &rec)
	return rec, err
}

// StopProxy stops the proxy bound to port.
func (c *Client) StopProxy(ctx context.Context, port int) error {
	return c.do(ctx, http.MethodPost, "/proxies/stop", PortRequest{Port: port}, nil)
}

// StopListener stops a listener by id.
func (c *Client) StopListener(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/listeners/stop", ListenerRequest{ID: id}, nil)
}

// RemoveAgent deletes an agent record.
func (c *Client) RemoveAgent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/agents/remove", AgentRequest{ID: id}, nil)
}

// NoteAgent sets an agent's note.
func (c *Client) NoteAgent(ctx context.Context, id, note string) error {
	return c.do(ctx, http.MethodPost, "/agents/note", AgentRequest{ID: id, Note: note}, nil)
}

// QueueEvent queues an event for a polling agent.
func (c *Client) QueueEvent(ctx context.Context, id, typ, payload string) (protocol.Event, error) {
	var ev protocol.Event
	err := c.do(ctx, http.MethodPost, "/agents/events", EventRequest{ID: id, Type: typ, Payload: payload}, &ev)
	return ev, err
}

// do performs a request against the control socket. A nil out discards the
// response body.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	// Use a dummy host since we're connecting via Unix socket
	url := "http://localhost" + path

	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, &body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &Error{Status: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
