package relay

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/crypto/ssh"
)

// Desktop opens the vnc or rdp subsystem on agent id. The returned stream
// carries the desktop protocol unmodified.
func (c *Client) Desktop(ctx context.Context, id, kind string) (net.Conn, error) {
	if kind != SubsystemVNC && kind != SubsystemRDP {
		return nil, &ChannelError{AgentID: id, Kind: KindDesktop, Err: fmt.Errorf("unknown desktop kind %q", kind)}
	}
	client, err := c.connect(ctx, id, KindDesktop, Credentials{})
	if err != nil {
		return nil, err
	}
	ch, err := openSubsystem(client, kind)
	if err != nil {
		client.Close()
		c.metrics.RecordChannelError(KindDesktop)
		return nil, &ChannelError{AgentID: id, Kind: KindDesktop, Err: err}
	}
	return newChannelConn(ch, client, KindDesktop, c.metrics), nil
}

// Forward opens a forwarding channel through agent id. With a remote
// "host:port" the agent dials it directly; with an empty remote the
// channel speaks SOCKS5 and the client picks the target. origin is the
// address of the local peer being forwarded and may be empty. Zero-value
// creds use the client defaults.
func (c *Client) Forward(ctx context.Context, id string, creds Credentials, remote, origin string) (net.Conn, error) {
	kind := KindForward
	if remote == "" {
		kind = KindSOCKS
	}

	var payload []byte
	if remote != "" {
		msg, err := directTCPIP(remote, origin)
		if err != nil {
			return nil, &ChannelError{AgentID: id, Kind: kind, Err: err}
		}
		payload = ssh.Marshal(msg)
	}

	client, err := c.connect(ctx, id, kind, creds)
	if err != nil {
		return nil, err
	}

	var ch ssh.Channel
	if remote == "" {
		ch, err = openSubsystem(client, SubsystemSOCKS5)
	} else {
		var reqs <-chan *ssh.Request
		ch, reqs, err = client.OpenChannel(ChannelDirectTCPIP, payload)
		if err == nil {
			go ssh.DiscardRequests(reqs)
		}
	}
	if err != nil {
		client.Close()
		c.metrics.RecordChannelError(kind)
		return nil, &ChannelError{AgentID: id, Kind: kind, Err: err}
	}
	return newChannelConn(ch, client, kind, c.metrics), nil
}

func directTCPIP(remote, origin string) (*DirectTCPIP, error) {
	host, port, err := splitHostPort(remote)
	if err != nil {
		return nil, fmt.Errorf("remote %q: %w", remote, err)
	}
	msg := &DirectTCPIP{Host: host, Port: port, OriginHost: "127.0.0.1"}
	if origin != "" {
		if oh, op, err := splitHostPort(origin); err == nil {
			msg.OriginHost, msg.OriginPort = oh, op
		}
	}
	return msg, nil
}

func splitHostPort(addr string) (string, uint32, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", p)
	}
	return host, uint32(port), nil
}
