package relay

import (
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/postalsys/kestrel/internal/metrics"
)

// channelConn exposes an SSH channel as a net.Conn. Closing it also
// closes the SSH client that owns the channel.
type channelConn struct {
	ssh.Channel

	client  *ssh.Client
	local   net.Addr
	remote  net.Addr
	kind    string
	metrics *metrics.Metrics

	once sync.Once
}

func newChannelConn(ch ssh.Channel, client *ssh.Client, kind string, m *metrics.Metrics) *channelConn {
	m.RecordChannelOpen(kind)
	return &channelConn{
		Channel: ch,
		client:  client,
		local:   client.LocalAddr(),
		remote:  client.RemoteAddr(),
		kind:    kind,
		metrics: m,
	}
}

func (c *channelConn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.Channel.Close()
		c.client.Close()
		c.metrics.RecordChannelClose(c.kind)
	})
	return err
}

func (c *channelConn) LocalAddr() net.Addr  { return c.local }
func (c *channelConn) RemoteAddr() net.Addr { return c.remote }

func (c *channelConn) SetDeadline(time.Time) error      { return errDeadline }
func (c *channelConn) SetReadDeadline(time.Time) error  { return errDeadline }
func (c *channelConn) SetWriteDeadline(time.Time) error { return errDeadline }
