package handshake

import (
	"net"
	"sync"

	"github.com/flynn/noise"
)

// Conn is an encrypted net.Conn produced by a completed handshake.
// Each Write is split into Noise transport messages; Read returns
// decrypted plaintext. Reads and writes may run concurrently.
type Conn struct {
	net.Conn

	send       *noise.CipherState
	recv       *noise.CipherState
	peerStatic []byte

	rmu     sync.Mutex
	pending []byte

	wmu sync.Mutex
}

// PeerStatic returns the remote static public key, if the pattern carried one.
func (c *Conn) PeerStatic() []byte {
	return c.peerStatic
}

// Read reads decrypted bytes.
func (c *Conn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for len(c.pending) == 0 {
		msg, err := readFrame(c.Conn)
		if err != nil {
			return 0, err
		}
		plain, err := c.recv.Decrypt(nil, nil, msg)
		if err != nil {
			return 0, err
		}
		c.pending = plain
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write encrypts p and sends it in one or more messages.
func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPlaintext {
			chunk = chunk[:maxPlaintext]
		}
		msg, err := c.send.Encrypt(nil, nil, chunk)
		if err != nil {
			return written, err
		}
		if err := writeFrame(c.Conn, msg); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}
