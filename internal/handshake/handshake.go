// Package handshake authenticates and encrypts raw transport connections
// with the Noise protocol framework. Both ends derive their static key from
// a pre-shared secret (see DeriveKeypair) and expect the peer to hold the
// same key.
package handshake

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/flynn/noise"
)

const (
	// DefaultProtocol is the Noise protocol used when none is configured.
	DefaultProtocol = "Noise_KK_25519_ChaChaPoly_BLAKE2s"

	// DefaultTimeout bounds a complete handshake.
	DefaultTimeout = 5 * time.Second

	// MaxMessageSize is the largest Noise message, including the AEAD tag.
	MaxMessageSize = 65535

	tagSize      = 16
	maxPlaintext = MaxMessageSize - tagSize
)

var patterns = map[string]noise.HandshakePattern{
	"NN": noise.HandshakeNN,
	"NK": noise.HandshakeNK,
	"NX": noise.HandshakeNX,
	"XN": noise.HandshakeXN,
	"XK": noise.HandshakeXK,
	"XX": noise.HandshakeXX,
	"KN": noise.HandshakeKN,
	"KK": noise.HandshakeKK,
	"KX": noise.HandshakeKX,
	"IN": noise.HandshakeIN,
	"IK": noise.HandshakeIK,
	"IX": noise.HandshakeIX,
}

var ciphers = map[string]noise.CipherFunc{
	"ChaChaPoly": noise.CipherChaChaPoly,
	"AESGCM":     noise.CipherAESGCM,
}

var hashes = map[string]noise.HashFunc{
	"BLAKE2s": noise.HashBLAKE2s,
	"BLAKE2b": noise.HashBLAKE2b,
	"SHA256":  noise.HashSHA256,
	"SHA512":  noise.HashSHA512,
}

// Config holds the keys and parameters for one secret/protocol pair.
// It is safe to share between goroutines once built.
type Config struct {
	// Timeout bounds Initiator and Responder. Zero means DefaultTimeout.
	Timeout time.Duration

	protocol string
	suite    noise.CipherSuite
	pattern  noise.HandshakePattern
	static   noise.DHKey
	peer     []byte
}

// NewConfig derives the static keypair from secret and parses protocol,
// a Noise protocol name such as "Noise_KK_25519_ChaChaPoly_BLAKE2s".
// An empty protocol selects DefaultProtocol.
func NewConfig(secret []byte, protocol string) (*Config, error) {
	if protocol == "" {
		protocol = DefaultProtocol
	}
	pattern, suite, err := ParseProtocol(protocol)
	if err != nil {
		return nil, err
	}
	static, err := DeriveKeypair(secret)
	if err != nil {
		return nil, fmt.Errorf("derive keypair: %w", err)
	}
	return &Config{
		protocol: protocol,
		suite:    suite,
		pattern:  pattern,
		static:   static,
		peer:     static.Public,
	}, nil
}

// ParseProtocol splits a Noise protocol name into its pattern and cipher
// suite. Only interactive patterns over Curve25519 are supported.
func ParseProtocol(name string) (noise.HandshakePattern, noise.CipherSuite, error) {
	parts := strings.Split(name, "_")
	if len(parts) != 5 || parts[0] != "Noise" {
		return noise.HandshakePattern{}, nil, fmt.Errorf("invalid noise protocol %q", name)
	}
	pattern, ok := patterns[parts[1]]
	if !ok {
		return noise.HandshakePattern{}, nil, fmt.Errorf("unsupported noise pattern %q", parts[1])
	}
	if parts[2] != "25519" {
		return noise.HandshakePattern{}, nil, fmt.Errorf("unsupported noise DH %q", parts[2])
	}
	cipher, ok := ciphers[parts[3]]
	if !ok {
		return noise.HandshakePattern{}, nil, fmt.Errorf("unsupported noise cipher %q", parts[3])
	}
	hash, ok := hashes[parts[4]]
	if !ok {
		return noise.HandshakePattern{}, nil, fmt.Errorf("unsupported noise hash %q", parts[4])
	}
	return pattern, noise.NewCipherSuite(noise.DH25519, cipher, hash), nil
}

// Protocol returns the Noise protocol name.
func (c *Config) Protocol() string { return c.protocol }

// PublicKey returns the derived static public key.
func (c *Config) PublicKey() []byte {
	return append([]byte(nil), c.static.Public...)
}

// SetPeerPublicKey overrides the expected remote static key, which
// otherwise equals our own.
func (c *Config) SetPeerPublicKey(pub []byte) *Config {
	c.peer = append([]byte(nil), pub...)
	return c
}

// Responder runs the listening side of the handshake over conn.
func (c *Config) Responder(ctx context.Context, conn net.Conn) (*Conn, error) {
	return c.run(ctx, conn, false)
}

// Initiator runs the dialing side of the handshake over conn.
func (c *Config) Initiator(ctx context.Context, conn net.Conn) (*Conn, error) {
	return c.run(ctx, conn, true)
}

// Error reports a failed handshake.
type Error struct {
	Role string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("noise %s handshake: %v", e.Role, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout reports whether the handshake ran out of time.
func (e *Error) Timeout() bool {
	return errors.Is(e.Err, os.ErrDeadlineExceeded)
}

func (c *Config) run(ctx context.Context, conn net.Conn, initiator bool) (*Conn, error) {
	role := "responder"
	if initiator {
		role = "initiator"
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	conn.SetDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})

	hc, err := c.exchange(conn, initiator)
	if !stop() && err == nil {
		// ctx fired while we finished; the deadline may already be poisoned.
		err = ctx.Err()
	}
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &Error{Role: role, Err: err}
	}

	conn.SetDeadline(time.Time{})
	return hc, nil
}

// needsPeerStatic reports whether the pattern pre-shares the remote static key.
func needsPeerStatic(pre []noise.MessagePattern) bool {
	for _, p := range pre {
		if p == noise.MessagePatternS {
			return true
		}
	}
	return false
}

func (c *Config) exchange(conn net.Conn, initiator bool) (*Conn, error) {
	cfg := noise.Config{
		CipherSuite:   c.suite,
		Random:        rand.Reader,
		Pattern:       c.pattern,
		Initiator:     initiator,
		StaticKeypair: c.static,
	}
	peerPre := c.pattern.InitiatorPreMessages
	if initiator {
		peerPre = c.pattern.ResponderPreMessages
	}
	if needsPeerStatic(peerPre) {
		cfg.PeerStatic = c.peer
	}

	hs, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, err
	}

	var send, recv *noise.CipherState
	for i := range c.pattern.Messages {
		var cs1, cs2 *noise.CipherState
		if (i%2 == 0) == initiator {
			var msg []byte
			msg, cs1, cs2, err = hs.WriteMessage(nil, nil)
			if err != nil {
				return nil, err
			}
			if err := writeFrame(conn, msg); err != nil {
				return nil, err
			}
		} else {
			msg, err := readFrame(conn)
			if err != nil {
				return nil, err
			}
			if _, cs1, cs2, err = hs.ReadMessage(nil, msg); err != nil {
				return nil, err
			}
		}
		if cs1 != nil {
			if initiator {
				send, recv = cs1, cs2
			} else {
				send, recv = cs2, cs1
			}
		}
	}
	if send == nil || recv == nil {
		return nil, errors.New("handshake finished without transport keys")
	}

	return &Conn{
		Conn:       conn,
		send:       send,
		recv:       recv,
		peerStatic: hs.PeerStatic(),
	}, nil
}

func writeFrame(w io.Writer, msg []byte) error {
	if len(msg) > MaxMessageSize {
		return fmt.Errorf("noise message too large: %d", len(msg))
	}
	buf := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(buf, uint16(len(msg)))
	copy(buf[2:], msg)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	msg := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
