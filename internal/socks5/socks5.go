// Package socks5 implements the agent side of the SOCKS5 subsystem:
// RFC 1928 CONNECT with optional RFC 1929 username/password authentication.
package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
)

const version = 0x05

// Authentication methods (RFC 1928 section 3).
const (
	MethodNoAuth       = 0x00
	MethodUserPass     = 0x02
	MethodNoAcceptable = 0xff
)

// Commands.
const (
	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03
)

// Address types.
const (
	AddrIPv4   = 0x01
	AddrDomain = 0x03
	AddrIPv6   = 0x04
)

// Reply is the REP field of a server reply.
type Reply byte

const (
	ReplySucceeded          Reply = 0x00
	ReplyServerFailure      Reply = 0x01
	ReplyNotAllowed         Reply = 0x02
	ReplyNetworkUnreachable Reply = 0x03
	ReplyHostUnreachable    Reply = 0x04
	ReplyConnectionRefused  Reply = 0x05
	ReplyTTLExpired         Reply = 0x06
	ReplyCmdNotSupported    Reply = 0x07
	ReplyAddrNotSupported   Reply = 0x08
)

var (
	// ErrVersion is returned when a client speaks another SOCKS version.
	ErrVersion = errors.New("unsupported SOCKS version")
	// ErrNoMethod is returned when no offered method is acceptable.
	ErrNoMethod = errors.New("no acceptable authentication method")
	// ErrAuthFailed is returned for rejected credentials.
	ErrAuthFailed = errors.New("authentication failed")
)

// Request is a client request.
type Request struct {
	Command byte
	Host    string // IP literal or domain name
	Port    uint16
}

// Target returns the destination as host:port.
func (r *Request) Target() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// replyError carries the reply already sent to the client.
type replyError struct {
	reply Reply
	err   error
}

func (e *replyError) Error() string { return e.err.Error() }
func (e *replyError) Unwrap() error { return e.err }

// readRequest reads VER CMD RSV ATYP DST.ADDR DST.PORT.
func readRequest(r io.Reader) (*Request, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	if head[0] != version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, head[0])
	}

	req := &Request{Command: head[1]}
	switch head[3] {
	case AddrIPv4, AddrIPv6:
		n := 4
		if head[3] == AddrIPv6 {
			n = 16
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
		addr, _ := netip.AddrFromSlice(b)
		req.Host = addr.String()
	case AddrDomain:
		var n [1]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return nil, err
		}
		if n[0] == 0 {
			return nil, &replyError{ReplyServerFailure, errors.New("zero-length domain name")}
		}
		b := make([]byte, n[0])
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
		req.Host = string(b)
	default:
		return nil, &replyError{ReplyAddrNotSupported, fmt.Errorf("unsupported address type: %d", head[3])}
	}

	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return nil, err
	}
	req.Port = binary.BigEndian.Uint16(port[:])
	return req, nil
}

// appendReply encodes a reply with the bound address. An invalid bind
// address is sent as 0.0.0.0:0.
func appendReply(b []byte, rep Reply, bind netip.AddrPort) []byte {
	addr := bind.Addr().Unmap()
	if !addr.IsValid() {
		addr = netip.IPv4Unspecified()
	}
	atyp := byte(AddrIPv4)
	if addr.Is6() {
		atyp = AddrIPv6
	}
	b = append(b, version, byte(rep), 0x00, atyp)
	b = append(b, addr.AsSlice()...)
	return binary.BigEndian.AppendUint16(b, bind.Port())
}
