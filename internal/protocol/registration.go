// Package protocol defines the records exchanged between agents and the
// controller: the registration frame sent after the handshake, and the
// polling messages used by agents without a live session.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxRegistrationSize caps the declared length of a registration frame.
const MaxRegistrationSize = 64 * 1024

var (
	// ErrFrameTooLarge is returned for a declared length above MaxRegistrationSize.
	ErrFrameTooLarge = errors.New("registration frame exceeds maximum size")

	// ErrEmptyFrame is returned for a zero declared length.
	ErrEmptyFrame = errors.New("empty registration frame")

	// ErrMissingID is returned when a decoded record has no agent id.
	ErrMissingID = errors.New("registration missing agent id")
)

// AgentInfo is the identity an agent announces about itself.
type AgentInfo struct {
	ID       string `msgpack:"id" json:"id"`
	Platform string `msgpack:"platform" json:"platform"`
	Arch     string `msgpack:"arch" json:"arch"`
	Hostname string `msgpack:"hostname" json:"hostname"`
	Username string `msgpack:"username" json:"username"`
	Intranet string `msgpack:"intranet" json:"intranet"`
	Process  string `msgpack:"process" json:"process"`
	PID      uint32 `msgpack:"pid" json:"pid"`
}

// Label returns the display form "username@intranet", falling back to the id.
func (a AgentInfo) Label() string {
	switch {
	case a.Username != "" && a.Intranet != "":
		return a.Username + "@" + a.Intranet
	case a.Hostname != "":
		return a.Hostname
	default:
		return a.ID
	}
}

// RegistrationError describes a malformed or unreadable registration frame.
type RegistrationError struct {
	Length uint32
	Err    error
}

func (e *RegistrationError) Error() string {
	if e.Length > 0 {
		return fmt.Sprintf("registration (%d bytes): %v", e.Length, e.Err)
	}
	return fmt.Sprintf("registration: %v", e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// WriteRegistration sends info as a 4-byte big-endian length followed by
// its msgpack encoding. No acknowledgement follows.
func WriteRegistration(w io.Writer, info AgentInfo) error {
	body, err := msgpack.Marshal(&info)
	if err != nil {
		return &RegistrationError{Err: err}
	}
	if len(body) > MaxRegistrationSize {
		return &RegistrationError{Length: uint32(len(body)), Err: ErrFrameTooLarge}
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return &RegistrationError{Length: uint32(len(body)), Err: err}
	}
	return nil
}

// ReadRegistration reads exactly one registration frame. It never consumes
// bytes past the declared length, so the stream is positioned at the first
// byte that follows the frame.
func ReadRegistration(r io.Reader) (AgentInfo, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return AgentInfo{}, &RegistrationError{Err: err}
	}

	n := binary.BigEndian.Uint32(hdr[:])
	switch {
	case n == 0:
		return AgentInfo{}, &RegistrationError{Err: ErrEmptyFrame}
	case n > MaxRegistrationSize:
		return AgentInfo{}, &RegistrationError{Length: n, Err: ErrFrameTooLarge}
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return AgentInfo{}, &RegistrationError{Length: n, Err: err}
	}

	var info AgentInfo
	if err := msgpack.Unmarshal(body, &info); err != nil {
		return AgentInfo{}, &RegistrationError{Length: n, Err: err}
	}
	if info.ID == "" {
		return AgentInfo{}, &RegistrationError{Length: n, Err: ErrMissingID}
	}
	return info, nil
}
