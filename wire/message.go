// Package wire implements the framed message codec for a connection: it
// packs and unpacks typed messages on a byte stream. It knows nothing
// about what a payload means, only how many bytes it occupies on the
// wire.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Code identifies the logical kind of a message. The three reserved
// codes below are handled by the conn package itself; every other code
// is a request subtype, meaningful only to the externally supplied
// dispatcher table.
type Code uint16

const (
	// CodeResponse carries the marshaled return value of a request.
	CodeResponse Code = 0
	// CodeException carries a marshaled error raised while handling a request.
	CodeException Code = 1
	// CodeSyncRequest wraps a nested request issued from inside a request handler.
	CodeSyncRequest Code = 2

	// FirstRequestCode is the first code available to callers for their
	// own request subtypes (eval, getattr, call, ...).
	FirstRequestCode Code = 16
)

// IsRequestLike reports whether code identifies a request-family message
// (including syncrequest), as opposed to a response or exception.
func (c Code) IsRequestLike() bool {
	return c != CodeResponse && c != CodeException
}

func (c Code) String() string {
	switch c {
	case CodeResponse:
		return "response"
	case CodeException:
		return "exception"
	case CodeSyncRequest:
		return "syncrequest"
	default:
		return fmt.Sprintf("request(%d)", uint16(c))
	}
}

// maxPayloadLen bounds a declared frame length so a corrupt or hostile
// header cannot force an unbounded allocation.
const maxPayloadLen = 64 << 20 // 64MiB

// headerLen is the fixed size, in bytes, of a frame header: a 2-byte
// code, a 4-byte big-endian payload length, and one reserved flags byte
// (always written zero, ignored on read in this version).
const headerLen = 2 + 4 + 1

// Message is one frame: a type tag and its opaque payload bytes.
type Message struct {
	Code    Code
	Payload []byte
}

// TransportError wraps an I/O or framing failure encountered while
// packing or unpacking a frame.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("wire: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Pack encodes a message as its wire representation: header followed by
// payload.
func Pack(code Code, payload []byte) []byte {
	buf := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(code))
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	buf[6] = 0 // reserved flags
	copy(buf[headerLen:], payload)
	return buf
}

// Unpack reads exactly one frame from r: the fixed header, then exactly
// the declared payload length. It fails with a *TransportError if the
// stream ends mid-frame or the header declares an implausible length.
func Unpack(r io.Reader) (*Message, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, &TransportError{Op: "read header", Err: err}
	}
	code := Code(binary.BigEndian.Uint16(hdr[0:2]))
	n := binary.BigEndian.Uint32(hdr[2:6])
	if n > maxPayloadLen {
		return nil, &TransportError{Op: "read header", Err: fmt.Errorf("declared payload length %d exceeds maximum %d", n, maxPayloadLen)}
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, &TransportError{Op: "read payload", Err: err}
		}
	}
	return &Message{Code: code, Payload: payload}, nil
}

// Stream is the byte-stream pair collaborator the conn package consumes.
// Any pair of pipes, sockets, or subprocess stdio streams satisfies it.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	Flush() error
}
