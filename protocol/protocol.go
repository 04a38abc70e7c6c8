// Package protocol implements the hrpc wire frames.
//
// Two framings are supported. Both peers of a connection must use the same one.
//
// FramingRaw carries no lengths at all. The payload size is implied by the handler
// bound to the procedure id, so every id a client sends must be bound on the server:
//
//	request:  ┌──────────────┬──────────────────────────┐
//	          │  id uint64   │  payload (handler args)  │
//	          └──────────────┴──────────────────────────┘
//	response: ┌──────────────────────────────────────────┐
//	          │  result, or 1 placeholder byte            │
//	          └──────────────────────────────────────────┘
//
// FramingLengthPrefixed adds a length to both directions and a status byte to the
// response, so an unknown id or a size mismatch is reported instead of
// desynchronizing the stream:
//
//	request:  ┌──────────────┬──────────────┬───────────┐
//	          │  id uint64   │  len uint32  │  payload  │
//	          └──────────────┴──────────────┴───────────┘
//	response: ┌──────────┬──────────────┬───────────────┐
//	          │ status u8│  len uint32  │  result       │
//	          └──────────┴──────────────┴───────────────┘
//
// All integers are little-endian.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ID identifies a procedure. It carries no type information.
type ID uint64

const (
	IDSize     = 8
	LengthSize = 4
	StatusSize = 1

	// Placeholder is the single response byte of a procedure with no result.
	Placeholder byte = 0

	DefaultMaxPayload = 1 << 20
)

var (
	ErrUnknownProcedure = errors.New("protocol: unknown procedure id")
	ErrSizeMismatch     = errors.New("protocol: payload size mismatch")
	ErrPayloadTooLarge  = errors.New("protocol: payload too large")
	ErrBadStatus        = errors.New("protocol: bad response status")
	ErrUnknownFraming   = errors.New("protocol: unknown framing")
)

// Framing selects how requests and responses are delimited.
type Framing byte

const (
	FramingRaw Framing = iota
	FramingLengthPrefixed
)

func (f Framing) String() string {
	switch f {
	case FramingRaw:
		return "raw"
	case FramingLengthPrefixed:
		return "length-prefixed"
	default:
		return fmt.Sprintf("framing(%d)", byte(f))
	}
}

func (f Framing) Valid() bool {
	return f == FramingRaw || f == FramingLengthPrefixed
}

// Status is the first byte of a length-prefixed response.
type Status byte

const (
	StatusOK Status = iota
	StatusUnknownProcedure
	StatusSizeMismatch
)

// Err maps a status to the error a caller sees. StatusOK maps to nil.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusUnknownProcedure:
		return ErrUnknownProcedure
	case StatusSizeMismatch:
		return ErrSizeMismatch
	default:
		return fmt.Errorf("%w: %d", ErrBadStatus, byte(s))
	}
}

var le = binary.LittleEndian

func PutID(buf []byte, id ID) {
	le.PutUint64(buf, uint64(id))
}

func ParseID(buf []byte) ID {
	return ID(le.Uint64(buf))
}

// EncodeRequest builds a complete request frame.
func EncodeRequest(f Framing, id ID, payload []byte) ([]byte, error) {
	switch f {
	case FramingRaw:
		buf := make([]byte, IDSize+len(payload))
		PutID(buf, id)
		copy(buf[IDSize:], payload)
		return buf, nil
	case FramingLengthPrefixed:
		buf := make([]byte, IDSize+LengthSize+len(payload))
		PutID(buf, id)
		le.PutUint32(buf[IDSize:], uint32(len(payload)))
		copy(buf[IDSize+LengthSize:], payload)
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFraming, f)
	}
}

// WriteRequest writes id followed by payload in a single write.
func WriteRequest(w io.Writer, f Framing, id ID, payload []byte) error {
	buf, err := EncodeRequest(f, id, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadID reads exactly one procedure id, using buf as scratch space.
func ReadID(r io.Reader, buf []byte) (ID, error) {
	if _, err := io.ReadFull(r, buf[:IDSize]); err != nil {
		return 0, err
	}
	return ParseID(buf), nil
}

// ReadLength reads the payload length of a length-prefixed request.
func ReadLength(r io.Reader) (uint32, error) {
	var buf [LengthSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return le.Uint32(buf[:]), nil
}

func ReadPayload(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func Discard(r io.Reader, n int64) error {
	_, err := io.CopyN(io.Discard, r, n)
	return err
}

// EncodeResponse builds a complete response frame. Raw responses cannot carry
// a status, so anything but StatusOK is refused.
func EncodeResponse(f Framing, status Status, body []byte) ([]byte, error) {
	switch f {
	case FramingRaw:
		if status != StatusOK {
			return nil, fmt.Errorf("%w: raw framing cannot carry status %d", ErrBadStatus, byte(status))
		}
		return body, nil
	case FramingLengthPrefixed:
		buf := make([]byte, StatusSize+LengthSize+len(body))
		buf[0] = byte(status)
		le.PutUint32(buf[StatusSize:], uint32(len(body)))
		copy(buf[StatusSize+LengthSize:], body)
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFraming, f)
	}
}

// WriteResponse writes a response frame in a single write.
func WriteResponse(w io.Writer, f Framing, status Status, body []byte) error {
	buf, err := EncodeResponse(f, status, body)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadResponse reads the response to one request whose result occupies size
// bytes. With length-prefixed framing a non-OK status or a length other than
// size is returned as an error after the body has been drained, so the stream
// stays usable. Bodies longer than maxPayload are not drained.
func ReadResponse(r io.Reader, f Framing, size, maxPayload int) ([]byte, error) {
	switch f {
	case FramingRaw:
		return ReadPayload(r, size)
	case FramingLengthPrefixed:
		var hdr [StatusSize + LengthSize]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		status := Status(hdr[0])
		n := le.Uint32(hdr[StatusSize:])
		if int64(n) > int64(maxPayload) {
			return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
		}
		if err := status.Err(); err != nil {
			if derr := Discard(r, int64(n)); derr != nil {
				return nil, derr
			}
			return nil, err
		}
		if int(n) != size {
			if err := Discard(r, int64(n)); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: response has %d bytes, want %d", ErrSizeMismatch, n, size)
		}
		return ReadPayload(r, size)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFraming, f)
	}
}
