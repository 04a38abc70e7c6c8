// Package transport wraps a byte stream as an hrpc connection. A Conn does no
// locking: one request/response exchange at a time, by its single owner.
package transport

import (
	"fmt"
	"net"
	"sync"

	"hrpc/protocol"
)

// Conn is a live stream endpoint plus the buffer holding the id of the request
// being read.
type Conn struct {
	net.Conn
	framing    protocol.Framing
	maxPayload int
	idBuf      [protocol.IDSize]byte

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps c. A maxPayload of zero selects protocol.DefaultMaxPayload.
func NewConn(c net.Conn, framing protocol.Framing, maxPayload int) *Conn {
	if maxPayload <= 0 {
		maxPayload = protocol.DefaultMaxPayload
	}
	return &Conn{
		Conn:       c,
		framing:    framing,
		maxPayload: maxPayload,
	}
}

func (c *Conn) Framing() protocol.Framing { return c.framing }

// ReadID blocks until a full procedure id has arrived.
func (c *Conn) ReadID() (protocol.ID, error) {
	return protocol.ReadID(c.Conn, c.idBuf[:])
}

// ReadLength reads the declared payload length of a length-prefixed request.
func (c *Conn) ReadLength() (int, error) {
	if c.framing != protocol.FramingLengthPrefixed {
		return 0, fmt.Errorf("%w: %s requests carry no length", protocol.ErrUnknownFraming, c.framing)
	}
	n, err := protocol.ReadLength(c.Conn)
	if err != nil {
		return 0, err
	}
	if int64(n) > int64(c.maxPayload) {
		return 0, fmt.Errorf("%w: %d bytes", protocol.ErrPayloadTooLarge, n)
	}
	return int(n), nil
}

func (c *Conn) ReadPayload(n int) ([]byte, error) {
	return protocol.ReadPayload(c.Conn, n)
}

func (c *Conn) Discard(n int) error {
	return protocol.Discard(c.Conn, int64(n))
}

func (c *Conn) WriteResponse(status protocol.Status, body []byte) error {
	return protocol.WriteResponse(c.Conn, c.framing, status, body)
}

func (c *Conn) WriteRequest(id protocol.ID, payload []byte) error {
	return protocol.WriteRequest(c.Conn, c.framing, id, payload)
}

// ReadResponse blocks until the response of size bytes has arrived.
func (c *Conn) ReadResponse(size int) ([]byte, error) {
	return protocol.ReadResponse(c.Conn, c.framing, size, c.maxPayload)
}

// Close closes the underlying stream. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}
