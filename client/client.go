// Package client calls procedures on an hrpc server.
//
// A Client owns one connection and performs one request/response exchange at a
// time: a call writes the procedure id and the encoded arguments, then blocks
// until the statically known number of response bytes has arrived. There is no
// timeout, retry or cancellation; a call fails only when the connection does.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"hrpc/codec"
	"hrpc/loadbalance"
	"hrpc/protocol"
	"hrpc/registry"
	"hrpc/transport"
)

var ErrBroken = errors.New("client: connection broken by an earlier error")

type Client struct {
	conn    *transport.Conn
	limiter *rate.Limiter
	logger  *log.Logger

	mu  sync.Mutex // one exchange at a time
	err error      // sticky transport error
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, opts ...Option) *Client {
	o := buildOptions(opts)
	return newClient(transport.NewConn(conn, o.framing, o.maxPayload), o)
}

func newClient(conn *transport.Conn, o options) *Client {
	return &Client{
		conn:    conn,
		limiter: o.limiter,
		logger:  o.logger,
	}
}

// Dial connects to a server.
func Dial(network, address string, opts ...Option) (*Client, error) {
	return DialContext(context.Background(), network, address, opts...)
}

// DialContext connects to a server; ctx bounds only the connect.
func DialContext(ctx context.Context, network, address string, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	conn, err := dial(ctx, network, address, o)
	if err != nil {
		return nil, err
	}
	return newClient(conn, o), nil
}

func dial(ctx context.Context, network, address string, o options) (*transport.Conn, error) {
	d := net.Dialer{Timeout: o.dialTimeout}
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", address, err)
	}
	return transport.NewConn(conn, o.framing, o.maxPayload), nil
}

// DialService discovers the instances of serviceName, lets bal pick one, and
// dials it with the framing the instance advertises.
func DialService(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, serviceName string, opts ...Option) (*Client, error) {
	instances, err := reg.Discover(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("client: discover %s: %w", serviceName, err)
	}
	inst, err := bal.Pick(instances)
	if err != nil {
		return nil, fmt.Errorf("client: pick %s instance: %w", serviceName, err)
	}
	opts = append(opts, WithFraming(inst.Framing))
	return DialContext(ctx, "tcp", inst.Addr, opts...)
}

// Call invokes procedure id with args and decodes a result of type R. R and
// every argument must be flat (see package codec), and must match the types
// the server bound under id: nothing on the wire can tell if they do not.
func Call[R any](c *Client, id protocol.ID, args ...any) (R, error) {
	var zero R
	result, err := codec.NewLayout(reflect.TypeFor[R]())
	if err != nil {
		return zero, fmt.Errorf("client: result of procedure %d: %w", id, err)
	}
	resp, err := c.roundTrip(id, result.Size(), args)
	if err != nil {
		return zero, err
	}
	values, err := result.Decode(resp)
	if err != nil {
		return zero, err
	}
	return values[0].Interface().(R), nil
}

// CallVoid invokes a procedure that returns nothing and waits for its
// placeholder byte.
func (c *Client) CallVoid(id protocol.ID, args ...any) error {
	_, err := c.roundTrip(id, 1, args)
	return err
}

func (c *Client) roundTrip(id protocol.ID, respSize int, args []any) ([]byte, error) {
	payload, err := codec.Marshal(args...)
	if err != nil {
		return nil, fmt.Errorf("client: arguments of procedure %d: %w", id, err)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(context.Background()); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBroken, c.err)
	}

	if err := c.conn.WriteRequest(id, payload); err != nil {
		c.err = err
		return nil, err
	}
	resp, err := c.conn.ReadResponse(respSize)
	if err != nil {
		// Status errors leave a length-prefixed stream in sync.
		if !errors.Is(err, protocol.ErrUnknownProcedure) && !errors.Is(err, protocol.ErrSizeMismatch) {
			c.err = err
		}
		return nil, err
	}
	c.logger.Debug("call", "id", id, "req_bytes", len(payload), "resp_bytes", len(resp))
	return resp, nil
}

// Err returns the transport error that broke the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the connection. A server blocked reading from it sees an error.
func (c *Client) Close() error {
	return c.conn.Close()
}
