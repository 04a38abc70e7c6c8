package client

import (
	"context"

	"hrpc/transport"
)

// Pool lets many goroutines issue calls to one server. Each call borrows a
// connection exclusively, so the one-exchange-at-a-time rule of a connection
// holds; a connection broken by a call is closed instead of reused.
type Pool struct {
	conns *transport.ConnPool
	opts  options
}

// NewPool creates a pool of at most size connections to address. Connections
// are dialed on demand.
func NewPool(network, address string, size int, opts ...Option) *Pool {
	o := buildOptions(opts)
	return &Pool{
		conns: transport.NewConnPool(size, func() (*transport.Conn, error) {
			return dial(context.Background(), network, address, o)
		}),
		opts: o,
	}
}

// Do runs fn with a Client borrowed from the pool. fn must not keep or close it.
func (p *Pool) Do(ctx context.Context, fn func(c *Client) error) error {
	pc, err := p.conns.Get(ctx)
	if err != nil {
		return err
	}
	c := newClient(pc.Conn, p.opts)
	err = fn(c)
	if c.Err() != nil {
		pc.MarkUnusable()
	}
	pc.Release()
	return err
}

// Len is the number of open connections.
func (p *Pool) Len() int {
	return p.conns.Len()
}

func (p *Pool) Close() error {
	return p.conns.Close()
}
