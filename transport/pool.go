package transport

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrPoolClosed = errors.New("transport: pool closed")
	errPoolFull   = errors.New("transport: pool full")
)

// ConnPool hands out connections for exclusive use, one request at a time per
// connection. Connections are created lazily up to maxConns; when all are in
// use, Get blocks until one is returned.
//
// The buffered channel is the idle list. It never holds more than maxConns
// entries, so Put never blocks. freed carries a token each time a slot is
// given up, so a waiting Get can dial again.
type ConnPool struct {
	mu       sync.Mutex
	conns    chan *PoolConn
	freed    chan struct{}
	maxConns int
	curConns int
	closed   bool
	factory  func() (*Conn, error)
}

// PoolConn is a Conn checked out of a ConnPool.
type PoolConn struct {
	*Conn
	pool     *ConnPool
	unusable bool
}

// MarkUnusable makes Put close the connection instead of returning it to the idle list.
func (pc *PoolConn) MarkUnusable() {
	pc.unusable = true
}

// Release returns the connection to its pool.
func (pc *PoolConn) Release() {
	pc.pool.Put(pc)
}

func NewConnPool(maxConns int, factory func() (*Conn, error)) *ConnPool {
	if maxConns <= 0 {
		maxConns = 1
	}
	return &ConnPool{
		conns:    make(chan *PoolConn, maxConns),
		freed:    make(chan struct{}, maxConns),
		maxConns: maxConns,
		factory:  factory,
	}
}

// Get returns an idle connection, dials a new one if the pool is below its
// limit, or waits until a connection is returned or a slot is freed.
func (p *ConnPool) Get(ctx context.Context) (*PoolConn, error) {
	for {
		select {
		case pc, ok := <-p.conns:
			if !ok {
				return nil, ErrPoolClosed
			}
			return pc, nil
		default:
		}

		pc, err := p.createNew()
		if err == nil {
			return pc, nil
		}
		if !errors.Is(err, errPoolFull) {
			return nil, err
		}

		select {
		case pc, ok := <-p.conns:
			if !ok {
				return nil, ErrPoolClosed
			}
			return pc, nil
		case <-p.freed:
			// A slot may be free again; tokens can be stale, so retry from the top.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Put returns a connection. Unusable connections, and any connection returned
// after Close, are closed and forgotten.
func (p *ConnPool) Put(pc *PoolConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pc.unusable || p.closed {
		pc.Conn.Close()
		p.releaseSlotLocked()
		return
	}
	p.conns <- pc
}

func (p *ConnPool) releaseSlotLocked() {
	p.curConns--
	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// Len is the number of connections currently open, idle or checked out.
func (p *ConnPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.curConns
}

// Close closes every idle connection. Connections still checked out are closed
// when they are put back.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.conns)
	for pc := range p.conns {
		pc.Conn.Close()
		p.curConns--
	}
	return nil
}

func (p *ConnPool) createNew() (*PoolConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.curConns >= p.maxConns {
		p.mu.Unlock()
		return nil, errPoolFull
	}
	p.curConns++
	p.mu.Unlock()

	conn, err := p.factory()
	if err != nil {
		p.mu.Lock()
		p.releaseSlotLocked()
		p.mu.Unlock()
		return nil, err
	}
	return &PoolConn{Conn: conn, pool: p}, nil
}
