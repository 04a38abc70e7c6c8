// Package server binds integer procedure ids to Go functions and serves them
// over a byte stream.
//
// Request processing:
//
//	Accept conn → serveConn (one goroutine per connection)
//	  → read id → look up handler → read payload
//	    → middleware chain → adaptor (decode → call → encode) → write response
//	  → next id
//
// Handlers are bound before serving starts; the procedure table is read-only
// from then on. Each connection handles its requests strictly in order; handlers
// of different connections run concurrently unless WithSerialDispatch is set.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"hrpc/message"
	"hrpc/middleware"
	"hrpc/protocol"
	"hrpc/transport"
)

var (
	ErrDuplicateProcedure = errors.New("server: procedure id already bound")
	ErrInvalidHandler     = errors.New("server: invalid handler")
	ErrServerRunning      = errors.New("server: already serving")
	ErrServerStopped      = errors.New("server: stopped")
)

// Control is what a handler may do to the server that runs it. A handler whose
// first parameter has type Control is passed its own server there; that
// parameter is not part of the wire arguments.
type Control interface {
	// Stop asks the server to stop. The current response is still written.
	Stop()
	// Addr is the listening address.
	Addr() net.Addr
}

type state uint8

const (
	stateIdle state = iota
	stateServing
	stateStopped
)

// registryTimeout bounds the etcd calls made on start and stop.
const registryTimeout = 3 * time.Second

// Server owns the procedure table, the listener and the set of live connections.
type Server struct {
	opts    options
	logger  *log.Logger
	handler middleware.HandlerFunc // middleware chain around dispatch, built by Serve

	mu       sync.Mutex
	state    state
	handlers map[protocol.ID]*handler
	listener net.Listener
	conns    map[*transport.Conn]struct{}

	inflight   sync.WaitGroup // requests whose response is not yet written
	running    sync.WaitGroup // handler calls, including those a middleware gave up on
	connWG     sync.WaitGroup // connection goroutines
	dispatchMu sync.Mutex     // held around handlers under WithSerialDispatch

	ctx    context.Context // cancelled by Stop
	cancel context.CancelFunc
	served bool
	done   chan struct{} // closed when Serve has finished draining
}

var _ Control = (*Server)(nil)

func New(opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:     o,
		logger:   o.logger,
		handlers: make(map[protocol.ID]*handler),
		conns:    make(map[*transport.Conn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Bind registers fn under id. fn is any function whose parameters and result
// are flat (see package codec), with at most one result. If its first
// parameter has type Control, the server passes itself there.
//
// Bind must happen before Serve. Binding an id twice fails with
// ErrDuplicateProcedure; binding while serving or after Stop fails with
// ErrServerRunning or ErrServerStopped. No I/O happens at bind time.
func (s *Server) Bind(id protocol.ID, fn any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateServing:
		return fmt.Errorf("bind procedure %d: %w", id, ErrServerRunning)
	case stateStopped:
		return fmt.Errorf("bind procedure %d: %w", id, ErrServerStopped)
	}
	if _, ok := s.handlers[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateProcedure, id)
	}

	h, err := newHandler(fn, s)
	if err != nil {
		return fmt.Errorf("bind procedure %d: %w", id, err)
	}
	s.handlers[id] = h
	s.logger.Debug("procedure bound", "id", id, "shape", h.shape, "req_bytes", h.reqSize, "resp_bytes", h.respSize)
	return nil
}

// MustBind is Bind for setup code that cannot continue on error.
func (s *Server) MustBind(id protocol.ID, fn any) {
	if err := s.Bind(id, fn); err != nil {
		panic(err)
	}
}

// Procedures lists the bound ids in ascending order.
func (s *Server) Procedures() []protocol.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]protocol.ID, 0, len(s.handlers))
	for id := range s.handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ListenAndServe listens on the given address and calls Serve.
func (s *Server) ListenAndServe(network, address string) error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	switch st {
	case stateServing:
		return ErrServerRunning
	case stateStopped:
		return ErrServerStopped
	}

	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections on l and serves them until Stop is called. It
// returns nil after a Stop once every in-flight response has been written and
// every connection closed. An accept failure stops the server and is returned.
// A server cannot be served again after it stopped.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	switch s.state {
	case stateServing:
		s.mu.Unlock()
		return ErrServerRunning
	case stateStopped:
		s.mu.Unlock()
		l.Close()
		return ErrServerStopped
	}
	s.state = stateServing
	s.served = true
	s.listener = l
	mws := append(slices.Clone(s.opts.middlewares), middleware.RecoverMiddleware(s.logger))
	s.handler = middleware.Chain(mws...)(s.dispatch)
	s.mu.Unlock()

	s.logger.Info("serving", "addr", l.Addr(), "framing", s.opts.framing, "procedures", len(s.handlers))
	s.advertise()

	var serveErr error
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.Stopped() {
				break
			}
			s.logger.Error("accept failed", "err", err)
			serveErr = err
			s.Stop()
			break
		}
		c := transport.NewConn(conn, s.opts.framing, s.opts.maxPayload)
		if !s.trackConn(c) {
			c.Close()
			continue
		}
		go s.serveConn(c)
	}

	s.drain()
	return serveErr
}

// Stop asks the server to stop: no new connection is accepted, no new request
// is started, and Serve returns once the requests already dispatched have
// written their responses. Handlers a middleware stopped waiting for, such as
// after a timeout, are also waited for. It is safe to call from a handler and
// more than once.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateStopped {
		return
	}
	s.state = stateStopped
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
}

// Shutdown stops the server and waits for Serve to finish, or for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Stop()

	s.mu.Lock()
	served := s.served
	s.mu.Unlock()
	if !served {
		return nil
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stopped reports whether Stop has been called.
func (s *Server) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateStopped
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// NumConns is the number of open connections.
func (s *Server) NumConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) trackConn(c *transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateServing {
		return false
	}
	s.conns[c] = struct{}{}
	s.connWG.Add(1)
	return true
}

func (s *Server) untrackConn(c *transport.Conn) {
	c.Close()
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// beginRequest admits one request on a connection unless the server is stopping.
func (s *Server) beginRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateServing {
		return false
	}
	s.inflight.Add(1)
	return true
}

// drain runs after the accept loop ended. No request can begin any more, so it
// waits for the ones in flight and for any handler still running after its
// request was abandoned, then closes the idle connections.
func (s *Server) drain() {
	s.withdraw()
	s.inflight.Wait()
	s.running.Wait()

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.connWG.Wait()

	close(s.done)
	s.logger.Info("stopped")
}

func (s *Server) serveConn(c *transport.Conn) {
	defer s.connWG.Done()
	defer s.untrackConn(c)

	remote := c.RemoteAddr().String()
	logger := s.logger.With("remote", remote)
	logger.Debug("connection accepted")

	for {
		id, err := c.ReadID()
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.Stopped() {
				logger.Debug("connection closed", "err", err)
			}
			return
		}
		if !s.beginRequest() {
			return
		}
		err = s.handleRequest(c, id, remote, logger)
		s.inflight.Done()
		if err != nil {
			logger.Warn("dropping connection", "id", id, "err", err)
			return
		}
		if s.Stopped() {
			return
		}
	}
}

// handleRequest serves one request whose id has been read.
func (s *Server) handleRequest(c *transport.Conn, id protocol.ID, remote string, logger *log.Logger) error {
	h := s.handlers[id]

	if c.Framing() == protocol.FramingLengthPrefixed {
		n, err := c.ReadLength()
		if err != nil {
			return err
		}
		if h == nil {
			logger.Warn("unknown procedure", "id", id, "req_bytes", n)
			if err := c.Discard(n); err != nil {
				return err
			}
			return c.WriteResponse(protocol.StatusUnknownProcedure, nil)
		}
		if n != h.reqSize {
			logger.Warn("request size mismatch", "id", id, "req_bytes", n, "want", h.reqSize)
			if err := c.Discard(n); err != nil {
				return err
			}
			return c.WriteResponse(protocol.StatusSizeMismatch, nil)
		}
	} else if h == nil {
		// Raw requests carry no length, so the payload that followed this id
		// stays in the stream and will be read as the next id.
		logger.Warn("unknown procedure, connection may be desynchronized", "id", id)
		return nil
	}

	payload, err := c.ReadPayload(h.reqSize)
	if err != nil {
		return err
	}

	call := new(atomic.Int32)
	s.running.Add(1)
	ctx := context.WithValue(s.ctx, callKey{}, call)
	resp, err := s.handler(ctx, &message.Request{ID: id, Payload: payload, RemoteAddr: remote})
	if call.CompareAndSwap(callPending, callSkipped) {
		s.running.Done()
	}
	if err != nil {
		return err
	}
	return c.WriteResponse(protocol.StatusOK, resp)
}

type callKey struct{}

// States of one handler call, shared between handleRequest and dispatch. A
// call that middleware never let through to dispatch is skipped, and dispatch
// refuses to start it later.
const (
	callPending int32 = iota
	callStarted
	callSkipped
)

// dispatch is the innermost HandlerFunc: it runs the bound adaptor.
func (s *Server) dispatch(ctx context.Context, req *message.Request) ([]byte, error) {
	h, ok := s.handlers[req.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", protocol.ErrUnknownProcedure, req.ID)
	}
	if call, ok := ctx.Value(callKey{}).(*atomic.Int32); ok {
		if !call.CompareAndSwap(callPending, callStarted) {
			return nil, fmt.Errorf("server: procedure %d abandoned before it started", req.ID)
		}
		defer s.running.Done()
	}
	if s.opts.serialDispatch {
		s.dispatchMu.Lock()
		defer s.dispatchMu.Unlock()
	}
	resp, err := h.adaptor(req.Payload)
	if err != nil {
		return nil, err
	}
	if len(resp) != h.respSize {
		return nil, fmt.Errorf("%w: procedure %d produced %d bytes, want %d", protocol.ErrSizeMismatch, req.ID, len(resp), h.respSize)
	}
	return resp, nil
}

// advertise registers the server with its registry, if one is configured.
func (s *Server) advertise() {
	if s.opts.registry == nil {
		return
	}
	inst := s.opts.instance
	inst.Framing = s.opts.framing
	if inst.Addr == "" {
		inst.Addr = s.listener.Addr().String()
	}
	s.opts.instance = inst

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := s.opts.registry.Register(ctx, s.opts.serviceName, inst, s.opts.ttl); err != nil {
		s.logger.Error("service registration failed", "service", s.opts.serviceName, "addr", inst.Addr, "err", err)
		return
	}
	s.logger.Info("service registered", "service", s.opts.serviceName, "addr", inst.Addr)
}

// withdraw removes the registration made by advertise.
func (s *Server) withdraw() {
	if s.opts.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := s.opts.registry.Deregister(ctx, s.opts.serviceName, s.opts.instance.Addr); err != nil {
		s.logger.Warn("service deregistration failed", "service", s.opts.serviceName, "err", err)
	}
}
