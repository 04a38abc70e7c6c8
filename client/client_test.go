package client_test

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hrpc/client"
	"hrpc/codec"
	"hrpc/loadbalance"
	"hrpc/middleware"
	"hrpc/protocol"
	"hrpc/registry"
	"hrpc/server"
)

const (
	FOO   protocol.ID = 0
	ADD   protocol.ID = 1
	STOP  protocol.ID = 2
	SCALE protocol.ID = 3
	BOOM  protocol.ID = 4
)

type Point struct {
	X, Y int32
}

var quiet = log.New(io.Discard)

func newArith(t testing.TB, opts ...server.Option) *server.Server {
	s := server.New(append([]server.Option{server.WithLogger(quiet)}, opts...)...)
	s.MustBind(FOO, func() {})
	s.MustBind(ADD, func(a, b int32) int32 { return a + b })
	s.MustBind(STOP, func(c server.Control) { c.Stop() })
	s.MustBind(SCALE, func(p Point, k int16) Point {
		return Point{X: p.X * int32(k), Y: p.Y * int32(k)}
	})
	s.MustBind(BOOM, func() { panic("boom") })
	return s
}

func serve(t testing.TB, s *server.Server) (string, <-chan error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(l) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return l.Addr().String(), errc
}

func dial(t testing.TB, addr string, opts ...client.Option) *client.Client {
	c, err := client.Dial("tcp", addr, append([]client.Option{client.WithLogger(quiet)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCall(t *testing.T) {
	addr, _ := serve(t, newArith(t))
	c := dial(t, addr)

	sum, err := client.Call[int32](c, ADD, int32(1), int32(2))
	require.NoError(t, err)
	assert.Equal(t, int32(3), sum)

	sum, err = client.Call[int32](c, ADD, int32(1), int32(3))
	require.NoError(t, err)
	assert.Equal(t, int32(4), sum)

	require.NoError(t, c.CallVoid(FOO))

	p, err := client.Call[Point](c, SCALE, Point{X: 2, Y: -3}, int16(4))
	require.NoError(t, err)
	assert.Equal(t, Point{X: 8, Y: -12}, p)
}

func TestIndependentClients(t *testing.T) {
	addr, _ := serve(t, newArith(t))
	c1 := dial(t, addr)
	c2 := dial(t, addr)

	var wg sync.WaitGroup
	var fooErr, addErr error
	var sum int32
	wg.Add(2)
	go func() {
		defer wg.Done()
		fooErr = c1.CallVoid(FOO)
	}()
	go func() {
		defer wg.Done()
		sum, addErr = client.Call[int32](c2, ADD, int32(2), int32(4))
	}()
	wg.Wait()

	require.NoError(t, fooErr)
	require.NoError(t, addErr)
	assert.Equal(t, int32(6), sum)

	sum, err := client.Call[int32](c1, ADD, int32(-2), int32(2))
	require.NoError(t, err)
	assert.Equal(t, int32(0), sum)
}

func TestStopProcedure(t *testing.T) {
	s := newArith(t)
	addr, errc := serve(t, s)
	c := dial(t, addr)

	require.NoError(t, c.CallVoid(STOP))
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.True(t, s.Stopped())

	_, err := client.Call[int32](c, ADD, int32(1), int32(1))
	require.Error(t, err)
	assert.Error(t, c.Err())

	_, err = client.Call[int32](c, ADD, int32(1), int32(1))
	assert.ErrorIs(t, err, client.ErrBroken)

	_, err = client.Dial("tcp", addr, client.WithDialTimeout(time.Second))
	assert.Error(t, err)
}

func TestCallRejectsNonFlatTypes(t *testing.T) {
	addr, _ := serve(t, newArith(t))
	c := dial(t, addr)

	_, err := client.Call[string](c, FOO)
	assert.ErrorIs(t, err, codec.ErrNotFlat)

	_, err = client.Call[int32](c, ADD, []int32{1, 2})
	assert.ErrorIs(t, err, codec.ErrNotFlat)

	// Nothing was sent, so the connection is still usable.
	assert.NoError(t, c.Err())
	sum, err := client.Call[int32](c, ADD, int32(7), int32(8))
	require.NoError(t, err)
	assert.Equal(t, int32(15), sum)
}

func TestLengthPrefixedErrorsKeepConnection(t *testing.T) {
	addr, _ := serve(t, newArith(t, server.WithFraming(protocol.FramingLengthPrefixed)))
	c := dial(t, addr, client.WithFraming(protocol.FramingLengthPrefixed))

	_, err := client.Call[int32](c, 42, int32(1))
	assert.ErrorIs(t, err, protocol.ErrUnknownProcedure)

	_, err = client.Call[int32](c, ADD, int16(1))
	assert.ErrorIs(t, err, protocol.ErrSizeMismatch)

	assert.NoError(t, c.Err())
	sum, err := client.Call[int32](c, ADD, int32(40), int32(2))
	require.NoError(t, err)
	assert.Equal(t, int32(42), sum)
}

func TestServerMiddleware(t *testing.T) {
	s := newArith(t, server.WithMiddleware(
		middleware.LoggingMiddleware(quiet),
		middleware.TimeOutMiddleware(time.Second),
	))
	addr, _ := serve(t, s)
	c := dial(t, addr)

	sum, err := client.Call[int32](c, ADD, int32(3), int32(4))
	require.NoError(t, err)
	assert.Equal(t, int32(7), sum)
}

func TestPool(t *testing.T) {
	addr, _ := serve(t, newArith(t))
	pool := client.NewPool("tcp", addr, 3, client.WithLogger(quiet))
	t.Cleanup(func() { pool.Close() })

	var wg sync.WaitGroup
	errs := make(chan error, 8*20)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int32) {
			defer wg.Done()
			for i := int32(0); i < 20; i++ {
				errs <- pool.Do(context.Background(), func(c *client.Client) error {
					sum, err := client.Call[int32](c, ADD, g, i)
					if err != nil {
						return err
					}
					if sum != g+i {
						t.Errorf("ADD(%d, %d) = %d", g, i, sum)
					}
					return nil
				})
			}
		}(int32(g))
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, pool.Len(), 3)
}

func TestPoolDropsBrokenConnection(t *testing.T) {
	s := newArith(t)
	addr, errc := serve(t, s)
	pool := client.NewPool("tcp", addr, 2, client.WithLogger(quiet))
	t.Cleanup(func() { pool.Close() })

	require.NoError(t, pool.Do(context.Background(), func(c *client.Client) error {
		return c.CallVoid(STOP)
	}))
	require.NoError(t, <-errc)

	err := pool.Do(context.Background(), func(c *client.Client) error {
		return c.CallVoid(FOO)
	})
	assert.Error(t, err)
	assert.Equal(t, 0, pool.Len())
}

func TestPoolServesWaiterAfterBrokenConnection(t *testing.T) {
	addr, _ := serve(t, newArith(t))
	pool := client.NewPool("tcp", addr, 1, client.WithLogger(quiet))
	t.Cleanup(func() { pool.Close() })

	borrowed := make(chan struct{})
	proceed := make(chan struct{})
	brokenErr := make(chan error, 1)
	go func() {
		brokenErr <- pool.Do(context.Background(), func(c *client.Client) error {
			close(borrowed)
			<-proceed
			return c.CallVoid(BOOM)
		})
	}()
	<-borrowed

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	waiterErr := make(chan error, 1)
	var sum int32
	go func() {
		waiterErr <- pool.Do(ctx, func(c *client.Client) error {
			var err error
			sum, err = client.Call[int32](c, ADD, int32(3), int32(3))
			return err
		})
	}()

	// The waiter is parked on the full pool when the only connection breaks.
	time.Sleep(50 * time.Millisecond)
	close(proceed)

	assert.Error(t, <-brokenErr)
	require.NoError(t, <-waiterErr)
	assert.Equal(t, int32(6), sum)
	assert.Equal(t, 1, pool.Len())
}

func TestDialService(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	s := newArith(t,
		server.WithFraming(protocol.FramingLengthPrefixed),
		server.WithRegistry(reg, "Arith", registry.Instance{Weight: 1, Version: "1.0"}, 10),
	)
	serve(t, s)

	require.Eventually(t, func() bool {
		instances, _ := reg.Discover(context.Background(), "Arith")
		return len(instances) == 1
	}, time.Second, 10*time.Millisecond)

	// The client picks up the advertised framing without being told.
	c, err := client.DialService(context.Background(), reg, &loadbalance.RoundRobinBalancer{}, "Arith", client.WithLogger(quiet))
	require.NoError(t, err)
	defer c.Close()

	sum, err := client.Call[int32](c, ADD, int32(5), int32(5))
	require.NoError(t, err)
	assert.Equal(t, int32(10), sum)

	_, err = client.DialService(context.Background(), reg, &loadbalance.RoundRobinBalancer{}, "Missing")
	assert.ErrorIs(t, err, loadbalance.ErrNoInstances)
}

func TestRateLimit(t *testing.T) {
	addr, _ := serve(t, newArith(t))
	c := dial(t, addr, client.WithRateLimit(20, 1))

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, c.CallVoid(FOO))
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func BenchmarkCall(b *testing.B) {
	addr, _ := serve(b, newArith(b))
	c := dial(b, addr)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := client.Call[int32](c, ADD, int32(i), int32(1)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkPoolParallel(b *testing.B) {
	addr, _ := serve(b, newArith(b))
	pool := client.NewPool("tcp", addr, 8, client.WithLogger(quiet))
	defer pool.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			err := pool.Do(context.Background(), func(c *client.Client) error {
				_, err := client.Call[int32](c, ADD, int32(1), int32(2))
				return err
			})
			if err != nil {
				b.Error(err)
				return
			}
		}
	})
}
