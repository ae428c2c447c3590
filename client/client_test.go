package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"mini-bridge/config"
	"mini-bridge/message"
	"mini-bridge/registry"
	"mini-bridge/server"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type Random struct {
	rnd *rand.Rand
}

func (r *Random) NextInt(bound int) (int, error) {
	if bound <= 0 {
		return 0, errors.New("bound must be positive")
	}
	return r.rnd.Intn(bound), nil
}

type Counter struct {
	Count int64
	Owner *Owner
}

type Owner struct{ Name string }

func (c *Counter) Add(n int64) int64 {
	c.Count += n
	return c.Count
}

type App struct{}

func (a *App) NewCounter(name string) *Counter { return &Counter{Owner: &Owner{Name: name}} }

func startBridge(t *testing.T, reg registry.Registry) *server.Server {
	t.Helper()
	svr := server.NewServer(server.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, svr.Register("java.util.Random", func() *Random {
		return &Random{rnd: rand.New(rand.NewSource(1))}
	}))
	require.NoError(t, svr.Register("demo.Counter", func(start int64) *Counter { return &Counter{Count: start} }))
	require.NoError(t, svr.RegisterStatic("java.lang.Math", "abs", func(n int64) int64 {
		if n < 0 {
			return -n
		}
		return n
	}))
	require.NoError(t, svr.RegisterStatic("java.lang.Math", "slowAbs", func(n int64) int64 {
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
		if n < 0 {
			return -n
		}
		return n
	}))
	require.NoError(t, svr.RegisterStatic("util.Text", "echo", func(s string) string { return s }))
	svr.SetEntryPoint(&App{})

	errc := make(chan error, 1)
	go func() { errc <- svr.Serve("tcp", "127.0.0.1:0", "", reg) }()
	require.NotEmpty(t, svr.Addr())
	t.Cleanup(func() {
		assert.NoError(t, svr.Shutdown(time.Second))
		assert.NoError(t, <-errc)
	})
	return svr
}

func newGateway(t *testing.T, opts ...Option) *Gateway {
	t.Helper()
	gw := New(append([]Option{WithLogger(zaptest.NewLogger(t)), WithCloseGrace(time.Second)}, opts...)...)
	t.Cleanup(func() { assert.NoError(t, gw.Close()) })
	return gw
}

func TestEndToEnd(t *testing.T) {
	svr := startBridge(t, nil)
	gw := newGateway(t, WithAddress(svr.Addr()))
	ctx := context.Background()
	require.NoError(t, gw.Connect(ctx))

	rnd, err := gw.JVM().Lookup("java.util.Random").Resolve(ctx)
	require.NoError(t, err)
	require.Equal(t, message.KindRef, rnd.Kind())

	n, err := rnd.Object().Extend("nextInt").Resolve(ctx, message.Int(1))
	require.NoError(t, err)
	v, _ := n.Int64()
	assert.Equal(t, int64(0), v)

	abs, err := gw.JVM().Lookup("java.lang.Math.abs").Resolve(ctx, message.Int(-3))
	require.NoError(t, err)
	v, _ = abs.Int64()
	assert.Equal(t, int64(3), v)

	big, err := gw.JVM().Lookup("java.lang.Math.abs").Resolve(ctx, message.Long(-5000000000))
	require.NoError(t, err)
	v, _ = big.Int64()
	assert.Equal(t, int64(5000000000), v)
}

func TestObjectRefEndToEnd(t *testing.T) {
	svr := startBridge(t, nil)
	gw := newGateway(t, WithAddress(svr.Addr()))
	ctx := context.Background()

	res, err := gw.EntryPoint().Invoke(ctx, "newCounter", message.String("alice"))
	require.NoError(t, err)
	counter := res.Ref()
	require.NotNil(t, counter)

	for i := int64(1); i <= 3; i++ {
		res, err := counter.Invoke(ctx, "add", message.Int(i))
		require.NoError(t, err)
		total, _ := res.Int64()
		assert.Equal(t, i*(i+1)/2, total)
	}

	owner, err := counter.Get(ctx, "owner")
	require.NoError(t, err)
	name, err := owner.Field(ctx, "name")
	require.NoError(t, err)
	assert.Equal(t, "alice", name.Text())

	// Construct through a static-qualified class reference.
	made, err := gw.Object("z:demo.Counter").Construct(ctx, message.Int(10))
	require.NoError(t, err)
	count, err := made.Field(ctx, "count")
	require.NoError(t, err)
	c, _ := count.Int64()
	assert.Equal(t, int64(10), c)
}

func TestRemoteExceptionFollowUp(t *testing.T) {
	svr := startBridge(t, nil)
	gw := newGateway(t, WithAddress(svr.Addr()))
	ctx := context.Background()

	rnd, err := gw.JVM().Lookup("java.util.Random").Resolve(ctx)
	require.NoError(t, err)

	_, err = rnd.Ref().Invoke(ctx, "nextInt", message.Int(0))
	var re *message.RemoteError
	require.True(t, errors.As(err, &re), "got %v", err)

	msg, err := gw.Object(re.RefID).Invoke(ctx, "getMessage")
	require.NoError(t, err)
	assert.Equal(t, "bound must be positive", msg.Text())

	_, err = gw.JVM().Lookup("java.util.Nothing").Resolve(ctx)
	var rerr *message.ResolutionError
	assert.True(t, errors.As(err, &rerr))
}

func TestConcurrentCallersShareOneConnection(t *testing.T) {
	svr := startBridge(t, nil)
	gw := newGateway(t, WithAddress(svr.Addr()))

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 32; i++ {
		i := i
		g.Go(func() error {
			res, err := gw.JVM().Lookup("java.lang.Math.slowAbs").Resolve(ctx, message.Int(int64(-i)))
			if err != nil {
				return err
			}
			if n, _ := res.Int64(); n != int64(i) {
				return fmt.Errorf("caller %d got %d", i, n)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestPipelinedLargePayloads(t *testing.T) {
	svr := startBridge(t, nil)
	gw := newGateway(t, WithAddress(svr.Addr()))

	// Far more bytes in flight than the socket buffers hold in either direction.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < 48; i++ {
		i := i
		g.Go(func() error {
			payload := strings.Repeat(strconv.Itoa(i)+";", 128*1024)
			res, err := gw.JVM().Lookup("util.Text.echo").Resolve(ctx, message.String(payload))
			if err != nil {
				return err
			}
			if res.Text() != payload {
				return fmt.Errorf("caller %d got a %d byte answer", i, len(res.Text()))
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 0, gw.transport.Pending())
}

func TestDiscoveryThroughRegistry(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startBridge(t, reg)
	gw := newGateway(t, WithRegistry(reg, "bridge", nil))

	res, err := gw.JVM().Lookup("java.lang.Math.abs").Resolve(context.Background(), message.Int(-8))
	require.NoError(t, err)
	n, _ := res.Int64()
	assert.Equal(t, int64(8), n)
}

func TestDiscoveryWithoutBridges(t *testing.T) {
	gw := newGateway(t, WithRegistry(registry.NewMemoryRegistry(), "bridge", nil))
	err := gw.Connect(context.Background())
	var te *message.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "dial", te.Op)
}

func TestNewFromConfig(t *testing.T) {
	svr := startBridge(t, nil)
	host, port, err := net.SplitHostPort(svr.Addr())
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Gateway.Host = host
	cfg.Gateway.Port, err = strconv.Atoi(port)
	require.NoError(t, err)
	cfg.Gateway.RequestTimeout = "2s"
	cfg.Gateway.RateLimit = config.RateLimitConfig{Rate: 1000, Burst: 100}

	gw, err := NewFromConfig(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer gw.Close()
	assert.NotEmpty(t, gw.ID())

	res, err := gw.JVM().Lookup("java.lang.Math.abs").Resolve(context.Background(), message.Int(-1))
	require.NoError(t, err)
	n, _ := res.Int64()
	assert.Equal(t, int64(1), n)

	cfg.Discovery.Balancer = "nope"
	_, err = NewFromConfig(cfg, nil)
	assert.Error(t, err)
}

func TestCloseIsTerminal(t *testing.T) {
	svr := startBridge(t, nil)
	gw := New(WithAddress(svr.Addr()))
	require.NoError(t, gw.Connect(context.Background()))
	require.NoError(t, gw.Close())

	_, err := gw.JVM().Lookup("java.lang.Math.abs").Resolve(context.Background(), message.Int(-1))
	assert.ErrorIs(t, err, message.ErrTransportClosed)
}
