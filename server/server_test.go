package server

import (
	"bufio"
	"errors"
	"io"
	"math/big"
	"math/rand"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"mini-bridge/middleware"
	"mini-bridge/protocol"
	"mini-bridge/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type Random struct {
	Calls int
	rnd   *rand.Rand
}

func NewRandom() *Random { return NewSeededRandom(1) }

func NewSeededRandom(seed int64) *Random {
	return &Random{rnd: rand.New(rand.NewSource(seed))}
}

func (r *Random) NextInt(bound int) (int, error) {
	if bound <= 0 {
		return 0, errors.New("bound must be positive")
	}
	r.Calls++
	return r.rnd.Intn(bound), nil
}

func (r *Random) Boom() { panic("kaboom") }

type Entry struct {
	Key   string
	Value int64
}

type Greeter struct{ Name string }

func (g *Greeter) Greet(who string) string { return g.Name + " greets " + who }

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	svr := NewServer(opts...)
	require.NoError(t, svr.Register("java.util.Random", NewRandom))
	require.NoError(t, svr.Register("java.util.Random", NewSeededRandom))
	require.NoError(t, svr.Register("java.util.Map$Entry", func(k string, v int64) *Entry { return &Entry{k, v} }))
	require.NoError(t, svr.Register("java.util.Map", func() map[string]int { return map[string]int{} }))
	require.NoError(t, svr.RegisterStatic("java.lang.Math", "abs", func(n int64) int64 {
		if n < 0 {
			return -n
		}
		return n
	}))
	require.NoError(t, svr.RegisterStatic("java.math.BigInteger", "square", func(n *big.Int) *big.Int {
		return new(big.Int).Mul(n, n)
	}))
	svr.SetEntryPoint(&Greeter{Name: "bridge"})
	return svr
}

// serve runs svr on a loopback port and shuts it down when the test ends.
func serve(t *testing.T, svr *Server, reg registry.Registry) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- svr.Serve("tcp", "127.0.0.1:0", "", reg) }()
	require.NotEmpty(t, svr.Addr())
	t.Cleanup(func() {
		assert.NoError(t, svr.Shutdown(time.Second))
		assert.NoError(t, <-errc)
	})
}

type session struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, svr *Server) *session {
	t.Helper()
	conn, err := net.Dial("tcp", svr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &session{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (s *session) exchange(command string) string {
	s.t.Helper()
	_, err := io.WriteString(s.conn, command)
	require.NoError(s.t, err)
	line, err := protocol.ReadResponse(s.r)
	require.NoError(s.t, err)
	return line
}

func TestReflection(t *testing.T) {
	svr := newTestServer(t)
	serve(t, svr, nil)
	s := dial(t, svr)

	tests := []struct {
		command string
		want    string
	}{
		{"r\nsjava\ne\n", "!yp\n"},
		{"r\nsjava.util\ne\n", "!yp\n"},
		{"r\nsjava.util.Random\ne\n", "!ycjava.util.Random\n"},
		{"r\nsjava.lang.Math\nsabs\ne\n", "!ym\n"},
		{"r\nsjava.util.Map\nsEntry\ne\n", "!ycjava.util.Map$Entry\n"},
		{"r\nsjava.lang.Math\nsmax\ne\n", "!yo\n"},
		{"r\nsjavax\ne\n", "!yo\n"},
		{"r\nsjav\ne\n", "!yo\n"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.exchange(tt.command), "%q", tt.command)
	}
}

func TestConstructCallAndField(t *testing.T) {
	svr := newTestServer(t)
	serve(t, svr, nil)
	s := dial(t, svr)

	assert.Equal(t, "!yro1\n", s.exchange("i\nsjava.util.Random\ne\n"))
	assert.Equal(t, "!yi0\n", s.exchange("c\nro1\nsnextInt\ni1\ne\n"))
	assert.Equal(t, "!yi1\n", s.exchange("f\ng\nro1\nscalls\ne\n"))

	// Overloaded by argument count; a long argument converts to int64.
	assert.Equal(t, "!yro2\n", s.exchange("i\nsjava.util.Random\nL42\ne\n"))
	assert.Equal(t, "!yro3\n", s.exchange("i\nrz:java.util.Random\ne\n"))

	assert.Equal(t, "!yro4\n", s.exchange("i\nsjava.util.Map$Entry\nsk\\ney\ni7\ne\n"))
	assert.Equal(t, "!ysk\\ney\n", s.exchange("f\ng\nro4\nskey\ne\n"))
}

func TestStaticCalls(t *testing.T) {
	svr := newTestServer(t)
	serve(t, svr, nil)
	s := dial(t, svr)

	assert.Equal(t, "!yi5\n", s.exchange("c\nrz:java.lang.Math\nsabs\ni-5\ne\n"))
	assert.Equal(t, "!yL4294967296\n", s.exchange("c\nrz:java.lang.Math\nsabs\nL-4294967296\ne\n"))
	assert.Equal(t, "!yL85070591730234615847396907784232501249\n",
		s.exchange("c\nrz:java.math.BigInteger\nssquare\nL9223372036854775807\ne\n"))
}

func TestEntryPoint(t *testing.T) {
	svr := newTestServer(t)
	serve(t, svr, nil)
	s := dial(t, svr)

	assert.Equal(t, "!ysbridge greets you\n", s.exchange("c\nrt\nsgreet\nsyou\ne\n"))
	assert.Equal(t, "!ysbridge\n", s.exchange("f\ng\nrt\nsname\ne\n"))
}

func TestExceptions(t *testing.T) {
	svr := newTestServer(t)
	serve(t, svr, nil)
	s := dial(t, svr)

	require.Equal(t, "!yro1\n", s.exchange("i\nsjava.util.Random\ne\n"))
	resp := s.exchange("c\nro1\nsnextInt\ni0\ne\n")
	require.True(t, strings.HasPrefix(resp, "!xro"), resp)
	id := strings.TrimSuffix(strings.TrimPrefix(resp, "!xr"), "\n")
	assert.Equal(t, "!ysbound must be positive\n", s.exchange("c\nr"+id+"\nsgetMessage\ne\n"))

	resp = s.exchange("c\nro1\nsboom\ne\n")
	require.True(t, strings.HasPrefix(resp, "!xro"), resp)
	id = strings.TrimSuffix(strings.TrimPrefix(resp, "!xr"), "\n")
	assert.Equal(t, "!yspanic: kaboom\n", s.exchange("c\nr"+id+"\nsgetMessage\ne\n"))
}

func TestGatewayErrors(t *testing.T) {
	svr := newTestServer(t)
	serve(t, svr, nil)
	s := dial(t, svr)

	for _, command := range []string{
		"c\nro99\nsnextInt\ne\n",
		"c\nrz:java.lang.Nope\nsabs\ni1\ne\n",
		"c\nrz:java.lang.Math\nsabs\ne\n",
		"c\nrz:java.lang.Math\nsabs\nsnot-a-number\ne\n",
		"i\nsjava.util.Nope\ne\n",
		"f\ng\nro99\nsx\ne\n",
		"c\nrt\nsmissing\ne\n",
	} {
		resp := s.exchange(command)
		assert.True(t, strings.HasPrefix(resp, "!xs"), "%q answered %q", command, resp)
	}

	// The connection is still usable.
	assert.Equal(t, "!yp\n", s.exchange("r\nsjava\ne\n"))
}

func TestResponsesFollowCommandOrder(t *testing.T) {
	svr := newTestServer(t)
	serve(t, svr, nil)
	s := dial(t, svr)

	_, err := io.WriteString(s.conn, "c\nrz:java.lang.Math\nsabs\ni-1\ne\n"+
		"c\nrz:java.lang.Math\nsabs\ni-2\ne\n"+
		"c\nrz:java.lang.Math\nsabs\ni-3\ne\n")
	require.NoError(t, err)
	for _, want := range []string{"!yi1\n", "!yi2\n", "!yi3\n"} {
		line, err := protocol.ReadResponse(s.r)
		require.NoError(t, err)
		assert.Equal(t, want, line)
	}
}

func TestMalformedCommandDropsConnection(t *testing.T) {
	svr := newTestServer(t)
	serve(t, svr, nil)
	s := dial(t, svr)

	_, err := io.WriteString(s.conn, "x\ne\n")
	require.NoError(t, err)
	_, err = protocol.ReadResponse(s.r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestMiddleware(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	svr := newTestServer(t)
	svr.Use(middleware.LoggingMiddleware(zap.New(core)))
	serve(t, svr, nil)
	s := dial(t, svr)

	s.exchange("r\nsjava\ne\n")
	s.exchange("c\nro99\nsnextInt\ne\n")
	assert.Equal(t, 1, logs.FilterMessage("bridge command").Len())
	assert.Equal(t, 1, logs.FilterMessage("bridge command failed").Len())
}

func TestRegistryLifecycle(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := newTestServer(t, WithServiceName("jvm"), WithWeight(7))

	errc := make(chan error, 1)
	go func() { errc <- svr.Serve("tcp", "127.0.0.1:0", "", reg) }()
	addr := svr.Addr()
	require.NotEmpty(t, addr)

	instances, err := reg.Discover("jvm")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, addr, instances[0].Addr)
	assert.Equal(t, 7, instances[0].Weight)

	s := dial(t, svr)
	assert.Equal(t, "!yp\n", s.exchange("r\nsjava\ne\n"))

	require.NoError(t, svr.Shutdown(time.Second))
	require.NoError(t, <-errc)

	instances, _ = reg.Discover("jvm")
	assert.Empty(t, instances)
	_, err = protocol.ReadResponse(s.r)
	assert.Error(t, err, "open connections are closed on shutdown")
}

func TestServeListenError(t *testing.T) {
	svr := NewServer()
	assert.Error(t, svr.Serve("tcp", "256.0.0.1:0", "", nil))
	assert.Empty(t, svr.Addr())
}

func TestRegisterErrors(t *testing.T) {
	svr := NewServer()
	assert.Error(t, svr.Register("a.B", 42))
	assert.Error(t, svr.Register("a.B", func() {}))
	assert.Error(t, svr.Register("a.B", func(xs ...int) int { return len(xs) }))
	assert.Error(t, svr.RegisterStatic("a.B", "m", func() (int, int) { return 1, 2 }))
	assert.Error(t, svr.RegisterStatic("a.B", "", func() {}))
}
