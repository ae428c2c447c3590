// Package transport implements the client side of one bridge connection.
//
// The wire protocol carries no request id, so attribution is by order alone:
// every command is appended to a FIFO queue while holding the send slot, and
// the slot is kept until the command is fully written, so queue order is write
// order. Inbound bytes always belong to the request at the head of the queue.
// The queue lock is never held across socket I/O, so the reader can always
// hand over responses while a writer is blocked.
//
//	goroutine-1 ──Send(cmd A)──┐
//	goroutine-2 ──Send(cmd B)──┼──→ single TCP conn ──→ bridge
//	goroutine-3 ──Send(cmd C)──┘
//
//	recvLoop:  ←── "...A\n...B" → queue[0] (A) completes, queue[1] (B) accumulates
package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"mini-bridge/message"
)

// Dialer is the socket primitive the transport needs. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Resolver returns the address to dial on each (re)connect.
type Resolver func(ctx context.Context) (string, error)

// Static resolves to a fixed address.
func Static(addr string) Resolver {
	return func(context.Context) (string, error) { return addr, nil }
}

const (
	DefaultDialTimeout = 5 * time.Second
	DefaultCloseGrace  = 2 * time.Second
	readBufferSize     = 32 * 1024
)

// Options tunes a ClientTransport. Zero fields take defaults.
type Options struct {
	Dialer      Dialer
	DialTimeout time.Duration
	// CloseGrace bounds how long Close waits for the peer to finish the
	// connection after our side has been shut down for writing.
	CloseGrace time.Duration
	Logger     *zap.Logger
}

// ClientTransport owns at most one connection, dialed lazily on first use and
// redialed on the next Send after the connection is lost.
type ClientTransport struct {
	resolve     Resolver
	dialer      Dialer
	dialTimeout time.Duration
	closeGrace  time.Duration
	logger      *zap.Logger

	sending chan struct{} // one-slot semaphore held from enqueue to end of write
	dialing chan struct{} // one-slot semaphore held while dialing

	mu     sync.Mutex // guards conn, queue and closed
	conn   *connection
	queue  []*pending // FIFO: queue[0] owns the next inbound bytes
	closed bool
}

type connection struct {
	net.Conn
	addr     string
	readDone chan struct{} // closed when recvLoop exits
}

type pending struct {
	buf  bytes.Buffer
	done chan result // buffered, completed exactly once
}

type result struct {
	resp string
	err  error
}

func (p *pending) complete(resp string, err error) {
	p.done <- result{resp: resp, err: err}
}

// NewClientTransport creates a transport. No connection is made until the
// first Connect or Send.
func NewClientTransport(resolve Resolver, opts Options) *ClientTransport {
	t := &ClientTransport{
		resolve:     resolve,
		dialer:      opts.Dialer,
		dialTimeout: opts.DialTimeout,
		closeGrace:  opts.CloseGrace,
		logger:      opts.Logger,
		sending:     make(chan struct{}, 1),
		dialing:     make(chan struct{}, 1),
	}
	if t.dialer == nil {
		t.dialer = &net.Dialer{}
	}
	if t.dialTimeout <= 0 {
		t.dialTimeout = DefaultDialTimeout
	}
	if t.closeGrace <= 0 {
		t.closeGrace = DefaultCloseGrace
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	return t
}

// Connect dials the bridge unless a connection is already open.
func (t *ClientTransport) Connect(ctx context.Context) error {
	_, err := t.connect(ctx)
	return err
}

func (t *ClientTransport) current() (*connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, message.ErrTransportClosed
	}
	return t.conn, nil
}

// connect returns the open connection, dialing one if needed. Concurrent
// callers share a single dial.
func (t *ClientTransport) connect(ctx context.Context) (*connection, error) {
	if c, err := t.current(); c != nil || err != nil {
		return c, err
	}
	if err := acquire(ctx, t.dialing); err != nil {
		return nil, err
	}
	defer func() { <-t.dialing }()
	if c, err := t.current(); c != nil || err != nil {
		return c, err
	}

	addr, err := t.resolve(ctx)
	if err != nil {
		return nil, &message.TransportError{Op: "dial", Err: err}
	}
	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()
	nc, err := t.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, &message.TransportError{Op: "dial", Addr: addr, Err: err}
	}

	c := &connection{Conn: nc, addr: addr, readDone: make(chan struct{})}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		nc.Close()
		return nil, message.ErrTransportClosed
	}
	t.conn = c
	t.mu.Unlock()
	go t.recvLoop(c)
	t.logger.Info("connected to bridge", zap.String("addr", addr))
	return c, nil
}

func acquire(ctx context.Context, slot chan struct{}) error {
	select {
	case slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes one framed command and waits for its response line.
//
// Once written, a command cannot be withdrawn: if ctx ends first Send returns
// early, but the request keeps its place in the queue and its response is
// consumed and discarded when it arrives. A Send still waiting for its turn to
// write when ctx ends is never sent.
func (t *ClientTransport) Send(ctx context.Context, command string) (string, error) {
	c, err := t.connect(ctx)
	if err != nil {
		return "", err
	}
	if err := acquire(ctx, t.sending); err != nil {
		return "", err
	}

	p := &pending{done: make(chan result, 1)}
	t.mu.Lock()
	if t.conn != c {
		closed := t.closed
		t.mu.Unlock()
		<-t.sending
		if closed {
			return "", message.ErrTransportClosed
		}
		return "", &message.TransportError{Op: "write", Addr: c.addr, Err: message.ErrConnectionClosed}
	}
	t.queue = append(t.queue, p)
	t.mu.Unlock()

	_, err = io.WriteString(c, command)
	<-t.sending
	if err != nil {
		// The stream position is unknown after a failed write; drop the
		// connection so queued requests fail instead of being misattributed.
		c.Close()
		return "", &message.TransportError{Op: "write", Addr: c.addr, Err: err}
	}

	select {
	case r := <-p.done:
		return r.resp, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Pending reports how many requests are waiting for a response.
func (t *ClientTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// recvLoop is the only reader of c. Reads must be sequential to keep the
// byte stream in order.
func (t *ClientTransport) recvLoop(c *connection) {
	defer close(c.readDone)
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			t.feed(c, buf[:n])
		}
		if err != nil {
			t.connectionLost(c, err)
			return
		}
	}
}

// feed appends a chunk to the head request, completing and popping it at each
// newline. A chunk may finish one response and start the next.
func (t *ClientTransport) feed(c *connection, chunk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != c {
		return // closed or replaced; its requests have already been failed
	}
	for len(chunk) > 0 {
		if len(t.queue) == 0 {
			t.logger.Warn("discarding unsolicited data from bridge",
				zap.String("addr", c.addr), zap.Int("bytes", len(chunk)))
			return
		}
		head := t.queue[0]
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			head.buf.Write(chunk)
			return
		}
		head.buf.Write(chunk[:idx+1])
		chunk = chunk[idx+1:]
		t.queue[0] = nil
		t.queue = t.queue[1:]
		head.complete(head.buf.String(), nil)
	}
}

// connectionLost fails every request queued on c. The head gets the socket
// error itself; the rest see ErrConnectionClosed.
func (t *ClientTransport) connectionLost(c *connection, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != c {
		return
	}
	t.conn = nil
	c.Close()

	closedByPeer := errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
	if len(t.queue) == 0 {
		if closedByPeer {
			t.logger.Info("bridge connection closed", zap.String("addr", c.addr))
		} else {
			t.logger.Warn("bridge connection failed", zap.String("addr", c.addr), zap.Error(err))
		}
		return
	}

	headErr := err
	if closedByPeer {
		headErr = message.ErrConnectionClosed
	}
	t.logger.Warn("bridge connection lost with requests in flight",
		zap.String("addr", c.addr), zap.Int("pending", len(t.queue)), zap.Error(err))
	t.failAllLocked(&message.TransportError{Op: "read", Addr: c.addr, Err: headErr},
		&message.TransportError{Op: "read", Addr: c.addr, Err: message.ErrConnectionClosed})
}

func (t *ClientTransport) failAllLocked(headErr, restErr error) {
	for i, p := range t.queue {
		if i == 0 {
			p.complete("", headErr)
		} else {
			p.complete("", restErr)
		}
	}
	t.queue = nil
}

// Close fails every pending request, then shuts the connection down: it
// half-closes the write side and waits up to the close grace for the peer to
// finish before forcing the socket closed. Close is idempotent.
func (t *ClientTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	c := t.conn
	t.conn = nil
	closeErr := &message.TransportError{Op: "close", Err: message.ErrConnectionClosed}
	t.failAllLocked(closeErr, closeErr)
	t.mu.Unlock()

	if c == nil {
		return nil
	}

	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		if err := hc.CloseWrite(); err == nil {
			timer := time.NewTimer(t.closeGrace)
			defer timer.Stop()
			select {
			case <-c.readDone:
			case <-timer.C:
				t.logger.Warn("bridge did not close in time, forcing close", zap.String("addr", c.addr))
			}
		}
	}
	err := c.Close()
	<-c.readDone
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return &message.TransportError{Op: "close", Addr: c.addr, Err: err}
	}
	return nil
}
