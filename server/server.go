// Package server implements an in-process bridge: a TCP server that speaks the
// bridge wire protocol and exposes Go functions and objects registered by
// class name. Gateways and tests use it in place of a real bridge host.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (one goroutine per connection)
//	  → for each command, in order: protocol.Decode → Middleware Chain → dispatch → write response
//
// Commands on one connection are handled strictly one after another: the
// protocol has no correlation id, so responses must leave in arrival order.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"mini-bridge/codec"
	"mini-bridge/message"
	"mini-bridge/middleware"
	"mini-bridge/protocol"
	"mini-bridge/registry"
)

// Server hosts registered classes and the objects created from them.
type Server struct {
	mu      sync.RWMutex
	classes map[string]*class // "java.util.Random" → *class
	objects *objectTable

	logger      *zap.Logger
	serviceName string
	weight      int
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(dispatch)))

	ready     chan struct{} // closed once Serve has a listener or has failed
	readyOnce sync.Once

	connMu        sync.Mutex // guards everything below
	listener      net.Listener
	conns         map[net.Conn]struct{}
	shutdown      bool
	registry      registry.Registry
	advertiseAddr string

	connWG sync.WaitGroup // connection goroutines
	wg     sync.WaitGroup // in-flight commands, for graceful shutdown
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithServiceName sets the name the bridge registers under. Default "bridge".
func WithServiceName(name string) Option {
	return func(s *Server) { s.serviceName = name }
}

// WithWeight sets the load balancing weight advertised in the registry.
func WithWeight(weight int) Option {
	return func(s *Server) { s.weight = weight }
}

// NewServer creates a bridge with no registered classes.
func NewServer(opts ...Option) *Server {
	s := &Server{
		classes:     make(map[string]*class),
		objects:     newObjectTable(),
		logger:      zap.NewNop(),
		serviceName: "bridge",
		weight:      10,
		ready:       make(chan struct{}),
		conns:       make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a constructor for className. ctor is any function returning
// (T) or (T, error); registering several constructors with different argument
// counts overloads them. Every dotted prefix of className becomes a package.
func (svr *Server) Register(className string, ctor any) error {
	fn, err := checkFunc(ctor)
	if err != nil {
		return err
	}
	if fn.Type().NumOut() == 0 {
		return fmt.Errorf("bridge: constructor for %s returns nothing", className)
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	c := svr.classLocked(className)
	c.ctors = append(c.ctors, fn)
	return nil
}

// RegisterStatic adds a static method to className.
func (svr *Server) RegisterStatic(className, method string, fn any) error {
	v, err := checkFunc(fn)
	if err != nil {
		return err
	}
	if method == "" {
		return fmt.Errorf("bridge: empty method name")
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	c := svr.classLocked(className)
	c.statics[method] = append(c.statics[method], v)
	return nil
}

// SetEntryPoint exposes obj under the well-known entry point id.
func (svr *Server) SetEntryPoint(obj any) {
	svr.objects.set(protocol.EntryPointID, obj)
}

// Objects reports how many objects are currently held by reference.
func (svr *Server) Objects() int {
	return svr.objects.len()
}

func (svr *Server) classLocked(name string) *class {
	c, ok := svr.classes[name]
	if !ok {
		c = &class{name: name, statics: make(map[string][]reflect.Value)}
		svr.classes[name] = c
	}
	return c
}

func (svr *Server) lookupClass(name string) *class {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	return svr.classes[name]
}

func (svr *Server) isPackage(path string) bool {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	for name := range svr.classes {
		if strings.HasPrefix(name, path+".") {
			return true
		}
	}
	return false
}

// Use registers a middleware. Middlewares are applied in the order they are
// added and must be registered before Serve.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address, registers the bridge with reg (if not nil) and
// accepts connections until Shutdown.
//
// advertiseAddr is the address published in the registry; when empty the
// listener's own address is used.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	defer svr.readyOnce.Do(func() { close(svr.ready) })

	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	if advertiseAddr == "" {
		advertiseAddr = listener.Addr().String()
	}

	// Chain(A, B, C)(handler) → A(B(C(handler)))
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatch)

	svr.connMu.Lock()
	if svr.shutdown {
		svr.connMu.Unlock()
		listener.Close()
		return nil
	}
	svr.listener = listener
	svr.advertiseAddr = advertiseAddr
	svr.registry = reg
	svr.connMu.Unlock()

	if reg != nil {
		// TTL = 10 seconds, KeepAlive renews automatically
		err := reg.Register(svr.serviceName, registry.ServiceInstance{Addr: advertiseAddr, Weight: svr.weight}, 10)
		if err != nil {
			listener.Close()
			return fmt.Errorf("register bridge: %w", err)
		}
	}
	svr.readyOnce.Do(func() { close(svr.ready) })
	svr.logger.Info("bridge listening", zap.String("addr", listener.Addr().String()), zap.String("advertise", advertiseAddr))

	for {
		conn, err := listener.Accept()
		if err != nil {
			// Shutdown closes the listener, which surfaces here as an Accept error.
			if svr.isShutdown() {
				return nil
			}
			return err
		}
		svr.connMu.Lock()
		if svr.shutdown {
			svr.connMu.Unlock()
			conn.Close()
			continue
		}
		svr.conns[conn] = struct{}{}
		svr.connWG.Add(1)
		svr.connMu.Unlock()
		go svr.handleConn(conn)
	}
}

// Addr waits until Serve is listening and returns the listener address, or
// "" if Serve failed.
func (svr *Server) Addr() string {
	<-svr.ready
	svr.connMu.Lock()
	defer svr.connMu.Unlock()
	if svr.listener == nil {
		return ""
	}
	return svr.listener.Addr().String()
}

func (svr *Server) isShutdown() bool {
	svr.connMu.Lock()
	defer svr.connMu.Unlock()
	return svr.shutdown
}

// begin tracks one command for graceful shutdown. It fails once shutdown has started.
func (svr *Server) begin() bool {
	svr.connMu.Lock()
	defer svr.connMu.Unlock()
	if svr.shutdown {
		return false
	}
	svr.wg.Add(1)
	return true
}

func (svr *Server) handleConn(conn net.Conn) {
	defer svr.connWG.Done()
	defer func() {
		svr.connMu.Lock()
		delete(svr.conns, conn)
		svr.connMu.Unlock()
		conn.Close()
	}()

	logger := svr.logger.With(zap.String("remote", conn.RemoteAddr().String()))
	r := bufio.NewReader(conn)
	for {
		cmd, err := protocol.Decode(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				// The stream cannot be resynchronized after a framing error.
				logger.Warn("dropping connection", zap.Error(err))
			}
			return
		}
		if !svr.begin() {
			return
		}
		err = svr.handleCommand(conn, cmd)
		svr.wg.Done()
		if err != nil {
			logger.Debug("write response failed", zap.Error(err))
			return
		}
	}
}

// handleCommand runs cmd through the middleware chain and writes exactly one
// response line.
func (svr *Server) handleCommand(w io.Writer, cmd *protocol.Command) error {
	v, err := svr.handler(context.Background(), cmd)
	if err != nil {
		var re *message.RemoteError
		if errors.As(err, &re) {
			return protocol.WriteError(w, string(codec.TagReference)+re.RefID)
		}
		return protocol.WriteError(w, string(codec.TagString)+codec.Escape(err.Error()))
	}

	seg, err := encodeResult(v)
	if err != nil {
		return protocol.WriteError(w, string(codec.TagString)+codec.Escape(err.Error()))
	}
	return protocol.WriteResponse(w, seg)
}

func encodeResult(v message.Value) (string, error) {
	switch v.Kind() {
	case message.KindVoid:
		return string(codec.TagVoid), nil
	case message.KindRaw:
		return string(v.Tag()) + v.Text(), nil
	}
	return codec.EncodeValue(v, nil)
}

// Shutdown stops the bridge:
//  1. Deregister from the registry so gateways stop picking this bridge
//  2. Close the listener
//  3. Wait for in-flight commands to finish (with timeout)
//  4. Close every open connection
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.connMu.Lock()
	svr.shutdown = true
	listener, reg, addr := svr.listener, svr.registry, svr.advertiseAddr
	svr.connMu.Unlock()

	if reg != nil {
		if err := reg.Deregister(svr.serviceName, addr); err != nil {
			svr.logger.Warn("deregister failed", zap.Error(err))
		}
	}
	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing commands to finish")
	}

	svr.connMu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.connMu.Unlock()
	if err == nil {
		svr.connWG.Wait()
	}
	return err
}
