// Package client is the host side of the bridge: a Gateway owns one transport
// to a bridge and hands out Paths (dotted expressions resolved by reflection
// probes) and ObjectRefs (handles on remote objects).
//
//	gw := client.New(client.WithAddress("127.0.0.1:25333"))
//	defer gw.Close()
//	rnd, _ := gw.JVM().Lookup("java.util.Random").Resolve(ctx)
//	n, _ := rnd.Object().Extend("nextInt").Resolve(ctx, message.Int(10))
package client

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mini-bridge/codec"
	"mini-bridge/config"
	"mini-bridge/loadbalance"
	"mini-bridge/message"
	"mini-bridge/middleware"
	"mini-bridge/protocol"
	"mini-bridge/registry"
	"mini-bridge/transport"
)

// DefaultAddress is where a bridge listens unless configured otherwise.
const DefaultAddress = "127.0.0.1:25333"

// Gateway is the client-side entry point for one connection to a bridge.
// It is safe for concurrent use; commands from concurrent callers share the
// connection and complete in the order they were written.
type Gateway struct {
	id        string
	transport *transport.ClientTransport
	handler   middleware.HandlerFunc
	pool      codec.ProxyPool
	logger    *zap.Logger

	registry registry.Registry
	service  string
	balancer loadbalance.Balancer
	closers  []io.Closer // owned resources, closed after the transport
}

type options struct {
	id          string
	addr        string
	registry    registry.Registry
	service     string
	balancer    loadbalance.Balancer
	middlewares []middleware.Middleware
	logger      *zap.Logger
	dialer      transport.Dialer
	dialTimeout time.Duration
	closeGrace  time.Duration
	pool        codec.ProxyPool
	closers     []io.Closer
}

type Option func(*options)

// WithAddress connects to a fixed bridge address.
func WithAddress(addr string) Option {
	return func(o *options) { o.addr = addr }
}

// WithRegistry looks the bridge up in reg under service on every (re)connect.
// A nil balancer picks round robin.
func WithRegistry(reg registry.Registry, service string, balancer loadbalance.Balancer) Option {
	return func(o *options) {
		o.registry = reg
		o.service = service
		o.balancer = balancer
	}
}

// WithMiddleware appends middlewares to the command pipeline. The first one
// runs outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithCloseGrace bounds how long Close waits for the bridge to finish.
func WithCloseGrace(d time.Duration) Option {
	return func(o *options) { o.closeGrace = d }
}

// WithProxyPool sets the pool that assigns ids to proxy arguments.
func WithProxyPool(pool codec.ProxyPool) Option {
	return func(o *options) { o.pool = pool }
}

// WithID overrides the generated gateway id.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// New creates a Gateway. No connection is made until the first command or an
// explicit Connect.
func New(opts ...Option) *Gateway {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.pool == nil {
		o.pool = codec.NewProxyPool()
	}

	g := &Gateway{
		id:       o.id,
		pool:     o.pool,
		logger:   o.logger.With(zap.String("gateway", o.id)),
		registry: o.registry,
		service:  o.service,
		balancer: o.balancer,
		closers:  o.closers,
	}

	resolve := transport.Static(o.addr)
	switch {
	case g.registry != nil:
		if g.balancer == nil {
			g.balancer = &loadbalance.RoundRobinBalancer{}
		}
		resolve = g.discover
	case o.addr == "":
		resolve = transport.Static(DefaultAddress)
	}

	g.transport = transport.NewClientTransport(resolve, transport.Options{
		Dialer:      o.dialer,
		DialTimeout: o.dialTimeout,
		CloseGrace:  o.closeGrace,
		Logger:      g.logger,
	})
	g.handler = middleware.Chain(o.middlewares...)(g.send)
	return g
}

// NewFromConfig builds a Gateway from configuration: a fixed address or etcd
// discovery, plus the logging, rate limit, retry and timeout middlewares.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	id := uuid.NewString()
	gc := cfg.Gateway
	opts := []Option{
		WithID(id),
		WithLogger(logger),
		WithDialTimeout(gc.GetDialTimeout()),
		WithCloseGrace(gc.GetCloseGrace()),
		WithMiddleware(middleware.LoggingMiddleware(logger.Named("command"))),
	}
	if gc.RateLimit.Rate > 0 {
		opts = append(opts, WithMiddleware(middleware.RateLimitMiddleware(gc.RateLimit.Rate, gc.RateLimit.Burst)))
	}
	if gc.Retry.MaxRetries > 0 {
		opts = append(opts, WithMiddleware(middleware.RetryMiddleware(gc.Retry.MaxRetries, gc.Retry.GetBaseDelay(), logger)))
	}
	if d := gc.GetRequestTimeout(); d > 0 {
		opts = append(opts, WithMiddleware(middleware.TimeOutMiddleware(d)))
	}

	dc := cfg.Discovery
	if len(dc.EtcdEndpoints) == 0 {
		return New(append(opts, WithAddress(gc.Address()))...), nil
	}

	key := dc.AffinityKey
	if key == "" {
		key = id
	}
	balancer, err := loadbalance.New(dc.Balancer, key)
	if err != nil {
		return nil, err
	}
	reg, err := registry.NewEtcdRegistry(dc.EtcdEndpoints, logger)
	if err != nil {
		return nil, err
	}
	opts = append(opts, WithRegistry(reg, dc.Service, balancer), func(o *options) {
		o.closers = append(o.closers, reg)
	})
	return New(opts...), nil
}

// ID identifies this gateway in logs and is the default affinity key.
func (g *Gateway) ID() string { return g.id }

func (g *Gateway) discover(ctx context.Context) (string, error) {
	instances, err := g.registry.Discover(g.service)
	if err != nil {
		return "", err
	}
	inst, err := g.balancer.Pick(instances)
	if err != nil {
		return "", fmt.Errorf("pick bridge for %s: %w", g.service, err)
	}
	g.logger.Debug("picked bridge", zap.String("addr", inst.Addr), zap.String("balancer", g.balancer.Name()))
	return inst.Addr, nil
}

// Connect opens the connection now instead of on the first command.
func (g *Gateway) Connect(ctx context.Context) error {
	return g.transport.Connect(ctx)
}

// Close fails every pending command and closes the connection.
func (g *Gateway) Close() error {
	err := g.transport.Close()
	for _, c := range g.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Do sends one command through the middleware chain and decodes the response.
func (g *Gateway) Do(ctx context.Context, cmd *protocol.Command) (message.Value, error) {
	return g.handler(ctx, cmd)
}

func (g *Gateway) send(ctx context.Context, cmd *protocol.Command) (message.Value, error) {
	resp, err := g.transport.Send(ctx, cmd.String())
	if err != nil {
		return message.Value{}, err
	}
	return codec.DecodeResponse(resp)
}

// JVM returns the root Path. Extending it walks the remote namespace.
func (g *Gateway) JVM() Path {
	return Path{gw: g, root: true}
}

// EntryPoint returns the object the bridge exposes as its entry point.
func (g *Gateway) EntryPoint() *ObjectRef {
	return g.Object(protocol.EntryPointID)
}

// Object wraps an existing remote id.
func (g *Gateway) Object(id string) *ObjectRef {
	return &ObjectRef{id: id, gw: g}
}
