// Package client calls services found through a registry. It keeps one
// multiplexed connection per endpoint address and redials an address whose
// connection has gone away.
//
//	Call(ctx, "arith", req, &resp)
//	  → Registry.Discover("arith") → Balancer.Pick → connection for addr → SendRequest
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	"jsoncomm/loadbalance"
	"jsoncomm/message"
	"jsoncomm/registry"
	"jsoncomm/transport"
)

var ErrClientClosed = errors.New("client is closed")

type Client struct {
	registry registry.Registry // find service endpoints from registry
	balancer loadbalance.Balancer
	affinity *loadbalance.ConsistentHashBalancer
	dialer   transport.Dialer
	connOpts []transport.Option
	log      logr.Logger

	ctx    context.Context // parent of every connection's read loop
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[string]*transport.Connection // connection for each endpoint address
	closed bool
	dials  singleflight.Group // one dial in flight per address, run without holding mu

	handlersMu    sync.RWMutex
	eventHandlers []transport.EventHandler
}

type Option func(*Client)

func WithLogger(log logr.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithDialer(d transport.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithConnectionOptions appends options applied to every connection the client dials.
func WithConnectionOptions(opts ...transport.Option) Option {
	return func(c *Client) { c.connOpts = append(c.connOpts, opts...) }
}

func NewClient(reg registry.Registry, bal loadbalance.Balancer, opts ...Option) *Client {
	if bal == nil {
		bal = &loadbalance.RoundRobinBalancer{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		registry: reg,
		balancer: bal,
		affinity: loadbalance.NewConsistentHashBalancer(),
		dialer:   transport.DefaultDialer,
		log:      logr.Discard(),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*transport.Connection),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to a single address, host:port or a ws:// URL, and starts
// processing messages on the new connection.
func Dial(ctx context.Context, addr string, opts ...transport.Option) (*transport.Connection, error) {
	return DialWithDialer(ctx, transport.DefaultDialer, addr, opts...)
}

// DialWithDialer is Dial with an explicit retry policy.
func DialWithDialer(ctx context.Context, d transport.Dialer, addr string, opts ...transport.Option) (*transport.Connection, error) {
	conn, err := dialAddr(ctx, d, addr, opts)
	if err != nil {
		return nil, err
	}
	conn.StartProcessing(context.Background())
	return conn, nil
}

func dialAddr(ctx context.Context, d transport.Dialer, addr string, opts []transport.Option) (*transport.Connection, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return d.DialWebSocket(ctx, addr, opts...)
	}
	return d.DialTCP(ctx, addr, opts...)
}

// OnEvent subscribes h to events from every connection, current and future.
func (c *Client) OnEvent(h transport.EventHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.eventHandlers = append(c.eventHandlers, h)
}

func (c *Client) dispatchEvent(ctx context.Context, ev message.Event) error {
	c.handlersMu.RLock()
	handlers := c.eventHandlers
	c.handlersMu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// liveConnection returns the connection for addr if it is still open,
// forgetting it otherwise. Called with c.mu held.
func (c *Client) liveConnection(addr string) (*transport.Connection, bool) {
	conn, ok := c.conns[addr]
	if !ok {
		return nil, false
	}
	select {
	case <-conn.Closed():
		c.log.V(1).Info("Connection lost, redialling", "addr", addr, "connection", conn.ID())
		delete(c.conns, addr)
		return nil, false
	default:
		return conn, true
	}
}

// getConnection returns the live connection for addr, dialling a new one if
// there is none or the previous one has gone away. Concurrent callers for the
// same address share one dial; callers for other addresses are not held up.
func (c *Client) getConnection(ctx context.Context, addr string) (*transport.Connection, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if conn, ok := c.liveConnection(addr); ok {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	// The dial is shared, so it must not end when the first caller gives up.
	// The dialer's retry limit and per-attempt timeout bound it.
	dialCtx := context.WithoutCancel(ctx)
	ch := c.dials.DoChan(addr, func() (any, error) {
		return c.dial(dialCtx, addr)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*transport.Connection), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) dial(ctx context.Context, addr string) (*transport.Connection, error) {
	conn, err := dialAddr(ctx, c.dialer, addr, append([]transport.Option{transport.WithLogger(c.log)}, c.connOpts...))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = conn.Close()
		return nil, ErrClientClosed
	}
	if existing, ok := c.liveConnection(addr); ok {
		_ = conn.Close()
		return existing, nil
	}

	conn.OnEvent(c.dispatchEvent)
	conn.StartProcessing(c.ctx)
	c.conns[addr] = conn
	c.log.V(1).Info("Connected", "addr", addr, "connection", conn.ID())
	return conn, nil
}

func (c *Client) discover(ctx context.Context, service string) ([]registry.Endpoint, error) {
	endpoints, err := c.registry.Discover(ctx, service)
	if err != nil {
		return nil, err
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%w: %q", registry.ErrServiceNotFound, service)
	}
	return endpoints, nil
}

func (c *Client) connect(ctx context.Context, service string) (*transport.Connection, error) {
	endpoints, err := c.discover(ctx, service)
	if err != nil {
		return nil, err
	}
	ep, err := c.balancer.Pick(endpoints)
	if err != nil {
		return nil, err
	}
	return c.getConnection(ctx, ep.Addr)
}

// Call sends req to an endpoint of service chosen by the balancer and decodes
// the response into resp.
func (c *Client) Call(ctx context.Context, service string, req message.Request, resp any) error {
	conn, err := c.connect(ctx, service)
	if err != nil {
		return err
	}
	return conn.SendRequest(ctx, req, resp)
}

// CallKey is Call with the endpoint chosen by consistent hashing on key, so
// calls with the same key reach the same endpoint while the set is stable.
func (c *Client) CallKey(ctx context.Context, service, key string, req message.Request, resp any) error {
	endpoints, err := c.discover(ctx, service)
	if err != nil {
		return err
	}
	c.affinity.Set(endpoints)
	ep, err := c.affinity.Pick(key)
	if err != nil {
		return err
	}
	conn, err := c.getConnection(ctx, ep.Addr)
	if err != nil {
		return err
	}
	return conn.SendRequest(ctx, req, resp)
}

// Emit sends ev to one endpoint of service.
func (c *Client) Emit(ctx context.Context, service string, ev message.Event) error {
	conn, err := c.connect(ctx, service)
	if err != nil {
		return err
	}
	return conn.SendEvent(ctx, ev)
}

// Close closes every connection. Calls still waiting for a response fail
// with transport.ErrConnectionClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conns := c.conns
	c.conns = make(map[string]*transport.Connection)
	c.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		errs = append(errs, conn.Close())
	}
	c.cancel()
	return errors.Join(errs...)
}
