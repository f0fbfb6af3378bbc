// Package server hosts jsoncomm connections: it accepts streams, gives each
// one a transport.Connection and routes the requests and events arriving on
// all of them to registered handlers.
//
// Request processing pipeline:
//
//	Accept conn → ServeConn (one read loop per connection)
//	  → for each request: handler goroutine (unless serial)
//	    → type registry decode → Middleware Chain → businessHandler → response
//
// The same server can serve TCP listeners, websocket upgrades and a process's
// stdio at once.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"jsoncomm/logger"
	"jsoncomm/message"
	"jsoncomm/middleware"
	"jsoncomm/registry"
	"jsoncomm/transport"
)

var ErrUnknownCommand = errors.New("no handler registered for command")

// Server is safe for concurrent use. Handlers, types and middlewares should be
// registered before the first connection is served; connections capture them
// when they are created.
type Server struct {
	log           logr.Logger
	concurrent    bool
	messageLogDir string
	connOpts      []transport.Option

	mu            sync.RWMutex
	services      map[string]*service // Registered services: "Diagnostics" → *service
	handlers      map[string]middleware.HandlerFunc
	eventHandlers map[string][]transport.EventHandler
	types         message.TypeRegistry
	middlewares   []middleware.Middleware // Registered middlewares (applied in order)
	handler       middleware.HandlerFunc  // middleware(middleware(...(businessHandler))), built on first use
	listeners     map[net.Listener]struct{}
	conns         map[*transport.Connection]struct{}

	inflight sync.WaitGroup // Tracks in-flight requests for graceful shutdown
	connWg   sync.WaitGroup
	shutdown atomic.Bool // Set during shutdown to suppress Accept errors

	registry      registry.Registry // nil if not using discovery
	serviceName   string
	advertiseAddr string // Address registered in the registry; differs from the listen address (":8080")
	ttl           int64
	advertise     sync.Once
	advertiseErr  error
}

type Option func(*Server)

func WithLogger(log logr.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithSerialRequests handles each connection's requests one at a time, in
// arrival order, on the connection's read loop.
func WithSerialRequests() Option {
	return func(s *Server) { s.concurrent = false }
}

// WithMessageLogDir records every packet of every connection to a file in dir.
func WithMessageLogDir(dir string) Option {
	return func(s *Server) { s.messageLogDir = dir }
}

// WithConnectionOptions appends options applied to every served connection.
func WithConnectionOptions(opts ...transport.Option) Option {
	return func(s *Server) { s.connOpts = append(s.connOpts, opts...) }
}

// WithRegistry advertises advertiseAddr under service once serving starts and
// withdraws it first thing during Shutdown.
func WithRegistry(reg registry.Registry, service, advertiseAddr string, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.serviceName = service
		s.advertiseAddr = advertiseAddr
		s.ttl = ttl
	}
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		log:           logr.Discard(),
		concurrent:    true,
		services:      make(map[string]*service),
		handlers:      make(map[string]middleware.HandlerFunc),
		eventHandlers: make(map[string][]transport.EventHandler),
		types:         message.TypeRegistry{},
		listeners:     make(map[net.Listener]struct{}),
		conns:         make(map[*transport.Connection]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register registers a service receiver (e.g., &Diagnostics{}) with the server.
// Every method of the form func(ctx, *Req) (*Resp, error) becomes a command.
func (svr *Server) Register(rcvr any) error {
	svc, err := NewService(rcvr)
	if err != nil {
		return err
	}

	svr.mu.Lock()
	defer svr.mu.Unlock()

	for command := range svc.method {
		if _, exists := svr.handlers[command]; exists {
			return fmt.Errorf("command %q of %s is already registered", command, svc.name)
		}
	}
	svr.services[svc.name] = svc
	for command, mt := range svc.method {
		svr.types[message.RequestKey(command)] = mt.factory()
		svr.handlers[command] = func(ctx context.Context, req message.Request) (any, error) {
			return svc.Call(ctx, mt, req)
		}
	}
	return nil
}

// Handle registers h for command. The request passed to h is a
// *message.GenericRequest unless a type was registered with RegisterRequestType.
func (svr *Server) Handle(command string, h middleware.HandlerFunc) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.handlers[command] = h
}

// HandleEvent subscribes h to events called name from any connection.
func (svr *Server) HandleEvent(name string, h transport.EventHandler) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.eventHandlers[name] = append(svr.eventHandlers[name], h)
}

// RegisterRequestType decodes requests for command as *T.
func RegisterRequestType[T any, PT interface {
	*T
	message.Request
}](svr *Server, command string) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	message.RegisterRequest[T, PT](svr.types, command)
}

// RegisterEventType decodes events called name as *T.
func RegisterEventType[T any, PT interface {
	*T
	message.Event
}](svr *Server, name string) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	message.RegisterEvent[T, PT](svr.types, name)
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.middlewares = append(svr.middlewares, mw)
}

// requestHandler builds the middleware chain once, on first use (not per request).
// Chain wraps middlewares in reverse order to create the onion model:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
func (svr *Server) requestHandler() middleware.HandlerFunc {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.handler == nil {
		svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	}
	return svr.handler
}

// businessHandler dispatches a request to the handler registered for its
// command. It is wrapped by the middleware chain.
func (svr *Server) businessHandler(ctx context.Context, req message.Request) (any, error) {
	svr.inflight.Add(1)
	defer svr.inflight.Done()

	svr.mu.RLock()
	h, ok := svr.handlers[req.RequestCommand()]
	svr.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, req.RequestCommand())
	}
	return h(ctx, req)
}

func (svr *Server) dispatchEvent(ctx context.Context, ev message.Event) error {
	svr.mu.RLock()
	handlers := svr.eventHandlers[ev.EventName()]
	svr.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListenAndServe listens on the given address and serves until Shutdown.
func (svr *Server) ListenAndServe(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.Serve(listener)
}

// Serve advertises the server if a registry is configured, then enters the
// Accept loop, one goroutine per connection. It returns nil after Shutdown.
func (svr *Server) Serve(listener net.Listener) error {
	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		return listener.Close()
	}
	svr.listeners[listener] = struct{}{}
	svr.mu.Unlock()

	if err := svr.advertiseOnce(context.Background()); err != nil {
		return err
	}
	svr.log.Info("Serving", "addr", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			// Check the shutdown flag to distinguish intentional close from real errors.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go func() {
			_ = svr.ServeConn(context.Background(), conn)
		}()
	}
}

// ServeConn serves one stream until it ends, the peer breaks the protocol,
// ctx is cancelled or the server shuts down.
func (svr *Server) ServeConn(ctx context.Context, rwc io.ReadWriteCloser) error {
	return svr.serve(ctx, rwc, rwc)
}

// ServeStdio serves the peer that launched this process over its stdio.
func (svr *Server) ServeStdio(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	if err := svr.advertiseOnce(ctx); err != nil {
		return err
	}
	return svr.serve(ctx, stdout, stdin)
}

// WebSocketHandler upgrades HTTP requests to websockets and serves each one as
// a connection. Every frame travels as one binary message.
func (svr *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			svr.log.Error(err, "Websocket upgrade failed", "remote", r.RemoteAddr)
			return
		}
		defer ws.CloseNow()

		if err := svr.ServeConn(r.Context(), transport.WebSocketNetConn(ws, svr.maxContentLength())); err != nil {
			svr.log.V(1).Info("Websocket connection ended", "remote", r.RemoteAddr, "error", err.Error())
			return
		}
		_ = ws.Close(websocket.StatusNormalClosure, "")
	})
}

func (svr *Server) serve(ctx context.Context, w io.Writer, r io.Reader) error {
	conn := svr.newConnection(w, r)

	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		return conn.Close()
	}
	svr.conns[conn] = struct{}{}
	svr.connWg.Add(1)
	svr.mu.Unlock()

	defer func() {
		svr.mu.Lock()
		delete(svr.conns, conn)
		svr.mu.Unlock()
		svr.connWg.Done()
	}()

	log := conn.Logger()
	log.V(1).Info("Connection opened")
	err := conn.ProcessMessages(ctx)
	if err != nil {
		log.Error(err, "Connection failed")
	} else {
		log.V(1).Info("Connection closed")
	}
	return err
}

func (svr *Server) newConnection(w io.Writer, r io.Reader) *transport.Connection {
	svr.mu.RLock()
	types := svr.types.Clone()
	svr.mu.RUnlock()

	opts := []transport.Option{
		transport.WithHandler(svr.requestHandler()),
		transport.WithTypes(types),
		transport.WithLogger(svr.log),
	}
	if svr.concurrent {
		opts = append(opts, transport.WithConcurrentRequests())
	}
	if svr.messageLogDir != "" {
		ml, err := logger.OpenMessageLog(svr.messageLogDir, "server")
		if err != nil {
			svr.log.Error(err, "Could not open message log", "dir", svr.messageLogDir)
		} else {
			opts = append(opts, transport.WithMessageLog(ml))
		}
	}
	opts = append(opts, svr.connOpts...)

	conn := transport.NewConnection(w, r, opts...)
	conn.OnEvent(svr.dispatchEvent)
	return conn
}

func (svr *Server) maxContentLength() int {
	return transport.MaxContentLength(svr.connOpts...)
}

// ConnectionCount returns the number of connections currently being served.
func (svr *Server) ConnectionCount() int {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	return len(svr.conns)
}

func (svr *Server) connections() []*transport.Connection {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	conns := make([]*transport.Connection, 0, len(svr.conns))
	for c := range svr.conns {
		conns = append(conns, c)
	}
	return conns
}

// Broadcast sends ev to every connected peer. It returns the first error
// encountered; the event is still attempted on every connection.
func (svr *Server) Broadcast(ctx context.Context, ev message.Event) error {
	var g errgroup.Group
	for _, conn := range svr.connections() {
		g.Go(func() error {
			if err := conn.SendEvent(ctx, ev); err != nil {
				conn.Logger().V(1).Info("Broadcast failed", "name", ev.EventName(), "error", err.Error())
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (svr *Server) advertiseOnce(ctx context.Context) error {
	if svr.registry == nil {
		return nil
	}
	svr.advertise.Do(func() {
		svr.advertiseErr = svr.registry.Register(ctx, svr.serviceName, registry.Endpoint{Addr: svr.advertiseAddr}, svr.ttl)
		if svr.advertiseErr != nil {
			svr.advertiseErr = fmt.Errorf("failed to advertise %s: %w", svr.advertiseAddr, svr.advertiseErr)
		}
	})
	return svr.advertiseErr
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry (clients stop routing to this server)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listeners (stop accepting new connections)
//  4. Wait for in-flight requests to finish, until ctx ends
//  5. Close every connection
func (svr *Server) Shutdown(ctx context.Context) error {
	var errs []error

	// Step 1: Deregister FIRST, so clients stop sending new requests
	if svr.registry != nil {
		if err := svr.registry.Deregister(ctx, svr.serviceName, svr.advertiseAddr); err != nil {
			errs = append(errs, err)
		}
	}

	// Step 2: Set shutdown flag BEFORE closing listeners
	svr.mu.Lock()
	svr.shutdown.Store(true)
	for l := range svr.listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		delete(svr.listeners, l)
	}
	svr.mu.Unlock()

	// Step 3: Wait for in-flight requests
	done := make(chan struct{})
	go func() {
		svr.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("timeout waiting for ongoing requests to finish: %w", ctx.Err()))
	}

	// Step 4: Close connections and wait for their read loops
	for _, conn := range svr.connections() {
		_ = conn.Close()
	}
	connsDone := make(chan struct{})
	go func() {
		svr.connWg.Wait()
		close(connsDone)
	}()
	select {
	case <-connsDone:
	case <-ctx.Done():
	}

	return errors.Join(errs...)
}
