// Package server implements the serving side of a connection: it reads requests,
// runs each one concurrently through the middleware chain and the registered handler,
// and writes every response back tagged with its request id.
//
// Request processing pipeline:
//
//	Accept transport → conn.readLoop (single goroutine reads envelopes)
//	  → for each request: go conn.handle (parallel processing, bounded by MaxInFlight)
//	    → Middleware Chain → dispatch (service method or raw handler) → write response
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"muxrpc/message"
	"muxrpc/middleware"
	"muxrpc/rpcerr"
	"muxrpc/transport"
)

// ErrServerClosed is returned by Serve, ListenAndServe and ServeTransport after Shutdown.
var ErrServerClosed = errors.New("rpc: server closed")

// RawHandler handles a method whose payload the server does not decode.
type RawHandler func(ctx context.Context, payload []byte) ([]byte, error)

// Server dispatches requests arriving on any number of connections. Register handlers
// before serving.
type Server struct {
	opts options

	mu          sync.RWMutex
	serviceMap  map[string]*service   // "Arith" → *service
	funcs       map[string]RawHandler // "Echo.Echo" → handler
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))

	connSem    *semaphore.Weighted // nil when connections are unbounded
	listeners  map[transport.Listener]struct{}
	conns      map[*conn]struct{}
	connWg     sync.WaitGroup
	inShutdown atomic.Bool
	inflight   atomic.Int64 // requests dispatched and not yet answered, all connections
}

// NewServer creates a server with no handlers.
func NewServer(opts ...Option) *Server {
	s := &Server{
		opts:       newOptions(opts),
		serviceMap: make(map[string]*service),
		funcs:      make(map[string]RawHandler),
		listeners:  make(map[transport.Listener]struct{}),
		conns:      make(map[*conn]struct{}),
	}
	if n := s.opts.maxConnections; n > 0 {
		s.connSem = semaphore.NewWeighted(int64(n))
	}
	s.handler = s.businessHandler
	return s
}

// Register publishes rcvr's suitable methods under its type name, e.g. "Arith.Add".
func (s *Server) Register(rcvr any) error {
	return s.RegisterName("", rcvr)
}

// RegisterName is like Register but uses name instead of the receiver's type name.
func (s *Server) RegisterName(name string, rcvr any) error {
	svc, err := NewService(rcvr, name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.serviceMap[svc.name]; dup {
		return fmt.Errorf("rpc: service already defined: %s", svc.name)
	}
	s.serviceMap[svc.name] = svc
	return nil
}

// HandleFunc registers fn for the full method name ("Service.Method"). Raw handlers take
// precedence over reflectively registered methods of the same name.
func (s *Server) HandleFunc(method string, fn RawHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs[method] = fn
}

// Use appends a middleware. Middlewares run in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
	// Rebuilt once here, not per request.
	s.handler = middleware.Chain(s.middlewares...)(s.businessHandler)
}

// ListenAndServe listens on a stream network address and serves it.
func (s *Server) ListenAndServe(network, address string) error {
	topts := append([]transport.Option{
		transport.WithLogger(s.opts.logger),
	}, s.opts.transportOpts...)
	l, err := transport.Listen(network, address, topts...)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts transports from l and serves each on its own goroutine. It returns
// ErrServerClosed after Shutdown, or the first Accept error.
func (s *Server) Serve(l transport.Listener) error {
	if !s.trackListener(l, true) {
		_ = l.Close()
		return ErrServerClosed
	}
	defer s.trackListener(l, false)

	for {
		// Wait for a free connection slot before taking the next connection.
		if s.connSem != nil {
			if err := s.connSem.Acquire(context.Background(), 1); err != nil {
				return err
			}
		}
		t, err := l.Accept()
		if err != nil {
			s.releaseConnSlot()
			// Closing the listener in Shutdown makes Accept fail.
			if s.shuttingDown() {
				return ErrServerClosed
			}
			return &rpcerr.TransportError{Op: "accept", Err: err}
		}
		c, ok := s.startConn(t)
		if !ok {
			s.releaseConnSlot()
			return ErrServerClosed
		}
		go func() {
			defer s.releaseConnSlot()
			s.runConn(c)
		}()
	}
}

// ServeTransport serves a single, already established transport and blocks until the
// connection is closed.
func (s *Server) ServeTransport(t transport.Transport) error {
	c, ok := s.startConn(t)
	if !ok {
		return ErrServerClosed
	}
	s.runConn(c)
	return nil
}

// Addr returns the address of the first active listener, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for l := range s.listeners {
		return l.Addr()
	}
	return nil
}

// Shutdown stops the server gracefully:
//  1. Stop accepting connections and reading new requests.
//  2. Wait for in-flight requests to be answered, or for ctx to end.
//  3. Close every connection and wait for its loop to finish.
//
// It returns ctx.Err() when ctx ended before the in-flight requests finished.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.inShutdown.Store(true)
	for l := range s.listeners {
		_ = l.Close()
	}
	s.mu.Unlock()

	err := waitIdle(ctx, func() bool { return s.inflight.Load() > 0 })

	s.mu.RLock()
	for c := range s.conns {
		c.close()
	}
	s.mu.RUnlock()
	s.connWg.Wait()

	if err != nil {
		s.opts.logger.Warn("shutdown cut short", zap.Int64("abandoned_requests", s.inflight.Load()), zap.Error(err))
	}
	return err
}

func (s *Server) shuttingDown() bool {
	return s.inShutdown.Load()
}

func (s *Server) releaseConnSlot() {
	if s.connSem != nil {
		s.connSem.Release(1)
	}
}

func (s *Server) trackListener(l transport.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !add {
		delete(s.listeners, l)
		return true
	}
	if s.shuttingDown() {
		return false
	}
	s.listeners[l] = struct{}{}
	return true
}

// startConn registers t as a live connection, unless the server is shutting down.
func (s *Server) startConn(t transport.Transport) (*conn, bool) {
	c := newConn(s, t)
	s.mu.Lock()
	if s.shuttingDown() {
		s.mu.Unlock()
		_ = t.Close()
		return nil, false
	}
	s.conns[c] = struct{}{}
	s.connWg.Add(1)
	s.mu.Unlock()

	s.opts.metrics.ConnOpened()
	c.setState(StateAccepting)
	return c, true
}

func (s *Server) runConn(c *conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.opts.metrics.ConnClosed()
		s.connWg.Done()
	}()
	c.serve()
}

// dispatch runs req through the middleware chain. A panic anywhere below is turned into
// an internal error response for this request only.
func (s *Server) dispatch(ctx context.Context, req *message.Envelope) (resp *message.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.opts.logger.Error("handler panicked",
				zap.String("method", req.Method),
				zap.Uint32("id", req.RequestID),
				zap.String("trace_id", req.Context.TraceID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			resp = message.NewErrorResponse(req.RequestID, "internal error", rpcerr.CodeInternal)
		}
	}()

	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	resp = h(ctx, req)
	if resp == nil {
		resp = message.NewErrorResponse(req.RequestID, "handler returned no response", rpcerr.CodeInternal)
	}
	return resp
}

// businessHandler is the innermost handler: it finds the handler for req.Method, runs it
// and builds the response.
//
// Flow for services: parse "Service.Method" → find service → find method → reflect.New(args)
// → decode payload → reflect.Call → encode reply
func (s *Server) businessHandler(ctx context.Context, req *message.Envelope) *message.Envelope {
	s.mu.RLock()
	fn := s.funcs[req.Method]
	s.mu.RUnlock()
	if fn != nil {
		out, err := fn(ctx, req.Payload)
		if err != nil {
			return errorResponse(req.RequestID, err)
		}
		return message.NewResponse(req.RequestID, out)
	}

	svc, mtype, err := s.lookup(req.Method)
	if err != nil {
		return errorResponse(req.RequestID, err)
	}

	argv := reflect.New(mtype.ArgType)
	replyv := reflect.New(mtype.ReplyType)
	if len(req.Payload) > 0 {
		if err := s.opts.payloadCodec.Decode(req.Payload, argv.Interface()); err != nil {
			return errorResponse(req.RequestID, &rpcerr.SerializationError{Err: fmt.Errorf("decode %s args: %w", req.Method, err)})
		}
	}

	if err := svc.Call(ctx, mtype, argv, replyv); err != nil {
		return errorResponse(req.RequestID, err)
	}

	out, err := s.opts.payloadCodec.Encode(replyv.Interface())
	if err != nil {
		return errorResponse(req.RequestID, &rpcerr.SerializationError{Err: fmt.Errorf("encode %s reply: %w", req.Method, err)})
	}
	return message.NewResponse(req.RequestID, out)
}

func (s *Server) lookup(method string) (*service, *methodType, error) {
	serviceName, methodName, ok := strings.Cut(method, ".")
	if !ok || serviceName == "" || methodName == "" || strings.Contains(methodName, ".") {
		return nil, nil, rpcerr.NewApplicationError(rpcerr.CodeNotImplemented, fmt.Sprintf("%s: %q", errBadMethodName, method))
	}

	s.mu.RLock()
	svc := s.serviceMap[serviceName]
	s.mu.RUnlock()
	if svc == nil {
		return nil, nil, rpcerr.NewApplicationError(rpcerr.CodeNotImplemented, "unknown service "+serviceName)
	}
	mtype := svc.method[methodName]
	if mtype == nil {
		return nil, nil, rpcerr.NewApplicationError(rpcerr.CodeNotImplemented, "unknown method "+method)
	}
	return svc, mtype, nil
}

func errorResponse(id uint32, err error) *message.Envelope {
	msg, code := rpcerr.ToResponse(err)
	if msg == "" && code == "" {
		msg = "unknown error"
	}
	return message.NewErrorResponse(id, msg, code)
}
