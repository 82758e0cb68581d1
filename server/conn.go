package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"muxrpc/message"
	"muxrpc/rpcerr"
	"muxrpc/transport"
)

// ConnState is the lifecycle stage of a served connection. States only move forward:
//
//	Accepting → Active → Draining → Closed
type ConnState int32

const (
	// StateAccepting: the transport was accepted, its read loop has not started.
	StateAccepting ConnState = iota
	// StateActive: requests are being read and dispatched.
	StateActive
	// StateDraining: no more requests are read; in-flight handlers are finishing.
	StateDraining
	// StateClosed: every handler returned and the transport is closed.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAccepting:
		return "accepting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("ConnState(%d)", int32(s))
}

// ConnInfo identifies a connection in state hooks.
type ConnInfo struct {
	ID         uint64
	RemoteAddr net.Addr // nil when the transport does not know its peer
}

var connSeq atomic.Uint64

// conn serves one transport: a single read loop dispatches each request to its own
// goroutine, and handlers write their responses concurrently through the transport.
type conn struct {
	srv  *Server
	t    transport.Transport
	info ConnInfo
	log  *zap.Logger
	sem  *semaphore.Weighted // nil when in-flight requests are unbounded

	ctx    context.Context // canceled when the transport is force-closed; bounds response writes
	cancel context.CancelFunc

	state     atomic.Int32
	handlers  sync.WaitGroup // touched only by the read loop goroutine (Add, Wait) and handlers (Done)
	closeOnce sync.Once
}

func newConn(srv *Server, t transport.Transport) *conn {
	info := ConnInfo{ID: connSeq.Add(1)}
	if ra, ok := t.(transport.RemoteAddresser); ok {
		info.RemoteAddr = ra.RemoteAddr()
	}
	log := srv.opts.logger.With(zap.Uint64("conn", info.ID))
	if info.RemoteAddr != nil {
		log = log.With(zap.Stringer("remote", info.RemoteAddr))
	}
	c := &conn{srv: srv, t: t, info: info, log: log}
	if n := srv.opts.maxInFlight; n > 0 {
		c.sem = semaphore.NewWeighted(int64(n))
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.state.Store(int32(StateAccepting))
	return c
}

func (c *conn) setState(s ConnState) {
	c.state.Store(int32(s))
	c.log.Debug("connection state", zap.Stringer("state", s))
	if hook := c.srv.opts.connStateHook; hook != nil {
		hook(c.info, s)
	}
}

func (c *conn) getState() ConnState {
	return ConnState(c.state.Load())
}

// serve runs the read loop until the peer leaves, the transport fails or the server
// shuts down, then drains in-flight handlers and closes the transport.
func (c *conn) serve() {
	c.setState(StateActive)
	c.readLoop()

	c.setState(StateDraining)
	c.handlers.Wait()
	c.close()
	c.setState(StateClosed)
}

func (c *conn) readLoop() {
	for {
		env, err := c.t.Receive()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, rpcerr.ErrTransportClosed):
				c.log.Debug("connection closed by peer")
			default:
				c.log.Info("connection failed", zap.Error(err))
			}
			return
		}

		switch env.Kind {
		case message.KindRequest:
		case message.KindShutdown:
			c.log.Debug("peer is shutting down")
			return
		default:
			c.log.Debug("ignoring unexpected envelope", zap.Stringer("kind", env.Kind), zap.Uint32("id", env.RequestID))
			continue
		}

		if c.srv.shuttingDown() {
			return
		}
		// Reading stops here while MaxInFlight requests are running; the transport
		// buffers or the peer blocks.
		if c.sem != nil {
			if err := c.sem.Acquire(c.ctx, 1); err != nil {
				return
			}
		}
		c.handlers.Add(1)
		c.srv.inflight.Add(1)
		c.srv.opts.metrics.RequestStarted()
		go c.handle(env)
	}
}

// handle runs one request and writes its response. Responses go out in completion
// order, not arrival order.
func (c *conn) handle(req *message.Envelope) {
	defer func() {
		if c.sem != nil {
			c.sem.Release(1)
		}
		c.srv.opts.metrics.RequestFinished()
		c.srv.inflight.Add(-1)
		c.handlers.Done()
	}()

	ctx, cancel := message.NewIncomingContext(context.Background(), req.Context)
	defer cancel()

	resp := c.srv.dispatch(ctx, req)
	resp.Kind = message.KindResponse
	resp.RequestID = req.RequestID
	c.write(req, resp)
}

// write sends resp. A peer that stops reading holds the handler here until the
// connection is force-closed.
func (c *conn) write(req, resp *message.Envelope) {
	err := c.t.Send(c.ctx, resp)
	var serErr *rpcerr.SerializationError
	if errors.As(err, &serErr) {
		// The reply itself could not be framed; tell the caller instead of leaving it
		// to time out.
		c.log.Warn("response not encodable", zap.String("method", req.Method), zap.Uint32("id", req.RequestID), zap.Error(err))
		msg, code := rpcerr.ToResponse(err)
		err = c.t.Send(c.ctx, message.NewErrorResponse(req.RequestID, msg, code))
	}
	switch {
	case err == nil:
	case errors.Is(err, rpcerr.ErrTransportClosed), errors.Is(err, context.Canceled):
		c.log.Debug("discarding response, connection closed", zap.String("method", req.Method), zap.Uint32("id", req.RequestID))
	default:
		c.log.Warn("write response failed", zap.String("method", req.Method), zap.Uint32("id", req.RequestID), zap.Error(err))
	}
}

// close force-closes the transport; a blocked read loop or semaphore wait returns.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.t.Close()
	})
}

// waitIdle polls until no request is in flight on any connection.
func waitIdle(ctx context.Context, busy func() bool) error {
	const maxInterval = 100 * time.Millisecond
	interval := time.Millisecond
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		if !busy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if interval *= 2; interval > maxInterval {
				interval = maxInterval
			}
			timer.Reset(interval)
		}
	}
}
