// Package client implements the caller side of a connection: it multiplexes any number of
// concurrent calls over one Transport and matches every response to its caller.
//
// Call flow:
//
//	Call → FromContext (deadline, trace) → pending.Register (id) → Transport.Send
//	     → wait for: response from recvLoop | deadline | connection loss
package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"muxrpc/message"
	"muxrpc/metrics"
	"muxrpc/pending"
	"muxrpc/rpcerr"
	"muxrpc/transport"
)

// Client is a dispatcher bound to one Transport. It is safe for concurrent use; many
// calls may be outstanding at once.
type Client struct {
	t       transport.Transport
	opts    options
	pending *pending.Table

	closeOnce sync.Once
	done      chan struct{} // closed once the connection is finished
	err       error         // terminal error, readable after done is closed
}

// NewClient starts the read loop on t and returns the dispatcher. The client owns t from
// now on and closes it when the connection ends.
func NewClient(t transport.Transport, opts ...Option) *Client {
	c := &Client{
		t:       t,
		opts:    newOptions(opts),
		pending: pending.NewTable(),
		done:    make(chan struct{}),
	}
	go c.recvLoop()
	return c
}

// Dial opens a stream transport to addr and starts a client on it.
func Dial(ctx context.Context, network, addr string, opts ...Option) (*Client, error) {
	o := newOptions(opts)
	topts := append([]transport.Option{transport.WithLogger(o.logger)}, o.transportOpts...)
	t, err := transport.Dial(ctx, network, addr, topts...)
	if err != nil {
		return nil, err
	}
	return NewClient(t, opts...), nil
}

// Call sends payload to method and waits for the result.
//
// The deadline is taken from ctx, or set to the default timeout when ctx has none; the
// trace id is taken from ctx (see message.WithTraceID) or freshly generated. Call returns:
//
//   - the response payload on success;
//   - *rpcerr.ApplicationError or *rpcerr.SerializationError when the handler failed;
//   - rpcerr.ErrDeadlineExceeded when the deadline passes first, including while the
//     request is still waiting to be written and when it has already passed on entry,
//     in which case nothing is sent;
//   - rpcerr.ErrTransportClosed or *rpcerr.TransportError when the connection ends first;
//   - ctx.Err() when ctx is canceled.
//
// Timing out only abandons the call locally; no cancellation reaches the server.
func (c *Client) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	cc, err := message.FromContext(ctx, c.opts.defaultTimeout)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, cc.Deadline)
		defer cancel()
	}

	call, err := c.pending.Register(method, cc.Deadline)
	if err != nil {
		return nil, err
	}
	c.opts.metrics.CallStarted()

	res := c.wait(ctx, call, message.NewRequest(call.ID, method, cc, payload))
	c.opts.metrics.CallFinished(method, outcomeOf(res.Err), time.Since(call.Start))
	return res.Payload, res.Err
}

func (c *Client) wait(ctx context.Context, call *pending.Call, req *message.Envelope) pending.Result {
	// The transport gives up on the write when ctx ends, so a peer that stops reading
	// cannot hold the caller past its deadline.
	if err := c.t.Send(ctx, req); err != nil {
		if !c.pending.Remove(call.ID) {
			// The connection failed under us and FailAll already resolved the call.
			return <-call.Done()
		}
		var te *rpcerr.TransportError
		if errors.As(err, &te) {
			c.shutdown(err, false)
		}
		return pending.Result{Err: err}
	}

	select {
	case res := <-call.Done():
		return res
	case <-ctx.Done():
		if !c.pending.Remove(call.ID) {
			// A response or connection failure won the race; it is already on Done.
			return <-call.Done()
		}
		c.opts.logger.Debug("call abandoned",
			zap.String("method", call.Method),
			zap.Uint32("id", call.ID),
			zap.String("trace_id", req.Context.TraceID),
			zap.Error(ctx.Err()))
		return pending.Result{Err: rpcerr.FromContext(ctx)}
	}
}

// recvLoop runs in a dedicated goroutine and owns the receive side of the transport.
// Each response is routed to its caller by request id; responses can arrive in any order.
// Responses nobody waits for any more are dropped.
func (c *Client) recvLoop() {
	for {
		env, err := c.t.Receive()
		if err != nil {
			c.shutdown(err, false)
			return
		}

		switch env.Kind {
		case message.KindResponse:
			res := pending.Result{Payload: env.Payload}
			if env.Failed() {
				res = pending.Result{Err: rpcerr.FromResponse(env.Error, env.Code)}
			}
			if !c.pending.Resolve(env.RequestID, res) {
				c.opts.logger.Debug("discarding response without pending call", zap.Uint32("id", env.RequestID))
			}
		case message.KindShutdown:
			c.shutdown(io.EOF, false)
			return
		default:
			c.opts.logger.Debug("ignoring unexpected envelope", zap.Stringer("kind", env.Kind), zap.Uint32("id", env.RequestID))
		}
	}
}

// shutdownNoticeTimeout bounds the write of the shutdown notice sent by Close.
const shutdownNoticeTimeout = 100 * time.Millisecond

// shutdown ends the connection once: it records the terminal error, fails every pending
// call with it and closes the transport. With notify set the peer is told that no more
// requests will come before the transport closes.
func (c *Client) shutdown(cause error, notify bool) {
	c.closeOnce.Do(func() {
		err := terminalError(cause)
		c.err = err
		n := c.pending.FailAll(err)
		close(c.done)
		if notify {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownNoticeTimeout)
			if serr := c.t.Send(ctx, &message.Envelope{Kind: message.KindShutdown}); serr != nil {
				c.opts.logger.Debug("shutdown notice not sent", zap.Error(serr))
			}
			cancel()
		}
		_ = c.t.Close()
		if n > 0 || !errors.Is(err, rpcerr.ErrTransportClosed) {
			c.opts.logger.Info("connection closed", zap.Int("failed_calls", n), zap.Error(err))
		}
	})
}

func terminalError(cause error) error {
	if cause == nil || errors.Is(cause, io.EOF) || errors.Is(cause, rpcerr.ErrTransportClosed) {
		return rpcerr.ErrTransportClosed
	}
	var te *rpcerr.TransportError
	if errors.As(cause, &te) {
		return cause
	}
	return &rpcerr.TransportError{Op: "receive", Err: cause}
}

// Close fails every pending call with rpcerr.ErrTransportClosed, tells the server the
// client is leaving and closes the transport. Pending calls are failed before the notice
// is written, and the notice is dropped if the peer does not take it within
// shutdownNoticeTimeout. Closing twice is a no-op.
func (c *Client) Close() error {
	c.shutdown(rpcerr.ErrTransportClosed, true)
	return nil
}

// Done is closed when the connection has ended, for whatever reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is live.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Pending returns the number of calls waiting for a response.
func (c *Client) Pending() int {
	return c.pending.Len()
}

func outcomeOf(err error) string {
	if err == nil {
		return metrics.OutcomeOK
	}
	var appErr *rpcerr.ApplicationError
	var serErr *rpcerr.SerializationError
	switch {
	case errors.As(err, &appErr):
		return metrics.OutcomeAppError
	case errors.As(err, &serErr):
		return metrics.OutcomeSerialization
	case errors.Is(err, rpcerr.ErrDeadlineExceeded):
		return metrics.OutcomeDeadline
	case errors.Is(err, context.Canceled):
		return metrics.OutcomeCanceled
	}
	return metrics.OutcomeTransport
}
