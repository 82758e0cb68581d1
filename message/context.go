package message

import (
	"context"
	"time"

	"github.com/google/uuid"

	"muxrpc/rpcerr"
)

// Context is the per-call metadata that travels with every request: an absolute
// deadline and a trace id. It is a value; once built it is never modified.
type Context struct {
	Deadline time.Time `json:"deadline"`
	TraceID  string    `json:"trace_id,omitempty"`
}

// NewContext builds a Context. A deadline that is not in the future is rejected with
// rpcerr.ErrDeadlineExceeded; an empty trace id is replaced with a fresh one.
func NewContext(deadline time.Time, traceID string) (Context, error) {
	if !deadline.After(time.Now()) {
		return Context{}, rpcerr.ErrDeadlineExceeded
	}
	if traceID == "" {
		traceID = NewTraceID()
	}
	return Context{Deadline: deadline, TraceID: traceID}, nil
}

// Current returns the default Context of a top-level call.
func Current(timeout time.Duration) Context {
	return Context{Deadline: time.Now().Add(timeout), TraceID: NewTraceID()}
}

// Forward derives the Context of a nested call: same trace, and a deadline no later
// than the inbound one.
func (c Context) Forward(timeout time.Duration) Context {
	deadline := time.Now().Add(timeout)
	if !c.Deadline.IsZero() && c.Deadline.Before(deadline) {
		deadline = c.Deadline
	}
	traceID := c.TraceID
	if traceID == "" {
		traceID = NewTraceID()
	}
	return Context{Deadline: deadline, TraceID: traceID}
}

// Remaining returns the time left until the deadline (negative once expired).
func (c Context) Remaining() time.Duration {
	return time.Until(c.Deadline)
}

// Expired reports whether the deadline has passed.
func (c Context) Expired() bool {
	return !c.Deadline.After(time.Now())
}

// NewTraceID returns a fresh random trace identifier.
func NewTraceID() string {
	return uuid.NewString()
}

type traceKey struct{}

// WithTraceID returns a copy of ctx that carries the given trace id. Calls made with the
// returned context propagate it.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID returns the trace id carried by ctx, or "".
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

// FromContext derives the Context of an outgoing call from ctx. The deadline is taken
// from ctx when it has one, otherwise it is now + defaultTimeout; the trace id is taken
// from ctx when present, otherwise a fresh one is generated.
func FromContext(ctx context.Context, defaultTimeout time.Duration) (Context, error) {
	if err := ctx.Err(); err != nil {
		if err == context.DeadlineExceeded {
			return Context{}, rpcerr.ErrDeadlineExceeded
		}
		return Context{}, err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultTimeout)
	}
	return NewContext(deadline, TraceID(ctx))
}

// NewIncomingContext returns the context a server handler runs with: it expires at the
// inbound deadline and carries the inbound trace id. The deadline is advisory; nothing
// stops a handler that ignores it.
func NewIncomingContext(parent context.Context, c Context) (context.Context, context.CancelFunc) {
	ctx := parent
	if c.TraceID != "" {
		ctx = WithTraceID(ctx, c.TraceID)
	}
	if c.Deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, c.Deadline)
}
