package transport

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

	"muxrpc/codec"
	"muxrpc/message"
	"muxrpc/protocol"
	"muxrpc/rpcerr"
)

// Options configure a StreamTransport.
type Options struct {
	Codec             codec.CodecType // Envelope body encoding for frames this side writes
	HeartbeatInterval time.Duration   // 0 disables the heartbeat loop
	MaxFrameSize      uint32          // Largest accepted frame body; 0 means protocol.DefaultMaxBodyLen
	Logger            *zap.Logger
}

// Option mutates Options.
type Option func(*Options)

// WithCodec selects the envelope body encoding.
func WithCodec(ct codec.CodecType) Option {
	return func(o *Options) { o.Codec = ct }
}

// WithHeartbeat enables periodic heartbeat frames.
func WithHeartbeat(interval time.Duration) Option {
	return func(o *Options) { o.HeartbeatInterval = interval }
}

// WithMaxFrameSize bounds frame bodies in both directions.
func WithMaxFrameSize(n uint32) Option {
	return func(o *Options) { o.MaxFrameSize = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func newOptions(opts []Option) Options {
	o := Options{Codec: codec.CodecTypeJSON, Logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = protocol.DefaultMaxBodyLen
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// StreamTransport frames envelopes over a byte stream.
// Each envelope becomes one protocol frame: the header carries the kind and request id,
// the body is the codec encoding of the envelope.
type StreamTransport struct {
	conn    io.ReadWriteCloser
	cdc     codec.Codec
	opts    Options
	sending *semaphore.Weighted // Write lock: frames from concurrent senders must not interleave

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

var _ Transport = (*StreamTransport)(nil)

// NewStreamTransport wraps conn and, if configured, starts the heartbeat loop.
func NewStreamTransport(conn io.ReadWriteCloser, opts ...Option) *StreamTransport {
	o := newOptions(opts)
	t := &StreamTransport{
		conn:    conn,
		cdc:     codec.GetCodec(o.Codec),
		opts:    o,
		sending: semaphore.NewWeighted(1),
		done:    make(chan struct{}),
	}
	if o.HeartbeatInterval > 0 {
		go t.heartbeatLoop(o.HeartbeatInterval)
	}
	return t
}

// Dial connects to addr and returns a transport over the new connection.
func Dial(ctx context.Context, network, addr string, opts ...Option) (*StreamTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, &rpcerr.TransportError{Op: "dial", Err: err}
	}
	return NewStreamTransport(conn, opts...), nil
}

// Send encodes env and writes it as a single frame. Safe for concurrent use.
//
// ctx bounds the wait for the write lock and, when the stream is a net.Conn, the write
// itself. A frame cut off midway closes the transport.
func (t *StreamTransport) Send(ctx context.Context, env *message.Envelope) error {
	if t.closed.Load() {
		return rpcerr.ErrTransportClosed
	}

	header := protocol.Header{
		CodecType: byte(t.cdc.Type()),
		MsgType:   msgTypeOf(env.Kind),
		Seq:       env.RequestID,
	}
	var body []byte
	if env.Kind == message.KindRequest || env.Kind == message.KindResponse {
		var err error
		body, err = t.cdc.Encode(env)
		if err != nil {
			return &rpcerr.SerializationError{Err: err}
		}
		if uint64(len(body)) > uint64(t.opts.MaxFrameSize) {
			return &rpcerr.SerializationError{Err: fmt.Errorf("%w: %d bytes", protocol.ErrFrameTooLarge, len(body))}
		}
	}
	return t.writeFrame(ctx, &header, body)
}

// writeFrame writes one frame under the write lock.
func (t *StreamTransport) writeFrame(ctx context.Context, header *protocol.Header, body []byte) error {
	if err := t.sending.Acquire(ctx, 1); err != nil {
		return rpcerr.FromContext(ctx)
	}
	defer t.sending.Release(1)
	if t.closed.Load() {
		return rpcerr.ErrTransportClosed
	}
	if ctx.Err() != nil {
		return rpcerr.FromContext(ctx)
	}

	w := &countingWriter{w: t.conn}
	var err error
	if dc, ok := t.conn.(writeDeadliner); ok {
		err = writeBefore(ctx, dc, func() error { return protocol.Encode(w, header, body) })
	} else {
		err = protocol.Encode(w, header, body)
	}
	if err == nil {
		return nil
	}
	if t.closed.Load() {
		return rpcerr.ErrTransportClosed
	}
	if w.n == 0 && ctx.Err() != nil {
		// Nothing reached the stream, so it is still aligned on a frame boundary.
		return rpcerr.FromContext(ctx)
	}
	// The peer would read the rest of the stream as garbage.
	_ = t.Close()
	return &rpcerr.TransportError{Op: "send", Err: err}
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// aLongTimeAgo is a non-zero time in the past; as a write deadline it fails a blocked
// Write at once.
var aLongTimeAgo = time.Unix(1, 0)

// writeBefore runs write with conn's write deadline tied to ctx: the ctx deadline, or
// right away once ctx is canceled. The deadline is cleared afterwards.
func writeBefore(ctx context.Context, conn writeDeadliner, write func() error) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetWriteDeadline(aLongTimeAgo)
		close(interrupted)
	})
	err := write()
	if !stop() {
		<-interrupted
	}
	_ = conn.SetWriteDeadline(time.Time{})
	return err
}

type countingWriter struct {
	w io.Writer
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}

// Receive reads frames until one carries an envelope. Heartbeats are consumed silently.
// Reads must be sequential to keep frame boundaries, so only one goroutine may call it.
func (t *StreamTransport) Receive() (*message.Envelope, error) {
	for {
		header, body, err := protocol.Decode(t.conn, t.opts.MaxFrameSize)
		if err != nil {
			if t.closed.Load() {
				return nil, rpcerr.ErrTransportClosed
			}
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, &rpcerr.TransportError{Op: "receive", Err: err}
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeShutdown:
			return &message.Envelope{Kind: message.KindShutdown}, nil
		}

		env := &message.Envelope{}
		cdc := codec.GetCodec(codec.CodecType(header.CodecType))
		if err := cdc.Decode(body, env); err != nil {
			return nil, &rpcerr.TransportError{Op: "receive", Err: fmt.Errorf("decode %s body: %w", cdc.Type(), err)}
		}
		// The header is authoritative for routing.
		env.Kind = kindOf(header.MsgType)
		env.RequestID = header.Seq
		return env, nil
	}
}

// Close closes the underlying connection and stops the heartbeat loop.
func (t *StreamTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

// RemoteAddr returns the peer address when the stream is a net.Conn.
func (t *StreamTransport) RemoteAddr() net.Addr {
	if c, ok := t.conn.(net.Conn); ok {
		return c.RemoteAddr()
	}
	return nil
}

// heartbeatLoop sends periodic heartbeat frames so that idle connections are kept
// alive and dead peers surface as write errors. Heartbeat frames have no body.
func (t *StreamTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	header := &protocol.Header{
		CodecType: byte(t.cdc.Type()),
		MsgType:   protocol.MsgTypeHeartbeat,
	}
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		if err := t.writeFrame(context.Background(), header, nil); err != nil {
			if !errors.Is(err, rpcerr.ErrTransportClosed) {
				t.opts.Logger.Debug("heartbeat failed, stopping", zap.Error(err))
			}
			return
		}
	}
}

func msgTypeOf(k message.Kind) protocol.MsgType {
	switch k {
	case message.KindResponse:
		return protocol.MsgTypeResponse
	case message.KindHeartbeat:
		return protocol.MsgTypeHeartbeat
	case message.KindShutdown:
		return protocol.MsgTypeShutdown
	}
	return protocol.MsgTypeRequest
}

func kindOf(mt protocol.MsgType) message.Kind {
	switch mt {
	case protocol.MsgTypeResponse:
		return message.KindResponse
	case protocol.MsgTypeHeartbeat:
		return message.KindHeartbeat
	case protocol.MsgTypeShutdown:
		return message.KindShutdown
	}
	return message.KindRequest
}

// StreamListener accepts TCP (or unix) connections as StreamTransports.
type StreamListener struct {
	ln   net.Listener
	opts []Option
}

var _ Listener = (*StreamListener)(nil)

// Listen announces on the local network address.
func Listen(network, addr string, opts ...Option) (*StreamListener, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	return NewStreamListener(ln, opts...), nil
}

// NewStreamListener wraps an existing net.Listener.
func NewStreamListener(ln net.Listener, opts ...Option) *StreamListener {
	return &StreamListener{ln: ln, opts: opts}
}

// Accept waits for the next connection.
func (l *StreamListener) Accept() (Transport, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewStreamTransport(conn, l.opts...), nil
}

func (l *StreamListener) Close() error { return l.ln.Close() }

func (l *StreamListener) Addr() net.Addr { return l.ln.Addr() }
