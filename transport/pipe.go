package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"muxrpc/message"
	"muxrpc/rpcerr"
)

// Pipe returns the two ends of an in-memory connection. Envelopes are copied, never
// serialized. Each direction buffers up to buffer envelopes; Send blocks beyond that
// until the peer receives or ctx ends.
//
// Closing either end closes the connection: the other end's Receive drains what was
// already sent and then returns io.EOF, the closed end fails with rpcerr.ErrTransportClosed.
func Pipe(buffer int) (Transport, Transport) {
	shared := &pipeState{done: make(chan struct{})}
	ab := make(chan *message.Envelope, buffer)
	ba := make(chan *message.Envelope, buffer)
	return &pipeEnd{shared: shared, in: ba, out: ab, peer: "pipe-b"},
		&pipeEnd{shared: shared, in: ab, out: ba, peer: "pipe-a"}
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeEnd struct {
	shared *pipeState
	in     <-chan *message.Envelope
	out    chan<- *message.Envelope
	peer   string
	closed atomic.Bool
}

func (p *pipeEnd) Send(ctx context.Context, env *message.Envelope) error {
	if p.closed.Load() {
		return rpcerr.ErrTransportClosed
	}
	select {
	case <-p.shared.done:
		return rpcerr.ErrTransportClosed
	default:
	}

	select {
	case p.out <- env.Clone():
		return nil
	case <-p.shared.done:
		return rpcerr.ErrTransportClosed
	case <-ctx.Done():
		return rpcerr.FromContext(ctx)
	}
}

func (p *pipeEnd) Receive() (*message.Envelope, error) {
	for {
		var env *message.Envelope
		select {
		case env = <-p.in:
		case <-p.shared.done:
			if p.closed.Load() {
				return nil, rpcerr.ErrTransportClosed
			}
			select {
			case env = <-p.in:
			default:
				return nil, io.EOF
			}
		}
		if env.Kind == message.KindHeartbeat {
			continue
		}
		return env, nil
	}
}

func (p *pipeEnd) Close() error {
	p.closed.Store(true)
	p.shared.once.Do(func() { close(p.shared.done) })
	return nil
}

func (p *pipeEnd) RemoteAddr() net.Addr {
	return pipeAddr(p.peer)
}

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// PipeListener is an in-memory Listener: every Dial creates a Pipe and hands the far end
// to Accept.
type PipeListener struct {
	buffer int
	conns  chan Transport
	once   sync.Once
	done   chan struct{}
}

var _ Listener = (*PipeListener)(nil)

// NewPipeListener returns a listener whose pipes buffer up to buffer envelopes per direction.
func NewPipeListener(buffer int) *PipeListener {
	return &PipeListener{
		buffer: buffer,
		conns:  make(chan Transport),
		done:   make(chan struct{}),
	}
}

// Dial blocks until the server side is accepted, then returns the client end.
func (l *PipeListener) Dial() (Transport, error) {
	client, server := Pipe(l.buffer)
	select {
	case l.conns <- server:
		return client, nil
	case <-l.done:
		return nil, rpcerr.ErrTransportClosed
	}
}

func (l *PipeListener) Accept() (Transport, error) {
	select {
	case t := <-l.conns:
		return t, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *PipeListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *PipeListener) Addr() net.Addr { return pipeAddr("pipe-listener") }
