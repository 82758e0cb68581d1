// Package transport defines the channel of envelopes the dispatchers run on, and ships
// two implementations: StreamTransport (framed envelopes over a byte stream such as TCP)
// and Pipe (an in-memory pair).
//
// A Transport carries many concurrent calls: the client stamps each request with a
// unique id, and the server echoes it in the response.
//
//	goroutine-1 ──Send(id=1)──┐
//	goroutine-2 ──Send(id=2)──┼──→ Transport ──→ Server
//	goroutine-3 ──Send(id=3)──┘
//
//	read loop:  ←── Receive() = response(id=2) → pending[2] → goroutine-2 wakes up
package transport

import (
	"context"
	"net"

	"muxrpc/message"
)

// Transport is one live, full-duplex connection carrying envelopes.
//
// One goroutine may Receive while any number of goroutines Send. Delivery is FIFO per
// direction. After Close, or after the peer goes away, every operation fails.
type Transport interface {
	// Send writes one envelope. It fails with rpcerr.ErrTransportClosed once the transport
	// is closed, *rpcerr.SerializationError when the envelope cannot be encoded, and
	// *rpcerr.TransportError when the write fails.
	//
	// Send gives up when ctx ends, returning rpcerr.FromContext(ctx). If nothing of env
	// was written the transport stays usable; a write cut off midway closes it and
	// returns *rpcerr.TransportError.
	Send(ctx context.Context, env *message.Envelope) error

	// Receive blocks for the next envelope. It returns io.EOF when the peer closed cleanly,
	// *rpcerr.TransportError on malformed or unreadable data, and rpcerr.ErrTransportClosed
	// after a local Close.
	Receive() (*message.Envelope, error)

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Listener hands out server-side transports, one per accepted connection.
type Listener interface {
	Accept() (Transport, error)
	Close() error
	Addr() net.Addr
}

// RemoteAddresser is implemented by transports that know their peer's address.
type RemoteAddresser interface {
	RemoteAddr() net.Addr
}
