package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"muxrpc/codec"
	"muxrpc/message"
	"muxrpc/protocol"
	"muxrpc/rpcerr"
)

func request(id uint32, payload string) *message.Envelope {
	return message.NewRequest(id, "Echo.Echo", message.Current(time.Second), []byte(payload))
}

func TestStreamTransportRoundTrip(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		t.Run(ct.String(), func(t *testing.T) {
			a, b := net.Pipe()
			client := NewStreamTransport(a, WithCodec(ct))
			server := NewStreamTransport(b, WithCodec(ct))
			defer client.Close()
			defer server.Close()

			sent := request(7, "ping")
			errc := make(chan error, 1)
			go func() { errc <- client.Send(context.Background(), sent) }()

			got, err := server.Receive()
			require.NoError(t, err)
			require.NoError(t, <-errc)
			assert.Equal(t, message.KindRequest, got.Kind)
			assert.Equal(t, uint32(7), got.RequestID)
			assert.Equal(t, "Echo.Echo", got.Method)
			assert.Equal(t, sent.Context.TraceID, got.Context.TraceID)
			assert.True(t, sent.Context.Deadline.Equal(got.Context.Deadline))
			assert.Equal(t, "ping", string(got.Payload))

			go func() { errc <- server.Send(context.Background(), message.NewErrorResponse(7, "nope", "bad_input")) }()
			resp, err := client.Receive()
			require.NoError(t, err)
			require.NoError(t, <-errc)
			assert.Equal(t, message.KindResponse, resp.Kind)
			assert.Equal(t, "nope", resp.Error)
			assert.Equal(t, "bad_input", resp.Code)
		})
	}
}

func TestStreamTransportSkipsHeartbeats(t *testing.T) {
	a, b := net.Pipe()
	client := NewStreamTransport(a, WithHeartbeat(5*time.Millisecond))
	server := NewStreamTransport(b)
	defer client.Close()
	defer server.Close()

	go func() {
		time.Sleep(30 * time.Millisecond) // let a few heartbeats through first
		_ = client.Send(context.Background(), request(1, "after heartbeats"))
	}()

	got, err := server.Receive()
	require.NoError(t, err)
	assert.Equal(t, "after heartbeats", string(got.Payload))
}

func TestStreamTransportShutdownFrame(t *testing.T) {
	a, b := net.Pipe()
	client := NewStreamTransport(a)
	server := NewStreamTransport(b)
	defer client.Close()
	defer server.Close()

	go func() { _ = client.Send(context.Background(), &message.Envelope{Kind: message.KindShutdown}) }()

	got, err := server.Receive()
	require.NoError(t, err)
	assert.Equal(t, message.KindShutdown, got.Kind)
}

func TestStreamTransportCleanEOF(t *testing.T) {
	a, b := net.Pipe()
	server := NewStreamTransport(b)
	defer server.Close()

	require.NoError(t, a.Close())
	_, err := server.Receive()
	assert.Equal(t, io.EOF, err)
}

func TestStreamTransportMalformedData(t *testing.T) {
	a, b := net.Pipe()
	server := NewStreamTransport(b)
	defer server.Close()
	defer a.Close()

	go func() { _, _ = a.Write([]byte("GET / HTTP/1.1\r\n\r\n")) }()

	_, err := server.Receive()
	var te *rpcerr.TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, "receive", te.Op)
}

func TestStreamTransportMalformedBody(t *testing.T) {
	a, b := net.Pipe()
	server := NewStreamTransport(b)
	defer server.Close()
	defer a.Close()

	go func() {
		_ = protocol.Encode(a, &protocol.Header{
			CodecType: protocol.CodecTypeBinary,
			MsgType:   protocol.MsgTypeRequest,
			Seq:       1,
		}, []byte{0x00, 0x01})
	}()

	_, err := server.Receive()
	var te *rpcerr.TransportError
	assert.True(t, errors.As(err, &te), "got %v", err)
}

func TestStreamTransportOversizedSend(t *testing.T) {
	a, b := net.Pipe()
	client := NewStreamTransport(a, WithMaxFrameSize(64))
	defer client.Close()
	defer b.Close()

	err := client.Send(context.Background(), request(1, string(make([]byte, 128))))
	var se *rpcerr.SerializationError
	assert.True(t, errors.As(err, &se), "got %v", err)
}

func TestStreamTransportClose(t *testing.T) {
	a, b := net.Pipe()
	client := NewStreamTransport(a)
	defer b.Close()

	require.NoError(t, client.Close())
	assert.NotPanics(t, func() { _ = client.Close() })

	assert.ErrorIs(t, client.Send(context.Background(), request(1, "x")), rpcerr.ErrTransportClosed)
	_, err := client.Receive()
	assert.ErrorIs(t, err, rpcerr.ErrTransportClosed)
}

func TestStreamTransportSendDeadline(t *testing.T) {
	t.Run("nothing written", func(t *testing.T) {
		a, b := net.Pipe()
		client := NewStreamTransport(a)
		server := NewStreamTransport(b)
		defer client.Close()
		defer server.Close()

		// Nobody reads b yet.
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		start := time.Now()
		err := client.Send(ctx, request(1, "stalled"))
		assert.ErrorIs(t, err, rpcerr.ErrDeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)

		// The stream is still aligned on a frame boundary.
		errc := make(chan error, 1)
		go func() { errc <- client.Send(context.Background(), request(2, "after")) }()
		got, err := server.Receive()
		require.NoError(t, err)
		require.NoError(t, <-errc)
		assert.Equal(t, uint32(2), got.RequestID)
	})

	t.Run("canceled", func(t *testing.T) {
		a, b := net.Pipe()
		client := NewStreamTransport(a)
		defer client.Close()
		defer b.Close()

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)
		assert.ErrorIs(t, client.Send(ctx, request(1, "stalled")), context.Canceled)
	})

	t.Run("cut off mid frame", func(t *testing.T) {
		a, b := net.Pipe()
		client := NewStreamTransport(a)
		defer client.Close()
		defer b.Close()

		// Take part of the header, then stop reading.
		go func() {
			buf := make([]byte, 5)
			_, _ = io.ReadFull(b, buf)
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := client.Send(ctx, request(1, "partial"))
		var te *rpcerr.TransportError
		require.True(t, errors.As(err, &te), "got %v", err)
		assert.Equal(t, "send", te.Op)

		assert.ErrorIs(t, client.Send(context.Background(), request(2, "x")), rpcerr.ErrTransportClosed)
	})

	t.Run("waiting for the write lock", func(t *testing.T) {
		a, b := net.Pipe()
		client := NewStreamTransport(a)
		defer b.Close()

		blocked := make(chan error, 1)
		go func() { blocked <- client.Send(context.Background(), request(1, "holds the lock")) }()
		time.Sleep(20 * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, client.Send(ctx, request(2, "queued")), rpcerr.ErrDeadlineExceeded)

		require.NoError(t, client.Close())
		assert.ErrorIs(t, <-blocked, rpcerr.ErrTransportClosed)
	})
}

func TestStreamTransportConcurrentSenders(t *testing.T) {
	ln, err := Listen("tcp", "127.0.0.1:0", WithCodec(codec.CodecTypeBinary))
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan Transport, 1)
	go func() {
		srv, err := ln.Accept()
		if err == nil {
			accepted <- srv
		}
	}()

	client, err := Dial(context.Background(), "tcp", ln.Addr().String(), WithCodec(codec.CodecTypeBinary))
	require.NoError(t, err)
	defer client.Close()
	server := <-accepted
	defer server.Close()

	const n = 50
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			assert.NoError(t, client.Send(context.Background(), request(id, "concurrent")))
		}(uint32(i))
	}

	seen := make(map[uint32]bool)
	for i := 0; i < n; i++ {
		env, err := server.Receive()
		require.NoError(t, err)
		assert.Equal(t, "concurrent", string(env.Payload))
		seen[env.RequestID] = true
	}
	wg.Wait()
	assert.Len(t, seen, n)

	if ra, ok := server.(RemoteAddresser); assert.True(t, ok) {
		assert.NotNil(t, ra.RemoteAddr())
	}
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), "tcp", addr)
	var te *rpcerr.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "dial", te.Op)
}

func TestPipe(t *testing.T) {
	a, b := Pipe(4)

	env := request(3, "hello")
	require.NoError(t, a.Send(context.Background(), env))
	env.Payload[0] = 'j' // the pipe must have copied it

	got, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got.Payload))

	require.NoError(t, a.Send(context.Background(), &message.Envelope{Kind: message.KindHeartbeat}))
	require.NoError(t, a.Send(context.Background(), request(4, "queued")))
	require.NoError(t, a.Close())
	assert.NoError(t, a.Close())

	// The peer drains what was sent before the close, then sees a clean EOF.
	got, err = b.Receive()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), got.RequestID)
	_, err = b.Receive()
	assert.Equal(t, io.EOF, err)

	_, err = a.Receive()
	assert.ErrorIs(t, err, rpcerr.ErrTransportClosed)
	assert.ErrorIs(t, a.Send(context.Background(), request(5, "late")), rpcerr.ErrTransportClosed)
	assert.ErrorIs(t, b.Send(context.Background(), request(5, "late")), rpcerr.ErrTransportClosed)
}

func TestPipeSendHonorsContext(t *testing.T) {
	a, b := Pipe(0)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.ErrorIs(t, a.Send(ctx, request(1, "nobody reads")), rpcerr.ErrDeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	canceled, cancel2 := context.WithCancel(context.Background())
	cancel2()
	assert.ErrorIs(t, a.Send(canceled, request(2, "canceled")), context.Canceled)

	// The pipe is still usable.
	errc := make(chan error, 1)
	go func() { errc <- a.Send(context.Background(), request(3, "delivered")) }()
	got, err := b.Receive()
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, uint32(3), got.RequestID)
}

func TestPipeListener(t *testing.T) {
	ln := NewPipeListener(1)

	accepted := make(chan Transport, 1)
	go func() {
		srv, err := ln.Accept()
		if err == nil {
			accepted <- srv
		}
	}()

	client, err := ln.Dial()
	require.NoError(t, err)
	server := <-accepted

	require.NoError(t, client.Send(context.Background(), request(1, "via listener")))
	got, err := server.Receive()
	require.NoError(t, err)
	assert.Equal(t, "via listener", string(got.Payload))

	require.NoError(t, ln.Close())
	_, err = ln.Accept()
	assert.ErrorIs(t, err, net.ErrClosed)
	_, err = ln.Dial()
	assert.ErrorIs(t, err, rpcerr.ErrTransportClosed)
	assert.Equal(t, "pipe", ln.Addr().Network())
}
