package client

import (
	"context"
	"testing"
	"time"

	"muxrpc/codec"
	"muxrpc/config"
	"muxrpc/message"
	"muxrpc/transport"
)

// 场景1: 单 goroutine 串行调用
func BenchmarkSerialCall(b *testing.B) {
	_, addr := startServer(b, config.Default())
	cli := dialServer(b, addr, config.Default())
	ctx := context.Background()

	args := &Args{A: 1, B: 2}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := Invoke[Args, Reply](ctx, cli, "Arith.Add", args); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景2: 多 goroutine 并发调用，共享一条连接（体现多路复用优势）
func BenchmarkConcurrentCall(b *testing.B) {
	cfg := config.Default()
	cfg.Codec = "binary"
	_, addr := startServer(b, cfg)
	cli := dialServer(b, addr, cfg)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		args := &Args{A: 1, B: 2}
		for pb.Next() {
			if _, err := Invoke[Args, Reply](ctx, cli, "Arith.Add", args); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// 场景3: 内存管道，不走网络，只测调度开销
func BenchmarkPipeCall(b *testing.B) {
	a, peer := transport.Pipe(1024)
	go echoPeer(peer)
	cli := NewClient(a)
	b.Cleanup(func() {
		_ = cli.Close()
		_ = peer.Close()
	})
	ctx := context.Background()
	payload := []byte(`{"A":1,"B":2}`)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := cli.Call(ctx, "Echo.Echo", payload); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func benchmarkCodec(b *testing.B, ct codec.CodecType) {
	cdc := codec.GetCodec(ct)
	msg := message.NewRequest(1, "Arith.Add", message.Current(time.Second), []byte(`{"A":1,"B":2}`))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := cdc.Encode(msg)
		if err != nil {
			b.Fatal(err)
		}
		var out message.Envelope
		if err := cdc.Decode(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景4: 编解码性能（不走网络，纯 codec）
func BenchmarkCodecJSON(b *testing.B)   { benchmarkCodec(b, codec.CodecTypeJSON) }
func BenchmarkCodecBinary(b *testing.B) { benchmarkCodec(b, codec.CodecTypeBinary) }
