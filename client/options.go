package client

import (
	"time"

	"go.uber.org/zap"

	"muxrpc/codec"
	"muxrpc/config"
	"muxrpc/metrics"
	"muxrpc/transport"
)

type options struct {
	logger         *zap.Logger
	metrics        *metrics.Metrics
	defaultTimeout time.Duration
	payloadCodec   codec.Codec
	transportOpts  []transport.Option
}

// Option configures a Client.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		logger:         zap.NewNop(),
		defaultTimeout: config.Default().DefaultTimeout,
		payloadCodec:   codec.GetCodec(codec.CodecTypeJSON),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// WithLogger sets the logger; the default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records call counts and latencies into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithDefaultTimeout bounds calls whose context has no deadline.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.defaultTimeout = d
		}
	}
}

// WithPayloadCodec sets the codec Invoke uses for arguments and replies. It must handle
// arbitrary values; the default is JSON.
func WithPayloadCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.payloadCodec = c
		}
	}
}

// WithTransportOptions passes options through to the stream transport opened by Dial.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *options) { o.transportOpts = append(o.transportOpts, opts...) }
}

// WithConfig applies the client-relevant parts of cfg: the default timeout, and the codec,
// heartbeat and frame limit of the transport opened by Dial.
func WithConfig(cfg config.Config) Option {
	return func(o *options) {
		if cfg.DefaultTimeout > 0 {
			o.defaultTimeout = cfg.DefaultTimeout
		}
		o.transportOpts = append(o.transportOpts,
			transport.WithCodec(cfg.CodecType()),
			transport.WithHeartbeat(cfg.HeartbeatInterval),
			transport.WithMaxFrameSize(cfg.MaxFrameSize),
		)
	}
}
