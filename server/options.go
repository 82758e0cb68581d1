package server

import (
	"go.uber.org/zap"

	"muxrpc/codec"
	"muxrpc/config"
	"muxrpc/metrics"
	"muxrpc/transport"
)

type options struct {
	logger         *zap.Logger
	metrics        *metrics.Metrics
	maxInFlight    int
	maxConnections int
	payloadCodec   codec.Codec
	transportOpts  []transport.Option
	connStateHook  func(ConnInfo, ConnState)
}

// Option configures a Server.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		logger:       zap.NewNop(),
		payloadCodec: codec.GetCodec(codec.CodecTypeJSON),
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

// WithMetrics tracks live connections and in-flight requests in m. Per-method request
// counts come from middleware.MetricsMiddleware.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithMaxInFlight bounds the requests handled concurrently on each connection; the read
// loop stops reading until a slot frees up. 0 means unbounded.
func WithMaxInFlight(n int) Option {
	return func(o *options) { o.maxInFlight = n }
}

// WithMaxConnections bounds the connections served at once; Serve stops accepting until
// one closes. 0 means unbounded.
func WithMaxConnections(n int) Option {
	return func(o *options) { o.maxConnections = n }
}

// WithPayloadCodec sets the codec used for the arguments and replies of registered
// services. It must handle arbitrary values; the default is JSON.
func WithPayloadCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.payloadCodec = c
		}
	}
}

// WithTransportOptions passes options through to the transports ListenAndServe accepts.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *options) { o.transportOpts = append(o.transportOpts, opts...) }
}

// WithConnStateHook calls hook on every connection state change. The hook runs on the
// connection's goroutines and must not block.
func WithConnStateHook(hook func(ConnInfo, ConnState)) Option {
	return func(o *options) { o.connStateHook = hook }
}

// WithConfig applies the server-relevant parts of cfg: the concurrency limits, and the
// codec, heartbeat and frame limit of transports accepted by ListenAndServe.
func WithConfig(cfg config.Config) Option {
	return func(o *options) {
		o.maxInFlight = cfg.MaxInFlight
		o.maxConnections = cfg.MaxConnections
		o.transportOpts = append(o.transportOpts,
			transport.WithCodec(cfg.CodecType()),
			transport.WithHeartbeat(cfg.HeartbeatInterval),
			transport.WithMaxFrameSize(cfg.MaxFrameSize),
		)
	}
}
