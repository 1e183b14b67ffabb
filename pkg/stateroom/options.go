package stateroom

import (
	"log/slog"

	"github.com/tapestry-chat/tapestry/pkg/stateroom/federation"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/notify"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/observability"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/pipeline"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/signing"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/store"
)

// engineConfig collects optional collaborators. Anything left nil
// falls back to the default built from Settings.
type engineConfig struct {
	adapter store.Adapter
	logger  *slog.Logger
	signer  signing.Signer
	fetcher federation.EventFetcher
	sender  federation.Sender
	sink    notify.Sink
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	onTransition func(eventID string, from, to pipeline.Stage)
}

// Option configures an Engine.
type Option func(*engineConfig)

// WithStore supplies a storage adapter, overriding the backend named
// in Settings. The engine takes ownership and closes it.
func WithStore(adapter store.Adapter) Option {
	return func(c *engineConfig) {
		c.adapter = adapter
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *engineConfig) {
		c.logger = logger
	}
}

// WithSigner sets the key that signs locally originated events.
// Without it the engine persists local events unsigned.
func WithSigner(signer signing.Signer) Option {
	return func(c *engineConfig) {
		c.signer = signer
	}
}

// WithEventFetcher enables remote backfill of missing dependency
// events.
func WithEventFetcher(fetcher federation.EventFetcher) Option {
	return func(c *engineConfig) {
		c.fetcher = fetcher
	}
}

// WithFederationSender sets the outbound transport for accepted
// events. Default: log-only.
func WithFederationSender(sender federation.Sender) Option {
	return func(c *engineConfig) {
		c.sender = sender
	}
}

// WithSink sets the notification sink. Default: an in-process
// LocalSink reachable via Engine.Sink.
func WithSink(sink notify.Sink) Option {
	return func(c *engineConfig) {
		c.sink = sink
	}
}

// WithMetrics sets the metrics recorder. Default: no-op.
func WithMetrics(metrics observability.MetricsRecorder) Option {
	return func(c *engineConfig) {
		c.metrics = metrics
	}
}

// WithSpanManager sets the tracing span manager. Default: no-op.
func WithSpanManager(spans observability.SpanManager) Option {
	return func(c *engineConfig) {
		c.spans = spans
	}
}

// WithTransitionHook observes every pipeline stage transition. Meant
// for tests and diagnostics.
func WithTransitionHook(fn func(eventID string, from, to pipeline.Stage)) Option {
	return func(c *engineConfig) {
		c.onTransition = fn
	}
}
