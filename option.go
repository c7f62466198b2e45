package agentbus

import (
	"log/slog"
	"time"

	"github.com/nfrguard/agentbus/dlq"
	"github.com/nfrguard/agentbus/journal"
	"github.com/nfrguard/agentbus/payload"
)

// Defaults applied when the corresponding option is not given.
var (
	// DefaultMaxRetries is the number of additional attempts after the first
	// failure before a handler is declared failed.
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the fixed wait between handler attempts.
	DefaultRetryDelay = 200 * time.Millisecond

	// DefaultForwardTimeout bounds each external forwarder call.
	DefaultForwardTimeout = 5 * time.Second
)

// busOptions holds configuration for the bus (unexported).
type busOptions struct {
	name            string
	logger          *slog.Logger
	codec           payload.Codec
	journal         journal.Log
	deadLetter      dlq.Sink
	forwarders      []Forwarder
	maxRetries      int
	retryDelay      time.Duration
	handlerTimeout  time.Duration
	forwardTimeout  time.Duration
	tracingEnabled  bool
	metricsEnabled  bool
	recoveryEnabled bool
	now             func() time.Time
}

// Option configures the bus.
type Option func(*busOptions)

// newBusOptions creates options with defaults and applies provided options.
func newBusOptions(opts ...Option) *busOptions {
	o := &busOptions{
		name:            "agent-bus",
		logger:          slog.Default(),
		codec:           payload.Default(),
		maxRetries:      DefaultMaxRetries,
		retryDelay:      DefaultRetryDelay,
		forwardTimeout:  DefaultForwardTimeout,
		tracingEnabled:  true,
		metricsEnabled:  true,
		recoveryEnabled: true,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// validate rejects configurations that must fail at construction, not at
// first publish.
func (o *busOptions) validate() error {
	if o.maxRetries < 0 {
		return &ConfigError{Option: "max retries", Value: o.maxRetries, Reason: "must be >= 0"}
	}
	if o.retryDelay < 0 {
		return &ConfigError{Option: "retry delay", Value: o.retryDelay, Reason: "must be >= 0"}
	}
	if o.handlerTimeout < 0 {
		return &ConfigError{Option: "handler timeout", Value: o.handlerTimeout, Reason: "must be >= 0"}
	}
	if o.forwardTimeout <= 0 {
		return &ConfigError{Option: "forward timeout", Value: o.forwardTimeout, Reason: "must be > 0"}
	}
	return nil
}

// WithName sets the bus name, used in logs and as the dead-letter source tag.
func WithName(name string) Option {
	return func(o *busOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithLogger sets a custom logger for the bus.
func WithLogger(l *slog.Logger) Option {
	return func(o *busOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCodec sets the payload codec. Default is JSON.
func WithCodec(c payload.Codec) Option {
	return func(o *busOptions) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithJournal sets the durable event log every publish is recorded to.
// Default is an in-memory log; use journal.OpenFile for durability.
func WithJournal(l journal.Log) Option {
	return func(o *busOptions) {
		if l != nil {
			o.journal = l
		}
	}
}

// WithDeadLetter sets the sink for events whose handlers exhausted their
// retry budget. Default is an in-memory store.
func WithDeadLetter(s dlq.Sink) Option {
	return func(o *busOptions) {
		if s != nil {
			o.deadLetter = s
		}
	}
}

// WithForwarder attaches a best-effort external forwarder. May be given more
// than once; every published event is relayed to each forwarder, decoupled
// from local delivery outcome.
func WithForwarder(f Forwarder) Option {
	return func(o *busOptions) {
		if f != nil {
			o.forwarders = append(o.forwarders, f)
		}
	}
}

// WithMaxRetries sets the number of additional attempts after the first
// failure. 0 means a single attempt, no retry.
func WithMaxRetries(n int) Option {
	return func(o *busOptions) {
		o.maxRetries = n
	}
}

// WithRetryDelay sets the fixed wait between handler attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(o *busOptions) {
		o.retryDelay = d
	}
}

// WithHandlerTimeout bounds a single handler invocation. On expiry the
// attempt counts as failed and feeds the same retry/dead-letter path.
// 0 disables the timeout.
func WithHandlerTimeout(d time.Duration) Option {
	return func(o *busOptions) {
		o.handlerTimeout = d
	}
}

// WithForwardTimeout bounds each external forwarder call.
func WithForwardTimeout(d time.Duration) Option {
	return func(o *busOptions) {
		o.forwardTimeout = d
	}
}

// WithTracing enables/disables OpenTelemetry tracing. Default is true.
func WithTracing(enabled bool) Option {
	return func(o *busOptions) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables/disables OpenTelemetry metrics. Default is true.
func WithMetrics(enabled bool) Option {
	return func(o *busOptions) {
		o.metricsEnabled = enabled
	}
}

// WithRecovery enables/disables panic recovery in handlers.
// Recovery should stay enabled outside of tests.
func WithRecovery(enabled bool) Option {
	return func(o *busOptions) {
		o.recoveryEnabled = enabled
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *busOptions) {
		if now != nil {
			o.now = now
		}
	}
}
