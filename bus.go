package agentbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nfrguard/agentbus/dlq"
	"github.com/nfrguard/agentbus/journal"
	"github.com/nfrguard/agentbus/payload"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	busRunning = 1
	busStopped = 0
)

const (
	spanKeyEventID      = "event.id"
	spanKeyEventTopic   = "event.topic"
	spanKeyEventSource  = "event.source"
	spanKeySubscription = "subscription.id"
)

// NewID generates a new unique ID.
func NewID() string {
	return uuid.NewString()
}

// Bus is a process-local publish/subscribe bus with per-handler retry,
// at-least-once delivery, an append-only journal and a dead-letter queue.
//
// Construct one Bus per process (or per test) and pass it to every publisher
// and subscriber; there is no hidden global instance.
type Bus struct {
	status int32
	id     string
	name   string

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

	registry     *registry
	shutdownChan chan struct{}
	forwardWG    sync.WaitGroup

	metrics busMetrics
}

// busMetrics holds the OpenTelemetry counters recorded during delivery.
type busMetrics struct {
	published     metric.Int64Counter
	delivered     metric.Int64Counter
	retried       metric.Int64Counter
	deadLettered  metric.Int64Counter
	journalErrors metric.Int64Counter
	forwardErrors metric.Int64Counter
}

// New creates a new bus.
//
// Invalid retry/timeout settings fail here with a ConfigError rather than at
// first publish. Without explicit options the bus journals to memory and
// dead-letters to memory; use WithJournal/WithDeadLetter (or FromEnv) for
// durable files.
func New(opts ...Option) (*Bus, error) {
	o := newBusOptions(opts...)
	if err := o.validate(); err != nil {
		return nil, err
	}
	if o.journal == nil {
		o.journal = journal.NewMemoryLog()
	}
	if o.deadLetter == nil {
		o.deadLetter = dlq.NewMemoryStore()
	}

	bus := &Bus{
		status:          busRunning,
		id:              NewID(),
		name:            o.name,
		codec:           o.codec,
		journal:         o.journal,
		deadLetter:      o.deadLetter,
		forwarders:      o.forwarders,
		maxRetries:      o.maxRetries,
		retryDelay:      o.retryDelay,
		handlerTimeout:  o.handlerTimeout,
		forwardTimeout:  o.forwardTimeout,
		tracingEnabled:  o.tracingEnabled,
		metricsEnabled:  o.metricsEnabled,
		recoveryEnabled: o.recoveryEnabled,
		now:             o.now,
		registry:        newRegistry(),
		shutdownChan:    make(chan struct{}),
	}
	bus.logger = o.logger.With("component", "bus>"+o.name)

	if bus.metricsEnabled {
		meter := otel.Meter("agentbus")
		bus.metrics.published, _ = meter.Int64Counter("bus.events.published",
			metric.WithDescription("Total events published"))
		bus.metrics.delivered, _ = meter.Int64Counter("bus.events.delivered",
			metric.WithDescription("Total successful handler deliveries"))
		bus.metrics.retried, _ = meter.Int64Counter("bus.handler.retries",
			metric.WithDescription("Total failed handler attempts"))
		bus.metrics.deadLettered, _ = meter.Int64Counter("bus.events.dead_lettered",
			metric.WithDescription("Total (event, handler) pairs dead-lettered"))
		bus.metrics.journalErrors, _ = meter.Int64Counter("bus.journal.errors",
			metric.WithDescription("Total journal append failures"))
		bus.metrics.forwardErrors, _ = meter.Int64Counter("bus.forward.errors",
			metric.WithDescription("Total external forward failures"))
	}

	return bus, nil
}

// ID returns the bus ID.
func (b *Bus) ID() string {
	return b.id
}

// Name returns the bus name.
func (b *Bus) Name() string {
	return b.name
}

// Running returns true if the bus has not been closed.
func (b *Bus) Running() bool {
	return atomic.LoadInt32(&b.status) == busRunning
}

// Subscribe registers a handler for a topic. Registration order determines
// invocation order for a single publish. Subscribing the same handler twice
// registers it twice.
func (b *Bus) Subscribe(topic string, h Handler, opts ...SubscribeOption) (*Subscription, error) {
	if !b.Running() {
		return nil, ErrBusClosed
	}
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if h == nil {
		return nil, ErrNilHandler
	}

	so := newSubscribeOptions(opts...)
	sub := &Subscription{
		id:      NewID(),
		topic:   topic,
		handler: chain(h, so.middleware),
		bus:     b,
	}
	b.registry.add(sub)
	b.logger.Debug("subscribed", "topic", topic, "subscription", sub.id)
	return sub, nil
}

// Unsubscribe removes a subscription. No-op if not registered.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	if b.registry.remove(sub) {
		b.logger.Debug("unsubscribed", "topic", sub.topic, "subscription", sub.id)
	}
}

// ListTopics returns the sorted set of topics with at least one subscription.
func (b *Bus) ListTopics() []string {
	return b.registry.topics()
}

// Subscribers returns a snapshot of the subscriptions for a topic in
// registration order. Safe to call while mutations occur concurrently.
func (b *Bus) Subscribers(topic string) []*Subscription {
	return b.registry.snapshot(topic)
}

// ClearAll removes every subscription. Intended for test isolation.
func (b *Bus) ClearAll() {
	b.registry.clear()
}

// Publish records the event durably, delivers it synchronously to every
// subscriber of topic with per-handler retry, and relays it to any external
// forwarders.
//
// data may be a value to encode with the bus codec, or a pre-encoded
// []byte / json.RawMessage blob.
//
// Publish returns an error only for bus-level faults: a closed bus, an empty
// topic, or a payload the codec cannot encode. Handler failures never
// propagate - they are contained per (event, handler) pair and surface only
// through the dead-letter queue, logs and metrics. Persistence and forward
// failures are likewise reported, not raised.
func (b *Bus) Publish(ctx context.Context, topic string, data any) error {
	if !b.Running() {
		return ErrBusClosed
	}
	if topic == "" {
		return ErrEmptyTopic
	}

	blob, err := b.encode(data)
	if err != nil {
		return fmt.Errorf("encode payload for %q: %w", topic, err)
	}

	now := b.now()
	ev := Event{
		ID:      NewID(),
		Topic:   topic,
		Payload: blob,
		Time:    now,
		codec:   b.codec,
	}
	if md, ok := ctx.Value(metadataContextKey).(Metadata); ok {
		ev.Metadata = md.Copy()
	}

	if b.metricsEnabled {
		b.metrics.published.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
	}
	if b.tracingEnabled {
		tracer := otel.Tracer("agentbus")
		var span trace.Span
		ctx, span = tracer.Start(ctx, fmt.Sprintf("%s.publish", topic),
			trace.WithAttributes(
				attribute.String(spanKeyEventID, ev.ID),
				attribute.String(spanKeyEventSource, b.id),
				attribute.String(spanKeyEventTopic, topic)),
			trace.WithSpanKind(trace.SpanKindProducer))
		defer span.End()
	}

	// Journal first: exactly one record per publish, before any delivery.
	// A write failure is loud but never blocks delivery.
	if err := b.journal.Append(ctx, journal.New(topic, blob, now)); err != nil {
		b.logger.Error("journal append failed",
			"topic", topic,
			"event", ev.ID,
			"error", err)
		if b.metricsEnabled {
			b.metrics.journalErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
		}
	}

	for _, sub := range b.registry.snapshot(topic) {
		b.deliver(ctx, sub, ev)
	}

	b.forward(ctx, ev)
	return nil
}

// encode turns the caller's payload into the opaque blob routed by the bus.
func (b *Bus) encode(data any) ([]byte, error) {
	switch v := data.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		return b.codec.Encode(data)
	}
}

// deliver runs the retry loop for a single (event, handler) pair.
// Failure is always local to the pair: it never affects other subscribers
// and never reaches the publisher.
func (b *Bus) deliver(ctx context.Context, sub *Subscription, ev Event) {
	if b.tracingEnabled {
		tracer := otel.Tracer("agentbus")
		var span trace.Span
		ctx, span = tracer.Start(ctx, fmt.Sprintf("%s.deliver", ev.Topic),
			trace.WithAttributes(
				attribute.String(spanKeyEventID, ev.ID),
				attribute.String(spanKeyEventTopic, ev.Topic),
				attribute.String(spanKeySubscription, sub.id)),
			trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
	}

	maxAttempts := b.maxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := b.invoke(ctx, sub, ev, attempt)
		switch ClassifyOutcome(err) {
		case ResultAck:
			if b.metricsEnabled {
				b.metrics.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", ev.Topic)))
			}
			return
		case ResultNack, ResultError:
			lastErr = err
		}

		if b.metricsEnabled {
			b.metrics.retried.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", ev.Topic)))
		}
		b.logger.Warn("handler attempt failed",
			"topic", ev.Topic,
			"event", ev.ID,
			"subscription", sub.id,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"error", lastErr)

		if attempt < maxAttempts && !b.waitRetry(ctx) {
			// Publish context cancelled or bus shut down mid-retry: the
			// remaining budget is forfeited and the pair is dead-lettered.
			break
		}
	}

	b.deadLetterPair(ctx, sub, ev, &RetryExhaustedError{
		Topic:    ev.Topic,
		Attempts: maxAttempts,
		LastErr:  lastErr,
	})
}

// invoke runs one handler attempt with panic recovery and the optional
// invocation timeout.
func (b *Bus) invoke(ctx context.Context, sub *Subscription, ev Event, attempt int) error {
	ctx = contextWithDelivery(ctx, &deliveryContextData{
		eventID: ev.ID,
		topic:   ev.Topic,
		subID:   sub.id,
		attempt: attempt,
		logger:  b.logger.With("topic", ev.Topic, "subscription", sub.id),
	})

	if b.handlerTimeout <= 0 {
		return b.callHandler(ctx, sub, ev)
	}

	hctx, cancel := context.WithTimeout(ctx, b.handlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- b.callHandler(hctx, sub, ev)
	}()
	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		// The handler goroutine is left to finish on its own; its result is
		// discarded. That is the price of bounding a hung handler.
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return &HandlerTimeoutError{Topic: ev.Topic, Timeout: b.handlerTimeout}
		}
		return hctx.Err()
	}
}

func (b *Bus) callHandler(ctx context.Context, sub *Subscription, ev Event) (err error) {
	if b.recoveryEnabled {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
				b.logger.Error("recovered handler panic",
					"topic", ev.Topic,
					"subscription", sub.id,
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
	}
	return sub.handler(ctx, ev)
}

// waitRetry sleeps the fixed retry delay without busy-waiting.
// Returns false if the context or the bus shut down first.
func (b *Bus) waitRetry(ctx context.Context) bool {
	if b.retryDelay <= 0 {
		return true
	}
	timer := time.NewTimer(b.retryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-b.shutdownChan:
		return false
	}
}

// deadLetterPair writes exactly one record for an exhausted (event, handler)
// pair. A write failure is loud but swallowed.
func (b *Bus) deadLetterPair(ctx context.Context, sub *Subscription, ev Event, exhausted *RetryExhaustedError) {
	b.logger.Error("handler exhausted retries, dead-lettering",
		"topic", ev.Topic,
		"event", ev.ID,
		"subscription", sub.id,
		"attempts", exhausted.Attempts,
		"error", exhausted.LastErr)
	if b.metricsEnabled {
		b.metrics.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", ev.Topic)))
	}

	errText := "unknown error"
	if exhausted.LastErr != nil {
		errText = exhausted.LastErr.Error()
	}
	// Non-JSON codec output is stored as a base64 JSON string so the
	// file-backed sink keeps one valid JSON object per line.
	msg := json.RawMessage(ev.Payload)
	if !json.Valid(msg) {
		msg, _ = json.Marshal(ev.Payload)
	}
	rec := &dlq.Record{
		ID:        NewID(),
		Topic:     ev.Topic,
		Message:   msg,
		Error:     errText,
		Attempts:  exhausted.Attempts,
		Source:    b.name,
		CreatedAt: b.now(),
	}
	if err := b.deadLetter.Append(ctx, rec); err != nil {
		b.logger.Error("dead-letter append failed",
			"topic", ev.Topic,
			"event", ev.ID,
			"error", err)
	}
}

// forward relays the event to every configured forwarder, asynchronously and
// decoupled from local delivery outcome. Failures are logged and counted,
// never raised.
func (b *Bus) forward(ctx context.Context, ev Event) {
	if len(b.forwarders) == 0 {
		return
	}
	// Detach from the caller's cancellation: Publish returning must not
	// abort an in-flight relay.
	base := context.WithoutCancel(ctx)
	for _, f := range b.forwarders {
		b.forwardWG.Add(1)
		go func(f Forwarder) {
			defer b.forwardWG.Done()
			fctx, cancel := context.WithTimeout(base, b.forwardTimeout)
			defer cancel()
			if err := f.Forward(fctx, ev); err != nil {
				b.logger.Warn("external forward failed",
					"topic", ev.Topic,
					"event", ev.ID,
					"error", err)
				if b.metricsEnabled {
					b.metrics.forwardErrors.Add(fctx, 1, metric.WithAttributes(attribute.String("topic", ev.Topic)))
				}
			}
		}(f)
	}
}

// Flush waits for in-flight forwarder calls to finish. Tests use it to
// observe forwarding deterministically.
func (b *Bus) Flush() {
	b.forwardWG.Wait()
}

// Close stops the bus. In-flight forwarder calls are waited for, then the
// journal and dead-letter sink are closed if the bus owns closable ones.
// Publish and Subscribe fail with ErrBusClosed afterwards.
func (b *Bus) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&b.status, busRunning, busStopped) {
		return nil
	}
	close(b.shutdownChan)

	done := make(chan struct{})
	go func() {
		b.forwardWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var errs []error
	if c, ok := b.journal.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	if c, ok := b.deadLetter.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dead-letter sink: %w", err))
		}
	}
	return errors.Join(errs...)
}
