package agentbus

import (
	"context"
	"time"

	"github.com/nfrguard/agentbus/payload"
)

// Event is one published event. It is immutable: the bus creates it once per
// Publish call and hands the same value to every subscriber; only copies
// survive in the journal and the dead-letter queue.
type Event struct {
	// ID uniquely identifies this publish operation.
	ID string
	// Topic is the routing key the event was published under.
	Topic string
	// Payload is the encoded payload blob. Use Decode for a typed view.
	Payload []byte
	// Metadata carries optional key/value context supplied at publish time.
	Metadata Metadata
	// Time is the wall-clock capture at publish time.
	Time time.Time

	codec payload.Codec
}

// Decode deserializes the payload into v using the bus codec.
// v must be a pointer.
func (e Event) Decode(v any) error {
	c := e.codec
	if c == nil {
		c = payload.Default()
	}
	return c.Decode(e.Payload, v)
}

// ContentType returns the MIME type of the payload encoding.
func (e Event) ContentType() string {
	c := e.codec
	if c == nil {
		c = payload.Default()
	}
	return c.ContentType()
}

// Handler processes one delivered event.
//
// Return values control retry behavior:
//   - nil (or an error wrapping ErrAck): acknowledged, done
//   - an error wrapping ErrNack: explicit retryable failure
//   - any other error, or a panic: failure with preserved detail
//
// Nack and plain errors are retried identically; the distinction only affects
// what lands in the dead-letter record.
type Handler func(ctx context.Context, ev Event) error

// Subscription is the handle returned by Subscribe, used to remove the
// registration again. Go functions are not comparable, so removal is by
// handle rather than by handler value.
type Subscription struct {
	id      string
	topic   string
	handler Handler
	bus     *Bus
}

// ID returns the unique subscription ID.
func (s *Subscription) ID() string {
	return s.id
}

// Topic returns the topic this subscription is registered under.
func (s *Subscription) Topic() string {
	return s.topic
}

// Unsubscribe removes the subscription from its bus.
// No-op if already removed. Safe to call from inside a handler.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.Unsubscribe(s)
}
