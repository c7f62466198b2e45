package forward

import (
	"context"
	"fmt"

	"github.com/nfrguard/agentbus"
	"github.com/redis/go-redis/v9"
)

// RedisForwarder appends events to Redis streams, one stream per topic.
// Downstream consumers read with XREAD or consumer groups.
type RedisForwarder struct {
	client redis.UniversalClient
	prefix string
	maxLen int64
}

// RedisOption configures a RedisForwarder.
type RedisOption func(*RedisForwarder)

// WithRedisStreamPrefix sets the stream name prefix. Default "events".
func WithRedisStreamPrefix(prefix string) RedisOption {
	return func(f *RedisForwarder) {
		f.prefix = prefix
	}
}

// WithRedisMaxLen caps each stream with approximate trimming. Zero disables
// trimming.
func WithRedisMaxLen(n int64) RedisOption {
	return func(f *RedisForwarder) {
		f.maxLen = n
	}
}

// NewRedis creates a forwarder over an established Redis client. The caller
// owns the client and its lifecycle.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) (*RedisForwarder, error) {
	if client == nil {
		return nil, fmt.Errorf("redis forwarder: nil client")
	}
	f := &RedisForwarder{
		client: client,
		prefix: "events",
		maxLen: 10000,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

var _ agentbus.Forwarder = (*RedisForwarder)(nil)

// Forward appends the event to the topic's stream.
func (f *RedisForwarder) Forward(ctx context.Context, ev agentbus.Event) error {
	stream := subjectFor(f.prefix, ev.Topic)
	values := map[string]any{
		"id":           ev.ID,
		"topic":        ev.Topic,
		"payload":      string(ev.Payload),
		"content_type": ev.ContentType(),
		"ts":           ev.Time.UnixNano(),
	}
	for k, v := range ev.Metadata {
		values["meta:"+k] = v
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if f.maxLen > 0 {
		args.MaxLen = f.maxLen
		args.Approx = true
	}
	if err := f.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %q: %w", stream, err)
	}
	return nil
}
