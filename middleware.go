package agentbus

import (
	"container/list"
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Middleware wraps a Handler with cross-cutting behaviour. Middleware runs
// inside the retry loop, so a middleware that returns an error is retried
// like any handler failure.
type Middleware func(Handler) Handler

// chain applies middleware so the first entry is the outermost wrapper.
func chain(h Handler, mw []Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// subscribeOptions are per-subscription settings.
type subscribeOptions struct {
	middleware []Middleware
}

// SubscribeOption configures a single subscription.
type SubscribeOption func(*subscribeOptions)

func newSubscribeOptions(opts ...SubscribeOption) *subscribeOptions {
	so := &subscribeOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(so)
		}
	}
	return so
}

// WithMiddleware wraps the handler with middleware. May be given
// multiple times; wrappers apply outermost-first in the order given.
func WithMiddleware(mw ...Middleware) SubscribeOption {
	return func(so *subscribeOptions) {
		so.middleware = append(so.middleware, mw...)
	}
}

// SeenStore tracks event IDs already processed by a subscription. Seen
// reports whether id was recorded before and records it as a side effect.
type SeenStore interface {
	Seen(ctx context.Context, id string) (bool, error)
}

// memorySeen is a bounded in-memory SeenStore with LRU eviction.
type memorySeen struct {
	mu    sync.Mutex
	max   int
	ids   map[string]*list.Element
	order *list.List
}

// NewMemorySeenStore creates a SeenStore remembering at most max IDs.
func NewMemorySeenStore(max int) SeenStore {
	if max <= 0 {
		max = 1024
	}
	return &memorySeen{
		max:   max,
		ids:   make(map[string]*list.Element),
		order: list.New(),
	}
}

func (s *memorySeen) Seen(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.ids[id]; ok {
		s.order.MoveToBack(el)
		return true, nil
	}
	s.ids[id] = s.order.PushBack(id)
	if s.order.Len() > s.max {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.ids, oldest.Value.(string))
	}
	return false, nil
}

// DeduplicationMiddleware acknowledges redelivered events without invoking
// the handler. Delivery is at-least-once; this middleware gives a
// subscription effectively-once processing keyed on event ID.
//
// A store error fails the attempt so the event is retried rather than
// possibly processed twice silently.
func DeduplicationMiddleware(store SeenStore) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, ev Event) error {
			seen, err := store.Seen(ctx, ev.ID)
			if err != nil {
				return err
			}
			if seen {
				return ErrAck
			}
			return next(ctx, ev)
		}
	}
}

// RateLimitMiddleware delays handler invocation to stay within the limit.
// Waiting is bounded by the delivery context, including the handler timeout
// when one is configured.
func RateLimitMiddleware(limit rate.Limit, burst int) Middleware {
	limiter := rate.NewLimiter(limit, burst)
	return func(next Handler) Handler {
		return func(ctx context.Context, ev Event) error {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			return next(ctx, ev)
		}
	}
}
