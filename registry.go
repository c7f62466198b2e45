package agentbus

import (
	"sort"
	"sync"
)

// registry is the thread-safe topic -> subscriptions mapping.
//
// A single mutex guards all mutation; reads hand out copies so delivery can
// iterate without holding the lock. That keeps Subscribe/Unsubscribe callable
// from inside a handler without deadlocking.
type registry struct {
	mu   sync.Mutex
	subs map[string][]*Subscription
}

func newRegistry() *registry {
	return &registry{
		subs: make(map[string][]*Subscription),
	}
}

// add appends sub to its topic's list, preserving registration order.
// Duplicate handlers are registered (and delivered) twice.
func (r *registry) add(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.topic] = append(r.subs[sub.topic], sub)
}

// remove deletes the subscription from its topic's list.
// Returns false if the subscription was not registered.
func (r *registry) remove(sub *Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, ok := r.subs[sub.topic]
	if !ok {
		return false
	}
	for i, s := range list {
		if s == sub {
			r.subs[sub.topic] = append(list[:i:i], list[i+1:]...)
			if len(r.subs[sub.topic]) == 0 {
				delete(r.subs, sub.topic)
			}
			return true
		}
	}
	return false
}

// snapshot returns a copy of the topic's subscription list in
// registration order.
func (r *registry) snapshot(topic string) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, ok := r.subs[topic]
	if !ok {
		return nil
	}
	out := make([]*Subscription, len(list))
	copy(out, list)
	return out
}

// topics returns the sorted set of topics with at least one subscription.
func (r *registry) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.subs))
	for topic := range r.subs {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// clear removes every subscription.
func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[string][]*Subscription)
}
