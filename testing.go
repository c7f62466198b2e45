package agentbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nfrguard/agentbus/dlq"
	"github.com/nfrguard/agentbus/journal"
)

// TestBus creates a bus wired for tests: in-memory journal and dead-letter
// store, zero retry delay, and automatic Close at test end. Extra options
// override the defaults.
//
// The journal and store are returned so tests can assert on what was
// recorded.
func TestBus(t *testing.T, opts ...Option) (*Bus, *journal.MemoryLog, *dlq.MemoryStore) {
	t.Helper()

	log := journal.NewMemoryLog()
	store := dlq.NewMemoryStore()
	base := []Option{
		WithName(t.Name()),
		WithJournal(log),
		WithDeadLetter(store),
		WithRetryDelay(0),
		WithMetrics(false),
		WithTracing(false),
	}
	bus, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("TestBus: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := bus.Close(ctx); err != nil {
			t.Errorf("TestBus close: %v", err)
		}
	})
	return bus, log, store
}

// RecordingForwarder captures every forwarded event for assertions. Err, if
// set, is returned from each Forward call.
type RecordingForwarder struct {
	mu     sync.Mutex
	events []Event

	Err error
}

var _ Forwarder = (*RecordingForwarder)(nil)

// Forward records the event.
func (f *RecordingForwarder) Forward(ctx context.Context, ev Event) error {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	return f.Err
}

// Events returns a copy of the captured events.
func (f *RecordingForwarder) Events() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.events))
	copy(out, f.events)
	return out
}

// Len returns the number of captured events.
func (f *RecordingForwarder) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}
