package journal

import (
	"context"
	"sync"
)

// MemoryLog is an in-memory log for testing.
// Records are lost on restart.
type MemoryLog struct {
	mu      sync.Mutex
	records []*Record
	fail    error
}

// NewMemoryLog creates a new in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append stores a copy of the record in memory.
func (l *MemoryLog) Append(ctx context.Context, rec *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return l.fail
	}
	cp := *rec
	l.records = append(l.records, &cp)
	return nil
}

// Records returns a snapshot of all appended records in append order.
func (l *MemoryLog) Records() []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Record, len(l.records))
	copy(out, l.records)
	return out
}

// Len returns the number of appended records.
func (l *MemoryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// FailWith makes every subsequent Append return err.
// Pass nil to restore normal operation. Used to exercise the bus's
// persistence-failure path in tests.
func (l *MemoryLog) FailWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = err
}

// Compile-time check.
var _ Log = (*MemoryLog)(nil)
