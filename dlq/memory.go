package dlq

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory dead-letter store for testing.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
}

// NewMemoryStore creates a new in-memory dead-letter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

// Append adds a record to the store.
func (s *MemoryStore) Append(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.records[rec.ID] = &cp
	s.order = append(s.order, rec.ID)
	return nil
}

// Get retrieves a single record by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("dead-letter record not found: %s", id)
	}
	cp := *rec
	return &cp, nil
}

// List returns records matching the filter, oldest first.
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Record
	for _, id := range s.order {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		if filter.matches(rec) {
			cp := *rec
			matched = append(matched, &cp)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return paginate(matched, filter), nil
}

// Count returns the number of records matching the filter.
func (s *MemoryStore) Count(ctx context.Context, filter Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, rec := range s.records {
		if filter.matches(rec) {
			count++
		}
	}
	return count, nil
}

// MarkRetried records that a record has been replayed.
func (s *MemoryStore) MarkRetried(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("dead-letter record not found: %s", id)
	}
	now := time.Now()
	rec.RetriedAt = &now
	return nil
}

// Delete removes a record.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("dead-letter record not found: %s", id)
	}
	delete(s.records, id)
	return nil
}

// DeleteOlderThan removes records older than the given age.
func (s *MemoryStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-age)
	var deleted int64
	for id, rec := range s.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}

// DeleteByFilter removes records matching the filter.
func (s *MemoryStore) DeleteByFilter(ctx context.Context, filter Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, rec := range s.records {
		if filter.matches(rec) {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}

// Stats returns dead-letter statistics.
func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{
		RecordsByTopic: make(map[string]int64),
	}
	var oldest, newest *time.Time
	for _, rec := range s.records {
		stats.TotalRecords++
		if rec.RetriedAt != nil {
			stats.RetriedRecords++
		} else {
			stats.PendingRecords++
		}
		stats.RecordsByTopic[rec.Topic]++

		if oldest == nil || rec.CreatedAt.Before(*oldest) {
			t := rec.CreatedAt
			oldest = &t
		}
		if newest == nil || rec.CreatedAt.After(*newest) {
			t := rec.CreatedAt
			newest = &t
		}
	}
	stats.OldestRecord = oldest
	stats.NewestRecord = newest
	return stats, nil
}

// Compile-time checks.
var (
	_ Store         = (*MemoryStore)(nil)
	_ StatsProvider = (*MemoryStore)(nil)
)
