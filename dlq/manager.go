package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Publisher republishes dead-lettered events. *agentbus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Manager provides replay, cleanup and statistics on top of a Store.
//
// Example:
//
//	mgr := dlq.NewManager(store, bus)
//
//	// Replay everything that failed in the last day and was not yet retried
//	replayed, err := mgr.Replay(ctx, dlq.Filter{
//	    StartTime:      time.Now().Add(-24 * time.Hour),
//	    ExcludeRetried: true,
//	})
type Manager struct {
	store  Store
	pub    Publisher
	logger *slog.Logger
}

// NewManager creates a new dead-letter manager.
func NewManager(store Store, pub Publisher) *Manager {
	return &Manager{
		store:  store,
		pub:    pub,
		logger: slog.Default().With("component", "dlq.manager"),
	}
}

// WithLogger sets a custom logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	if l != nil {
		m.logger = l.With("component", "dlq.manager")
	}
	return m
}

// Get retrieves a single record.
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	return m.store.Get(ctx, id)
}

// List returns records matching the filter.
func (m *Manager) List(ctx context.Context, filter Filter) ([]*Record, error) {
	return m.store.List(ctx, filter)
}

// Count returns the number of records matching the filter.
func (m *Manager) Count(ctx context.Context, filter Filter) (int64, error) {
	return m.store.Count(ctx, filter)
}

// Replay republishes records matching the filter to their original topics.
// Successfully replayed records are marked retried. Replay continues past
// individual failures and returns the number of records republished.
func (m *Manager) Replay(ctx context.Context, filter Filter) (int, error) {
	records, err := m.store.List(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("list records: %w", err)
	}

	replayed := 0
	for _, rec := range records {
		if err := m.pub.Publish(ctx, rec.Topic, rec.Message); err != nil {
			m.logger.Error("failed to replay record",
				"id", rec.ID,
				"topic", rec.Topic,
				"error", err)
			continue
		}
		if rec.ID != "" {
			if err := m.store.MarkRetried(ctx, rec.ID); err != nil {
				m.logger.Error("failed to mark record retried",
					"id", rec.ID,
					"error", err)
			}
		}
		replayed++
	}

	m.logger.Info("replayed dead-letter records",
		"matched", len(records),
		"replayed", replayed)
	return replayed, nil
}

// ReplayOne replays a single record by ID.
func (m *Manager) ReplayOne(ctx context.Context, id string) error {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get record: %w", err)
	}
	if err := m.pub.Publish(ctx, rec.Topic, rec.Message); err != nil {
		return fmt.Errorf("replay record: %w", err)
	}
	if err := m.store.MarkRetried(ctx, id); err != nil {
		return fmt.Errorf("mark retried: %w", err)
	}
	return nil
}

// Delete removes a record.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// DeleteByFilter removes records matching the filter. Returns the number
// deleted.
func (m *Manager) DeleteByFilter(ctx context.Context, filter Filter) (int64, error) {
	deleted, err := m.store.DeleteByFilter(ctx, filter)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		m.logger.Info("deleted dead-letter records by filter", "deleted", deleted)
	}
	return deleted, nil
}

// Cleanup removes records older than the given age.
func (m *Manager) Cleanup(ctx context.Context, age time.Duration) (int64, error) {
	deleted, err := m.store.DeleteOlderThan(ctx, age)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		m.logger.Info("cleaned up dead-letter records",
			"deleted", deleted,
			"older_than", age)
	}
	return deleted, nil
}

// Stats returns dead-letter statistics if the store supports them, otherwise
// basic counts computed from Count.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	if sp, ok := m.store.(StatsProvider); ok {
		return sp.Stats(ctx)
	}

	total, err := m.store.Count(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	pending, err := m.store.Count(ctx, Filter{ExcludeRetried: true})
	if err != nil {
		return nil, err
	}
	return &Stats{
		TotalRecords:   total,
		PendingRecords: pending,
		RetriedRecords: total - pending,
	}, nil
}
