// Package dlq provides dead-letter storage and reprocessing for events whose
// handlers permanently failed.
//
// When a handler exhausts its retry budget for an event, the bus appends one
// dead-letter record for that (event, handler) pair. A single publish with
// multiple failing handlers therefore produces one record per failing handler.
//
// The package provides:
//   - Sink: the minimal append interface the bus writes to
//   - Store: full management interface (list, filter, replay bookkeeping, cleanup)
//   - FileStore: durable JSON-lines log, the default on-disk format
//   - MemoryStore: for testing
//   - RedisStore, MongoStore: shared stores for multi-agent deployments
//   - Manager: replay, cleanup and statistics on top of a Store
//
// # Basic Usage
//
//	store := dlq.NewMemoryStore()
//	bus, _ := agentbus.New(agentbus.WithDeadLetter(store))
//
//	// Later: replay everything that failed while a backend was down
//	mgr := dlq.NewManager(store, bus)
//	replayed, err := mgr.Replay(ctx, dlq.Filter{
//	    Topic:          "risk.flagged",
//	    ExcludeRetried: true,
//	})
//
// # Monitoring
//
//	stats, err := mgr.Stats(ctx)
//	fmt.Printf("pending: %d\n", stats.PendingRecords)
package dlq

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Record is one dead-lettered (event, handler) pair.
type Record struct {
	ID        string          // Unique record ID (generated)
	Topic     string          // Original event topic
	Message   json.RawMessage // Original payload blob
	Error     string          // Last error before giving up
	Attempts  int             // Total handler invocations before dead-lettering
	Source    string          // Identifier of the publishing bus
	CreatedAt time.Time       // When the record was written
	RetriedAt *time.Time      // When the record was last replayed (nil if never)
}

// Sink is the minimal interface the bus needs: append one record.
// Implementations must be safe for concurrent use.
type Sink interface {
	Append(ctx context.Context, rec *Record) error
}

// Filter specifies criteria for listing records.
// All fields are optional; the zero filter matches everything.
type Filter struct {
	Topic          string    // Filter by topic (empty = all topics)
	StartTime      time.Time // Records created after this time (zero = no minimum)
	EndTime        time.Time // Records created before this time (zero = no maximum)
	Error          string    // Substring match on the error text
	Source         string    // Filter by source bus (empty = all)
	ExcludeRetried bool      // Exclude already replayed records
	Limit          int       // Maximum results (0 = no limit)
	Offset         int       // Offset for pagination
}

// Store is the full management interface over dead-letter storage.
//
// Implementations must be safe for concurrent use.
type Store interface {
	Sink

	// Get retrieves a single record by ID. Returns an error if not found.
	Get(ctx context.Context, id string) (*Record, error)

	// List returns records matching the filter, oldest first.
	List(ctx context.Context, filter Filter) ([]*Record, error)

	// Count returns the number of records matching the filter.
	Count(ctx context.Context, filter Filter) (int64, error)

	// MarkRetried records that a record has been replayed.
	MarkRetried(ctx context.Context, id string) error

	// Delete removes a record.
	Delete(ctx context.Context, id string) error

	// DeleteOlderThan removes records older than the given age.
	// Returns the number deleted.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)

	// DeleteByFilter removes records matching the filter.
	// Returns the number deleted. Limit and Offset are ignored.
	DeleteByFilter(ctx context.Context, filter Filter) (int64, error)
}

// Stats provides dead-letter statistics for monitoring and alerting.
type Stats struct {
	TotalRecords   int64            // Total records in the store
	RecordsByTopic map[string]int64 // Count per topic
	OldestRecord   *time.Time       // Timestamp of oldest record
	NewestRecord   *time.Time       // Timestamp of newest record
	RetriedRecords int64            // Records that have been replayed
	PendingRecords int64            // Records awaiting replay
}

// StatsProvider is an optional interface for stores that support statistics.
type StatsProvider interface {
	Stats(ctx context.Context) (*Stats, error)
}

func (f Filter) matches(rec *Record) bool {
	if f.Topic != "" && rec.Topic != f.Topic {
		return false
	}
	if !f.StartTime.IsZero() && rec.CreatedAt.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && rec.CreatedAt.After(f.EndTime) {
		return false
	}
	if f.Error != "" && !strings.Contains(rec.Error, f.Error) {
		return false
	}
	if f.Source != "" && rec.Source != f.Source {
		return false
	}
	if f.ExcludeRetried && rec.RetriedAt != nil {
		return false
	}
	return true
}

func paginate(records []*Record, f Filter) []*Record {
	start := f.Offset
	if start >= len(records) {
		return nil
	}
	end := len(records)
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	return records[start:end]
}
