package dlq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

/*
Redis Schema:

- Stream: dlq:records            - record IDs in append order
- Hash:   dlq:rec:{id}           - individual record fields
- Set:    dlq:by_topic:{topic}   - record IDs per topic
*/

// RedisStore is a Redis-backed dead-letter store.
// Useful when several agent processes share one quarantine.
type RedisStore struct {
	client      redis.Cmdable
	streamKey   string
	recPrefix   string
	topicPrefix string
	maxLen      int64
}

// NewRedisStore creates a new Redis dead-letter store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{
		client:      client,
		streamKey:   "dlq:records",
		recPrefix:   "dlq:rec:",
		topicPrefix: "dlq:by_topic:",
	}
}

// WithKeyPrefix sets a custom key prefix for all DLQ keys.
func (s *RedisStore) WithKeyPrefix(prefix string) *RedisStore {
	s.streamKey = prefix + "records"
	s.recPrefix = prefix + "rec:"
	s.topicPrefix = prefix + "by_topic:"
	return s
}

// WithMaxLen caps the index stream length (approximate trimming).
func (s *RedisStore) WithMaxLen(maxLen int64) *RedisStore {
	s.maxLen = maxLen
	return s
}

// Append adds a record to the store.
func (s *RedisStore) Append(ctx context.Context, rec *Record) error {
	fields := map[string]any{
		"id":         rec.ID,
		"topic":      rec.Topic,
		"message":    []byte(rec.Message),
		"error":      rec.Error,
		"attempts":   rec.Attempts,
		"source":     rec.Source,
		"created_at": rec.CreatedAt.UnixNano(),
	}
	if err := s.client.HSet(ctx, s.recPrefix+rec.ID, fields).Err(); err != nil {
		return fmt.Errorf("hset: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.streamKey,
		Values: map[string]any{"id": rec.ID},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}

	return s.client.SAdd(ctx, s.topicPrefix+rec.Topic, rec.ID).Err()
}

// Get retrieves a single record by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("dead-letter record not found: %s", id)
	}
	return parseFields(fields), nil
}

func parseFields(fields map[string]string) *Record {
	rec := &Record{
		ID:      fields["id"],
		Topic:   fields["topic"],
		Message: []byte(fields["message"]),
		Error:   fields["error"],
		Source:  fields["source"],
	}
	if v := fields["attempts"]; v != "" {
		rec.Attempts, _ = strconv.Atoi(v)
	}
	if v := fields["created_at"]; v != "" {
		ns, _ := strconv.ParseInt(v, 10, 64)
		rec.CreatedAt = time.Unix(0, ns)
	}
	if v := fields["retried_at"]; v != "" {
		ns, _ := strconv.ParseInt(v, 10, 64)
		t := time.Unix(0, ns)
		rec.RetriedAt = &t
	}
	return rec
}

// List returns records matching the filter, oldest first.
func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	ids, err := s.candidateIDs(ctx, filter)
	if err != nil {
		return nil, err
	}

	var matched []*Record
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if filter.matches(rec) {
			matched = append(matched, rec)
		}
	}
	return paginate(matched, filter), nil
}

func (s *RedisStore) candidateIDs(ctx context.Context, filter Filter) ([]string, error) {
	// The stream preserves append order; the per-topic set trades order for a
	// narrower scan when a topic filter is present.
	if filter.Topic != "" {
		return s.client.SMembers(ctx, s.topicPrefix+filter.Topic).Result()
	}
	entries, err := s.client.XRange(ctx, s.streamKey, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if id, ok := e.Values["id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Count returns the number of records matching the filter.
func (s *RedisStore) Count(ctx context.Context, filter Filter) (int64, error) {
	if filter == (Filter{}) {
		return s.client.XLen(ctx, s.streamKey).Result()
	}
	records, err := s.List(ctx, Filter{
		Topic:          filter.Topic,
		StartTime:      filter.StartTime,
		EndTime:        filter.EndTime,
		Error:          filter.Error,
		Source:         filter.Source,
		ExcludeRetried: filter.ExcludeRetried,
	})
	if err != nil {
		return 0, err
	}
	return int64(len(records)), nil
}

// MarkRetried records that a record has been replayed.
func (s *RedisStore) MarkRetried(ctx context.Context, id string) error {
	if err := s.client.HSet(ctx, s.recPrefix+id, "retried_at", time.Now().UnixNano()).Err(); err != nil {
		return fmt.Errorf("hset: %w", err)
	}
	return nil
}

// Delete removes a record.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.recPrefix+id).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return s.client.SRem(ctx, s.topicPrefix+rec.Topic, id).Err()
}

// DeleteOlderThan removes records older than the given age.
func (s *RedisStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UnixNano()

	var cursor uint64
	var deleted int64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.recPrefix+"*", 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan: %w", err)
		}
		for _, key := range keys {
			createdAt, err := s.client.HGet(ctx, key, "created_at").Int64()
			if err != nil {
				continue
			}
			if createdAt < cutoff {
				id := key[len(s.recPrefix):]
				if err := s.Delete(ctx, id); err == nil {
					deleted++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}

// DeleteByFilter removes records matching the filter.
func (s *RedisStore) DeleteByFilter(ctx context.Context, filter Filter) (int64, error) {
	filter.Limit = 0
	filter.Offset = 0
	records, err := s.List(ctx, filter)
	if err != nil {
		return 0, err
	}
	var deleted int64
	for _, rec := range records {
		if err := s.Delete(ctx, rec.ID); err == nil {
			deleted++
		}
	}
	return deleted, nil
}

// Compile-time check.
var _ Store = (*RedisStore)(nil)
