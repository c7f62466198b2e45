package dlq

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"
	"time"
)

// fileRecord is the on-disk line format:
//
//	{"ts": 1757421032.114, "topic": "risk.flagged", "message": {...}, "error": "boom"}
type fileRecord struct {
	TS      float64         `json:"ts"`
	Topic   string          `json:"topic"`
	Message json.RawMessage `json:"message"`
	Error   string          `json:"error"`
}

// FileStore is a file-backed dead-letter log.
//
// The file holds one JSON object per line in the format above. It is the
// cheapest durable option for a single process: no extra infrastructure,
// readable with standard line tools.
//
// The line format does not carry record IDs, so FileStore supports append,
// list and count but not per-record management; use MemoryStore, RedisStore
// or MongoStore when replay bookkeeping is needed.
type FileStore struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenFile opens (creating if needed) a file-backed dead-letter log at path.
func OpenFile(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter log %q: %w", path, err)
	}
	return &FileStore{path: path, f: f}, nil
}

// Path returns the log file path.
func (s *FileStore) Path() string {
	return s.path
}

// Append writes one record as a JSON line and flushes it.
func (s *FileStore) Append(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(fileRecord{
		TS:      float64(rec.CreatedAt.Unix()) + float64(rec.CreatedAt.Nanosecond())/float64(time.Second),
		Topic:   rec.Topic,
		Message: rec.Message,
		Error:   rec.Error,
	})
	if err != nil {
		return fmt.Errorf("encode dead-letter record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("dead-letter log %q: %w", s.path, os.ErrClosed)
	}
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("append dead-letter log %q: %w", s.path, err)
	}
	return nil
}

// List returns records matching the filter, in append order.
// IDs are not persisted in the line format and come back empty.
func (s *FileStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	all, err := readFile(s.path)
	if err != nil {
		return nil, err
	}
	var matched []*Record
	for _, rec := range all {
		if filter.matches(rec) {
			matched = append(matched, rec)
		}
	}
	return paginate(matched, filter), nil
}

// Count returns the number of records matching the filter.
func (s *FileStore) Count(ctx context.Context, filter Filter) (int64, error) {
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

// Close closes the underlying file handle.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func readFile(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open dead-letter log %q: %w", path, err)
	}
	defer f.Close()

	var records []*Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var fr fileRecord
		if err := json.Unmarshal(line, &fr); err != nil {
			return records, fmt.Errorf("dead-letter log %q line %d: %w", path, lineNo, err)
		}
		sec, frac := math.Modf(fr.TS)
		records = append(records, &Record{
			Topic:     fr.Topic,
			Message:   fr.Message,
			Error:     fr.Error,
			CreatedAt: time.Unix(int64(sec), int64(frac*float64(time.Second))),
		})
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("read dead-letter log %q: %w", path, err)
	}
	return records, nil
}

// Compile-time check.
var _ Sink = (*FileStore)(nil)
