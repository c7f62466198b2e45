package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// FileLog is a file-backed append-only log.
//
// A single long-lived handle is opened for append; a mutex serializes writers
// so concurrent publishers cannot corrupt lines. Each record is written and
// flushed before Append returns.
type FileLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
	sync bool
}

// FileOption configures a FileLog.
type FileOption func(*FileLog)

// WithSync enables fsync after every record. Slower, but records survive
// an OS crash, not just a process crash.
func WithSync(enabled bool) FileOption {
	return func(l *FileLog) {
		l.sync = enabled
	}
}

// OpenFile opens (creating if needed) a file-backed log at path.
func OpenFile(path string, opts ...FileOption) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal %q: %w", path, err)
	}
	l := &FileLog{path: path, f: f}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Path returns the log file path.
func (l *FileLog) Path() string {
	return l.path
}

// Append writes one record as a JSON line.
func (l *FileLog) Append(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return fmt.Errorf("journal %q: %w", l.path, os.ErrClosed)
	}
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("append journal %q: %w", l.path, err)
	}
	if l.sync {
		if err := l.f.Sync(); err != nil {
			return fmt.Errorf("sync journal %q: %w", l.path, err)
		}
	}
	return nil
}

// Close closes the underlying file handle.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// ReadFile reads every record from a journal file, in append order.
// Blank lines are skipped; a malformed line aborts the read with its line number.
func ReadFile(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal %q: %w", path, err)
	}
	defer f.Close()
	return readAll(f, path)
}

func readAll(r io.Reader, name string) ([]*Record, error) {
	var records []*Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec := &Record{}
		if err := json.Unmarshal(line, rec); err != nil {
			return records, fmt.Errorf("journal %q line %d: %w", name, lineNo, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("read journal %q: %w", name, err)
	}
	return records, nil
}

// Compile-time check.
var _ Log = (*FileLog)(nil)
