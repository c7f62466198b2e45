// Package journal provides the durable append-only event log.
//
// Every published event is recorded exactly once, regardless of how many
// subscribers exist or how delivery proceeds. The log is the bus's audit
// trail and the source for replay.
//
// The on-disk format is one JSON object per line:
//
//	{"ts": 1757421032.114, "topic": "risk.flagged", "message": {...}}
//
// "ts" is the publish wall-clock time as fractional unix seconds. "message"
// is the payload blob as produced by the bus codec; non-JSON codec output is
// stored as a base64 JSON string.
//
// Implementations:
//   - FileLog: durable file-backed log (see file.go)
//   - MemoryLog: in-memory log for testing (see memory.go)
package journal

import (
	"context"
	"encoding/json"
	"math"
	"time"
)

// Record is one journaled event.
type Record struct {
	TS      float64         `json:"ts"`
	Topic   string          `json:"topic"`
	Message json.RawMessage `json:"message"`
}

// New creates a record for an event published at the given time.
// Raw JSON payloads are embedded as-is; anything else is stored as a
// base64 JSON string so the line stays valid JSON.
func New(topic string, message []byte, at time.Time) *Record {
	return &Record{
		TS:      float64(at.Unix()) + float64(at.Nanosecond())/float64(time.Second),
		Topic:   topic,
		Message: encodeMessage(message),
	}
}

// Time returns the record timestamp as a time.Time.
func (r *Record) Time() time.Time {
	sec, frac := math.Modf(r.TS)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

func encodeMessage(b []byte) json.RawMessage {
	if len(b) > 0 && json.Valid(b) {
		msg := make(json.RawMessage, len(b))
		copy(msg, b)
		return msg
	}
	enc, err := json.Marshal(b)
	if err != nil {
		return json.RawMessage("null")
	}
	return enc
}

// Log is the sink the bus appends every published event to.
// Implementations must be safe for concurrent use: appends from concurrent
// publishers must not interleave partial lines.
type Log interface {
	// Append durably records one event. The record must be written (or the
	// failure surfaced) before Append returns.
	Append(ctx context.Context, rec *Record) error
}
