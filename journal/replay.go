package journal

import (
	"context"
	"fmt"
	"log/slog"
)

// Publisher republishes journaled events. *agentbus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Replay republishes records through pub in append order.
// A record that fails to publish is logged and skipped; replay continues.
// Returns the number of successfully republished records.
func Replay(ctx context.Context, records []*Record, pub Publisher) (int, error) {
	logger := slog.Default().With("component", "journal.replay")
	replayed := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if err := pub.Publish(ctx, rec.Topic, rec.Message); err != nil {
			logger.Error("failed to replay record",
				"topic", rec.Topic,
				"ts", rec.TS,
				"error", err)
			continue
		}
		replayed++
	}
	return replayed, nil
}

// ReplayFile reads a journal file and republishes every record through pub.
func ReplayFile(ctx context.Context, path string, pub Publisher) (int, error) {
	records, err := ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("replay: %w", err)
	}
	return Replay(ctx, records, pub)
}
