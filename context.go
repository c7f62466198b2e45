package agentbus

import (
	"context"
	"log/slog"
)

type contextKey int

const (
	deliveryContextKey contextKey = iota
	metadataContextKey
)

// ContextWithMetadata returns a context carrying metadata that Publish
// attaches to the events it produces.
func ContextWithMetadata(ctx context.Context, md Metadata) context.Context {
	return context.WithValue(ctx, metadataContextKey, md)
}

// ContextMetadata returns the metadata carried by ctx, or nil.
func ContextMetadata(ctx context.Context) Metadata {
	if md, ok := ctx.Value(metadataContextKey).(Metadata); ok {
		return md
	}
	return nil
}

// deliveryContextData is attached to the context a handler runs under.
type deliveryContextData struct {
	eventID string
	topic   string
	subID   string
	attempt int
	logger  *slog.Logger
}

// ContextEventID returns the event ID of the delivery in progress,
// or "" outside a handler.
func ContextEventID(ctx context.Context) string {
	if d, ok := ctx.Value(deliveryContextKey).(*deliveryContextData); ok {
		return d.eventID
	}
	return ""
}

// ContextTopic returns the topic of the delivery in progress,
// or "" outside a handler.
func ContextTopic(ctx context.Context) string {
	if d, ok := ctx.Value(deliveryContextKey).(*deliveryContextData); ok {
		return d.topic
	}
	return ""
}

// ContextSubscriptionID returns the subscription ID of the delivery in
// progress, or "" outside a handler.
func ContextSubscriptionID(ctx context.Context) string {
	if d, ok := ctx.Value(deliveryContextKey).(*deliveryContextData); ok {
		return d.subID
	}
	return ""
}

// ContextAttempt returns the 1-based attempt number of the delivery in
// progress, or 0 outside a handler.
func ContextAttempt(ctx context.Context) int {
	if d, ok := ctx.Value(deliveryContextKey).(*deliveryContextData); ok {
		return d.attempt
	}
	return 0
}

// ContextLogger returns the bus logger scoped to the delivery in progress.
// Falls back to slog.Default outside a handler.
func ContextLogger(ctx context.Context) *slog.Logger {
	if d, ok := ctx.Value(deliveryContextKey).(*deliveryContextData); ok && d.logger != nil {
		return d.logger
	}
	return slog.Default()
}

func contextWithDelivery(ctx context.Context, d *deliveryContextData) context.Context {
	return context.WithValue(ctx, deliveryContextKey, d)
}
