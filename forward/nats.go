package forward

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nfrguard/agentbus"
)

// NATSForwarder publishes events to NATS, one subject per topic.
type NATSForwarder struct {
	conn   *nats.Conn
	prefix string
}

// NATSOption configures a NATSForwarder.
type NATSOption func(*NATSForwarder)

// WithNATSSubjectPrefix prepends prefix to every subject, so topic
// "txn.flagged" becomes "<prefix>.txn.flagged".
func WithNATSSubjectPrefix(prefix string) NATSOption {
	return func(f *NATSForwarder) {
		f.prefix = prefix
	}
}

// NewNATS creates a forwarder over an established NATS connection. The
// caller owns the connection and its lifecycle.
func NewNATS(conn *nats.Conn, opts ...NATSOption) (*NATSForwarder, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats forwarder: nil connection")
	}
	f := &NATSForwarder{conn: conn}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

var _ agentbus.Forwarder = (*NATSForwarder)(nil)

// Forward publishes the event payload to its subject. NATS publishes are
// buffered client-side; a flush bounded by ctx makes delivery to the server
// observable.
func (f *NATSForwarder) Forward(ctx context.Context, ev agentbus.Event) error {
	subject := subjectFor(f.prefix, ev.Topic)
	msg := &nats.Msg{
		Subject: subject,
		Data:    ev.Payload,
		Header: nats.Header{
			"Content-Type": []string{ev.ContentType()},
		},
	}
	if ev.ID != "" {
		msg.Header.Set("Event-ID", ev.ID)
	}
	for k, v := range ev.Metadata {
		msg.Header.Set("Event-Meta-"+k, v)
	}
	if err := f.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish %q: %w", subject, err)
	}
	if err := f.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush %q: %w", subject, err)
	}
	return nil
}
