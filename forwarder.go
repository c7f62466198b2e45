package agentbus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Forwarder relays a published event to a system outside the bus. Forwarding
// is best-effort: the bus logs and counts failures but never retries them and
// never surfaces them to the publisher or to local subscribers.
type Forwarder interface {
	// Forward relays one event. The context carries the bus forward timeout.
	Forward(ctx context.Context, ev Event) error
}

// ForwarderFunc adapts a function to the Forwarder interface.
type ForwarderFunc func(ctx context.Context, ev Event) error

// Forward calls f.
func (f ForwarderFunc) Forward(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// HTTPForwarder posts each event's payload to <base URL>/topics/<topic> on a
// broker-style HTTP endpoint.
type HTTPForwarder struct {
	base   string
	client *http.Client
}

// HTTPOption configures an HTTPForwarder.
type HTTPOption func(*HTTPForwarder)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(f *HTTPForwarder) {
		if c != nil {
			f.client = c
		}
	}
}

// NewHTTPForwarder creates a forwarder targeting the broker at baseURL.
func NewHTTPForwarder(baseURL string, opts ...HTTPOption) (*HTTPForwarder, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("broker url %q: unsupported scheme %q", baseURL, u.Scheme)
	}
	f := &HTTPForwarder{
		base:   strings.TrimRight(baseURL, "/"),
		client: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

var _ Forwarder = (*HTTPForwarder)(nil)

// Forward posts the event payload. Any response status below 300 counts as
// accepted; the response body is drained and discarded.
func (f *HTTPForwarder) Forward(ctx context.Context, ev Event) error {
	endpoint := f.base + "/topics/" + url.PathEscape(ev.Topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(ev.Payload))
	if err != nil {
		return fmt.Errorf("build forward request: %w", err)
	}
	req.Header.Set("Content-Type", ev.ContentType())
	if ev.ID != "" {
		req.Header.Set("X-Event-ID", ev.ID)
	}
	for k, v := range ev.Metadata {
		req.Header.Set("X-Event-Meta-"+k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("forward %q to %s: %w", ev.Topic, endpoint, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("forward %q to %s: unexpected status %s", ev.Topic, endpoint, resp.Status)
	}
	return nil
}
