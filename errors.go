package agentbus

import (
	"errors"
	"fmt"
	"time"
)

// Bus errors returned from the public API.
var (
	// ErrBusClosed is returned when publishing or subscribing on a closed bus.
	ErrBusClosed = errors.New("bus is closed")

	// ErrNilHandler is returned when Subscribe is called without a handler.
	ErrNilHandler = errors.New("handler is required")

	// ErrEmptyTopic is returned when an operation is attempted with an empty topic.
	ErrEmptyTopic = errors.New("topic is required")
)

// Handler result sentinel errors.
// These errors control retry behavior when returned from handlers.
// Use errors.Is() to check for them as they may be wrapped with additional context.
//
// Example usage:
//
//	func handler(ctx context.Context, ev agentbus.Event) error {
//	    var tx Transaction
//	    if err := ev.Decode(&tx); err != nil {
//	        return fmt.Errorf("decode: %w", err)
//	    }
//	    if err := score(tx); err != nil {
//	        // Transient failure - retry after the configured delay
//	        return fmt.Errorf("scoring backend: %w", agentbus.ErrNack)
//	    }
//	    return nil // Success - event acknowledged
//	}
var (
	// ErrAck indicates successful processing. Equivalent to returning nil.
	// Use when you want to explicitly signal success with additional context.
	ErrAck = errors.New("ack: event processed successfully")

	// ErrNack indicates an explicit retryable failure. The handler will be
	// invoked again after the retry delay, until the retry budget runs out.
	ErrNack = errors.New("nack: retry event delivery")
)

// HandlerResult classifies the outcome of a single handler invocation.
type HandlerResult int

const (
	// ResultAck - event processed successfully.
	ResultAck HandlerResult = iota
	// ResultNack - handler asked for a retry explicitly.
	ResultNack
	// ResultError - handler returned an unexpected error or panicked.
	// Retried the same way as ResultNack, but the error detail is preserved
	// in the dead-letter record.
	ResultError
)

// ClassifyOutcome determines the handler result from the handler's return value.
// A nil error (or one wrapping ErrAck) acks the event, preserving the original
// "no explicit signal means success" contract for simple handlers.
func ClassifyOutcome(err error) HandlerResult {
	if err == nil {
		return ResultAck
	}
	if errors.Is(err, ErrAck) {
		return ResultAck
	}
	if errors.Is(err, ErrNack) {
		return ResultNack
	}
	return ResultError
}

// String returns a string representation of the handler result.
func (r HandlerResult) String() string {
	switch r {
	case ResultAck:
		return "ack"
	case ResultNack:
		return "nack"
	case ResultError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

// Ack wraps an error to signal successful processing.
// The cause stays reachable through errors.Is while the event is acked.
func Ack(err error) error {
	if err == nil {
		return ErrAck
	}
	return fmt.Errorf("%w: %w", ErrAck, err)
}

// Nack wraps an error to signal an explicit retryable failure.
func Nack(err error) error {
	if err == nil {
		return ErrNack
	}
	return fmt.Errorf("%w: %w", ErrNack, err)
}

// RetryExhaustedError indicates a handler failed every attempt in its retry
// budget. It is recorded in the dead-letter queue, never returned from Publish.
type RetryExhaustedError struct {
	Topic    string
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted for %q after %d attempts: %v", e.Topic, e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}

// IsRetryExhausted checks if an error indicates retry exhaustion.
func IsRetryExhausted(err error) bool {
	var exhausted *RetryExhaustedError
	return errors.As(err, &exhausted)
}

// ConfigError indicates an invalid bus configuration value.
// Returned from New so that bad retry settings fail at construction,
// not at first publish.
type ConfigError struct {
	Option string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s=%v: %s", e.Option, e.Value, e.Reason)
}

// IsConfigError checks if an error indicates invalid configuration.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

// HandlerTimeoutError indicates a handler did not return within the configured
// invocation timeout. Treated as an error outcome for retry purposes.
type HandlerTimeoutError struct {
	Topic   string
	Timeout time.Duration
}

func (e *HandlerTimeoutError) Error() string {
	return fmt.Sprintf("handler for %q timed out after %s", e.Topic, e.Timeout)
}
