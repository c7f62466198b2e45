package agentbus

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nfrguard/agentbus/dlq"
	"github.com/nfrguard/agentbus/journal"
)

// Environment variables understood by FromEnv. Names are shared with the
// agents this bus grew out of, so deployments keep their existing config.
const (
	EnvPersistPath = "MSG_PERSIST_PATH"
	EnvDLQPath     = "MSG_DLQ_PATH"
	EnvMaxRetries  = "MSG_MAX_RETRIES"
	EnvRetryDelay  = "MSG_RETRY_DELAY"
	EnvBrokerURL   = "LOCAL_BROKER_URL"
)

// Default file locations used when the path variables are unset.
const (
	DefaultPersistPath = "./.msg_events.jsonl"
	DefaultDLQPath     = "./.msg_dlq.jsonl"
)

// FromEnv builds bus options from the process environment.
//
//	MSG_PERSIST_PATH  journal file (default ./.msg_events.jsonl)
//	MSG_DLQ_PATH      dead-letter file (default ./.msg_dlq.jsonl)
//	MSG_MAX_RETRIES   retries after the first attempt (default 3)
//	MSG_RETRY_DELAY   delay between attempts, Go duration or plain seconds
//	LOCAL_BROKER_URL  if set, forward events to this HTTP broker
//
// Unparseable values fail with a ConfigError instead of being silently
// defaulted. The returned options can be extended:
//
//	opts, err := agentbus.FromEnv()
//	...
//	bus, err := agentbus.New(append(opts, agentbus.WithName("sentinel"))...)
func FromEnv() ([]Option, error) {
	var opts []Option

	persistPath := os.Getenv(EnvPersistPath)
	if persistPath == "" {
		persistPath = DefaultPersistPath
	}
	log, err := journal.OpenFile(persistPath)
	if err != nil {
		return nil, fmt.Errorf("open journal %q: %w", persistPath, err)
	}
	opts = append(opts, WithJournal(log))

	dlqPath := os.Getenv(EnvDLQPath)
	if dlqPath == "" {
		dlqPath = DefaultDLQPath
	}
	sink, err := dlq.OpenFile(dlqPath)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter file %q: %w", dlqPath, err)
	}
	opts = append(opts, WithDeadLetter(sink))

	if v := os.Getenv(EnvMaxRetries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, &ConfigError{Option: EnvMaxRetries, Value: v, Reason: "not an integer"}
		}
		opts = append(opts, WithMaxRetries(n))
	}

	if v := os.Getenv(EnvRetryDelay); v != "" {
		d, err := parseDelay(v)
		if err != nil {
			return nil, &ConfigError{Option: EnvRetryDelay, Value: v, Reason: "not a duration"}
		}
		opts = append(opts, WithRetryDelay(d))
	}

	if v := os.Getenv(EnvBrokerURL); v != "" {
		fwd, err := NewHTTPForwarder(v)
		if err != nil {
			return nil, &ConfigError{Option: EnvBrokerURL, Value: v, Reason: err.Error()}
		}
		opts = append(opts, WithForwarder(fwd))
	}

	return opts, nil
}

// parseDelay accepts either a Go duration ("250ms") or a bare number of
// seconds ("0.5"), the form the original agent deployments used.
func parseDelay(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}
