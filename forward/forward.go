// Package forward provides agentbus.Forwarder implementations for relaying
// bus events to external systems.
//
// A forwarder receives every published event after local delivery has been
// attempted; it is best-effort by contract, so these implementations report
// failures through their error return and leave retry policy to the operator
// (replay from the journal, or broker-side redelivery).
//
// Available targets:
//
//   - NATS: publishes each event to its topic as a NATS subject.
//   - Redis: appends each event to a Redis stream per topic.
//
// The HTTP broker forwarder lives in the root package because environment
// based configuration constructs it directly.
package forward

import (
	"fmt"
	"strings"
)

// subjectFor maps a bus topic to a broker subject or stream name. Topics are
// dot-separated already; spaces are the only character the brokers reject.
func subjectFor(prefix, topic string) string {
	s := strings.ReplaceAll(topic, " ", "_")
	if prefix == "" {
		return s
	}
	return fmt.Sprintf("%s.%s", prefix, s)
}
