// Package agentbus is the in-process messaging backbone for cooperating
// security agents. It provides topic-based publish/subscribe with per-handler
// retry, at-least-once delivery, an append-only JSONL journal of every
// publish, and a dead-letter queue for handlers that exhaust their retries.
//
// Delivery model:
//   - Publish journals the event exactly once, then delivers it synchronously
//     to every handler subscribed to the topic at publish time.
//   - Each (event, handler) pair retries independently: up to maxRetries
//     additional attempts with a fixed delay. One failing handler never
//     affects other handlers or the publisher.
//   - An exhausted pair produces one dead-letter record; Publish still
//     returns nil. Publish errors only for bus-level faults (closed bus,
//     empty topic, unencodable payload).
//   - Configured forwarders relay each event to external systems
//     asynchronously and best-effort, after local delivery.
//
// Basic example:
//
//	bus, err := agentbus.New(agentbus.WithName("sentinel"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer bus.Close(ctx)
//
//	sub, _ := bus.Subscribe("txn.flagged", func(ctx context.Context, ev agentbus.Event) error {
//	    var txn Transaction
//	    if err := ev.Decode(&txn); err != nil {
//	        return err
//	    }
//	    return review(ctx, txn)
//	})
//	defer sub.Unsubscribe()
//
//	bus.Publish(ctx, "txn.flagged", Transaction{ID: "t-1", Amount: 9100})
//
// Handler outcomes: returning nil or ErrAck acknowledges; ErrNack requests a
// retry of a transient failure; any other error (or a recovered panic) also
// retries and, once attempts run out, dead-letters.
//
// Bus Options:
//   - WithJournal / WithDeadLetter: durable stores. Defaults are in-memory;
//     FromEnv wires JSONL files from the environment.
//   - WithMaxRetries / WithRetryDelay: retry budget per (event, handler) pair.
//   - WithHandlerTimeout: bound each handler invocation. Default is 0 (none).
//   - WithForwarder: relay events externally (HTTP broker, forward.NewNATS,
//     forward.NewRedis).
//   - WithCodec: payload encoding. Default JSON; payload.MsgPack available.
//   - WithTracing / WithMetrics / WithRecovery: OpenTelemetry spans, counters
//     and handler panic recovery. All default on.
//
// Subpackages: journal (append-only event log and replay), dlq (dead-letter
// stores and the replay manager), payload (codecs), forward (external
// forwarders).
package agentbus
