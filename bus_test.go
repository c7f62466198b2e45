package agentbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nfrguard/agentbus/dlq"
	"syreclabs.com/go/faker"
)

func init() {
	faker.Seed(time.Now().UnixNano())
}

type flaggedTxn struct {
	TransactionID string  `json:"transaction_id"`
	Score         float64 `json:"score"`
}

func TestPublishJournalsEveryEvent(t *testing.T) {
	bus, log, _ := TestBus(t)
	ctx := context.Background()

	topics := []string{"txn.flagged", "risk.scored", "txn.flagged"}
	payloads := make([]flaggedTxn, len(topics))
	for i, topic := range topics {
		payloads[i] = flaggedTxn{TransactionID: faker.RandomString(8), Score: 0.5}
		if err := bus.Publish(ctx, topic, payloads[i]); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	records := log.Records()
	if len(records) != len(topics) {
		t.Fatalf("journal has %d records, want %d", len(records), len(topics))
	}
	for i, rec := range records {
		if rec.Topic != topics[i] {
			t.Errorf("record %d topic = %q, want %q", i, rec.Topic, topics[i])
		}
		var got flaggedTxn
		if err := json.Unmarshal(rec.Message, &got); err != nil {
			t.Fatalf("record %d message: %v", i, err)
		}
		if diff := cmp.Diff(payloads[i], got); diff != "" {
			t.Errorf("record %d payload mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestPublishJournalsEvenWithoutSubscribers(t *testing.T) {
	bus, log, _ := TestBus(t)

	if err := bus.Publish(context.Background(), "txn.flagged", flaggedTxn{TransactionID: "t1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if log.Len() != 1 {
		t.Fatalf("journal has %d records, want 1", log.Len())
	}
}

func TestHandlerIsolation(t *testing.T) {
	bus, _, store := TestBus(t, WithMaxRetries(1))
	ctx := context.Background()

	var good int32
	if _, err := bus.Subscribe("txn.flagged", func(ctx context.Context, ev Event) error {
		return errors.New("db unreachable")
	}); err != nil {
		t.Fatalf("subscribe failing: %v", err)
	}
	if _, err := bus.Subscribe("txn.flagged", func(ctx context.Context, ev Event) error {
		atomic.AddInt32(&good, 1)
		return nil
	}); err != nil {
		t.Fatalf("subscribe good: %v", err)
	}

	if err := bus.Publish(ctx, "txn.flagged", flaggedTxn{TransactionID: "t1", Score: 0.95}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if n := atomic.LoadInt32(&good); n != 1 {
		t.Errorf("good handler invoked %d times, want 1", n)
	}
	recs, err := store.List(ctx, dlq.Filter{})
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("dlq has %d records, want 1", len(recs))
	}
	if recs[0].Topic != "txn.flagged" {
		t.Errorf("dlq record topic = %q, want txn.flagged", recs[0].Topic)
	}
	if !strings.Contains(recs[0].Error, "db unreachable") {
		t.Errorf("dlq record error = %q, want it to mention the handler failure", recs[0].Error)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	bus, _, store := TestBus(t, WithMaxRetries(3))
	ctx := context.Background()

	var calls int32
	if _, err := bus.Subscribe("risk.scored", func(ctx context.Context, ev Event) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return ErrNack
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(ctx, "risk.scored", flaggedTxn{TransactionID: "t2"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("handler invoked %d times, want 3", n)
	}
	count, err := store.Count(ctx, dlq.Filter{})
	if err != nil {
		t.Fatalf("count dlq: %v", err)
	}
	if count != 0 {
		t.Errorf("dlq has %d records, want 0", count)
	}
}

func TestRetryExhaustion(t *testing.T) {
	const retries = 2
	bus, _, store := TestBus(t, WithMaxRetries(retries))
	ctx := context.Background()

	var calls int32
	if _, err := bus.Subscribe("txn.flagged", func(ctx context.Context, ev Event) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(ctx, "txn.flagged", flaggedTxn{TransactionID: "t3"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if n := atomic.LoadInt32(&calls); n != retries+1 {
		t.Errorf("handler invoked %d times, want %d", n, retries+1)
	}
	recs, err := store.List(ctx, dlq.Filter{})
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("dlq has %d records, want 1", len(recs))
	}
	rec := recs[0]
	if !strings.Contains(rec.Error, "boom") {
		t.Errorf("dlq record error = %q, want it to contain boom", rec.Error)
	}
	if rec.Attempts != retries+1 {
		t.Errorf("dlq record attempts = %d, want %d", rec.Attempts, retries+1)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus, _, _ := TestBus(t)
	ctx := context.Background()

	var calls int32
	sub, err := bus.Subscribe("txn.flagged", func(ctx context.Context, ev Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(ctx, "txn.flagged", flaggedTxn{TransactionID: "a"}); err != nil {
		t.Fatalf("publish a: %v", err)
	}
	sub.Unsubscribe()
	if err := bus.Publish(ctx, "txn.flagged", flaggedTxn{TransactionID: "b"}); err != nil {
		t.Fatalf("publish b: %v", err)
	}

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("handler invoked %d times, want 1", n)
	}
}

func TestTopicIsolation(t *testing.T) {
	bus, _, _ := TestBus(t)
	ctx := context.Background()

	var calls int32
	if _, err := bus.Subscribe("topic.x", func(ctx context.Context, ev Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(ctx, "topic.y", flaggedTxn{TransactionID: "t"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Errorf("handler invoked %d times for another topic, want 0", n)
	}
}

func TestPublishDeliversExactPayload(t *testing.T) {
	bus, log, _ := TestBus(t)
	ctx := context.Background()

	want := flaggedTxn{TransactionID: "t1", Score: 0.95}
	var calls int32
	var got flaggedTxn
	if _, err := bus.Subscribe("risk.flagged", func(ctx context.Context, ev Event) error {
		atomic.AddInt32(&calls, 1)
		return ev.Decode(&got)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(ctx, "risk.flagged", want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("handler invoked %d times, want 1", n)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
	if log.Len() != 1 || log.Records()[0].Topic != "risk.flagged" {
		t.Errorf("journal records = %v, want one for risk.flagged", log.Records())
	}
}

func TestPublishSucceedsDespiteJournalFailure(t *testing.T) {
	bus, log, _ := TestBus(t)
	ctx := context.Background()

	var calls int32
	if _, err := bus.Subscribe("txn.flagged", func(ctx context.Context, ev Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	log.FailWith(errors.New("disk full"))
	if err := bus.Publish(ctx, "txn.flagged", flaggedTxn{TransactionID: "t"}); err != nil {
		t.Fatalf("publish should not surface journal failure, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("handler invoked %d times, want 1", n)
	}
}

func TestPublishSucceedsDespiteForwardFailure(t *testing.T) {
	fwd := &RecordingForwarder{Err: errors.New("broker down")}
	bus, _, _ := TestBus(t, WithForwarder(fwd))
	ctx := context.Background()

	var calls int32
	if _, err := bus.Subscribe("txn.flagged", func(ctx context.Context, ev Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(ctx, "txn.flagged", flaggedTxn{TransactionID: "t"}); err != nil {
		t.Fatalf("publish should not surface forward failure, got %v", err)
	}
	bus.Flush()
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("handler invoked %d times, want 1", n)
	}
	if fwd.Len() != 1 {
		t.Errorf("forwarder saw %d events, want 1", fwd.Len())
	}
}

func TestForwarderReceivesEveryPublish(t *testing.T) {
	fwd := &RecordingForwarder{}
	bus, _, _ := TestBus(t, WithForwarder(fwd))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		topic := fmt.Sprintf("topic.%d", i%2)
		if err := bus.Publish(ctx, topic, flaggedTxn{TransactionID: faker.RandomString(6)}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	bus.Flush()

	if fwd.Len() != 5 {
		t.Errorf("forwarder saw %d events, want 5", fwd.Len())
	}
}

func TestPanicIsRetriedAndDeadLettered(t *testing.T) {
	bus, _, store := TestBus(t, WithMaxRetries(1))
	ctx := context.Background()

	var calls int32
	if _, err := bus.Subscribe("txn.flagged", func(ctx context.Context, ev Event) error {
		atomic.AddInt32(&calls, 1)
		panic("nil map write")
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(ctx, "txn.flagged", flaggedTxn{TransactionID: "t"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("handler invoked %d times, want 2", n)
	}
	recs, err := store.List(ctx, dlq.Filter{})
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(recs) != 1 || !strings.Contains(recs[0].Error, "nil map write") {
		t.Errorf("dlq records = %+v, want one mentioning the panic", recs)
	}
}

func TestHandlerTimeout(t *testing.T) {
	bus, _, store := TestBus(t,
		WithMaxRetries(0),
		WithHandlerTimeout(20*time.Millisecond))
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)
	if _, err := bus.Subscribe("txn.flagged", func(ctx context.Context, ev Event) error {
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(ctx, "txn.flagged", flaggedTxn{TransactionID: "t"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	recs, err := store.List(ctx, dlq.Filter{})
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("dlq has %d records, want 1", len(recs))
	}
	if !strings.Contains(recs[0].Error, "timed out") {
		t.Errorf("dlq record error = %q, want a timeout", recs[0].Error)
	}
}

func TestClearAllResetsTopics(t *testing.T) {
	bus, _, _ := TestBus(t)

	for _, topic := range []string{"a", "b", "c"} {
		if _, err := bus.Subscribe(topic, func(ctx context.Context, ev Event) error { return nil }); err != nil {
			t.Fatalf("subscribe %q: %v", topic, err)
		}
	}
	if got := bus.ListTopics(); len(got) != 3 {
		t.Fatalf("ListTopics = %v, want 3 topics", got)
	}

	bus.ClearAll()
	if got := bus.ListTopics(); len(got) != 0 {
		t.Errorf("ListTopics after ClearAll = %v, want empty", got)
	}
}

func TestSubscriptionOrderPreserved(t *testing.T) {
	bus, _, _ := TestBus(t)
	ctx := context.Background()

	var order []int
	for i := 0; i < 4; i++ {
		i := i
		if _, err := bus.Subscribe("ordered", func(ctx context.Context, ev Event) error {
			order = append(order, i)
			return nil
		}); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}

	if err := bus.Publish(ctx, "ordered", flaggedTxn{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if diff := cmp.Diff([]int{0, 1, 2, 3}, order); diff != "" {
		t.Errorf("invocation order mismatch (-want +got):\n%s", diff)
	}
}

func TestDuplicateSubscriptionDeliversTwice(t *testing.T) {
	bus, _, _ := TestBus(t)
	ctx := context.Background()

	var calls int32
	h := func(ctx context.Context, ev Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}
	if _, err := bus.Subscribe("dup", h); err != nil {
		t.Fatalf("subscribe first: %v", err)
	}
	if _, err := bus.Subscribe("dup", h); err != nil {
		t.Fatalf("subscribe second: %v", err)
	}

	if err := bus.Publish(ctx, "dup", flaggedTxn{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("handler invoked %d times, want 2", n)
	}
}

func TestMidDeliverySubscribeSeesNextEvent(t *testing.T) {
	bus, _, _ := TestBus(t)
	ctx := context.Background()

	var lateCalls int32
	late := func(ctx context.Context, ev Event) error {
		atomic.AddInt32(&lateCalls, 1)
		return nil
	}
	if _, err := bus.Subscribe("snap", func(ctx context.Context, ev Event) error {
		_, err := bus.Subscribe("snap", late)
		return err
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(ctx, "snap", flaggedTxn{}); err != nil {
		t.Fatalf("publish first: %v", err)
	}
	if n := atomic.LoadInt32(&lateCalls); n != 0 {
		t.Fatalf("late handler saw the event that registered it (%d calls)", n)
	}
	if err := bus.Publish(ctx, "snap", flaggedTxn{}); err != nil {
		t.Fatalf("publish second: %v", err)
	}
	if n := atomic.LoadInt32(&lateCalls); n != 1 {
		t.Errorf("late handler invoked %d times for second event, want 1", n)
	}
}

func TestPublishRawBytesPassThrough(t *testing.T) {
	bus, log, _ := TestBus(t)
	ctx := context.Background()

	raw := json.RawMessage(`{"transaction_id":"t1","score":0.95}`)
	if err := bus.Publish(ctx, "txn.flagged", raw); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := log.Records()[0].Message
	if diff := cmp.Diff(string(raw), string(got)); diff != "" {
		t.Errorf("journaled payload mismatch (-want +got):\n%s", diff)
	}
}

func TestPublishErrors(t *testing.T) {
	bus, _, _ := TestBus(t)
	ctx := context.Background()

	t.Run("empty topic", func(t *testing.T) {
		if err := bus.Publish(ctx, "", flaggedTxn{}); !errors.Is(err, ErrEmptyTopic) {
			t.Errorf("err = %v, want ErrEmptyTopic", err)
		}
	})
	t.Run("unencodable payload", func(t *testing.T) {
		if err := bus.Publish(ctx, "t", func() {}); err == nil {
			t.Error("want encode error, got nil")
		}
	})
	t.Run("closed bus", func(t *testing.T) {
		closed, _, _ := TestBus(t)
		if err := closed.Close(ctx); err != nil {
			t.Fatalf("close: %v", err)
		}
		if err := closed.Publish(ctx, "t", flaggedTxn{}); !errors.Is(err, ErrBusClosed) {
			t.Errorf("publish err = %v, want ErrBusClosed", err)
		}
		if _, err := closed.Subscribe("t", func(ctx context.Context, ev Event) error { return nil }); !errors.Is(err, ErrBusClosed) {
			t.Errorf("subscribe err = %v, want ErrBusClosed", err)
		}
	})
}

func TestSubscribeErrors(t *testing.T) {
	bus, _, _ := TestBus(t)

	if _, err := bus.Subscribe("", func(ctx context.Context, ev Event) error { return nil }); !errors.Is(err, ErrEmptyTopic) {
		t.Errorf("empty topic err = %v, want ErrEmptyTopic", err)
	}
	if _, err := bus.Subscribe("t", nil); !errors.Is(err, ErrNilHandler) {
		t.Errorf("nil handler err = %v, want ErrNilHandler", err)
	}
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	cases := []struct {
		name string
		opt  Option
	}{
		{"negative retries", WithMaxRetries(-1)},
		{"negative delay", WithRetryDelay(-time.Second)},
		{"negative handler timeout", WithHandlerTimeout(-time.Second)},
		{"zero forward timeout", WithForwardTimeout(0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.opt)
			if !IsConfigError(err) {
				t.Errorf("New() err = %v, want ConfigError", err)
			}
		})
	}
}

func TestDeliveryContext(t *testing.T) {
	bus, _, _ := TestBus(t, WithMaxRetries(1))
	ctx := context.Background()

	var attempts []int
	var gotTopic string
	var gotEventID string
	if _, err := bus.Subscribe("ctx.topic", func(ctx context.Context, ev Event) error {
		attempts = append(attempts, ContextAttempt(ctx))
		gotTopic = ContextTopic(ctx)
		gotEventID = ContextEventID(ctx)
		if len(attempts) < 2 {
			return ErrNack
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(ctx, "ctx.topic", flaggedTxn{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if diff := cmp.Diff([]int{1, 2}, attempts); diff != "" {
		t.Errorf("attempts mismatch (-want +got):\n%s", diff)
	}
	if gotTopic != "ctx.topic" {
		t.Errorf("ContextTopic = %q, want ctx.topic", gotTopic)
	}
	if gotEventID == "" {
		t.Error("ContextEventID empty inside handler")
	}
}

func TestClockControlsTimestamps(t *testing.T) {
	at := time.Unix(1757421032, 0)
	bus, log, store := TestBus(t,
		WithClock(func() time.Time { return at }),
		WithMaxRetries(0))
	ctx := context.Background()

	bus.Subscribe("txn.flagged", func(ctx context.Context, ev Event) error {
		if !ev.Time.Equal(at) {
			t.Errorf("event time = %v, want %v", ev.Time, at)
		}
		return errors.New("boom")
	})
	if err := bus.Publish(ctx, "txn.flagged", flaggedTxn{}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if ts := log.Records()[0].TS; ts != float64(at.Unix()) {
		t.Errorf("journal ts = %f, want %d", ts, at.Unix())
	}
	recs, _ := store.List(ctx, dlq.Filter{})
	if len(recs) != 1 || !recs[0].CreatedAt.Equal(at) {
		t.Errorf("dlq created_at = %v, want %v", recs, at)
	}
}

func TestMetadataPropagation(t *testing.T) {
	bus, _, _ := TestBus(t)
	md := Metadata{"agent": "sentinel", "trace": "abc"}
	ctx := ContextWithMetadata(context.Background(), md)

	var got Metadata
	if _, err := bus.Subscribe("meta", func(ctx context.Context, ev Event) error {
		got = ev.Metadata
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(ctx, "meta", flaggedTxn{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if diff := cmp.Diff(md, got); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}
}
