package stage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/solaceflow/connector/internal/errkinds"
	"github.com/solaceflow/connector/internal/events"
	"github.com/solaceflow/connector/internal/expr"
	"github.com/solaceflow/connector/internal/message"
)

// fnComponent adapts a plain function to component.Component for tests.
type fnComponent struct {
	fn func(msg *message.Message, data any) (any, error)
}

func (f *fnComponent) Invoke(msg *message.Message, data any) (any, error) {
	return f.fn(msg, data)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newAckedMessage() (*message.Message, *int32) {
	m := message.New(message.Input{Payload: map[string]any{"value": 7.0}})
	var outcome int32 // 0=unset, 1=success, 2=failure
	var mu sync.Mutex
	m.AddAckCallback(message.AckPair{
		OnSuccess: func() { mu.Lock(); outcome = 1; mu.Unlock() },
		OnFailure: func(error) { mu.Lock(); outcome = 2; mu.Unlock() },
	})
	return m, &outcome
}

// TestPassThroughAcksSuccess exercises scenario S1: a single-Stage
// pass-through Flow resolves its Message with success.
func TestPassThroughAcksSuccess(t *testing.T) {
	comp := &fnComponent{fn: func(msg *message.Message, data any) (any, error) {
		return data, nil
	}}
	cfg := Config{ID: "passthrough", WorkerCount: 1, Registry: expr.NewRegistry()}
	s := New(cfg, comp, nil, testLogger(), events.New(), "flow1", "app1")
	s.Start()
	defer s.Stop()

	msg, outcome := newAckedMessage()
	msg.Previous = map[string]any{"value": 7.0}
	if err := s.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	waitForResolved(t, msg)
	if got := *outcome; got != 1 {
		t.Fatalf("expected success ack (1), got %d", got)
	}
}

func waitForResolved(t *testing.T, msg *message.Message) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if msg.Resolved() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("message never resolved")
}

// TestFilterNullStopsPropagationWithSuccess verifies Stage output
// handling rule 1: invoke returning nil acks success without forwarding.
func TestFilterNullStopsPropagationWithSuccess(t *testing.T) {
	comp := &fnComponent{fn: func(msg *message.Message, data any) (any, error) {
		return nil, nil
	}}
	cfg := Config{ID: "filter", WorkerCount: 1, Registry: expr.NewRegistry()}
	s := New(cfg, comp, nil, testLogger(), events.New(), "flow1", "app1")
	s.Start()
	defer s.Stop()

	msg, outcome := newAckedMessage()
	if err := s.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForResolved(t, msg)
	if got := *outcome; got != 1 {
		t.Fatalf("expected success ack on filter discard, got %d", got)
	}
}

// TestInvokeErrorNacksByDefault verifies the default recovery policy:
// an unclassified error NACKs the Message.
func TestInvokeErrorNacksByDefault(t *testing.T) {
	boom := errors.New("boom")
	comp := &fnComponent{fn: func(msg *message.Message, data any) (any, error) {
		return nil, boom
	}}
	cfg := Config{ID: "failing", WorkerCount: 1, Registry: expr.NewRegistry()}
	s := New(cfg, comp, nil, testLogger(), events.New(), "flow1", "app1")
	s.Start()
	defer s.Stop()

	msg, outcome := newAckedMessage()
	if err := s.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForResolved(t, msg)
	if got := *outcome; got != 2 {
		t.Fatalf("expected failure ack (2), got %d", got)
	}
}

// TestRecoveryPolicyDrop verifies a Stage-declared recovery policy can
// override the default NACK-on-error behavior with a drop (success ack).
func TestRecoveryPolicyDrop(t *testing.T) {
	comp := &fnComponent{fn: func(msg *message.Message, data any) (any, error) {
		return nil, errkinds.ErrTransform
	}}
	cfg := Config{
		ID:             "drop-on-transform-error",
		WorkerCount:    1,
		Registry:       expr.NewRegistry(),
		RecoveryPolicy: errkinds.PolicyMap{errkinds.KindTransform: errkinds.ReactionDrop},
	}
	s := New(cfg, comp, nil, testLogger(), events.New(), "flow1", "app1")
	s.Start()
	defer s.Stop()

	msg, outcome := newAckedMessage()
	if err := s.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForResolved(t, msg)
	if got := *outcome; got != 1 {
		t.Fatalf("expected success ack via drop reaction, got %d", got)
	}
}

// TestForwardsToSuccessor verifies Stage output handling rule 2: a
// non-nil result is forwarded to the successor's input queue.
func TestForwardsToSuccessor(t *testing.T) {
	received := make(chan *message.Message, 1)
	tail := &fnComponent{fn: func(msg *message.Message, data any) (any, error) {
		received <- msg
		return nil, nil
	}}
	tailCfg := Config{ID: "tail", WorkerCount: 1, Registry: expr.NewRegistry()}
	tailStage := New(tailCfg, tail, nil, testLogger(), events.New(), "flow1", "app1")
	tailStage.Start()
	defer tailStage.Stop()

	head := &fnComponent{fn: func(msg *message.Message, data any) (any, error) {
		return map[string]any{"value": 9.0}, nil
	}}
	headCfg := Config{ID: "head", WorkerCount: 1, Registry: expr.NewRegistry()}
	headStage := New(headCfg, head, tailStage, testLogger(), events.New(), "flow1", "app1")
	headStage.Start()
	defer headStage.Stop()

	msg, outcome := newAckedMessage()
	if err := headStage.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != msg.ID {
			t.Fatalf("expected same message to reach tail stage")
		}
	case <-time.After(time.Second):
		t.Fatal("message never reached tail stage")
	}
	waitForResolved(t, msg)
	if got := *outcome; got != 1 {
		t.Fatalf("expected success ack at tail, got %d", got)
	}
}

// waitForNotResolved asserts msg stays unresolved for the given window,
// used to confirm an EgressAckHold disposition (neither ack nor nack).
func waitForNotResolved(t *testing.T, msg *message.Message, window time.Duration) {
	t.Helper()
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if msg.Resolved() {
			t.Fatal("message resolved, expected it to be held")
		}
		time.Sleep(time.Millisecond)
	}
}

// TestEgressFailureNackAfterNHoldsThenNacks verifies a broker-publish
// failure (errkinds.ErrBroker from invoke) is held for failures below
// EgressAckN, then nacked once the threshold is reached — the behavior
// spec.md §9's propagate_acknowledgements Open Question resolves to.
func TestEgressFailureNackAfterNHoldsThenNacks(t *testing.T) {
	comp := &fnComponent{fn: func(msg *message.Message, data any) (any, error) {
		return nil, errkinds.ErrBroker
	}}
	cfg := Config{
		ID:              "egress",
		WorkerCount:     1,
		Registry:        expr.NewRegistry(),
		EgressAckPolicy: EgressAckNackAfterN,
		EgressAckN:      2,
	}
	s := New(cfg, comp, nil, testLogger(), events.New(), "flow1", "app1")
	s.Start()
	defer s.Stop()

	first, firstOutcome := newAckedMessage()
	if err := s.Enqueue(context.Background(), first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForNotResolved(t, first, 50*time.Millisecond)

	second, secondOutcome := newAckedMessage()
	if err := s.Enqueue(context.Background(), second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForResolved(t, second)
	if got := *secondOutcome; got != 2 {
		t.Fatalf("expected nack once EgressAckN reached, got %d", got)
	}
	if *firstOutcome != 0 {
		t.Fatalf("expected first message to remain held, got outcome %d", *firstOutcome)
	}
}

// TestEgressFailureDropAfterN verifies drop_after_n resolves success
// (not failure) once the threshold is reached.
func TestEgressFailureDropAfterN(t *testing.T) {
	comp := &fnComponent{fn: func(msg *message.Message, data any) (any, error) {
		return nil, errkinds.ErrBroker
	}}
	cfg := Config{
		ID:              "egress-drop",
		WorkerCount:     1,
		Registry:        expr.NewRegistry(),
		EgressAckPolicy: EgressAckDropAfterN,
		EgressAckN:      1,
	}
	s := New(cfg, comp, nil, testLogger(), events.New(), "flow1", "app1")
	s.Start()
	defer s.Stop()

	msg, outcome := newAckedMessage()
	if err := s.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForResolved(t, msg)
	if got := *outcome; got != 1 {
		t.Fatalf("expected success ack via drop_after_n, got %d", got)
	}
}

// TestEgressFailureHoldNeverResolves verifies the hold policy abandons
// every broker-publish failure regardless of how many accumulate.
func TestEgressFailureHoldNeverResolves(t *testing.T) {
	comp := &fnComponent{fn: func(msg *message.Message, data any) (any, error) {
		return nil, errkinds.ErrBroker
	}}
	cfg := Config{
		ID:              "egress-hold",
		WorkerCount:     1,
		Registry:        expr.NewRegistry(),
		EgressAckPolicy: EgressAckHold,
		EgressAckN:      1,
	}
	s := New(cfg, comp, nil, testLogger(), events.New(), "flow1", "app1")
	s.Start()
	defer s.Stop()

	msg, outcome := newAckedMessage()
	if err := s.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForNotResolved(t, msg, 50*time.Millisecond)
	if *outcome != 0 {
		t.Fatalf("expected message held indefinitely, got outcome %d", *outcome)
	}
}

// TestEgressFailureDoesNotConsultRecoveryPolicy verifies a broker
// failure is routed through EgressAckPolicy even when a RecoveryPolicy
// entry for KindBroker exists — the two mechanisms are distinct, and
// EgressAckPolicy wins for invoke errors classified as broker errors.
func TestEgressFailureDoesNotConsultRecoveryPolicy(t *testing.T) {
	comp := &fnComponent{fn: func(msg *message.Message, data any) (any, error) {
		return nil, errkinds.ErrBroker
	}}
	cfg := Config{
		ID:              "egress-vs-recovery",
		WorkerCount:     1,
		Registry:        expr.NewRegistry(),
		EgressAckPolicy: EgressAckDropAfterN,
		EgressAckN:      1,
		RecoveryPolicy:  errkinds.PolicyMap{errkinds.KindBroker: errkinds.ReactionNack},
	}
	s := New(cfg, comp, nil, testLogger(), events.New(), "flow1", "app1")
	s.Start()
	defer s.Stop()

	msg, outcome := newAckedMessage()
	if err := s.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForResolved(t, msg)
	if got := *outcome; got != 1 {
		t.Fatalf("expected EgressAckPolicy's drop_after_n to win (success ack), got %d", got)
	}
}

func TestMetricsReportsCounts(t *testing.T) {
	comp := &fnComponent{fn: func(msg *message.Message, data any) (any, error) {
		return nil, nil
	}}
	cfg := Config{ID: "metrics-stage", WorkerCount: 1, QueueCapacity: 4, Registry: expr.NewRegistry()}
	s := New(cfg, comp, nil, testLogger(), events.New(), "flow1", "app1")
	s.Start()
	defer s.Stop()

	msg, _ := newAckedMessage()
	if err := s.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForResolved(t, msg)

	m := s.Metrics()
	if m.MessagesIn != 1 {
		t.Fatalf("expected 1 message in, got %d", m.MessagesIn)
	}
	if m.QueueCap != 4 {
		t.Fatalf("expected queue capacity 4, got %d", m.QueueCap)
	}
}
