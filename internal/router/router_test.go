package router

import (
	"errors"
	"testing"

	"github.com/solaceflow/connector/internal/events"
	"github.com/solaceflow/connector/internal/message"
)

type recordingTarget struct {
	received []*message.Message
	err      error
}

func (t *recordingTarget) Enqueue(msg *message.Message) error {
	if t.err != nil {
		return t.err
	}
	t.received = append(t.received, msg)
	return nil
}

func newMsg(topic string) *message.Message {
	return message.New(message.Input{Topic: topic, TopicLevels: message.ParseTopicLevels(topic)})
}

func TestMatchSingleLevelWildcard(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"data/*/high", "data/raw/high", true},
		{"data/*/high", "data/raw/low", false},
		{"data/*/high", "data/a/b/high", false},
		{"data/>", "data/raw/low", true},
		{"data/>", "data", false},
		{"other/x", "other/x", true},
		{"other/x", "other/y", false},
	}
	for _, c := range cases {
		if got := Match(c.pattern, c.topic); got != c.want {
			t.Errorf("Match(%q, %q) = %v, want %v", c.pattern, c.topic, got, c.want)
		}
	}
}

// TestFirstMatchWins exercises scenario S2: two Stages subscribe to
// data/*/high then data/>; a topic matching both is routed to the
// first-registered Stage.
func TestFirstMatchWins(t *testing.T) {
	r := New(events.New(), "flow1")
	stageA := &recordingTarget{}
	stageB := &recordingTarget{}
	r.Register("data/*/high", "stage-a", stageA)
	r.Register("data/>", "stage-b", stageB)

	msgHigh := newMsg("data/raw/high")
	if err := r.Dispatch(msgHigh); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stageA.received) != 1 || len(stageB.received) != 0 {
		t.Fatalf("expected data/raw/high to route to stage-a only")
	}

	msgLow := newMsg("data/raw/low")
	if err := r.Dispatch(msgLow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stageB.received) != 1 {
		t.Fatalf("expected data/raw/low to route to stage-b")
	}
}

// TestNoMatchDiscardsWithSuccessAck exercises scenario S2's third case:
// an unmatched topic is discarded and acked as success.
func TestNoMatchDiscardsWithSuccessAck(t *testing.T) {
	r := New(events.New(), "flow1")
	stageA := &recordingTarget{}
	r.Register("data/*/high", "stage-a", stageA)

	msg := newMsg("other/x")
	acked := false
	msg.AddAckCallback(message.AckPair{OnSuccess: func() { acked = true }})

	if err := r.Dispatch(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stageA.received) != 0 {
		t.Fatalf("expected no stage to receive the unmatched message")
	}
	if !acked {
		t.Fatalf("expected success ack on no-match discard")
	}
}

func TestDispatchPropagatesTargetError(t *testing.T) {
	r := New(events.New(), "flow1")
	boom := errors.New("queue closed")
	r.Register("x/>", "stage-x", &recordingTarget{err: boom})

	if err := r.Dispatch(newMsg("x/y")); !errors.Is(err, boom) {
		t.Fatalf("expected target error to propagate, got %v", err)
	}
}

func TestAuditLogRecordsDecisions(t *testing.T) {
	r := New(events.New(), "flow1")
	r.Register("x/>", "stage-x", &recordingTarget{})

	_ = r.Dispatch(newMsg("x/y"))
	_ = r.Dispatch(newMsg("unmatched"))

	log := r.AuditLog(10)
	if len(log) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(log))
	}
	if !log[0].Matched || log[1].Matched {
		t.Fatalf("unexpected audit log matched flags: %+v", log)
	}
}
