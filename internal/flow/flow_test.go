package flow

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/solaceflow/connector/internal/component"
	"github.com/solaceflow/connector/internal/events"
	"github.com/solaceflow/connector/internal/expr"
	"github.com/solaceflow/connector/internal/message"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fnComponent struct {
	fn func(msg *message.Message, data any) (any, error)
}

func (f *fnComponent) Invoke(msg *message.Message, data any) (any, error) {
	return f.fn(msg, data)
}

func newMsg(topic string) (*message.Message, chan string) {
	outcome := make(chan string, 1)
	m := message.New(message.Input{Topic: topic, TopicLevels: message.ParseTopicLevels(topic), Payload: map[string]any{}})
	m.AddAckCallback(message.AckPair{
		OnSuccess: func() { outcome <- "success" },
		OnFailure: func(error) { outcome <- "failure" },
	})
	return m, outcome
}

// TestLinearFlowForwardsThroughAllStages exercises scenario S1: a
// multi-stage pass-through Flow resolves its Message with success.
func TestLinearFlowForwardsThroughAllStages(t *testing.T) {
	var order []string
	mk := func(name string) component.Component {
		return &fnComponent{fn: func(msg *message.Message, data any) (any, error) {
			order = append(order, name)
			return data, nil
		}}
	}
	specs := []StageSpec{
		{ID: "a", Component: mk("a"), WorkerCount: 1},
		{ID: "b", Component: mk("b"), WorkerCount: 1},
		{ID: "c", Component: mk("c"), WorkerCount: 1},
	}
	f, err := Build("pipeline", "app1", specs, expr.NewRegistry(), events.New(), testLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	f.Start()
	defer f.Stop()

	msg, outcome := newMsg("x")
	msg.Previous = map[string]any{"v": 1.0}
	if err := f.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case got := <-outcome:
		if got != "success" {
			t.Fatalf("expected success, got %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("message never resolved")
	}
}

// TestRoutedFlowFirstMatchWins exercises scenario S2 end to end
// through the synthesized Router Stage.
func TestRoutedFlowFirstMatchWins(t *testing.T) {
	var gotHigh, gotLow bool
	highComp := &fnComponent{fn: func(msg *message.Message, data any) (any, error) {
		gotHigh = true
		return nil, nil
	}}
	lowComp := &fnComponent{fn: func(msg *message.Message, data any) (any, error) {
		gotLow = true
		return nil, nil
	}}

	branches := []Branch{
		{Subscription: "data/*/high", Stages: []StageSpec{{ID: "high", Component: highComp, WorkerCount: 1}}},
		{Subscription: "data/>", Stages: []StageSpec{{ID: "low", Component: lowComp, WorkerCount: 1}}},
	}
	f, err := BuildRouted("routed", "app1", branches, expr.NewRegistry(), events.New(), testLogger())
	if err != nil {
		t.Fatalf("build routed: %v", err)
	}
	f.Start()
	defer f.Stop()

	msg, outcome := newMsg("data/raw/high")
	if err := f.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case <-outcome:
	case <-time.After(time.Second):
		t.Fatal("message never resolved")
	}
	if !gotHigh || gotLow {
		t.Fatalf("expected only the high branch to receive the message")
	}
}

func TestBuildFailsOnUnresolvedInvoke(t *testing.T) {
	specs := []StageSpec{
		{
			ID:        "bad",
			Component: &fnComponent{fn: func(msg *message.Message, data any) (any, error) { return data, nil }},
			InputTransforms: []expr.Step{
				{
					Kind: expr.StepCopy,
					Source: &expr.InvokeExpr{Invoke: &expr.Invoke{Function: "not_a_real_function"}},
					Dest:   expr.ParseExpression("user_data:x"),
				},
			},
		},
	}
	if _, err := Build("broken", "app1", specs, expr.NewRegistry(), events.New(), testLogger()); err == nil {
		t.Fatal("expected Build to fail on an unresolved invoke reference")
	}
}

func TestMetricsCoversAllStages(t *testing.T) {
	mk := func() component.Component {
		return &fnComponent{fn: func(msg *message.Message, data any) (any, error) { return data, nil }}
	}
	specs := []StageSpec{
		{ID: "a", Component: mk(), WorkerCount: 1},
		{ID: "b", Component: mk(), WorkerCount: 1},
	}
	f, err := Build("metrics-flow", "app1", specs, expr.NewRegistry(), events.New(), testLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	f.Start()
	defer f.Stop()

	msg, outcome := newMsg("x")
	msg.Previous = map[string]any{}
	f.Enqueue(context.Background(), msg)
	<-outcome

	m := f.Metrics()
	if _, ok := m["a"]; !ok {
		t.Fatalf("expected metrics for stage a")
	}
	if _, ok := m["b"]; !ok {
		t.Fatalf("expected metrics for stage b")
	}
}
