package expr

import (
	"errors"
	"testing"

	"github.com/solaceflow/connector/internal/errkinds"
	"github.com/solaceflow/connector/internal/message"
)

func newTestMessage(payload any) *message.Message {
	m := message.New(message.Input{
		Payload:     payload,
		Topic:       "orders/created",
		TopicLevels: message.ParseTopicLevels("orders/created"),
	})
	return m
}

func TestEvalInputPayloadPath(t *testing.T) {
	m := newTestMessage(map[string]any{"order": map[string]any{"id": "A1"}})
	ctx := NewEvalContext(m, NewRegistry())

	v, err := Eval(ctx, ParseExpression("input.payload:order.id"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "A1" {
		t.Fatalf("expected A1, got %v", v)
	}
}

func TestEvalInputTopicLevels(t *testing.T) {
	m := newTestMessage(nil)
	ctx := NewEvalContext(m, NewRegistry())

	v, err := Eval(ctx, ParseExpression("input.topic_levels:1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "created" {
		t.Fatalf("expected created, got %v", v)
	}
}

func TestEvalMissingPathYieldsNil(t *testing.T) {
	m := newTestMessage(map[string]any{})
	ctx := NewEvalContext(m, NewRegistry())

	v, err := Eval(ctx, ParseExpression("input.payload:nope.missing"))
	if err != nil {
		t.Fatalf("missing path must not error: %v", err)
	}
	if v != nil {
		t.Fatalf("expected nil, got %v", v)
	}
}

func TestEvalRequiredFailsOnNil(t *testing.T) {
	m := newTestMessage(map[string]any{})
	ctx := NewEvalContext(m, NewRegistry())

	_, err := EvalRequired(ctx, ParseExpression("input.payload:missing"))
	if !errors.Is(err, errkinds.ErrExpression) {
		t.Fatalf("expected ErrExpression, got %v", err)
	}
}

func TestWriteAndReadUserData(t *testing.T) {
	m := newTestMessage(nil)
	ctx := NewEvalContext(m, NewRegistry())

	if err := Write(ctx, ParseExpression("user_data:order.total"), 42.0); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	v, err := Eval(ctx, ParseExpression("user_data:order.total"))
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if v != 42.0 {
		t.Fatalf("expected 42.0, got %v", v)
	}
}

// TestWriteAutoVivifiesSequence exercises invariant I6: a sequence
// index beyond length extends with null fillers.
func TestWriteAutoVivifiesSequence(t *testing.T) {
	m := newTestMessage(nil)
	ctx := NewEvalContext(m, NewRegistry())

	if err := Write(ctx, ParseExpression("user_data:items.2"), "third"); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	list, err := Eval(ctx, ParseExpression("user_data:items"))
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	l, ok := list.([]any)
	if !ok || len(l) != 3 {
		t.Fatalf("expected a 3-element list, got %#v", list)
	}
	if l[0] != nil || l[1] != nil {
		t.Fatalf("expected null fillers, got %#v", l)
	}
	if l[2] != "third" {
		t.Fatalf("expected third at index 2, got %v", l[2])
	}
}

func TestWriteRejectsNonWritableDestination(t *testing.T) {
	m := newTestMessage(nil)
	ctx := NewEvalContext(m, NewRegistry())

	err := Write(ctx, ParseExpression("input.payload:order.id"), "x")
	if !errors.Is(err, errkinds.ErrExpression) {
		t.Fatalf("expected ErrExpression for non-writable destination, got %v", err)
	}
}

func TestAppendToMissingDestinationCreatesList(t *testing.T) {
	m := newTestMessage(nil)
	ctx := NewEvalContext(m, NewRegistry())

	if err := Append(ctx, ParseExpression("user_data:tags"), "a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Append(ctx, ParseExpression("user_data:tags"), "b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, _ := Eval(ctx, ParseExpression("user_data:tags"))
	l := v.([]any)
	if len(l) != 2 || l[0] != "a" || l[1] != "b" {
		t.Fatalf("unexpected tags: %#v", l)
	}
}

func TestStaticExprIsLiteral(t *testing.T) {
	m := newTestMessage(nil)
	ctx := NewEvalContext(m, NewRegistry())

	v, err := Eval(ctx, ParseExpression("static:hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "hello" {
		t.Fatalf("expected hello, got %v", v)
	}
}
