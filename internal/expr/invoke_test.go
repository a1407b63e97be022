package expr

import (
	"errors"
	"testing"

	"github.com/solaceflow/connector/internal/errkinds"
)

func TestResolveFailsOnUnregisteredFunction(t *testing.T) {
	r := NewRegistry()
	inv := &Invoke{Function: "definitely_not_registered"}
	if err := r.Resolve(inv); !errors.Is(err, errkinds.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestResolveSucceedsOnBuiltin(t *testing.T) {
	r := NewRegistry()
	inv := &Invoke{Function: "add", Params: Params{Positional: []Node{
		NewLiteralNode(1.0), NewLiteralNode(2.0),
	}}}
	if err := r.Resolve(inv); err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
}

func TestResolveRecursesIntoNestedInvoke(t *testing.T) {
	r := NewRegistry()
	inner := &Invoke{Function: "nope_not_registered"}
	outer := &Invoke{
		Function: "negate",
		Params: Params{Positional: []Node{
			NewExprNode(&InvokeExpr{Invoke: inner}),
		}},
	}
	if err := r.Resolve(outer); !errors.Is(err, errkinds.ErrConfig) {
		t.Fatalf("expected nested unresolved reference to fail Resolve, got %v", err)
	}
}

func TestEvalInvokeBuiltinAdd(t *testing.T) {
	m := newTestMessage(nil)
	ctx := NewEvalContext(m, NewRegistry())

	inv := &Invoke{Function: "add", Params: Params{Positional: []Node{
		NewLiteralNode(2.0), NewLiteralNode(3.0),
	}}}
	v, err := ctx.Registry.evalInvoke(ctx, inv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 5.0 {
		t.Fatalf("expected 5.0, got %v", v)
	}
}

func TestEvalInvokeUserRegisteredFunction(t *testing.T) {
	r := NewRegistry()
	r.RegisterFunction("", "double", func(_ *EvalContext, positional []any, _ map[string]any) (any, error) {
		f, _ := toFloat(positional[0])
		return f * 2, nil
	})

	m := newTestMessage(nil)
	ctx := NewEvalContext(m, r)

	inv := &Invoke{Function: "double", Params: Params{Positional: []Node{NewLiteralNode(21.0)}}}
	if err := r.Resolve(inv); err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	v, err := r.evalInvoke(ctx, inv)
	if err != nil {
		t.Fatalf("unexpected eval error: %v", err)
	}
	if v != 42.0 {
		t.Fatalf("expected 42.0, got %v", v)
	}
}

func TestEvalInvokeIfElse(t *testing.T) {
	m := newTestMessage(nil)
	ctx := NewEvalContext(m, NewRegistry())

	inv := &Invoke{Function: "if_else", Params: Params{Positional: []Node{
		NewLiteralNode(true), NewLiteralNode("yes"), NewLiteralNode("no"),
	}}}
	v, err := ctx.Registry.evalInvoke(ctx, inv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "yes" {
		t.Fatalf("expected yes, got %v", v)
	}
}

func TestEvalInvokeKeywordArgsSeeSiblings(t *testing.T) {
	r := NewRegistry()
	r.RegisterFunction("", "concat_kw", func(ctx *EvalContext, _ []any, keyword map[string]any) (any, error) {
		return keyword["a"].(string) + keyword["b"].(string), nil
	})

	m := newTestMessage(nil)
	ctx := NewEvalContext(m, r)

	inv := &Invoke{
		Function: "concat_kw",
		Params: Params{Keyword: map[string]Node{
			"a": NewLiteralNode("foo"),
			"b": NewExprNode(ParseExpression("keyword_args:a")),
		}},
	}
	v, err := r.evalInvoke(ctx, inv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "foofoo" {
		t.Fatalf("expected foofoo, got %v", v)
	}
}

func TestEvaluateExpressionBuiltin(t *testing.T) {
	m := newTestMessage(map[string]any{"n": "7"})
	ctx := NewEvalContext(m, NewRegistry())

	inv := &Invoke{Function: "evaluate_expression", Params: Params{Positional: []Node{
		NewLiteralNode("input.payload:n"), NewLiteralNode("int"),
	}}}
	v, err := ctx.Registry.evalInvoke(ctx, inv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != int64(7) {
		t.Fatalf("expected int64(7), got %v (%T)", v, v)
	}
}
