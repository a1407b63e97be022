package expr

import "testing"

// TestMapThenReduce exercises scenario S3: a map step projects a field
// out of each order line, then a reduce step sums the projected values.
func TestMapThenReduce(t *testing.T) {
	m := newTestMessage(map[string]any{
		"lines": []any{
			map[string]any{"qty": 2.0},
			map[string]any{"qty": 3.0},
			map[string]any{"qty": 5.0},
		},
	})
	ctx := NewEvalContext(m, NewRegistry())

	mapStep := Step{
		Kind:   StepMap,
		Source: ParseExpression("input.payload:lines"),
		Dest:   ParseExpression("user_data:quantities"),
		Body:   ParseExpression("item:qty"),
	}
	if err := Apply(ctx, mapStep); err != nil {
		t.Fatalf("map step failed: %v", err)
	}

	// The reduce body computes add(accumulated_value, current_value);
	// initial_value seeds the accumulator via the empty_float builtin
	// (static: literals are strings, not numbers).
	reduceStep := Step{
		Kind:         StepReduce,
		Source:       ParseExpression("user_data:quantities"),
		Dest:         ParseExpression("user_data:total"),
		InitialValue: &InvokeExpr{Invoke: &Invoke{Function: "empty_float"}},
		Body: &InvokeExpr{Invoke: &Invoke{
			Function: "add",
			Params: Params{Positional: []Node{
				NewExprNode(ParseExpression("accumulated_value:")),
				NewExprNode(ParseExpression("current_value:")),
			}},
		}},
	}

	if err := Apply(ctx, reduceStep); err != nil {
		t.Fatalf("reduce step failed: %v", err)
	}

	total, err := Eval(ctx, ParseExpression("user_data:total"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 10.0 {
		t.Fatalf("expected total 10.0, got %v", total)
	}
}

// TestReduceExposesSourceList confirms reduce's Body can address the
// full iterated collection via source_list: (spec.md §4.1's reduce
// row: "index, current_value, accumulated_value, source_list"),
// picking the value at a fixed index (2, the last element) rather than
// relying on current_value: alone.
func TestReduceExposesSourceList(t *testing.T) {
	m := newTestMessage(map[string]any{"values": []any{1.0, 2.0, 3.0}})
	ctx := NewEvalContext(m, NewRegistry())

	step := Step{
		Kind:         StepReduce,
		Source:       ParseExpression("input.payload:values"),
		Dest:         ParseExpression("user_data:last"),
		InitialValue: &StaticExpr{Literal: ""},
		Body:         ParseExpression("source_list:2"),
	}
	if err := Apply(ctx, step); err != nil {
		t.Fatalf("reduce step failed: %v", err)
	}

	v, _ := Eval(ctx, ParseExpression("user_data:last"))
	if v != 3.0 {
		t.Fatalf("expected source_list:2 to resolve to 3.0 on every iteration, got %v", v)
	}
}

// TestMapExposesSourceList confirms map's Body can also address
// source_list:, not just item:/index:.
func TestMapExposesSourceList(t *testing.T) {
	m := newTestMessage(map[string]any{"values": []any{10.0, 20.0}})
	ctx := NewEvalContext(m, NewRegistry())

	step := Step{
		Kind:   StepMap,
		Source: ParseExpression("input.payload:values"),
		Dest:   ParseExpression("user_data:firsts"),
		Body:   ParseExpression("source_list:0"),
	}
	if err := Apply(ctx, step); err != nil {
		t.Fatalf("map step failed: %v", err)
	}

	v, _ := Eval(ctx, ParseExpression("user_data:firsts"))
	l := v.([]any)
	if len(l) != 2 || l[0] != 10.0 || l[1] != 10.0 {
		t.Fatalf("expected every element to see source_list:0 == 10.0, got %#v", l)
	}
}

func TestFilterKeepsOnlyTruthyItems(t *testing.T) {
	m := newTestMessage(map[string]any{
		"values": []any{1.0, 0.0, 2.0, 0.0, 3.0},
	})
	ctx := NewEvalContext(m, NewRegistry())

	step := Step{
		Kind:   StepFilter,
		Source: ParseExpression("input.payload:values"),
		Dest:   ParseExpression("user_data:nonzero"),
		Body:   ParseExpression("item:"),
	}
	if err := Apply(ctx, step); err != nil {
		t.Fatalf("filter step failed: %v", err)
	}

	v, _ := Eval(ctx, ParseExpression("user_data:nonzero"))
	l := v.([]any)
	if len(l) != 3 {
		t.Fatalf("expected 3 surviving items, got %#v", l)
	}
}

func TestCopyStep(t *testing.T) {
	m := newTestMessage(map[string]any{"order": map[string]any{"id": "A1"}})
	ctx := NewEvalContext(m, NewRegistry())

	step := Step{
		Kind:   StepCopy,
		Source: ParseExpression("input.payload:order.id"),
		Dest:   ParseExpression("user_data:order_id"),
	}
	if err := Apply(ctx, step); err != nil {
		t.Fatalf("copy step failed: %v", err)
	}
	v, _ := Eval(ctx, ParseExpression("user_data:order_id"))
	if v != "A1" {
		t.Fatalf("expected A1, got %v", v)
	}
}

func TestAppendStep(t *testing.T) {
	m := newTestMessage(map[string]any{"tag": "urgent"})
	ctx := NewEvalContext(m, NewRegistry())

	step := Step{
		Kind:   StepAppend,
		Source: ParseExpression("input.payload:tag"),
		Dest:   ParseExpression("user_data:tags"),
	}
	if err := Apply(ctx, step); err != nil {
		t.Fatalf("append step failed: %v", err)
	}
	v, _ := Eval(ctx, ParseExpression("user_data:tags"))
	l := v.([]any)
	if len(l) != 1 || l[0] != "urgent" {
		t.Fatalf("unexpected tags: %#v", l)
	}
}
