package expr

import (
	"fmt"

	"github.com/solaceflow/connector/internal/errkinds"
	"github.com/solaceflow/connector/internal/message"
)

// StepKind names one of the five transform step kinds (spec.md §4.1).
type StepKind string

const (
	StepCopy   StepKind = "copy"
	StepAppend StepKind = "append"
	StepMap    StepKind = "map"
	StepFilter StepKind = "filter"
	StepReduce StepKind = "reduce"
)

// Step is one construction-time-validated transform step. Source and
// Dest are always field/static/template/invoke expressions; for map,
// filter, and reduce, Source additionally addresses a sequence or
// mapping to iterate, and Body holds the per-element sub-expression
// evaluated with item/index bound.
type Step struct {
	Kind   StepKind
	Source Expression
	Dest   Expression
	Body   Expression

	// Accumulator is checked by ResolveStep but not read or written by
	// reduce: the running value is exposed to Body as
	// accumulated_value, and the final value is written to Dest.
	Accumulator Expression
	// InitialValue seeds accumulated_value before the first iteration.
	InitialValue Expression
}

// ResolveStep statically validates any invoke references nested in a
// Step's expressions, at Flow-construction time (spec.md §9).
func ResolveStep(r *Registry, s Step) error {
	for _, e := range []Expression{s.Source, s.Dest, s.Body, s.Accumulator, s.InitialValue} {
		if err := ResolveExpression(r, e); err != nil {
			return err
		}
	}
	return nil
}

// ResolveExpression statically validates any invoke reference e
// carries, at Flow-construction time — the standalone-expression
// counterpart of ResolveStep, used for input_selection and for the
// Request/Response Controller's completion_expression.
func ResolveExpression(r *Registry, e Expression) error {
	if ie, ok := e.(*InvokeExpr); ok {
		return r.Resolve(ie.Invoke)
	}
	return nil
}

// Apply executes s against ctx's Message, in the declared transform-
// step order described by spec.md §4.1 ("steps run in declared order,
// before input_selection").
func Apply(ctx *EvalContext, s Step) error {
	switch s.Kind {
	case StepCopy:
		return applyCopy(ctx, s)
	case StepAppend:
		return applyAppend(ctx, s)
	case StepMap:
		return applyMap(ctx, s)
	case StepFilter:
		return applyFilter(ctx, s)
	case StepReduce:
		return applyReduce(ctx, s)
	default:
		return fmt.Errorf("%w: unknown transform step kind %q", errkinds.ErrTransform, s.Kind)
	}
}

func applyCopy(ctx *EvalContext, s Step) error {
	v, err := Eval(ctx, s.Source)
	if err != nil {
		return fmt.Errorf("%w: copy source: %v", errkinds.ErrTransform, err)
	}
	if err := Write(ctx, s.Dest, v); err != nil {
		return fmt.Errorf("%w: copy dest: %v", errkinds.ErrTransform, err)
	}
	return nil
}

func applyAppend(ctx *EvalContext, s Step) error {
	v, err := Eval(ctx, s.Source)
	if err != nil {
		return fmt.Errorf("%w: append source: %v", errkinds.ErrTransform, err)
	}
	if err := Append(ctx, s.Dest, v); err != nil {
		return fmt.Errorf("%w: append dest: %v", errkinds.ErrTransform, err)
	}
	return nil
}

// iterate yields each element of the sequence or mapping at s.Source,
// binding it to the Message's IterationState for the duration of the
// callback so item:/index:/source_list: expressions (and, for reduce,
// current_value:) resolve inside Body. source_list: always exposes the
// full collection being iterated, converted to a slice so map-sourced
// iteration can address it the same way list-sourced iteration does.
func iterate(ctx *EvalContext, s Step, visit func(elem any, key string, index int) error) error {
	src, err := Eval(ctx, s.Source)
	if err != nil {
		return err
	}

	saved := ctx.Message.IterationState
	defer func() { ctx.Message.IterationState = saved }()

	sourceList := toSourceList(src)

	switch coll := src.(type) {
	case []any:
		for i, elem := range coll {
			ctx.Message.IterationState = &message.IterationState{Item: elem, CurrentValue: elem, Index: i, SourceList: sourceList}
			if err := visit(elem, "", i); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		i := 0
		for k, elem := range coll {
			ctx.Message.IterationState = &message.IterationState{Item: elem, CurrentValue: elem, Index: i, SourceList: sourceList}
			if err := visit(elem, k, i); err != nil {
				return err
			}
			i++
		}
		return nil
	case nil:
		return nil
	default:
		return fmt.Errorf("%w: map/filter/reduce source is not a sequence or mapping (%T)", errkinds.ErrTransform, src)
	}
}

// toSourceList normalizes the value at s.Source into the slice form
// source_list: addresses, regardless of whether the underlying
// collection was a sequence or a mapping.
func toSourceList(src any) []any {
	switch v := src.(type) {
	case []any:
		out := make([]any, len(v))
		copy(out, v)
		return out
	case map[string]any:
		out := make([]any, 0, len(v))
		for _, elem := range v {
			out = append(out, elem)
		}
		return out
	default:
		return nil
	}
}

func applyMap(ctx *EvalContext, s Step) error {
	var results []any
	err := iterate(ctx, s, func(_ any, _ string, _ int) error {
		v, err := Eval(ctx, s.Body)
		if err != nil {
			return err
		}
		results = append(results, v)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: map: %v", errkinds.ErrTransform, err)
	}
	if results == nil {
		results = []any{}
	}
	if err := Write(ctx, s.Dest, results); err != nil {
		return fmt.Errorf("%w: map dest: %v", errkinds.ErrTransform, err)
	}
	return nil
}

func applyFilter(ctx *EvalContext, s Step) error {
	var results []any
	err := iterate(ctx, s, func(elem any, _ string, _ int) error {
		keep, err := Eval(ctx, s.Body)
		if err != nil {
			return err
		}
		if truthy(keep) {
			results = append(results, elem)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: filter: %v", errkinds.ErrTransform, err)
	}
	if results == nil {
		results = []any{}
	}
	if err := Write(ctx, s.Dest, results); err != nil {
		return fmt.Errorf("%w: filter dest: %v", errkinds.ErrTransform, err)
	}
	return nil
}

// applyReduce seeds the running accumulator from InitialValue, then on
// each iteration exposes it to Body as "accumulated_value:" (alongside
// "current_value:"/"index:"/"source_list:", spec.md §4.1's reduce row)
// and folds Body's result back into the accumulator. The final
// accumulated value is copied to Dest.
func applyReduce(ctx *EvalContext, s Step) error {
	acc, err := Eval(ctx, s.InitialValue)
	if err != nil {
		return fmt.Errorf("%w: reduce initial_value: %v", errkinds.ErrTransform, err)
	}

	err = iterate(ctx, s, func(_ any, _ string, _ int) error {
		ctx.Message.IterationState.AccumulatedVal = acc
		next, err := Eval(ctx, s.Body)
		if err != nil {
			return err
		}
		acc = next
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: reduce: %v", errkinds.ErrTransform, err)
	}

	if err := Write(ctx, s.Dest, acc); err != nil {
		return fmt.Errorf("%w: reduce dest: %v", errkinds.ErrTransform, err)
	}
	return nil
}
