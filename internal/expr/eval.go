package expr

import (
	"fmt"

	"github.com/solaceflow/connector/internal/errkinds"
	"github.com/solaceflow/connector/internal/message"
)

// EvalContext carries everything an expression or transform step might
// need to read: the Message being processed, component-specific
// ingress-supplied bindings, the ambient keyword-argument scope for
// "keyword_args:" expressions, and the closed function/attribute
// Registry for "invoke" resolution.
type EvalContext struct {
	Message     *message.Message
	Named       map[string]any
	KeywordArgs map[string]any
	Registry    *Registry
}

// NewEvalContext creates a context for evaluating expressions against m.
func NewEvalContext(m *message.Message, registry *Registry) *EvalContext {
	return &EvalContext{Message: m, Registry: registry}
}

// Eval evaluates an Expression against ctx. Reading a missing path
// never fails: it yields nil (spec.md §4.1 "Reading a missing path
// yields null"). Eval only returns an error for invoke resolution
// failures and malformed templates/functions.
func Eval(ctx *EvalContext, e Expression) (any, error) {
	switch v := e.(type) {
	case *FieldExpr:
		return evalField(ctx, v)
	case *StaticExpr:
		return v.Literal, nil
	case *TemplateExpr:
		return evalTemplate(ctx, v)
	case *InvokeExpr:
		return ctx.Registry.evalInvoke(ctx, v.Invoke)
	default:
		return nil, fmt.Errorf("%w: unknown expression kind %T", errkinds.ErrExpression, e)
	}
}

// EvalRequired is Eval but returns errkinds.ErrExpression when the
// result is nil — for use by stages that mark a source required
// (spec.md §4.1: "fails with ExpressionError when a required source is
// missing AND the consuming stage marks it required").
func EvalRequired(ctx *EvalContext, e Expression) (any, error) {
	v, err := Eval(ctx, e)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("%w: required expression resolved to null", errkinds.ErrExpression)
	}
	return v, nil
}

func evalField(ctx *EvalContext, f *FieldExpr) (any, error) {
	switch f.DataType {
	case DataTypeInput:
		return evalInput(ctx, f)
	case DataTypeUserData:
		root := rootOf(ctx.Message.UserData, f.Qualifier)
		v, _ := message.GetPath(root, f.Path)
		return v, nil
	case DataTypePrevious:
		root := ctx.Message.Previous
		if f.Qualifier != "" {
			root, _ = message.GetPath(root, f.Qualifier)
		}
		v, _ := message.GetPath(root, f.Path)
		return v, nil
	case DataTypeKeywordArgs:
		if ctx.KeywordArgs == nil {
			return nil, nil
		}
		root := rootOf(ctx.KeywordArgs, f.Qualifier)
		v, _ := message.GetPath(root, f.Path)
		return v, nil
	case DataTypeItem:
		if ctx.Message.IterationState == nil {
			return nil, nil
		}
		v, _ := message.GetPath(ctx.Message.IterationState.Item, f.Path)
		return v, nil
	case DataTypeIndex:
		if ctx.Message.IterationState == nil {
			return nil, nil
		}
		return ctx.Message.IterationState.Index, nil
	case DataTypeSourceList:
		if ctx.Message.IterationState == nil {
			return nil, nil
		}
		v, _ := message.GetPath(ctx.Message.IterationState.SourceList, f.Path)
		return v, nil
	case DataTypeCurrentValue:
		if ctx.Message.IterationState == nil {
			return nil, nil
		}
		v, _ := message.GetPath(ctx.Message.IterationState.CurrentValue, f.Path)
		return v, nil
	case DataTypeAccumulatedValue:
		if ctx.Message.IterationState == nil {
			return nil, nil
		}
		v, _ := message.GetPath(ctx.Message.IterationState.AccumulatedVal, f.Path)
		return v, nil
	default:
		// Component-specific ingress-supplied name.
		if ctx.Named == nil {
			return nil, nil
		}
		root := rootOf(ctx.Named, f.Qualifier)
		v, _ := message.GetPath(root, f.Path)
		return v, nil
	}
}

func evalInput(ctx *EvalContext, f *FieldExpr) (any, error) {
	var root any
	switch f.Qualifier {
	case "", "payload":
		root = ctx.Message.Input.Payload
	case "topic":
		root = ctx.Message.Input.Topic
	case "topic_levels":
		levels := make([]any, len(ctx.Message.Input.TopicLevels))
		for i, l := range ctx.Message.Input.TopicLevels {
			levels[i] = l
		}
		root = levels
	case "user_properties":
		root = mapToAny(ctx.Message.Input.UserProperties)
	default:
		return nil, nil
	}
	v, _ := message.GetPath(root, f.Path)
	return v, nil
}

func mapToAny(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// rootOf returns base, or the subtree at base[qualifier] when a
// qualifier is given (spec.md §4.1: "qualifier ... selects a named
// subtree for types that support it").
func rootOf(base map[string]any, qualifier string) any {
	if qualifier == "" {
		return mapToAny(base)
	}
	if base == nil {
		return nil
	}
	v, ok := base[qualifier]
	if !ok {
		return nil
	}
	return v
}

// Write writes value at the destination expression e. Only user_data
// and previous are writable destinations; any other data type is an
// ExpressionError (spec.md leaves writable-destination scope implicit).
func Write(ctx *EvalContext, e Expression, value any) error {
	f, ok := e.(*FieldExpr)
	if !ok {
		return fmt.Errorf("%w: destination must be a field expression, got %T", errkinds.ErrExpression, e)
	}

	fullPath := f.Path
	if f.Qualifier != "" {
		if fullPath == "" {
			fullPath = f.Qualifier
		} else {
			fullPath = f.Qualifier + "." + fullPath
		}
	}

	switch f.DataType {
	case DataTypeUserData:
		var root any = mapToAny(ctx.Message.UserData)
		message.SetPath(&root, fullPath, value)
		m, ok := root.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: writing to user_data root replaced it with a non-map value", errkinds.ErrExpression)
		}
		ctx.Message.UserData = m
		return nil
	case DataTypePrevious:
		message.SetPath(&ctx.Message.Previous, fullPath, value)
		return nil
	default:
		return fmt.Errorf("%w: %q is not a writable destination data type", errkinds.ErrExpression, f.DataType)
	}
}

// Append evaluates the sequence at destination e (auto-creating an
// empty one) and appends value.
func Append(ctx *EvalContext, e Expression, value any) error {
	existing, err := Eval(ctx, e)
	if err != nil {
		return err
	}
	list, _ := existing.([]any)
	list = append(list, value)
	return Write(ctx, e, list)
}
