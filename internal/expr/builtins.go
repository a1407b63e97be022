package expr

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"github.com/solaceflow/connector/internal/errkinds"
)

// registerBuiltins installs the built-in function set from spec.md
// §4.1, available in every Flow without a user registration.
func registerBuiltins(r *Registry) {
	b := r.builtins

	b["add"] = fnAdd
	b["append"] = fnAppendFn
	b["subtract"] = numericOp("subtract", func(a, b float64) float64 { return a - b })
	b["multiply"] = numericOp("multiply", func(a, b float64) float64 { return a * b })
	b["divide"] = fnDivide
	b["modulus"] = fnModulus
	b["power"] = numericOp("power", mathPow)

	b["equal"] = fnEqual
	b["not_equal"] = fnNotEqual
	b["greater_than"] = comparison("greater_than", func(c int) bool { return c > 0 })
	b["greater_than_or_equal"] = comparison("greater_than_or_equal", func(c int) bool { return c >= 0 })
	b["less_than"] = comparison("less_than", func(c int) bool { return c < 0 })
	b["less_than_or_equal"] = comparison("less_than_or_equal", func(c int) bool { return c <= 0 })

	b["and_op"] = fnAndOp
	b["or_op"] = fnOrOp
	b["not_op"] = fnNotOp
	b["in_op"] = fnInOp
	b["negate"] = fnNegate

	b["empty_list"] = constFn([]any{})
	b["empty_dict"] = constFn(map[string]any{})
	b["empty_string"] = constFn("")
	b["empty_set"] = constFn([]any{})   // Go has no native set; an empty list stands in.
	b["empty_tuple"] = constFn([]any{}) // Go has no native tuple; an empty list stands in.
	b["empty_float"] = constFn(0.0)
	b["empty_int"] = constFn(int64(0))

	b["if_else"] = fnIfElse
	b["uuid"] = fnUUID

	b["evaluate_expression"] = fnEvaluateExpression
}

func constFn(v any) Function {
	return func(_ *EvalContext, _ []any, _ map[string]any) (any, error) {
		return v, nil
	}
}

func arityError(name string, want, got int) error {
	return fmt.Errorf("%w: %s expects %d argument(s), got %d", errkinds.ErrExpression, name, want, got)
}

func fnAdd(_ *EvalContext, args []any, _ map[string]any) (any, error) {
	if len(args) != 2 {
		return nil, arityError("add", 2, len(args))
	}
	if sa, ok := args[0].(string); ok {
		if sb, ok := args[1].(string); ok {
			return sa + sb, nil
		}
	}
	a, err := toFloat(args[0])
	if err != nil {
		return nil, err
	}
	bv, err := toFloat(args[1])
	if err != nil {
		return nil, err
	}
	return a + bv, nil
}

func fnAppendFn(_ *EvalContext, args []any, _ map[string]any) (any, error) {
	if len(args) != 2 {
		return nil, arityError("append", 2, len(args))
	}
	list, _ := args[0].([]any)
	return append(append([]any{}, list...), args[1]), nil
}

func numericOp(name string, op func(a, b float64) float64) Function {
	return func(_ *EvalContext, args []any, _ map[string]any) (any, error) {
		if len(args) != 2 {
			return nil, arityError(name, 2, len(args))
		}
		a, err := toFloat(args[0])
		if err != nil {
			return nil, err
		}
		bv, err := toFloat(args[1])
		if err != nil {
			return nil, err
		}
		return op(a, bv), nil
	}
}

func fnDivide(_ *EvalContext, args []any, _ map[string]any) (any, error) {
	if len(args) != 2 {
		return nil, arityError("divide", 2, len(args))
	}
	a, err := toFloat(args[0])
	if err != nil {
		return nil, err
	}
	bv, err := toFloat(args[1])
	if err != nil {
		return nil, err
	}
	if bv == 0 {
		return nil, fmt.Errorf("%w: divide by zero", errkinds.ErrExpression)
	}
	return a / bv, nil
}

func fnModulus(_ *EvalContext, args []any, _ map[string]any) (any, error) {
	if len(args) != 2 {
		return nil, arityError("modulus", 2, len(args))
	}
	a, err := toFloat(args[0])
	if err != nil {
		return nil, err
	}
	bv, err := toFloat(args[1])
	if err != nil {
		return nil, err
	}
	if bv == 0 {
		return nil, fmt.Errorf("%w: modulus by zero", errkinds.ErrExpression)
	}
	ai, bi := int64(a), int64(bv)
	return float64(ai % bi), nil
}

func mathPow(a, b float64) float64 {
	result := 1.0
	neg := b < 0
	n := int(b)
	if float64(n) != b || neg {
		// Fall back to repeated squaring isn't meaningful for
		// non-integer/negative exponents without math.Pow; use it
		// directly rather than reimplementing it.
		return powFloat(a, b)
	}
	for i := 0; i < n; i++ {
		result *= a
	}
	return result
}

func fnEqual(_ *EvalContext, args []any, _ map[string]any) (any, error) {
	if len(args) != 2 {
		return nil, arityError("equal", 2, len(args))
	}
	return valuesEqual(args[0], args[1]), nil
}

func fnNotEqual(_ *EvalContext, args []any, _ map[string]any) (any, error) {
	if len(args) != 2 {
		return nil, arityError("not_equal", 2, len(args))
	}
	return !valuesEqual(args[0], args[1]), nil
}

func valuesEqual(a, b any) bool {
	af, aerr := toFloat(a)
	bf, berr := toFloat(b)
	if aerr == nil && berr == nil {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func comparison(name string, accept func(int) bool) Function {
	return func(_ *EvalContext, args []any, _ map[string]any) (any, error) {
		if len(args) != 2 {
			return nil, arityError(name, 2, len(args))
		}
		c, err := compareValues(args[0], args[1])
		if err != nil {
			return nil, err
		}
		return accept(c), nil
	}
}

func compareValues(a, b any) (int, error) {
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			switch {
			case sa < sb:
				return -1, nil
			case sa > sb:
				return 1, nil
			default:
				return 0, nil
			}
		}
	}
	af, err := toFloat(a)
	if err != nil {
		return 0, err
	}
	bf, err := toFloat(b)
	if err != nil {
		return 0, err
	}
	switch {
	case af < bf:
		return -1, nil
	case af > bf:
		return 1, nil
	default:
		return 0, nil
	}
}

func fnAndOp(_ *EvalContext, args []any, _ map[string]any) (any, error) {
	for _, a := range args {
		if !truthy(a) {
			return false, nil
		}
	}
	return true, nil
}

func fnOrOp(_ *EvalContext, args []any, _ map[string]any) (any, error) {
	for _, a := range args {
		if truthy(a) {
			return true, nil
		}
	}
	return false, nil
}

func fnNotOp(_ *EvalContext, args []any, _ map[string]any) (any, error) {
	if len(args) != 1 {
		return nil, arityError("not_op", 1, len(args))
	}
	return !truthy(args[0]), nil
}

func fnInOp(_ *EvalContext, args []any, _ map[string]any) (any, error) {
	if len(args) != 2 {
		return nil, arityError("in_op", 2, len(args))
	}
	item, list := args[0], args[1]
	switch l := list.(type) {
	case []any:
		for _, v := range l {
			if valuesEqual(v, item) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		key, ok := item.(string)
		if !ok {
			return false, nil
		}
		_, ok = l[key]
		return ok, nil
	case string:
		key, ok := item.(string)
		if !ok {
			return false, nil
		}
		return stringContains(l, key), nil
	default:
		return false, nil
	}
}

func fnNegate(_ *EvalContext, args []any, _ map[string]any) (any, error) {
	if len(args) != 1 {
		return nil, arityError("negate", 1, len(args))
	}
	f, err := toFloat(args[0])
	if err != nil {
		return nil, err
	}
	return -f, nil
}

func fnIfElse(_ *EvalContext, args []any, _ map[string]any) (any, error) {
	if len(args) != 3 {
		return nil, arityError("if_else", 3, len(args))
	}
	if truthy(args[0]) {
		return args[1], nil
	}
	return args[2], nil
}

func fnUUID(_ *EvalContext, _ []any, _ map[string]any) (any, error) {
	return uuid.NewString(), nil
}

// fnEvaluateExpression implements the pseudo-function
// evaluate_expression(<expression-string>[, <type-name>]): its first
// argument, once evaluated to a string, is itself parsed and evaluated
// as a fresh expression against the current context (spec.md §4.1).
func fnEvaluateExpression(ctx *EvalContext, args []any, _ map[string]any) (any, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, fmt.Errorf("%w: evaluate_expression expects 1 or 2 arguments, got %d", errkinds.ErrExpression, len(args))
	}
	exprText, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: evaluate_expression's first argument must be a string", errkinds.ErrExpression)
	}
	result, err := Eval(ctx, ParseExpression(exprText))
	if err != nil {
		return nil, err
	}
	if len(args) == 2 {
		typeName, ok := args[1].(string)
		if !ok {
			return nil, fmt.Errorf("%w: evaluate_expression's second argument must be a string", errkinds.ErrExpression)
		}
		return coerce(result, typeName)
	}
	return result, nil
}

// coerce applies an explicit type request. Per spec.md §4.1, sequence
// and mapping values ignore the type request.
func coerce(v any, typeName string) (any, error) {
	switch v.(type) {
	case []any, map[string]any:
		return v, nil
	}
	switch typeName {
	case "int":
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return int64(f), nil
	case "float":
		return toFloat(v)
	case "bool":
		return truthy(v), nil
	case "str":
		return toDisplayString(v), nil
	default:
		return nil, fmt.Errorf("%w: unknown coercion type %q", errkinds.ErrExpression, typeName)
	}
}
