package expr

import (
	"fmt"
	"sort"

	"github.com/solaceflow/connector/internal/errkinds"
)

// Invoke is the parsed form of an "invoke:" block (spec.md §4.1). Either
// Module or Object may be set (mutually exclusive), and either Function
// or Attribute (mutually exclusive).
type Invoke struct {
	Module    string
	Object    *Invoke
	Function  string
	Attribute string
	Params    Params
}

// Params holds an Invoke's positional and keyword argument nodes.
type Params struct {
	Positional []Node
	Keyword    map[string]Node
}

// Node is one argument position: either an Expression to evaluate, or
// a bare literal value (a YAML/JSON scalar, list, or map passed through
// unevaluated).
type Node struct {
	Expr    Expression
	Literal any
}

// NewExprNode wraps an Expression as a Node.
func NewExprNode(e Expression) Node { return Node{Expr: e} }

// NewLiteralNode wraps a literal value as a Node.
func NewLiteralNode(v any) Node { return Node{Literal: v} }

// Function is a built-in or whitelisted user function. Both positional
// and keyword arguments are pre-evaluated to plain Go values before the
// function body runs — no function ever sees an unevaluated Node or
// Expression.
type Function func(ctx *EvalContext, positional []any, keyword map[string]any) (any, error)

// AttributeFactory produces a dynamic attribute value (spec.md §9:
// "AWS-credential assembly via user-provided factories"). It runs once
// per evaluation, not once per Flow — factories that are genuinely
// expensive should memoize internally.
type AttributeFactory func(ctx *EvalContext) (any, error)

// Registry is the closed set of callable surface the invoke
// sub-language may reach: the built-in function table (spec.md §4.1)
// plus explicitly whitelisted user functions and attributes. This
// replaces the original connector's reflection-based module/class
// loading (spec.md §9 REDESIGN FLAGS): anything not registered here
// fails Flow construction, never message evaluation.
type Registry struct {
	builtins           map[string]Function
	userFunctions      map[string]Function
	attributes         map[string]any
	attributeFactories map[string]AttributeFactory
}

// NewRegistry creates a Registry preloaded with the built-in function
// set from spec.md §4.1.
func NewRegistry() *Registry {
	r := &Registry{
		builtins:           map[string]Function{},
		userFunctions:      map[string]Function{},
		attributes:         map[string]any{},
		attributeFactories: map[string]AttributeFactory{},
	}
	registerBuiltins(r)
	return r
}

// RegisterFunction whitelists a user-supplied function under an
// optional module namespace. module=="" registers it as a bare
// function name, reachable from invoke blocks with no "module" key.
func (r *Registry) RegisterFunction(module, name string, fn Function) {
	r.userFunctions[moduleKey(module, name)] = fn
}

// RegisterAttribute whitelists a static attribute value.
func (r *Registry) RegisterAttribute(module, name string, value any) {
	r.attributes[moduleKey(module, name)] = value
}

// RegisterAttributeFactory whitelists a dynamic attribute, evaluated
// fresh on each access.
func (r *Registry) RegisterAttributeFactory(module, name string, factory AttributeFactory) {
	r.attributeFactories[moduleKey(module, name)] = factory
}

func moduleKey(module, name string) string {
	if module == "" {
		return name
	}
	return module + "." + name
}

func (r *Registry) lookupFunction(module, name string) (Function, string, error) {
	key := moduleKey(module, name)
	if fn, ok := r.userFunctions[key]; ok {
		return fn, key, nil
	}
	if module == "" {
		if fn, ok := r.builtins[name]; ok {
			return fn, name, nil
		}
	}
	return nil, key, fmt.Errorf("%w: unregistered invoke function %q", errkinds.ErrConfig, key)
}

// Resolve statically checks that every function/attribute reference in
// inv (and its nested Object/Params) is registered. Called once at
// Flow-construction time; a Flow whose expressions fail Resolve never
// starts (spec.md §9: "unknown references fail at Flow construction
// time, not at message time").
func (r *Registry) Resolve(inv *Invoke) error {
	if inv == nil {
		return nil
	}
	if inv.Function != "" {
		if _, _, err := r.lookupFunction(inv.Module, inv.Function); err != nil {
			return err
		}
	} else if inv.Attribute != "" {
		if inv.Object == nil {
			key := moduleKey(inv.Module, inv.Attribute)
			_, hasStatic := r.attributes[key]
			_, hasFactory := r.attributeFactories[key]
			if !hasStatic && !hasFactory {
				return fmt.Errorf("%w: unregistered invoke attribute %q", errkinds.ErrConfig, key)
			}
		}
	} else {
		return fmt.Errorf("%w: invoke node has neither function nor attribute", errkinds.ErrConfig)
	}

	if inv.Object != nil {
		if err := r.Resolve(inv.Object); err != nil {
			return err
		}
	}
	for _, n := range inv.Params.Positional {
		if err := r.resolveNode(n); err != nil {
			return err
		}
	}
	for _, n := range inv.Params.Keyword {
		if err := r.resolveNode(n); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) resolveNode(n Node) error {
	if n.Expr == nil {
		return nil
	}
	if ie, ok := n.Expr.(*InvokeExpr); ok {
		return r.Resolve(ie.Invoke)
	}
	return nil
}

// evalInvoke evaluates inv against ctx. Object resolution is restricted
// to a map[string]any result (attribute access is a key lookup) — the
// systems-language analogue of attribute access without reflection.
func (r *Registry) evalInvoke(ctx *EvalContext, inv *Invoke) (any, error) {
	if inv.Function != "" {
		fn, _, err := r.lookupFunction(inv.Module, inv.Function)
		if err != nil {
			return nil, err
		}
		positional, keyword, err := r.evalParams(ctx, inv.Params)
		if err != nil {
			return nil, err
		}
		return fn(ctx, positional, keyword)
	}

	if inv.Object != nil {
		objVal, err := r.evalInvoke(ctx, inv.Object)
		if err != nil {
			return nil, err
		}
		m, ok := objVal.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: attribute %q requested on non-object value", errkinds.ErrExpression, inv.Attribute)
		}
		v, ok := m[inv.Attribute]
		if !ok {
			return nil, fmt.Errorf("%w: object has no attribute %q", errkinds.ErrExpression, inv.Attribute)
		}
		return v, nil
	}

	key := moduleKey(inv.Module, inv.Attribute)
	if factory, ok := r.attributeFactories[key]; ok {
		return factory(ctx)
	}
	if v, ok := r.attributes[key]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("%w: unregistered invoke attribute %q", errkinds.ErrConfig, key)
}

func (r *Registry) evalParams(ctx *EvalContext, p Params) ([]any, map[string]any, error) {
	positional := make([]any, len(p.Positional))
	for i, n := range p.Positional {
		v, err := r.evalNode(ctx, n)
		if err != nil {
			return nil, nil, err
		}
		positional[i] = v
	}

	keyword := make(map[string]any, len(p.Keyword))
	// Keyword arguments are evaluated in sorted name order, in a scope
	// where keyword_args:name expressions can see the siblings already
	// evaluated this call (those whose names sort earlier).
	savedKeywordArgs := ctx.KeywordArgs
	ctx.KeywordArgs = keyword
	defer func() { ctx.KeywordArgs = savedKeywordArgs }()

	names := make([]string, 0, len(p.Keyword))
	for name := range p.Keyword {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		n := p.Keyword[name]
		v, err := r.evalNode(ctx, n)
		if err != nil {
			return nil, nil, err
		}
		keyword[name] = v
	}
	return positional, keyword, nil
}

func (r *Registry) evalNode(ctx *EvalContext, n Node) (any, error) {
	if n.Expr != nil {
		return Eval(ctx, n.Expr)
	}
	return n.Literal, nil
}
