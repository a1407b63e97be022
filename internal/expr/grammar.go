// Package expr implements the Expression & Transform Engine (spec.md
// §4.1): a small, pure (no I/O, no randomness unless explicitly
// invoked), deterministic language for addressing and constructing
// values inside a Message.
//
// Grammar: <data_type>[.<qualifier>][:<index-path>]. "static:" and
// "template:" are special-cased because their payload (a literal, or
// template text containing its own "://" hole separators) must not be
// split on colons the way an ordinary index-path is.
package expr

import "strings"

// Expression is a parsed addressing/construction formula. The four
// concrete kinds are FieldExpr, StaticExpr, TemplateExpr, and
// InvokeExpr.
type Expression interface {
	isExpression()
}

// FieldExpr addresses a sub-path of one of the data types named in
// spec.md §4.1: input, user_data, previous, keyword_args, item, index,
// or a component-specific ingress-supplied name.
type FieldExpr struct {
	DataType  string
	Qualifier string
	Path      string
}

func (*FieldExpr) isExpression() {}

// StaticExpr is "static:<literal>" — the literal text after the colon,
// with no type coercion.
type StaticExpr struct {
	Literal string
}

func (*StaticExpr) isExpression() {}

// TemplateExpr is "template:<text with {{ ... }} holes>".
type TemplateExpr struct {
	Text string
}

func (*TemplateExpr) isExpression() {}

// InvokeExpr wraps an Invoke record (spec.md §4.1 "invoke sub-language").
type InvokeExpr struct {
	Invoke *Invoke
}

func (*InvokeExpr) isExpression() {}

// Known data type names. Anything else is treated as a component-
// specific ingress-supplied name, resolved against EvalContext.Named.
const (
	DataTypeInput       = "input"
	DataTypeUserData    = "user_data"
	DataTypePrevious    = "previous"
	DataTypeStatic      = "static"
	DataTypeTemplate    = "template"
	DataTypeKeywordArgs = "keyword_args"
	DataTypeItem        = "item"
	DataTypeIndex       = "index"
	// DataTypeSourceList, DataTypeCurrentValue, and DataTypeAccumulatedValue
	// are only meaningful inside a map/filter/reduce Body (spec.md §4.1's
	// transform table: map/filter expose "item, index, source_list";
	// reduce exposes "index, current_value, accumulated_value,
	// source_list" in place of "item"). Outside that context they behave
	// like "item"/"index" do: a nil IterationState yields null.
	DataTypeSourceList       = "source_list"
	DataTypeCurrentValue     = "current_value"
	DataTypeAccumulatedValue = "accumulated_value"
)

// Parse parses a textual expression per the grammar above.
func Parse(raw string) *Expression {
	e := parse(raw)
	return &e
}

// ParseExpression is the non-pointer-returning counterpart, used
// internally where an Expression value (not *Expression) is needed in
// a struct field.
func ParseExpression(raw string) Expression {
	return parse(raw)
}

func parse(raw string) Expression {
	if rest, ok := cutPrefix(raw, "static:"); ok {
		return &StaticExpr{Literal: rest}
	}
	if rest, ok := cutPrefix(raw, "template:"); ok {
		return &TemplateExpr{Text: rest}
	}

	head, path, hasPath := strings.Cut(raw, ":")
	if !hasPath {
		head = raw
		path = ""
	}
	dataType, qualifier, _ := strings.Cut(head, ".")

	return &FieldExpr{
		DataType:  dataType,
		Qualifier: qualifier,
		Path:      path,
	}
}

func cutPrefix(s, prefix string) (string, bool) {
	if strings.HasPrefix(s, prefix) {
		return s[len(prefix):], true
	}
	return "", false
}
