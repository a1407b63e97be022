package expr

import "testing"

func TestParseFieldExpr(t *testing.T) {
	e := ParseExpression("user_data.scratch:order.id")
	f, ok := e.(*FieldExpr)
	if !ok {
		t.Fatalf("expected *FieldExpr, got %T", e)
	}
	if f.DataType != "user_data" || f.Qualifier != "scratch" || f.Path != "order.id" {
		t.Fatalf("unexpected parse: %+v", f)
	}
}

func TestParseFieldExprNoQualifierNoPath(t *testing.T) {
	e := ParseExpression("input")
	f, ok := e.(*FieldExpr)
	if !ok {
		t.Fatalf("expected *FieldExpr, got %T", e)
	}
	if f.DataType != "input" || f.Qualifier != "" || f.Path != "" {
		t.Fatalf("unexpected parse: %+v", f)
	}
}

func TestParseStaticExpr(t *testing.T) {
	e := ParseExpression("static:hello:world")
	s, ok := e.(*StaticExpr)
	if !ok {
		t.Fatalf("expected *StaticExpr, got %T", e)
	}
	if s.Literal != "hello:world" {
		t.Fatalf("expected literal to retain embedded colon, got %q", s.Literal)
	}
}

func TestParseTemplateExpr(t *testing.T) {
	e := ParseExpression("template:prefix {{ json://user_data:order }} suffix")
	tmpl, ok := e.(*TemplateExpr)
	if !ok {
		t.Fatalf("expected *TemplateExpr, got %T", e)
	}
	if tmpl.Text != "prefix {{ json://user_data:order }} suffix" {
		t.Fatalf("unexpected template text: %q", tmpl.Text)
	}
}

func TestParseInputQualifiedPath(t *testing.T) {
	e := ParseExpression("input.payload:order.items.0.sku")
	f := e.(*FieldExpr)
	if f.DataType != "input" || f.Qualifier != "payload" || f.Path != "order.items.0.sku" {
		t.Fatalf("unexpected parse: %+v", f)
	}
}
