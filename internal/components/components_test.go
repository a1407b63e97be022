package components

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/solaceflow/connector/internal/component"
	"github.com/solaceflow/connector/internal/errkinds"
	"github.com/solaceflow/connector/internal/message"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegistryBuildUnrecognizedKind(t *testing.T) {
	r := NewRegistry()
	_, err := r.Build("no_such_kind", nil)
	if err == nil {
		t.Fatal("expected error for unrecognized kind")
	}
	if !errors.Is(err, errkinds.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestRegistryBuildResolves(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", func(cfg map[string]any) (component.Component, error) {
		return passThrough{}, nil
	})
	c, err := r.Build("echo", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg := message.New(message.Input{Topic: "t"})
	out, err := c.Invoke(msg, "data")
	if err != nil {
		t.Fatalf("invoke error: %v", err)
	}
	if out != "data" {
		t.Fatalf("expected data passthrough, got %v", out)
	}
}

func TestRegistryRegisterReplacesEarlier(t *testing.T) {
	r := NewRegistry()
	r.Register("kind", func(cfg map[string]any) (component.Component, error) {
		return passThrough{}, nil
	})
	r.Register("kind", func(cfg map[string]any) (component.Component, error) {
		return discard{}, nil
	})
	c, err := r.Build("kind", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg := message.New(message.Input{Topic: "t"})
	out, err := c.Invoke(msg, "data")
	if err != nil {
		t.Fatalf("invoke error: %v", err)
	}
	if out != nil {
		t.Fatalf("expected discard to return nil, got %v", out)
	}
}

type schemaComponent struct{}

func (schemaComponent) Invoke(msg *message.Message, data any) (any, error) { return data, nil }

func (schemaComponent) ValidateConfig(cfg map[string]any) error {
	if cfg["required"] == nil {
		return errors.New("missing required key")
	}
	return nil
}

func TestRegistryBuildValidatesConfigSchema(t *testing.T) {
	r := NewRegistry()
	r.Register("schema_kind", func(cfg map[string]any) (component.Component, error) {
		return schemaComponent{}, nil
	})

	if _, err := r.Build("schema_kind", map[string]any{}); err == nil {
		t.Fatal("expected config schema validation error")
	} else if !errors.Is(err, errkinds.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}

	if _, err := r.Build("schema_kind", map[string]any{"required": true}); err != nil {
		t.Fatalf("expected valid config to pass, got %v", err)
	}
}

func TestBuiltinPassThrough(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r, testLogger())

	c, err := r.Build("pass_through", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg := message.New(message.Input{Topic: "t"})
	out, err := c.Invoke(msg, 42)
	if err != nil {
		t.Fatalf("invoke error: %v", err)
	}
	if out != 42 {
		t.Fatalf("expected 42, got %v", out)
	}
}

func TestBuiltinDiscard(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r, testLogger())

	c, err := r.Build("discard", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg := message.New(message.Input{Topic: "t"})
	out, err := c.Invoke(msg, 42)
	if err != nil {
		t.Fatalf("invoke error: %v", err)
	}
	if out != nil {
		t.Fatalf("expected nil, got %v", out)
	}
}

func TestBuiltinLoggerForwardsUnchanged(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r, testLogger())

	c, err := r.Build("logger", map[string]any{"level": "debug"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg := message.New(message.Input{Topic: "t"})
	out, err := c.Invoke(msg, "payload")
	if err != nil {
		t.Fatalf("invoke error: %v", err)
	}
	if out != "payload" {
		t.Fatalf("expected payload forwarded unchanged, got %v", out)
	}
}
