package components

import (
	"log/slog"

	"github.com/solaceflow/connector/internal/component"
	"github.com/solaceflow/connector/internal/message"
)

// RegisterBuiltins adds the small set of reference component kinds a
// deployment gets for free, without needing its own compiled-in
// Factory: pass_through (forwards data unchanged, the Flow's no-op
// default), logger (logs data at info level and forwards it
// unchanged), and discard (acks success without forwarding, spec.md
// §4.2's "return nil" contract).
func RegisterBuiltins(r *Registry, logger *slog.Logger) {
	r.Register("pass_through", func(cfg map[string]any) (component.Component, error) {
		return passThrough{}, nil
	})
	r.Register("logger", func(cfg map[string]any) (component.Component, error) {
		level := "info"
		if v, ok := cfg["level"].(string); ok && v != "" {
			level = v
		}
		return &loggerComponent{logger: logger, level: level}, nil
	})
	r.Register("discard", func(cfg map[string]any) (component.Component, error) {
		return discard{}, nil
	})
}

// passThrough forwards data unchanged — the teacher's simplest handler
// shape, reused here as the Flow's identity Stage.
type passThrough struct{}

func (passThrough) Invoke(msg *message.Message, data any) (any, error) {
	return data, nil
}

// loggerComponent logs data at its configured level, then forwards it
// unchanged, useful for tapping a Flow during development.
type loggerComponent struct {
	logger *slog.Logger
	level  string
}

func (c *loggerComponent) Invoke(msg *message.Message, data any) (any, error) {
	switch c.level {
	case "debug":
		c.logger.Debug("stage data", "message_id", msg.ID, "data", data)
	case "warn":
		c.logger.Warn("stage data", "message_id", msg.ID, "data", data)
	case "error":
		c.logger.Error("stage data", "message_id", msg.ID, "data", data)
	default:
		c.logger.Info("stage data", "message_id", msg.ID, "data", data)
	}
	return data, nil
}

// discard acks the Message successfully without forwarding it
// further — spec.md §4.2's "invoke returns nil" termination case, named
// as its own kind for configs that want an explicit sink.
type discard struct{}

func (discard) Invoke(msg *message.Message, data any) (any, error) {
	return nil, nil
}
