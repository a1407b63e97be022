// Package components is the whitelisted component-kind registry
// SPEC_FULL.md's REDESIGN FLAGS section calls for in place of the
// original's reflection-based "kind" lookup (spec.md §4.2: "restrict
// invoke to the built-in function table plus a registry of explicitly
// whitelisted user functions; unknown references fail at Flow
// construction time, not at message time"). A Stage's `kind` resolves
// through this Registry the same way an `invoke` module/function
// resolves through expr.Registry — both fail fast at construction
// instead of reflecting into arbitrary code at message time.
package components

import (
	"fmt"
	"sync"

	"github.com/solaceflow/connector/internal/component"
	"github.com/solaceflow/connector/internal/errkinds"
)

// Factory constructs a Component from a Stage's resolved
// component_config mapping.
type Factory func(cfg map[string]any) (component.Component, error)

// Registry maps a `kind` name to the Factory that builds it.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds kind to the registry. A later Register under the same
// name replaces the earlier one.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Build constructs kind's Component, validating cfg against
// component.ConfigSchema if the built Component implements it (spec.md
// §4.2's "optionally: validate_config(cfg)").
func (r *Registry) Build(kind string, cfg map[string]any) (component.Component, error) {
	r.mu.Lock()
	f, ok := r.factories[kind]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unrecognized component kind %q", errkinds.ErrConfig, kind)
	}
	c, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: build component kind %q: %v", errkinds.ErrConfig, kind, err)
	}
	if cs, ok := c.(component.ConfigSchema); ok {
		if err := cs.ValidateConfig(cfg); err != nil {
			return nil, fmt.Errorf("%w: component kind %q: %v", errkinds.ErrConfig, kind, err)
		}
	}
	return c, nil
}
