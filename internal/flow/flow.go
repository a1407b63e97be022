// Package flow implements Flow (spec.md §2/§4.2): an ordered chain of
// Stages connected by bounded queues, with an optional Subscription
// Router fanning a single ingress out to several user Stages (the
// Simplified App synthesis, spec.md §2's `BrokerInput →
// [SubscriptionRouter] → user Stage → [BrokerOutput]` shape).
package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/solaceflow/connector/internal/component"
	"github.com/solaceflow/connector/internal/errkinds"
	"github.com/solaceflow/connector/internal/events"
	"github.com/solaceflow/connector/internal/expr"
	"github.com/solaceflow/connector/internal/message"
	"github.com/solaceflow/connector/internal/router"
	"github.com/solaceflow/connector/internal/stage"
)

// StageSpec is the construction-time description of one Stage in a
// Flow, mirroring spec.md §3's Stage attributes.
type StageSpec struct {
	ID              string
	Component       component.Component
	WorkerCount     int
	QueueCapacity   int
	InputTransforms []expr.Step
	InputSelection  expr.Expression
	DrainPolicy     stage.DrainPolicy
	EgressAckPolicy stage.EgressAckPolicy
	EgressAckN      int
	RecoveryPolicy  errkinds.PolicyMap
	// Subscription is the topic pattern this Stage is bound to when it
	// is one of several branches fed by a synthesized Subscription
	// Router (spec.md §2 Simplified App). Ignored for a plain linear
	// Flow built with Build.
	Subscription string
}

// Flow is an ordered chain of Stages (Build) or a Router fanning out
// to several independent chains (BuildRouted).
type Flow struct {
	name    string
	appName string
	logger  *slog.Logger
	bus     *events.Bus

	entry  *stage.Stage // set for a linear Flow
	router *router.Router
	head   *stage.Stage // the Router-hosting Stage, set for a routed Flow

	stages []*stage.Stage // every Stage across every branch, for Start/Stop/Metrics
}

// stageTarget adapts *stage.Stage to router.Target. The adaptation
// drops the caller's context in favor of context.Background(): by the
// time a Message reaches a Router's Dispatch, it is already running on
// the Router Stage's own worker goroutine, one hop removed from
// whatever context (if any) the original ingress call carried, so
// there is no caller-supplied deadline left to propagate.
type stageTarget struct {
	s *stage.Stage
}

func (t stageTarget) Enqueue(msg *message.Message) error {
	return t.s.Enqueue(context.Background(), msg)
}

// Build constructs a plain linear Flow: specs[0] is the head, each
// Stage's successor is the next spec in order, and specs[len-1] is the
// tail (no successor). Every InputTransforms/InputSelection invoke
// reference is statically resolved against registry; a failure is a
// ConfigError and the Flow is not constructed (spec.md §9).
func Build(name, appName string, specs []StageSpec, registry *expr.Registry, bus *events.Bus, logger *slog.Logger) (*Flow, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: flow %q has no stages", errkinds.ErrConfig, name)
	}
	stages, err := buildChain(specs, registry, bus, logger, name, appName)
	if err != nil {
		return nil, err
	}
	f := &Flow{name: name, appName: appName, logger: logger, bus: bus, entry: stages[0], stages: stages}
	return f, nil
}

// Branch is one arm of a routed Flow: a topic subscription pattern
// plus the linear Stage chain it feeds.
type Branch struct {
	Subscription string
	Stages       []StageSpec
}

// BuildRouted constructs a Flow whose entry point is a Subscription
// Router (spec.md §4.3), fed by broker ingress and fanning out to one
// independent Stage chain per Branch, in declaration order —
// construction order is what first-match dispatch honors (invariant
// I3). The Router itself runs inside a single-worker Stage
// (WorkerCount 1), per spec.md §2's framing of the Router as "a
// Stage specialization."
func BuildRouted(name, appName string, branches []Branch, registry *expr.Registry, bus *events.Bus, logger *slog.Logger) (*Flow, error) {
	if len(branches) == 0 {
		return nil, fmt.Errorf("%w: routed flow %q has no branches", errkinds.ErrConfig, name)
	}

	r := router.New(bus, name)
	var allStages []*stage.Stage

	for _, b := range branches {
		if b.Subscription == "" {
			return nil, fmt.Errorf("%w: flow %q has a branch with no subscription", errkinds.ErrConfig, name)
		}
		chain, err := buildChain(b.Stages, registry, bus, logger, name, appName)
		if err != nil {
			return nil, err
		}
		r.Register(b.Subscription, chain[0].ID(), stageTarget{s: chain[0]})
		allStages = append(allStages, chain...)
	}

	routerCfg := stage.Config{ID: name + "-router", WorkerCount: 1, Registry: registry}
	routerStage := stage.New(routerCfg, router.AsComponent(r), nil, logger, bus, name, appName)
	allStages = append([]*stage.Stage{routerStage}, allStages...)

	f := &Flow{name: name, appName: appName, logger: logger, bus: bus, router: r, head: routerStage, stages: allStages}
	return f, nil
}

// buildChain builds specs[i]'s Stage in reverse order so each one's
// successor is already constructed, validating every transform/
// selection invoke reference against registry along the way.
func buildChain(specs []StageSpec, registry *expr.Registry, bus *events.Bus, logger *slog.Logger, flowName, appName string) ([]*stage.Stage, error) {
	built := make([]*stage.Stage, len(specs))
	var successor *stage.Stage
	for i := len(specs) - 1; i >= 0; i-- {
		spec := specs[i]
		for _, step := range spec.InputTransforms {
			if err := expr.ResolveStep(registry, step); err != nil {
				return nil, fmt.Errorf("flow %q stage %q: %w", flowName, spec.ID, err)
			}
		}
		if spec.InputSelection != nil {
			if err := expr.ResolveExpression(registry, spec.InputSelection); err != nil {
				return nil, fmt.Errorf("flow %q stage %q: %w", flowName, spec.ID, err)
			}
		}

		cfg := stage.Config{
			ID:              spec.ID,
			WorkerCount:     spec.WorkerCount,
			QueueCapacity:   spec.QueueCapacity,
			InputTransforms: spec.InputTransforms,
			InputSelection:  spec.InputSelection,
			DrainPolicy:     spec.DrainPolicy,
			EgressAckPolicy: spec.EgressAckPolicy,
			EgressAckN:      spec.EgressAckN,
			RecoveryPolicy:  spec.RecoveryPolicy,
			Registry:        registry,
		}
		s := stage.New(cfg, spec.Component, successor, logger, bus, flowName, appName)
		built[i] = s
		successor = s
	}
	return built, nil
}

// Name reports the Flow's configured name.
func (f *Flow) Name() string { return f.name }

// Enqueue hands msg to the Flow's entry point: the head Stage for a
// linear Flow, or the Router-hosting Stage for a routed Flow.
func (f *Flow) Enqueue(ctx context.Context, msg *message.Message) error {
	if f.entry != nil {
		return f.entry.Enqueue(ctx, msg)
	}
	return f.head.Enqueue(ctx, msg)
}

// Start spawns every Stage's workers, in declaration order.
func (f *Flow) Start() {
	for _, s := range f.stages {
		s.Start()
	}
}

// Stop stops every Stage, tail-first so no Stage forwards to an
// already-stopped successor.
func (f *Flow) Stop() {
	for i := len(f.stages) - 1; i >= 0; i-- {
		f.stages[i].Stop()
	}
}

// Metrics returns every Stage's metrics snapshot, keyed by Stage ID.
func (f *Flow) Metrics() map[string]stage.Metrics {
	out := make(map[string]stage.Metrics, len(f.stages))
	for _, s := range f.stages {
		out[s.ID()] = s.Metrics()
	}
	return out
}

// Router returns the Flow's Subscription Router, or nil for a linear
// Flow — exposed for audit-log inspection (internal/monitor).
func (f *Flow) Router() *router.Router { return f.router }
