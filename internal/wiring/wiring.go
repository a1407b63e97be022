// Package wiring translates a loaded config.Config into running
// app.App instances registered on a connector.Connector — the
// construction-time half of spec.md §6 that config.Config only
// describes. Grounded on the teacher's cmd/thane main.go, which
// performs the same kind of config-to-live-object translation (one
// function per collaborator, called in dependency order) but inline in
// main rather than as a separate package; splitting it out here keeps
// cmd/connector/main.go as thin as the teacher's runServe would be if
// thane's domain objects were this systematically constructed from one
// config shape instead of many ad hoc config sections.
package wiring

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/solaceflow/connector/internal/app"
	"github.com/solaceflow/connector/internal/broker"
	"github.com/solaceflow/connector/internal/broker/devbroker"
	"github.com/solaceflow/connector/internal/broker/kafkabroker"
	"github.com/solaceflow/connector/internal/broker/mqttbroker"
	"github.com/solaceflow/connector/internal/components"
	"github.com/solaceflow/connector/internal/config"
	"github.com/solaceflow/connector/internal/connector"
	"github.com/solaceflow/connector/internal/errkinds"
	"github.com/solaceflow/connector/internal/events"
	"github.com/solaceflow/connector/internal/expr"
	"github.com/solaceflow/connector/internal/flow"
	"github.com/solaceflow/connector/internal/reqreply"
	"github.com/solaceflow/connector/internal/stage"
)

// Build constructs a connector.Connector from cfg, with every declared
// App built and registered (but not yet Started — the caller decides
// when to call Start).
func Build(ctx context.Context, cfg *config.Config, registry *components.Registry, exprRegistry *expr.Registry, bus *events.Bus, logger *slog.Logger) (*connector.Connector, error) {
	conn := connector.New(bus, logger)

	for _, appCfg := range cfg.Apps {
		for instance := 0; instance < max(appCfg.NumInstances, 1); instance++ {
			name := appCfg.Name
			if appCfg.NumInstances > 1 {
				name = fmt.Sprintf("%s-%d", appCfg.Name, instance)
			}

			a, err := buildApp(ctx, name, appCfg, registry, exprRegistry, bus, logger)
			if err != nil {
				return nil, fmt.Errorf("app %q: %w", appCfg.Name, err)
			}
			conn.Register(a)
		}
	}
	return conn, nil
}

func buildApp(ctx context.Context, name string, appCfg config.AppConfig, registry *components.Registry, exprRegistry *expr.Registry, bus *events.Bus, logger *slog.Logger) (*app.App, error) {
	if appCfg.Broker != nil {
		return buildSimplified(ctx, name, appCfg, registry, exprRegistry, bus, logger)
	}
	return buildExplicit(name, appCfg, registry, exprRegistry, bus, logger)
}

// buildExplicit builds every Flow the config lists in full (spec.md §2
// Explicit App) with no broker handle of its own.
func buildExplicit(name string, appCfg config.AppConfig, registry *components.Registry, exprRegistry *expr.Registry, bus *events.Bus, logger *slog.Logger) (*app.App, error) {
	flows := make([]*flow.Flow, 0, len(appCfg.Flows))
	for _, flowCfg := range appCfg.Flows {
		specs, err := buildStageSpecs(flowCfg.Components, registry, exprRegistry)
		if err != nil {
			return nil, fmt.Errorf("flow %q: %w", flowCfg.Name, err)
		}
		f, err := flow.Build(flowCfg.Name, name, specs, exprRegistry, bus, logger)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return app.NewExplicit(name, appCfg.AppConfig, flows, nil, nil, bus, logger), nil
}

// buildSimplified connects the App's broker, then synthesizes its Flow
// via app.NewSimplified (spec.md §2 Simplified App).
func buildSimplified(ctx context.Context, name string, appCfg config.AppConfig, registry *components.Registry, exprRegistry *expr.Registry, bus *events.Bus, logger *slog.Logger) (*app.App, error) {
	br, err := newBroker(*appCfg.Broker, logger)
	if err != nil {
		return nil, err
	}
	if err := br.Connect(ctx); err != nil {
		return nil, err
	}

	specs, err := buildStageSpecs(appCfg.Components, registry, exprRegistry)
	if err != nil {
		return nil, err
	}
	for i := range specs {
		if specs[i].Subscription == "" {
			return nil, fmt.Errorf("%w: app %q component %q: simplified app stages require a subscription", errkinds.ErrConfig, name, specs[i].ID)
		}
	}

	// config.BrokerConfig has no dedicated output-topic-expression key
	// (spec.md's Simplified App section leaves egress topic selection
	// implicit), so OutputEnabled echoes back the ingress topic — the
	// same request-response topic convention the Request/Response
	// Controller already assumes for its reply path.
	var outputTopic expr.Expression
	if appCfg.Broker.OutputEnabled {
		outputTopic = expr.ParseExpression("input.topic")
		if err := expr.ResolveExpression(exprRegistry, outputTopic); err != nil {
			return nil, err
		}
	}

	simpleCfg := app.SimplifiedConfig{
		QueueName:           appCfg.Broker.QueueName,
		CreateQueueOnStart:  appCfg.Broker.CreateQueueOnStart,
		InputEnabled:        appCfg.Broker.InputEnabled,
		OutputEnabled:       appCfg.Broker.OutputEnabled,
		OutputTopic:         outputTopic,
		RequestReplyEnabled: appCfg.Broker.RequestReplyEnabled,
		MaxSessions:         appCfg.Broker.RequestReplyMaxSessions,
		ReplyConfig:         reqreplyConfig(appCfg.Broker, exprRegistry),
		Stages:              specs,
	}

	return app.NewSimplified(ctx, name, appCfg.AppConfig, simpleCfg, br, exprRegistry, bus, logger)
}

func reqreplyConfig(brCfg *config.BrokerConfig, registry *expr.Registry) reqreply.Config {
	return reqreply.Config{
		ReplyTopicPrefix: brCfg.ResponseTopicPrefix,
		ReplyQueuePrefix: brCfg.ResponseQueuePrefix,
		Registry:         registry,
	}
}

func buildStageSpecs(components_ []config.ComponentConfig, registry *components.Registry, exprRegistry *expr.Registry) ([]flow.StageSpec, error) {
	specs := make([]flow.StageSpec, 0, len(components_))
	for _, c := range components_ {
		comp, err := registry.Build(c.Kind, c.ComponentConfig)
		if err != nil {
			return nil, fmt.Errorf("component %q: %w", c.Name, err)
		}

		spec := flow.StageSpec{
			ID:              c.Name,
			Component:       comp,
			WorkerCount:     max(c.NumInstances, 1),
			QueueCapacity:   c.QueueCapacity,
			DrainPolicy:     stage.DrainPolicy(c.DrainPolicy),
			EgressAckPolicy: stage.EgressAckPolicy(c.EgressAckPolicy),
			EgressAckN:      c.EgressAckN,
		}

		if len(c.RecoveryPolicy) > 0 {
			spec.RecoveryPolicy = make(errkinds.PolicyMap, len(c.RecoveryPolicy))
			for kind, reaction := range c.RecoveryPolicy {
				spec.RecoveryPolicy[errkinds.Kind(kind)] = errkinds.Reaction(reaction)
			}
		}

		if c.InputSelection != "" {
			spec.InputSelection = expr.ParseExpression(c.InputSelection)
			if err := expr.ResolveExpression(exprRegistry, spec.InputSelection); err != nil {
				return nil, fmt.Errorf("component %q: %w", c.Name, err)
			}
		}

		for _, t := range c.InputTransforms {
			step, err := buildStep(t)
			if err != nil {
				return nil, fmt.Errorf("component %q: %w", c.Name, err)
			}
			if err := expr.ResolveStep(exprRegistry, step); err != nil {
				return nil, fmt.Errorf("component %q: %w", c.Name, err)
			}
			spec.InputTransforms = append(spec.InputTransforms, step)
		}

		if len(c.Subscriptions) > 0 {
			spec.Subscription = c.Subscriptions[0].Topic
		}

		specs = append(specs, spec)
	}
	return specs, nil
}

func buildStep(t config.TransformEntry) (expr.Step, error) {
	var step expr.Step
	switch t.Kind {
	case "copy":
		step.Kind = expr.StepCopy
	case "append":
		step.Kind = expr.StepAppend
	case "map":
		step.Kind = expr.StepMap
	case "filter":
		step.Kind = expr.StepFilter
	case "reduce":
		step.Kind = expr.StepReduce
	default:
		return step, fmt.Errorf("%w: unrecognized transform type %q", errkinds.ErrConfig, t.Kind)
	}
	if t.Source != "" {
		step.Source = expr.ParseExpression(t.Source)
	}
	if t.Dest != "" {
		step.Dest = expr.ParseExpression(t.Dest)
	}
	if t.Body != "" {
		step.Body = expr.ParseExpression(t.Body)
	}
	if t.Accumulator != "" {
		step.InitialValue = expr.ParseExpression(t.Accumulator)
	}
	return step, nil
}

// newBroker picks the broker backend by URL scheme: mqtt(s)/ssl/tcp
// for mqttbroker, kafka for kafkabroker.
func newBroker(cfg config.BrokerConfig, logger *slog.Logger) (broker.Broker, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse broker url: %v", errkinds.ErrConfig, err)
	}

	switch {
	case u.Scheme == "dev" || u.Scheme == "mem":
		// In-process backend spec.md §6 mandates every package-level
		// test run against (internal/broker/devbroker) — also usable
		// here for local development without a real broker.
		return devbroker.New(), nil
	case strings.HasPrefix(u.Scheme, "kafka"):
		return kafkabroker.New(kafkabroker.Config{
			Brokers:  strings.Split(u.Host, ","),
			Username: cfg.Username,
			Password: cfg.Password,
			UseSASL:  cfg.Username != "",
		}, logger), nil
	case u.Scheme == "mqtt", u.Scheme == "mqtts", u.Scheme == "tcp", u.Scheme == "ssl", u.Scheme == "":
		return mqttbroker.New(mqttbroker.Config{
			URL:                  cfg.URL,
			Username:             cfg.Username,
			Password:             cfg.Password,
			ReconnectionStrategy: cfg.ReconnectionStrategy,
			RetryIntervalMs:      cfg.RetryIntervalMs,
			TrustStorePath:       cfg.TrustStorePath,
		}, logger), nil
	default:
		return nil, fmt.Errorf("%w: unrecognized broker url scheme %q", errkinds.ErrConfig, u.Scheme)
	}
}
