// Package app implements App (spec.md §2/§6): a named group of Flows
// sharing broker handles and a config lookup chain. Two constructors
// mirror the spec's two App shapes: NewExplicit for an App whose Flows
// are already fully built, and NewSimplified for the synthesized
// `BrokerInput → [SubscriptionRouter] → user Stage → [BrokerOutput]`
// shape.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/solaceflow/connector/internal/broker"
	"github.com/solaceflow/connector/internal/errkinds"
	"github.com/solaceflow/connector/internal/events"
	"github.com/solaceflow/connector/internal/expr"
	"github.com/solaceflow/connector/internal/flow"
	"github.com/solaceflow/connector/internal/message"
	"github.com/solaceflow/connector/internal/reqreply"
)

// App owns a set of Flows, optional shared broker handles, and an
// immutable app_config mapping (spec.md §3: "App. Owns: a set of
// Flows; optional shared broker handles ... app_config").
type App struct {
	name      string
	appConfig map[string]any
	flows     map[string]*flow.Flow
	broker    broker.Broker
	reqreply  *reqreply.SessionManager
	bus       *events.Bus
	logger    *slog.Logger

	ready           atomic.Bool
	startupComplete atomic.Bool

	mu        sync.Mutex
	cancelIng []context.CancelFunc
	wg        sync.WaitGroup
}

// NewExplicit creates an App whose Flows were already fully
// constructed by the caller (spec.md §2 Explicit App: "the
// configuration lists every Stage of every Flow").
func NewExplicit(name string, appConfig map[string]any, flows []*flow.Flow, br broker.Broker, rr *reqreply.SessionManager, bus *events.Bus, logger *slog.Logger) *App {
	a := newApp(name, appConfig, br, rr, bus, logger)
	for _, f := range flows {
		a.flows[f.Name()] = f
	}
	return a
}

func newApp(name string, appConfig map[string]any, br broker.Broker, rr *reqreply.SessionManager, bus *events.Bus, logger *slog.Logger) *App {
	a := &App{
		name:      name,
		appConfig: appConfig,
		flows:     make(map[string]*flow.Flow),
		broker:    br,
		reqreply:  rr,
		bus:       bus,
		logger:    logger,
	}
	a.ready.Store(true)
	return a
}

// SimplifiedConfig synthesizes the Flow(s) of a Simplified App
// (spec.md §2): a broker ingress queue, one Stage per declared user
// component, an optional implicit egress appended after each, and a
// Subscription Router inserted only when more than one user Stage is
// declared.
type SimplifiedConfig struct {
	QueueName          string
	CreateQueueOnStart bool
	InputEnabled       bool
	OutputEnabled      bool
	// OutputTopic is evaluated per-Message (spec.md §4.1) to compute
	// the egress publish topic; a static: expression for a fixed topic.
	OutputTopic         expr.Expression
	RequestReplyEnabled bool
	MaxSessions         int
	ReplyConfig         reqreply.Config
	// Stages is the declared list of user Stages; each one's
	// Subscription field is the topic pattern the synthesized Router
	// (or, for a single Stage, the bare ingress) dispatches on.
	Stages []flow.StageSpec
}

// NewSimplified synthesizes and builds the App's Flow per
// SimplifiedConfig, provisions the ingress queue, and starts the
// Request/Response Controller when RequestReplyEnabled.
func NewSimplified(ctx context.Context, name string, appConfig map[string]any, cfg SimplifiedConfig, br broker.Broker, registry *expr.Registry, bus *events.Bus, logger *slog.Logger) (*App, error) {
	if len(cfg.Stages) == 0 {
		return nil, fmt.Errorf("%w: simplified app %q declares no user stages", errkinds.ErrConfig, name)
	}

	var rr *reqreply.SessionManager
	if cfg.RequestReplyEnabled {
		var err error
		rr, err = reqreply.NewSessionManager(ctx, br, bus, logger, name, cfg.ReplyConfig, cfg.MaxSessions)
		if err != nil {
			return nil, fmt.Errorf("simplified app %q: %w", name, err)
		}
	}

	a := newApp(name, appConfig, br, rr, bus, logger)

	branches := make([]flow.Branch, len(cfg.Stages))
	for i, spec := range cfg.Stages {
		branchStages := []flow.StageSpec{spec}
		if cfg.OutputEnabled {
			branchStages = append(branchStages, flow.StageSpec{
				ID:          spec.ID + "-output",
				Component:   &egressComponent{broker: br, topic: cfg.OutputTopic, registry: registry},
				WorkerCount: 1,
			})
		}
		branches[i] = flow.Branch{Subscription: spec.Subscription, Stages: branchStages}
	}

	flowName := name + "-flow"
	var f *flow.Flow
	var err error
	if len(branches) > 1 {
		f, err = flow.BuildRouted(flowName, name, branches, registry, bus, logger)
	} else {
		f, err = flow.Build(flowName, name, branches[0].Stages, registry, bus, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("simplified app %q: %w", name, err)
	}
	a.flows[f.Name()] = f

	if cfg.InputEnabled {
		subscriptions := make([]string, 0, len(cfg.Stages))
		for _, spec := range cfg.Stages {
			subscriptions = append(subscriptions, spec.Subscription)
		}
		if cfg.CreateQueueOnStart {
			if err := br.CreateQueue(ctx, broker.QueueConfig{Name: cfg.QueueName, Subscriptions: subscriptions}); err != nil {
				return nil, fmt.Errorf("simplified app %q: create ingress queue: %w", name, err)
			}
		}
		ch, err := br.Receive(ctx, cfg.QueueName)
		if err != nil {
			return nil, fmt.Errorf("simplified app %q: receive on ingress queue: %w", name, err)
		}
		a.startIngress(ch, f)
	}

	return a, nil
}

func (a *App) startIngress(ch <-chan broker.DeliveredMessage, f *flow.Flow) {
	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancelIng = append(a.cancelIng, cancel)
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case dm, ok := <-ch:
				if !ok {
					return
				}
				msg := deliveredToMessage(dm)
				if err := f.Enqueue(ctx, msg); err != nil {
					a.logger.Warn("ingress enqueue failed", "app_name", a.name, "error", err)
					if dm.Nack != nil {
						dm.Nack(err)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func deliveredToMessage(dm broker.DeliveredMessage) *message.Message {
	var payload any
	if len(dm.Envelope.Payload) > 0 {
		if err := json.Unmarshal(dm.Envelope.Payload, &payload); err != nil {
			payload = string(dm.Envelope.Payload)
		}
	}
	props := make(map[string]any, len(dm.Envelope.UserProperties))
	for k, v := range dm.Envelope.UserProperties {
		props[k] = v
	}
	msg := message.New(message.Input{
		Payload:        payload,
		Topic:          dm.Envelope.Topic,
		TopicLevels:    message.ParseTopicLevels(dm.Envelope.Topic),
		UserProperties: props,
	})
	msg.AddAckCallback(message.AckPair{OnSuccess: dm.Ack, OnFailure: dm.Nack})
	return msg
}

// egressComponent publishes msg.Previous to a per-Message topic,
// implementing the Simplified App's implicit BrokerOutput.
type egressComponent struct {
	broker   broker.Broker
	topic    expr.Expression
	registry *expr.Registry
}

func (e *egressComponent) Invoke(msg *message.Message, data any) (any, error) {
	evalCtx := expr.NewEvalContext(msg, e.registry)
	topicVal, err := expr.Eval(evalCtx, e.topic)
	if err != nil {
		return nil, fmt.Errorf("%w: egress topic: %v", errkinds.ErrExpression, err)
	}
	topic, _ := topicVal.(string)
	if topic == "" {
		return nil, fmt.Errorf("%w: egress topic evaluated to empty string", errkinds.ErrExpression)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal egress payload: %v", errkinds.ErrInvoke, err)
	}

	if err := e.broker.Publish(context.Background(), topic, broker.Envelope{Topic: topic, Payload: payload}); err != nil {
		return nil, fmt.Errorf("%w: %v", errkinds.ErrBroker, err)
	}
	return nil, nil
}

// Name reports the App's configured name.
func (a *App) Name() string { return a.name }

// GetConfig implements spec.md §6's app-level lookup chain:
// component-scope config → app-scope app_config → componentDefault.
func (a *App) GetConfig(componentCfg map[string]any, key string, componentDefault any) any {
	if componentCfg != nil {
		if v, ok := componentCfg[key]; ok {
			return v
		}
	}
	if a.appConfig != nil {
		if v, ok := a.appConfig[key]; ok {
			return v
		}
	}
	return componentDefault
}

// SendMessage implements `app.send_message`: publishes payload to
// topic via the App's broker handle. Errors if no broker is configured
// (egress disabled, spec.md §6).
func (a *App) SendMessage(ctx context.Context, payload []byte, topic string, userProperties map[string]string) error {
	if a.broker == nil {
		return fmt.Errorf("%w: app %q has no broker handle (egress disabled)", errkinds.ErrConfig, a.name)
	}
	return a.broker.Publish(ctx, topic, broker.Envelope{Topic: topic, Payload: payload, UserProperties: userProperties})
}

// RequestReply returns the App's Request/Response Controller session
// manager, or nil if request/reply is disabled.
func (a *App) RequestReply() *reqreply.SessionManager { return a.reqreply }

// Flows returns every Flow the App owns, keyed by Flow name.
func (a *App) Flows() map[string]*flow.Flow { return a.flows }

// IsReady implements `app.is_ready()`.
func (a *App) IsReady() bool { return a.ready.Load() }

// SetReady allows a component to gate readiness (spec.md §6:
// "app.is_ready() ... may be overridden to gate readiness").
func (a *App) SetReady(ready bool) { a.ready.Store(ready) }

// IsStartupComplete implements `app.is_startup_complete()`.
func (a *App) IsStartupComplete() bool { return a.startupComplete.Load() }

// SetStartupComplete marks startup complete.
func (a *App) SetStartupComplete(complete bool) { a.startupComplete.Store(complete) }

// Start starts every Flow the App owns.
func (a *App) Start() {
	for _, f := range a.flows {
		f.Start()
	}
	a.SetStartupComplete(true)
}

// Stop stops every ingress listener and every Flow, then tears down
// the Request/Response Controller if present.
func (a *App) Stop() {
	a.mu.Lock()
	cancels := a.cancelIng
	a.cancelIng = nil
	a.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	a.wg.Wait()

	for _, f := range a.flows {
		f.Stop()
	}
	if a.reqreply != nil {
		a.reqreply.Close()
	}
}
