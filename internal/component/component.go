// Package component defines the Component contract a Stage executes
// (spec.md §4.2/§6): the implementer-provided invoke() plus a set of
// small optional-capability interfaces, type-asserted the way the
// teacher's internal/mqtt/publisher.go checks for StatsSource and
// DynamicSensor on a generic handler value.
package component

import (
	"github.com/solaceflow/connector/internal/expr"
	"github.com/solaceflow/connector/internal/message"
)

// Component is the mandatory surface every Stage body implements.
// Invoke is pure from the runtime's point of view: it receives the
// Message (for Write-backs into user_data/previous) and the value
// already selected by input_selection, and returns either nil (stop
// propagation, ack success), a value (forwarded as message.Previous),
// or an error (the Stage's recovery policy decides what happens next).
type Component interface {
	// Invoke executes one Message. data is the pre-evaluated
	// input_selection result (default: message.Previous).
	Invoke(msg *message.Message, data any) (any, error)
}

// ConfigSchema is an optional capability: a Component that wants its
// configuration mapping validated at construction time implements it.
type ConfigSchema interface {
	// ValidateConfig is called once, with the Stage's fully-resolved
	// configuration mapping, before Stage.Start. A non-nil error fails
	// Flow construction.
	ValidateConfig(cfg map[string]any) error
}

// TimerHandler is an optional capability for Components that called
// timersvc.Service.AddTimer against their own Stage.
type TimerHandler interface {
	HandleTimerEvent(timerID string, payload any)
}

// CacheExpiryHandler is an optional capability for Components that
// registered cache entries with an expiry callback.
type CacheExpiryHandler interface {
	HandleCacheExpiry(key string, value any)
}

// AckCallbackProvider is an optional capability: an ingress Component
// (one that obtains Messages from an external source, e.g. a broker)
// supplies the (on_success, on_failure) pair to bind to a freshly
// created Message.
type AckCallbackProvider interface {
	GetAckCallbacks(msg *message.Message) message.AckPair
}

// NackReactionPolicy is an optional capability: a Component may supply
// its own error-kind → reaction policy (spec.md §7), overriding the
// Stage's default.
type NackReactionPolicy interface {
	NackReaction() map[string]string
}

// Stopper is an optional capability: a Component with resources to
// release implements Stop, called once during Stage.Stop after workers
// have drained.
type Stopper interface {
	Stop() error
}

// MetricsSource is an optional capability: a Component may contribute
// additional fields to Stage.Metrics() beyond the runtime's own
// message/queue counters.
type MetricsSource interface {
	ComponentMetrics() map[string]any
}

// EvalEnv bundles what a Component needs to build EvalContexts and
// resolve invoke references against the Flow's shared Registry —
// passed to component constructors at Flow-build time.
type EvalEnv struct {
	Registry *expr.Registry
}
