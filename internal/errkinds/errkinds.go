// Package errkinds defines the error taxonomy the Flow runtime, the
// Expression Engine, and the Request/Response Controller raise, plus
// the policy table a Stage consults to decide how to react to them.
//
// Each kind is a sentinel wrapped with context via fmt.Errorf("%w", ...)
// or errors.Join, following the same classify-by-sentinel style as the
// teacher's internal/tools/errors.go.
package errkinds

import "errors"

// Sentinel kinds. Use errors.Is against these, never string comparison.
var (
	// ErrConfig marks a configuration error: invalid or missing required
	// configuration, detected at construction time. Fatal to Connector
	// startup.
	ErrConfig = errors.New("config error")

	// ErrExpression marks an expression that could not resolve a
	// required source.
	ErrExpression = errors.New("expression error")

	// ErrTransform marks a map/filter/reduce transform failure.
	ErrTransform = errors.New("transform error")

	// ErrInvoke marks a component invoke() that returned an error.
	ErrInvoke = errors.New("invoke error")

	// ErrTimeout marks a request/response waiter whose deadline elapsed
	// before a reply (or stream terminator) arrived.
	ErrTimeout = errors.New("timeout error")

	// ErrSessionLimitExceeded marks a create_session call beyond
	// max_sessions.
	ErrSessionLimitExceeded = errors.New("session limit exceeded")

	// ErrSessionNotFound marks an operation against an unknown session_id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed marks a waiter resolved because its owning
	// session was torn down.
	ErrSessionClosed = errors.New("session closed")

	// ErrQueueFull marks a bounded queue at capacity. Never surfaced to
	// invoke() during normal operation (enqueue blocks); only returned
	// by non-blocking drain paths during shutdown.
	ErrQueueFull = errors.New("queue full")

	// ErrQueueClosed marks an operation against a queue that has
	// already been drained and closed.
	ErrQueueClosed = errors.New("queue closed")

	// ErrBroker marks a broker transport failure, subject to the
	// broker's reconnection policy.
	ErrBroker = errors.New("broker error")
)

// Kind identifies one of the sentinels above for use in policy tables
// and structured log/event fields, without requiring callers to hold
// onto (and compare) the error value itself.
type Kind string

const (
	KindConfig        Kind = "config"
	KindExpression    Kind = "expression"
	KindTransform     Kind = "transform"
	KindInvoke        Kind = "invoke"
	KindTimeout       Kind = "timeout"
	KindSessionLimit  Kind = "session_limit_exceeded"
	KindSessionNotFnd Kind = "session_not_found"
	KindSessionClosed Kind = "session_closed"
	KindQueueFull     Kind = "queue_full"
	KindQueueClosed   Kind = "queue_closed"
	KindBroker        Kind = "broker"
)

// Classify maps an error to its Kind by walking the sentinel chain with
// errors.Is. Returns ("", false) for errors not produced by this
// package (e.g. a bare error from an unrelated component).
func Classify(err error) (Kind, bool) {
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, ErrConfig):
		return KindConfig, true
	case errors.Is(err, ErrExpression):
		return KindExpression, true
	case errors.Is(err, ErrTransform):
		return KindTransform, true
	case errors.Is(err, ErrInvoke):
		return KindInvoke, true
	case errors.Is(err, ErrTimeout):
		return KindTimeout, true
	case errors.Is(err, ErrSessionLimitExceeded):
		return KindSessionLimit, true
	case errors.Is(err, ErrSessionNotFound):
		return KindSessionNotFnd, true
	case errors.Is(err, ErrSessionClosed):
		return KindSessionClosed, true
	case errors.Is(err, ErrQueueFull):
		return KindQueueFull, true
	case errors.Is(err, ErrQueueClosed):
		return KindQueueClosed, true
	case errors.Is(err, ErrBroker):
		return KindBroker, true
	default:
		return "", false
	}
}

// Reaction is the recovery policy a Stage applies when a given error
// Kind occurs while evaluating input_transforms, input_selection, or
// invoke().
type Reaction string

const (
	// ReactionDrop discards the Message and releases its ack callbacks
	// as success (same as a filter discard).
	ReactionDrop Reaction = "drop"
	// ReactionNack releases the Message's ack callbacks as failure so
	// the broker redelivers it.
	ReactionNack Reaction = "nack"
	// ReactionRouteToErrorFlow nacks the Message the same way as
	// ReactionNack; no error Flow receives it.
	ReactionRouteToErrorFlow Reaction = "route_to_error_flow"
)

// PolicyMap is a per-Stage table of error Kind to Reaction. Kinds not
// present fall back to DefaultReaction.
type PolicyMap map[Kind]Reaction

// DefaultReaction is applied when a Stage's PolicyMap has no entry for
// the observed Kind. Matches spec: "default policy NACK with failure
// callback."
const DefaultReaction = ReactionNack

// Resolve returns the reaction a PolicyMap prescribes for err, falling
// back to DefaultReaction when err isn't a classified Kind or the map
// has no entry for it.
func (p PolicyMap) Resolve(err error) Reaction {
	kind, ok := Classify(err)
	if !ok {
		return DefaultReaction
	}
	if r, ok := p[kind]; ok {
		return r
	}
	return DefaultReaction
}
