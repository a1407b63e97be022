// Package router implements the Subscription Router (spec.md §4.3):
// first-match dispatch of an inbound Message to exactly one of several
// downstream Stages, based on topic subscription patterns evaluated in
// construction order. Repurposed from the teacher's scored-dispatch
// model Router: the audit-log (here Decision/AuditLog) and
// construction-time determinism carry over, but the scoring matrix is
// replaced with first-match against subscription patterns, grounded on
// other_examples/…smilad-Event-MUX…core-router.go's pluggable
// TopicMatcher and construction-time route snapshotting (there, routes
// are a map; here, an explicit ordered slice, since first-match
// dispatch needs the ordering a map doesn't give).
package router

import (
	"strings"
	"sync"
	"time"

	"github.com/solaceflow/connector/internal/component"
	"github.com/solaceflow/connector/internal/events"
	"github.com/solaceflow/connector/internal/message"
	"github.com/solaceflow/connector/internal/stage"
)

// Target receives a Message the Router dispatched to it.
type Target interface {
	Enqueue(msg *message.Message) error
}

// route is one (subscription, target) pair in construction order.
type route struct {
	subscription string
	stageID      string
	target       Target
}

// Decision records why a dispatch went where it went, mirroring the
// teacher's router.Decision audit entry.
type Decision struct {
	Timestamp time.Time
	Topic     string
	StageID   string
	Matched   bool
}

// Router dispatches inbound Messages to the first Stage whose
// subscription matches the Message's topic, in the order subscriptions
// were registered (spec.md §4.3, invariant I3).
type Router struct {
	routes []route
	bus    *events.Bus
	flow   string

	mu       sync.Mutex
	auditLog []Decision
	auditCap int
}

// New creates an empty Router. Subscriptions are added with Register,
// in declaration order, before the Router is used.
func New(bus *events.Bus, flowName string) *Router {
	return &Router{bus: bus, flow: flowName, auditCap: 1000}
}

// Register adds one (subscription, target) pair. Call order is
// significant: first-match dispatch tries routes in the order they
// were registered (spec.md §4.3: "built at construction in the
// declaration order of Stages and of subscriptions within each Stage").
func (r *Router) Register(subscription, stageID string, target Target) {
	r.routes = append(r.routes, route{subscription: subscription, stageID: stageID, target: target})
}

// Dispatch routes msg to the first matching target. If no route
// matches, the Message is discarded with a warning event and its ack
// callbacks are released as success (spec.md §4.3: no-retry,
// warn-and-drop — the broker still considers it handled).
func (r *Router) Dispatch(msg *message.Message) error {
	topic := msg.Input.Topic
	for _, rt := range r.routes {
		if Match(rt.subscription, topic) {
			r.recordDecision(Decision{Timestamp: time.Now(), Topic: topic, StageID: rt.stageID, Matched: true})
			return rt.target.Enqueue(msg)
		}
	}

	r.recordDecision(Decision{Timestamp: time.Now(), Topic: topic, Matched: false})
	r.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceRouter,
		Kind:      events.KindRouterDiscard,
		Data:      map[string]any{"topic": topic, "flow_name": r.flow},
	})
	msg.ResolveSuccess()
	return nil
}

func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.auditLog) >= r.auditCap {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)
}

// AuditLog returns the most recent dispatch decisions, newest last,
// mirroring the teacher's Router.GetAuditLog.
func (r *Router) AuditLog(limit int) []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}
	start := len(r.auditLog) - limit
	out := make([]Decision, limit)
	copy(out, r.auditLog[start:])
	return out
}

// dispatchOnly adapts a Router to component.Component: per the system
// overview's framing of the Subscription Router as "a Stage
// specialization," it runs inside an ordinary single-worker Stage
// rather than owning its own goroutine. Dispatch already enqueues (or
// discards-and-acks) the Message itself, so Invoke reports
// stage.Handled rather than nil — nil would make the hosting Stage
// ack the Message a second time itself, racing the branch Stage
// Dispatch already handed it to.
type dispatchOnly struct {
	r *Router
}

func (d dispatchOnly) Invoke(msg *message.Message, _ any) (any, error) {
	if err := d.r.Dispatch(msg); err != nil {
		return nil, err
	}
	return stage.Handled, nil
}

// AsComponent wraps r as a component.Component suitable for hosting
// inside a single-worker Stage (spec.md §2: "Subscription Router (Stage
// specialization)"). The hosting Stage's input_selection should be
// left at its default (whole Message via "previous:"/"input:"), since
// Dispatch needs the Message itself, not a selected sub-value.
func AsComponent(r *Router) component.Component {
	return dispatchOnly{r: r}
}

// Match reports whether topic matches the Solace-family wildcard
// subscription pattern: "*" matches exactly one level, ">" matches the
// remainder of the topic and is only legal as the final level.
func Match(pattern, topic string) bool {
	pLevels := strings.Split(pattern, "/")
	tLevels := strings.Split(topic, "/")

	for i, p := range pLevels {
		if i >= len(tLevels) {
			return false
		}
		if p == ">" {
			return true
		}
		if p != "*" && p != tLevels[i] {
			return false
		}
	}
	return len(pLevels) == len(tLevels)
}
