// Package events provides a publish/subscribe event bus for operational
// observability, adapted from the teacher's original agent-loop event
// bus: Source/Kind constants now describe Stage/Flow/App/Broker/R-R
// Controller lifecycle instead of agent-request/Signal-bridge
// activity. The bus mechanics (nil-safe Publish, non-blocking
// broadcast, buffered per-subscriber channels) are unchanged.
package events

import (
	"sync"
	"time"
)

// Source constants identify which subsystem published an event.
const (
	SourceStage     = "stage"
	SourceFlow      = "flow"
	SourceApp       = "app"
	SourceBroker    = "broker"
	SourceReqReply  = "reqreply"
	SourceRouter    = "router"
	SourceConnector = "connector"
)

// Kind constants describe the type of event within a source.
const (
	// KindStageStarted signals a Stage spawned its workers.
	// Data: stage_id, flow_name, app_name, worker_count.
	KindStageStarted = "stage_started"
	// KindStageStopped signals a Stage finished draining and stopped.
	// Data: stage_id, flow_name, app_name.
	KindStageStopped = "stage_stopped"
	// KindMessageProcessed signals a Message passed through invoke().
	// Data: stage_id, flow_name, message_id, outcome, duration_ms.
	KindMessageProcessed = "message_processed"
	// KindMessageError signals a Stage failed a Message.
	// Data: stage_id, flow_name, message_id, error_kind, reaction.
	KindMessageError = "message_error"
	// KindEgressFailure signals a forwarding failure (an egress
	// component's broker Publish, or a closed successor queue
	// mid-shutdown) and the EgressAckPolicy disposition applied to it.
	// Data: stage_id, flow_name, message_id, policy, consecutive_failures, disposition.
	KindEgressFailure = "egress_failure"

	// KindFlowBuilt signals a Flow finished construction.
	// Data: flow_name, app_name, stage_count.
	KindFlowBuilt = "flow_built"

	// KindAppReady signals an App reached is_ready() == true.
	// Data: app_name.
	KindAppReady = "app_ready"

	// KindBrokerConnected signals a Broker backend established its
	// session. Data: broker_kind, app_name.
	KindBrokerConnected = "broker_connected"
	// KindBrokerDisconnected signals a Broker backend lost its session.
	// Data: broker_kind, app_name, reason.
	KindBrokerDisconnected = "broker_disconnected"
	// KindBrokerPublished signals an outbound publish.
	// Data: broker_kind, topic, bytes.
	KindBrokerPublished = "broker_published"

	// KindRouterDiscard signals the Subscription Router found no
	// matching Stage for an inbound topic.
	// Data: topic, flow_name.
	KindRouterDiscard = "router_discard"

	// KindRequestSent signals the R/R Controller dispatched a
	// correlated request. Data: cid, topic, session_id, stream.
	KindRequestSent = "request_sent"
	// KindRequestTimeout signals a waiter's deadline elapsed.
	// Data: cid, session_id, timeout_ms.
	KindRequestTimeout = "request_timeout"
	// KindRequestCompleted signals a waiter resolved with a reply.
	// Data: cid, session_id, latency_ms.
	KindRequestCompleted = "request_completed"

	// KindConnectorStarted signals the Connector finished starting
	// every App.
	KindConnectorStarted = "connector_started"
	// KindConnectorStopped signals the Connector finished stopping
	// every App.
	KindConnectorStopped = "connector_stopped"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
