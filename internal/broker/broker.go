// Package broker defines the abstract Broker capability (spec.md §6):
// connect, create_queue, bind_subscriptions, receive, publish,
// subscribe, close. Grounded on
// Chris-Alexander-Pop-go-hyperforge/pkg/messaging's broker-neutral
// Producer/Consumer/Broker interface set, narrowed to the operations
// spec.md names and widened with the queue/subscription-binding
// concepts a Solace-family broker adds on top of plain pub/sub.
package broker

import (
	"context"
	"time"
)

// Envelope is a broker-neutral inbound or outbound message, analogous
// to hyperforge's messaging.Message but addressed by Topic alone
// instead of a Kafka-shaped partition/offset metadata block.
type Envelope struct {
	ID             string
	Topic          string
	Payload        []byte
	UserProperties map[string]string
	Timestamp      time.Time
}

// DeliveredMessage is an Envelope paired with the ack callbacks a
// receiving Stage must bind to its *message.Message (spec.md §4.2:
// "Ingress Stages attach (on_success, on_failure) ... when obtaining
// the Message from the source").
type DeliveredMessage struct {
	Envelope Envelope
	Ack      func()
	Nack     func(err error)
}

// QueueConfig describes a durable queue to create/bind (spec.md §6).
type QueueConfig struct {
	Name          string
	Subscriptions []string
}

// Broker is the abstract capability every backend (devbroker,
// mqttbroker, kafkabroker) implements.
type Broker interface {
	// Connect establishes the broker session. Idempotent: calling
	// Connect on an already-connected Broker is a no-op.
	Connect(ctx context.Context) error

	// CreateQueue provisions (or, for backends without a native queue
	// concept, approximates — see mqttbroker/kafkabroker docs) a
	// durable queue.
	CreateQueue(ctx context.Context, cfg QueueConfig) error

	// BindSubscriptions attaches topic subscription patterns to an
	// already-created queue.
	BindSubscriptions(ctx context.Context, queueName string, subscriptions []string) error

	// Receive returns a channel of DeliveredMessage for queueName. The
	// channel closes when Close is called; cancelling ctx does not
	// close it.
	Receive(ctx context.Context, queueName string) (<-chan DeliveredMessage, error)

	// Publish sends env to topic.
	Publish(ctx context.Context, topic string, env Envelope) error

	// Subscribe attaches a direct (non-durable) topic subscription and
	// returns a channel of DeliveredMessage. The Simplified App's broker
	// ingress and the R/R Controller's reply listener do not use it:
	// both read a queue through CreateQueue and Receive.
	Subscribe(ctx context.Context, subscription string) (<-chan DeliveredMessage, error)

	// Close tears down the broker session and every channel it handed
	// out via Receive/Subscribe.
	Close() error
}
