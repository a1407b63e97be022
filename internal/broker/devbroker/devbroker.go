// Package devbroker implements the in-process Broker backend spec.md
// §6 requires: every package-level test in this repo runs against it.
// Delivery is channel-keyed and matched with the same Solace-family
// wildcard matcher the Subscription Router uses
// (internal/router.Match), so a devbroker subscription behaves exactly
// like a real broker's topic subscription.
package devbroker

import (
	"context"
	"sync"

	"github.com/solaceflow/connector/internal/broker"
	"github.com/solaceflow/connector/internal/router"
)

type subscriber struct {
	pattern string
	ch      chan broker.DeliveredMessage
}

type queueBinding struct {
	subscriptions []string
	ch            chan broker.DeliveredMessage
}

// Broker is the in-process, channel-based Broker backend.
type Broker struct {
	mu          sync.Mutex
	connected   bool
	closed      bool
	subscribers []*subscriber
	queues      map[string]*queueBinding
}

// New creates an unconnected devbroker.Broker.
func New() *Broker {
	return &Broker{queues: make(map[string]*queueBinding)}
}

func (b *Broker) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

func (b *Broker) CreateQueue(_ context.Context, cfg broker.QueueConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[cfg.Name] = &queueBinding{
		subscriptions: append([]string(nil), cfg.Subscriptions...),
		ch:            make(chan broker.DeliveredMessage, 100),
	}
	return nil
}

func (b *Broker) BindSubscriptions(_ context.Context, queueName string, subscriptions []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		q = &queueBinding{ch: make(chan broker.DeliveredMessage, 100)}
		b.queues[queueName] = q
	}
	q.subscriptions = append(q.subscriptions, subscriptions...)
	return nil
}

func (b *Broker) Receive(_ context.Context, queueName string) (<-chan broker.DeliveredMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		q = &queueBinding{ch: make(chan broker.DeliveredMessage, 100)}
		b.queues[queueName] = q
	}
	return q.ch, nil
}

// Publish delivers env to every direct subscriber and every queue
// whose bound subscriptions match topic. Delivered messages are
// pre-acked: devbroker has no redelivery, so Ack/Nack are both no-ops
// (a real backend's Ack/Nack drive broker-side redelivery policy; the
// dev backend accepts the Stage's disposition and discards it).
func (b *Broker) Publish(_ context.Context, topic string, env broker.Envelope) error {
	env.Topic = topic
	dm := broker.DeliveredMessage{Envelope: env, Ack: func() {}, Nack: func(error) {}}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		if router.Match(sub.pattern, topic) {
			select {
			case sub.ch <- dm:
			default:
			}
		}
	}
	for _, q := range b.queues {
		for _, pattern := range q.subscriptions {
			if router.Match(pattern, topic) {
				select {
				case q.ch <- dm:
				default:
				}
				break
			}
		}
	}
	return nil
}

func (b *Broker) Subscribe(_ context.Context, subscription string) (<-chan broker.DeliveredMessage, error) {
	ch := make(chan broker.DeliveredMessage, 100)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, &subscriber{pattern: subscription, ch: ch})
	return ch, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.ch)
	}
	for _, q := range b.queues {
		close(q.ch)
	}
	return nil
}
