package devbroker

import (
	"context"
	"testing"
	"time"

	"github.com/solaceflow/connector/internal/broker"
)

func TestSubscribeReceivesMatchingPublish(t *testing.T) {
	b := New()
	ctx := context.Background()
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer b.Close()

	ch, err := b.Subscribe(ctx, "orders/*/created")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(ctx, "orders/123/created", broker.Envelope{Payload: []byte("hi")}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case dm := <-ch:
		if string(dm.Envelope.Payload) != "hi" {
			t.Fatalf("unexpected payload: %s", dm.Envelope.Payload)
		}
		if dm.Envelope.Topic != "orders/123/created" {
			t.Fatalf("unexpected topic: %s", dm.Envelope.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("expected delivery, got none")
	}
}

func TestSubscribeIgnoresNonMatchingPublish(t *testing.T) {
	b := New()
	ctx := context.Background()
	b.Connect(ctx)
	defer b.Close()

	ch, _ := b.Subscribe(ctx, "orders/*/created")
	b.Publish(ctx, "orders/123/shipped", broker.Envelope{})

	select {
	case dm := <-ch:
		t.Fatalf("expected no delivery, got %+v", dm)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQueueReceivesViaBoundSubscriptions(t *testing.T) {
	b := New()
	ctx := context.Background()
	b.Connect(ctx)
	defer b.Close()

	if err := b.CreateQueue(ctx, broker.QueueConfig{Name: "q1", Subscriptions: []string{"events/>"}}); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	recv, err := b.Receive(ctx, "q1")
	if err != nil {
		t.Fatalf("receive: %v", err)
	}

	b.Publish(ctx, "events/x", broker.Envelope{Payload: []byte("evt")})

	select {
	case dm := <-recv:
		if string(dm.Envelope.Payload) != "evt" {
			t.Fatalf("unexpected payload: %s", dm.Envelope.Payload)
		}
		if dm.Ack == nil || dm.Nack == nil {
			t.Fatalf("expected non-nil Ack/Nack callbacks")
		}
		dm.Ack()
	case <-time.After(time.Second):
		t.Fatal("expected delivery to bound queue")
	}
}

func TestBindSubscriptionsAddsToExistingQueue(t *testing.T) {
	b := New()
	ctx := context.Background()
	b.Connect(ctx)
	defer b.Close()

	b.CreateQueue(ctx, broker.QueueConfig{Name: "q1"})
	if err := b.BindSubscriptions(ctx, "q1", []string{"a/b"}); err != nil {
		t.Fatalf("bind subscriptions: %v", err)
	}
	recv, _ := b.Receive(ctx, "q1")

	b.Publish(ctx, "a/b", broker.Envelope{Payload: []byte("bound")})

	select {
	case dm := <-recv:
		if string(dm.Envelope.Payload) != "bound" {
			t.Fatalf("unexpected payload: %s", dm.Envelope.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected delivery after bind")
	}
}

func TestCloseClosesAllChannels(t *testing.T) {
	b := New()
	ctx := context.Background()
	b.Connect(ctx)

	ch, _ := b.Subscribe(ctx, ">")
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("expected channel to be closed")
	}

	if err := b.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got: %v", err)
	}
}
