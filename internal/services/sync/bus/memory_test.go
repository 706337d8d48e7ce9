package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func waitForEnvelope(t *testing.T, ch <-chan Envelope) Envelope {
	t.Helper()
	select {
	case envelope := <-ch:
		return envelope
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func TestMemoryPublishReachesSubscribers(t *testing.T) {
	broker := NewMemory("instance-a")
	defer broker.Close()

	received := make(chan Envelope, 1)
	unsubscribe, err := broker.Subscribe([]Topic{TopicMessageNew}, func(envelope Envelope) {
		received <- envelope
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	if err := broker.Publish(context.Background(), TopicMessageNew, map[string]string{"id": "msg-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	envelope := waitForEnvelope(t, received)
	if envelope.Topic != TopicMessageNew {
		t.Fatalf("topic = %q, want %q", envelope.Topic, TopicMessageNew)
	}
	if envelope.Origin != "instance-a" {
		t.Fatalf("origin = %q, want instance-a", envelope.Origin)
	}
	var payload map[string]string
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["id"] != "msg-1" {
		t.Fatalf("payload id = %q, want msg-1", payload["id"])
	}
}

func TestMemorySubscriptionIsTopicScoped(t *testing.T) {
	broker := NewMemory("instance-a")
	defer broker.Close()

	received := make(chan Envelope, 1)
	unsubscribe, err := broker.Subscribe([]Topic{TopicTyping}, func(envelope Envelope) {
		received <- envelope
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	if err := broker.Publish(context.Background(), TopicMessageNew, map[string]string{"id": "msg-1"}); err != nil {
		t.Fatalf("publish other topic: %v", err)
	}
	if err := broker.Publish(context.Background(), TopicTyping, map[string]string{"user_id": "user-a"}); err != nil {
		t.Fatalf("publish typing: %v", err)
	}

	envelope := waitForEnvelope(t, received)
	if envelope.Topic != TopicTyping {
		t.Fatalf("topic = %q, want %q", envelope.Topic, TopicTyping)
	}
	select {
	case extra := <-received:
		t.Fatalf("unexpected second envelope on %q", extra.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryOriginViewsShareOneBroker(t *testing.T) {
	broker := NewMemory("instance-a")
	defer broker.Close()
	instanceB := broker.WithOrigin("instance-b")

	received := make(chan Envelope, 2)
	unsubscribe, err := broker.Subscribe([]Topic{TopicPresence}, func(envelope Envelope) {
		received <- envelope
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	if err := instanceB.Publish(context.Background(), TopicPresence, map[string]bool{"online": true}); err != nil {
		t.Fatalf("publish from instance-b: %v", err)
	}

	envelope := waitForEnvelope(t, received)
	if envelope.Origin != "instance-b" {
		t.Fatalf("origin = %q, want instance-b", envelope.Origin)
	}
}

func TestMemoryRejectsAfterClose(t *testing.T) {
	broker := NewMemory("instance-a")
	if err := broker.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := broker.Publish(context.Background(), TopicMessageNew, "x"); err == nil {
		t.Fatal("publish after close succeeded, want error")
	}
	if _, err := broker.Subscribe([]Topic{TopicMessageNew}, func(Envelope) {}); err == nil {
		t.Fatal("subscribe after close succeeded, want error")
	}
}
