// Package bus defines the fan-out contract used to propagate realtime
// events between server instances that do not share memory.
//
// Delivery is at-least-once and unordered across topics; consumers must be
// idempotent by payload id. Envelopes carry the publishing instance id so
// subscribers can skip events they produced themselves.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	errBusClosed  = errors.New("bus is closed")
	errNilHandler = errors.New("handler is required")
)

// Topic names one structural event stream.
type Topic string

// Structural topics every instance subscribes to at startup.
const (
	TopicMessageNew       Topic = "sync.message.new"
	TopicMessageDelivered Topic = "sync.message.delivered"
	TopicMessageRead      Topic = "sync.message.read"
	TopicTyping           Topic = "sync.typing"
	TopicProfileDelta     Topic = "sync.profile.delta"
	TopicPresence         Topic = "sync.presence"
)

// AllTopics lists every structural topic.
func AllTopics() []Topic {
	return []Topic{
		TopicMessageNew,
		TopicMessageDelivered,
		TopicMessageRead,
		TopicTyping,
		TopicProfileDelta,
		TopicPresence,
	}
}

// Envelope wraps one published payload with its topic and origin instance.
type Envelope struct {
	Topic   Topic           `json:"topic"`
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// Handler consumes one received envelope. Handlers run outside the
// publisher's call path and must not block for long.
type Handler func(Envelope)

// Bus is the cross-instance fan-out contract.
type Bus interface {
	// Publish marshals payload and fans it out on topic.
	Publish(ctx context.Context, topic Topic, payload any) error
	// Subscribe registers handler for the given topics and returns an
	// unsubscribe function.
	Subscribe(topics []Topic, handler Handler) (func(), error)
	Close() error
}

func buildEnvelope(topic Topic, origin string, payload any) (Envelope, error) {
	if strings.TrimSpace(string(topic)) == "" {
		return Envelope{}, fmt.Errorf("topic is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal bus payload: %w", err)
	}
	return Envelope{Topic: topic, Origin: origin, Payload: raw}, nil
}
