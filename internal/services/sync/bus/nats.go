package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/nats-io/nats.go"
)

// NATS is a Bus backed by a NATS broker. Core NATS gives at-least-once,
// per-publisher-ordered delivery within a subject, which matches the
// fan-out contract.
type NATS struct {
	origin string
	conn   *nats.Conn
}

// ConnectNATS connects to the broker at url and publishes under origin.
func ConnectNATS(url string, origin string) (*NATS, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	conn, err := nats.Connect(url,
		nats.Name("openmutual-sync"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("bus: nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Printf("bus: nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATS{origin: origin, conn: conn}, nil
}

// Publish marshals the envelope and publishes it on the topic subject.
func (n *NATS) Publish(ctx context.Context, topic Topic, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n == nil || n.conn == nil {
		return fmt.Errorf("nats bus is not connected")
	}
	envelope, err := buildEnvelope(topic, n.origin, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal bus envelope: %w", err)
	}
	if err := n.conn.Publish(string(topic), data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers the handler for each topic subject.
func (n *NATS) Subscribe(topics []Topic, handler Handler) (func(), error) {
	if handler == nil {
		return nil, errNilHandler
	}
	if n == nil || n.conn == nil {
		return nil, fmt.Errorf("nats bus is not connected")
	}

	subs := make([]*nats.Subscription, 0, len(topics))
	for _, topic := range topics {
		topic := topic
		sub, err := n.conn.Subscribe(string(topic), func(msg *nats.Msg) {
			var envelope Envelope
			if err := json.Unmarshal(msg.Data, &envelope); err != nil {
				log.Printf("bus: drop malformed envelope on %s: %v", topic, err)
				return
			}
			envelope.Topic = topic
			handler(envelope)
		})
		if err != nil {
			for _, earlier := range subs {
				_ = earlier.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}

	return func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}, nil
}

// Close drains the connection.
func (n *NATS) Close() error {
	if n == nil || n.conn == nil {
		return nil
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}

var _ Bus = (*NATS)(nil)
