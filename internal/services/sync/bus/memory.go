package bus

import (
	"context"
	"sync"
)

// Memory is an in-process Bus. A single Memory instance shared by several
// servers behaves like a broker connecting them, which is how multi-instance
// behavior is exercised in tests and how a single-node deployment runs
// without an external broker.
type Memory struct {
	origin string

	mu       sync.Mutex
	nextSub  int
	handlers map[Topic]map[int]Handler
	closed   bool
	wg       sync.WaitGroup
}

// NewMemory creates an in-process bus publishing with the given origin id.
func NewMemory(origin string) *Memory {
	return &Memory{
		origin:   origin,
		handlers: make(map[Topic]map[int]Handler),
	}
}

// WithOrigin returns a view of the same bus that publishes under a
// different origin id, so two logical instances can share one broker.
func (m *Memory) WithOrigin(origin string) Bus {
	return &memoryOrigin{origin: origin, shared: m}
}

// Publish fans the payload out to every subscriber of the topic, including
// subscribers registered through other origins.
func (m *Memory) Publish(ctx context.Context, topic Topic, payload any) error {
	return m.publishFrom(ctx, m.origin, topic, payload)
}

func (m *Memory) publishFrom(ctx context.Context, origin string, topic Topic, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	envelope, err := buildEnvelope(topic, origin, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errBusClosed
	}
	targets := make([]Handler, 0, len(m.handlers[topic]))
	for _, handler := range m.handlers[topic] {
		targets = append(targets, handler)
	}
	m.wg.Add(len(targets))
	m.mu.Unlock()

	for _, handler := range targets {
		go func(h Handler) {
			defer m.wg.Done()
			h(envelope)
		}(handler)
	}
	return nil
}

// Subscribe registers the handler for each topic.
func (m *Memory) Subscribe(topics []Topic, handler Handler) (func(), error) {
	if handler == nil {
		return nil, errNilHandler
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errBusClosed
	}

	subID := m.nextSub
	m.nextSub++
	for _, topic := range topics {
		if m.handlers[topic] == nil {
			m.handlers[topic] = make(map[int]Handler)
		}
		m.handlers[topic][subID] = handler
	}

	subscribed := append([]Topic(nil), topics...)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, topic := range subscribed {
			delete(m.handlers[topic], subID)
		}
	}, nil
}

// Close drops all subscriptions and waits for in-flight dispatches.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.handlers = make(map[Topic]map[int]Handler)
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

type memoryOrigin struct {
	origin string
	shared *Memory
}

func (o *memoryOrigin) Publish(ctx context.Context, topic Topic, payload any) error {
	return o.shared.publishFrom(ctx, o.origin, topic, payload)
}

func (o *memoryOrigin) Subscribe(topics []Topic, handler Handler) (func(), error) {
	return o.shared.Subscribe(topics, handler)
}

// Close is a no-op for an origin view; the shared bus owns the lifecycle.
func (o *memoryOrigin) Close() error { return nil }

var _ Bus = (*Memory)(nil)
var _ Bus = (*memoryOrigin)(nil)
