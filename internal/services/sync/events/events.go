// Package events exposes structural domain events to external
// collaborators (notification delivery, matching) independently of the
// internal fan-out bus topics.
package events

import (
	"sync"
	"time"
)

// Kind names one domain event stream.
type Kind string

// Domain event kinds.
const (
	KindMessageCreated Kind = "message.created"
	KindProfileChanged Kind = "profile.changed"
)

// Event is one emitted domain event.
type Event struct {
	Kind    Kind
	At      time.Time
	Payload any
}

// Emitter dispatches domain events to in-process subscribers. Dispatch is
// synchronous and best-effort; subscribers must not block.
type Emitter struct {
	mu      sync.Mutex
	nextSub int
	subs    map[int]func(Event)
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[int]func(Event))}
}

// Subscribe registers fn for all domain events and returns an unsubscribe
// function.
func (e *Emitter) Subscribe(fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}
	e.mu.Lock()
	subID := e.nextSub
	e.nextSub++
	e.subs[subID] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, subID)
		e.mu.Unlock()
	}
}

// Emit dispatches the event to every subscriber.
func (e *Emitter) Emit(event Event) {
	if e == nil {
		return
	}
	e.mu.Lock()
	targets := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		targets = append(targets, fn)
	}
	e.mu.Unlock()

	for _, fn := range targets {
		fn(event)
	}
}
