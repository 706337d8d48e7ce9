// Package presence propagates ephemeral state: typing indicators scoped to
// a conversation and online/offline announcements across instances.
// Nothing here is ever persisted.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/openmutual/realtime/internal/services/sync/bus"
	"github.com/openmutual/realtime/internal/services/sync/gateway"
	"github.com/openmutual/realtime/internal/services/sync/storage"
)

// ErrValidation rejects malformed typing requests.
var ErrValidation = errors.New("validation failed")

// EventTypingUpdate is the event type carrying typing state to the other
// participants of a conversation.
const EventTypingUpdate = "typing:update"

const defaultRefreshInterval = 30 * time.Second

// TypingPayload is the wire shape of a typing indicator.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing"`
}

// AnnouncePayload is one presence announcement on the bus. Remote
// instances fold it into their derived presence view.
type AnnouncePayload struct {
	InstanceID string `json:"instance_id"`
	UserID     string `json:"user_id"`
	Online     bool   `json:"online"`
}

// Routes is the gateway surface the propagator consumes.
type Routes interface {
	SendToConversation(conversationID string, event gateway.Event, excludeUserID string) []string
	Online(userID string) bool
	ObserveRemotePresence(instanceID string, userID string, online bool)
	LocalUserIDs() []string
	InstanceID() string
}

// Propagator fans out typing indicators and keeps remote instances'
// presence views fresh with periodic announcements.
type Propagator struct {
	bus             bus.Bus
	routes          Routes
	conversations   storage.ConversationStore
	refreshInterval time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewPropagator constructs a stopped propagator; call StartRefresh to
// begin periodic presence announcements.
func NewPropagator(b bus.Bus, routes Routes, conversations storage.ConversationStore, refreshInterval time.Duration) *Propagator {
	if refreshInterval <= 0 {
		refreshInterval = defaultRefreshInterval
	}
	return &Propagator{
		bus:             b,
		routes:          routes,
		conversations:   conversations,
		refreshInterval: refreshInterval,
	}
}

// SetTyping broadcasts the user's typing state to the conversation's other
// participants, locally and across instances. The indicator is never
// echoed back to its author.
func (p *Propagator) SetTyping(ctx context.Context, userID string, conversationID string, typing bool) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if conversationID == "" {
		return fmt.Errorf("%w: conversation id is required", ErrValidation)
	}
	conversation, err := p.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conversation.HasParticipant(userID) {
		return storage.ErrNotFound
	}

	indicator := TypingPayload{ConversationID: conversationID, UserID: userID, Typing: typing}
	p.dispatchTyping(indicator)
	if err := p.bus.Publish(ctx, bus.TopicTyping, indicator); err != nil {
		log.Printf("presence: publish typing conversation=%s: %v", conversationID, err)
	}
	return nil
}

// HandleRemoteTyping re-dispatches a typing indicator received from
// another instance to local channels.
func (p *Propagator) HandleRemoteTyping(indicator TypingPayload) {
	p.dispatchTyping(indicator)
}

func (p *Propagator) dispatchTyping(indicator TypingPayload) {
	payload, err := json.Marshal(indicator)
	if err != nil {
		log.Printf("presence: marshal typing conversation=%s: %v", indicator.ConversationID, err)
		return
	}
	p.routes.SendToConversation(indicator.ConversationID, gateway.Event{
		Type:    EventTypingUpdate,
		Payload: payload,
	}, indicator.UserID)
}

// Online reports whether the user is reachable on any instance.
func (p *Propagator) Online(userID string) bool {
	return p.routes.Online(userID)
}

// AnnounceChange publishes one presence transition. Wire it to the
// gateway's OnPresenceChange hook.
func (p *Propagator) AnnounceChange(userID string, online bool) {
	announcement := AnnouncePayload{
		InstanceID: p.routes.InstanceID(),
		UserID:     userID,
		Online:     online,
	}
	if err := p.bus.Publish(context.Background(), bus.TopicPresence, announcement); err != nil {
		log.Printf("presence: publish announcement user=%q: %v", userID, err)
	}
}

// HandleRemoteAnnouncement folds one announcement from another instance
// into the local derived presence view.
func (p *Propagator) HandleRemoteAnnouncement(announcement AnnouncePayload) {
	p.routes.ObserveRemotePresence(announcement.InstanceID, announcement.UserID, announcement.Online)
}

// StartRefresh launches the periodic announcement loop that keeps this
// instance's users fresh in remote presence views.
func (p *Propagator) StartRefresh() {
	p.mu.Lock()
	if p.stop != nil {
		p.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	p.stop = stop
	p.done = done
	p.mu.Unlock()

	go p.refreshLoop(stop, done)
}

// StopRefresh stops the announcement loop and waits for it to exit.
func (p *Propagator) StopRefresh() {
	p.mu.Lock()
	stop := p.stop
	done := p.done
	p.stop = nil
	p.done = nil
	p.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (p *Propagator) refreshLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, userID := range p.routes.LocalUserIDs() {
				p.AnnounceChange(userID, true)
			}
		}
	}
}
