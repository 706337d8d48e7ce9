// Package gateway tracks live client channels on one server instance:
// which channels belong to which user and conversation, channel liveness
// via heartbeat, and a merged local/remote presence view.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/openmutual/realtime/internal/platform/id"
)

// Event is one server-to-client frame.
type Event struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Sink is the transport half of a channel. Implementations must be safe
// for concurrent writes.
type Sink interface {
	WriteEvent(event Event) error
	Close() error
}

// LastSeenRecorder persists the disconnect timestamp used by offline queue
// retention decisions.
type LastSeenRecorder interface {
	RecordLastSeen(ctx context.Context, userID string, at time.Time) error
}

// Channel is one registered client connection.
type Channel struct {
	id     string
	userID string
	sink   Sink

	mu            sync.Mutex
	conversations map[string]struct{}
	lastAck       time.Time
	closed        bool
}

// ID returns the channel identifier.
func (c *Channel) ID() string { return c.id }

// UserID returns the authenticated owner of the channel.
func (c *Channel) UserID() string { return c.userID }

// Ack records a heartbeat acknowledgment.
func (c *Channel) Ack(at time.Time) {
	c.mu.Lock()
	c.lastAck = at
	c.mu.Unlock()
}

// Send writes one event to the channel transport.
func (c *Channel) Send(event Event) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errChannelClosed
	}
	return c.sink.WriteEvent(event)
}

func (c *Channel) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Channel) inConversation(conversationID string) bool {
	c.mu.Lock()
	_, ok := c.conversations[conversationID]
	c.mu.Unlock()
	return ok
}

var errChannelClosed = errors.New("channel is closed")

// Options configures a Registry.
type Options struct {
	InstanceID        string
	HeartbeatInterval time.Duration
	HeartbeatDeadline time.Duration
	// PresenceTTL bounds how long a remote presence announcement stays
	// valid without a refresh.
	PresenceTTL time.Duration
	Clock       func() time.Time
	LastSeen    LastSeenRecorder
	// OnPresenceChange fires when a user's first local channel connects
	// or their last local channel disconnects.
	OnPresenceChange func(userID string, online bool)
}

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultHeartbeatDeadline = 5 * time.Second
	defaultPresenceTTL       = 90 * time.Second
)

// Registry is the process-local routing table for live channels.
type Registry struct {
	instanceID        string
	heartbeatInterval time.Duration
	heartbeatDeadline time.Duration
	presenceTTL       time.Duration
	clock             func() time.Time
	lastSeen          LastSeenRecorder
	onPresenceChange  func(string, bool)

	mu             sync.Mutex
	byUser         map[string]map[*Channel]struct{}
	byConversation map[string]map[*Channel]struct{}
	remote         map[string]map[string]time.Time

	heartbeatStop chan struct{}
	heartbeatDone chan struct{}
}

// NewRegistry creates an empty routing table.
func NewRegistry(options Options) *Registry {
	if options.HeartbeatInterval <= 0 {
		options.HeartbeatInterval = defaultHeartbeatInterval
	}
	if options.HeartbeatDeadline <= 0 {
		options.HeartbeatDeadline = defaultHeartbeatDeadline
	}
	if options.PresenceTTL <= 0 {
		options.PresenceTTL = defaultPresenceTTL
	}
	if options.Clock == nil {
		options.Clock = time.Now
	}
	return &Registry{
		instanceID:        strings.TrimSpace(options.InstanceID),
		heartbeatInterval: options.HeartbeatInterval,
		heartbeatDeadline: options.HeartbeatDeadline,
		presenceTTL:       options.PresenceTTL,
		clock:             options.Clock,
		lastSeen:          options.LastSeen,
		onPresenceChange:  options.OnPresenceChange,
		byUser:            make(map[string]map[*Channel]struct{}),
		byConversation:    make(map[string]map[*Channel]struct{}),
		remote:            make(map[string]map[string]time.Time),
	}
}

// InstanceID returns this instance's identifier.
func (g *Registry) InstanceID() string { return g.instanceID }

// Connect registers a new channel for the user.
func (g *Registry) Connect(userID string, sink Sink) (*Channel, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	channelID, err := id.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate channel id: %w", err)
	}

	channel := &Channel{
		id:            channelID,
		userID:        userID,
		sink:          sink,
		conversations: make(map[string]struct{}),
		lastAck:       g.clock(),
	}

	g.mu.Lock()
	first := len(g.byUser[userID]) == 0
	if g.byUser[userID] == nil {
		g.byUser[userID] = make(map[*Channel]struct{})
	}
	g.byUser[userID][channel] = struct{}{}
	g.mu.Unlock()

	if first && g.onPresenceChange != nil {
		g.onPresenceChange(userID, true)
	}
	return channel, nil
}

// Join subscribes the channel to a conversation's local routing.
func (g *Registry) Join(channel *Channel, conversationID string) {
	if channel == nil {
		return
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return
	}

	channel.mu.Lock()
	channel.conversations[conversationID] = struct{}{}
	channel.mu.Unlock()

	g.mu.Lock()
	if g.byConversation[conversationID] == nil {
		g.byConversation[conversationID] = make(map[*Channel]struct{})
	}
	g.byConversation[conversationID][channel] = struct{}{}
	g.mu.Unlock()
}

// JoinUser subscribes every local channel of the user to the conversation.
// Used when a conversation is created after its participants connected.
func (g *Registry) JoinUser(userID string, conversationID string) {
	g.mu.Lock()
	channels := make([]*Channel, 0, len(g.byUser[userID]))
	for channel := range g.byUser[userID] {
		channels = append(channels, channel)
	}
	g.mu.Unlock()

	for _, channel := range channels {
		g.Join(channel, conversationID)
	}
}

// Disconnect removes the channel from local routing and records the user's
// last-seen timestamp. It touches no cross-instance state. A channel that
// was already removed, such as after a heartbeat force-disconnect followed
// by the transport's own cleanup, is a no-op.
func (g *Registry) Disconnect(channel *Channel) {
	if channel == nil {
		return
	}
	channel.markClosed()

	g.mu.Lock()
	channels, registered := g.byUser[channel.userID]
	if registered {
		_, registered = channels[channel]
	}
	if !registered {
		g.mu.Unlock()
		return
	}
	delete(channels, channel)
	if len(channels) == 0 {
		delete(g.byUser, channel.userID)
	}
	for conversationID, channels := range g.byConversation {
		delete(channels, channel)
		if len(channels) == 0 {
			delete(g.byConversation, conversationID)
		}
	}
	last := len(g.byUser[channel.userID]) == 0
	g.mu.Unlock()

	if g.lastSeen != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := g.lastSeen.RecordLastSeen(ctx, channel.userID, g.clock()); err != nil {
			log.Printf("gateway: record last seen user=%q: %v", channel.userID, err)
		}
		cancel()
	}
	if last && g.onPresenceChange != nil {
		g.onPresenceChange(channel.userID, false)
	}
}

// SendToUser delivers the event to every local channel of the user and
// returns how many channels accepted it.
func (g *Registry) SendToUser(userID string, event Event) int {
	return g.SendToUserExcept(userID, "", event)
}

// SendToUserExcept delivers the event to the user's local channels,
// skipping the named channel.
func (g *Registry) SendToUserExcept(userID string, exceptChannelID string, event Event) int {
	g.mu.Lock()
	targets := make([]*Channel, 0, len(g.byUser[userID]))
	for channel := range g.byUser[userID] {
		if exceptChannelID != "" && channel.id == exceptChannelID {
			continue
		}
		targets = append(targets, channel)
	}
	g.mu.Unlock()

	delivered := 0
	for _, channel := range targets {
		if err := channel.Send(event); err == nil {
			delivered++
		}
	}
	return delivered
}

// SendToConversation delivers the event to every local channel joined to
// the conversation, skipping channels owned by excludeUserID. It returns
// the distinct user ids that received the event.
func (g *Registry) SendToConversation(conversationID string, event Event, excludeUserID string) []string {
	g.mu.Lock()
	targets := make([]*Channel, 0, len(g.byConversation[conversationID]))
	for channel := range g.byConversation[conversationID] {
		if excludeUserID != "" && channel.userID == excludeUserID {
			continue
		}
		targets = append(targets, channel)
	}
	g.mu.Unlock()

	seen := make(map[string]struct{})
	for _, channel := range targets {
		if err := channel.Send(event); err == nil {
			seen[channel.userID] = struct{}{}
		}
	}
	users := make([]string, 0, len(seen))
	for userID := range seen {
		users = append(users, userID)
	}
	return users
}

// OnlineLocally reports whether the user has at least one channel on this
// instance.
func (g *Registry) OnlineLocally(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.byUser[userID]) > 0
}

// Online reports whether the user has a live channel on this instance or a
// fresh presence announcement from another instance. Presence is derived,
// never stored.
func (g *Registry) Online(userID string) bool {
	now := g.clock()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.byUser[userID]) > 0 {
		return true
	}
	for instanceID, seenAt := range g.remote[userID] {
		if now.Sub(seenAt) <= g.presenceTTL {
			return true
		}
		delete(g.remote[userID], instanceID)
	}
	if len(g.remote[userID]) == 0 {
		delete(g.remote, userID)
	}
	return false
}

// ObserveRemotePresence folds one presence announcement from another
// instance into the derived view.
func (g *Registry) ObserveRemotePresence(instanceID string, userID string, online bool) {
	instanceID = strings.TrimSpace(instanceID)
	userID = strings.TrimSpace(userID)
	if instanceID == "" || userID == "" || instanceID == g.instanceID {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !online {
		if instances, ok := g.remote[userID]; ok {
			delete(instances, instanceID)
			if len(instances) == 0 {
				delete(g.remote, userID)
			}
		}
		return
	}
	if g.remote[userID] == nil {
		g.remote[userID] = make(map[string]time.Time)
	}
	g.remote[userID][instanceID] = g.clock()
}

// LocalUserIDs returns the users with at least one channel on this
// instance, for periodic presence refresh.
func (g *Registry) LocalUserIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	users := make([]string, 0, len(g.byUser))
	for userID := range g.byUser {
		users = append(users, userID)
	}
	return users
}
