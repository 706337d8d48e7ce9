// Package storagetest provides an in-memory Store for exercising services
// without a database file.
package storagetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openmutual/realtime/internal/services/sync/storage"
)

type receipt struct {
	delivered bool
	read      bool
}

// Memory implements storage.Store in process memory with the same
// semantics as the sqlite store.
type Memory struct {
	mu            sync.Mutex
	conversations map[string]storage.Conversation
	messages      map[string]storage.Message
	receipts      map[string]map[string]*receipt
	entities      map[string]storage.ProfileEntity
	versions      map[string]int64
	offline       []storage.OfflineEntry
	nextOfflineID int64
	lastSeen      map[string]time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]storage.Conversation),
		messages:      make(map[string]storage.Message),
		receipts:      make(map[string]map[string]*receipt),
		entities:      make(map[string]storage.ProfileEntity),
		versions:      make(map[string]int64),
		lastSeen:      make(map[string]time.Time),
	}
}

var _ storage.Store = (*Memory)(nil)

func cloneConversation(c storage.Conversation) storage.Conversation {
	c.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	unread := make(map[string]int, len(c.Unread))
	for userID, count := range c.Unread {
		unread[userID] = count
	}
	c.Unread = unread
	return c
}

// PutConversation stores the conversation.
func (m *Memory) PutConversation(_ context.Context, conversation storage.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conversation.Unread == nil {
		conversation.Unread = make(map[string]int)
	}
	m.conversations[conversation.ID] = cloneConversation(conversation)
	return nil
}

// GetConversation returns one conversation by id.
func (m *Memory) GetConversation(_ context.Context, conversationID string) (storage.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conversation, ok := m.conversations[conversationID]
	if !ok {
		return storage.Conversation{}, storage.ErrNotFound
	}
	return cloneConversation(conversation), nil
}

// FindDirectConversation matches a two-party direct conversation in either
// participant order.
func (m *Memory) FindDirectConversation(_ context.Context, userA string, userB string) (storage.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conversation := range m.conversations {
		if conversation.Kind != storage.ConversationDirect || len(conversation.ParticipantIDs) != 2 {
			continue
		}
		first, second := conversation.ParticipantIDs[0], conversation.ParticipantIDs[1]
		if (first == userA && second == userB) || (first == userB && second == userA) {
			return cloneConversation(conversation), nil
		}
	}
	return storage.Conversation{}, storage.ErrNotFound
}

// ListConversationsByParticipant returns the user's conversations, most
// recently active first.
func (m *Memory) ListConversationsByParticipant(_ context.Context, userID string) ([]storage.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []storage.Conversation
	for _, conversation := range m.conversations {
		if conversation.HasParticipant(userID) {
			result = append(result, cloneConversation(conversation))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

// SetLastMessage records the newest message and bumps activity.
func (m *Memory) SetLastMessage(_ context.Context, conversationID string, messageID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conversation, ok := m.conversations[conversationID]
	if !ok {
		return storage.ErrNotFound
	}
	conversation.LastMessageID = messageID
	conversation.UpdatedAt = at
	m.conversations[conversationID] = conversation
	return nil
}

// IncrementUnread raises the user's unread counter by one.
func (m *Memory) IncrementUnread(_ context.Context, conversationID string, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conversation, ok := m.conversations[conversationID]
	if !ok {
		return storage.ErrNotFound
	}
	conversation.Unread[userID]++
	return nil
}

// DecrementUnread lowers the counter by one, never below zero.
func (m *Memory) DecrementUnread(_ context.Context, conversationID string, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conversation, ok := m.conversations[conversationID]
	if !ok {
		return storage.ErrNotFound
	}
	if conversation.Unread[userID] > 0 {
		conversation.Unread[userID]--
	}
	return nil
}

// CloseConversation soft-closes the conversation.
func (m *Memory) CloseConversation(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conversation, ok := m.conversations[conversationID]
	if !ok {
		return storage.ErrNotFound
	}
	conversation.Closed = true
	m.conversations[conversationID] = conversation
	return nil
}

// PutMessage stores one message.
func (m *Memory) PutMessage(_ context.Context, message storage.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if message.Status == "" {
		message.Status = storage.StatusSent
	}
	m.messages[message.ID] = message
	return nil
}

// CommitMessage writes the message, unread counters, and last-message
// pointer together. Precondition failures leave the store untouched.
func (m *Memory) CommitMessage(_ context.Context, message storage.Message, recipientUserIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conversation, ok := m.conversations[message.ConversationID]
	if !ok {
		return storage.ErrNotFound
	}
	for _, recipientID := range recipientUserIDs {
		if !conversation.HasParticipant(recipientID) {
			return storage.ErrNotFound
		}
	}

	if message.Status == "" {
		message.Status = storage.StatusSent
	}
	m.messages[message.ID] = message
	for _, recipientID := range recipientUserIDs {
		conversation.Unread[recipientID]++
	}
	conversation.LastMessageID = message.ID
	conversation.UpdatedAt = message.CreatedAt
	m.conversations[message.ConversationID] = conversation
	return nil
}

// GetMessage returns one message by id.
func (m *Memory) GetMessage(_ context.Context, messageID string) (storage.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	message, ok := m.messages[messageID]
	if !ok {
		return storage.Message{}, storage.ErrNotFound
	}
	return message, nil
}

// ListMessagesBefore reads up to limit messages older than beforeMessageID
// in reverse-chronological order.
func (m *Memory) ListMessagesBefore(_ context.Context, conversationID string, limit int, beforeMessageID string) ([]storage.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var anchor *storage.Message
	if beforeMessageID != "" {
		message, ok := m.messages[beforeMessageID]
		if !ok {
			return nil, storage.ErrNotFound
		}
		anchor = &message
	}

	var result []storage.Message
	for _, message := range m.messages {
		if message.ConversationID != conversationID {
			continue
		}
		if anchor != nil {
			if message.CreatedAt.After(anchor.CreatedAt) {
				continue
			}
			if message.CreatedAt.Equal(anchor.CreatedAt) && message.ID >= anchor.ID {
				continue
			}
		}
		result = append(result, message)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// MarkDelivered records the delivered receipt once per (message, recipient).
func (m *Memory) MarkDelivered(_ context.Context, messageID string, recipientUserID string, at time.Time) (bool, error) {
	return m.markReceipt(messageID, recipientUserID, at, false)
}

// MarkRead records the read receipt once per (message, recipient).
func (m *Memory) MarkRead(_ context.Context, messageID string, recipientUserID string, at time.Time) (bool, error) {
	return m.markReceipt(messageID, recipientUserID, at, true)
}

func (m *Memory) markReceipt(messageID string, recipientUserID string, at time.Time, read bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	message, ok := m.messages[messageID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if m.receipts[messageID] == nil {
		m.receipts[messageID] = make(map[string]*receipt)
	}
	r := m.receipts[messageID][recipientUserID]
	if r == nil {
		r = &receipt{}
		m.receipts[messageID][recipientUserID] = r
	}

	if read {
		if r.read {
			return false, nil
		}
		r.read = true
		r.delivered = true
		if message.Status != storage.StatusRead {
			message.Status = storage.StatusRead
			message.StatusChangedAt = at
			m.messages[messageID] = message
		}
		return true, nil
	}

	if r.delivered {
		return false, nil
	}
	r.delivered = true
	if message.Status == storage.StatusSent {
		message.Status = storage.StatusDelivered
		message.StatusChangedAt = at
		m.messages[messageID] = message
	}
	return true, nil
}

// GetEntity returns one profile entity by id.
func (m *Memory) GetEntity(_ context.Context, entityID string) (storage.ProfileEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entity, ok := m.entities[entityID]
	if !ok {
		return storage.ProfileEntity{}, storage.ErrNotFound
	}
	return entity, nil
}

// ListEntitiesByOwner returns the owner's entities, oldest first.
func (m *Memory) ListEntitiesByOwner(_ context.Context, ownerUserID string, includeTerminal bool) ([]storage.ProfileEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []storage.ProfileEntity
	for _, entity := range m.entities {
		if entity.OwnerUserID != ownerUserID {
			continue
		}
		if !includeTerminal && entity.Status != storage.EntityActive {
			continue
		}
		result = append(result, entity)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// CurrentVersion returns the owner's version counter.
func (m *Memory) CurrentVersion(_ context.Context, ownerUserID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[ownerUserID], nil
}

// CommitEntity writes the entity under the per-user version CAS.
func (m *Memory) CommitEntity(_ context.Context, entity storage.ProfileEntity, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.versions[entity.OwnerUserID] != expectedVersion {
		return storage.ErrVersionConflict
	}
	m.versions[entity.OwnerUserID] = expectedVersion + 1
	m.entities[entity.ID] = entity
	return nil
}

// EnqueueOffline appends one entry to the queue.
func (m *Memory) EnqueueOffline(_ context.Context, entry storage.OfflineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextOfflineID++
	entry.ID = m.nextOfflineID
	m.offline = append(m.offline, entry)
	return nil
}

// ListOffline returns unexpired entries in enqueue order.
func (m *Memory) ListOffline(_ context.Context, recipientUserID string, kind storage.OfflineKind, now time.Time) ([]storage.OfflineEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []storage.OfflineEntry
	for _, entry := range m.offline {
		if entry.RecipientUserID != recipientUserID {
			continue
		}
		if kind != "" && entry.Kind != kind {
			continue
		}
		if !entry.ExpiresAt.After(now) {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

// ClearOffline removes the recipient's entries of the kind with id <= upToID.
func (m *Memory) ClearOffline(_ context.Context, recipientUserID string, kind storage.OfflineKind, upToID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.offline[:0]
	for _, entry := range m.offline {
		if entry.RecipientUserID == recipientUserID && entry.Kind == kind && entry.ID <= upToID {
			continue
		}
		kept = append(kept, entry)
	}
	m.offline = kept
	return nil
}

// PurgeExpiredOffline removes entries past their expiry.
func (m *Memory) PurgeExpiredOffline(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	kept := m.offline[:0]
	for _, entry := range m.offline {
		if !entry.ExpiresAt.After(now) {
			purged++
			continue
		}
		kept = append(kept, entry)
	}
	m.offline = kept
	return purged, nil
}

// RecordLastSeen stores the disconnect timestamp.
func (m *Memory) RecordLastSeen(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[userID] = at
	return nil
}

// LastSeen returns the stored disconnect timestamp.
func (m *Memory) LastSeen(_ context.Context, userID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.lastSeen[userID]
	if !ok {
		return time.Time{}, storage.ErrNotFound
	}
	return at, nil
}
