// Package storage defines persistence contracts for the realtime sync core:
// conversations, messages, profile entities with per-user versions, the
// offline queue, and last-seen bookkeeping.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrVersionConflict indicates a profile write lost the per-user
// compare-and-set version race and should be retried against the current
// version.
var ErrVersionConflict = errors.New("profile version conflict")

// ConversationKind describes the shape of a conversation.
type ConversationKind string

// Conversation kinds.
const (
	ConversationDirect       ConversationKind = "direct"
	ConversationNegotiation  ConversationKind = "negotiation"
	ConversationIntroduction ConversationKind = "introduction"
)

// MessageKind describes the payload class of a message.
type MessageKind string

// Message kinds.
const (
	MessageText         MessageKind = "text"
	MessageSystem       MessageKind = "system"
	MessageIntroduction MessageKind = "introduction"
	MessageProposal     MessageKind = "proposal"
)

// MessageStatus is the monotonic delivery state of a message.
type MessageStatus string

// Message statuses, ordered sent < delivered < read.
const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// EntityKind distinguishes the two profile entity families.
type EntityKind string

// Profile entity kinds.
const (
	EntityNeed     EntityKind = "need"
	EntityOffering EntityKind = "offering"
)

// EntityStatus is the lifecycle state of a profile entity. Terminal
// statuses act as soft deletes; rows are never physically removed.
type EntityStatus string

// Profile entity statuses.
const (
	EntityActive      EntityStatus = "active"
	EntityFulfilled   EntityStatus = "fulfilled"
	EntityExpired     EntityStatus = "expired"
	EntityUnavailable EntityStatus = "unavailable"
)

// IsTerminal reports whether the status soft-deletes the entity.
func (s EntityStatus) IsTerminal() bool {
	return s == EntityFulfilled || s == EntityExpired || s == EntityUnavailable
}

// OfflineKind classifies offline queue payloads.
type OfflineKind string

// Offline queue payload kinds.
const (
	OfflineMessage      OfflineKind = "message"
	OfflineProfileDelta OfflineKind = "profile_delta"
)

// Conversation stores one conversation with its participant roster and
// per-participant unread counters.
type Conversation struct {
	ID             string
	Kind           ConversationKind
	ParticipantIDs []string
	LastMessageID  string
	Closed         bool
	Unread         map[string]int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Message stores one immutable chat message. Only Status and
// StatusChangedAt transition after creation.
type Message struct {
	ID              string
	ConversationID  string
	SenderID        string
	Kind            MessageKind
	Body            string
	Status          MessageStatus
	ReplyToID       string
	AttachmentRefs  []string
	CreatedAt       time.Time
	StatusChangedAt time.Time
}

// ProfileEntity stores one need or offering owned by a single user.
// Version is the owner's profile version at the last write of this row.
type ProfileEntity struct {
	ID          string
	OwnerUserID string
	Kind        EntityKind
	Category    string
	Title       string
	Description string
	Status      EntityStatus
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OfflineEntry stores one queued payload for a disconnected recipient.
type OfflineEntry struct {
	ID              int64
	RecipientUserID string
	Kind            OfflineKind
	PayloadJSON     string
	EnqueuedAt      time.Time
	ExpiresAt       time.Time
}

// ConversationStore persists conversations and unread counters.
type ConversationStore interface {
	PutConversation(ctx context.Context, conversation Conversation) error
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	// FindDirectConversation returns the direct conversation between two
	// users regardless of participant order, or ErrNotFound.
	FindDirectConversation(ctx context.Context, userA string, userB string) (Conversation, error)
	ListConversationsByParticipant(ctx context.Context, userID string) ([]Conversation, error)
	SetLastMessage(ctx context.Context, conversationID string, messageID string, at time.Time) error
	IncrementUnread(ctx context.Context, conversationID string, userID string) error
	// DecrementUnread lowers the counter by one, never below zero.
	DecrementUnread(ctx context.Context, conversationID string, userID string) error
	CloseConversation(ctx context.Context, conversationID string) error
}

// MessageStore persists messages and per-recipient receipts.
type MessageStore interface {
	PutMessage(ctx context.Context, message Message) error
	// CommitMessage writes the message, bumps each recipient's unread
	// counter, and points the conversation at the new message in one
	// transaction. A failure leaves no partial state behind.
	CommitMessage(ctx context.Context, message Message, recipientUserIDs []string) error
	GetMessage(ctx context.Context, messageID string) (Message, error)
	// ListMessagesBefore reads up to limit messages older than
	// beforeMessageID (or the newest messages when it is empty) in
	// reverse-chronological order.
	ListMessagesBefore(ctx context.Context, conversationID string, limit int, beforeMessageID string) ([]Message, error)
	// MarkDelivered records the delivered receipt for one recipient and
	// advances message status if it is still "sent". Returns false when
	// the receipt already existed.
	MarkDelivered(ctx context.Context, messageID string, recipientUserID string, at time.Time) (bool, error)
	// MarkRead records the read receipt for one recipient and advances
	// message status. Returns false when the recipient already read the
	// message.
	MarkRead(ctx context.Context, messageID string, recipientUserID string, at time.Time) (bool, error)
}

// ProfileStore persists profile entities under a per-user monotonic
// version counter.
type ProfileStore interface {
	GetEntity(ctx context.Context, entityID string) (ProfileEntity, error)
	ListEntitiesByOwner(ctx context.Context, ownerUserID string, includeTerminal bool) ([]ProfileEntity, error)
	CurrentVersion(ctx context.Context, ownerUserID string) (int64, error)
	// CommitEntity writes the entity and bumps the owner's version from
	// expectedVersion to expectedVersion+1 in one transaction. It returns
	// ErrVersionConflict when another write won the race.
	CommitEntity(ctx context.Context, entity ProfileEntity, expectedVersion int64) error
}

// OfflineQueueStore persists undelivered payloads per recipient.
type OfflineQueueStore interface {
	EnqueueOffline(ctx context.Context, entry OfflineEntry) error
	// ListOffline returns unexpired entries for the recipient in enqueue
	// order, optionally filtered by kind (empty kind matches all).
	ListOffline(ctx context.Context, recipientUserID string, kind OfflineKind, now time.Time) ([]OfflineEntry, error)
	// ClearOffline removes the recipient's entries of the given kind with
	// id <= upToID.
	ClearOffline(ctx context.Context, recipientUserID string, kind OfflineKind, upToID int64) error
	// PurgeExpiredOffline removes entries past their expiry.
	PurgeExpiredOffline(ctx context.Context, now time.Time) (int64, error)
}

// LastSeenStore records when a user's last channel disconnected.
type LastSeenStore interface {
	RecordLastSeen(ctx context.Context, userID string, at time.Time) error
	LastSeen(ctx context.Context, userID string) (time.Time, error)
}

// Store aggregates every persistence contract the sync core consumes.
type Store interface {
	ConversationStore
	MessageStore
	ProfileStore
	OfflineQueueStore
	LastSeenStore
}
