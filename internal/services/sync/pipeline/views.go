package pipeline

import (
	"time"

	"github.com/openmutual/realtime/internal/services/sync/storage"
)

// MessageView is the wire shape of a message sent to clients, queued
// offline, and published on the bus.
type MessageView struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Kind           string    `json:"kind"`
	Body           string    `json:"body"`
	Status         string    `json:"status"`
	ReplyToID      string    `json:"reply_to_id,omitempty"`
	AttachmentRefs []string  `json:"attachment_refs,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewMessageView converts a stored message to its wire shape.
func NewMessageView(message storage.Message) MessageView {
	return MessageView{
		ID:             message.ID,
		ConversationID: message.ConversationID,
		SenderID:       message.SenderID,
		Kind:           string(message.Kind),
		Body:           message.Body,
		Status:         string(message.Status),
		ReplyToID:      message.ReplyToID,
		AttachmentRefs: message.AttachmentRefs,
		CreatedAt:      message.CreatedAt,
	}
}

// ConversationView is the wire shape of a conversation for one participant.
type ConversationView struct {
	ID             string       `json:"id"`
	Kind           string       `json:"kind"`
	ParticipantIDs []string     `json:"participant_ids"`
	Unread         int          `json:"unread"`
	Closed         bool         `json:"closed"`
	LastMessage    *MessageView `json:"last_message,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// NewMessagePayload crosses the bus when a message is created.
type NewMessagePayload struct {
	Message        MessageView `json:"message"`
	ParticipantIDs []string    `json:"participant_ids"`
}

// ReceiptPayload crosses the bus on delivered and read transitions.
type ReceiptPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	UserID         string `json:"user_id"`
	Status         string `json:"status"`
}
