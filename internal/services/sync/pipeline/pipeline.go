// Package pipeline validates, persists, and fans out chat messages: unread
// accounting, burst batching, receipts, history, and the offline queue for
// disconnected recipients.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/openmutual/realtime/internal/platform/id"
	"github.com/openmutual/realtime/internal/platform/timeouts"
	"github.com/openmutual/realtime/internal/services/sync/bus"
	"github.com/openmutual/realtime/internal/services/sync/events"
	"github.com/openmutual/realtime/internal/services/sync/gateway"
	"github.com/openmutual/realtime/internal/services/sync/storage"
)

// Validation failures reject the request before any side effect.
var (
	ErrValidation         = errors.New("validation failed")
	ErrSenderRequired     = fmt.Errorf("%w: sender id is required", ErrValidation)
	ErrRecipientRequired  = fmt.Errorf("%w: recipient id or conversation id is required", ErrValidation)
	ErrSelfConversation   = fmt.Errorf("%w: recipient must differ from sender", ErrValidation)
	ErrBodyRequired       = fmt.Errorf("%w: message body is required", ErrValidation)
	ErrBodyTooLong        = fmt.Errorf("%w: message body exceeds %d characters", ErrValidation, maxBodyRunes)
	ErrConversationClosed = fmt.Errorf("%w: conversation is closed", ErrValidation)
)

const (
	maxBodyRunes        = 2000
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	offlineMessageTTL   = 7 * 24 * time.Hour
	sendDedupeTTL       = 5 * time.Minute
)

// Event types emitted to clients.
const (
	EventMessageNew       = "message:new"
	EventMessagesBatch    = "messages:batch"
	EventMessageDelivered = "message:delivered"
	EventMessageRead      = "message:read"
)

// Routes is the local channel routing surface the pipeline fans out
// through.
type Routes interface {
	SendToUser(userID string, event gateway.Event) int
	SendToConversation(conversationID string, event gateway.Event, excludeUserID string) []string
	JoinUser(userID string, conversationID string)
	Online(userID string) bool
}

// Config wires a pipeline Service.
type Config struct {
	Store         storage.Store
	Bus           bus.Bus
	Routes        Routes
	Emitter       *events.Emitter
	MaxBatch      int
	FlushInterval time.Duration
	Clock         func() time.Time
	NewID         func() (string, error)
}

// Service is the message pipeline.
type Service struct {
	store   storage.Store
	bus     bus.Bus
	routes  Routes
	emitter *events.Emitter
	batcher *Batcher
	clock   func() time.Time
	newID   func() (string, error)

	recentMu sync.Mutex
	recent   map[string]recentSend
}

// recentSend records a persisted message id by (sender, temp id) so client
// retries of the same send return the original ack instead of duplicating
// the message.
type recentSend struct {
	messageID string
	at        time.Time
}

// NewService constructs a stopped pipeline; call Start to begin batch
// sweeps.
func NewService(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = id.NewID
	}
	s := &Service{
		store:   cfg.Store,
		bus:     cfg.Bus,
		routes:  cfg.Routes,
		emitter: cfg.Emitter,
		clock:   cfg.Clock,
		newID:   cfg.NewID,
		recent:  make(map[string]recentSend),
	}
	s.batcher = NewBatcher(s.flushBatch, cfg.MaxBatch, cfg.FlushInterval)
	return s
}

// Start launches the batch sweep loop.
func (s *Service) Start() { s.batcher.Start() }

// Stop halts the sweep loop, flushing anything still buffered.
func (s *Service) Stop() { s.batcher.Stop() }

// SendMessageInput describes one outgoing message. Either RecipientID (for
// direct conversations, created on first contact) or ConversationID must
// be set.
type SendMessageInput struct {
	SenderID       string
	RecipientID    string
	ConversationID string
	Kind           storage.MessageKind
	Body           string
	ReplyToID      string
	AttachmentRefs []string
	// TempID is the client's optimistic-UI correlation id. Retries with
	// the same TempID return the originally persisted message.
	TempID string
}

// SendMessage validates the message and commits it together with the
// recipients' unread counters and the conversation's last-message pointer,
// then buffers it for batched broadcast, publishes the new-message event,
// and queues it offline for recipients with no open channel anywhere.
// Persistence errors abort with nothing committed; fan-out and
// offline-queue failures after the commit are logged and never roll the
// message back.
func (s *Service) SendMessage(ctx context.Context, input SendMessageInput) (storage.Message, storage.Conversation, error) {
	senderID := input.SenderID
	if senderID == "" {
		return storage.Message{}, storage.Conversation{}, ErrSenderRequired
	}
	if input.Body == "" {
		return storage.Message{}, storage.Conversation{}, ErrBodyRequired
	}
	if utf8.RuneCountInString(input.Body) > maxBodyRunes {
		return storage.Message{}, storage.Conversation{}, ErrBodyTooLong
	}
	kind := input.Kind
	if kind == "" {
		kind = storage.MessageText
	}

	if input.TempID != "" {
		if message, conversation, ok := s.lookupRecentSend(ctx, senderID, input.TempID); ok {
			return message, conversation, nil
		}
	}

	conversation, err := s.resolveConversation(ctx, senderID, input.RecipientID, input.ConversationID)
	if err != nil {
		return storage.Message{}, storage.Conversation{}, err
	}
	if conversation.Closed {
		return storage.Message{}, storage.Conversation{}, ErrConversationClosed
	}

	messageID, err := s.newID()
	if err != nil {
		return storage.Message{}, storage.Conversation{}, fmt.Errorf("generate message id: %w", err)
	}
	now := s.clock().UTC()
	message := storage.Message{
		ID:              messageID,
		ConversationID:  conversation.ID,
		SenderID:        senderID,
		Kind:            kind,
		Body:            input.Body,
		Status:          storage.StatusSent,
		ReplyToID:       input.ReplyToID,
		AttachmentRefs:  input.AttachmentRefs,
		CreatedAt:       now,
		StatusChangedAt: now,
	}
	recipients := make([]string, 0, len(conversation.ParticipantIDs))
	for _, participantID := range conversation.ParticipantIDs {
		if participantID != senderID {
			recipients = append(recipients, participantID)
		}
	}
	if err := s.store.CommitMessage(ctx, message, recipients); err != nil {
		return storage.Message{}, storage.Conversation{}, fmt.Errorf("commit message: %w", err)
	}
	// Remembered only after the commit, so a failed send stays retryable
	// under the same temp id.
	if input.TempID != "" {
		s.rememberSend(senderID, input.TempID, message.ID, now)
	}

	// The message is durable from here on; everything below is
	// best-effort propagation.
	s.batcher.Add(conversation, message)

	if err := s.bus.Publish(ctx, bus.TopicMessageNew, NewMessagePayload{
		Message:        NewMessageView(message),
		ParticipantIDs: conversation.ParticipantIDs,
	}); err != nil {
		log.Printf("pipeline: publish new message id=%s: %v", message.ID, err)
	}

	s.emitter.Emit(events.Event{Kind: events.KindMessageCreated, At: now, Payload: NewMessageView(message)})

	for _, participantID := range conversation.ParticipantIDs {
		if participantID == senderID {
			continue
		}
		if s.routes.Online(participantID) {
			continue
		}
		s.enqueueOfflineMessage(ctx, participantID, message, now)
	}

	return message, conversation, nil
}

func (s *Service) lookupRecentSend(ctx context.Context, senderID string, tempID string) (storage.Message, storage.Conversation, bool) {
	key := senderID + "\x00" + tempID
	now := s.clock()

	s.recentMu.Lock()
	entry, ok := s.recent[key]
	if ok && now.Sub(entry.at) > sendDedupeTTL {
		delete(s.recent, key)
		ok = false
	}
	s.recentMu.Unlock()
	if !ok {
		return storage.Message{}, storage.Conversation{}, false
	}

	message, err := s.store.GetMessage(ctx, entry.messageID)
	if err != nil {
		return storage.Message{}, storage.Conversation{}, false
	}
	conversation, err := s.store.GetConversation(ctx, message.ConversationID)
	if err != nil {
		return storage.Message{}, storage.Conversation{}, false
	}
	return message, conversation, true
}

func (s *Service) rememberSend(senderID string, tempID string, messageID string, now time.Time) {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	for key, entry := range s.recent {
		if now.Sub(entry.at) > sendDedupeTTL {
			delete(s.recent, key)
		}
	}
	s.recent[senderID+"\x00"+tempID] = recentSend{messageID: messageID, at: now}
}

func (s *Service) resolveConversation(ctx context.Context, senderID string, recipientID string, conversationID string) (storage.Conversation, error) {
	if conversationID != "" {
		conversation, err := s.store.GetConversation(ctx, conversationID)
		if err != nil {
			return storage.Conversation{}, err
		}
		if !conversation.HasParticipant(senderID) {
			return storage.Conversation{}, storage.ErrNotFound
		}
		return conversation, nil
	}

	if recipientID == "" {
		return storage.Conversation{}, ErrRecipientRequired
	}
	if recipientID == senderID {
		return storage.Conversation{}, ErrSelfConversation
	}

	conversation, err := s.store.FindDirectConversation(ctx, senderID, recipientID)
	if err == nil {
		return conversation, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Conversation{}, err
	}

	newConversationID, err := s.newID()
	if err != nil {
		return storage.Conversation{}, fmt.Errorf("generate conversation id: %w", err)
	}
	now := s.clock().UTC()
	conversation = storage.Conversation{
		ID:             newConversationID,
		Kind:           storage.ConversationDirect,
		ParticipantIDs: []string{senderID, recipientID},
		Unread:         map[string]int{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.PutConversation(ctx, conversation); err != nil {
		return storage.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	s.routes.JoinUser(senderID, conversation.ID)
	s.routes.JoinUser(recipientID, conversation.ID)
	return conversation, nil
}

func (s *Service) enqueueOfflineMessage(ctx context.Context, recipientID string, message storage.Message, now time.Time) {
	payload, err := json.Marshal(NewMessageView(message))
	if err != nil {
		log.Printf("pipeline: marshal offline message id=%s: %v", message.ID, err)
		return
	}
	entry := storage.OfflineEntry{
		RecipientUserID: recipientID,
		Kind:            storage.OfflineMessage,
		PayloadJSON:     string(payload),
		EnqueuedAt:      now,
		ExpiresAt:       now.Add(offlineMessageTTL),
	}
	if err := s.store.EnqueueOffline(ctx, entry); err != nil {
		log.Printf("pipeline: enqueue offline message id=%s recipient=%q: %v", message.ID, recipientID, err)
	}
}

func (s *Service) flushBatch(conversationID string, participantIDs []string, messages []storage.Message) {
	if len(messages) == 0 {
		return
	}

	event, err := batchEvent(conversationID, messages)
	if err != nil {
		log.Printf("pipeline: build batch event conversation=%s: %v", conversationID, err)
		return
	}
	deliveredUsers := s.routes.SendToConversation(conversationID, event, "")

	ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreOp)
	defer cancel()
	for _, message := range messages {
		for _, userID := range deliveredUsers {
			if userID == message.SenderID {
				continue
			}
			s.markDelivered(ctx, message, userID)
		}
	}
}

func batchEvent(conversationID string, messages []storage.Message) (gateway.Event, error) {
	if len(messages) == 1 {
		payload, err := json.Marshal(map[string]any{"message": NewMessageView(messages[0])})
		if err != nil {
			return gateway.Event{}, err
		}
		return gateway.Event{Type: EventMessageNew, Payload: payload}, nil
	}

	views := make([]MessageView, 0, len(messages))
	for _, message := range messages {
		views = append(views, NewMessageView(message))
	}
	payload, err := json.Marshal(map[string]any{
		"conversation_id": conversationID,
		"messages":        views,
	})
	if err != nil {
		return gateway.Event{}, err
	}
	return gateway.Event{Type: EventMessagesBatch, Payload: payload}, nil
}

func (s *Service) markDelivered(ctx context.Context, message storage.Message, userID string) {
	changed, err := s.store.MarkDelivered(ctx, message.ID, userID, s.clock().UTC())
	if err != nil {
		log.Printf("pipeline: mark delivered message=%s recipient=%q: %v", message.ID, userID, err)
		return
	}
	if !changed {
		return
	}
	receipt := ReceiptPayload{
		MessageID:      message.ID,
		ConversationID: message.ConversationID,
		SenderID:       message.SenderID,
		UserID:         userID,
		Status:         string(storage.StatusDelivered),
	}
	s.notifyReceipt(ctx, bus.TopicMessageDelivered, EventMessageDelivered, receipt)
}

func (s *Service) notifyReceipt(ctx context.Context, topic bus.Topic, eventType string, receipt ReceiptPayload) {
	payload, err := json.Marshal(receipt)
	if err != nil {
		log.Printf("pipeline: marshal receipt message=%s: %v", receipt.MessageID, err)
		return
	}
	s.routes.SendToUser(receipt.SenderID, gateway.Event{Type: eventType, Payload: payload})
	if err := s.bus.Publish(ctx, topic, receipt); err != nil {
		log.Printf("pipeline: publish receipt message=%s: %v", receipt.MessageID, err)
	}
}

// MarkRead transitions the message to read for userID. Re-reading is a
// no-op: the unread counter moves exactly once per (message, recipient).
func (s *Service) MarkRead(ctx context.Context, userID string, messageID string) (storage.Message, bool, error) {
	if userID == "" {
		return storage.Message{}, false, ErrSenderRequired
	}
	if messageID == "" {
		return storage.Message{}, false, fmt.Errorf("%w: message id is required", ErrValidation)
	}

	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return storage.Message{}, false, err
	}
	conversation, err := s.store.GetConversation(ctx, message.ConversationID)
	if err != nil {
		return storage.Message{}, false, err
	}
	if !conversation.HasParticipant(userID) || userID == message.SenderID {
		return storage.Message{}, false, storage.ErrNotFound
	}

	changed, err := s.store.MarkRead(ctx, messageID, userID, s.clock().UTC())
	if err != nil {
		return storage.Message{}, false, fmt.Errorf("mark read: %w", err)
	}
	if changed {
		if err := s.store.DecrementUnread(ctx, conversation.ID, userID); err != nil {
			log.Printf("pipeline: decrement unread conversation=%s user=%q: %v", conversation.ID, userID, err)
		}
		receipt := ReceiptPayload{
			MessageID:      message.ID,
			ConversationID: message.ConversationID,
			SenderID:       message.SenderID,
			UserID:         userID,
			Status:         string(storage.StatusRead),
		}
		s.notifyReceipt(ctx, bus.TopicMessageRead, EventMessageRead, receipt)
	}

	updated, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return message, changed, nil
	}
	return updated, changed, nil
}

// SyncResult is the full-resync view returned after reconnection.
type SyncResult struct {
	Conversations  []ConversationView `json:"conversations"`
	QueuedMessages []MessageView      `json:"queued_messages,omitempty"`
}

// SyncConversations returns every conversation with live unread counts and
// drains the user's offline message queue. Drained messages are marked
// delivered.
func (s *Service) SyncConversations(ctx context.Context, userID string) (SyncResult, error) {
	if userID == "" {
		return SyncResult{}, ErrSenderRequired
	}

	conversations, err := s.store.ListConversationsByParticipant(ctx, userID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("list conversations: %w", err)
	}

	result := SyncResult{Conversations: make([]ConversationView, 0, len(conversations))}
	for _, conversation := range conversations {
		view := ConversationView{
			ID:             conversation.ID,
			Kind:           string(conversation.Kind),
			ParticipantIDs: conversation.ParticipantIDs,
			Unread:         conversation.Unread[userID],
			Closed:         conversation.Closed,
			UpdatedAt:      conversation.UpdatedAt,
		}
		if conversation.LastMessageID != "" {
			lastMessage, lastErr := s.store.GetMessage(ctx, conversation.LastMessageID)
			if lastErr == nil {
				messageView := NewMessageView(lastMessage)
				view.LastMessage = &messageView
			} else if !errors.Is(lastErr, storage.ErrNotFound) {
				return SyncResult{}, lastErr
			}
		}
		result.Conversations = append(result.Conversations, view)
	}

	now := s.clock().UTC()
	entries, err := s.store.ListOffline(ctx, userID, storage.OfflineMessage, now)
	if err != nil {
		return SyncResult{}, fmt.Errorf("list offline queue: %w", err)
	}
	var maxEntryID int64
	for _, entry := range entries {
		var view MessageView
		if err := json.Unmarshal([]byte(entry.PayloadJSON), &view); err != nil {
			log.Printf("pipeline: drop malformed offline entry id=%d: %v", entry.ID, err)
			maxEntryID = entry.ID
			continue
		}
		result.QueuedMessages = append(result.QueuedMessages, view)
		maxEntryID = entry.ID

		message, getErr := s.store.GetMessage(ctx, view.ID)
		if getErr != nil {
			continue
		}
		s.markDelivered(ctx, message, userID)
	}
	if maxEntryID > 0 {
		if err := s.store.ClearOffline(ctx, userID, storage.OfflineMessage, maxEntryID); err != nil {
			log.Printf("pipeline: clear offline queue user=%q: %v", userID, err)
		}
	}

	return result, nil
}

// History returns up to limit messages older than beforeMessageID in
// chronological order.
func (s *Service) History(ctx context.Context, userID string, conversationID string, limit int, beforeMessageID string) ([]MessageView, error) {
	if userID == "" {
		return nil, ErrSenderRequired
	}
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrValidation)
	}

	conversation, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conversation.HasParticipant(userID) {
		return nil, storage.ErrNotFound
	}

	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}

	messages, err := s.store.ListMessagesBefore(ctx, conversationID, limit, beforeMessageID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	views := make([]MessageView, len(messages))
	for i, message := range messages {
		views[len(messages)-1-i] = NewMessageView(message)
	}
	return views, nil
}

// HandleRemoteNewMessage re-dispatches a new-message event received from
// another instance to local channels. Handlers are idempotent by message
// id, so duplicate bus delivery is safe.
func (s *Service) HandleRemoteNewMessage(payload NewMessagePayload) {
	for _, participantID := range payload.ParticipantIDs {
		if s.routes.Online(participantID) {
			s.routes.JoinUser(participantID, payload.Message.ConversationID)
		}
	}

	raw, err := json.Marshal(map[string]any{"message": payload.Message})
	if err != nil {
		log.Printf("pipeline: marshal remote message id=%s: %v", payload.Message.ID, err)
		return
	}
	deliveredUsers := s.routes.SendToConversation(payload.Message.ConversationID, gateway.Event{
		Type:    EventMessageNew,
		Payload: raw,
	}, "")

	ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreOp)
	defer cancel()
	for _, userID := range deliveredUsers {
		if userID == payload.Message.SenderID {
			continue
		}
		message, getErr := s.store.GetMessage(ctx, payload.Message.ID)
		if getErr != nil {
			continue
		}
		s.markDelivered(ctx, message, userID)
	}
}

// HandleRemoteReceipt forwards a delivered/read receipt from another
// instance to the sender's local channels.
func (s *Service) HandleRemoteReceipt(receipt ReceiptPayload) {
	payload, err := json.Marshal(receipt)
	if err != nil {
		log.Printf("pipeline: marshal remote receipt message=%s: %v", receipt.MessageID, err)
		return
	}
	eventType := EventMessageDelivered
	if receipt.Status == string(storage.StatusRead) {
		eventType = EventMessageRead
	}
	s.routes.SendToUser(receipt.SenderID, gateway.Event{Type: eventType, Payload: payload})
}

// PurgeExpiredOffline removes offline entries past their expiry.
func (s *Service) PurgeExpiredOffline(ctx context.Context) {
	purged, err := s.store.PurgeExpiredOffline(ctx, s.clock().UTC())
	if err != nil {
		log.Printf("pipeline: purge expired offline entries: %v", err)
		return
	}
	if purged > 0 {
		log.Printf("pipeline: purged %d expired offline entries", purged)
	}
}
