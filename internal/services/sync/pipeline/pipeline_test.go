package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openmutual/realtime/internal/services/sync/bus"
	"github.com/openmutual/realtime/internal/services/sync/events"
	"github.com/openmutual/realtime/internal/services/sync/gateway"
	"github.com/openmutual/realtime/internal/services/sync/storage"
	"github.com/openmutual/realtime/internal/services/sync/storage/storagetest"
)

type fakeRoutes struct {
	mu         sync.Mutex
	onlineSet  map[string]bool
	joined     map[string]map[string]bool
	userEvents map[string][]gateway.Event
}

func newFakeRoutes(onlineUsers ...string) *fakeRoutes {
	online := make(map[string]bool)
	for _, userID := range onlineUsers {
		online[userID] = true
	}
	return &fakeRoutes{
		onlineSet:  online,
		joined:     make(map[string]map[string]bool),
		userEvents: make(map[string][]gateway.Event),
	}
}

func (r *fakeRoutes) SendToUser(userID string, event gateway.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userEvents[userID] = append(r.userEvents[userID], event)
	if r.onlineSet[userID] {
		return 1
	}
	return 0
}

func (r *fakeRoutes) SendToConversation(conversationID string, event gateway.Event, excludeUserID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var delivered []string
	for userID := range r.joined[conversationID] {
		if userID == excludeUserID || !r.onlineSet[userID] {
			continue
		}
		r.userEvents[userID] = append(r.userEvents[userID], event)
		delivered = append(delivered, userID)
	}
	return delivered
}

func (r *fakeRoutes) JoinUser(userID string, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.joined[conversationID] == nil {
		r.joined[conversationID] = make(map[string]bool)
	}
	r.joined[conversationID][userID] = true
}

func (r *fakeRoutes) Online(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineSet[userID]
}

func (r *fakeRoutes) eventsFor(userID string) []gateway.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]gateway.Event(nil), r.userEvents[userID]...)
}

func newTestService(t *testing.T, routes Routes, maxBatch int) (*Service, *storagetest.Memory) {
	t.Helper()
	store := storagetest.NewMemory()
	var nextID int
	service := NewService(Config{
		Store:         store,
		Bus:           bus.NewMemory("test-instance"),
		Routes:        routes,
		Emitter:       events.NewEmitter(),
		MaxBatch:      maxBatch,
		FlushInterval: time.Hour,
		Clock: func() time.Time {
			return time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)
		},
		NewID: func() (string, error) {
			nextID++
			return fmt.Sprintf("id-%03d", nextID), nil
		},
	})
	return service, store
}

func TestSendMessageCreatesDirectConversationOnce(t *testing.T) {
	routes := newFakeRoutes("user-a")
	service, store := newTestService(t, routes, 50)

	first, conversation, err := service.SendMessage(context.Background(), SendMessageInput{
		SenderID:    "user-a",
		RecipientID: "user-b",
		Body:        "hello",
	})
	if err != nil {
		t.Fatalf("send first message: %v", err)
	}
	if conversation.Kind != storage.ConversationDirect {
		t.Fatalf("conversation kind = %q, want direct", conversation.Kind)
	}
	if first.Status != storage.StatusSent {
		t.Fatalf("message status = %q, want sent", first.Status)
	}

	_, second, err := service.SendMessage(context.Background(), SendMessageInput{
		SenderID:    "user-b",
		RecipientID: "user-a",
		Body:        "hi back",
	})
	if err != nil {
		t.Fatalf("send second message: %v", err)
	}
	if second.ID != conversation.ID {
		t.Fatalf("second send created conversation %q, want reuse of %q", second.ID, conversation.ID)
	}

	stored, err := store.GetConversation(context.Background(), conversation.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if stored.Unread["user-b"] != 1 {
		t.Fatalf("user-b unread = %d, want 1", stored.Unread["user-b"])
	}
	if stored.Unread["user-a"] != 1 {
		t.Fatalf("user-a unread = %d, want 1", stored.Unread["user-a"])
	}
}

func TestSendMessageDedupesByTempID(t *testing.T) {
	routes := newFakeRoutes("user-a")
	service, store := newTestService(t, routes, 50)

	first, conversation, err := service.SendMessage(context.Background(), SendMessageInput{
		SenderID:    "user-a",
		RecipientID: "user-b",
		Body:        "hello once",
		TempID:      "tmp-dup-1",
	})
	if err != nil {
		t.Fatalf("send first: %v", err)
	}

	second, _, err := service.SendMessage(context.Background(), SendMessageInput{
		SenderID:    "user-a",
		RecipientID: "user-b",
		Body:        "hello twice",
		TempID:      "tmp-dup-1",
	})
	if err != nil {
		t.Fatalf("send retry: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("retry message id = %q, want original %q", second.ID, first.ID)
	}
	if second.Body != "hello once" {
		t.Fatalf("retry body = %q, want original body", second.Body)
	}

	// The retry created nothing: one unread, one queued entry.
	stored, err := store.GetConversation(context.Background(), conversation.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if stored.Unread["user-b"] != 1 {
		t.Fatalf("unread = %d, want 1 after retry", stored.Unread["user-b"])
	}
	now := time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)
	entries, err := store.ListOffline(context.Background(), "user-b", storage.OfflineMessage, now)
	if err != nil {
		t.Fatalf("list offline: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("offline entries = %d, want 1 after retry", len(entries))
	}

	// A different temp id is a new message.
	third, _, err := service.SendMessage(context.Background(), SendMessageInput{
		SenderID:    "user-a",
		RecipientID: "user-b",
		Body:        "hello again",
		TempID:      "tmp-dup-2",
	})
	if err != nil {
		t.Fatalf("send third: %v", err)
	}
	if third.ID == first.ID {
		t.Fatal("distinct temp id reused the original message")
	}
}

type flakyCommitStore struct {
	storage.Store
	failures int
}

func (s *flakyCommitStore) CommitMessage(ctx context.Context, message storage.Message, recipientUserIDs []string) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("disk full")
	}
	return s.Store.CommitMessage(ctx, message, recipientUserIDs)
}

func TestSendMessageCommitFailureLeavesNoPartialState(t *testing.T) {
	routes := newFakeRoutes("user-a")
	memory := storagetest.NewMemory()
	var nextID int
	service := NewService(Config{
		Store:         &flakyCommitStore{Store: memory, failures: 1},
		Bus:           bus.NewMemory("test-instance"),
		Routes:        routes,
		Emitter:       events.NewEmitter(),
		MaxBatch:      50,
		FlushInterval: time.Hour,
		Clock: func() time.Time {
			return time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)
		},
		NewID: func() (string, error) {
			nextID++
			return fmt.Sprintf("id-%03d", nextID), nil
		},
	})

	input := SendMessageInput{
		SenderID:    "user-a",
		RecipientID: "user-b",
		Body:        "hello",
		TempID:      "tmp-flaky-1",
	}
	if _, _, err := service.SendMessage(context.Background(), input); err == nil {
		t.Fatal("first send succeeded, want commit failure")
	}

	// The failed commit left nothing visible.
	conversation, err := memory.FindDirectConversation(context.Background(), "user-a", "user-b")
	if err != nil {
		t.Fatalf("find conversation: %v", err)
	}
	if conversation.Unread["user-b"] != 0 {
		t.Fatalf("unread = %d, want 0 after failed commit", conversation.Unread["user-b"])
	}
	if conversation.LastMessageID != "" {
		t.Fatalf("last message id = %q, want empty after failed commit", conversation.LastMessageID)
	}
	messages, err := memory.ListMessagesBefore(context.Background(), conversation.ID, 10, "")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("messages after failed commit = %d, want 0", len(messages))
	}

	// The same temp id retries as a real send, not a replay of the
	// failed one.
	message, _, err := service.SendMessage(context.Background(), input)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	stored, err := memory.GetConversation(context.Background(), conversation.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if stored.Unread["user-b"] != 1 {
		t.Fatalf("unread = %d, want 1 after retry", stored.Unread["user-b"])
	}
	if stored.LastMessageID != message.ID {
		t.Fatalf("last message id = %q, want %q", stored.LastMessageID, message.ID)
	}
	now := time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)
	entries, err := memory.ListOffline(context.Background(), "user-b", storage.OfflineMessage, now)
	if err != nil {
		t.Fatalf("list offline: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("offline entries = %d, want 1 after retry", len(entries))
	}
}

func TestSendMessageValidation(t *testing.T) {
	routes := newFakeRoutes()
	service, _ := newTestService(t, routes, 50)

	cases := []struct {
		name  string
		input SendMessageInput
		want  error
	}{
		{"missing sender", SendMessageInput{Body: "hi"}, ErrSenderRequired},
		{"missing body", SendMessageInput{SenderID: "user-a", RecipientID: "user-b"}, ErrBodyRequired},
		{"missing recipient", SendMessageInput{SenderID: "user-a", Body: "hi"}, ErrRecipientRequired},
		{"self conversation", SendMessageInput{SenderID: "user-a", RecipientID: "user-a", Body: "hi"}, ErrSelfConversation},
		{"body too long", SendMessageInput{SenderID: "user-a", RecipientID: "user-b", Body: strings.Repeat("x", 2001)}, ErrBodyTooLong},
	}
	for _, tc := range cases {
		_, _, err := service.SendMessage(context.Background(), tc.input)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: err %v does not wrap ErrValidation", tc.name, err)
		}
	}
}

func TestSendMessageQueuesOfflineRecipients(t *testing.T) {
	routes := newFakeRoutes("user-a")
	service, store := newTestService(t, routes, 50)

	message, _, err := service.SendMessage(context.Background(), SendMessageInput{
		SenderID:    "user-a",
		RecipientID: "user-b",
		Body:        "are you there?",
	})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}

	now := time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)
	entries, err := store.ListOffline(context.Background(), "user-b", storage.OfflineMessage, now)
	if err != nil {
		t.Fatalf("list offline: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("offline entries = %d, want 1", len(entries))
	}
	if !strings.Contains(entries[0].PayloadJSON, message.ID) {
		t.Fatalf("offline payload %s does not reference %s", entries[0].PayloadJSON, message.ID)
	}
	if want := now.Add(7 * 24 * time.Hour); !entries[0].ExpiresAt.Equal(want) {
		t.Fatalf("expires at = %v, want %v", entries[0].ExpiresAt, want)
	}

	// The online sender is never queued.
	senderEntries, err := store.ListOffline(context.Background(), "user-a", storage.OfflineMessage, now)
	if err != nil {
		t.Fatalf("list sender offline: %v", err)
	}
	if len(senderEntries) != 0 {
		t.Fatalf("sender offline entries = %d, want 0", len(senderEntries))
	}
}

func TestFullBatchFlushMarksDelivered(t *testing.T) {
	routes := newFakeRoutes("user-a", "user-b")
	// Batch size one flushes on every send.
	service, store := newTestService(t, routes, 1)

	message, _, err := service.SendMessage(context.Background(), SendMessageInput{
		SenderID:    "user-a",
		RecipientID: "user-b",
		Body:        "hello",
	})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}

	stored, err := store.GetMessage(context.Background(), message.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if stored.Status != storage.StatusDelivered {
		t.Fatalf("status = %q, want delivered after flush", stored.Status)
	}

	var recipientGotNew, senderGotReceipt bool
	for _, event := range routes.eventsFor("user-b") {
		if event.Type == EventMessageNew {
			recipientGotNew = true
		}
	}
	for _, event := range routes.eventsFor("user-a") {
		if event.Type == EventMessageDelivered {
			senderGotReceipt = true
		}
	}
	if !recipientGotNew {
		t.Fatal("recipient never received message:new")
	}
	if !senderGotReceipt {
		t.Fatal("sender never received message:delivered")
	}
}

func TestMarkReadIsIdempotentPerRecipient(t *testing.T) {
	routes := newFakeRoutes("user-a")
	service, store := newTestService(t, routes, 50)

	message, conversation, err := service.SendMessage(context.Background(), SendMessageInput{
		SenderID:    "user-a",
		RecipientID: "user-b",
		Body:        "hello",
	})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}

	updated, changed, err := service.MarkRead(context.Background(), "user-b", message.ID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !changed {
		t.Fatal("first mark read changed = false, want true")
	}
	if updated.Status != storage.StatusRead {
		t.Fatalf("status = %q, want read", updated.Status)
	}

	_, changed, err = service.MarkRead(context.Background(), "user-b", message.ID)
	if err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	if changed {
		t.Fatal("second mark read changed = true, want false")
	}

	stored, err := store.GetConversation(context.Background(), conversation.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if stored.Unread["user-b"] != 0 {
		t.Fatalf("unread = %d, want 0 after single decrement", stored.Unread["user-b"])
	}

	// The sender hears about the read exactly once.
	receipts := 0
	for _, event := range routes.eventsFor("user-a") {
		if event.Type == EventMessageRead {
			receipts++
		}
	}
	if receipts != 1 {
		t.Fatalf("sender read receipts = %d, want 1", receipts)
	}
}

func TestMarkReadRejectsOutsiders(t *testing.T) {
	routes := newFakeRoutes("user-a")
	service, _ := newTestService(t, routes, 50)

	message, _, err := service.SendMessage(context.Background(), SendMessageInput{
		SenderID:    "user-a",
		RecipientID: "user-b",
		Body:        "hello",
	})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}

	if _, _, err := service.MarkRead(context.Background(), "user-z", message.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("outsider mark read err = %v, want ErrNotFound", err)
	}
	// Senders cannot read their own message.
	if _, _, err := service.MarkRead(context.Background(), "user-a", message.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("sender mark read err = %v, want ErrNotFound", err)
	}
}

func TestSyncConversationsDrainsOfflineQueue(t *testing.T) {
	routes := newFakeRoutes("user-a")
	service, store := newTestService(t, routes, 50)

	for _, body := range []string{"first", "second"} {
		if _, _, err := service.SendMessage(context.Background(), SendMessageInput{
			SenderID:    "user-a",
			RecipientID: "user-b",
			Body:        body,
		}); err != nil {
			t.Fatalf("send %q: %v", body, err)
		}
	}

	result, err := service.SyncConversations(context.Background(), "user-b")
	if err != nil {
		t.Fatalf("sync conversations: %v", err)
	}
	if len(result.Conversations) != 1 {
		t.Fatalf("conversations = %d, want 1", len(result.Conversations))
	}
	if result.Conversations[0].Unread != 2 {
		t.Fatalf("unread = %d, want 2", result.Conversations[0].Unread)
	}
	if result.Conversations[0].LastMessage == nil || result.Conversations[0].LastMessage.Body != "second" {
		t.Fatal("last message missing or wrong")
	}
	if len(result.QueuedMessages) != 2 {
		t.Fatalf("queued messages = %d, want 2", len(result.QueuedMessages))
	}
	if result.QueuedMessages[0].Body != "first" || result.QueuedMessages[1].Body != "second" {
		t.Fatalf("queued order = [%s %s], want [first second]", result.QueuedMessages[0].Body, result.QueuedMessages[1].Body)
	}

	// Drained messages are marked delivered and the queue is empty.
	for _, view := range result.QueuedMessages {
		message, err := store.GetMessage(context.Background(), view.ID)
		if err != nil {
			t.Fatalf("get message %s: %v", view.ID, err)
		}
		if message.Status != storage.StatusDelivered {
			t.Fatalf("message %s status = %q, want delivered", view.ID, message.Status)
		}
	}
	now := time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)
	remaining, err := store.ListOffline(context.Background(), "user-b", storage.OfflineMessage, now)
	if err != nil {
		t.Fatalf("list offline: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("remaining queue = %d, want 0", len(remaining))
	}

	again, err := service.SyncConversations(context.Background(), "user-b")
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(again.QueuedMessages) != 0 {
		t.Fatalf("second sync queued = %d, want 0", len(again.QueuedMessages))
	}
}

func TestHistoryReturnsChronologicalOrder(t *testing.T) {
	routes := newFakeRoutes("user-a")
	service, _ := newTestService(t, routes, 50)

	var conversationID string
	for _, body := range []string{"one", "two", "three"} {
		_, conversation, err := service.SendMessage(context.Background(), SendMessageInput{
			SenderID:    "user-a",
			RecipientID: "user-b",
			Body:        body,
		})
		if err != nil {
			t.Fatalf("send %q: %v", body, err)
		}
		conversationID = conversation.ID
	}

	views, err := service.History(context.Background(), "user-b", conversationID, 0, "")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(views) != 3 {
		t.Fatalf("history len = %d, want 3", len(views))
	}
	if views[0].Body != "one" || views[2].Body != "three" {
		t.Fatalf("history order = [%s .. %s], want chronological", views[0].Body, views[2].Body)
	}

	if _, err := service.History(context.Background(), "user-z", conversationID, 0, ""); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("outsider history err = %v, want ErrNotFound", err)
	}
}

func TestSendMessageRejectsClosedConversation(t *testing.T) {
	routes := newFakeRoutes("user-a")
	service, store := newTestService(t, routes, 50)

	_, conversation, err := service.SendMessage(context.Background(), SendMessageInput{
		SenderID:    "user-a",
		RecipientID: "user-b",
		Body:        "hello",
	})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if err := store.CloseConversation(context.Background(), conversation.ID); err != nil {
		t.Fatalf("close conversation: %v", err)
	}

	_, _, err = service.SendMessage(context.Background(), SendMessageInput{
		SenderID:       "user-a",
		ConversationID: conversation.ID,
		Body:           "anyone?",
	})
	if !errors.Is(err, ErrConversationClosed) {
		t.Fatalf("send to closed err = %v, want ErrConversationClosed", err)
	}
}
