package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openmutual/realtime/internal/services/sync/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir() + "/sync.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestConversationRoundTripAndDirectLookup(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)

	conversation := storage.Conversation{
		ID:             "conv-1",
		Kind:           storage.ConversationDirect,
		ParticipantIDs: []string{"user-a", "user-b"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.PutConversation(context.Background(), conversation); err != nil {
		t.Fatalf("put conversation: %v", err)
	}

	got, err := store.GetConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.Kind != storage.ConversationDirect {
		t.Fatalf("kind = %q, want direct", got.Kind)
	}
	if len(got.ParticipantIDs) != 2 || got.ParticipantIDs[0] != "user-a" || got.ParticipantIDs[1] != "user-b" {
		t.Fatalf("participants = %v, want [user-a user-b]", got.ParticipantIDs)
	}

	// Direct lookup matches regardless of participant order.
	found, err := store.FindDirectConversation(context.Background(), "user-b", "user-a")
	if err != nil {
		t.Fatalf("find direct conversation: %v", err)
	}
	if found.ID != "conv-1" {
		t.Fatalf("found id = %q, want conv-1", found.ID)
	}

	if _, err := store.FindDirectConversation(context.Background(), "user-a", "user-z"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("find direct with stranger err = %v, want ErrNotFound", err)
	}
}

func TestUnreadCountersNeverGoNegative(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)

	if err := store.PutConversation(context.Background(), storage.Conversation{
		ID:             "conv-1",
		Kind:           storage.ConversationDirect,
		ParticipantIDs: []string{"user-a", "user-b"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}); err != nil {
		t.Fatalf("put conversation: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := store.IncrementUnread(context.Background(), "conv-1", "user-b"); err != nil {
			t.Fatalf("increment unread: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		if err := store.DecrementUnread(context.Background(), "conv-1", "user-b"); err != nil {
			t.Fatalf("decrement unread: %v", err)
		}
	}

	got, err := store.GetConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.Unread["user-b"] != 0 {
		t.Fatalf("unread = %d, want 0", got.Unread["user-b"])
	}
}

func TestListConversationsOrderedByActivity(t *testing.T) {
	store := openTestStore(t)
	base := time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"conv-old", "conv-new"} {
		if err := store.PutConversation(context.Background(), storage.Conversation{
			ID:             id,
			Kind:           storage.ConversationDirect,
			ParticipantIDs: []string{"user-a", "user-" + id},
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:      base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("put conversation %s: %v", id, err)
		}
	}

	// Touching the old conversation moves it to the top.
	if err := store.PutMessage(context.Background(), storage.Message{
		ID:             "msg-1",
		ConversationID: "conv-old",
		SenderID:       "user-a",
		Kind:           storage.MessageText,
		Body:           "hello",
		CreatedAt:      base.Add(time.Hour),
	}); err != nil {
		t.Fatalf("put message: %v", err)
	}
	if err := store.SetLastMessage(context.Background(), "conv-old", "msg-1", base.Add(time.Hour)); err != nil {
		t.Fatalf("set last message: %v", err)
	}

	conversations, err := store.ListConversationsByParticipant(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(conversations) != 2 {
		t.Fatalf("conversations len = %d, want 2", len(conversations))
	}
	if conversations[0].ID != "conv-old" {
		t.Fatalf("first conversation = %q, want conv-old", conversations[0].ID)
	}
	if conversations[0].LastMessageID != "msg-1" {
		t.Fatalf("last message id = %q, want msg-1", conversations[0].LastMessageID)
	}
}

func putTestConversation(t *testing.T, store *Store, id string, at time.Time, participants ...string) {
	t.Helper()
	if len(participants) == 0 {
		participants = []string{"user-a", "user-b"}
	}
	if err := store.PutConversation(context.Background(), storage.Conversation{
		ID:             id,
		Kind:           storage.ConversationDirect,
		ParticipantIDs: participants,
		CreatedAt:      at,
		UpdatedAt:      at,
	}); err != nil {
		t.Fatalf("put conversation %s: %v", id, err)
	}
}

func TestCommitMessageIsAtomic(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)
	putTestConversation(t, store, "conv-1", now)

	message := storage.Message{
		ID:             "msg-1",
		ConversationID: "conv-1",
		SenderID:       "user-a",
		Kind:           storage.MessageText,
		Body:           "hello",
		CreatedAt:      now,
	}

	// A recipient outside the conversation rolls the whole commit back.
	err := store.CommitMessage(context.Background(), message, []string{"user-b", "user-z"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("commit with outsider err = %v, want ErrNotFound", err)
	}
	if _, err := store.GetMessage(context.Background(), "msg-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("message visible after rolled-back commit: %v", err)
	}
	got, err := store.GetConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.Unread["user-b"] != 0 || got.LastMessageID != "" {
		t.Fatalf("conversation touched by rolled-back commit: unread %d last %q", got.Unread["user-b"], got.LastMessageID)
	}

	// A valid commit lands message, counter, and pointer together.
	if err := store.CommitMessage(context.Background(), message, []string{"user-b"}); err != nil {
		t.Fatalf("commit message: %v", err)
	}
	got, err = store.GetConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.Unread["user-b"] != 1 {
		t.Fatalf("unread = %d, want 1", got.Unread["user-b"])
	}
	if got.LastMessageID != "msg-1" {
		t.Fatalf("last message id = %q, want msg-1", got.LastMessageID)
	}
	stored, err := store.GetMessage(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if stored.Status != storage.StatusSent {
		t.Fatalf("status = %q, want sent", stored.Status)
	}
}

func TestMessageStatusAdvancesMonotonically(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)
	putTestConversation(t, store, "conv-1", now)

	if err := store.PutMessage(context.Background(), storage.Message{
		ID:             "msg-1",
		ConversationID: "conv-1",
		SenderID:       "user-a",
		Kind:           storage.MessageText,
		Body:           "hello",
		CreatedAt:      now,
	}); err != nil {
		t.Fatalf("put message: %v", err)
	}

	changed, err := store.MarkDelivered(context.Background(), "msg-1", "user-b", now.Add(time.Second))
	if err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if !changed {
		t.Fatal("mark delivered changed = false, want true")
	}

	// Second delivered receipt for the same recipient is a no-op.
	changed, err = store.MarkDelivered(context.Background(), "msg-1", "user-b", now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("mark delivered again: %v", err)
	}
	if changed {
		t.Fatal("duplicate delivered changed = true, want false")
	}

	changed, err = store.MarkRead(context.Background(), "msg-1", "user-b", now.Add(3*time.Second))
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !changed {
		t.Fatal("mark read changed = false, want true")
	}

	// A late delivered receipt from another recipient must not regress the
	// status below read.
	if _, err := store.MarkDelivered(context.Background(), "msg-1", "user-c", now.Add(4*time.Second)); err != nil {
		t.Fatalf("mark delivered other recipient: %v", err)
	}

	message, err := store.GetMessage(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if message.Status != storage.StatusRead {
		t.Fatalf("status = %q, want read", message.Status)
	}

	// Re-reading stays idempotent.
	changed, err = store.MarkRead(context.Background(), "msg-1", "user-b", now.Add(5*time.Second))
	if err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	if changed {
		t.Fatal("duplicate read changed = true, want false")
	}
}

func TestMarkReadSkipsDeliveredWhenUnseen(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)
	putTestConversation(t, store, "conv-1", now)

	if err := store.PutMessage(context.Background(), storage.Message{
		ID:             "msg-1",
		ConversationID: "conv-1",
		SenderID:       "user-a",
		Kind:           storage.MessageText,
		Body:           "hello",
		CreatedAt:      now,
	}); err != nil {
		t.Fatalf("put message: %v", err)
	}

	changed, err := store.MarkRead(context.Background(), "msg-1", "user-b", now.Add(time.Second))
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !changed {
		t.Fatal("mark read changed = false, want true")
	}

	message, err := store.GetMessage(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if message.Status != storage.StatusRead {
		t.Fatalf("status = %q, want read", message.Status)
	}
}

func TestListMessagesBeforePaginates(t *testing.T) {
	store := openTestStore(t)
	base := time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)
	putTestConversation(t, store, "conv-1", base)

	ids := []string{"msg-1", "msg-2", "msg-3", "msg-4"}
	for i, id := range ids {
		if err := store.PutMessage(context.Background(), storage.Message{
			ID:             id,
			ConversationID: "conv-1",
			SenderID:       "user-a",
			Kind:           storage.MessageText,
			Body:           "body " + id,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("put message %s: %v", id, err)
		}
	}

	newest, err := store.ListMessagesBefore(context.Background(), "conv-1", 2, "")
	if err != nil {
		t.Fatalf("list newest: %v", err)
	}
	if len(newest) != 2 || newest[0].ID != "msg-4" || newest[1].ID != "msg-3" {
		t.Fatalf("newest page = %v, want [msg-4 msg-3]", messageIDs(newest))
	}

	older, err := store.ListMessagesBefore(context.Background(), "conv-1", 2, "msg-3")
	if err != nil {
		t.Fatalf("list before msg-3: %v", err)
	}
	if len(older) != 2 || older[0].ID != "msg-2" || older[1].ID != "msg-1" {
		t.Fatalf("older page = %v, want [msg-2 msg-1]", messageIDs(older))
	}
}

func messageIDs(messages []storage.Message) []string {
	ids := make([]string, len(messages))
	for i, message := range messages {
		ids[i] = message.ID
	}
	return ids
}

func TestCommitEntityVersionCompareAndSet(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)

	entity := storage.ProfileEntity{
		ID:          "need-1",
		OwnerUserID: "user-a",
		Kind:        storage.EntityNeed,
		Title:       "bicycle repair",
		Status:      storage.EntityActive,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.CommitEntity(context.Background(), entity, 0); err != nil {
		t.Fatalf("commit entity v1: %v", err)
	}

	version, err := store.CurrentVersion(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("current version: %v", err)
	}
	if version != 1 {
		t.Fatalf("version = %d, want 1", version)
	}

	// A stale expected version loses the race.
	stale := entity
	stale.Version = 1
	if err := store.CommitEntity(context.Background(), stale, 0); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("stale commit err = %v, want ErrVersionConflict", err)
	}

	next := entity
	next.Title = "bicycle repair and tuning"
	next.Version = 2
	next.UpdatedAt = now.Add(time.Minute)
	if err := store.CommitEntity(context.Background(), next, 1); err != nil {
		t.Fatalf("commit entity v2: %v", err)
	}

	got, err := store.GetEntity(context.Background(), "need-1")
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("entity version = %d, want 2", got.Version)
	}
	if got.Title != "bicycle repair and tuning" {
		t.Fatalf("title = %q", got.Title)
	}
}

func TestListEntitiesExcludesTerminalByDefault(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)

	active := storage.ProfileEntity{
		ID:          "need-1",
		OwnerUserID: "user-a",
		Kind:        storage.EntityNeed,
		Title:       "gardening help",
		Status:      storage.EntityActive,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.CommitEntity(context.Background(), active, 0); err != nil {
		t.Fatalf("commit active: %v", err)
	}
	expired := storage.ProfileEntity{
		ID:          "need-2",
		OwnerUserID: "user-a",
		Kind:        storage.EntityNeed,
		Title:       "moving boxes",
		Status:      storage.EntityExpired,
		Version:     2,
		CreatedAt:   now.Add(time.Second),
		UpdatedAt:   now.Add(time.Second),
	}
	if err := store.CommitEntity(context.Background(), expired, 1); err != nil {
		t.Fatalf("commit expired: %v", err)
	}

	activeOnly, err := store.ListEntitiesByOwner(context.Background(), "user-a", false)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(activeOnly) != 1 || activeOnly[0].ID != "need-1" {
		t.Fatalf("active entities = %d, want only need-1", len(activeOnly))
	}

	all, err := store.ListEntitiesByOwner(context.Background(), "user-a", true)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all entities = %d, want 2", len(all))
	}
}

func TestOfflineQueueExpiryAndClear(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)

	fresh := storage.OfflineEntry{
		RecipientUserID: "user-b",
		Kind:            storage.OfflineMessage,
		PayloadJSON:     `{"id":"msg-1"}`,
		EnqueuedAt:      now,
		ExpiresAt:       now.Add(time.Hour),
	}
	stale := storage.OfflineEntry{
		RecipientUserID: "user-b",
		Kind:            storage.OfflineMessage,
		PayloadJSON:     `{"id":"msg-0"}`,
		EnqueuedAt:      now.Add(-48 * time.Hour),
		ExpiresAt:       now.Add(-time.Hour),
	}
	otherKind := storage.OfflineEntry{
		RecipientUserID: "user-b",
		Kind:            storage.OfflineProfileDelta,
		PayloadJSON:     `{"entity_id":"need-1"}`,
		EnqueuedAt:      now,
		ExpiresAt:       now.Add(time.Hour),
	}
	for _, entry := range []storage.OfflineEntry{stale, fresh, otherKind} {
		if err := store.EnqueueOffline(context.Background(), entry); err != nil {
			t.Fatalf("enqueue offline: %v", err)
		}
	}

	entries, err := store.ListOffline(context.Background(), "user-b", storage.OfflineMessage, now)
	if err != nil {
		t.Fatalf("list offline: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("offline entries = %d, want 1 unexpired message", len(entries))
	}
	if entries[0].PayloadJSON != `{"id":"msg-1"}` {
		t.Fatalf("payload = %s", entries[0].PayloadJSON)
	}

	if err := store.ClearOffline(context.Background(), "user-b", storage.OfflineMessage, entries[0].ID); err != nil {
		t.Fatalf("clear offline: %v", err)
	}
	remaining, err := store.ListOffline(context.Background(), "user-b", storage.OfflineMessage, now)
	if err != nil {
		t.Fatalf("list after clear: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("remaining entries = %d, want 0", len(remaining))
	}

	// The delta entry survives a message clear.
	deltas, err := store.ListOffline(context.Background(), "user-b", storage.OfflineProfileDelta, now)
	if err != nil {
		t.Fatalf("list deltas: %v", err)
	}
	if len(deltas) != 1 {
		t.Fatalf("delta entries = %d, want 1", len(deltas))
	}

	purged, err := store.PurgeExpiredOffline(context.Background(), now)
	if err != nil {
		t.Fatalf("purge expired: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
}

func TestLastSeenRoundTrip(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)

	if _, err := store.LastSeen(context.Background(), "user-a"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("last seen before record err = %v, want ErrNotFound", err)
	}

	if err := store.RecordLastSeen(context.Background(), "user-a", now); err != nil {
		t.Fatalf("record last seen: %v", err)
	}
	if err := store.RecordLastSeen(context.Background(), "user-a", now.Add(time.Minute)); err != nil {
		t.Fatalf("record last seen again: %v", err)
	}

	got, err := store.LastSeen(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("last seen: %v", err)
	}
	if !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("last seen = %v, want %v", got, now.Add(time.Minute))
	}
}
