// Package sqlite provides the SQLite-backed durable store for the sync core.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/openmutual/realtime/internal/platform/storage/sqlitemigrate"
	"github.com/openmutual/realtime/internal/services/sync/storage"
	"github.com/openmutual/realtime/internal/services/sync/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists sync core state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite sync store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// PutConversation upserts one conversation and its participant roster.
func (s *Store) PutConversation(ctx context.Context, conversation storage.Conversation) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	conversationID := strings.TrimSpace(conversation.ID)
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	if len(conversation.ParticipantIDs) < 2 {
		return fmt.Errorf("conversation requires at least two participants")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put conversation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	closed := 0
	if conversation.Closed {
		closed = 1
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO conversations (id, kind, last_message_id, closed, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   last_message_id = excluded.last_message_id,
		   closed = excluded.closed,
		   updated_at = excluded.updated_at`,
		conversationID,
		string(conversation.Kind),
		conversation.LastMessageID,
		closed,
		toMillis(conversation.CreatedAt),
		toMillis(conversation.UpdatedAt),
	); err != nil {
		return fmt.Errorf("put conversation: %w", err)
	}

	for position, userID := range conversation.ParticipantIDs {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			return fmt.Errorf("participant user id is required")
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id, position, unread_count)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(conversation_id, user_id) DO NOTHING`,
			conversationID,
			userID,
			position,
			conversation.Unread[userID],
		); err != nil {
			return fmt.Errorf("put conversation participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put conversation: %w", err)
	}
	return nil
}

// GetConversation returns one conversation with participants and unread counters.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (storage.Conversation, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Conversation{}, err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return storage.Conversation{}, fmt.Errorf("conversation id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, kind, last_message_id, closed, created_at, updated_at
		 FROM conversations
		 WHERE id = ?`,
		conversationID,
	)
	var (
		conversation storage.Conversation
		kind         string
		closed       int
		createdAt    int64
		updatedAt    int64
	)
	if err := row.Scan(&conversation.ID, &kind, &conversation.LastMessageID, &closed, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Conversation{}, storage.ErrNotFound
		}
		return storage.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	conversation.Kind = storage.ConversationKind(kind)
	conversation.Closed = closed != 0
	conversation.CreatedAt = fromMillis(createdAt)
	conversation.UpdatedAt = fromMillis(updatedAt)

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT user_id, unread_count
		 FROM conversation_participants
		 WHERE conversation_id = ?
		 ORDER BY position ASC`,
		conversationID,
	)
	if err != nil {
		return storage.Conversation{}, fmt.Errorf("get conversation participants: %w", err)
	}
	defer rows.Close()

	conversation.Unread = make(map[string]int)
	for rows.Next() {
		var (
			userID string
			unread int
		)
		if err := rows.Scan(&userID, &unread); err != nil {
			return storage.Conversation{}, fmt.Errorf("get conversation participants: %w", err)
		}
		conversation.ParticipantIDs = append(conversation.ParticipantIDs, userID)
		conversation.Unread[userID] = unread
	}
	if err := rows.Err(); err != nil {
		return storage.Conversation{}, fmt.Errorf("get conversation participants: %w", err)
	}
	return conversation, nil
}

// FindDirectConversation returns the direct conversation between two users.
func (s *Store) FindDirectConversation(ctx context.Context, userA string, userB string) (storage.Conversation, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Conversation{}, err
	}
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return storage.Conversation{}, fmt.Errorf("both user ids are required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT c.id
		 FROM conversations c
		 JOIN conversation_participants pa ON pa.conversation_id = c.id AND pa.user_id = ?
		 JOIN conversation_participants pb ON pb.conversation_id = c.id AND pb.user_id = ?
		 WHERE c.kind = ?
		 LIMIT 1`,
		userA,
		userB,
		string(storage.ConversationDirect),
	)
	var conversationID string
	if err := row.Scan(&conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Conversation{}, storage.ErrNotFound
		}
		return storage.Conversation{}, fmt.Errorf("find direct conversation: %w", err)
	}
	return s.GetConversation(ctx, conversationID)
}

// ListConversationsByParticipant returns the user's conversations, most
// recently updated first.
func (s *Store) ListConversationsByParticipant(ctx context.Context, userID string) ([]storage.Conversation, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT c.id
		 FROM conversations c
		 JOIN conversation_participants p ON p.conversation_id = c.id
		 WHERE p.user_id = ?
		 ORDER BY c.updated_at DESC, c.id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	conversations := make([]storage.Conversation, 0, len(ids))
	for _, id := range ids {
		conversation, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conversation)
	}
	return conversations, nil
}

// SetLastMessage updates the conversation's last-message reference.
func (s *Store) SetLastMessage(ctx context.Context, conversationID string, messageID string, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	conversationID = strings.TrimSpace(conversationID)
	messageID = strings.TrimSpace(messageID)
	if conversationID == "" || messageID == "" {
		return fmt.Errorf("conversation id and message id are required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE conversations SET last_message_id = ?, updated_at = ? WHERE id = ?`,
		messageID,
		toMillis(at),
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("set last message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set last message: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// IncrementUnread raises one participant's unread counter by one.
func (s *Store) IncrementUnread(ctx context.Context, conversationID string, userID string) error {
	return s.adjustUnread(ctx, conversationID, userID, `unread_count + 1`)
}

// DecrementUnread lowers one participant's unread counter, never below zero.
func (s *Store) DecrementUnread(ctx context.Context, conversationID string, userID string) error {
	return s.adjustUnread(ctx, conversationID, userID, `MAX(unread_count - 1, 0)`)
}

func (s *Store) adjustUnread(ctx context.Context, conversationID string, userID string, expr string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	conversationID = strings.TrimSpace(conversationID)
	userID = strings.TrimSpace(userID)
	if conversationID == "" || userID == "" {
		return fmt.Errorf("conversation id and user id are required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE conversation_participants SET unread_count = `+expr+`
		 WHERE conversation_id = ? AND user_id = ?`,
		conversationID,
		userID,
	)
	if err != nil {
		return fmt.Errorf("adjust unread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("adjust unread: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CloseConversation soft-closes a conversation. Closed conversations keep
// their history and can still be listed.
func (s *Store) CloseConversation(ctx context.Context, conversationID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE conversations SET closed = 1 WHERE id = ?`,
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("close conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("close conversation: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

var _ storage.Store = (*Store)(nil)
