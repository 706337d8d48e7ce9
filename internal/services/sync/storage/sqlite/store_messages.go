package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openmutual/realtime/internal/services/sync/storage"
)

const attachmentSeparator = "\x1f"

func encodeAttachmentRefs(refs []string) string {
	return strings.Join(refs, attachmentSeparator)
}

func decodeAttachmentRefs(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Split(value, attachmentSeparator)
}

type execContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func validateMessage(message storage.Message) error {
	if strings.TrimSpace(message.ID) == "" {
		return fmt.Errorf("message id is required")
	}
	if strings.TrimSpace(message.ConversationID) == "" {
		return fmt.Errorf("conversation id is required")
	}
	if strings.TrimSpace(message.SenderID) == "" {
		return fmt.Errorf("sender id is required")
	}
	return nil
}

func insertMessage(ctx context.Context, db execContext, message storage.Message) error {
	status := message.Status
	if status == "" {
		status = storage.StatusSent
	}
	statusChangedAt := message.StatusChangedAt
	if statusChangedAt.IsZero() {
		statusChangedAt = message.CreatedAt
	}

	_, err := db.ExecContext(
		ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, kind, body, status, reply_to_id, attachment_refs, created_at, status_changed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(message.ID),
		message.ConversationID,
		message.SenderID,
		string(message.Kind),
		message.Body,
		string(status),
		message.ReplyToID,
		encodeAttachmentRefs(message.AttachmentRefs),
		toMillis(message.CreatedAt),
		toMillis(statusChangedAt),
	)
	if err != nil {
		return fmt.Errorf("put message: %w", err)
	}
	return nil
}

// PutMessage persists one new message.
func (s *Store) PutMessage(ctx context.Context, message storage.Message) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := validateMessage(message); err != nil {
		return err
	}
	return insertMessage(ctx, s.sqlDB, message)
}

// CommitMessage writes the message row, bumps each recipient's unread
// counter, and points the conversation at the new message in one
// transaction. A recipient outside the conversation rolls everything back
// with ErrNotFound.
func (s *Store) CommitMessage(ctx context.Context, message storage.Message, recipientUserIDs []string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := validateMessage(message); err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertMessage(ctx, tx, message); err != nil {
		return err
	}

	for _, recipientID := range recipientUserIDs {
		recipientID = strings.TrimSpace(recipientID)
		if recipientID == "" {
			return fmt.Errorf("recipient user id is required")
		}
		result, execErr := tx.ExecContext(
			ctx,
			`UPDATE conversation_participants SET unread_count = unread_count + 1
			 WHERE conversation_id = ? AND user_id = ?`,
			message.ConversationID,
			recipientID,
		)
		if execErr != nil {
			return fmt.Errorf("increment unread: %w", execErr)
		}
		affected, affErr := result.RowsAffected()
		if affErr != nil {
			return fmt.Errorf("increment unread: %w", affErr)
		}
		if affected == 0 {
			return storage.ErrNotFound
		}
	}

	result, err := tx.ExecContext(
		ctx,
		`UPDATE conversations SET last_message_id = ?, updated_at = ? WHERE id = ?`,
		strings.TrimSpace(message.ID),
		toMillis(message.CreatedAt),
		message.ConversationID,
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

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message transaction: %w", err)
	}
	return nil
}

// GetMessage returns one message by id.
func (s *Store) GetMessage(ctx context.Context, messageID string) (storage.Message, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Message{}, err
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return storage.Message{}, fmt.Errorf("message id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, conversation_id, sender_id, kind, body, status, reply_to_id, attachment_refs, created_at, status_changed_at
		 FROM messages
		 WHERE id = ?`,
		messageID,
	)
	return scanMessage(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (storage.Message, error) {
	var (
		message         storage.Message
		kind            string
		status          string
		attachments     string
		createdAt       int64
		statusChangedAt int64
	)
	err := row.Scan(
		&message.ID,
		&message.ConversationID,
		&message.SenderID,
		&kind,
		&message.Body,
		&status,
		&message.ReplyToID,
		&attachments,
		&createdAt,
		&statusChangedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Message{}, storage.ErrNotFound
		}
		return storage.Message{}, fmt.Errorf("scan message: %w", err)
	}
	message.Kind = storage.MessageKind(kind)
	message.Status = storage.MessageStatus(status)
	message.AttachmentRefs = decodeAttachmentRefs(attachments)
	message.CreatedAt = fromMillis(createdAt)
	message.StatusChangedAt = fromMillis(statusChangedAt)
	return message, nil
}

// ListMessagesBefore reads up to limit messages older than beforeMessageID
// in reverse-chronological order.
func (s *Store) ListMessagesBefore(ctx context.Context, conversationID string, limit int, beforeMessageID string) ([]storage.Message, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	var (
		rows *sql.Rows
		err  error
	)
	beforeMessageID = strings.TrimSpace(beforeMessageID)
	if beforeMessageID == "" {
		rows, err = s.sqlDB.QueryContext(
			ctx,
			`SELECT id, conversation_id, sender_id, kind, body, status, reply_to_id, attachment_refs, created_at, status_changed_at
			 FROM messages
			 WHERE conversation_id = ?
			 ORDER BY created_at DESC, id DESC
			 LIMIT ?`,
			conversationID,
			limit,
		)
	} else {
		anchor, anchorErr := s.GetMessage(ctx, beforeMessageID)
		if anchorErr != nil {
			return nil, anchorErr
		}
		rows, err = s.sqlDB.QueryContext(
			ctx,
			`SELECT id, conversation_id, sender_id, kind, body, status, reply_to_id, attachment_refs, created_at, status_changed_at
			 FROM messages
			 WHERE conversation_id = ?
			   AND (created_at < ? OR (created_at = ? AND id < ?))
			 ORDER BY created_at DESC, id DESC
			 LIMIT ?`,
			conversationID,
			toMillis(anchor.CreatedAt),
			toMillis(anchor.CreatedAt),
			anchor.ID,
			limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []storage.Message
	for rows.Next() {
		message, scanErr := scanMessage(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// MarkDelivered records a delivered receipt once per (message, recipient)
// and advances the message status from sent to delivered.
func (s *Store) MarkDelivered(ctx context.Context, messageID string, recipientUserID string, at time.Time) (bool, error) {
	return s.markReceipt(ctx, messageID, recipientUserID, at, false)
}

// MarkRead records a read receipt once per (message, recipient) and
// advances the message status to read.
func (s *Store) MarkRead(ctx context.Context, messageID string, recipientUserID string, at time.Time) (bool, error) {
	return s.markReceipt(ctx, messageID, recipientUserID, at, true)
}

func (s *Store) markReceipt(ctx context.Context, messageID string, recipientUserID string, at time.Time, read bool) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	messageID = strings.TrimSpace(messageID)
	recipientUserID = strings.TrimSpace(recipientUserID)
	if messageID == "" || recipientUserID == "" {
		return false, fmt.Errorf("message id and recipient user id are required")
	}

	if _, err := s.GetMessage(ctx, messageID); err != nil {
		return false, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin mark receipt: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	millis := toMillis(at)
	var (
		result   sql.Result
		execErr  error
		toStatus storage.MessageStatus
	)
	if read {
		toStatus = storage.StatusRead
		result, execErr = tx.ExecContext(
			ctx,
			`INSERT INTO message_receipts (message_id, recipient_user_id, delivered_at, read_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(message_id, recipient_user_id) DO UPDATE SET
			   delivered_at = COALESCE(message_receipts.delivered_at, excluded.delivered_at),
			   read_at = excluded.read_at
			 WHERE message_receipts.read_at IS NULL`,
			messageID,
			recipientUserID,
			millis,
			millis,
		)
	} else {
		toStatus = storage.StatusDelivered
		result, execErr = tx.ExecContext(
			ctx,
			`INSERT INTO message_receipts (message_id, recipient_user_id, delivered_at, read_at)
			 VALUES (?, ?, ?, NULL)
			 ON CONFLICT(message_id, recipient_user_id) DO UPDATE SET
			   delivered_at = excluded.delivered_at
			 WHERE message_receipts.delivered_at IS NULL`,
			messageID,
			recipientUserID,
			millis,
		)
	}
	if execErr != nil {
		return false, fmt.Errorf("mark receipt: %w", execErr)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark receipt: %w", err)
	}
	if affected == 0 {
		// Receipt already recorded; transition is idempotent.
		return false, nil
	}

	var statusUpdate string
	if toStatus == storage.StatusRead {
		statusUpdate = `UPDATE messages SET status = ?, status_changed_at = ?
			 WHERE id = ? AND status IN (?, ?)`
		_, err = tx.ExecContext(ctx, statusUpdate, string(storage.StatusRead), millis, messageID,
			string(storage.StatusSent), string(storage.StatusDelivered))
	} else {
		statusUpdate = `UPDATE messages SET status = ?, status_changed_at = ?
			 WHERE id = ? AND status = ?`
		_, err = tx.ExecContext(ctx, statusUpdate, string(storage.StatusDelivered), millis, messageID,
			string(storage.StatusSent))
	}
	if err != nil {
		return false, fmt.Errorf("advance message status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit mark receipt: %w", err)
	}
	return true, nil
}
