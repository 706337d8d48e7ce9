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

// EnqueueOffline appends one payload to a recipient's offline queue.
func (s *Store) EnqueueOffline(ctx context.Context, entry storage.OfflineEntry) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	recipientUserID := strings.TrimSpace(entry.RecipientUserID)
	if recipientUserID == "" {
		return fmt.Errorf("recipient user id is required")
	}
	if entry.Kind == "" {
		return fmt.Errorf("offline entry kind is required")
	}
	if strings.TrimSpace(entry.PayloadJSON) == "" {
		return fmt.Errorf("offline payload is required")
	}
	if !entry.ExpiresAt.After(entry.EnqueuedAt) {
		return fmt.Errorf("offline entry expiry must follow enqueue time")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO offline_queue (recipient_user_id, kind, payload_json, enqueued_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		recipientUserID,
		string(entry.Kind),
		entry.PayloadJSON,
		toMillis(entry.EnqueuedAt),
		toMillis(entry.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue offline: %w", err)
	}
	return nil
}

// ListOffline returns unexpired queued entries for the recipient in enqueue
// order. An empty kind matches all kinds.
func (s *Store) ListOffline(ctx context.Context, recipientUserID string, kind storage.OfflineKind, now time.Time) ([]storage.OfflineEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	recipientUserID = strings.TrimSpace(recipientUserID)
	if recipientUserID == "" {
		return nil, fmt.Errorf("recipient user id is required")
	}

	query := `SELECT id, recipient_user_id, kind, payload_json, enqueued_at, expires_at
		 FROM offline_queue
		 WHERE recipient_user_id = ? AND expires_at > ?`
	args := []any{recipientUserID, toMillis(now)}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY id ASC`

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list offline: %w", err)
	}
	defer rows.Close()

	var entries []storage.OfflineEntry
	for rows.Next() {
		var (
			entry      storage.OfflineEntry
			entryKind  string
			enqueuedAt int64
			expiresAt  int64
		)
		if err := rows.Scan(&entry.ID, &entry.RecipientUserID, &entryKind, &entry.PayloadJSON, &enqueuedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("list offline: %w", err)
		}
		entry.Kind = storage.OfflineKind(entryKind)
		entry.EnqueuedAt = fromMillis(enqueuedAt)
		entry.ExpiresAt = fromMillis(expiresAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list offline: %w", err)
	}
	return entries, nil
}

// ClearOffline removes the recipient's entries of the given kind up to and
// including upToID.
func (s *Store) ClearOffline(ctx context.Context, recipientUserID string, kind storage.OfflineKind, upToID int64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	recipientUserID = strings.TrimSpace(recipientUserID)
	if recipientUserID == "" {
		return fmt.Errorf("recipient user id is required")
	}
	if kind == "" {
		return fmt.Errorf("offline entry kind is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM offline_queue
		 WHERE recipient_user_id = ? AND kind = ? AND id <= ?`,
		recipientUserID,
		string(kind),
		upToID,
	)
	if err != nil {
		return fmt.Errorf("clear offline: %w", err)
	}
	return nil
}

// PurgeExpiredOffline removes all entries past their expiry.
func (s *Store) PurgeExpiredOffline(ctx context.Context, now time.Time) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM offline_queue WHERE expires_at <= ?`,
		toMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("purge expired offline: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired offline: %w", err)
	}
	return affected, nil
}

// RecordLastSeen upserts the user's last-seen timestamp.
func (s *Store) RecordLastSeen(ctx context.Context, userID string, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO last_seen (user_id, seen_at) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET seen_at = excluded.seen_at`,
		userID,
		toMillis(at),
	)
	if err != nil {
		return fmt.Errorf("record last seen: %w", err)
	}
	return nil
}

// LastSeen returns the user's last-seen timestamp.
func (s *Store) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	if err := s.ready(ctx); err != nil {
		return time.Time{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return time.Time{}, fmt.Errorf("user id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT seen_at FROM last_seen WHERE user_id = ?`,
		userID,
	)
	var seenAt int64
	if err := row.Scan(&seenAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, storage.ErrNotFound
		}
		return time.Time{}, fmt.Errorf("last seen: %w", err)
	}
	return fromMillis(seenAt), nil
}
