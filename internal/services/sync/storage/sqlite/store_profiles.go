package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/openmutual/realtime/internal/services/sync/storage"
)

// GetEntity returns one profile entity by id.
func (s *Store) GetEntity(ctx context.Context, entityID string) (storage.ProfileEntity, error) {
	if err := s.ready(ctx); err != nil {
		return storage.ProfileEntity{}, err
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return storage.ProfileEntity{}, fmt.Errorf("entity id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, owner_user_id, kind, category, title, description, status, version, created_at, updated_at
		 FROM profile_entities
		 WHERE id = ?`,
		entityID,
	)
	return scanEntity(row)
}

func scanEntity(row rowScanner) (storage.ProfileEntity, error) {
	var (
		entity    storage.ProfileEntity
		kind      string
		status    string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(
		&entity.ID,
		&entity.OwnerUserID,
		&kind,
		&entity.Category,
		&entity.Title,
		&entity.Description,
		&status,
		&entity.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ProfileEntity{}, storage.ErrNotFound
		}
		return storage.ProfileEntity{}, fmt.Errorf("scan profile entity: %w", err)
	}
	entity.Kind = storage.EntityKind(kind)
	entity.Status = storage.EntityStatus(status)
	entity.CreatedAt = fromMillis(createdAt)
	entity.UpdatedAt = fromMillis(updatedAt)
	return entity, nil
}

// ListEntitiesByOwner returns the owner's profile entities, oldest first.
// Terminal (soft-deleted) entities are excluded unless includeTerminal is set.
func (s *Store) ListEntitiesByOwner(ctx context.Context, ownerUserID string, includeTerminal bool) ([]storage.ProfileEntity, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	ownerUserID = strings.TrimSpace(ownerUserID)
	if ownerUserID == "" {
		return nil, fmt.Errorf("owner user id is required")
	}

	query := `SELECT id, owner_user_id, kind, category, title, description, status, version, created_at, updated_at
		 FROM profile_entities
		 WHERE owner_user_id = ?`
	if !includeTerminal {
		query += ` AND status = '` + string(storage.EntityActive) + `'`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.sqlDB.QueryContext(ctx, query, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("list profile entities: %w", err)
	}
	defer rows.Close()

	var entities []storage.ProfileEntity
	for rows.Next() {
		entity, scanErr := scanEntity(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list profile entities: %w", err)
	}
	return entities, nil
}

// CurrentVersion returns the owner's profile version counter, zero when the
// user has never written an entity.
func (s *Store) CurrentVersion(ctx context.Context, ownerUserID string) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	ownerUserID = strings.TrimSpace(ownerUserID)
	if ownerUserID == "" {
		return 0, fmt.Errorf("owner user id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT version FROM profile_versions WHERE user_id = ?`,
		ownerUserID,
	)
	var version int64
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("current profile version: %w", err)
	}
	return version, nil
}

// CommitEntity writes the entity row and bumps the owner's version counter
// from expectedVersion to expectedVersion+1 in one transaction. The
// compare-and-set on the counter is the serialization point for all of a
// user's profile mutations.
func (s *Store) CommitEntity(ctx context.Context, entity storage.ProfileEntity, expectedVersion int64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	entityID := strings.TrimSpace(entity.ID)
	ownerUserID := strings.TrimSpace(entity.OwnerUserID)
	if entityID == "" {
		return fmt.Errorf("entity id is required")
	}
	if ownerUserID == "" {
		return fmt.Errorf("owner user id is required")
	}
	if expectedVersion < 0 {
		return fmt.Errorf("expected version must not be negative")
	}
	if entity.Version != expectedVersion+1 {
		return fmt.Errorf("entity version must be expected version plus one")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit entity: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if expectedVersion == 0 {
		result, insErr := tx.ExecContext(
			ctx,
			`INSERT INTO profile_versions (user_id, version) VALUES (?, 1)
			 ON CONFLICT(user_id) DO NOTHING`,
			ownerUserID,
		)
		if insErr != nil {
			return fmt.Errorf("init profile version: %w", insErr)
		}
		affected, affErr := result.RowsAffected()
		if affErr != nil {
			return fmt.Errorf("init profile version: %w", affErr)
		}
		if affected == 0 {
			return storage.ErrVersionConflict
		}
	} else {
		result, updErr := tx.ExecContext(
			ctx,
			`UPDATE profile_versions SET version = version + 1
			 WHERE user_id = ? AND version = ?`,
			ownerUserID,
			expectedVersion,
		)
		if updErr != nil {
			return fmt.Errorf("bump profile version: %w", updErr)
		}
		affected, affErr := result.RowsAffected()
		if affErr != nil {
			return fmt.Errorf("bump profile version: %w", affErr)
		}
		if affected == 0 {
			return storage.ErrVersionConflict
		}
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO profile_entities (id, owner_user_id, kind, category, title, description, status, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   category = excluded.category,
		   title = excluded.title,
		   description = excluded.description,
		   status = excluded.status,
		   version = excluded.version,
		   updated_at = excluded.updated_at`,
		entityID,
		ownerUserID,
		string(entity.Kind),
		entity.Category,
		entity.Title,
		entity.Description,
		string(entity.Status),
		entity.Version,
		toMillis(entity.CreatedAt),
		toMillis(entity.UpdatedAt),
	); err != nil {
		return fmt.Errorf("commit entity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit entity transaction: %w", err)
	}
	return nil
}
