package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	possync "github.com/muntu/possync/internal/sync"
)

// UpsertEntity writes a locally cached entity row. synced=false marks a row
// carrying an unpushed local edit; synced=true marks server-authoritative
// state. Upserting the same server payload twice is a no-op by construction,
// which is what makes the merge idempotent per entity id.
func (s *SQLiteStore) UpsertEntity(ctx context.Context, entityType possync.EntityType, entityID string, payload json.RawMessage, updatedAt time.Time, synced bool) error {
	syncedInt := 0
	if synced {
		syncedInt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (entity_type, entity_id, payload, updated_at, synced)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			synced = excluded.synced
	`, string(entityType), entityID, string(payload), formatTime(updatedAt), syncedInt)
	if err != nil {
		return fmt.Errorf("upsert entity %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// GetEntity returns a locally cached entity row.
func (s *SQLiteStore) GetEntity(ctx context.Context, entityType possync.EntityType, entityID string) (*possync.EntityRow, error) {
	var (
		row       possync.EntityRow
		payload   string
		updatedAt string
		synced    int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, updated_at, synced FROM entities WHERE entity_type = ? AND entity_id = ?
	`, string(entityType), entityID).Scan(&payload, &updatedAt, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s/%s: %w", entityType, entityID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entity %s/%s: %w", entityType, entityID, err)
	}

	row.EntityType = entityType
	row.EntityID = entityID
	row.Payload = json.RawMessage(payload)
	row.Synced = synced != 0
	if row.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at for %s/%s: %w", entityType, entityID, err)
	}
	return &row, nil
}

// MarkEntitySynced flips a row to server-authoritative without touching its
// payload or timestamp.
func (s *SQLiteStore) MarkEntitySynced(ctx context.Context, entityType possync.EntityType, entityID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE entities SET synced = 1 WHERE entity_type = ? AND entity_id = ?
	`, string(entityType), entityID)
	if err != nil {
		return fmt.Errorf("mark entity synced %s/%s: %w", entityType, entityID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark entity synced: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("entity %s/%s: %w", entityType, entityID, ErrNotFound)
	}
	return nil
}

// DeleteEntity removes a locally cached row (server-side delete landed).
// Deleting an absent row is not an error; merge must be idempotent.
func (s *SQLiteStore) DeleteEntity(ctx context.Context, entityType possync.EntityType, entityID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM entities WHERE entity_type = ? AND entity_id = ?
	`, string(entityType), entityID)
	if err != nil {
		return fmt.Errorf("delete entity %s/%s: %w", entityType, entityID, err)
	}
	return nil
}
