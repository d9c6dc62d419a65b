package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	possync "github.com/muntu/possync/internal/sync"
)

const conflictColumns = `id, entity_type, entity_id, local_payload, server_payload,
	local_timestamp, server_timestamp, created_at`

// UpsertConflict records a divergence for manual resolution. At most one
// open conflict exists per entity: a second detection for the same entity
// refreshes the server side of the existing record instead of duplicating it.
func (s *SQLiteStore) UpsertConflict(ctx context.Context, entityType possync.EntityType, entityID string, localPayload, serverPayload json.RawMessage, localTS, serverTS time.Time) (*possync.ConflictRecord, error) {
	record := possync.ConflictRecord{
		ID:              ulid.Make().String(),
		EntityType:      entityType,
		EntityID:        entityID,
		LocalPayload:    localPayload,
		ServerPayload:   serverPayload,
		LocalTimestamp:  localTS,
		ServerTimestamp: serverTS,
		CreatedAt:       time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_conflicts (id, entity_type, entity_id, local_payload, server_payload, local_timestamp, server_timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			server_payload = excluded.server_payload,
			server_timestamp = excluded.server_timestamp
	`, record.ID, string(entityType), entityID, string(localPayload), string(serverPayload),
		formatTime(localTS), formatTime(serverTS), formatTime(record.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("upsert conflict: %w", err)
	}

	// The insert may have collapsed into an update of an existing row;
	// read back the authoritative record.
	return s.GetConflictByEntity(ctx, entityType, entityID)
}

// GetConflict returns a conflict record by id.
func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*possync.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = ?`, id)
	record, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conflict: %w", err)
	}
	return record, nil
}

// GetConflictByEntity returns the open conflict for an entity, if any.
func (s *SQLiteStore) GetConflictByEntity(ctx context.Context, entityType possync.EntityType, entityID string) (*possync.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conflictColumns+` FROM sync_conflicts WHERE entity_type = ? AND entity_id = ?
	`, string(entityType), entityID)
	record, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conflict for %s/%s: %w", entityType, entityID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conflict by entity: %w", err)
	}
	return record, nil
}

// ListConflicts returns all open conflicts, newest first.
func (s *SQLiteStore) ListConflicts(ctx context.Context) ([]possync.ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conflictColumns+` FROM sync_conflicts ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	records := make([]possync.ConflictRecord, 0)
	for rows.Next() {
		record, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// DeleteConflict removes a resolved conflict record.
func (s *SQLiteStore) DeleteConflict(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sync_conflicts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conflict: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete conflict: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanConflict(scanner rowScanner) (*possync.ConflictRecord, error) {
	var (
		record                      possync.ConflictRecord
		entityType                  string
		localPayload, serverPayload string
		localTS, serverTS, created  string
	)

	err := scanner.Scan(&record.ID, &entityType, &record.EntityID,
		&localPayload, &serverPayload, &localTS, &serverTS, &created)
	if err != nil {
		return nil, err
	}

	record.EntityType = possync.EntityType(entityType)
	record.LocalPayload = json.RawMessage(localPayload)
	record.ServerPayload = json.RawMessage(serverPayload)

	if record.LocalTimestamp, err = parseTime(localTS); err != nil {
		return nil, fmt.Errorf("parse local_timestamp for %s: %w", record.ID, err)
	}
	if record.ServerTimestamp, err = parseTime(serverTS); err != nil {
		return nil, fmt.Errorf("parse server_timestamp for %s: %w", record.ID, err)
	}
	if record.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", record.ID, err)
	}

	return &record, nil
}
