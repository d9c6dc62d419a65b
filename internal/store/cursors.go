package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	possync "github.com/muntu/possync/internal/sync"
)

// GetCursor returns the pull watermark for an entity type. A missing cursor
// is the zero time: the first pull fetches everything.
func (s *SQLiteStore) GetCursor(ctx context.Context, entityType possync.EntityType) (time.Time, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `
		SELECT last_pulled_at FROM sync_cursors WHERE entity_type = ?
	`, string(entityType)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get cursor %s: %w", entityType, err)
	}
	t, err := parseTime(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cursor %s: %w", entityType, err)
	}
	return t, nil
}

// AdvanceCursor moves the pull watermark forward. The watermark is
// monotonic: an older candidate (a crashed cycle retrying an already merged
// page) leaves the committed value untouched.
func (s *SQLiteStore) AdvanceCursor(ctx context.Context, entityType possync.EntityType, to time.Time) error {
	current, err := s.GetCursor(ctx, entityType)
	if err != nil {
		return err
	}
	if !to.After(current) {
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (entity_type, last_pulled_at) VALUES (?, ?)
		ON CONFLICT(entity_type) DO UPDATE SET last_pulled_at = excluded.last_pulled_at
	`, string(entityType), formatTime(to))
	if err != nil {
		return fmt.Errorf("advance cursor %s: %w", entityType, err)
	}
	return nil
}
