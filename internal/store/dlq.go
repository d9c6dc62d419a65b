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

const dlqColumns = `id, original_id, operation, entity_type, entity_id, payload,
	priority, retry_count, last_error, created_at, moved_at`

// ListDeadLetters returns dead letter items, most recently moved first.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context, limit int) ([]possync.DeadLetterItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+dlqColumns+`
		FROM dead_letter_queue
		ORDER BY moved_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	items := make([]possync.DeadLetterItem, 0)
	for rows.Next() {
		item, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// GetDeadLetter returns a single dead letter item by id.
func (s *SQLiteStore) GetDeadLetter(ctx context.Context, id string) (*possync.DeadLetterItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dlqColumns+` FROM dead_letter_queue WHERE id = ?`, id)
	item, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return item, nil
}

// RetryDeadLetter re-enqueues a dead letter item as a fresh pending queue
// row with retry_count reset, and removes it from the DLQ. Insert and
// delete commit together.
func (s *SQLiteStore) RetryDeadLetter(ctx context.Context, id string) (*possync.QueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("retry dead letter: begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+dlqColumns+` FROM dead_letter_queue WHERE id = ?`, id)
	dead, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("retry dead letter: %w", err)
	}

	payloadJSON, err := json.Marshal(dead.Payload)
	if err != nil {
		return nil, fmt.Errorf("retry dead letter: marshal payload: %w", err)
	}

	item := possync.QueueItem{
		ID:         ulid.Make().String(),
		Operation:  dead.Operation,
		EntityType: dead.EntityType,
		EntityID:   dead.EntityID,
		Payload:    dead.Payload,
		Priority:   dead.Priority,
		Status:     possync.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_queue (id, operation, entity_type, entity_id, payload, priority, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, item.ID, string(item.Operation), string(item.EntityType), item.EntityID,
		string(payloadJSON), item.Priority, item.Status, formatTime(item.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("retry dead letter: enqueue: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("retry dead letter: delete: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("retry dead letter: commit: %w", err)
	}
	return &item, nil
}

// DiscardDeadLetter permanently deletes a dead letter item.
func (s *SQLiteStore) DiscardDeadLetter(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("discard dead letter: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("discard dead letter: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanDeadLetter(scanner rowScanner) (*possync.DeadLetterItem, error) {
	var (
		item             possync.DeadLetterItem
		op, entityType   string
		payloadJSON      string
		lastError        sql.NullString
		createdAt, moved string
	)

	err := scanner.Scan(&item.ID, &item.OriginalID, &op, &entityType, &item.EntityID,
		&payloadJSON, &item.Priority, &item.RetryCount, &lastError, &createdAt, &moved)
	if err != nil {
		return nil, err
	}

	item.Operation = possync.Operation(op)
	item.EntityType = possync.EntityType(entityType)
	item.LastError = lastError.String

	if err := json.Unmarshal([]byte(payloadJSON), &item.Payload); err != nil {
		return nil, fmt.Errorf("parse payload for %s: %w", item.ID, err)
	}
	if item.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", item.ID, err)
	}
	if item.MovedAt, err = parseTime(moved); err != nil {
		return nil, fmt.Errorf("parse moved_at for %s: %w", item.ID, err)
	}

	return &item, nil
}
