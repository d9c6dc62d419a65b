package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	possync "github.com/muntu/possync/internal/sync"
)

const queueColumns = `id, operation, entity_type, entity_id, payload, priority,
	status, retry_count, last_error, claimed_at, next_retry_at, created_at, processed_at`

// Enqueue appends a pending mutation to the sync queue. This is a local
// transactional write; it never touches the network. A storage fault is
// returned to the caller; a lost mutation is a correctness bug, so the
// error must not be swallowed upstream.
func (s *SQLiteStore) Enqueue(ctx context.Context, op possync.Operation, entityType possync.EntityType, entityID string, payload possync.Envelope, priority int) (*possync.QueueItem, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("enqueue: invalid operation %q", string(op))
	}
	if !entityType.Valid() {
		return nil, fmt.Errorf("enqueue: %w: %q", possync.ErrUnknownEntity, string(entityType))
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("enqueue: marshal payload: %w", err)
	}

	item := possync.QueueItem{
		ID:         ulid.Make().String(),
		Operation:  op,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		Priority:   priority,
		Status:     possync.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (id, operation, entity_type, entity_id, payload, priority, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, item.ID, string(op), string(entityType), entityID, string(payloadJSON), priority, item.Status, formatTime(item.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("enqueue %s %s: %w", op, entityType, err)
	}

	return &item, nil
}

// ClaimBatch returns up to limit deliverable items (pending, or failed
// and awaiting retry) ordered by priority ASC, created_at ASC, and stamps
// each with a claim so an overlapping cycle cannot pick them up again
// before the lease expires. Items whose backoff window has not elapsed
// are skipped.
func (s *SQLiteStore) ClaimBatch(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]possync.QueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim batch: begin transaction: %w", err)
	}
	defer tx.Rollback()

	claimCutoff := formatTime(now.Add(-lease))
	nowStr := formatTime(now)

	rows, err := tx.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM sync_queue
		WHERE status IN (?, ?)
		  AND (next_retry_at IS NULL OR next_retry_at <= ?)
		  AND (claimed_at IS NULL OR claimed_at <= ?)
		ORDER BY priority ASC, created_at ASC
		LIMIT ?
	`, possync.StatusPending, possync.StatusFailed, nowStr, claimCutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: query: %w", err)
	}

	items, err := scanQueueItems(rows)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	if len(items) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]any, 0, len(items)+1)
	ids = append(ids, nowStr)
	placeholders := make([]string, len(items))
	for i := range items {
		placeholders[i] = "?"
		ids = append(ids, items[i].ID)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sync_queue SET claimed_at = ? WHERE id IN (`+strings.Join(placeholders, ",")+`)`,
		ids...)
	if err != nil {
		return nil, fmt.Errorf("claim batch: stamp claims: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim batch: commit: %w", err)
	}

	claimed := now
	for i := range items {
		items[i].ClaimedAt = &claimed
	}
	return items, nil
}

// MarkCompleted transitions an item to completed and clears its claim.
// Completed rows are kept for the dashboard's 24h window and pruned later.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = ?, processed_at = ?, claimed_at = NULL, next_retry_at = NULL
		WHERE id = ?
	`, possync.StatusCompleted, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return requireRow(result, id)
}

// MarkFailed records a delivery failure: transitions the item to failed,
// increments retry_count, stores the error, clears the claim, and schedules
// the next attempt. Failed items stay claimable once their backoff elapses
// and surface in the dashboard's failed counters until they either deliver
// or exhaust their retries. When retry_count reaches maxRetries the item is
// moved to the dead letter queue atomically (inserted there, deleted here).
// Returns true when the item was dead-lettered.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id, errMsg string, maxRetries int, nextRetryAt time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("mark failed: begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("mark failed %s: %w", id, ErrNotFound)
		}
		return false, fmt.Errorf("mark failed: %w", err)
	}

	item.RetryCount++

	if item.RetryCount >= maxRetries {
		if err := moveToDeadLetterTx(ctx, tx, item, errMsg); err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("mark failed: commit: %w", err)
		}
		slog.Warn("queue item dead-lettered",
			"component", "store",
			"item_id", id,
			"entity_type", string(item.EntityType),
			"entity_id", item.EntityID,
			"retry_count", item.RetryCount,
		)
		return true, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = ?, retry_count = ?, last_error = ?, claimed_at = NULL, next_retry_at = ?
		WHERE id = ?
	`, possync.StatusFailed, item.RetryCount, errMsg, formatTime(nextRetryAt), id)
	if err != nil {
		return false, fmt.Errorf("mark failed: update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("mark failed: commit: %w", err)
	}
	return false, nil
}

// moveToDeadLetterTx inserts the exhausted item into the DLQ and removes it
// from the active queue within the caller's transaction.
func moveToDeadLetterTx(ctx context.Context, tx *sql.Tx, item *possync.QueueItem, errMsg string) error {
	payloadJSON, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("dead letter: marshal payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letter_queue (id, original_id, operation, entity_type, entity_id, payload, priority, retry_count, last_error, created_at, moved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ulid.Make().String(), item.ID, string(item.Operation), string(item.EntityType), item.EntityID,
		string(payloadJSON), item.Priority, item.RetryCount, errMsg,
		formatTime(item.CreatedAt), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("dead letter: insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, item.ID); err != nil {
		return fmt.Errorf("dead letter: delete queue item: %w", err)
	}
	return nil
}

// CompleteSuperseded marks every active queue item for the given entity as
// completed. Used by the merge engine when a newer server version lands:
// re-pushing the stale local mutation would only clobber fresher data.
// Returns the number of items retired.
func (s *SQLiteStore) CompleteSuperseded(ctx context.Context, entityType possync.EntityType, entityID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = ?, processed_at = ?, claimed_at = NULL, next_retry_at = NULL,
		    last_error = 'superseded by newer server version'
		WHERE entity_type = ? AND entity_id = ? AND status IN (?, ?)
	`, possync.StatusCompleted, formatTime(time.Now()),
		string(entityType), entityID, possync.StatusPending, possync.StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("complete superseded: %w", err)
	}
	return result.RowsAffected()
}

// HasPendingMutation reports whether an active (unsynced) queue item exists
// for the entity. The merge engine uses this as its "local row is unsynced"
// signal.
func (s *SQLiteStore) HasPendingMutation(ctx context.Context, entityType possync.EntityType, entityID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_queue
		WHERE entity_type = ? AND entity_id = ? AND status IN (?, ?)
	`, string(entityType), entityID, possync.StatusPending, possync.StatusFailed).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("pending mutation check: %w", err)
	}
	return count > 0, nil
}

// ListQueue returns the most recent queue rows for the dashboard history
// view, newest first.
func (s *SQLiteStore) ListQueue(ctx context.Context, limit int) ([]possync.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM sync_queue
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return scanQueueItems(rows)
}

// PruneCompleted deletes completed rows processed before the cutoff.
// Returns the number of rows removed.
func (s *SQLiteStore) PruneCompleted(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_queue WHERE status = ? AND processed_at < ?
	`, possync.StatusCompleted, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune completed: %w", err)
	}
	return result.RowsAffected()
}

func requireRow(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("queue item %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface{ Scan(...any) error }

func scanQueueItem(scanner rowScanner) (*possync.QueueItem, error) {
	var (
		item                   possync.QueueItem
		op, entityType         string
		payloadJSON            string
		lastError              sql.NullString
		claimedAt, nextRetryAt sql.NullString
		createdAt              string
		processedAt            sql.NullString
	)

	err := scanner.Scan(&item.ID, &op, &entityType, &item.EntityID, &payloadJSON,
		&item.Priority, &item.Status, &item.RetryCount, &lastError,
		&claimedAt, &nextRetryAt, &createdAt, &processedAt)
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
	if item.ClaimedAt, err = parseNullTime(claimedAt); err != nil {
		return nil, fmt.Errorf("parse claimed_at for %s: %w", item.ID, err)
	}
	if item.NextRetryAt, err = parseNullTime(nextRetryAt); err != nil {
		return nil, fmt.Errorf("parse next_retry_at for %s: %w", item.ID, err)
	}
	if item.ProcessedAt, err = parseNullTime(processedAt); err != nil {
		return nil, fmt.Errorf("parse processed_at for %s: %w", item.ID, err)
	}

	return &item, nil
}

func scanQueueItems(rows *sql.Rows) ([]possync.QueueItem, error) {
	defer rows.Close()

	items := make([]possync.QueueItem, 0)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
