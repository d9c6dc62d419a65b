package store

import (
	"context"
	"fmt"
	"time"

	possync "github.com/muntu/possync/internal/sync"
)

// GetQueueStats aggregates the sync queue, DLQ, and conflict tables into
// the dashboard overview: pending/failed counts, items completed in the
// last 24 hours, and per-entity breakdowns.
func (s *SQLiteStore) GetQueueStats(ctx context.Context, now time.Time) (*possync.QueueStats, error) {
	stats := &possync.QueueStats{
		PendingByEntity: make(map[possync.EntityType]int),
		FailedByEntity:  make(map[possync.EntityType]int),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, status, COUNT(*)
		FROM sync_queue
		GROUP BY entity_type, status
	`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			entityType, status string
			count              int
		)
		if err := rows.Scan(&entityType, &status, &count); err != nil {
			return nil, fmt.Errorf("queue stats: scan: %w", err)
		}
		entity := possync.EntityType(entityType)
		switch status {
		case possync.StatusPending:
			stats.Pending += count
			stats.PendingByEntity[entity] += count
		case possync.StatusFailed:
			stats.Failed += count
			stats.FailedByEntity[entity] += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	since := formatTime(now.Add(-24 * time.Hour))
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_queue WHERE status = ? AND processed_at >= ?
	`, possync.StatusCompleted, since).Scan(&stats.Synced24h)
	if err != nil {
		return nil, fmt.Errorf("queue stats: synced 24h: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&stats.DeadLettered)
	if err != nil {
		return nil, fmt.Errorf("queue stats: dead letters: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_conflicts`).Scan(&stats.UnresolvedConflicts)
	if err != nil {
		return nil, fmt.Errorf("queue stats: conflicts: %w", err)
	}

	return stats, nil
}
