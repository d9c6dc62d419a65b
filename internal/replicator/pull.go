package replicator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/muntu/possync/internal/remote"
	"github.com/muntu/possync/internal/store"
	possync "github.com/muntu/possync/internal/sync"
)

// PullStore is the local surface the merge engine needs.
type PullStore interface {
	GetCursor(ctx context.Context, entityType possync.EntityType) (time.Time, error)
	AdvanceCursor(ctx context.Context, entityType possync.EntityType, to time.Time) error
	GetEntity(ctx context.Context, entityType possync.EntityType, entityID string) (*possync.EntityRow, error)
	UpsertEntity(ctx context.Context, entityType possync.EntityType, entityID string, payload json.RawMessage, updatedAt time.Time, synced bool) error
	HasPendingMutation(ctx context.Context, entityType possync.EntityType, entityID string) (bool, error)
	UpsertConflict(ctx context.Context, entityType possync.EntityType, entityID string, localPayload, serverPayload json.RawMessage, localTS, serverTS time.Time) (*possync.ConflictRecord, error)
}

// Puller is the remote surface the merge engine needs.
type Puller interface {
	PullSince(ctx context.Context, entityType possync.EntityType, since time.Time) (*remote.PullResponse, error)
}

// PullStats summarizes one pull cycle.
type PullStats struct {
	Pulled    int
	Applied   int
	Conflicts int
	Skipped   int
}

// PullReplicator fetches server-authoritative entity state since the last
// cursor and merges it without clobbering unsynced local edits.
type PullReplicator struct {
	store  PullStore
	puller Puller
}

// NewPullReplicator creates a pull replicator / merge engine.
func NewPullReplicator(store PullStore, puller Puller) *PullReplicator {
	return &PullReplicator{store: store, puller: puller}
}

// Run executes one pull cycle across all entity types. The per-entity
// cursor advances only after that entity's whole batch merged, so a crash
// mid-cycle replays from the previous watermark; the merge is idempotent
// per entity id, so the replay is harmless.
func (r *PullReplicator) Run(ctx context.Context) (PullStats, error) {
	var stats PullStats

	for _, entityType := range possync.EntityTypes() {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if err := r.pullEntity(ctx, entityType, &stats); err != nil {
			if remote.IsAuthError(err) {
				return stats, fmt.Errorf("pull %s: %w", entityType, ErrAuthRequired)
			}
			return stats, fmt.Errorf("pull %s: %w", entityType, err)
		}
	}

	return stats, nil
}

func (r *PullReplicator) pullEntity(ctx context.Context, entityType possync.EntityType, stats *PullStats) error {
	since, err := r.store.GetCursor(ctx, entityType)
	if err != nil {
		return err
	}

	resp, err := r.puller.PullSince(ctx, entityType, since)
	if err != nil {
		return err
	}

	watermark := since
	for _, item := range resp.Items {
		if err := r.mergeOne(ctx, entityType, item, stats); err != nil {
			return err
		}
		if item.UpdatedAt.After(watermark) {
			watermark = item.UpdatedAt
		}
	}
	stats.Pulled += len(resp.Items)

	// Advance only after the whole batch committed. Prefer the server
	// clock when it is ahead of the newest item so quiet entities do not
	// re-fetch the same tail forever.
	if resp.ServerTime.After(watermark) && len(resp.Items) == 0 {
		watermark = resp.ServerTime
	}
	return r.store.AdvanceCursor(ctx, entityType, watermark)
}

// mergeOne applies one server version under the merge policy:
//
//  1. Local row synced (or absent): the server version is applied
//     unconditionally.
//  2. Local row carries an unsynced edit newer than the server version:
//     the local edit wins locally and stays queued; no conflict. The
//     server change it shadows is older and will be overwritten by the
//     pending push anyway.
//  3. Local row carries an unsynced edit and the server version is newer
//     (another device's change landed first): both sides diverged, so a
//     conflict record captures both payloads and the local row stays
//     untouched until an operator resolves it.
func (r *PullReplicator) mergeOne(ctx context.Context, entityType possync.EntityType, item remote.PullItem, stats *PullStats) error {
	local, err := r.store.GetEntity(ctx, entityType, item.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		local = nil
	}

	unsynced := local != nil && !local.Synced
	if local != nil && !unsynced {
		// The row may look synced while a queued mutation for it is
		// still in flight; the queue is the source of truth.
		pending, err := r.store.HasPendingMutation(ctx, entityType, item.ID)
		if err != nil {
			return err
		}
		unsynced = pending
	}

	if local == nil || !unsynced {
		if err := r.store.UpsertEntity(ctx, entityType, item.ID, item.Payload, item.UpdatedAt, true); err != nil {
			return err
		}
		stats.Applied++
		return nil
	}

	if local.UpdatedAt.After(item.UpdatedAt) {
		// Local edit is newer; it is already queued to overwrite the
		// server. Nothing to record.
		stats.Skipped++
		return nil
	}

	conflict, err := r.store.UpsertConflict(ctx, entityType, item.ID,
		local.Payload, item.Payload, local.UpdatedAt, item.UpdatedAt)
	if err != nil {
		return err
	}
	slog.Info("conflict detected",
		"component", "replicator",
		"conflict_id", conflict.ID,
		"entity_type", string(entityType),
		"entity_id", item.ID,
		"local_timestamp", local.UpdatedAt,
		"server_timestamp", item.UpdatedAt,
	)
	stats.Conflicts++
	return nil
}
