// Package replicator implements the two directional halves of the sync
// engine: draining the outbound queue to the cloud API and merging inbound
// server state into the local store.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/muntu/possync/internal/remote"
	possync "github.com/muntu/possync/internal/sync"
)

// ErrAuthRequired aborts a cycle when the cloud API rejects the bearer
// token; the orchestrator reauthenticates before anything else runs.
var ErrAuthRequired = errors.New("authentication required")

// PushStore is the queue surface the push replicator needs.
type PushStore interface {
	ClaimBatch(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]possync.QueueItem, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string, maxRetries int, nextRetryAt time.Time) (bool, error)
	MarkEntitySynced(ctx context.Context, entityType possync.EntityType, entityID string) error
}

// Pusher is the remote surface the push replicator needs.
type Pusher interface {
	Push(ctx context.Context, item possync.QueueItem) error
}

// PushConfig tunes the push replicator.
type PushConfig struct {
	BatchSize  int
	MaxRetries int
	ClaimLease time.Duration
	// BackoffBase and BackoffMax bound the per-item retry schedule:
	// base*2^retries plus jitter, capped at max. The retryCount/DLQ
	// contract is unchanged; backoff only spaces the attempts out.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// PushStats summarizes one push cycle.
type PushStats struct {
	Pushed       int
	Failed       int
	DeadLettered int
}

// PushReplicator drains the sync queue to the cloud API in priority order,
// with at-least-once delivery against idempotent server upserts.
type PushReplicator struct {
	store  PushStore
	pusher Pusher
	cfg    PushConfig
}

// NewPushReplicator creates a push replicator.
func NewPushReplicator(store PushStore, pusher Pusher, cfg PushConfig) *PushReplicator {
	return &PushReplicator{store: store, pusher: pusher, cfg: cfg}
}

// Run executes one push cycle: claim a batch, deliver each item, record
// the outcome. Auth failures abort the cycle with ErrAuthRequired and
// leave the remaining claims to lapse; every other failure is absorbed
// into the item's retry state.
func (r *PushReplicator) Run(ctx context.Context, now time.Time) (PushStats, error) {
	var stats PushStats

	items, err := r.store.ClaimBatch(ctx, r.cfg.BatchSize, now, r.cfg.ClaimLease)
	if err != nil {
		return stats, fmt.Errorf("push: claim batch: %w", err)
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		err := r.pusher.Push(ctx, item)
		if err == nil {
			if err := r.store.MarkCompleted(ctx, item.ID); err != nil {
				return stats, fmt.Errorf("push: %w", err)
			}
			// Delivery makes the local row server-authoritative. The row
			// may already be gone for delete mutations.
			if markErr := r.store.MarkEntitySynced(ctx, item.EntityType, item.EntityID); markErr != nil {
				slog.Debug("entity not marked synced after push",
					"component", "replicator",
					"entity_type", string(item.EntityType),
					"entity_id", item.EntityID,
					"error", markErr,
				)
			}
			stats.Pushed++
			continue
		}

		if remote.IsAuthError(err) {
			slog.Warn("push aborted on auth failure",
				"component", "replicator",
				"item_id", item.ID,
				"error", err,
			)
			return stats, fmt.Errorf("push %s: %w", item.ID, ErrAuthRequired)
		}

		class := "transient"
		if remote.IsPermanent(err) {
			class = "permanent"
		}
		slog.Warn("push item failed",
			"component", "replicator",
			"item_id", item.ID,
			"entity_type", string(item.EntityType),
			"entity_id", item.EntityID,
			"retry_count", item.RetryCount,
			"class", class,
			"error", err,
		)

		nextRetry := now.Add(r.backoff(item.RetryCount))
		deadLettered, markErr := r.store.MarkFailed(ctx, item.ID, err.Error(), r.cfg.MaxRetries, nextRetry)
		if markErr != nil {
			return stats, fmt.Errorf("push: %w", markErr)
		}
		if deadLettered {
			stats.DeadLettered++
		} else {
			stats.Failed++
		}
	}

	return stats, nil
}

// backoff returns the delay before the next attempt for an item that has
// already failed retries times: exponential with jitter, capped.
func (r *PushReplicator) backoff(retries int) time.Duration {
	d := r.cfg.BackoffBase << uint(retries)
	if d <= 0 || d > r.cfg.BackoffMax {
		d = r.cfg.BackoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
