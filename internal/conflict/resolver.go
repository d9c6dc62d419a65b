// Package conflict exposes manual resolution of sync conflicts: an
// operator inspects both payloads and decides which side survives.
package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	possync "github.com/muntu/possync/internal/sync"
)

// ErrInvalidResolution is returned for a resolution outside the known set.
var ErrInvalidResolution = errors.New("invalid resolution")

// Store is the local surface the resolver needs.
type Store interface {
	GetConflict(ctx context.Context, id string) (*possync.ConflictRecord, error)
	ListConflicts(ctx context.Context) ([]possync.ConflictRecord, error)
	DeleteConflict(ctx context.Context, id string) error
	Enqueue(ctx context.Context, op possync.Operation, entityType possync.EntityType, entityID string, payload possync.Envelope, priority int) (*possync.QueueItem, error)
	UpsertEntity(ctx context.Context, entityType possync.EntityType, entityID string, payload json.RawMessage, updatedAt time.Time, synced bool) error
	CompleteSuperseded(ctx context.Context, entityType possync.EntityType, entityID string) (int64, error)
}

// Resolver applies operator decisions to open conflicts.
type Resolver struct {
	store Store
}

// NewResolver creates a Resolver over the local store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// List returns all open conflicts.
func (r *Resolver) List(ctx context.Context) ([]possync.ConflictRecord, error) {
	return r.store.ListConflicts(ctx)
}

// Resolve applies a terminal decision to a conflict and deletes the
// record. A new conflict for the same entity can only appear once a new
// divergence is detected.
//
// keep_local re-enqueues the local payload as a fresh mutation so it
// eventually overwrites the server. keep_server applies the server payload
// to the local row, marks it synced, and retires any still-pending local
// mutations for the entity, since pushing them would clobber the version
// the operator just chose.
func (r *Resolver) Resolve(ctx context.Context, id string, resolution possync.Resolution) error {
	if !resolution.Valid() {
		return fmt.Errorf("resolution %q: %w", string(resolution), ErrInvalidResolution)
	}

	record, err := r.store.GetConflict(ctx, id)
	if err != nil {
		return err
	}

	switch resolution {
	case possync.KeepLocal:
		envelope := possync.Envelope{
			EntityType:    record.EntityType,
			SchemaVersion: possync.SchemaVersion,
			Data:          record.LocalPayload,
		}
		item, err := r.store.Enqueue(ctx, possync.OperationUpdate, record.EntityType, record.EntityID,
			envelope, record.EntityType.DefaultPriority())
		if err != nil {
			return fmt.Errorf("resolve %s keep_local: %w", id, err)
		}
		slog.Info("conflict resolved",
			"component", "conflict",
			"conflict_id", id,
			"resolution", string(resolution),
			"entity_type", string(record.EntityType),
			"entity_id", record.EntityID,
			"queued_item", item.ID,
		)

	case possync.KeepServer:
		if err := r.store.UpsertEntity(ctx, record.EntityType, record.EntityID,
			record.ServerPayload, record.ServerTimestamp, true); err != nil {
			return fmt.Errorf("resolve %s keep_server: %w", id, err)
		}
		retired, err := r.store.CompleteSuperseded(ctx, record.EntityType, record.EntityID)
		if err != nil {
			return fmt.Errorf("resolve %s keep_server: %w", id, err)
		}
		slog.Info("conflict resolved",
			"component", "conflict",
			"conflict_id", id,
			"resolution", string(resolution),
			"entity_type", string(record.EntityType),
			"entity_id", record.EntityID,
			"superseded_items", retired,
		)
	}

	return r.store.DeleteConflict(ctx, id)
}
