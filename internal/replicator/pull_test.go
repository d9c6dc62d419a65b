package replicator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/muntu/possync/internal/remote"
	"github.com/muntu/possync/internal/store"
	possync "github.com/muntu/possync/internal/sync"
)

type entityKey struct {
	entityType possync.EntityType
	entityID   string
}

type fakePullStore struct {
	cursors   map[possync.EntityType]time.Time
	rows      map[entityKey]*possync.EntityRow
	pending   map[entityKey]bool
	conflicts map[entityKey]*possync.ConflictRecord
}

func newFakePullStore() *fakePullStore {
	return &fakePullStore{
		cursors:   make(map[possync.EntityType]time.Time),
		rows:      make(map[entityKey]*possync.EntityRow),
		pending:   make(map[entityKey]bool),
		conflicts: make(map[entityKey]*possync.ConflictRecord),
	}
}

func (s *fakePullStore) GetCursor(ctx context.Context, entityType possync.EntityType) (time.Time, error) {
	return s.cursors[entityType], nil
}

func (s *fakePullStore) AdvanceCursor(ctx context.Context, entityType possync.EntityType, to time.Time) error {
	if to.After(s.cursors[entityType]) {
		s.cursors[entityType] = to
	}
	return nil
}

func (s *fakePullStore) GetEntity(ctx context.Context, entityType possync.EntityType, entityID string) (*possync.EntityRow, error) {
	row, ok := s.rows[entityKey{entityType, entityID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *row
	return &copied, nil
}

func (s *fakePullStore) UpsertEntity(ctx context.Context, entityType possync.EntityType, entityID string, payload json.RawMessage, updatedAt time.Time, synced bool) error {
	s.rows[entityKey{entityType, entityID}] = &possync.EntityRow{
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		UpdatedAt:  updatedAt,
		Synced:     synced,
	}
	return nil
}

func (s *fakePullStore) HasPendingMutation(ctx context.Context, entityType possync.EntityType, entityID string) (bool, error) {
	return s.pending[entityKey{entityType, entityID}], nil
}

func (s *fakePullStore) UpsertConflict(ctx context.Context, entityType possync.EntityType, entityID string, localPayload, serverPayload json.RawMessage, localTS, serverTS time.Time) (*possync.ConflictRecord, error) {
	record := &possync.ConflictRecord{
		ID:              fmt.Sprintf("conflict-%s-%s", entityType, entityID),
		EntityType:      entityType,
		EntityID:        entityID,
		LocalPayload:    localPayload,
		ServerPayload:   serverPayload,
		LocalTimestamp:  localTS,
		ServerTimestamp: serverTS,
	}
	s.conflicts[entityKey{entityType, entityID}] = record
	return record, nil
}

type fakePuller struct {
	responses map[possync.EntityType]*remote.PullResponse
	err       error
}

func (p *fakePuller) PullSince(ctx context.Context, entityType possync.EntityType, since time.Time) (*remote.PullResponse, error) {
	if p.err != nil {
		return nil, p.err
	}
	if resp, ok := p.responses[entityType]; ok {
		return resp, nil
	}
	return &remote.PullResponse{ServerTime: since}, nil
}

var baseTime = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func TestPull_AppliesServerVersionToSyncedRow(t *testing.T) {
	st := newFakePullStore()
	st.rows[entityKey{possync.EntityProduct, "p-1"}] = &possync.EntityRow{
		EntityType: possync.EntityProduct,
		EntityID:   "p-1",
		Payload:    json.RawMessage(`{"name":"old"}`),
		UpdatedAt:  baseTime,
		Synced:     true,
	}
	puller := &fakePuller{responses: map[possync.EntityType]*remote.PullResponse{
		possync.EntityProduct: {
			Items: []remote.PullItem{
				{ID: "p-1", Payload: json.RawMessage(`{"name":"new"}`), UpdatedAt: baseTime.Add(time.Minute)},
				{ID: "p-2", Payload: json.RawMessage(`{"name":"brand new"}`), UpdatedAt: baseTime.Add(2 * time.Minute)},
			},
			ServerTime: baseTime.Add(2 * time.Minute),
		},
	}}

	stats, err := NewPullReplicator(st, puller).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Applied != 2 || stats.Conflicts != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}

	row := st.rows[entityKey{possync.EntityProduct, "p-1"}]
	if string(row.Payload) != `{"name":"new"}` || !row.Synced {
		t.Errorf("expected overwritten synced row, got %+v", row)
	}
	if _, ok := st.rows[entityKey{possync.EntityProduct, "p-2"}]; !ok {
		t.Error("expected previously unknown entity to be created")
	}
}

func TestPull_LocalNewerUnsyncedEditWinsSilently(t *testing.T) {
	st := newFakePullStore()
	localPayload := json.RawMessage(`{"name":"local edit"}`)
	st.rows[entityKey{possync.EntityProduct, "p-1"}] = &possync.EntityRow{
		EntityType: possync.EntityProduct,
		EntityID:   "p-1",
		Payload:    localPayload,
		UpdatedAt:  baseTime.Add(10 * time.Second),
		Synced:     false,
	}
	puller := &fakePuller{responses: map[possync.EntityType]*remote.PullResponse{
		possync.EntityProduct: {
			Items: []remote.PullItem{
				{ID: "p-1", Payload: json.RawMessage(`{"name":"server"}`), UpdatedAt: baseTime.Add(5 * time.Second)},
			},
			ServerTime: baseTime.Add(5 * time.Second),
		},
	}}

	stats, err := NewPullReplicator(st, puller).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Skipped != 1 || stats.Conflicts != 0 || stats.Applied != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}

	row := st.rows[entityKey{possync.EntityProduct, "p-1"}]
	if string(row.Payload) != string(localPayload) || row.Synced {
		t.Errorf("expected local row untouched, got %+v", row)
	}
	if len(st.conflicts) != 0 {
		t.Errorf("expected no conflict, got %v", st.conflicts)
	}
}

func TestPull_ServerNewerAgainstUnsyncedEditConflicts(t *testing.T) {
	st := newFakePullStore()
	localPayload := json.RawMessage(`{"name":"local edit"}`)
	st.rows[entityKey{possync.EntityProduct, "p-1"}] = &possync.EntityRow{
		EntityType: possync.EntityProduct,
		EntityID:   "p-1",
		Payload:    localPayload,
		UpdatedAt:  baseTime.Add(5 * time.Second),
		Synced:     false,
	}
	puller := &fakePuller{responses: map[possync.EntityType]*remote.PullResponse{
		possync.EntityProduct: {
			Items: []remote.PullItem{
				{ID: "p-1", Payload: json.RawMessage(`{"name":"server"}`), UpdatedAt: baseTime.Add(10 * time.Second)},
			},
			ServerTime: baseTime.Add(10 * time.Second),
		},
	}}

	stats, err := NewPullReplicator(st, puller).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Conflicts != 1 || stats.Applied != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}

	// Local row stays untouched until an operator resolves
	row := st.rows[entityKey{possync.EntityProduct, "p-1"}]
	if string(row.Payload) != string(localPayload) {
		t.Errorf("expected local row unmodified, got %s", row.Payload)
	}
	conflict := st.conflicts[entityKey{possync.EntityProduct, "p-1"}]
	if conflict == nil {
		t.Fatal("expected conflict record")
	}
	if string(conflict.LocalPayload) != string(localPayload) || string(conflict.ServerPayload) != `{"name":"server"}` {
		t.Errorf("conflict payloads not captured: %+v", conflict)
	}
}

func TestPull_PendingQueueItemCountsAsUnsynced(t *testing.T) {
	st := newFakePullStore()
	// Row looks synced but a queued mutation is still in flight
	st.rows[entityKey{possync.EntityCustomer, "c-1"}] = &possync.EntityRow{
		EntityType: possync.EntityCustomer,
		EntityID:   "c-1",
		Payload:    json.RawMessage(`{"fullName":"Ada"}`),
		UpdatedAt:  baseTime,
		Synced:     true,
	}
	st.pending[entityKey{possync.EntityCustomer, "c-1"}] = true

	puller := &fakePuller{responses: map[possync.EntityType]*remote.PullResponse{
		possync.EntityCustomer: {
			Items: []remote.PullItem{
				{ID: "c-1", Payload: json.RawMessage(`{"fullName":"Grace"}`), UpdatedAt: baseTime.Add(time.Minute)},
			},
			ServerTime: baseTime.Add(time.Minute),
		},
	}}

	stats, err := NewPullReplicator(st, puller).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Conflicts != 1 {
		t.Errorf("expected conflict via pending queue item, got %+v", stats)
	}
}

func TestPull_CursorAdvancesToBatchWatermark(t *testing.T) {
	st := newFakePullStore()
	puller := &fakePuller{responses: map[possync.EntityType]*remote.PullResponse{
		possync.EntitySale: {
			Items: []remote.PullItem{
				{ID: "s-1", Payload: json.RawMessage(`{}`), UpdatedAt: baseTime.Add(time.Minute)},
				{ID: "s-2", Payload: json.RawMessage(`{}`), UpdatedAt: baseTime.Add(3 * time.Minute)},
			},
			ServerTime: baseTime.Add(10 * time.Minute),
		},
	}}

	if _, err := NewPullReplicator(st, puller).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Watermark is the newest item, not the server clock, so a crash
	// between batches cannot skip rows committed after this response.
	if got := st.cursors[possync.EntitySale]; !got.Equal(baseTime.Add(3 * time.Minute)) {
		t.Errorf("expected cursor at newest item, got %v", got)
	}

	// An empty follow-up batch lets the cursor ride the server clock
	puller.responses[possync.EntitySale] = &remote.PullResponse{
		ServerTime: baseTime.Add(20 * time.Minute),
	}
	if _, err := NewPullReplicator(st, puller).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := st.cursors[possync.EntitySale]; !got.Equal(baseTime.Add(20 * time.Minute)) {
		t.Errorf("expected cursor at server time, got %v", got)
	}
}

func TestPull_MergeIsIdempotent(t *testing.T) {
	st := newFakePullStore()
	resp := &remote.PullResponse{
		Items: []remote.PullItem{
			{ID: "p-1", Payload: json.RawMessage(`{"name":"v1"}`), UpdatedAt: baseTime},
		},
		ServerTime: baseTime,
	}
	puller := &fakePuller{responses: map[possync.EntityType]*remote.PullResponse{
		possync.EntityProduct: resp,
	}}
	r := NewPullReplicator(st, puller)

	for i := 0; i < 2; i++ {
		if _, err := r.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	row := st.rows[entityKey{possync.EntityProduct, "p-1"}]
	if string(row.Payload) != `{"name":"v1"}` || !row.Synced {
		t.Errorf("expected stable row after replay, got %+v", row)
	}
	if len(st.conflicts) != 0 {
		t.Errorf("replay must not create conflicts, got %v", st.conflicts)
	}
}

func TestPull_AuthFailureSurfacesAsAuthRequired(t *testing.T) {
	puller := &fakePuller{err: &remote.APIError{Status: 401, Class: remote.ClassAuth, Message: "expired"}}
	_, err := NewPullReplicator(newFakePullStore(), puller).Run(context.Background())
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
}
