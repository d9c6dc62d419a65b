package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	possync "github.com/muntu/possync/internal/sync"
)

func TestConflicts_UpsertRefreshesInsteadOfDuplicating(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	local := json.RawMessage(`{"name":"local"}`)
	server1 := json.RawMessage(`{"name":"server v1"}`)
	server2 := json.RawMessage(`{"name":"server v2"}`)

	first, err := db.UpsertConflict(ctx, possync.EntityProduct, "p-1", local, server1, now, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	second, err := db.UpsertConflict(ctx, possync.EntityProduct, "p-1", local, server2, now, now.Add(2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	if second.ID != first.ID {
		t.Errorf("expected refreshed conflict to keep id %s, got %s", first.ID, second.ID)
	}
	if string(second.ServerPayload) != string(server2) {
		t.Errorf("expected refreshed server payload, got %s", second.ServerPayload)
	}

	records, err := db.ListConflicts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly 1 open conflict, got %d", len(records))
	}
}

func TestConflicts_DeleteIsTerminal(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	record, err := db.UpsertConflict(ctx, possync.EntityCustomer, "c-1",
		json.RawMessage(`{}`), json.RawMessage(`{}`), now, now)
	if err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteConflict(ctx, record.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetConflict(ctx, record.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := db.DeleteConflict(ctx, record.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}
