package store

import (
	"context"
	"testing"
	"time"

	possync "github.com/muntu/possync/internal/sync"
)

func TestCursors_ZeroWhenAbsent(t *testing.T) {
	db := newTestStore(t)

	since, err := db.GetCursor(context.Background(), possync.EntityProduct)
	if err != nil {
		t.Fatal(err)
	}
	if !since.IsZero() {
		t.Errorf("expected zero cursor for fresh store, got %v", since)
	}
}

func TestCursors_AdvanceIsMonotonic(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	t1 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	if err := db.AdvanceCursor(ctx, possync.EntitySale, t2); err != nil {
		t.Fatal(err)
	}

	// An older watermark must not rewind the cursor
	if err := db.AdvanceCursor(ctx, possync.EntitySale, t1); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetCursor(ctx, possync.EntitySale)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(t2) {
		t.Errorf("expected cursor %v, got %v", t2, got)
	}
}

func TestCursors_PerEntityIndependence(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	mark := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if err := db.AdvanceCursor(ctx, possync.EntityProduct, mark); err != nil {
		t.Fatal(err)
	}

	other, err := db.GetCursor(ctx, possync.EntityCustomer)
	if err != nil {
		t.Fatal(err)
	}
	if !other.IsZero() {
		t.Errorf("expected independent cursor to stay zero, got %v", other)
	}
}
