package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"receipt-ocr-pipeline/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "receipts.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestUpsertCreatesRecord(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	err := st.Upsert(ctx, "r1", models.RecordFields{
		Owner:  models.String("michael"),
		Status: models.String(models.StatusProcessing),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec, err := st.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Owner != "michael" || rec.Status != models.StatusProcessing {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.UpdatedAt.IsZero() {
		t.Fatal("updated_at not set")
	}
}

func TestUpsertMergesPartialFields(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.Upsert(ctx, "r1", models.RecordFields{
		Owner:  models.String("michael"),
		Status: models.String(models.StatusProcessing),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A status-only merge must not clear the owner.
	if err := st.Upsert(ctx, "r1", models.RecordFields{
		Status: models.String(models.StatusRetrying),
	}); err != nil {
		t.Fatalf("merge status: %v", err)
	}
	rec, _ := st.Get(ctx, "r1")
	if rec.Owner != "michael" {
		t.Fatalf("owner lost on merge: %+v", rec)
	}
	if rec.Status != models.StatusRetrying {
		t.Fatalf("status not merged: %+v", rec)
	}

	// A text-only merge must not clear the status.
	if err := st.Upsert(ctx, "r1", models.RecordFields{
		ExtractedText: models.String("Total $42.00\n"),
	}); err != nil {
		t.Fatalf("merge text: %v", err)
	}
	rec, _ = st.Get(ctx, "r1")
	if rec.Status != models.StatusRetrying || rec.ExtractedText != "Total $42.00\n" {
		t.Fatalf("merge corrupted record: %+v", rec)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	fields := models.RecordFields{
		Owner:  models.String("michael"),
		Status: models.String(models.StatusProcessing),
	}
	for i := 0; i < 2; i++ {
		if err := st.Upsert(ctx, "r1", fields); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	rec, err := st.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Owner != "michael" || rec.Status != models.StatusProcessing {
		t.Fatalf("duplicate upsert corrupted record: %+v", rec)
	}
}

func TestGetNotFound(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
