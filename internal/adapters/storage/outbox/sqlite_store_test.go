package outbox

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"safetrail/internal/adapters/storage"
	domain "safetrail/internal/domain/outbox"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := storage.MigrateDB(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewSQLiteStore(db)
}

func TestSQLiteStore_EnqueueIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 22, 0, 0, 0, time.UTC)

	e, err := domain.NewEntry("sos_alert:ep-1:g-1", domain.ActionTypeSOSAlert, `{"to":"g@example.com"}`, now)
	if err != nil {
		t.Fatal(err)
	}
	inserted, err := store.Enqueue(ctx, e)
	if err != nil || !inserted {
		t.Fatalf("Enqueue() = %v, %v; want inserted", inserted, err)
	}

	e.Payload = `{"to":"other@example.com"}`
	inserted, err = store.Enqueue(ctx, e)
	if err != nil || inserted {
		t.Fatalf("second Enqueue() = %v, %v; want ignored", inserted, err)
	}

	got, err := store.GetByID(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Payload != `{"to":"g@example.com"}` || got.Status != domain.StatusPending {
		t.Errorf("GetByID() = %+v", got)
	}
}

func TestSQLiteStore_PendingAndFailed(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 22, 0, 0, 0, time.UTC)

	pending, _ := domain.NewEntry("a", domain.ActionTypeSOSAlert, "{}", now)
	retrying, _ := domain.NewEntry("b", domain.ActionTypeSOSAlert, "{}", now.Add(time.Second))
	retrying.MarkAttempt(now.Add(time.Minute))
	retrying.MarkFailed(errors.New("timeout"))
	failed, _ := domain.NewEntry("c", domain.ActionTypeSOSResolved, "{}", now.Add(2*time.Second))
	failed.MaxAttempts = 1
	failed.MarkAttempt(now.Add(time.Minute))
	failed.MarkFailed(errors.New("bounced"))

	for _, e := range []domain.Entry{pending, retrying, failed} {
		if err := store.Save(ctx, e); err != nil {
			t.Fatalf("Save(%s) error = %v", e.ID, err)
		}
	}

	got, err := store.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("ListPending() = %+v", got)
	}
	if !got[1].LastAttemptedAt.Equal(now.Add(time.Minute)) || got[1].ErrorMessage != "timeout" {
		t.Errorf("retrying entry = %+v", got[1])
	}

	dead, err := store.ListFailed(ctx, 10)
	if err != nil || len(dead) != 1 || dead[0].ID != "c" {
		t.Errorf("ListFailed() = %+v, %v", dead, err)
	}
}
