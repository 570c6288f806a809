package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	v, err := db.SchemaVersion(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v != 2 {
		t.Errorf("SchemaVersion = %d, want 2", v)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	insert := `INSERT INTO accounts (id, email, created_at) VALUES (?, ?, ?)`
	if _, err := db.ExecContext(ctx, insert, "a1", "a@example.com", 1); err != nil {
		t.Fatal(err)
	}
	_, err := db.ExecContext(ctx, insert, "a2", "a@example.com", 1)
	if !IsUniqueViolation(err) {
		t.Errorf("IsUniqueViolation(%v) = false, want true", err)
	}
	if IsUniqueViolation(errors.New("other")) {
		t.Error("plain error reported as unique violation")
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	sentinel := errors.New("abort")
	err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO accounts (id, email, created_at) VALUES ('x', 'x@x', 1)`); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("WithTx error = %v, want sentinel", err)
	}

	var n int
	if err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM accounts`); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("rows after rollback = %d, want 0", n)
	}
}

func TestMillisRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 15, 123456789, time.UTC)
	got := FromMillis(Millis(now))
	if !got.Equal(now.Truncate(time.Millisecond)) {
		t.Errorf("FromMillis(Millis(t)) = %v, want %v", got, now.Truncate(time.Millisecond))
	}
}

func TestSplitList(t *testing.T) {
	got := SplitList(" newsletters, ,marketing")
	if len(got) != 2 || got[0] != "newsletters" || got[1] != "marketing" {
		t.Errorf("SplitList = %v", got)
	}
	if SplitList("") != nil {
		t.Error("SplitList(\"\") should be nil")
	}
}
