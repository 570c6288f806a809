// Package storagetest provides migrated throwaway databases for tests.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fenilsonani/mail-automation/internal/storage"
)

// Open returns a migrated file-backed database removed when the test ends.
// A real file is used so that concurrent connections share one database.
func Open(t testing.TB) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "automation.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

// Account inserts an account row and returns its id.
func Account(t testing.TB, db *storage.DB, id, email string, aiAccess bool, optIns ...string) string {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO accounts (id, email, ai_access, opt_ins, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, email, aiAccess, storage.JoinList(optIns), storage.Millis(time.Now()),
	)
	if err != nil {
		t.Fatalf("insert account: %v", err)
	}
	return id
}
