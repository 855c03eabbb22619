// Package storetest opens throwaway stores for tests in other packages.
package storetest

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/KafClaw/MarketClaw/internal/store"
)

// New returns a store backed by a private in-memory database.
func New(t testing.TB) *store.Service {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	db.SetMaxOpenConns(1)
	svc, err := store.NewFromDB(db)
	if err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return svc
}
