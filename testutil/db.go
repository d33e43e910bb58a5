// Package testutil holds helpers shared by package tests.
package testutil

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/onnwee/formcheck/db"
)

// SetupTestDB returns a migrated database for a test. It uses a fresh SQLite
// file under t.TempDir, or the Postgres database named by TEST_PG_DSN when set.
// Postgres tables are truncated first so tests start from an empty store.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		dsn = "sqlite://" + filepath.Join(t.TempDir(), "test.db")
	}
	database, dialect, err := db.Connect(dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.RunMigrations(database, dialect); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	if dialect == db.Postgres {
		for _, table := range []string{"uploads", "reference_images", "oauth_tokens", "kv"} {
			if _, err := database.Exec("DELETE FROM " + table); err != nil {
				database.Close()
				t.Fatalf("failed to reset %s: %v", table, err)
			}
		}
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}
