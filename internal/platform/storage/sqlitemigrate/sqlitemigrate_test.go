package sqlitemigrate

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func migrationFS(files map[string]string) fstest.MapFS {
	out := fstest.MapFS{}
	for name, content := range files {
		out[name] = &fstest.MapFile{Data: []byte(content)}
	}
	return out
}

func TestApplyMigrations_RecordsOnce(t *testing.T) {
	db := openInMemoryDB(t)
	migrations := migrationFS(map[string]string{
		"001_passes.sql": "-- +migrate Up\nCREATE TABLE passes(id TEXT PRIMARY KEY);\n-- +migrate Down\nDROP TABLE passes;",
		"002_index.sql":  "-- +migrate Up\nCREATE INDEX passes_id ON passes(id);",
		"README.md":      "not a migration",
	})

	for i := 0; i < 2; i++ {
		if err := ApplyMigrations(context.Background(), db, migrations, ""); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	if got := queryInt64(t, db, "SELECT COUNT(*) FROM schema_migrations"); got != 2 {
		t.Fatalf("migrations = %d, want 2", got)
	}
	if !tableExists(t, db, "passes") {
		t.Fatal("expected passes table")
	}
}

func TestApplyMigrations_FailedFileIsRetried(t *testing.T) {
	db := openInMemoryDB(t)

	bad := migrationFS(map[string]string{"001_passes.sql": "-- +migrate Up\nCREAT TABLE passes(id INT);"})
	if err := ApplyMigrations(context.Background(), db, bad, ""); err == nil {
		t.Fatal("expected bad migration to fail")
	}
	if got := queryInt64(t, db, "SELECT COUNT(*) FROM schema_migrations"); got != 0 {
		t.Fatalf("migrations = %d, want failed file unrecorded", got)
	}

	good := migrationFS(map[string]string{"001_passes.sql": "-- +migrate Up\nCREATE TABLE passes(id INT);"})
	if err := ApplyMigrations(context.Background(), db, good, ""); err != nil {
		t.Fatalf("apply fixed migration: %v", err)
	}
	if !tableExists(t, db, "passes") {
		t.Fatal("expected passes table after retry")
	}
}

func TestApplyMigrations_Root(t *testing.T) {
	db := openInMemoryDB(t)
	migrations := migrationFS(map[string]string{"journal/001_passes.sql": "CREATE TABLE passes(id TEXT);"})

	if err := ApplyMigrations(context.Background(), db, migrations, "journal"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	var name string
	if err := db.QueryRow("SELECT name FROM schema_migrations").Scan(&name); err != nil {
		t.Fatalf("query: %v", err)
	}
	if name != "journal/001_passes.sql" {
		t.Fatalf("name = %q, want %q", name, "journal/001_passes.sql")
	}
}

func TestExtractUpMigration(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"no markers", "CREATE TABLE t(x);", "CREATE TABLE t(x);"},
		{"up only", "-- +migrate Up\nCREATE TABLE t(x);", "\nCREATE TABLE t(x);"},
		{"up and down", "-- +migrate Up\nA;\n-- +migrate Down\nB;", "\nA;\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractUpMigration(tc.in); got != tc.want {
				t.Fatalf("up = %q, want %q", got, tc.want)
			}
		})
	}
}

func openInMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	// Every pooled connection to :memory: is its own database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func queryInt64(t *testing.T, db *sql.DB, query string) int64 {
	t.Helper()
	var value int64
	if err := db.QueryRow(query).Scan(&value); err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	return value
}

func tableExists(t *testing.T, db *sql.DB, table string) bool {
	t.Helper()
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	if err != nil {
		t.Fatalf("check table: %v", err)
	}
	return true
}
