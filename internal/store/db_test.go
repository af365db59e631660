package store

import (
	"path/filepath"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMemory(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	if db.Path != ":memory:" {
		t.Errorf("Path = %q, want :memory:", db.Path)
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "recall.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := db.CreateSession("s1", "alice", t0); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	db.Close()

	// Reopen: migrations must not re-run and data must survive.
	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if _, err := db.GetSession("s1"); err != nil {
		t.Errorf("GetSession after reopen: %v", err)
	}
}

func TestSchemaVersion(t *testing.T) {
	db := testDB(t)

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("SchemaVersion = %d, want %d", v, len(migrations))
	}
}

func TestTablesExist(t *testing.T) {
	db := testDB(t)

	tables := []string{"schema_versions", "sessions", "turns", "summaries", "compression_failures"}
	for _, table := range tables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestTurnsTierConstraint(t *testing.T) {
	db := testDB(t)
	if _, err := db.CreateSession("s1", "alice", t0); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	_, err := db.Exec(`
		INSERT INTO turns (id, session_id, seq, user_text, response_text, user_tokens, response_tokens, created_at, tier)
		VALUES ('t1', 's1', 1, 'a', 'b', 1, 1, 1000, 'lukewarm')
	`)
	if err == nil {
		t.Error("expected error for invalid tier, got nil")
	}
}
