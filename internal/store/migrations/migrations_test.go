package migrations

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestUp_FreshDatabase(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	tables := []string{"node", "change_event", "dir_aggregate", "sync_run", "schema_migrations"}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s was not created: %v", table, err)
		}
	}
}

func TestCheck_FreshDatabase(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	err := Check(db)
	if err == nil {
		t.Fatal("Check() expected error for fresh database, got nil")
	}
	if err.Error() != "database has no schema version (needs migration)" {
		t.Errorf("Check() error = %q, want error about needing migration", err.Error())
	}
}

func TestCheck_AfterUp(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	if err := Check(db); err != nil {
		t.Errorf("Check() after migration returned error: %v", err)
	}
}

func TestUp_Idempotent(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := Up(db); err != nil {
		t.Fatalf("First Up() failed: %v", err)
	}
	if err := Up(db); err != nil {
		t.Errorf("Second Up() failed: %v (should be idempotent)", err)
	}

	if err := Check(db); err != nil {
		t.Errorf("Check() after double migration returned error: %v", err)
	}
}

func TestCheck_AheadOfBinary(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	// Simulate a database last touched by a newer binary.
	if _, err := db.Exec("UPDATE schema_migrations SET version = version + 1"); err != nil {
		t.Fatalf("Failed to bump schema version: %v", err)
	}

	err := Check(db)
	if err == nil {
		t.Fatal("Check() expected error for ahead-of-binary database, got nil")
	}
}

// openTestDB opens an in-memory SQLite database for testing.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	return db
}
