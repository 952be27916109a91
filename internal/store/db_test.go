package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// tempDBPath returns a path to a temp database file.
func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// setupTestDB creates a new temporary database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func TestOpen_CreatesParentDirectories(t *testing.T) {
	nested := filepath.Join(t.TempDir(), "a", "b", "c")
	path := filepath.Join(nested, "test.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("database file does not exist at %s", path)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	if _, err := Open("/proc/nonexistent/test.db"); err == nil {
		t.Error("expected error opening db at invalid path")
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(tempDBPath(t), WithDriver("postgres")); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}

	var version int
	if err := db.conn.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != 3 {
		t.Errorf("schema version = %d, want 3", version)
	}
}

func TestDB_ReopenKeepsRuns(t *testing.T) {
	path := tempDBPath(t)
	ctx := context.Background()

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	id, err := db.CreateRun(ctx, sweRequest("persisted"))
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()

	run, err := db.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun after reopen failed: %v", err)
	}
	if run.Payload.Description != "persisted" {
		t.Errorf("Description = %q, want persisted", run.Payload.Description)
	}
}

func TestDB_SharedFileSeesOtherWriters(t *testing.T) {
	path := tempDBPath(t)
	ctx := context.Background()

	a, err := Open(path)
	if err != nil {
		t.Fatalf("Open a failed: %v", err)
	}
	defer a.Close()
	b, err := Open(path)
	if err != nil {
		t.Fatalf("Open b failed: %v", err)
	}
	defer b.Close()

	id, err := a.CreateRun(ctx, sweRequest("shared"))
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := b.UpdateStatus(ctx, id, "Queued", "Running"); err != nil {
		t.Fatalf("UpdateStatus via second handle failed: %v", err)
	}
	err = a.UpdateStatus(ctx, id, "Queued", "Running")
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict from stale CAS, got %v", err)
	}
}
