package migrate

import (
	"database/sql"
	"testing"

	"gantry/internal/db"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMigrateFreshDatabase(t *testing.T) {
	conn := openTestDB(t)
	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read schema_version: %v", err)
	}
	if version < 1 {
		t.Fatalf("schema_version = %d, want at least 1", version)
	}
	// core tables exist
	for _, table := range []string{"accounts", "users", "projects", "tickets", "proposals", "events", "api_keys"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn := openTestDB(t)
	if err := Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	var before int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&before); err != nil {
		t.Fatalf("read schema_version: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var after int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&after); err != nil {
		t.Fatalf("re-read schema_version: %v", err)
	}
	if before != after {
		t.Fatalf("re-running migrations changed the version: %d -> %d", before, after)
	}
}

func TestLoadStepsOrdered(t *testing.T) {
	steps, err := loadSteps()
	if err != nil {
		t.Fatalf("load steps: %v", err)
	}
	if len(steps) == 0 {
		t.Fatal("no embedded migrations")
	}
	for i := 1; i < len(steps); i++ {
		if steps[i].version <= steps[i-1].version {
			t.Fatalf("steps out of order: %s after %s", steps[i].name, steps[i-1].name)
		}
	}
}
