package migrations

import (
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestMigrateUp_FreshDatabase(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	tables := []string{
		"files", "classifications", "plans", "plan_items", "sessions", "operations",
		"errors", "workflow_state", "workflow_transitions", "command_runs", "schema_migrations",
	}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s was not created: %v", table, err)
		}
	}
}

func TestMigrateUp_Idempotent(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("first MigrateUp() failed: %v", err)
	}
	if err := MigrateUp(db); err != nil {
		t.Errorf("second MigrateUp() failed: %v", err)
	}
}

func TestCheckDBMigrationStatus(t *testing.T) {
	t.Run("fresh database needs migration", func(t *testing.T) {
		db := openTestDB(t)

		err := CheckDBMigrationStatus(db)
		if !errors.Is(err, ErrNoVersion) {
			t.Errorf("CheckDBMigrationStatus() error = %v, want ErrNoVersion", err)
		}
	})

	t.Run("migrated database is current", func(t *testing.T) {
		db := openTestDB(t)
		if err := MigrateUp(db); err != nil {
			t.Fatalf("MigrateUp() failed: %v", err)
		}

		if err := CheckDBMigrationStatus(db); err != nil {
			t.Errorf("CheckDBMigrationStatus() error = %v", err)
		}
		current, latest, err := Status(db)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if current != latest || latest != 1 {
			t.Errorf("Status() = (%d, %d), want (1, 1)", current, latest)
		}
	})
}

func TestSchema_WorkflowSeeded(t *testing.T) {
	db := openTestDB(t)
	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	var phase string
	if err := db.QueryRow("SELECT phase FROM workflow_state WHERE id = 1").Scan(&phase); err != nil {
		t.Fatalf("reading workflow_state: %v", err)
	}
	if phase != "UNINITIALIZED" {
		t.Errorf("phase = %q, want UNINITIALIZED", phase)
	}

	_, err := db.Exec("INSERT INTO workflow_state (id, phase, updated_at) VALUES (2, 'READY', datetime('now'))")
	if err == nil {
		t.Error("expected a second workflow_state row to be rejected")
	}
}

func TestSchema_ForeignKeys(t *testing.T) {
	db := openTestDB(t)
	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	_, err := db.Exec(`
		INSERT INTO operations (session_id, idx, type, status, created_at, updated_at)
		VALUES ('missing-session', 1, 'move', 'pending', datetime('now'), datetime('now'))
	`)
	if err == nil {
		t.Error("expected foreign key violation for an operation without a session")
	}
}

func TestSchema_PlanExecutedOnce(t *testing.T) {
	db := openTestDB(t)
	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	_, err := db.Exec(`
		INSERT INTO plans (id, name, style, depth, threshold, base_dir, created_at, total_files,
			high_confidence, low_confidence, review_count, unclassified_count, excluded_count, duplicates_found)
		VALUES ('plan-1', 'Life Areas', 'life_areas', 'moderate', 0.7, '/x', datetime('now'), 0, 0, 0, 0, 0, 0, 0)
	`)
	if err != nil {
		t.Fatalf("inserting plan: %v", err)
	}
	insert := `INSERT INTO sessions (id, plan_id, started_at, status, style) VALUES (?, 'plan-1', datetime('now'), 'in_progress', 'life_areas')`
	if _, err := db.Exec(insert, "s-1"); err != nil {
		t.Fatalf("inserting first session: %v", err)
	}
	if _, err := db.Exec(insert, "s-2"); err == nil {
		t.Error("expected a second session for the same plan to be rejected")
	}
}

// openTestDB opens an in-memory SQLite database for testing.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
