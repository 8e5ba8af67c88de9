package db

import (
	"path/filepath"
	"testing"

	"github.com/khula-data/gambas/internal/monitoring"
)

func TestRunMigrateCommand(t *testing.T) {
	orig := monitoring.Logf
	monitoring.SetLogger(nil)
	defer monitoring.SetLogger(orig)

	dbPath := filepath.Join(t.TempDir(), "runs.db")

	if err := RunMigrateCommand([]string{"up"}, dbPath); err != nil {
		t.Fatalf("migrate up failed: %v", err)
	}
	if err := RunMigrateCommand([]string{"version"}, dbPath); err != nil {
		t.Fatalf("migrate version failed: %v", err)
	}
	if err := RunMigrateCommand([]string{"down"}, dbPath); err != nil {
		t.Fatalf("migrate down failed: %v", err)
	}

	if err := RunMigrateCommand(nil, dbPath); err == nil {
		t.Error("expected error for missing action")
	}
	if err := RunMigrateCommand([]string{"sideways"}, dbPath); err == nil {
		t.Error("expected error for unknown action")
	}
	if err := RunMigrateCommand([]string{"force"}, dbPath); err == nil {
		t.Error("expected error for force without version")
	}
	if err := RunMigrateCommand([]string{"force", "1"}, dbPath); err != nil {
		t.Errorf("migrate force failed: %v", err)
	}
}

func TestMigrateDown(t *testing.T) {
	db := testDB(t)
	if err := db.MigrateDown(); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}
	// The runs table is gone after rollback.
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'runs'`).Scan(&n)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Error("runs table still present after rollback")
	}
}
