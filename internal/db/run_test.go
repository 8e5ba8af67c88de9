package db

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	return db
}

func TestMigrateUpIdempotent(t *testing.T) {
	db := testDB(t)
	// Re-running with nothing pending is not an error.
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("second MigrateUp failed: %v", err)
	}
	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if dirty {
		t.Error("migration state is dirty")
	}
	if version == 0 {
		t.Error("no migration applied")
	}
}

func TestRunLifecycle(t *testing.T) {
	db := testDB(t)

	run := &Run{
		GearName:    "gambas",
		GearVersion: "0.2.1",
		Image:       "khula/gambas:0.2.1",
		Subject:     "01",
		Session:     "2025a",
		Model:       "GAMBAS",
		NetG:        "i2i_mamba",
		Device:      "gpu",
		Config:      map[string]interface{}{"stride_inplane": 32.0},
	}
	if err := db.CreateRun(run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if run.ID == "" {
		t.Fatal("CreateRun did not assign an id")
	}
	if run.Status != StatusRunning {
		t.Errorf("status = %q, want running", run.Status)
	}

	got, err := db.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Subject != "01" || got.Session != "2025a" || got.Model != "GAMBAS" {
		t.Errorf("stored run = %+v", got)
	}
	if got.Config["stride_inplane"] != 32.0 {
		t.Errorf("config = %v", got.Config)
	}
	if got.FinishedAt != nil {
		t.Error("running run has finished_at")
	}

	if err := db.FinishRun(run.ID, StatusSuccess, ""); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	got, err = db.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusSuccess {
		t.Errorf("status = %q", got.Status)
	}
	if got.FinishedAt == nil {
		t.Error("finished run has no finished_at")
	}

	// A run can only be finished once.
	if err := db.FinishRun(run.ID, StatusFailed, "late"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound on double finish, got %v", err)
	}
}

func TestFinishRun_InvalidStatus(t *testing.T) {
	db := testDB(t)
	if err := db.FinishRun("whatever", StatusRunning, ""); err == nil {
		t.Error("expected error for non-final status")
	}
	if err := db.FinishRun("whatever", "done", ""); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestFinishRun_WithNote(t *testing.T) {
	db := testDB(t)
	run := &Run{GearName: "gambas", Subject: "01", Session: "a"}
	if err := db.CreateRun(run); err != nil {
		t.Fatal(err)
	}
	if err := db.FinishRun(run.ID, StatusFailed, "registration below threshold"); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Note == nil || *got.Note != "registration below threshold" {
		t.Errorf("note = %v", got.Note)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	db := testDB(t)
	if _, err := db.GetRun("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestRunFiles(t *testing.T) {
	db := testDB(t)
	run := &Run{GearName: "gambas", Subject: "01", Session: "a"}
	if err := db.CreateRun(run); err != nil {
		t.Fatal(err)
	}

	files := []RunFile{
		{RunID: run.ID, Kind: "raw", Name: "sub-01_ses-a_acq-axi_T2w.nii.gz", Path: "/work/raw.nii.gz"},
		{RunID: run.ID, Kind: "derived", Name: "sub-01_ses-a_acq-axi_T2w_gambas.nii.gz", Path: "/out/sr.nii.gz"},
		{RunID: run.ID, Kind: "log", Name: "sub-01_ses-a_log.txt", Path: "/out/log.txt"},
	}
	for i := range files {
		if err := db.AddRunFile(&files[i]); err != nil {
			t.Fatalf("AddRunFile failed: %v", err)
		}
		if files[i].ID == 0 {
			t.Error("AddRunFile did not assign an id")
		}
	}

	// The kind column is constrained.
	if err := db.AddRunFile(&RunFile{RunID: run.ID, Kind: "junk", Name: "x", Path: "x"}); err == nil {
		t.Error("expected error for invalid file kind")
	}

	got, err := db.RunFiles(run.ID)
	if err != nil {
		t.Fatalf("RunFiles failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d files, want 3", len(got))
	}
	if got[1].Kind != "derived" {
		t.Errorf("file order/kind = %+v", got)
	}
}

func TestListRunsAndStatusCounts(t *testing.T) {
	db := testDB(t)

	for i, sub := range []string{"01", "02", "03"} {
		run := &Run{
			GearName:  "gambas",
			Subject:   sub,
			Session:   "a",
			StartedAt: time.Date(2025, 6, 1, 10+i, 0, 0, 0, time.UTC),
		}
		if err := db.CreateRun(run); err != nil {
			t.Fatal(err)
		}
		if i < 2 {
			status := StatusSuccess
			if i == 1 {
				status = StatusFailed
			}
			if err := db.FinishRun(run.ID, status, ""); err != nil {
				t.Fatal(err)
			}
		}
	}

	runs, err := db.ListRuns(0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}
	// Newest first.
	if runs[0].Subject != "03" {
		t.Errorf("first run subject = %q, want 03", runs[0].Subject)
	}

	limited, err := db.ListRuns(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("limited list has %d runs, want 2", len(limited))
	}

	counts, err := db.StatusCounts()
	if err != nil {
		t.Fatalf("StatusCounts failed: %v", err)
	}
	if counts[StatusSuccess] != 1 || counts[StatusFailed] != 1 || counts[StatusRunning] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
