package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run statuses. A run is created as running and finished exactly once as
// success or failed.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

var ErrRunNotFound = errors.New("db: run not found")

// Run is one subject/session pipeline pass.
type Run struct {
	ID          string                 `json:"id"`
	GearName    string                 `json:"gear_name"`
	GearVersion string                 `json:"gear_version"`
	Image       string                 `json:"image"`
	Subject     string                 `json:"subject"`
	Session     string                 `json:"session"`
	Model       string                 `json:"model"`
	NetG        string                 `json:"netg"`
	Device      string                 `json:"device"`
	Status      string                 `json:"status"`
	Note        *string                `json:"note"`
	Config      map[string]interface{} `json:"config"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  *time.Time             `json:"finished_at"`
}

// RunFile is one file produced or consumed by a run.
type RunFile struct {
	ID    int64  `json:"id"`
	RunID string `json:"run_id"`
	Kind  string `json:"kind"` // raw, derived, log
	Name  string `json:"name"`
	Path  string `json:"path"`
}

// CreateRun inserts a new running run and assigns it a UUID.
func (db *DB) CreateRun(run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	cfg, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("failed to encode run config: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO runs (id, gear_name, gear_version, image, subject, session,
			model, netg, device, status, note, config, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.GearName, run.GearVersion, run.Image, run.Subject, run.Session,
		run.Model, run.NetG, run.Device, run.Status, run.Note, string(cfg), run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun marks a run as success or failed with an optional note.
func (db *DB) FinishRun(id, status string, note string) error {
	if status != StatusSuccess && status != StatusFailed {
		return fmt.Errorf("db: invalid final status %q", status)
	}
	var notePtr *string
	if note != "" {
		notePtr = &note
	}
	res, err := db.Exec(`
		UPDATE runs SET status = ?, note = ?, finished_at = ?
		WHERE id = ? AND status = ?`,
		status, notePtr, time.Now().UTC(), id, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w or already finished: %s", ErrRunNotFound, id)
	}
	return nil
}

// AddRunFile attaches a file record to a run.
func (db *DB) AddRunFile(f *RunFile) error {
	res, err := db.Exec(`
		INSERT INTO run_files (run_id, kind, name, path) VALUES (?, ?, ?, ?)`,
		f.RunID, f.Kind, f.Name, f.Path,
	)
	if err != nil {
		return fmt.Errorf("failed to add run file: %w", err)
	}
	f.ID, err = res.LastInsertId()
	return err
}

const runColumns = `id, gear_name, gear_version, image, subject, session,
	model, netg, device, status, note, config, started_at, finished_at`

// GetRun fetches one run by id.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, err
}

// ListRuns returns runs newest-first, up to limit (0 means all).
func (db *DB) ListRuns(limit int) ([]*Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`
	args := []interface{}{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// RunFiles lists the files of a run.
func (db *DB) RunFiles(runID string) ([]RunFile, error) {
	rows, err := db.Query(`SELECT id, run_id, kind, name, path FROM run_files WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run files: %w", err)
	}
	defer rows.Close()

	var out []RunFile
	for rows.Next() {
		var f RunFile
		if err := rows.Scan(&f.ID, &f.RunID, &f.Kind, &f.Name, &f.Path); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// StatusCounts returns the number of runs per status.
func (db *DB) StatusCounts() (map[string]int, error) {
	rows, err := db.Query(`SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var cfg sql.NullString
	var finished sql.NullTime
	err := s.Scan(&run.ID, &run.GearName, &run.GearVersion, &run.Image,
		&run.Subject, &run.Session, &run.Model, &run.NetG, &run.Device,
		&run.Status, &run.Note, &cfg, &run.StartedAt, &finished)
	if err != nil {
		return nil, err
	}
	if cfg.Valid && cfg.String != "" {
		if err := json.Unmarshal([]byte(cfg.String), &run.Config); err != nil {
			return nil, fmt.Errorf("failed to decode config of run %s: %w", run.ID, err)
		}
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	return &run, nil
}
