package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/raceline/internal/sim"
)

// RunRecord is one stored simulation run. Runs from the same suite share
// a SuiteID.
type RunRecord struct {
	RunID      string             `json:"run_id"`
	SuiteID    string             `json:"suite_id,omitempty"`
	Track      string             `json:"track"`
	Controller string             `json:"controller"`
	Params     map[string]float64 `json:"params"`
	Result     sim.Result         `json:"result"`
	Score      float64            `json:"score"`
	CreatedAt  int64              `json:"created_at"`
}

// InsertRun persists a run. If RunID is empty, a UUID is generated.
func (db *DB) InsertRun(r *RunRecord) error {
	if r.RunID == "" {
		r.RunID = uuid.New().String()
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixNano()
	}
	params, err := json.Marshal(r.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	result, err := json.Marshal(r.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	var suite interface{}
	if r.SuiteID != "" {
		suite = r.SuiteID
	}
	_, err = db.Exec(`
		INSERT INTO runs (
			run_id, suite_id, track, controller, params_json,
			status, completed, steps, lap_time, avg_cross_track, max_cross_track,
			violations, score, result_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, suite, r.Track, r.Controller, string(params),
		string(r.Result.Status), r.Result.Completed, r.Result.Steps, r.Result.LapTime,
		r.Result.AvgCrossTrackError, r.Result.MaxCrossTrackError,
		r.Result.Violations, r.Score, string(result), r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

const runColumns = `run_id, suite_id, track, controller, params_json, score, result_json, created_at`

// ListRuns returns the most recent runs, newest first. A limit of 0 or less
// returns every run.
func (db *DB) ListRuns(limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// SuiteRuns returns the runs of one suite in insertion order.
func (db *DB) SuiteRuns(suiteID string) ([]*RunRecord, error) {
	rows, err := db.Query(`SELECT `+runColumns+` FROM runs WHERE suite_id = ? ORDER BY created_at, rowid`, suiteID)
	if err != nil {
		return nil, fmt.Errorf("query suite runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// GetRun returns a single run by ID.
func (db *DB) GetRun(runID string) (*RunRecord, error) {
	row := db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return r, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*RunRecord, error) {
	var r RunRecord
	var suite sql.NullString
	var params, result string
	if err := s.Scan(&r.RunID, &suite, &r.Track, &r.Controller, &params, &r.Score, &result, &r.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.SuiteID = suite.String
	if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
		return nil, fmt.Errorf("run %s params: %w", r.RunID, err)
	}
	if err := json.Unmarshal([]byte(result), &r.Result); err != nil {
		return nil, fmt.Errorf("run %s result: %w", r.RunID, err)
	}
	return &r, nil
}

func scanRuns(rows *sql.Rows) ([]*RunRecord, error) {
	var out []*RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
