package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TuningSession is one stored tuning session. BestParams is nil when no
// feasible candidate was found.
type TuningSession struct {
	SessionID   string             `json:"session_id"`
	Strategy    string             `json:"strategy"`
	Objective   string             `json:"objective"`
	Controller  string             `json:"controller"`
	Tracks      []string           `json:"tracks"`
	BestParams  map[string]float64 `json:"best_params,omitempty"`
	BestScore   float64            `json:"best_score"`
	Evaluations int                `json:"evaluations"`
	Feasible    int                `json:"feasible"`
	StopReason  string             `json:"stop_reason"`
	ElapsedMs   int64              `json:"elapsed_ms"`
	CreatedAt   int64              `json:"created_at"`
}

// TuningEvaluation is one scored candidate of a session.
type TuningEvaluation struct {
	Index     int                `json:"index"`
	Iteration int                `json:"iteration"`
	Params    map[string]float64 `json:"params"`
	Score     float64            `json:"score"`
	Feasible  bool               `json:"feasible"`
}

// InsertTuningSession stores a session and its evaluations in one
// transaction. If SessionID is empty, a UUID is generated.
func (db *DB) InsertTuningSession(s *TuningSession, evals []TuningEvaluation) error {
	if s.SessionID == "" {
		s.SessionID = uuid.New().String()
	}
	if s.CreatedAt == 0 {
		s.CreatedAt = time.Now().UnixNano()
	}
	tracks, err := json.Marshal(s.Tracks)
	if err != nil {
		return fmt.Errorf("marshal tracks: %w", err)
	}
	var best, bestScore interface{}
	if s.BestParams != nil {
		b, err := json.Marshal(s.BestParams)
		if err != nil {
			return fmt.Errorf("marshal best params: %w", err)
		}
		best, bestScore = string(b), s.BestScore
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO tuning_sessions (
			session_id, strategy, objective, controller, tracks,
			best_params_json, best_score, evaluations, feasible, stop_reason,
			elapsed_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SessionID, s.Strategy, s.Objective, s.Controller, string(tracks),
		best, bestScore, s.Evaluations, s.Feasible, s.StopReason,
		s.ElapsedMs, s.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert tuning session: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO tuning_evaluations (session_id, eval_index, iteration, params_json, score, feasible)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare evaluation insert: %w", err)
	}
	defer stmt.Close()
	for _, ev := range evals {
		params, err := json.Marshal(ev.Params)
		if err != nil {
			return fmt.Errorf("marshal evaluation %d: %w", ev.Index, err)
		}
		if _, err := stmt.Exec(s.SessionID, ev.Index, ev.Iteration, string(params), ev.Score, ev.Feasible); err != nil {
			return fmt.Errorf("insert evaluation %d: %w", ev.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	logf("stored tuning session %s (%d evaluations)", s.SessionID, len(evals))
	return nil
}

const sessionColumns = `session_id, strategy, objective, controller, tracks,
	best_params_json, best_score, evaluations, feasible, stop_reason, elapsed_ms, created_at`

// ListTuningSessions returns the most recent sessions, newest first.
func (db *DB) ListTuningSessions(limit int) ([]*TuningSession, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`SELECT `+sessionColumns+` FROM tuning_sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query tuning sessions: %w", err)
	}
	defer rows.Close()

	var out []*TuningSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetTuningSession returns one session by ID.
func (db *DB) GetTuningSession(sessionID string) (*TuningSession, error) {
	s, err := scanSession(db.QueryRow(`SELECT `+sessionColumns+` FROM tuning_sessions WHERE session_id = ?`, sessionID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tuning session %s: %w", sessionID, ErrNotFound)
	}
	return s, err
}

// TuningEvaluations returns the evaluations of a session in index order.
func (db *DB) TuningEvaluations(sessionID string) ([]TuningEvaluation, error) {
	rows, err := db.Query(`
		SELECT eval_index, iteration, params_json, score, feasible
		FROM tuning_evaluations
		WHERE session_id = ?
		ORDER BY eval_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query tuning evaluations: %w", err)
	}
	defer rows.Close()

	var out []TuningEvaluation
	for rows.Next() {
		var ev TuningEvaluation
		var params string
		if err := rows.Scan(&ev.Index, &ev.Iteration, &params, &ev.Score, &ev.Feasible); err != nil {
			return nil, fmt.Errorf("scan tuning evaluation: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &ev.Params); err != nil {
			return nil, fmt.Errorf("evaluation %d params: %w", ev.Index, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanSession(s scanner) (*TuningSession, error) {
	var ts TuningSession
	var tracks string
	var best, reason sql.NullString
	var bestScore sql.NullFloat64
	if err := s.Scan(&ts.SessionID, &ts.Strategy, &ts.Objective, &ts.Controller, &tracks,
		&best, &bestScore, &ts.Evaluations, &ts.Feasible, &reason, &ts.ElapsedMs, &ts.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan tuning session: %w", err)
	}
	if err := json.Unmarshal([]byte(tracks), &ts.Tracks); err != nil {
		return nil, fmt.Errorf("session %s tracks: %w", ts.SessionID, err)
	}
	if best.Valid {
		if err := json.Unmarshal([]byte(best.String), &ts.BestParams); err != nil {
			return nil, fmt.Errorf("session %s best params: %w", ts.SessionID, err)
		}
	}
	ts.BestScore = bestScore.Float64
	ts.StopReason = reason.String
	return &ts, nil
}
