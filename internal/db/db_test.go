package db

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/raceline/internal/sim"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleResult() sim.Result {
	return sim.Result{
		Status:             sim.StatusCompleted,
		Completed:          true,
		Reason:             "lap completed",
		Steps:              1234,
		Elapsed:            12.34,
		LapTime:            12.34,
		AvgCrossTrackError: 0.12,
		MaxCrossTrackError: 0.8,
		MaxSpeed:           41.5,
		AvgSpeed:           33.2,
		TotalDistance:      410,
		Violations:         1,
		Progress:           410,
		ProgressRatio:      1,
	}
}

func TestMigrations(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	migrations := MigrationsFS()
	latest, err := GetLatestMigrationVersion(migrations)
	require.NoError(t, err)
	assert.Equal(t, uint(2), latest)

	version, dirty, err := db.MigrateVersion(migrations)
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateUp(migrations))
	st, err := db.GetMigrationStatus(migrations)
	require.NoError(t, err)
	assert.Equal(t, MigrationStatus{CurrentVersion: 2, LatestVersion: 2, TableExists: true}, st)

	// Up again is a no-op.
	require.NoError(t, db.MigrateUp(migrations))

	require.NoError(t, db.MigrateDown(migrations))
	version, _, err = db.MigrateVersion(migrations)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'tuning_sessions'`).Scan(&n))
	assert.Zero(t, n)

	require.NoError(t, db.MigrateTo(migrations, 2))
	version, _, err = db.MigrateVersion(migrations)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestRunStore(t *testing.T) {
	db := setupTestDB(t)

	first := &RunRecord{
		Track:      "oval",
		Controller: "pure_pursuit",
		Params:     map[string]float64{"steering_gain": 1, "speed_kp": 0.5},
		Result:     sampleResult(),
		Score:      93.8,
		CreatedAt:  100,
	}
	require.NoError(t, db.InsertRun(first))
	assert.NotEmpty(t, first.RunID)

	second := &RunRecord{
		SuiteID:    "suite-1",
		Track:      "narrow",
		Controller: "stanley",
		Params:     map[string]float64{"steering_gain": 2},
		Result:     sim.Result{Status: sim.StatusOffTrack, Steps: 3, Violations: 1},
		CreatedAt:  200,
	}
	require.NoError(t, db.InsertRun(second))

	got, err := db.GetRun(first.RunID)
	require.NoError(t, err)
	if diff := cmp.Diff(first, got); diff != "" {
		t.Errorf("stored run differs (-want +got):\n%s", diff)
	}

	runs, err := db.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.RunID, runs[0].RunID, "newest first")
	assert.Equal(t, sim.StatusOffTrack, runs[0].Result.Status)

	runs, err = db.ListRuns(1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	suite, err := db.SuiteRuns("suite-1")
	require.NoError(t, err)
	require.Len(t, suite, 1)
	assert.Equal(t, "narrow", suite[0].Track)

	_, err = db.GetRun("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTuningStore(t *testing.T) {
	db := setupTestDB(t)

	session := &TuningSession{
		Strategy:    "coordinate",
		Objective:   "weighted",
		Controller:  "pure_pursuit",
		Tracks:      []string{"oval", "figure8"},
		BestParams:  map[string]float64{"speed_kp": 1.2},
		BestScore:   3.5,
		Evaluations: 3,
		Feasible:    2,
		StopReason:  "converged",
		ElapsedMs:   420,
	}
	evals := []TuningEvaluation{
		{Index: 0, Iteration: 0, Params: map[string]float64{"speed_kp": 0.5}, Score: 4, Feasible: true},
		{Index: 1, Iteration: 1, Params: map[string]float64{"speed_kp": 0.1}, Score: 1075, Feasible: false},
		{Index: 2, Iteration: 1, Params: map[string]float64{"speed_kp": 1.2}, Score: 3.5, Feasible: true},
	}
	require.NoError(t, db.InsertTuningSession(session, evals))
	require.NotEmpty(t, session.SessionID)

	got, err := db.GetTuningSession(session.SessionID)
	require.NoError(t, err)
	if diff := cmp.Diff(session, got); diff != "" {
		t.Errorf("stored session differs (-want +got):\n%s", diff)
	}

	gotEvals, err := db.TuningEvaluations(session.SessionID)
	require.NoError(t, err)
	if diff := cmp.Diff(evals, gotEvals); diff != "" {
		t.Errorf("stored evaluations differ (-want +got):\n%s", diff)
	}

	infeasible := &TuningSession{Strategy: "grid", Objective: "weighted", Controller: "stanley", Tracks: []string{"narrow"}, StopReason: "converged"}
	require.NoError(t, db.InsertTuningSession(infeasible, nil))
	got, err = db.GetTuningSession(infeasible.SessionID)
	require.NoError(t, err)
	assert.Nil(t, got.BestParams)
	assert.Zero(t, got.BestScore)

	sessions, err := db.ListTuningSessions(0)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	_, err = db.GetTuningSession("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTuningStoreRollsBackOnDuplicate(t *testing.T) {
	db := setupTestDB(t)

	dup := []TuningEvaluation{
		{Index: 0, Params: map[string]float64{}},
		{Index: 0, Params: map[string]float64{}},
	}
	s := &TuningSession{Strategy: "random", Objective: "weighted", Controller: "pure_pursuit", Tracks: []string{"a"}}
	require.Error(t, db.InsertTuningSession(s, dup))

	sessions, err := db.ListTuningSessions(0)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestAttachAdminRoutes(t *testing.T) {
	db := setupTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))
	assert.NotZero(t, rec.Body.Len())
}
