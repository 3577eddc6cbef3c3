package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/raceline/internal/control"
	"github.com/banshee-data/raceline/internal/db"
	"github.com/banshee-data/raceline/internal/engine"
	"github.com/banshee-data/raceline/internal/sim"
	"github.com/banshee-data/raceline/internal/tuning"
	"github.com/banshee-data/raceline/internal/version"
)

type workspace struct {
	dir    string
	config string
	db     string
	out    string
}

// newWorkspace writes a 100 m straight, a zero-width copy of it and a config
// that drives them with steering disabled.
func newWorkspace(t *testing.T) workspace {
	t.Helper()
	dir := t.TempDir()

	var track, narrow, line strings.Builder
	track.WriteString("# x_m,y_m,w_tr_right_m,w_tr_left_m\n")
	narrow.WriteString("# x_m,y_m,w_tr_right_m,w_tr_left_m\n")
	line.WriteString("x_m,y_m,v_mps\n")
	for x := 0; x <= 100; x++ {
		fmt.Fprintf(&track, "%d,0,2,2\n", x)
		fmt.Fprintf(&narrow, "%d,0,0,0\n", x)
		fmt.Fprintf(&line, "%d,0,10\n", x)
	}
	for name, body := range map[string]string{
		"straight.csv":          track.String(),
		"narrow.csv":            narrow.String(),
		"straight_raceline.csv": line.String(),
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}

	ws := workspace{
		dir:    dir,
		config: filepath.Join(dir, "raceline.json"),
		db:     filepath.Join(dir, "runs.db"),
		out:    filepath.Join(dir, "results"),
	}
	cfg := fmt.Sprintf(`{
  "dt": 0.1,
  "max_steps": 1000,
  "initial_speed": 10,
  "gains": {"steering_gain": 0, "cross_track_gain": 0, "speed_kp": 1, "speed_kd": 0},
  "tracks": [
    {"name": "straight", "track": "straight.csv", "raceline": "straight_raceline.csv"},
    {"name": "narrow", "track": "narrow.csv", "raceline": "straight_raceline.csv"}
  ],
  "tune": {
    "strategy": "random",
    "max_evaluations": 6,
    "seed": 7,
    "workers": 2,
    "bounds": {"speed_kp": {"min": 0.5, "max": 2}}
  },
  "db_path": %q,
  "output_dir": %q
}`, ws.db, ws.out)
	require.NoError(t, os.WriteFile(ws.config, []byte(cfg), 0644))
	return ws
}

func (ws workspace) args(extra ...string) []string {
	return append([]string{"-config", ws.config}, extra...)
}

func (ws workspace) store(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.NewDB(ws.db)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRunCommand(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)

	var out bytes.Buffer
	require.NoError(t, runCommand(ws.args("-track", "straight", "-no-plots"), &out))
	assert.Contains(t, out.String(), "completed")
	assert.Contains(t, out.String(), "stored run")

	runs, err := ws.store(t).ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "straight", runs[0].Track)
	assert.Equal(t, control.PurePursuitName, runs[0].Controller)
	assert.Equal(t, sim.StatusCompleted, runs[0].Result.Status)
	assert.Equal(t, engine.SuiteScore(runs[0].Result), runs[0].Score)
	assert.Equal(t, 1.0, runs[0].Params[control.SpeedKp])

	assert.FileExists(t, filepath.Join(ws.out, "straight", "report.json"))
	assert.FileExists(t, filepath.Join(ws.out, "straight", "trace.csv"))
	assert.NoFileExists(t, filepath.Join(ws.out, "straight", "trajectory.png"))
}

func TestRunCommand_TrackFilesNoStore(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)

	var out bytes.Buffer
	err := runCommand(ws.args(
		"-track-file", filepath.Join(ws.dir, "narrow.csv"),
		"-raceline-file", filepath.Join(ws.dir, "straight_raceline.csv"),
		"-no-plots", "-no-store",
	), &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "off_track")
	assert.FileExists(t, filepath.Join(ws.out, "narrow", "report.json"))
	assert.NoFileExists(t, ws.db)
}

func TestRunCommand_Errors(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)

	tests := []struct {
		name string
		args []string
	}{
		{"unknown track", ws.args("-track", "monza")},
		{"half a file pair", ws.args("-track-file", filepath.Join(ws.dir, "straight.csv"))},
		{"unknown controller", ws.args("-controller", "mpc", "-no-store")},
		{"bad units", ws.args("-units", "furlongs")},
		{"missing params file", ws.args("-params", filepath.Join(ws.dir, "nope.json"))},
		{"unknown topology", ws.args("-track-file", filepath.Join(ws.dir, "straight.csv"),
			"-raceline-file", filepath.Join(ws.dir, "straight_raceline.csv"), "-topology", "loop", "-no-store")},
		{"unknown flag", []string{"-turbo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			assert.Error(t, runCommand(tt.args, &out))
		})
	}
}

func TestRunCommand_ParamsFile(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)

	params := filepath.Join(ws.dir, "gains.json")
	require.NoError(t, os.WriteFile(params, []byte(`{"speed_kp": 1.5}`), 0644))

	var out bytes.Buffer
	require.NoError(t, runCommand(ws.args("-params", params, "-no-plots"), &out))

	runs, err := ws.store(t).ListRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 1.5, runs[0].Params[control.SpeedKp])
	assert.Equal(t, "straight", runs[0].Track, "first configured track")
}

func TestSuiteCommand(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)

	var out bytes.Buffer
	require.NoError(t, suiteCommand(ws.args(), &out))
	assert.Contains(t, out.String(), "MEAN", "footer")
	assert.Contains(t, out.String(), "stored suite")

	store := ws.store(t)
	runs, err := store.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.NotEmpty(t, runs[0].SuiteID)
	assert.Equal(t, runs[0].SuiteID, runs[1].SuiteID)

	suite, err := store.SuiteRuns(runs[0].SuiteID)
	require.NoError(t, err)
	require.Len(t, suite, 2)
	assert.Equal(t, "straight", suite[0].Track)
	assert.Equal(t, sim.StatusCompleted, suite[0].Result.Status)
	assert.Equal(t, "narrow", suite[1].Track)
	assert.Equal(t, sim.StatusOffTrack, suite[1].Result.Status)
	assert.Equal(t, 0.0, suite[1].Score)

	dir := filepath.Join(ws.out, "suite-"+shortID(runs[0].SuiteID))
	assert.FileExists(t, filepath.Join(dir, "straight", "report.json"))
	assert.NoFileExists(t, filepath.Join(dir, "straight", "trace.csv"))
}

func TestSuiteCommand_FilterTracks(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)

	var out bytes.Buffer
	require.NoError(t, suiteCommand(ws.args("-tracks", "narrow", "-no-store"), &out))
	assert.NotContains(t, out.String(), "straight")
	assert.NotContains(t, out.String(), "MEAN", "single case has no footer")

	assert.Error(t, suiteCommand(ws.args("-tracks", "narrow,monza"), &out))
}

func TestTuneCommand(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)

	var out bytes.Buffer
	require.NoError(t, tuneCommand(ws.args("-tracks", "straight"), &out))
	assert.Contains(t, out.String(), "random")
	assert.Contains(t, out.String(), "Best gains")

	saved := filepath.Join(ws.out, "best_params.json")
	require.FileExists(t, saved)
	best, err := control.LoadParams(saved, control.DefaultParams())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, best.SpeedKp, 0.5)
	assert.LessOrEqual(t, best.SpeedKp, 2.0)
	assert.FileExists(t, filepath.Join(ws.out, "tuning.html"))

	store := ws.store(t)
	sessions, err := store.ListTuningSessions(0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Equal(t, tuning.StrategyRandom, s.Strategy)
	assert.Equal(t, "weighted", s.Objective)
	assert.Equal(t, []string{"straight"}, s.Tracks)
	assert.Equal(t, 6, s.Evaluations)
	assert.NotNil(t, s.BestParams)

	evals, err := store.TuningEvaluations(s.SessionID)
	require.NoError(t, err)
	assert.Len(t, evals, s.Evaluations)
	for i, ev := range evals {
		assert.Equal(t, i, ev.Index)
	}
}

func TestTuneCommand_FlagsOverrideConfig(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)
	save := filepath.Join(ws.dir, "best.json")

	var out bytes.Buffer
	require.NoError(t, tuneCommand(ws.args("-tracks", "straight", "-strategy", "coordinate", "-max-evals", "4", "-save", save, "-no-store"), &out))
	assert.Contains(t, out.String(), "coordinate")
	assert.FileExists(t, save)
	assert.NoFileExists(t, ws.db)
}

func TestTuneCommand_NoFeasibleParameters(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)

	var out bytes.Buffer
	err := tuneCommand(ws.args("-tracks", "narrow"), &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tuning.ErrNoFeasibleParameters))
	assert.NoFileExists(t, filepath.Join(ws.out, "best_params.json"))

	sessions, err := ws.store(t).ListTuningSessions(0)
	require.NoError(t, err)
	require.Len(t, sessions, 1, "the failed session is still recorded")
	assert.Nil(t, sessions[0].BestParams)
	assert.Equal(t, 0, sessions[0].Feasible)
}

func TestRunsCommand(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)

	var out bytes.Buffer
	require.NoError(t, suiteCommand(ws.args("-units", "kmph"), &out))

	out.Reset()
	require.NoError(t, runsCommand(ws.args("-units", "kmph"), &out))
	assert.Contains(t, out.String(), "2 stored runs")
	assert.Contains(t, out.String(), "KM/H", "headers are upper-cased")
	assert.Contains(t, out.String(), "narrow")
}

func TestFilterCases(t *testing.T) {
	cases := []engine.Case{{Name: "a"}, {Name: "b"}, {Name: "c"}}

	got, err := filterCases(cases, "")
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = filterCases(cases, "c, a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].Name)
	assert.Equal(t, "a", got[1].Name)

	_, err = filterCases(cases, "d")
	assert.Error(t, err)
}

func TestPrintVersion(t *testing.T) {
	var out bytes.Buffer
	printVersion(&out)
	assert.True(t, strings.HasPrefix(out.String(), "raceline "+version.Version))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "12345678", shortID("123456789abc"))
}
