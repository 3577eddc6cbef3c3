package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/raceline/internal/control"
	"github.com/banshee-data/raceline/internal/engine"
	"github.com/banshee-data/raceline/internal/racetrack"
	"github.com/banshee-data/raceline/internal/sim"
	"github.com/banshee-data/raceline/internal/testutil"
	"github.com/banshee-data/raceline/internal/tuning"
	"github.com/banshee-data/raceline/internal/vehicle"
)

func straightOptions() engine.Options {
	opts := engine.DefaultOptions()
	opts.Params.SteeringGain = 0
	opts.Params.CrossTrackGain = 0
	opts.Params.SpeedKp = 1
	opts.Params.SpeedKd = 0
	opts.Sim = sim.Config{Dt: 0.1, MaxSteps: 1000, InitialSpeed: 10}
	return opts
}

func TestRun_Straight(t *testing.T) {
	t.Parallel()

	res, err := engine.New().Run(testutil.Straight(t, 100, 1, 2, 10), straightOptions())
	require.NoError(t, err)
	assert.Equal(t, sim.StatusCompleted, res.Status)
	assert.Equal(t, 100, res.Steps)
}

func TestRun_RejectsBadInputs(t *testing.T) {
	t.Parallel()

	e := engine.New()
	tr := testutil.Straight(t, 100, 1, 2, 10)

	_, err := e.Run(nil, straightOptions())
	assert.ErrorIs(t, err, racetrack.ErrMalformedGeometry)

	opts := straightOptions()
	opts.Params.LookaheadMin = 0
	_, err = e.Run(tr, opts)
	assert.ErrorIs(t, err, control.ErrInvalidParameters)

	opts = straightOptions()
	opts.Controller = "mpc"
	_, err = e.Run(tr, opts)
	assert.ErrorIs(t, err, control.ErrInvalidParameters)

	opts = straightOptions()
	opts.Sim.Dt = -1
	_, err = e.Run(tr, opts)
	assert.ErrorIs(t, err, vehicle.ErrInvalidTimestep)

	opts = straightOptions()
	opts.Vehicle.Wheelbase = 0
	_, err = e.Run(tr, opts)
	assert.ErrorIs(t, err, vehicle.ErrInvalidParameters)
}

func TestSuiteScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		res  sim.Result
		want float64
	}{
		{"not completed", sim.Result{Completed: false, LapTime: 10}, 0},
		{"fast clean lap", sim.Result{Completed: true, LapTime: 80}, 92},
		{"time penalty capped", sim.Result{Completed: true, LapTime: 900}, 50},
		{"violations", sim.Result{Completed: true, LapTime: 100, Violations: 3}, 75},
		{"floored at zero", sim.Result{Completed: true, LapTime: 900, Violations: 20}, 0},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, engine.SuiteScore(tc.res), 1e-9)
		})
	}
}

func TestRunSuite_KeepsCaseOrder(t *testing.T) {
	t.Parallel()

	cases := []engine.Case{
		{Name: "straight", Track: testutil.Straight(t, 100, 1, 2, 10)},
		{Name: "narrow", Track: testutil.Straight(t, 100, 1, 0, 10)},
		{Name: "long", Track: testutil.Straight(t, 200, 1, 2, 10)},
	}
	e := engine.New()
	e.Workers = 2

	results, err := e.RunSuite(context.Background(), cases, straightOptions())
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "straight", results[0].Name)
	assert.Equal(t, sim.StatusCompleted, results[0].Result.Status)
	assert.InDelta(t, 99, results[0].Score, 1e-9)

	assert.Equal(t, "narrow", results[1].Name)
	assert.Equal(t, sim.StatusOffTrack, results[1].Result.Status)
	assert.Zero(t, results[1].Score)

	assert.Equal(t, "long", results[2].Name)
	assert.Equal(t, 200, results[2].Result.Steps)
	assert.InDelta(t, 98, results[2].Score, 1e-9)
}

func TestRunSuite_Errors(t *testing.T) {
	t.Parallel()

	e := engine.New()
	_, err := e.RunSuite(context.Background(), nil, straightOptions())
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.RunSuite(ctx, []engine.Case{{Name: "a", Track: testutil.Straight(t, 100, 1, 2, 10)}}, straightOptions())
	assert.ErrorIs(t, err, context.Canceled)

	_, err = e.RunSuite(context.Background(), []engine.Case{{Name: "missing"}}, straightOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestTune_ReturnsBestParams(t *testing.T) {
	t.Parallel()

	opts := engine.DefaultOptions()
	opts.Sim = sim.Config{Dt: 0.1, MaxSteps: 2000}
	cases := []engine.Case{{Name: "straight", Track: testutil.Straight(t, 100, 1, 2, 10)}}

	best, out, err := engine.New().Tune(context.Background(), cases, opts, tuning.Request{
		Bounds:         map[string]tuning.Bound{control.SpeedKp: {Min: 0.1, Max: 2}},
		MaxEvaluations: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, out.Best, best)
	assert.GreaterOrEqual(t, best.SpeedKp, opts.Params.SpeedKp)
	assert.Equal(t, opts.Params.LookaheadBase, best.LookaheadBase)
}

func TestTune_InfeasibleReturnsInitialParams(t *testing.T) {
	t.Parallel()

	opts := engine.DefaultOptions()
	opts.Sim = sim.Config{Dt: 0.1, MaxSteps: 2000}
	cases := []engine.Case{{Name: "zero-width", Track: testutil.Straight(t, 100, 1, 0, 10)}}

	best, _, err := engine.New().Tune(context.Background(), cases, opts, tuning.Request{
		Bounds:         map[string]tuning.Bound{control.SpeedKp: {Min: 0.1, Max: 2}},
		MaxEvaluations: 4,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, tuning.ErrNoFeasibleParameters))
	assert.Equal(t, opts.Params, best)
}
