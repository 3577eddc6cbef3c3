package tuning_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/raceline/internal/control"
	"github.com/banshee-data/raceline/internal/sim"
	"github.com/banshee-data/raceline/internal/testutil"
	"github.com/banshee-data/raceline/internal/timeutil"
	"github.com/banshee-data/raceline/internal/tuning"
	"github.com/banshee-data/raceline/internal/vehicle"
)

// straightRequest tunes speed_kp on a 100m straight from a standing start.
// Larger gains reach the target speed sooner, so the objective falls with kp.
func straightRequest(t *testing.T) tuning.Request {
	t.Helper()
	return tuning.Request{
		Cases:   []tuning.Case{{Name: "straight", Track: testutil.Straight(t, 100, 1, 2, 10)}},
		Initial: control.DefaultParams(),
		Bounds: map[string]tuning.Bound{
			control.SpeedKp: {Min: 0.05, Max: 2},
		},
		MaxEvaluations: 30,
		Workers:        2,
		Vehicle:        vehicle.DefaultParams(),
		Sim:            sim.Config{Dt: 0.1, MaxSteps: 2000},
	}
}

func TestTune_CoordinateDescentNeverWorsens(t *testing.T) {
	t.Parallel()

	tuner := tuning.NewTuner()
	var evals []tuning.Evaluation
	tuner.OnEvaluation = func(ev tuning.Evaluation) { evals = append(evals, ev) }

	out, err := tuner.Tune(context.Background(), straightRequest(t))
	require.NoError(t, err)
	require.NotEmpty(t, evals)
	require.True(t, evals[0].Feasible)

	assert.Equal(t, len(evals), out.Evaluations)
	assert.LessOrEqual(t, out.Evaluations, 30)
	assert.LessOrEqual(t, out.BestScore, evals[0].Score)
	assert.GreaterOrEqual(t, out.Best.SpeedKp, control.DefaultParams().SpeedKp)
	assert.GreaterOrEqual(t, out.Best.SpeedKp, 0.05)
	assert.LessOrEqual(t, out.Best.SpeedKp, 2.0)
	assert.Equal(t, control.DefaultParams().SteeringGain, out.Best.SteeringGain, "untuned gains are left alone")
	require.Len(t, out.BestResults, 1)
	assert.Equal(t, sim.StatusCompleted, out.BestResults[0].Status)

	for i, ev := range evals {
		assert.Equal(t, i, ev.Index)
	}
	for i := 1; i < len(out.History); i++ {
		assert.LessOrEqual(t, out.History[i].BestScore, out.History[i-1].BestScore, "history entry %d", i)
	}
}

func TestTune_AllStrategiesRespectBudgetAndBounds(t *testing.T) {
	t.Parallel()

	for _, strategy := range []string{
		tuning.StrategyCoordinate,
		tuning.StrategyRandom,
		tuning.StrategyGrid,
		tuning.StrategyNelderMead,
	} {
		strategy := strategy
		t.Run(strategy, func(t *testing.T) {
			t.Parallel()

			req := straightRequest(t)
			req.Strategy = strategy
			req.MaxEvaluations = 12
			req.Bounds[control.SteeringGain] = tuning.Bound{Min: 0.5, Max: 1.5}
			req.ValuesPerParam = 3

			tuner := tuning.NewTuner()
			tuner.OnEvaluation = func(ev tuning.Evaluation) {
				assert.GreaterOrEqual(t, ev.Params[control.SpeedKp], 0.05)
				assert.LessOrEqual(t, ev.Params[control.SpeedKp], 2.0)
				assert.GreaterOrEqual(t, ev.Params[control.SteeringGain], 0.5)
				assert.LessOrEqual(t, ev.Params[control.SteeringGain], 1.5)
			}
			out, err := tuner.Tune(context.Background(), req)
			require.NoError(t, err)
			assert.LessOrEqual(t, out.Evaluations, 12)
			assert.Positive(t, out.Feasible)
			assert.NotEmpty(t, out.StopReason)
			for i := 1; i < len(out.History); i++ {
				assert.LessOrEqual(t, out.History[i].BestScore, out.History[i-1].BestScore)
			}
		})
	}
}

func TestTune_RandomSearchIsReproducible(t *testing.T) {
	t.Parallel()

	run := func(seed int64) tuning.Outcome {
		req := straightRequest(t)
		req.Strategy = tuning.StrategyRandom
		req.Seed = seed
		req.MaxEvaluations = 17
		req.BatchSize = 4
		req.Workers = 3
		out, err := tuning.NewTuner().Tune(context.Background(), req)
		require.NoError(t, err)
		return out
	}

	a, b := run(42), run(42)
	assert.Equal(t, 17, a.Evaluations)
	assert.Equal(t, "evaluation budget", a.StopReason)
	if diff := cmp.Diff(a.History, b.History); diff != "" {
		t.Errorf("history differs for the same seed (-first +second):\n%s", diff)
	}
	assert.Equal(t, a.Best, b.Best)
	assert.Equal(t, a.BestScore, b.BestScore)
}

func TestTune_GridEvaluatesFullGridPerRound(t *testing.T) {
	t.Parallel()

	req := straightRequest(t)
	req.Strategy = tuning.StrategyGrid
	req.ValuesPerParam = 4
	req.MaxRounds = 2
	req.TopK = 2
	req.MaxEvaluations = 1000

	out, err := tuning.NewTuner().Tune(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 8, out.Evaluations)
	assert.Equal(t, 2, out.Iterations)
	assert.Equal(t, "converged", out.StopReason)
}

func TestTune_NoFeasibleParameters(t *testing.T) {
	t.Parallel()

	req := straightRequest(t)
	req.Cases = []tuning.Case{{Name: "zero-width", Track: testutil.Straight(t, 100, 1, 0, 10)}}
	req.MaxEvaluations = 5

	out, err := tuning.NewTuner().Tune(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tuning.ErrNoFeasibleParameters))
	assert.Equal(t, 5, out.Evaluations)
	assert.Zero(t, out.Feasible)
}

func TestTune_TimeLimit(t *testing.T) {
	t.Parallel()

	req := straightRequest(t)
	req.TimeLimit = 3 * time.Second
	req.MaxEvaluations = 1000

	tuner := tuning.NewTuner()
	tuner.Clock = timeutil.NewSteppingClock(time.Unix(0, 0), time.Second)

	out, err := tuner.Tune(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "time limit", out.StopReason)
	assert.Less(t, out.Evaluations, 10)
	assert.Positive(t, out.Evaluations)
}

func TestTune_TimeLimitCutsGridRound(t *testing.T) {
	t.Parallel()

	req := straightRequest(t)
	req.Strategy = tuning.StrategyGrid
	req.ValuesPerParam = 20
	req.MaxRounds = 1
	req.MaxEvaluations = 1000
	req.Workers = 1
	req.TimeLimit = 10 * time.Second

	tuner := tuning.NewTuner()
	tuner.Clock = timeutil.NewSteppingClock(time.Unix(0, 0), time.Second)
	var indexes []int
	tuner.OnEvaluation = func(ev tuning.Evaluation) { indexes = append(indexes, ev.Index) }

	out, err := tuner.Tune(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "time limit", out.StopReason)
	assert.Positive(t, out.Evaluations)
	assert.Less(t, out.Evaluations, 20, "the round stops between runs once the limit passes")
	require.Len(t, indexes, out.Evaluations)
	for i, idx := range indexes {
		assert.Equal(t, i, idx)
	}
}

func TestTune_CancelledBeforeStart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := tuning.NewTuner().Tune(ctx, straightRequest(t))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, out.Evaluations)
	assert.Equal(t, "cancelled", out.StopReason)
}

func TestTune_CancelMidSearchKeepsBest(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tuner := tuning.NewTuner()
	tuner.OnEvaluation = func(ev tuning.Evaluation) {
		if ev.Index == 2 {
			cancel()
		}
	}
	req := straightRequest(t)
	req.MaxEvaluations = 1000

	out, err := tuner.Tune(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", out.StopReason)
	assert.GreaterOrEqual(t, out.Evaluations, 3)
	assert.Less(t, out.Evaluations, 1000)
}

func TestTune_InfeasibleGainCombinationScoresHigh(t *testing.T) {
	t.Parallel()

	// lookahead_min above lookahead_max is rejected by the controller.
	req := straightRequest(t)
	req.Strategy = tuning.StrategyGrid
	req.Bounds = map[string]tuning.Bound{control.LookaheadMin: {Min: 1, Max: 50}}
	req.Initial.LookaheadMax = 25
	req.ValuesPerParam = 2
	req.MaxRounds = 1

	var scores []float64
	tuner := tuning.NewTuner()
	tuner.OnEvaluation = func(ev tuning.Evaluation) { scores = append(scores, ev.Score) }
	out, err := tuner.Tune(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, 1e9, scores[1])
	assert.Equal(t, 1.0, out.Best.LookaheadMin)
}

func TestTune_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*tuning.Request)
	}{
		{"no cases", func(r *tuning.Request) { r.Cases = nil }},
		{"nil track", func(r *tuning.Request) { r.Cases = []tuning.Case{{Name: "x"}} }},
		{"no bounds", func(r *tuning.Request) { r.Bounds = nil }},
		{"unknown param", func(r *tuning.Request) { r.Bounds["warp_factor"] = tuning.Bound{Min: 0, Max: 1} }},
		{"inverted bounds", func(r *tuning.Request) { r.Bounds[control.SpeedKp] = tuning.Bound{Min: 2, Max: 1} }},
		{"negative bounds", func(r *tuning.Request) { r.Bounds[control.SpeedKp] = tuning.Bound{Min: -1, Max: 1} }},
		{"too many evaluations", func(r *tuning.Request) { r.MaxEvaluations = tuning.MaxEvaluationsLimit + 1 }},
		{"unknown strategy", func(r *tuning.Request) { r.Strategy = "annealing" }},
		{"unknown objective", func(r *tuning.Request) { r.Objective = "vibes" }},
		{"unknown controller", func(r *tuning.Request) { r.Controller = "mpc" }},
		{"bad dt", func(r *tuning.Request) { r.Sim.Dt = 0 }},
		{"bad vehicle", func(r *tuning.Request) { r.Vehicle.Wheelbase = 0 }},
		{"bad initial", func(r *tuning.Request) { r.Initial.LookaheadMin = 0 }},
		{"values per param", func(r *tuning.Request) { r.ValuesPerParam = 1 }},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := straightRequest(t)
			tc.mutate(&req)

			called := false
			tuner := tuning.NewTuner()
			tuner.OnEvaluation = func(tuning.Evaluation) { called = true }
			_, err := tuner.Tune(context.Background(), req)
			require.Error(t, err)
			assert.False(t, called, "no candidate may run before validation passes")
		})
	}
}

func TestTune_MultipleTracksAverageScores(t *testing.T) {
	t.Parallel()

	req := straightRequest(t)
	req.Cases = append(req.Cases, tuning.Case{Name: "long", Track: testutil.Straight(t, 200, 1, 2, 10)})
	req.MaxEvaluations = 3

	tuner := tuning.NewTuner()
	var first *tuning.Evaluation
	tuner.OnEvaluation = func(ev tuning.Evaluation) {
		if first == nil {
			first = &ev
		}
	}
	_, err := tuner.Tune(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Len(t, first.Results, 2)

	w := tuning.DefaultObjectiveWeights()
	want := (tuning.ScoreResult(first.Results[0], w) + tuning.ScoreResult(first.Results[1], w)) / 2
	assert.InDelta(t, want, first.Score, 1e-9)
}
