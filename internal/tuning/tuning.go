// Package tuning searches controller-gain space for the parameters that
// minimise a tracking objective over one or more tracks.
//
// Every candidate is scored by running the closed-loop simulation to a
// terminal state on each track. Candidates within a batch are evaluated in
// parallel, each with its own controller memory and vehicle state; the track
// arenas and the vehicle model are shared read-only.
package tuning

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/raceline/internal/control"
	"github.com/banshee-data/raceline/internal/monitoring"
	"github.com/banshee-data/raceline/internal/racetrack"
	"github.com/banshee-data/raceline/internal/sim"
	"github.com/banshee-data/raceline/internal/timeutil"
	"github.com/banshee-data/raceline/internal/vehicle"
)

// ErrNoFeasibleParameters is returned when every evaluated candidate left the
// track on at least one case.
var ErrNoFeasibleParameters = errors.New("no feasible parameters")

var logf = monitoring.Tagged("tune").Printf

const (
	// MaxEvaluationsLimit bounds a single tuning request.
	MaxEvaluationsLimit = 100000

	// infeasibleScore is the objective assigned to gain combinations the
	// controller rejects outright (for example lookahead_min > lookahead_max).
	infeasibleScore = 1e9
)

// Case is one track the candidate must drive.
type Case struct {
	Name  string                   `json:"name"`
	Track *racetrack.TrackRaceline `json:"-"`
}

// Bound is the closed search range of one gain.
type Bound struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Request configures one tuning session.
type Request struct {
	Cases   []Case           `json:"cases"`
	Initial control.Params   `json:"initial"`
	Bounds  map[string]Bound `json:"bounds"` // gains not listed stay at Initial

	Strategy  string            `json:"strategy"`  // coordinate, random, grid, nelder_mead
	Objective string            `json:"objective"` // weighted, lap_time, tracking
	Weights   *ObjectiveWeights `json:"weights,omitempty"`

	MaxEvaluations int           `json:"max_evaluations"`
	TimeLimit      time.Duration `json:"time_limit"` // 0 = no wall-clock limit
	Seed           int64         `json:"seed"`
	Workers        int           `json:"workers"`

	Controller string         `json:"controller"`
	Vehicle    vehicle.Params `json:"vehicle"`
	Sim        sim.Config     `json:"sim"`

	// Coordinate descent: first trial step as a fraction of each range.
	StepFraction float64 `json:"step_fraction"`
	// Grid narrowing.
	MaxRounds      int `json:"max_rounds"`
	ValuesPerParam int `json:"values_per_param"`
	TopK           int `json:"top_k"`
	// Random search: candidates drawn per batch.
	BatchSize int `json:"batch_size"`
}

// Evaluation is one scored candidate.
type Evaluation struct {
	Index     int                `json:"index"`
	Iteration int                `json:"iteration"`
	Params    map[string]float64 `json:"params"`
	Score     float64            `json:"score"`
	Feasible  bool               `json:"feasible"`
	Results   []sim.Result       `json:"results"`
}

// HistoryEntry records the best-so-far objective. Improved entries mark a
// newly accepted candidate; the others close an iteration.
type HistoryEntry struct {
	Evaluation int                `json:"evaluation"`
	Iteration  int                `json:"iteration"`
	BestScore  float64            `json:"best_score"`
	Params     map[string]float64 `json:"params"`
	Improved   bool               `json:"improved"`
}

// Outcome is the result of a tuning session.
type Outcome struct {
	Strategy    string         `json:"strategy"`
	Objective   string         `json:"objective"`
	Best        control.Params `json:"best"`
	BestScore   float64        `json:"best_score"`
	BestResults []sim.Result   `json:"best_results"`
	Evaluations int            `json:"evaluations"`
	Feasible    int            `json:"feasible"`
	Iterations  int            `json:"iterations"`
	History     []HistoryEntry `json:"history"`
	StopReason  string         `json:"stop_reason"`
	Elapsed     time.Duration  `json:"elapsed"`
}

// Tuner runs tuning sessions. The zero value is not usable; call NewTuner.
type Tuner struct {
	Clock       timeutil.Clock
	Objectives  *ObjectiveRegistry
	Controllers *control.Registry
	Strategies  map[string]Strategy

	// OnEvaluation, when set, is called for every evaluation in index order
	// from the goroutine running Tune.
	OnEvaluation func(Evaluation)
}

// NewTuner returns a Tuner with the built-in objectives, controllers and
// search strategies on the real clock.
func NewTuner() *Tuner {
	return &Tuner{
		Clock:       timeutil.RealClock{},
		Objectives:  DefaultObjectiveRegistry(),
		Controllers: control.DefaultRegistry(),
		Strategies:  DefaultStrategies(),
	}
}

// applyDefaults fills unset request fields.
func applyDefaults(req Request) Request {
	if req.Strategy == "" {
		req.Strategy = StrategyCoordinate
	}
	if req.Objective == "" {
		req.Objective = "weighted"
	}
	if req.MaxEvaluations <= 0 {
		req.MaxEvaluations = 200
	}
	if req.Workers <= 0 {
		req.Workers = 4
	}
	if req.Controller == "" {
		req.Controller = control.PurePursuitName
	}
	if req.StepFraction <= 0 {
		req.StepFraction = 0.25
	}
	if req.MaxRounds <= 0 {
		req.MaxRounds = 3
	}
	if req.ValuesPerParam <= 0 {
		req.ValuesPerParam = 5
	}
	if req.TopK <= 0 {
		req.TopK = 5
	}
	if req.BatchSize <= 0 {
		req.BatchSize = 8
	}
	// Runs execute concurrently; a per-step observer would be shared.
	req.Sim.Observer = nil
	return req
}

// validate checks everything that can be checked before the first run.
func (t *Tuner) validate(req Request) error {
	if len(req.Cases) == 0 {
		return fmt.Errorf("no tracks specified for tuning")
	}
	for i, c := range req.Cases {
		if c.Track == nil {
			return fmt.Errorf("case %d (%s) has no track", i, c.Name)
		}
	}
	if len(req.Bounds) == 0 {
		return fmt.Errorf("%w: no parameter bounds specified", control.ErrInvalidParameters)
	}
	for name, b := range req.Bounds {
		if _, err := req.Initial.With(name, 0); err != nil {
			return err
		}
		if math.IsNaN(b.Min) || math.IsNaN(b.Max) || b.Min >= b.Max {
			return fmt.Errorf("%w: param %q: min must be less than max", control.ErrInvalidParameters, name)
		}
		if b.Min < 0 {
			return fmt.Errorf("%w: param %q: bounds must be non-negative", control.ErrInvalidParameters, name)
		}
	}
	if req.MaxEvaluations > MaxEvaluationsLimit {
		return fmt.Errorf("max_evaluations must not exceed %d, got %d", MaxEvaluationsLimit, req.MaxEvaluations)
	}
	if req.StepFraction > 1 {
		return fmt.Errorf("step_fraction must not exceed 1, got %v", req.StepFraction)
	}
	if req.MaxRounds > 10 {
		return fmt.Errorf("max_rounds must not exceed 10, got %d", req.MaxRounds)
	}
	if req.ValuesPerParam < 2 || req.ValuesPerParam > 20 {
		return fmt.Errorf("values_per_param must be between 2 and 20, got %d", req.ValuesPerParam)
	}
	if req.TopK > 50 {
		return fmt.Errorf("top_k must not exceed 50, got %d", req.TopK)
	}
	if _, ok := t.Strategies[req.Strategy]; !ok {
		return fmt.Errorf("unknown strategy %q", req.Strategy)
	}
	if _, ok := t.Objectives.Get(req.Objective); !ok {
		return fmt.Errorf("unknown objective %q", req.Objective)
	}
	if err := req.Initial.Validate(); err != nil {
		return fmt.Errorf("initial params: %w", err)
	}
	if err := req.Sim.Validate(); err != nil {
		return err
	}
	if err := req.Vehicle.Validate(); err != nil {
		return err
	}
	if _, ok := t.Controllers.Get(req.Controller); !ok {
		return fmt.Errorf("%w: unknown controller %q", control.ErrInvalidParameters, req.Controller)
	}
	return nil
}

// Tune searches for the best parameters within the request's budget. The
// context is checked between simulation runs, never within one.
func (t *Tuner) Tune(ctx context.Context, req Request) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req = applyDefaults(req)
	if err := t.validate(req); err != nil {
		return Outcome{}, err
	}

	model, err := vehicle.NewKinematicBicycle(req.Vehicle)
	if err != nil {
		return Outcome{}, err
	}
	objective, _ := t.Objectives.Get(req.Objective)
	weights := DefaultObjectiveWeights()
	if req.Weights != nil {
		weights = *req.Weights
	}

	s := newSession(ctx, t, req, model, objective, weights)
	logf("starting %s search over %d params on %d tracks (budget %d evaluations, %d workers)",
		req.Strategy, len(s.space.names), len(req.Cases), req.MaxEvaluations, req.Workers)

	strategy := t.Strategies[req.Strategy]
	err = strategy.Search(s)
	switch {
	case err == nil:
		if s.stopReason == "" && !s.stopped() {
			s.stopReason = "converged"
		}
	case errors.Is(err, errStop):
	default:
		return Outcome{}, err
	}
	s.endIteration()

	out := Outcome{
		Strategy:    req.Strategy,
		Objective:   req.Objective,
		Evaluations: s.evals,
		Feasible:    s.feasible,
		Iterations:  s.iteration,
		History:     s.history,
		StopReason:  s.stopReason,
		Elapsed:     s.deadline.Elapsed(),
	}
	if s.best == nil {
		if s.evals == 0 && ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, fmt.Errorf("%w: all %d candidates left the track", ErrNoFeasibleParameters, s.evals)
	}
	out.Best = s.paramsOf(s.best.Params)
	out.BestScore = s.best.Score
	out.BestResults = s.best.Results
	logf("finished after %d evaluations (%s): best=%.4f", s.evals, s.stopReason, s.best.Score)
	return out, nil
}
