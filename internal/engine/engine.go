// Package engine exposes the three entry operations: a single run, a suite
// of runs across tracks, and a tuning session.
package engine

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/raceline/internal/control"
	"github.com/banshee-data/raceline/internal/monitoring"
	"github.com/banshee-data/raceline/internal/racetrack"
	"github.com/banshee-data/raceline/internal/sim"
	"github.com/banshee-data/raceline/internal/tuning"
	"github.com/banshee-data/raceline/internal/vehicle"
)

var logf = monitoring.Tagged("suite").Printf

// Case is a named track for suites and tuning.
type Case struct {
	Name  string
	Track *racetrack.TrackRaceline
}

// Options selects the controller, vehicle and loop settings of a run.
type Options struct {
	Controller string
	Params     control.Params
	Vehicle    vehicle.Params
	Sim        sim.Config
}

// DefaultOptions returns pure pursuit with default gains, vehicle and loop.
func DefaultOptions() Options {
	return Options{
		Controller: control.PurePursuitName,
		Params:     control.DefaultParams(),
		Vehicle:    vehicle.DefaultParams(),
		Sim:        sim.DefaultConfig(),
	}
}

// Engine wires the controller registry and tuner used by the entry operations.
type Engine struct {
	Controllers *control.Registry
	Tuner       *tuning.Tuner
	// Workers bounds concurrent suite cases; 0 means one per case.
	Workers int
}

// New returns an Engine with the built-in controllers and tuner.
func New() *Engine {
	return &Engine{
		Controllers: control.DefaultRegistry(),
		Tuner:       tuning.NewTuner(),
	}
}

// Run drives one lap on tr and returns its result. A per-step observer set
// in opts.Sim receives every sample.
func (e *Engine) Run(tr *racetrack.TrackRaceline, opts Options) (sim.Result, error) {
	if tr == nil {
		return sim.Result{}, fmt.Errorf("%w: no track", racetrack.ErrMalformedGeometry)
	}
	model, err := vehicle.NewKinematicBicycle(opts.Vehicle)
	if err != nil {
		return sim.Result{}, err
	}
	ctrl, err := e.Controllers.New(opts.Controller, opts.Params, model.Limits(), opts.Sim.Dt)
	if err != nil {
		return sim.Result{}, err
	}
	return sim.Run(tr, ctrl, model, opts.Sim)
}

// SuiteResult is one case of a suite.
type SuiteResult struct {
	Name   string     `json:"name"`
	Result sim.Result `json:"result"`
	Score  float64    `json:"score"`
}

// SuiteScore rates a run out of 100: a completed lap loses a tenth of a
// point per second (at most 50) and five points per track violation.
// Unfinished laps score 0.
func SuiteScore(r sim.Result) float64 {
	if !r.Completed {
		return 0
	}
	score := 100 - math.Min(0.1*r.LapTime, 50) - 5*float64(r.Violations)
	return math.Max(0, score)
}

// RunSuite runs every case in parallel and returns the results in case order.
// The context is checked before each case starts.
func (e *Engine) RunSuite(ctx context.Context, cases []Case, opts Options) ([]SuiteResult, error) {
	if len(cases) == 0 {
		return nil, fmt.Errorf("no tracks in suite")
	}
	// Cases run concurrently; a shared per-step observer would race.
	opts.Sim.Observer = nil

	out := make([]SuiteResult, len(cases))
	g, ctx := errgroup.WithContext(ctx)
	if e.Workers > 0 {
		g.SetLimit(e.Workers)
	}
	for i, c := range cases {
		i, c := i, c
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := e.Run(c.Track, opts)
			if err != nil {
				return fmt.Errorf("%s: %w", c.Name, err)
			}
			out[i] = SuiteResult{Name: c.Name, Result: res, Score: SuiteScore(res)}
			logf("%s: %s after %.2fs, %d violations, score %.1f",
				c.Name, res.Status, res.Elapsed, res.Violations, out[i].Score)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Tune searches gain space over the cases starting from opts.Params and
// returns the best parameters found with the full outcome. The request's
// cases, initial params, controller, vehicle and loop settings come from
// cases and opts; bounds and budget from req.
func (e *Engine) Tune(ctx context.Context, cases []Case, opts Options, req tuning.Request) (control.Params, tuning.Outcome, error) {
	req.Cases = make([]tuning.Case, len(cases))
	for i, c := range cases {
		req.Cases[i] = tuning.Case{Name: c.Name, Track: c.Track}
	}
	req.Initial = opts.Params
	req.Controller = opts.Controller
	req.Vehicle = opts.Vehicle
	req.Sim = opts.Sim

	out, err := e.Tuner.Tune(ctx, req)
	if err != nil {
		return opts.Params, out, err
	}
	return out.Best, out, nil
}
