package tuning

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/raceline/internal/control"
	"github.com/banshee-data/raceline/internal/sim"
	"github.com/banshee-data/raceline/internal/timeutil"
	"github.com/banshee-data/raceline/internal/vehicle"
)

// errStop signals that the budget or context ended the search.
var errStop = errors.New("tuning budget exhausted")

// space is the ordered set of tuned gains and their bounds.
type space struct {
	names  []string
	lo, hi []float64
}

func newSpace(bounds map[string]Bound) space {
	order := make(map[string]int, len(control.ParamNames))
	for i, n := range control.ParamNames {
		order[n] = i
	}
	names := make([]string, 0, len(bounds))
	for n := range bounds {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return order[names[i]] < order[names[j]] })

	sp := space{names: names, lo: make([]float64, len(names)), hi: make([]float64, len(names))}
	for i, n := range names {
		sp.lo[i], sp.hi[i] = bounds[n].Min, bounds[n].Max
	}
	return sp
}

func (sp space) dim() int { return len(sp.names) }

// clamp returns a copy of x held inside the bounds.
func (sp space) clamp(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		if math.IsNaN(v) {
			v = sp.lo[i]
		}
		out[i] = math.Max(sp.lo[i], math.Min(v, sp.hi[i]))
	}
	return out
}

func (sp space) span(i int) float64 { return sp.hi[i] - sp.lo[i] }

// Session is the state of one Tune call shared with the search strategy.
// Its methods must be called from a single goroutine.
type Session struct {
	ctx       context.Context
	tuner     *Tuner
	req       Request
	model     vehicle.Model
	objective *ObjectiveDefinition
	weights   ObjectiveWeights
	space     space
	deadline  timeutil.Deadline

	evals      int
	feasible   int
	iteration  int
	closedAt   int
	best       *Evaluation
	history    []HistoryEntry
	stopReason string
}

func newSession(ctx context.Context, t *Tuner, req Request, model vehicle.Model, obj *ObjectiveDefinition, w ObjectiveWeights) *Session {
	return &Session{
		ctx:       ctx,
		tuner:     t,
		req:       req,
		model:     model,
		objective: obj,
		weights:   w,
		space:     newSpace(req.Bounds),
		deadline:  timeutil.NewDeadline(t.Clock, req.TimeLimit),
	}
}

// Request returns the defaulted request.
func (s *Session) Request() Request { return s.req }

// Dim is the number of tuned gains.
func (s *Session) Dim() int { return s.space.dim() }

// Names lists the tuned gains in vector order.
func (s *Session) Names() []string { return s.space.names }

// Bounds returns the lower and upper bound of gain i.
func (s *Session) Bounds(i int) (float64, float64) { return s.space.lo[i], s.space.hi[i] }

// Initial returns the starting vector, clamped into the bounds.
func (s *Session) Initial() []float64 {
	x := make([]float64, s.space.dim())
	for i, n := range s.space.names {
		x[i] = s.req.Initial.Get(n)
	}
	return s.space.clamp(x)
}

// Clamp holds x inside the bounds.
func (s *Session) Clamp(x []float64) []float64 { return s.space.clamp(x) }

// Best returns the best feasible evaluation so far.
func (s *Session) Best() (Evaluation, bool) {
	if s.best == nil {
		return Evaluation{}, false
	}
	return *s.best, true
}

// Remaining returns how many evaluations the budget still allows.
func (s *Session) Remaining() int { return s.req.MaxEvaluations - s.evals }

// stopped reports whether the search must end, recording why.
func (s *Session) stopped() bool {
	switch {
	case s.ctx.Err() != nil:
		s.stopReason = "cancelled"
	case s.evals >= s.req.MaxEvaluations:
		s.stopReason = "evaluation budget"
	case s.deadline.Expired():
		s.stopReason = "time limit"
	default:
		return false
	}
	return true
}

// Evaluate scores a batch of candidate vectors in parallel. Candidates are
// clamped first; the batch is truncated to the remaining budget. The time
// limit and context are checked before each run: once either ends, the
// candidates not yet started are skipped and only the evaluated prefix is
// returned. It returns errStop when nothing could be evaluated.
func (s *Session) Evaluate(batch [][]float64) ([]Evaluation, error) {
	if s.stopped() {
		return nil, errStop
	}
	if n := s.Remaining(); len(batch) > n {
		batch = batch[:n]
	}

	out := make([]Evaluation, len(batch))
	// cut is the lowest index that found the budget spent.
	var cut atomic.Int64
	cut.Store(int64(len(batch)))
	g := new(errgroup.Group)
	g.SetLimit(s.req.Workers)
	for i, x := range batch {
		i, x := i, s.space.clamp(x)
		g.Go(func() error {
			if int64(i) >= cut.Load() {
				return nil
			}
			if s.ctx.Err() != nil || s.deadline.Expired() {
				for {
					c := cut.Load()
					if int64(i) >= c || cut.CompareAndSwap(c, int64(i)) {
						return nil
					}
				}
			}
			ev, err := s.run(x)
			if err != nil {
				return err
			}
			out[i] = ev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out = out[:cut.Load()]
	if len(out) < len(batch) {
		s.stopped()
		logf("%s ended the batch after %d of %d candidates", s.stopReason, len(out), len(batch))
		if len(out) == 0 {
			return nil, errStop
		}
	}

	for i := range out {
		out[i].Index = s.evals
		out[i].Iteration = s.iteration
		s.evals++
		if out[i].Feasible {
			s.feasible++
			if s.best == nil || out[i].Score < s.best.Score {
				ev := out[i]
				s.best = &ev
				s.history = append(s.history, HistoryEntry{
					Evaluation: ev.Index,
					Iteration:  s.iteration,
					BestScore:  ev.Score,
					Params:     ev.Params,
					Improved:   true,
				})
				logf("eval %d: new best %.4f %v", ev.Index, ev.Score, ev.Params)
			}
		}
		if s.tuner.OnEvaluation != nil {
			s.tuner.OnEvaluation(out[i])
		}
	}
	return out, nil
}

// EvaluateOne scores a single candidate.
func (s *Session) EvaluateOne(x []float64) (Evaluation, error) {
	evs, err := s.Evaluate([][]float64{x})
	if err != nil {
		return Evaluation{}, err
	}
	return evs[0], nil
}

// endIteration closes an iteration, appending the best-so-far to the history.
// An iteration with no evaluations is not counted.
func (s *Session) endIteration() {
	if s.evals == s.closedAt {
		return
	}
	s.closedAt = s.evals
	if s.best != nil {
		s.history = append(s.history, HistoryEntry{
			Evaluation: s.evals - 1,
			Iteration:  s.iteration,
			BestScore:  s.best.Score,
			Params:     s.best.Params,
		})
	}
	s.iteration++
}

// EndIteration is called by strategies after each sweep, round or batch.
func (s *Session) EndIteration() { s.endIteration() }

// paramsOf overlays a tuned-gain map onto the initial params.
func (s *Session) paramsOf(m map[string]float64) control.Params {
	p := s.req.Initial
	for _, n := range s.space.names {
		p, _ = p.With(n, m[n])
	}
	return p
}

// run simulates one clamped candidate on every case. Each call builds its
// own controller so concurrent runs share nothing mutable.
func (s *Session) run(x []float64) (Evaluation, error) {
	m := make(map[string]float64, len(x))
	for i, n := range s.space.names {
		m[n] = x[i]
	}
	ev := Evaluation{Params: m}

	ctrl, err := s.tuner.Controllers.New(s.req.Controller, s.paramsOf(m), s.model.Limits(), s.req.Sim.Dt)
	if errors.Is(err, control.ErrInvalidParameters) {
		ev.Score = infeasibleScore
		return ev, nil
	}
	if err != nil {
		return ev, err
	}

	ev.Results = make([]sim.Result, len(s.req.Cases))
	ev.Feasible = true
	for i, c := range s.req.Cases {
		res, err := sim.Run(c.Track, ctrl, s.model, s.req.Sim)
		if err != nil {
			return ev, err
		}
		ev.Results[i] = res
		if res.Status == sim.StatusOffTrack {
			ev.Feasible = false
		}
	}
	ev.Score = s.objective.Aggregate(ev.Results, s.weights)
	return ev, nil
}
