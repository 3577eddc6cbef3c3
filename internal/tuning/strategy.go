package tuning

import (
	"math/rand"
)

// Strategy names.
const (
	StrategyCoordinate = "coordinate"
	StrategyRandom     = "random"
	StrategyGrid       = "grid"
	StrategyNelderMead = "nelder_mead"
)

// Strategy drives a search through a Session. Search returns nil when the
// method has converged, the error from Session.Evaluate when the budget ends
// the search, or any other error to abort tuning.
type Strategy interface {
	Search(s *Session) error
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(s *Session) error

// Search implements Strategy.
func (f StrategyFunc) Search(s *Session) error { return f(s) }

// DefaultStrategies returns the built-in search methods by name.
func DefaultStrategies() map[string]Strategy {
	return map[string]Strategy{
		StrategyCoordinate: StrategyFunc(coordinateDescent),
		StrategyRandom:     StrategyFunc(randomSearch),
		StrategyGrid:       StrategyFunc(gridNarrowing),
		StrategyNelderMead: StrategyFunc(nelderMead),
	}
}

// minStepFraction ends coordinate descent once every trial step has shrunk
// below this fraction of its range.
const minStepFraction = 1e-3

// coordinateDescent tries each gain up and down by its step, moves to any
// improvement, and halves the steps after a sweep with no improvement.
func coordinateDescent(s *Session) error {
	req := s.Request()
	x := s.Initial()
	cur, err := s.EvaluateOne(x)
	if err != nil {
		return err
	}
	score := cur.Score
	s.EndIteration()

	steps := make([]float64, s.Dim())
	for i := range steps {
		steps[i] = req.StepFraction * s.space.span(i)
	}

	for {
		improved := false
		for i := 0; i < s.Dim(); i++ {
			var trials [][]float64
			for _, dir := range []float64{-1, 1} {
				y := append([]float64(nil), x...)
				y[i] += dir * steps[i]
				y = s.Clamp(y)
				if y[i] != x[i] {
					trials = append(trials, y)
				}
			}
			if len(trials) == 0 {
				continue
			}
			evs, err := s.Evaluate(trials)
			if err != nil {
				return err
			}
			for k, ev := range evs {
				if ev.Score < score {
					score = ev.Score
					x = trials[k]
					improved = true
				}
			}
		}
		s.EndIteration()

		if improved {
			continue
		}
		done := true
		for i := range steps {
			steps[i] /= 2
			if steps[i] >= minStepFraction*s.space.span(i) {
				done = false
			}
		}
		if done {
			return nil
		}
	}
}

// localSpread is the standard deviation, as a fraction of each range, of
// the random search's perturbations around the incumbent.
const localSpread = 0.1

// randomSearch draws batches from a seeded source: even slots uniformly over
// the bounds, odd slots as Gaussian perturbations of the best feasible
// candidate so far. It runs until the budget ends it.
func randomSearch(s *Session) error {
	req := s.Request()
	rng := rand.New(rand.NewSource(req.Seed))

	if _, err := s.EvaluateOne(s.Initial()); err != nil {
		return err
	}
	s.EndIteration()

	for {
		center, local := s.Initial(), false
		if best, ok := s.Best(); ok {
			for i, n := range s.Names() {
				center[i] = best.Params[n]
			}
			local = true
		}

		batch := make([][]float64, req.BatchSize)
		for b := range batch {
			y := make([]float64, s.Dim())
			for i := range y {
				if local && b%2 == 1 {
					y[i] = center[i] + rng.NormFloat64()*localSpread*s.space.span(i)
				} else {
					lo, _ := s.Bounds(i)
					y[i] = lo + rng.Float64()*s.space.span(i)
				}
			}
			batch[b] = y
		}
		if _, err := s.Evaluate(batch); err != nil {
			return err
		}
		s.EndIteration()
	}
}
