package tuning

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"
)

// nelderMead runs gonum's downhill simplex over the bounds rescaled to the
// unit cube. Points outside the cube are clamped before evaluation. The
// session budget stops the optimiser through Problem.Status.
func nelderMead(s *Session) error {
	req := s.Request()
	dim := s.Dim()

	toUnit := func(x []float64) []float64 {
		u := make([]float64, dim)
		for i := range x {
			lo, _ := s.Bounds(i)
			u[i] = (x[i] - lo) / s.space.span(i)
		}
		return u
	}
	fromUnit := func(u []float64) []float64 {
		x := make([]float64, dim)
		for i := range u {
			lo, _ := s.Bounds(i)
			x[i] = lo + u[i]*s.space.span(i)
		}
		return x
	}

	var stopErr error
	problem := optimize.Problem{
		Func: func(u []float64) float64 {
			if stopErr != nil {
				return math.Inf(1)
			}
			ev, err := s.EvaluateOne(fromUnit(u))
			if err != nil {
				stopErr = err
				return math.Inf(1)
			}
			return ev.Score
		},
		Status: func() (optimize.Status, error) {
			if stopErr != nil {
				return optimize.MethodConverge, nil
			}
			return optimize.NotTerminated, nil
		},
	}

	settings := &optimize.Settings{
		FuncEvaluations: s.Remaining(),
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-6,
			Iterations: 20,
		},
	}
	method := &optimize.NelderMead{SimplexSize: req.StepFraction}

	result, err := optimize.Minimize(problem, toUnit(s.Initial()), settings, method)
	if stopErr != nil {
		return stopErr
	}
	if err != nil {
		if s.stopped() {
			return errStop
		}
		return fmt.Errorf("nelder-mead: %w", err)
	}
	logf("nelder-mead finished: %v after %d function evaluations", result.Status, result.Stats.FuncEvaluations)
	s.EndIteration()
	return nil
}
