package tuning

import (
	"fmt"
	"math"
	"sort"
)

const (
	// singleValueMarginRatio is the fraction of a single value to use as margin when narrowing
	// bounds around a single result (e.g., if value is 0.05, margin = 0.05 * 0.1 = 0.005).
	singleValueMarginRatio = 0.1

	// minMargin is the minimum absolute margin to add around a single value when narrowing bounds.
	minMargin = 0.001

	// defaultMarginSteps is the number of grid steps to add as margin on each side when narrowing bounds.
	defaultMarginSteps = 1.0

	// maxGridCombos limits the candidates generated for one round.
	maxGridCombos = 1000
)

// gridNarrowing evaluates a full grid over the current bounds, keeps the top
// K feasible-first candidates, and shrinks every range around them for the
// next round.
func gridNarrowing(s *Session) error {
	req := s.Request()
	dim := s.Dim()
	lo := make([]float64, dim)
	hi := make([]float64, dim)
	for i := range lo {
		lo[i], hi[i] = s.Bounds(i)
	}

	for round := 1; round <= req.MaxRounds; round++ {
		values := make([][]float64, dim)
		for i := range values {
			values[i] = generateGrid(lo[i], hi[i], req.ValuesPerParam)
		}
		combos, err := cartesian(values)
		if err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
		logf("grid round %d/%d: %d combinations", round, req.MaxRounds, len(combos))

		evs, err := s.Evaluate(combos)
		if err != nil {
			return err
		}
		topK := rankEvaluations(evs, req.TopK)
		s.EndIteration()

		if round == req.MaxRounds || len(topK) == 0 {
			continue
		}
		for i, name := range s.Names() {
			start, end := narrowBounds(topK, name, req.ValuesPerParam)
			olo, ohi := s.Bounds(i)
			lo[i] = math.Max(start, olo)
			hi[i] = math.Min(end, ohi)
		}
		logf("narrowed bounds for round %d: lo=%v hi=%v", round+1, lo, hi)
	}
	return nil
}

// rankEvaluations orders feasible candidates before infeasible ones, then by
// score, and returns at most k of them.
func rankEvaluations(evs []Evaluation, k int) []Evaluation {
	ranked := append([]Evaluation(nil), evs...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Feasible != ranked[j].Feasible {
			return ranked[i].Feasible
		}
		return ranked[i].Score < ranked[j].Score
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}

// narrowBounds computes narrowed parameter bounds from the top K results.
// For each parameter, finds min/max across top K, adds a margin of 1 step.
func narrowBounds(topK []Evaluation, paramName string, valuesPerParam int) (start, end float64) {
	if len(topK) == 0 {
		return 0, 0
	}

	minVal := math.Inf(1)
	maxVal := math.Inf(-1)
	for _, ev := range topK {
		v, ok := ev.Params[paramName]
		if !ok {
			continue
		}
		minVal = math.Min(minVal, v)
		maxVal = math.Max(maxVal, v)
	}

	// If no values were found for this parameter, do not narrow bounds.
	if math.IsInf(minVal, 1) && math.IsInf(maxVal, -1) {
		return 0, 0
	}

	if minVal == maxVal {
		margin := math.Abs(minVal) * singleValueMarginRatio
		if margin < minMargin {
			margin = minMargin
		}
		return minVal - margin, maxVal + margin
	}

	step := (maxVal - minVal) / float64(valuesPerParam-1)
	return minVal - step*defaultMarginSteps, maxVal + step*defaultMarginSteps
}

// generateGrid creates N evenly-spaced values between start and end (inclusive).
func generateGrid(start, end float64, n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	if n == 1 {
		return []float64{(start + end) / 2.0}
	}

	grid := make([]float64, n)
	step := (end - start) / float64(n-1)
	for i := 0; i < n; i++ {
		grid[i] = start + step*float64(i)
	}
	return grid
}

// cartesian expands per-dimension values into every combination, varying
// the last dimension fastest.
func cartesian(values [][]float64) ([][]float64, error) {
	if len(values) == 0 {
		return nil, nil
	}
	total := 1
	for _, v := range values {
		total *= len(v)
		if total > maxGridCombos {
			return nil, fmt.Errorf("grid would generate more than %d combinations", maxGridCombos)
		}
	}

	result := make([][]float64, total)
	for i := range result {
		result[i] = make([]float64, len(values))
	}
	repeat := 1
	for dim := len(values) - 1; dim >= 0; dim-- {
		cycle := len(values[dim])
		for i := 0; i < total; i++ {
			result[i][dim] = values[dim][(i/repeat)%cycle]
		}
		repeat *= cycle
	}
	return result, nil
}
