package report

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/raceline/internal/sim"
)

// Values inside these deadbands count as zero when looking for sign changes.
const (
	steerDeadband = 1e-3 // radians
	cteDeadband   = 1e-2 // metres
)

// Oscillation summarises how much a run weaves around the raceline.
type Oscillation struct {
	SteeringSignChanges int     `json:"steering_sign_changes"`
	RacelineCrossings   int     `json:"raceline_crossings"`
	SteeringStdDev      float64 `json:"steering_std_dev"`
	MaxAbsSteer         float64 `json:"max_abs_steer"`
	CrossingsPerKm      float64 `json:"crossings_per_km"` // per km of raceline progress
}

// Analyze computes oscillation statistics over a recorded trace. The
// initial placement sample carries no command and is skipped for steering.
func Analyze(tr *sim.Trace) Oscillation {
	var o Oscillation
	if tr == nil || tr.Len() < 2 {
		return o
	}
	steps := tr.Samples[1:]

	steer := make([]float64, len(steps))
	cte := make([]float64, len(steps))
	for i, s := range steps {
		steer[i] = s.Command.Steer
		cte[i] = s.CrossTrackError
	}

	o.SteeringSignChanges = signChanges(steer, steerDeadband)
	o.RacelineCrossings = signChanges(cte, cteDeadband)
	if len(steer) > 1 {
		o.SteeringStdDev = stat.StdDev(steer, nil)
	}
	abs := make([]float64, len(steer))
	for i, v := range steer {
		abs[i] = math.Abs(v)
	}
	o.MaxAbsSteer = floats.Max(abs)

	last := tr.Samples[len(tr.Samples)-1]
	if dist := last.Progress; dist > 0 {
		o.CrossingsPerKm = float64(o.RacelineCrossings) / (dist / 1000)
	}
	return o
}

// signChanges counts transitions between strictly positive and strictly
// negative values, ignoring samples inside the deadband.
func signChanges(vs []float64, deadband float64) int {
	n, prev := 0, 0
	for _, v := range vs {
		sign := 0
		switch {
		case v > deadband:
			sign = 1
		case v < -deadband:
			sign = -1
		}
		if sign == 0 {
			continue
		}
		if prev != 0 && sign != prev {
			n++
		}
		prev = sign
	}
	return n
}
