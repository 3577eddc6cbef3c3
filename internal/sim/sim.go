// Package sim drives a controller and a vehicle model around a raceline in
// fixed discrete timesteps until the lap completes, the vehicle leaves the
// track, or the step budget runs out.
//
// A run owns its vehicle state and controller memory; the track arena,
// controller and model are only read, so independent runs may execute
// concurrently against the same values.
package sim

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/raceline/internal/control"
	"github.com/banshee-data/raceline/internal/racetrack"
	"github.com/banshee-data/raceline/internal/vehicle"
)

// ErrInvalidConfig is returned for loop settings that cannot drive a run.
var ErrInvalidConfig = errors.New("invalid simulation config")

// Status is the loop state. Every state except StatusRunning is terminal.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusOffTrack  Status = "off_track"
	StatusTimedOut  Status = "timed_out"
)

// Config holds the loop settings.
type Config struct {
	Dt           float64 `json:"dt"`            // seconds per step
	MaxSteps     int     `json:"max_steps"`     // step budget
	GracePeriod  float64 `json:"grace_period"`  // seconds off track tolerated
	InitialSpeed float64 `json:"initial_speed"` // m/s at the start point
	// OffTrackTolerance is how far beyond the edge, in metres, a position
	// may be before the sample counts as off track. At zero the edge itself
	// counts as off track.
	OffTrackTolerance float64 `json:"off_track_tolerance"`

	// Observer, when set, receives the initial state and every step.
	Observer Observer `json:"-"`
}

// DefaultConfig returns a 100 Hz loop with a ten minute budget.
func DefaultConfig() Config {
	return Config{
		Dt:                0.01,
		MaxSteps:          60000,
		GracePeriod:       0.2,
		InitialSpeed:      0,
		OffTrackTolerance: 0.5,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	if err := vehicle.ValidateTimestep(c.Dt); err != nil {
		return err
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("%w: max_steps must be positive, got %d", ErrInvalidConfig, c.MaxSteps)
	}
	if c.GracePeriod < 0 || math.IsNaN(c.GracePeriod) {
		return fmt.Errorf("%w: grace_period must be non-negative", ErrInvalidConfig)
	}
	if c.InitialSpeed < 0 || math.IsNaN(c.InitialSpeed) {
		return fmt.Errorf("%w: initial_speed must be non-negative", ErrInvalidConfig)
	}
	if c.OffTrackTolerance < 0 || math.IsNaN(c.OffTrackTolerance) {
		return fmt.Errorf("%w: off_track_tolerance must be non-negative", ErrInvalidConfig)
	}
	return nil
}

// graceSteps is the number of consecutive off-track steps tolerated.
func (c Config) graceSteps() int {
	return int(math.Floor(c.GracePeriod/c.Dt + 1e-9))
}

// Result summarises one run.
type Result struct {
	Status    Status  `json:"status"`
	Completed bool    `json:"completed"`
	Reason    string  `json:"reason"`
	Steps     int     `json:"steps"`
	Elapsed   float64 `json:"elapsed"`  // simulated seconds
	LapTime   float64 `json:"lap_time"` // seconds, zero unless completed

	TotalCrossTrackError float64 `json:"total_cross_track_error"` // sum of |cte| over steps
	AvgCrossTrackError   float64 `json:"avg_cross_track_error"`
	MaxCrossTrackError   float64 `json:"max_cross_track_error"`
	FinalCrossTrackError float64 `json:"final_cross_track_error"`

	MaxSpeed        float64 `json:"max_speed"`
	AvgSpeed        float64 `json:"avg_speed"`
	TotalDistance   float64 `json:"total_distance"`
	AvgHeadingError float64 `json:"avg_heading_error"` // mean |heading error|, radians
	Violations      int     `json:"violations"`        // separate off-track excursions
	Progress        float64 `json:"progress"`          // metres along the raceline
	ProgressRatio   float64 `json:"progress_ratio"`    // progress / lap length, in [0, 1]
}

// Run simulates one lap attempt. Configuration errors are returned before
// the first step; leaving the track is reported through Result.Status.
func Run(tr *racetrack.TrackRaceline, ctrl control.Controller, model vehicle.Model, cfg Config) (Result, error) {
	if tr == nil || ctrl == nil || model == nil {
		return Result{}, fmt.Errorf("%w: track, controller and model are required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	lapLength := tr.Length()
	start := tr.Start()
	state := vehicle.State{
		X:       start.X,
		Y:       start.Y,
		Heading: tr.Heading(0),
		Speed:   math.Min(cfg.InitialSpeed, model.Limits().MaxSpeed),
	}
	_, prevS := tr.NearestRacelinePoint(state.X, state.Y)

	if cfg.Observer != nil {
		cfg.Observer.Observe(Sample{
			State:            state,
			CrossTrackError:  tr.CrossTrackError(state.X, state.Y),
			BoundaryDistance: tr.BoundaryDistance(state.X, state.Y),
			ArcLength:        prevS,
			Status:           StatusRunning,
		})
	}

	var (
		mem        control.Memory
		progress   float64
		distance   float64
		offRun     int
		violations int
		grace      = cfg.graceSteps()

		ctes     = make([]float64, 0, min(cfg.MaxSteps, 1<<16))
		speeds   = make([]float64, 0, cap(ctes))
		headings = make([]float64, 0, cap(ctes))
	)

	for step := 1; ; step++ {
		cmd, nextMem, diag := ctrl.Compute(state, tr, mem)
		next, err := model.Step(state, cmd, cfg.Dt)
		if err != nil {
			return Result{}, fmt.Errorf("step %d: %w", step, err)
		}
		mem = nextMem
		distance += math.Hypot(next.X-state.X, next.Y-state.Y)
		state = next

		_, s := tr.NearestRacelinePoint(state.X, state.Y)
		progress += arcDelta(prevS, s, lapLength, tr.Closed())
		prevS = s

		cte := tr.CrossTrackError(state.X, state.Y)
		headingErr := vehicle.NormalizeAngle(tr.Heading(s) - state.Heading)
		bd := tr.BoundaryDistance(state.X, state.Y)
		ctes = append(ctes, math.Abs(cte))
		speeds = append(speeds, state.Speed)
		headings = append(headings, math.Abs(headingErr))

		if bd <= -cfg.OffTrackTolerance {
			if offRun == 0 {
				violations++
			}
			offRun++
		} else {
			offRun = 0
		}

		status := StatusRunning
		var reason string
		switch {
		case offRun > grace:
			status = StatusOffTrack
			reason = fmt.Sprintf("off track for %d steps (grace %d) at step %d, %.2fm beyond the edge",
				offRun, grace, step, -bd)
		case progress >= lapLength:
			status = StatusCompleted
			reason = "lap completed"
		case step >= cfg.MaxSteps:
			status = StatusTimedOut
			reason = fmt.Sprintf("step limit %d reached at %.1f%% of the lap", cfg.MaxSteps, 100*progress/lapLength)
		}

		if cfg.Observer != nil {
			cfg.Observer.Observe(Sample{
				Step:             step,
				Time:             float64(step) * cfg.Dt,
				State:            state,
				Command:          cmd,
				Diagnostics:      diag,
				CrossTrackError:  cte,
				HeadingError:     headingErr,
				BoundaryDistance: bd,
				ArcLength:        s,
				Progress:         progress,
				OffTrack:         offRun > 0,
				Status:           status,
			})
		}

		if status == StatusRunning {
			continue
		}

		res := Result{
			Status:               status,
			Completed:            status == StatusCompleted,
			Reason:               reason,
			Steps:                step,
			Elapsed:              float64(step) * cfg.Dt,
			TotalCrossTrackError: floats.Sum(ctes),
			AvgCrossTrackError:   stat.Mean(ctes, nil),
			MaxCrossTrackError:   floats.Max(ctes),
			FinalCrossTrackError: math.Abs(cte),
			MaxSpeed:             floats.Max(speeds),
			AvgSpeed:             stat.Mean(speeds, nil),
			TotalDistance:        distance,
			AvgHeadingError:      stat.Mean(headings, nil),
			Violations:           violations,
			Progress:             progress,
			ProgressRatio:        math.Max(0, math.Min(1, progress/lapLength)),
		}
		if res.Completed {
			res.LapTime = res.Elapsed
		}
		return res, nil
	}
}

// arcDelta is the signed arc-length moved between two projections. On a
// closed circuit a jump of more than half a lap is taken as a crossing of the
// start line.
func arcDelta(prev, cur, length float64, closed bool) float64 {
	d := cur - prev
	if closed {
		if d > length/2 {
			d -= length
		} else if d < -length/2 {
			d += length
		}
	}
	return d
}
