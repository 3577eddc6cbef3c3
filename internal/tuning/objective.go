package tuning

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/raceline/internal/sim"
)

// ObjectiveWeights tune the weighted objective. Lower scores are better.
type ObjectiveWeights struct {
	AvgCrossTrack    float64 `json:"avg_cross_track"`    // per metre of mean |cte|
	MaxCrossTrack    float64 `json:"max_cross_track"`    // per metre of peak |cte|
	LapTime          float64 `json:"lap_time"`           // per second
	HeadingError     float64 `json:"heading_error"`      // per radian of mean |heading error|
	OffTrackPenalty  float64 `json:"off_track_penalty"`  // added when the run left the track
	IncompletePerLap float64 `json:"incomplete_per_lap"` // scaled by the unfinished lap fraction
}

// DefaultObjectiveWeights returns the weights used when a request sets none.
func DefaultObjectiveWeights() ObjectiveWeights {
	return ObjectiveWeights{
		AvgCrossTrack:    1.0,
		MaxCrossTrack:    0.2,
		LapTime:          0.01,
		HeadingError:     0.5,
		OffTrackPenalty:  1000,
		IncompletePerLap: 100,
	}
}

// penalty is the shared termination penalty: off-track runs pay the fixed
// penalty plus the unfinished fraction, timed-out runs the fraction only.
func penalty(r sim.Result, w ObjectiveWeights) float64 {
	unfinished := 1 - r.ProgressRatio
	switch r.Status {
	case sim.StatusOffTrack:
		return w.OffTrackPenalty + w.IncompletePerLap*unfinished
	case sim.StatusCompleted:
		return 0
	default:
		return w.IncompletePerLap * unfinished
	}
}

// runTime is the lap time, or the simulated time for an unfinished run.
func runTime(r sim.Result) float64 {
	if r.Completed {
		return r.LapTime
	}
	return r.Elapsed
}

// ScoreResult computes the weighted objective for one run.
func ScoreResult(r sim.Result, w ObjectiveWeights) float64 {
	return w.AvgCrossTrack*r.AvgCrossTrackError +
		w.MaxCrossTrack*r.MaxCrossTrackError +
		w.LapTime*runTime(r) +
		w.HeadingError*r.AvgHeadingError +
		penalty(r, w)
}

// ObjectiveDefinition describes a registered objective.
type ObjectiveDefinition struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Description   string   `json:"description"`
	InputFeatures []string `json:"input_features"`
	// Score computes the objective for a single run; lower is better.
	Score func(result sim.Result, weights ObjectiveWeights) float64 `json:"-"`
}

// Aggregate scores each run and returns the mean across tracks.
func (d *ObjectiveDefinition) Aggregate(results []sim.Result, w ObjectiveWeights) float64 {
	if len(results) == 0 {
		return 0
	}
	scores := make([]float64, len(results))
	for i, r := range results {
		scores[i] = d.Score(r, w)
	}
	return stat.Mean(scores, nil)
}

// ObjectiveRegistry holds registered objective definitions.
type ObjectiveRegistry struct {
	mu         sync.RWMutex
	objectives map[string]*ObjectiveDefinition
}

// NewObjectiveRegistry creates a new empty objective registry.
func NewObjectiveRegistry() *ObjectiveRegistry {
	return &ObjectiveRegistry{
		objectives: make(map[string]*ObjectiveDefinition),
	}
}

// Register adds an objective definition to the registry.
// If an objective with the same name already exists, it is replaced.
func (r *ObjectiveRegistry) Register(def *ObjectiveDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objectives[def.Name] = def
}

// Get retrieves an objective definition by name.
func (r *ObjectiveRegistry) Get(name string) (*ObjectiveDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.objectives[name]
	return def, ok
}

// List returns the registered objectives sorted by name.
func (r *ObjectiveRegistry) List() []ObjectiveDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ObjectiveDefinition, 0, len(r.objectives))
	for _, def := range r.objectives {
		defs = append(defs, *def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// DefaultObjectiveRegistry returns a registry pre-loaded with built-in objectives.
func DefaultObjectiveRegistry() *ObjectiveRegistry {
	reg := NewObjectiveRegistry()

	reg.Register(&ObjectiveDefinition{
		Name:    "weighted",
		Version: "v1",
		Description: "Weighted sum of mean and peak cross-track error, lap time and " +
			"heading error, plus penalties for leaving the track or not finishing.",
		InputFeatures: []string{
			"avg_cross_track_error",
			"max_cross_track_error",
			"lap_time",
			"avg_heading_error",
			"status",
			"progress_ratio",
		},
		Score: ScoreResult,
	})

	reg.Register(&ObjectiveDefinition{
		Name:          "lap_time",
		Version:       "v1",
		Description:   "Lap time in seconds; unfinished runs score a penalty above any plausible lap.",
		InputFeatures: []string{"lap_time", "status", "progress_ratio"},
		Score: func(r sim.Result, w ObjectiveWeights) float64 {
			if r.Completed {
				return r.LapTime
			}
			return w.IncompletePerLap + penalty(r, w)
		},
	})

	reg.Register(&ObjectiveDefinition{
		Name:          "tracking",
		Version:       "v1",
		Description:   "Path fidelity only: mean plus half the peak cross-track error, ignoring lap time.",
		InputFeatures: []string{"avg_cross_track_error", "max_cross_track_error", "status", "progress_ratio"},
		Score: func(r sim.Result, w ObjectiveWeights) float64 {
			return r.AvgCrossTrackError + 0.5*r.MaxCrossTrackError + penalty(r, w)
		},
	})

	return reg
}
