package sim

import (
	"github.com/banshee-data/raceline/internal/control"
	"github.com/banshee-data/raceline/internal/vehicle"
)

// Sample is the loop state after one step. Step 0 is the initial placement.
type Sample struct {
	Step             int                 `json:"step"`
	Time             float64             `json:"time"`
	State            vehicle.State       `json:"state"`
	Command          vehicle.Command     `json:"command"`
	Diagnostics      control.Diagnostics `json:"diagnostics"`
	CrossTrackError  float64             `json:"cross_track_error"`
	HeadingError     float64             `json:"heading_error"`
	BoundaryDistance float64             `json:"boundary_distance"`
	ArcLength        float64             `json:"arc_length"`
	Progress         float64             `json:"progress"`
	OffTrack         bool                `json:"off_track"`
	Status           Status              `json:"status"`
}

// Observer receives samples synchronously from the loop.
type Observer interface {
	Observe(Sample)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Sample)

// Observe implements Observer.
func (f ObserverFunc) Observe(s Sample) { f(s) }

// Trace records every sample of a run.
type Trace struct {
	Samples []Sample
}

// Observe implements Observer.
func (t *Trace) Observe(s Sample) { t.Samples = append(t.Samples, s) }

// Len returns the number of recorded samples.
func (t *Trace) Len() int { return len(t.Samples) }

// Series extracts one value per sample.
func (t *Trace) Series(f func(Sample) float64) []float64 {
	out := make([]float64, len(t.Samples))
	for i, s := range t.Samples {
		out[i] = f(s)
	}
	return out
}

// Decimate returns a trace keeping every nth sample plus the last one.
func (t *Trace) Decimate(n int) *Trace {
	if n <= 1 || len(t.Samples) == 0 {
		return t
	}
	out := &Trace{Samples: make([]Sample, 0, len(t.Samples)/n+2)}
	for i := 0; i < len(t.Samples); i += n {
		out.Samples = append(out.Samples, t.Samples[i])
	}
	if last := t.Samples[len(t.Samples)-1]; out.Samples[len(out.Samples)-1].Step != last.Step {
		out.Samples = append(out.Samples, last)
	}
	return out
}
