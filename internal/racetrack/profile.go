package racetrack

import (
	"fmt"
	"math"
)

// EstimateCurvature returns the signed three-point (Menger) curvature at each
// raceline sample. Open ends take the curvature of their neighbour.
func EstimateCurvature(pts []RacelinePoint, closed bool) []float64 {
	n := len(pts)
	k := make([]float64, n)
	if n < 3 {
		return k
	}
	for i := 0; i < n; i++ {
		if !closed && (i == 0 || i == n-1) {
			continue
		}
		a, b, c := pts[(i-1+n)%n], pts[i], pts[(i+1)%n]
		k[i] = menger(a.pos(), b.pos(), c.pos())
	}
	if !closed {
		k[0] = k[1]
		k[n-1] = k[n-2]
	}
	return k
}

// ProfileLimits bound a derived speed profile.
type ProfileLimits struct {
	MaxSpeed     float64 // m/s
	LateralAccel float64 // m/s^2, caps cornering speed at sqrt(a/|k|)
	MaxAccel     float64 // m/s^2, 0 disables the forward pass
	MaxBrake     float64 // m/s^2, 0 disables the backward pass
}

// WithSpeedProfile returns a copy of tr whose target speeds are derived from
// curvature: each point is capped by the lateral-acceleration limit, then
// smoothed so no transition needs more than MaxAccel or MaxBrake.
func (tr *TrackRaceline) WithSpeedProfile(l ProfileLimits) (*TrackRaceline, error) {
	if !(l.MaxSpeed > 0) || !(l.LateralAccel > 0) || l.MaxAccel < 0 || l.MaxBrake < 0 {
		return nil, fmt.Errorf("%w: speed profile needs positive max speed and lateral accel", ErrMalformedGeometry)
	}
	out := *tr
	out.raceline = tr.RacelinePoints()
	pts := out.raceline
	n := len(pts)

	for i := range pts {
		v := l.MaxSpeed
		if k := math.Abs(pts[i].Curvature); k > 0 {
			v = math.Min(v, math.Sqrt(l.LateralAccel/k))
		}
		pts[i].Speed = v
	}

	segLen := func(i int) float64 {
		s0, s1 := out.segmentS(i)
		return s1 - s0
	}
	passes := 1
	if tr.closed {
		passes = 2
	}
	if l.MaxAccel > 0 {
		for p := 0; p < passes; p++ {
			for i := 0; i < out.racelineSegments(); i++ {
				j := (i + 1) % n
				limit := math.Sqrt(pts[i].Speed*pts[i].Speed + 2*l.MaxAccel*segLen(i))
				pts[j].Speed = math.Min(pts[j].Speed, limit)
			}
		}
	}
	if l.MaxBrake > 0 {
		for p := 0; p < passes; p++ {
			for i := out.racelineSegments() - 1; i >= 0; i-- {
				j := (i + 1) % n
				limit := math.Sqrt(pts[j].Speed*pts[j].Speed + 2*l.MaxBrake*segLen(i))
				pts[i].Speed = math.Min(pts[i].Speed, limit)
			}
		}
	}
	return &out, nil
}
