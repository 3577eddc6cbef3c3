// Package racetrack holds the immutable track centerline and target raceline
// geometry shared by the controller, the simulation loop and concurrent
// tuning evaluations.
//
// A TrackRaceline is built once by Load and never mutated afterwards, so any
// number of goroutines may query it without synchronisation.
package racetrack

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r2"
)

// ErrMalformedGeometry is returned by Load when the track or raceline input
// cannot describe a traversable path.
var ErrMalformedGeometry = errors.New("malformed geometry")

const (
	// MinPoints is the minimum number of points in either sequence.
	MinPoints = 3

	// ClosureFactor bounds automatic topology detection: an undeclared
	// geometry can only be a closed circuit when the gap between the last and
	// first point is at most ClosureFactor times the mean point spacing.
	ClosureFactor = 3.0

	// tieEpsilon is the squared-distance tolerance under which two candidate
	// projections are considered equally near.
	tieEpsilon = 1e-12
)

// TrackPoint is one centerline sample with its boundary offsets.
type TrackPoint struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	WidthLeft  float64 `json:"width_left"`  // metres from centerline to the left edge
	WidthRight float64 `json:"width_right"` // metres from centerline to the right edge
	S          float64 `json:"s"`           // accumulated arc-length, filled in by Load
}

// RacelinePoint is one target path sample.
type RacelinePoint struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Speed     float64 `json:"speed"`     // target speed, m/s
	Curvature float64 `json:"curvature"` // signed, 1/m, positive turns left
	S         float64 `json:"s"`         // arc-length along the raceline
}

// TrackRaceline is the read-only arena combining centerline and raceline.
type TrackRaceline struct {
	track    []TrackPoint
	raceline []RacelinePoint
	closed   bool

	trackLength    float64
	racelineLength float64
}

// Topology says whether a track is a circuit or an open strip.
type Topology string

const (
	TopologyAuto   Topology = "auto"
	TopologyOpen   Topology = "open"
	TopologyClosed Topology = "closed"
)

// ParseTopology accepts "auto", "open" or "closed". The empty string is auto.
func ParseTopology(s string) (Topology, error) {
	switch t := Topology(s); t {
	case "", TopologyAuto:
		return TopologyAuto, nil
	case TopologyOpen, TopologyClosed:
		return t, nil
	}
	return "", fmt.Errorf("unknown topology %q (want auto, open or closed)", s)
}

// Option adjusts how Load interprets its input.
type Option func(*loadOptions)

type loadOptions struct {
	topology Topology
}

// WithTopology declares the topology instead of detecting it.
func WithTopology(t Topology) Option {
	return func(o *loadOptions) { o.topology = t }
}

// Load validates and indexes the two point sequences. Arc-lengths are
// computed for the centerline; raceline arc-lengths are taken from the input
// when supplied (and must not decrease) or computed from the geometry.
// Raceline curvature is estimated when the input carries none.
//
// Unless declared with WithTopology, a track is closed when its last point
// repeats the first, or when the closing gap is within ClosureFactor mean
// spacings and the closing segment does not double back over the strip.
func Load(track []TrackPoint, raceline []RacelinePoint, opts ...Option) (*TrackRaceline, error) {
	o := loadOptions{topology: TopologyAuto}
	for _, opt := range opts {
		opt(&o)
	}
	topology, err := ParseTopology(string(o.topology))
	if err != nil {
		return nil, err
	}

	if len(track) < MinPoints {
		return nil, fmt.Errorf("%w: track has %d points, need at least %d", ErrMalformedGeometry, len(track), MinPoints)
	}
	if len(raceline) < MinPoints {
		return nil, fmt.Errorf("%w: raceline has %d points, need at least %d", ErrMalformedGeometry, len(raceline), MinPoints)
	}

	tp := make([]TrackPoint, len(track))
	copy(tp, track)
	for i, p := range tp {
		if !finite(p.X, p.Y, p.WidthLeft, p.WidthRight) {
			return nil, fmt.Errorf("%w: track point %d is not finite", ErrMalformedGeometry, i)
		}
		if p.WidthLeft < 0 || p.WidthRight < 0 {
			return nil, fmt.Errorf("%w: track point %d has negative width", ErrMalformedGeometry, i)
		}
	}

	rp := make([]RacelinePoint, len(raceline))
	copy(rp, raceline)
	suppliedS := false
	for i, p := range rp {
		if !finite(p.X, p.Y, p.Speed, p.Curvature, p.S) {
			return nil, fmt.Errorf("%w: raceline point %d is not finite", ErrMalformedGeometry, i)
		}
		if p.Speed < 0 {
			return nil, fmt.Errorf("%w: raceline point %d has negative speed %.3f", ErrMalformedGeometry, i, p.Speed)
		}
		if i > 0 && p.S != 0 {
			suppliedS = true
		}
	}
	if suppliedS {
		for i := 1; i < len(rp); i++ {
			if rp[i].S < rp[i-1].S {
				return nil, fmt.Errorf("%w: raceline arc-length decreases at point %d (%.3f < %.3f)",
					ErrMalformedGeometry, i, rp[i].S, rp[i-1].S)
			}
		}
	}

	closed := false
	if topology != TopologyOpen {
		tp, closed = detectTopology(tp)
		closed = closed || topology == TopologyClosed
	}
	if len(tp) < MinPoints {
		return nil, fmt.Errorf("%w: track collapses to %d distinct points", ErrMalformedGeometry, len(tp))
	}
	if closed {
		if n := len(rp); n > MinPoints && samePoint(rp[0].pos(), rp[n-1].pos()) {
			rp = rp[:n-1]
		}
	}

	tr := &TrackRaceline{track: tp, raceline: rp, closed: closed}

	var s float64
	for i := range tr.track {
		if i > 0 {
			s += dist(tr.track[i-1].pos(), tr.track[i].pos())
		}
		tr.track[i].S = s
	}
	tr.trackLength = s
	if closed {
		last := tr.track[len(tr.track)-1]
		tr.trackLength += dist(last.pos(), tr.track[0].pos())
	}
	if tr.trackLength <= 0 {
		return nil, fmt.Errorf("%w: track has zero length", ErrMalformedGeometry)
	}

	if suppliedS {
		base := tr.raceline[0].S
		for i := range tr.raceline {
			tr.raceline[i].S -= base
		}
	} else {
		s = 0
		for i := range tr.raceline {
			if i > 0 {
				s += dist(tr.raceline[i-1].pos(), tr.raceline[i].pos())
			}
			tr.raceline[i].S = s
		}
	}
	last := tr.raceline[len(tr.raceline)-1]
	tr.racelineLength = last.S
	if closed {
		tr.racelineLength += dist(last.pos(), tr.raceline[0].pos())
	}
	if tr.racelineLength <= 0 {
		return nil, fmt.Errorf("%w: raceline has zero length", ErrMalformedGeometry)
	}

	hasCurvature := false
	for _, p := range tr.raceline {
		if p.Curvature != 0 {
			hasCurvature = true
			break
		}
	}
	if !hasCurvature {
		k := EstimateCurvature(tr.raceline, closed)
		for i := range tr.raceline {
			tr.raceline[i].Curvature = k[i]
		}
	}

	return tr, nil
}

// detectTopology drops a repeated start point at the end of a closed input
// and otherwise infers topology from the closing segment.
func detectTopology(tp []TrackPoint) ([]TrackPoint, bool) {
	n := len(tp)
	first, last := tp[0].pos(), tp[n-1].pos()
	if samePoint(first, last) {
		return tp[:n-1], true
	}
	var open float64
	for i := 1; i < n; i++ {
		open += dist(tp[i-1].pos(), tp[i].pos())
	}
	mean := open / float64(n-1)
	closing := r2.Sub(first, last)
	if r2.Norm(closing) > ClosureFactor*mean {
		return tp, false
	}
	if foldsBack(r2.Sub(last, tp[n-2].pos()), closing) || foldsBack(closing, r2.Sub(tp[1].pos(), first)) {
		return tp, false
	}
	return tp, true
}

// Closed reports whether the geometry is a circuit.
func (tr *TrackRaceline) Closed() bool { return tr.closed }

// Length returns the raceline length, the distance that counts as one lap.
func (tr *TrackRaceline) Length() float64 { return tr.racelineLength }

// TrackLength returns the centerline length.
func (tr *TrackRaceline) TrackLength() float64 { return tr.trackLength }

// Start returns the first raceline point.
func (tr *TrackRaceline) Start() RacelinePoint { return tr.raceline[0] }

// RacelinePoints returns a copy of the raceline samples.
func (tr *TrackRaceline) RacelinePoints() []RacelinePoint {
	out := make([]RacelinePoint, len(tr.raceline))
	copy(out, tr.raceline)
	return out
}

// TrackPoints returns a copy of the centerline samples.
func (tr *TrackRaceline) TrackPoints() []TrackPoint {
	out := make([]TrackPoint, len(tr.track))
	copy(out, tr.track)
	return out
}

// NearestRacelinePoint projects (x, y) onto the raceline and returns the
// interpolated point at the projection together with its arc-length.
func (tr *TrackRaceline) NearestRacelinePoint(x, y float64) (RacelinePoint, float64) {
	pr := tr.projectRaceline(x, y)
	p := tr.racelineAt(pr.seg, pr.t)
	return p, p.S
}

// CrossTrackError returns the signed lateral offset of (x, y) from the
// raceline; positive means the position is left of the path.
func (tr *TrackRaceline) CrossTrackError(x, y float64) float64 {
	return tr.projectRaceline(x, y).lateral
}

// LookaheadPoint returns the raceline point at s+distance. On a closed
// circuit the arc-length wraps modulo the lap length any number of times; on
// an open strip it clamps to the ends.
func (tr *TrackRaceline) LookaheadPoint(s, distance float64) RacelinePoint {
	return tr.PointAt(s + distance)
}

// PointAt returns the interpolated raceline point at arc-length s.
func (tr *TrackRaceline) PointAt(s float64) RacelinePoint {
	s = tr.normalise(s)
	n := len(tr.raceline)
	// Index of the last sample with S <= s.
	i := sort.Search(n, func(i int) bool { return tr.raceline[i].S > s }) - 1
	if i < 0 {
		i = 0
	}
	if i == n-1 && !tr.closed {
		if n >= 2 {
			return tr.racelineAt(n-2, 1)
		}
		return tr.raceline[i]
	}
	s0, s1 := tr.segmentS(i)
	t := 0.0
	if s1 > s0 {
		t = (s - s0) / (s1 - s0)
	}
	return tr.racelineAt(i, t)
}

// Heading returns the raceline tangent direction at arc-length s.
func (tr *TrackRaceline) Heading(s float64) float64 {
	s = tr.normalise(s)
	n := len(tr.raceline)
	i := sort.Search(n, func(i int) bool { return tr.raceline[i].S > s }) - 1
	if i < 0 {
		i = 0
	}
	if i >= tr.racelineSegments() {
		i = tr.racelineSegments() - 1
	}
	a, b := tr.raceline[i], tr.raceline[(i+1)%n]
	return math.Atan2(b.Y-a.Y, b.X-a.X)
}

// BoundaryDistance returns the signed distance from (x, y) to the nearest
// track edge: positive inside the track, negative outside. Positions beyond
// either end of an open strip are outside by their overshoot.
func (tr *TrackRaceline) BoundaryDistance(x, y float64) float64 {
	p := r2.Vec{X: x, Y: y}
	n := len(tr.track)
	segs := n - 1
	if tr.closed {
		segs = n
	}
	best := math.Inf(1)
	bestS := math.Inf(1)
	var result float64
	for i := 0; i < segs; i++ {
		a, b := tr.track[i], tr.track[(i+1)%n]
		segLen := dist(a.pos(), b.pos())
		t, raw, d2, lat := project(a.pos(), b.pos(), p)
		s := a.S + t*segLen
		if d2 > best+tieEpsilon || (math.Abs(d2-best) <= tieEpsilon && s >= bestS) {
			continue
		}
		best, bestS = d2, s
		wl := a.WidthLeft + t*(b.WidthLeft-a.WidthLeft)
		wr := a.WidthRight + t*(b.WidthRight-a.WidthRight)
		result = math.Min(wl-lat, wr+lat)
		if !tr.closed {
			if i == 0 && raw < 0 {
				result = math.Min(result, raw*segLen)
			}
			if i == segs-1 && raw > 1 {
				result = math.Min(result, -(raw-1)*segLen)
			}
		}
	}
	return result
}

type projection struct {
	seg     int
	t       float64
	s       float64
	d2      float64
	lateral float64
}

func (tr *TrackRaceline) projectRaceline(x, y float64) projection {
	p := r2.Vec{X: x, Y: y}
	n := len(tr.raceline)
	best := projection{d2: math.Inf(1), s: math.Inf(1)}
	for i := 0; i < tr.racelineSegments(); i++ {
		a, b := tr.raceline[i], tr.raceline[(i+1)%n]
		t, _, d2, lat := project(a.pos(), b.pos(), p)
		s0, s1 := tr.segmentS(i)
		s := s0 + t*(s1-s0)
		if tr.closed && s >= tr.racelineLength {
			s -= tr.racelineLength
		}
		if d2 < best.d2-tieEpsilon || (math.Abs(d2-best.d2) <= tieEpsilon && s < best.s) {
			best = projection{seg: i, t: t, s: s, d2: d2, lateral: lat}
		}
	}
	return best
}

func (tr *TrackRaceline) racelineSegments() int {
	if tr.closed {
		return len(tr.raceline)
	}
	return len(tr.raceline) - 1
}

// segmentS returns the arc-length at both ends of raceline segment i.
func (tr *TrackRaceline) segmentS(i int) (float64, float64) {
	n := len(tr.raceline)
	if i == n-1 {
		return tr.raceline[i].S, tr.racelineLength
	}
	return tr.raceline[i].S, tr.raceline[i+1].S
}

func (tr *TrackRaceline) racelineAt(seg int, t float64) RacelinePoint {
	n := len(tr.raceline)
	a, b := tr.raceline[seg], tr.raceline[(seg+1)%n]
	s0, s1 := tr.segmentS(seg)
	s := s0 + t*(s1-s0)
	if tr.closed && s >= tr.racelineLength {
		s -= tr.racelineLength
	}
	return RacelinePoint{
		X:         a.X + t*(b.X-a.X),
		Y:         a.Y + t*(b.Y-a.Y),
		Speed:     a.Speed + t*(b.Speed-a.Speed),
		Curvature: a.Curvature + t*(b.Curvature-a.Curvature),
		S:         s,
	}
}

func (tr *TrackRaceline) normalise(s float64) float64 {
	if tr.closed {
		s = math.Mod(s, tr.racelineLength)
		if s < 0 {
			s += tr.racelineLength
		}
		return s
	}
	return math.Max(0, math.Min(s, tr.racelineLength))
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
