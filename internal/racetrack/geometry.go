package racetrack

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// foldBackCos is the turn, as a cosine, past which the closing segment is
// taken to double back over the strip instead of closing a loop.
const foldBackCos = -0.9

func (p TrackPoint) pos() r2.Vec    { return r2.Vec{X: p.X, Y: p.Y} }
func (p RacelinePoint) pos() r2.Vec { return r2.Vec{X: p.X, Y: p.Y} }

// project returns the clamped segment parameter t, the unclamped parameter,
// the squared distance and the signed lateral offset (left positive) of p
// from segment ab.
func project(a, b, p r2.Vec) (t, raw, d2, lateral float64) {
	ab := r2.Sub(b, a)
	ap := r2.Sub(p, a)
	l2 := r2.Norm2(ab)
	if l2 == 0 {
		return 0, 0, r2.Norm2(ap), 0
	}
	raw = r2.Dot(ap, ab) / l2
	t = math.Max(0, math.Min(1, raw))
	q := r2.Add(a, r2.Scale(t, ab))
	d2 = r2.Norm2(r2.Sub(p, q))
	lateral = r2.Cross(ab, ap) / math.Sqrt(l2)
	return t, raw, d2, lateral
}

// menger returns the signed curvature of the circle through a, b and c.
func menger(a, b, c r2.Vec) float64 {
	cross := r2.Cross(r2.Sub(b, a), r2.Sub(c, b))
	den := dist(a, b) * dist(b, c) * dist(a, c)
	if den == 0 {
		return 0
	}
	return 2 * cross / den
}

func dist(a, b r2.Vec) float64 { return r2.Norm(r2.Sub(b, a)) }

func samePoint(a, b r2.Vec) bool { return dist(a, b) < 1e-9 }

// foldsBack reports whether a heading change from in to out turns further
// than foldBackCos allows. Zero-length legs never fold.
func foldsBack(in, out r2.Vec) bool {
	if r2.Norm2(in) == 0 || r2.Norm2(out) == 0 {
		return false
	}
	return r2.Cos(in, out) < foldBackCos
}
