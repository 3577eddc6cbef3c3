// Package testutil provides shared test utilities and track fixtures.
//
// Fixtures are generated geometrically so tests do not depend on data files.
package testutil

import (
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/banshee-data/raceline/internal/racetrack"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// StraightPoints returns an open strip along +x from the origin with a point
// every spacing metres, a half-width on each side, and a raceline on the
// centerline at constant speed.
func StraightPoints(length, spacing, halfWidth, speed float64) ([]racetrack.TrackPoint, []racetrack.RacelinePoint) {
	n := int(math.Round(length/spacing)) + 1
	track := make([]racetrack.TrackPoint, n)
	line := make([]racetrack.RacelinePoint, n)
	for i := 0; i < n; i++ {
		x := float64(i) * spacing
		if x > length {
			x = length
		}
		track[i] = racetrack.TrackPoint{X: x, WidthLeft: halfWidth, WidthRight: halfWidth}
		line[i] = racetrack.RacelinePoint{X: x, Speed: speed}
	}
	return track, line
}

// Straight loads StraightPoints, failing the test on error.
func Straight(t testing.TB, length, spacing, halfWidth, speed float64) *racetrack.TrackRaceline {
	t.Helper()
	tr, err := racetrack.Load(StraightPoints(length, spacing, halfWidth, speed))
	if err != nil {
		t.Fatalf("load straight fixture: %v", err)
	}
	return tr
}

// CirclePoints returns a closed counter-clockwise circle of the given radius
// centred on the origin, starting at (radius, 0).
func CirclePoints(radius float64, n int, halfWidth, speed float64) ([]racetrack.TrackPoint, []racetrack.RacelinePoint) {
	track := make([]racetrack.TrackPoint, n)
	line := make([]racetrack.RacelinePoint, n)
	for i := 0; i < n; i++ {
		a := 2 * math.Pi * float64(i) / float64(n)
		x, y := radius*math.Cos(a), radius*math.Sin(a)
		track[i] = racetrack.TrackPoint{X: x, Y: y, WidthLeft: halfWidth, WidthRight: halfWidth}
		line[i] = racetrack.RacelinePoint{X: x, Y: y, Speed: speed}
	}
	return track, line
}

// Circle loads CirclePoints, failing the test on error.
func Circle(t testing.TB, radius float64, n int, halfWidth, speed float64) *racetrack.TrackRaceline {
	t.Helper()
	tr, err := racetrack.Load(CirclePoints(radius, n, halfWidth, speed))
	if err != nil {
		t.Fatalf("load circle fixture: %v", err)
	}
	return tr
}

// OvalPoints returns a closed stadium: two straights of the given length
// joined by semicircles of the given radius, driven counter-clockwise from
// the start of the bottom straight. Points are roughly spacing apart.
func OvalPoints(straight, radius, spacing, halfWidth, speed float64) ([]racetrack.TrackPoint, []racetrack.RacelinePoint) {
	var xs, ys []float64
	add := func(x, y float64) { xs = append(xs, x); ys = append(ys, y) }

	ns := int(math.Max(1, math.Round(straight/spacing)))
	na := int(math.Max(4, math.Round(math.Pi*radius/spacing)))
	for i := 0; i < ns; i++ {
		add(straight*float64(i)/float64(ns), -radius)
	}
	for i := 0; i < na; i++ {
		a := -math.Pi/2 + math.Pi*float64(i)/float64(na)
		add(straight+radius*math.Cos(a), radius*math.Sin(a))
	}
	for i := 0; i < ns; i++ {
		add(straight-straight*float64(i)/float64(ns), radius)
	}
	for i := 0; i < na; i++ {
		a := math.Pi/2 + math.Pi*float64(i)/float64(na)
		add(radius*math.Cos(a), radius*math.Sin(a))
	}

	track := make([]racetrack.TrackPoint, len(xs))
	line := make([]racetrack.RacelinePoint, len(xs))
	for i := range xs {
		track[i] = racetrack.TrackPoint{X: xs[i], Y: ys[i], WidthLeft: halfWidth, WidthRight: halfWidth}
		line[i] = racetrack.RacelinePoint{X: xs[i], Y: ys[i], Speed: speed}
	}
	return track, line
}

// Oval loads OvalPoints, failing the test on error.
func Oval(t testing.TB, straight, radius, spacing, halfWidth, speed float64) *racetrack.TrackRaceline {
	t.Helper()
	tr, err := racetrack.Load(OvalPoints(straight, radius, spacing, halfWidth, speed))
	if err != nil {
		t.Fatalf("load oval fixture: %v", err)
	}
	return tr
}
