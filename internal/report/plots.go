package report

import (
	"fmt"
	"image/color"
	"io"
	"math"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/raceline/internal/racetrack"
	"github.com/banshee-data/raceline/internal/sim"
)

var (
	colorEdge     = color.RGBA{R: 120, G: 120, B: 120, A: 255}
	colorRaceline = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	colorVehicle  = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	colorTarget   = color.RGBA{R: 44, G: 160, B: 44, A: 255}
)

const (
	plotWidth  = 10 * vg.Inch
	plotHeight = 6 * vg.Inch
)

// writePlots renders trajectory, speed, cross-track error and steering PNGs.
func (w *Writer) writePlots(dir string, run Run, trace *sim.Trace, tr *racetrack.TrackRaceline) ([]string, error) {
	subtitle := fmt.Sprintf("%s / %s", run.Track, run.Controller)
	builders := []struct {
		file  string
		build func() (*plot.Plot, error)
	}{
		{"trajectory.png", func() (*plot.Plot, error) { return TrajectoryPlot(subtitle, trace, tr) }},
		{"speed.png", func() (*plot.Plot, error) { return SpeedPlot(subtitle, trace) }},
		{"cross_track_error.png", func() (*plot.Plot, error) { return CrossTrackPlot(subtitle, trace) }},
		{"steering.png", func() (*plot.Plot, error) { return SteeringPlot(subtitle, trace) }},
	}

	var written []string
	for _, b := range builders {
		p, err := b.build()
		if err != nil {
			return written, fmt.Errorf("build %s: %w", b.file, err)
		}
		path := filepath.Join(dir, b.file)
		if err := w.create(path, func(out io.Writer) error { return savePNG(p, out) }); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

func savePNG(p *plot.Plot, out io.Writer) error {
	wt, err := p.WriterTo(plotWidth, plotHeight, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(out)
	return err
}

// TrajectoryPlot draws the track edges, the raceline and the driven path.
func TrajectoryPlot(title string, trace *sim.Trace, tr *racetrack.TrackRaceline) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Trajectory: " + title
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "y (m)"
	p.Add(plotter.NewGrid())

	left, right := TrackEdges(tr)
	for i, edge := range []plotter.XYs{left, right} {
		l, err := plotter.NewLine(edge)
		if err != nil {
			return nil, err
		}
		l.LineStyle.Color = colorEdge
		l.LineStyle.Width = vg.Points(1)
		p.Add(l)
		if i == 0 {
			p.Legend.Add("track edge", l)
		}
	}

	rl := tr.RacelinePoints()
	racePts := make(plotter.XYs, 0, len(rl)+1)
	for _, pt := range rl {
		racePts = append(racePts, plotter.XY{X: pt.X, Y: pt.Y})
	}
	if tr.Closed() && len(rl) > 0 {
		racePts = append(racePts, racePts[0])
	}
	raceLine, err := plotter.NewLine(racePts)
	if err != nil {
		return nil, err
	}
	raceLine.LineStyle.Color = colorRaceline
	raceLine.LineStyle.Width = vg.Points(1)
	raceLine.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
	p.Add(raceLine)
	p.Legend.Add("raceline", raceLine)

	drive := make(plotter.XYs, len(trace.Samples))
	for i, s := range trace.Samples {
		drive[i] = plotter.XY{X: s.State.X, Y: s.State.Y}
	}
	driven, err := plotter.NewLine(drive)
	if err != nil {
		return nil, err
	}
	driven.LineStyle.Color = colorVehicle
	driven.LineStyle.Width = vg.Points(1.5)
	p.Add(driven)
	p.Legend.Add("vehicle", driven)

	if off := offTrackPoints(trace); len(off) > 0 {
		sc, err := plotter.NewScatter(off)
		if err != nil {
			return nil, err
		}
		sc.GlyphStyle.Color = colorVehicle
		sc.GlyphStyle.Radius = vg.Points(3)
		p.Add(sc)
		p.Legend.Add("off track", sc)
	}
	p.Legend.Top = true
	return p, nil
}

// SpeedPlot draws actual and target speed against time.
func SpeedPlot(title string, trace *sim.Trace) (*plot.Plot, error) {
	return timeSeriesPlot("Speed: "+title, "speed (m/s)", trace,
		series{"actual", colorVehicle, func(s sim.Sample) float64 { return s.State.Speed }},
		series{"target", colorTarget, func(s sim.Sample) float64 { return s.Diagnostics.TargetSpeed }},
	)
}

// CrossTrackPlot draws the signed cross-track error against time.
func CrossTrackPlot(title string, trace *sim.Trace) (*plot.Plot, error) {
	return timeSeriesPlot("Cross-track error: "+title, "error (m, left positive)", trace,
		series{"cross-track", colorVehicle, func(s sim.Sample) float64 { return s.CrossTrackError }},
	)
}

// SteeringPlot draws commanded and applied steering against time.
func SteeringPlot(title string, trace *sim.Trace) (*plot.Plot, error) {
	return timeSeriesPlot("Steering: "+title, "angle (deg)", trace,
		series{"commanded", colorRaceline, func(s sim.Sample) float64 { return s.Command.Steer * 180 / math.Pi }},
		series{"applied", colorVehicle, func(s sim.Sample) float64 { return s.State.Steer * 180 / math.Pi }},
	)
}

type series struct {
	name  string
	color color.Color
	value func(sim.Sample) float64
}

func timeSeriesPlot(title, yLabel string, trace *sim.Trace, ss ...series) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "time (s)"
	p.Y.Label.Text = yLabel
	p.Add(plotter.NewGrid())

	for _, s := range ss {
		pts := make(plotter.XYs, len(trace.Samples))
		for i, sample := range trace.Samples {
			pts[i] = plotter.XY{X: sample.Time, Y: s.value(sample)}
		}
		l, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("%s series: %w", s.name, err)
		}
		l.LineStyle.Color = s.color
		l.LineStyle.Width = vg.Points(1)
		p.Add(l)
		p.Legend.Add(s.name, l)
	}
	p.Legend.Top = true
	return p, nil
}

// TrackEdges offsets each centreline point along its normal by the left and
// right widths. Closed circuits repeat the first point to close the outline.
func TrackEdges(tr *racetrack.TrackRaceline) (left, right plotter.XYs) {
	tp := tr.TrackPoints()
	n := len(tp)
	for i, pt := range tp {
		prev, next := i-1, i+1
		if prev < 0 {
			prev = 0
			if tr.Closed() {
				prev = n - 1
			}
		}
		if next >= n {
			next = n - 1
			if tr.Closed() {
				next = 0
			}
		}
		h := math.Atan2(tp[next].Y-tp[prev].Y, tp[next].X-tp[prev].X)
		nx, ny := -math.Sin(h), math.Cos(h)
		left = append(left, plotter.XY{X: pt.X + nx*pt.WidthLeft, Y: pt.Y + ny*pt.WidthLeft})
		right = append(right, plotter.XY{X: pt.X - nx*pt.WidthRight, Y: pt.Y - ny*pt.WidthRight})
	}
	if tr.Closed() && n > 0 {
		left = append(left, left[0])
		right = append(right, right[0])
	}
	return left, right
}

func offTrackPoints(trace *sim.Trace) plotter.XYs {
	var pts plotter.XYs
	for _, s := range trace.Samples {
		if s.OffTrack {
			pts = append(pts, plotter.XY{X: s.State.X, Y: s.State.Y})
		}
	}
	return pts
}
