package report

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// EchartsAssetsHost serves the echarts JavaScript. Pages embed it by URL.
var EchartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// TuningPoint is one scored candidate on the tuning history chart.
type TuningPoint struct {
	Index     int
	Iteration int
	Score     float64
	Feasible  bool
}

// BestSoFar returns the running minimum over feasible points. Entries before
// the first feasible point are NaN.
func BestSoFar(points []TuningPoint) []float64 {
	out := make([]float64, len(points))
	best := math.NaN()
	for i, p := range points {
		if p.Feasible && (math.IsNaN(best) || p.Score < best) {
			best = p.Score
		}
		out[i] = best
	}
	return out
}

// TuningChart builds the history chart: every feasible candidate as a point,
// infeasible ones in a separate series, and the best-so-far line.
func TuningChart(title, subtitle string, points []TuningPoint) *charts.Line {
	x := make([]int, len(points))
	feasible := make([]opts.LineData, len(points))
	infeasible := make([]opts.LineData, len(points))
	best := make([]opts.LineData, len(points))
	for i, p := range points {
		x[i] = p.Index
		feasible[i] = opts.LineData{Value: "-"}
		infeasible[i] = opts.LineData{Value: "-"}
		if p.Feasible {
			feasible[i] = opts.LineData{Value: p.Score, Name: fmt.Sprintf("iteration %d", p.Iteration)}
		} else {
			infeasible[i] = opts.LineData{Value: 0, Name: fmt.Sprintf("iteration %d (off track)", p.Iteration)}
		}
	}
	for i, b := range BestSoFar(points) {
		best[i] = opts.LineData{Value: "-"}
		if !math.IsNaN(b) {
			best[i] = opts.LineData{Value: b}
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "600px", AssetsHost: EchartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "evaluation", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "objective", Type: "value"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	line.SetXAxis(x).
		AddSeries("candidate", feasible,
			charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}),
			charts.WithLineStyleOpts(opts.LineStyle{Opacity: opts.Float(0)}),
		).
		AddSeries("off track", infeasible,
			charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true), Symbol: "triangle"}),
			charts.WithLineStyleOpts(opts.LineStyle{Opacity: opts.Float(0)}),
		).
		AddSeries("best so far", best,
			charts.WithLineChartOpts(opts.LineChart{Step: "end", ShowSymbol: opts.Bool(false)}),
		)
	return line
}

// RenderTuningPage renders the history chart as a standalone HTML page.
func RenderTuningPage(w io.Writer, title, subtitle string, points []TuningPoint) error {
	page := components.NewPage()
	page.SetPageTitle(title)
	page.SetAssetsHost(EchartsAssetsHost)
	page.AddCharts(TuningChart(title, subtitle, points))

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return fmt.Errorf("render tuning chart: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// WriteTuningHistory writes tuning.html into Dir and returns its path.
func (w *Writer) WriteTuningHistory(title, subtitle string, points []TuningPoint) (string, error) {
	if err := w.FS.MkdirAll(w.Dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report dir: %w", err)
	}
	path := filepath.Join(w.Dir, "tuning.html")
	if err := w.create(path, func(out io.Writer) error {
		return RenderTuningPage(out, title, subtitle, points)
	}); err != nil {
		return "", err
	}
	logf("wrote tuning history (%d evaluations) to %s", len(points), path)
	return path, nil
}
