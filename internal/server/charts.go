package server

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/raceline/internal/db"
	"github.com/banshee-data/raceline/internal/report"
)

// handleRunsChart renders the scores and tracking errors of recent runs,
// oldest on the left.
func (s *Server) handleRunsChart(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.db.ListRuns(limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve runs: %v", err))
		return
	}

	page := components.NewPage()
	page.SetPageTitle("Run scores")
	page.SetAssetsHost(report.EchartsAssetsHost)
	page.AddCharts(runsChart(runs))

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	writeHTML(w, buf.Bytes())
}

func runsChart(runs []*db.RunRecord) *charts.Bar {
	n := len(runs)
	x := make([]string, n)
	scores := make([]opts.BarData, n)
	ctes := make([]opts.BarData, n)
	for i, run := range runs {
		j := n - 1 - i
		x[j] = fmt.Sprintf("%s/%s #%d", run.Track, run.Controller, j+1)
		scores[j] = opts.BarData{Value: run.Score, Name: string(run.Result.Status)}
		ctes[j] = opts.BarData{Value: run.Result.AvgCrossTrackError}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "600px", AssetsHost: report.EchartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Recent runs", Subtitle: fmt.Sprintf("%d runs", n)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "score", Min: 0, Max: 100}),
	)
	bar.ExtendYAxis(opts.YAxis{Name: "avg cross-track (m)", Position: "right"})
	bar.SetXAxis(x).
		AddSeries("score", scores,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		).
		AddSeries("avg cross-track error", ctes, charts.WithBarChartOpts(opts.BarChart{YAxisIndex: 1}))
	return bar
}
