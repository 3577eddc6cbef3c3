package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/banshee-data/raceline/internal/db"
	"github.com/banshee-data/raceline/internal/engine"
	"github.com/banshee-data/raceline/internal/tuning"
	"github.com/banshee-data/raceline/internal/units"
)

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	if title != "" {
		t.SetTitle(title)
	}
	return t
}

func resultHeader(speedUnits string) table.Row {
	return table.Row{"Track", "Status", "Steps", "Lap (s)", "Avg CTE (m)", "Max CTE (m)",
		fmt.Sprintf("Max speed (%s)", units.Label(speedUnits)), "Violations", "Progress", "Score"}
}

// renderSuite prints one row per case with the mean score in the footer.
func renderSuite(w io.Writer, title string, results []engine.SuiteResult, speedUnits string) {
	t := newTable(w, title)
	t.AppendHeader(resultHeader(speedUnits))
	var total float64
	for _, r := range results {
		res := r.Result
		t.AppendRow(table.Row{
			r.Name, res.Status, res.Steps,
			fmt.Sprintf("%.2f", res.LapTime),
			fmt.Sprintf("%.3f", res.AvgCrossTrackError),
			fmt.Sprintf("%.3f", res.MaxCrossTrackError),
			fmt.Sprintf("%.1f", units.ConvertSpeed(res.MaxSpeed, speedUnits)),
			res.Violations,
			fmt.Sprintf("%.1f%%", 100*res.ProgressRatio),
			fmt.Sprintf("%.1f", r.Score),
		})
		total += r.Score
	}
	if len(results) > 1 {
		t.AppendFooter(table.Row{"mean", "", "", "", "", "", "", "", "", fmt.Sprintf("%.1f", total/float64(len(results)))})
	}
	t.Render()
}

// renderParams prints gains in name order.
func renderParams(w io.Writer, title string, params map[string]float64) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	t := newTable(w, title)
	t.AppendHeader(table.Row{"Gain", "Value"})
	for _, name := range names {
		t.AppendRow(table.Row{name, fmt.Sprintf("%.4g", params[name])})
	}
	t.Render()
}

// renderOutcome prints the tuning summary.
func renderOutcome(w io.Writer, out tuning.Outcome) {
	t := newTable(w, "Tuning")
	t.AppendRows([]table.Row{
		{"Strategy", out.Strategy},
		{"Objective", out.Objective},
		{"Best score", fmt.Sprintf("%.4f", out.BestScore)},
		{"Evaluations", out.Evaluations},
		{"Feasible", out.Feasible},
		{"Iterations", out.Iterations},
		{"Stopped", out.StopReason},
		{"Elapsed", out.Elapsed.Round(time.Millisecond)},
	})
	t.Render()
}

// renderRuns prints stored runs, newest first.
func renderRuns(w io.Writer, runs []*db.RunRecord, speedUnits string) {
	t := newTable(w, fmt.Sprintf("%d stored runs", len(runs)))
	t.AppendHeader(table.Row{"Run", "Suite", "Created", "Track", "Controller", "Status", "Lap (s)", "Avg CTE (m)",
		fmt.Sprintf("Avg speed (%s)", units.Label(speedUnits)), "Score"})
	for _, r := range runs {
		suite := r.SuiteID
		if len(suite) > 8 {
			suite = suite[:8]
		}
		t.AppendRow(table.Row{
			shortID(r.RunID), suite,
			time.Unix(0, r.CreatedAt).Local().Format("2006-01-02 15:04:05"),
			r.Track, r.Controller, r.Result.Status,
			fmt.Sprintf("%.2f", r.Result.LapTime),
			fmt.Sprintf("%.3f", r.Result.AvgCrossTrackError),
			fmt.Sprintf("%.1f", units.ConvertSpeed(r.Result.AvgSpeed, speedUnits)),
			fmt.Sprintf("%.1f", r.Score),
		})
	}
	t.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
