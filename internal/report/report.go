// Package report writes run results to disk: a JSON summary, a per-step CSV
// trace, PNG plots and an HTML tuning history.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/raceline/internal/fsutil"
	"github.com/banshee-data/raceline/internal/monitoring"
	"github.com/banshee-data/raceline/internal/racetrack"
	"github.com/banshee-data/raceline/internal/sim"
)

var logf = monitoring.Tagged("report").Printf

// Run is the JSON summary of one simulated lap.
type Run struct {
	Track       string             `json:"track"`
	Controller  string             `json:"controller"`
	Params      map[string]float64 `json:"params"`
	Result      sim.Result         `json:"result"`
	Score       float64            `json:"score"`
	Oscillation Oscillation        `json:"oscillation"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// Writer writes reports beneath Dir.
type Writer struct {
	FS  fsutil.FileSystem
	Dir string
	// Plots enables PNG output.
	Plots bool
	// Decimate keeps every nth trace sample in plots; 0 or 1 keeps all.
	Decimate int
}

// NewWriter returns a Writer on the OS filesystem with plots enabled.
func NewWriter(dir string) *Writer {
	return &Writer{FS: fsutil.OSFileSystem{}, Dir: dir, Plots: true, Decimate: 1}
}

// RunDir returns the directory a run's files are written to.
func (w *Writer) RunDir(name string) string {
	return filepath.Join(w.Dir, sanitize(name))
}

// WriteRun writes report.json, trace.csv and, when enabled, the plots for one
// run into RunDir(run.Track). trace and tr may be nil, in which case only the
// summary is written. Returns the paths written.
func (w *Writer) WriteRun(run Run, trace *sim.Trace, tr *racetrack.TrackRaceline) ([]string, error) {
	dir := w.RunDir(run.Track)
	if err := w.FS.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create report dir: %w", err)
	}
	if run.GeneratedAt.IsZero() {
		run.GeneratedAt = time.Now().UTC()
	}
	if trace != nil {
		run.Oscillation = Analyze(trace)
	}

	var written []string
	path := filepath.Join(dir, "report.json")
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	if err := w.FS.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	written = append(written, path)

	if trace == nil {
		logf("wrote %s", path)
		return written, nil
	}

	path = filepath.Join(dir, "trace.csv")
	if err := w.create(path, func(out io.Writer) error { return WriteTraceCSV(out, trace) }); err != nil {
		return written, err
	}
	written = append(written, path)

	if w.Plots && tr != nil {
		plots, err := w.writePlots(dir, run, trace.Decimate(w.Decimate), tr)
		written = append(written, plots...)
		if err != nil {
			return written, err
		}
	}
	logf("wrote %d files for %s to %s", len(written), run.Track, dir)
	return written, nil
}

// create opens path on the writer's filesystem and hands it to fill.
func (w *Writer) create(path string, fill func(io.Writer) error) error {
	f, err := w.FS.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := fill(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// TraceHeader lists the CSV trace columns.
var TraceHeader = []string{
	"step", "time", "x", "y", "heading", "speed", "steer", "yaw_rate",
	"cmd_steer", "cmd_throttle", "target_speed", "lookahead",
	"cross_track_error", "heading_error", "boundary_distance", "progress",
	"off_track", "status",
}

// WriteTraceCSV writes one row per sample.
func WriteTraceCSV(w io.Writer, trace *sim.Trace) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(TraceHeader); err != nil {
		return err
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }
	for _, s := range trace.Samples {
		row := []string{
			strconv.Itoa(s.Step), f(s.Time),
			f(s.State.X), f(s.State.Y), f(s.State.Heading), f(s.State.Speed), f(s.State.Steer), f(s.State.YawRate),
			f(s.Command.Steer), f(s.Command.Throttle), f(s.Diagnostics.TargetSpeed), f(s.Diagnostics.LookaheadDistance),
			f(s.CrossTrackError), f(s.HeadingError), f(s.BoundaryDistance), f(s.Progress),
			strconv.FormatBool(s.OffTrack), string(s.Status),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// sanitize maps a case name to a safe directory name.
func sanitize(name string) string {
	if name == "" || name == "." || name == ".." {
		return "run"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
}
