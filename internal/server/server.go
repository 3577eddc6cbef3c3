// Package server serves stored runs and tuning sessions over HTTP: a JSON
// API, echarts pages, and the database debug routes.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/raceline/internal/db"
	"github.com/banshee-data/raceline/internal/monitoring"
	"github.com/banshee-data/raceline/internal/report"
	"github.com/banshee-data/raceline/internal/units"
)

var logf = monitoring.Tagged("http").Printf

const defaultListLimit = 50

// Server reads from the run store. Speeds are reported in units.
type Server struct {
	db    *db.DB
	units string
}

// New returns a Server over store. An empty unit means m/s.
func New(store *db.DB, speedUnits string) (*Server, error) {
	if speedUnits == "" {
		speedUnits = units.MPS
	}
	if err := units.Validate(speedUnits); err != nil {
		return nil, err
	}
	return &Server{db: store, units: speedUnits}, nil
}

// RunSummary is the list view of a stored run.
type RunSummary struct {
	RunID         string  `json:"run_id"`
	SuiteID       string  `json:"suite_id,omitempty"`
	Track         string  `json:"track"`
	Controller    string  `json:"controller"`
	Status        string  `json:"status"`
	LapTime       float64 `json:"lap_time"`
	AvgCrossTrack float64 `json:"avg_cross_track_error"`
	MaxCrossTrack float64 `json:"max_cross_track_error"`
	Violations    int     `json:"violations"`
	Score         float64 `json:"score"`
	MaxSpeed      float64 `json:"max_speed"`
	AvgSpeed      float64 `json:"avg_speed"`
	SpeedUnits    string  `json:"speed_units"`
	CreatedAt     string  `json:"created_at"`
}

func (s *Server) summarize(r *db.RunRecord) RunSummary {
	return RunSummary{
		RunID:         r.RunID,
		SuiteID:       r.SuiteID,
		Track:         r.Track,
		Controller:    r.Controller,
		Status:        string(r.Result.Status),
		LapTime:       r.Result.LapTime,
		AvgCrossTrack: r.Result.AvgCrossTrackError,
		MaxCrossTrack: r.Result.MaxCrossTrackError,
		Violations:    r.Result.Violations,
		Score:         r.Score,
		MaxSpeed:      units.ConvertSpeed(r.Result.MaxSpeed, s.units),
		AvgSpeed:      units.ConvertSpeed(r.Result.AvgSpeed, s.units),
		SpeedUnits:    s.units,
		CreatedAt:     time.Unix(0, r.CreatedAt).UTC().Format(time.RFC3339),
	}
}

// ServeMux returns the API and chart routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.showIndex)
	mux.HandleFunc("GET /api/config", s.showConfig)
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.showRun)
	mux.HandleFunc("GET /api/suites/{id}", s.showSuite)
	mux.HandleFunc("GET /api/tuning", s.listTuningSessions)
	mux.HandleFunc("GET /api/tuning/{id}", s.showTuningSession)
	mux.HandleFunc("GET /charts/runs", s.handleRunsChart)
	mux.HandleFunc("GET /charts/tuning/{id}", s.handleTuningChart)
	return mux
}

// Handler returns every route including the database debug pages, wrapped in
// the request logger.
func (s *Server) Handler() (http.Handler, error) {
	mux := s.ServeMux()
	if err := s.db.AttachAdminRoutes(mux); err != nil {
		return nil, err
	}
	return LoggingMiddleware(mux), nil
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	h, err := s.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: h}

	errc := make(chan error, 1)
	go func() {
		logf("listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	logf("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	return nil
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"units": s.units})
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return n, nil
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
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
	out := make([]RunSummary, len(runs))
	for i, run := range runs {
		out[i] = s.summarize(run)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) showRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.db.GetRun(r.PathValue("id"))
	if errors.Is(err, db.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve run: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) showSuite(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	runs, err := s.db.SuiteRuns(id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve suite: %v", err))
		return
	}
	if len(runs) == 0 {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("suite %s: not found", id))
		return
	}
	out := make([]RunSummary, len(runs))
	var total float64
	for i, run := range runs {
		out[i] = s.summarize(run)
		total += run.Score
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"suite_id":   id,
		"runs":       out,
		"mean_score": total / float64(len(runs)),
	})
}

func (s *Server) listTuningSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	sessions, err := s.db.ListTuningSessions(limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve tuning sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []*db.TuningSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) showTuningSession(w http.ResponseWriter, r *http.Request) {
	session, evals, ok := s.loadSession(w, r.PathValue("id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":     session,
		"evaluations": evals,
	})
}

// loadSession writes the error response itself and reports whether the
// caller should continue.
func (s *Server) loadSession(w http.ResponseWriter, id string) (*db.TuningSession, []db.TuningEvaluation, bool) {
	session, err := s.db.GetTuningSession(id)
	if errors.Is(err, db.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return nil, nil, false
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve tuning session: %v", err))
		return nil, nil, false
	}
	evals, err := s.db.TuningEvaluations(id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve evaluations: %v", err))
		return nil, nil, false
	}
	return session, evals, true
}

func (s *Server) handleTuningChart(w http.ResponseWriter, r *http.Request) {
	session, evals, ok := s.loadSession(w, r.PathValue("id"))
	if !ok {
		return
	}
	points := make([]report.TuningPoint, len(evals))
	for i, ev := range evals {
		points[i] = report.TuningPoint{Index: ev.Index, Iteration: ev.Iteration, Score: ev.Score, Feasible: ev.Feasible}
	}
	subtitle := fmt.Sprintf("%s / %s / %s, stopped: %s", session.Strategy, session.Controller, session.Objective, session.StopReason)

	var buf bytes.Buffer
	if err := report.RenderTuningPage(&buf, "Tuning "+session.SessionID, subtitle, points); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeHTML(w, buf.Bytes())
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>raceline</title></head>
<body>
<h1>raceline</h1>
<p><a href="/charts/runs">Run scores</a> · <a href="/debug/">Debug</a></p>
<h2>Recent runs</h2>
<table>
<tr><th>Track</th><th>Controller</th><th>Status</th><th>Lap (s)</th><th>Avg CTE (m)</th><th>Max speed ({{.Units}})</th><th>Score</th></tr>
{{range .Runs}}<tr><td><a href="/api/runs/{{.RunID}}">{{.Track}}</a></td><td>{{.Controller}}</td><td>{{.Status}}</td><td>{{printf "%.2f" .LapTime}}</td><td>{{printf "%.3f" .AvgCrossTrack}}</td><td>{{printf "%.1f" .MaxSpeed}}</td><td>{{printf "%.1f" .Score}}</td></tr>
{{end}}</table>
<h2>Tuning sessions</h2>
<table>
<tr><th>Session</th><th>Strategy</th><th>Controller</th><th>Best</th><th>Evaluations</th><th>Stop</th></tr>
{{range .Sessions}}<tr><td><a href="/charts/tuning/{{.SessionID}}">{{.SessionID}}</a></td><td>{{.Strategy}}</td><td>{{.Controller}}</td><td>{{printf "%.4g" .BestScore}}</td><td>{{.Evaluations}}</td><td>{{.StopReason}}</td></tr>
{{end}}</table>
</body></html>
`))

func (s *Server) showIndex(w http.ResponseWriter, r *http.Request) {
	runs, err := s.db.ListRuns(20)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve runs: %v", err))
		return
	}
	sessions, err := s.db.ListTuningSessions(20)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve tuning sessions: %v", err))
		return
	}
	summaries := make([]RunSummary, len(runs))
	for i, run := range runs {
		summaries[i] = s.summarize(run)
	}

	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, map[string]interface{}{
		"Units":    units.Label(s.units),
		"Runs":     summaries,
		"Sessions": sessions,
	}); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeHTML(w, buf.Bytes())
}
