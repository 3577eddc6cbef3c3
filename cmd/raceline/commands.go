package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/banshee-data/raceline/internal/config"
	"github.com/banshee-data/raceline/internal/control"
	"github.com/banshee-data/raceline/internal/db"
	"github.com/banshee-data/raceline/internal/engine"
	"github.com/banshee-data/raceline/internal/report"
	"github.com/banshee-data/raceline/internal/server"
	"github.com/banshee-data/raceline/internal/sim"
	"github.com/banshee-data/raceline/internal/tuning"
	"github.com/banshee-data/raceline/internal/units"
)

const defaultConfigHint = config.DefaultConfigPath + " if present"

// maxPlotSamples caps the samples drawn per plot; longer traces are decimated.
const maxPlotSamples = 5000

// commonFlags are shared by every subcommand that touches config, the run
// store or the report directory.
type commonFlags struct {
	configPath string
	dbPath     string
	outDir     string
	units      string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Run configuration JSON (default: "+defaultConfigHint+")")
	fs.StringVar(&c.dbPath, "db", "", "SQLite run store (default from config)")
	fs.StringVar(&c.outDir, "out", "", "Report output directory (default from config)")
	fs.StringVar(&c.units, "units", units.MPS, "Speed units: "+strings.Join(units.ValidUnits, ", "))
}

// load reads the configured file, falling back to the canonical defaults
// when present and to built-in defaults otherwise.
func (c *commonFlags) load() (*config.RunConfig, error) {
	if err := units.Validate(c.units); err != nil {
		return nil, err
	}
	path := c.configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err != nil {
			return config.EmptyRunConfig(), nil
		}
		path = config.DefaultConfigPath
	}
	return config.LoadRunConfig(path)
}

func (c *commonFlags) dbPathOr(cfg *config.RunConfig) string {
	if c.dbPath != "" {
		return c.dbPath
	}
	return cfg.GetDBPath()
}

func (c *commonFlags) outDirOr(cfg *config.RunConfig) string {
	if c.outDir != "" {
		return c.outDir
	}
	return cfg.GetOutputDir()
}

// controllerFlags override the configured controller and gains.
type controllerFlags struct {
	controller string
	paramsPath string
}

func (c *controllerFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.controller, "controller", "", "Controller: pure_pursuit or stanley (default from config)")
	fs.StringVar(&c.paramsPath, "params", "", "Gains JSON overlaid on the configured gains")
}

func (c *controllerFlags) options(cfg *config.RunConfig) (engine.Options, error) {
	opts, err := cfg.Options()
	if err != nil {
		return opts, err
	}
	if c.controller != "" {
		opts.Controller = c.controller
	}
	if c.paramsPath != "" {
		if opts.Params, err = control.LoadParams(c.paramsPath, opts.Params); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

// selectCase resolves the track for a single run. Explicit files win over
// the configured track list; an empty name picks the first configured track.
func selectCase(cfg *config.RunConfig, name string, files config.TrackFiles) (engine.Case, error) {
	if files.Track != "" || files.Raceline != "" {
		if files.Track == "" || files.Raceline == "" {
			return engine.Case{}, fmt.Errorf("-track-file and -raceline-file must be given together")
		}
		tr, err := files.Load(cfg.ProfileLimits())
		if err != nil {
			return engine.Case{}, err
		}
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(files.Track), filepath.Ext(files.Track))
		}
		return engine.Case{Name: name, Track: tr}, nil
	}

	if len(cfg.Tracks) == 0 {
		return engine.Case{}, fmt.Errorf("no tracks configured; pass -track-file and -raceline-file")
	}
	for _, t := range cfg.Tracks {
		if name != "" && t.Name != name {
			continue
		}
		tr, err := t.Load(cfg.ProfileLimits())
		if err != nil {
			return engine.Case{}, fmt.Errorf("track %s: %w", t.Name, err)
		}
		return engine.Case{Name: t.Name, Track: tr}, nil
	}
	return engine.Case{}, fmt.Errorf("track %q is not configured", name)
}

// filterCases keeps the named cases, or all of them when names is empty.
func filterCases(cases []engine.Case, names string) ([]engine.Case, error) {
	if names == "" {
		return cases, nil
	}
	var out []engine.Case
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		found := false
		for _, c := range cases {
			if c.Name == name {
				out = append(out, c)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("track %q is not configured", name)
		}
	}
	return out, nil
}

func runCommand(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var c commonFlags
	var cf controllerFlags
	c.register(fs)
	cf.register(fs)
	trackName := fs.String("track", "", "Configured track name (default: first configured track)")
	trackFile := fs.String("track-file", "", "Track CSV (x_m,y_m,w_tr_right_m,w_tr_left_m)")
	racelineFile := fs.String("raceline-file", "", "Raceline CSV (x_m,y_m[,v_mps[,kappa[,s_m]]])")
	topology := fs.String("topology", "auto", "Topology of -track-file: auto, open or closed")
	noPlots := fs.Bool("no-plots", false, "Skip PNG plots")
	noStore := fs.Bool("no-store", false, "Do not record the run in the database")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := c.load()
	if err != nil {
		return err
	}
	cs, err := selectCase(cfg, *trackName, config.TrackFiles{Track: *trackFile, Raceline: *racelineFile, Topology: *topology})
	if err != nil {
		return err
	}
	opts, err := cf.options(cfg)
	if err != nil {
		return err
	}

	trace := &sim.Trace{}
	opts.Sim.Observer = trace
	res, err := engine.New().Run(cs.Track, opts)
	if err != nil {
		return err
	}
	score := engine.SuiteScore(res)
	renderSuite(stdout, fmt.Sprintf("%s on %s", opts.Controller, cs.Name),
		[]engine.SuiteResult{{Name: cs.Name, Result: res, Score: score}}, c.units)
	if res.Reason != "" {
		fmt.Fprintf(stdout, "%s: %s\n", res.Status, res.Reason)
	}

	params := opts.Params.Map()
	if outDir := c.outDirOr(cfg); outDir != "" {
		w := report.NewWriter(outDir)
		w.Plots = !*noPlots
		w.Decimate = trace.Len()/maxPlotSamples + 1
		run := report.Run{Track: cs.Name, Controller: opts.Controller, Params: params, Result: res, Score: score}
		if _, err := w.WriteRun(run, trace, cs.Track); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "report written to %s\n", w.RunDir(cs.Name))
	}

	if *noStore {
		return nil
	}
	store, err := db.NewDB(c.dbPathOr(cfg))
	if err != nil {
		return err
	}
	defer store.Close()
	rec := &db.RunRecord{Track: cs.Name, Controller: opts.Controller, Params: params, Result: res, Score: score}
	if err := store.InsertRun(rec); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "stored run %s\n", rec.RunID)
	return nil
}

func suiteCommand(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("suite", flag.ContinueOnError)
	var c commonFlags
	var cf controllerFlags
	c.register(fs)
	cf.register(fs)
	tracks := fs.String("tracks", "", "Comma-separated configured track names (default: all)")
	workers := fs.Int("workers", 0, "Concurrent cases (0: one per track)")
	noStore := fs.Bool("no-store", false, "Do not record the runs in the database")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := c.load()
	if err != nil {
		return err
	}
	all, err := cfg.Cases()
	if err != nil {
		return err
	}
	cases, err := filterCases(all, *tracks)
	if err != nil {
		return err
	}
	opts, err := cf.options(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e := engine.New()
	e.Workers = *workers
	results, err := e.RunSuite(ctx, cases, opts)
	if err != nil {
		return err
	}
	suiteID := uuid.New().String()
	renderSuite(stdout, fmt.Sprintf("Suite %s (%s)", shortID(suiteID), opts.Controller), results, c.units)

	params := opts.Params.Map()
	if outDir := c.outDirOr(cfg); outDir != "" {
		w := report.NewWriter(filepath.Join(outDir, "suite-"+shortID(suiteID)))
		for _, r := range results {
			run := report.Run{Track: r.Name, Controller: opts.Controller, Params: params, Result: r.Result, Score: r.Score}
			if _, err := w.WriteRun(run, nil, nil); err != nil {
				return err
			}
		}
		fmt.Fprintf(stdout, "reports written to %s\n", w.Dir)
	}

	if *noStore {
		return nil
	}
	store, err := db.NewDB(c.dbPathOr(cfg))
	if err != nil {
		return err
	}
	defer store.Close()
	for _, r := range results {
		rec := &db.RunRecord{SuiteID: suiteID, Track: r.Name, Controller: opts.Controller, Params: params, Result: r.Result, Score: r.Score}
		if err := store.InsertRun(rec); err != nil {
			return err
		}
	}
	fmt.Fprintf(stdout, "stored suite %s\n", suiteID)
	return nil
}

func tuneCommand(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("tune", flag.ContinueOnError)
	var c commonFlags
	var cf controllerFlags
	c.register(fs)
	cf.register(fs)
	tracks := fs.String("tracks", "", "Comma-separated configured track names (default: all)")
	strategy := fs.String("strategy", "", "Search strategy: coordinate, random, grid, nelder_mead")
	objective := fs.String("objective", "", "Objective: weighted, lap_time, tracking")
	maxEvals := fs.Int("max-evals", 0, "Evaluation budget")
	timeLimit := fs.Duration("time-limit", 0, "Wall-clock budget, e.g. 5m")
	seed := fs.Int64("seed", 0, "Random seed")
	workers := fs.Int("workers", 0, "Concurrent evaluations")
	savePath := fs.String("save", "", "Write the best gains to this JSON file (default: <out>/best_params.json)")
	noStore := fs.Bool("no-store", false, "Do not record the session in the database")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := c.load()
	if err != nil {
		return err
	}
	all, err := cfg.Cases()
	if err != nil {
		return err
	}
	cases, err := filterCases(all, *tracks)
	if err != nil {
		return err
	}
	opts, err := cf.options(cfg)
	if err != nil {
		return err
	}

	req := cfg.TuneSettings()
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "strategy":
			req.Strategy = *strategy
		case "objective":
			req.Objective = *objective
		case "max-evals":
			req.MaxEvaluations = *maxEvals
		case "time-limit":
			req.TimeLimit = *timeLimit
		case "seed":
			req.Seed = *seed
		case "workers":
			req.Workers = *workers
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var points []report.TuningPoint
	var evals []db.TuningEvaluation
	e := engine.New()
	e.Tuner.OnEvaluation = func(ev tuning.Evaluation) {
		points = append(points, report.TuningPoint{Index: ev.Index, Iteration: ev.Iteration, Score: ev.Score, Feasible: ev.Feasible})
		evals = append(evals, db.TuningEvaluation{Index: ev.Index, Iteration: ev.Iteration, Params: ev.Params, Score: ev.Score, Feasible: ev.Feasible})
	}

	best, out, tuneErr := e.Tune(ctx, cases, opts, req)
	if tuneErr != nil && !errors.Is(tuneErr, tuning.ErrNoFeasibleParameters) {
		return tuneErr
	}
	renderOutcome(stdout, out)

	feasible := tuneErr == nil
	outDir := c.outDirOr(cfg)
	if feasible {
		renderParams(stdout, "Best gains", best.Map())
		path := *savePath
		if path == "" && outDir != "" {
			if err := os.MkdirAll(outDir, 0755); err != nil {
				return err
			}
			path = filepath.Join(outDir, "best_params.json")
		}
		if path != "" {
			if err := control.SaveParams(path, best); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "best gains written to %s\n", path)
		}
	}

	names := make([]string, len(cases))
	for i, cs := range cases {
		names[i] = cs.Name
	}
	if outDir != "" && len(points) > 0 {
		w := report.NewWriter(outDir)
		subtitle := fmt.Sprintf("%s / %s on %s, stopped: %s", out.Strategy, out.Objective, strings.Join(names, ", "), out.StopReason)
		if _, err := w.WriteTuningHistory("Tuning "+opts.Controller, subtitle, points); err != nil {
			return err
		}
	}

	if !*noStore {
		store, err := db.NewDB(c.dbPathOr(cfg))
		if err != nil {
			return err
		}
		defer store.Close()
		session := &db.TuningSession{
			Strategy:    out.Strategy,
			Objective:   out.Objective,
			Controller:  opts.Controller,
			Tracks:      names,
			BestScore:   out.BestScore,
			Evaluations: out.Evaluations,
			Feasible:    out.Feasible,
			StopReason:  out.StopReason,
			ElapsedMs:   out.Elapsed.Milliseconds(),
		}
		if feasible {
			session.BestParams = best.Map()
		}
		if err := store.InsertTuningSession(session, evals); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "stored tuning session %s\n", session.SessionID)
	}
	return tuneErr
}

func runsCommand(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	var c commonFlags
	c.register(fs)
	limit := fs.Int("limit", 20, "Maximum runs to list (0: all)")
	suite := fs.String("suite", "", "List the runs of one suite")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := c.load()
	if err != nil {
		return err
	}
	store, err := db.NewDB(c.dbPathOr(cfg))
	if err != nil {
		return err
	}
	defer store.Close()

	var runs []*db.RunRecord
	if *suite != "" {
		runs, err = store.SuiteRuns(*suite)
	} else {
		runs, err = store.ListRuns(*limit)
	}
	if err != nil {
		return err
	}
	renderRuns(stdout, runs, c.units)
	return nil
}

func serveCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	var c commonFlags
	c.register(fs)
	listen := fs.String("listen", ":8080", "Listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := c.load()
	if err != nil {
		return err
	}
	store, err := db.NewDB(c.dbPathOr(cfg))
	if err != nil {
		return err
	}
	defer store.Close()

	srv, err := server.New(store, c.units)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.ListenAndServe(ctx, *listen)
}
