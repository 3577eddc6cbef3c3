package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/raceline/internal/control"
	"github.com/banshee-data/raceline/internal/engine"
	"github.com/banshee-data/raceline/internal/racetrack"
	"github.com/banshee-data/raceline/internal/sim"
	"github.com/banshee-data/raceline/internal/tuning"
	"github.com/banshee-data/raceline/internal/vehicle"
)

// DefaultConfigPath is the path to the canonical run defaults file.
const DefaultConfigPath = "config/raceline.defaults.json"

// TrackFiles names one track and raceline CSV pair. Topology is "auto"
// (the default), "open" or "closed".
type TrackFiles struct {
	Name     string `json:"name"`
	Track    string `json:"track"`
	Raceline string `json:"raceline"`
	Topology string `json:"topology,omitempty"`
}

// Load reads the pair with the given speed profile limits.
func (t TrackFiles) Load(profile racetrack.ProfileLimits) (*racetrack.TrackRaceline, error) {
	topology, err := racetrack.ParseTopology(t.Topology)
	if err != nil {
		return nil, err
	}
	return racetrack.LoadFiles(t.Track, t.Raceline, profile, racetrack.WithTopology(topology))
}

// TuneConfig holds the tuner settings. Bounds are keyed by gain name.
type TuneConfig struct {
	Strategy       *string                 `json:"strategy,omitempty"`
	Objective      *string                 `json:"objective,omitempty"`
	MaxEvaluations *int                    `json:"max_evaluations,omitempty"`
	TimeLimit      *string                 `json:"time_limit,omitempty"` // duration string like "5m"
	Seed           *int64                  `json:"seed,omitempty"`
	Workers        *int                    `json:"workers,omitempty"`
	Bounds         map[string]tuning.Bound `json:"bounds,omitempty"`
	StepFraction   *float64                `json:"step_fraction,omitempty"`
	MaxRounds      *int                    `json:"max_rounds,omitempty"`
	ValuesPerParam *int                    `json:"values_per_param,omitempty"`
	TopK           *int                    `json:"top_k,omitempty"`
	BatchSize      *int                    `json:"batch_size,omitempty"`
}

// RunConfig is the root configuration for runs, suites and tuning. Every
// scalar is optional; the Get* methods return the built-in default for
// fields the file leaves out.
type RunConfig struct {
	// Simulation loop
	Dt                *float64 `json:"dt,omitempty"`
	MaxSteps          *int     `json:"max_steps,omitempty"`
	GracePeriod       *float64 `json:"grace_period,omitempty"`
	InitialSpeed      *float64 `json:"initial_speed,omitempty"`
	OffTrackTolerance *float64 `json:"off_track_tolerance,omitempty"`

	// Vehicle
	Wheelbase    *float64 `json:"wheelbase,omitempty"`
	MaxSpeed     *float64 `json:"max_speed,omitempty"`
	MaxAccel     *float64 `json:"max_accel,omitempty"`
	MaxBrake     *float64 `json:"max_brake,omitempty"`
	MaxSteer     *float64 `json:"max_steer,omitempty"`
	MaxSteerRate *float64 `json:"max_steer_rate,omitempty"`
	Integrator   *string  `json:"integrator,omitempty"`

	// Controller
	Controller *string            `json:"controller,omitempty"`
	Gains      map[string]float64 `json:"gains,omitempty"`

	// Speed profile for raceline files without a speed column
	ProfileLateralAccel *float64 `json:"profile_lateral_accel,omitempty"`

	Tracks []TrackFiles `json:"tracks,omitempty"`
	Tune   *TuneConfig  `json:"tune,omitempty"`

	DBPath    *string `json:"db_path,omitempty"`
	OutputDir *string `json:"output_dir,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyRunConfig returns a RunConfig with all fields unset.
func EmptyRunConfig() *RunConfig {
	return &RunConfig{}
}

// LoadRunConfig loads a RunConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file fall back to their defaults, so
// partial configs are safe.
func LoadRunConfig(path string) (*RunConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyRunConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Track paths are relative to the config file.
	dir := filepath.Dir(cleanPath)
	for i, t := range cfg.Tracks {
		if t.Track != "" && !filepath.IsAbs(t.Track) {
			cfg.Tracks[i].Track = filepath.Join(dir, t.Track)
		}
		if t.Raceline != "" && !filepath.IsAbs(t.Raceline) {
			cfg.Tracks[i].Raceline = filepath.Join(dir, t.Raceline)
		}
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *RunConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadRunConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *RunConfig) Validate() error {
	if c.Dt != nil && !(*c.Dt > 0) {
		return fmt.Errorf("dt must be positive, got %v", *c.Dt)
	}
	if c.MaxSteps != nil && *c.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be positive, got %d", *c.MaxSteps)
	}
	for name, v := range map[string]*float64{
		"grace_period":          c.GracePeriod,
		"initial_speed":         c.InitialSpeed,
		"off_track_tolerance":   c.OffTrackTolerance,
		"max_accel":             c.MaxAccel,
		"max_brake":             c.MaxBrake,
		"max_steer_rate":        c.MaxSteerRate,
		"profile_lateral_accel": c.ProfileLateralAccel,
	} {
		if v != nil && (*v < 0 || math.IsNaN(*v)) {
			return fmt.Errorf("%s must be non-negative, got %v", name, *v)
		}
	}

	if err := c.VehicleParams().Validate(); err != nil {
		return err
	}
	if _, err := c.ControllerParams(); err != nil {
		return err
	}
	if _, ok := control.DefaultRegistry().Get(c.GetController()); !ok {
		return fmt.Errorf("unknown controller %q", c.GetController())
	}

	for i, t := range c.Tracks {
		if t.Track == "" || t.Raceline == "" {
			return fmt.Errorf("tracks[%d] (%s): track and raceline paths are required", i, t.Name)
		}
		if _, err := racetrack.ParseTopology(t.Topology); err != nil {
			return fmt.Errorf("tracks[%d] (%s): %w", i, t.Name, err)
		}
	}

	if c.Tune != nil {
		if c.Tune.TimeLimit != nil && *c.Tune.TimeLimit != "" {
			if _, err := time.ParseDuration(*c.Tune.TimeLimit); err != nil {
				return fmt.Errorf("invalid time_limit '%s': %w", *c.Tune.TimeLimit, err)
			}
		}
		if c.Tune.MaxEvaluations != nil && *c.Tune.MaxEvaluations > tuning.MaxEvaluationsLimit {
			return fmt.Errorf("max_evaluations must not exceed %d, got %d", tuning.MaxEvaluationsLimit, *c.Tune.MaxEvaluations)
		}
		for name, b := range c.Tune.Bounds {
			if _, err := control.DefaultParams().With(name, b.Min); err != nil {
				return err
			}
			if !(b.Min < b.Max) {
				return fmt.Errorf("bounds for %s: min must be less than max", name)
			}
		}
	}
	return nil
}

// GetDt returns the dt value or the default.
func (c *RunConfig) GetDt() float64 {
	if c.Dt == nil {
		return 0.01
	}
	return *c.Dt
}

// GetMaxSteps returns the max_steps value or the default.
func (c *RunConfig) GetMaxSteps() int {
	if c.MaxSteps == nil {
		return 60000
	}
	return *c.MaxSteps
}

// GetGracePeriod returns the grace_period value or the default.
func (c *RunConfig) GetGracePeriod() float64 {
	if c.GracePeriod == nil {
		return 0.2
	}
	return *c.GracePeriod
}

// GetInitialSpeed returns the initial_speed value or the default.
func (c *RunConfig) GetInitialSpeed() float64 {
	if c.InitialSpeed == nil {
		return 0
	}
	return *c.InitialSpeed
}

// GetOffTrackTolerance returns the off_track_tolerance value or the default.
func (c *RunConfig) GetOffTrackTolerance() float64 {
	if c.OffTrackTolerance == nil {
		return 0.5
	}
	return *c.OffTrackTolerance
}

// GetController returns the controller name or the default.
func (c *RunConfig) GetController() string {
	if c.Controller == nil || *c.Controller == "" {
		return control.PurePursuitName
	}
	return *c.Controller
}

// GetProfileLateralAccel returns the profile_lateral_accel value or the default.
func (c *RunConfig) GetProfileLateralAccel() float64 {
	if c.ProfileLateralAccel == nil {
		return 15
	}
	return *c.ProfileLateralAccel
}

// GetDBPath returns the db_path value or the default.
func (c *RunConfig) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "raceline.db"
	}
	return *c.DBPath
}

// GetOutputDir returns the output_dir value or the default.
func (c *RunConfig) GetOutputDir() string {
	if c.OutputDir == nil || *c.OutputDir == "" {
		return "results"
	}
	return *c.OutputDir
}

// SimConfig builds the loop configuration.
func (c *RunConfig) SimConfig() sim.Config {
	return sim.Config{
		Dt:                c.GetDt(),
		MaxSteps:          c.GetMaxSteps(),
		GracePeriod:       c.GetGracePeriod(),
		InitialSpeed:      c.GetInitialSpeed(),
		OffTrackTolerance: c.GetOffTrackTolerance(),
	}
}

// VehicleParams overlays the configured vehicle fields on the defaults.
func (c *RunConfig) VehicleParams() vehicle.Params {
	p := vehicle.DefaultParams()
	set := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	set(&p.Wheelbase, c.Wheelbase)
	set(&p.MaxSpeed, c.MaxSpeed)
	set(&p.MaxAccel, c.MaxAccel)
	set(&p.MaxBrake, c.MaxBrake)
	set(&p.MaxSteer, c.MaxSteer)
	set(&p.MaxSteerRate, c.MaxSteerRate)
	if c.Integrator != nil && *c.Integrator != "" {
		p.Integrator = vehicle.Integrator(*c.Integrator)
	}
	return p
}

// ControllerParams overlays the configured gains on the defaults.
func (c *RunConfig) ControllerParams() (control.Params, error) {
	p, err := control.ParamsFromMap(control.DefaultParams(), c.Gains)
	if err != nil {
		return p, err
	}
	return p, p.Validate()
}

// ProfileLimits returns the limits used to derive speeds for racelines
// without a speed column.
func (c *RunConfig) ProfileLimits() racetrack.ProfileLimits {
	v := c.VehicleParams()
	return racetrack.ProfileLimits{
		MaxSpeed:     v.MaxSpeed,
		LateralAccel: c.GetProfileLateralAccel(),
		MaxAccel:     v.MaxAccel,
		MaxBrake:     v.MaxBrake,
	}
}

// Options builds the engine options for runs and suites.
func (c *RunConfig) Options() (engine.Options, error) {
	p, err := c.ControllerParams()
	if err != nil {
		return engine.Options{}, err
	}
	return engine.Options{
		Controller: c.GetController(),
		Params:     p,
		Vehicle:    c.VehicleParams(),
		Sim:        c.SimConfig(),
	}, nil
}

// TuneSettings builds a tuning request carrying bounds and budget. Cases,
// initial gains and loop settings are filled in by the engine.
func (c *RunConfig) TuneSettings() tuning.Request {
	var req tuning.Request
	t := c.Tune
	if t == nil {
		return req
	}
	if t.Strategy != nil {
		req.Strategy = *t.Strategy
	}
	if t.Objective != nil {
		req.Objective = *t.Objective
	}
	if t.MaxEvaluations != nil {
		req.MaxEvaluations = *t.MaxEvaluations
	}
	if t.TimeLimit != nil && *t.TimeLimit != "" {
		req.TimeLimit, _ = time.ParseDuration(*t.TimeLimit)
	}
	if t.Seed != nil {
		req.Seed = *t.Seed
	}
	if t.Workers != nil {
		req.Workers = *t.Workers
	}
	if len(t.Bounds) > 0 {
		req.Bounds = make(map[string]tuning.Bound, len(t.Bounds))
		for k, v := range t.Bounds {
			req.Bounds[k] = v
		}
	}
	if t.StepFraction != nil {
		req.StepFraction = *t.StepFraction
	}
	if t.MaxRounds != nil {
		req.MaxRounds = *t.MaxRounds
	}
	if t.ValuesPerParam != nil {
		req.ValuesPerParam = *t.ValuesPerParam
	}
	if t.TopK != nil {
		req.TopK = *t.TopK
	}
	if t.BatchSize != nil {
		req.BatchSize = *t.BatchSize
	}
	return req
}

// Cases loads every configured track pair.
func (c *RunConfig) Cases() ([]engine.Case, error) {
	cases := make([]engine.Case, 0, len(c.Tracks))
	for _, t := range c.Tracks {
		tr, err := t.Load(c.ProfileLimits())
		if err != nil {
			return nil, fmt.Errorf("track %s: %w", t.Name, err)
		}
		name := t.Name
		if name == "" {
			name = filepath.Base(t.Track)
		}
		cases = append(cases, engine.Case{Name: name, Track: tr})
	}
	return cases, nil
}
