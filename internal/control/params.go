package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
)

// ErrInvalidParameters is returned for controller gains outside their
// physical or logical range.
var ErrInvalidParameters = errors.New("invalid controller parameters")

// Gain names used by the flat parameter map.
const (
	LookaheadBase     = "lookahead_base"
	LookaheadGain     = "lookahead_gain"
	LookaheadMin      = "lookahead_min"
	LookaheadMax      = "lookahead_max"
	SteeringGain      = "steering_gain"
	CrossTrackGain    = "cross_track_gain"
	SpeedKp           = "speed_kp"
	SpeedKd           = "speed_kd"
	SpeedScale        = "speed_scale"
	LateralAccelLimit = "lateral_accel_limit"
)

// ParamNames lists every gain in a stable order.
var ParamNames = []string{
	LookaheadBase, LookaheadGain, LookaheadMin, LookaheadMax,
	SteeringGain, CrossTrackGain,
	SpeedKp, SpeedKd, SpeedScale, LateralAccelLimit,
}

// Params are the controller gains. They are immutable for a run.
type Params struct {
	LookaheadBase     float64 `json:"lookahead_base"`      // metres at zero speed
	LookaheadGain     float64 `json:"lookahead_gain"`      // seconds of travel added per m/s
	LookaheadMin      float64 `json:"lookahead_min"`       // metres
	LookaheadMax      float64 `json:"lookahead_max"`       // metres
	SteeringGain      float64 `json:"steering_gain"`       // scales the geometric steering term
	CrossTrackGain    float64 `json:"cross_track_gain"`    // rad per metre of cross-track error
	SpeedKp           float64 `json:"speed_kp"`            // throttle per m/s of speed error
	SpeedKd           float64 `json:"speed_kd"`            // throttle per m/s^2 of error rate
	SpeedScale        float64 `json:"speed_scale"`         // multiplies raceline target speeds
	LateralAccelLimit float64 `json:"lateral_accel_limit"` // m/s^2, 0 disables the curvature cap
}

// DefaultParams returns gains that drive a single-seater round a typical
// circuit without leaving the track.
func DefaultParams() Params {
	return Params{
		LookaheadBase:     5,
		LookaheadGain:     0.3,
		LookaheadMin:      8,
		LookaheadMax:      25,
		SteeringGain:      1,
		CrossTrackGain:    0.05,
		SpeedKp:           0.5,
		SpeedKd:           0.02,
		SpeedScale:        1,
		LateralAccelLimit: 15,
	}
}

// Validate checks every gain is finite and in range.
func (p Params) Validate() error {
	for _, name := range ParamNames {
		v := p.Get(name)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s must be finite", ErrInvalidParameters, name)
		}
		if v < 0 {
			return fmt.Errorf("%w: %s must be non-negative, got %v", ErrInvalidParameters, name, v)
		}
	}
	if p.LookaheadMin <= 0 {
		return fmt.Errorf("%w: lookahead_min must be positive, got %v", ErrInvalidParameters, p.LookaheadMin)
	}
	if p.LookaheadMin > p.LookaheadMax {
		return fmt.Errorf("%w: lookahead_min (%v) exceeds lookahead_max (%v)", ErrInvalidParameters, p.LookaheadMin, p.LookaheadMax)
	}
	return nil
}

// Get returns the gain with the given name, or 0 for unknown names.
func (p Params) Get(name string) float64 {
	switch name {
	case LookaheadBase:
		return p.LookaheadBase
	case LookaheadGain:
		return p.LookaheadGain
	case LookaheadMin:
		return p.LookaheadMin
	case LookaheadMax:
		return p.LookaheadMax
	case SteeringGain:
		return p.SteeringGain
	case CrossTrackGain:
		return p.CrossTrackGain
	case SpeedKp:
		return p.SpeedKp
	case SpeedKd:
		return p.SpeedKd
	case SpeedScale:
		return p.SpeedScale
	case LateralAccelLimit:
		return p.LateralAccelLimit
	}
	return 0
}

// With returns a copy of p with one gain replaced.
func (p Params) With(name string, v float64) (Params, error) {
	switch name {
	case LookaheadBase:
		p.LookaheadBase = v
	case LookaheadGain:
		p.LookaheadGain = v
	case LookaheadMin:
		p.LookaheadMin = v
	case LookaheadMax:
		p.LookaheadMax = v
	case SteeringGain:
		p.SteeringGain = v
	case CrossTrackGain:
		p.CrossTrackGain = v
	case SpeedKp:
		p.SpeedKp = v
	case SpeedKd:
		p.SpeedKd = v
	case SpeedScale:
		p.SpeedScale = v
	case LateralAccelLimit:
		p.LateralAccelLimit = v
	default:
		return p, fmt.Errorf("%w: unknown parameter %q", ErrInvalidParameters, name)
	}
	return p, nil
}

// Map returns the flat name -> value view.
func (p Params) Map() map[string]float64 {
	m := make(map[string]float64, len(ParamNames))
	for _, name := range ParamNames {
		m[name] = p.Get(name)
	}
	return m
}

// ParamsFromMap overlays m onto base. Unknown names are rejected so typos in
// parameter files surface immediately.
func ParamsFromMap(base Params, m map[string]float64) (Params, error) {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	p := base
	for _, name := range names {
		var err error
		if p, err = p.With(name, m[name]); err != nil {
			return base, err
		}
	}
	return p, nil
}

// maxParamsFileSize bounds parameter files.
const maxParamsFileSize = 1 << 20

// LoadParams reads a flat JSON object of gains and overlays it on base.
func LoadParams(path string, base Params) (Params, error) {
	if filepath.Ext(path) != ".json" {
		return base, fmt.Errorf("params file must have .json extension, got: %s", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return base, fmt.Errorf("failed to stat params file: %w", err)
	}
	if info.Size() > maxParamsFileSize {
		return base, fmt.Errorf("params file too large: %d bytes (max %d bytes)", info.Size(), maxParamsFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read params file: %w", err)
	}
	var m map[string]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return base, fmt.Errorf("failed to parse params JSON: %w", err)
	}
	p, err := ParamsFromMap(base, m)
	if err != nil {
		return base, err
	}
	if err := p.Validate(); err != nil {
		return base, err
	}
	return p, nil
}

// SaveParams writes the flat map as indented JSON.
func SaveParams(path string, p Params) error {
	data, err := json.MarshalIndent(p.Map(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write params file: %w", err)
	}
	return nil
}
