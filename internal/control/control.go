// Package control implements path-tracking control laws that map a vehicle
// state and the target raceline to a steering and throttle command.
//
// Controllers are pure functions of their inputs: the only step-to-step
// state, the previous speed error used by the derivative term, travels in an
// explicit Memory value that the caller threads from one step to the next.
// A single Controller value is therefore safe to share between goroutines.
package control

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/banshee-data/raceline/internal/racetrack"
	"github.com/banshee-data/raceline/internal/vehicle"
)

// Memory is the controller state carried between steps.
type Memory struct {
	SpeedError float64 `json:"speed_error"`
	HasPrev    bool    `json:"has_prev"`
}

// Diagnostics explain one Compute call.
type Diagnostics struct {
	NearestS          float64                 `json:"nearest_s"`
	LookaheadDistance float64                 `json:"lookahead_distance"`
	Target            racetrack.RacelinePoint `json:"target"`
	CrossTrackError   float64                 `json:"cross_track_error"`
	HeadingError      float64                 `json:"heading_error"`
	TargetSpeed       float64                 `json:"target_speed"`
	SpeedError        float64                 `json:"speed_error"`
}

// Controller computes one command per simulation step.
type Controller interface {
	Compute(s vehicle.State, tr *racetrack.TrackRaceline, mem Memory) (vehicle.Command, Memory, Diagnostics)
}

// base holds what every control law shares: gains, vehicle limits and the
// fixed step used for the derivative term.
type base struct {
	p      Params
	limits vehicle.Limits
	dt     float64
}

func newBase(p Params, limits vehicle.Limits, dt float64) (base, error) {
	if err := p.Validate(); err != nil {
		return base{}, err
	}
	if err := vehicle.ValidateTimestep(dt); err != nil {
		return base{}, err
	}
	if !(limits.Wheelbase > 0) || !(limits.MaxSteer > 0) {
		return base{}, fmt.Errorf("%w: vehicle limits need positive wheelbase and max steer", ErrInvalidParameters)
	}
	return base{p: p, limits: limits, dt: dt}, nil
}

// lookaheadDistance grows with speed and is held in [min, max]. At zero
// speed it is the base distance floored at min.
func (b base) lookaheadDistance(speed float64) float64 {
	d := b.p.LookaheadBase + b.p.LookaheadGain*speed
	return math.Max(b.p.LookaheadMin, math.Min(d, b.p.LookaheadMax))
}

// targetSpeed scales the raceline speed and caps it so the lateral
// acceleration at the given curvature stays within the limit.
func (b base) targetSpeed(raceSpeed, curvature float64) float64 {
	v := raceSpeed * b.p.SpeedScale
	if b.p.LateralAccelLimit > 0 {
		if k := math.Abs(curvature); k > 1e-9 {
			v = math.Min(v, math.Sqrt(b.p.LateralAccelLimit/k))
		}
	}
	return math.Max(0, math.Min(v, b.limits.MaxSpeed))
}

// throttle is the PD speed law. The derivative term is zero on the first
// step of a run.
func (b base) throttle(target, speed float64, mem Memory) (float64, Memory) {
	e := target - speed
	u := b.p.SpeedKp * e
	if mem.HasPrev {
		u += b.p.SpeedKd * (e - mem.SpeedError) / b.dt
	}
	return u, Memory{SpeedError: e, HasPrev: true}
}

// Params returns the gains the controller was built with.
func (b base) Params() Params { return b.p }

// StrategyDefinition describes a registered control law.
type StrategyDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// New builds a controller for the given gains, vehicle limits and timestep.
	New func(p Params, limits vehicle.Limits, dt float64) (Controller, error) `json:"-"`
}

// Registry holds control laws by name.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]*StrategyDefinition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]*StrategyDefinition)}
}

// Register adds a strategy, replacing any with the same name.
func (r *Registry) Register(def *StrategyDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[def.Name] = def
}

// Get returns the strategy registered under name.
func (r *Registry) Get(name string) (*StrategyDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.strategies[name]
	return def, ok
}

// Names returns the registered strategy names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds a controller with the named strategy. An empty name selects
// pure pursuit.
func (r *Registry) New(name string, p Params, limits vehicle.Limits, dt float64) (Controller, error) {
	if name == "" {
		name = PurePursuitName
	}
	def, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown controller %q (have %v)", ErrInvalidParameters, name, r.Names())
	}
	return def.New(p, limits, dt)
}

// DefaultRegistry returns a registry with the built-in control laws.
func DefaultRegistry() *Registry {
	reg := NewRegistry()
	reg.Register(&StrategyDefinition{
		Name: PurePursuitName,
		Description: "Pure pursuit toward a speed-dependent lookahead point with a " +
			"cross-track correction and a PD speed loop.",
		New: func(p Params, limits vehicle.Limits, dt float64) (Controller, error) {
			return NewPurePursuit(p, limits, dt)
		},
	})
	reg.Register(&StrategyDefinition{
		Name: StanleyName,
		Description: "Stanley front-axle law: heading error to the raceline tangent " +
			"plus a speed-softened cross-track term.",
		New: func(p Params, limits vehicle.Limits, dt float64) (Controller, error) {
			return NewStanley(p, limits, dt)
		},
	})
	return reg
}
