// Package vehicle advances vehicle state under control commands over a fixed
// timestep. Models are pure: Step never mutates its inputs and holds no state
// between calls, so one model value can serve concurrent simulations.
package vehicle

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidTimestep is returned when dt is zero, negative or not finite.
	ErrInvalidTimestep = errors.New("invalid timestep")
	// ErrInvalidParameters is returned for non-physical vehicle parameters.
	ErrInvalidParameters = errors.New("invalid vehicle parameters")
)

// Integrator names the position/heading integration scheme.
type Integrator string

const (
	Euler Integrator = "euler"
	RK4   Integrator = "rk4"
)

// State is the vehicle pose and motion at one instant.
type State struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Heading float64 `json:"heading"` // radians, wrapped to (-pi, pi]
	Speed   float64 `json:"speed"`   // m/s, never negative
	Steer   float64 `json:"steer"`   // applied road-wheel angle, radians
	YawRate float64 `json:"yaw_rate"`
}

// Command is one control output. Throttle in [-1, 1]; negative brakes.
type Command struct {
	Steer    float64 `json:"steer"`
	Throttle float64 `json:"throttle"`
}

// Limits are the physical bounds a controller must respect.
type Limits struct {
	Wheelbase float64
	MaxSteer  float64
	MaxSpeed  float64
	MaxAccel  float64
	MaxBrake  float64
}

// Clamp bounds a command to the limits. NaN components become zero.
func (l Limits) Clamp(c Command) Command {
	return Command{
		Steer:    clamp(zeroNaN(c.Steer), -l.MaxSteer, l.MaxSteer),
		Throttle: clamp(zeroNaN(c.Throttle), -1, 1),
	}
}

// Model advances a State by one timestep.
type Model interface {
	Step(s State, c Command, dt float64) (State, error)
	Limits() Limits
}

// ValidateTimestep reports whether dt can drive a simulation.
func ValidateTimestep(dt float64) error {
	if dt <= 0 || math.IsNaN(dt) || math.IsInf(dt, 0) {
		return fmt.Errorf("%w: dt must be positive and finite, got %v", ErrInvalidTimestep, dt)
	}
	return nil
}

// NormalizeAngle wraps a to (-pi, pi].
func NormalizeAngle(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a > math.Pi {
		a -= 2 * math.Pi
	} else if a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func zeroNaN(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
