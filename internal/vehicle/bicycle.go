package vehicle

import (
	"fmt"
	"math"
)

// Params configures a KinematicBicycle.
type Params struct {
	Wheelbase    float64    `json:"wheelbase"`      // metres
	MaxSpeed     float64    `json:"max_speed"`      // m/s
	MaxAccel     float64    `json:"max_accel"`      // m/s^2 at full throttle
	MaxBrake     float64    `json:"max_brake"`      // m/s^2 at full brake, positive
	MaxSteer     float64    `json:"max_steer"`      // radians
	MaxSteerRate float64    `json:"max_steer_rate"` // rad/s, 0 = instantaneous
	Integrator   Integrator `json:"integrator"`
}

// DefaultParams returns a single-seater sized vehicle.
func DefaultParams() Params {
	return Params{
		Wheelbase:  3.6,
		MaxSpeed:   90,
		MaxAccel:   15,
		MaxBrake:   15,
		MaxSteer:   0.9,
		Integrator: Euler,
	}
}

// Validate checks the parameters describe a physical vehicle.
func (p Params) Validate() error {
	if !(p.Wheelbase > 0) {
		return fmt.Errorf("%w: wheelbase must be positive, got %v", ErrInvalidParameters, p.Wheelbase)
	}
	if !(p.MaxSpeed > 0) {
		return fmt.Errorf("%w: max_speed must be positive, got %v", ErrInvalidParameters, p.MaxSpeed)
	}
	if p.MaxAccel < 0 || p.MaxBrake < 0 || math.IsNaN(p.MaxAccel) || math.IsNaN(p.MaxBrake) {
		return fmt.Errorf("%w: max_accel and max_brake must be non-negative", ErrInvalidParameters)
	}
	if !(p.MaxSteer > 0) || p.MaxSteer >= math.Pi/2 {
		return fmt.Errorf("%w: max_steer must be in (0, pi/2), got %v", ErrInvalidParameters, p.MaxSteer)
	}
	if p.MaxSteerRate < 0 || math.IsNaN(p.MaxSteerRate) {
		return fmt.Errorf("%w: max_steer_rate must be non-negative", ErrInvalidParameters)
	}
	switch p.Integrator {
	case "", Euler, RK4:
	default:
		return fmt.Errorf("%w: unknown integrator %q", ErrInvalidParameters, p.Integrator)
	}
	return nil
}

// KinematicBicycle is the rear-axle kinematic bicycle model: no tyre slip,
// heading rate v/L*tan(steer).
type KinematicBicycle struct {
	p Params
}

// NewKinematicBicycle validates p and returns the model.
func NewKinematicBicycle(p Params) (*KinematicBicycle, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Integrator == "" {
		p.Integrator = Euler
	}
	return &KinematicBicycle{p: p}, nil
}

// Params returns the model configuration.
func (m *KinematicBicycle) Params() Params { return m.p }

// Limits implements Model.
func (m *KinematicBicycle) Limits() Limits {
	return Limits{
		Wheelbase: m.p.Wheelbase,
		MaxSteer:  m.p.MaxSteer,
		MaxSpeed:  m.p.MaxSpeed,
		MaxAccel:  m.p.MaxAccel,
		MaxBrake:  m.p.MaxBrake,
	}
}

// Step implements Model. The command is clamped to the limits, the steering
// slews toward it when MaxSteerRate is set, and speed is held in
// [0, MaxSpeed].
func (m *KinematicBicycle) Step(s State, c Command, dt float64) (State, error) {
	if err := ValidateTimestep(dt); err != nil {
		return s, err
	}
	c = m.Limits().Clamp(c)

	steer := c.Steer
	if m.p.MaxSteerRate > 0 {
		maxDelta := m.p.MaxSteerRate * dt
		steer = s.Steer + clamp(c.Steer-s.Steer, -maxDelta, maxDelta)
	}

	accel := c.Throttle * m.p.MaxAccel
	if c.Throttle < 0 {
		accel = c.Throttle * m.p.MaxBrake
	}

	var next State
	switch m.p.Integrator {
	case RK4:
		next = m.rk4(s, steer, accel, dt)
	default:
		next = m.euler(s, steer, accel, dt)
	}
	next.Speed = clamp(next.Speed, 0, m.p.MaxSpeed)
	next.Heading = NormalizeAngle(next.Heading)
	next.Steer = steer
	next.YawRate = next.Speed / m.p.Wheelbase * math.Tan(steer)
	return next, nil
}

func (m *KinematicBicycle) euler(s State, steer, accel, dt float64) State {
	return State{
		X:       s.X + s.Speed*math.Cos(s.Heading)*dt,
		Y:       s.Y + s.Speed*math.Sin(s.Heading)*dt,
		Heading: s.Heading + s.Speed/m.p.Wheelbase*math.Tan(steer)*dt,
		Speed:   s.Speed + accel*dt,
	}
}

type deriv struct{ x, y, h, v float64 }

func (m *KinematicBicycle) rk4(s State, steer, accel, dt float64) State {
	tanSteer := math.Tan(steer)
	f := func(h, v float64) deriv {
		a := accel
		// No reverse: speed stops at zero under braking.
		if v <= 0 && a < 0 {
			a, v = 0, 0
		}
		return deriv{
			x: v * math.Cos(h),
			y: v * math.Sin(h),
			h: v / m.p.Wheelbase * tanSteer,
			v: a,
		}
	}
	k1 := f(s.Heading, s.Speed)
	k2 := f(s.Heading+k1.h*dt/2, s.Speed+k1.v*dt/2)
	k3 := f(s.Heading+k2.h*dt/2, s.Speed+k2.v*dt/2)
	k4 := f(s.Heading+k3.h*dt, s.Speed+k3.v*dt)
	return State{
		X:       s.X + dt/6*(k1.x+2*k2.x+2*k3.x+k4.x),
		Y:       s.Y + dt/6*(k1.y+2*k2.y+2*k3.y+k4.y),
		Heading: s.Heading + dt/6*(k1.h+2*k2.h+2*k3.h+k4.h),
		Speed:   s.Speed + dt/6*(k1.v+2*k2.v+2*k3.v+k4.v),
	}
}
