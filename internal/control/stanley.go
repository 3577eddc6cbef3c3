package control

import (
	"math"

	"github.com/banshee-data/raceline/internal/racetrack"
	"github.com/banshee-data/raceline/internal/vehicle"
)

// StanleyName is the registry name of the Stanley law.
const StanleyName = "stanley"

// stanleySoftening keeps the cross-track term bounded at low speed.
const stanleySoftening = 1.0

// Stanley steers to cancel the heading error at the front axle plus a
// cross-track term that weakens with speed. SteeringGain scales the heading
// term and CrossTrackGain is the cross-track gain k.
type Stanley struct {
	base
}

// NewStanley validates the inputs and returns the controller.
func NewStanley(p Params, limits vehicle.Limits, dt float64) (*Stanley, error) {
	b, err := newBase(p, limits, dt)
	if err != nil {
		return nil, err
	}
	return &Stanley{base: b}, nil
}

// Compute implements Controller.
func (c *Stanley) Compute(s vehicle.State, tr *racetrack.TrackRaceline, mem Memory) (vehicle.Command, Memory, Diagnostics) {
	fx := s.X + c.limits.Wheelbase*math.Cos(s.Heading)
	fy := s.Y + c.limits.Wheelbase*math.Sin(s.Heading)
	nearest, ns := tr.NearestRacelinePoint(fx, fy)
	cte := tr.CrossTrackError(fx, fy)

	headingErr := vehicle.NormalizeAngle(tr.Heading(ns) - s.Heading)
	steer := c.p.SteeringGain*headingErr - math.Atan(c.p.CrossTrackGain*cte/(s.Speed+stanleySoftening))

	ld := c.lookaheadDistance(s.Speed)
	target := tr.LookaheadPoint(ns, ld)
	k := math.Max(math.Abs(nearest.Curvature), math.Abs(target.Curvature))
	vTarget := c.targetSpeed(target.Speed, k)
	throttle, next := c.throttle(vTarget, s.Speed, mem)

	cmd := c.limits.Clamp(vehicle.Command{Steer: steer, Throttle: throttle})
	return cmd, next, Diagnostics{
		NearestS:          ns,
		LookaheadDistance: ld,
		Target:            target,
		CrossTrackError:   cte,
		HeadingError:      headingErr,
		TargetSpeed:       vTarget,
		SpeedError:        next.SpeedError,
	}
}
