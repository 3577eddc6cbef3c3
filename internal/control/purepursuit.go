package control

import (
	"math"

	"github.com/banshee-data/raceline/internal/racetrack"
	"github.com/banshee-data/raceline/internal/vehicle"
)

// PurePursuitName is the registry name of the pure pursuit law.
const PurePursuitName = "pure_pursuit"

// PurePursuit steers along the circular arc through the rear axle and a
// lookahead point on the raceline.
type PurePursuit struct {
	base
}

// NewPurePursuit validates the inputs and returns the controller.
func NewPurePursuit(p Params, limits vehicle.Limits, dt float64) (*PurePursuit, error) {
	b, err := newBase(p, limits, dt)
	if err != nil {
		return nil, err
	}
	return &PurePursuit{base: b}, nil
}

// Compute implements Controller.
func (c *PurePursuit) Compute(s vehicle.State, tr *racetrack.TrackRaceline, mem Memory) (vehicle.Command, Memory, Diagnostics) {
	nearest, ns := tr.NearestRacelinePoint(s.X, s.Y)
	ld := c.lookaheadDistance(s.Speed)
	target := tr.LookaheadPoint(ns, ld)
	cte := tr.CrossTrackError(s.X, s.Y)

	dx, dy := target.X-s.X, target.Y-s.Y
	d := math.Hypot(dx, dy)
	alpha := vehicle.NormalizeAngle(math.Atan2(dy, dx) - s.Heading)

	var geometric float64
	if d > 1e-9 {
		geometric = math.Atan(2 * c.limits.Wheelbase * math.Sin(alpha) / d)
	}
	steer := c.p.SteeringGain*geometric - c.p.CrossTrackGain*cte

	k := math.Max(math.Abs(nearest.Curvature), math.Abs(target.Curvature))
	vTarget := c.targetSpeed(target.Speed, k)
	throttle, next := c.throttle(vTarget, s.Speed, mem)

	cmd := c.limits.Clamp(vehicle.Command{Steer: steer, Throttle: throttle})
	return cmd, next, Diagnostics{
		NearestS:          ns,
		LookaheadDistance: ld,
		Target:            target,
		CrossTrackError:   cte,
		HeadingError:      alpha,
		TargetSpeed:       vTarget,
		SpeedError:        next.SpeedError,
	}
}
