package control_test

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/raceline/internal/control"
	"github.com/banshee-data/raceline/internal/testutil"
	"github.com/banshee-data/raceline/internal/vehicle"
)

func limits() vehicle.Limits {
	p := vehicle.DefaultParams()
	return vehicle.Limits{
		Wheelbase: p.Wheelbase,
		MaxSteer:  p.MaxSteer,
		MaxSpeed:  p.MaxSpeed,
		MaxAccel:  p.MaxAccel,
		MaxBrake:  p.MaxBrake,
	}
}

func TestParamsValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, control.DefaultParams().Validate())

	tests := []struct {
		name  string
		param string
		value float64
	}{
		{"negative gain", control.SpeedKp, -1},
		{"nan gain", control.SteeringGain, math.NaN()},
		{"infinite gain", control.LookaheadMax, math.Inf(1)},
		{"zero min lookahead", control.LookaheadMin, 0},
		{"min above max", control.LookaheadMin, 30},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := control.DefaultParams().With(tc.param, tc.value)
			require.NoError(t, err)
			assert.ErrorIs(t, p.Validate(), control.ErrInvalidParameters)
		})
	}
}

func TestParamsMap(t *testing.T) {
	t.Parallel()

	p := control.DefaultParams()
	m := p.Map()
	assert.Len(t, m, len(control.ParamNames))
	assert.Equal(t, p.SpeedKd, m[control.SpeedKd])

	got, err := control.ParamsFromMap(control.Params{}, m)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	got, err = control.ParamsFromMap(p, map[string]float64{control.SteeringGain: 0.25})
	require.NoError(t, err)
	assert.Equal(t, 0.25, got.SteeringGain)
	assert.Equal(t, p.LookaheadMax, got.LookaheadMax)

	_, err = control.ParamsFromMap(p, map[string]float64{"steering_gian": 1})
	assert.ErrorIs(t, err, control.ErrInvalidParameters)
}

func TestLoadSaveParams(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "best.json")

	p := control.DefaultParams()
	p.CrossTrackGain = 0.125
	require.NoError(t, control.SaveParams(path, p))

	got, err := control.LoadParams(path, control.Params{})
	require.NoError(t, err)
	assert.Equal(t, p, got)

	partial := filepath.Join(dir, "partial.json")
	require.NoError(t, os.WriteFile(partial, []byte(`{"speed_kp": 2}`), 0o644))
	got, err = control.LoadParams(partial, control.DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.SpeedKp)
	assert.Equal(t, control.DefaultParams().LookaheadMin, got.LookaheadMin)

	invalid := filepath.Join(dir, "invalid.json")
	require.NoError(t, os.WriteFile(invalid, []byte(`{"speed_kp": -2}`), 0o644))
	_, err = control.LoadParams(invalid, control.DefaultParams())
	assert.ErrorIs(t, err, control.ErrInvalidParameters)

	_, err = control.LoadParams(filepath.Join(dir, "params.yaml"), control.DefaultParams())
	assert.Error(t, err)
	_, err = control.LoadParams(filepath.Join(dir, "missing.json"), control.DefaultParams())
	assert.Error(t, err)
}

func TestNewRejectsBadInputs(t *testing.T) {
	t.Parallel()

	_, err := control.NewPurePursuit(control.DefaultParams(), limits(), 0)
	assert.ErrorIs(t, err, vehicle.ErrInvalidTimestep)

	bad := control.DefaultParams()
	bad.LookaheadMax = 1
	_, err = control.NewStanley(bad, limits(), 0.1)
	assert.ErrorIs(t, err, control.ErrInvalidParameters)

	_, err = control.NewPurePursuit(control.DefaultParams(), vehicle.Limits{}, 0.1)
	assert.ErrorIs(t, err, control.ErrInvalidParameters)
}

func TestPurePursuit_LookaheadFloorsAtMinimum(t *testing.T) {
	t.Parallel()

	tr := testutil.Straight(t, 200, 1, 3, 10)
	p := control.DefaultParams()
	p.LookaheadBase = 0
	c, err := control.NewPurePursuit(p, limits(), 0.1)
	require.NoError(t, err)

	_, _, diag := c.Compute(vehicle.State{X: 20}, tr, control.Memory{})
	assert.Equal(t, p.LookaheadMin, diag.LookaheadDistance)
	assert.InDelta(t, 20+p.LookaheadMin, diag.Target.X, 1e-9)

	_, _, diag = c.Compute(vehicle.State{X: 20, Speed: 200}, tr, control.Memory{})
	assert.Equal(t, p.LookaheadMax, diag.LookaheadDistance)

	_, _, diag = c.Compute(vehicle.State{X: 20, Speed: 40}, tr, control.Memory{})
	assert.InDelta(t, 12, diag.LookaheadDistance, 1e-12)
}

func TestPurePursuit_ZeroSteeringGainHoldsStraight(t *testing.T) {
	t.Parallel()

	tr := testutil.Straight(t, 100, 1, 2, 10)
	p := control.DefaultParams()
	p.SteeringGain = 0
	p.CrossTrackGain = 0
	p.SpeedKp = 1
	p.SpeedKd = 0
	c, err := control.NewPurePursuit(p, limits(), 0.1)
	require.NoError(t, err)

	cmd, mem, diag := c.Compute(vehicle.State{Speed: 10}, tr, control.Memory{})
	assert.Equal(t, vehicle.Command{}, cmd)
	assert.Equal(t, control.Memory{SpeedError: 0, HasPrev: true}, mem)
	assert.Equal(t, 10.0, diag.TargetSpeed)
}

func TestPurePursuit_SteersTowardRaceline(t *testing.T) {
	t.Parallel()

	tr := testutil.Straight(t, 100, 1, 3, 10)
	c, err := control.NewPurePursuit(control.DefaultParams(), limits(), 0.1)
	require.NoError(t, err)

	right, _, diag := c.Compute(vehicle.State{X: 10, Y: -1, Speed: 10}, tr, control.Memory{})
	assert.Greater(t, right.Steer, 0.0, "vehicle right of the line should steer left")
	assert.InDelta(t, -1, diag.CrossTrackError, 1e-12)

	left, _, _ := c.Compute(vehicle.State{X: 10, Y: 1, Speed: 10}, tr, control.Memory{})
	assert.Less(t, left.Steer, 0.0, "vehicle left of the line should steer right")
	assert.InDelta(t, -right.Steer, left.Steer, 1e-12)
}

func TestPurePursuit_SpeedLoop(t *testing.T) {
	t.Parallel()

	tr := testutil.Straight(t, 100, 1, 3, 20)
	p := control.DefaultParams()
	p.SpeedKp = 0.1
	p.SpeedKd = 0.01
	c, err := control.NewPurePursuit(p, limits(), 0.1)
	require.NoError(t, err)

	// First step: proportional only.
	cmd, mem, _ := c.Compute(vehicle.State{X: 10, Speed: 15}, tr, control.Memory{})
	assert.InDelta(t, 0.5, cmd.Throttle, 1e-12)
	assert.Equal(t, 5.0, mem.SpeedError)

	// Second step: error shrank by 1 m/s over 0.1 s.
	cmd, mem, _ = c.Compute(vehicle.State{X: 11, Speed: 16}, tr, mem)
	assert.InDelta(t, 0.4+0.01*(-1/0.1), cmd.Throttle, 1e-12)
	assert.Equal(t, 4.0, mem.SpeedError)

	// Saturates at full brake.
	cmd, _, _ = c.Compute(vehicle.State{X: 11, Speed: 80}, tr, control.Memory{})
	assert.Equal(t, -1.0, cmd.Throttle)
}

func TestPurePursuit_CurvatureCapsSpeed(t *testing.T) {
	t.Parallel()

	tr := testutil.Circle(t, 40, 120, 5, 50)
	p := control.DefaultParams()
	p.LateralAccelLimit = 10
	c, err := control.NewPurePursuit(p, limits(), 0.1)
	require.NoError(t, err)

	start := tr.Start()
	_, _, diag := c.Compute(vehicle.State{X: start.X, Y: start.Y, Heading: math.Pi / 2, Speed: 10}, tr, control.Memory{})
	assert.InDelta(t, 20, diag.TargetSpeed, 1e-6)

	p.LateralAccelLimit = 0
	c, err = control.NewPurePursuit(p, limits(), 0.1)
	require.NoError(t, err)
	_, _, diag = c.Compute(vehicle.State{X: start.X, Y: start.Y, Heading: math.Pi / 2, Speed: 10}, tr, control.Memory{})
	assert.InDelta(t, 50, diag.TargetSpeed, 1e-9)
}

func TestPurePursuit_LookaheadWrapsOnClosedTrack(t *testing.T) {
	t.Parallel()

	tr := testutil.Circle(t, 50, 100, 5, 15)
	c, err := control.NewPurePursuit(control.DefaultParams(), limits(), 0.1)
	require.NoError(t, err)

	end := tr.PointAt(tr.Length() - 0.5)
	heading := tr.Heading(tr.Length() - 0.5)
	_, _, diag := c.Compute(vehicle.State{X: end.X, Y: end.Y, Heading: heading, Speed: 10}, tr, control.Memory{})
	assert.Less(t, diag.Target.S, diag.LookaheadDistance)
	assert.InDelta(t, diag.LookaheadDistance-0.5, diag.Target.S, 1e-6)
}

func TestStanley_CorrectsOffset(t *testing.T) {
	t.Parallel()

	tr := testutil.Straight(t, 100, 1, 3, 10)
	c, err := control.NewStanley(control.DefaultParams(), limits(), 0.1)
	require.NoError(t, err)

	cmd, _, diag := c.Compute(vehicle.State{X: 10, Y: 1, Speed: 10}, tr, control.Memory{})
	assert.Less(t, cmd.Steer, 0.0)
	assert.InDelta(t, 0, diag.HeadingError, 1e-12)

	cmd, _, diag = c.Compute(vehicle.State{X: 10, Heading: 0.2, Speed: 10}, tr, control.Memory{})
	assert.Less(t, cmd.Steer, 0.0)
	assert.InDelta(t, -0.2, diag.HeadingError, 1e-12)
}

func TestCommandsWithinLimits(t *testing.T) {
	t.Parallel()

	tr := testutil.Oval(t, 150, 40, 2, 6, 45)
	lim := limits()
	reg := control.DefaultRegistry()
	rng := rand.New(rand.NewSource(7))

	aggressive := control.DefaultParams()
	aggressive.SteeringGain = 20
	aggressive.CrossTrackGain = 10
	aggressive.SpeedKp = 50
	aggressive.SpeedKd = 50

	for _, name := range reg.Names() {
		c, err := reg.New(name, aggressive, lim, 0.05)
		require.NoError(t, err)
		mem := control.Memory{}
		for i := 0; i < 500; i++ {
			s := vehicle.State{
				X:       rng.Float64()*300 - 50,
				Y:       rng.Float64()*120 - 60,
				Heading: rng.Float64()*2*math.Pi - math.Pi,
				Speed:   rng.Float64() * lim.MaxSpeed,
			}
			var cmd vehicle.Command
			cmd, mem, _ = c.Compute(s, tr, mem)
			require.LessOrEqualf(t, math.Abs(cmd.Steer), lim.MaxSteer, "%s steer out of range", name)
			require.LessOrEqualf(t, math.Abs(cmd.Throttle), 1.0, "%s throttle out of range", name)
		}
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := control.DefaultRegistry()
	assert.Equal(t, []string{control.PurePursuitName, control.StanleyName}, reg.Names())

	c, err := reg.New("", control.DefaultParams(), limits(), 0.1)
	require.NoError(t, err)
	assert.IsType(t, &control.PurePursuit{}, c)

	_, err = reg.New("mpc", control.DefaultParams(), limits(), 0.1)
	assert.ErrorIs(t, err, control.ErrInvalidParameters)

	def, ok := reg.Get(control.StanleyName)
	require.True(t, ok)
	assert.NotEmpty(t, def.Description)
}
