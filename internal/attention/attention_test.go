package attention

import (
	"errors"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gazeRecorder map[string]float64

func (g gazeRecorder) SetGaze(name string, v float64) error {
	g[name] = v
	return nil
}

func settle(c *Controller) mgl32.Vec3 {
	var d mgl32.Vec3
	for i := 0; i < 200; i++ {
		d = c.Update(1.0 / 60)
	}
	return d
}

func TestController_Defaults(t *testing.T) {
	c := New(Options{})
	assert.True(t, c.IsEnabled())
	assert.Equal(t, Forward, c.Direction())
	_, ok := c.Target()
	assert.False(t, ok)
}

func TestController_RejectsInvalidTarget(t *testing.T) {
	c := New(Options{})
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))

	assert.ErrorIs(t, c.SetLookAtTarget(mgl32.Vec3{nan, 0, 0}), ErrInvalidTarget)
	assert.ErrorIs(t, c.SetLookAtTarget(mgl32.Vec3{0, inf, 0}), ErrInvalidTarget)
	_, ok := c.Target()
	assert.False(t, ok)
}

func TestController_FollowsSmallOffset(t *testing.T) {
	c := New(Options{})
	require.NoError(t, c.SetLookAtTarget(mgl32.Vec3{0.2, 0, 0}))

	d := settle(c)
	want := mgl32.Vec3{0.2, 0, 2}.Normalize()
	assert.InDelta(t, want.X(), d.X(), 1e-3)
	assert.InDelta(t, want.Z(), d.Z(), 1e-3)
	assert.Less(t, c.Deflection(), DefaultMaxDeflection)
}

func TestController_SmoothsGradually(t *testing.T) {
	c := New(Options{})
	require.NoError(t, c.SetLookAtTarget(mgl32.Vec3{0.5, 0, 0}))

	first := c.Update(1.0 / 60)
	assert.Greater(t, first.X(), float32(0))
	assert.Less(t, first.X(), mgl32.Vec3{0.5, 0, 2}.Normalize().X(), "one frame does not snap")
}

func TestController_MaxDeflection(t *testing.T) {
	c := New(Options{MaxDeflection: 20})
	require.NoError(t, c.SetLookAtTarget(mgl32.Vec3{10, 0, -2}))

	settle(c)
	assert.InDelta(t, 20, c.Deflection(), 0.1)

	require.NoError(t, c.SetLookAtTarget(mgl32.Vec3{0, 0, -10}))
	settle(c)
	assert.LessOrEqual(t, c.Deflection(), float32(20.1), "target behind the head stays in the cone")
}

func TestController_DisableRelaxesToForward(t *testing.T) {
	c := New(Options{})
	require.NoError(t, c.SetLookAtTarget(mgl32.Vec3{1, 0.5, 0}))
	settle(c)
	require.Greater(t, c.Deflection(), float32(5))

	c.Disable()
	c.Disable()
	assert.False(t, c.IsEnabled())
	settle(c)
	assert.InDelta(t, 0, c.Deflection(), 0.5)

	c.Enable()
	settle(c)
	assert.Greater(t, c.Deflection(), float32(5), "target is kept across disable")

	c.ClearLookAtTarget()
	settle(c)
	assert.InDelta(t, 0, c.Deflection(), 0.5)
}

func TestController_IdleTargetWhileDisabled(t *testing.T) {
	c := New(Options{})
	c.Disable()
	require.NoError(t, c.SetIdleLookTarget(mgl32.Vec3{0.5, 0, 0}))

	d := settle(c)
	assert.InDelta(t, mgl32.Vec3{0.5, 0, 2}.Normalize().X(), d.X(), 1e-3)

	c.Enable()
	require.NoError(t, c.SetLookAtTarget(mgl32.Vec3{-0.5, 0, 0}))
	d = settle(c)
	assert.Less(t, d.X(), float32(0), "an external target wins while following")

	c.ClearLookAtTarget()
	d = settle(c)
	assert.Greater(t, d.X(), float32(0))

	c.ClearIdleLookTarget()
	settle(c)
	assert.InDelta(t, 0, c.Deflection(), 0.01)

	assert.ErrorIs(t, c.SetIdleLookTarget(mgl32.Vec3{float32(math.NaN()), 0, 0}), ErrInvalidTarget)
}

func TestController_ApplyGaze(t *testing.T) {
	c := New(Options{})
	require.NoError(t, c.SetLookAtTarget(mgl32.Vec3{-50, 50, -2}))
	settle(c)

	g := gazeRecorder{}
	require.NoError(t, c.ApplyGaze(g))
	assert.Len(t, g, 4)
	assert.Greater(t, g[LookLeft], 0.0)
	assert.Greater(t, g[LookUp], 0.0)
	assert.Zero(t, g[LookRight])
	assert.Zero(t, g[LookDown])
	for name, v := range g {
		assert.LessOrEqual(t, v, 1.0, name)
	}

	c.ClearLookAtTarget()
	settle(c)
	g = gazeRecorder{}
	require.NoError(t, c.ApplyGaze(g))
	for name, v := range g {
		assert.InDelta(t, 0, v, 0.02, name)
	}
}

type failingGaze struct{}

func (failingGaze) SetGaze(string, float64) error { return errors.New("sink gone") }

func TestController_ApplyGazeErrors(t *testing.T) {
	c := New(Options{})
	err := c.ApplyGaze(failingGaze{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), LookLeft)
	assert.NoError(t, c.ApplyGaze(nil))
}
