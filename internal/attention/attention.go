// Package attention aims the avatar's eyes at a look-at target.
//
// Targets are points in viewer space. The head sits at Origin, by default two
// units behind the viewer plane, looking down +Z. The look direction is
// smoothed toward the target every Update and never deflects more than
// MaxDeflection from forward.
package attention

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxDeflection float32 = 30 // degrees
	DefaultSmoothing     float32 = 8
)

// DefaultOrigin is the head position in viewer space.
var DefaultOrigin = mgl32.Vec3{0, 0, -2}

// Forward is the rest look direction.
var Forward = mgl32.Vec3{0, 0, 1}

// Gaze channel names written by ApplyGaze.
const (
	LookLeft  = "lookLeft"
	LookRight = "lookRight"
	LookUp    = "lookUp"
	LookDown  = "lookDown"
)

// ErrInvalidTarget is returned for targets with NaN or infinite components.
var ErrInvalidTarget = errors.New("invalid look-at target")

// GazeWriter receives the gaze channels.
type GazeWriter interface {
	SetGaze(name string, intensity float64) error
}

// Options configures a Controller. Zero values take the defaults.
type Options struct {
	Origin mgl32.Vec3
	// MaxDeflection in degrees.
	MaxDeflection float32
	// Smoothing is the exponential approach rate per second.
	Smoothing float32
	Logger    zerolog.Logger
}

// Controller follows a look-at target.
type Controller struct {
	mu sync.Mutex

	origin    mgl32.Vec3
	maxDefl   float32 // radians
	smoothing float32

	enabled   bool
	hasTarget bool
	target    mgl32.Vec3
	current   mgl32.Vec3

	// Autonomous idle glance, honored even while follow is disabled.
	hasIdle bool
	idle    mgl32.Vec3

	logger zerolog.Logger
}

// New creates an enabled controller looking forward.
func New(opts Options) *Controller {
	if opts.MaxDeflection <= 0 || opts.MaxDeflection > 180 {
		opts.MaxDeflection = DefaultMaxDeflection
	}
	if opts.Smoothing <= 0 {
		opts.Smoothing = DefaultSmoothing
	}
	if opts.Origin == (mgl32.Vec3{}) {
		opts.Origin = DefaultOrigin
	}
	return &Controller{
		origin:    opts.Origin,
		maxDefl:   mgl32.DegToRad(opts.MaxDeflection),
		smoothing: opts.Smoothing,
		enabled:   true,
		current:   Forward,
		logger:    opts.Logger.With().Str("component", "attention").Logger(),
	}
}

func validTarget(target mgl32.Vec3) error {
	for _, v := range target {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: %v", ErrInvalidTarget, target)
		}
	}
	return nil
}

func (c *Controller) SetLookAtTarget(target mgl32.Vec3) error {
	if err := validTarget(target); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = target
	c.hasTarget = true
	return nil
}

func (c *Controller) ClearLookAtTarget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasTarget = false
}

// SetIdleLookTarget sets the idle glance target. It is followed whether or
// not attention follow is enabled, but an external target wins while
// follow is enabled.
func (c *Controller) SetIdleLookTarget(target mgl32.Vec3) error {
	if err := validTarget(target); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idle = target
	c.hasIdle = true
	return nil
}

func (c *Controller) ClearIdleLookTarget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasIdle = false
}

// Target returns the current target, if any.
func (c *Controller) Target() (mgl32.Vec3, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target, c.hasTarget
}

func (c *Controller) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		c.enabled = true
		c.logger.Debug().Msg("Attention follow enabled")
	}
}

// Disable stops following; the eyes relax toward forward on later updates.
func (c *Controller) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		c.enabled = false
		c.logger.Debug().Msg("Attention follow disabled")
	}
}

func (c *Controller) IsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Update advances smoothing by dt seconds and returns the look direction.
func (c *Controller) Update(dt float32) mgl32.Vec3 {
	c.mu.Lock()
	defer c.mu.Unlock()

	desired := Forward
	switch {
	case c.enabled && c.hasTarget:
		desired = c.clampLocked(c.target.Sub(c.origin))
	case c.hasIdle:
		desired = c.clampLocked(c.idle.Sub(c.origin))
	}
	if dt <= 0 {
		return c.current
	}

	f := 1 - float32(math.Exp(float64(-c.smoothing*dt)))
	next := c.current.Add(desired.Sub(c.current).Mul(f))
	if next.Len() < 1e-6 {
		next = desired
	}
	c.current = c.clampLocked(next)
	return c.current
}

// Direction returns the current unit look direction.
func (c *Controller) Direction() mgl32.Vec3 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Deflection returns the current angle from forward in degrees.
func (c *Controller) Deflection() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return mgl32.RadToDeg(angle(Forward, c.current))
}

// clampLocked normalizes d and limits it to the deflection cone.
func (c *Controller) clampLocked(d mgl32.Vec3) mgl32.Vec3 {
	if d.Len() < 1e-6 {
		return Forward
	}
	d = d.Normalize()
	if angle(Forward, d) <= c.maxDefl {
		return d
	}
	axis := Forward.Cross(d)
	if axis.Len() < 1e-6 {
		// Directly behind; turn about the vertical axis.
		axis = mgl32.Vec3{0, 1, 0}
	}
	return mgl32.QuatRotate(c.maxDefl, axis.Normalize()).Rotate(Forward).Normalize()
}

// ApplyGaze writes the four gaze channels. Yaw and pitch are normalized by
// the max deflection, so a fully deflected look reads 1. Positive X is
// lookRight, positive Y is lookUp.
func (c *Controller) ApplyGaze(w GazeWriter) error {
	if w == nil {
		return nil
	}
	c.mu.Lock()
	dir := c.current
	maxDefl := c.maxDefl
	c.mu.Unlock()

	yaw := float32(math.Atan2(float64(dir.X()), float64(dir.Z())))
	pitch := float32(math.Asin(float64(mgl32.Clamp(dir.Y(), -1, 1))))
	x := mgl32.Clamp(yaw/maxDefl, -1, 1)
	y := mgl32.Clamp(pitch/maxDefl, -1, 1)

	var errs []error
	set := func(name string, v float32) {
		if err := w.SetGaze(name, float64(v)); err != nil {
			errs = append(errs, fmt.Errorf("gaze %s: %w", name, err))
		}
	}
	set(LookRight, max(x, 0))
	set(LookLeft, max(-x, 0))
	set(LookUp, max(y, 0))
	set(LookDown, max(-y, 0))
	return errors.Join(errs...)
}

func angle(a, b mgl32.Vec3) float32 {
	return float32(math.Acos(float64(mgl32.Clamp(a.Dot(b), -1, 1))))
}
