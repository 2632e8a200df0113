// Package lipsync cycles mouth shapes into the MOUTH category while the
// avatar is speaking.
package lipsync

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexexpression/internal/channel"
	"github.com/normanking/cortexexpression/internal/sched"
)

// State of the driver.
type State int

const (
	Disabled State = iota
	Enabled
	Cycling
	Paused
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Enabled:
		return "enabled"
	case Cycling:
		return "cycling"
	case Paused:
		return "paused"
	}
	return "unknown"
}

const (
	DefaultPeriod         = 150 * time.Millisecond
	DefaultIntensity      = 0.8
	DefaultPauseIntensity = 0.3

	// Neutral is the resting mouth shape written on pause and stop.
	Neutral = "neutral"
)

// DefaultSequence is the cycled vowel set.
var DefaultSequence = []string{"aa", "ih", "ou", "ee", "oh"}

// MouthWriter is the slice of the composition engine the driver needs.
type MouthWriter interface {
	SetMouth(name string, intensity float64) error
	ClearCategory(cat channel.Category) error
}

// Options configures a Driver. Zero values take the defaults.
type Options struct {
	Period         time.Duration
	Intensity      float64
	PauseIntensity float64
	Sequence       []string
	Logger         zerolog.Logger
	// OnTick is called after every shape written by the driver.
	OnTick func(shape string)
	// OnError receives write failures; they never stop the driver.
	OnError func(error)
}

// Driver writes only MOUTH channels; emotional, eye and gaze entries are
// never touched.
type Driver struct {
	mu sync.Mutex

	w     MouthWriter
	clock sched.Scheduler

	state  State
	index  int
	gen    uint64
	timers []sched.Timer

	period         time.Duration
	intensity      float64
	pauseIntensity float64
	sequence       []string
	logger         zerolog.Logger
	onTick         func(string)
	onError        func(error)
}

// New creates a disabled driver.
func New(w MouthWriter, clock sched.Scheduler, opts Options) *Driver {
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.Intensity <= 0 || opts.Intensity > 1 {
		opts.Intensity = DefaultIntensity
	}
	if opts.PauseIntensity <= 0 || opts.PauseIntensity > 1 {
		opts.PauseIntensity = DefaultPauseIntensity
	}
	if len(opts.Sequence) == 0 {
		opts.Sequence = DefaultSequence
	}
	return &Driver{
		w:              w,
		clock:          clock,
		state:          Disabled,
		period:         opts.Period,
		intensity:      opts.Intensity,
		pauseIntensity: opts.PauseIntensity,
		sequence:       append([]string(nil), opts.Sequence...),
		logger:         opts.Logger.With().Str("component", "lipsync").Logger(),
		onTick:         opts.OnTick,
		onError:        opts.OnError,
	}
}

// State returns the current state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// IsSpeaking reports whether shapes are being cycled.
func (d *Driver) IsSpeaking() bool {
	return d.State() == Cycling
}

// Sequence returns the cycled shape names.
func (d *Driver) Sequence() []string {
	return append([]string(nil), d.sequence...)
}

// Enable makes the driver startable. It does not touch the composition.
func (d *Driver) Enable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Disabled {
		d.state = Enabled
		d.logger.Debug().Msg("Lip-sync enabled")
	}
}

// Disable stops any cycle and makes Start a no-op.
func (d *Driver) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Disabled {
		return
	}
	d.stopLocked()
	d.state = Disabled
	d.logger.Debug().Msg("Lip-sync disabled")
}

// Start begins cycling from the first shape. No-op while disabled.
func (d *Driver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Disabled {
		return
	}

	gen := d.cancelLocked()
	d.state = Cycling
	d.index = 0
	d.writeShapeLocked(d.sequence[0], d.intensity, true)

	d.timers = append(d.timers, d.clock.Every(d.period, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.gen != gen {
			return
		}
		d.index = (d.index + 1) % len(d.sequence)
		d.writeShapeLocked(d.sequence[d.index], d.intensity, false)
	}))
}

// Pause halts cycling and rests the mouth on a slightly open neutral shape.
// It is a no-op unless the driver is cycling.
func (d *Driver) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Cycling {
		return
	}
	d.cancelLocked()
	d.report(d.w.ClearCategory(channel.Mouth))
	d.report(d.w.SetMouth(Neutral, d.pauseIntensity))
	d.state = Paused
}

// Stop halts cycling and closes the mouth. The driver stays enabled.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Disabled {
		return
	}
	d.stopLocked()
}

func (d *Driver) stopLocked() {
	d.cancelLocked()
	d.report(d.w.ClearCategory(channel.Mouth))
	d.report(d.w.SetMouth(Neutral, 0))
	d.state = Enabled
}

// cancelLocked stops every pending timer and returns the new generation.
func (d *Driver) cancelLocked() uint64 {
	for _, t := range d.timers {
		t.Stop()
	}
	d.timers = d.timers[:0]
	d.gen++
	return d.gen
}

// writeShapeLocked zeroes every other shape of the sequence, then writes
// shape. An empty shape closes the mouth.
func (d *Driver) writeShapeLocked(shape string, intensity float64, first bool) {
	for _, s := range d.sequence {
		if s != shape {
			d.report(d.w.SetMouth(s, 0))
		}
	}
	if first {
		d.report(d.w.SetMouth(Neutral, 0))
	}
	if shape != "" {
		d.report(d.w.SetMouth(shape, intensity))
	}
	if d.onTick != nil {
		d.onTick(shape)
	}
}

func (d *Driver) report(err error) {
	if err == nil {
		return
	}
	d.logger.Warn().Err(err).Msg("Mouth write failed")
	if d.onError != nil {
		d.onError(err)
	}
}
