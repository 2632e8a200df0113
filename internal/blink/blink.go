// Package blink closes and reopens the eyes at random intervals.
package blink

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexexpression/internal/sched"
)

const (
	DefaultMinGap   = 2 * time.Second
	DefaultMaxGap   = 5 * time.Second
	DefaultDuration = 150 * time.Millisecond

	// Channel is the EYE channel written by the blinker.
	Channel = "blink"
)

// EyeWriter is the slice of the composition engine the blinker needs.
type EyeWriter interface {
	SetEye(name string, intensity float64) error
}

// Options configures a Blinker. Zero values take the defaults.
type Options struct {
	MinGap   time.Duration
	MaxGap   time.Duration
	Duration time.Duration
	Rand     *rand.Rand
	// Suppress, when it returns true, skips the blink due now.
	Suppress func() bool
	OnBlink  func()
	OnError  func(error)
	Logger   zerolog.Logger
}

// Blinker schedules automatic blinks.
type Blinker struct {
	mu sync.Mutex

	w     EyeWriter
	clock sched.Scheduler
	rng   *rand.Rand

	minGap, maxGap time.Duration
	duration       time.Duration
	suppress       func() bool
	onBlink        func()
	onError        func(error)
	logger         zerolog.Logger

	running bool
	closed  bool
	next    sched.Timer
	reopen  sched.Timer
}

// New creates a stopped blinker.
func New(w EyeWriter, clock sched.Scheduler, opts Options) *Blinker {
	if opts.MinGap <= 0 {
		opts.MinGap = DefaultMinGap
	}
	if opts.MaxGap < opts.MinGap {
		opts.MaxGap = max(DefaultMaxGap, opts.MinGap)
	}
	if opts.Duration <= 0 {
		opts.Duration = DefaultDuration
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Blinker{
		w:        w,
		clock:    clock,
		rng:      opts.Rand,
		minGap:   opts.MinGap,
		maxGap:   opts.MaxGap,
		duration: opts.Duration,
		suppress: opts.Suppress,
		onBlink:  opts.OnBlink,
		onError:  opts.OnError,
		logger:   opts.Logger.With().Str("component", "blink").Logger(),
	}
}

// Start arms the first automatic blink. Idempotent.
func (b *Blinker) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.scheduleLocked()
}

// Stop cancels pending blinks and reopens the eyes if mid-blink. Idempotent.
func (b *Blinker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	if b.next != nil {
		b.next.Stop()
		b.next = nil
	}
	if b.closed {
		b.openLocked()
	}
}

// Running reports whether automatic blinking is armed.
func (b *Blinker) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Trigger blinks now, independent of the automatic schedule. A blink already
// in progress is left alone.
func (b *Blinker) Trigger() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

func (b *Blinker) scheduleLocked() {
	b.next = b.clock.After(b.gapLocked(), func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if !b.running {
			return
		}
		if b.suppress == nil || !b.suppress() {
			b.closeLocked()
		}
		b.scheduleLocked()
	})
}

func (b *Blinker) gapLocked() time.Duration {
	span := b.maxGap - b.minGap
	if span <= 0 {
		return b.minGap
	}
	return b.minGap + time.Duration(b.rng.Int63n(int64(span)+1))
}

func (b *Blinker) closeLocked() {
	if b.closed {
		return
	}
	if err := b.w.SetEye(Channel, 1); err != nil {
		b.report(err)
		return
	}
	b.closed = true
	if b.onBlink != nil {
		b.onBlink()
	}
	b.reopen = b.clock.After(b.duration, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			b.openLocked()
		}
	})
}

func (b *Blinker) openLocked() {
	if b.reopen != nil {
		b.reopen.Stop()
		b.reopen = nil
	}
	b.closed = false
	b.report(b.w.SetEye(Channel, 0))
}

func (b *Blinker) report(err error) {
	if err == nil {
		return
	}
	b.logger.Warn().Err(err).Msg("Blink write failed")
	if b.onError != nil {
		b.onError(err)
	}
}
