// Package idle detects user inactivity and drives autonomous idle behavior:
// random idle expressions, random look-around, and suspension of attention
// following while nobody is interacting.
package idle

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexexpression/internal/channel"
	"github.com/normanking/cortexexpression/internal/compose"
	"github.com/normanking/cortexexpression/internal/priority"
	"github.com/normanking/cortexexpression/internal/sched"
)

const (
	DefaultCheckInterval = time.Second

	// ActiveEpsilon is the level above which a composed channel counts as an
	// active expression.
	ActiveEpsilon = 0.1
)

// Composer is the slice of the composition engine the machine needs.
type Composer interface {
	SetEmotional(name string, intensity float64) error
	Compose() *compose.Frame
	ApplyToAvatar(sink compose.Sink) error
}

// AttentionTarget is the attention-following capability.
type AttentionTarget interface {
	SetLookAtTarget(target mgl32.Vec3) error
	ClearLookAtTarget()
	Enable()
	Disable()
	IsEnabled() bool
}

// IdleLookTarget is an optional AttentionTarget capability for glances that
// must land while attention follow is disabled. Look-around prefers it.
type IdleLookTarget interface {
	SetIdleLookTarget(target mgl32.Vec3) error
	ClearIdleLookTarget()
}

// Observer receives state machine events, typically a metrics collector.
type Observer interface {
	IdleChanged(idle bool)
	IdleExpression(name string)
	LookAround()
	RuntimeFailure(op string)
}

// Options wires a Machine. Composer and Clock are required.
type Options struct {
	Composer  Composer
	Attention AttentionTarget
	// Sink, when set, is pushed after every idle expression and is queried
	// for the expressions it supports.
	Sink          compose.Sink
	Clock         sched.Scheduler
	Windows       *priority.Windows
	Rand          *rand.Rand
	CheckInterval time.Duration
	Observer      Observer
	Logger        zerolog.Logger
}

// Status is a point-in-time summary.
type Status struct {
	Idle                   bool      `json:"idle"`
	Running                bool      `json:"running"`
	HasActiveExpression    bool      `json:"hasActiveExpression"`
	ManualOverrideActive   bool      `json:"manualOverrideActive"`
	AttentionFollowAllowed bool      `json:"attentionFollowAllowed"`
	LastActivity           time.Time `json:"lastActivity"`
	LastIdleExpression     string    `json:"lastIdleExpression"`
}

// Machine is the idle/attention state machine.
type Machine struct {
	mu sync.Mutex

	cfg       Config
	composer  Composer
	attention AttentionTarget
	sink      compose.Sink
	clock     sched.Scheduler
	windows   *priority.Windows
	rng       *rand.Rand
	checkInt  time.Duration
	observer  Observer
	logger    zerolog.Logger

	running      bool
	gen          uint64
	timers       []sched.Timer
	lookTimer    sched.Timer
	idle         bool
	suspended    bool
	lookAround   bool // attention target currently set by look-around
	hasActivity  bool
	lastActivity time.Time
	lastIdleExpr string

	handlers []func(*RuntimeError)
	pending  []*RuntimeError
}

// New validates cfg and creates a stopped machine.
func New(cfg Config, opts Options) (*Machine, error) {
	if opts.Composer == nil || opts.Clock == nil {
		return nil, fmt.Errorf("idle: composer and clock are required")
	}
	cfg = cfg.WithTuningDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Windows == nil {
		opts.Windows = priority.NewWindows()
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	return &Machine{
		cfg:       cfg,
		composer:  opts.Composer,
		attention: opts.Attention,
		sink:      opts.Sink,
		clock:     opts.Clock,
		windows:   opts.Windows,
		rng:       opts.Rand,
		checkInt:  opts.CheckInterval,
		observer:  opts.Observer,
		logger:    opts.Logger.With().Str("component", "idle").Logger(),
		idle:      true,
	}, nil
}

// OnError registers a handler for runtime failures. Handlers run outside the
// machine's lock.
func (m *Machine) OnError(fn func(*RuntimeError)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// Config returns a copy of the active configuration.
func (m *Machine) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cfg
	c.Expressions = append([]string(nil), c.Expressions...)
	return c
}

// Windows returns the override window tracker shared with producers.
func (m *Machine) Windows() *priority.Windows {
	return m.windows
}

// IsIdle is true when no activity was ever recorded, or when idle behavior is
// enabled and the last activity is older than the idle timeout.
func (m *Machine) IsIdle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isIdleLocked(m.clock.Now())
}

func (m *Machine) isIdleLocked(now time.Time) bool {
	if !m.hasActivity {
		return true
	}
	return m.cfg.Enabled && now.Sub(m.lastActivity) > m.cfg.IdleTimeout
}

// RecordChatActivity marks conversational activity at the given time. A zero
// time means now.
func (m *Machine) RecordChatActivity(at time.Time) {
	m.do(func() {
		if at.IsZero() {
			at = m.clock.Now()
		}
		m.recordActivityLocked(at, "chat")
	})
}

// RecordInteractionActivity marks a user interaction (pointer, keyboard,
// touch) now.
func (m *Machine) RecordInteractionActivity(kind string) {
	m.do(func() {
		m.recordActivityLocked(m.clock.Now(), kind)
	})
}

func (m *Machine) recordActivityLocked(at time.Time, kind string) {
	if !m.hasActivity || at.After(m.lastActivity) {
		m.lastActivity = at
	}
	m.hasActivity = true

	if m.lookAround && m.attention != nil {
		m.safe(OpMoveAttention, func() error {
			if il, ok := m.attention.(IdleLookTarget); ok {
				il.ClearIdleLookTarget()
			} else {
				m.attention.ClearLookAtTarget()
			}
			return nil
		})
		m.lookAround = false
	}
	if m.cfg.DisableAttentionWhenIdle && m.attention != nil {
		m.safe(OpToggleAttention, func() error {
			m.attention.Enable()
			return nil
		})
		m.suspended = false
	}
	m.setIdleLocked(m.isIdleLocked(m.clock.Now()))
	m.logger.Debug().Str("kind", kind).Msg("Activity recorded")
}

// RecordManualExpressionOverride opens the manual override window now.
func (m *Machine) RecordManualExpressionOverride() {
	m.RecordOverride(priority.SourceManual, channel.Emotional)
}

// RecordChatResponseExpression opens the conversational override window now.
func (m *Machine) RecordChatResponseExpression() {
	m.RecordOverride(priority.SourceConversational, channel.Emotional)
}

// RecordOverride opens the window of source on category now.
func (m *Machine) RecordOverride(source priority.Source, category channel.Category) {
	m.windows.Open(source, category, m.clock.Now())
}

// CanApplyIdleExpression is false while an override window blocks idle
// writes to the emotional category.
func (m *Machine) CanApplyIdleExpression() bool {
	now := m.clock.Now()
	level := priority.ComputePriority("", priority.SourceIdle)
	return !m.windows.Blocks(level, channel.Emotional, now)
}

// Start evaluates the idle state once and arms the timers. Idempotent.
func (m *Machine) Start() {
	m.do(func() {
		if m.running {
			return
		}
		m.running = true
		m.evaluateLocked()
		m.armLocked()
		m.logger.Info().
			Bool("enabled", m.cfg.Enabled).
			Bool("idle", m.idle).
			Msg("Idle state machine started")
	})
}

// Stop cancels every timer. No idle write happens after Stop returns.
// Idempotent.
func (m *Machine) Stop() {
	m.do(func() {
		if !m.running {
			return
		}
		m.running = false
		m.cancelLocked()
		m.logger.Info().Msg("Idle state machine stopped")
	})
}

// Running reports whether the timers are armed.
func (m *Machine) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// UpdateConfiguration replaces the configuration wholesale. An invalid
// configuration is rejected and the previous one retained. Timers are
// re-armed while running.
func (m *Machine) UpdateConfiguration(cfg Config) error {
	cfg = cfg.WithTuningDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.do(func() {
		m.cfg = cfg
		if m.running {
			m.cancelLocked()
			m.evaluateLocked()
			m.armLocked()
		}
		m.logger.Info().
			Bool("enabled", cfg.Enabled).
			Dur("idle_timeout", cfg.IdleTimeout).
			Dur("expression_interval", cfg.ExpressionInterval).
			Msg("Idle configuration updated")
	})
	return nil
}

// Status summarizes the current state.
func (m *Machine) Status() Status {
	var st Status
	m.do(func() {
		now := m.clock.Now()
		st = Status{
			Idle:                 m.isIdleLocked(now),
			Running:              m.running,
			HasActiveExpression:  m.hasActiveExpressionLocked(),
			ManualOverrideActive: m.windows.Active(priority.SourceManual, now),
			LastActivity:         m.lastActivity,
			LastIdleExpression:   m.lastIdleExpr,
		}
		st.AttentionFollowAllowed = !m.suspended
		if m.attention != nil {
			m.safe(OpQueryAvatar, func() error {
				st.AttentionFollowAllowed = st.AttentionFollowAllowed && m.attention.IsEnabled()
				return nil
			})
		}
	})
	return st
}

func (m *Machine) hasActiveExpressionLocked() bool {
	var active bool
	m.safe(OpQueryAvatar, func() error {
		frame := m.composer.Compose()
		if frame == nil {
			return nil
		}
		for name, v := range frame.BlendShapes {
			if v > ActiveEpsilon && !channel.IsBlink(name) {
				active = true
				return nil
			}
		}
		return nil
	})
	return active
}

func (m *Machine) armLocked() {
	if !m.cfg.Enabled {
		return
	}
	gen := m.gen
	m.timers = append(m.timers,
		m.clock.Every(m.checkInt, m.guard(gen, m.evaluateLocked)),
		m.clock.Every(m.cfg.ExpressionInterval, m.guard(gen, m.expressionTickLocked)),
	)
	if m.cfg.RandomLookAround {
		m.armLookAroundLocked(gen)
	}
}

func (m *Machine) armLookAroundLocked(gen uint64) {
	m.lookTimer = m.clock.After(m.lookAroundDelayLocked(), m.guard(gen, func() {
		m.lookAroundTickLocked()
		m.armLookAroundLocked(gen)
	}))
}

func (m *Machine) cancelLocked() {
	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = nil
	if m.lookTimer != nil {
		m.lookTimer.Stop()
		m.lookTimer = nil
	}
	m.gen++
}

// guard wraps a locked tick so it runs under the machine lock and only for
// the timer generation that armed it.
func (m *Machine) guard(gen uint64, fn func()) func() {
	return func() {
		m.do(func() {
			if !m.running || m.gen != gen {
				return
			}
			fn()
		})
	}
}

// evaluateLocked applies idle/active transitions and attention suspension.
// Attention is disabled once per transition into idle.
func (m *Machine) evaluateLocked() {
	idle := m.isIdleLocked(m.clock.Now())
	m.setIdleLocked(idle)

	if m.attention == nil {
		return
	}
	switch {
	case m.cfg.DisableAttentionWhenIdle && idle && !m.suspended:
		m.safe(OpToggleAttention, func() error {
			m.attention.Disable()
			return nil
		})
		m.suspended = true
		m.logger.Debug().Msg("Attention follow suspended")
	case m.suspended && (!idle || !m.cfg.DisableAttentionWhenIdle):
		m.safe(OpToggleAttention, func() error {
			m.attention.Enable()
			return nil
		})
		m.suspended = false
		m.logger.Debug().Msg("Attention follow resumed")
	}
}

func (m *Machine) setIdleLocked(idle bool) {
	if idle == m.idle {
		return
	}
	m.idle = idle
	m.logger.Info().Bool("idle", idle).Msg("Idle state changed")
	if m.observer != nil {
		m.observer.IdleChanged(idle)
	}
}

func (m *Machine) expressionTickLocked() {
	if !m.isIdleLocked(m.clock.Now()) || !m.CanApplyIdleExpression() {
		return
	}
	candidates := m.supportedLocked(m.cfg.Expressions)
	if len(candidates) == 0 {
		return
	}
	name := candidates[m.rng.Intn(len(candidates))]
	intensity := m.cfg.IntensityMin + m.rng.Float64()*(m.cfg.IntensityMax-m.cfg.IntensityMin)

	ok := m.safe(OpApplyExpression, func() error {
		if m.lastIdleExpr != "" && m.lastIdleExpr != name {
			if err := m.composer.SetEmotional(m.lastIdleExpr, 0); err != nil {
				return err
			}
		}
		return m.composer.SetEmotional(name, intensity)
	})
	if !ok {
		return
	}
	m.lastIdleExpr = name
	if m.observer != nil {
		m.observer.IdleExpression(name)
	}
	m.logger.Debug().Str("expression", name).Float64("intensity", intensity).Msg("Idle expression applied")

	if m.sink != nil {
		m.safe(OpApplyExpression, func() error {
			return m.composer.ApplyToAvatar(m.sink)
		})
	}
}

// supportedLocked filters names by the sink's capability. Without a sink all
// names pass.
func (m *Machine) supportedLocked(names []string) []string {
	if m.sink == nil {
		return names
	}
	var out []string
	m.safe(OpQueryAvatar, func() error {
		for _, n := range names {
			if m.sink.HasChannel(n) {
				out = append(out, n)
			}
		}
		return nil
	})
	return out
}

func (m *Machine) lookAroundTickLocked() {
	if m.attention == nil || !m.isIdleLocked(m.clock.Now()) {
		return
	}
	ext := m.cfg.LookAroundExtent
	target := mgl32.Vec3{
		float32(m.uniform(-ext.X, ext.X)),
		float32(m.uniform(-ext.Y, ext.Y)),
		float32(m.uniform(-ext.Z, ext.Z)),
	}
	set := m.attention.SetLookAtTarget
	if il, ok := m.attention.(IdleLookTarget); ok {
		set = il.SetIdleLookTarget
	}
	if m.safe(OpMoveAttention, func() error { return set(target) }) {
		m.lookAround = true
		if m.observer != nil {
			m.observer.LookAround()
		}
	}
}

func (m *Machine) lookAroundDelayLocked() time.Duration {
	span := m.cfg.LookAroundMax - m.cfg.LookAroundMin
	if span <= 0 {
		return m.cfg.LookAroundMin
	}
	return m.cfg.LookAroundMin + time.Duration(m.rng.Int63n(int64(span)+1))
}

func (m *Machine) uniform(lo, hi float64) float64 {
	return lo + m.rng.Float64()*(hi-lo)
}

// safe runs fn, converting returned errors and panics into queued
// RuntimeErrors. It reports whether fn succeeded.
func (m *Machine) safe(op string, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.failLocked(op, fmt.Errorf("panic: %v", r))
			ok = false
		}
	}()
	if err := fn(); err != nil {
		m.failLocked(op, err)
		return false
	}
	return true
}

func (m *Machine) failLocked(op string, err error) {
	rerr := &RuntimeError{Op: op, Err: err}
	m.logger.Warn().Err(err).Str("op", op).Msg("Idle runtime failure")
	if m.observer != nil {
		m.observer.RuntimeFailure(op)
	}
	m.pending = append(m.pending, rerr)
}

// do runs fn under the lock, then delivers queued runtime errors outside it.
func (m *Machine) do(fn func()) {
	errs, handlers := func() ([]*RuntimeError, []func(*RuntimeError)) {
		m.mu.Lock()
		defer m.mu.Unlock()
		fn()
		errs := m.pending
		m.pending = nil
		return errs, m.handlers
	}()
	for _, e := range errs {
		for _, h := range handlers {
			h(e)
		}
	}
}
