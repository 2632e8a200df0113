// Package session coordinates one avatar: it owns the composition engine and
// every producer writing into it, and pushes composed frames to the sink.
package session

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexexpression/internal/attention"
	"github.com/normanking/cortexexpression/internal/blink"
	"github.com/normanking/cortexexpression/internal/bus"
	"github.com/normanking/cortexexpression/internal/channel"
	"github.com/normanking/cortexexpression/internal/compose"
	"github.com/normanking/cortexexpression/internal/config"
	"github.com/normanking/cortexexpression/internal/idle"
	"github.com/normanking/cortexexpression/internal/lipsync"
	"github.com/normanking/cortexexpression/internal/metrics"
	"github.com/normanking/cortexexpression/internal/priority"
	"github.com/normanking/cortexexpression/internal/sched"
	"github.com/normanking/cortexexpression/internal/settings"
)

// ErrIntentRejected is wrapped by every *RejectedError.
var ErrIntentRejected = errors.New("intent rejected")

// Rejection reasons.
const (
	ReasonValidation = "validation"
	ReasonPriority   = "priority"
	ReasonWindow     = "window"
)

// gazeEpsilon is the smallest gaze change worth a new revision.
const gazeEpsilon = 1e-3

// RejectedError describes an intent that was not written.
type RejectedError struct {
	Channel string
	Source  priority.Source
	Reason  string
	Err     error
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("intent %q from %s rejected (%s): %v", e.Channel, e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("intent %q from %s rejected (%s)", e.Channel, e.Source, e.Reason)
}

func (e *RejectedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrIntentRejected}
	}
	return []error{ErrIntentRejected, e.Err}
}

// Options wires a Session. Only Config may be left entirely to defaults;
// a nil Clock means real time.
type Options struct {
	Config     *config.Config
	Clock      sched.Scheduler
	Sink       compose.Sink
	Classifier *channel.Classifier
	// Store persists the idle configuration. A stored configuration wins
	// over Config.Idle at startup.
	Store   settings.Store
	Bus     *bus.EventBus
	Metrics *metrics.Metrics
	Rand    *rand.Rand
	Logger  zerolog.Logger
}

// owner is the last accepted intent on a channel, holding it until expires.
type owner struct {
	intent  priority.Intent
	expires time.Time
}

// Session is one avatar's expression pipeline.
type Session struct {
	id         string
	clock      sched.Scheduler
	engine     *compose.Engine
	classifier *channel.Classifier
	windows    *priority.Windows
	lipsync    *lipsync.Driver
	idle       *idle.Machine
	attention  *attention.Controller
	blinker    *blink.Blinker
	sink       compose.Sink
	store      settings.Store
	bus        *bus.EventBus
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	lipsyncEnabled bool
	frameInterval  time.Duration

	mu         sync.Mutex
	owners     map[string]owner
	running    bool
	frameTimer sched.Timer
	pushed     bool
	pushedRev  uint64
}

// New builds a stopped session.
func New(opts Options) (*Session, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if opts.Clock == nil {
		opts.Clock = sched.NewReal()
	}
	if opts.Classifier == nil {
		opts.Classifier = channel.NewClassifier()
	}
	if opts.Bus == nil {
		opts.Bus = bus.NewEventBus()
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	s := &Session{
		id:             uuid.NewString(),
		clock:          opts.Clock,
		classifier:     opts.Classifier,
		windows:        priority.NewWindows(),
		sink:           opts.Sink,
		store:          opts.Store,
		bus:            opts.Bus,
		metrics:        opts.Metrics,
		lipsyncEnabled: cfg.LipSync.Enabled,
		frameInterval:  frameInterval(cfg.Attention.FrameRate),
		owners:         make(map[string]owner),
	}
	s.logger = opts.Logger.With().Str("session", s.id).Logger()

	var engineObserver compose.Observer
	if s.metrics != nil {
		engineObserver = s.metrics
	}
	s.engine = compose.NewEngine(compose.Options{
		EmotionalDamping: cfg.Expression.EmotionalDamping,
		BlinkClamp:       cfg.Expression.BlinkClamp,
		Logger:           s.logger,
		Observer:         engineObserver,
	})

	s.attention = attention.New(attention.Options{
		MaxDeflection: cfg.Attention.MaxDeflection,
		Smoothing:     cfg.Attention.Smoothing,
		Logger:        s.logger,
	})

	s.lipsync = lipsync.New(s.engine, s.clock, lipsync.Options{
		Period:         cfg.LipSync.Period,
		Intensity:      cfg.LipSync.Intensity,
		PauseIntensity: cfg.LipSync.PauseIntensity,
		Logger:         s.logger,
		OnTick: func(shape string) {
			if s.metrics != nil {
				s.metrics.LipSyncTick(shape)
			}
		},
		OnError: func(err error) {
			s.logger.Warn().Err(err).Msg("Lip-sync write failed")
		},
	})

	if cfg.Blink.Enabled {
		s.blinker = blink.New(s.engine, s.clock, blink.Options{
			MinGap:   cfg.Blink.MinGap,
			MaxGap:   cfg.Blink.MaxGap,
			Duration: cfg.Blink.Duration,
			Rand:     rand.New(rand.NewSource(opts.Rand.Int63())),
			Suppress: s.blinkSuppressed,
			OnBlink: func() {
				if s.metrics != nil {
					s.metrics.Blink()
				}
			},
			OnError: func(err error) {
				s.logger.Warn().Err(err).Msg("Blink write failed")
			},
			Logger: s.logger,
		})
	}

	idleCfg := cfg.Idle
	if s.store != nil {
		stored, found, err := settings.LoadIdleConfig(s.store)
		switch {
		case err != nil:
			s.logger.Warn().Err(err).Msg("Ignoring unreadable stored idle configuration")
		case found:
			if err := stored.WithTuningDefaults().Validate(); err != nil {
				s.logger.Warn().Err(err).Msg("Ignoring invalid stored idle configuration")
			} else {
				idleCfg = stored
			}
		}
	}

	machine, err := idle.New(idleCfg, idle.Options{
		Composer:  s.engine,
		Attention: s.attention,
		Sink:      s.sink,
		Clock:     s.clock,
		Windows:   s.windows,
		Rand:      rand.New(rand.NewSource(opts.Rand.Int63())),
		Observer:  &idleObserver{s: s},
		Logger:    s.logger,
	})
	if err != nil {
		return nil, err
	}
	machine.OnError(func(e *idle.RuntimeError) {
		s.logger.Warn().Err(e).Str("op", e.Op).Msg("Idle runtime failure")
	})
	s.idle = machine

	return s, nil
}

func frameInterval(rate int) time.Duration {
	if rate <= 0 {
		rate = 30
	}
	return time.Second / time.Duration(rate)
}

func (s *Session) ID() string { return s.id }
func (s *Session) Engine() *compose.Engine { return s.engine }
func (s *Session) Idle() *idle.Machine { return s.idle }
func (s *Session) Attention() *attention.Controller { return s.attention }
func (s *Session) LipSync() *lipsync.Driver { return s.lipsync }
func (s *Session) Classifier() *channel.Classifier { return s.classifier }
func (s *Session) Bus() *bus.EventBus { return s.bus }

// ApplyIntent validates and resolves one channel write and, if it wins,
// writes it into the category the channel classifies to. The current owner
// of a channel holds it for its source's override window; during that window
// only an intent that beats it in the resolver may replace it. Lower-level
// sources are also held off a category while a higher-level window on it is
// open.
func (s *Session) ApplyIntent(in priority.Intent) error {
	now := s.clock.Now()
	if in.At.IsZero() {
		in.At = now
	}
	if in.Source == "" {
		in.Source = priority.SourceManual
	}
	in.Level = priority.ComputePriority(in.Channel, in.Source)
	cat := s.classifier.Classify(in.Channel).Category
	key := strings.ToLower(strings.TrimSpace(in.Channel))

	s.mu.Lock()
	if err := s.resolveLocked(key, in, cat, now); err != nil {
		s.mu.Unlock()
		return s.rejected(err)
	}
	if err := s.engine.Set(cat, in.Channel, in.Intensity); err != nil {
		s.mu.Unlock()
		return s.rejected(&RejectedError{Channel: in.Channel, Source: in.Source, Reason: ReasonValidation, Err: err})
	}
	if w := priority.WindowFor(in.Source); w > 0 {
		s.owners[key] = owner{intent: in, expires: now.Add(w)}
	}
	s.mu.Unlock()

	switch in.Source {
	case priority.SourceManual:
		s.idle.RecordOverride(in.Source, cat)
		s.idle.RecordInteractionActivity("expression")
	case priority.SourceConversational:
		s.idle.RecordOverride(in.Source, cat)
		s.idle.RecordChatActivity(in.At)
	case priority.SourceSystem:
		s.idle.RecordOverride(in.Source, cat)
	}

	if s.metrics != nil {
		s.metrics.IntentApplied(string(in.Source), string(cat))
	}
	s.publish(bus.EventTypeIntentApplied, map[string]any{
		"channel":   in.Channel,
		"intensity": in.Intensity,
		"source":    string(in.Source),
		"level":     in.Level.String(),
		"category":  string(cat),
	})
	return nil
}

func (s *Session) resolveLocked(key string, in priority.Intent, cat channel.Category, now time.Time) *RejectedError {
	if o, ok := s.owners[key]; ok {
		if !now.Before(o.expires) {
			delete(s.owners, key)
		} else if winner, err := priority.ResolveConflict([]priority.Intent{o.intent, in}); err != nil || winner != in {
			return &RejectedError{Channel: in.Channel, Source: in.Source, Reason: ReasonPriority}
		}
	}
	// windows compare source levels, so a demoted blink does not trip its own
	// source's window
	srcLevel := priority.ComputePriority("", in.Source)
	if srcLevel < priority.Critical && s.windows.Blocks(srcLevel+1, cat, now) {
		return &RejectedError{Channel: in.Channel, Source: in.Source, Reason: ReasonWindow}
	}
	return nil
}

func (s *Session) rejected(err *RejectedError) error {
	if s.metrics != nil {
		s.metrics.IntentRejected(string(err.Source), err.Reason)
	}
	s.logger.Debug().Err(err).Msg("Intent rejected")
	s.publish(bus.EventTypeIntentRejected, map[string]any{
		"channel": err.Channel,
		"source":  string(err.Source),
		"reason":  err.Reason,
	})
	return err
}

// blinkSuppressed is true while a deliberate intent owns the blink channel.
func (s *Session) blinkSuppressed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.owners[blink.Channel]
	return ok && s.clock.Now().Before(o.expires)
}

// StartSpeaking starts the mouth cycle and counts as chat activity.
func (s *Session) StartSpeaking() {
	if s.lipsyncEnabled {
		s.lipsync.Enable()
		s.lipsync.Start()
	}
	s.idle.RecordChatActivity(time.Time{})
	s.publish(bus.EventTypeSpeakingStarted, nil)
}

// PauseSpeaking leaves the mouth slightly open.
func (s *Session) PauseSpeaking() {
	s.lipsync.Pause()
	if s.lipsync.State() != lipsync.Paused {
		return
	}
	s.publish(bus.EventTypeSpeakingPaused, nil)
}

// StopSpeaking closes the mouth.
func (s *Session) StopSpeaking() {
	s.lipsync.Stop()
	s.publish(bus.EventTypeSpeakingStopped, nil)
}

// PlayTimeline drives the mouth from a timed viseme track.
func (s *Session) PlayTimeline(tl lipsync.Timeline) {
	if !s.lipsyncEnabled {
		return
	}
	s.lipsync.Enable()
	s.lipsync.PlayTimeline(tl)
	s.idle.RecordChatActivity(time.Time{})
	s.publish(bus.EventTypeSpeakingStarted, map[string]any{
		"events":   len(tl.Events),
		"duration": tl.Duration.String(),
	})
}

// LookAt points attention at target. A look-at request means someone is
// present, so it also counts as interaction.
func (s *Session) LookAt(target mgl32.Vec3) error {
	for _, v := range target {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: %v", attention.ErrInvalidTarget, target)
		}
	}
	s.idle.RecordInteractionActivity("gaze")
	if err := s.attention.SetLookAtTarget(target); err != nil {
		return err
	}
	s.publish(bus.EventTypeLookAt, map[string]any{
		"x": target.X(), "y": target.Y(), "z": target.Z(),
	})
	return nil
}

// ClearLookAt relaxes attention to forward.
func (s *Session) ClearLookAt() {
	s.attention.ClearLookAtTarget()
}

// Start arms the frame tick, the idle machine and the blinker. Idempotent.
func (s *Session) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.frameTimer = s.clock.Every(s.frameInterval, s.tick)
	s.mu.Unlock()

	s.idle.Start()
	if s.blinker != nil {
		s.blinker.Start()
	}
	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
	}
	s.logger.Info().Dur("frame_interval", s.frameInterval).Msg("Session started")
}

// Stop cancels every timer the session owns. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	if s.frameTimer != nil {
		s.frameTimer.Stop()
		s.frameTimer = nil
	}
	s.mu.Unlock()

	s.lipsync.Stop()
	s.lipsync.Disable()
	if s.blinker != nil {
		s.blinker.Stop()
	}
	s.idle.Stop()
	if s.metrics != nil {
		s.metrics.ActiveSessions.Dec()
	}
	s.logger.Info().Msg("Session stopped")
}

func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Session) tick() {
	s.attention.Update(float32(s.frameInterval.Seconds()))
	if err := s.attention.ApplyGaze(gazeWriter{s.engine}); err != nil {
		s.logger.Warn().Err(err).Msg("Gaze write failed")
	}
	s.PushFrame()
}

// PushFrame sends the composed frame to the sink when the revision moved
// since the last push.
func (s *Session) PushFrame() {
	rev := s.engine.Revision()
	s.mu.Lock()
	if s.pushed && rev == s.pushedRev {
		s.mu.Unlock()
		return
	}
	s.pushed = true
	s.pushedRev = rev
	s.mu.Unlock()

	if s.sink == nil {
		return
	}
	start := time.Now()
	err := s.engine.ApplyToAvatar(s.sink)
	if s.metrics != nil {
		s.metrics.ObserveFrame(time.Since(start))
	}
	if err != nil {
		s.logger.Warn().Err(err).Uint64("revision", rev).Msg("Frame partially applied")
		s.publish(bus.EventTypeSinkError, map[string]any{"revision": rev, "error": err.Error()})
		return
	}
	s.publish(bus.EventTypeFrameApplied, map[string]any{"revision": rev})
}

// UpdateIdleConfiguration validates and applies cfg, then persists it. An
// invalid configuration changes nothing.
func (s *Session) UpdateIdleConfiguration(cfg idle.Config) error {
	if err := s.idle.UpdateConfiguration(cfg); err != nil {
		return err
	}
	s.publish(bus.EventTypeIdleConfigUpdated, map[string]any{
		"enabled":      cfg.Enabled,
		"idle_timeout": cfg.IdleTimeout.String(),
	})
	if s.store == nil {
		return nil
	}
	if err := settings.SaveIdleConfig(s.store, s.idle.Config()); err != nil {
		return fmt.Errorf("persist idle configuration: %w", err)
	}
	return nil
}

// ReloadIdleConfiguration re-applies the stored idle configuration without
// writing it back. It is a no-op when nothing is stored.
func (s *Session) ReloadIdleConfiguration() error {
	if s.store == nil {
		return nil
	}
	cfg, found, err := settings.LoadIdleConfig(s.store)
	if err != nil || !found {
		return err
	}
	if err := s.idle.UpdateConfiguration(cfg); err != nil {
		return err
	}
	s.publish(bus.EventTypeIdleConfigUpdated, map[string]any{
		"enabled":      cfg.Enabled,
		"idle_timeout": cfg.IdleTimeout.String(),
		"reloaded":     true,
	})
	return nil
}

// Status is a point-in-time summary of a session.
type Status struct {
	ID         string             `json:"id"`
	Running    bool               `json:"running"`
	Revision   uint64             `json:"revision"`
	LipSync    string             `json:"lipsync"`
	Speaking   bool               `json:"speaking"`
	Deflection float32            `json:"gazeDeflection"`
	Channels   map[string]float64 `json:"channels"`
	Idle       idle.Status        `json:"idle"`
}

func (s *Session) Status() Status {
	frame := s.engine.Compose()
	channels := make(map[string]float64, len(frame.BlendShapes))
	for k, v := range frame.BlendShapes {
		channels[k] = v
	}
	return Status{
		ID:         s.id,
		Running:    s.Running(),
		Revision:   frame.Revision,
		LipSync:    s.lipsync.State().String(),
		Speaking:   s.lipsync.IsSpeaking(),
		Deflection: s.attention.Deflection(),
		Channels:   channels,
		Idle:       s.idle.Status(),
	}
}

func (s *Session) publish(t bus.EventType, data map[string]any) {
	s.bus.Publish(bus.Event{Type: t, Session: s.id, At: s.clock.Now(), Data: data})
}

// gazeWriter skips writes that would not visibly change the gaze, so a
// resting gaze does not advance the revision every frame.
type gazeWriter struct {
	e *compose.Engine
}

func (g gazeWriter) SetGaze(name string, intensity float64) error {
	cur, ok := g.e.Value(channel.Gaze, name)
	if !ok && intensity == 0 {
		return nil
	}
	if ok && math.Abs(cur-intensity) < gazeEpsilon {
		return nil
	}
	return g.e.SetGaze(name, intensity)
}

// idleObserver fans idle machine events out to metrics and the bus.
type idleObserver struct {
	s *Session
}

func (o *idleObserver) IdleChanged(isIdle bool) {
	if o.s.metrics != nil {
		o.s.metrics.IdleChanged(isIdle)
	}
	t := bus.EventTypeIdleExited
	if isIdle {
		t = bus.EventTypeIdleEntered
	}
	o.s.publish(t, nil)
}

func (o *idleObserver) IdleExpression(name string) {
	if o.s.metrics != nil {
		o.s.metrics.IdleExpression(name)
	}
	o.s.publish(bus.EventTypeIdleExpression, map[string]any{"expression": name})
}

func (o *idleObserver) LookAround() {
	if o.s.metrics != nil {
		o.s.metrics.LookAround()
	}
}

func (o *idleObserver) RuntimeFailure(op string) {
	if o.s.metrics != nil {
		o.s.metrics.RuntimeFailure(op)
	}
	o.s.publish(bus.EventTypeIdleRuntimeFailure, map[string]any{"op": op})
}
