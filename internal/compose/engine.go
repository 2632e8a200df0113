// Package compose holds the per-category channel maps of one avatar and
// flattens them into a cached composed frame.
//
// The engine is a plain last-write-wins store per category slot. Deciding who
// may write is the producers' job (see package priority).
package compose

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexexpression/internal/channel"
)

const (
	DefaultEmotionalDamping = 0.90
	DefaultBlinkClamp       = 0.90
)

// Sink is the avatar capability the engine writes to.
type Sink interface {
	HasChannel(name string) bool
	SetChannelValue(name string, intensity float64) error
}

// Flusher is implemented by sinks that batch writes.
type Flusher interface {
	Flush(revision uint64) error
}

// Observer receives engine events, typically a metrics collector.
type Observer interface {
	Composed(revision uint64, cached bool)
	SinkFailed(channel string)
}

// Options tunes the composition transforms.
type Options struct {
	EmotionalDamping float64
	BlinkClamp       float64
	Logger           zerolog.Logger
	Observer         Observer
}

// DefaultOptions returns the stock damping and clamp constants.
func DefaultOptions() Options {
	return Options{
		EmotionalDamping: DefaultEmotionalDamping,
		BlinkClamp:       DefaultBlinkClamp,
		Logger:           zerolog.Nop(),
	}
}

// Frame is the flattened output for one revision. Frames are shared between
// callers while the revision stands still and must be treated as read-only.
type Frame struct {
	BlendShapes map[string]float64
	Categories  []channel.Category
	Revision    uint64
}

// Composition is a deep-copied snapshot of the category maps.
type Composition struct {
	Emotional map[string]float64
	Mouth     map[string]float64
	Eye       map[string]float64
	Gaze      map[string]float64
	Custom    map[string]float64
	Revision  uint64
}

// Category returns the snapshot map for c, or nil for an unknown tag.
func (c Composition) Category(cat channel.Category) map[string]float64 {
	switch cat {
	case channel.Emotional:
		return c.Emotional
	case channel.Mouth:
		return c.Mouth
	case channel.Eye:
		return c.Eye
	case channel.Gaze:
		return c.Gaze
	case channel.Custom:
		return c.Custom
	}
	return nil
}

// Engine owns the five category maps of one avatar.
type Engine struct {
	mu sync.Mutex

	maps     map[channel.Category]map[string]float64
	revision uint64
	cached   *Frame

	damping  float64
	clamp    float64
	logger   zerolog.Logger
	observer Observer
}

// NewEngine creates an empty engine.
func NewEngine(opts Options) *Engine {
	if opts.EmotionalDamping <= 0 || opts.EmotionalDamping > 1 {
		opts.EmotionalDamping = DefaultEmotionalDamping
	}
	if opts.BlinkClamp <= 0 || opts.BlinkClamp > 1 {
		opts.BlinkClamp = DefaultBlinkClamp
	}
	e := &Engine{
		maps:     make(map[channel.Category]map[string]float64, len(channel.Categories)),
		damping:  opts.EmotionalDamping,
		clamp:    opts.BlinkClamp,
		logger:   opts.Logger.With().Str("component", "compose").Logger(),
		observer: opts.Observer,
	}
	for _, c := range channel.Categories {
		e.maps[c] = make(map[string]float64)
	}
	return e
}

func (e *Engine) SetEmotional(name string, intensity float64) error {
	return e.Set(channel.Emotional, name, intensity)
}

func (e *Engine) SetMouth(name string, intensity float64) error {
	return e.Set(channel.Mouth, name, intensity)
}

func (e *Engine) SetEye(name string, intensity float64) error {
	return e.Set(channel.Eye, name, intensity)
}

func (e *Engine) SetGaze(name string, intensity float64) error {
	return e.Set(channel.Gaze, name, intensity)
}

func (e *Engine) SetCustom(name string, intensity float64) error {
	return e.Set(channel.Custom, name, intensity)
}

// Set writes one channel into a category. It either fully applies and
// advances the revision, or returns an error and changes nothing.
func (e *Engine) Set(cat channel.Category, name string, intensity float64) error {
	if err := validate(name, intensity); err != nil {
		e.logger.Debug().Err(err).Str("category", string(cat)).Msg("Rejected channel write")
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.maps[cat]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, cat)
	}
	m[name] = intensity
	e.revision++
	return nil
}

func validate(name string, intensity float64) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: "channel name", Value: fmt.Sprintf("%q", name), Reason: "must not be empty"}
	}
	if math.IsNaN(intensity) || intensity < 0 || intensity > 1 {
		return &ValidationError{Field: "intensity", Value: intensity, Reason: "must be within [0,1]"}
	}
	return nil
}

// ClearCategory empties one category.
func (e *Engine) ClearCategory(cat channel.Category) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.maps[cat]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, cat)
	}
	e.maps[cat] = make(map[string]float64)
	e.revision++
	return nil
}

// Reset empties every category with a single revision advance.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range channel.Categories {
		e.maps[c] = make(map[string]float64)
	}
	e.revision++
}

// Revision returns the current revision counter.
func (e *Engine) Revision() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.revision
}

// Compose flattens the categories. When nothing changed since the previous
// call the previous *Frame is returned as is.
func (e *Engine) Compose() *Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.composeLocked()
}

func (e *Engine) composeLocked() *Frame {
	if e.cached != nil && e.cached.Revision == e.revision {
		if e.observer != nil {
			e.observer.Composed(e.revision, true)
		}
		return e.cached
	}

	f := &Frame{
		BlendShapes: make(map[string]float64),
		Categories:  []channel.Category{},
		Revision:    e.revision,
	}
	for _, cat := range channel.Categories {
		contributed := false
		for name, v := range e.maps[cat] {
			v = e.transform(cat, name, v)
			if v <= 0 {
				continue
			}
			f.BlendShapes[name] = v
			contributed = true
		}
		if contributed {
			f.Categories = append(f.Categories, cat)
		}
	}

	e.cached = f
	if e.observer != nil {
		e.observer.Composed(e.revision, false)
	}
	return f
}

func (e *Engine) transform(cat channel.Category, name string, v float64) float64 {
	switch cat {
	case channel.Emotional:
		return v * e.damping
	case channel.Eye:
		if strings.EqualFold(name, "blink") {
			return math.Min(v, e.clamp)
		}
	}
	return v
}

// ApplyToAvatar forwards the composed frame to sink, skipping channels the
// sink does not recognize. An explicit EYE blink of zero is forwarded too so
// the eye actively reopens. Failures are collected per channel; the rest of
// the frame is still applied.
func (e *Engine) ApplyToAvatar(sink Sink) error {
	if sink == nil {
		return nil
	}

	e.mu.Lock()
	frame := e.composeLocked()
	var zeros []string
	for name, v := range e.maps[channel.Eye] {
		if v == 0 && strings.EqualFold(name, "blink") {
			zeros = append(zeros, name)
		}
	}
	e.mu.Unlock()

	names := make([]string, 0, len(frame.BlendShapes))
	for name := range frame.BlendShapes {
		names = append(names, name)
	}
	slices.Sort(names)

	var errs []error
	apply := func(name string, v float64) {
		if err := e.applyOne(sink, name, v); err != nil {
			errs = append(errs, err)
			if e.observer != nil {
				e.observer.SinkFailed(name)
			}
		}
	}
	for _, name := range names {
		apply(name, frame.BlendShapes[name])
	}
	for _, name := range zeros {
		apply(name, 0)
	}

	if f, ok := sink.(Flusher); ok {
		if err := safeFlush(f, frame.Revision); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) applyOne(sink Sink, name string, v float64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &SinkError{Channel: name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if !sink.HasChannel(name) {
		return nil
	}
	if err := sink.SetChannelValue(name, v); err != nil {
		return &SinkError{Channel: name, Err: err}
	}
	return nil
}

func safeFlush(f Flusher, revision uint64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &SinkError{Channel: "*", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := f.Flush(revision); err != nil {
		return &SinkError{Channel: "*", Err: err}
	}
	return nil
}

// GetComposition returns a mutation-isolated copy of all category maps.
func (e *Engine) GetComposition() Composition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Composition{
		Emotional: cloneMap(e.maps[channel.Emotional]),
		Mouth:     cloneMap(e.maps[channel.Mouth]),
		Eye:       cloneMap(e.maps[channel.Eye]),
		Gaze:      cloneMap(e.maps[channel.Gaze]),
		Custom:    cloneMap(e.maps[channel.Custom]),
		Revision:  e.revision,
	}
}

// Value reads one raw (untransformed) entry.
func (e *Engine) Value(cat channel.Category, name string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.maps[cat][name]
	return v, ok
}

func cloneMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
