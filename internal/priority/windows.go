package priority

import (
	"sync"
	"time"

	"github.com/normanking/cortexexpression/internal/channel"
)

// Default override window lengths per source.
const (
	ManualWindow         = 500 * time.Millisecond
	ConversationalWindow = 3000 * time.Millisecond
	SystemWindow         = 3000 * time.Millisecond
)

// WindowFor returns how long an intent of source suppresses autonomous writes.
// Sources without a window return zero.
func WindowFor(s Source) time.Duration {
	switch s {
	case SourceManual:
		return ManualWindow
	case SourceConversational:
		return ConversationalWindow
	case SourceSystem:
		return SystemWindow
	}
	return 0
}

type window struct {
	level    Level
	category channel.Category
	expires  time.Time
}

type windowKey struct {
	source   Source
	category channel.Category
}

// Windows tracks open override windows. Expiry is evaluated lazily on query.
type Windows struct {
	mu      sync.Mutex
	lengths map[Source]time.Duration
	open    map[windowKey]window
}

// NewWindows creates a tracker with the default window lengths.
func NewWindows() *Windows {
	return &Windows{
		lengths: map[Source]time.Duration{
			SourceManual:         ManualWindow,
			SourceConversational: ConversationalWindow,
			SourceSystem:         SystemWindow,
		},
		open: make(map[windowKey]window),
	}
}

// SetLength changes the window length for a source.
func (w *Windows) SetLength(s Source, d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lengths[s] = d
}

// Open records an intent of source on category at the given time. Sources
// with no window length are ignored.
func (w *Windows) Open(s Source, category channel.Category, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d := w.lengths[s]
	if d <= 0 {
		return
	}
	w.open[windowKey{s, category}] = window{
		level:    ComputePriority("", s),
		category: category,
		expires:  at.Add(d),
	}
}

// Blocks reports whether an unexpired window of equal-or-higher level covers
// category at now.
func (w *Windows) Blocks(level Level, category channel.Category, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, win := range w.open {
		if !now.Before(win.expires) {
			delete(w.open, k)
			continue
		}
		if win.category == category && win.level >= level {
			return true
		}
	}
	return false
}

// Active reports whether source has any unexpired window at now.
func (w *Windows) Active(s Source, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, win := range w.open {
		if k.source != s {
			continue
		}
		if now.Before(win.expires) {
			return true
		}
		delete(w.open, k)
	}
	return false
}

// Clear drops every window.
func (w *Windows) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.open = make(map[windowKey]window)
}
