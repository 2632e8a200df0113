// Package sched abstracts timers so autonomous behavior can run on wall-clock
// time in production and on a virtual clock in tests.
package sched

import (
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a scheduled callback. Stop is idempotent; after it returns the
// callback will not start again. It reports whether the timer was live.
type Timer interface {
	Stop() bool
}

// Scheduler schedules callbacks.
type Scheduler interface {
	Now() time.Time
	// After runs fn once after d.
	After(d time.Duration, fn func()) Timer
	// Every runs fn every d until stopped.
	Every(d time.Duration, fn func()) Timer
}

// Real runs callbacks on wall-clock timers. Every callback is executed under
// one run lock, so callbacks of the same Real never overlap.
type Real struct {
	run sync.Mutex
}

// NewReal creates a wall-clock scheduler.
func NewReal() *Real { return &Real{} }

func (r *Real) Now() time.Time { return time.Now() }

type realTimer struct {
	stopped atomic.Bool
	mu      sync.Mutex
	t       *time.Timer
}

func (t *realTimer) Stop() bool {
	if t.stopped.Swap(true) {
		return false
	}
	t.mu.Lock()
	if t.t != nil {
		t.t.Stop()
	}
	t.mu.Unlock()
	return true
}

func (r *Real) After(d time.Duration, fn func()) Timer {
	rt := &realTimer{}
	rt.mu.Lock()
	rt.t = time.AfterFunc(d, func() {
		r.run.Lock()
		defer r.run.Unlock()
		if rt.stopped.Swap(true) {
			return
		}
		fn()
	})
	rt.mu.Unlock()
	return rt
}

func (r *Real) Every(d time.Duration, fn func()) Timer {
	if d <= 0 {
		panic("sched: non-positive interval")
	}
	rt := &realTimer{}
	var tick func()
	fire := func() bool {
		r.run.Lock()
		defer r.run.Unlock()
		if rt.stopped.Load() {
			return false
		}
		fn()
		return true
	}
	tick = func() {
		if !fire() {
			return
		}
		rt.mu.Lock()
		if !rt.stopped.Load() {
			rt.t = time.AfterFunc(d, tick)
		}
		rt.mu.Unlock()
	}
	rt.mu.Lock()
	rt.t = time.AfterFunc(d, tick)
	rt.mu.Unlock()
	return rt
}
