package sched

import (
	"sync"
	"time"
)

// Virtual is a manually advanced clock. Callbacks run synchronously on the
// goroutine calling Advance, in due-time order; timers due at the same
// instant fire in the order they were armed.
type Virtual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*virtualTimer
}

// NewVirtual creates a virtual clock starting at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

type virtualTimer struct {
	v       *Virtual
	due     time.Time
	period  time.Duration
	fn      func()
	seq     uint64
	stopped bool
}

func (t *virtualTimer) Stop() bool {
	t.v.mu.Lock()
	defer t.v.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	t.v.remove(t)
	return true
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *Virtual) After(d time.Duration, fn func()) Timer {
	return v.arm(d, 0, fn)
}

func (v *Virtual) Every(d time.Duration, fn func()) Timer {
	if d <= 0 {
		panic("sched: non-positive interval")
	}
	return v.arm(d, d, fn)
}

func (v *Virtual) arm(d, period time.Duration, fn func()) *virtualTimer {
	v.mu.Lock()
	defer v.mu.Unlock()
	if d < 0 {
		d = 0
	}
	v.seq++
	t := &virtualTimer{v: v, due: v.now.Add(d), period: period, fn: fn, seq: v.seq}
	v.timers = append(v.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every callback that falls due.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	target := v.now.Add(d)
	v.mu.Unlock()

	for {
		v.mu.Lock()
		next := v.nextDue(target)
		if next == nil {
			v.now = target
			v.mu.Unlock()
			return
		}
		v.now = next.due
		if next.period > 0 {
			next.due = next.due.Add(next.period)
			v.seq++
			next.seq = v.seq
		} else {
			next.stopped = true
			v.remove(next)
		}
		fn := next.fn
		v.mu.Unlock()

		fn()
	}
}

// Pending returns the number of live timers.
func (v *Virtual) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.timers)
}

func (v *Virtual) nextDue(target time.Time) *virtualTimer {
	var best *virtualTimer
	for _, t := range v.timers {
		if t.due.After(target) {
			continue
		}
		if best == nil || t.due.Before(best.due) || (t.due.Equal(best.due) && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

func (v *Virtual) remove(t *virtualTimer) {
	for i, x := range v.timers {
		if x == t {
			v.timers = append(v.timers[:i], v.timers[i+1:]...)
			return
		}
	}
}
