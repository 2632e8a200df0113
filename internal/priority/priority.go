// Package priority decides which competing expression intent owns a channel.
//
// Levels are assigned in exactly one place, ComputePriority; everything else
// compares already-assigned levels.
package priority

import (
	"errors"
	"sort"
	"time"

	"github.com/normanking/cortexexpression/internal/channel"
)

// Level orders intents. Higher wins.
type Level int

const (
	Lowest   Level = iota // involuntary blinking
	Low                   // idle and animation-driven
	Medium                // conversational
	High                  // manual / user
	Critical              // system / function-call
)

func (l Level) String() string {
	switch l {
	case Lowest:
		return "lowest"
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	}
	return "unknown"
}

// Source tags where an intent came from.
type Source string

const (
	SourceIdle           Source = "idle"
	SourceAnimation      Source = "animation"
	SourceConversational Source = "conversational"
	SourceManual         Source = "manual"
	SourceSystem         Source = "system"
)

// ParseSource maps a wire tag to a Source; unknown tags read as manual.
func ParseSource(s string) Source {
	switch Source(s) {
	case SourceIdle, SourceAnimation, SourceConversational, SourceManual, SourceSystem:
		return Source(s)
	case "user":
		return SourceManual
	case "function", "function-call", "function_call":
		return SourceSystem
	case "chat", "llm":
		return SourceConversational
	}
	return SourceManual
}

// Intent is a requested channel write.
type Intent struct {
	Channel   string
	Intensity float64
	Source    Source
	Level     Level
	At        time.Time
}

// ErrEmptyCandidateSet signals a programming error: nothing to resolve.
var ErrEmptyCandidateSet = errors.New("priority: empty candidate set")

// ComputePriority assigns a level to a channel write. Blink channels are
// always lowest so blinking never blocks a deliberate expression.
func ComputePriority(channelName string, source Source) Level {
	if channel.IsBlink(channelName) {
		return Lowest
	}
	switch source {
	case SourceIdle, SourceAnimation:
		return Low
	case SourceConversational:
		return Medium
	case SourceManual:
		return High
	case SourceSystem:
		return Critical
	}
	return Low
}

// CanOverride reports whether a new intent may replace an existing one:
// higher level always wins, equal level needs a strictly later timestamp.
func CanOverride(existing Level, existingAt time.Time, next Level, nextAt time.Time) bool {
	if next != existing {
		return next > existing
	}
	return nextAt.After(existingAt)
}

// ResolveConflict picks the winner among candidates for one channel.
func ResolveConflict(candidates []Intent) (Intent, error) {
	if len(candidates) == 0 {
		return Intent{}, ErrEmptyCandidateSet
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Level > best.Level || (c.Level == best.Level && c.At.After(best.At)) {
			best = c
		}
	}
	return best, nil
}

// Rank returns a copy of intents ordered by level then timestamp, both
// descending. Ties keep their input order.
func Rank(intents []Intent) []Intent {
	out := make([]Intent, len(intents))
	copy(out, intents)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level > out[j].Level
		}
		return out[i].At.After(out[j].At)
	})
	return out
}
