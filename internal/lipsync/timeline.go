package lipsync

import (
	"strings"
	"time"
)

// Viseme is one of the 15 Oculus lip-sync viseme ids produced by TTS
// timelines.
type Viseme int

const (
	VisemeSil Viseme = iota // silence
	VisemePP                // p, b, m
	VisemeFF                // f, v
	VisemeTH                // th
	VisemeDD                // t, d
	VisemeKK                // k, g
	VisemeCH                // ch, j, sh
	VisemeSS                // s, z
	VisemeNN                // n, l
	VisemeRR                // r
	VisemeAA                // a as in "father"
	VisemeE                 // e as in "bed"
	VisemeIH                // i as in "sit"
	VisemeOH                // o as in "go"
	VisemeOU                // u as in "boot"
)

// visemeShapes folds the Oculus set onto the five cycled vowels. Closed
// visemes map to "".
var visemeShapes = map[Viseme]string{
	VisemeSil: "",
	VisemePP:  "",
	VisemeFF:  "ih",
	VisemeTH:  "ih",
	VisemeDD:  "ih",
	VisemeKK:  "aa",
	VisemeCH:  "ou",
	VisemeSS:  "ih",
	VisemeNN:  "ih",
	VisemeRR:  "ou",
	VisemeAA:  "aa",
	VisemeE:   "ee",
	VisemeIH:  "ih",
	VisemeOH:  "oh",
	VisemeOU:  "ou",
}

// Shape returns the mouth shape for a viseme, "" when the mouth is closed.
func (v Viseme) Shape() string {
	return visemeShapes[v]
}

// Event is one timed viseme.
type Event struct {
	Viseme Viseme        `json:"visemeId"`
	At     time.Duration `json:"at"`
	Weight float64       `json:"weight"`
}

// Timeline is a complete utterance.
type Timeline struct {
	Events   []Event       `json:"events"`
	Duration time.Duration `json:"duration"`
}

// Phoneme is a timed ARPAbet symbol from a TTS engine.
type Phoneme struct {
	Symbol string
	Start  time.Duration
	End    time.Duration
}

var phonemeShapes = map[string]string{
	"sil": "", "sp": "",
	"M": "", "B": "", "P": "",

	// open vowels
	"AA": "aa", "AE": "aa", "AH": "aa", "AW": "aa", "AY": "aa", "HH": "aa",
	"K": "aa", "G": "aa",

	// rounded open vowels
	"AO": "oh", "OW": "oh",

	// rounded and r-colored
	"UH": "ou", "UW": "ou", "OY": "ou", "W": "ou", "R": "ou", "ER": "ou",
	"CH": "ou", "JH": "ou", "SH": "ou", "ZH": "ou",

	// spread vowels
	"IY": "ee", "EY": "ee", "Y": "ee",

	// short spread and alveolar/dental consonants
	"IH": "ih", "EH": "ih",
	"L": "ih", "N": "ih", "T": "ih", "D": "ih", "S": "ih", "Z": "ih",
	"TH": "ih", "DH": "ih", "F": "ih", "V": "ih", "NG": "ih",
}

// PhonemeToShape maps an ARPAbet phoneme (stress digits allowed) to a mouth
// shape. Unknown phonemes close the mouth.
func PhonemeToShape(p string) string {
	p = strings.TrimRight(strings.TrimSpace(p), "012")
	if s, ok := phonemeShapes[p]; ok {
		return s
	}
	return phonemeShapes[strings.ToUpper(p)]
}

// TimelineFromPhonemes builds a timeline of shape-carrying events. Silences
// are kept so the mouth closes between words.
func TimelineFromPhonemes(phonemes []Phoneme, weight float64) Timeline {
	if weight <= 0 || weight > 1 {
		weight = DefaultIntensity
	}
	tl := Timeline{Events: make([]Event, 0, len(phonemes))}
	for _, p := range phonemes {
		tl.Events = append(tl.Events, Event{Viseme: shapeViseme(PhonemeToShape(p.Symbol)), At: p.Start, Weight: weight})
		if p.End > tl.Duration {
			tl.Duration = p.End
		}
	}
	return tl
}

func shapeViseme(shape string) Viseme {
	switch shape {
	case "aa":
		return VisemeAA
	case "ee":
		return VisemeE
	case "ih":
		return VisemeIH
	case "oh":
		return VisemeOH
	case "ou":
		return VisemeOU
	}
	return VisemeSil
}

// PlayTimeline schedules every event of tl and stops the driver after the
// timeline's duration (or one period past the last event). It replaces any
// running cycle. No-op while disabled.
func (d *Driver) PlayTimeline(tl Timeline) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Disabled || len(tl.Events) == 0 {
		return
	}

	gen := d.cancelLocked()
	d.state = Cycling

	end := tl.Duration
	for i, ev := range tl.Events {
		ev := ev
		if ev.At+d.period > end {
			end = ev.At + d.period
		}
		weight := ev.Weight
		if weight <= 0 || weight > 1 {
			weight = d.intensity
		}
		first := i == 0
		d.timers = append(d.timers, d.clock.After(ev.At, func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if d.gen != gen {
				return
			}
			d.writeShapeLocked(ev.Viseme.Shape(), weight, first)
		}))
	}

	d.timers = append(d.timers, d.clock.After(end, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.gen != gen {
			return
		}
		d.stopLocked()
	}))
}
