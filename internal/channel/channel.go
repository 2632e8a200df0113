// Package channel classifies animatable avatar channels into categories.
//
// A channel is a named intensity target (an emotion, a mouth shape, a blink).
// Classification is advisory: it tells producers which category a name
// belongs to and which other categories it can be layered with, but the
// composition store never enforces it.
package channel

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Category is one of the five logical channel groupings.
type Category string

const (
	Emotional Category = "emotional"
	Mouth     Category = "mouth"
	Eye       Category = "eye"
	Gaze      Category = "gaze"
	Custom    Category = "custom"
)

// Categories lists every category in composition order.
var Categories = []Category{Emotional, Mouth, Eye, Gaze, Custom}

// Valid reports whether c is a known category tag.
func (c Category) Valid() bool {
	switch c {
	case Emotional, Mouth, Eye, Gaze, Custom:
		return true
	}
	return false
}

func (c Category) String() string { return string(c) }

// ParseCategory resolves a tag case-insensitively.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	return c, c.Valid()
}

// ErrInvalidClassification is returned when a custom registration is malformed.
var ErrInvalidClassification = errors.New("invalid classification")

// Classification describes where a channel belongs.
type Classification struct {
	Category       Category   `yaml:"category" json:"category"`
	Priority       int        `yaml:"priority" json:"priority"`
	CombinableWith []Category `yaml:"combinable" json:"combinable"`
}

// Combines reports whether this classification may be layered with other.
func (c Classification) Combines(other Category) bool {
	return other != c.Category && slices.Contains(c.CombinableWith, other)
}

func (c Classification) clone() Classification {
	c.CombinableWith = slices.Clone(c.CombinableWith)
	return c
}

var defaults = map[Category]Classification{
	Emotional: {Category: Emotional, Priority: 2, CombinableWith: []Category{Mouth, Eye, Gaze}},
	Mouth:     {Category: Mouth, Priority: 2, CombinableWith: []Category{Emotional, Eye, Gaze}},
	Eye:       {Category: Eye, Priority: 1, CombinableWith: []Category{Emotional, Mouth, Gaze}},
	Gaze:      {Category: Gaze, Priority: 1, CombinableWith: []Category{Emotional, Mouth, Eye}},
	Custom:    {Category: Custom, Priority: 3, CombinableWith: []Category{Emotional, Mouth, Eye, Gaze}},
}

// DefaultClassification returns the canonical table entry for a category.
// Unknown categories fall back to the CUSTOM entry.
func DefaultClassification(c Category) Classification {
	d, ok := defaults[c]
	if !ok {
		d = defaults[Custom]
	}
	return d.clone()
}

// CanCombine reports whether channels of category a may be layered with b.
// A category never combines with itself; same-category conflicts go through
// the priority resolver.
func CanCombine(a, b Category) bool {
	if a == b || !a.Valid() || !b.Valid() {
		return false
	}
	return DefaultClassification(a).Combines(b)
}

// Classifier resolves channel names, consulting caller registrations first.
type Classifier struct {
	mu     sync.RWMutex
	custom map[string]Classification
}

// NewClassifier creates a classifier with only the built-in tables.
func NewClassifier() *Classifier {
	return &Classifier{custom: make(map[string]Classification)}
}

// Classify returns the classification for name. Registered names match
// exactly; built-in names match case-insensitively; anything else is CUSTOM.
func (c *Classifier) Classify(name string) Classification {
	c.mu.RLock()
	cl, ok := c.custom[name]
	c.mu.RUnlock()
	if ok {
		return cl.clone()
	}

	if cat, ok := builtin[strings.ToLower(strings.TrimSpace(name))]; ok {
		return DefaultClassification(cat)
	}
	return DefaultClassification(Custom)
}

// RegisterCustom overrides the classification of an exact channel name.
func (c *Classifier) RegisterCustom(name string, cl Classification) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty channel name", ErrInvalidClassification)
	}
	if !cl.Category.Valid() {
		return fmt.Errorf("%w: channel %q has unknown category %q", ErrInvalidClassification, name, cl.Category)
	}
	for _, other := range cl.CombinableWith {
		if other == cl.Category {
			return fmt.Errorf("%w: channel %q cannot combine with its own category %q", ErrInvalidClassification, name, other)
		}
		if !other.Valid() {
			return fmt.Errorf("%w: channel %q lists unknown category %q", ErrInvalidClassification, name, other)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.custom[name] = cl.clone()
	return nil
}

// Unregister removes a custom registration. Built-in names are unaffected.
func (c *Classifier) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.custom, name)
}

// Registered returns a copy of every custom registration.
func (c *Classifier) Registered() map[string]Classification {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Classification, len(c.custom))
	for k, v := range c.custom {
		out[k] = v.clone()
	}
	return out
}

// IsBlink reports whether a channel name is a blink channel.
func IsBlink(name string) bool {
	return strings.Contains(strings.ToLower(name), "blink")
}
