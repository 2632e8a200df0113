package channel

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// OverrideFile is the on-disk shape of a channel override document:
//
//	channels:
//	  - name: smirk
//	    category: emotional
//	    priority: 2
//	    combinable: [mouth, eye, gaze]
type OverrideFile struct {
	Channels []OverrideEntry `yaml:"channels"`
}

// OverrideEntry registers one channel. A missing combinable list falls back
// to the category's default table.
type OverrideEntry struct {
	Name           string     `yaml:"name"`
	Category       Category   `yaml:"category"`
	Priority       *int       `yaml:"priority,omitempty"`
	CombinableWith []Category `yaml:"combinable,omitempty"`
}

// LoadOverrides parses a YAML override document and registers every entry.
// The first invalid entry aborts; entries before it stay registered.
func (c *Classifier) LoadOverrides(r io.Reader) (int, error) {
	var doc OverrideFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, fmt.Errorf("decode channel overrides: %w", err)
	}

	for i, e := range doc.Channels {
		cl := Classification{Category: e.Category}
		if e.Category.Valid() {
			def := DefaultClassification(e.Category)
			cl.Priority = def.Priority
			cl.CombinableWith = def.CombinableWith
		}
		if e.Priority != nil {
			cl.Priority = *e.Priority
		}
		if e.CombinableWith != nil {
			cl.CombinableWith = e.CombinableWith
		}
		if err := c.RegisterCustom(e.Name, cl); err != nil {
			return i, fmt.Errorf("channel override %d: %w", i, err)
		}
	}
	return len(doc.Channels), nil
}

// LoadOverridesFile is LoadOverrides over a file path.
func (c *Classifier) LoadOverridesFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open channel overrides: %w", err)
	}
	defer f.Close()
	return c.LoadOverrides(f)
}
