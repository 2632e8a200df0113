package sink

import (
	"fmt"
	"slices"
	"strings"

	"github.com/qmuntal/gltf"
)

// ChannelSet is the set of channels an avatar model supports. Lookups are
// case-sensitive first, then case-insensitive.
type ChannelSet map[string]struct{}

func NewChannelSet(names ...string) ChannelSet {
	s := make(ChannelSet, len(names))
	for _, n := range names {
		if n != "" {
			s[n] = struct{}{}
		}
	}
	return s
}

func (s ChannelSet) Has(name string) bool {
	if _, ok := s[name]; ok {
		return true
	}
	for n := range s {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

// Names returns the channels sorted.
func (s ChannelSet) Names() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// LoadGLTFChannels opens a .gltf or .glb file and returns its morph-target
// names.
func LoadGLTFChannels(path string) (ChannelSet, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open gltf: %w", err)
	}
	set := ChannelsFromDocument(doc)
	if len(set) == 0 {
		return nil, fmt.Errorf("no morph target names in %s", path)
	}
	return set, nil
}

// ChannelsFromDocument collects extras.targetNames across every mesh.
// Targets without a name are skipped.
func ChannelsFromDocument(doc *gltf.Document) ChannelSet {
	set := make(ChannelSet)
	if doc == nil {
		return set
	}
	for _, mesh := range doc.Meshes {
		extras, ok := mesh.Extras.(map[string]interface{})
		if !ok {
			continue
		}
		targetNames, ok := extras["targetNames"].([]interface{})
		if !ok {
			continue
		}
		for _, name := range targetNames {
			if strName, ok := name.(string); ok && strName != "" {
				set[strName] = struct{}{}
			}
		}
	}
	return set
}
