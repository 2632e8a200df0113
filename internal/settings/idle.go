package settings

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/normanking/cortexexpression/internal/idle"
)

// IdleConfigKey holds the persisted idle configuration.
const IdleConfigKey = "idle"

// LoadIdleConfig reads the idle configuration from s. found is false when
// nothing is stored; cfg is then the zero value.
func LoadIdleConfig(s Store) (cfg idle.Config, found bool, err error) {
	v, ok := s.Get(IdleConfigKey)
	if !ok || v == nil {
		return cfg, false, nil
	}
	raw, err := yaml.Marshal(v)
	if err != nil {
		return cfg, true, fmt.Errorf("failed to encode stored idle config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, true, fmt.Errorf("failed to decode stored idle config: %w", err)
	}
	return cfg, true, nil
}

// SaveIdleConfig stores cfg under IdleConfigKey as a plain map.
func SaveIdleConfig(s Store, cfg idle.Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return err
	}
	return s.Set(IdleConfigKey, m)
}
