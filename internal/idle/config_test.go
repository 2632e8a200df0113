package idle

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"zero timeout", func(c *Config) { c.IdleTimeout = 0 }, false},
		{"negative interval", func(c *Config) { c.ExpressionInterval = -time.Second }, false},
		{"no expressions without look-around", func(c *Config) {
			c.Expressions = nil
			c.RandomLookAround = false
		}, false},
		{"no expressions with look-around", func(c *Config) { c.Expressions = nil }, true},
		{"no expressions while disabled", func(c *Config) {
			c.Enabled = false
			c.Expressions = nil
			c.RandomLookAround = false
		}, true},
		{"inverted intensity", func(c *Config) { c.IntensityMin, c.IntensityMax = 0.8, 0.2 }, false},
		{"intensity above one", func(c *Config) { c.IntensityMax = 1.5 }, false},
		{"inverted look-around", func(c *Config) { c.LookAroundMin = 8 * time.Second }, false},
		{"negative extent", func(c *Config) { c.LookAroundExtent.Y = -1 }, false},
		{"nan extent", func(c *Config) { c.LookAroundExtent.Z = math.NaN() }, false},
		{"empty name", func(c *Config) { c.Expressions = []string{"happy", ""} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfiguration)
			}
		})
	}
}

func TestConfig_WithTuningDefaults(t *testing.T) {
	cfg := Config{
		Enabled:            true,
		IdleTimeout:        time.Second,
		ExpressionInterval: time.Second,
		Expressions:        []string{"happy"},
	}.WithTuningDefaults()

	assert.Equal(t, 0.3, cfg.IntensityMin)
	assert.Equal(t, 0.7, cfg.IntensityMax)
	assert.Equal(t, 3*time.Second, cfg.LookAroundMin)
	assert.Equal(t, 7*time.Second, cfg.LookAroundMax)
	assert.Equal(t, Extent{X: 1, Y: 0.5, Z: 0.5}, cfg.LookAroundExtent)
	assert.NoError(t, cfg.Validate())

	custom := DefaultConfig()
	custom.IntensityMin, custom.IntensityMax = 0.1, 0.2
	assert.Equal(t, 0.2, custom.WithTuningDefaults().IntensityMax, "set ranges are kept")
}
