package idle

import (
	"fmt"
	"math"
	"time"
)

// Extent bounds a random look-around offset on each axis, symmetric around 0.
type Extent struct {
	X float64 `mapstructure:"x" yaml:"x" json:"x"`
	Y float64 `mapstructure:"y" yaml:"y" json:"y"`
	Z float64 `mapstructure:"z" yaml:"z" json:"z"`
}

// Config is the persisted idle behavior configuration.
type Config struct {
	Enabled                  bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	IdleTimeout              time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" json:"idleTimeout"`
	ExpressionInterval       time.Duration `mapstructure:"expression_interval" yaml:"expression_interval" json:"expressionInterval"`
	DisableAttentionWhenIdle bool          `mapstructure:"disable_attention_when_idle" yaml:"disable_attention_when_idle" json:"disableAttentionWhenIdle"`
	Expressions              []string      `mapstructure:"expressions" yaml:"expressions" json:"expressions"`
	RandomLookAround         bool          `mapstructure:"random_look_around" yaml:"random_look_around" json:"randomLookAround"`

	// Tuning
	IntensityMin     float64       `mapstructure:"intensity_min" yaml:"intensity_min" json:"intensityMin"`
	IntensityMax     float64       `mapstructure:"intensity_max" yaml:"intensity_max" json:"intensityMax"`
	LookAroundMin    time.Duration `mapstructure:"look_around_min" yaml:"look_around_min" json:"lookAroundMin"`
	LookAroundMax    time.Duration `mapstructure:"look_around_max" yaml:"look_around_max" json:"lookAroundMax"`
	LookAroundExtent Extent        `mapstructure:"look_around_extent" yaml:"look_around_extent" json:"lookAroundExtent"`
}

// DefaultConfig returns the stock idle behavior.
func DefaultConfig() Config {
	return Config{
		Enabled:                  true,
		IdleTimeout:              30 * time.Second,
		ExpressionInterval:       8 * time.Second,
		DisableAttentionWhenIdle: true,
		Expressions:              []string{"relaxed", "neutral", "happy"},
		RandomLookAround:         true,
		IntensityMin:             0.3,
		IntensityMax:             0.7,
		LookAroundMin:            3000 * time.Millisecond,
		LookAroundMax:            7000 * time.Millisecond,
		LookAroundExtent:         Extent{X: 1, Y: 0.5, Z: 0.5},
	}
}

// WithTuningDefaults fills unset tuning fields from DefaultConfig, so callers
// that only know the core fields get the stock ranges.
func (c Config) WithTuningDefaults() Config {
	d := DefaultConfig()
	if c.IntensityMin == 0 && c.IntensityMax == 0 {
		c.IntensityMin, c.IntensityMax = d.IntensityMin, d.IntensityMax
	}
	if c.LookAroundMin == 0 && c.LookAroundMax == 0 {
		c.LookAroundMin, c.LookAroundMax = d.LookAroundMin, d.LookAroundMax
	}
	if c.LookAroundExtent == (Extent{}) {
		c.LookAroundExtent = d.LookAroundExtent
	}
	c.Expressions = append([]string(nil), c.Expressions...)
	return c
}

// Validate reports the first problem as an ErrInvalidConfiguration.
func (c Config) Validate() error {
	switch {
	case c.IdleTimeout <= 0:
		return invalid("idle timeout must be positive, got %s", c.IdleTimeout)
	case c.ExpressionInterval <= 0:
		return invalid("expression interval must be positive, got %s", c.ExpressionInterval)
	case c.Enabled && !c.RandomLookAround && len(c.Expressions) == 0:
		return invalid("idle expressions required when look-around is off")
	case c.IntensityMin < 0 || c.IntensityMax > 1 || c.IntensityMin > c.IntensityMax:
		return invalid("intensity range [%g, %g] outside [0, 1]", c.IntensityMin, c.IntensityMax)
	case c.LookAroundMin <= 0 || c.LookAroundMin > c.LookAroundMax:
		return invalid("look-around interval [%s, %s] invalid", c.LookAroundMin, c.LookAroundMax)
	}
	for _, v := range []float64{c.LookAroundExtent.X, c.LookAroundExtent.Y, c.LookAroundExtent.Z} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return invalid("look-around extent %+v invalid", c.LookAroundExtent)
		}
	}
	for _, name := range c.Expressions {
		if name == "" {
			return invalid("empty idle expression name")
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfiguration}, args...)...)
}
