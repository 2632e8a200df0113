package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/normanking/cortexexpression/internal/idle"
)

// Duration is a time.Duration on the wire. It encodes as a Go duration
// string ("30s") and decodes from either such a string or a number of
// milliseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %w", err)
	}
	*d = Duration(ms * float64(time.Millisecond))
	return nil
}

// IdleConfig is the idle configuration as the control API reads and writes it.
type IdleConfig struct {
	Enabled                  bool        `json:"enabled"`
	IdleTimeout              Duration    `json:"idleTimeout"`
	ExpressionInterval       Duration    `json:"expressionInterval"`
	DisableAttentionWhenIdle bool        `json:"disableAttentionWhenIdle"`
	Expressions              []string    `json:"expressions"`
	RandomLookAround         bool        `json:"randomLookAround"`
	IntensityMin             float64     `json:"intensityMin"`
	IntensityMax             float64     `json:"intensityMax"`
	LookAroundMin            Duration    `json:"lookAroundMin"`
	LookAroundMax            Duration    `json:"lookAroundMax"`
	LookAroundExtent         idle.Extent `json:"lookAroundExtent"`
}

func idleConfigFrom(c idle.Config) IdleConfig {
	return IdleConfig{
		Enabled:                  c.Enabled,
		IdleTimeout:              Duration(c.IdleTimeout),
		ExpressionInterval:       Duration(c.ExpressionInterval),
		DisableAttentionWhenIdle: c.DisableAttentionWhenIdle,
		Expressions:              append([]string(nil), c.Expressions...),
		RandomLookAround:         c.RandomLookAround,
		IntensityMin:             c.IntensityMin,
		IntensityMax:             c.IntensityMax,
		LookAroundMin:            Duration(c.LookAroundMin),
		LookAroundMax:            Duration(c.LookAroundMax),
		LookAroundExtent:         c.LookAroundExtent,
	}
}

func (c IdleConfig) toIdle() idle.Config {
	return idle.Config{
		Enabled:                  c.Enabled,
		IdleTimeout:              time.Duration(c.IdleTimeout),
		ExpressionInterval:       time.Duration(c.ExpressionInterval),
		DisableAttentionWhenIdle: c.DisableAttentionWhenIdle,
		Expressions:              c.Expressions,
		RandomLookAround:         c.RandomLookAround,
		IntensityMin:             c.IntensityMin,
		IntensityMax:             c.IntensityMax,
		LookAroundMin:            time.Duration(c.LookAroundMin),
		LookAroundMax:            time.Duration(c.LookAroundMax),
		LookAroundExtent:         c.LookAroundExtent,
	}
}
