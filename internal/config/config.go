// Package config provides configuration management for the expression daemon
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/normanking/cortexexpression/internal/idle"
	"github.com/normanking/cortexexpression/internal/logging"
)

// EnvPrefix prefixes environment overrides, e.g. CORTEXEXPR_SERVER_LISTEN.
const EnvPrefix = "CORTEXEXPR"

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all application configuration
type Config struct {
	Expression ExpressionConfig `mapstructure:"expression" yaml:"expression"`
	LipSync    LipSyncConfig    `mapstructure:"lipsync" yaml:"lipsync"`
	Idle       idle.Config      `mapstructure:"idle" yaml:"idle"`
	Attention  AttentionConfig  `mapstructure:"attention" yaml:"attention"`
	Blink      BlinkConfig      `mapstructure:"blink" yaml:"blink"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Intent     IntentConfig     `mapstructure:"intent" yaml:"intent"`
	Model      ModelConfig      `mapstructure:"model" yaml:"model"`
	Channels   ChannelsConfig   `mapstructure:"channels" yaml:"channels"`
	Settings   SettingsConfig   `mapstructure:"settings" yaml:"settings"`
	Log        logging.Config   `mapstructure:"log" yaml:"log"`
}

// ExpressionConfig tunes the composition transforms
type ExpressionConfig struct {
	EmotionalDamping float64 `mapstructure:"emotional_damping" yaml:"emotional_damping"`
	BlinkClamp       float64 `mapstructure:"blink_clamp" yaml:"blink_clamp"`
}

// LipSyncConfig configures mouth cycling
type LipSyncConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Period         time.Duration `mapstructure:"period" yaml:"period"`
	Intensity      float64       `mapstructure:"intensity" yaml:"intensity"`
	PauseIntensity float64       `mapstructure:"pause_intensity" yaml:"pause_intensity"`
}

// AttentionConfig configures look-at smoothing
type AttentionConfig struct {
	MaxDeflection float32 `mapstructure:"max_deflection" yaml:"max_deflection"` // degrees
	Smoothing     float32 `mapstructure:"smoothing" yaml:"smoothing"`
	FrameRate     int     `mapstructure:"frame_rate" yaml:"frame_rate"`
}

// BlinkConfig configures automatic blinking
type BlinkConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	MinGap   time.Duration `mapstructure:"min_gap" yaml:"min_gap"`
	MaxGap   time.Duration `mapstructure:"max_gap" yaml:"max_gap"`
	Duration time.Duration `mapstructure:"duration" yaml:"duration"`
}

// ServerConfig configures the HTTP surface
type ServerConfig struct {
	Listen      string `mapstructure:"listen" yaml:"listen"`
	WSPath      string `mapstructure:"ws_path" yaml:"ws_path"`
	MetricsPath string `mapstructure:"metrics_path" yaml:"metrics_path"`
	StatusPath  string `mapstructure:"status_path" yaml:"status_path"`
}

// IntentConfig configures the upstream SSE intent source
type IntentConfig struct {
	URL               string        `mapstructure:"url" yaml:"url"` // empty disables the source
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay" yaml:"max_reconnect_delay"`
}

// ModelConfig points at the avatar model whose morph targets bound the sink
type ModelConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ChannelsConfig configures custom channel classification
type ChannelsConfig struct {
	Overrides string `mapstructure:"overrides" yaml:"overrides"`
}

// SettingsConfig configures idle-configuration persistence
type SettingsConfig struct {
	Path  string `mapstructure:"path" yaml:"path"`
	Watch bool   `mapstructure:"watch" yaml:"watch"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Expression: ExpressionConfig{
			EmotionalDamping: 0.90,
			BlinkClamp:       0.90,
		},
		LipSync: LipSyncConfig{
			Enabled:        true,
			Period:         150 * time.Millisecond,
			Intensity:      0.8,
			PauseIntensity: 0.3,
		},
		Idle: idle.DefaultConfig(),
		Attention: AttentionConfig{
			MaxDeflection: 30,
			Smoothing:     8,
			FrameRate:     30,
		},
		Blink: BlinkConfig{
			Enabled:  true,
			MinGap:   2 * time.Second,
			MaxGap:   5 * time.Second,
			Duration: 150 * time.Millisecond,
		},
		Server: ServerConfig{
			Listen:      "127.0.0.1:8765",
			WSPath:      "/ws",
			MetricsPath: "/metrics",
			StatusPath:  "/status",
		},
		Intent: IntentConfig{
			ReconnectDelay:    time.Second,
			MaxReconnectDelay: 30 * time.Second,
		},
		Log: logging.Config{
			Level:      logging.LevelInfo,
			MaxHistory: 500,
			Console:    true,
		},
	}
}

// Load reads configuration from path, or from config.yaml in the config
// directory and the working directory when path is empty. A missing file
// yields the defaults. Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	v, err := newViper(cfg)
	if err != nil {
		return cfg, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := GetConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path != "" && errors.Is(err, os.ErrNotExist)) {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Lists from the file replace the defaults instead of merging into them.
	zeroFields := viper.DecoderConfigOption(func(dc *mapstructure.DecoderConfig) { dc.ZeroFields = true })
	if err := v.Unmarshal(cfg, zeroFields); err != nil {
		return cfg, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path as YAML.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	m, err := toMap(cfg)
	if err != nil {
		return err
	}
	v := viper.New()
	if err := v.MergeConfigMap(m); err != nil {
		return err
	}
	return v.WriteConfigAs(path)
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".cortexexpression"), nil
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}

	check(c.Expression.EmotionalDamping > 0 && c.Expression.EmotionalDamping <= 1,
		"expression.emotional_damping %g outside (0, 1]", c.Expression.EmotionalDamping)
	check(c.Expression.BlinkClamp > 0 && c.Expression.BlinkClamp <= 1,
		"expression.blink_clamp %g outside (0, 1]", c.Expression.BlinkClamp)
	check(c.LipSync.Period > 0, "lipsync.period must be positive")
	check(c.LipSync.Intensity > 0 && c.LipSync.Intensity <= 1, "lipsync.intensity %g outside (0, 1]", c.LipSync.Intensity)
	check(c.LipSync.PauseIntensity > 0 && c.LipSync.PauseIntensity <= 1,
		"lipsync.pause_intensity %g outside (0, 1]", c.LipSync.PauseIntensity)
	check(c.Attention.MaxDeflection > 0 && c.Attention.MaxDeflection <= 180,
		"attention.max_deflection %g outside (0, 180]", c.Attention.MaxDeflection)
	check(c.Attention.Smoothing > 0, "attention.smoothing must be positive")
	check(c.Attention.FrameRate > 0 && c.Attention.FrameRate <= 240, "attention.frame_rate %d outside [1, 240]", c.Attention.FrameRate)
	check(c.Blink.MinGap > 0 && c.Blink.MinGap <= c.Blink.MaxGap, "blink gap [%s, %s] invalid", c.Blink.MinGap, c.Blink.MaxGap)
	check(c.Blink.Duration > 0, "blink.duration must be positive")
	check(c.Server.Listen != "", "server.listen is required")
	check(strings.HasPrefix(c.Server.WSPath, "/"), "server.ws_path %q must start with /", c.Server.WSPath)
	if c.Intent.URL != "" {
		check(c.Intent.ReconnectDelay > 0 && c.Intent.ReconnectDelay <= c.Intent.MaxReconnectDelay,
			"intent reconnect delays [%s, %s] invalid", c.Intent.ReconnectDelay, c.Intent.MaxReconnectDelay)
	}
	if err := c.Idle.WithTuningDefaults().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: idle: %w", ErrInvalidConfig, err))
	}
	return errors.Join(errs...)
}

// newViper returns an isolated viper instance with every default key set, so
// AutomaticEnv can override any of them.
func newViper(defaults *Config) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	m, err := toMap(defaults)
	if err != nil {
		return nil, err
	}
	setDefaults(v, "", m)
	return v, nil
}

// toMap converts cfg to a nested map keyed by the yaml tags.
func toMap(cfg *Config) (map[string]any, error) {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func setDefaults(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}
