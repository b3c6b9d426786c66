// Package config handles configuration loading, validation, and management
// for the input method session.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"imsession/internal/capability"
	"imsession/internal/ime"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete session configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Bus configuration for the session bus connection.
	Bus BusConfig `toml:"bus" json:"bus" yaml:"bus"`

	// Session configuration for the input context.
	Session SessionConfig `toml:"session" json:"session" yaml:"session"`

	// Delivery selects how key events reach the service.
	Delivery DeliveryConfig `toml:"delivery" json:"delivery" yaml:"delivery"`

	// Features declared by the embedder.
	Features FeaturesConfig `toml:"features" json:"features" yaml:"features"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Tracing configuration.
	Tracing TracingConfig `toml:"tracing" json:"tracing" yaml:"tracing"`
}

// BusConfig holds session bus settings.
type BusConfig struct {
	// Address overrides DBUS_SESSION_BUS_ADDRESS when set.
	Address string `toml:"address" json:"address" yaml:"address"`

	// WatchPortal also tracks org.freedesktop.portal.Fcitx.
	WatchPortal bool `toml:"watch_portal" json:"watch_portal" yaml:"watch_portal"`

	// DialTimeoutMs bounds connecting to the bus.
	DialTimeoutMs int `toml:"dial_timeout_ms" json:"dial_timeout_ms" yaml:"dial_timeout_ms"`

	// CallTimeoutMs bounds bus calls that carry no deadline of their own.
	CallTimeoutMs int `toml:"call_timeout_ms" json:"call_timeout_ms" yaml:"call_timeout_ms"`
}

// SessionConfig holds input context settings.
type SessionConfig struct {
	// Program is sent to the service as the client program name.
	Program string `toml:"program" json:"program" yaml:"program"`

	// Display is sent to the service, e.g. "x11::0" or "wayland:wayland-0".
	Display string `toml:"display" json:"display" yaml:"display"`

	// KeyTimeoutMs bounds asynchronous key calls.
	KeyTimeoutMs int `toml:"key_timeout_ms" json:"key_timeout_ms" yaml:"key_timeout_ms"`

	// ReconnectDelayMs debounces service availability changes.
	ReconnectDelayMs int `toml:"reconnect_delay_ms" json:"reconnect_delay_ms" yaml:"reconnect_delay_ms"`

	// ReplayCacheSize bounds the set of already delivered key events.
	ReplayCacheSize int `toml:"replay_cache_size" json:"replay_cache_size" yaml:"replay_cache_size"`

	// ReconnectRate is the sustained handshake rate per second.
	ReconnectRate float64 `toml:"reconnect_rate" json:"reconnect_rate" yaml:"reconnect_rate"`

	// ReconnectBurst is the number of handshakes allowed back to back.
	ReconnectBurst int `toml:"reconnect_burst" json:"reconnect_burst" yaml:"reconnect_burst"`
}

// DeliveryConfig holds key delivery settings.
type DeliveryConfig struct {
	// SyncModeApps is a comma separated list of program name regexps that
	// use synchronous delivery.
	SyncModeApps string `toml:"sync_mode_apps" json:"sync_mode_apps" yaml:"sync_mode_apps"`

	// EnableSyncMode forces synchronous delivery on or off when set.
	EnableSyncMode *bool `toml:"enable_sync_mode" json:"enable_sync_mode" yaml:"enable_sync_mode"`
}

// FeaturesConfig holds the embedder-declared capabilities.
type FeaturesConfig struct {
	// Names lists capability names, e.g. "preedit", "surrounding_text".
	Names []string `toml:"names" json:"names" yaml:"names"`

	// Purpose is the initial content purpose, e.g. "email".
	Purpose string `toml:"purpose" json:"purpose" yaml:"purpose"`

	// Hints are the initial content hints, e.g. "lowercase".
	Hints []string `toml:"hints" json:"hints" yaml:"hints"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", or "file".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// AddSource adds source locations to log records.
	AddSource bool `toml:"add_source" json:"add_source" yaml:"add_source"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Listen is the address of the /metrics endpoint.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Pretty indents exported spans.
	Pretty bool `toml:"pretty" json:"pretty" yaml:"pretty"`

	// SampleRatio in (0,1]; zero samples everything.
	SampleRatio float64 `toml:"sample_ratio" json:"sample_ratio" yaml:"sample_ratio"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Bus: BusConfig{
			WatchPortal:   true,
			DialTimeoutMs: 5000,
			CallTimeoutMs: 5000,
		},
		Session: SessionConfig{
			KeyTimeoutMs:     3000,
			ReconnectDelayMs: 100,
			ReplayCacheSize:  ime.DefaultReplayCacheSize,
			ReconnectRate:    1,
			ReconnectBurst:   5,
		},
		Features: FeaturesConfig{
			Names: []string{"preedit", "formatted_preedit", "surrounding_text"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9464",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// ConfigDir returns $XDG_CONFIG_HOME/imsession, falling back to
// ~/.config/imsession.
func ConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "imsession")
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "imsession")
	}
	return filepath.Join(os.TempDir(), "imsession")
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches the current directory and the config directory.
// It returns "" when no config file exists.
func FindConfigFile() string {
	for _, dir := range []string{".", ConfigDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// Environment variables honoured by ApplyEnvOverrides.
const (
	EnvSyncModeApps   = "FCITX_SYNC_MODE_APPS"
	EnvEnableSyncMode = "FCITX_ENABLE_SYNC_MODE"
	EnvIBusSyncMode   = "IBUS_ENABLE_SYNC_MODE"
	EnvLogLevel       = "IMSESSION_LOG_LEVEL"
)

// ApplyEnvOverrides applies environment variable overrides to the
// configuration. FCITX_ENABLE_SYNC_MODE wins over IBUS_ENABLE_SYNC_MODE.
func (c *Config) ApplyEnvOverrides() {
	if v, ok := os.LookupEnv(EnvSyncModeApps); ok {
		c.Delivery.SyncModeApps = v
	}
	for _, key := range []string{EnvEnableSyncMode, EnvIBusSyncMode} {
		if v, ok := os.LookupEnv(key); ok {
			enabled := ime.ParseBoolEnv(v)
			c.Delivery.EnableSyncMode = &enabled
			break
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := &Config{
		Version:  c.Version,
		Bus:      c.Bus,
		Session:  c.Session,
		Delivery: c.Delivery,
		Features: c.Features,
		Logging:  c.Logging,
		Metrics:  c.Metrics,
		Tracing:  c.Tracing,
	}
	if c.Delivery.EnableSyncMode != nil {
		v := *c.Delivery.EnableSyncMode
		clone.Delivery.EnableSyncMode = &v
	}
	clone.Features.Names = append([]string(nil), c.Features.Names...)
	clone.Features.Hints = append([]string(nil), c.Features.Hints...)
	return clone
}

// FeatureFlags resolves the features section into a capability mask.
func (c *Config) FeatureFlags() (capability.Flag, error) {
	f, err := capability.ParseFeatures(c.Features.Names)
	if err != nil {
		return 0, err
	}
	if c.Features.Purpose == "" && len(c.Features.Hints) == 0 {
		return f, nil
	}
	p, err := capability.ParsePurpose(c.Features.Purpose)
	if err != nil {
		return 0, err
	}
	h, err := capability.ParseHints(c.Features.Hints)
	if err != nil {
		return 0, err
	}
	return capability.WithContentType(f, p, h), nil
}

// DeliveryMode resolves the delivery section for program.
func (c *Config) DeliveryMode(program string) ime.DeliveryMode {
	return ime.ResolveDeliveryMode(program, ime.DeliveryPolicy{
		SyncModeApps:   c.Delivery.SyncModeApps,
		EnableSyncMode: c.Delivery.EnableSyncMode,
	})
}

// SessionConfig converts the configuration into session settings.
func (c *Config) SessionConfig() (ime.Config, error) {
	features, err := c.FeatureFlags()
	if err != nil {
		return ime.Config{}, err
	}
	s := c.Session
	return ime.Config{
		Program:         s.Program,
		Display:         s.Display,
		ReconnectDelay:  ms(s.ReconnectDelayMs),
		KeyTimeout:      ms(s.KeyTimeoutMs),
		ReplayCacheSize: s.ReplayCacheSize,
		ReconnectRate:   rate.Limit(s.ReconnectRate),
		ReconnectBurst:  s.ReconnectBurst,
		Delivery:        c.DeliveryMode(s.Program),
		Features:        features,
	}, nil
}

// DialTimeout returns the bus dial timeout.
func (c *Config) DialTimeout() time.Duration { return ms(c.Bus.DialTimeoutMs) }

// CallTimeout returns the default bus call timeout.
func (c *Config) CallTimeout() time.Duration { return ms(c.Bus.CallTimeoutMs) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// loadConfigFromFile reads and parses a config file based on its extension.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	var doc map[string]any
	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
		if err := checkSchema(doc); err != nil {
			return nil, err
		}
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
		if err := checkSchema(doc); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
		if err := checkSchema(doc); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	return cfg, nil
}

// autoDetectAndParse attempts to parse the config in multiple formats.
func autoDetectAndParse(data []byte, cfg *Config) error {
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}
	return fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}
