package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"imsession/internal/capability"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Unwrap() error { return ErrInvalidConfig }

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateBus(&c.Bus)...)
	errs = append(errs, validateSession(&c.Session)...)
	errs = append(errs, validateDelivery(&c.Delivery)...)
	errs = append(errs, validateFeatures(&c.Features)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	errs = append(errs, validateTracing(&c.Tracing)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateBus(b *BusConfig) ValidationErrors {
	var errs ValidationErrors
	if b.DialTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "bus.dial_timeout_ms",
			Message: "dial timeout cannot be negative",
		})
	}
	if b.CallTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "bus.call_timeout_ms",
			Message: "call timeout cannot be negative",
		})
	}
	return errs
}

func validateSession(s *SessionConfig) ValidationErrors {
	var errs ValidationErrors

	if s.KeyTimeoutMs < 1 || s.KeyTimeoutMs > 60000 {
		errs = append(errs, *RangeError("session.key_timeout_ms", 1, 60000))
	}
	if s.ReconnectDelayMs < 1 || s.ReconnectDelayMs > 60000 {
		errs = append(errs, *RangeError("session.reconnect_delay_ms", 1, 60000))
	}
	if s.ReplayCacheSize < 1 || s.ReplayCacheSize > 4096 {
		errs = append(errs, *RangeError("session.replay_cache_size", 1, 4096))
	}
	if s.ReconnectRate <= 0 {
		errs = append(errs, ValidationError{
			Field:   "session.reconnect_rate",
			Message: "reconnect rate must be positive",
		})
	}
	if s.ReconnectBurst < 1 {
		errs = append(errs, ValidationError{
			Field:   "session.reconnect_burst",
			Message: "reconnect burst must be at least 1",
		})
	}
	return errs
}

// validateDelivery reports bad sync-mode patterns. They are skipped at
// match time, so this is the only place they surface.
func validateDelivery(d *DeliveryConfig) ValidationErrors {
	var errs ValidationErrors
	for _, pattern := range strings.Split(d.SyncModeApps, ",") {
		if pattern == "" {
			continue
		}
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, ValidationError{
				Field:   "delivery.sync_mode_apps",
				Message: fmt.Sprintf("invalid pattern %q: %v", pattern, err),
			})
		}
	}
	return errs
}

func validateFeatures(f *FeaturesConfig) ValidationErrors {
	var errs ValidationErrors
	if _, err := capability.ParseFeatures(f.Names); err != nil {
		errs = append(errs, ValidationError{Field: "features.names", Message: err.Error()})
	}
	if _, err := capability.ParsePurpose(f.Purpose); err != nil {
		errs = append(errs, ValidationError{Field: "features.purpose", Message: err.Error()})
	}
	if _, err := capability.ParseHints(f.Hints); err != nil {
		errs = append(errs, ValidationError{Field: "features.hints", Message: err.Error()})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file)", l.Output),
		})
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if !m.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.Listen); err != nil {
		return ValidationErrors{{
			Field:   "metrics.listen",
			Message: fmt.Sprintf("invalid listen address %q: %v", m.Listen, err),
		}}
	}
	return nil
}

func validateTracing(t *TracingConfig) ValidationErrors {
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		return ValidationErrors{*RangeError("tracing.sample_ratio", 0, 1)}
	}
	return nil
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
