package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateInstance(&cfg.Instance)
	v.validateStorage(&cfg.Storage)
	v.validateLease(&cfg.Lease, &cfg.Storage.Blob)
	v.validateLock(&cfg.Lock)
	v.validateHeartbeat(&cfg.Heartbeat)
	v.validateSessions(&cfg.Sessions)
	v.validateRetention(&cfg.Retention)

	if _, err := NewCatalog(cfg.Diagnosers); err != nil {
		if verrs, ok := err.(ValidationErrors); ok {
			v.errors = append(v.errors, verrs...)
		} else {
			v.addError("diagnosers", len(cfg.Diagnosers), err.Error())
		}
	}

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{Field: field, Value: value, Message: msg})
}

func (v *Validator) positive(field string, d time.Duration) {
	if d <= 0 {
		v.addError(field, d, "must be positive")
	}
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"auto": true, "text": true, "json": true}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}
}

func (v *Validator) validateInstance(cfg *InstanceConfig) {
	if strings.TrimSpace(cfg.Name) == "" {
		v.addError("instance.name", cfg.Name, "name required")
	}
	if strings.ContainsAny(cfg.Name, `/\`) {
		v.addError("instance.name", cfg.Name, "must not contain path separators")
	}
	if cfg.TempDir == "" {
		v.addError("instance.temp_dir", cfg.TempDir, "directory required")
	}
}

func (v *Validator) validateStorage(cfg *StorageConfig) {
	if cfg.Root == "" {
		v.addError("storage.root", cfg.Root, "shared storage root required")
	}
	if cfg.RequestsPerSecond < 0 {
		v.addError("storage.requests_per_second", cfg.RequestsPerSecond, "must be non-negative")
	}
	if cfg.RequestsPerSecond > 0 && cfg.Burst <= 0 {
		v.addError("storage.burst", cfg.Burst, "must be positive when throttling")
	}

	switch cfg.Blob.Provider {
	case "", "none":
	case "s3", "gcs":
		if cfg.Blob.Bucket == "" {
			v.addError("storage.blob.bucket", cfg.Blob.Bucket, "bucket required for "+cfg.Blob.Provider)
		}
		if cfg.Blob.Provider == "s3" && (cfg.Blob.AccessKey == "") != (cfg.Blob.SecretKey == "") {
			v.addError("storage.blob.access_key", "[REDACTED]", "access_key and secret_key must be set together")
		}
	default:
		v.addError("storage.blob.provider", cfg.Blob.Provider, "must be one of: none, s3, gcs")
	}
}

func (v *Validator) validateLease(cfg *LeaseConfig, blob *BlobConfig) {
	switch cfg.Backend {
	case "auto", "file":
	case "blob":
		if !blob.Enabled() {
			v.addError("lease.backend", cfg.Backend, "blob leases require storage.blob.provider")
		}
	case "redis":
		if cfg.RedisAddr == "" {
			v.addError("lease.redis_addr", cfg.RedisAddr, "address required for redis leases")
		}
	default:
		v.addError("lease.backend", cfg.Backend, "must be one of: auto, file, blob, redis")
	}
	v.positive("lease.duration", cfg.Duration)
	v.positive("lease.renew_interval", cfg.RenewInterval)
	v.positive("lease.retry_interval", cfg.RetryInterval)
	if cfg.RenewInterval >= cfg.Duration {
		v.addError("lease.renew_interval", cfg.RenewInterval, "must be shorter than lease.duration")
	}
}

func (v *Validator) validateLock(cfg *LockConfig) {
	if cfg.MaxAttempts <= 0 {
		v.addError("lock.max_attempts", cfg.MaxAttempts, "must be positive")
	}
	v.positive("lock.retry_interval", cfg.RetryInterval)
	if cfg.MaxForcedUnlocks < 0 {
		v.addError("lock.max_forced_unlocks", cfg.MaxForcedUnlocks, "must be non-negative")
	}
}

func (v *Validator) validateHeartbeat(cfg *HeartbeatConfig) {
	v.positive("heartbeat.interval", cfg.Interval)
	v.positive("heartbeat.sweep_interval", cfg.SweepInterval)
	if cfg.Lifetime <= cfg.Interval {
		v.addError("heartbeat.lifetime", cfg.Lifetime, "must be longer than heartbeat.interval")
	}
}

func (v *Validator) validateSessions(cfg *SessionsConfig) {
	v.positive("sessions.poll_min", cfg.PollMin)
	if cfg.PollMax < cfg.PollMin {
		v.addError("sessions.poll_max", cfg.PollMax, "must be >= sessions.poll_min")
	}
	if cfg.PollJitter < 0 {
		v.addError("sessions.poll_jitter", cfg.PollJitter, "must be non-negative")
	}
	v.positive("sessions.orphan_timeout", cfg.OrphanTimeout)
	v.positive("sessions.max_duration", cfg.MaxDuration)
	if cfg.MaxDuration < cfg.OrphanTimeout {
		v.addError("sessions.max_duration", cfg.MaxDuration, "must be >= sessions.orphan_timeout")
	}
	v.positive("sessions.collector_timeout", cfg.CollectorTimeout)
	v.positive("sessions.analyzer_timeout", cfg.AnalyzerTimeout)
	if cfg.MaxSessionsPerDay < 0 {
		v.addError("sessions.max_sessions_per_day", cfg.MaxSessionsPerDay, "must be non-negative")
	}
	if cfg.MaxSessionsInWindow < 0 {
		v.addError("sessions.max_sessions_in_window", cfg.MaxSessionsInWindow, "must be non-negative")
	}
	if cfg.MaxSessionsInWindow > 0 {
		v.positive("sessions.window", cfg.Window)
	}
}

func (v *Validator) validateRetention(cfg *RetentionConfig) {
	if cfg.MaxCompleted < 0 {
		v.addError("retention.max_completed", cfg.MaxCompleted, "must be non-negative")
	}
	if cfg.MaxAge < 0 {
		v.addError("retention.max_age", cfg.MaxAge, "must be non-negative")
	}
	v.positive("retention.interval", cfg.Interval)
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	return NewValidator().Validate(cfg)
}
