package config

import (
	"time"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
)

// Config holds all application configuration.
type Config struct {
	Log            LogConfig        `mapstructure:"log"`
	Instance       InstanceConfig   `mapstructure:"instance"`
	Storage        StorageConfig    `mapstructure:"storage"`
	Lease          LeaseConfig      `mapstructure:"lease"`
	Lock           LockConfig       `mapstructure:"lock"`
	Heartbeat      HeartbeatConfig  `mapstructure:"heartbeat"`
	Sessions       SessionsConfig   `mapstructure:"sessions"`
	Retention      RetentionConfig  `mapstructure:"retention"`
	API            APIConfig        `mapstructure:"api"`
	DiagnosersFile string           `mapstructure:"diagnosers_file"`
	Diagnosers     []core.Diagnoser `mapstructure:"diagnosers"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// InstanceConfig describes the local instance.
type InstanceConfig struct {
	// Name identifies the instance in sessions and heartbeats. Defaults to
	// the hostname.
	Name      string `mapstructure:"name"`
	TempDir   string `mapstructure:"temp_dir"`
	ToolsPath string `mapstructure:"tools_path"`
	// KillCommand stops the monitored application for CollectKillAndAnalyze.
	KillCommand  string `mapstructure:"kill_command"`
	SiteHostname string `mapstructure:"site_hostname"`
}

// StorageConfig configures the shared store.
type StorageConfig struct {
	Root              string     `mapstructure:"root"`
	RequestsPerSecond float64    `mapstructure:"requests_per_second"`
	Burst             int        `mapstructure:"burst"`
	Watch             bool       `mapstructure:"watch"`
	Blob              BlobConfig `mapstructure:"blob"`
}

// BlobConfig configures the optional object store used for artifacts and
// blob leases.
type BlobConfig struct {
	Provider        string `mapstructure:"provider"` // none, s3, gcs
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKey       string `mapstructure:"access_key"`
	SecretKey       string `mapstructure:"secret_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	Project         string `mapstructure:"project"`
	CredentialsFile string `mapstructure:"credentials_file"`
	PublicHost      string `mapstructure:"public_host"`
}

// Enabled reports whether an object store is configured.
func (b BlobConfig) Enabled() bool {
	return b.Provider != "" && b.Provider != "none"
}

// LeaseConfig configures artifact leases.
type LeaseConfig struct {
	Backend       string        `mapstructure:"backend"` // auto, file, blob, redis
	Duration      time.Duration `mapstructure:"duration"`
	RenewInterval time.Duration `mapstructure:"renew_interval"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	RedisPrefix   string        `mapstructure:"redis_prefix"`
}

// LockConfig configures the session document lock.
type LockConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RetryInterval    time.Duration `mapstructure:"retry_interval"`
	MaxForcedUnlocks int           `mapstructure:"max_forced_unlocks"`
}

// HeartbeatConfig configures instance liveness records.
type HeartbeatConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	Lifetime      time.Duration `mapstructure:"lifetime"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// SessionsConfig configures the orchestration loop and submission limits.
type SessionsConfig struct {
	PollMin             time.Duration `mapstructure:"poll_min"`
	PollMax             time.Duration `mapstructure:"poll_max"`
	PollJitter          time.Duration `mapstructure:"poll_jitter"`
	OrphanTimeout       time.Duration `mapstructure:"orphan_timeout"`
	MaxDuration         time.Duration `mapstructure:"max_duration"`
	CollectorTimeout    time.Duration `mapstructure:"collector_timeout"`
	AnalyzerTimeout     time.Duration `mapstructure:"analyzer_timeout"`
	MaxSessionsPerDay   int           `mapstructure:"max_sessions_per_day"`
	MaxSessionsInWindow int           `mapstructure:"max_sessions_in_window"`
	Window              time.Duration `mapstructure:"window"`
	AllowConcurrent     bool          `mapstructure:"allow_concurrent"`
}

// RetentionConfig configures completed-session housekeeping.
type RetentionConfig struct {
	MaxCompleted int           `mapstructure:"max_completed"`
	MaxAge       time.Duration `mapstructure:"max_age"`
	Interval     time.Duration `mapstructure:"interval"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}
