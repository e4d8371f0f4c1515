package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "FLEETDIAG"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return NewLoaderWithViper(viper.New())
}

// NewLoaderWithViper creates a loader using an existing viper instance so
// CLI flag bindings take part in resolution.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v, envPrefix: envPrefix}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (FLEETDIAG_*)
// 3. Project config (.fleetdiag/config.yaml)
// 4. User config (~/.config/fleetdiag/config.yaml)
// 5. Defaults
//
// The diagnoser catalog file, when configured, is appended to the inline
// diagnosers.
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".fleetdiag")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "fleetdiag"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Instance.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolving instance name: %w", err)
		}
		cfg.Instance.Name = host
	}

	if cfg.DiagnosersFile != "" {
		path := cfg.DiagnosersFile
		if !filepath.IsAbs(path) && l.v.ConfigFileUsed() != "" {
			path = filepath.Join(filepath.Dir(l.v.ConfigFileUsed()), path)
		}
		fromFile, err := ReadDiagnosers(path)
		if err != nil {
			return nil, err
		}
		cfg.Diagnosers = append(cfg.Diagnosers, fromFile...)
	}

	return &cfg, nil
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	l.v.SetDefault("instance.name", "")
	l.v.SetDefault("instance.temp_dir", filepath.Join(os.TempDir(), "fleetdiag"))
	l.v.SetDefault("instance.tools_path", "")
	l.v.SetDefault("instance.kill_command", "")
	l.v.SetDefault("instance.site_hostname", "")

	l.v.SetDefault("storage.root", filepath.Join(".fleetdiag", "share"))
	l.v.SetDefault("storage.requests_per_second", 0)
	l.v.SetDefault("storage.burst", 10)
	l.v.SetDefault("storage.watch", true)
	l.v.SetDefault("storage.blob.provider", "none")
	l.v.SetDefault("storage.blob.bucket", "")
	l.v.SetDefault("storage.blob.prefix", "")
	l.v.SetDefault("storage.blob.region", "us-east-1")
	l.v.SetDefault("storage.blob.endpoint", "")
	l.v.SetDefault("storage.blob.access_key", "")
	l.v.SetDefault("storage.blob.secret_key", "")
	l.v.SetDefault("storage.blob.use_path_style", false)
	l.v.SetDefault("storage.blob.project", "")
	l.v.SetDefault("storage.blob.credentials_file", "")
	l.v.SetDefault("storage.blob.public_host", "")

	l.v.SetDefault("lease.backend", "auto")
	l.v.SetDefault("lease.duration", "60s")
	l.v.SetDefault("lease.renew_interval", "15s")
	l.v.SetDefault("lease.retry_interval", "5s")
	l.v.SetDefault("lease.redis_addr", "")
	l.v.SetDefault("lease.redis_password", "")
	l.v.SetDefault("lease.redis_db", 0)
	l.v.SetDefault("lease.redis_prefix", "fleetdiag:lease:")

	l.v.SetDefault("lock.max_attempts", 60)
	l.v.SetDefault("lock.retry_interval", "1s")
	l.v.SetDefault("lock.max_forced_unlocks", 3)

	l.v.SetDefault("heartbeat.interval", "1m")
	l.v.SetDefault("heartbeat.lifetime", "5m")
	l.v.SetDefault("heartbeat.sweep_interval", "10m")

	l.v.SetDefault("sessions.poll_min", "30s")
	l.v.SetDefault("sessions.poll_max", "180s")
	l.v.SetDefault("sessions.poll_jitter", "5s")
	l.v.SetDefault("sessions.orphan_timeout", "15m")
	l.v.SetDefault("sessions.max_duration", "2h")
	l.v.SetDefault("sessions.collector_timeout", "30m")
	l.v.SetDefault("sessions.analyzer_timeout", "1h")
	l.v.SetDefault("sessions.max_sessions_per_day", 10)
	l.v.SetDefault("sessions.max_sessions_in_window", 3)
	l.v.SetDefault("sessions.window", "1h")
	l.v.SetDefault("sessions.allow_concurrent", false)

	l.v.SetDefault("retention.max_completed", 100)
	l.v.SetDefault("retention.max_age", "720h")
	l.v.SetDefault("retention.interval", "1h")

	l.v.SetDefault("api.addr", ":8080")
	l.v.SetDefault("api.cors_origins", []string{})

	l.v.SetDefault("diagnosers_file", "")
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}
