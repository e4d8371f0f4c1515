package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	cfg.Instance.Name = "web-1"
	cfg.Diagnosers = []core.Diagnoser{{Name: "memdump", Collector: core.CollectorSpec{Command: "dump"}}}
	return cfg
}

func TestValidator_Defaults(t *testing.T) {
	if err := ValidateConfig(validConfig(t)); err != nil {
		t.Fatalf("ValidateConfig() error = %v", err)
	}
}

func TestValidator_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"instance name", func(c *Config) { c.Instance.Name = "a/b" }, "instance.name"},
		{"blob provider", func(c *Config) { c.Storage.Blob.Provider = "azure" }, "storage.blob.provider"},
		{"bucket", func(c *Config) { c.Storage.Blob.Provider = "gcs" }, "storage.blob.bucket"},
		{"blob lease without store", func(c *Config) { c.Lease.Backend = "blob" }, "lease.backend"},
		{"redis addr", func(c *Config) { c.Lease.Backend = "redis" }, "lease.redis_addr"},
		{"renew interval", func(c *Config) { c.Lease.RenewInterval = 2 * c.Lease.Duration }, "lease.renew_interval"},
		{"lock attempts", func(c *Config) { c.Lock.MaxAttempts = 0 }, "lock.max_attempts"},
		{"heartbeat lifetime", func(c *Config) { c.Heartbeat.Lifetime = time.Second }, "heartbeat.lifetime"},
		{"poll bounds", func(c *Config) { c.Sessions.PollMax = time.Second }, "sessions.poll_max"},
		{"retention", func(c *Config) { c.Retention.MaxCompleted = -1 }, "retention.max_completed"},
		{"duplicate diagnoser", func(c *Config) {
			c.Diagnosers = append(c.Diagnosers, core.Diagnoser{Name: "MEMDUMP", Collector: core.CollectorSpec{Command: "x"}})
		}, "diagnosers[1].name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)

			v := NewValidator()
			err := v.Validate(cfg)
			require.Error(t, err)

			var fields []string
			for _, e := range v.Errors() {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		{Field: "a", Value: 1, Message: "bad"},
		{Field: "b", Value: "x", Message: "worse"},
	}
	assert.True(t, errs.HasErrors())
	assert.Equal(t, "config validation: a: bad (got: 1); config validation: b: worse (got: x)", errs.Error())
}
