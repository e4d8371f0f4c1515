package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
)

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Lock.MaxAttempts != 60 {
		t.Errorf("Lock.MaxAttempts = %d, want 60", cfg.Lock.MaxAttempts)
	}
	if cfg.Lock.RetryInterval != time.Second {
		t.Errorf("Lock.RetryInterval = %v, want 1s", cfg.Lock.RetryInterval)
	}
	if cfg.Sessions.PollMin != 30*time.Second || cfg.Sessions.PollMax != 180*time.Second {
		t.Errorf("poll bounds = %v..%v, want 30s..3m0s", cfg.Sessions.PollMin, cfg.Sessions.PollMax)
	}
	if cfg.Lease.Backend != "auto" {
		t.Errorf("Lease.Backend = %q, want auto", cfg.Lease.Backend)
	}
	if cfg.Storage.Blob.Enabled() {
		t.Error("Storage.Blob.Enabled() = true, want false by default")
	}
	if cfg.Instance.Name == "" {
		t.Error("Instance.Name should default to the hostname")
	}
}

func TestLoader_EnvOverride(t *testing.T) {
	t.Setenv("FLEETDIAG_LOG_LEVEL", "debug")
	t.Setenv("FLEETDIAG_LOCK_RETRY_INTERVAL", "250ms")
	t.Setenv("FLEETDIAG_INSTANCE_NAME", "web-7")

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 250*time.Millisecond, cfg.Lock.RetryInterval)
	assert.Equal(t, "web-7", cfg.Instance.Name)
}

func TestLoader_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	catalog := `
- name: trace
  collector:
    kind: range
    command: "%toolsPath%/trace"
    arguments: "-o %outputDir%"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "diagnosers.yaml"), []byte(catalog), 0o600))

	content := `
log:
  level: warn
  format: json
instance:
  name: web-1
sessions:
  orphan_timeout: 5m
  allow_concurrent: true
diagnosers_file: diagnosers.yaml
diagnosers:
  - name: memdump
    requires_storage_account: true
    collector:
      command: dump
      timeout: 10m
    analyzer:
      command: analyze
      arguments: "%logFile% %outputDir%"
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	loader := NewLoader().WithConfigFile(path)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, path, loader.ConfigFile())
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "web-1", cfg.Instance.Name)
	assert.Equal(t, 5*time.Minute, cfg.Sessions.OrphanTimeout)
	assert.True(t, cfg.Sessions.AllowConcurrent)

	require.Len(t, cfg.Diagnosers, 2)
	mem := cfg.Diagnosers[0]
	assert.Equal(t, "memdump", mem.Name)
	assert.True(t, mem.RequiresStorageAccount)
	assert.Equal(t, 10*time.Minute, mem.Collector.Timeout)
	require.NotNil(t, mem.Analyzer)
	assert.Equal(t, "analyze", mem.Analyzer.Command)

	trace := cfg.Diagnosers[1]
	assert.Equal(t, core.CollectorKindRange, trace.Collector.Kind)
	assert.False(t, trace.HasAnalyzer())

	require.NoError(t, ValidateConfig(cfg))
}

func TestLoader_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o600))
	t.Setenv("FLEETDIAG_LOG_LEVEL", "error")

	cfg, err := NewLoader().WithConfigFile(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level, "env should override file")
}

func TestLoader_InvalidConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: [invalid yaml\n"), 0o600))

	if _, err := NewLoader().WithConfigFile(path).Load(); err == nil {
		t.Fatal("Load() expected error for invalid YAML")
	}
}

func TestLoader_MissingCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("diagnosers_file: nope.yaml\n"), 0o600))

	_, err := NewLoader().WithConfigFile(path).Load()
	assert.Error(t, err)
}
