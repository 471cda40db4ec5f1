package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
	if cfg.Thresholds.MaxCrashes != 5 {
		t.Errorf("Thresholds.MaxCrashes = %d, want 5", cfg.Thresholds.MaxCrashes)
	}
	if cfg.Metrics.MonitorInterval != 30*time.Second {
		t.Errorf("Metrics.MonitorInterval = %v, want 30s", cfg.Metrics.MonitorInterval)
	}
	if cfg.Recovery.AutoRestartDelay != 5*time.Second {
		t.Errorf("Recovery.AutoRestartDelay = %v, want 5s", cfg.Recovery.AutoRestartDelay)
	}
	assert.Equal(t, []string{".wasm"}, cfg.Gateway.PayloadExtensions)
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Gateway.WorkerPoolSize)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
logger:
  level: "debug"
gateway:
  host_version: "2.1.0"
  worker_pool_size: 4
  deny_permissions: ["network"]
quota:
  defaults:
    memory_limit: 1048576
    cpu_limit: 50
    storage_limit: 2048
    network_limit: 10
    network_window: 30s
    max_execution_time: 5s
thresholds:
  max_crashes: 3
  cpu_warn_percent: 90
  memory_warn_bytes: 1048576
  crash_warn_count: 3
recovery:
  default_strategy: "AutoRestart"
  strategies:
    acme.tool: "disable"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "2.1.0", cfg.Gateway.HostVersion)
	assert.Equal(t, 4, cfg.Gateway.WorkerPoolSize)
	assert.Equal(t, []string{"network"}, cfg.Gateway.DenyPermissions)
	assert.Equal(t, uint64(1048576), cfg.Quota.Defaults.MemoryLimit)
	assert.Equal(t, 30*time.Second, cfg.Quota.Defaults.NetworkWindow)
	assert.Equal(t, 5*time.Second, cfg.Quota.Defaults.MaxExecutionTime)
	assert.Equal(t, 3, cfg.Thresholds.MaxCrashes)
	assert.Equal(t, "disable", cfg.Recovery.Strategies["acme.tool"])
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway: [unterminated"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadInsecurePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logger:\n  level: info\n"), 0o600))
	require.NoError(t, os.Chmod(path, 0o666))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure permissions")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRUSTGATE_LOGGER_LEVEL", "error")
	t.Setenv("TRUSTGATE_HOST_VERSION", "3.0.0")
	t.Setenv("TRUSTGATE_WORKER_POOL_SIZE", "16")
	t.Setenv("TRUSTGATE_MAX_CRASHES", "7")
	t.Setenv("TRUSTGATE_MONITOR_INTERVAL", "10s")
	t.Setenv("TRUSTGATE_TRUSTED_KEYS", "a.pem, b.pem,")
	t.Setenv("TRUSTGATE_API_ADDR", "127.0.0.1:9480")
	t.Setenv("TRUSTGATE_API_TOKEN", "tok")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	assert.Equal(t, "error", cfg.Logger.Level)
	assert.Equal(t, "3.0.0", cfg.Gateway.HostVersion)
	assert.Equal(t, 16, cfg.Gateway.WorkerPoolSize)
	assert.Equal(t, 7, cfg.Thresholds.MaxCrashes)
	assert.Equal(t, 10*time.Second, cfg.Metrics.MonitorInterval)
	assert.Equal(t, []string{"a.pem", "b.pem"}, cfg.Gateway.TrustedKeys)
	assert.Equal(t, "127.0.0.1:9480", cfg.API.Addr)
	assert.Equal(t, []APIToken{{Name: "env", Token: "tok"}}, cfg.API.Tokens)
}

func TestEnvOverridesIgnoreGarbage(t *testing.T) {
	t.Setenv("TRUSTGATE_WORKER_POOL_SIZE", "lots")
	t.Setenv("TRUSTGATE_MONITOR_INTERVAL", "-1s")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	assert.Equal(t, 8, cfg.Gateway.WorkerPoolSize)
	assert.Equal(t, 30*time.Second, cfg.Metrics.MonitorInterval)
}

func TestEncryptDecryptValue(t *testing.T) {
	enc, err := EncryptValue("https://hooks.slack.com/services/T/B/X", "pass")
	require.NoError(t, err)
	assert.NotContains(t, enc, "hooks.slack.com")

	dec, err := DecryptValue(enc, "pass")
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.slack.com/services/T/B/X", dec)

	_, err = DecryptValue(enc, "wrong")
	assert.Error(t, err)
	_, err = DecryptValue("nocolon", "pass")
	assert.Error(t, err)
}

func TestLoadDecryptsSecrets(t *testing.T) {
	enc, err := EncryptValue("storage-secret", "k")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  passphrase: \"enc:"+enc+"\"\n"), 0o600))
	t.Setenv("TRUSTGATE_CONFIG_KEY", "k")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "storage-secret", cfg.Storage.Passphrase)
}
