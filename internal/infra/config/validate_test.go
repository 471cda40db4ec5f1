package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateDefaultsPass(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad level", func(c *Config) { c.Logger.Level = "loud" }, "logger.level"},
		{"bad format", func(c *Config) { c.Logger.Format = "xml" }, "logger.format"},
		{"bad exporter", func(c *Config) { c.Tracer.Exporter = "jaeger" }, "tracer.exporter"},
		{"bad host version", func(c *Config) { c.Gateway.HostVersion = "latest" }, "gateway.host_version"},
		{"no payload ext", func(c *Config) { c.Gateway.PayloadExtensions = nil }, "gateway.payload_extensions must not be empty"},
		{"ext without dot", func(c *Config) { c.Gateway.PayloadExtensions = []string{"wasm"} }, "must start with '.'"},
		{"pool size", func(c *Config) { c.Gateway.WorkerPoolSize = 0 }, "gateway.worker_pool_size"},
		{"unknown permission", func(c *Config) { c.Gateway.DenyPermissions = []string{"root"} }, "unknown permission"},
		{"cpu limit", func(c *Config) { c.Quota.Defaults.CPULimit = 150 }, "quota.defaults.cpu_limit"},
		{"exec time", func(c *Config) { c.Quota.Defaults.MaxExecutionTime = 0 }, "max_execution_time"},
		{"default over max", func(c *Config) { c.Quota.Defaults.MemoryLimit = c.Quota.Maximum.MemoryLimit + 1 }, "exceeds quota.maximum.memory_limit"},
		{"max crashes", func(c *Config) { c.Thresholds.MaxCrashes = 0 }, "thresholds.max_crashes"},
		{"strategy", func(c *Config) { c.Recovery.DefaultStrategy = "panic" }, "recovery.default_strategy"},
		{"per plugin strategy", func(c *Config) { c.Recovery.Strategies = map[string]string{"x": "nope"} }, "recovery.strategies[x]"},
		{"monitor interval", func(c *Config) { c.Metrics.MonitorInterval = 0 }, "metrics.monitor_interval"},
		{"prometheus addr", func(c *Config) { c.Metrics.PrometheusAddr = "nohost" }, "metrics.prometheus_addr"},
		{"network timeout", func(c *Config) { c.Network.RequestTimeout = 0 }, "network.request_timeout"},
		{"breaker", func(c *Config) { c.Network.CircuitBreaker.MaxFailures = 0 }, "max_failures"},
		{"alert severity", func(c *Config) { c.Alert.MinSeverity = "meh" }, "alert.min_severity"},
		{"slack http", func(c *Config) { c.Alert.SlackWebhookURL = "http://hooks.slack.com/x" }, "must use https"},
		{"api addr", func(c *Config) { c.API.Addr = "8080" }, "api.addr"},
		{"api token unnamed", func(c *Config) {
			c.API.Addr = ":8080"
			c.API.Tokens = []APIToken{{Token: "x"}}
		}, "needs a name and a token"},
		{"api token duplicate", func(c *Config) {
			c.API.Addr = ":8080"
			c.API.Tokens = []APIToken{{Name: "a", Token: "x"}, {Name: "b", Token: "x"}}
		}, "duplicates another token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateAccumulates(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.WorkerPoolSize = 0
	cfg.Thresholds.MaxCrashes = 0
	err := Validate(cfg)

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 2 {
		t.Errorf("got %d errors, want 2: %v", len(ve.Errors), ve.Errors)
	}
}

func TestCanonicalVersion(t *testing.T) {
	if got := canonicalVersion("1.2.3"); got != "v1.2.3" {
		t.Errorf("canonicalVersion = %q", got)
	}
	if got := canonicalVersion("v1.2.3"); got != "v1.2.3" {
		t.Errorf("canonicalVersion = %q", got)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
