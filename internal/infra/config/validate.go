package config

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/mod/semver"

	"trustgate/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateGateway(cfg, ve)
	validateQuota(cfg, ve)
	validateThresholds(cfg, ve)
	validateRecovery(cfg, ve)
	validateMetrics(cfg, ve)
	validateNetwork(cfg, ve)
	validateAlert(cfg, ve)
	validateAPI(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json", "":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q must be stdout or noop", cfg.Tracer.Exporter)
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if !semver.IsValid(canonicalVersion(g.HostVersion)) {
		ve.Add("gateway.host_version %q is not a semantic version", g.HostVersion)
	}
	if len(g.PayloadExtensions) == 0 {
		ve.Add("gateway.payload_extensions must not be empty")
	}
	for _, ext := range g.PayloadExtensions {
		if !strings.HasPrefix(ext, ".") {
			ve.Add("gateway.payload_extensions entry %q must start with '.'", ext)
		}
	}
	if g.WorkerPoolSize <= 0 {
		ve.Add("gateway.worker_pool_size must be > 0")
	}
	for _, p := range append(append([]string{}, g.AllowPermissions...), g.DenyPermissions...) {
		if _, err := domain.ParsePermission(p); err != nil {
			ve.Add("gateway permission list: %v", err)
		}
	}
}

func validateQuota(cfg *Config, ve *ValidationError) {
	d, m := cfg.Quota.Defaults, cfg.Quota.Maximum
	if d.MemoryLimit == 0 || d.StorageLimit == 0 || d.NetworkLimit == 0 {
		ve.Add("quota.defaults memory_limit, storage_limit and network_limit must be > 0")
	}
	if d.CPULimit <= 0 || d.CPULimit > 100 {
		ve.Add("quota.defaults.cpu_limit must be in (0, 100]")
	}
	if d.MaxExecutionTime <= 0 {
		ve.Add("quota.defaults.max_execution_time must be > 0")
	}
	if m.MemoryLimit > 0 && d.MemoryLimit > m.MemoryLimit {
		ve.Add("quota.defaults.memory_limit exceeds quota.maximum.memory_limit")
	}
	if m.StorageLimit > 0 && d.StorageLimit > m.StorageLimit {
		ve.Add("quota.defaults.storage_limit exceeds quota.maximum.storage_limit")
	}
}

func validateThresholds(cfg *Config, ve *ValidationError) {
	t := cfg.Thresholds
	if t.MaxCrashes <= 0 {
		ve.Add("thresholds.max_crashes must be > 0")
	}
	if t.CPUWarnPercent <= 0 || t.CPUWarnPercent > 100 {
		ve.Add("thresholds.cpu_warn_percent must be in (0, 100]")
	}
	if t.MemoryWarnBytes == 0 {
		ve.Add("thresholds.memory_warn_bytes must be > 0")
	}
}

func validateRecovery(cfg *Config, ve *ValidationError) {
	if _, err := domain.ParseRecoveryStrategy(cfg.Recovery.DefaultStrategy); err != nil {
		ve.Add("recovery.default_strategy: %v", err)
	}
	for id, s := range cfg.Recovery.Strategies {
		if _, err := domain.ParseRecoveryStrategy(s); err != nil {
			ve.Add("recovery.strategies[%s]: %v", id, err)
		}
	}
	if cfg.Recovery.AutoRestartDelay < 0 {
		ve.Add("recovery.auto_restart_delay must be >= 0")
	}
}

func validateMetrics(cfg *Config, ve *ValidationError) {
	if cfg.Metrics.MonitorInterval <= 0 {
		ve.Add("metrics.monitor_interval must be > 0")
	}
	if addr := cfg.Metrics.PrometheusAddr; addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			ve.Add("metrics.prometheus_addr %q: %v", addr, err)
		}
	}
}

func validateNetwork(cfg *Config, ve *ValidationError) {
	n := cfg.Network
	if n.RequestTimeout <= 0 {
		ve.Add("network.request_timeout must be > 0")
	}
	if n.MaxResponseSize <= 0 {
		ve.Add("network.max_response_size must be > 0")
	}
	if n.RatePerSecond < 0 || n.Burst < 0 {
		ve.Add("network.rate_per_second and network.burst must be >= 0")
	}
	if n.CircuitBreaker.MaxFailures == 0 {
		ve.Add("network.circuit_breaker.max_failures must be > 0")
	}
}

func validateAlert(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Alert.MinSeverity) {
	case "low", "medium", "high", "critical":
	default:
		ve.Add("alert.min_severity %q must be low, medium, high or critical", cfg.Alert.MinSeverity)
	}
	if u := cfg.Alert.SlackWebhookURL; u != "" && !strings.HasPrefix(u, "enc:") && !strings.HasPrefix(u, "https://") {
		ve.Add("alert.slack_webhook_url must use https")
	}
}

func validateAPI(cfg *Config, ve *ValidationError) {
	a := cfg.API
	if a.Addr == "" {
		return
	}
	if _, _, err := net.SplitHostPort(a.Addr); err != nil {
		ve.Add("api.addr %q: %v", a.Addr, err)
	}
	if a.RequestsPerMin < 0 || a.Burst < 0 {
		ve.Add("api.requests_per_min and api.burst must be >= 0")
	}
	seen := make(map[string]bool)
	for i, t := range a.Tokens {
		if t.Name == "" || t.Token == "" {
			ve.Add("api.tokens[%d] needs a name and a token", i)
		}
		if seen[t.Token] {
			ve.Add("api.tokens[%d] duplicates another token", i)
		}
		seen[t.Token] = true
	}
}

// canonicalVersion prefixes "v" as x/mod/semver expects.
func canonicalVersion(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
