package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RecoveryStrategy is the per-plugin policy applied after a crash.
type RecoveryStrategy string

const (
	StrategyAskUser      RecoveryStrategy = "ask_user"
	StrategyAutoRestart  RecoveryStrategy = "auto_restart"
	StrategyDisable      RecoveryStrategy = "disable"
	StrategyAlertAndWait RecoveryStrategy = "alert_and_wait"
)

// ParseRecoveryStrategy accepts snake_case or CamelCase names.
func ParseRecoveryStrategy(s string) (RecoveryStrategy, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "")) {
	case "askuser":
		return StrategyAskUser, nil
	case "autorestart":
		return StrategyAutoRestart, nil
	case "disable":
		return StrategyDisable, nil
	case "alertandwait":
		return StrategyAlertAndWait, nil
	}
	return "", fmt.Errorf("unknown recovery strategy %q: %w", s, ErrInvalidInput)
}

// RecoveryAction is the decision taken for one crash.
type RecoveryAction string

const (
	ActionPromptUser RecoveryAction = "prompt_user"
	ActionRestart    RecoveryAction = "restart"
	ActionDisable    RecoveryAction = "disable"
	ActionAlert      RecoveryAction = "alert"
)

// Action maps a strategy to the action it prescribes.
func (s RecoveryStrategy) Action() RecoveryAction {
	switch s {
	case StrategyAutoRestart:
		return ActionRestart
	case StrategyDisable:
		return ActionDisable
	case StrategyAlertAndWait:
		return ActionAlert
	default:
		return ActionPromptUser
	}
}

// RecoveryOutcome tags a RecoveryResult.
type RecoveryOutcome string

const (
	OutcomeUserPrompted RecoveryOutcome = "user_prompted"
	OutcomeRestarted    RecoveryOutcome = "restarted"
	OutcomeDisabled     RecoveryOutcome = "disabled"
	OutcomeAlerted      RecoveryOutcome = "alerted"
	OutcomeFailed       RecoveryOutcome = "failed"
)

// RecoveryResult is returned by executing a recovery action.
type RecoveryResult struct {
	Outcome RecoveryOutcome `json:"outcome"`
	Reason  string          `json:"reason,omitempty"`
}

// Succeeded reports whether the action took effect.
func (r RecoveryResult) Succeeded() bool { return r.Outcome != OutcomeFailed }

// CrashRecord is one entry of a plugin's crash history.
type CrashRecord struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error"`
	Action    RecoveryAction `json:"action"`
	Success   bool           `json:"success"`
}

// RecoveryStats aggregates recovery outcomes across all plugins.
type RecoveryStats struct {
	TotalCrashes         int `json:"total_crashes"`
	SuccessfulRecoveries int `json:"successful_recoveries"`
	FailedRecoveries     int `json:"failed_recoveries"`
	DisabledPlugins      int `json:"disabled_plugins"`
}

// UserPrompter asks a human what to do with a crashed plugin. Returning true
// means "restart"; false means "keep disabled".
type UserPrompter interface {
	PromptRecovery(ctx context.Context, pluginID string, crash CrashRecord) (bool, error)
}

// Alert is a security or operational notification raised by the host.
type Alert struct {
	ID         string            `json:"id"`
	PluginID   string            `json:"plugin_id"`
	Type       AlertType         `json:"type"`
	Severity   Severity          `json:"severity"`
	Message    string            `json:"message"`
	Timestamp  time.Time         `json:"timestamp"`
	Context    map[string]string `json:"context,omitempty"`
	Resolved   bool              `json:"resolved"`
	Resolution string            `json:"resolution,omitempty"`
}

// AlertType classifies an Alert.
type AlertType string

const (
	AlertThreatDetected        AlertType = "threat_detected"
	AlertPermissionViolation   AlertType = "permission_violation"
	AlertResourceLimitExceeded AlertType = "resource_limit_exceeded"
	AlertSuspiciousActivity    AlertType = "suspicious_activity"
	AlertPluginCrash           AlertType = "plugin_crash"
	AlertSecurityViolation     AlertType = "security_violation"
	AlertPerformanceAnomaly    AlertType = "performance_anomaly"
)

// Alerter raises an alert through whatever channels the host configured.
type Alerter interface {
	Raise(ctx context.Context, alert Alert) error
}
