package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditTrustedKeyAdded   AuditEventType = "trusted_key_added"
	AuditPluginAdmitted    AuditEventType = "plugin_admitted"
	AuditPluginRejected    AuditEventType = "plugin_rejected"
	AuditPluginUnloaded    AuditEventType = "plugin_unloaded"
	AuditPluginEnabled     AuditEventType = "plugin_enabled"
	AuditPluginDisabled    AuditEventType = "plugin_disabled"
	AuditStrategyChanged   AuditEventType = "recovery_strategy_changed"
	AuditRecoveryReset     AuditEventType = "recovery_reset"
	AuditRecoveryResolved  AuditEventType = "recovery_resolved"
	AuditPermissionGranted AuditEventType = "permission_granted"
	AuditPermissionRevoked AuditEventType = "permission_revoked"
	AuditAccessDenied      AuditEventType = "access_denied"
	AuditAlertResolved     AuditEventType = "alert_resolved"
)

// AuditEvent represents a single auditable action.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Detail    map[string]string `json:"detail"`

	Actor    string `json:"actor,omitempty"`
	Resource string `json:"resource,omitempty"`
	Action   string `json:"action,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// AuditLogger writes audit events to a persistent log.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}
