package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Permission is a capability a plugin declares in its manifest.
type Permission string

const (
	PermissionStorage    Permission = "storage"
	PermissionNetwork    Permission = "network"
	PermissionSystemInfo Permission = "system_info"
	PermissionMessageBus Permission = "message_bus"
	PermissionLogger     Permission = "logger"
)

// KnownPermissions lists every capability the host can grant.
var KnownPermissions = []Permission{
	PermissionStorage,
	PermissionNetwork,
	PermissionSystemInfo,
	PermissionMessageBus,
	PermissionLogger,
}

// ParsePermission normalizes a manifest permission string. Both snake_case
// and the CamelCase spellings ("SystemInfo") are accepted.
func ParsePermission(s string) (Permission, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	switch norm {
	case "systeminfo":
		norm = string(PermissionSystemInfo)
	case "messagebus":
		norm = string(PermissionMessageBus)
	}
	for _, p := range KnownPermissions {
		if string(p) == norm {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown permission %q: %w", s, ErrInvalidInput)
}

// PluginInfo is the parsed manifest of a verified plugin archive.
// It is treated as immutable once returned by the manifest parser.
type PluginInfo struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Version        string   `json:"version"`
	Author         string   `json:"author"`
	Description    string   `json:"description"`
	MinCoreVersion string   `json:"min_core_version"`
	MaxCoreVersion *string  `json:"max_core_version"`
	Permissions    []string `json:"permissions"`
	EntryPoint     string   `json:"entry_point"`
	Dependencies   []string `json:"dependencies"`
}

// HasPermission reports whether the manifest declares p.
func (p *PluginInfo) HasPermission(perm Permission) bool {
	for _, s := range p.Permissions {
		if parsed, err := ParsePermission(s); err == nil && parsed == perm {
			return true
		}
	}
	return false
}

// LoadedPlugin is a read-only view of a plugin tracked by the gateway.
type LoadedPlugin struct {
	Info     PluginInfo     `json:"info"`
	State    LifecycleState `json:"state"`
	Quota    ResourceQuota  `json:"quota"`
	Archive  string         `json:"archive"`
	LoadedAt time.Time      `json:"loaded_at"`
}

// ExecutionRequest is what the gateway hands to the execution engine.
type ExecutionRequest struct {
	PluginID string
	Command  string
	Args     map[string]string
	Limits   ResourceQuota
}

// ExecutionOutcome is what the engine reports back.
type ExecutionOutcome struct {
	Output     string
	MemoryUsed uint64
	Duration   time.Duration
}

// ExecutionEngine runs a plugin payload under resource limits.
type ExecutionEngine interface {
	// Instantiate compiles the payload and prepares an instance for pluginID.
	Instantiate(ctx context.Context, info PluginInfo, payload []byte, limits ResourceQuota) error
	// Execute invokes a command on a previously instantiated plugin.
	Execute(ctx context.Context, req ExecutionRequest) (ExecutionOutcome, error)
	// Unload releases the instance for pluginID.
	Unload(ctx context.Context, pluginID string) error
	Close(ctx context.Context) error
}

// StorageEngine is a per-plugin key/value store.
type StorageEngine interface {
	Put(ctx context.Context, pluginID, key string, value []byte) error
	Get(ctx context.Context, pluginID, key string) ([]byte, error)
	Delete(ctx context.Context, pluginID, key string) error
	Size(ctx context.Context, pluginID string) (int64, error)
}

// SystemInfo is the host snapshot exposed to plugins with system_info.
type SystemInfo struct {
	OS              string  `json:"os"`
	Arch            string  `json:"arch"`
	Hostname        string  `json:"hostname"`
	CPUCount        int     `json:"cpu_count"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryTotal     uint64  `json:"memory_total"`
	MemoryAvailable uint64  `json:"memory_available"`
	Uptime          uint64  `json:"uptime"`
}

// SystemInfoProvider reports host information.
type SystemInfoProvider interface {
	SystemInfo(ctx context.Context) (SystemInfo, error)
}
