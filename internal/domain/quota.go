package domain

import "time"

const (
	mib = 1024 * 1024

	DefaultMemoryLimit      = 100 * mib
	DefaultCPULimit         = 75.0
	DefaultStorageLimit     = 10 * mib
	DefaultNetworkLimit     = 60
	DefaultNetworkWindow    = time.Minute
	DefaultMaxExecutionTime = 30 * time.Second
)

// ResourceQuota holds the per-plugin resource ceilings.
type ResourceQuota struct {
	MemoryLimit      uint64        `json:"memory_limit"       yaml:"memory_limit"`
	CPULimit         float64       `json:"cpu_limit"          yaml:"cpu_limit"`
	StorageLimit     uint64        `json:"storage_limit"      yaml:"storage_limit"`
	NetworkLimit     uint32        `json:"network_limit"      yaml:"network_limit"`
	NetworkWindow    time.Duration `json:"network_window"     yaml:"network_window"`
	MaxExecutionTime time.Duration `json:"max_execution_time" yaml:"max_execution_time"`
}

// DefaultResourceQuota returns the built-in per-plugin ceilings.
func DefaultResourceQuota() ResourceQuota {
	return ResourceQuota{
		MemoryLimit:      DefaultMemoryLimit,
		CPULimit:         DefaultCPULimit,
		StorageLimit:     DefaultStorageLimit,
		NetworkLimit:     DefaultNetworkLimit,
		NetworkWindow:    DefaultNetworkWindow,
		MaxExecutionTime: DefaultMaxExecutionTime,
	}
}

// Clamp returns q with every zero field filled from def and every field
// capped at ceiling. A zero field in ceiling means "no cap".
func (q ResourceQuota) Clamp(def, ceiling ResourceQuota) ResourceQuota {
	out := q
	if out.MemoryLimit == 0 {
		out.MemoryLimit = def.MemoryLimit
	}
	if out.CPULimit == 0 {
		out.CPULimit = def.CPULimit
	}
	if out.StorageLimit == 0 {
		out.StorageLimit = def.StorageLimit
	}
	if out.NetworkLimit == 0 {
		out.NetworkLimit = def.NetworkLimit
	}
	if out.NetworkWindow == 0 {
		out.NetworkWindow = def.NetworkWindow
	}
	if out.MaxExecutionTime == 0 {
		out.MaxExecutionTime = def.MaxExecutionTime
	}

	if ceiling.MemoryLimit > 0 && out.MemoryLimit > ceiling.MemoryLimit {
		out.MemoryLimit = ceiling.MemoryLimit
	}
	if ceiling.CPULimit > 0 && out.CPULimit > ceiling.CPULimit {
		out.CPULimit = ceiling.CPULimit
	}
	if ceiling.StorageLimit > 0 && out.StorageLimit > ceiling.StorageLimit {
		out.StorageLimit = ceiling.StorageLimit
	}
	if ceiling.NetworkLimit > 0 && out.NetworkLimit > ceiling.NetworkLimit {
		out.NetworkLimit = ceiling.NetworkLimit
	}
	if ceiling.MaxExecutionTime > 0 && out.MaxExecutionTime > ceiling.MaxExecutionTime {
		out.MaxExecutionTime = ceiling.MaxExecutionTime
	}
	return out
}

// Resource names a reservable quota dimension.
type Resource string

const (
	ResourceMemory  Resource = "memory"
	ResourceStorage Resource = "storage"
	ResourceCPU     Resource = "cpu"
	ResourceNetwork Resource = "network"
)

// ResourceUsage is the live consumption tracked against a ResourceQuota.
type ResourceUsage struct {
	MemoryUsed      uint64        `json:"memory_used"`
	CPUUsage        float64       `json:"cpu_usage"`
	StorageUsed     uint64        `json:"storage_used"`
	NetworkRequests uint32        `json:"network_requests"`
	WindowStart     time.Time     `json:"window_start"`
	ExecutionTime   time.Duration `json:"execution_time"`
}

// Thresholds are the fleet-wide limits shared by the recovery manager's
// disable rule and the metrics monitor's warnings.
type Thresholds struct {
	MaxCrashes      int     `json:"max_crashes"       yaml:"max_crashes"`
	CPUWarnPercent  float64 `json:"cpu_warn_percent"  yaml:"cpu_warn_percent"`
	MemoryWarnBytes uint64  `json:"memory_warn_bytes" yaml:"memory_warn_bytes"`
	CrashWarnCount  int     `json:"crash_warn_count"  yaml:"crash_warn_count"`
}

// DefaultThresholds returns the built-in thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxCrashes:      5,
		CPUWarnPercent:  80,
		MemoryWarnBytes: 100 * mib,
		CrashWarnCount:  5,
	}
}
