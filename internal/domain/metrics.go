package domain

import "time"

// PluginMetrics is the cumulative telemetry for one plugin.
type PluginMetrics struct {
	PluginID             string        `json:"plugin_id"`
	LoadTime             time.Duration `json:"load_time"`
	LastExecutionTime    time.Duration `json:"last_execution_time"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	TotalExecutions      uint64        `json:"total_executions"`
	ErrorCount           uint64        `json:"error_count"`
	CrashCount           uint64        `json:"crash_count"`
	LastCrash            *time.Time    `json:"last_crash,omitempty"`
	LastExecution        *time.Time    `json:"last_execution,omitempty"`
	MemoryUsage          uint64        `json:"memory_usage"`
	CPUUsage             float64       `json:"cpu_usage"`
	NetworkRequests      uint64        `json:"network_requests"`
	BytesSent            uint64        `json:"bytes_sent"`
	BytesReceived        uint64        `json:"bytes_received"`
}

// PerformanceSummary is the dashboard view derived from PluginMetrics.
type PerformanceSummary struct {
	PluginID              string        `json:"plugin_id"`
	AverageExecutionTime  time.Duration `json:"average_execution_time"`
	TotalExecutions       uint64        `json:"total_executions"`
	MemoryUsageMB         float64       `json:"memory_usage_mb"`
	CPUUsagePercent       float64       `json:"cpu_usage_percent"`
	CrashRate             float64       `json:"crash_rate"`
	NetworkThroughputMbps float64       `json:"network_throughput_mbps"`
}
