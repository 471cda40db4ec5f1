package domain

import "time"

// ProcessStatus represents the lifecycle state of a supervised helper process.
type ProcessStatus string

const (
	ProcessStatusRunning   ProcessStatus = "running"
	ProcessStatusCompleted ProcessStatus = "completed"
	ProcessStatusFailed    ProcessStatus = "failed"
	ProcessStatusKilled    ProcessStatus = "killed"
)

// ProcessSession is a native helper process started on behalf of a plugin.
type ProcessSession struct {
	ID        string        `json:"id"`
	PluginID  string        `json:"plugin_id"`
	Command   string        `json:"command"`
	Args      []string      `json:"args"`
	PID       int           `json:"pid"`
	Status    ProcessStatus `json:"status"`
	ExitCode  *int          `json:"exit_code,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

// ProcessPollResult carries output produced since the previous poll.
type ProcessPollResult struct {
	SessionID string        `json:"session_id"`
	Status    ProcessStatus `json:"status"`
	NewOutput string        `json:"new_output"`
	ExitCode  *int          `json:"exit_code,omitempty"`
}

// ProcessUsage is a resource sample across a plugin's running helpers.
type ProcessUsage struct {
	Processes  int     `json:"processes"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}
