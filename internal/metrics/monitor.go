package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"trustgate/internal/domain"
)

// DefaultInterval is how often the monitor inspects metrics.
const DefaultInterval = 30 * time.Second

// WarningKind names the threshold a Warning was raised for.
type WarningKind string

const (
	WarnCPU     WarningKind = "cpu"
	WarnMemory  WarningKind = "memory"
	WarnCrashes WarningKind = "crashes"
)

// Warning is one threshold breach observed on a tick.
type Warning struct {
	PluginID  string
	Kind      WarningKind
	Value     float64
	Threshold float64
}

func (w Warning) String() string {
	return fmt.Sprintf("plugin %s %s %g over threshold %g", w.PluginID, w.Kind, w.Value, w.Threshold)
}

// Monitor periodically checks every plugin's metrics against the shared
// thresholds and logs each breach.
type Monitor struct {
	collector  *Collector
	thresholds domain.Thresholds
	interval   time.Duration
	logger     *slog.Logger
	onWarning  func(context.Context, Warning)
	sampler    func(context.Context)

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithWarningHandler registers a callback invoked for every warning.
func WithWarningHandler(fn func(context.Context, Warning)) MonitorOption {
	return func(m *Monitor) { m.onWarning = fn }
}

// WithSampler registers fn to refresh live usage at the start of every tick,
// before thresholds are evaluated.
func WithSampler(fn func(context.Context)) MonitorOption {
	return func(m *Monitor) { m.sampler = fn }
}

// NewMonitor creates a stopped monitor.
func NewMonitor(collector *Collector, thresholds domain.Thresholds, logger *slog.Logger, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		collector:  collector,
		thresholds: thresholds,
		interval:   DefaultInterval,
		logger:     logger,
		cron:       cron.New(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start schedules the check every interval until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.cron.Schedule(cron.Every(m.interval), cron.FuncJob(func() {
		m.mu.Lock()
		ctx := m.ctx
		m.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		if m.sampler != nil {
			m.sampler(ctx)
		}
		m.Check(ctx)
	}))
	m.cron.Start()
	m.started = true
	m.logger.Info("metrics monitor started", "interval", m.interval)
}

// Stop halts the schedule and waits for a running check to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.ctx = nil
	m.started = false
	m.mu.Unlock()

	<-m.cron.Stop().Done()
	m.logger.Info("metrics monitor stopped")
}

// Check inspects a snapshot of all metrics and returns the warnings found.
// No collector lock is held while warnings are logged or dispatched.
func (m *Monitor) Check(ctx context.Context) []Warning {
	var warnings []Warning
	for _, pm := range m.collector.All() {
		warnings = append(warnings, Evaluate(pm, m.thresholds)...)
	}
	for _, w := range warnings {
		level := slog.LevelWarn
		if w.Kind == WarnCrashes {
			level = slog.LevelError
		}
		m.logger.Log(ctx, level, "plugin over threshold",
			"plugin", w.PluginID,
			"kind", string(w.Kind),
			"value", w.Value,
			"threshold", w.Threshold,
		)
		if m.onWarning != nil {
			m.onWarning(ctx, w)
		}
	}
	return warnings
}

// Evaluate compares one plugin's metrics with t. Each bound is exclusive.
func Evaluate(pm domain.PluginMetrics, t domain.Thresholds) []Warning {
	var out []Warning
	if t.CPUWarnPercent > 0 && pm.CPUUsage > t.CPUWarnPercent {
		out = append(out, Warning{PluginID: pm.PluginID, Kind: WarnCPU, Value: pm.CPUUsage, Threshold: t.CPUWarnPercent})
	}
	if t.MemoryWarnBytes > 0 && pm.MemoryUsage > t.MemoryWarnBytes {
		out = append(out, Warning{PluginID: pm.PluginID, Kind: WarnMemory, Value: float64(pm.MemoryUsage), Threshold: float64(t.MemoryWarnBytes)})
	}
	if t.CrashWarnCount > 0 && pm.CrashCount > uint64(t.CrashWarnCount) {
		out = append(out, Warning{PluginID: pm.PluginID, Kind: WarnCrashes, Value: float64(pm.CrashCount), Threshold: float64(t.CrashWarnCount)})
	}
	return out
}
