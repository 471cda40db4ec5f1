// Package metrics records per-plugin telemetry, watches it for threshold
// breaches and exports it to Prometheus.
package metrics

import (
	"sort"
	"time"

	"trustgate/internal/domain"
	"trustgate/internal/shard"
)

// Collector holds one PluginMetrics per plugin, created on the first event.
type Collector struct {
	entries *shard.Map[domain.PluginMetrics]
	now     func() time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		entries: shard.New[domain.PluginMetrics](),
		now:     time.Now,
	}
}

func (c *Collector) update(id string, fn func(m *domain.PluginMetrics)) {
	_ = c.entries.Update(id, func(m *domain.PluginMetrics, ok bool) error {
		if !ok {
			m.PluginID = id
		}
		fn(m)
		return nil
	})
}

// RecordLoad stores how long the plugin took to load.
func (c *Collector) RecordLoad(id string, d time.Duration) {
	c.update(id, func(m *domain.PluginMetrics) { m.LoadTime = d })
}

// RecordExecution counts one execution. The average is smoothed as
// (avg + d) / 2; the first execution sets it to d.
func (c *Collector) RecordExecution(id string, d time.Duration) {
	now := c.now()
	c.update(id, func(m *domain.PluginMetrics) {
		if m.TotalExecutions == 0 {
			m.AverageExecutionTime = d
		} else {
			m.AverageExecutionTime = (m.AverageExecutionTime + d) / 2
		}
		m.LastExecutionTime = d
		m.TotalExecutions++
		m.LastExecution = &now
	})
}

// RecordError counts a failed execution that did not crash the plugin.
func (c *Collector) RecordError(id string) {
	c.update(id, func(m *domain.PluginMetrics) { m.ErrorCount++ })
}

// RecordMemory stores the current memory footprint in bytes.
func (c *Collector) RecordMemory(id string, bytes uint64) {
	c.update(id, func(m *domain.PluginMetrics) { m.MemoryUsage = bytes })
}

// RecordCPU stores the current CPU usage in percent.
func (c *Collector) RecordCPU(id string, percent float64) {
	c.update(id, func(m *domain.PluginMetrics) { m.CPUUsage = percent })
}

// RecordNetwork counts one request and its traffic.
func (c *Collector) RecordNetwork(id string, sent, received uint64) {
	c.update(id, func(m *domain.PluginMetrics) {
		m.NetworkRequests++
		m.BytesSent += sent
		m.BytesReceived += received
	})
}

// RecordCrash counts a crash. Crashes are errors too.
func (c *Collector) RecordCrash(id string) {
	now := c.now()
	c.update(id, func(m *domain.PluginMetrics) {
		m.CrashCount++
		m.ErrorCount++
		m.LastCrash = &now
	})
}

// Get returns a copy of the metrics for id.
func (c *Collector) Get(id string) (domain.PluginMetrics, bool) {
	return c.entries.Get(id)
}

// All returns every plugin's metrics ordered by plugin id.
func (c *Collector) All() []domain.PluginMetrics {
	snap := c.entries.Snapshot()
	out := make([]domain.PluginMetrics, 0, len(snap))
	for _, m := range snap {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out
}

// Summary derives the dashboard view for id.
func (c *Collector) Summary(id string) (domain.PerformanceSummary, bool) {
	m, ok := c.entries.Get(id)
	if !ok {
		return domain.PerformanceSummary{}, false
	}
	return Summarize(m), true
}

// Summarize converts raw metrics into a PerformanceSummary. Crash rate is
// zero before the first execution.
func Summarize(m domain.PluginMetrics) domain.PerformanceSummary {
	s := domain.PerformanceSummary{
		PluginID:              m.PluginID,
		AverageExecutionTime:  m.AverageExecutionTime,
		TotalExecutions:       m.TotalExecutions,
		MemoryUsageMB:         float64(m.MemoryUsage) / 1024 / 1024,
		CPUUsagePercent:       m.CPUUsage,
		NetworkThroughputMbps: float64(m.BytesSent+m.BytesReceived) / 1024 / 1024,
	}
	if m.TotalExecutions > 0 {
		s.CrashRate = float64(m.CrashCount) / float64(m.TotalExecutions)
	}
	return s
}

// Remove drops all metrics for id.
func (c *Collector) Remove(id string) {
	c.entries.Delete(id)
}
