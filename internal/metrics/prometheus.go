package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Exporter exposes the collector's per-plugin metrics as Prometheus metrics.
// Values are read on scrape, so nothing is double-counted.
type Exporter struct {
	collector *Collector

	executions    *prometheus.Desc
	errors        *prometheus.Desc
	crashes       *prometheus.Desc
	avgExecution  *prometheus.Desc
	lastExecution *prometheus.Desc
	loadTime      *prometheus.Desc
	memory        *prometheus.Desc
	cpu           *prometheus.Desc
	netRequests   *prometheus.Desc
	bytesSent     *prometheus.Desc
	bytesReceived *prometheus.Desc
	plugins       *prometheus.Desc
}

var _ prometheus.Collector = (*Exporter)(nil)

// NewExporter creates an exporter whose metric names are prefixed with namespace.
func NewExporter(namespace string, c *Collector) *Exporter {
	label := []string{"plugin"}
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "plugin", name), help, labels, nil)
	}
	return &Exporter{
		collector:     c,
		executions:    desc("executions_total", "Total plugin executions.", label),
		errors:        desc("errors_total", "Total failed plugin executions, crashes included.", label),
		crashes:       desc("crashes_total", "Total plugin crashes.", label),
		avgExecution:  desc("execution_seconds_avg", "Smoothed average execution time in seconds.", label),
		lastExecution: desc("execution_seconds_last", "Duration of the most recent execution in seconds.", label),
		loadTime:      desc("load_seconds", "Time taken to load the plugin in seconds.", label),
		memory:        desc("memory_bytes", "Current plugin memory footprint in bytes.", label),
		cpu:           desc("cpu_percent", "Current plugin CPU usage in percent.", label),
		netRequests:   desc("network_requests_total", "Outbound network requests made by the plugin.", label),
		bytesSent:     desc("network_sent_bytes_total", "Bytes sent by the plugin.", label),
		bytesReceived: desc("network_received_bytes_total", "Bytes received by the plugin.", label),
		plugins:       prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "plugins_tracked"), "Number of plugins with recorded metrics.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		e.executions, e.errors, e.crashes, e.avgExecution, e.lastExecution, e.loadTime,
		e.memory, e.cpu, e.netRequests, e.bytesSent, e.bytesReceived, e.plugins,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	all := e.collector.All()
	ch <- prometheus.MustNewConstMetric(e.plugins, prometheus.GaugeValue, float64(len(all)))
	for _, m := range all {
		id := m.PluginID
		ch <- prometheus.MustNewConstMetric(e.executions, prometheus.CounterValue, float64(m.TotalExecutions), id)
		ch <- prometheus.MustNewConstMetric(e.errors, prometheus.CounterValue, float64(m.ErrorCount), id)
		ch <- prometheus.MustNewConstMetric(e.crashes, prometheus.CounterValue, float64(m.CrashCount), id)
		ch <- prometheus.MustNewConstMetric(e.avgExecution, prometheus.GaugeValue, m.AverageExecutionTime.Seconds(), id)
		ch <- prometheus.MustNewConstMetric(e.lastExecution, prometheus.GaugeValue, m.LastExecutionTime.Seconds(), id)
		ch <- prometheus.MustNewConstMetric(e.loadTime, prometheus.GaugeValue, m.LoadTime.Seconds(), id)
		ch <- prometheus.MustNewConstMetric(e.memory, prometheus.GaugeValue, float64(m.MemoryUsage), id)
		ch <- prometheus.MustNewConstMetric(e.cpu, prometheus.GaugeValue, m.CPUUsage, id)
		ch <- prometheus.MustNewConstMetric(e.netRequests, prometheus.CounterValue, float64(m.NetworkRequests), id)
		ch <- prometheus.MustNewConstMetric(e.bytesSent, prometheus.CounterValue, float64(m.BytesSent), id)
		ch <- prometheus.MustNewConstMetric(e.bytesReceived, prometheus.CounterValue, float64(m.BytesReceived), id)
	}
}

// NewRegistry returns a registry holding the exporter plus the Go runtime
// and process collectors.
func NewRegistry(namespace string, c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewExporter(namespace, c),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
