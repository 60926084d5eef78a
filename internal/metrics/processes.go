package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skobkin/igpu-exporter/internal/procscan"
)

// ProcessSource provides the latest per-process scan results.
type ProcessSource interface {
	Snapshots() []procscan.Snapshot
}

type processCollector struct {
	source   ProcessSource
	busy     *prometheus.Desc
	memory   *prometheus.Desc
	resident *prometheus.Desc
	clients  *prometheus.Desc
}

// WatchProcesses exports per-process GPU usage read from source at scrape
// time.
func (r *Registry) WatchProcesses(source ProcessSource) {
	if source == nil {
		return
	}
	r.registry.MustRegister(newProcessCollector(source))
}

func newProcessCollector(source ProcessSource) *processCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "process", name),
			help,
			append([]string{"card", "pid", "comm"}, labels...),
			nil,
		)
	}
	return &processCollector{
		source:   source,
		busy:     desc("engine_busy_percent", "Share of an engine used by a process over the last scan interval.", "engine"),
		memory:   desc("memory_bytes", "GPU memory allocated by a process across all regions."),
		resident: desc("resident_memory_bytes", "GPU memory resident for a process across all regions."),
		clients:  desc("drm_clients", "Open DRM clients held by a process."),
	}
}

func (c *processCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.busy
	ch <- c.memory
	ch <- c.resident
	ch <- c.clients
}

func (c *processCollector) Collect(ch chan<- prometheus.Metric) {
	for _, snapshot := range c.source.Snapshots() {
		for _, proc := range snapshot.Processes {
			labels := []string{snapshot.GPUId, strconv.Itoa(proc.PID), proc.Name}

			ch <- prometheus.MustNewConstMetric(c.clients, prometheus.GaugeValue, float64(proc.Clients), labels...)
			if proc.MemoryBytes != nil {
				ch <- prometheus.MustNewConstMetric(c.memory, prometheus.GaugeValue, float64(*proc.MemoryBytes), labels...)
			}
			if proc.ResidentBytes != nil {
				ch <- prometheus.MustNewConstMetric(c.resident, prometheus.GaugeValue, float64(*proc.ResidentBytes), labels...)
			}
			for engine, pct := range proc.EngineBusyPct {
				ch <- prometheus.MustNewConstMetric(c.busy, prometheus.GaugeValue, pct, append(labels, engine)...)
			}
		}
	}
}
