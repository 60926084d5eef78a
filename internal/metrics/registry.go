// Package metrics owns the Prometheus registry the exporter publishes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/igpu-exporter/internal/gpu"
	"github.com/skobkin/igpu-exporter/internal/telemetry"
	"github.com/skobkin/igpu-exporter/internal/version"
)

// Metric names are relied upon by existing scrape configurations and must
// not change.
const (
	namespace         = "igpu"
	exporterSubsystem = "exporter"
)

// engineGauges are the fixed instance-0 gauges of one well-known engine kind.
type engineGauges struct {
	busy prometheus.Gauge
	sema prometheus.Gauge
	wait prometheus.Gauge
}

// engineNames maps an engine kind to its metric name fragment and help prefix.
var engineNames = map[string]struct {
	fragment string
	help     string
}{
	telemetry.EngineRender:       {fragment: "render_3d_0", help: "Render 3D 0"},
	telemetry.EngineBlitter:      {fragment: "blitter_0", help: "Blitter 0"},
	telemetry.EngineVideo:        {fragment: "video_0", help: "Video 0"},
	telemetry.EngineVideoEnhance: {fragment: "video_enhance_0", help: "Video Enhance 0"},
	telemetry.EngineCompute:      {fragment: "compute_0", help: "Compute"},
}

// Registry holds the latest published GPU values. Gauges are updated
// atomically, so the decode loop and concurrent scrapes need no extra locking.
type Registry struct {
	registry *prometheus.Registry

	period             prometheus.Gauge
	frequencyActual    prometheus.Gauge
	frequencyRequested prometheus.Gauge
	interrupts         prometheus.Gauge
	rc6                prometheus.Gauge
	imcReads           prometheus.Gauge
	imcWrites          prometheus.Gauge
	powerGPU           prometheus.Gauge
	powerPackage       prometheus.Gauge
	engines            map[string]engineGauges
	engineStatus       *prometheus.GaugeVec

	samples    prometheus.Counter
	lastSample prometheus.Gauge
	deviceInfo *prometheus.GaugeVec
}

// NewRegistry creates a registry with every exported gauge registered.
func NewRegistry() *Registry {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
	}

	r := &Registry{
		registry:           prometheus.NewRegistry(),
		period:             gauge("period", "Period ms"),
		frequencyActual:    gauge("frequency_actual", "Frequency actual MHz"),
		frequencyRequested: gauge("frequency_requested", "Frequency requested MHz"),
		interrupts:         gauge("interrupts", "Interrupts/s"),
		rc6:                gauge("rc6", "RC6 %"),
		imcReads:           gauge("imc_bandwidth_reads", "IMC reads MiB/s"),
		imcWrites:          gauge("imc_bandwidth_writes", "IMC writes MiB/s"),
		powerGPU:           gauge("power_gpu", "GPU power W"),
		powerPackage:       gauge("power_package", "Package power W"),
		engines:            make(map[string]engineGauges, len(telemetry.KnownEngines)),
		engineStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engines",
			Help:      "Engine busy/sema/wait status",
		}, []string{"name", "measure"}),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: exporterSubsystem,
			Name:      "samples_total",
			Help:      "Total telemetry samples decoded from the GPU tool.",
		}),
		lastSample: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: exporterSubsystem,
			Name:      "last_sample_timestamp_seconds",
			Help:      "Unix timestamp of the latest decoded sample.",
		}),
		deviceInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_info",
			Help:      "Intel GPU devices found in sysfs.",
		}, []string{"card", "pci", "pci_id", "name"}),
	}

	registered := []prometheus.Collector{
		r.period,
		r.frequencyActual,
		r.frequencyRequested,
		r.interrupts,
		r.rc6,
		r.imcReads,
		r.imcWrites,
	}

	for _, kind := range telemetry.KnownEngines {
		names := engineNames[kind]
		g := engineGauges{
			busy: gauge("engines_"+names.fragment+"_busy", names.help+" busy utilisation %"),
			sema: gauge("engines_"+names.fragment+"_sema", names.help+" sema utilisation %"),
			wait: gauge("engines_"+names.fragment+"_wait", names.help+" wait utilisation %"),
		}
		r.engines[kind] = g
		registered = append(registered, g.busy, g.sema, g.wait)
	}

	info := version.Current()
	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: exporterSubsystem,
		Name:      "build_info",
		Help:      "Build metadata of the exporter; always 1.",
	}, []string{"version", "commit"})
	buildInfo.WithLabelValues(info.Version, info.Commit).Set(1)

	registered = append(registered,
		r.engineStatus,
		r.powerGPU,
		r.powerPackage,
		r.samples,
		r.lastSample,
		r.deviceInfo,
		buildInfo,
	)

	r.registry.MustRegister(registered...)
	return r
}

// Apply overwrites every GPU gauge with the values of a reading.
func (r *Registry) Apply(reading telemetry.Reading) {
	r.period.Set(reading.PeriodMS)

	for _, m := range reading.EngineMeasures {
		r.engineStatus.WithLabelValues(m.Engine, m.Measure).Set(m.Value)
	}

	r.frequencyActual.Set(reading.FrequencyActualMHz)
	r.frequencyRequested.Set(reading.FrequencyRequestedMHz)
	r.interrupts.Set(reading.InterruptsPerSec)
	r.rc6.Set(reading.RC6Pct)
	r.imcReads.Set(reading.IMCReadsMiBps)
	r.imcWrites.Set(reading.IMCWritesMiBps)

	for kind, g := range r.engines {
		usage := reading.Engines[kind]
		g.busy.Set(usage.Busy)
		g.sema.Set(usage.Sema)
		g.wait.Set(usage.Wait)
	}

	r.powerGPU.Set(reading.PowerGPUW)
	r.powerPackage.Set(reading.PowerPackageW)

	r.samples.Inc()
	if !reading.Timestamp.IsZero() {
		r.lastSample.Set(float64(reading.Timestamp.UnixNano()) / 1e9)
	}
}

// SetDevices publishes one info series per discovered GPU.
func (r *Registry) SetDevices(devices []gpu.Info) {
	r.deviceInfo.Reset()
	for _, d := range devices {
		r.deviceInfo.WithLabelValues(d.ID, d.PCI, d.PCIID, d.Name).Set(1)
	}
}

// RegisterRuntime adds the Go runtime and process collectors.
func (r *Registry) RegisterRuntime() {
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// WatchDecodeBuffer exposes the size of the decoder's pending buffer.
func (r *Registry) WatchDecodeBuffer(size func() int) {
	r.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: exporterSubsystem,
		Name:      "decode_buffer_bytes",
		Help:      "Bytes of tool output waiting for a complete JSON object.",
	}, func() float64 {
		return float64(size())
	}))
}

// MustRegister adds extra collectors, such as HTTP server counters.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.registry.MustRegister(cs...)
}

// Gatherer exposes the underlying registry for tests and tools.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler serves the registry in the Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
