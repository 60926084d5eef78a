package telemetry

import "time"

// Reading is the typed view of one Sample that the exporter publishes. It is
// built once per sample; the sample itself is not kept.
type Reading struct {
	Timestamp             time.Time              `json:"ts"`
	PeriodMS              float64                `json:"period_ms"`
	FrequencyActualMHz    float64                `json:"frequency_actual_mhz"`
	FrequencyRequestedMHz float64                `json:"frequency_requested_mhz"`
	InterruptsPerSec      float64                `json:"interrupts_per_sec"`
	RC6Pct                float64                `json:"rc6_pct"`
	IMCReadsMiBps         float64                `json:"imc_reads_mibps"`
	IMCWritesMiBps        float64                `json:"imc_writes_mibps"`
	PowerGPUW             float64                `json:"power_gpu_w"`
	PowerPackageW         float64                `json:"power_package_w"`
	Engines               map[string]EngineUsage `json:"engines"`
	EngineMeasures        []EngineMeasure        `json:"engine_measures"`
}

// EngineUsage holds the instance-0 utilisation of a well-known engine kind.
type EngineUsage struct {
	Busy float64 `json:"busy"`
	Sema float64 `json:"sema"`
	Wait float64 `json:"wait"`
}

// EngineMeasure is one (engine, measure) pair exactly as reported, including
// engines outside KnownEngines.
type EngineMeasure struct {
	Engine  string  `json:"engine"`
	Measure string  `json:"measure"`
	Value   float64 `json:"value"`
}

// NewReading maps a sample onto a Reading. Absent or non-numeric fields map to
// zero independently of each other, so it never fails.
func NewReading(sample Sample, ts time.Time) Reading {
	reading := Reading{
		Timestamp:             ts,
		PeriodMS:              sample.Number("period", "duration"),
		FrequencyActualMHz:    sample.Number("frequency", "actual"),
		FrequencyRequestedMHz: sample.Number("frequency", "requested"),
		InterruptsPerSec:      sample.Number("interrupts", "count"),
		RC6Pct:                sample.Number("rc6", "value"),
		IMCReadsMiBps:         sample.Number("imc-bandwidth", "reads"),
		IMCWritesMiBps:        sample.Number("imc-bandwidth", "writes"),
		PowerGPUW:             sample.Number("power", "GPU"),
		PowerPackageW:         sample.Number("power", "Package"),
		Engines:               make(map[string]EngineUsage, len(KnownEngines)),
	}

	for _, kind := range KnownEngines {
		engine := sample.ResolveEngine(kind)
		reading.Engines[kind] = EngineUsage{
			Busy: measureValue(engine, "busy"),
			Sema: measureValue(engine, "sema"),
			Wait: measureValue(engine, "wait"),
		}
	}

	for _, name := range sample.EngineNames() {
		for _, measure := range sample.Measures(name) {
			reading.EngineMeasures = append(reading.EngineMeasures, EngineMeasure{
				Engine:  name,
				Measure: measure.Name,
				Value:   measure.Value,
			})
		}
	}

	return reading
}
