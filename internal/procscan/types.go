package procscan

import "time"

// Snapshot represents a single process-top snapshot for a GPU.
type Snapshot struct {
	GPUId        string       `json:"gpu_id"`
	Timestamp    time.Time    `json:"ts"`
	Capabilities Capabilities `json:"capabilities"`
	Processes    []Process    `json:"processes"`
}

// Capabilities describes which values the driver exposed in fdinfo during a
// scan.
type Capabilities struct {
	MemoryFromFDInfo     bool `json:"memory_from_fdinfo"`
	EngineTimeFromFDInfo bool `json:"engine_time_from_fdinfo"`
}

// Process summarises the DRM clients a process holds open on one GPU.
// EngineBusyPct is keyed by engine kind and stays empty until two scans have
// observed the process.
type Process struct {
	PID           int                `json:"pid"`
	UID           int                `json:"uid"`
	User          string             `json:"user"`
	Name          string             `json:"name"`
	Command       string             `json:"cmd"`
	Clients       int                `json:"clients"`
	MemoryBytes   *uint64            `json:"memory_bytes"`
	ResidentBytes *uint64            `json:"resident_bytes"`
	EngineBusyPct map[string]float64 `json:"engine_busy_pct,omitempty"`
}
