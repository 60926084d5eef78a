package procscan

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/skobkin/igpu-exporter/internal/telemetry"
)

// engineClasses maps DRM fdinfo engine class names of i915 and xe onto the
// engine kinds intel_gpu_top reports.
var engineClasses = map[string]string{
	"render":        telemetry.EngineRender,
	"copy":          telemetry.EngineBlitter,
	"video":         telemetry.EngineVideo,
	"video-enhance": telemetry.EngineVideoEnhance,
	"compute":       telemetry.EngineCompute,
	"rcs":           telemetry.EngineRender,
	"bcs":           telemetry.EngineBlitter,
	"vcs":           telemetry.EngineVideo,
	"vecs":          telemetry.EngineVideoEnhance,
	"ccs":           telemetry.EngineCompute,
}

// engineCounter holds a cumulative busy counter. When Total is zero, Busy is
// in nanoseconds (i915). Otherwise both are GPU timestamp cycles (xe).
type engineCounter struct {
	Busy  uint64
	Total uint64
}

type fdMetrics struct {
	Driver        string
	ClientID      int
	PDev          string
	TotalBytes    uint64
	ResidentBytes uint64
	HasMemory     bool
	Engines       map[string]engineCounter
	Capacity      map[string]int
}

// HasEngine reports whether any engine counter was present.
func (m fdMetrics) HasEngine() bool {
	return len(m.Engines) > 0
}

func parseFDInfo(data []byte) fdMetrics {
	metrics := fdMetrics{
		Engines:  make(map[string]engineCounter),
		Capacity: make(map[string]int),
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch {
		case key == "drm-driver":
			metrics.Driver = value
		case key == "drm-client-id":
			if id, err := strconv.Atoi(value); err == nil {
				metrics.ClientID = id
			}
		case key == "drm-pdev":
			metrics.PDev = strings.ToLower(value)
		case strings.HasPrefix(key, "drm-engine-capacity-"):
			if capacity, err := strconv.Atoi(value); err == nil && capacity > 0 {
				metrics.Capacity[engineKind(strings.TrimPrefix(key, "drm-engine-capacity-"))] = capacity
			}
		case strings.HasPrefix(key, "drm-engine-"):
			if ns, ok := parseDuration(value); ok {
				kind := engineKind(strings.TrimPrefix(key, "drm-engine-"))
				counter := metrics.Engines[kind]
				counter.Busy += ns
				metrics.Engines[kind] = counter
			}
		case strings.HasPrefix(key, "drm-total-cycles-"):
			if cycles, err := strconv.ParseUint(value, 10, 64); err == nil {
				kind := engineKind(strings.TrimPrefix(key, "drm-total-cycles-"))
				counter := metrics.Engines[kind]
				counter.Total = cycles
				metrics.Engines[kind] = counter
			}
		case strings.HasPrefix(key, "drm-cycles-"):
			if cycles, err := strconv.ParseUint(value, 10, 64); err == nil {
				kind := engineKind(strings.TrimPrefix(key, "drm-cycles-"))
				counter := metrics.Engines[kind]
				counter.Busy = cycles
				metrics.Engines[kind] = counter
			}
		case strings.HasPrefix(key, "drm-total-"):
			if size, ok := parseBytesValue(value); ok {
				metrics.TotalBytes += size
				metrics.HasMemory = true
			}
		case strings.HasPrefix(key, "drm-resident-"):
			if size, ok := parseBytesValue(value); ok {
				metrics.ResidentBytes += size
				metrics.HasMemory = true
			}
		}
	}

	return metrics
}

func engineKind(class string) string {
	if kind, ok := engineClasses[class]; ok {
		return kind
	}
	return class
}

// parseDuration reads "<n> ns" engine time values.
func parseDuration(value string) (uint64, bool) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, false
	}
	if len(fields) > 1 {
		n *= durationUnitMultiplier(fields[1])
	}
	return n, true
}

// parseBytesValue reads "<n> [KiB|MiB|GiB]" memory region values.
func parseBytesValue(value string) (uint64, bool) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, false
	}
	if len(fields) > 1 {
		n *= bytesUnitMultiplier(fields[1])
	}
	return n, true
}

func durationUnitMultiplier(unit string) uint64 {
	switch strings.ToLower(unit) {
	case "us":
		return 1000
	case "ms":
		return 1000 * 1000
	case "s":
		return 1000 * 1000 * 1000
	default:
		return 1
	}
}

func bytesUnitMultiplier(unit string) uint64 {
	switch strings.ToLower(unit) {
	case "kib", "kb":
		return 1024
	case "mib", "mb":
		return 1024 * 1024
	case "gib", "gb":
		return 1024 * 1024 * 1024
	default:
		return 1
	}
}
