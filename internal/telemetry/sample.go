// Package telemetry decodes the JSON stream produced by intel_gpu_top and maps
// each decoded object onto a typed Reading.
package telemetry

import (
	"encoding/json"
	"slices"

	"github.com/samber/lo"
)

// Well-known engine kinds reported by intel_gpu_top.
const (
	EngineRender       = "Render/3D"
	EngineBlitter      = "Blitter"
	EngineVideo        = "Video"
	EngineVideoEnhance = "VideoEnhance"
	EngineCompute      = "Compute"
)

// KnownEngines lists the engine kinds exported as fixed gauges, in export order.
var KnownEngines = []string{
	EngineRender,
	EngineBlitter,
	EngineVideo,
	EngineVideoEnhance,
	EngineCompute,
}

const (
	engineInstanceSuffix = "/0"
	unitField            = "unit"
)

// Sample is one decoded intel_gpu_top JSON object. It is read-only: all
// lookups go through accessors that fall back to zero for absent data.
type Sample struct {
	fields map[string]any
}

// Measure is a single numeric engine measurement such as busy or wait.
type Measure struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// NewSample wraps an already decoded JSON object.
func NewSample(fields map[string]any) Sample {
	return Sample{fields: fields}
}

// Number returns fields[section][field] as float64, or 0 when either level is
// missing or the value is not numeric.
func (s Sample) Number(section, field string) float64 {
	values, ok := s.fields[section].(map[string]any)
	if !ok {
		return 0
	}
	value, _ := number(values[field])
	return value
}

// EngineNames returns the engine names present in the sample, sorted.
func (s Sample) EngineNames() []string {
	names := lo.Keys(s.engines())
	slices.Sort(names)
	return names
}

// Engine returns the raw measure map for an exact engine name.
func (s Sample) Engine(name string) (map[string]any, bool) {
	engine, ok := s.engines()[name].(map[string]any)
	return engine, ok
}

// ResolveEngine looks up the instance-0 data for an engine kind. The tool
// names instances either "Video" or "Video/0" depending on its version, so
// the bare name wins and the suffixed one is the fallback.
func (s Sample) ResolveEngine(kind string) map[string]any {
	if engine, ok := s.Engine(kind); ok {
		return engine
	}
	if engine, ok := s.Engine(kind + engineInstanceSuffix); ok {
		return engine
	}
	return map[string]any{}
}

// Measures returns the numeric measures of an engine sorted by name. The
// "unit" field and non-numeric values are skipped.
func (s Sample) Measures(name string) []Measure {
	engine, ok := s.Engine(name)
	if !ok {
		return nil
	}
	keys := lo.Keys(engine)
	slices.Sort(keys)

	measures := make([]Measure, 0, len(keys))
	for _, key := range keys {
		if key == unitField {
			continue
		}
		value, ok := number(engine[key])
		if !ok {
			continue
		}
		measures = append(measures, Measure{Name: key, Value: value})
	}
	return measures
}

// MarshalJSON renders the sample as it was decoded.
func (s Sample) MarshalJSON() ([]byte, error) {
	if s.fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.fields)
}

func (s Sample) engines() map[string]any {
	engines, _ := s.fields["engines"].(map[string]any)
	return engines
}

func measureValue(engine map[string]any, name string) float64 {
	value, _ := number(engine[name])
	return value
}

func number(raw any) (float64, bool) {
	value, ok := raw.(float64)
	return value, ok
}
