package procscan

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skobkin/igpu-exporter/internal/telemetry"
)

func TestParseFDInfoI915(t *testing.T) {
	metrics := parseFDInfo(readTestdata(t, "fdinfo_i915.txt"))

	if metrics.Driver != "i915" || metrics.ClientID != 18 || metrics.PDev != "0000:00:02.0" {
		t.Fatalf("unexpected identity %+v", metrics)
	}
	if !metrics.HasMemory {
		t.Fatalf("expected memory metrics")
	}
	if metrics.TotalBytes != 14*1024*1024 {
		t.Fatalf("unexpected total bytes %d", metrics.TotalBytes)
	}
	if metrics.ResidentBytes != 12*1024*1024 {
		t.Fatalf("unexpected resident bytes %d", metrics.ResidentBytes)
	}
	if got := metrics.Engines[telemetry.EngineRender]; got != (engineCounter{Busy: 2_000_000_000}) {
		t.Fatalf("unexpected render counter %+v", got)
	}
	if got := metrics.Engines[telemetry.EngineVideo]; got.Busy != 500_000_000 {
		t.Fatalf("unexpected video counter %+v", got)
	}
	if _, ok := metrics.Engines[telemetry.EngineBlitter]; !ok {
		t.Fatalf("expected idle copy engine to be reported")
	}
	if metrics.Capacity[telemetry.EngineVideo] != 2 {
		t.Fatalf("unexpected video capacity %d", metrics.Capacity[telemetry.EngineVideo])
	}
	if _, ok := metrics.Engines["capacity-video"]; ok {
		t.Fatalf("capacity line must not be read as an engine")
	}
}

func TestParseFDInfoXe(t *testing.T) {
	metrics := parseFDInfo(readTestdata(t, "fdinfo_xe.txt"))

	if metrics.Driver != "xe" || metrics.ClientID != 105 {
		t.Fatalf("unexpected identity %+v", metrics)
	}
	wantBytes := uint64((188 + 23660) * 1024)
	if metrics.TotalBytes != wantBytes || metrics.ResidentBytes != wantBytes {
		t.Fatalf("unexpected memory total=%d resident=%d", metrics.TotalBytes, metrics.ResidentBytes)
	}
	render := metrics.Engines[telemetry.EngineRender]
	if render.Busy != 28257900 || render.Total != 7655183225 {
		t.Fatalf("unexpected render counter %+v", render)
	}
	if len(metrics.Engines) != 5 {
		t.Fatalf("expected 5 engine classes, got %v", metrics.Engines)
	}
	if metrics.Capacity[telemetry.EngineVideo] != 2 {
		t.Fatalf("unexpected video capacity %d", metrics.Capacity[telemetry.EngineVideo])
	}
}

func TestParseFDInfoEmpty(t *testing.T) {
	metrics := parseFDInfo([]byte("pos:\t0\nflags:\t02\n"))
	if metrics.HasMemory || metrics.HasEngine() || metrics.Driver != "" {
		t.Fatalf("expected no DRM data, got %+v", metrics)
	}
}

func TestBusyPercent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		prev     engineCounter
		cur      engineCounter
		elapsed  time.Duration
		capacity int
		want     float64
		ok       bool
	}{
		{name: "ns half busy", prev: engineCounter{Busy: 1e9}, cur: engineCounter{Busy: 1.5e9}, elapsed: time.Second, want: 50, ok: true},
		{name: "ns with capacity", prev: engineCounter{Busy: 0}, cur: engineCounter{Busy: 1e9}, elapsed: time.Second, capacity: 2, want: 50, ok: true},
		{name: "cycles", prev: engineCounter{Busy: 100, Total: 1000}, cur: engineCounter{Busy: 350, Total: 2000}, want: 25, ok: true},
		{name: "cycles with capacity", prev: engineCounter{Busy: 0, Total: 1000}, cur: engineCounter{Busy: 1000, Total: 2000}, capacity: 2, want: 50, ok: true},
		{name: "counter reset", prev: engineCounter{Busy: 500}, cur: engineCounter{Busy: 100}, elapsed: time.Second},
		{name: "cycles stalled", prev: engineCounter{Busy: 1, Total: 10}, cur: engineCounter{Busy: 2, Total: 10}},
		{name: "no elapsed time", prev: engineCounter{Busy: 1}, cur: engineCounter{Busy: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := busyPercent(tt.prev, tt.cur, tt.elapsed, tt.capacity)
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if diff := got - tt.want; diff < -0.001 || diff > 0.001 {
				t.Fatalf("expected %.3f, got %.3f", tt.want, got)
			}
		})
	}
}

func readTestdata(t *testing.T, name string) []byte {
	t.Helper()
	// #nosec G304 -- reading controlled testdata fixtures.
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return data
}
