package procscan

import (
	"context"
	"testing"
	"time"

	"github.com/skobkin/igpu-exporter/internal/config"
	"github.com/skobkin/igpu-exporter/internal/gpu"
	"github.com/skobkin/igpu-exporter/internal/telemetry"
)

func TestManagerSnapshotsAndSubscriptions(t *testing.T) {
	root := t.TempDir()
	proc := setupProcEntry(t, root, 1234, "ffmpeg")
	proc.addFD(t, "5", "/dev/dri/renderD128", readTestdata(t, "fdinfo_i915.txt"))

	manager := newTestManager(t, root, []gpu.Info{{ID: "card0", PCI: "0000:00:02.0", RenderNode: "/dev/dri/renderD128"}})

	if manager.Ready() {
		t.Fatalf("manager must not be ready before a scan")
	}

	first := time.Unix(1000, 0)
	manager.performScan(first)

	snap, ok := manager.Latest("card0")
	if !ok {
		t.Fatalf("expected snapshot for card0")
	}
	if len(snap.Processes) != 1 {
		t.Fatalf("expected single process, got %d", len(snap.Processes))
	}
	p := snap.Processes[0]
	if p.EngineBusyPct != nil {
		t.Fatalf("expected no engine usage on first scan, got %v", p.EngineBusyPct)
	}
	if p.MemoryBytes == nil || *p.MemoryBytes != 14*1024*1024 {
		t.Fatalf("unexpected memory %+v", p.MemoryBytes)
	}
	if p.ResidentBytes == nil || *p.ResidentBytes != 12*1024*1024 {
		t.Fatalf("unexpected resident memory %+v", p.ResidentBytes)
	}
	if !snap.Capabilities.MemoryFromFDInfo || !snap.Capabilities.EngineTimeFromFDInfo {
		t.Fatalf("unexpected capabilities %+v", snap.Capabilities)
	}
	if !manager.Ready() {
		t.Fatalf("manager should be ready after a scan")
	}

	ch, cancel := manager.Subscribe()
	t.Cleanup(cancel)

	select {
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for initial snapshot")
	case s := <-ch:
		if len(s) != 1 || len(s[0].Processes) != 1 {
			t.Fatalf("expected initial snapshot with process data, got %+v", s)
		}
	}

	writeFile(t, proc.fdinfo("5"), `drm-driver:	i915
drm-client-id:	18
drm-pdev:	0000:00:02.0
drm-total-system0:	14 MiB
drm-engine-render:	2500000000 ns
drm-engine-video:	1500000000 ns
drm-engine-capacity-video:	2
`)

	manager.performScan(first.Add(time.Second))

	select {
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for update snapshot")
	case s := <-ch:
		if len(s) != 1 || len(s[0].Processes) != 1 {
			t.Fatalf("expected updated process list, got %+v", s)
		}
		busy := s[0].Processes[0].EngineBusyPct
		assertPct(t, busy[telemetry.EngineRender], 50)
		assertPct(t, busy[telemetry.EngineVideo], 50)
	}
}

func TestManagerXeCycles(t *testing.T) {
	root := t.TempDir()
	proc := setupProcEntry(t, root, 77, "glxgears")
	proc.addFD(t, "4", "/dev/dri/renderD128", []byte("drm-driver:\txe\ndrm-client-id:\t5\ndrm-pdev:\t0000:03:00.0\ndrm-cycles-rcs:\t1000\ndrm-total-cycles-rcs:\t10000\n"))

	manager := newTestManager(t, root, []gpu.Info{{ID: "card1", PCI: "0000:03:00.0"}})
	manager.performScan(time.Unix(0, 0))

	writeFile(t, proc.fdinfo("4"), "drm-driver:\txe\ndrm-client-id:\t5\ndrm-pdev:\t0000:03:00.0\ndrm-cycles-rcs:\t1750\ndrm-total-cycles-rcs:\t13000\n")
	manager.performScan(time.Unix(2, 0))

	snap, ok := manager.Latest("card1")
	if !ok || len(snap.Processes) != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	assertPct(t, snap.Processes[0].EngineBusyPct[telemetry.EngineRender], 25)
	if snap.Capabilities.MemoryFromFDInfo {
		t.Fatalf("no memory regions were reported")
	}
}

func TestManagerXeCyclesHonourCapacity(t *testing.T) {
	root := t.TempDir()
	proc := setupProcEntry(t, root, 88, "ffmpeg")
	proc.addFD(t, "6", "/dev/dri/renderD128", readTestdata(t, "fdinfo_xe.txt"))

	manager := newTestManager(t, root, []gpu.Info{{ID: "card1", PCI: "0000:03:00.0"}})
	manager.performScan(time.Unix(0, 0))

	// One of the two video instances stays busy for the whole interval.
	writeFile(t, proc.fdinfo("6"), `drm-driver:	xe
drm-client-id:	105
drm-pdev:	0000:03:00.0
drm-cycles-rcs:	28257900
drm-total-cycles-rcs:	7665183225
drm-cycles-vcs:	10000000
drm-total-cycles-vcs:	7665183225
drm-engine-capacity-vcs:	2
`)
	manager.performScan(time.Unix(1, 0))

	snap, ok := manager.Latest("card1")
	if !ok || len(snap.Processes) != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	busy := snap.Processes[0].EngineBusyPct
	assertPct(t, busy[telemetry.EngineVideo], 50)
	assertPct(t, busy[telemetry.EngineRender], 0)
}

func TestManagerDropsExitedProcesses(t *testing.T) {
	root := t.TempDir()
	proc := setupProcEntry(t, root, 10, "short")
	proc.addFD(t, "3", "/dev/dri/renderD128", readTestdata(t, "fdinfo_i915.txt"))

	manager := newTestManager(t, root, []gpu.Info{{ID: "card0", PCI: "0000:00:02.0"}})
	manager.performScan(time.Unix(0, 0))

	writeFile(t, proc.fdinfo("3"), "pos:\t0\n")
	manager.performScan(time.Unix(1, 0))

	snaps := manager.Snapshots()
	if len(snaps) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(snaps))
	}
	if len(snaps[0].Processes) != 0 {
		t.Fatalf("expected no processes, got %+v", snaps[0].Processes)
	}
}

func TestManagerRunDisabled(t *testing.T) {
	manager := newTestManager(t, t.TempDir(), []gpu.Info{{ID: "card0"}})
	manager.cfg.Enable = false

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := manager.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if manager.Ready() {
		t.Fatalf("disabled scanner must not scan")
	}
}

func TestNewManagerValidatesInterval(t *testing.T) {
	if _, err := NewManager(config.ProcConfig{Enable: true}, t.TempDir(), nil, nil); err == nil {
		t.Fatal("expected error for zero scan interval")
	}
}

func newTestManager(t *testing.T, root string, gpus []gpu.Info) *Manager {
	t.Helper()
	cfg := config.ProcConfig{
		Enable:       true,
		ScanInterval: time.Second,
		MaxPIDs:      10,
		MaxFDsPerPID: 16,
	}
	manager, err := NewManager(cfg, root, gpus, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	manager.collector.userCache[1000] = "alice"
	return manager
}

func assertPct(t *testing.T, value, expected float64) {
	t.Helper()
	if diff := value - expected; diff < -0.001 || diff > 0.001 {
		t.Fatalf("expected %.2f%%, got %.4f%%", expected, value)
	}
}
