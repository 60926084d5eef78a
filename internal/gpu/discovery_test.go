package gpu

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/jaypipes/pcidb"
)

func TestDiscoverKeepsIntelCards(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	createCard(t, root, "card0", "DRIVER=i915\nPCI_SLOT_NAME=0000:00:02.0\nPCI_ID=8086:FFFF\n", "renderD128")
	createCard(t, root, "card1", "DRIVER=amdgpu\nPCI_SLOT_NAME=0000:0a:00.0\nPCI_ID=1002:73DF\n", "renderD129")
	createCard(t, root, "card2", "DRIVER=xe\nPCI_SLOT_NAME=0000:03:00.0\n", "renderD130")
	writeFile(t, filepath.Join(root, "class", "drm", "card2", "device", "vendor"), "0x8086\n")
	writeFile(t, filepath.Join(root, "class", "drm", "card2", "device", "device"), "0xfffe\n")
	createCard(t, root, "card0-eDP-1", "DRIVER=i915\n", "")
	if err := os.MkdirAll(filepath.Join(root, "class", "drm", "renderD128"), 0o750); err != nil {
		t.Fatalf("mkdir render class entry: %v", err)
	}

	infos, err := Discover(root, logger)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 Intel GPUs, got %+v", infos)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})

	card0 := infos[0]
	if card0.ID != "card0" {
		t.Fatalf("expected card0, got %q", card0.ID)
	}
	if card0.PCI != "0000:00:02.0" {
		t.Errorf("unexpected PCI slot: %q", card0.PCI)
	}
	if card0.PCIID != "8086:ffff" {
		t.Errorf("unexpected PCI ID: %q", card0.PCIID)
	}
	if card0.Driver != "i915" {
		t.Errorf("unexpected driver: %q", card0.Driver)
	}
	if card0.Name != "i915" {
		t.Errorf("expected driver name fallback for unknown device, got %q", card0.Name)
	}
	if card0.RenderNode != "/dev/dri/renderD128" {
		t.Errorf("unexpected render node: %q", card0.RenderNode)
	}

	card2 := infos[1]
	if card2.ID != "card2" {
		t.Fatalf("expected card2, got %q", card2.ID)
	}
	if card2.PCIID != "8086:fffe" {
		t.Errorf("expected PCI ID from vendor/device files, got %q", card2.PCIID)
	}
	if card2.Driver != "xe" {
		t.Errorf("unexpected driver: %q", card2.Driver)
	}
}

func TestDiscoverMissingDRMClass(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	infos, err := Discover(root, logger)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected 0 GPUs, got %d", len(infos))
	}
}

func TestDiscoverFollowsSymlinks(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	classPath := filepath.Join(root, "class", "drm")
	if err := os.MkdirAll(classPath, 0o750); err != nil {
		t.Fatalf("mkdir class: %v", err)
	}

	target := filepath.Join(root, "devices", "pci0000:00", "0000:00:02.0", "drm", "card0")
	deviceDir := filepath.Join(target, "device")
	writeFile(t, filepath.Join(deviceDir, "uevent"), "DRIVER=i915\nPCI_SLOT_NAME=0000:00:02.0\nPCI_ID=8086:FFFF\n")

	linkPath := filepath.Join(classPath, "card0")
	relTarget, err := filepath.Rel(classPath, target)
	if err != nil {
		t.Fatalf("filepath.Rel: %v", err)
	}
	if err := os.Symlink(relTarget, linkPath); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	infos, err := Discover(root, logger)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != "card0" {
		t.Fatalf("expected symlinked gpu, got %+v", infos)
	}
}

func TestInfoIsIntel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		info Info
		want bool
	}{
		{Info{Driver: "i915"}, true},
		{Info{Driver: "xe"}, true},
		{Info{PCIID: "8086:46a6"}, true},
		{Info{PCIID: "0x8086:0x46a6"}, true},
		{Info{Driver: "amdgpu", PCIID: "1002:73df"}, false},
		{Info{}, false},
	}
	for _, tt := range tests {
		if got := tt.info.IsIntel(); got != tt.want {
			t.Errorf("IsIntel(%+v) = %v, want %v", tt.info, got, tt.want)
		}
	}
}

func TestDiscoverUsesPCIDatabase(t *testing.T) {
	t.Parallel()

	db, err := pcidb.New()
	if err != nil {
		t.Skipf("pcidb unavailable: %v", err)
	}

	const (
		vendorID = "8086"
		deviceID = "46a6"
	)

	product, ok := db.Products[vendorID+deviceID]
	if !ok || product == nil || product.Name == "" {
		t.Skipf("pcidb missing product for %s:%s", vendorID, deviceID)
	}

	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	createCard(t, root, "card0", "DRIVER=i915\nPCI_SLOT_NAME=0000:00:02.0\nPCI_ID="+strings.ToUpper(vendorID+":"+deviceID)+"\n", "renderD128")

	infos, err := Discover(root, logger)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 GPU, got %d", len(infos))
	}
	if infos[0].Name != product.Name {
		t.Fatalf("expected name %q, got %q", product.Name, infos[0].Name)
	}
}

func createCard(t *testing.T, root, card, uevent, renderNode string) {
	t.Helper()
	deviceDir := filepath.Join(root, "class", "drm", card, "device")
	writeFile(t, filepath.Join(deviceDir, "uevent"), uevent)
	if renderNode == "" {
		return
	}
	if err := os.MkdirAll(filepath.Join(deviceDir, "drm", renderNode), 0o750); err != nil {
		t.Fatalf("mkdir render node: %v", err)
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
