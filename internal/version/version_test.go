package version

import (
	"bytes"
	"testing"
)

func TestInfoString(t *testing.T) {
	tests := []struct {
		info Info
		want string
	}{
		{Info{Version: "v1.2.0"}, "v1.2.0"},
		{Info{Version: "v1.2.0", Commit: "abc123"}, "v1.2.0 (abc123)"},
		{Info{Version: "dev", Commit: "abc123", BuildTime: "2026-01-02"}, "dev (abc123) built 2026-01-02"},
	}
	for _, tt := range tests {
		if got := tt.info.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestSetDefaultsVersionAndPrint(t *testing.T) {
	previous := Current()
	t.Cleanup(func() { Set(previous) })

	Set(Info{Commit: "deadbeef"})
	if got := Current().Version; got != "dev" {
		t.Fatalf("expected dev version, got %q", got)
	}

	var buf bytes.Buffer
	Print(&buf, "igpu-exporter")
	if got := buf.String(); got != "igpu-exporter dev (deadbeef)\n" {
		t.Fatalf("unexpected output %q", got)
	}
}
