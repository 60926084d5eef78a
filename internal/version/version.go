// Package version holds the build metadata stamped in at link time.
package version

import (
	"fmt"
	"io"
	"sync"
)

// Info describes build metadata for the exporter.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// String renders the metadata on one line, omitting empty parts.
func (i Info) String() string {
	out := i.Version
	if i.Commit != "" {
		out += " (" + i.Commit + ")"
	}
	if i.BuildTime != "" {
		out += " built " + i.BuildTime
	}
	return out
}

var (
	current = Info{Version: "dev"}
	mu      sync.RWMutex
)

// Set replaces the published build metadata. An empty version becomes "dev".
func Set(v Info) {
	mu.Lock()
	defer mu.Unlock()

	if v.Version == "" {
		v.Version = "dev"
	}
	current = v
}

// Current returns the published build metadata.
func Current() Info {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Print writes "<program> <version>" to w.
func Print(w io.Writer, program string) {
	fmt.Fprintf(w, "%s %s\n", program, Current())
}
