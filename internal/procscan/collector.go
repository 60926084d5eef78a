package procscan

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/skobkin/igpu-exporter/internal/gpu"
)

const driDir = "/dev/dri/"

type rawClient struct {
	id       int
	engines  map[string]engineCounter
	capacity map[string]int
}

type rawProcess struct {
	pid           int
	uid           int
	user          string
	name          string
	command       string
	clients       []rawClient
	totalBytes    uint64
	residentBytes uint64
	hasMemory     bool
	hasEngine     bool
}

type gpuCollection struct {
	processes []rawProcess
	hasMemory bool
	hasEngine bool
}

// clientKey identifies a DRM client. The same client shows up in every
// process that inherited its file descriptor.
type clientKey struct {
	gpuID    string
	clientID int
}

type collector struct {
	procRoot  *os.Root
	maxPIDs   int
	maxFDs    int
	lookup    *gpuLookup
	logger    *slog.Logger
	userCache map[int]string
}

func newCollector(procRoot string, maxPIDs, maxFDs int, lookup *gpuLookup, logger *slog.Logger) (*collector, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	root, err := os.OpenRoot(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open proc root: %w", err)
	}

	return &collector{
		procRoot:  root,
		maxPIDs:   maxPIDs,
		maxFDs:    maxFDs,
		lookup:    lookup,
		logger:    logger,
		userCache: make(map[int]string),
	}, nil
}

func (c *collector) Close() error {
	if c.procRoot == nil {
		return nil
	}
	return c.procRoot.Close()
}

func (c *collector) collect() (map[string]gpuCollection, error) {
	entries, err := fs.ReadDir(c.procRoot.FS(), ".")
	if err != nil {
		return nil, err
	}

	pids := make([]int, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	// Lowest PIDs first: they survive the limit and own shared clients.
	slices.Sort(pids)
	if c.maxPIDs > 0 && len(pids) > c.maxPIDs {
		c.logger.Debug("pid limit reached", "max_pids", c.maxPIDs, "pids", len(pids))
		pids = pids[:c.maxPIDs]
	}

	results := make(map[string]gpuCollection)
	seen := make(map[clientKey]struct{})

	for _, pid := range pids {
		procDir, err := c.procRoot.OpenRoot(strconv.Itoa(pid))
		if err != nil {
			continue
		}

		procs := c.scanProcess(pid, procDir, seen)
		if err := procDir.Close(); err != nil {
			c.logger.Debug("failed to close proc dir", "pid", pid, "err", err)
		}

		for gpuID, raw := range procs {
			col := results[gpuID]
			col.processes = append(col.processes, raw)
			col.hasMemory = col.hasMemory || raw.hasMemory
			col.hasEngine = col.hasEngine || raw.hasEngine
			results[gpuID] = col
		}
	}

	return results, nil
}

func (c *collector) scanProcess(pid int, procDir *os.Root, seen map[clientKey]struct{}) map[string]rawProcess {
	fdEntries, err := fs.ReadDir(procDir.FS(), "fd")
	if err != nil {
		return nil
	}

	result := make(map[string]*rawProcess)
	fdCount := 0

	for _, fdEntry := range fdEntries {
		if c.maxFDs > 0 && fdCount >= c.maxFDs {
			break
		}
		fdCount++

		fdName := fdEntry.Name()
		target, err := procDir.Readlink(filepath.Join("fd", fdName))
		if err != nil {
			continue
		}
		target = filepath.Clean(strings.TrimSuffix(target, " (deleted)"))
		if !strings.HasPrefix(target, driDir) {
			continue
		}

		data, err := procDir.ReadFile(filepath.Join("fdinfo", fdName))
		if err != nil {
			continue
		}
		metrics := parseFDInfo(data)
		if !gpu.IsIntelDriver(metrics.Driver) {
			continue
		}

		gpuID, ok := c.lookup.match(metrics.PDev, target)
		if !ok {
			continue
		}

		if metrics.ClientID > 0 {
			key := clientKey{gpuID: gpuID, clientID: metrics.ClientID}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}

		raw := result[gpuID]
		if raw == nil {
			raw = &rawProcess{pid: pid}
			result[gpuID] = raw
		}

		if metrics.HasMemory {
			raw.totalBytes += metrics.TotalBytes
			raw.residentBytes += metrics.ResidentBytes
			raw.hasMemory = true
		}
		if metrics.HasEngine() {
			raw.hasEngine = true
		}
		raw.clients = append(raw.clients, rawClient{
			id:       metrics.ClientID,
			engines:  metrics.Engines,
			capacity: metrics.Capacity,
		})
	}

	if len(result) == 0 {
		return nil
	}

	comm, _ := readTrimmed(procDir, "comm")
	cmdline, _ := procDir.ReadFile("cmdline")
	command := formatCmdline(cmdline)
	uid, err := readUID(procDir, "status")
	if err != nil {
		uid = -1
	}
	userName := c.lookupUser(uid)

	out := make(map[string]rawProcess, len(result))
	for gpuID, raw := range result {
		raw.uid = uid
		raw.user = userName
		raw.name = comm
		raw.command = command
		out[gpuID] = *raw
	}
	return out
}

func (c *collector) lookupUser(uid int) string {
	if uid < 0 {
		return ""
	}
	if name, ok := c.userCache[uid]; ok {
		return name
	}
	name := strconv.Itoa(uid)
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil && u.Username != "" {
		name = u.Username
	}
	c.userCache[uid] = name
	return name
}

// gpuLookup resolves a DRM client to a discovered GPU, by the PCI address the
// driver reports or else by the device node the descriptor points at.
type gpuLookup struct {
	byPCI  map[string]string
	byNode map[string]string
}

func newGPULookup(gpus []gpu.Info) *gpuLookup {
	lookup := &gpuLookup{
		byPCI:  make(map[string]string),
		byNode: make(map[string]string),
	}
	for _, info := range gpus {
		if info.PCI != "" {
			lookup.byPCI[strings.ToLower(info.PCI)] = info.ID
		}
		lookup.byNode[driDir+info.ID] = info.ID
		if info.RenderNode != "" {
			lookup.byNode[filepath.Clean(info.RenderNode)] = info.ID
		}
	}
	return lookup
}

func (l *gpuLookup) match(pdev, target string) (string, bool) {
	if pdev != "" {
		if id, ok := l.byPCI[pdev]; ok {
			return id, true
		}
	}
	id, ok := l.byNode[target]
	return id, ok
}

func readTrimmed(root *os.Root, name string) (string, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readUID(root *os.Root, name string) (int, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return 0, err
	}
	for line := range strings.SplitSeq(string(data), "\n") {
		rest, ok := strings.CutPrefix(line, "Uid:")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		return strconv.Atoi(fields[0])
	}
	return 0, errors.New("uid not found")
}

func formatCmdline(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	parts := strings.FieldsFunc(string(data), func(r rune) bool { return r == 0 })
	cmd := strings.Join(parts, " ")
	if len(cmd) > 256 {
		return cmd[:256]
	}
	return cmd
}
