// Package procscan attributes Intel GPU usage to processes by reading the DRM
// client statistics the i915 and xe drivers publish in /proc/<pid>/fdinfo.
package procscan

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skobkin/igpu-exporter/internal/config"
	"github.com/skobkin/igpu-exporter/internal/gpu"
)

// Manager orchestrates process scans and fan-out to subscribers.
type Manager struct {
	cfg    config.ProcConfig
	logger *slog.Logger

	gpuIDs    []string
	collector *collector

	mu          sync.RWMutex
	latest      map[string]Snapshot
	subscribers map[*procSubscriber]struct{}
	prevEngine  map[processClient]map[string]engineCounter
	lastScan    time.Time
	closeOnce   sync.Once
	closeErr    error
}

type processClient struct {
	gpuID    string
	pid      int
	clientID int
}

// NewManager constructs a process scanner manager.
func NewManager(cfg config.ProcConfig, procRoot string, gpus []gpu.Info, logger *slog.Logger) (*Manager, error) {
	if procRoot == "" {
		procRoot = "/proc"
	}
	if cfg.ScanInterval <= 0 {
		return nil, fmt.Errorf("scan interval must be > 0")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	gpuIDs := make([]string, 0, len(gpus))
	for _, info := range gpus {
		gpuIDs = append(gpuIDs, info.ID)
	}
	sort.Strings(gpuIDs)

	coll, err := newCollector(procRoot, cfg.MaxPIDs, cfg.MaxFDsPerPID, newGPULookup(gpus), logger.With("component", "procscan_collector"))
	if err != nil {
		return nil, fmt.Errorf("init collector: %w", err)
	}

	return &Manager{
		cfg:         cfg,
		logger:      logger,
		gpuIDs:      gpuIDs,
		collector:   coll,
		latest:      make(map[string]Snapshot),
		subscribers: make(map[*procSubscriber]struct{}),
		prevEngine:  make(map[processClient]map[string]engineCounter),
	}, nil
}

// Run scans /proc periodically until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if !m.cfg.Enable || len(m.gpuIDs) == 0 {
		<-ctx.Done()
		return m.Close()
	}

	m.logger.Info("process scanner started", "interval", m.cfg.ScanInterval, "gpus", len(m.gpuIDs))
	m.performScan(time.Now())

	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("process scanner stopping", "reason", ctx.Err())
			return m.Close()
		case now := <-ticker.C:
			m.performScan(now)
		}
	}
}

// Latest returns the most recent snapshot for the supplied GPU.
func (m *Manager) Latest(gpuID string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot, ok := m.latest[gpuID]
	return snapshot, ok
}

// Snapshots returns the latest snapshot of every GPU ordered by GPU id.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.latest))
	for _, id := range m.gpuIDs {
		if snapshot, ok := m.latest[id]; ok {
			out = append(out, snapshot)
		}
	}
	return out
}

// Subscribe registers for scan results. Each delivery holds one snapshot per
// GPU; a slow subscriber only sees the newest scan.
func (m *Manager) Subscribe() (<-chan []Snapshot, func()) {
	sub := newProcSubscriber()
	latest := m.Snapshots()

	m.mu.Lock()
	m.subscribers[sub] = struct{}{}
	m.mu.Unlock()

	if len(latest) > 0 {
		sub.send(latest)
	}

	return sub.channel(), func() {
		m.removeSubscriber(sub)
	}
}

// Ready reports whether at least one scan has been performed.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.lastScan.IsZero()
}

func (m *Manager) performScan(now time.Time) {
	collections, err := m.collector.collect()
	if err != nil {
		m.logger.Warn("process scan failed", "err", err)
		return
	}

	m.mu.RLock()
	prevScan := m.lastScan
	m.mu.RUnlock()

	var elapsed time.Duration
	if !prevScan.IsZero() {
		elapsed = now.Sub(prevScan)
		if elapsed <= 0 {
			elapsed = m.cfg.ScanInterval
		}
	}

	nextEngine := make(map[processClient]map[string]engineCounter)
	snapshots := make([]Snapshot, 0, len(m.gpuIDs))

	for _, gpuID := range m.gpuIDs {
		col := collections[gpuID]
		processes := make([]Process, 0, len(col.processes))

		for _, raw := range col.processes {
			proc := Process{
				PID:     raw.pid,
				UID:     raw.uid,
				User:    raw.user,
				Name:    raw.name,
				Command: raw.command,
				Clients: len(raw.clients),
			}

			if raw.hasMemory {
				total := raw.totalBytes
				resident := raw.residentBytes
				proc.MemoryBytes = &total
				proc.ResidentBytes = &resident
			}

			for _, client := range raw.clients {
				if len(client.engines) == 0 {
					continue
				}
				key := processClient{gpuID: gpuID, pid: raw.pid, clientID: client.id}
				nextEngine[key] = client.engines

				prev, ok := m.previousEngines(key)
				if !ok {
					continue
				}
				for kind, counter := range client.engines {
					before, seen := prev[kind]
					if !seen {
						continue
					}
					pct, ok := busyPercent(before, counter, elapsed, client.capacity[kind])
					if !ok {
						continue
					}
					if proc.EngineBusyPct == nil {
						proc.EngineBusyPct = make(map[string]float64)
					}
					proc.EngineBusyPct[kind] = min(proc.EngineBusyPct[kind]+pct, 100)
				}
			}

			processes = append(processes, proc)
		}

		sort.Slice(processes, func(i, j int) bool {
			bi, bj := totalBusy(processes[i]), totalBusy(processes[j])
			if bi != bj {
				return bi > bj
			}
			mi, mj := memoryOf(processes[i]), memoryOf(processes[j])
			if mi != mj {
				return mi > mj
			}
			return processes[i].PID < processes[j].PID
		})

		snapshots = append(snapshots, Snapshot{
			GPUId:     gpuID,
			Timestamp: now.UTC(),
			Capabilities: Capabilities{
				MemoryFromFDInfo:     col.hasMemory,
				EngineTimeFromFDInfo: col.hasEngine,
			},
			Processes: processes,
		})
	}

	m.publish(now, snapshots, nextEngine)
}

// busyPercent converts two counter readings into a utilisation percentage of
// the whole engine class. Busy time of a class is summed over its capacity
// instances, so both drivers divide by capacity. Counters that went backwards
// belong to a reused client id and are skipped.
func busyPercent(prev, cur engineCounter, elapsed time.Duration, capacity int) (float64, bool) {
	if cur.Busy < prev.Busy {
		return 0, false
	}
	delta := float64(cur.Busy - prev.Busy)
	if capacity < 1 {
		capacity = 1
	}

	if cur.Total > 0 {
		if cur.Total <= prev.Total {
			return 0, false
		}
		return delta / float64(cur.Total-prev.Total) / float64(capacity) * 100, true
	}

	if elapsed <= 0 {
		return 0, false
	}
	return delta / float64(elapsed.Nanoseconds()) / float64(capacity) * 100, true
}

func totalBusy(p Process) float64 {
	var sum float64
	for _, v := range p.EngineBusyPct {
		sum += v
	}
	return sum
}

func memoryOf(p Process) uint64 {
	if p.MemoryBytes == nil {
		return 0
	}
	return *p.MemoryBytes
}

func (m *Manager) previousEngines(key processClient) (map[string]engineCounter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prev, ok := m.prevEngine[key]
	return prev, ok
}

func (m *Manager) publish(now time.Time, snapshots []Snapshot, engines map[processClient]map[string]engineCounter) {
	m.mu.Lock()
	for _, snapshot := range snapshots {
		m.latest[snapshot.GPUId] = snapshot
	}
	m.prevEngine = engines
	m.lastScan = now
	subs := make([]*procSubscriber, 0, len(m.subscribers))
	for sub := range m.subscribers {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.send(snapshots)
	}
}

func (m *Manager) removeSubscriber(sub *procSubscriber) {
	m.mu.Lock()
	delete(m.subscribers, sub)
	m.mu.Unlock()
	sub.close()
}

// Close releases any filesystem handles retained by the manager.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		if m.collector != nil {
			if err := m.collector.Close(); err != nil {
				m.closeErr = fmt.Errorf("close collector: %w", err)
			}
		}
	})
	return m.closeErr
}

type procSubscriber struct {
	ch     chan []Snapshot
	mu     sync.Mutex
	closed bool
}

func newProcSubscriber() *procSubscriber {
	return &procSubscriber{
		ch: make(chan []Snapshot, 1),
	}
}

func (s *procSubscriber) channel() <-chan []Snapshot {
	return s.ch
}

func (s *procSubscriber) send(snapshots []Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- snapshots:
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- snapshots:
		default:
		}
	}
}

func (s *procSubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
