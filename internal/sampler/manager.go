// Package sampler caches the latest GPU reading and fans it out to live
// subscribers such as WebSocket clients.
package sampler

import (
	"log/slog"
	"sync"

	"github.com/skobkin/igpu-exporter/internal/telemetry"
)

// Manager stores the latest reading and fan-outs updates to subscribers.
type Manager struct {
	logger *slog.Logger

	mu          sync.RWMutex
	latest      telemetry.Reading
	hasLatest   bool
	subscribers map[*subscriber]struct{}
	closed      bool
}

// NewManager builds an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:      logger,
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Publish records a reading as the latest one and delivers it to every
// subscriber without blocking.
func (m *Manager) Publish(reading telemetry.Reading) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	first := !m.hasLatest
	m.latest = reading
	m.hasLatest = true

	targets := make([]*subscriber, 0, len(m.subscribers))
	for sub := range m.subscribers {
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	if first {
		m.logger.Info("first reading published")
	}
	for _, sub := range targets {
		sub.send(reading)
	}
}

// Latest returns the most recent reading.
func (m *Manager) Latest() (telemetry.Reading, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.hasLatest
}

// Ready reports whether at least one reading has been published.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasLatest
}

// Subscribe registers a listener. The latest reading, if any, is delivered
// immediately. The returned function unsubscribes and closes the channel.
func (m *Manager) Subscribe() (<-chan telemetry.Reading, func()) {
	sub := newSubscriber()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sub.close()
		return sub.channel(), func() {}
	}
	m.subscribers[sub] = struct{}{}
	if m.hasLatest {
		sub.send(m.latest)
	}
	m.mu.Unlock()

	return sub.channel(), func() {
		m.removeSubscriber(sub)
	}
}

// Subscribers returns the number of active subscriptions.
func (m *Manager) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

// Close ends every subscription. Safe for repeated use.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for sub := range m.subscribers {
		sub.close()
	}
	clear(m.subscribers)
}

func (m *Manager) removeSubscriber(sub *subscriber) {
	m.mu.Lock()
	delete(m.subscribers, sub)
	m.mu.Unlock()
	sub.close()
}

type subscriber struct {
	ch     chan telemetry.Reading
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch: make(chan telemetry.Reading, 1),
	}
}

func (s *subscriber) channel() <-chan telemetry.Reading {
	return s.ch
}

func (s *subscriber) send(reading telemetry.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- reading:
		return
	default:
		// Drop oldest to make room for new reading.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- reading:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
