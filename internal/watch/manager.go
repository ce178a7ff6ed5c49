// Package watch polls cluster availability in the background, caches the latest
// snapshot and fans updates out to subscribers.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/gpuavail/internal/availability"
	"github.com/skobkin/gpuavail/internal/fault"
	"github.com/skobkin/gpuavail/internal/inventory"
)

// Provider computes availability snapshots.
type Provider interface {
	GetAvailabilitySnapshot(ctx context.Context, sel inventory.Selector) (availability.Snapshot, error)
}

// Poll states reported by Status.
const (
	StateInitializing = "initializing"
	StateOK           = "ok"
	StateDegraded     = "degraded"
)

// Status describes the outcome of the most recent poll.
type Status struct {
	State     string    `json:"state"`
	LastPoll  time.Time `json:"last_poll,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	// Stale is set when the latest snapshot was served from an earlier bucket.
	Stale bool `json:"stale,omitempty"`
}

// Manager polls the provider on an interval for the unfiltered snapshot.
type Manager struct {
	interval time.Duration
	provider Provider
	logger   *slog.Logger

	mu          sync.RWMutex
	latest      availability.Snapshot
	hasLatest   bool
	lastPoll    time.Time
	lastErr     error
	stale       bool
	polls       uint64
	failures    uint64
	subscribers map[*subscriber]struct{}
}

// NewManager builds a Manager.
func NewManager(interval time.Duration, provider Provider, logger *slog.Logger) (*Manager, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		interval:    interval,
		provider:    provider,
		logger:      logger,
		subscribers: make(map[*subscriber]struct{}),
	}, nil
}

// Interval returns the poll interval.
func (m *Manager) Interval() time.Duration {
	return m.interval
}

// Run polls until the context is canceled, then closes all subscriptions.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("watcher started", "interval", m.interval)

	// Initial poll to prime cache.
	m.poll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("watcher stopping", "reason", ctx.Err())
			m.closeSubscribers()
			return nil
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Manager) poll(ctx context.Context) {
	snapshot, err := m.provider.GetAvailabilitySnapshot(ctx, inventory.Selector{})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.mu.Lock()
		m.lastPoll = time.Now()
		m.lastErr = err
		m.stale = false
		m.polls++
		m.failures++
		m.mu.Unlock()
		m.logger.Warn("availability poll failed", "err", err)
		return
	}

	// A stale snapshot means the upstream failed and an earlier result was served.
	var staleErr error
	if snapshot.Stale {
		staleErr = fmt.Errorf("%w: serving snapshot from bucket %d", fault.ErrUpstreamUnavailable, snapshot.Bucket)
		m.logger.Warn("availability poll served stale snapshot", "bucket", snapshot.Bucket)
	}

	m.mu.Lock()
	m.latest = snapshot
	m.hasLatest = true
	m.lastPoll = time.Now()
	m.lastErr = staleErr
	m.stale = snapshot.Stale
	m.polls++
	if snapshot.Stale {
		m.failures++
	}
	targets := make([]*subscriber, 0, len(m.subscribers))
	for sub := range m.subscribers {
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	for _, sub := range targets {
		sub.send(snapshot.Clone())
	}
}

// Latest returns the most recent snapshot.
func (m *Manager) Latest() (availability.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.hasLatest {
		return availability.Snapshot{}, false
	}
	return m.latest.Clone(), true
}

// Subscribe registers a listener. The latest snapshot, if any, is delivered first.
func (m *Manager) Subscribe() (<-chan availability.Snapshot, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := newSubscriber()
	m.subscribers[sub] = struct{}{}
	if m.hasLatest {
		sub.send(m.latest.Clone())
	}

	return sub.channel(), func() { m.removeSubscriber(sub) }
}

// Subscribers returns the number of active subscriptions.
func (m *Manager) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

// Status reports the outcome of the last poll.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := Status{State: StateOK, LastPoll: m.lastPoll, Stale: m.stale}
	switch {
	case m.lastErr != nil:
		status.State = StateDegraded
		status.LastError = m.lastErr.Error()
	case !m.hasLatest:
		status.State = StateInitializing
	}
	return status
}

// Counters returns the number of polls and failed polls.
func (m *Manager) Counters() (polls, failures uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.polls, m.failures
}

func (m *Manager) removeSubscriber(sub *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers, sub)
	sub.close()
}

func (m *Manager) closeSubscribers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subscribers {
		sub.close()
		delete(m.subscribers, sub)
	}
}

type subscriber struct {
	ch     chan availability.Snapshot
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch: make(chan availability.Snapshot, 1),
	}
}

func (s *subscriber) channel() <-chan availability.Snapshot {
	return s.ch
}

func (s *subscriber) send(snapshot availability.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- snapshot:
		return
	default:
		// Drop oldest to make room for the new snapshot.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- snapshot:
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
