// Package connectivity produces the single debounced online/offline
// signal the dispatcher gates on. Link-layer state alone is necessary
// but not sufficient, so the monitor combines the platform hint with an
// active reachability probe against the sync server.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/field-sync/field-sync/internal/observability"
	"go.uber.org/zap"
)

// Prober checks server reachability
type Prober interface {
	Ping(ctx context.Context, path string) error
}

// Monitor tracks connectivity and notifies subscribers on transitions
type Monitor struct {
	prober    Prober
	probePath string
	interval  time.Duration
	timeout   time.Duration
	debounce  time.Duration
	logger    *observability.Logger
	metrics   *observability.Metrics

	mu           sync.RWMutex
	online       bool
	linkUp       bool
	pendingSince time.Time // first observation diverging from the published state
	subscribers  map[int]func(online bool)
	nextSubID    int

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Options configures the monitor
type Options struct {
	ProbePath string
	Interval  time.Duration
	Timeout   time.Duration
	Debounce  time.Duration
}

// NewMonitor creates a connectivity monitor. The agent starts offline
// and flips online after the first successful probe; the dispatcher
// never assumes reachability it has not observed.
func NewMonitor(prober Prober, opts Options, logger *observability.Logger, metrics *observability.Metrics) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Debounce < 0 {
		opts.Debounce = 0
	}

	return &Monitor{
		prober:      prober,
		probePath:   opts.ProbePath,
		interval:    opts.Interval,
		timeout:     opts.Timeout,
		debounce:    opts.Debounce,
		logger:      logger,
		metrics:     metrics,
		linkUp:      true,
		subscribers: make(map[int]func(bool)),
		stopCh:      make(chan struct{}),
	}
}

// Start begins periodic probing
func (m *Monitor) Start(ctx context.Context) {
	go m.probeLoop(ctx)
}

// Stop halts probing
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// IsOnline returns the current debounced connectivity state
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetLinkUp feeds the platform's link-layer hint. A downed link flips
// offline without waiting for a probe to time out; a restored link
// triggers an immediate probe.
func (m *Monitor) SetLinkUp(ctx context.Context, up bool) {
	m.mu.Lock()
	m.linkUp = up
	m.mu.Unlock()

	if !up {
		m.observe(false)
		return
	}
	m.Probe(ctx)
}

// Subscribe registers a callback for connectivity transitions and
// returns an unsubscribe function
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// Probe performs one reachability check immediately
func (m *Monitor) Probe(ctx context.Context) {
	m.mu.RLock()
	linkUp := m.linkUp
	m.mu.RUnlock()

	if !linkUp {
		m.observe(false)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Ping(probeCtx, m.probePath)
	if err != nil {
		m.metrics.ProbeFailures.Add(ctx, 1)
		m.logger.Debug("reachability probe failed", zap.Error(err))
	}
	m.observe(err == nil)
}

// probeLoop probes on the configured interval
func (m *Monitor) probeLoop(ctx context.Context) {
	// First probe immediately so startup does not wait a full interval
	m.Probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// observe feeds one reachability observation through the debounce: a
// transition is published only after the diverging state has been
// observed continuously for the debounce window, so flaky connections
// do not thrash the dispatcher.
func (m *Monitor) observe(reachable bool) {
	m.mu.Lock()

	if reachable == m.online {
		m.pendingSince = time.Time{}
		m.mu.Unlock()
		return
	}

	now := time.Now()
	if m.pendingSince.IsZero() {
		m.pendingSince = now
		if m.debounce > 0 {
			m.mu.Unlock()
			// Confirm the divergence after the debounce window instead of
			// waiting for the next full interval
			go m.recheck()
			return
		}
	} else if now.Sub(m.pendingSince) < m.debounce {
		m.mu.Unlock()
		return
	}

	m.online = reachable
	m.pendingSince = time.Time{}
	subs := make([]func(bool), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.metrics.ConnectivityTransitions.Add(context.Background(), 1)
	m.logger.Info("connectivity changed", zap.Bool("online", reachable))

	for _, fn := range subs {
		fn(reachable)
	}
}

// recheck re-probes once the debounce window has elapsed
func (m *Monitor) recheck() {
	select {
	case <-m.stopCh:
		return
	case <-time.After(m.debounce):
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.mu.RLock()
	linkUp := m.linkUp
	m.mu.RUnlock()

	reachable := false
	if linkUp {
		reachable = m.prober.Ping(ctx, m.probePath) == nil
	}
	m.observe(reachable)
}
