// Package connectivity tracks two independent reachability signals:
// whether the device has a network at all, and whether the sync backend
// answered recently. A warehouse handheld regularly has the first
// without the second, and the UI shows the two states differently.
package connectivity

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	// defaultProbeInterval is how often device reachability is checked.
	defaultProbeInterval = 10 * time.Second

	// defaultDebounce is how long a reachability flip must hold before
	// it is committed, so a flapping access point does not thrash the
	// engine.
	defaultDebounce = 2 * time.Second

	// defaultFreshness is how long a successful backend round trip
	// keeps BackendReachable true.
	defaultFreshness = 30 * time.Second

	// dialTimeout bounds one device probe attempt.
	dialTimeout = 3 * time.Second
)

// DeviceProbe reports whether the device currently has network
// reachability.
type DeviceProbe func(ctx context.Context) bool

// BackendProbe performs a cheap round trip to the backend.
type BackendProbe func(ctx context.Context) error

// DefaultDeviceProbe dials the given TCP address and treats a completed
// connection as proof of network reachability.
func DefaultDeviceProbe(addr string) DeviceProbe {
	return func(ctx context.Context) bool {
		dialer := net.Dialer{Timeout: dialTimeout}

		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}

		conn.Close()

		return true
	}
}

// Config holds the monitor's probes and windows. Zero durations fall
// back to defaults.
type Config struct {
	DeviceProbe   DeviceProbe
	BackendProbe  BackendProbe
	ProbeInterval time.Duration
	Debounce      time.Duration
	Freshness     time.Duration
}

// Monitor polls device reachability, tracks backend freshness, and wakes
// the sync engine when the device comes back online. It only ever
// signals; it never touches the store.
type Monitor struct {
	deviceProbe   DeviceProbe
	backendProbe  BackendProbe
	probeInterval time.Duration
	debounce      time.Duration
	freshness     time.Duration
	logger        *slog.Logger

	mu             sync.Mutex
	initialized    bool
	deviceOnline   bool
	candidate      bool
	candidateSince time.Time
	lastBackendOK  time.Time

	signals  chan struct{}
	onChange func()
}

// New creates a monitor. onChange (optional, set via SetOnChange) is
// invoked after any committed state transition so the status projection
// can republish.
func New(cfg Config, logger *slog.Logger) *Monitor {
	m := &Monitor{
		deviceProbe:   cfg.DeviceProbe,
		backendProbe:  cfg.BackendProbe,
		probeInterval: cfg.ProbeInterval,
		debounce:      cfg.Debounce,
		freshness:     cfg.Freshness,
		logger:        logger,
		signals:       make(chan struct{}, 1),
	}

	if m.probeInterval <= 0 {
		m.probeInterval = defaultProbeInterval
	}

	if m.debounce <= 0 {
		m.debounce = defaultDebounce
	}

	if m.freshness <= 0 {
		m.freshness = defaultFreshness
	}

	if m.deviceProbe == nil {
		// No probe configured: assume the network is there and let
		// backend freshness carry the reachability signal on its own.
		m.deviceProbe = func(context.Context) bool { return true }
	}

	return m
}

// SetOnChange registers the callback invoked after committed
// transitions. Must be called before Run.
func (m *Monitor) SetOnChange(fn func()) {
	m.onChange = fn
}

// Signals returns the channel that fires when the device transitions
// from offline to online. The channel is buffered and coalescing.
func (m *Monitor) Signals() <-chan struct{} {
	return m.signals
}

// DeviceOnline reports the debounced device reachability state.
func (m *Monitor) DeviceOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.deviceOnline
}

// BackendReachable reports whether the backend answered within the
// freshness window. It can be false while DeviceOnline is true: that is
// a backend outage, not a network loss.
func (m *Monitor) BackendReachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.reachableLocked(time.Now())
}

func (m *Monitor) reachableLocked(now time.Time) bool {
	return !m.lastBackendOK.IsZero() && now.Sub(m.lastBackendOK) <= m.freshness
}

// ReportBackendSuccess records a successful backend round trip. The
// engine calls this after every push, pull, or health response.
func (m *Monitor) ReportBackendSuccess() {
	m.mu.Lock()
	wasReachable := m.reachableLocked(time.Now())
	m.lastBackendOK = time.Now()
	m.mu.Unlock()

	if !wasReachable {
		m.logger.Info("backend reachable")
		m.notify()
	}
}

// Run polls until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	// Prime the state immediately instead of waiting a full interval.
	m.observe(m.deviceProbe(ctx), time.Now())
	m.probeBackend(ctx)

	lastReachable := m.BackendReachable()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			m.observe(m.deviceProbe(ctx), time.Now())
			m.probeBackend(ctx)

			// Freshness expiry is time-driven, not event-driven, so
			// transitions to unreachable are detected here.
			if reachable := m.BackendReachable(); reachable != lastReachable {
				lastReachable = reachable

				if !reachable {
					m.logger.Warn("backend unreachable")
				}

				m.notify()
			}
		}
	}
}

// observe feeds one raw probe result through the debounce window. The
// first observation commits immediately so startup does not report a
// stale default.
func (m *Monitor) observe(raw bool, now time.Time) {
	m.mu.Lock()

	if !m.initialized {
		m.initialized = true
		m.deviceOnline = raw
		m.candidate = raw
		m.mu.Unlock()

		m.logger.Info("device connectivity", slog.Bool("online", raw))
		m.notify()

		if raw {
			m.signal()
		}

		return
	}

	if raw == m.deviceOnline {
		m.candidate = raw
		m.candidateSince = time.Time{}
		m.mu.Unlock()

		return
	}

	if raw != m.candidate || m.candidateSince.IsZero() {
		m.candidate = raw
		m.candidateSince = now
		m.mu.Unlock()

		return
	}

	if now.Sub(m.candidateSince) < m.debounce {
		m.mu.Unlock()
		return
	}

	// Committed transition.
	m.deviceOnline = raw
	m.candidateSince = time.Time{}
	m.mu.Unlock()

	m.logger.Info("device connectivity changed", slog.Bool("online", raw))
	m.notify()

	if raw {
		m.signal()
	}
}

// probeBackend refreshes backend reachability when the device is online
// but the freshness window has lapsed. Round trips made by the engine
// keep the window fresh on their own during active sync.
func (m *Monitor) probeBackend(ctx context.Context) {
	if m.backendProbe == nil || !m.DeviceOnline() || m.BackendReachable() {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	if err := m.backendProbe(probeCtx); err == nil {
		m.ReportBackendSuccess()
	}
}

func (m *Monitor) signal() {
	select {
	case m.signals <- struct{}{}:
	default:
	}
}

func (m *Monitor) notify() {
	if m.onChange != nil {
		m.onChange()
	}
}
