// Package monitor implements background host health monitoring for a single
// logical connection.
//
// The monitor probes the currently bound host on a fixed interval through an
// isolated side channel: it never touches the caller's physical connection,
// so a probe can never corrupt an in-flight transaction. A failure signal is
// raised only when a run of consecutive failed probes is both long enough
// (failure threshold) and old enough (detection window). The double
// condition avoids false positives from one transient timeout while still
// bounding worst-case detection latency.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meridiandb/pivot/logger"
	"github.com/meridiandb/pivot/pkg/metrics"
)

// Prober performs one liveness check against the monitored host. The pgx
// implementation pings over a dedicated monitoring connection.
type Prober interface {
	Probe(ctx context.Context) error
}

// Config holds the detection thresholds.
type Config struct {
	// Interval between probes.
	Interval time.Duration
	// ProbeTimeout bounds each probe, independent of any query timeout, so a
	// hung query never masks a responsive host and vice versa.
	ProbeTimeout time.Duration
	// FailureThreshold is the number of consecutive failed probes required.
	FailureThreshold int
	// DetectionWindow is the minimum span the failure streak must cover.
	DetectionWindow time.Duration
}

// Snapshot is a point-in-time view of the monitor state.
type Snapshot struct {
	Host             string    `json:"host"`
	Healthy          bool      `json:"healthy"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	StreakStart      time.Time `json:"streak_start,omitempty"`
	LastProbe        time.Time `json:"last_probe,omitempty"`
}

// Monitor watches one host on behalf of one logical connection.
type Monitor struct {
	cfg         Config
	prober      Prober
	onUnhealthy func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu               sync.Mutex
	host             string
	consecutiveFails int
	streakStart      time.Time
	lastProbe        time.Time
	signaled         bool
	stopped          bool
}

// New creates a monitor for host. onUnhealthy is invoked (on the monitor's
// goroutine) at most once per failure streak; the coordinator coalesces
// signals that race an in-flight failover.
func New(host string, prober Prober, cfg Config, onUnhealthy func()) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 3
	}
	return &Monitor{
		cfg:         cfg,
		prober:      prober,
		onUnhealthy: onUnhealthy,
		host:        host,
	}
}

// Start launches the probe loop. It returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run()
}

// Stop terminates monitoring immediately and irrevocably. It is called when
// the logical connection closes and waits for the probe goroutine to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Reset clears the failure streak and restarts the detection window. Called
// whenever a probe succeeds or the bound physical host changes.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

// Rebind points the monitor at a new host after a failover and resets it.
func (m *Monitor) Rebind(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.host = host
	m.resetLocked()
}

func (m *Monitor) resetLocked() {
	m.consecutiveFails = 0
	m.streakStart = time.Time{}
	m.signaled = false
	metrics.MonitorFailureStreak.WithLabelValues(m.host).Set(0)
}

// State returns a snapshot of the monitor's counters.
func (m *Monitor) State() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Host:             m.host,
		Healthy:          m.consecutiveFails == 0,
		ConsecutiveFails: m.consecutiveFails,
		StreakStart:      m.streakStart,
		LastProbe:        m.lastProbe,
	}
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	logger.Info("Started host monitoring", "component", "MONITOR", "host", m.currentHost(), "interval", m.cfg.Interval.String())

	for {
		select {
		case <-m.ctx.Done():
			logger.Info("Host monitoring stopped", "component", "MONITOR", "host", m.currentHost())
			return
		case <-ticker.C:
			m.performProbe()
		}
	}
}

func (m *Monitor) currentHost() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.host
}

func (m *Monitor) performProbe() {
	// A panicking prober must not kill the monitor goroutine; treat it as a
	// failed probe.
	defer func() {
		if r := recover(); r != nil {
			logger.Error("PANIC during host probe", "component", "MONITOR", "host", m.currentHost(), "panic", fmt.Sprintf("%v", r))
			if m.observe(fmt.Errorf("probe panic: %v", r), time.Now()) {
				metrics.MonitorSignalsTotal.Inc()
				if m.onUnhealthy != nil {
					m.onUnhealthy()
				}
			}
		}
	}()

	probeCtx, cancel := context.WithTimeout(m.ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := m.prober.Probe(probeCtx)
	host := m.currentHost()
	metrics.ProbeDuration.WithLabelValues(host).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.ProbesTotal.WithLabelValues(host, "failure").Inc()
	} else {
		metrics.ProbesTotal.WithLabelValues(host, "success").Inc()
	}

	if signal := m.observe(err, time.Now()); signal {
		metrics.MonitorSignalsTotal.Inc()
		logger.Warn("Host confirmed unavailable, raising failure signal", "component", "MONITOR", "host", host, "fails", m.State().ConsecutiveFails)
		if m.onUnhealthy != nil {
			m.onUnhealthy()
		}
	}
}

// observe records one probe outcome and reports whether the failure signal
// fires on this probe. The signal fires on the first probe where the streak
// reaches the failure threshold and spans at least the detection window,
// and at most once per streak.
func (m *Monitor) observe(err error, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return false
	}

	m.lastProbe = now

	if err == nil {
		if m.consecutiveFails > 0 {
			logger.Debug("Host probe succeeded, streak reset", "component", "MONITOR", "host", m.host, "previous_fails", m.consecutiveFails)
		}
		m.resetLocked()
		return false
	}

	if m.consecutiveFails == 0 {
		m.streakStart = now
	}
	m.consecutiveFails++
	metrics.MonitorFailureStreak.WithLabelValues(m.host).Set(float64(m.consecutiveFails))

	logger.Debug("Host probe failed", "component", "MONITOR", "host", m.host, "fails", m.consecutiveFails, "error", err)

	if m.signaled {
		return false
	}
	if m.consecutiveFails < m.cfg.FailureThreshold {
		return false
	}
	if now.Sub(m.streakStart) < m.cfg.DetectionWindow {
		return false
	}

	m.signaled = true
	return true
}
