// Package idle samples READY sessions and stops or hibernates the ones that
// have stayed below the CPU threshold for the configured idle timeout.
package idle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vdilab/vdilab/internal/config"
	"github.com/vdilab/vdilab/internal/lifecycle"
	"github.com/vdilab/vdilab/internal/metrics"
	"github.com/vdilab/vdilab/internal/models"
	"github.com/vdilab/vdilab/internal/provisioning"
)

const settingsKey = "cluster-settings"

// SessionController is the part of the lifecycle controller the monitor drives.
type SessionController interface {
	ListByState(ctx context.Context, states ...models.SessionState) ([]models.Session, error)
	Stop(ctx context.Context, id string, reason models.StopReason, hibernate bool) error
}

// Sample is one CPU reading.
type Sample struct {
	At  time.Time `json:"at"`
	CPU float64   `json:"cpu"`
}

// Status is the monitor's view of one session.
type Status struct {
	SessionID string    `json:"session_id"`
	Samples   []Sample  `json:"samples"`
	Average   float64   `json:"average_cpu"`
	IdleSince time.Time `json:"idle_since,omitempty"`
	IdleFor   string    `json:"idle_for,omitempty"`
}

type tracker struct {
	samples   []Sample
	idleSince time.Time
}

func (t *tracker) add(s Sample, size int) {
	t.samples = append(t.samples, s)
	if size > 0 && len(t.samples) > size {
		t.samples = append(t.samples[:0], t.samples[len(t.samples)-size:]...)
	}
}

func (t *tracker) average() float64 {
	if len(t.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range t.samples {
		sum += s.CPU
	}
	return sum / float64(len(t.samples))
}

// Monitor evaluates READY sessions for idle stop.
type Monitor struct {
	sessions  SessionController
	telemetry provisioning.Telemetry
	source    config.SettingsSource
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	loads    singleflight.Group
	cacheMu  sync.RWMutex
	cached   *config.IdleSettings
	mu       sync.Mutex
	trackers map[string]*tracker
}

// NewMonitor builds a monitor. Settings are read from source once and then
// reused until the process restarts.
func NewMonitor(sessions SessionController, telemetry provisioning.Telemetry, source config.SettingsSource, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		sessions:  sessions,
		telemetry: telemetry,
		source:    source,
		logger:    logger.With("component", "idle-monitor"),
		now:       time.Now,
		trackers:  make(map[string]*tracker),
	}
}

// WithMetrics records idle stop outcomes.
func (m *Monitor) WithMetrics(metrics *metrics.Metrics) *Monitor {
	if m == nil {
		return nil
	}
	m.metrics = metrics
	return m
}

// WithClock overrides the clock.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	if m == nil || now == nil {
		return m
	}
	m.now = now
	return m
}

// Settings returns the cached idle settings, loading them on first use.
func (m *Monitor) Settings(ctx context.Context) (config.IdleSettings, error) {
	m.cacheMu.RLock()
	cached := m.cached
	m.cacheMu.RUnlock()
	if cached != nil {
		return *cached, nil
	}
	v, err, _ := m.loads.Do(settingsKey, func() (any, error) {
		m.cacheMu.RLock()
		cached := m.cached
		m.cacheMu.RUnlock()
		if cached != nil {
			return *cached, nil
		}
		settings, err := m.source.LoadSettings(ctx)
		if err != nil {
			return nil, err
		}
		idle := settings.Idle
		m.cacheMu.Lock()
		m.cached = &idle
		m.cacheMu.Unlock()
		m.logger.Info("idle settings loaded",
			"enabled", idle.Enabled,
			"cpu_threshold", idle.CPUThreshold,
			"idle_timeout", idle.IdleTimeout,
			"uptime_guard", idle.UptimeGuard,
			"action", idle.Action)
		return idle, nil
	})
	if err != nil {
		return config.IdleSettings{}, err
	}
	return v.(config.IdleSettings), nil
}

// Run checks sessions every CheckInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	interval := config.DefaultClusterSettings().Idle.CheckInterval
	if settings, err := m.Settings(ctx); err != nil {
		m.logger.Warn("load idle settings", "err", err)
	} else {
		if !settings.Enabled {
			m.logger.Info("idle monitor disabled")
			<-ctx.Done()
			return nil
		}
		if settings.CheckInterval > 0 {
			interval = settings.CheckInterval
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := m.CheckOnce(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("idle check", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// CheckOnce samples every READY session and stops those that are idle.
func (m *Monitor) CheckOnce(ctx context.Context) error {
	settings, err := m.Settings(ctx)
	if err != nil {
		return err
	}
	if !settings.Enabled {
		return nil
	}
	sessions, err := m.sessions.ListByState(ctx, models.SessionReady)
	if err != nil {
		return err
	}

	ready := make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		ready[s.ID] = struct{}{}
	}
	m.mu.Lock()
	for id := range m.trackers {
		if _, ok := ready[id]; !ok {
			delete(m.trackers, id)
		}
	}
	m.mu.Unlock()

	var stops []idleStop
	for _, s := range sessions {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d, ok := m.evaluate(ctx, settings, s); ok {
			stops = append(stops, d)
		}
	}
	for _, d := range stops {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.stop(ctx, settings, d)
	}
	return nil
}

// idleStop is a session evaluate found idle past every guard.
type idleStop struct {
	session models.Session
	action  models.IdleAction
	idleFor time.Duration
	average float64
}

// evaluate records a CPU sample for session and reports whether it should
// be stopped. Telemetry is read without m.mu held.
func (m *Monitor) evaluate(ctx context.Context, settings config.IdleSettings, session models.Session) (idleStop, bool) {
	if session.InstanceID == "" {
		return idleStop{}, false
	}
	now := m.now().UTC()
	logger := m.logger.With("session_id", session.ID, "instance_id", session.InstanceID)

	cpu, err := m.telemetry.CPUUtilization(ctx, session.InstanceID)
	if err != nil {
		if !errors.Is(err, provisioning.ErrNoTelemetry) {
			logger.Warn("sample cpu", "err", err)
		}
		return idleStop{}, false
	}
	var last time.Time
	if cpu < settings.CPUThreshold {
		if at, err := m.telemetry.LastInteraction(ctx, session.InstanceID); err == nil {
			last = at
		}
	}

	m.mu.Lock()
	t := m.trackers[session.ID]
	if t == nil {
		t = &tracker{}
		m.trackers[session.ID] = t
	}
	t.add(Sample{At: now, CPU: cpu}, settings.WindowSize)
	if cpu >= settings.CPUThreshold {
		t.idleSince = time.Time{}
		m.mu.Unlock()
		return idleStop{}, false
	}
	if t.idleSince.IsZero() {
		t.idleSince = now
	}
	if last.After(t.idleSince) {
		if last.After(now) {
			last = now
		}
		t.idleSince = last
	}
	idleFor := now.Sub(t.idleSince)
	average := t.average()
	m.mu.Unlock()

	if idleFor < settings.IdleTimeout {
		return idleStop{}, false
	}
	uptime := m.uptime(ctx, session, now)
	if uptime <= settings.UptimeGuard {
		logger.Debug("idle within uptime guard", "uptime", uptime, "guard", settings.UptimeGuard)
		return idleStop{}, false
	}

	action := settings.Action
	if session.IdleAction != "" {
		action = session.IdleAction
	}
	return idleStop{session: session, action: action, idleFor: idleFor, average: average}, true
}

// stop asks the controller to stop an idle session without holding m.mu.
func (m *Monitor) stop(ctx context.Context, settings config.IdleSettings, d idleStop) {
	logger := m.logger.With("session_id", d.session.ID, "instance_id", d.session.InstanceID)
	logger.Info("stopping idle session",
		"idle_for", d.idleFor,
		"average_cpu", d.average,
		"threshold", settings.CPUThreshold,
		"action", d.action)
	err := m.sessions.Stop(ctx, d.session.ID, models.StopReasonIdle, d.action == models.IdleActionHibernate)
	switch {
	case err == nil:
		m.forget(d.session.ID)
		m.metrics.IncIdleStop(d.action, "stopped")
	case errors.Is(err, lifecycle.ErrInvalidStateTransition), errors.Is(err, lifecycle.ErrSessionNotFound):
		// The session left READY between listing and stopping.
		m.forget(d.session.ID)
		m.metrics.IncIdleStop(d.action, "skipped")
		logger.Debug("idle stop skipped", "err", err)
	default:
		m.metrics.IncIdleStop(d.action, "failed")
		logger.Error("idle stop", "err", err)
	}
}

func (m *Monitor) forget(id string) {
	m.mu.Lock()
	delete(m.trackers, id)
	m.mu.Unlock()
}

func (m *Monitor) uptime(ctx context.Context, session models.Session, now time.Time) time.Duration {
	uptime, err := m.telemetry.Uptime(ctx, session.InstanceID)
	if err == nil && uptime > 0 {
		return uptime
	}
	if session.BootedAt.IsZero() {
		return 0
	}
	return now.Sub(session.BootedAt)
}

// Status reports the sample window for a session. The second return is false
// when the monitor has no samples for it.
func (m *Monitor) Status(id string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trackers[id]
	if !ok {
		return Status{}, false
	}
	status := Status{
		SessionID: id,
		Samples:   append([]Sample(nil), t.samples...),
		Average:   t.average(),
		IdleSince: t.idleSince,
	}
	if !t.idleSince.IsZero() {
		status.IdleFor = m.now().UTC().Sub(t.idleSince).Truncate(time.Second).String()
	}
	return status, true
}
