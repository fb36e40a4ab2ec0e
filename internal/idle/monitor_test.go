package idle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdilab/vdilab/internal/config"
	"github.com/vdilab/vdilab/internal/db"
	"github.com/vdilab/vdilab/internal/lifecycle"
	"github.com/vdilab/vdilab/internal/models"
	"github.com/vdilab/vdilab/internal/provisioning"
	testutil "github.com/vdilab/vdilab/internal/testing"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type nopEnqueuer struct{}

func (nopEnqueuer) EnqueueWithKey(context.Context, models.TaskType, string, any) (string, error) {
	return db.NewID(), nil
}

type countingSource struct {
	calls    atomic.Int32
	mu       sync.Mutex
	settings config.ClusterSettings
	err      error
}

func (s *countingSource) LoadSettings(ctx context.Context) (config.ClusterSettings, error) {
	s.calls.Add(1)
	time.Sleep(10 * time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return config.ClusterSettings{}, s.err
	}
	return s.settings, nil
}

type harness struct {
	clock   *clock
	backend *provisioning.FakeBackend
	ctrl    *lifecycle.Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "vdilab.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := &clock{now: testutil.FixedTime}
	backend := provisioning.NewFakeBackend()
	backend.SetClock(clk.Now)
	profiles, err := lifecycle.NewProfileSet(testutil.NewTestProfile(""))
	require.NoError(t, err)
	ctrl := lifecycle.NewController(store, backend, nopEnqueuer{}, nil).
		WithAuthorizer(profiles).
		WithClock(clk.Now)
	return &harness{clock: clk, backend: backend, ctrl: ctrl}
}

func (h *harness) ready(t *testing.T, action models.IdleAction) models.Session {
	t.Helper()
	ctx := context.Background()
	session, err := h.ctrl.CreateSession(ctx, lifecycle.SessionSpec{
		Owner:         testutil.TestOwner,
		Project:       testutil.TestProject,
		SoftwareStack: testutil.TestStack,
		IdleAction:    action,
	})
	require.NoError(t, err)
	require.NoError(t, h.ctrl.OnInstanceReachable(ctx, session.ID, "10.0.0.20"))
	require.NoError(t, h.ctrl.OnJoinConfirmed(ctx, session.ID, "VDI-TEST"))
	got, err := h.ctrl.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionReady, got.State)
	return got
}

func (h *harness) state(t *testing.T, id string) models.SessionState {
	t.Helper()
	got, err := h.ctrl.Get(context.Background(), id)
	require.NoError(t, err)
	return got.State
}

func (h *harness) monitor(settings config.IdleSettings) *Monitor {
	cluster := config.DefaultClusterSettings()
	cluster.Idle = settings
	return NewMonitor(h.ctrl, h.backend, config.StaticSettings(cluster), nil).WithClock(h.clock.Now)
}

func idleSettings(threshold float64, timeout, guard time.Duration, action models.IdleAction) config.IdleSettings {
	s := config.DefaultClusterSettings().Idle
	s.CPUThreshold = threshold
	s.IdleTimeout = timeout
	s.UptimeGuard = guard
	s.Action = action
	return s
}

func TestMonitorHibernatesIdleSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.ready(t, models.IdleActionHibernate)
	h.backend.SetCPU(session.InstanceID, 5)
	mon := h.monitor(idleSettings(20, 30*time.Minute, 5*time.Minute, models.IdleActionHibernate))

	for minute := 0; minute <= 35; minute++ {
		h.clock.Set(testutil.FixedTime.Add(time.Duration(minute) * time.Minute))
		require.NoError(t, mon.CheckOnce(ctx))
		if minute < 30 {
			require.Equal(t, models.SessionReady, h.state(t, session.ID), "minute %d", minute)
		}
	}

	assert.Equal(t, models.SessionStoppedIdle, h.state(t, session.ID))
	assert.True(t, h.backend.Hibernated(session.InstanceID))
	assert.Equal(t, 1, h.backend.Calls("stop"))
	got, err := h.ctrl.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StopReasonIdle, got.StopReason)
}

func TestMonitorRespectsUptimeGuard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.ready(t, "")
	h.backend.SetCPU(session.InstanceID, 1)
	mon := h.monitor(idleSettings(20, time.Minute, 5*time.Minute, models.IdleActionStop))

	require.NoError(t, mon.CheckOnce(ctx))
	h.clock.Set(testutil.FixedTime.Add(5*time.Minute - time.Second))
	require.NoError(t, mon.CheckOnce(ctx))
	assert.Equal(t, models.SessionReady, h.state(t, session.ID))
	assert.Equal(t, 0, h.backend.Calls("stop"))

	h.clock.Set(testutil.FixedTime.Add(5*time.Minute + time.Second))
	require.NoError(t, mon.CheckOnce(ctx))
	assert.Equal(t, models.SessionStoppedIdle, h.state(t, session.ID))
	assert.False(t, h.backend.Hibernated(session.InstanceID))
}

func TestMonitorActivityResetsIdle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.ready(t, "")
	mon := h.monitor(idleSettings(20, 10*time.Minute, 0, models.IdleActionStop))

	at := func(minute int, cpu float64) {
		h.clock.Set(testutil.FixedTime.Add(time.Duration(minute) * time.Minute))
		h.backend.SetCPU(session.InstanceID, cpu)
		require.NoError(t, mon.CheckOnce(ctx))
	}
	at(0, 5)
	at(6, 55)
	at(7, 5)
	at(16, 5)
	assert.Equal(t, models.SessionReady, h.state(t, session.ID))

	status, ok := mon.Status(session.ID)
	require.True(t, ok)
	assert.Len(t, status.Samples, 4)
	assert.InDelta(t, 17.5, status.Average, 0.001)
	assert.True(t, status.IdleSince.Equal(testutil.FixedTime.Add(7*time.Minute)))
	assert.Equal(t, "9m0s", status.IdleFor)

	at(17, 5)
	assert.Equal(t, models.SessionStoppedIdle, h.state(t, session.ID))
	_, ok = mon.Status(session.ID)
	assert.False(t, ok)
}

func TestMonitorInteractionResetsIdle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.ready(t, "")
	h.backend.SetCPU(session.InstanceID, 2)
	mon := h.monitor(idleSettings(20, 10*time.Minute, 0, models.IdleActionStop))

	require.NoError(t, mon.CheckOnce(ctx))
	h.backend.SetLastInteraction(session.InstanceID, testutil.FixedTime.Add(8*time.Minute))

	h.clock.Set(testutil.FixedTime.Add(10 * time.Minute))
	require.NoError(t, mon.CheckOnce(ctx))
	assert.Equal(t, models.SessionReady, h.state(t, session.ID))

	h.clock.Set(testutil.FixedTime.Add(18 * time.Minute))
	require.NoError(t, mon.CheckOnce(ctx))
	assert.Equal(t, models.SessionStoppedIdle, h.state(t, session.ID))
}

func TestMonitorWindowAndTelemetryGaps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.ready(t, "")
	h.backend.SetCPU(session.InstanceID, 90)
	settings := idleSettings(20, time.Hour, 0, models.IdleActionStop)
	settings.WindowSize = 3
	mon := h.monitor(settings)

	h.backend.FailNext("cpu", provisioning.ErrNoTelemetry)
	require.NoError(t, mon.CheckOnce(ctx))
	_, ok := mon.Status(session.ID)
	assert.False(t, ok)

	for i := 1; i <= 5; i++ {
		h.clock.Set(testutil.FixedTime.Add(time.Duration(i) * time.Minute))
		require.NoError(t, mon.CheckOnce(ctx))
	}
	status, ok := mon.Status(session.ID)
	require.True(t, ok)
	require.Len(t, status.Samples, 3)
	assert.True(t, status.Samples[0].At.Equal(testutil.FixedTime.Add(3*time.Minute)))
	assert.True(t, status.IdleSince.IsZero())
	assert.Empty(t, status.IdleFor)
}

type blockingStopper struct {
	SessionController
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStopper) Stop(ctx context.Context, id string, reason models.StopReason, hibernate bool) error {
	close(b.entered)
	<-b.release
	return b.SessionController.Stop(ctx, id, reason, hibernate)
}

func TestMonitorStatusDoesNotWaitForStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.ready(t, "")
	h.backend.SetCPU(session.InstanceID, 1)
	stopper := &blockingStopper{SessionController: h.ctrl, entered: make(chan struct{}), release: make(chan struct{})}
	cluster := config.DefaultClusterSettings()
	cluster.Idle = idleSettings(20, time.Minute, 0, models.IdleActionStop)
	mon := NewMonitor(stopper, h.backend, config.StaticSettings(cluster), nil).WithClock(h.clock.Now)

	require.NoError(t, mon.CheckOnce(ctx))
	h.clock.Set(testutil.FixedTime.Add(5 * time.Minute))
	done := make(chan error, 1)
	go func() { done <- mon.CheckOnce(ctx) }()

	select {
	case <-stopper.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("stop was not called")
	}
	status := make(chan bool, 1)
	go func() {
		_, ok := mon.Status(session.ID)
		status <- ok
	}()
	select {
	case ok := <-status:
		assert.True(t, ok)
	case <-time.After(time.Second):
		close(stopper.release)
		t.Fatal("status blocked behind stop")
	}

	close(stopper.release)
	require.NoError(t, <-done)
	assert.Equal(t, models.SessionStoppedIdle, h.state(t, session.ID))
	_, ok := mon.Status(session.ID)
	assert.False(t, ok)
}

func TestMonitorDropsTrackersForLeftSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.ready(t, "")
	mon := h.monitor(idleSettings(20, time.Hour, 0, models.IdleActionStop))

	require.NoError(t, mon.CheckOnce(ctx))
	_, ok := mon.Status(session.ID)
	require.True(t, ok)

	require.NoError(t, h.ctrl.Stop(ctx, session.ID, models.StopReasonUser, false))
	require.NoError(t, mon.CheckOnce(ctx))
	_, ok = mon.Status(session.ID)
	assert.False(t, ok)
}

func TestMonitorDisabled(t *testing.T) {
	h := newHarness(t)
	h.ready(t, "")
	settings := idleSettings(20, time.Minute, 0, models.IdleActionStop)
	settings.Enabled = false
	mon := h.monitor(settings)

	require.NoError(t, mon.CheckOnce(context.Background()))
	assert.Equal(t, 0, h.backend.Calls("cpu"))
}

func TestMonitorCachesSettings(t *testing.T) {
	source := &countingSource{settings: config.DefaultClusterSettings()}
	mon := NewMonitor(nil, nil, source, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := mon.Settings(ctx)
			assert.NoError(t, err)
			assert.Equal(t, 15.0, got.CPUThreshold)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), source.calls.Load())

	// Later changes in the store are not picked up until restart.
	source.mu.Lock()
	source.settings.Idle.CPUThreshold = 50
	source.mu.Unlock()
	got, err := mon.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 15.0, got.CPUThreshold)
	assert.Equal(t, int32(1), source.calls.Load())
}

func TestMonitorRetriesFailedSettingsLoad(t *testing.T) {
	source := &countingSource{settings: config.DefaultClusterSettings(), err: errors.New("store offline")}
	mon := NewMonitor(nil, nil, source, nil)
	ctx := context.Background()

	_, err := mon.Settings(ctx)
	require.Error(t, err)
	require.Error(t, mon.CheckOnce(ctx))

	source.mu.Lock()
	source.err = nil
	source.mu.Unlock()
	_, err = mon.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(3), source.calls.Load())
}
