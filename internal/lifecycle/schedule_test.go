package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdilab/vdilab/internal/config"
	"github.com/vdilab/vdilab/internal/models"
)

func TestWindow(t *testing.T) {
	settings := config.DefaultClusterSettings().Schedule
	at := func(h, m int) time.Duration { return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute }

	tests := []struct {
		name        string
		day         models.DaySchedule
		offset      time.Duration
		wantRunning bool
		wantManaged bool
	}{
		{"working hours inside", models.DaySchedule{Type: models.ScheduleWorkingHours}, at(10, 0), true, true},
		{"working hours at end", models.DaySchedule{Type: models.ScheduleWorkingHours}, at(17, 0), false, true},
		{"working hours before", models.DaySchedule{Type: models.ScheduleWorkingHours}, at(8, 59), false, true},
		{"stop all day", models.DaySchedule{Type: models.ScheduleStopAllDay}, at(12, 0), false, true},
		{"start all day", models.DaySchedule{Type: models.ScheduleStartAllDay}, at(3, 0), true, true},
		{"custom inside", models.DaySchedule{Type: models.ScheduleCustom, StartTime: "06:30", StopTime: "08:00"}, at(7, 0), true, true},
		{"custom invalid", models.DaySchedule{Type: models.ScheduleCustom, StartTime: "late", StopTime: "08:00"}, at(7, 0), false, false},
		{"no schedule", models.DaySchedule{Type: models.ScheduleNone}, at(10, 0), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			running, managed := Window(tt.day, settings, tt.offset)
			assert.Equal(t, tt.wantRunning, running)
			assert.Equal(t, tt.wantManaged, managed)
		})
	}
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule(nil))
	assert.NoError(t, ValidateSchedule(models.Schedule{
		"monday": {Type: models.ScheduleWorkingHours},
		"friday": {Type: models.ScheduleCustom, StartTime: "07:00", StopTime: "12:00"},
	}))

	err := ValidateSchedule(models.Schedule{
		"funday":   {Type: models.ScheduleStartAllDay},
		"tuesday":  {Type: "SOMETIMES"},
		"thursday": {Type: models.ScheduleCustom, StartTime: "12:00", StopTime: "07:00"},
	})
	require.Error(t, err)
	for _, want := range []string{"funday", "SOMETIMES", "thursday"} {
		assert.Contains(t, err.Error(), want)
	}

	h := newHarness(t)
	_, err = h.ctrl.CreateSession(context.Background(), SessionSpec{
		Owner: "alice", Project: "genomics", SoftwareStack: "ami-0desktop",
		Schedule: models.Schedule{"monday": {Type: "SOMETIMES"}},
	})
	assert.ErrorIs(t, err, ErrInvalidSessionSpec)
	assert.Equal(t, 0, h.backend.Calls("launch"))
}

func TestScheduleRunnerActsOnBoundaries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	weekdays := models.Schedule{
		"monday":  {Type: models.ScheduleWorkingHours},
		"tuesday": {Type: models.ScheduleWorkingHours},
	}
	scheduled := h.ready(t, SessionSpec{Schedule: weekdays})
	userStopped := h.ready(t, SessionSpec{Schedule: weekdays, Owner: "bob"})
	unscheduled := h.ready(t, SessionSpec{Owner: "bob"})

	// 2024-01-01 is a Monday.
	now := time.Date(2024, 1, 1, 16, 58, 0, 0, time.UTC)
	runner := NewScheduleRunner(h.ctrl, config.StaticSettings(config.DefaultClusterSettings()), nil).
		WithClock(func() time.Time { return now })

	require.NoError(t, runner.RunOnce(ctx))
	now = now.Add(time.Minute)
	require.NoError(t, runner.RunOnce(ctx))
	assert.Equal(t, models.SessionReady, h.state(t, scheduled.ID))

	require.NoError(t, h.ctrl.Stop(ctx, userStopped.ID, models.StopReasonUser, false))

	now = time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC)
	require.NoError(t, runner.RunOnce(ctx))
	got, err := h.ctrl.Get(ctx, scheduled.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStopped, got.State)
	assert.Equal(t, models.StopReasonSchedule, got.StopReason)
	assert.Equal(t, models.SessionReady, h.state(t, unscheduled.ID))

	// Nothing changes while the desired state holds.
	now = time.Date(2024, 1, 2, 8, 59, 0, 0, time.UTC)
	require.NoError(t, runner.RunOnce(ctx))
	assert.Equal(t, models.SessionStopped, h.state(t, userStopped.ID))

	now = time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, runner.RunOnce(ctx))
	assert.Equal(t, models.SessionResuming, h.state(t, scheduled.ID))
	assert.Equal(t, models.SessionResuming, h.state(t, userStopped.ID))
	assert.Equal(t, models.SessionReady, h.state(t, unscheduled.ID))
}

func TestScheduleRunnerDisabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.ready(t, SessionSpec{Schedule: models.Schedule{"monday": {Type: models.ScheduleStopAllDay}}})

	settings := config.DefaultClusterSettings()
	settings.Schedule.Enabled = false
	now := time.Date(2023, 12, 31, 23, 59, 0, 0, time.UTC)
	runner := NewScheduleRunner(h.ctrl, config.StaticSettings(settings), nil).
		WithClock(func() time.Time { return now })

	require.NoError(t, runner.RunOnce(ctx))
	now = now.Add(2 * time.Minute)
	require.NoError(t, runner.RunOnce(ctx))
	assert.Equal(t, models.SessionReady, h.state(t, session.ID))
}
