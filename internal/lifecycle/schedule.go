package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vdilab/vdilab/internal/config"
	"github.com/vdilab/vdilab/internal/metrics"
	"github.com/vdilab/vdilab/internal/models"
)

const scheduleSpec = "* * * * *"

// Window reports whether a day policy wants the session running at offset
// (time since local midnight). managed is false for NO_SCHEDULE and for
// custom days whose times do not parse.
func Window(day models.DaySchedule, settings config.ScheduleSettings, offset time.Duration) (running, managed bool) {
	switch day.Type {
	case models.ScheduleStartAllDay:
		return true, true
	case models.ScheduleStopAllDay:
		return false, true
	case models.ScheduleWorkingHours:
		return inWindow(settings.WorkingHoursStart, settings.WorkingHoursEnd, offset)
	case models.ScheduleCustom:
		return inWindow(day.StartTime, day.StopTime, offset)
	default:
		return false, false
	}
}

func inWindow(startValue, stopValue string, offset time.Duration) (bool, bool) {
	start, err := config.ParseClock(startValue)
	if err != nil {
		return false, false
	}
	stop, err := config.ParseClock(stopValue)
	if err != nil {
		return false, false
	}
	if stop <= start {
		return false, false
	}
	return offset >= start && offset < stop, true
}

// ValidateSchedule rejects unknown weekdays, unknown policies and custom days
// without a valid start before stop.
func ValidateSchedule(schedule models.Schedule) error {
	var errs []error
	for day, entry := range schedule {
		if _, ok := weekdays[day]; !ok {
			errs = append(errs, fmt.Errorf("schedule: unknown weekday %q", day))
			continue
		}
		switch entry.Type {
		case models.ScheduleWorkingHours, models.ScheduleStopAllDay, models.ScheduleStartAllDay, models.ScheduleNone, "":
		case models.ScheduleCustom:
			if _, managed := inWindow(entry.StartTime, entry.StopTime, 0); !managed {
				errs = append(errs, fmt.Errorf("schedule: %s needs start_time before stop_time (HH:MM)", day))
			}
		default:
			errs = append(errs, fmt.Errorf("schedule: %s has unknown type %q", day, entry.Type))
		}
	}
	return errors.Join(errs...)
}

var weekdays = map[string]struct{}{
	"monday": {}, "tuesday": {}, "wednesday": {}, "thursday": {}, "friday": {}, "saturday": {}, "sunday": {},
}

// Desired evaluates a session schedule at t in loc.
func Desired(schedule models.Schedule, settings config.ScheduleSettings, loc *time.Location, t time.Time) (running, managed bool) {
	local := t.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return Window(schedule.Day(local.Weekday()), settings, local.Sub(midnight))
}

// ScheduleRunner starts and stops sessions at their schedule boundaries.
// It acts only when the desired state changes between two evaluations, so a
// user who stops a desktop during working hours is not overruled.
type ScheduleRunner struct {
	ctrl     *Controller
	settings config.SettingsSource
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.Mutex
	lastEval time.Time
}

// NewScheduleRunner builds a runner over ctrl.
func NewScheduleRunner(ctrl *Controller, settings config.SettingsSource, logger *slog.Logger) *ScheduleRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScheduleRunner{
		ctrl:     ctrl,
		settings: settings,
		logger:   logger.With("component", "schedule"),
		now:      time.Now,
	}
}

// WithMetrics wires optional Prometheus metrics.
func (r *ScheduleRunner) WithMetrics(m *metrics.Metrics) *ScheduleRunner {
	if r == nil {
		return r
	}
	r.metrics = m
	return r
}

// WithClock replaces the runner clock.
func (r *ScheduleRunner) WithClock(now func() time.Time) *ScheduleRunner {
	if r == nil || now == nil {
		return r
	}
	r.now = now
	return r
}

// Run evaluates schedules every minute until ctx is done.
func (r *ScheduleRunner) Run(ctx context.Context) error {
	if r == nil || r.ctrl == nil || r.settings == nil {
		return errors.New("schedule runner not configured")
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(scheduleSpec, func() {
		if err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("schedule evaluation failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule runner: %w", err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RunOnce compares the desired state at the previous evaluation with the
// desired state now and applies the edge to every managed session. The
// first call only records the evaluation time.
func (r *ScheduleRunner) RunOnce(ctx context.Context) error {
	now := r.now()
	r.mu.Lock()
	prev := r.lastEval
	r.lastEval = now
	r.mu.Unlock()
	if prev.IsZero() {
		return nil
	}

	settings, err := r.settings.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if !settings.Schedule.Enabled {
		return nil
	}
	loc, err := settings.Schedule.Location()
	if err != nil {
		return fmt.Errorf("schedule timezone: %w", err)
	}

	sessions, err := r.ctrl.ListByState(ctx, models.SessionReady, models.SessionStopped, models.SessionStoppedIdle)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	var errs []error
	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return err
		}
		wasRunning, wasManaged := Desired(s.Schedule, settings.Schedule, loc, prev)
		running, managed := Desired(s.Schedule, settings.Schedule, loc, now)
		if !managed || (wasManaged && wasRunning == running) {
			continue
		}
		switch {
		case running && s.State.Stopped():
			err := r.ctrl.Start(ctx, s.ID)
			r.metrics.IncScheduleAction("start", resultLabel(err))
			if err != nil {
				errs = append(errs, fmt.Errorf("start %s: %w", s.ID, err))
				continue
			}
			r.logger.Info("scheduled start", "session_id", s.ID)
		case !running && s.State == models.SessionReady:
			err := r.ctrl.Stop(ctx, s.ID, models.StopReasonSchedule, false)
			r.metrics.IncScheduleAction("stop", resultLabel(err))
			if err != nil {
				errs = append(errs, fmt.Errorf("stop %s: %w", s.ID, err))
				continue
			}
			r.logger.Info("scheduled stop", "session_id", s.ID)
		}
	}
	return errors.Join(errs...)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidStateTransition):
		return "skipped"
	default:
		return "error"
	}
}
