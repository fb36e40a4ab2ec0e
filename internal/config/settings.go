package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vdilab/vdilab/internal/models"
)

// ClusterSettings are the read-mostly session settings shared by the idle
// monitor and the schedule runner.
type ClusterSettings struct {
	Idle     IdleSettings     `yaml:"idle"`
	Schedule ScheduleSettings `yaml:"schedule"`
}

// IdleSettings configure idle auto-stop.
type IdleSettings struct {
	Enabled       bool              `yaml:"enabled"`
	CPUThreshold  float64           `yaml:"cpu_threshold"` // percent
	IdleTimeout   time.Duration     `yaml:"idle_timeout"`
	UptimeGuard   time.Duration     `yaml:"uptime_guard"`
	Action        models.IdleAction `yaml:"action"`
	CheckInterval time.Duration     `yaml:"check_interval"`
	WindowSize    int               `yaml:"window_size"`
}

// ScheduleSettings configure the per-weekday start/stop runner.
type ScheduleSettings struct {
	Enabled           bool   `yaml:"enabled"`
	WorkingHoursStart string `yaml:"working_hours_start"` // HH:MM
	WorkingHoursEnd   string `yaml:"working_hours_end"`   // HH:MM
	Timezone          string `yaml:"timezone"`
}

// DefaultClusterSettings returns the built-in settings.
func DefaultClusterSettings() ClusterSettings {
	return ClusterSettings{
		Idle: IdleSettings{
			Enabled:       true,
			CPUThreshold:  15,
			IdleTimeout:   60 * time.Minute,
			UptimeGuard:   5 * time.Minute,
			Action:        models.IdleActionStop,
			CheckInterval: time.Minute,
			WindowSize:    30,
		},
		Schedule: ScheduleSettings{
			Enabled:           true,
			WorkingHoursStart: "09:00",
			WorkingHoursEnd:   "17:00",
			Timezone:          "UTC",
		},
	}
}

// Validate checks ranges and formats.
func (s ClusterSettings) Validate() error {
	var errs []error
	idle := s.Idle
	if idle.CPUThreshold < 0 || idle.CPUThreshold > 100 {
		errs = append(errs, fmt.Errorf("idle.cpu_threshold %.1f must be between 0 and 100", idle.CPUThreshold))
	}
	if idle.IdleTimeout <= 0 {
		errs = append(errs, errors.New("idle.idle_timeout must be positive"))
	}
	if idle.UptimeGuard < 0 {
		errs = append(errs, errors.New("idle.uptime_guard must be >= 0"))
	}
	switch idle.Action {
	case models.IdleActionStop, models.IdleActionHibernate:
	default:
		errs = append(errs, fmt.Errorf("idle.action %q must be stop or hibernate", idle.Action))
	}
	if idle.CheckInterval <= 0 {
		errs = append(errs, errors.New("idle.check_interval must be positive"))
	}
	if idle.WindowSize <= 0 {
		errs = append(errs, errors.New("idle.window_size must be positive"))
	}

	start, startErr := ParseClock(s.Schedule.WorkingHoursStart)
	if startErr != nil {
		errs = append(errs, fmt.Errorf("schedule.working_hours_start: %w", startErr))
	}
	end, endErr := ParseClock(s.Schedule.WorkingHoursEnd)
	if endErr != nil {
		errs = append(errs, fmt.Errorf("schedule.working_hours_end: %w", endErr))
	}
	if startErr == nil && endErr == nil && end <= start {
		errs = append(errs, errors.New("schedule.working_hours_end must be after working_hours_start"))
	}
	if _, err := s.Schedule.Location(); err != nil {
		errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
	}
	return errors.Join(errs...)
}

// Location resolves the schedule timezone. Empty means UTC.
func (s ScheduleSettings) Location() (*time.Location, error) {
	if strings.TrimSpace(s.Timezone) == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(value string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q (want HH:MM)", value)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// SettingsSource loads cluster settings from the settings store.
type SettingsSource interface {
	LoadSettings(ctx context.Context) (ClusterSettings, error)
}

// FileSettings reads cluster settings from a YAML file on every call.
// A missing file yields the defaults.
type FileSettings struct {
	Path string
}

func (f FileSettings) LoadSettings(ctx context.Context) (ClusterSettings, error) {
	if err := ctx.Err(); err != nil {
		return ClusterSettings{}, err
	}
	settings := DefaultClusterSettings()
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return settings, nil
	}
	if err != nil {
		return ClusterSettings{}, fmt.Errorf("read settings %s: %w", f.Path, err)
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return ClusterSettings{}, fmt.Errorf("parse settings %s: %w", f.Path, err)
	}
	if err := settings.Validate(); err != nil {
		return ClusterSettings{}, fmt.Errorf("settings %s: %w", f.Path, err)
	}
	return settings, nil
}

// StaticSettings returns fixed settings; used by tests and embedded setups.
type StaticSettings ClusterSettings

func (s StaticSettings) LoadSettings(ctx context.Context) (ClusterSettings, error) {
	if err := ctx.Err(); err != nil {
		return ClusterSettings{}, err
	}
	return ClusterSettings(s), nil
}
