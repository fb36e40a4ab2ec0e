package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdilab/vdilab/internal/directory"
	"github.com/vdilab/vdilab/internal/models"
)

const sampleConfig = `
data_dir: /srv/vdilab
listen: 0.0.0.0:8480
control_token: s3cret
control_allow_cidrs:
  - 10.0.0.0/8
directory:
  provider: aws_managed_activedirectory
  uri: ldaps://corp.example.com
  domain: corp.example.com
  netbios: CORP
  base_dn: dc=corp,dc=example,dc=com
  timeout: 10s
automation:
  service_account_username: vdi-svc
  service_account_password_file: /etc/vdilab/svc.age
  rotation_schedule: "0 3 * * *"
queue:
  visibility_timeout: 90s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Directory.URI = "ldap://dc1.corp.example.com"
	cfg.Directory.BaseDN = "dc=corp,dc=example,dc=com"
	cfg.Automation.ServiceAccountUsername = "vdi-svc"
	cfg.Automation.ServiceAccountPasswordFile = "/etc/vdilab/svc.age"
	return cfg
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.ConfigPath)
	assert.Equal(t, "/srv/vdilab/vdilab.db", cfg.Store.Path, "store path follows data_dir")
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, directory.ProviderManagedActiveDirectory, cfg.Directory.Provider)
	assert.Equal(t, 10*time.Second, cfg.Directory.Timeout)
	assert.Equal(t, "Computers", cfg.Directory.ComputersOU)
	assert.Equal(t, 90*time.Second, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, "0 3 * * *", cfg.Automation.RotationSchedule)
	assert.Equal(t, 30*time.Minute, cfg.Automation.EntryTTL)
	assert.Equal(t, "s3cret", cfg.ControlToken)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.ControlAllowCIDRs)
	assert.Equal(t, 1.0, cfg.Automation.ConsumeRateLimitQPS)
	assert.Equal(t, 5, cfg.Automation.ConsumeRateLimitBurst)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("VDILAB_STORE_DRIVER", "postgres")
	t.Setenv("VDILAB_STORE_DSN", "postgres://vdilab@db/vdilab")
	t.Setenv("VDILAB_QUEUE_WORKERS", "9")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://vdilab@db/vdilab", cfg.Store.DSN)
	assert.Equal(t, 9, cfg.Queue.Workers)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	cfg.Store.Driver = "mysql"
	cfg.Provisioning.Driver = "cloud"
	cfg.Queue.Workers = 0
	cfg.Automation.ServiceAccountUsername = ""
	cfg.Automation.HostnamePrefix = "VERYLONGPREFIX"
	cfg.MetricsListen = "0.0.0.0:9090"
	cfg.Automation.ConsumeRateLimitQPS = -1
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"store.driver", "provisioning.driver", "queue.workers", "service_account_username", "hostname_prefix", "localhost-only", "consume_rate_limit"} {
		assert.True(t, strings.Contains(err.Error(), want), "missing %q in %v", want, err)
	}
}

func TestValidateControlToken(t *testing.T) {
	cfg := validConfig()
	cfg.Listen = "0.0.0.0:8480"
	assert.ErrorContains(t, cfg.Validate(), "control_token")

	cfg.ControlToken = "s3cret"
	assert.NoError(t, cfg.Validate())

	cfg.ControlAllowCIDRs = []string{"10.0.0.0/33"}
	assert.ErrorContains(t, cfg.Validate(), "control_allow_cidrs")
}

func TestValidateRotationSchedule(t *testing.T) {
	cfg := validConfig()
	cfg.Automation.RotationSchedule = "every tuesday"
	assert.ErrorContains(t, cfg.Validate(), "rotation_schedule")

	cfg.Automation.RotationEnabled = false
	assert.NoError(t, cfg.Validate())
}

func TestFileSettings(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	defaults, err := FileSettings{Path: filepath.Join(dir, "absent.yaml")}.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultClusterSettings(), defaults)

	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
idle:
  cpu_threshold: 20
  idle_timeout: 30m
  action: hibernate
schedule:
  working_hours_start: "08:30"
  timezone: Europe/Berlin
`), 0o600))
	settings, err := FileSettings{Path: path}.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20.0, settings.Idle.CPUThreshold)
	assert.Equal(t, 30*time.Minute, settings.Idle.IdleTimeout)
	assert.Equal(t, models.IdleActionHibernate, settings.Idle.Action)
	assert.Equal(t, 5*time.Minute, settings.Idle.UptimeGuard, "unset keys keep defaults")
	assert.Equal(t, "08:30", settings.Schedule.WorkingHoursStart)
	assert.Equal(t, "17:00", settings.Schedule.WorkingHoursEnd)
}

func TestClusterSettingsValidate(t *testing.T) {
	s := DefaultClusterSettings()
	s.Idle.CPUThreshold = 120
	s.Idle.Action = "suspend"
	s.Schedule.WorkingHoursStart = "18:00"
	s.Schedule.Timezone = "Mars/Olympus"
	err := s.Validate()
	require.Error(t, err)
	for _, want := range []string{"cpu_threshold", "idle.action", "must be after", "schedule.timezone"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestParseClock(t *testing.T) {
	d, err := ParseClock("09:15")
	require.NoError(t, err)
	assert.Equal(t, 9*time.Hour+15*time.Minute, d)
	_, err = ParseClock("25:00")
	assert.Error(t, err)
}
