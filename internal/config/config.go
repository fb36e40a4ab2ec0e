package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/vdilab/vdilab/internal/directory"
	"github.com/vdilab/vdilab/internal/logging"
)

// EnvPrefix is the prefix for environment overrides (VDILAB_STORE_DRIVER, ...).
const EnvPrefix = "VDILAB"

// Config holds daemon configuration.
type Config struct {
	ConfigPath    string `mapstructure:"-"`
	DataDir       string `mapstructure:"data_dir"`
	ProfilesDir   string `mapstructure:"profiles_dir"`
	SettingsPath  string `mapstructure:"settings_path"`
	Listen        string `mapstructure:"listen"`
	MetricsListen string `mapstructure:"metrics_listen"`
	// ControlToken is the bearer token required on /v1 requests. It may be
	// empty only when Listen is a loopback address.
	ControlToken      string   `mapstructure:"control_token"`
	ControlAllowCIDRs []string `mapstructure:"control_allow_cidrs"`

	Store        StoreConfig        `mapstructure:"store"`
	Log          logging.Config     `mapstructure:"log"`
	Directory    directory.Config   `mapstructure:"directory"`
	Provisioning ProvisioningConfig `mapstructure:"provisioning"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Secrets      SecretsConfig      `mapstructure:"secrets"`
	Automation   AutomationConfig   `mapstructure:"automation"`
}

// StoreConfig selects the session and task store.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	Path   string `mapstructure:"path"`   // sqlite file
	DSN    string `mapstructure:"dsn"`    // postgres connection string
}

// ProvisioningConfig selects the compute backend.
type ProvisioningConfig struct {
	Driver  string        `mapstructure:"driver"` // shell or fake
	Command string        `mapstructure:"command"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// QueueConfig tunes the directory task dispatcher.
type QueueConfig struct {
	Workers           int           `mapstructure:"workers"`
	BatchSize         int           `mapstructure:"batch_size"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
}

// SecretsConfig locates the age key that seals the service credential.
type SecretsConfig struct {
	AgeKeyPath     string `mapstructure:"age_key_path"`
	CreateKey      bool   `mapstructure:"create_key"`
	AllowPlaintext bool   `mapstructure:"allow_plaintext"`
}

// AutomationConfig configures the directory automation agent.
type AutomationConfig struct {
	ServiceAccountUsername     string        `mapstructure:"service_account_username"`
	ServiceAccountPasswordFile string        `mapstructure:"service_account_password_file"`
	PasswordMaxAge             time.Duration `mapstructure:"password_max_age"`
	RotationEnabled            bool          `mapstructure:"rotation_enabled"`
	RotationSchedule           string        `mapstructure:"rotation_schedule"`
	RotationStaleAfter         time.Duration `mapstructure:"rotation_stale_after"`
	HostnamePrefix             string        `mapstructure:"hostname_prefix"`
	EntryTTL                   time.Duration `mapstructure:"entry_ttl"`
	PurgeSchedule              string        `mapstructure:"purge_schedule"`
	// ConsumeRateLimitQPS and ConsumeRateLimitBurst throttle the join
	// handshake endpoint per source IP. Zero disables the limit.
	ConsumeRateLimitQPS   float64 `mapstructure:"consume_rate_limit_qps"`
	ConsumeRateLimitBurst int     `mapstructure:"consume_rate_limit_burst"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	dataDir := "/var/lib/vdilab"
	return Config{
		ConfigPath:    "/etc/vdilab/config.yaml",
		DataDir:       dataDir,
		ProfilesDir:   "/etc/vdilab/profiles",
		SettingsPath:  "/etc/vdilab/settings.yaml",
		Listen:        "127.0.0.1:8480",
		MetricsListen: "",
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   filepath.Join(dataDir, "vdilab.db"),
		},
		Log: logging.Config{Level: "info", Format: "text", Color: "auto"},
		Directory: directory.Config{
			Provider:    directory.ProviderActiveDirectory,
			ComputersOU: "Computers",
			UsersOU:     "Users",
			Timeout:     30 * time.Second,
			AdcliPath:   "adcli",
		},
		Provisioning: ProvisioningConfig{
			Driver:  "shell",
			Command: "vdi-provision",
			Timeout: 2 * time.Minute,
		},
		Queue: QueueConfig{
			Workers:           4,
			BatchSize:         10,
			VisibilityTimeout: 2 * time.Minute,
			PollInterval:      2 * time.Second,
			MaxAttempts:       5,
			BackoffBase:       5 * time.Second,
			BackoffMax:        5 * time.Minute,
		},
		Secrets: SecretsConfig{
			AgeKeyPath: "/etc/vdilab/keys/age.key",
			CreateKey:  true,
		},
		Automation: AutomationConfig{
			PasswordMaxAge:        42 * 24 * time.Hour,
			RotationEnabled:       true,
			RotationSchedule:      "@every 1h",
			RotationStaleAfter:    15 * time.Minute,
			HostnamePrefix:        "VDI-",
			EntryTTL:              30 * time.Minute,
			PurgeSchedule:         "@every 10m",
			ConsumeRateLimitQPS:   1,
			ConsumeRateLimitBurst: 5,
		},
	}
}

// Load reads the YAML config file at path, applies VDILAB_* environment
// overrides and validates the result. An empty path uses the default location.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	v := newViper(cfg)
	v.SetConfigFile(cfg.ConfigPath)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	dataDirSet := v.InConfig("data_dir")
	storePathSet := v.InConfig("store.path")
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	if dataDirSet && !storePathSet {
		cfg.Store.Path = filepath.Join(cfg.DataDir, "vdilab.db")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// newViper registers every default so environment overrides apply to keys
// absent from the file.
func newViper(defaults Config) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("profiles_dir", defaults.ProfilesDir)
	v.SetDefault("settings_path", defaults.SettingsPath)
	v.SetDefault("listen", defaults.Listen)
	v.SetDefault("metrics_listen", defaults.MetricsListen)
	v.SetDefault("control_token", defaults.ControlToken)
	v.SetDefault("control_allow_cidrs", defaults.ControlAllowCIDRs)

	v.SetDefault("store.driver", defaults.Store.Driver)
	v.SetDefault("store.path", defaults.Store.Path)
	v.SetDefault("store.dsn", defaults.Store.DSN)

	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)
	v.SetDefault("log.color", defaults.Log.Color)
	v.SetDefault("log.file", defaults.Log.File)
	v.SetDefault("log.max_size_mb", defaults.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", defaults.Log.MaxBackups)
	v.SetDefault("log.max_age_days", defaults.Log.MaxAgeDays)
	v.SetDefault("log.compress", defaults.Log.Compress)
	v.SetDefault("log.file_only", defaults.Log.FileOnly)

	v.SetDefault("directory.provider", defaults.Directory.Provider)
	v.SetDefault("directory.uri", defaults.Directory.URI)
	v.SetDefault("directory.domain", defaults.Directory.Domain)
	v.SetDefault("directory.netbios", defaults.Directory.NetBIOS)
	v.SetDefault("directory.base_dn", defaults.Directory.BaseDN)
	v.SetDefault("directory.users_ou", defaults.Directory.UsersOU)
	v.SetDefault("directory.computers_ou", defaults.Directory.ComputersOU)
	v.SetDefault("directory.timeout", defaults.Directory.Timeout)
	v.SetDefault("directory.adcli_path", defaults.Directory.AdcliPath)
	v.SetDefault("directory.use_ldaps", defaults.Directory.UseLDAPS)
	v.SetDefault("directory.skip_tls_verify", defaults.Directory.SkipTLSVerify)

	v.SetDefault("provisioning.driver", defaults.Provisioning.Driver)
	v.SetDefault("provisioning.command", defaults.Provisioning.Command)
	v.SetDefault("provisioning.timeout", defaults.Provisioning.Timeout)

	v.SetDefault("queue.workers", defaults.Queue.Workers)
	v.SetDefault("queue.batch_size", defaults.Queue.BatchSize)
	v.SetDefault("queue.visibility_timeout", defaults.Queue.VisibilityTimeout)
	v.SetDefault("queue.poll_interval", defaults.Queue.PollInterval)
	v.SetDefault("queue.max_attempts", defaults.Queue.MaxAttempts)
	v.SetDefault("queue.backoff_base", defaults.Queue.BackoffBase)
	v.SetDefault("queue.backoff_max", defaults.Queue.BackoffMax)

	v.SetDefault("secrets.age_key_path", defaults.Secrets.AgeKeyPath)
	v.SetDefault("secrets.create_key", defaults.Secrets.CreateKey)
	v.SetDefault("secrets.allow_plaintext", defaults.Secrets.AllowPlaintext)

	v.SetDefault("automation.service_account_username", defaults.Automation.ServiceAccountUsername)
	v.SetDefault("automation.service_account_password_file", defaults.Automation.ServiceAccountPasswordFile)
	v.SetDefault("automation.password_max_age", defaults.Automation.PasswordMaxAge)
	v.SetDefault("automation.rotation_enabled", defaults.Automation.RotationEnabled)
	v.SetDefault("automation.rotation_schedule", defaults.Automation.RotationSchedule)
	v.SetDefault("automation.rotation_stale_after", defaults.Automation.RotationStaleAfter)
	v.SetDefault("automation.hostname_prefix", defaults.Automation.HostnamePrefix)
	v.SetDefault("automation.entry_ttl", defaults.Automation.EntryTTL)
	v.SetDefault("automation.purge_schedule", defaults.Automation.PurgeSchedule)
	v.SetDefault("automation.consume_rate_limit_qps", defaults.Automation.ConsumeRateLimitQPS)
	v.SetDefault("automation.consume_rate_limit_burst", defaults.Automation.ConsumeRateLimitBurst)
	return v
}

// Validate performs basic validation without exposing secrets.
func (c Config) Validate() error {
	var errs []error
	if c.ProfilesDir == "" {
		errs = append(errs, errors.New("profiles_dir is required"))
	}
	if c.SettingsPath == "" {
		errs = append(errs, errors.New("settings_path is required"))
	}
	if host, _, err := net.SplitHostPort(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen must be host:port: %w", err))
	} else if strings.TrimSpace(c.ControlToken) == "" && !isLoopbackHost(host) {
		errs = append(errs, fmt.Errorf("control_token is required when listen is not localhost (got %q)", host))
	}
	for _, cidr := range c.ControlAllowCIDRs {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil {
			errs = append(errs, fmt.Errorf("control_allow_cidrs: %w", err))
		}
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		host, _, err := net.SplitHostPort(c.MetricsListen)
		if err != nil {
			errs = append(errs, fmt.Errorf("metrics_listen must be host:port: %w", err))
		} else if !isLoopbackHost(host) {
			errs = append(errs, fmt.Errorf("metrics_listen must be localhost-only (got %q)", host))
		}
	}

	switch c.Store.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Store.Path) == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be sqlite or postgres", c.Store.Driver))
	}

	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Directory.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Provisioning.Driver {
	case "shell":
		if strings.TrimSpace(c.Provisioning.Command) == "" {
			errs = append(errs, errors.New("provisioning.command is required for the shell driver"))
		}
	case "fake":
	default:
		errs = append(errs, fmt.Errorf("provisioning.driver %q must be shell or fake", c.Provisioning.Driver))
	}
	if c.Provisioning.Timeout < 0 {
		errs = append(errs, errors.New("provisioning.timeout must be >= 0"))
	}

	if c.Queue.Workers <= 0 {
		errs = append(errs, errors.New("queue.workers must be positive"))
	}
	if c.Queue.BatchSize <= 0 {
		errs = append(errs, errors.New("queue.batch_size must be positive"))
	}
	if c.Queue.VisibilityTimeout <= 0 {
		errs = append(errs, errors.New("queue.visibility_timeout must be positive"))
	}
	if c.Queue.PollInterval <= 0 {
		errs = append(errs, errors.New("queue.poll_interval must be positive"))
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, errors.New("queue.max_attempts must be positive"))
	}
	if c.Queue.BackoffMax < c.Queue.BackoffBase {
		errs = append(errs, errors.New("queue.backoff_max must be >= queue.backoff_base"))
	}

	if c.Secrets.AgeKeyPath == "" {
		errs = append(errs, errors.New("secrets.age_key_path is required"))
	}

	a := c.Automation
	if strings.TrimSpace(a.ServiceAccountUsername) == "" {
		errs = append(errs, errors.New("automation.service_account_username is required"))
	}
	if strings.TrimSpace(a.ServiceAccountPasswordFile) == "" {
		errs = append(errs, errors.New("automation.service_account_password_file is required"))
	}
	if a.PasswordMaxAge < 0 {
		errs = append(errs, errors.New("automation.password_max_age must be >= 0"))
	}
	if a.RotationEnabled {
		if _, err := cron.ParseStandard(a.RotationSchedule); err != nil {
			errs = append(errs, fmt.Errorf("automation.rotation_schedule: %w", err))
		}
	}
	if _, err := cron.ParseStandard(a.PurgeSchedule); err != nil {
		errs = append(errs, fmt.Errorf("automation.purge_schedule: %w", err))
	}
	if a.ConsumeRateLimitQPS < 0 || a.ConsumeRateLimitBurst < 0 {
		errs = append(errs, errors.New("automation.consume_rate_limit_qps and consume_rate_limit_burst must be >= 0"))
	}
	if a.EntryTTL <= 0 {
		errs = append(errs, errors.New("automation.entry_ttl must be positive"))
	}
	if len(a.HostnamePrefix) > 11 {
		errs = append(errs, fmt.Errorf("automation.hostname_prefix %q leaves fewer than 4 characters for the hash", a.HostnamePrefix))
	}
	return errors.Join(errs...)
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
