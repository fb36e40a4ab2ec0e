// Package daemon wires the vdilab components into one long-running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vdilab/vdilab/internal/api"
	"github.com/vdilab/vdilab/internal/automation"
	"github.com/vdilab/vdilab/internal/buildinfo"
	"github.com/vdilab/vdilab/internal/config"
	"github.com/vdilab/vdilab/internal/db"
	"github.com/vdilab/vdilab/internal/directory"
	"github.com/vdilab/vdilab/internal/idle"
	"github.com/vdilab/vdilab/internal/lifecycle"
	"github.com/vdilab/vdilab/internal/metrics"
	"github.com/vdilab/vdilab/internal/provisioning"
	"github.com/vdilab/vdilab/internal/secrets"
	"github.com/vdilab/vdilab/internal/taskqueue"
)

const shutdownTimeout = 10 * time.Second

// computeBackend is what the controller and idle monitor need from the
// provisioning layer.
type computeBackend interface {
	provisioning.Backend
	provisioning.Telemetry
}

// Service holds the wired components and their listeners.
type Service struct {
	cfg    config.Config
	logger *slog.Logger

	store      *db.Store
	dir        directory.Client
	metrics    *metrics.Metrics
	dispatcher *taskqueue.Dispatcher
	controller *lifecycle.Controller
	agent      *automation.Agent
	scheduler  *automation.Scheduler
	schedule   *lifecycle.ScheduleRunner
	monitor    *idle.Monitor

	apiListener     net.Listener
	apiServer       *http.Server
	metricsListener net.Listener
	metricsServer   *http.Server
}

// Run builds the service and serves until ctx is canceled.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	svc, err := NewService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()
	return svc.Serve(ctx)
}

// NewService validates cfg, opens the store, loads the service credential
// and binds the listeners.
func NewService(ctx context.Context, cfg config.Config, logger *slog.Logger) (svc *Service, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	profiles, err := lifecycle.LoadProfiles(cfg.ProfilesDir)
	if err != nil {
		return nil, err
	}
	if len(profiles.Projects()) == 0 {
		logger.Warn("no permission profiles loaded; session creation is denied", "dir", cfg.ProfilesDir)
	}

	svc = &Service{cfg: cfg, logger: logger.With("component", "daemon")}
	defer func() {
		if err != nil {
			svc.Close()
		}
	}()

	svc.store, err = openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	sealer, err := secrets.LoadSealer(cfg.Secrets.AgeKeyPath, cfg.Secrets.CreateKey)
	if err != nil {
		return nil, fmt.Errorf("load age key: %w", err)
	}
	bootstrapPassword, err := sealer.ReadSecretFile(cfg.Automation.ServiceAccountPasswordFile, cfg.Secrets.AllowPlaintext)
	if err != nil {
		return nil, fmt.Errorf("service account password: %w", err)
	}

	creds := directory.NewMemoryCredentials(directory.Credentials{})
	svc.dir, err = directory.NewClient(cfg.Directory, creds)
	if err != nil {
		return nil, fmt.Errorf("directory client: %w", err)
	}
	backend, err := newBackend(cfg.Provisioning)
	if err != nil {
		return nil, err
	}

	svc.metrics = metrics.New()
	svc.dispatcher = taskqueue.New(svc.store, queueConfig(cfg.Queue), logger).
		WithMetrics(svc.metrics).
		WithEvents(svc.store)
	svc.controller = lifecycle.NewController(svc.store, backend, svc.dispatcher, logger).
		WithAuthorizer(profiles).
		WithMetrics(svc.metrics).
		WithOperationTimeout(cfg.Provisioning.Timeout).
		WithHostnamePrefix(cfg.Automation.HostnamePrefix)
	svc.agent = automation.NewAgent(svc.store, svc.dir, svc.controller, cfg.Automation, logger).
		WithCredentials(creds).
		WithSealer(sealer).
		WithDirectoryConfig(cfg.Directory).
		WithMetrics(svc.metrics)
	if err := svc.agent.LoadCredential(ctx, bootstrapPassword); err != nil {
		return nil, fmt.Errorf("load service credential: %w", err)
	}
	if err := svc.agent.Register(svc.dispatcher); err != nil {
		return nil, err
	}
	svc.scheduler = automation.NewScheduler(svc.agent, svc.dispatcher, cfg.Automation, logger)

	settings := config.FileSettings{Path: cfg.SettingsPath}
	svc.schedule = lifecycle.NewScheduleRunner(svc.controller, settings, logger).WithMetrics(svc.metrics)
	svc.monitor = idle.NewMonitor(svc.controller, backend, settings, logger).WithMetrics(svc.metrics)

	auth, err := api.NewControlAuth(cfg.ControlToken, cfg.ControlAllowCIDRs)
	if err != nil {
		return nil, fmt.Errorf("control auth: %w", err)
	}
	server := api.NewServer(svc.controller, svc.store, logger).
		WithEntries(svc.agent).
		WithIdle(svc.monitor).
		WithAuth(auth).
		WithConsumeRateLimit(api.NewIPRateLimiter(cfg.Automation.ConsumeRateLimitQPS, cfg.Automation.ConsumeRateLimitBurst))
	if strings.TrimSpace(cfg.MetricsListen) == "" {
		server.WithMetrics(svc.metrics.Handler())
	} else {
		svc.metricsListener, err = net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.MetricsListen, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", svc.metrics.Handler())
		svc.metricsServer = api.NewHTTPServer(cfg.MetricsListen, mux)
	}
	svc.apiListener, err = net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	svc.apiServer = api.NewHTTPServer(cfg.Listen, server.Handler())
	return svc, nil
}

// Addr returns the bound API address.
func (s *Service) Addr() string {
	if s.apiListener == nil {
		return ""
	}
	return s.apiListener.Addr().String()
}

// Serve runs every component until ctx is canceled or one of them fails.
func (s *Service) Serve(ctx context.Context) error {
	s.logger.Info("vdilabd starting",
		"build", buildinfo.String(),
		"listen", s.Addr(),
		"store", s.store.Driver,
		"directory", s.cfg.Directory.Provider)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.dispatcher.Run(gctx) })
	g.Go(func() error { return s.scheduler.Run(gctx) })
	g.Go(func() error { return s.schedule.Run(gctx) })
	g.Go(func() error { return s.monitor.Run(gctx) })
	g.Go(func() error { return serveHTTP(s.apiServer, s.apiListener) })
	if s.metricsServer != nil {
		g.Go(func() error { return serveHTTP(s.metricsServer, s.metricsListener) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		if err := s.apiServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown api: %w", err))
		}
		if s.metricsServer != nil {
			if err := s.metricsServer.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown metrics: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("vdilabd stopped", "err", err)
		return err
	}
	s.logger.Info("vdilabd stopped")
	return nil
}

// Close releases the store, directory connection and any unserved listeners.
func (s *Service) Close() {
	if s.apiListener != nil {
		_ = s.apiListener.Close()
	}
	if s.metricsListener != nil {
		_ = s.metricsListener.Close()
	}
	if s.dir != nil {
		_ = s.dir.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}

func serveHTTP(server *http.Server, listener net.Listener) error {
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", server.Addr, err)
	}
	return nil
}

func openStore(cfg config.StoreConfig) (*db.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return db.OpenDSN(db.DriverPostgres, cfg.DSN)
	default:
		return db.Open(cfg.Path)
	}
}

// OpenStore opens the configured store and applies migrations.
func OpenStore(cfg config.Config) (*db.Store, error) {
	return openStore(cfg.Store)
}

func newBackend(cfg config.ProvisioningConfig) (computeBackend, error) {
	switch cfg.Driver {
	case "fake":
		return provisioning.NewFakeBackend(), nil
	case "shell":
		return &provisioning.ShellBackend{Command: cfg.Command, CommandTimeout: cfg.Timeout}, nil
	default:
		return nil, fmt.Errorf("unknown provisioning driver %q", cfg.Driver)
	}
}

func queueConfig(cfg config.QueueConfig) taskqueue.Config {
	return taskqueue.Config{
		BatchSize:         cfg.BatchSize,
		Workers:           cfg.Workers,
		VisibilityTimeout: cfg.VisibilityTimeout,
		PollInterval:      cfg.PollInterval,
		MaxAttempts:       cfg.MaxAttempts,
		BackoffBase:       cfg.BackoffBase,
		BackoffMax:        cfg.BackoffMax,
	}
}
