package automation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/vdilab/vdilab/internal/config"
	"github.com/vdilab/vdilab/internal/models"
)

// Enqueuer queues directory tasks.
type Enqueuer interface {
	EnqueueWithKey(ctx context.Context, taskType models.TaskType, key string, payload any) (string, error)
}

// Scheduler runs the periodic automation triggers: the credential rotation
// check and the provisioning entry purge.
type Scheduler struct {
	agent  *Agent
	tasks  Enqueuer
	cfg    config.AutomationConfig
	logger *slog.Logger
}

// NewScheduler builds a scheduler for agent.
func NewScheduler(agent *Agent, tasks Enqueuer, cfg config.AutomationConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{agent: agent, tasks: tasks, cfg: cfg, logger: logger.With("component", "automation-cron")}
}

// Run starts the cron triggers and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if s.cfg.RotationEnabled {
		if _, err := c.AddFunc(s.cfg.RotationSchedule, func() { s.TriggerRotation(ctx) }); err != nil {
			return fmt.Errorf("rotation schedule %q: %w", s.cfg.RotationSchedule, err)
		}
	}
	if _, err := c.AddFunc(s.cfg.PurgeSchedule, func() { s.Purge(ctx) }); err != nil {
		return fmt.Errorf("purge schedule %q: %w", s.cfg.PurgeSchedule, err)
	}
	c.Start()
	s.logger.Info("automation triggers started", "rotation", s.cfg.RotationEnabled, "purge_schedule", s.cfg.PurgeSchedule)
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// TriggerRotation enqueues a rotation check. A pending check is not
// duplicated.
func (s *Scheduler) TriggerRotation(ctx context.Context) {
	username := s.cfg.ServiceAccountUsername
	payload := models.RotateCredentialPayload{Username: username}
	if _, err := s.tasks.EnqueueWithKey(ctx, models.TaskRotateServiceCredential, "rotate:"+username, payload); err != nil && ctx.Err() == nil {
		s.logger.Error("enqueue rotation", "username", username, "err", err)
	}
}

// Purge deletes expired provisioning entries.
func (s *Scheduler) Purge(ctx context.Context) {
	if _, err := s.agent.PurgeExpiredEntries(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("purge provisioning entries", "err", err)
	}
}
