// Package taskqueue is the at-least-once directory task dispatcher.
//
// Tasks are rows in the store's tasks table. Polling leases visible tasks for
// a visibility window; a task that is not acknowledged before its window ends
// becomes visible to any consumer again. Handlers are registered by task type
// and must be idempotent.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vdilab/vdilab/internal/metrics"
	"github.com/vdilab/vdilab/internal/models"
)

var (
	// ErrPoisonTask marks a task that can never be handled (unknown type or
	// malformed payload). It is dead-lettered without retry.
	ErrPoisonTask = errors.New("poison task")
	// ErrRetryLater marks a failure that must not be retried by the
	// dispatcher; a scheduler enqueues a fresh task later.
	ErrRetryLater = errors.New("retry on next scheduled trigger")
	// ErrHandlerExists is returned when a task type is registered twice.
	ErrHandlerExists = errors.New("handler already registered")
)

// Outcome labels recorded for each delivery.
const (
	OutcomeAck      = "ack"
	OutcomeRetry    = "retry"
	OutcomeDead     = "dead"
	OutcomePoison   = "poison"
	OutcomeDeferred = "deferred"
)

// Handler processes one delivered task. Returning nil acknowledges it.
type Handler interface {
	Handle(ctx context.Context, task models.DirectoryTask) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task models.DirectoryTask) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, task models.DirectoryTask) error {
	return f(ctx, task)
}

// Store is the queue persistence used by the dispatcher.
type Store interface {
	EnqueueTask(ctx context.Context, task models.DirectoryTask) (models.DirectoryTask, bool, error)
	ClaimTasks(ctx context.Context, now time.Time, limit int, visibility time.Duration) ([]models.DirectoryTask, error)
	AckTask(ctx context.Context, id string) error
	DeadLetterTask(ctx context.Context, id, reason string) error
	ExtendTaskVisibility(ctx context.Context, id string, until time.Time) error
	ReleaseTask(ctx context.Context, id string, visibleAt time.Time, lastErr string) error
}

// EventRecorder receives audit events for dead-lettered tasks.
type EventRecorder interface {
	RecordEvent(ctx context.Context, ev models.Event) (models.Event, error)
}

// Config tunes polling and retry behavior.
type Config struct {
	BatchSize         int
	Workers           int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

// DefaultConfig returns conservative queue settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:         10,
		Workers:           4,
		VisibilityTimeout: 2 * time.Minute,
		PollInterval:      2 * time.Second,
		MaxAttempts:       5,
		BackoffBase:       5 * time.Second,
		BackoffMax:        5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = def.VisibilityTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	return c
}

// Dispatcher is a thin queue client plus a local handler registry.
type Dispatcher struct {
	store   Store
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	events  EventRecorder
	now     func() time.Time

	mu       sync.RWMutex
	handlers map[models.TaskType]Handler
}

// New returns a dispatcher over store.
func New(store Store, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    store,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "taskqueue"),
		now:      time.Now,
		handlers: make(map[models.TaskType]Handler),
	}
}

// WithMetrics attaches a metrics collector.
func (d *Dispatcher) WithMetrics(m *metrics.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// WithEvents attaches an audit event recorder.
func (d *Dispatcher) WithEvents(r EventRecorder) *Dispatcher {
	d.events = r
	return d
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// Register binds a handler to a task type.
func (d *Dispatcher) Register(taskType models.TaskType, h Handler) error {
	if taskType == "" {
		return errors.New("task type is required")
	}
	if h == nil {
		return errors.New("handler is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[taskType]; ok {
		return fmt.Errorf("%s: %w", taskType, ErrHandlerExists)
	}
	d.handlers[taskType] = h
	return nil
}

func (d *Dispatcher) handler(taskType models.TaskType) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[taskType]
	return h, ok
}

// Enqueue stores a new task and returns its id. payload is JSON-encoded.
func (d *Dispatcher) Enqueue(ctx context.Context, taskType models.TaskType, payload any) (string, error) {
	return d.EnqueueWithKey(ctx, taskType, "", payload)
}

// EnqueueWithKey stores a task unless a pending task with the same
// idempotency key exists, in which case the existing id is returned.
func (d *Dispatcher) EnqueueWithKey(ctx context.Context, taskType models.TaskType, key string, payload any) (string, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return "", err
	}
	task, created, err := d.store.EnqueueTask(ctx, models.DirectoryTask{
		Type:           taskType,
		Payload:        raw,
		IdempotencyKey: key,
		MaxAttempts:    d.cfg.MaxAttempts,
		EnqueuedAt:     d.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	if created {
		d.logger.Debug("task enqueued", "task_id", task.ID, "type", taskType, "key", key)
	} else {
		d.logger.Debug("task already pending", "task_id", task.ID, "type", taskType, "key", key)
	}
	return task.ID, nil
}

// Poll leases up to batchSize visible tasks for visibilityTimeout.
func (d *Dispatcher) Poll(ctx context.Context, batchSize int, visibilityTimeout time.Duration) ([]models.DirectoryTask, error) {
	return d.store.ClaimTasks(ctx, d.now().UTC(), batchSize, visibilityTimeout)
}

// Acknowledge marks a task done.
func (d *Dispatcher) Acknowledge(ctx context.Context, taskID string) error {
	return d.store.AckTask(ctx, taskID)
}

// ExtendVisibility pushes the task's deadline to now+duration.
func (d *Dispatcher) ExtendVisibility(ctx context.Context, taskID string, duration time.Duration) error {
	if duration <= 0 {
		return errors.New("visibility extension must be positive")
	}
	return d.store.ExtendTaskVisibility(ctx, taskID, d.now().UTC().Add(duration))
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	d.logger.Info("dispatcher started", "workers", d.cfg.Workers, "visibility", d.cfg.VisibilityTimeout)
	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce polls one batch and processes it with the worker pool. It returns
// the number of tasks delivered.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	tasks, err := d.Poll(ctx, d.cfg.BatchSize, d.cfg.VisibilityTimeout)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.cfg.Workers)
	for _, task := range tasks {
		task := task
		group.Go(func() error {
			d.Process(groupCtx, task)
			return nil
		})
	}
	return len(tasks), group.Wait()
}

// Process runs the handler for one leased task and settles it.
func (d *Dispatcher) Process(ctx context.Context, task models.DirectoryTask) {
	logger := d.logger.With("task_id", task.ID, "type", task.Type, "attempt", task.Attempts)
	h, ok := d.handler(task.Type)
	if !ok {
		logger.Warn("no handler registered for task type")
		d.deadLetter(ctx, task, OutcomePoison, fmt.Errorf("unregistered task type %q: %w", task.Type, ErrPoisonTask))
		return
	}

	start := d.now()
	err := d.handleWithHeartbeat(ctx, h, task)
	d.metrics.ObserveTaskDuration(task.Type, d.now().Sub(start))

	switch {
	case err == nil:
		if ackErr := d.store.AckTask(ctx, task.ID); ackErr != nil {
			logger.Error("acknowledge failed", "err", ackErr)
			return
		}
		d.metrics.IncTaskOutcome(task.Type, OutcomeAck)
		logger.Debug("task acknowledged")
	case errors.Is(err, ErrRetryLater):
		logger.Warn("task deferred to next scheduled trigger", "err", err)
		d.deadLetter(ctx, task, OutcomeDeferred, err)
	case errors.Is(err, ErrPoisonTask) || isPermanent(err):
		logger.Error("task failed permanently", "err", err)
		d.deadLetter(ctx, task, OutcomeDead, err)
	case task.Attempts >= task.MaxAttempts:
		logger.Error("task exhausted attempts", "err", err, "max_attempts", task.MaxAttempts)
		d.deadLetter(ctx, task, OutcomeDead, err)
	default:
		delay := d.backoff(task.Attempts)
		logger.Warn("task failed, will retry", "err", err, "retry_in", delay)
		if relErr := d.store.ReleaseTask(ctx, task.ID, d.now().UTC().Add(delay), err.Error()); relErr != nil {
			logger.Error("release failed", "err", relErr)
			return
		}
		d.metrics.IncTaskOutcome(task.Type, OutcomeRetry)
	}
}

// handleWithHeartbeat runs h while extending the task's visibility every
// half window so long handlers keep their lease.
func (d *Dispatcher) handleWithHeartbeat(ctx context.Context, h Handler, task models.DirectoryTask) (err error) {
	hbCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		interval := d.cfg.VisibilityTimeout / 2
		if interval <= 0 {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := d.ExtendVisibility(hbCtx, task.ID, d.cfg.VisibilityTimeout); err != nil && hbCtx.Err() == nil {
					d.logger.Warn("heartbeat failed", "task_id", task.ID, "err", err)
				}
			}
		}
	}()
	defer func() {
		stop()
		wg.Wait()
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, task)
}

func (d *Dispatcher) deadLetter(ctx context.Context, task models.DirectoryTask, outcome string, cause error) {
	if err := d.store.DeadLetterTask(ctx, task.ID, cause.Error()); err != nil {
		d.logger.Error("dead-letter failed", "task_id", task.ID, "err", err)
		return
	}
	d.metrics.IncTaskOutcome(task.Type, outcome)
	if d.events == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"type":     task.Type,
		"attempts": task.Attempts,
		"outcome":  outcome,
	})
	if _, err := d.events.RecordEvent(ctx, models.Event{
		Kind:    "task." + outcome,
		TaskID:  task.ID,
		Message: cause.Error(),
		JSON:    string(payload),
	}); err != nil {
		d.logger.Warn("record task event failed", "task_id", task.ID, "err", err)
	}
}

// backoff returns BackoffBase * 2^(attempt-1), capped at BackoffMax.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := d.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffMax {
			return d.cfg.BackoffMax
		}
	}
	if delay > d.cfg.BackoffMax {
		return d.cfg.BackoffMax
	}
	return delay
}

// IsFinalAttempt reports whether this delivery is the last one the
// dispatcher will make for a failing task.
func IsFinalAttempt(task models.DirectoryTask) bool {
	return task.MaxAttempts > 0 && task.Attempts >= task.MaxAttempts
}

// DecodePayload unmarshals the task payload into v. A malformed payload is
// reported as ErrPoisonTask.
func DecodePayload(task models.DirectoryTask, v any) error {
	if err := json.Unmarshal(task.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", task.Type, err, ErrPoisonTask)
	}
	return nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

func isPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
