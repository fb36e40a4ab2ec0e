// Package automation runs the directory automation handlers: computer
// pre-creation for session joins, computer cleanup after termination, and
// rotation of the directory service account password.
//
// Handlers are registered on the task dispatcher and are idempotent per
// task; the dispatcher may deliver a task more than once.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vdilab/vdilab/internal/config"
	"github.com/vdilab/vdilab/internal/db"
	"github.com/vdilab/vdilab/internal/directory"
	"github.com/vdilab/vdilab/internal/lifecycle"
	"github.com/vdilab/vdilab/internal/metrics"
	"github.com/vdilab/vdilab/internal/models"
	"github.com/vdilab/vdilab/internal/secrets"
	"github.com/vdilab/vdilab/internal/taskqueue"
)

// rotationLeadTime is how long before the password's max age a rotation is due.
const rotationLeadTime = 48 * time.Hour

// ErrEntryUnavailable is returned when a join token is unknown, already
// used, or expired.
var ErrEntryUnavailable = errors.New("provisioning entry unavailable")

// Store is the persistence the agent needs.
type Store interface {
	CreateProvisioningEntry(ctx context.Context, entry models.OneTimeProvisioningEntry) error
	GetLiveProvisioningEntry(ctx context.Context, sessionID string, now time.Time) (models.OneTimeProvisioningEntry, error)
	ConsumeProvisioningEntry(ctx context.Context, token, instanceID string, now time.Time) (models.OneTimeProvisioningEntry, error)
	ListProvisioningEntries(ctx context.Context, sessionID string) ([]models.OneTimeProvisioningEntry, error)
	PurgeExpiredProvisioningEntries(ctx context.Context, now time.Time) (int64, error)

	UpsertServiceCredential(ctx context.Context, cred models.ServiceCredential) error
	GetServiceCredential(ctx context.Context, username string) (models.ServiceCredential, error)
	BeginCredentialRotation(ctx context.Context, username string, now, staleBefore time.Time) error
	CompleteCredentialRotation(ctx context.Context, username, secret string, passwordLastSet time.Time) (models.ServiceCredential, error)
	AbortCredentialRotation(ctx context.Context, username string) error

	RecordEvent(ctx context.Context, ev models.Event) (models.Event, error)
}

// JoinNotifier receives join outcomes. The session lifecycle controller
// implements it.
type JoinNotifier interface {
	OnJoinConfirmed(ctx context.Context, sessionID, hostname string) error
	OnJoinFailed(ctx context.Context, sessionID, reason string) error
}

// Registrar accepts task handlers.
type Registrar interface {
	Register(taskType models.TaskType, h taskqueue.Handler) error
}

// Agent implements the directory task handlers.
type Agent struct {
	store       Store
	dir         directory.Client
	notifier    JoinNotifier
	cfg         config.AutomationConfig
	dirCfg      directory.Config
	computersOU string
	creds       *directory.MemoryCredentials
	sealer      *secrets.Sealer
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	rotating atomic.Bool
}

// NewAgent builds an agent. The directory client should read its bind
// identity from the same MemoryCredentials passed to WithCredentials so
// that rotation takes effect on the next connection.
func NewAgent(store Store, dir directory.Client, notifier JoinNotifier, cfg config.AutomationConfig, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		store:    store,
		dir:      dir,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "automation"),
		now:      time.Now,
	}
}

// WithCredentials sets the credential source updated after rotation.
func (a *Agent) WithCredentials(creds *directory.MemoryCredentials) *Agent {
	a.creds = creds
	return a
}

// WithSealer sets the key used to encrypt the stored service password.
func (a *Agent) WithSealer(sealer *secrets.Sealer) *Agent {
	a.sealer = sealer
	return a
}

// WithDirectoryConfig sets the directory layout used to place and find
// computer objects.
func (a *Agent) WithDirectoryConfig(cfg directory.Config) *Agent {
	a.dirCfg = cfg
	a.computersOU = cfg.ComputersBase()
	return a
}

// WithMetrics wires optional Prometheus metrics.
func (a *Agent) WithMetrics(m *metrics.Metrics) *Agent {
	a.metrics = m
	return a
}

// WithClock replaces the agent clock.
func (a *Agent) WithClock(now func() time.Time) *Agent {
	if now != nil {
		a.now = now
	}
	return a
}

// Register installs the agent's handlers. Rotation is registered only when
// enabled; a rotate task without a handler is dead-lettered as poison.
func (a *Agent) Register(r Registrar) error {
	if err := r.Register(models.TaskJoinComputer, taskqueue.HandlerFunc(a.HandleJoin)); err != nil {
		return err
	}
	if err := r.Register(models.TaskDeleteComputer, taskqueue.HandlerFunc(a.HandleDeleteComputer)); err != nil {
		return err
	}
	if a.cfg.RotationEnabled {
		if err := r.Register(models.TaskRotateServiceCredential, taskqueue.HandlerFunc(a.HandleRotate)); err != nil {
			return err
		}
	}
	return nil
}

// HandleJoin pre-creates the session's computer account and records the
// one-time provisioning entry the instance uses to join.
func (a *Agent) HandleJoin(ctx context.Context, task models.DirectoryTask) error {
	var p models.JoinComputerPayload
	if err := taskqueue.DecodePayload(task, &p); err != nil {
		return err
	}
	if p.SessionID == "" || p.InstanceID == "" {
		return fmt.Errorf("join payload missing session or instance id: %w", taskqueue.ErrPoisonTask)
	}
	logger := a.logger.With("session_id", p.SessionID, "task_id", task.ID)
	prefix := p.HostnamePrefix
	if prefix == "" {
		prefix = a.cfg.HostnamePrefix
	}
	hostname, err := Hostname(prefix, p.SessionID)
	if err != nil {
		return a.joinFailed(ctx, task, p, err)
	}
	now := a.now().UTC()

	entry, err := a.store.GetLiveProvisioningEntry(ctx, p.SessionID, now)
	switch {
	case err == nil:
		logger.Info("reusing live provisioning entry", "hostname", entry.Hostname)
		return a.joinConfirmed(ctx, p, entry.Hostname, "reused")
	case !errors.Is(err, db.ErrNotFound):
		return fmt.Errorf("load provisioning entry: %w", err)
	}

	existing, err := a.findComputer(ctx, hostname)
	if err != nil {
		return a.joinFailed(ctx, task, p, err)
	}
	if existing != nil {
		if existing.Get("description") != p.SessionID {
			return a.joinFailed(ctx, task, p, &directory.ValidationError{
				Field: "hostname",
				Err:   fmt.Errorf("computer %s belongs to another session", hostname),
			})
		}
		joined, err := a.instanceJoined(ctx, p)
		if err != nil {
			return fmt.Errorf("load provisioning entries: %w", err)
		}
		if joined {
			logger.Info("computer already joined", "hostname", hostname)
			return a.joinConfirmed(ctx, p, hostname, "existing")
		}
		// The computer's OTP is unrecoverable without a live entry, so the
		// account is replaced under the same hostname.
		logger.Info("replacing computer without provisioning entry", "hostname", hostname)
		if err := a.dir.DeleteComputer(ctx, hostname, a.computersOU); err != nil && !errors.Is(err, directory.ErrEntryNotFound) {
			return a.joinFailed(ctx, task, p, err)
		}
	}

	otp, err := GenerateOTP()
	if err != nil {
		return err
	}
	dc, err := a.dir.PresetComputer(ctx, directory.ComputerRequest{
		Hostname:    hostname,
		OU:          a.computersOU,
		Description: p.SessionID,
		OTP:         otp,
	})
	if errors.Is(err, directory.ErrEntryExists) {
		// Lost a race with another delivery of this task; the next attempt
		// finds the computer and checks its owner.
		err = &directory.TransientDirectoryError{Op: "preset-computer", Err: fmt.Errorf("computer %s created concurrently", hostname)}
	}
	if err != nil {
		return a.joinFailed(ctx, task, p, err)
	}

	token := p.JoinToken
	if token == "" {
		token = uuid.NewString()
	}
	entry = models.OneTimeProvisioningEntry{
		Token:            token,
		SessionID:        p.SessionID,
		InstanceID:       p.InstanceID,
		Hostname:         hostname,
		HostnamePrefix:   prefix,
		OTP:              otp,
		DomainController: dc,
		Status:           models.ProvisioningSuccess,
		ExpiresAt:        now.Add(a.cfg.EntryTTL),
		CreatedAt:        now,
	}
	if err := a.store.CreateProvisioningEntry(ctx, entry); err != nil {
		if delErr := a.dir.DeleteComputer(ctx, hostname, a.computersOU); delErr != nil {
			logger.Error("roll back computer after entry failure", "hostname", hostname, "err", delErr)
		}
		return fmt.Errorf("store provisioning entry: %w", err)
	}
	logger.Info("computer preset", "hostname", hostname, "domain_controller", dc)
	return a.joinConfirmed(ctx, p, hostname, "created")
}

func (a *Agent) findComputer(ctx context.Context, hostname string) (*directory.Entry, error) {
	base := a.computersOU
	if base == "" {
		return nil, &directory.ValidationError{Field: "computers_ou", Err: errors.New("computers OU is not configured")}
	}
	entries, err := a.dir.Search(ctx, base, a.dirCfg.ComputerFilter(hostname), []string{"cn", "description"})
	if errors.Is(err, directory.ErrEntryNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if strings.EqualFold(entries[i].Get("cn"), hostname) {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// instanceJoined reports whether the instance already consumed an entry for
// the session, in which case its computer account is in use.
func (a *Agent) instanceJoined(ctx context.Context, p models.JoinComputerPayload) (bool, error) {
	entries, err := a.store.ListProvisioningEntries(ctx, p.SessionID)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Status == models.ProvisioningSuccess && e.InstanceID == p.InstanceID && !e.ConsumedAt.IsZero() {
			return true, nil
		}
	}
	return false, nil
}

func (a *Agent) joinConfirmed(ctx context.Context, p models.JoinComputerPayload, hostname, how string) error {
	a.metrics.IncJoin(how)
	a.recordEvent(ctx, p.SessionID, "directory.join", "computer "+hostname+" "+how)
	if a.notifier == nil {
		return nil
	}
	err := a.notifier.OnJoinConfirmed(ctx, p.SessionID, hostname)
	if errors.Is(err, lifecycle.ErrInvalidStateTransition) || errors.Is(err, lifecycle.ErrSessionNotFound) {
		a.logger.Warn("join confirmation not applied", "session_id", p.SessionID, "err", err)
		return nil
	}
	return err
}

// joinFailed reports the failure to the notifier when the dispatcher will
// not deliver the task again, and returns err for the dispatcher to settle.
func (a *Agent) joinFailed(ctx context.Context, task models.DirectoryTask, p models.JoinComputerPayload, err error) error {
	final := !directory.IsRetryable(err) || taskqueue.IsFinalAttempt(task)
	if !final {
		a.logger.Warn("join attempt failed", "session_id", p.SessionID, "attempt", task.Attempts, "err", err)
		return err
	}
	a.metrics.IncJoin("failed")
	a.recordEvent(ctx, p.SessionID, "directory.join_failed", err.Error())
	if a.notifier != nil {
		if nerr := a.notifier.OnJoinFailed(ctx, p.SessionID, err.Error()); nerr != nil {
			a.logger.Error("report join failure", "session_id", p.SessionID, "err", nerr)
		}
	}
	if !directory.IsRetryable(err) {
		return permanent{err}
	}
	return err
}

// HandleDeleteComputer removes a terminated session's computer account.
func (a *Agent) HandleDeleteComputer(ctx context.Context, task models.DirectoryTask) error {
	var p models.DeleteComputerPayload
	if err := taskqueue.DecodePayload(task, &p); err != nil {
		return err
	}
	if p.Hostname == "" {
		return fmt.Errorf("delete payload missing hostname: %w", taskqueue.ErrPoisonTask)
	}
	err := a.dir.DeleteComputer(ctx, p.Hostname, a.computersOU)
	if errors.Is(err, directory.ErrEntryNotFound) {
		err = nil
	}
	if err != nil {
		if !directory.IsRetryable(err) {
			return permanent{err}
		}
		return err
	}
	a.logger.Info("computer deleted", "session_id", p.SessionID, "hostname", p.Hostname)
	a.recordEvent(ctx, p.SessionID, "directory.computer_deleted", p.Hostname)
	return nil
}

// ConsumeProvisioningEntry hands the join credentials to the instance that
// owns token. An entry can be consumed once.
func (a *Agent) ConsumeProvisioningEntry(ctx context.Context, token, instanceID string) (models.OneTimeProvisioningEntry, error) {
	if strings.TrimSpace(token) == "" || strings.TrimSpace(instanceID) == "" {
		return models.OneTimeProvisioningEntry{}, fmt.Errorf("%w: token and instance id are required", ErrEntryUnavailable)
	}
	entry, err := a.store.ConsumeProvisioningEntry(ctx, token, instanceID, a.now().UTC())
	if errors.Is(err, db.ErrNotFound) {
		return models.OneTimeProvisioningEntry{}, ErrEntryUnavailable
	}
	if err != nil {
		return models.OneTimeProvisioningEntry{}, err
	}
	a.recordEvent(ctx, entry.SessionID, "directory.entry_consumed", entry.Hostname)
	return entry, nil
}

// PurgeExpiredEntries deletes expired provisioning entries.
func (a *Agent) PurgeExpiredEntries(ctx context.Context) (int64, error) {
	n, err := a.store.PurgeExpiredProvisioningEntries(ctx, a.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.logger.Info("purged expired provisioning entries", "count", n)
	}
	return n, nil
}

func (a *Agent) recordEvent(ctx context.Context, sessionID, kind, msg string) {
	if _, err := a.store.RecordEvent(ctx, models.Event{Kind: kind, SessionID: sessionID, Message: msg}); err != nil {
		a.logger.Warn("record event", "kind", kind, "err", err)
	}
}

// permanent marks a directory error the dispatcher must not retry.
type permanent struct{ err error }

func (p permanent) Error() string   { return p.err.Error() }
func (p permanent) Unwrap() error   { return p.err }
func (p permanent) Permanent() bool { return true }
