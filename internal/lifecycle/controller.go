// Package lifecycle drives desktop sessions through their state machine.
//
// Every mutating operation holds a per-session lock and writes through the
// store's version check, so concurrent callbacks, API calls, the idle monitor
// and the schedule runner never interleave on one session. Terminate cancels
// whatever operation currently holds the session and then takes the lock.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vdilab/vdilab/internal/db"
	"github.com/vdilab/vdilab/internal/metrics"
	"github.com/vdilab/vdilab/internal/models"
	"github.com/vdilab/vdilab/internal/provisioning"
)

const defaultOperationTimeout = 2 * time.Minute

var (
	ErrInvalidStateTransition = errors.New("invalid session state transition")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrSessionNotFound        = errors.New("session not found")
	ErrInvalidSessionSpec     = errors.New("invalid session request")
	ErrProvisioningTimeout    = provisioning.ErrProvisioningTimeout
	// ErrOperationPreempted is returned by an operation cancelled by Terminate.
	ErrOperationPreempted = errors.New("operation preempted by terminate")
)

// Store is the session persistence the controller needs.
type Store interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (models.Session, error)
	ListSessions(ctx context.Context) ([]models.Session, error)
	ListSessionsByState(ctx context.Context, states ...models.SessionState) ([]models.Session, error)
	CountLiveSessions(ctx context.Context, owner, project string) (int, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	RecordEvent(ctx context.Context, ev models.Event) (models.Event, error)
}

// TaskEnqueuer queues directory automation work.
type TaskEnqueuer interface {
	EnqueueWithKey(ctx context.Context, taskType models.TaskType, key string, payload any) (string, error)
}

// SessionSpec is a request for a new desktop.
type SessionSpec struct {
	Owner         string
	Project       string
	Name          string
	SoftwareStack string
	Hibernate     bool
	IdleAction    models.IdleAction
	Schedule      models.Schedule
}

// ListOptions filters List. Empty fields match everything.
type ListOptions struct {
	Owner   string
	Project string
	State   models.SessionState
}

// Controller owns session state transitions.
type Controller struct {
	store          Store
	backend        provisioning.Backend
	tasks          TaskEnqueuer
	authorizer     Authorizer
	logger         *slog.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
	opTimeout      time.Duration
	hostnamePrefix string

	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	// preemptible is false while a launch or terminate holds the lock.
	preemptible bool
	refs        int
}

// NewController builds a controller with defaults.
func NewController(store Store, backend provisioning.Backend, tasks TaskEnqueuer, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:     store,
		backend:   backend,
		tasks:     tasks,
		logger:    logger.With("component", "lifecycle"),
		now:       time.Now,
		opTimeout: defaultOperationTimeout,
		locks:     make(map[string]*sessionLock),
	}
}

// WithAuthorizer sets the permission check for CreateSession.
func (c *Controller) WithAuthorizer(authorizer Authorizer) *Controller {
	if c == nil {
		return c
	}
	c.authorizer = authorizer
	return c
}

// WithMetrics wires optional Prometheus metrics.
func (c *Controller) WithMetrics(m *metrics.Metrics) *Controller {
	if c == nil {
		return c
	}
	c.metrics = m
	return c
}

// WithOperationTimeout bounds each provisioning call.
func (c *Controller) WithOperationTimeout(d time.Duration) *Controller {
	if c == nil || d <= 0 {
		return c
	}
	c.opTimeout = d
	return c
}

// WithHostnamePrefix sets the computer name prefix passed to join tasks.
func (c *Controller) WithHostnamePrefix(prefix string) *Controller {
	if c == nil {
		return c
	}
	c.hostnamePrefix = prefix
	return c
}

// WithClock replaces the controller clock.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	if c == nil || now == nil {
		return c
	}
	c.now = now
	return c
}

// CreateSession authorizes the request, records the session in CREATING and
// asks the backend for an instance. It returns once the launch is accepted;
// a launch failure leaves the session in ERROR and is returned with it.
func (c *Controller) CreateSession(ctx context.Context, spec SessionSpec) (models.Session, error) {
	if err := c.ready(); err != nil {
		return models.Session{}, err
	}
	spec.Owner = strings.TrimSpace(spec.Owner)
	spec.Project = strings.TrimSpace(spec.Project)
	spec.SoftwareStack = strings.TrimSpace(spec.SoftwareStack)
	if spec.Owner == "" || spec.Project == "" || spec.SoftwareStack == "" {
		return models.Session{}, fmt.Errorf("%w: owner, project and software stack are required", ErrInvalidSessionSpec)
	}
	switch spec.IdleAction {
	case "", models.IdleActionStop, models.IdleActionHibernate:
	default:
		return models.Session{}, fmt.Errorf("%w: idle action %q must be stop or hibernate", ErrInvalidSessionSpec, spec.IdleAction)
	}
	if err := ValidateSchedule(spec.Schedule); err != nil {
		return models.Session{}, fmt.Errorf("%w: %v", ErrInvalidSessionSpec, err)
	}
	if err := c.authorize(ctx, spec); err != nil {
		return models.Session{}, err
	}

	now := c.now().UTC()
	session := models.Session{
		ID:             db.NewID(),
		Owner:          spec.Owner,
		Project:        spec.Project,
		Name:           spec.Name,
		SoftwareStack:  spec.SoftwareStack,
		State:          models.SessionCreating,
		Hibernate:      spec.Hibernate,
		IdleAction:     spec.IdleAction,
		Schedule:       spec.Schedule,
		CreatedAt:      now,
		StateChangedAt: now,
	}
	opCtx, release := c.lockExclusive(ctx, session.ID)
	defer release()

	if err := c.store.CreateSession(ctx, &session); err != nil {
		return models.Session{}, fmt.Errorf("create session: %w", err)
	}
	c.recordEvent(ctx, session.ID, "session.created", fmt.Sprintf("owner=%s project=%s stack=%s", session.Owner, session.Project, session.SoftwareStack), nil)
	c.logger.Info("session created", "session_id", session.ID, "owner", session.Owner, "project", session.Project)

	callCtx, cancel := c.callContext(opCtx)
	instanceID, err := c.backend.Launch(callCtx, provisioning.LaunchSpec{
		SessionID:     session.ID,
		Owner:         session.Owner,
		Project:       session.Project,
		Name:          session.Name,
		SoftwareStack: session.SoftwareStack,
		Hibernate:     session.Hibernate,
	})
	cancel()
	if err != nil {
		if preempted(ctx, opCtx) {
			c.logger.Warn("launch preempted", "session_id", session.ID)
			return session, fmt.Errorf("launch session %s: %w", session.ID, ErrOperationPreempted)
		}
		err = c.backendError("launch", opCtx, callCtx, err)
		if failErr := c.fail(ctx, &session, err.Error()); failErr != nil {
			c.logger.Error("record launch failure", "session_id", session.ID, "err", failErr)
		}
		return session, fmt.Errorf("launch session %s: %w", session.ID, err)
	}
	if err := c.transition(ctx, &session, models.SessionProvisioning, func(s *models.Session) {
		s.InstanceID = instanceID
	}); err != nil {
		return session, err
	}
	return session, nil
}

// OnInstanceReachable records that the instance answered and queues the
// directory join. A repeated callback re-queues the join; the join handler
// is idempotent per session.
func (c *Controller) OnInstanceReachable(ctx context.Context, id, privateIP string) error {
	return c.OnInstanceReachableWithToken(ctx, id, privateIP, "")
}

// OnInstanceReachableWithToken is OnInstanceReachable with the join token the
// instance will present when it fetches its join credentials.
func (c *Controller) OnInstanceReachableWithToken(ctx context.Context, id, privateIP, joinToken string) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, release := c.lock(ctx, id)
	defer release()

	session, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	switch session.State {
	case models.SessionInitializing:
		return c.enqueueJoin(ctx, session, joinToken)
	case models.SessionProvisioning, models.SessionCreating:
	default:
		return c.invalid(session.State, models.SessionInitializing)
	}
	now := c.now().UTC()
	if err := c.transition(ctx, &session, models.SessionInitializing, func(s *models.Session) {
		s.PrivateIP = strings.TrimSpace(privateIP)
		s.BootedAt = now
	}); err != nil {
		return err
	}
	return c.enqueueJoin(ctx, session, joinToken)
}

// OnJoinConfirmed marks the session READY after the directory join. It also
// completes a resume that is waiting on a join.
func (c *Controller) OnJoinConfirmed(ctx context.Context, id, hostname string) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, release := c.lock(ctx, id)
	defer release()

	session, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	switch session.State {
	case models.SessionReady:
		if session.Hostname == hostname {
			return nil
		}
		return c.invalid(session.State, models.SessionReady)
	case models.SessionInitializing, models.SessionResuming:
	case models.SessionDeleting, models.SessionDeleted:
		c.logger.Info("join confirmation ignored", "session_id", id, "state", session.State)
		return nil
	default:
		return c.invalid(session.State, models.SessionReady)
	}
	return c.transition(ctx, &session, models.SessionReady, func(s *models.Session) {
		s.Hostname = hostname
		s.FailureReason = ""
	})
}

// OnJoinFailed moves the session to ERROR after the join gave up.
func (c *Controller) OnJoinFailed(ctx context.Context, id, reason string) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, release := c.lock(ctx, id)
	defer release()

	session, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	switch session.State {
	case models.SessionError:
		return nil
	case models.SessionDeleting, models.SessionDeleted:
		c.logger.Info("join failure ignored", "session_id", id, "state", session.State)
		return nil
	case models.SessionInitializing, models.SessionResuming:
		return c.fail(ctx, &session, "join failed: "+reason)
	default:
		return c.invalid(session.State, models.SessionError)
	}
}

// Stop powers off (or hibernates) a READY session. The session hibernates when
// hibernate is set, when the session requests it, or when an idle stop
// applies a hibernate idle action.
func (c *Controller) Stop(ctx context.Context, id string, reason models.StopReason, hibernate bool) error {
	if err := c.ready(); err != nil {
		return err
	}
	if reason == "" {
		reason = models.StopReasonUser
	}
	opCtx, release := c.lock(ctx, id)
	defer release()

	session, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	if session.State != models.SessionReady {
		return c.invalid(session.State, models.SessionStopping)
	}
	hibernate = hibernate || session.Hibernate ||
		(reason == models.StopReasonIdle && session.IdleAction == models.IdleActionHibernate)

	if err := c.transition(ctx, &session, models.SessionStopping, func(s *models.Session) {
		s.StopReason = reason
	}); err != nil {
		return err
	}

	callCtx, cancel := c.callContext(opCtx)
	err = c.backend.Stop(callCtx, session.InstanceID, hibernate)
	cancel()
	if err != nil {
		if preempted(ctx, opCtx) {
			c.logger.Info("stop preempted", "session_id", id)
			return fmt.Errorf("stop session %s: %w", id, ErrOperationPreempted)
		}
		err = c.backendError("stop", opCtx, callCtx, err)
		if failErr := c.fail(ctx, &session, err.Error()); failErr != nil {
			c.logger.Error("record stop failure", "session_id", id, "err", failErr)
		}
		return fmt.Errorf("stop session %s: %w", id, err)
	}

	target := models.SessionStopped
	if reason == models.StopReasonIdle {
		target = models.SessionStoppedIdle
	}
	return c.transition(ctx, &session, target, nil)
}

// Start boots a stopped session. The session stays RESUMING until
// OnBootConfirmed.
func (c *Controller) Start(ctx context.Context, id string) error {
	if err := c.ready(); err != nil {
		return err
	}
	opCtx, release := c.lock(ctx, id)
	defer release()

	session, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	if !session.State.Stopped() {
		return c.invalid(session.State, models.SessionResuming)
	}
	if err := c.transition(ctx, &session, models.SessionResuming, nil); err != nil {
		return err
	}

	callCtx, cancel := c.callContext(opCtx)
	err = c.backend.Start(callCtx, session.InstanceID)
	cancel()
	if err != nil {
		if preempted(ctx, opCtx) {
			c.logger.Info("start preempted", "session_id", id)
			return fmt.Errorf("start session %s: %w", id, ErrOperationPreempted)
		}
		err = c.backendError("start", opCtx, callCtx, err)
		if failErr := c.fail(ctx, &session, err.Error()); failErr != nil {
			c.logger.Error("record start failure", "session_id", id, "err", failErr)
		}
		return fmt.Errorf("start session %s: %w", id, err)
	}
	return nil
}

// OnBootConfirmed completes a resume.
func (c *Controller) OnBootConfirmed(ctx context.Context, id string) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, release := c.lock(ctx, id)
	defer release()

	session, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	switch session.State {
	case models.SessionReady:
		return nil
	case models.SessionResuming:
	default:
		return c.invalid(session.State, models.SessionReady)
	}
	now := c.now().UTC()
	return c.transition(ctx, &session, models.SessionReady, func(s *models.Session) {
		s.BootedAt = now
		s.StopReason = ""
	})
}

// Terminate destroys the session's instance. It preempts any in-flight stop
// or start and is a no-op for sessions already DELETING or DELETED.
func (c *Controller) Terminate(ctx context.Context, id string) error {
	if err := c.ready(); err != nil {
		return err
	}
	c.preempt(id)
	opCtx, release := c.lockExclusive(ctx, id)
	defer release()

	session, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	if session.State == models.SessionDeleted || session.State == models.SessionDeleting {
		return nil
	}
	if err := c.transition(ctx, &session, models.SessionDeleting, nil); err != nil {
		return err
	}
	if session.Hostname != "" {
		payload := models.DeleteComputerPayload{SessionID: session.ID, Hostname: session.Hostname}
		if _, err := c.tasks.EnqueueWithKey(ctx, models.TaskDeleteComputer, "delete:"+session.ID, payload); err != nil {
			c.logger.Error("enqueue delete-computer", "session_id", id, "err", err)
		}
	}
	if session.InstanceID == "" {
		return c.transition(ctx, &session, models.SessionDeleted, nil)
	}

	callCtx, cancel := c.callContext(opCtx)
	result, err := c.backend.Terminate(callCtx, session.InstanceID)
	cancel()
	if err != nil && !errors.Is(err, provisioning.ErrInstanceNotFound) {
		if preempted(ctx, opCtx) {
			c.logger.Warn("terminate preempted", "session_id", id)
			return fmt.Errorf("terminate session %s: %w", id, ErrOperationPreempted)
		}
		err = c.backendError("terminate", opCtx, callCtx, err)
		if failErr := c.fail(ctx, &session, err.Error()); failErr != nil {
			c.logger.Error("record terminate failure", "session_id", id, "err", failErr)
		}
		return fmt.Errorf("terminate session %s: %w", id, err)
	}
	if err != nil || result.Confirmed {
		return c.transition(ctx, &session, models.SessionDeleted, nil)
	}
	c.logger.Info("termination requested", "session_id", id, "instance_id", session.InstanceID)
	return nil
}

// OnInstanceTerminated records the backend's termination confirmation. An
// instance that disappears outside of DELETING moves the session to ERROR.
func (c *Controller) OnInstanceTerminated(ctx context.Context, id string) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, release := c.lock(ctx, id)
	defer release()

	session, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	switch session.State {
	case models.SessionDeleted:
		return nil
	case models.SessionDeleting:
		return c.transition(ctx, &session, models.SessionDeleted, nil)
	case models.SessionError:
		c.logger.Warn("instance terminated while session in error", "session_id", id)
		return nil
	default:
		return c.fail(ctx, &session, "instance terminated outside of session control")
	}
}

// Get returns a session by id.
func (c *Controller) Get(ctx context.Context, id string) (models.Session, error) {
	if err := c.ready(); err != nil {
		return models.Session{}, err
	}
	return c.load(ctx, id)
}

// List returns sessions matching opts, newest first.
func (c *Controller) List(ctx context.Context, opts ListOptions) ([]models.Session, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	var (
		sessions []models.Session
		err      error
	)
	if opts.State != "" {
		sessions, err = c.store.ListSessionsByState(ctx, opts.State)
	} else {
		sessions, err = c.store.ListSessions(ctx)
	}
	if err != nil {
		return nil, err
	}
	out := sessions[:0]
	for _, s := range sessions {
		if opts.Owner != "" && s.Owner != opts.Owner {
			continue
		}
		if opts.Project != "" && s.Project != opts.Project {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// ListByState returns sessions in any of the given states.
func (c *Controller) ListByState(ctx context.Context, states ...models.SessionState) ([]models.Session, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.store.ListSessionsByState(ctx, states...)
}

func (c *Controller) ready() error {
	if c == nil || c.store == nil || c.backend == nil || c.tasks == nil {
		return errors.New("session controller not configured")
	}
	return nil
}

func (c *Controller) authorize(ctx context.Context, spec SessionSpec) error {
	if c.authorizer == nil {
		return fmt.Errorf("%w: no permission profiles loaded", ErrPermissionDenied)
	}
	profile, err := c.authorizer.Authorize(spec.Owner, spec.Project, spec.SoftwareStack)
	if err != nil {
		return err
	}
	if profile.MaxSessionsPerOwner > 0 {
		live, err := c.store.CountLiveSessions(ctx, spec.Owner, spec.Project)
		if err != nil {
			return fmt.Errorf("count sessions: %w", err)
		}
		if live >= profile.MaxSessionsPerOwner {
			return fmt.Errorf("%w: %s already has %d sessions in %s", ErrPermissionDenied, spec.Owner, live, spec.Project)
		}
	}
	return nil
}

func (c *Controller) enqueueJoin(ctx context.Context, session models.Session, joinToken string) error {
	payload := models.JoinComputerPayload{
		SessionID:      session.ID,
		InstanceID:     session.InstanceID,
		HostnamePrefix: c.hostnamePrefix,
		JoinToken:      strings.TrimSpace(joinToken),
	}
	taskID, err := c.tasks.EnqueueWithKey(ctx, models.TaskJoinComputer, session.ID, payload)
	if err != nil {
		return fmt.Errorf("enqueue join for session %s: %w", session.ID, err)
	}
	c.logger.Debug("join queued", "session_id", session.ID, "task_id", taskID)
	return nil
}

func (c *Controller) load(ctx context.Context, id string) (models.Session, error) {
	session, err := c.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return models.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return models.Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	return session, nil
}

// transition validates and persists a state change. On failure the session
// is left unchanged.
func (c *Controller) transition(ctx context.Context, session *models.Session, to models.SessionState, mutate func(*models.Session)) error {
	from := session.State
	if !allowedTransition(from, to) {
		return c.invalid(from, to)
	}
	prev := *session
	session.State = to
	session.StateChangedAt = c.now().UTC()
	if mutate != nil {
		mutate(session)
	}
	if err := c.store.UpdateSession(ctx, session); err != nil {
		*session = prev
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, session.ID)
		}
		return fmt.Errorf("session %s %s -> %s: %w", session.ID, from, to, err)
	}
	c.recordEvent(ctx, session.ID, "session.state", fmt.Sprintf("%s -> %s", from, to), map[string]string{
		"from":           string(from),
		"to":             string(to),
		"stop_reason":    string(session.StopReason),
		"failure_reason": session.FailureReason,
	})
	c.metrics.IncSessionTransition(from, to)
	if to == models.SessionReady && from == models.SessionInitializing {
		c.metrics.ObserveSessionReady(session.StateChangedAt.Sub(session.CreatedAt))
	}
	c.logger.Info("session transition", "session_id", session.ID, "from", from, "to", to)
	return nil
}

func (c *Controller) fail(ctx context.Context, session *models.Session, reason string) error {
	return c.transition(ctx, session, models.SessionError, func(s *models.Session) {
		s.FailureReason = reason
	})
}

func (c *Controller) invalid(from, to models.SessionState) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
}

func (c *Controller) recordEvent(ctx context.Context, sessionID, kind, msg string, payload map[string]string) {
	ev := models.Event{Kind: kind, SessionID: sessionID, Message: msg}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.JSON = string(data)
		}
	}
	if _, err := c.store.RecordEvent(ctx, ev); err != nil {
		c.logger.Warn("record event", "kind", kind, "session_id", sessionID, "err", err)
	}
}

// callContext bounds a single provisioning call.
func (c *Controller) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

// backendError maps a call deadline to ErrProvisioningTimeout.
func (c *Controller) backendError(op string, opCtx, callCtx context.Context, err error) error {
	if errors.Is(err, provisioning.ErrProvisioningTimeout) {
		return err
	}
	if opCtx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s", ErrProvisioningTimeout, op, c.opTimeout)
	}
	return err
}

func preempted(parent, opCtx context.Context) bool {
	return parent.Err() == nil && errors.Is(opCtx.Err(), context.Canceled)
}

// lock serializes operations on one session. The returned context is
// cancelled by preempt; writes should use the caller's ctx so a preempted
// operation can still record what the backend already did.
func (c *Controller) lock(ctx context.Context, id string) (context.Context, func()) {
	return c.acquire(ctx, id, true)
}

// lockExclusive is lock for operations preempt must not cancel: a launch
// whose instance id would be lost, or a terminate already under way.
func (c *Controller) lockExclusive(ctx context.Context, id string) (context.Context, func()) {
	return c.acquire(ctx, id, false)
}

func (c *Controller) acquire(ctx context.Context, id string, preemptible bool) (context.Context, func()) {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &sessionLock{}
		c.locks[id] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	opCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	l.cancel = cancel
	l.preemptible = preemptible
	c.mu.Unlock()

	return opCtx, func() {
		cancel()
		c.mu.Lock()
		l.cancel = nil
		l.preemptible = false
		l.refs--
		if l.refs == 0 {
			delete(c.locks, id)
		}
		c.mu.Unlock()
		l.mu.Unlock()
	}
}

// preempt cancels the operation currently holding the session, if any and
// if it is preemptible.
func (c *Controller) preempt(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.locks[id]; ok && l.cancel != nil && l.preemptible {
		l.cancel()
	}
}

func allowedTransition(from, to models.SessionState) bool {
	if to == models.SessionError {
		return from != models.SessionDeleted && from != models.SessionError
	}
	switch from {
	case models.SessionCreating:
		return to == models.SessionProvisioning || to == models.SessionInitializing || to == models.SessionDeleting
	case models.SessionProvisioning:
		return to == models.SessionInitializing || to == models.SessionDeleting
	case models.SessionInitializing:
		return to == models.SessionReady || to == models.SessionDeleting
	case models.SessionReady:
		return to == models.SessionStopping || to == models.SessionDeleting
	case models.SessionStopping:
		return to == models.SessionStopped || to == models.SessionStoppedIdle || to == models.SessionDeleting
	case models.SessionStopped:
		return to == models.SessionResuming || to == models.SessionStoppedIdle || to == models.SessionDeleting
	case models.SessionStoppedIdle:
		return to == models.SessionResuming || to == models.SessionStopped || to == models.SessionDeleting
	case models.SessionResuming:
		return to == models.SessionReady || to == models.SessionDeleting
	case models.SessionDeleting:
		return to == models.SessionDeleted
	case models.SessionError:
		return to == models.SessionDeleting
	default:
		return false
	}
}
