// Package models provides data structures and constants for vdilab.
//
// This package contains the core domain models used throughout vdilab:
//   - Session: A virtual desktop and its lifecycle state
//   - DirectoryTask: A queued unit of directory automation work
//   - OneTimeProvisioningEntry: A short-lived join handshake record
//   - ServiceCredential: The directory bind identity used by automation
//   - PermissionProfile: Per-project authorization for session creation
//
// All models are designed for database persistence and JSON serialization.
package models

import (
	"encoding/json"
	"time"
)

// SessionState represents the current state of a session in its lifecycle.
//
// The state machine enforces valid transitions:
//
//	CREATING → PROVISIONING → INITIALIZING → READY ⇄ STOPPING → STOPPED|STOPPED_IDLE
//	STOPPED|STOPPED_IDLE → RESUMING → READY
//
// Any non-terminal state can move to DELETING → DELETED, and any state can
// move to ERROR. ERROR is left only through DELETING.
type SessionState string

const (
	// SessionCreating is the initial state when the session record is allocated.
	SessionCreating SessionState = "CREATING"
	// SessionProvisioning indicates compute has been requested from the provisioning API.
	SessionProvisioning SessionState = "PROVISIONING"
	// SessionInitializing indicates the instance is reachable and joining the directory.
	SessionInitializing SessionState = "INITIALIZING"
	// SessionReady indicates the desktop is joined and usable.
	SessionReady SessionState = "READY"
	// SessionResuming indicates a stopped instance is booting again.
	SessionResuming SessionState = "RESUMING"
	// SessionStopping indicates a power-off or hibernate is in flight.
	SessionStopping SessionState = "STOPPING"
	// SessionStopped indicates the instance was stopped by a user or schedule.
	SessionStopped SessionState = "STOPPED"
	// SessionStoppedIdle indicates the instance was stopped by the idle monitor.
	SessionStoppedIdle SessionState = "STOPPED_IDLE"
	// SessionDeleting indicates instance termination is in flight.
	SessionDeleting SessionState = "DELETING"
	// SessionDeleted indicates the instance is confirmed terminated.
	SessionDeleted SessionState = "DELETED"
	// SessionError indicates an unrecoverable provisioning or join failure.
	SessionError SessionState = "ERROR"
)

// Terminal reports whether no further transitions other than terminate apply.
func (s SessionState) Terminal() bool {
	return s == SessionDeleted
}

// Stopped reports whether the session is in either stopped state.
func (s SessionState) Stopped() bool {
	return s == SessionStopped || s == SessionStoppedIdle
}

// StopReason records why a session was stopped.
type StopReason string

const (
	StopReasonUser     StopReason = "user"
	StopReasonIdle     StopReason = "idle"
	StopReasonSchedule StopReason = "schedule"
)

// IdleAction selects what the idle monitor does with an idle session.
type IdleAction string

const (
	IdleActionStop      IdleAction = "stop"
	IdleActionHibernate IdleAction = "hibernate"
)

// Session represents a virtual desktop managed by vdilab.
//
// Fields:
//   - ID: Unique session identifier (ULID)
//   - Owner: Username of the session owner
//   - Project: Project the session is billed and authorized against
//   - Name: Human-readable session name
//   - SoftwareStack: Image/software stack identifier used to launch
//   - State: Current state in the session lifecycle
//   - Version: Optimistic concurrency version, bumped on every write
//   - InstanceID: Backing compute instance (empty until launched)
//   - PrivateIP: Instance private address once reachable
//   - Hostname: Directory computer name once joined
//   - Hibernate: Whether stops hibernate instead of powering off
//   - IdleAction: Transition applied by the idle monitor
//   - Schedule: Per-weekday start/stop policy
//   - StopReason: Reason recorded for the most recent stop
//   - FailureReason: Reason recorded when the session entered ERROR
//   - CreatedAt: When the session was requested
//   - StateChangedAt: When the state last changed
//   - UpdatedAt: When the record was last written
//   - BootedAt: Last confirmed boot of the backing instance
type Session struct {
	ID             string
	Owner          string
	Project        string
	Name           string
	SoftwareStack  string
	State          SessionState
	Version        int64
	InstanceID     string
	PrivateIP      string
	Hostname       string
	Hibernate      bool
	IdleAction     IdleAction
	Schedule       Schedule
	StopReason     StopReason
	FailureReason  string
	CreatedAt      time.Time
	StateChangedAt time.Time
	UpdatedAt      time.Time
	BootedAt       time.Time
}

// ScheduleType is the policy applied to one weekday.
type ScheduleType string

const (
	ScheduleWorkingHours ScheduleType = "WORKING_HOURS"
	ScheduleStopAllDay   ScheduleType = "STOP_ALL_DAY"
	ScheduleStartAllDay  ScheduleType = "START_ALL_DAY"
	ScheduleCustom       ScheduleType = "CUSTOM_SCHEDULE"
	ScheduleNone         ScheduleType = "NO_SCHEDULE"
)

// DaySchedule is the start/stop policy for a single weekday.
// StartTime and StopTime are "HH:MM" and only used for CUSTOM_SCHEDULE.
type DaySchedule struct {
	Type      ScheduleType `json:"type" yaml:"type"`
	StartTime string       `json:"start_time,omitempty" yaml:"start_time,omitempty"`
	StopTime  string       `json:"stop_time,omitempty" yaml:"stop_time,omitempty"`
}

// Schedule maps lowercase weekday names ("monday") to their policy.
// Missing days behave as NO_SCHEDULE.
type Schedule map[string]DaySchedule

// Day returns the policy for the weekday, defaulting to NO_SCHEDULE.
func (s Schedule) Day(day time.Weekday) DaySchedule {
	if s == nil {
		return DaySchedule{Type: ScheduleNone}
	}
	entry, ok := s[weekdayKey(day)]
	if !ok || entry.Type == "" {
		return DaySchedule{Type: ScheduleNone}
	}
	return entry
}

func weekdayKey(day time.Weekday) string {
	switch day {
	case time.Monday:
		return "monday"
	case time.Tuesday:
		return "tuesday"
	case time.Wednesday:
		return "wednesday"
	case time.Thursday:
		return "thursday"
	case time.Friday:
		return "friday"
	case time.Saturday:
		return "saturday"
	default:
		return "sunday"
	}
}

// TaskType identifies a directory automation handler.
type TaskType string

const (
	TaskJoinComputer            TaskType = "join-computer"
	TaskRotateServiceCredential TaskType = "rotate-service-credential"
	TaskDeleteComputer          TaskType = "delete-computer"
	TaskSyncUser                TaskType = "sync-user"
)

// JoinComputerPayload is the payload of a join-computer task. JoinToken is
// the secret the instance later presents to fetch its join credentials.
type JoinComputerPayload struct {
	SessionID      string `json:"session_id"`
	InstanceID     string `json:"instance_id"`
	HostnamePrefix string `json:"hostname_prefix,omitempty"`
	JoinToken      string `json:"join_token,omitempty"`
}

// DeleteComputerPayload is the payload of a delete-computer task.
type DeleteComputerPayload struct {
	SessionID string `json:"session_id"`
	Hostname  string `json:"hostname"`
}

// RotateCredentialPayload is the payload of a rotate-service-credential task.
// Force rotates even when the password is not close to expiry.
type RotateCredentialPayload struct {
	Username string `json:"username"`
	Force    bool   `json:"force,omitempty"`
}

// TaskStatus represents the queue status of a directory task.
//
//	pending → done
//	pending → dead
type TaskStatus string

const (
	// TaskPending tasks are either visible or leased to a consumer.
	TaskPending TaskStatus = "pending"
	// TaskDone tasks were acknowledged by a handler.
	TaskDone TaskStatus = "done"
	// TaskDead tasks exceeded the attempt cap or failed permanently.
	TaskDead TaskStatus = "dead"
)

// DirectoryTask is a persisted queue record.
//
// A pending task whose VisibleAt is in the past is eligible for delivery.
// Polling a task pushes VisibleAt forward by the visibility timeout and
// increments Attempts; acknowledging marks it done.
type DirectoryTask struct {
	ID             string
	Type           TaskType
	Payload        json.RawMessage
	IdempotencyKey string
	Status         TaskStatus
	Attempts       int
	MaxAttempts    int
	EnqueuedAt     time.Time
	VisibleAt      time.Time
	UpdatedAt      time.Time
	LastError      string
}

// ProvisioningStatus is the outcome recorded for a join handshake.
type ProvisioningStatus string

const (
	ProvisioningSuccess ProvisioningStatus = "success"
	ProvisioningFail    ProvisioningStatus = "fail"
)

// OneTimeProvisioningEntry is the single-use join handshake record.
//
// The instance presents Token to fetch the OTP and joins the directory
// under Hostname. The entry is consumed once or expires at ExpiresAt.
type OneTimeProvisioningEntry struct {
	Token            string
	SessionID        string
	InstanceID       string
	Hostname         string
	HostnamePrefix   string
	OTP              string
	DomainController string
	Status           ProvisioningStatus
	ErrorMessage     string
	ExpiresAt        time.Time
	ConsumedAt       time.Time
	CreatedAt        time.Time
}

// ServiceCredential is the directory bind identity used by automation.
//
// Secret holds the sealed (encrypted) password. The credential is only
// superseded, never deleted; Generation increments on each rotation.
type ServiceCredential struct {
	Username           string
	Secret             string
	Generation         int
	PasswordLastSet    time.Time
	MaxAge             time.Duration
	RotationInProgress bool
	RotationStartedAt  time.Time
	UpdatedAt          time.Time
}

// ExpiresAt estimates when the password stops being accepted.
// It returns the zero time when the password never expires.
func (c ServiceCredential) ExpiresAt() time.Time {
	if c.PasswordLastSet.IsZero() || c.MaxAge <= 0 {
		return time.Time{}
	}
	return c.PasswordLastSet.Add(c.MaxAge)
}

// PermissionProfile authorizes owners to create sessions in a project.
//
// Profiles are loaded from YAML files in the profiles directory.
type PermissionProfile struct {
	Project             string   `yaml:"project"`
	AllowedOwners       []string `yaml:"allowed_owners"`
	AllowedStacks       []string `yaml:"allowed_stacks"`
	MaxSessionsPerOwner int      `yaml:"max_sessions_per_owner"`
}

// Event is an append-only audit record.
type Event struct {
	ID        string
	Timestamp time.Time
	Kind      string
	SessionID string
	TaskID    string
	Message   string
	JSON      string
}
