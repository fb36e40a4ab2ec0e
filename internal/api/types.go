package api

import (
	"time"

	"github.com/vdilab/vdilab/internal/models"
)

type V1ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type V1CreateSessionRequest struct {
	Owner         string            `json:"owner"`
	Project       string            `json:"project"`
	Name          string            `json:"name,omitempty"`
	SoftwareStack string            `json:"software_stack"`
	Hibernate     bool              `json:"hibernate,omitempty"`
	IdleAction    models.IdleAction `json:"idle_action,omitempty"`
	Schedule      models.Schedule   `json:"schedule,omitempty"`
}

type V1StopSessionRequest struct {
	Hibernate bool `json:"hibernate,omitempty"`
}

type V1Session struct {
	ID             string            `json:"id"`
	Owner          string            `json:"owner"`
	Project        string            `json:"project"`
	Name           string            `json:"name,omitempty"`
	SoftwareStack  string            `json:"software_stack"`
	State          string            `json:"state"`
	InstanceID     string            `json:"instance_id,omitempty"`
	PrivateIP      string            `json:"private_ip,omitempty"`
	Hostname       string            `json:"hostname,omitempty"`
	Hibernate      bool              `json:"hibernate"`
	IdleAction     models.IdleAction `json:"idle_action,omitempty"`
	Schedule       models.Schedule   `json:"schedule,omitempty"`
	StopReason     string            `json:"stop_reason,omitempty"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	CreatedAt      string            `json:"created_at"`
	StateChangedAt string            `json:"state_changed_at"`
	BootedAt       string            `json:"booted_at,omitempty"`
}

type V1SessionsResponse struct {
	Sessions []V1Session `json:"sessions"`
}

type V1Event struct {
	ID        string `json:"id"`
	Timestamp string `json:"ts"`
	Kind      string `json:"kind"`
	SessionID string `json:"session_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Message   string `json:"message,omitempty"`
	JSON      string `json:"json,omitempty"`
}

type V1EventsResponse struct {
	Events []V1Event `json:"events"`
}

type V1Task struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Attempts       int    `json:"attempts"`
	MaxAttempts    int    `json:"max_attempts"`
	EnqueuedAt     string `json:"enqueued_at"`
	VisibleAt      string `json:"visible_at"`
	LastError      string `json:"last_error,omitempty"`
}

type V1TasksResponse struct {
	Tasks  []V1Task       `json:"tasks"`
	Counts map[string]int `json:"counts"`
}

type V1ReachableRequest struct {
	PrivateIP string `json:"private_ip"`
	JoinToken string `json:"join_token,omitempty"`
}

type V1JoinConfirmedRequest struct {
	Hostname string `json:"hostname"`
}

type V1JoinFailedRequest struct {
	Reason string `json:"reason"`
}

type V1ConsumeEntryRequest struct {
	Token      string `json:"token"`
	InstanceID string `json:"instance_id"`
}

type V1ProvisioningEntry struct {
	SessionID        string `json:"session_id"`
	Hostname         string `json:"hostname"`
	OTP              string `json:"otp"`
	DomainController string `json:"domain_controller,omitempty"`
	ExpiresAt        string `json:"expires_at"`
}

type V1IdleStatus struct {
	SessionID string     `json:"session_id"`
	Average   float64    `json:"average_cpu"`
	Samples   []V1Sample `json:"samples"`
	IdleSince string     `json:"idle_since,omitempty"`
	IdleFor   string     `json:"idle_for,omitempty"`
}

type V1Sample struct {
	At  string  `json:"at"`
	CPU float64 `json:"cpu"`
}

type V1OKResponse struct {
	OK bool `json:"ok"`
}

func sessionToV1(s models.Session) V1Session {
	return V1Session{
		ID:             s.ID,
		Owner:          s.Owner,
		Project:        s.Project,
		Name:           s.Name,
		SoftwareStack:  s.SoftwareStack,
		State:          string(s.State),
		InstanceID:     s.InstanceID,
		PrivateIP:      s.PrivateIP,
		Hostname:       s.Hostname,
		Hibernate:      s.Hibernate,
		IdleAction:     s.IdleAction,
		Schedule:       s.Schedule,
		StopReason:     string(s.StopReason),
		FailureReason:  s.FailureReason,
		CreatedAt:      formatTime(s.CreatedAt),
		StateChangedAt: formatTime(s.StateChangedAt),
		BootedAt:       formatTime(s.BootedAt),
	}
}

func eventToV1(ev models.Event) V1Event {
	return V1Event{
		ID:        ev.ID,
		Timestamp: formatTime(ev.Timestamp),
		Kind:      ev.Kind,
		SessionID: ev.SessionID,
		TaskID:    ev.TaskID,
		Message:   ev.Message,
		JSON:      ev.JSON,
	}
}

func taskToV1(task models.DirectoryTask) V1Task {
	return V1Task{
		ID:             task.ID,
		Type:           string(task.Type),
		Status:         string(task.Status),
		IdempotencyKey: task.IdempotencyKey,
		Attempts:       task.Attempts,
		MaxAttempts:    task.MaxAttempts,
		EnqueuedAt:     formatTime(task.EnqueuedAt),
		VisibleAt:      formatTime(task.VisibleAt),
		LastError:      task.LastError,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
