// Package provisioning provides the compute abstraction used by the session controller.
//
// ABOUTME: This package defines the Backend interface for launching, stopping, starting and
// terminating desktop instances, plus the Telemetry interface consumed by the idle monitor.
// Two implementations ship with vdilab: ShellBackend (an operator-provided provisioning
// command) and FakeBackend (deterministic in-memory state for tests and local runs).
//
// ABOUTME: Backends only report what the provisioning API confirms. Session state lives in the
// lifecycle controller; asynchronous confirmations arrive through its callback methods.
package provisioning

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInstanceNotFound is returned when the provisioning API does not know the instance.
	// ABOUTME: Terminate treats this as already terminated.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrProvisioningTimeout is returned when a provisioning call exceeds its deadline.
	ErrProvisioningTimeout = errors.New("provisioning timeout")

	// ErrNoTelemetry is returned when the backend has no sample for the instance yet.
	ErrNoTelemetry = errors.New("telemetry unavailable")
)

// InstanceState is the backend-reported power state of an instance.
type InstanceState string

const (
	InstancePending    InstanceState = "pending"
	InstanceRunning    InstanceState = "running"
	InstanceStopped    InstanceState = "stopped"
	InstanceHibernated InstanceState = "hibernated"
	InstanceTerminated InstanceState = "terminated"
)

// LaunchSpec describes the instance to launch for a session.
type LaunchSpec struct {
	SessionID     string
	Owner         string
	Project       string
	Name          string
	SoftwareStack string
	Hibernate     bool
}

// TerminateResult reports whether termination completed synchronously.
// ABOUTME: When Confirmed is false the backend calls back later and the session stays DELETING.
type TerminateResult struct {
	Confirmed bool
}

// Backend defines the provisioning operations the session controller needs.
type Backend interface {
	// Launch requests a new instance and returns its identifier.
	// ABOUTME: Launch returns once the request is accepted; reachability is reported later.
	Launch(ctx context.Context, spec LaunchSpec) (string, error)

	// Stop powers off the instance, or hibernates it when hibernate is true.
	Stop(ctx context.Context, instanceID string, hibernate bool) error

	// Start boots a stopped or hibernated instance.
	// ABOUTME: Boot completion is confirmed asynchronously through OnBootConfirmed.
	Start(ctx context.Context, instanceID string) error

	// Terminate destroys the instance.
	// ABOUTME: Returns ErrInstanceNotFound if the instance is already gone.
	Terminate(ctx context.Context, instanceID string) (TerminateResult, error)
}

// Telemetry exposes the instance signals used by the idle monitor.
type Telemetry interface {
	// CPUUtilization returns the average CPU utilization in percent (0-100) over the
	// most recent sampling period.
	CPUUtilization(ctx context.Context, instanceID string) (float64, error)

	// Uptime returns how long the instance has been running since its last boot.
	Uptime(ctx context.Context, instanceID string) (time.Duration, error)

	// LastInteraction returns the last time a user interacted with the desktop.
	// ABOUTME: The zero time means no interaction was observed.
	LastInteraction(ctx context.Context, instanceID string) (time.Time, error)
}

// IsTimeout reports whether err is a provisioning deadline failure.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrProvisioningTimeout) || errors.Is(err, context.DeadlineExceeded)
}
