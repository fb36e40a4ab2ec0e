// ABOUTME: This file implements Backend and Telemetry by invoking an operator-provided
// provisioning command. Each operation maps to a subcommand; structured replies are JSON on stdout.
package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandRunner defines the interface for executing the provisioning command.
// ABOUTME: This abstraction lets tests replace os/exec with a scripted runner.
type CommandRunner interface {
	// Run executes a command with the given name and arguments and returns stdout.
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		fullCmd := strings.Join(append([]string{name}, args...), " ")
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg != "" {
			return "", fmt.Errorf("command %s failed: %w: %s", fullCmd, err, errMsg)
		}
		return "", fmt.Errorf("command %s failed: %w", fullCmd, err)
	}
	return stdout.String(), nil
}

// ShellBackend implements Backend and Telemetry with a provisioning command.
//
// The command receives a subcommand and arguments:
//
//	launch --session ID --owner O --project P --name N --stack S [--hibernate]   -> {"instance_id": "..."}
//	stop ID [--hibernate]
//	start ID
//	terminate ID                                                                -> {"confirmed": true}
//	telemetry ID                                                                -> {"cpu_percent": 3.5, "uptime_seconds": 600, "last_interaction": "RFC3339"}
type ShellBackend struct {
	Command        string        // Path to the provisioning command
	Runner         CommandRunner // Command execution strategy (defaults to ExecRunner)
	CommandTimeout time.Duration // Timeout for each invocation
}

var (
	_ Backend   = (*ShellBackend)(nil)
	_ Telemetry = (*ShellBackend)(nil)
)

type launchReply struct {
	InstanceID string `json:"instance_id"`
}

type terminateReply struct {
	Confirmed bool `json:"confirmed"`
}

type telemetryReply struct {
	CPUPercent      *float64 `json:"cpu_percent"`
	UptimeSeconds   float64  `json:"uptime_seconds"`
	LastInteraction string   `json:"last_interaction"`
}

func (b *ShellBackend) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	if strings.TrimSpace(spec.SessionID) == "" {
		return "", errors.New("session id is required")
	}
	args := []string{"launch", "--session", spec.SessionID}
	if spec.Owner != "" {
		args = append(args, "--owner", spec.Owner)
	}
	if spec.Project != "" {
		args = append(args, "--project", spec.Project)
	}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	if spec.SoftwareStack != "" {
		args = append(args, "--stack", spec.SoftwareStack)
	}
	if spec.Hibernate {
		args = append(args, "--hibernate")
	}
	out, err := b.run(ctx, args...)
	if err != nil {
		return "", err
	}
	var reply launchReply
	if err := json.Unmarshal([]byte(out), &reply); err != nil {
		return "", fmt.Errorf("parse launch reply: %w", err)
	}
	if strings.TrimSpace(reply.InstanceID) == "" {
		return "", errors.New("launch reply missing instance_id")
	}
	return reply.InstanceID, nil
}

func (b *ShellBackend) Stop(ctx context.Context, instanceID string, hibernate bool) error {
	args := []string{"stop", instanceID}
	if hibernate {
		args = append(args, "--hibernate")
	}
	_, err := b.run(ctx, args...)
	return err
}

func (b *ShellBackend) Start(ctx context.Context, instanceID string) error {
	_, err := b.run(ctx, "start", instanceID)
	return err
}

func (b *ShellBackend) Terminate(ctx context.Context, instanceID string) (TerminateResult, error) {
	out, err := b.run(ctx, "terminate", instanceID)
	if err != nil {
		return TerminateResult{}, err
	}
	if strings.TrimSpace(out) == "" {
		return TerminateResult{}, nil
	}
	var reply terminateReply
	if err := json.Unmarshal([]byte(out), &reply); err != nil {
		return TerminateResult{}, fmt.Errorf("parse terminate reply: %w", err)
	}
	return TerminateResult{Confirmed: reply.Confirmed}, nil
}

func (b *ShellBackend) CPUUtilization(ctx context.Context, instanceID string) (float64, error) {
	reply, err := b.telemetry(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	if reply.CPUPercent == nil {
		return 0, ErrNoTelemetry
	}
	return *reply.CPUPercent, nil
}

func (b *ShellBackend) Uptime(ctx context.Context, instanceID string) (time.Duration, error) {
	reply, err := b.telemetry(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	return time.Duration(reply.UptimeSeconds * float64(time.Second)), nil
}

func (b *ShellBackend) LastInteraction(ctx context.Context, instanceID string) (time.Time, error) {
	reply, err := b.telemetry(ctx, instanceID)
	if err != nil {
		return time.Time{}, err
	}
	if strings.TrimSpace(reply.LastInteraction) == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, reply.LastInteraction)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last_interaction: %w", err)
	}
	return ts.UTC(), nil
}

func (b *ShellBackend) telemetry(ctx context.Context, instanceID string) (telemetryReply, error) {
	out, err := b.run(ctx, "telemetry", instanceID)
	if err != nil {
		return telemetryReply{}, err
	}
	var reply telemetryReply
	if err := json.Unmarshal([]byte(out), &reply); err != nil {
		return telemetryReply{}, fmt.Errorf("parse telemetry reply: %w", err)
	}
	return reply, nil
}

func (b *ShellBackend) run(ctx context.Context, args ...string) (string, error) {
	if b.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.CommandTimeout)
		defer cancel()
	}
	out, err := b.runner().Run(ctx, b.command(), args...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %s: %v", ErrProvisioningTimeout, args[0], err)
		}
		if isMissingInstanceError(err) {
			return "", fmt.Errorf("%w: %v", ErrInstanceNotFound, err)
		}
		return "", err
	}
	return out, nil
}

func (b *ShellBackend) runner() CommandRunner {
	if b.Runner != nil {
		return b.Runner
	}
	return ExecRunner{}
}

func (b *ShellBackend) command() string {
	if strings.TrimSpace(b.Command) != "" {
		return b.Command
	}
	return "vdi-provision"
}

func isMissingInstanceError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist")
}
