// ABOUTME: This file provides a deterministic in-memory provisioning backend for tests.
// It implements Backend and Telemetry and records every call for assertions.
package provisioning

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeBackend implements Backend and Telemetry with in-memory state.
// It is deterministic and safe for concurrent use.
type FakeBackend struct {
	mu        sync.Mutex
	instances map[string]*fakeInstance
	nextSeq   int
	calls     map[string]int
	errs      map[string]error
	now       func() time.Time

	// AsyncTerminate leaves Terminate unconfirmed so callers wait for a callback.
	AsyncTerminate bool
	// StopDelay, LaunchDelay and TerminateDelay block the call until the
	// delay passes or ctx is cancelled.
	StopDelay      time.Duration
	LaunchDelay    time.Duration
	TerminateDelay time.Duration
}

type fakeInstance struct {
	id              string
	spec            LaunchSpec
	state           InstanceState
	hibernated      bool
	bootedAt        time.Time
	cpu             float64
	lastInteraction time.Time
}

// NewFakeBackend returns a FakeBackend with empty state.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		instances: make(map[string]*fakeInstance),
		nextSeq:   1,
		calls:     make(map[string]int),
		errs:      make(map[string]error),
		now:       time.Now,
	}
}

// SetClock replaces the clock used for boot times and uptime.
func (b *FakeBackend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	b.now = now
}

// FailNext makes the next call to op ("launch", "stop", "start", "terminate", "cpu") return err.
func (b *FakeBackend) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs[op] = err
}

// Calls returns how many times op was invoked.
func (b *FakeBackend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// State returns the instance state, or false if the instance is unknown.
func (b *FakeBackend) State(instanceID string) (InstanceState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instances[instanceID]
	if !ok {
		return "", false
	}
	return inst.state, true
}

// Hibernated reports whether the last stop of the instance hibernated it.
func (b *FakeBackend) Hibernated(instanceID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instances[instanceID]
	return ok && inst.hibernated
}

// SetCPU sets the CPU utilization reported for the instance.
func (b *FakeBackend) SetCPU(instanceID string, percent float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if inst, ok := b.instances[instanceID]; ok {
		inst.cpu = percent
	}
}

// SetBootedAt overrides the boot time used for uptime.
func (b *FakeBackend) SetBootedAt(instanceID string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if inst, ok := b.instances[instanceID]; ok {
		inst.bootedAt = at
	}
}

// SetLastInteraction records a user interaction for the instance.
func (b *FakeBackend) SetLastInteraction(instanceID string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if inst, ok := b.instances[instanceID]; ok {
		inst.lastInteraction = at
	}
}

func (b *FakeBackend) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	b.mu.Lock()
	delay := b.LaunchDelay
	if err := b.record("launch"); err != nil {
		b.mu.Unlock()
		return "", err
	}
	b.mu.Unlock()
	if err := sleepCtx(ctx, delay); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	id := fmt.Sprintf("i-%08d", b.nextSeq)
	b.nextSeq++
	b.instances[id] = &fakeInstance{
		id:       id,
		spec:     spec,
		state:    InstanceRunning,
		bootedAt: b.now(),
	}
	return id, nil
}

func (b *FakeBackend) Stop(ctx context.Context, instanceID string, hibernate bool) error {
	b.mu.Lock()
	delay := b.StopDelay
	if err := b.record("stop"); err != nil {
		b.mu.Unlock()
		return err
	}
	b.mu.Unlock()
	if err := sleepCtx(ctx, delay); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instances[instanceID]
	if !ok || inst.state == InstanceTerminated {
		return ErrInstanceNotFound
	}
	inst.hibernated = hibernate
	if hibernate {
		inst.state = InstanceHibernated
	} else {
		inst.state = InstanceStopped
	}
	return nil
}

func (b *FakeBackend) Start(_ context.Context, instanceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("start"); err != nil {
		return err
	}
	inst, ok := b.instances[instanceID]
	if !ok || inst.state == InstanceTerminated {
		return ErrInstanceNotFound
	}
	inst.state = InstanceRunning
	inst.bootedAt = b.now()
	return nil
}

func (b *FakeBackend) Terminate(ctx context.Context, instanceID string) (TerminateResult, error) {
	b.mu.Lock()
	delay := b.TerminateDelay
	if err := b.record("terminate"); err != nil {
		b.mu.Unlock()
		return TerminateResult{}, err
	}
	b.mu.Unlock()
	if err := sleepCtx(ctx, delay); err != nil {
		return TerminateResult{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instances[instanceID]
	if !ok || inst.state == InstanceTerminated {
		return TerminateResult{}, ErrInstanceNotFound
	}
	inst.state = InstanceTerminated
	return TerminateResult{Confirmed: !b.AsyncTerminate}, nil
}

func (b *FakeBackend) CPUUtilization(_ context.Context, instanceID string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("cpu"); err != nil {
		return 0, err
	}
	inst, ok := b.instances[instanceID]
	if !ok {
		return 0, ErrInstanceNotFound
	}
	if inst.state != InstanceRunning {
		return 0, ErrNoTelemetry
	}
	return inst.cpu, nil
}

func (b *FakeBackend) Uptime(_ context.Context, instanceID string) (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instances[instanceID]
	if !ok {
		return 0, ErrInstanceNotFound
	}
	if inst.state != InstanceRunning {
		return 0, nil
	}
	return b.now().Sub(inst.bootedAt), nil
}

func (b *FakeBackend) LastInteraction(_ context.Context, instanceID string) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instances[instanceID]
	if !ok {
		return time.Time{}, ErrInstanceNotFound
	}
	return inst.lastInteraction, nil
}

// record counts a call and returns a pending injected error. Callers hold b.mu.
func (b *FakeBackend) record(op string) error {
	b.calls[op]++
	if err, ok := b.errs[op]; ok {
		delete(b.errs, op)
		return err
	}
	return nil
}

var (
	_ Backend   = (*FakeBackend)(nil)
	_ Telemetry = (*FakeBackend)(nil)
)

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
