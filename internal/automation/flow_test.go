package automation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdilab/vdilab/internal/lifecycle"
	"github.com/vdilab/vdilab/internal/models"
	"github.com/vdilab/vdilab/internal/provisioning"
	"github.com/vdilab/vdilab/internal/taskqueue"
	testutil "github.com/vdilab/vdilab/internal/testing"
)

// TestSessionJoinFlow drives a session from launch to READY through the
// dispatcher, then terminates it and checks the computer is removed.
func TestSessionJoinFlow(t *testing.T) {
	h := newAgentHarness(t)
	ctx := context.Background()

	dispatcher := taskqueue.New(h.store, taskqueue.DefaultConfig(), nil).WithEvents(h.store)
	profiles, err := lifecycle.NewProfileSet(testutil.NewTestProfile(""))
	require.NoError(t, err)
	ctrl := lifecycle.NewController(h.store, provisioning.NewFakeBackend(), dispatcher, nil).
		WithAuthorizer(profiles).
		WithHostnamePrefix("VDI-")
	agent := NewAgent(h.store, h.dir, ctrl, testAutomationConfig(), nil).
		WithDirectoryConfig(testDirectoryConfig).
		WithSealer(newTestSealer(t))
	require.NoError(t, agent.Register(dispatcher))

	session, err := ctrl.CreateSession(ctx, lifecycle.SessionSpec{
		Owner:         testutil.TestOwner,
		Project:       testutil.TestProject,
		SoftwareStack: testutil.TestStack,
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.OnInstanceReachableWithToken(ctx, session.ID, "10.1.0.4", "join-secret"))

	n, err := dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := ctrl.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionReady, got.State)
	hostname, err := Hostname("VDI-", session.ID)
	require.NoError(t, err)
	assert.Equal(t, hostname, got.Hostname)

	entry, err := agent.ConsumeProvisioningEntry(ctx, "join-secret", session.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, hostname, entry.Hostname)

	require.NoError(t, ctrl.Terminate(ctx, session.ID))
	n, err = dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, h.dir.Computers())

	tasks, err := h.store.ListTasks(ctx, models.TaskPending, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}
