package automation

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdilab/vdilab/internal/config"
	"github.com/vdilab/vdilab/internal/db"
	"github.com/vdilab/vdilab/internal/directory"
	"github.com/vdilab/vdilab/internal/models"
	"github.com/vdilab/vdilab/internal/taskqueue"
	testutil "github.com/vdilab/vdilab/internal/testing"
)

type joinOutcome struct {
	SessionID string
	Hostname  string
	Reason    string
}

type recordingNotifier struct {
	mu        sync.Mutex
	confirmed []joinOutcome
	failed    []joinOutcome
}

func (n *recordingNotifier) OnJoinConfirmed(_ context.Context, sessionID, hostname string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmed = append(n.confirmed, joinOutcome{SessionID: sessionID, Hostname: hostname})
	return nil
}

func (n *recordingNotifier) OnJoinFailed(_ context.Context, sessionID, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, joinOutcome{SessionID: sessionID, Reason: reason})
	return nil
}

var testDirectoryConfig = directory.Config{
	Provider:    directory.ProviderActiveDirectory,
	URI:         "ldap://dc1.corp.example.com",
	BaseDN:      "dc=corp,dc=example,dc=com",
	ComputersOU: "VDI",
}

func testAutomationConfig() config.AutomationConfig {
	return config.AutomationConfig{
		ServiceAccountUsername: "svc-vdi",
		PasswordMaxAge:         42 * 24 * time.Hour,
		RotationEnabled:        true,
		RotationSchedule:       "@every 1h",
		RotationStaleAfter:     15 * time.Minute,
		HostnamePrefix:         "VDI-",
		EntryTTL:               30 * time.Minute,
		PurgeSchedule:          "@every 10m",
	}
}

type agentHarness struct {
	store    *db.Store
	dir      *testutil.FakeDirectory
	notifier *recordingNotifier
	creds    *directory.MemoryCredentials
	agent    *Agent
	now      time.Time
}

func newAgentHarness(t *testing.T) *agentHarness {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "vdilab.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &agentHarness{
		store:    store,
		dir:      testutil.NewFakeDirectory(),
		notifier: &recordingNotifier{},
		creds:    directory.NewMemoryCredentials(directory.Credentials{}),
		now:      testutil.FixedTime,
	}
	h.agent = NewAgent(store, h.dir, h.notifier, testAutomationConfig(), nil).
		WithDirectoryConfig(testDirectoryConfig).
		WithCredentials(h.creds).
		WithSealer(newTestSealer(t)).
		WithClock(func() time.Time { return h.now })
	return h
}

func joinTask(t *testing.T, p models.JoinComputerPayload, attempts, maxAttempts int) models.DirectoryTask {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	task := testutil.NewTestTask(testutil.TaskOpts{
		Type:        models.TaskJoinComputer,
		Payload:     string(raw),
		MaxAttempts: maxAttempts,
	})
	task.ID = db.NewID()
	task.Attempts = attempts
	return task
}

func TestHostname(t *testing.T) {
	t.Parallel()
	name, err := Hostname("VDI-", "01HZX3J8Q4K2V6M9T0N5R7W1YB")
	require.NoError(t, err)
	assert.Len(t, name, 15)
	assert.True(t, strings.HasPrefix(name, "VDI-"))
	assert.Equal(t, strings.ToUpper(name), name)

	again, err := Hostname("vdi-", "01HZX3J8Q4K2V6M9T0N5R7W1YB")
	require.NoError(t, err)
	assert.Equal(t, name, again)

	other, err := Hostname("VDI-", "01HZX3J8Q4K2V6M9T0N5R7W1YC")
	require.NoError(t, err)
	assert.NotEqual(t, name, other)

	long, err := Hostname("RESEARCH-DESKTOPS-", "session")
	require.NoError(t, err)
	assert.Len(t, long, 15)
	assert.True(t, strings.HasPrefix(long, "RESEARCH-DE"))

	bare, err := Hostname("", "session")
	require.NoError(t, err)
	assert.Len(t, bare, 15)

	_, err = Hostname("VDI_", "session")
	var validation *directory.ValidationError
	assert.ErrorAs(t, err, &validation)
	_, err = Hostname("VDI-", "")
	assert.ErrorAs(t, err, &validation)
}

func TestGenerateOTP(t *testing.T) {
	t.Parallel()
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		otp, err := GenerateOTP()
		require.NoError(t, err)
		require.Len(t, otp, 120)
		assert.Contains(t, lettersUpper+lettersLower, otp[:1])
		assert.False(t, seen[otp])
		seen[otp] = true
	}
}

func TestGeneratePassword(t *testing.T) {
	t.Parallel()
	pw, err := GeneratePassword()
	require.NoError(t, err)
	assert.Len(t, pw, 32)
	assert.True(t, strings.ContainsAny(pw, lettersUpper))
	assert.True(t, strings.ContainsAny(pw, lettersLower))
	assert.True(t, strings.ContainsAny(pw, digits))
	assert.True(t, strings.ContainsAny(pw, symbols))
}

func TestHandleJoinCreatesComputerAndEntry(t *testing.T) {
	h := newAgentHarness(t)
	ctx := context.Background()
	sessionID := db.NewID()
	task := joinTask(t, models.JoinComputerPayload{SessionID: sessionID, InstanceID: "i-00000001", JoinToken: "tok-1"}, 1, 5)

	require.NoError(t, h.agent.HandleJoin(ctx, task))

	computers := h.dir.Computers()
	require.Len(t, computers, 1)
	hostname, err := Hostname("VDI-", sessionID)
	require.NoError(t, err)
	assert.Equal(t, hostname, computers[0].Hostname)
	assert.Equal(t, sessionID, computers[0].Description)
	assert.Equal(t, testDirectoryConfig.ComputersBase(), computers[0].OU)
	assert.Len(t, computers[0].OTP, 120)

	require.Len(t, h.notifier.confirmed, 1)
	assert.Equal(t, hostname, h.notifier.confirmed[0].Hostname)

	_, err = h.agent.ConsumeProvisioningEntry(ctx, "tok-1", "i-99999999")
	assert.ErrorIs(t, err, ErrEntryUnavailable)

	entry, err := h.agent.ConsumeProvisioningEntry(ctx, "tok-1", "i-00000001")
	require.NoError(t, err)
	assert.Equal(t, computers[0].OTP, entry.OTP)
	assert.Equal(t, "dc1.corp.example.com", entry.DomainController)
	assert.Equal(t, hostname, entry.Hostname)

	_, err = h.agent.ConsumeProvisioningEntry(ctx, "tok-1", "i-00000001")
	assert.ErrorIs(t, err, ErrEntryUnavailable)
}

func TestHandleJoinIsIdempotent(t *testing.T) {
	h := newAgentHarness(t)
	ctx := context.Background()
	sessionID := db.NewID()
	payload := models.JoinComputerPayload{SessionID: sessionID, InstanceID: "i-00000002"}

	require.NoError(t, h.agent.HandleJoin(ctx, joinTask(t, payload, 1, 5)))
	require.NoError(t, h.agent.HandleJoin(ctx, joinTask(t, payload, 2, 5)))

	assert.Equal(t, 1, h.dir.Calls("preset"))
	assert.Len(t, h.dir.Computers(), 1)
	entries, err := h.store.ListProvisioningEntries(ctx, sessionID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	require.Len(t, h.notifier.confirmed, 2)
	assert.Equal(t, h.notifier.confirmed[0].Hostname, h.notifier.confirmed[1].Hostname)
}

func TestHandleJoinReplacesComputerWithoutEntry(t *testing.T) {
	h := newAgentHarness(t)
	ctx := context.Background()
	sessionID := db.NewID()
	hostname, err := Hostname("VDI-", sessionID)
	require.NoError(t, err)
	h.dir.AddComputer(testutil.FakeComputer{Hostname: hostname, OU: testDirectoryConfig.ComputersBase(), Description: sessionID, OTP: "stale-otp"})

	payload := models.JoinComputerPayload{SessionID: sessionID, InstanceID: "i-00000003", JoinToken: "tok-3"}
	require.NoError(t, h.agent.HandleJoin(ctx, joinTask(t, payload, 2, 5)))

	assert.Equal(t, 1, h.dir.Calls("delete-computer"))
	assert.Equal(t, 1, h.dir.Calls("preset"))
	computers := h.dir.Computers()
	require.Len(t, computers, 1)
	assert.Equal(t, hostname, computers[0].Hostname)
	assert.NotEqual(t, "stale-otp", computers[0].OTP)
	require.Len(t, h.notifier.confirmed, 1)
	assert.Equal(t, hostname, h.notifier.confirmed[0].Hostname)

	entry, err := h.agent.ConsumeProvisioningEntry(ctx, "tok-3", "i-00000003")
	require.NoError(t, err)
	assert.Equal(t, computers[0].OTP, entry.OTP)
	assert.Equal(t, hostname, entry.Hostname)
}

func TestHandleJoinAfterConsumeKeepsComputer(t *testing.T) {
	h := newAgentHarness(t)
	ctx := context.Background()
	sessionID := db.NewID()
	payload := models.JoinComputerPayload{SessionID: sessionID, InstanceID: "i-00000005", JoinToken: "tok-5"}

	require.NoError(t, h.agent.HandleJoin(ctx, joinTask(t, payload, 1, 5)))
	_, err := h.agent.ConsumeProvisioningEntry(ctx, "tok-5", "i-00000005")
	require.NoError(t, err)
	otp := h.dir.Computers()[0].OTP

	require.NoError(t, h.agent.HandleJoin(ctx, joinTask(t, payload, 2, 5)))
	assert.Equal(t, 0, h.dir.Calls("delete-computer"))
	assert.Equal(t, 1, h.dir.Calls("preset"))
	computers := h.dir.Computers()
	require.Len(t, computers, 1)
	assert.Equal(t, otp, computers[0].OTP)
	require.Len(t, h.notifier.confirmed, 2)
}

func TestHandleJoinForeignComputerFailsImmediately(t *testing.T) {
	h := newAgentHarness(t)
	ctx := context.Background()
	sessionID := db.NewID()
	hostname, err := Hostname("VDI-", sessionID)
	require.NoError(t, err)
	h.dir.AddComputer(testutil.FakeComputer{Hostname: hostname, Description: "someone-else"})

	err = h.agent.HandleJoin(ctx, joinTask(t, models.JoinComputerPayload{SessionID: sessionID, InstanceID: "i-4"}, 1, 5))
	require.Error(t, err)
	var p interface{ Permanent() bool }
	require.ErrorAs(t, err, &p)
	assert.True(t, p.Permanent())
	assert.Empty(t, h.notifier.confirmed)
	require.Len(t, h.notifier.failed, 1)
	assert.Contains(t, h.notifier.failed[0].Reason, "another session")
}

func TestHandleJoinTransientFailureReportsOnFinalAttempt(t *testing.T) {
	h := newAgentHarness(t)
	ctx := context.Background()
	sessionID := db.NewID()
	h.dir.SetError("preset", &directory.TransientDirectoryError{Op: "add", Err: errors.New("server busy")})
	payload := models.JoinComputerPayload{SessionID: sessionID, InstanceID: "i-5"}

	err := h.agent.HandleJoin(ctx, joinTask(t, payload, 1, 3))
	require.Error(t, err)
	assert.True(t, directory.IsRetryable(err))
	assert.Empty(t, h.notifier.failed)

	err = h.agent.HandleJoin(ctx, joinTask(t, payload, 3, 3))
	require.Error(t, err)
	require.Len(t, h.notifier.failed, 1)
	assert.Equal(t, sessionID, h.notifier.failed[0].SessionID)

	h.dir.SetError("preset", nil)
	require.NoError(t, h.agent.HandleJoin(ctx, joinTask(t, payload, 1, 3)))
}

func TestHandleJoinPoisonPayload(t *testing.T) {
	h := newAgentHarness(t)
	task := joinTask(t, models.JoinComputerPayload{}, 1, 5)
	assert.ErrorIs(t, h.agent.HandleJoin(context.Background(), task), taskqueue.ErrPoisonTask)

	task.Payload = json.RawMessage(`{not json`)
	assert.ErrorIs(t, h.agent.HandleJoin(context.Background(), task), taskqueue.ErrPoisonTask)
}

func TestHandleDeleteComputer(t *testing.T) {
	h := newAgentHarness(t)
	ctx := context.Background()
	h.dir.AddComputer(testutil.FakeComputer{Hostname: "VDI-0A1B2C3D4E5", Description: "s-1"})

	raw, err := json.Marshal(models.DeleteComputerPayload{SessionID: "s-1", Hostname: "VDI-0A1B2C3D4E5"})
	require.NoError(t, err)
	task := testutil.NewTestTask(testutil.TaskOpts{Type: models.TaskDeleteComputer, Payload: string(raw)})

	require.NoError(t, h.agent.HandleDeleteComputer(ctx, task))
	assert.Empty(t, h.dir.Computers())
	// Already gone is still success.
	require.NoError(t, h.agent.HandleDeleteComputer(ctx, task))
}

func TestPurgeExpiredEntries(t *testing.T) {
	h := newAgentHarness(t)
	ctx := context.Background()
	require.NoError(t, h.agent.HandleJoin(ctx, joinTask(t, models.JoinComputerPayload{SessionID: db.NewID(), InstanceID: "i-6"}, 1, 5)))

	n, err := h.agent.PurgeExpiredEntries(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.now = h.now.Add(31 * time.Minute)
	n, err = h.agent.PurgeExpiredEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
