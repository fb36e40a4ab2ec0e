// ABOUTME: Package testing provides shared test utilities and helper functions for vdilab.
//
// This package contains test helpers, factory functions for creating test data,
// and fakes that promote consistent testing patterns across the vdilab codebase.
//
// Key utilities:
//   - Model factories: NewTestSession, NewTestTask, NewTestProfile
//   - Test helpers: TempFile, MkdirTempInDir, AssertJSONEqual, ParseTime
//   - Fakes: FakeDirectory (directory.Client)
//   - Test constants: FixedTime, TestOwner, TestProject
//
// The package must not import internal/db; db tests depend on it.
package testing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdilab/vdilab/internal/models"
)

// FixedTime is a fixed timestamp for deterministic tests.
var FixedTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// Common test constants used across the test suite.
const (
	TestOwner   = "alice"
	TestProject = "genomics"
	TestStack   = "ami-0desktop"
)

// AssertJSONEqual asserts that two JSON values are semantically equal.
//
// This helper marshals both values to JSON and then compares the resulting
// JSON objects semantically, ignoring differences in whitespace and key order.
func AssertJSONEqual(t *testing.T, want, got any, msgAndArgs ...interface{}) {
	t.Helper()
	wantBytes, err := json.Marshal(want)
	require.NoError(t, err, "failed to marshal 'want' to JSON")
	gotBytes, err := json.Marshal(got)
	require.NoError(t, err, "failed to marshal 'got' to JSON")

	var wantAny, gotAny any
	require.NoError(t, json.Unmarshal(wantBytes, &wantAny), "failed to unmarshal 'want'")
	require.NoError(t, json.Unmarshal(gotBytes, &gotAny), "failed to unmarshal 'got'")

	assert.Equal(t, wantAny, gotAny, msgAndArgs...)
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "testfile")
	err := os.WriteFile(path, []byte(content), 0o644)
	require.NoError(t, err, "failed to write temp file")
	return path
}

// WriteFile writes content to name under dir and returns the full path.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644), "failed to write %s", name)
	return path
}

// MkdirTempInDir creates a temporary directory under the given parent directory.
//
// Unlike t.TempDir(), which doesn't allow specifying the parent, this function
// creates a temporary directory as a subdirectory of parentDir. The directory
// is automatically cleaned up when the test completes.
func MkdirTempInDir(t *testing.T, parentDir string) string {
	t.Helper()
	path, err := os.MkdirTemp(parentDir, "testdir*")
	require.NoError(t, err, "failed to create temp dir")
	t.Cleanup(func() {
		_ = os.RemoveAll(path)
	})
	return path
}

// ParseTime parses an RFC3339 timestamp or fails the test.
func ParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err, "failed to parse time %q", s)
	return ts
}

// RequireNoError is a thin wrapper around require.NoError that adds t.Helper().
func RequireNoError(t *testing.T, err error, msgAndArgs ...interface{}) {
	t.Helper()
	require.NoError(t, err, msgAndArgs...)
}

// RequireEqual is a thin wrapper around require.Equal that adds t.Helper().
func RequireEqual(t *testing.T, expected, actual any, msgAndArgs ...interface{}) {
	t.Helper()
	require.Equal(t, expected, actual, msgAndArgs...)
}

// ============================================================================
// Model Factory Functions
// ============================================================================

// SessionOpts holds optional parameters for creating test sessions.
// Empty fields use the defaults defined in NewTestSession.
type SessionOpts struct {
	ID         string
	Owner      string
	Project    string
	State      models.SessionState
	InstanceID string
	Hibernate  bool
	IdleAction models.IdleAction
	Schedule   models.Schedule
	CreatedAt  time.Time
}

// NewTestSession creates a session with sensible defaults.
// The returned session has no version; stores assign one on create.
func NewTestSession(opts SessionOpts) models.Session {
	session := models.Session{
		ID:            opts.ID,
		Owner:         opts.Owner,
		Project:       opts.Project,
		Name:          "desktop",
		SoftwareStack: TestStack,
		State:         opts.State,
		InstanceID:    opts.InstanceID,
		Hibernate:     opts.Hibernate,
		IdleAction:    opts.IdleAction,
		Schedule:      opts.Schedule,
		CreatedAt:     opts.CreatedAt,
	}
	if session.Owner == "" {
		session.Owner = TestOwner
	}
	if session.Project == "" {
		session.Project = TestProject
	}
	if session.State == "" {
		session.State = models.SessionCreating
	}
	if session.IdleAction == "" {
		session.IdleAction = models.IdleActionStop
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = FixedTime
	}
	session.StateChangedAt = session.CreatedAt
	session.UpdatedAt = session.CreatedAt
	return session
}

// TaskOpts holds optional parameters for creating test tasks.
type TaskOpts struct {
	Type           models.TaskType
	Payload        string
	IdempotencyKey string
	MaxAttempts    int
	VisibleAt      time.Time
}

// NewTestTask creates a pending directory task with sensible defaults.
func NewTestTask(opts TaskOpts) models.DirectoryTask {
	task := models.DirectoryTask{
		Type:           opts.Type,
		IdempotencyKey: opts.IdempotencyKey,
		Status:         models.TaskPending,
		MaxAttempts:    opts.MaxAttempts,
		EnqueuedAt:     FixedTime,
		VisibleAt:      opts.VisibleAt,
	}
	if task.Type == "" {
		task.Type = models.TaskJoinComputer
	}
	if opts.Payload != "" {
		task.Payload = json.RawMessage(opts.Payload)
	}
	if task.MaxAttempts == 0 {
		task.MaxAttempts = 5
	}
	if task.VisibleAt.IsZero() {
		task.VisibleAt = FixedTime
	}
	return task
}

// NewTestProfile creates a permission profile that allows TestOwner in TestProject.
func NewTestProfile(project string, owners ...string) models.PermissionProfile {
	if project == "" {
		project = TestProject
	}
	if len(owners) == 0 {
		owners = []string{TestOwner}
	}
	return models.PermissionProfile{
		Project:             project,
		AllowedOwners:       owners,
		MaxSessionsPerOwner: 2,
	}
}
