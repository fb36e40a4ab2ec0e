package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdilab/vdilab/internal/models"
)

func newSession(owner string) *models.Session {
	return &models.Session{
		Owner:         owner,
		Project:       "genomics",
		Name:          "analysis",
		SoftwareStack: "ami-0abc",
		State:         models.SessionCreating,
		Schedule: models.Schedule{
			"monday": {Type: models.ScheduleWorkingHours},
		},
	}
}

func TestCreateAndGetSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	session := newSession("alice")
	require.NoError(t, store.CreateSession(ctx, session))
	require.NotEmpty(t, session.ID)
	assert.Equal(t, int64(1), session.Version)

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, models.SessionCreating, got.State)
	assert.Equal(t, models.IdleActionStop, got.IdleAction)
	assert.Equal(t, models.ScheduleWorkingHours, got.Schedule.Day(time.Monday).Type)
	assert.Equal(t, models.ScheduleNone, got.Schedule.Day(time.Tuesday).Type)
	assert.True(t, got.BootedAt.IsZero())

	_, err = store.GetSession(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpdateSessionVersionConflict(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	session := newSession("bob")
	require.NoError(t, store.CreateSession(ctx, session))

	stale := *session
	session.State = models.SessionProvisioning
	session.InstanceID = "i-123"
	require.NoError(t, store.UpdateSession(ctx, session))
	assert.Equal(t, int64(2), session.Version)

	stale.State = models.SessionError
	err := store.UpdateSession(ctx, &stale)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVersionConflict))

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionProvisioning, got.State)
	assert.Equal(t, "i-123", got.InstanceID)

	missing := &models.Session{ID: "nope", Version: 1, State: models.SessionReady}
	assert.True(t, errors.Is(store.UpdateSession(ctx, missing), ErrNotFound))
}

func TestListSessionsByStateAndCount(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ready := newSession("carol")
	ready.State = models.SessionReady
	require.NoError(t, store.CreateSession(ctx, ready))

	deleted := newSession("carol")
	deleted.State = models.SessionDeleted
	require.NoError(t, store.CreateSession(ctx, deleted))

	stopped := newSession("dave")
	stopped.State = models.SessionStoppedIdle
	require.NoError(t, store.CreateSession(ctx, stopped))

	got, err := store.ListSessionsByState(ctx, models.SessionReady, models.SessionStoppedIdle)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	all, err := store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	count, err := store.CountLiveSessions(ctx, "carol", "genomics")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestFormatTimeIsFixedWidth(t *testing.T) {
	a := formatTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	b := formatTime(time.Date(2024, 1, 1, 0, 0, 0, 500, time.UTC))
	assert.Equal(t, len(a), len(b))
	assert.Less(t, a, b)

	parsed, err := parseTime(b)
	require.NoError(t, err)
	assert.Equal(t, 500, parsed.Nanosecond())
}
