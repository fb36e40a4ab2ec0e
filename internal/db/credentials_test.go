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

func TestCredentialRotationFlag(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.UpsertServiceCredential(ctx, models.ServiceCredential{
		Username:        "svc-vdi",
		Secret:          "sealed-1",
		PasswordLastSet: now.Add(-40 * 24 * time.Hour),
		MaxAge:          42 * 24 * time.Hour,
	}))

	require.NoError(t, store.BeginCredentialRotation(ctx, "svc-vdi", now, now.Add(-10*time.Minute)))
	err := store.BeginCredentialRotation(ctx, "svc-vdi", now.Add(time.Second), now.Add(-10*time.Minute))
	assert.True(t, errors.Is(err, ErrRotationInProgress))

	cred, err := store.CompleteCredentialRotation(ctx, "svc-vdi", "sealed-2", now)
	require.NoError(t, err)
	assert.Equal(t, 1, cred.Generation)
	assert.Equal(t, "sealed-2", cred.Secret)
	assert.False(t, cred.RotationInProgress)
	assert.Equal(t, 42*24*time.Hour, cred.MaxAge)
	assert.WithinDuration(t, now.Add(42*24*time.Hour), cred.ExpiresAt(), time.Millisecond)

	_, err = store.CompleteCredentialRotation(ctx, "svc-vdi", "sealed-3", now)
	assert.Error(t, err, "completion requires the flag")

	err = store.BeginCredentialRotation(ctx, "missing", now, now)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCredentialRotationStaleTakeover(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.UpsertServiceCredential(ctx, models.ServiceCredential{Username: "svc", Secret: "s"}))
	require.NoError(t, store.BeginCredentialRotation(ctx, "svc", now, now.Add(-time.Hour)))

	later := now.Add(2 * time.Hour)
	require.NoError(t, store.BeginCredentialRotation(ctx, "svc", later, later.Add(-time.Hour)), "stale flag can be taken over")

	require.NoError(t, store.AbortCredentialRotation(ctx, "svc"))
	cred, err := store.GetServiceCredential(ctx, "svc")
	require.NoError(t, err)
	assert.False(t, cred.RotationInProgress)
	assert.Equal(t, 0, cred.Generation)
}

func TestEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.RecordEvent(ctx, models.Event{Kind: "session.state", SessionID: "s1", Message: "READY"})
	require.NoError(t, err)
	_, err = store.RecordEvent(ctx, models.Event{Kind: "task.dead", TaskID: "t1"})
	require.NoError(t, err)
	_, err = store.RecordEvent(ctx, models.Event{})
	assert.Error(t, err)

	events, err := store.ListEventsBySession(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "READY", events[0].Message)

	dead, err := store.ListEventsByKind(ctx, "task.dead", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "t1", dead[0].TaskID)
}
