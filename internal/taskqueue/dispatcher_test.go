package taskqueue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdilab/vdilab/internal/db"
	"github.com/vdilab/vdilab/internal/models"
)

type permanentErr struct{}

func (permanentErr) Error() string   { return "malformed dn" }
func (permanentErr) Permanent() bool { return true }

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, *db.Store) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, cfg, logger).WithEvents(store), store
}

// advance moves the dispatcher clock forward.
func advance(d *Dispatcher, by time.Duration) {
	base := d.now()
	d.now = func() time.Time { return base.Add(by) }
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	h := HandlerFunc(func(context.Context, models.DirectoryTask) error { return nil })
	require.NoError(t, d.Register(models.TaskJoinComputer, h))
	err := d.Register(models.TaskJoinComputer, h)
	assert.True(t, errors.Is(err, ErrHandlerExists))
	assert.Error(t, d.Register("", h))
}

func TestEnqueueWithKeyDeduplicates(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})
	ctx := context.Background()

	first, err := d.EnqueueWithKey(ctx, models.TaskJoinComputer, "s1", map[string]string{"session_id": "s1"})
	require.NoError(t, err)
	second, err := d.EnqueueWithKey(ctx, models.TaskJoinComputer, "s1", map[string]string{"session_id": "s1"})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := d.Enqueue(ctx, models.TaskJoinComputer, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestUnregisteredTaskIsPoison(t *testing.T) {
	d, store := newTestDispatcher(t, Config{})
	ctx := context.Background()

	id, err := d.Enqueue(ctx, models.TaskSyncUser, map[string]string{"user": "alice"})
	require.NoError(t, err)

	advance(d, time.Second)
	n, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskDead, task.Status)
	assert.Equal(t, 1, task.Attempts, "poison tasks are not retried")
	assert.Contains(t, task.LastError, "poison task")

	events, err := store.ListEventsByKind(ctx, "task.poison", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].TaskID)
}

func TestSuccessfulHandlerAcknowledges(t *testing.T) {
	d, store := newTestDispatcher(t, Config{})
	ctx := context.Background()
	var calls atomic.Int32
	require.NoError(t, d.Register(models.TaskDeleteComputer, HandlerFunc(func(ctx context.Context, task models.DirectoryTask) error {
		var payload struct {
			Hostname string `json:"hostname"`
		}
		if err := DecodePayload(task, &payload); err != nil {
			return err
		}
		if payload.Hostname != "VDI-1" {
			return errors.New("unexpected payload")
		}
		calls.Add(1)
		return nil
	})))

	id, err := d.Enqueue(ctx, models.TaskDeleteComputer, map[string]string{"hostname": "VDI-1"})
	require.NoError(t, err)
	advance(d, time.Second)
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)

	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskDone, task.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTransientErrorsRetryThenDead(t *testing.T) {
	d, store := newTestDispatcher(t, Config{MaxAttempts: 3, BackoffBase: time.Second, BackoffMax: 10 * time.Second, VisibilityTimeout: time.Minute})
	ctx := context.Background()
	var calls atomic.Int32
	require.NoError(t, d.Register(models.TaskJoinComputer, HandlerFunc(func(context.Context, models.DirectoryTask) error {
		calls.Add(1)
		return errors.New("ldap busy")
	})))

	id, err := d.Enqueue(ctx, models.TaskJoinComputer, nil)
	require.NoError(t, err)

	advance(d, time.Second)
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)
	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status)
	assert.Equal(t, "ldap busy", task.LastError)

	n, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "backoff hides the task")

	advance(d, 2*time.Second)
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)
	advance(d, 3*time.Second)
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)

	task, err = store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskDead, task.Status)
	assert.Equal(t, 3, task.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestUnsettledLeasesStopAtMaxAttempts(t *testing.T) {
	d, store := newTestDispatcher(t, Config{MaxAttempts: 2})
	ctx := context.Background()

	id, err := d.Enqueue(ctx, models.TaskJoinComputer, nil)
	require.NoError(t, err)

	deliveries := 0
	for i := 0; i < 4; i++ {
		advance(d, 2*time.Minute)
		tasks, err := d.Poll(ctx, 10, time.Minute)
		require.NoError(t, err)
		deliveries += len(tasks)
	}
	assert.Equal(t, 2, deliveries)

	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskDead, task.Status)
	assert.Equal(t, 2, task.Attempts)
	assert.Equal(t, db.ErrTaskExhausted.Error(), task.LastError)
}

func TestPermanentAndDeferredErrorsAreNotRetried(t *testing.T) {
	d, store := newTestDispatcher(t, Config{MaxAttempts: 5})
	ctx := context.Background()
	require.NoError(t, d.Register(models.TaskJoinComputer, HandlerFunc(func(context.Context, models.DirectoryTask) error {
		return permanentErr{}
	})))
	require.NoError(t, d.Register(models.TaskRotateServiceCredential, HandlerFunc(func(context.Context, models.DirectoryTask) error {
		return ErrRetryLater
	})))

	joinID, err := d.Enqueue(ctx, models.TaskJoinComputer, nil)
	require.NoError(t, err)
	rotateID, err := d.Enqueue(ctx, models.TaskRotateServiceCredential, nil)
	require.NoError(t, err)

	advance(d, time.Second)
	n, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{joinID, rotateID} {
		task, err := store.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.TaskDead, task.Status)
		assert.Equal(t, 1, task.Attempts)
	}
	deferred, err := store.ListEventsByKind(ctx, "task.deferred", 10)
	require.NoError(t, err)
	assert.Len(t, deferred, 1)
}

func TestUnacknowledgedTaskIsRedelivered(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{VisibilityTimeout: time.Minute})
	ctx := context.Background()

	id, err := d.Enqueue(ctx, models.TaskJoinComputer, nil)
	require.NoError(t, err)

	advance(d, time.Second)
	first, err := d.Poll(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)

	hidden, err := d.Poll(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, hidden)

	advance(d, 61*time.Second)
	again, err := d.Poll(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, id, again[0].ID)
	assert.Equal(t, 2, again[0].Attempts)

	require.NoError(t, d.Acknowledge(ctx, id))
}

func TestHeartbeatKeepsLongHandlerLeased(t *testing.T) {
	d, store := newTestDispatcher(t, Config{VisibilityTimeout: 200 * time.Millisecond})
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, d.Register(models.TaskJoinComputer, HandlerFunc(func(ctx context.Context, task models.DirectoryTask) error {
		close(started)
		<-release
		return nil
	})))

	id, err := d.Enqueue(ctx, models.TaskJoinComputer, nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.RunOnce(ctx)
	}()
	<-started

	time.Sleep(500 * time.Millisecond)
	competing, err := store.ClaimTasks(ctx, time.Now(), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, competing, "heartbeat must keep the task invisible")

	close(release)
	<-done
	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskDone, task.Status)
}

func TestHandlerPanicIsRetried(t *testing.T) {
	d, store := newTestDispatcher(t, Config{MaxAttempts: 3})
	ctx := context.Background()
	require.NoError(t, d.Register(models.TaskJoinComputer, HandlerFunc(func(context.Context, models.DirectoryTask) error {
		panic("boom")
	})))
	id, err := d.Enqueue(ctx, models.TaskJoinComputer, nil)
	require.NoError(t, err)
	advance(d, time.Second)
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)

	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status)
	assert.Contains(t, task.LastError, "handler panic: boom")
}

func TestBackoff(t *testing.T) {
	d := New(nil, Config{BackoffBase: time.Second, BackoffMax: 5 * time.Second}, nil)
	assert.Equal(t, time.Second, d.backoff(0))
	assert.Equal(t, time.Second, d.backoff(1))
	assert.Equal(t, 2*time.Second, d.backoff(2))
	assert.Equal(t, 4*time.Second, d.backoff(3))
	assert.Equal(t, 5*time.Second, d.backoff(4))
	assert.Equal(t, 5*time.Second, d.backoff(30))
}

func TestDecodePayloadPoison(t *testing.T) {
	var v map[string]string
	err := DecodePayload(models.DirectoryTask{Type: models.TaskJoinComputer, Payload: []byte("{not json")}, &v)
	assert.True(t, errors.Is(err, ErrPoisonTask))
	assert.True(t, IsFinalAttempt(models.DirectoryTask{Attempts: 3, MaxAttempts: 3}))
	assert.False(t, IsFinalAttempt(models.DirectoryTask{Attempts: 2, MaxAttempts: 3}))
}
