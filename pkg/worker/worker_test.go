package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quarryq/quarry/pkg/core"
	"github.com/quarryq/quarry/pkg/manager"
	"github.com/quarryq/quarry/pkg/storage"
)

func newTestManager(t *testing.T, opts ...manager.Option) *manager.Manager {
	t.Helper()
	dbPath := t.TempDir() + "/quarry_test.db"
	db, err := gorm.Open(sqlite.Open(dbPath+"?_journal_mode=WAL&_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store, err := storage.NewGormStore(db)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))

	m, err := manager.New(context.Background(), store, opts...)
	require.NoError(t, err)
	return m
}

func createJob(t *testing.T, m *manager.Manager, queue string, maxAttempts int) string {
	t.Helper()
	id, err := m.CreateJob(context.Background(), core.JobInit{
		QueueName:   queue,
		Payload:     []byte("work"),
		MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)
	return id
}

func TestNewWorker_CachesAssignedShard(t *testing.T) {
	m := newTestManager(t, manager.WithShards("shard-a", "shard-b"))

	w, err := NewWorker(m)
	require.NoError(t, err)
	assert.Equal(t, "shard-a", w.ShardID(), "defaults to the first registered shard")

	pinned, err := NewWorker(m, WithShard("shard-b"))
	require.NoError(t, err)
	assert.Equal(t, "shard-b", pinned.ShardID())

	// The cached value is fixed even if the registry grows afterward.
	require.NoError(t, m.Store().UpsertShard(context.Background(), "shard-c"))
	require.NoError(t, m.RefreshShards(context.Background()))
	assert.Equal(t, "shard-a", w.ShardID())
}

func TestWorker_PollCompleteCycle(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	id := createJob(t, m, "emails", 3)

	w, err := NewWorker(m)
	require.NoError(t, err)

	jobs, err := w.Poll(ctx, "emails", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, id, job.ID)
	assert.Equal(t, core.StateRunning, job.State)

	require.NoError(t, w.Complete(ctx, job.ID, job.LeaseID))

	got, err := m.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, got.State)
}

func TestWorker_PollReturnsImmediatelyWhenEmpty(t *testing.T) {
	m := newTestManager(t)
	w, err := NewWorker(m)
	require.NoError(t, err)

	start := time.Now()
	jobs, err := w.Poll(context.Background(), "emails", 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Less(t, time.Since(start), time.Second, "poll must not block waiting for work")
}

func TestWorker_HeartbeatExtendsLease(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	createJob(t, m, "emails", 3)

	w, err := NewWorker(m, WithLeaseDuration(time.Minute))
	require.NoError(t, err)

	jobs, err := w.Poll(ctx, "emails", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]

	expiry, err := w.Heartbeat(ctx, job.ID, job.LeaseID)
	require.NoError(t, err)
	assert.True(t, expiry.After(*job.LeaseExpiresAt))
}

func TestWorker_HeartbeatAfterReclaimFails(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	createJob(t, m, "emails", 3)

	w, err := NewWorker(m, WithLeaseDuration(-time.Second))
	require.NoError(t, err)

	jobs, err := w.Poll(ctx, "emails", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]

	// The janitor reclaims the expired lease before the next renewal.
	_, _, err = m.Store().ReclaimExpired(ctx, time.Now())
	require.NoError(t, err)

	_, err = w.Heartbeat(ctx, job.ID, job.LeaseID)
	require.Error(t, err)
	assert.True(t,
		errors.Is(err, core.ErrLeaseExpired) || errors.Is(err, core.ErrLeaseMismatch),
		"worker must learn it no longer owns the job, got: %v", err)
}

func TestWorker_FailSurfacesLeaseMismatch(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	createJob(t, m, "emails", 3)

	w, err := NewWorker(m)
	require.NoError(t, err)

	jobs, err := w.Poll(ctx, "emails", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	err = w.Fail(ctx, jobs[0].ID, "stale", "boom", nil)
	assert.ErrorIs(t, err, core.ErrLeaseMismatch, "no silent retries on lease races")
}
