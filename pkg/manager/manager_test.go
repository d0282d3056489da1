package manager

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quarryq/quarry/pkg/core"
	"github.com/quarryq/quarry/pkg/objectstore"
	"github.com/quarryq/quarry/pkg/storage"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	dbPath := t.TempDir() + "/quarry_test.db"
	db, err := gorm.Open(sqlite.Open(dbPath+"?_journal_mode=WAL&_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open sqlite")

	store, err := storage.NewGormStore(db)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))

	m, err := New(context.Background(), store, opts...)
	require.NoError(t, err)
	return m
}

func validInit(queue string) core.JobInit {
	return core.JobInit{
		QueueName:   queue,
		Payload:     []byte(`{"to":"user@example.com"}`),
		MaxAttempts: 3,
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Create
// ──────────────────────────────────────────────────────────────────────────────

func TestCreateJob_ReturnsID(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	id, err := m.CreateJob(ctx, validInit("emails"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := m.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StateAvailable, job.State)
	assert.Equal(t, 0, job.AttemptCount)
	assert.Equal(t, "shard-0", job.ShardID)
}

func TestCreateJob_RejectsBadQueueName(t *testing.T) {
	m := newTestManager(t)

	_, err := m.CreateJob(context.Background(), core.JobInit{QueueName: ""})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = m.CreateJob(context.Background(), core.JobInit{QueueName: core.DeadLetterQueue})
	assert.ErrorIs(t, err, core.ErrValidation,
		"producers must not create jobs in the reserved queue")
}

func TestCreateJob_RejectsAncientScheduledAt(t *testing.T) {
	m := newTestManager(t)

	init := validInit("emails")
	init.ScheduledAt = time.Now().Add(-48 * time.Hour)
	_, err := m.CreateJob(context.Background(), init)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestCreateJob_NowIsValidScheduledAt(t *testing.T) {
	m := newTestManager(t)

	init := validInit("emails")
	init.ScheduledAt = time.Now()
	_, err := m.CreateJob(context.Background(), init)
	assert.NoError(t, err)
}

func TestCreateJob_RoundRobinsAcrossShards(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, WithShards("shard-0", "shard-1"))

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		id, err := m.CreateJob(ctx, validInit("emails"))
		require.NoError(t, err)
		job, err := m.GetJob(ctx, id)
		require.NoError(t, err)
		seen[job.ShardID]++
	}

	assert.Equal(t, 2, seen["shard-0"])
	assert.Equal(t, 2, seen["shard-1"])
}

// ──────────────────────────────────────────────────────────────────────────────
// Bulk create
// ──────────────────────────────────────────────────────────────────────────────

func TestCreateJobBulk_ReturnsIDsInInputOrder(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	inits := make([]core.JobInit, 5)
	for i := range inits {
		init := validInit("emails")
		init.Priority = i
		inits[i] = init
	}

	res, err := m.CreateJobBulk(ctx, inits)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Inserted)
	require.Len(t, res.IDs, 5)

	for i, id := range res.IDs {
		job, err := m.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, i, job.Priority, "ids correlate to inits by position")
	}
}

func TestCreateJobBulk_OneInvalidInitCreatesNothing(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	inits := []core.JobInit{
		validInit("emails"),
		{QueueName: ""}, // invalid
		validInit("emails"),
	}

	_, err := m.CreateJobBulk(ctx, inits)
	require.ErrorIs(t, err, core.ErrValidation)

	stats, err := m.QueueStats(ctx, "emails")
	require.NoError(t, err)
	assert.Zero(t, stats[core.StateAvailable], "bulk create is all-or-nothing")
}

// ──────────────────────────────────────────────────────────────────────────────
// Dequeue
// ──────────────────────────────────────────────────────────────────────────────

func TestDequeue_RejectsDeadLetterQueue(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Dequeue(context.Background(), "shard-0", core.DeadLetterQueue, 1, time.Minute)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestDequeue_EmptyIsNotAnError(t *testing.T) {
	m := newTestManager(t)
	jobs, err := m.Dequeue(context.Background(), "shard-0", "emails", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

// ──────────────────────────────────────────────────────────────────────────────
// Payload offload
// ──────────────────────────────────────────────────────────────────────────────

func TestPayloadOffload_RoundTripsThroughObjectStore(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemoryStore()
	m := newTestManager(t, WithObjectStore(objects, 8))

	big := bytes.Repeat([]byte("x"), 64)
	init := validInit("emails")
	init.Payload = big

	id, err := m.CreateJob(ctx, init)
	require.NoError(t, err)

	stored, err := m.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, stored.Payload, "payload should live in the object store")
	assert.Equal(t, id, stored.PayloadRef)
	assert.Equal(t, 1, objects.Len())

	claimed, err := m.Dequeue(ctx, "shard-0", "emails", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, big, claimed[0].Payload, "dequeue resolves the reference")
}

func TestPayloadOffload_SmallPayloadsStayInline(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, WithObjectStore(objectstore.NewMemoryStore(), 1024))

	id, err := m.CreateJob(ctx, validInit("emails"))
	require.NoError(t, err)

	stored, err := m.GetJob(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.Payload)
	assert.Empty(t, stored.PayloadRef)
}

func TestDequeue_MissingPayloadObjectFailsTheJob(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemoryStore()
	m := newTestManager(t, WithObjectStore(objects, 8))

	init := validInit("emails")
	init.Payload = bytes.Repeat([]byte("x"), 64)
	init.MaxAttempts = 1
	id, err := m.CreateJob(ctx, init)
	require.NoError(t, err)

	// Simulate the inconsistency: the referenced object vanishes.
	fresh := objectstore.NewMemoryStore()
	m.objects = fresh

	claimed, err := m.Dequeue(ctx, "shard-0", "emails", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed, "the unresolvable job is not handed to the worker")

	job, err := m.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StateDeadLettered, job.State,
		"budget of one means the serialization failure dead-letters immediately")
	assert.Contains(t, job.LastError, "serialization")
}

// ──────────────────────────────────────────────────────────────────────────────
// Shards / dead letter surface
// ──────────────────────────────────────────────────────────────────────────────

func TestListShards_ReflectsRegistry(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, WithShards("shard-0", "shard-1"))

	shards := m.ListShards()
	require.Len(t, shards, 2)

	// Another manager scales out a new shard; refresh picks it up.
	require.NoError(t, m.Store().UpsertShard(ctx, "shard-2"))
	require.NoError(t, m.RefreshShards(ctx))
	assert.Len(t, m.ListShards(), 3)
}

func TestDeadLetterLifecycle_FailQueryReplay(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	init := validInit("emails")
	init.MaxAttempts = 1
	id, err := m.CreateJob(ctx, init)
	require.NoError(t, err)

	claimed, err := m.Dequeue(ctx, "shard-0", "emails", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, m.FailJob(ctx, id, claimed[0].LeaseID, "permanent failure", nil))

	dead, err := m.DeadLetterJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)

	require.NoError(t, m.ReplayJob(ctx, id))

	replayed, err := m.Dequeue(ctx, "shard-0", "emails", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, id, replayed[0].ID, "replayed jobs are claimable again")
}

// ──────────────────────────────────────────────────────────────────────────────
// Spec scenario: single-attempt job fails straight into the dead-letter queue
// ──────────────────────────────────────────────────────────────────────────────

func TestScenario_SingleAttemptFailureDeadLetters(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	init := validInit("emails")
	init.MaxAttempts = 1
	init.ScheduledAt = time.Now()
	id, err := m.CreateJob(ctx, init)
	require.NoError(t, err)

	claimed, err := m.Dequeue(ctx, "shard-0", "emails", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, core.StateRunning, claimed[0].State)

	require.NoError(t, m.FailJob(ctx, id, claimed[0].LeaseID, "handler error", nil))

	job, err := m.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StateDeadLettered, job.State)
	assert.Equal(t, 1, job.AttemptCount)

	dead, err := m.DeadLetterJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)

	again, err := m.Dequeue(ctx, "shard-0", "emails", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "the job never reappears on its original queue")
}
