package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quarryq/quarry/pkg/core"
	"github.com/quarryq/quarry/pkg/objectstore"
	"github.com/quarryq/quarry/pkg/storage"
)

// scheduleTolerance is how far in the past a producer-supplied scheduled_at
// may lie before it is rejected. Clock skew between producers is expected;
// "now" is always valid.
const scheduleTolerance = time.Hour

// Manager owns the backing store and exposes create, claim, update, and
// query operations over jobs. It is safe for concurrent use.
type Manager struct {
	store   *storage.GormStore
	objects objectstore.Store
	cfg     ManagerConfig
	logger  *slog.Logger

	// Shard registry snapshot, refreshed periodically. Round-robin
	// assignment walks it with rr.
	mu     sync.RWMutex
	shards []core.Shard
	rr     int
}

// New creates a Manager over the given store, registers its configured
// shards, and loads the initial shard registry snapshot.
func New(ctx context.Context, store *storage.GormStore, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:  store,
		cfg:    DefaultManagerConfig(),
		logger: slog.Default().With("component", "manager"),
	}
	for _, opt := range opts {
		opt.apply(m)
	}
	if len(m.cfg.Shards) == 0 {
		return nil, core.Invalid("shards", "at least one shard is required")
	}

	for _, id := range m.cfg.Shards {
		if err := store.UpsertShard(ctx, id); err != nil {
			return nil, fmt.Errorf("register shard %s: %w", id, err)
		}
	}
	if err := m.RefreshShards(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Store exposes the underlying store to sibling packages. External callers
// should stay on the Manager surface.
func (m *Manager) Store() *storage.GormStore { return m.store }

// CreateJob inserts one job in Available state and returns its id.
func (m *Manager) CreateJob(ctx context.Context, init core.JobInit) (string, error) {
	job, err := m.buildJob(ctx, init)
	if err != nil {
		return "", err
	}
	if err := m.store.InsertJob(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// CreateJobBulk inserts a batch as a single atomic operation. Either every
// init commits or none do; ids are returned in input order.
func (m *Manager) CreateJobBulk(ctx context.Context, inits []core.JobInit) (core.BulkInsertResult, error) {
	// Validate the whole batch before touching the store so one malformed
	// init cannot waste a transaction or orphan offloaded payloads.
	for i, init := range inits {
		if err := validateInit(init); err != nil {
			return core.BulkInsertResult{}, fmt.Errorf("init %d: %w", i, err)
		}
	}

	jobs := make([]*core.Job, len(inits))
	ids := make([]string, len(inits))
	for i, init := range inits {
		job, err := m.buildJob(ctx, init)
		if err != nil {
			return core.BulkInsertResult{}, fmt.Errorf("init %d: %w", i, err)
		}
		jobs[i] = job
		ids[i] = job.ID
	}

	if err := m.store.InsertJobs(ctx, jobs); err != nil {
		return core.BulkInsertResult{}, err
	}
	return core.BulkInsertResult{Inserted: len(jobs), IDs: ids}, nil
}

// buildJob validates an init and materializes a Job, offloading the payload
// when it crosses the configured threshold.
func (m *Manager) buildJob(ctx context.Context, init core.JobInit) (*core.Job, error) {
	if err := validateInit(init); err != nil {
		return nil, err
	}

	scheduledAt := init.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now()
	}

	job := &core.Job{
		ID:          uuid.New().String(),
		State:       core.StateAvailable,
		QueueName:   init.QueueName,
		ShardID:     m.assignShard(),
		Priority:    init.Priority,
		ScheduledAt: scheduledAt,
		Payload:     init.Payload,
		Metadata:    init.Metadata,
		Parameters:  init.Parameters,
		MaxAttempts: core.ClampAttempts(init.MaxAttempts),
	}

	if m.objects != nil && m.cfg.OffloadThreshold > 0 && len(job.Payload) > m.cfg.OffloadThreshold {
		if err := m.objects.Put(ctx, m.cfg.PayloadBucket, job.ID, job.Payload); err != nil {
			return nil, fmt.Errorf("offload payload: %w", err)
		}
		job.PayloadRef = job.ID
		job.Payload = nil
	}

	return job, nil
}

func validateInit(init core.JobInit) error {
	if err := core.ValidateQueueName(init.QueueName); err != nil {
		return err
	}
	if len(init.Payload) > core.MaxPayloadSize {
		return core.Invalid("payload", "exceeds size limit")
	}
	if !init.ScheduledAt.IsZero() && time.Since(init.ScheduledAt) > scheduleTolerance {
		return core.Invalid("scheduled_at", "too far in the past")
	}
	return nil
}

// Dequeue atomically claims up to max eligible jobs for the shard/queue pair
// and returns them with payloads resolved. An empty slice, not an error,
// means nothing was eligible.
func (m *Manager) Dequeue(ctx context.Context, shardID, queueName string, max int, leaseDuration time.Duration) ([]*core.Job, error) {
	if queueName == core.DeadLetterQueue {
		return nil, core.Invalid("queue_name", "the dead-letter queue is not pollable")
	}

	claimed, err := m.store.Claim(ctx, shardID, queueName, max, leaseDuration)
	if err != nil {
		return nil, err
	}

	out := claimed[:0]
	for _, job := range claimed {
		if err := m.resolvePayload(ctx, job); err != nil {
			// A referenced object implies a prior successful put, so a
			// missing payload cannot be fixed by retrying. Burn the
			// attempt; exhaustion routes the job to the dead-letter queue
			// where an operator can see it.
			m.logger.Error("payload resolution failed",
				"job_id", job.ID, "error", err)
			serr := &core.SerializationError{JobID: job.ID, Err: err}
			if failErr := m.store.Fail(ctx, job.ID, job.LeaseID, serr.Error(), nil); failErr != nil {
				m.logger.Error("failed to fail unresolvable job",
					"job_id", job.ID, "error", failErr)
			}
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (m *Manager) resolvePayload(ctx context.Context, job *core.Job) error {
	if job.PayloadRef == "" {
		return nil
	}
	if m.objects == nil {
		return fmt.Errorf("payload ref %s with no object store configured", job.PayloadRef)
	}
	data, err := m.objects.Get(ctx, m.cfg.PayloadBucket, job.PayloadRef)
	if err != nil {
		return err
	}
	job.Payload = data
	return nil
}

// UpdateJob applies a partial update to a job the caller holds a live lease on.
func (m *Manager) UpdateJob(ctx context.Context, upd core.JobUpdate) error {
	if upd.JobID == "" {
		return core.Invalid("job_id", "must not be empty")
	}
	if upd.LeaseID == "" {
		return core.Invalid("lease_id", "must not be empty")
	}
	return m.store.UpdateJob(ctx, upd)
}

// CompleteJob transitions Running -> Completed under the lease guard.
func (m *Manager) CompleteJob(ctx context.Context, jobID, leaseID string) error {
	return m.store.Complete(ctx, jobID, leaseID)
}

// FailJob records a failed attempt; the job retries after retryAfter (nil
// means immediately) or dead-letters once its budget is spent.
func (m *Manager) FailJob(ctx context.Context, jobID, leaseID, errDetail string, retryAfter *time.Duration) error {
	return m.store.Fail(ctx, jobID, leaseID, errDetail, retryAfter)
}

// Heartbeat extends a live lease and returns the new expiry.
func (m *Manager) Heartbeat(ctx context.Context, jobID, leaseID string, extend time.Duration) (time.Time, error) {
	return m.store.Heartbeat(ctx, jobID, leaseID, extend)
}

// GetJob retrieves a job by id.
func (m *Manager) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	return m.store.GetJob(ctx, jobID)
}

// ListShards returns the current shard registry snapshot without a store
// round trip.
func (m *Manager) ListShards() []core.Shard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Shard, len(m.shards))
	copy(out, m.shards)
	return out
}

// RefreshShards re-derives the shard set from the registry so shards added
// by other managers are picked up without a restart.
func (m *Manager) RefreshShards(ctx context.Context) error {
	shards, err := m.store.ListShards(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.shards = shards
	m.mu.Unlock()
	return nil
}

// assignShard picks the next configured shard round-robin. Jobs are created
// only into the manager's own shard set, not every registered shard.
func (m *Manager) assignShard() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.cfg.Shards[m.rr%len(m.cfg.Shards)]
	m.rr++
	return id
}

// DeadLetterJobs returns up to limit dead-lettered jobs for operator
// inspection, through the same query path as any other queue.
func (m *Manager) DeadLetterJobs(ctx context.Context, limit int) ([]*core.Job, error) {
	return m.store.ListJobs(ctx, core.DeadLetterQueue, core.StateDeadLettered, limit)
}

// ReplayJob returns a dead-lettered job to its original queue with a fresh
// attempt budget.
func (m *Manager) ReplayJob(ctx context.Context, jobID string) error {
	return m.store.Replay(ctx, jobID)
}

// QueueStats returns per-state job counts for a queue.
func (m *Manager) QueueStats(ctx context.Context, queueName string) (map[core.JobState]int64, error) {
	return m.store.CountByState(ctx, queueName)
}
