package worker

import (
	"context"
	"time"

	"github.com/quarryq/quarry/pkg/core"
	"github.com/quarryq/quarry/pkg/manager"
)

// Worker is a handle for a single processing unit. It caches the shard id it
// was assigned at construction; the value is fixed for the process lifetime
// and safe to read at any frequency without a store round trip.
//
// The Worker performs no silent retries: every store error surfaces as a
// typed error the caller must handle. Retry policy belongs to the calling
// processing loop; lease renewal is the one exception, being purely additive
// and idempotent.
type Worker struct {
	mgr      *manager.Manager
	shardID  string
	leaseDur time.Duration
}

// WorkerOption configures a Worker.
type WorkerOption interface {
	applyWorker(*Worker)
}

type workerOptionFunc func(*Worker)

func (f workerOptionFunc) applyWorker(w *Worker) { f(w) }

// WithShard pins the worker to a specific shard id.
func WithShard(id string) WorkerOption {
	return workerOptionFunc(func(w *Worker) {
		w.shardID = id
	})
}

// WithLeaseDuration sets the default lease duration Poll claims with.
func WithLeaseDuration(d time.Duration) WorkerOption {
	return workerOptionFunc(func(w *Worker) {
		w.leaseDur = d
	})
}

// DefaultLeaseDuration is the lease window Poll claims with unless
// overridden. Processing that outlives it must heartbeat.
const DefaultLeaseDuration = 5 * time.Minute

// NewWorker creates a worker bound to one shard. Without WithShard it is
// assigned the first shard in the manager's registry snapshot.
func NewWorker(mgr *manager.Manager, opts ...WorkerOption) (*Worker, error) {
	w := &Worker{mgr: mgr, leaseDur: DefaultLeaseDuration}
	for _, opt := range opts {
		opt.applyWorker(w)
	}

	if w.shardID == "" {
		shards := mgr.ListShards()
		if len(shards) == 0 {
			return nil, core.Invalid("shard", "no shards registered")
		}
		w.shardID = shards[0].ID
	}
	return w, nil
}

// ShardID returns the shard assigned at startup. Report it under
// core.ShardIDKey when emitting metrics.
func (w *Worker) ShardID() string { return w.shardID }

// Poll claims up to batchSize jobs from the worker's shard. It returns
// immediately with whatever is available; callers loop on their own
// schedule.
func (w *Worker) Poll(ctx context.Context, queueName string, batchSize int) ([]*core.Job, error) {
	return w.mgr.Dequeue(ctx, w.shardID, queueName, batchSize, w.leaseDur)
}

// Heartbeat extends the lease on a job still being processed and returns
// the new expiry. ErrLeaseExpired means the janitor has reclaimed the job:
// the caller must abandon side effects that are not idempotent.
func (w *Worker) Heartbeat(ctx context.Context, jobID, leaseID string) (time.Time, error) {
	return w.mgr.Heartbeat(ctx, jobID, leaseID, w.leaseDur)
}

// Complete reports successful processing.
func (w *Worker) Complete(ctx context.Context, jobID, leaseID string) error {
	return w.mgr.CompleteJob(ctx, jobID, leaseID)
}

// Fail reports a failed attempt. A nil retryAfter retries immediately once
// attempts remain; otherwise the job is scheduled no earlier than
// now + retryAfter.
func (w *Worker) Fail(ctx context.Context, jobID, leaseID, errDetail string, retryAfter *time.Duration) error {
	return w.mgr.FailJob(ctx, jobID, leaseID, errDetail, retryAfter)
}

// Update applies a lease-guarded partial update to a job this worker holds.
func (w *Worker) Update(ctx context.Context, upd core.JobUpdate) error {
	return w.mgr.UpdateJob(ctx, upd)
}
