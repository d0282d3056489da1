// Package quarry provides a durable, sharded work queue backed by a
// relational store.
//
// This is the main package users should import. It re-exports the public
// types from the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	// Open storage and create a queue manager
//	store, _ := quarry.Open(quarry.DriverSQLite, "quarry.db")
//	store.Migrate(context.Background())
//	mgr, _ := quarry.New(ctx, store)
//
//	// Enqueue a job
//	id, _ := mgr.CreateJob(ctx, quarry.JobInit{
//	    QueueName: "emails",
//	    Payload:   []byte(`{"to":"user@example.com"}`),
//	})
//
//	// Run a worker loop
//	w, _ := quarry.NewWorker(mgr)
//	runner := quarry.NewRunner(w, quarry.Queue("emails", 4))
//	runner.Register("emails", sendEmail)
//	runner.Start(ctx)
package quarry

import (
	"context"
	"time"

	"github.com/quarryq/quarry/pkg/core"
	"github.com/quarryq/quarry/pkg/janitor"
	"github.com/quarryq/quarry/pkg/manager"
	"github.com/quarryq/quarry/pkg/objectstore"
	"github.com/quarryq/quarry/pkg/storage"
	"github.com/quarryq/quarry/pkg/worker"
)

type (
	// Job is a unit of work persisted in the backing store.
	Job = core.Job

	// JobState is the lifecycle state of a job.
	JobState = core.JobState

	// JobInit carries the caller-supplied fields for a new job.
	JobInit = core.JobInit

	// JobUpdate is a partial, lease-guarded update to a running job.
	JobUpdate = core.JobUpdate

	// BulkInsertResult reports the outcome of a bulk enqueue.
	BulkInsertResult = core.BulkInsertResult

	// Shard is an entry in the shard registry.
	Shard = core.Shard

	// ValidationError describes a rejected input field.
	ValidationError = core.ValidationError

	// SerializationError describes a payload that could not be resolved.
	SerializationError = core.SerializationError

	// QueueManager coordinates enqueueing, claiming, and shard assignment.
	QueueManager = manager.Manager

	// ManagerConfig holds queue manager configuration.
	ManagerConfig = manager.ManagerConfig

	// ManagerOption configures a QueueManager.
	ManagerOption = manager.Option

	// Worker claims and settles jobs on behalf of one shard.
	Worker = worker.Worker

	// WorkerOption configures a Worker.
	WorkerOption = worker.WorkerOption

	// Runner drives registered handlers over one or more queues.
	Runner = worker.Runner

	// RunnerOption configures a Runner.
	RunnerOption = worker.RunnerOption

	// Handler processes a claimed job.
	Handler = worker.Handler

	// RetryConfig tunes backoff for transient storage errors.
	RetryConfig = worker.RetryConfig

	// Janitor reclaims expired leases and enforces retention.
	Janitor = janitor.Janitor

	// JanitorOption configures a Janitor.
	JanitorOption = janitor.Option

	// SweepStats reports the work done by one janitor sweep.
	SweepStats = janitor.SweepStats

	// GormStore is the GORM-backed storage layer.
	GormStore = storage.GormStore

	// PoolConfig holds connection pool settings.
	PoolConfig = storage.PoolConfig

	// PoolOption configures the connection pool.
	PoolOption = storage.PoolOption

	// ObjectStore holds offloaded job payloads.
	ObjectStore = objectstore.Store
)

// Job states
const (
	StateAvailable    = core.StateAvailable
	StateRunning      = core.StateRunning
	StateCompleted    = core.StateCompleted
	StateDeadLettered = core.StateDeadLettered
)

// Storage drivers
const (
	DriverSQLite   = storage.DriverSQLite
	DriverPostgres = storage.DriverPostgres
)

// DeadLetterQueue is the reserved queue that holds exhausted jobs.
const DeadLetterQueue = core.DeadLetterQueue

// Validation limits
const (
	MaxQueueNameLength    = core.MaxQueueNameLength
	MaxPayloadSize        = core.MaxPayloadSize
	MaxAttemptsLimit      = core.MaxAttemptsLimit
	MaxErrorMessageLength = core.MaxErrorMessageLength
)

// Error variables
var (
	ErrValidation       = core.ErrValidation
	ErrStoreUnavailable = core.ErrStoreUnavailable
	ErrNotFound         = core.ErrNotFound
	ErrLeaseExpired     = core.ErrLeaseExpired
	ErrLeaseMismatch    = core.ErrLeaseMismatch
	ErrSerialization    = core.ErrSerialization
)

// Open connects to the backing store for the given driver and DSN.
func Open(driver, dsn string, opts ...PoolOption) (*GormStore, error) {
	return storage.Open(driver, dsn, opts...)
}

// New creates a QueueManager over the given store.
func New(ctx context.Context, store *GormStore, opts ...ManagerOption) (*QueueManager, error) {
	return manager.New(ctx, store, opts...)
}

// NewWorker creates a Worker bound to one shard of the manager.
func NewWorker(mgr *QueueManager, opts ...WorkerOption) (*Worker, error) {
	return worker.NewWorker(mgr, opts...)
}

// NewRunner creates a Runner that polls queues and dispatches handlers.
func NewRunner(w *Worker, opts ...RunnerOption) *Runner {
	return worker.NewRunner(w, opts...)
}

// NewJanitor creates a Janitor over the manager.
func NewJanitor(mgr *QueueManager, opts ...JanitorOption) (*Janitor, error) {
	return janitor.NewJanitor(mgr, opts...)
}

// RetryAfter wraps a handler error so the job is retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return worker.RetryAfter(d, err)
}

// ValidateQueueName validates a queue name.
func ValidateQueueName(name string) error {
	return core.ValidateQueueName(name)
}

// SanitizeErrorMessage truncates and sanitizes error detail for storage.
func SanitizeErrorMessage(msg string) string {
	return core.SanitizeErrorMessage(msg)
}

// Manager option functions

// WithShards sets the shard IDs this manager registers and assigns.
func WithShards(ids ...string) ManagerOption {
	return manager.WithShards(ids...)
}

// WithObjectStore enables payload offload above the threshold in bytes.
func WithObjectStore(store ObjectStore, threshold int) ManagerOption {
	return manager.WithObjectStore(store, threshold)
}

// WithPayloadBucket sets the bucket used for offloaded payloads.
func WithPayloadBucket(bucket string) ManagerOption {
	return manager.WithPayloadBucket(bucket)
}

// Worker option functions

// WithShard binds the worker to a specific shard.
func WithShard(id string) WorkerOption {
	return worker.WithShard(id)
}

// WithLeaseDuration sets the lease duration stamped on claimed jobs.
func WithLeaseDuration(d time.Duration) WorkerOption {
	return worker.WithLeaseDuration(d)
}

// Runner option functions

// Queue adds a queue to process with the given concurrency.
func Queue(name string, concurrency int) RunnerOption {
	return worker.Queue(name, concurrency)
}

// PollInterval sets how often idle queues are polled.
func PollInterval(d time.Duration) RunnerOption {
	return worker.PollInterval(d)
}

// BatchSize sets the maximum jobs claimed per poll.
func BatchSize(n int) RunnerOption {
	return worker.BatchSize(n)
}

// Janitor option functions

// SweepInterval sets the fixed interval between janitor sweeps.
func SweepInterval(d time.Duration) JanitorOption {
	return janitor.Interval(d)
}

// SweepCron schedules janitor sweeps with a cron expression.
func SweepCron(expr string) JanitorOption {
	return janitor.CronSchedule(expr)
}

// CompletedRetention sets how long completed jobs are kept.
func CompletedRetention(d time.Duration) JanitorOption {
	return janitor.CompletedRetention(d)
}

// DeadLetterRetention sets how long dead-lettered jobs are kept.
// Zero keeps them forever.
func DeadLetterRetention(d time.Duration) JanitorOption {
	return janitor.DeadLetterRetention(d)
}

// Pool option functions

// MaxConnections caps open connections to the backing store.
func MaxConnections(n int) PoolOption {
	return storage.MaxConnections(n)
}

// AcquireTimeout bounds how long any single storage operation may wait.
func AcquireTimeout(d time.Duration) PoolOption {
	return storage.AcquireTimeout(d)
}
