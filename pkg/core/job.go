package core

import (
	"time"
)

// JobState represents the current state of a job.
//
// The legal transitions are:
//
//	Available -> Running -> Completed
//	Available -> Running -> Available     (retry, attempts remain)
//	Available -> Running -> DeadLettered  (retry budget exhausted)
//
// Completed and DeadLettered are terminal.
type JobState string

const (
	StateAvailable    JobState = "available"
	StateRunning      JobState = "running"
	StateCompleted    JobState = "completed"
	StateDeadLettered JobState = "dead_lettered"
)

// Terminal reports whether no further transitions are possible from s.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateDeadLettered
}

// ShardIDKey is the well-known metadata key under which a worker's assigned
// shard is reported to external metrics and logging. The core does not
// interpret it beyond being a stable label.
const ShardIDKey = "shard_id"

// DeadLetterQueue is the reserved queue name dead-lettered jobs are relocated
// into. Ordinary workers must never poll it; it exists so operators can
// inspect and replay exhausted jobs through the same query interface used
// for everything else. Producer-facing validation rejects the reserved
// prefix, so no user queue can collide with it.
const DeadLetterQueue = "_quarry_dead_letter"

// Job represents one unit of schedulable work with durable state.
type Job struct {
	ID        string   `gorm:"primaryKey;size:36"`
	State     JobState `gorm:"index:idx_jobs_claim,priority:3;size:20;default:'available'"`
	QueueName string   `gorm:"index:idx_jobs_claim,priority:2;size:255;not null"`
	ShardID   string   `gorm:"index:idx_jobs_claim,priority:1;size:64;not null"`

	// Priority orders claim order within a queue. Lower values are claimed
	// first; ties break on ScheduledAt, then creation order.
	Priority int `gorm:"default:0"`

	// ScheduledAt is the earliest time the job becomes eligible for leasing.
	// Retries push it forward, at minimum to the time of the failure.
	ScheduledAt time.Time `gorm:"index"`

	// Payload is the opaque work blob. When it exceeds the manager's offload
	// threshold it is stored externally and PayloadRef holds the object key.
	Payload    []byte `gorm:"type:bytes"`
	PayloadRef string `gorm:"size:512"`

	// Metadata and Parameters are queue-defined auxiliary blobs the core
	// never interprets.
	Metadata   []byte `gorm:"type:bytes"`
	Parameters []byte `gorm:"type:bytes"`

	// LeaseID and LeaseExpiresAt are set only while State is Running.
	LeaseID        string     `gorm:"index;size:36"`
	LeaseExpiresAt *time.Time `gorm:"index"`

	// AttemptCount is the number of times the job has entered Running.
	// It is incremented exactly once per claim and never decreases.
	AttemptCount int `gorm:"default:0"`
	MaxAttempts  int `gorm:"default:3"`

	// LastError holds the most recent failure detail, sanitized and
	// truncated before storage.
	LastError string `gorm:"type:text"`

	// OriginQueue records the queue a job belonged to before it was
	// relocated into the dead-letter queue, so it can be replayed.
	OriginQueue string `gorm:"size:255"`

	CreatedAt time.Time `gorm:"autoCreateTime;index"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// Leased reports whether the job currently carries an unexpired lease.
func (j *Job) Leased(now time.Time) bool {
	return j.State == StateRunning && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.After(now)
}

// JobInit carries every producer-supplied field required to create a Job.
type JobInit struct {
	QueueName   string
	Priority    int
	ScheduledAt time.Time
	Payload     []byte
	Metadata    []byte
	Parameters  []byte
	MaxAttempts int
}

// JobUpdate carries a partial set of fields applied to a job the caller
// holds a valid lease on. Nil fields are left untouched.
type JobUpdate struct {
	JobID   string
	LeaseID string

	Priority    *int
	ScheduledAt *time.Time
	Metadata    *[]byte
	Parameters  *[]byte
	LastError   *string
}

// BulkInsertResult reports the outcome of a single atomic batch creation.
// IDs are in the same order as the input inits, so producers can correlate
// requests to ids without a second round trip.
type BulkInsertResult struct {
	Inserted int
	IDs      []string
}

// Shard is one fixed partition of the job space. The manager owns a registry
// of shards and refreshes it periodically; a shard id, once assigned to a
// job, never changes.
type Shard struct {
	ID        string    `gorm:"primaryKey;size:64"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName keeps the registry table name stable across GORM naming changes.
func (Shard) TableName() string { return "shards" }
