package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/quarryq/quarry/pkg/core"
)

// GormStore implements job persistence using GORM.
type GormStore struct {
	db *gorm.DB

	// acquireTimeout bounds every store round trip. Operations fail with
	// ErrStoreUnavailable instead of blocking indefinitely on checkout.
	acquireTimeout time.Duration

	// supportsSkipLocked is true on dialects where the claim can take row
	// locks without blocking concurrent claimers.
	supportsSkipLocked bool
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB, opts ...PoolOption) (*GormStore, error) {
	cfg := DefaultPoolConfig()
	for _, opt := range opts {
		opt.applyPool(&cfg)
	}
	if db != nil {
		if err := configurePool(db, cfg); err != nil {
			return nil, err
		}
	}

	s := &GormStore{db: db, acquireTimeout: cfg.AcquireTimeout}
	if db != nil && db.Dialector != nil {
		s.supportsSkipLocked = db.Dialector.Name() == "postgres"
	}
	return s, nil
}

// DB returns the underlying *gorm.DB.
func (s *GormStore) DB() *gorm.DB { return s.db }

// Migrate creates the job and shard registry tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.Job{}, &core.Shard{})
}

// opCtx derives the bounded context every store operation runs under.
func (s *GormStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.acquireTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.acquireTimeout)
}

// taxonomy is the closed set of errors store operations may surface.
var taxonomy = []error{
	core.ErrValidation,
	core.ErrStoreUnavailable,
	core.ErrNotFound,
	core.ErrLeaseExpired,
	core.ErrLeaseMismatch,
	core.ErrSerialization,
}

// storeErr folds driver-level failures into the closed taxonomy. Errors
// already in the taxonomy pass through untouched. Unknown errors keep their
// chain under the sentinel so callers can still tell a cancelled operation
// from a broken store.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.ErrNotFound
	}
	for _, known := range taxonomy {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", core.ErrStoreUnavailable, err)
}

// InsertJob persists a single job in Available state. The caller is expected
// to have validated the init; the store only fills identity defaults.
func (s *GormStore) InsertJob(ctx context.Context, job *core.Job) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	fillDefaults(job)
	return storeErr(s.db.WithContext(ctx).Create(job).Error)
}

// InsertJobs persists a batch of jobs as one transaction. The batch either
// fully commits or fully fails; callers never observe a partial insert.
func (s *GormStore) InsertJobs(ctx context.Context, jobs []*core.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	for _, job := range jobs {
		fillDefaults(job)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(jobs, 500).Error
	})
	return storeErr(err)
}

func fillDefaults(job *core.Job) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.State == "" {
		job.State = core.StateAvailable
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = time.Now()
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}
}

// Claim atomically selects up to max eligible jobs for the shard/queue pair,
// transitions them to Running, and stamps a fresh lease. Eligible jobs are
// Available with scheduled_at <= now, claimed in (priority, scheduled_at,
// created order). Returns the claimed jobs with lease fields populated, or
// an empty slice when nothing is eligible.
func (s *GormStore) Claim(ctx context.Context, shardID, queueName string, max int, leaseDuration time.Duration) ([]*core.Job, error) {
	if max <= 0 {
		return nil, nil
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := time.Now()
	leaseID := uuid.New().String()
	expiry := now.Add(leaseDuration)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sel := tx.Model(&core.Job{}).
			Where("shard_id = ?", shardID).
			Where("queue_name = ?", queueName).
			Where("state = ?", core.StateAvailable).
			Where("scheduled_at <= ?", now).
			Order("priority ASC, scheduled_at ASC, created_at ASC, id ASC").
			Limit(max)
		if s.supportsSkipLocked {
			sel = sel.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var ids []string
		if err := sel.Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		// The state predicate repeats here so a row claimed between the
		// select and the update (possible without row locks) is skipped
		// rather than double-claimed.
		return tx.Model(&core.Job{}).
			Where("id IN ?", ids).
			Where("state = ?", core.StateAvailable).
			Updates(map[string]any{
				"state":            core.StateRunning,
				"lease_id":         leaseID,
				"lease_expires_at": expiry,
				"attempt_count":    gorm.Expr("attempt_count + 1"),
			}).Error
	})
	if err != nil {
		return nil, storeErr(err)
	}

	var claimed []*core.Job
	err = s.db.WithContext(ctx).
		Where("lease_id = ?", leaseID).
		Order("priority ASC, scheduled_at ASC, created_at ASC, id ASC").
		Find(&claimed).Error
	if err != nil {
		return nil, storeErr(err)
	}
	return claimed, nil
}

// UpdateJob applies a partial update to a job the caller holds a live lease
// on. Fails with ErrLeaseExpired if the lease has lapsed, ErrLeaseMismatch
// if another party owns the job, and ErrNotFound if the job is gone.
func (s *GormStore) UpdateJob(ctx context.Context, upd core.JobUpdate) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	fields := map[string]any{}
	if upd.Priority != nil {
		fields["priority"] = *upd.Priority
	}
	if upd.ScheduledAt != nil {
		fields["scheduled_at"] = *upd.ScheduledAt
	}
	if upd.Metadata != nil {
		fields["metadata"] = *upd.Metadata
	}
	if upd.Parameters != nil {
		fields["parameters"] = *upd.Parameters
	}
	if upd.LastError != nil {
		fields["last_error"] = core.SanitizeErrorMessage(*upd.LastError)
	}
	if len(fields) == 0 {
		return nil
	}

	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND lease_id = ? AND state = ? AND lease_expires_at > ?",
			upd.JobID, upd.LeaseID, core.StateRunning, now).
		Updates(fields)
	if result.Error != nil {
		return storeErr(result.Error)
	}
	if result.RowsAffected == 0 {
		return s.leaseFailure(ctx, upd.JobID, upd.LeaseID, now)
	}
	return nil
}

// Complete transitions Running -> Completed and clears lease fields. Fails
// with ErrLeaseMismatch when the lease token does not match the job's
// current lease, which also guards against double completion.
func (s *GormStore) Complete(ctx context.Context, jobID, leaseID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND lease_id = ? AND state = ?", jobID, leaseID, core.StateRunning).
		Updates(map[string]any{
			"state":            core.StateCompleted,
			"lease_id":         "",
			"lease_expires_at": nil,
		})
	if result.Error != nil {
		return storeErr(result.Error)
	}
	if result.RowsAffected == 0 {
		return s.leaseFailure(ctx, jobID, leaseID, time.Now())
	}
	return nil
}

// Fail records a failed attempt. If attempts remain the job returns to
// Available with scheduled_at advanced to now + retryAfter (minimum: now);
// otherwise it is dead-lettered and relocated into the reserved queue.
func (s *GormStore) Fail(ctx context.Context, jobID, leaseID, errDetail string, retryAfter *time.Duration) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := time.Now()
	detail := core.SanitizeErrorMessage(errDetail)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job core.Job
		q := tx.Where("id = ? AND lease_id = ? AND state = ?", jobID, leaseID, core.StateRunning)
		if s.supportsSkipLocked {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return s.leaseFailure(tx.Statement.Context, jobID, leaseID, now)
			}
			return err
		}

		if job.AttemptCount >= job.MaxAttempts {
			return tx.Model(&job).Updates(deadLetterFields(job.QueueName, detail)).Error
		}

		// scheduled_at is monotonically non-decreasing across retries:
		// every retry lands at or after the moment of failure.
		next := now
		if retryAfter != nil && *retryAfter > 0 {
			next = now.Add(*retryAfter)
		}
		return tx.Model(&job).Updates(map[string]any{
			"state":            core.StateAvailable,
			"scheduled_at":     next,
			"lease_id":         "",
			"lease_expires_at": nil,
			"last_error":       detail,
		}).Error
	})
	return storeErr(err)
}

func deadLetterFields(originQueue, detail string) map[string]any {
	return map[string]any{
		"state":            core.StateDeadLettered,
		"queue_name":       core.DeadLetterQueue,
		"origin_queue":     originQueue,
		"lease_id":         "",
		"lease_expires_at": nil,
		"last_error":       detail,
	}
}

// Heartbeat extends a live lease and returns the new expiry. Fails with
// ErrLeaseExpired once the janitor has reclaimed the job.
func (s *GormStore) Heartbeat(ctx context.Context, jobID, leaseID string, extend time.Duration) (time.Time, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := time.Now()
	expiry := now.Add(extend)

	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND lease_id = ? AND state = ? AND lease_expires_at > ?",
			jobID, leaseID, core.StateRunning, now).
		Update("lease_expires_at", expiry)
	if result.Error != nil {
		return time.Time{}, storeErr(result.Error)
	}
	if result.RowsAffected == 0 {
		return time.Time{}, s.leaseFailure(ctx, jobID, leaseID, now)
	}
	return expiry, nil
}

// leaseFailure distinguishes why a lease-guarded update matched no rows.
func (s *GormStore) leaseFailure(ctx context.Context, jobID, leaseID string, now time.Time) error {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.ErrNotFound
	}
	if err != nil {
		return storeErr(err)
	}
	if job.State == core.StateRunning && job.LeaseID == leaseID {
		// Same holder, lease simply lapsed.
		return core.ErrLeaseExpired
	}
	return core.ErrLeaseMismatch
}

// ReclaimExpired returns abandoned jobs to Available, or dead-letters them
// once the retry budget is spent. The attempt was already counted at claim
// time, so reclamation does not increment it again. Only acts on leases that
// have already expired, so re-running after a crash is harmless.
func (s *GormStore) ReclaimExpired(ctx context.Context, now time.Time) (reclaimed, deadLettered int64, err error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("state = ? AND lease_expires_at < ?", core.StateRunning, now).
		Where("attempt_count < max_attempts").
		Updates(map[string]any{
			"state":            core.StateAvailable,
			"scheduled_at":     now,
			"lease_id":         "",
			"lease_expires_at": nil,
		})
	if res.Error != nil {
		return 0, 0, storeErr(res.Error)
	}
	reclaimed = res.RowsAffected

	res = s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("state = ? AND lease_expires_at < ?", core.StateRunning, now).
		Where("attempt_count >= max_attempts").
		Updates(map[string]any{
			"state":            core.StateDeadLettered,
			"origin_queue":     gorm.Expr("queue_name"),
			"queue_name":       core.DeadLetterQueue,
			"lease_id":         "",
			"lease_expires_at": nil,
			"last_error":       "lease expired, retries exhausted",
		})
	if res.Error != nil {
		return reclaimed, 0, storeErr(res.Error)
	}
	return reclaimed, res.RowsAffected, nil
}

// RelocateDeadLetters moves any dead-lettered job still sitting in its
// original queue into the reserved queue. Idempotent catch-up for jobs
// dead-lettered by a path that crashed before relocating.
func (s *GormStore) RelocateDeadLetters(ctx context.Context) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("state = ? AND queue_name <> ?", core.StateDeadLettered, core.DeadLetterQueue).
		Updates(map[string]any{
			"origin_queue": gorm.Expr("queue_name"),
			"queue_name":   core.DeadLetterQueue,
		})
	return res.RowsAffected, storeErr(res.Error)
}

// PurgeOlderThan deletes jobs in the given terminal states whose last write
// is before cutoff, bounding storage growth.
func (s *GormStore) PurgeOlderThan(ctx context.Context, states []core.JobState, cutoff time.Time) (int64, error) {
	if len(states) == 0 {
		return 0, nil
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res := s.db.WithContext(ctx).
		Where("state IN ? AND updated_at < ?", states, cutoff).
		Delete(&core.Job{})
	return res.RowsAffected, storeErr(res.Error)
}

// GetJob retrieves a job by id.
func (s *GormStore) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if err != nil {
		return nil, storeErr(err)
	}
	return &job, nil
}

// ListJobs returns up to limit jobs for a queue, optionally filtered by
// state, in claim order.
func (s *GormStore) ListJobs(ctx context.Context, queueName string, state core.JobState, limit int) ([]*core.Job, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	q := s.db.WithContext(ctx).Where("queue_name = ?", queueName)
	if state != "" {
		q = q.Where("state = ?", state)
	}
	var jobs []*core.Job
	err := q.Order("priority ASC, scheduled_at ASC, created_at ASC, id ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, storeErr(err)
	}
	return jobs, nil
}

// CountByState returns per-state job counts for a queue.
func (s *GormStore) CountByState(ctx context.Context, queueName string) (map[core.JobState]int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	type row struct {
		State core.JobState
		Count int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Select("state, count(*) as count").
		Where("queue_name = ?", queueName).
		Group("state").
		Find(&rows).Error
	if err != nil {
		return nil, storeErr(err)
	}

	counts := make(map[core.JobState]int64, len(rows))
	for _, r := range rows {
		counts[r.State] = r.Count
	}
	return counts, nil
}

// Replay returns a dead-lettered job to Available on its original queue
// with a reset attempt budget.
func (s *GormStore) Replay(ctx context.Context, jobID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job core.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			return err
		}
		if job.State != core.StateDeadLettered {
			return core.Invalid("state", "only dead-lettered jobs can be replayed")
		}

		queue := job.OriginQueue
		if queue == "" {
			queue = job.QueueName
		}
		return tx.Model(&job).Updates(map[string]any{
			"state":         core.StateAvailable,
			"queue_name":    queue,
			"origin_queue":  "",
			"scheduled_at":  time.Now(),
			"attempt_count": 0,
			"last_error":    "",
		}).Error
	})
	return storeErr(err)
}

// UpsertShard registers a shard id in the registry, ignoring duplicates.
func (s *GormStore) UpsertShard(ctx context.Context, shardID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&core.Shard{ID: shardID}).Error
	return storeErr(err)
}

// ListShards returns every shard currently present, oldest first.
func (s *GormStore) ListShards(ctx context.Context) ([]core.Shard, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var shards []core.Shard
	err := s.db.WithContext(ctx).
		Order("created_at ASC, id ASC").
		Find(&shards).Error
	if err != nil {
		return nil, storeErr(err)
	}
	return shards, nil
}
