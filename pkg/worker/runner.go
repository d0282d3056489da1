package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quarryq/quarry/pkg/core"
)

// Handler processes one claimed job. Returning nil completes the job;
// returning an error fails the attempt. Wrap the error with RetryAfter to
// delay the next attempt.
type Handler func(ctx context.Context, job *core.Job) error

// RetryAfterError asks the runner to schedule the next attempt after Delay.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error to delay the job's next attempt.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}

// RunnerConfig holds runner configuration.
type RunnerConfig struct {
	// Queues maps queue name to concurrency.
	Queues map[string]int

	// PollInterval is how often each queue is polled when idle.
	PollInterval time.Duration

	// BatchSize is how many jobs one poll may claim.
	BatchSize int

	// StorageRetry governs retries of complete/fail/heartbeat round trips.
	StorageRetry RetryConfig
}

// RunnerOption configures a Runner.
type RunnerOption interface {
	applyRunner(*RunnerConfig)
}

type runnerOptionFunc func(*RunnerConfig)

func (f runnerOptionFunc) applyRunner(c *RunnerConfig) { f(c) }

// PollInterval sets the idle polling interval.
func PollInterval(d time.Duration) RunnerOption {
	return runnerOptionFunc(func(c *RunnerConfig) {
		c.PollInterval = d
	})
}

// BatchSize sets how many jobs one poll may claim.
func BatchSize(n int) RunnerOption {
	return runnerOptionFunc(func(c *RunnerConfig) {
		c.BatchSize = n
	})
}

// Queue adds a queue to process with the given concurrency.
func Queue(name string, concurrency int) RunnerOption {
	return runnerOptionFunc(func(c *RunnerConfig) {
		if c.Queues == nil {
			c.Queues = make(map[string]int)
		}
		if concurrency < 1 {
			concurrency = 1
		}
		c.Queues[name] = concurrency
	})
}

// StorageRetry overrides the retry policy for outcome reporting.
func StorageRetry(cfg RetryConfig) RunnerOption {
	return runnerOptionFunc(func(c *RunnerConfig) {
		c.StorageRetry = cfg
	})
}

// Runner drives a Worker: it polls queues, dispatches claimed jobs to
// registered handlers, keeps leases alive while handlers run, and reports
// outcomes with retry on transient store failures.
type Runner struct {
	worker   *Worker
	config   RunnerConfig
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
	wg       sync.WaitGroup
}

// NewRunner creates a runner over the given worker handle.
func NewRunner(w *Worker, opts ...RunnerOption) *Runner {
	config := RunnerConfig{
		PollInterval: 100 * time.Millisecond,
		BatchSize:    10,
		StorageRetry: DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt.applyRunner(&config)
	}

	return &Runner{
		worker:   w,
		config:   config,
		logger:   slog.Default().With("component", "runner", core.ShardIDKey, w.ShardID()),
		handlers: make(map[string]Handler),
	}
}

// Register installs the handler for a queue. Queues without a handler are
// never polled.
func (r *Runner) Register(queueName string, h Handler) {
	r.mu.Lock()
	r.handlers[queueName] = h
	r.mu.Unlock()
}

func (r *Runner) handler(queueName string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[queueName]
	return h, ok
}

// Start begins processing jobs. Blocks until the context is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	queues := r.config.Queues
	if len(queues) == 0 {
		// Default to one lane per registered handler.
		queues = make(map[string]int)
		r.mu.RLock()
		for name := range r.handlers {
			queues[name] = 1
		}
		r.mu.RUnlock()
	}
	if len(queues) == 0 {
		return errors.New("worker: no queues to process")
	}

	for name, concurrency := range queues {
		jobs := make(chan *core.Job)
		for i := 0; i < concurrency; i++ {
			r.wg.Add(1)
			go r.processLoop(ctx, jobs)
		}
		r.wg.Add(1)
		go r.pollLoop(ctx, name, jobs)
	}

	<-ctx.Done()
	r.wg.Wait()
	return ctx.Err()
}

func (r *Runner) pollLoop(ctx context.Context, queueName string, jobs chan<- *core.Job) {
	defer r.wg.Done()
	defer close(jobs)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			claimed, err := r.worker.Poll(ctx, queueName, r.config.BatchSize)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					r.logger.Error("poll failed", "queue", queueName, "error", err)
				}
				continue
			}
			for _, job := range claimed {
				select {
				case jobs <- job:
				case <-ctx.Done():
					// Unprocessed claims simply expire; the janitor
					// returns them to the queue.
					return
				}
			}
		}
	}
}

func (r *Runner) processLoop(ctx context.Context, jobs <-chan *core.Job) {
	defer r.wg.Done()

	for job := range jobs {
		r.processJob(ctx, job)
	}
}

func (r *Runner) processJob(ctx context.Context, job *core.Job) {
	h, ok := r.handler(job.QueueName)
	if !ok {
		r.logger.Error("no handler for queue", "queue", job.QueueName, "job_id", job.ID)
		r.failWithRetry(ctx, job, fmt.Sprintf("no handler for queue %s", job.QueueName), nil)
		return
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go r.keepAlive(heartbeatCtx, job)

	err := r.execute(ctx, job, h)
	cancelHeartbeat()

	if err == nil {
		completeErr := retryWithBackoff(ctx, r.config.StorageRetry, func() error {
			return r.worker.Complete(ctx, job.ID, job.LeaseID)
		})
		if completeErr != nil {
			r.logger.Error("failed to complete job", "job_id", job.ID, "error", completeErr)
		}
		return
	}

	var retryAfter *RetryAfterError
	if errors.As(err, &retryAfter) {
		r.failWithRetry(ctx, job, err.Error(), &retryAfter.Delay)
		return
	}
	r.failWithRetry(ctx, job, err.Error(), nil)
}

func (r *Runner) execute(ctx context.Context, job *core.Job, h Handler) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return h(ctx, job)
}

// keepAlive renews the lease at a third of its duration so one missed
// round trip does not lose the job.
func (r *Runner) keepAlive(ctx context.Context, job *core.Job) {
	interval := r.worker.leaseDur / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := r.worker.Heartbeat(ctx, job.ID, job.LeaseID)
			if errors.Is(err, core.ErrLeaseExpired) || errors.Is(err, core.ErrLeaseMismatch) {
				r.logger.Warn("lease lost during processing", "job_id", job.ID, "error", err)
				return
			}
			if err != nil {
				r.logger.Warn("heartbeat failed", "job_id", job.ID, "error", err)
			}
		}
	}
}

func (r *Runner) failWithRetry(ctx context.Context, job *core.Job, detail string, retryAfter *time.Duration) {
	err := retryWithBackoff(ctx, r.config.StorageRetry, func() error {
		return r.worker.Fail(ctx, job.ID, job.LeaseID, detail, retryAfter)
	})
	if err != nil {
		r.logger.Error("failed to record job failure", "job_id", job.ID, "error", err)
	}
}
