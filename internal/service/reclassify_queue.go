package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// JobStatus is the lifecycle state of a reclassification job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// ErrQueueClosed is returned when enqueueing after Stop.
var ErrQueueClosed = errors.New("reclassify queue is closed")

// ReclassifyJob is one queued classification run. Callers that care about the
// outcome Wait on it; everyone else can drop it.
type ReclassifyJob struct {
	ID        string
	Reason    string
	RuleID    int64
	Scope     []string
	CreatedAt time.Time

	run func(ctx context.Context) (RunSummary, error)

	mu      sync.Mutex
	status  JobStatus
	summary RunSummary
	err     error
	done    chan struct{}
}

// Status returns the current state.
func (j *ReclassifyJob) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Done is closed once the job finished, successfully or not.
func (j *ReclassifyJob) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finished or ctx is done.
func (j *ReclassifyJob) Wait(ctx context.Context) (RunSummary, error) {
	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.summary, j.err
	case <-ctx.Done():
		return RunSummary{}, ctx.Err()
	}
}

func (j *ReclassifyJob) setStatus(s JobStatus) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

func (j *ReclassifyJob) finish(summary RunSummary, err error) {
	j.mu.Lock()
	j.summary, j.err = summary, err
	if err != nil {
		j.status = JobFailed
	} else {
		j.status = JobCompleted
	}
	j.mu.Unlock()
	close(j.done)
}

// ReclassifyQueue runs classification jobs one at a time in submission order.
type ReclassifyQueue struct {
	jobs chan *ReclassifyJob
	// closeCh wakes blocked senders; stopCh tells the worker that no sender
	// is left and the buffer can be emptied.
	closeCh   chan struct{}
	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	started   bool
	log       zerolog.Logger
}

// NewReclassifyQueue creates a queue buffering up to bufferSize jobs before
// Enqueue blocks.
func NewReclassifyQueue(bufferSize int, log zerolog.Logger) *ReclassifyQueue {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &ReclassifyQueue{
		jobs:    make(chan *ReclassifyJob, bufferSize),
		closeCh: make(chan struct{}),
		stopCh:  make(chan struct{}),
		log:     log,
	}
}

// Start launches the single worker. It returns once the worker is running.
func (q *ReclassifyQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.started {
		return nil
	}
	q.started = true
	q.wg.Add(1)
	go q.worker(ctx)
	return nil
}

// Enqueue submits run under a new job id.
func (q *ReclassifyQueue) Enqueue(ctx context.Context, reason string, ruleID int64, scope []string, run func(ctx context.Context) (RunSummary, error)) (*ReclassifyJob, error) {
	job := &ReclassifyJob{
		ID:        uuid.NewString(),
		Reason:    reason,
		RuleID:    ruleID,
		Scope:     scope,
		CreatedAt: time.Now().UTC(),
		run:       run,
		status:    JobPending,
		done:      make(chan struct{}),
	}
	return job, q.push(ctx, job)
}

// Retry resubmits a failed job as a new job with the same work.
func (q *ReclassifyQueue) Retry(ctx context.Context, job *ReclassifyJob) (*ReclassifyJob, error) {
	if job.Status() != JobFailed {
		return nil, fmt.Errorf("job %s is %s, only failed jobs can be retried", job.ID, job.Status())
	}
	return q.Enqueue(ctx, job.Reason, job.RuleID, job.Scope, job.run)
}

func (q *ReclassifyQueue) push(ctx context.Context, job *ReclassifyJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		q.log.Debug().Str("job_id", job.ID).Str("reason", job.Reason).Int("scope", len(job.Scope)).Msg("reclassify job queued")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeCh:
		return ErrQueueClosed
	}
}

func (q *ReclassifyQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			q.markClosed()
			q.drain(ctx.Err())
			return
		case <-q.stopCh:
			q.runPending(ctx)
			return
		case job := <-q.jobs:
			q.process(ctx, job)
		}
	}
}

// runPending finishes whatever was queued before Stop.
func (q *ReclassifyQueue) runPending(ctx context.Context) {
	for {
		select {
		case job := <-q.jobs:
			q.process(ctx, job)
		default:
			return
		}
	}
}

func (q *ReclassifyQueue) drain(err error) {
	for {
		select {
		case job := <-q.jobs:
			job.finish(RunSummary{}, err)
		default:
			return
		}
	}
}

func (q *ReclassifyQueue) process(ctx context.Context, job *ReclassifyJob) {
	job.setStatus(JobRunning)
	start := time.Now()
	summary, err := job.run(ctx)
	job.finish(summary, err)

	ev := q.log.Info()
	if err != nil {
		ev = q.log.Error().Err(err)
	}
	ev.Str("job_id", job.ID).
		Str("reason", job.Reason).
		Int64("rule_id", job.RuleID).
		Int("matched", summary.TotalMatched).
		Int("failed_rules", summary.FailedRules).
		Dur("took", time.Since(start)).
		Msg("reclassify job finished")
}

// markClosed wakes blocked senders, waits for them to leave push and then
// refuses new jobs. It reports whether this call closed the queue.
func (q *ReclassifyQueue) markClosed() bool {
	q.closeOnce.Do(func() { close(q.closeCh) })
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.closed = true
	return true
}

// Stop refuses new jobs, lets the worker finish what is queued, and waits
// for it or for ctx.
func (q *ReclassifyQueue) Stop(ctx context.Context) error {
	if !q.markClosed() {
		return nil
	}
	q.mu.RLock()
	started := q.started
	q.mu.RUnlock()

	if !started {
		q.drain(ErrQueueClosed)
		return nil
	}
	close(q.stopCh)
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
