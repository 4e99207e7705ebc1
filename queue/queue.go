package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxcall/callerr"
)

// DefaultMaxAttempts is the retry budget of a paused job.
const DefaultMaxAttempts = 8

// purgedCapacity bounds how many purged job ids Restore remembers to skip.
const purgedCapacity = 1024

// Processor executes one job. The error's callerr.Class decides the outcome.
type Processor interface {
	Process(ctx context.Context, job *Job) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job *Job) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, job *Job) error { return f(ctx, job) }

// Outcome is what happened to a job after one processing attempt.
type Outcome uint8

const (
	// OutcomeProcessed: the job succeeded and was removed
	OutcomeProcessed Outcome = iota + 1
	// OutcomePaused: the job stays at the head until the next trigger
	OutcomePaused
	// OutcomeFailed: the job was removed without success
	OutcomeFailed
)

// String returns a human-readable representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomePaused:
		return "pausedForRetry"
	case OutcomeFailed:
		return "failedTerminal"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

// Options configures a Queue.
type Options struct {
	// MaxAttempts bounds how often a paused job is retried. Zero means
	// DefaultMaxAttempts.
	MaxAttempts int
	// Cache persists jobs. Nil means a MemoryCache.
	Cache JobCache
	// OnFailure is called, outside the queue lock, for every job removed
	// without success. Budget exhaustion wraps callerr.ErrRetryBudgetExhausted.
	OnFailure func(job *Job, err error)
	// OnOutcome observes every processing attempt.
	OnOutcome func(job *Job, outcome Outcome, err error)
}

// Queue is an ordered, multi-producer, single-consumer job queue. Jobs are
// drained one at a time in SequenceID order by at most one drain goroutine.
type Queue struct {
	proc  Processor
	opts  Options
	cache JobCache

	mu        sync.Mutex
	counter   uint64
	jobs      []*Job
	purged    map[string]struct{}
	purgeRing []string
	purgeNext int
	started   bool
	stopped   bool
	running   bool
	retrigger bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a queue. Jobs can be submitted right away but are only
// drained after Start.
func New(proc Processor, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		proc:   proc,
		opts:   opts,
		cache:     cache,
		purged:    make(map[string]struct{}),
		purgeRing: make([]string, purgedCapacity),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start restores persisted jobs and begins draining.
func (q *Queue) Start() error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.mu.Unlock()

	if err := q.Restore(q.ctx); err != nil {
		return err
	}
	q.Trigger()
	return nil
}

// Restore loads persisted jobs that are not already queued and advances
// the sequence counter past them. Purged jobs still in the cache are
// deleted instead of restored.
func (q *Queue) Restore(ctx context.Context) error {
	jobs, err := q.cache.Load(ctx)
	if err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}

	q.mu.Lock()
	restored := 0
	var stale []string
	for _, j := range jobs {
		if j.SequenceID > q.counter {
			q.counter = j.SequenceID
		}
		if _, ok := q.purged[j.ID]; ok {
			stale = append(stale, j.ID)
			continue
		}
		if q.indexLocked(j.ID) >= 0 {
			continue
		}
		q.insertLocked(j)
		restored++
	}
	counter := q.counter
	q.mu.Unlock()

	for _, id := range stale {
		_ = q.cache.Delete(ctx, id)
	}
	if restored > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Restore",
			"restored": restored,
			"counter":  counter,
		}).Info("Restored queued jobs")
	}
	return nil
}

// Prepare assigns an id and the next sequence id to a job without
// queueing it. The job must later be passed to Enqueue.
func (q *Queue) Prepare(write *WriteTask, stream *StreamTask) (*Job, error) {
	j := &Job{ID: uuid.NewString(), Write: write, Stream: stream, SubmittedAt: time.Now()}
	if err := j.validate(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return nil, ErrStopped
	}
	q.counter++
	j.SequenceID = q.counter
	return j, nil
}

// Enqueue inserts a prepared job in sequence order, persists it and
// triggers a drain.
func (q *Queue) Enqueue(j *Job) error {
	if err := j.validate(); err != nil {
		return err
	}
	if err := q.cache.Put(q.ctx, j); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Enqueue",
			"job_id":   j.ID,
			"error":    err.Error(),
		}).Warn("Failed to persist job")
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	if q.indexLocked(j.ID) < 0 {
		q.insertLocked(j)
	}
	q.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Enqueue",
		"job_id":      j.ID,
		"sequence_id": j.SequenceID,
		"kind":        j.Kind().String(),
	}).Debug("Job queued")

	q.Trigger()
	return nil
}

// SubmitWrite queues an outbound task.
func (q *Queue) SubmitWrite(t WriteTask) (*Job, error) {
	return q.submit(&t, nil)
}

// SubmitStream queues an inbound task.
func (q *Queue) SubmitStream(t StreamTask) (*Job, error) {
	return q.submit(nil, &t)
}

func (q *Queue) submit(w *WriteTask, s *StreamTask) (*Job, error) {
	j, err := q.Prepare(w, s)
	if err != nil {
		return nil, err
	}
	return j, q.Enqueue(j)
}

// insertLocked places j before the first job whose sequence id is greater
// than or equal to its own.
func (q *Queue) insertLocked(j *Job) {
	i := len(q.jobs)
	for k, existing := range q.jobs {
		if existing.SequenceID >= j.SequenceID {
			i = k
			break
		}
	}
	q.jobs = append(q.jobs, nil)
	copy(q.jobs[i+1:], q.jobs[i:])
	q.jobs[i] = j
}

func (q *Queue) indexLocked(id string) int {
	for i, j := range q.jobs {
		if j.ID == id {
			return i
		}
	}
	return -1
}

// Trigger starts a drain if none is running. A trigger that arrives while
// a drain is running makes a paused head job retry once more.
func (q *Queue) Trigger() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started || q.stopped {
		return
	}
	if q.running {
		q.retrigger = true
		return
	}
	q.running = true
	q.retrigger = false
	q.wg.Add(1)
	go q.drain()
}

func (q *Queue) drain() {
	defer q.wg.Done()
	reloaded := false

	for {
		q.mu.Lock()
		if q.ctx.Err() != nil {
			q.running = false
			q.mu.Unlock()
			return
		}
		if len(q.jobs) == 0 {
			if reloaded {
				q.running = false
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			reloaded = true
			if err := q.Restore(q.ctx); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "drain",
					"error":    err.Error(),
				}).Warn("Job cache reload failed")
			}
			continue
		}
		job := q.jobs[0]
		q.mu.Unlock()

		err := q.proc.Process(q.ctx, job)
		if q.settle(job, err) {
			return
		}
	}
}

// settle applies the outcome of one attempt. It returns true when the
// drain should stop.
func (q *Queue) settle(job *Job, err error) bool {
	class := callerr.Classify(err)
	outcome := OutcomeProcessed
	var failure error

	q.mu.Lock()
	if q.ctx.Err() != nil {
		q.running = false
		q.mu.Unlock()
		return true
	}
	if q.indexLocked(job.ID) < 0 {
		// purged while running
		q.mu.Unlock()
		_ = q.cache.Delete(q.ctx, job.ID)
		return false
	}
	switch {
	case err == nil:
		q.removeLocked(job.ID)
	case class.Retryable():
		job.Attempts++
		if job.Attempts >= q.opts.MaxAttempts {
			outcome = OutcomeFailed
			failure = fmt.Errorf("%w after %d attempts: %w", callerr.ErrRetryBudgetExhausted, job.Attempts, err)
			q.removeLocked(job.ID)
			break
		}
		outcome = OutcomePaused
	default:
		outcome = OutcomeFailed
		failure = err
		q.removeLocked(job.ID)
	}

	stop := false
	if outcome == OutcomePaused {
		if q.retrigger {
			q.retrigger = false
		} else {
			q.running = false
			stop = true
		}
	}
	q.mu.Unlock()

	if outcome == OutcomePaused {
		if perr := q.cache.Put(q.ctx, job); perr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "settle",
				"job_id":   job.ID,
				"error":    perr.Error(),
			}).Warn("Failed to persist job")
		}
	} else {
		if derr := q.cache.Delete(q.ctx, job.ID); derr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "settle",
				"job_id":   job.ID,
				"error":    derr.Error(),
			}).Warn("Failed to delete job from cache")
		}
	}

	fields := logrus.Fields{
		"function":    "settle",
		"job_id":      job.ID,
		"sequence_id": job.SequenceID,
		"kind":        job.Kind().String(),
		"outcome":     outcome.String(),
		"attempts":    job.Attempts,
	}
	switch outcome {
	case OutcomePaused:
		fields["error_class"] = class.String()
		logrus.WithFields(fields).Warn("Job paused for retry")
	case OutcomeFailed:
		fields["error"] = failure.Error()
		logrus.WithFields(fields).Error("Job failed")
	default:
		logrus.WithFields(fields).Debug("Job processed")
	}

	if q.opts.OnOutcome != nil {
		q.opts.OnOutcome(job, outcome, err)
	}
	if outcome == OutcomeFailed && q.opts.OnFailure != nil {
		q.opts.OnFailure(job, failure)
	}
	return stop
}

func (q *Queue) markPurgedLocked(id string) {
	if _, ok := q.purged[id]; ok {
		return
	}
	if old := q.purgeRing[q.purgeNext]; old != "" {
		delete(q.purged, old)
	}
	q.purgeRing[q.purgeNext] = id
	q.purgeNext = (q.purgeNext + 1) % len(q.purgeRing)
	q.purged[id] = struct{}{}
}

func (q *Queue) removeLocked(id string) {
	if i := q.indexLocked(id); i >= 0 {
		copy(q.jobs[i:], q.jobs[i+1:])
		q.jobs[len(q.jobs)-1] = nil
		q.jobs = q.jobs[:len(q.jobs)-1]
	}
}

// Purge removes every queued job matching match and returns how many were
// removed. Purged jobs are not reported as failures and are never
// restored from the cache.
func (q *Queue) Purge(match func(*Job) bool) int {
	q.mu.Lock()
	var removed []*Job
	kept := q.jobs[:0]
	for _, j := range q.jobs {
		if match(j) {
			removed = append(removed, j)
			q.markPurgedLocked(j.ID)
			continue
		}
		kept = append(kept, j)
	}
	for i := len(kept); i < len(q.jobs); i++ {
		q.jobs[i] = nil
	}
	q.jobs = kept
	q.mu.Unlock()

	for _, j := range removed {
		_ = q.cache.Delete(context.Background(), j.ID)
	}
	return len(removed)
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Pending returns copies of the queued jobs in drain order.
func (q *Queue) Pending() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.jobs))
	for i, j := range q.jobs {
		out[i] = *j
	}
	return out
}

// Running reports whether a drain is in progress.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Stop cancels the active drain, waits for it, and drops every pending job
// from memory and the cache. The queue cannot be restarted.
func (q *Queue) Stop() error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	q.cancel()
	q.mu.Unlock()

	q.wg.Wait()

	q.mu.Lock()
	dropped := len(q.jobs)
	q.jobs = nil
	q.mu.Unlock()

	err := q.cache.Clear(context.Background())
	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"dropped":  dropped,
	}).Info("Job queue stopped")
	return err
}
