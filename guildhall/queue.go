package guildhall

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateDelayed   JobState = "delayed"
	JobStateActive    JobState = "active"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"

	columnJobQueueName    = "queue_name"
	columnJobID           = "id"
	columnJobState        = "state"
	columnJobAttempts     = "attempts"
	columnJobDelayUntil   = "delay_until"
	columnJobStartedAt    = "started_at"
	columnJobFinishedAt   = "finished_at"
	columnJobResult       = "result"
	columnJobResultStatus = "result_status"
	columnJobError        = "error"
	columnJobProgress     = "progress"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobRemoved      = errors.New("job removed")
	ErrJobTimeout      = errors.New("job timed out")
	ErrDuplicateJob    = errors.New("job already exists")
	ErrQueueProcessing = errors.New("queue is already being processed")
	ErrQueueStopped    = errors.New("queue stopped before the job finished")
	ErrNoActiveJob     = errors.New("no active job in context")
)

type progressContextKey struct{}

// JSONText is a JSON document stored as text. It marshals as the raw
// document rather than a quoted string.
type JSONText string

func (j JSONText) MarshalJSON() ([]byte, error) {
	if j == "" {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

// Job is a persisted unit of work in a named queue.
type Job struct {
	QueueName     string          `gorm:"primaryKey;size:191;column:queue_name" json:"queue"`
	ID            string          `gorm:"primaryKey;size:191" json:"id"`
	State         JobState        `gorm:"size:16;index" json:"state"`
	Payload       JSONText        `gorm:"type:text" json:"payload"`
	PayloadStatus SerializeStatus `gorm:"size:16" json:"payload_status"`
	TimeoutMS     int64           `json:"timeout_ms"`
	Retries       int             `json:"retries"`
	Attempts      int             `json:"attempts"`
	DelayUntil    int64           `gorm:"index" json:"delay_until"`
	Result        JSONText        `gorm:"type:text" json:"result"`
	ResultStatus  SerializeStatus `gorm:"size:16" json:"result_status,omitempty"`
	Error         string          `gorm:"type:text" json:"error,omitempty"`
	Progress      int             `json:"progress"`
	StartedAt     *int64          `json:"started_at,omitempty"`
	FinishedAt    *int64          `gorm:"index" json:"finished_at,omitempty"`
	CreatedAt     int64           `gorm:"autoCreateTime:milli" json:"created_at"`
	UpdatedAt     int64           `gorm:"autoUpdateTime:milli" json:"updated_at"`
}

func (Job) TableName() string {
	return "queue_jobs"
}

func (j Job) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("queue", j.QueueName),
		slog.String("id", j.ID),
		slog.String("state", string(j.State)),
		slog.Int("attempts", j.Attempts),
		slog.Int("retries", j.Retries),
	)
}

// JobOptions are applied to a job when it's added to a queue.
type JobOptions struct {
	// Timeout for each attempt. 0=no timeout
	Timeout time.Duration

	// Number of times a failed job is retried
	Retries int

	// If set, the job won't run before this time
	DelayUntil time.Time
}

// ProcessFunc is called by queue workers for each claimed job.
type ProcessFunc func(ctx context.Context, job *Job) (any, error)

// QueueBackend creates and tracks the named queues sharing a database.
type QueueBackend struct {
	db       DBI
	config   *QueueConfig
	notifier QueueNotifier
	logger   *slog.Logger
	mu       sync.Mutex
	queues   map[string]*Queue
}

func NewQueueBackend(
	db DBI,
	config *QueueConfig,
	notifier QueueNotifier,
	logger *slog.Logger,
) *QueueBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = localQueueNotifier{}
	}
	return &QueueBackend{
		db:       db,
		config:   config,
		notifier: notifier,
		logger:   logger.With(loggerNameKey, "queue"),
		queues:   map[string]*Queue{},
	}
}

// NewQueue returns the queue with the given name, creating it if
// it doesn't exist yet.
func (b *QueueBackend) NewQueue(name string) *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q
	}
	q := &Queue{
		name:    name,
		backend: b,
		logger:  b.logger.With("queue", name),
		wake:    make(chan struct{}, 1),
		handles: map[string]*JobHandle{},
	}
	b.queues[name] = q
	return q
}

// Queues returns all queues created so far.
func (b *QueueBackend) Queues() []*Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	queues := make([]*Queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	return queues
}

// Queue is a durable FIFO job queue. Jobs are persisted before
// they're processed, and jobs left active by a previous process are
// requeued when processing starts.
type Queue struct {
	name       string
	backend    *QueueBackend
	logger     *slog.Logger
	processing atomic.Bool
	wake       chan struct{}

	mu      sync.Mutex
	handles map[string]*JobHandle

	hooksMu     sync.RWMutex
	onSucceeded []func(*Job, any)
	onFailed    []func(*Job, error)
	onRetrying  []func(*Job, error)
}

func (q *Queue) Name() string {
	return q.name
}

// OnSucceeded registers a hook called after any job succeeds.
func (q *Queue) OnSucceeded(fn func(job *Job, result any)) {
	q.hooksMu.Lock()
	defer q.hooksMu.Unlock()
	q.onSucceeded = append(q.onSucceeded, fn)
}

// OnFailed registers a hook called after any job fails its final attempt.
func (q *Queue) OnFailed(fn func(job *Job, err error)) {
	q.hooksMu.Lock()
	defer q.hooksMu.Unlock()
	q.onFailed = append(q.onFailed, fn)
}

// OnRetrying registers a hook called when a failed job is requeued.
func (q *Queue) OnRetrying(fn func(job *Job, err error)) {
	q.hooksMu.Lock()
	defer q.hooksMu.Unlock()
	q.onRetrying = append(q.onRetrying, fn)
}

// signal wakes the dispatch loop without blocking.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Add persists a new job. The returned handle resolves when the job
// succeeds, fails its final attempt, or is removed.
func (q *Queue) Add(
	ctx context.Context,
	id string,
	payload any,
	opts JobOptions,
) (*JobHandle, error) {
	ser := Serialize(payload, q.backend.config.MaxDepth)
	now := time.Now()

	job := &Job{
		QueueName:     q.name,
		ID:            id,
		State:         JobStateWaiting,
		PayloadStatus: ser.Status,
		TimeoutMS:     opts.Timeout.Milliseconds(),
		Retries:       opts.Retries,
		DelayUntil:    now.UnixMilli(),
	}
	if ser.Status == SerializeError {
		q.logger.WarnContext(ctx, "unable to serialize job payload", "job_id", id, tint.Err(ser.Err))
	} else {
		job.Payload = JSONText(ser.Data)
	}

	delayed := opts.DelayUntil.After(now)
	if delayed {
		job.State = JobStateDelayed
		job.DelayUntil = opts.DelayUntil.UnixMilli()
	}

	var handleDelay time.Time
	if delayed {
		handleDelay = opts.DelayUntil
	}
	handle := newJobHandle(id, handleDelay)

	q.mu.Lock()
	if _, exists := q.handles[id]; exists {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	q.handles[id] = handle
	q.mu.Unlock()

	if _, err := q.backend.db.Create(ctx, job); err != nil {
		q.mu.Lock()
		delete(q.handles, id)
		q.mu.Unlock()
		return nil, fmt.Errorf("error adding job %q: %w", id, err)
	}

	q.logger.DebugContext(ctx, "added job", "job", job)
	q.signal()
	if delayed {
		time.AfterFunc(time.Until(opts.DelayUntil), q.signal)
	}
	if err := q.backend.notifier.Notify(ctx, q.name); err != nil {
		q.logger.WarnContext(ctx, "error notifying workers", tint.Err(err))
	}
	return handle, nil
}

// Process claims and runs jobs with fn until ctx is canceled, running
// up to [QueueConfig.Concurrency] jobs at once. It waits for running
// jobs to return before returning. Only one Process call may run per
// queue at a time.
func (q *Queue) Process(ctx context.Context, fn ProcessFunc) error {
	if !q.processing.CompareAndSwap(false, true) {
		return ErrQueueProcessing
	}
	defer q.processing.Store(false)
	defer q.resolvePending(ErrQueueStopped)

	if err := q.resetStalled(ctx); err != nil {
		return fmt.Errorf("error requeueing stalled jobs: %w", err)
	}

	go func() {
		if err := q.backend.notifier.Listen(ctx, q.name, q.signal); err != nil {
			q.logger.ErrorContext(ctx, "queue listener stopped", tint.Err(err))
		}
	}()

	concurrency := max(q.backend.config.Concurrency, 1)
	pollInterval := q.backend.config.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultQueuePollInterval
	}

	sem := make(chan struct{}, concurrency)
	wg := &sync.WaitGroup{}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	q.logger.InfoContext(ctx, "processing queue", "concurrency", concurrency)
	for {
		q.dispatch(ctx, fn, sem, wg)
		select {
		case <-ctx.Done():
			q.logger.InfoContext(ctx, "waiting for active jobs")
			wg.Wait()
			return nil
		case <-ticker.C:
		case <-q.wake:
		}
	}
}

// dispatch starts a worker for each runnable job, until there are
// no free workers or no runnable jobs.
func (q *Queue) dispatch(
	ctx context.Context,
	fn ProcessFunc,
	sem chan struct{},
	wg *sync.WaitGroup,
) {
	for ctx.Err() == nil {
		select {
		case sem <- struct{}{}:
		default:
			return
		}
		job, err := q.claim(ctx)
		if err != nil || job == nil {
			<-sem
			if err != nil && ctx.Err() == nil {
				q.logger.ErrorContext(ctx, "error claiming job", tint.Err(err))
			}
			return
		}
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
				q.signal()
			}()
			q.run(ctx, fn, job)
		}()
	}
}

// claim atomically moves the oldest runnable job to active.
func (q *Queue) claim(ctx context.Context) (*Job, error) {
	var claimed *Job
	err := q.backend.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			now := time.Now().UnixMilli()
			var job Job
			rv := tx.Where(
				"queue_name = ? AND state IN ? AND delay_until <= ?",
				q.name,
				[]JobState{JobStateWaiting, JobStateDelayed},
				now,
			).Order("delay_until asc, created_at asc").Limit(1).Find(&job)
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected == 0 {
				return nil
			}

			upd := tx.Model(&Job{}).Where(
				"queue_name = ? AND id = ? AND state = ?",
				q.name, job.ID, job.State,
			).Updates(
				map[string]any{
					columnJobState:     JobStateActive,
					columnJobAttempts:  gorm.Expr("attempts + 1"),
					columnJobStartedAt: now,
				},
			)
			if upd.Error != nil {
				return upd.Error
			}
			if upd.RowsAffected == 0 {
				return nil
			}
			job.State = JobStateActive
			job.Attempts++
			job.StartedAt = &now
			claimed = &job
			return nil
		},
	)
	return claimed, err
}

type jobOutcome struct {
	result any
	err    error

	// the processor was still running when the job finished
	abandoned bool
}

// run executes fn for a claimed job and records the outcome. If ctx is
// canceled first, the job is left active so it's requeued on the next
// start. A timed out job isn't retried until fn returns.
func (q *Queue) run(ctx context.Context, fn ProcessFunc, job *Job) {
	logger := q.logger.With("job", job)

	jobCtx, cancel := ctx, context.CancelFunc(func() {})
	if job.TimeoutMS > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutMS)*time.Millisecond)
	}
	defer cancel()
	jobCtx = WithLogger(jobCtx, logger)
	jobCtx = context.WithValue(jobCtx, progressContextKey{}, &progressReporter{queue: q, jobID: job.ID})

	// fn gets its own copy, so a stale attempt can't race with finish
	attempt := *job
	done := make(chan jobOutcome, 1)
	go func() {
		defer func() {
			if rc := recover(); rc != nil {
				handleRecover(jobCtx, rc)
				done <- jobOutcome{err: panicError(rc)}
			}
		}()
		result, err := fn(jobCtx, &attempt)
		done <- jobOutcome{result: result, err: err}
	}()

	var out jobOutcome
	select {
	case out = <-done:
	case <-jobCtx.Done():
		if ctx.Err() != nil {
			out = jobOutcome{err: ctx.Err()}
			break
		}
		out = q.awaitTimedOut(ctx, logger, done)
	}

	if ctx.Err() != nil && out.err != nil {
		logger.WarnContext(ctx, "stopped while job was active, leaving for requeue")
		return
	}
	if out.err != nil && !errors.Is(out.err, ErrJobTimeout) &&
		errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		out.err = fmt.Errorf("%w: %w", ErrJobTimeout, out.err)
	}
	q.finish(context.WithoutCancel(ctx), job, out.result, out.err, !out.abandoned)
}

// awaitTimedOut waits up to the grace period for the processor of a
// timed out job to return.
func (q *Queue) awaitTimedOut(
	ctx context.Context,
	logger *slog.Logger,
	done <-chan jobOutcome,
) jobOutcome {
	grace := q.backend.config.TimeoutGracePeriod
	if grace <= 0 {
		return jobOutcome{err: ErrJobTimeout, abandoned: true}
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case late := <-done:
		if late.err != nil && !errors.Is(late.err, context.DeadlineExceeded) {
			return jobOutcome{err: fmt.Errorf("%w: %w", ErrJobTimeout, late.err)}
		}
		return jobOutcome{err: ErrJobTimeout}
	case <-timer.C:
		logger.ErrorContext(
			ctx,
			"timed out job is still running, failing without retry",
			"grace_period", grace,
		)
		return jobOutcome{err: ErrJobTimeout, abandoned: true}
	case <-ctx.Done():
		return jobOutcome{err: ctx.Err()}
	}
}

func (q *Queue) finish(ctx context.Context, job *Job, result any, err error, canRetry bool) {
	now := time.Now().UnixMilli()
	logger := q.logger.With("job", job)

	if err == nil {
		ser := Serialize(result, q.backend.config.MaxDepth)
		updates := map[string]any{
			columnJobState:        JobStateSucceeded,
			columnJobResultStatus: ser.Status,
			columnJobFinishedAt:   now,
			columnJobProgress:     100,
		}
		if ser.Status == SerializeError {
			logger.WarnContext(ctx, "unable to serialize job result", tint.Err(ser.Err))
		} else {
			updates[columnJobResult] = JSONText(ser.Data)
			job.Result = JSONText(ser.Data)
		}
		q.updateJob(ctx, job, updates)
		job.State = JobStateSucceeded
		job.ResultStatus = ser.Status
		job.FinishedAt = &now
		logger.InfoContext(ctx, "job succeeded")

		q.hooksMu.RLock()
		hooks := append([]func(*Job, any){}, q.onSucceeded...)
		q.hooksMu.RUnlock()
		for _, hook := range hooks {
			hook(job, result)
		}
		q.resolve(job.ID, result, nil)
		return
	}

	job.Error = err.Error()
	if canRetry && job.Attempts <= job.Retries {
		q.updateJob(
			ctx, job, map[string]any{
				columnJobState:      JobStateWaiting,
				columnJobError:      job.Error,
				columnJobDelayUntil: now,
			},
		)
		job.State = JobStateWaiting
		logger.WarnContext(ctx, "job failed, retrying", tint.Err(err))

		q.hooksMu.RLock()
		hooks := append([]func(*Job, error){}, q.onRetrying...)
		q.hooksMu.RUnlock()
		for _, hook := range hooks {
			hook(job, err)
		}
		q.signal()
		return
	}

	q.updateJob(
		ctx, job, map[string]any{
			columnJobState:      JobStateFailed,
			columnJobError:      job.Error,
			columnJobFinishedAt: now,
		},
	)
	job.State = JobStateFailed
	job.FinishedAt = &now
	logger.ErrorContext(ctx, "job failed", tint.Err(err))

	q.hooksMu.RLock()
	hooks := append([]func(*Job, error){}, q.onFailed...)
	q.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(job, err)
	}
	q.resolve(job.ID, nil, err)
}

func (q *Queue) updateJob(ctx context.Context, job *Job, updates map[string]any) {
	_, err := q.backend.db.UpdatesWhere(
		ctx,
		&Job{},
		updates,
		"queue_name = ? AND id = ?",
		q.name,
		job.ID,
	)
	if err != nil {
		q.logger.ErrorContext(ctx, "error updating job", "job", job, tint.Err(err))
	}
}

// resolve settles and forgets the in-process handle for id, if any.
func (q *Queue) resolve(id string, result any, err error) {
	q.mu.Lock()
	handle := q.handles[id]
	delete(q.handles, id)
	q.mu.Unlock()
	if handle != nil {
		handle.resolve(result, err)
	}
}

// resolvePending resolves every handle still waiting on a job with err.
func (q *Queue) resolvePending(err error) {
	q.mu.Lock()
	handles := q.handles
	q.handles = map[string]*JobHandle{}
	q.mu.Unlock()
	for _, handle := range handles {
		handle.resolve(nil, err)
	}
}

func (q *Queue) handle(id string) *JobHandle {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handles[id]
}

// resetStalled requeues jobs left active by a previous process.
func (q *Queue) resetStalled(ctx context.Context) error {
	rows, err := q.backend.db.UpdatesWhere(
		ctx,
		&Job{},
		map[string]any{columnJobState: JobStateWaiting},
		"queue_name = ? AND state = ?",
		q.name,
		JobStateActive,
	)
	if err != nil {
		return err
	}
	if rows > 0 {
		q.logger.WarnContext(ctx, "requeued stalled jobs", "count", rows)
	}
	return nil
}

// GetJob returns the job with the given ID, or ErrJobNotFound.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := q.backend.db.DB().WithContext(ctx).Where(
		"queue_name = ? AND id = ?",
		q.name,
		id,
	).Take(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// Remove deletes a job. A pending handle for the job resolves with
// ErrJobRemoved. Active jobs are removed as well, and their eventual
// outcome is discarded.
func (q *Queue) Remove(ctx context.Context, id string) error {
	rows, err := q.backend.db.Delete(ctx, &Job{}, "queue_name = ? AND id = ?", q.name, id)
	if err != nil {
		return fmt.Errorf("error removing job %q: %w", id, err)
	}
	if rows == 0 {
		return ErrJobNotFound
	}
	q.resolve(id, nil, ErrJobRemoved)
	q.logger.DebugContext(ctx, "removed job", "job_id", id)
	return nil
}

// Counts returns the number of jobs in each state.
func (q *Queue) Counts(ctx context.Context) (map[JobState]int64, error) {
	var rows []struct {
		State JobState
		Total int64
	}
	err := q.backend.db.DB().WithContext(ctx).Model(&Job{}).
		Select("state, count(*) as total").
		Where("queue_name = ?", q.name).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := map[JobState]int64{
		JobStateWaiting:   0,
		JobStateDelayed:   0,
		JobStateActive:    0,
		JobStateSucceeded: 0,
		JobStateFailed:    0,
	}
	for _, r := range rows {
		counts[r.State] = r.Total
	}
	return counts, nil
}

// Clean deletes succeeded and failed jobs which finished more than
// olderThan ago.
func (q *Queue) Clean(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	rows, err := q.backend.db.Delete(
		ctx,
		&Job{},
		"queue_name = ? AND state IN ? AND finished_at < ?",
		q.name,
		[]JobState{JobStateSucceeded, JobStateFailed},
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("error cleaning queue %q: %w", q.name, err)
	}
	if rows > 0 {
		q.logger.InfoContext(ctx, "cleaned finished jobs", "count", rows)
	}
	return rows, nil
}

type progressReporter struct {
	queue *Queue
	jobID string
}

// ReportProgress records the progress (0-100) of the job being
// processed with ctx, and notifies the job handle's progress listeners.
func ReportProgress(ctx context.Context, pct int) error {
	r, ok := ctx.Value(progressContextKey{}).(*progressReporter)
	if !ok {
		return ErrNoActiveJob
	}
	pct = min(max(pct, 0), 100)
	q := r.queue
	_, err := q.backend.db.UpdatesWhere(
		ctx,
		&Job{},
		map[string]any{columnJobProgress: pct},
		"queue_name = ? AND id = ? AND state = ?",
		q.name,
		r.jobID,
		JobStateActive,
	)
	if err != nil {
		q.logger.ErrorContext(ctx, "error updating job progress", "job_id", r.jobID, tint.Err(err))
	}
	if handle := q.handle(r.jobID); handle != nil {
		handle.progress(pct)
	}
	return nil
}

// JobHandle tracks the outcome of a job added in this process.
type JobHandle struct {
	id         string
	delayUntil time.Time
	done       chan struct{}

	mu          sync.Mutex
	resolved    bool
	result      any
	err         error
	onSucceeded []func(any)
	onFailed    []func(error)
	onProgress  []func(int)
}

func newJobHandle(id string, delayUntil time.Time) *JobHandle {
	return &JobHandle{
		id:         id,
		delayUntil: delayUntil,
		done:       make(chan struct{}),
	}
}

func (h *JobHandle) ID() string {
	return h.id
}

// DelayUntil returns the time before which the job won't run. It's the
// zero time if the job wasn't delayed.
func (h *JobHandle) DelayUntil() time.Time {
	return h.delayUntil
}

// Done is closed when the job resolves.
func (h *JobHandle) Done() <-chan struct{} {
	return h.done
}

// Result returns the job's result and error. It's only meaningful
// after Done is closed.
func (h *JobHandle) Result() (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// OnSucceeded registers fn to be called with the job's result. If the
// job already succeeded, fn is called immediately.
func (h *JobHandle) OnSucceeded(fn func(result any)) *JobHandle {
	h.mu.Lock()
	if h.resolved {
		result, err := h.result, h.err
		h.mu.Unlock()
		if err == nil {
			fn(result)
		}
		return h
	}
	h.onSucceeded = append(h.onSucceeded, fn)
	h.mu.Unlock()
	return h
}

// OnFailed registers fn to be called with the job's error. If the job
// already failed, fn is called immediately.
func (h *JobHandle) OnFailed(fn func(err error)) *JobHandle {
	h.mu.Lock()
	if h.resolved {
		err := h.err
		h.mu.Unlock()
		if err != nil {
			fn(err)
		}
		return h
	}
	h.onFailed = append(h.onFailed, fn)
	h.mu.Unlock()
	return h
}

// OnProgress registers fn to be called when the job reports progress.
func (h *JobHandle) OnProgress(fn func(pct int)) *JobHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.resolved {
		h.onProgress = append(h.onProgress, fn)
	}
	return h
}

func (h *JobHandle) resolve(result any, err error) bool {
	h.mu.Lock()
	if h.resolved {
		h.mu.Unlock()
		return false
	}
	h.resolved = true
	h.result = result
	h.err = err
	succeeded := h.onSucceeded
	failed := h.onFailed
	h.onSucceeded = nil
	h.onFailed = nil
	h.onProgress = nil
	close(h.done)
	h.mu.Unlock()

	if err == nil {
		for _, fn := range succeeded {
			fn(result)
		}
		return true
	}
	for _, fn := range failed {
		fn(err)
	}
	return true
}

func (h *JobHandle) progress(pct int) {
	h.mu.Lock()
	listeners := append([]func(int){}, h.onProgress...)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(pct)
	}
}
