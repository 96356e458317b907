package guildhall

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type queuePayload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestQueue_AddAndProcess(t *testing.T) {
	ctx := context.Background()
	q := testBackend(t, testDB(t)).NewQueue("test")

	handle, err := q.Add(ctx, "job-1", queuePayload{Name: "a", Count: 1}, JobOptions{})
	require.NoError(t, err)
	assert.Equal(t, "job-1", handle.ID())
	assert.True(t, handle.DelayUntil().IsZero())

	job, err := q.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStateWaiting, job.State)
	assert.Equal(t, SerializeOK, job.PayloadStatus)
	assert.JSONEq(t, `{"name":"a","count":1}`, string(job.Payload))

	var calls atomic.Int32
	processInBackground(
		t, func(ctx context.Context) error {
			return q.Process(
				ctx, func(ctx context.Context, job *Job) (any, error) {
					calls.Add(1)
					return map[string]string{"job": job.ID}, nil
				},
			)
		},
	)

	result, err := waitForHandle(t, handle)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"job": "job-1"}, result)
	assert.EqualValues(t, 1, calls.Load())

	job, err = q.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStateSucceeded, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 100, job.Progress)
	assert.JSONEq(t, `{"job":"job-1"}`, string(job.Result))
	require.NotNil(t, job.FinishedAt)
}

func TestQueue_DuplicateJob(t *testing.T) {
	ctx := context.Background()
	q := testBackend(t, testDB(t)).NewQueue("test")

	_, err := q.Add(ctx, "dup", "x", JobOptions{})
	require.NoError(t, err)
	_, err = q.Add(ctx, "dup", "y", JobOptions{})
	assert.ErrorIs(t, err, ErrDuplicateJob)
}

func TestQueue_ProcessTwice(t *testing.T) {
	q := testBackend(t, testDB(t)).NewQueue("test")
	noop := func(context.Context, *Job) (any, error) { return nil, nil }

	started := make(chan struct{})
	processInBackground(
		t, func(ctx context.Context) error {
			close(started)
			return q.Process(ctx, noop)
		},
	)
	<-started
	require.Eventually(
		t, func() bool {
			return q.processing.Load()
		}, time.Second, 5*time.Millisecond,
	)
	assert.ErrorIs(t, q.Process(context.Background(), noop), ErrQueueProcessing)
}

func TestQueue_Retry(t *testing.T) {
	ctx := context.Background()
	q := testBackend(t, testDB(t)).NewQueue("test")

	var retried atomic.Int32
	q.OnRetrying(
		func(*Job, error) {
			retried.Add(1)
		},
	)

	handle, err := q.Add(ctx, "flaky", nil, JobOptions{Retries: 2})
	require.NoError(t, err)

	var attempts atomic.Int32
	processInBackground(
		t, func(ctx context.Context) error {
			return q.Process(
				ctx, func(_ context.Context, job *Job) (any, error) {
					if attempts.Add(1) < 3 {
						return nil, errors.New("not yet")
					}
					return job.Attempts, nil
				},
			)
		},
	)

	result, err := waitForHandle(t, handle)
	require.NoError(t, err)
	assert.Equal(t, 3, result)
	assert.EqualValues(t, 2, retried.Load())
}

func TestQueue_FailsAfterRetries(t *testing.T) {
	ctx := context.Background()
	q := testBackend(t, testDB(t)).NewQueue("test")

	var failedHook atomic.Pointer[Job]
	q.OnFailed(
		func(job *Job, _ error) {
			failedHook.Store(job)
		},
	)

	jobErr := errors.New("always")
	handle, err := q.Add(ctx, "broken", nil, JobOptions{Retries: 1})
	require.NoError(t, err)

	var attempts atomic.Int32
	processInBackground(
		t, func(ctx context.Context) error {
			return q.Process(
				ctx, func(context.Context, *Job) (any, error) {
					attempts.Add(1)
					return nil, jobErr
				},
			)
		},
	)

	_, err = waitForHandle(t, handle)
	assert.ErrorIs(t, err, jobErr)
	assert.EqualValues(t, 2, attempts.Load())

	// hooks run before the handle resolves
	hookJob := failedHook.Load()
	require.NotNil(t, hookJob)
	assert.Equal(t, JobStateFailed, hookJob.State)

	job, err := q.GetJob(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, JobStateFailed, job.State)
	assert.Equal(t, jobErr.Error(), job.Error)
	assert.Equal(t, 2, job.Attempts)
}

func TestQueue_Timeout(t *testing.T) {
	ctx := context.Background()
	q := testBackend(t, testDB(t)).NewQueue("test")

	handle, err := q.Add(ctx, "slow", nil, JobOptions{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	processInBackground(
		t, func(ctx context.Context) error {
			return q.Process(
				ctx, func(ctx context.Context, _ *Job) (any, error) {
					<-ctx.Done()
					return nil, ctx.Err()
				},
			)
		},
	)

	_, err = waitForHandle(t, handle)
	assert.ErrorIs(t, err, ErrJobTimeout)
}

func TestQueue_Panic(t *testing.T) {
	ctx := context.Background()
	q := testBackend(t, testDB(t)).NewQueue("test")

	handle, err := q.Add(ctx, "panics", nil, JobOptions{})
	require.NoError(t, err)

	processInBackground(
		t, func(ctx context.Context) error {
			return q.Process(
				ctx, func(context.Context, *Job) (any, error) {
					panic("oh no")
				},
			)
		},
	)

	_, err = waitForHandle(t, handle)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oh no")
}

func TestQueue_Delay(t *testing.T) {
	ctx := context.Background()
	q := testBackend(t, testDB(t)).NewQueue("test")

	delay := 150 * time.Millisecond
	delayUntil := time.Now().Add(delay)
	handle, err := q.Add(ctx, "later", nil, JobOptions{DelayUntil: delayUntil})
	require.NoError(t, err)
	assert.Equal(t, delayUntil, handle.DelayUntil())

	job, err := q.GetJob(ctx, "later")
	require.NoError(t, err)
	assert.Equal(t, JobStateDelayed, job.State)
	assert.Equal(t, delayUntil.UnixMilli(), job.DelayUntil)

	var ranAt atomic.Int64
	processInBackground(
		t, func(ctx context.Context) error {
			return q.Process(
				ctx, func(context.Context, *Job) (any, error) {
					ranAt.Store(time.Now().UnixMilli())
					return nil, nil
				},
			)
		},
	)

	_, err = waitForHandle(t, handle)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ranAt.Load(), delayUntil.UnixMilli())
}

func TestQueue_FIFO(t *testing.T) {
	ctx := context.Background()
	backend := testBackend(t, testDB(t))
	backend.config.Concurrency = 1
	q := backend.NewQueue("test")

	ids := []string{"first", "second", "third"}
	var handles []*JobHandle
	for _, id := range ids {
		handle, err := q.Add(ctx, id, nil, JobOptions{})
		require.NoError(t, err)
		handles = append(handles, handle)
		time.Sleep(2 * time.Millisecond)
	}

	var mu sync.Mutex
	var order []string
	processInBackground(
		t, func(ctx context.Context) error {
			return q.Process(
				ctx, func(_ context.Context, job *Job) (any, error) {
					mu.Lock()
					order = append(order, job.ID)
					mu.Unlock()
					return nil, nil
				},
			)
		},
	)
	for _, handle := range handles {
		_, err := waitForHandle(t, handle)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ids, order)
}

func TestQueue_Remove(t *testing.T) {
	ctx := context.Background()
	q := testBackend(t, testDB(t)).NewQueue("test")

	handle, err := q.Add(ctx, "removed", nil, JobOptions{})
	require.NoError(t, err)

	var failedWith error
	handle.OnFailed(
		func(err error) {
			failedWith = err
		},
	)

	require.NoError(t, q.Remove(ctx, "removed"))
	_, err = waitForHandle(t, handle)
	assert.ErrorIs(t, err, ErrJobRemoved)
	assert.ErrorIs(t, failedWith, ErrJobRemoved)

	_, err = q.GetJob(ctx, "removed")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, q.Remove(ctx, "removed"), ErrJobNotFound)
}

func TestQueue_ResetStalled(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	q := testBackend(t, db).NewQueue("test")

	_, err := q.Add(ctx, "stalled", nil, JobOptions{})
	require.NoError(t, err)
	_, err = db.UpdatesWhere(
		ctx,
		&Job{},
		map[string]any{columnJobState: JobStateActive},
		"queue_name = ? AND id = ?",
		"test",
		"stalled",
	)
	require.NoError(t, err)

	// a restarted process has no handle for the job
	q.mu.Lock()
	delete(q.handles, "stalled")
	q.mu.Unlock()

	processed := make(chan string, 1)
	processInBackground(
		t, func(ctx context.Context) error {
			return q.Process(
				ctx, func(_ context.Context, job *Job) (any, error) {
					processed <- job.ID
					return nil, nil
				},
			)
		},
	)

	select {
	case id := <-processed:
		assert.Equal(t, "stalled", id)
	case <-time.After(5 * time.Second):
		t.Fatal("stalled job wasn't requeued")
	}
}

func TestQueue_Progress(t *testing.T) {
	ctx := context.Background()
	q := testBackend(t, testDB(t)).NewQueue("test")

	handle, err := q.Add(ctx, "progress", nil, JobOptions{})
	require.NoError(t, err)

	var mu sync.Mutex
	var reported []int
	handle.OnProgress(
		func(pct int) {
			mu.Lock()
			reported = append(reported, pct)
			mu.Unlock()
		},
	)

	processInBackground(
		t, func(ctx context.Context) error {
			return q.Process(
				ctx, func(ctx context.Context, _ *Job) (any, error) {
					if err := ReportProgress(ctx, 40); err != nil {
						return nil, err
					}
					return nil, ReportProgress(ctx, 250)
				},
			)
		},
	)

	_, err = waitForHandle(t, handle)
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []int{40, 100}, reported)
	mu.Unlock()

	assert.ErrorIs(t, ReportProgress(context.Background(), 10), ErrNoActiveJob)

	// listeners added after the job resolves are ignored
	handle.OnProgress(
		func(int) {
			t.Error("unexpected progress")
		},
	)
}

func TestQueue_CountsAndClean(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	q := testBackend(t, db).NewQueue("test")

	handle, err := q.Add(ctx, "done", nil, JobOptions{})
	require.NoError(t, err)
	_, err = q.Add(ctx, "later", nil, JobOptions{DelayUntil: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	processInBackground(
		t, func(ctx context.Context) error {
			return q.Process(
				ctx, func(context.Context, *Job) (any, error) {
					return "ok", nil
				},
			)
		},
	)
	_, err = waitForHandle(t, handle)
	require.NoError(t, err)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Len(t, counts, 5)
	assert.EqualValues(t, 1, counts[JobStateSucceeded])
	assert.EqualValues(t, 1, counts[JobStateDelayed])
	assert.EqualValues(t, 0, counts[JobStateFailed])

	removed, err := q.Clean(ctx, time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 0, removed)

	_, err = db.UpdatesWhere(
		ctx,
		&Job{},
		map[string]any{columnJobFinishedAt: time.Now().Add(-2 * time.Hour).UnixMilli()},
		"queue_name = ? AND id = ?",
		"test",
		"done",
	)
	require.NoError(t, err)

	removed, err = q.Clean(ctx, time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	_, err = q.GetJob(ctx, "later")
	assert.NoError(t, err)
}

func TestQueue_UnserializablePayload(t *testing.T) {
	ctx := context.Background()
	q := testBackend(t, testDB(t)).NewQueue("test")

	type withFunc struct {
		Name string
		Fn   func()
	}
	_, err := q.Add(ctx, "func", withFunc{Name: "x", Fn: func() {}}, JobOptions{})
	require.NoError(t, err)

	job, err := q.GetJob(ctx, "func")
	require.NoError(t, err)
	assert.Equal(t, SerializeTruncated, job.PayloadStatus)
	assert.JSONEq(t, `{"Name":"x"}`, string(job.Payload))

	data, err := json.Marshal(job)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"payload":{"Name":"x"}`)
}

func TestJobHandle_ListenersAfterResolve(t *testing.T) {
	handle := newJobHandle("h", time.Time{})
	require.True(t, handle.resolve("result", nil))
	assert.False(t, handle.resolve(nil, errors.New("second")))

	var got any
	handle.OnSucceeded(
		func(result any) {
			got = result
		},
	).OnFailed(
		func(error) {
			t.Error("unexpected failure")
		},
	)
	assert.Equal(t, "result", got)
}

func TestQueue_TimeoutWaitsForAttempt(t *testing.T) {
	ctx := context.Background()
	backend := testBackend(t, testDB(t))
	backend.config.TimeoutGracePeriod = time.Second
	q := backend.NewQueue("test")

	handle, err := q.Add(
		ctx,
		"slow",
		nil,
		JobOptions{Timeout: 30 * time.Millisecond, Retries: 1},
	)
	require.NoError(t, err)

	var running, maxRunning, calls atomic.Int32
	processInBackground(
		t, func(ctx context.Context) error {
			return q.Process(
				ctx, func(context.Context, *Job) (any, error) {
					calls.Add(1)
					n := running.Add(1)
					defer running.Add(-1)
					for {
						m := maxRunning.Load()
						if n <= m || maxRunning.CompareAndSwap(m, n) {
							break
						}
					}
					time.Sleep(100 * time.Millisecond)
					return nil, errors.New("ignored the deadline")
				},
			)
		},
	)

	_, err = waitForHandle(t, handle)
	assert.ErrorIs(t, err, ErrJobTimeout)
	assert.EqualValues(t, 2, calls.Load())
	assert.EqualValues(t, 1, maxRunning.Load())

	job, err := q.GetJob(ctx, "slow")
	require.NoError(t, err)
	assert.Equal(t, JobStateFailed, job.State)
	assert.Equal(t, 2, job.Attempts)
}

func TestQueue_TimeoutGraceExceeded(t *testing.T) {
	ctx := context.Background()
	backend := testBackend(t, testDB(t))
	backend.config.TimeoutGracePeriod = 20 * time.Millisecond
	q := backend.NewQueue("test")

	handle, err := q.Add(
		ctx,
		"stuck",
		nil,
		JobOptions{Timeout: 20 * time.Millisecond, Retries: 3},
	)
	require.NoError(t, err)

	release := make(chan struct{})
	defer close(release)
	var calls atomic.Int32
	processInBackground(
		t, func(ctx context.Context) error {
			return q.Process(
				ctx, func(context.Context, *Job) (any, error) {
					calls.Add(1)
					<-release
					return nil, nil
				},
			)
		},
	)

	_, err = waitForHandle(t, handle)
	assert.ErrorIs(t, err, ErrJobTimeout)

	// still running, so it's failed rather than retried
	job, err := q.GetJob(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, JobStateFailed, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.EqualValues(t, 1, calls.Load())
}

func TestQueue_HandleDelayUntil(t *testing.T) {
	ctx := context.Background()
	q := testBackend(t, testDB(t)).NewQueue("test")

	past, err := q.Add(ctx, "past", nil, JobOptions{DelayUntil: time.Now().Add(-time.Minute)})
	require.NoError(t, err)
	assert.True(t, past.DelayUntil().IsZero())
	job, err := q.GetJob(ctx, "past")
	require.NoError(t, err)
	assert.Equal(t, JobStateWaiting, job.State)

	until := time.Now().Add(time.Hour)
	future, err := q.Add(ctx, "future", nil, JobOptions{DelayUntil: until})
	require.NoError(t, err)
	assert.True(t, until.Equal(future.DelayUntil()))
}

func TestQueue_StopResolvesPending(t *testing.T) {
	ctx := context.Background()
	backend := testBackend(t, testDB(t))
	backend.config.Concurrency = 1
	q := backend.NewQueue("test")

	active, err := q.Add(ctx, "active", nil, JobOptions{})
	require.NoError(t, err)
	waiting, err := q.Add(ctx, "waiting", nil, JobOptions{})
	require.NoError(t, err)

	processCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	started := make(chan string, 2)
	processed := make(chan error, 1)
	go func() {
		processed <- q.Process(
			processCtx, func(ctx context.Context, job *Job) (any, error) {
				started <- job.ID
				<-ctx.Done()
				return nil, ctx.Err()
			},
		)
	}()

	select {
	case id := <-started:
		assert.Equal(t, "active", id)
	case <-time.After(5 * time.Second):
		t.Fatal("job wasn't claimed")
	}
	cancel()
	select {
	case err = <-processed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("processing didn't stop")
	}

	for _, handle := range []*JobHandle{active, waiting} {
		_, err = waitForHandle(t, handle)
		assert.ErrorIs(t, err, ErrQueueStopped)
	}

	// both are picked up again on the next start
	job, err := q.GetJob(ctx, "active")
	require.NoError(t, err)
	assert.Equal(t, JobStateActive, job.State)
	job, err = q.GetJob(ctx, "waiting")
	require.NoError(t, err)
	assert.Equal(t, JobStateWaiting, job.State)
}
