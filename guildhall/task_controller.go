package guildhall

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrControllerNotInitialized     = errors.New("controller not initialized")
	ErrControllerAlreadyInitialized = errors.New("controller already initialized")
	ErrDuplicateTask                = errors.New("task already exists")
)

// Controller is the type-independent view of a TaskController, used
// by the TaskManager and the API.
type Controller interface {
	Name() string
	Init(ctx context.Context) error
	ProcessTasks(ctx context.Context) error
	RemoveTask(ctx context.Context, id string) error
	Queue() *Queue
	Status(ctx context.Context) (ControllerStatus, error)
	TaskCount() int
}

// ControllerStatus summarizes a controller's queue and task map.
type ControllerStatus struct {
	Name        string             `json:"name"`
	Tasks       int                `json:"tasks"`
	Jobs        map[JobState]int64 `json:"jobs"`
	TaskTimeout time.Duration      `json:"task_timeout"`
	TaskRetries int                `json:"task_retries"`
}

// TaskController runs tasks of type T through a durable queue. The
// queue only stores the job ID and a serialized snapshot of the task,
// while the task itself (which may hold closures, sessions or
// interactions) lives in an in-memory map keyed by job ID until the
// job succeeds, is removed, or fails its final attempt.
type TaskController[T any] struct {
	name    string
	config  ControllerConfig
	backend *QueueBackend
	metrics *Metrics
	logger  *slog.Logger

	// execute does the controller-specific work for a task
	execute func(ctx context.Context, id string, task T) (any, error)

	mu    sync.Mutex
	queue *Queue
	tasks map[string]T
}

func newTaskController[T any](
	name string,
	config ControllerConfig,
	backend *QueueBackend,
	metrics *Metrics,
	logger *slog.Logger,
	execute func(ctx context.Context, id string, task T) (any, error),
) *TaskController[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskController[T]{
		name:    name,
		config:  config,
		backend: backend,
		metrics: metrics,
		logger:  logger.With(loggerNameKey, "controller", "controller", name),
		execute: execute,
		tasks:   map[string]T{},
	}
}

func (c *TaskController[T]) Name() string {
	return c.name
}

// Queue returns the controller's queue, or nil before Init.
func (c *TaskController[T]) Queue() *Queue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue
}

// Init creates the controller's queue and registers the queue hooks.
func (c *TaskController[T]) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue != nil {
		return fmt.Errorf("%s: %w", c.name, ErrControllerAlreadyInitialized)
	}
	q := c.backend.NewQueue(c.name)

	q.OnSucceeded(
		func(job *Job, _ any) {
			c.metrics.taskSucceeded(c.name, job)
		},
	)
	q.OnRetrying(
		func(job *Job, err error) {
			c.logger.Warn("task failed, retrying", "job", job, tint.Err(err))
			c.metrics.taskRetried(c.name)
		},
	)
	q.OnFailed(
		func(job *Job, err error) {
			c.logger.Error("task failed", "job", job, tint.Err(err))
			c.forget(job.ID)
			c.metrics.taskFailed(c.name, job)
		},
	)
	c.queue = q
	c.logger.InfoContext(ctx, "initialized controller", "config", c.config)
	return nil
}

// enqueue adds the task to the map, then persists a job for it. The
// map entry is added first so a worker claiming the job always finds
// it, and is removed again if the job can't be added.
func (c *TaskController[T]) enqueue(
	ctx context.Context,
	id string,
	task T,
	delayUntil time.Time,
) (*JobHandle, error) {
	c.mu.Lock()
	q := c.queue
	if q == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", c.name, ErrControllerNotInitialized)
	}
	if _, exists := c.tasks[id]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	c.tasks[id] = task
	size := len(c.tasks)
	c.mu.Unlock()

	handle, err := q.Add(
		ctx, id, task, JobOptions{
			Timeout:    c.config.TaskTimeout,
			Retries:    c.config.TaskRetries,
			DelayUntil: delayUntil,
		},
	)
	if err != nil {
		c.forget(id)
		return nil, err
	}
	c.metrics.taskAdded(c.name, size)
	c.logger.DebugContext(ctx, "added task", "job_id", id, "delay_until", delayUntil)
	return handle, nil
}

// ProcessTasks processes the controller's queue until ctx is canceled.
func (c *TaskController[T]) ProcessTasks(ctx context.Context) error {
	q := c.Queue()
	if q == nil {
		return fmt.Errorf("%s: %w", c.name, ErrControllerNotInitialized)
	}
	return q.Process(ctx, c.handleJob)
}

func (c *TaskController[T]) handleJob(ctx context.Context, job *Job) (any, error) {
	c.mu.Lock()
	task, ok := c.tasks[job.ID]
	c.mu.Unlock()
	if !ok {
		c.logger.WarnContext(ctx, "no task found for job, skipping", "job", job)
		c.metrics.taskLost(c.name)
		return nil, nil
	}

	result, err := c.execute(ctx, job.ID, task)
	if err != nil {
		return nil, err
	}
	c.forget(job.ID)
	return result, nil
}

// RemoveTask removes the task's job and map entry. Removing a task
// that doesn't exist isn't an error.
func (c *TaskController[T]) RemoveTask(ctx context.Context, id string) error {
	q := c.Queue()
	if q == nil {
		return fmt.Errorf("%s: %w", c.name, ErrControllerNotInitialized)
	}
	if err := q.Remove(ctx, id); err != nil && !errors.Is(err, ErrJobNotFound) {
		return err
	}
	c.forget(id)
	return nil
}

func (c *TaskController[T]) forget(id string) {
	c.mu.Lock()
	delete(c.tasks, id)
	size := len(c.tasks)
	c.mu.Unlock()
	c.metrics.setTaskMapSize(c.name, size)
}

// TaskCount returns the number of in-flight tasks in the map.
func (c *TaskController[T]) TaskCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

func (c *TaskController[T]) hasTask(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tasks[id]
	return ok
}

func (c *TaskController[T]) Status(ctx context.Context) (ControllerStatus, error) {
	status := ControllerStatus{
		Name:        c.name,
		Tasks:       c.TaskCount(),
		TaskTimeout: c.config.TaskTimeout,
		TaskRetries: c.config.TaskRetries,
	}
	q := c.Queue()
	if q == nil {
		return status, fmt.Errorf("%s: %w", c.name, ErrControllerNotInitialized)
	}
	counts, err := q.Counts(ctx)
	if err != nil {
		return status, err
	}
	status.Jobs = counts
	return status, nil
}
