package guildhall

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const controllerNameAPI = "api"

// APITask runs an HTTP handler through the API queue. Execute writes
// the response itself.
type APITask struct {
	Method  string                                 `json:"method"`
	URL     string                                 `json:"url"`
	Execute func(ctx context.Context) (any, error) `json:"-"`
}

// APIController queues API handlers.
type APIController struct {
	*TaskController[APITask]
}

func NewAPIController(
	config ControllerConfig,
	backend *QueueBackend,
	metrics *Metrics,
	logger *slog.Logger,
) *APIController {
	c := &APIController{}
	c.TaskController = newTaskController(
		controllerNameAPI,
		config,
		backend,
		metrics,
		logger,
		func(ctx context.Context, _ string, task APITask) (any, error) {
			return task.Execute(ctx)
		},
	)
	return c
}

// AddTask queues the handler, returning its job ID and handle.
func (c *APIController) AddTask(ctx context.Context, task APITask) (string, *JobHandle, error) {
	if task.Execute == nil {
		return "", nil, fmt.Errorf("api task %s %s: nil handler", task.Method, task.URL)
	}
	id := fmt.Sprintf("%s:%s@%d", task.Method, task.URL, time.Now().UnixNano())
	handle, err := c.enqueue(ctx, id, task, time.Time{})
	return id, handle, err
}
