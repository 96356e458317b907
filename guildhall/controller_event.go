package guildhall

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
	"time"
)

const controllerNameEvents = "events"

// EventTask is a gateway event waiting to be handled.
type EventTask struct {
	Name string `json:"name"`
	Args []any  `json:"args,omitempty"`
}

// Event is an entry in the gateway event registry.
type Event struct {
	Name string

	// Once events are unbound after their first occurrence
	Once bool

	// Bind returns the discordgo handler for the event, which should
	// pass the event's arguments to forward
	Bind func(forward func(args ...any)) any

	// Execute handles the event. Errors fail the job, which is retried
	// per the controller's config.
	Execute func(ctx context.Context, env *EventEnv, args ...any) error
}

// EventEnv holds the dependencies available to event handlers.
type EventEnv struct {
	Session  DiscordSessionHandler
	Commands *CommandController
	Registry CommandRegistry
	Config   *DiscordConfig
	Logger   *slog.Logger
}

// EventController queues gateway events, runs their handlers, then
// emits them on the event bus.
type EventController struct {
	*TaskController[EventTask]
	events  []*Event
	byName  map[string]*Event
	bus     *EventBus
	env     *EventEnv
	bindMu  sync.Mutex
	removes []func()
}

func NewEventController(
	config ControllerConfig,
	backend *QueueBackend,
	metrics *Metrics,
	logger *slog.Logger,
	events []*Event,
	bus *EventBus,
	env *EventEnv,
) *EventController {
	c := &EventController{
		events: events,
		byName: make(map[string]*Event, len(events)),
		bus:    bus,
		env:    env,
	}
	for _, ev := range events {
		c.byName[ev.Name] = ev
	}
	c.TaskController = newTaskController(
		controllerNameEvents,
		config,
		backend,
		metrics,
		logger,
		c.run,
	)
	return c
}

// AddTask queues an event with its arguments.
func (c *EventController) AddTask(ctx context.Context, name string, args ...any) (*JobHandle, error) {
	if c.Queue() == nil {
		c.logger.ErrorContext(ctx, "event received before controller was initialized", "event", name)
		return nil, fmt.Errorf("%s: %w", c.name, ErrControllerNotInitialized)
	}
	id := fmt.Sprintf("event:%s@%d", name, time.Now().UnixNano())
	return c.enqueue(ctx, id, EventTask{Name: name, Args: args}, time.Time{})
}

func (c *EventController) run(ctx context.Context, _ string, task EventTask) (any, error) {
	ev, ok := c.byName[task.Name]
	if !ok {
		return nil, fmt.Errorf("unregistered event: %s", task.Name)
	}
	if ev.Execute != nil {
		if err := ev.Execute(ctx, c.env, task.Args...); err != nil {
			return nil, fmt.Errorf("%s: %w", task.Name, err)
		}
	}
	c.metrics.gatewayEvent(task.Name)
	if c.bus != nil {
		c.bus.Emit(task.Name, task.Args...)
	}
	return nil, nil
}

// Bind adds a discordgo handler for each registered event, forwarding
// occurrences to AddTask. ctx is used for every task added.
func (c *EventController) Bind(ctx context.Context, session DiscordSessionHandler) {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	for _, ev := range c.events {
		if ev.Bind == nil {
			continue
		}
		name := ev.Name
		handler := ev.Bind(
			func(args ...any) {
				if _, err := c.AddTask(ctx, name, args...); err != nil {
					c.logger.ErrorContext(ctx, "error adding event task", "event", name, tint.Err(err))
				}
			},
		)
		var remove func()
		if ev.Once {
			remove = session.AddHandlerOnce(handler)
		} else {
			remove = session.AddHandler(handler)
		}
		c.removes = append(c.removes, remove)
		c.logger.DebugContext(ctx, "bound event", "event", name, "once", ev.Once)
	}
}

// Unbind removes all handlers added by Bind.
func (c *EventController) Unbind() {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	for _, remove := range c.removes {
		if remove != nil {
			remove()
		}
	}
	c.removes = nil
}
