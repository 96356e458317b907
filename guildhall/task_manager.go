package guildhall

import (
	"context"
	"errors"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"time"
)

const taskManagerListenerKey = "task_manager"

// Services are the dependencies shared by the task controllers.
type Services struct {
	Config    *Config
	DB        DBI
	Session   DiscordSessionHandler
	OpenAI    OpenAIClient // nil disables the AI plugin
	Backend   *QueueBackend
	Metrics   *Metrics
	Logger    *slog.Logger
	Cooldowns *CooldownTracker
	Bus       *EventBus
	Habits    *HabitTracker
	Commands  CommandRegistry
	Events    []*Event
}

// TaskManager builds the task controllers, and runs their queues
// alongside the periodic maintenance loops.
type TaskManager struct {
	services    Services
	logger      *slog.Logger
	api         *APIController
	commands    *CommandController
	events      *EventController
	openai      *OpenAIController
	controllers []Controller
}

func NewTaskManager(s Services) *TaskManager {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Bus == nil {
		s.Bus = NewEventBus()
	}
	cfg := s.Config
	m := &TaskManager{
		services: s,
		logger:   s.Logger.With(loggerNameKey, "task_manager"),
	}

	m.api = NewAPIController(cfg.Controllers.API, s.Backend, s.Metrics, s.Logger)
	m.controllers = append(m.controllers, m.api)

	if s.OpenAI != nil {
		m.openai = NewOpenAIController(
			cfg.Controllers.OpenAI,
			s.Backend,
			s.Metrics,
			s.Logger,
			s.OpenAI,
			cfg.OpenAI,
			s.DB,
		)
		m.controllers = append(m.controllers, m.openai)
	}

	m.commands = NewCommandController(
		cfg.Controllers.Commands,
		s.Backend,
		s.Metrics,
		s.Logger,
		s.Commands,
		s.Cooldowns,
		&CommandEnv{
			Session: s.Session,
			DB:      s.DB,
			Config:  cfg.Discord,
			Habits:  s.Habits,
			AI:      m.openai,
			Logger:  s.Logger,
		},
	)
	m.controllers = append(m.controllers, m.commands)

	m.events = NewEventController(
		cfg.Controllers.Events,
		s.Backend,
		s.Metrics,
		s.Logger,
		s.Events,
		s.Bus,
		&EventEnv{
			Session:  s.Session,
			Commands: m.commands,
			Registry: s.Commands,
			Config:   cfg.Discord,
			Logger:   s.Logger,
		},
	)
	m.controllers = append(m.controllers, m.events)

	s.Bus.Task(
		eventReady, taskManagerListenerKey, func(...any) {
			for _, c := range m.controllers {
				m.logger.Info("controller ready", "controller", c.Name(), "tasks", c.TaskCount())
			}
		},
	)
	s.Bus.On(
		eventGuildMemberAdd, func(...any) {
			m.logger.Info("member joined")
		},
	)
	return m
}

func (m *TaskManager) API() *APIController {
	return m.api
}

func (m *TaskManager) Commands() *CommandController {
	return m.commands
}

func (m *TaskManager) Events() *EventController {
	return m.events
}

// OpenAI returns the AI plugin controller, or nil if it's disabled.
func (m *TaskManager) OpenAI() *OpenAIController {
	return m.openai
}

// Controllers returns every controller, in the order they were created.
func (m *TaskManager) Controllers() []Controller {
	return append([]Controller(nil), m.controllers...)
}

// Controller returns the controller with the given name.
func (m *TaskManager) Controller(name string) (Controller, bool) {
	for _, c := range m.controllers {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// Init initializes every controller.
func (m *TaskManager) Init(ctx context.Context) error {
	var errs []error
	for _, c := range m.controllers {
		errs = append(errs, c.Init(ctx))
	}
	return errors.Join(errs...)
}

// Bind adds the event controller's gateway handlers to the session.
func (m *TaskManager) Bind(ctx context.Context, session DiscordSessionHandler) {
	m.events.Bind(ctx, session)
}

// Unbind removes the gateway handlers added by Bind.
func (m *TaskManager) Unbind() {
	m.events.Unbind()
}

// Statuses returns each controller's status.
func (m *TaskManager) Statuses(ctx context.Context) ([]ControllerStatus, error) {
	statuses := make([]ControllerStatus, 0, len(m.controllers))
	for _, c := range m.controllers {
		status, err := c.Status(ctx)
		if err != nil {
			return statuses, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Run processes every controller's queue, cleans up finished jobs and
// prunes the cooldown tracker, until ctx is canceled.
func (m *TaskManager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range m.controllers {
		c := c
		g.Go(
			func() error {
				return c.ProcessTasks(ctx)
			},
		)
	}

	queueCfg := m.services.Config.Queue
	if queueCfg.CleanupInterval > 0 && queueCfg.RetentionPeriod > 0 {
		g.Go(
			func() error {
				m.runEvery(ctx, queueCfg.CleanupInterval, m.cleanQueues)
				return nil
			},
		)
	}

	cooldownCfg := m.services.Config.Cooldown
	if m.services.Cooldowns != nil && cooldownCfg.PruneInterval > 0 {
		g.Go(
			func() error {
				m.runEvery(
					ctx, cooldownCfg.PruneInterval, func(ctx context.Context) {
						if n := m.services.Cooldowns.Prune(cooldownCfg.PruneAge); n > 0 {
							m.logger.DebugContext(ctx, "pruned cooldowns", "count", n)
						}
					},
				)
				return nil
			},
		)
	}
	return g.Wait()
}

func (m *TaskManager) runEvery(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// cleanQueues deletes finished jobs older than the retention period.
func (m *TaskManager) cleanQueues(ctx context.Context) {
	retention := m.services.Config.Queue.RetentionPeriod
	for _, q := range m.services.Backend.Queues() {
		if _, err := q.Clean(ctx, retention); err != nil {
			m.logger.ErrorContext(ctx, "error cleaning queue", "queue", q.Name(), tint.Err(err))
		}
	}
}
