package guildhall

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
)

const (
	controllerNameCommands = "commands"
	customIDSeparator      = ":"
)

var (
	ErrUnknownCommand     = errors.New("unknown command")
	ErrUnsupportedCommand = errors.New("command does not support this interaction")
)

type CommandTaskKind string

const (
	CommandKindSlash   CommandTaskKind = "slash"
	CommandKindButton  CommandTaskKind = "button"
	CommandKindMessage CommandTaskKind = "message"
)

// CommandTask is a slash command, button press or prefix message
// command waiting to be dispatched.
type CommandTask struct {
	Kind      CommandTaskKind `json:"kind"`
	Name      string          `json:"name"`
	UserID    string          `json:"user_id"`
	GuildID   string          `json:"guild_id,omitempty"`
	ChannelID string          `json:"channel_id,omitempty"`
	CustomID  string          `json:"custom_id,omitempty"`
	Args      []string        `json:"args,omitempty"`
	Delayed   bool            `json:"delayed,omitempty"`

	Interaction *discordgo.InteractionCreate `json:"-"`
	Message     *discordgo.MessageCreate     `json:"-"`
}

// ID returns the task's job ID: the interaction ID, or the message
// ID for prefix commands.
func (t *CommandTask) ID() string {
	if t.Interaction != nil && t.Interaction.Interaction != nil {
		return t.Interaction.ID
	}
	if t.Message != nil && t.Message.Message != nil {
		return t.Message.ID
	}
	return ""
}

// NewSlashCommandTask creates a task for an application command interaction.
func NewSlashCommandTask(i *discordgo.InteractionCreate) (*CommandTask, error) {
	if i == nil || i.Interaction == nil || i.Type != discordgo.InteractionApplicationCommand {
		return nil, errors.New("not an application command interaction")
	}
	u := getDiscordUser(i)
	if u == nil {
		return nil, errors.New("interaction has no user")
	}
	return &CommandTask{
		Kind:        CommandKindSlash,
		Name:        i.ApplicationCommandData().Name,
		UserID:      u.ID,
		GuildID:     i.GuildID,
		ChannelID:   i.ChannelID,
		Interaction: i,
	}, nil
}

// NewButtonTask creates a task for a message component interaction. The
// command name is the custom ID's prefix, ex: "role" for "role:1234".
func NewButtonTask(i *discordgo.InteractionCreate) (*CommandTask, error) {
	if i == nil || i.Interaction == nil || i.Type != discordgo.InteractionMessageComponent {
		return nil, errors.New("not a message component interaction")
	}
	u := getDiscordUser(i)
	if u == nil {
		return nil, errors.New("interaction has no user")
	}
	customID := i.MessageComponentData().CustomID
	name, arg, _ := strings.Cut(customID, customIDSeparator)
	task := &CommandTask{
		Kind:        CommandKindButton,
		Name:        name,
		UserID:      u.ID,
		GuildID:     i.GuildID,
		ChannelID:   i.ChannelID,
		CustomID:    customID,
		Interaction: i,
	}
	if arg != "" {
		task.Args = []string{arg}
	}
	return task, nil
}

// NewMessageCommandTask parses a prefix command from a message, ex:
// "!habit done run". It returns false if the message isn't a command.
func NewMessageCommandTask(m *discordgo.MessageCreate, prefix string) (*CommandTask, bool) {
	if m == nil || m.Message == nil || m.Author == nil || prefix == "" {
		return nil, false
	}
	content, ok := strings.CutPrefix(m.Content, prefix)
	if !ok {
		return nil, false
	}
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return nil, false
	}
	return &CommandTask{
		Kind:      CommandKindMessage,
		Name:      strings.ToLower(fields[0]),
		UserID:    m.Author.ID,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		Args:      fields[1:],
		Message:   m,
	}, true
}

// CommandResult is the outcome of a command task. Handler errors are
// reported here rather than failing the job.
type CommandResult struct {
	Command string          `json:"command"`
	Kind    CommandTaskKind `json:"kind"`
	Reply   *CommandReply   `json:"reply,omitempty"`
	Error   string          `json:"error,omitempty"`
	Err     error           `json:"-"`
}

// CommandController dispatches command tasks to the command registry,
// delaying users who are within their cooldown.
type CommandController struct {
	*TaskController[*CommandTask]
	registry  CommandRegistry
	cooldowns *CooldownTracker
	env       *CommandEnv
}

func NewCommandController(
	config ControllerConfig,
	backend *QueueBackend,
	metrics *Metrics,
	logger *slog.Logger,
	registry CommandRegistry,
	cooldowns *CooldownTracker,
	env *CommandEnv,
) *CommandController {
	c := &CommandController{
		registry:  registry,
		cooldowns: cooldowns,
		env:       env,
	}
	c.TaskController = newTaskController(
		controllerNameCommands,
		config,
		backend,
		metrics,
		logger,
		c.run,
	)
	return c
}

// AddTask queues a command task. If the user is within their
// cooldown, the task is delayed until the cooldown ends.
func (c *CommandController) AddTask(ctx context.Context, task *CommandTask) (*JobHandle, error) {
	if c.Queue() == nil {
		return nil, fmt.Errorf("%s: %w", c.name, ErrControllerNotInitialized)
	}
	id := task.ID()
	if id == "" {
		return nil, errors.New("command task has no interaction or message")
	}

	var delayUntil time.Time
	if c.cooldowns != nil && task.UserID != "" {
		if until, delayed := c.cooldowns.Reserve(task.UserID); delayed {
			delayUntil = until
			task.Delayed = true
			c.metrics.cooldownDelayed()
			c.logger.InfoContext(
				ctx,
				"user in cooldown, delaying command",
				"user_id", task.UserID,
				"command", task.Name,
				"delay_until", until,
			)
		}
	}
	return c.enqueue(ctx, id, task, delayUntil)
}

func (c *CommandController) run(ctx context.Context, id string, task *CommandTask) (any, error) {
	started := time.Now()
	result := &CommandResult{Command: task.Name, Kind: task.Kind}

	reply, err := c.dispatch(ctx, task)
	if err == nil && reply != nil {
		err = c.deliver(ctx, task, reply)
	}
	if err != nil {
		result.Err = err
		result.Error = err.Error()
		c.logger.WarnContext(
			ctx,
			"command failed",
			"job_id", id,
			"command", task.Name,
			"kind", task.Kind,
			tint.Err(err),
		)
	} else {
		result.Reply = reply
	}

	if c.env != nil && c.env.DB != nil {
		entry := newCommandLog(id, task)
		entry.Error = result.Error
		entry.Delayed = task.Delayed
		entry.Duration = time.Since(started).Milliseconds()
		if _, logErr := c.env.DB.Create(context.WithoutCancel(ctx), entry); logErr != nil {
			c.logger.ErrorContext(ctx, "error saving command log", tint.Err(logErr))
		}
	}
	return result, nil
}

func (c *CommandController) dispatch(
	ctx context.Context,
	task *CommandTask,
) (reply *CommandReply, err error) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
			reply, err = nil, panicError(rc)
		}
	}()

	cmd, ok := c.registry[task.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, task.Name)
	}
	var handler CommandHandler
	switch task.Kind {
	case CommandKindSlash:
		handler = cmd.Execute
	case CommandKindButton:
		handler = cmd.ButtonHandler
	case CommandKindMessage:
		handler = cmd.MessageHandler
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: %s (%s)", ErrUnsupportedCommand, task.Name, task.Kind)
	}
	return handler(ctx, c.env, task)
}

// deliver sends the reply as an edit of the deferred interaction
// response, or as a reply to the command message.
func (c *CommandController) deliver(ctx context.Context, task *CommandTask, reply *CommandReply) error {
	if c.env == nil || c.env.Session == nil {
		return errors.New("no discord session")
	}
	return sendCommandReply(ctx, c.env.Session, task, reply)
}

func sendCommandReply(
	ctx context.Context,
	session DiscordSessionHandler,
	task *CommandTask,
	reply *CommandReply,
) error {
	content := truncate(reply.Content, discordMessageMaxLength)
	switch {
	case task.Interaction != nil && task.Interaction.Interaction != nil:
		edit := &discordgo.WebhookEdit{Content: &content}
		if len(reply.Components) > 0 {
			edit.Components = &reply.Components
		}
		if len(reply.Embeds) > 0 {
			edit.Embeds = &reply.Embeds
		}
		_, err := session.InteractionResponseEdit(
			task.Interaction.Interaction,
			edit,
			discordgo.WithContext(ctx),
		)
		return err
	case task.Message != nil && task.Message.Message != nil:
		if len(reply.Embeds) == 0 && len(reply.Components) == 0 {
			_, err := session.ChannelMessageSendReply(
				task.Message.ChannelID,
				content,
				task.Message.Reference(),
				discordgo.WithContext(ctx),
			)
			return err
		}
		_, err := session.ChannelMessageSendComplex(
			task.Message.ChannelID,
			&discordgo.MessageSend{
				Content:    content,
				Embeds:     reply.Embeds,
				Components: reply.Components,
				Reference:  task.Message.Reference(),
			},
			discordgo.WithContext(ctx),
		)
		return err
	default:
		return errors.New("command task has no interaction or message")
	}
}
