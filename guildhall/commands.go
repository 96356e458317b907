package guildhall

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"
)

const (
	commandPing    = "ping"
	commandRole    = "role"
	commandRules   = "rules"
	commandTimeout = "timeout"
	commandHabit   = "habit"
	commandAsk     = "ask"
	commandImagine = "imagine"
	commandCode    = "code"

	optionRole    = "role"
	optionUser    = "user"
	optionMinutes = "minutes"
	optionReason  = "reason"
	optionName    = "name"
	optionPrompt  = "prompt"

	subcommandAdd  = "add"
	subcommandDone = "done"
	subcommandList = "list"

	rulesAcceptCustomID = commandRules + customIDSeparator + "accept"

	maxTimeoutMinutes = 40320
)

// CommandReply is the message sent back for a command.
type CommandReply struct {
	Content    string                       `json:"content"`
	Embeds     []*discordgo.MessageEmbed    `json:"embeds,omitempty"`
	Components []discordgo.MessageComponent `json:"components,omitempty"`
}

func textReply(format string, args ...any) *CommandReply {
	return &CommandReply{Content: fmt.Sprintf(format, args...)}
}

// CommandHandler executes a command task. A nil reply sends nothing,
// for handlers which respond asynchronously.
type CommandHandler func(ctx context.Context, env *CommandEnv, task *CommandTask) (*CommandReply, error)

// CommandEnv holds the dependencies available to command handlers.
type CommandEnv struct {
	Session DiscordSessionHandler
	DB      DBI
	Config  *DiscordConfig
	Habits  *HabitTracker
	AI      *OpenAIController
	Logger  *slog.Logger
}

// Command is a registry entry. Execute handles slash commands,
// ButtonHandler handles buttons whose custom ID is prefixed with the
// command name, and MessageHandler handles prefix message commands.
type Command struct {
	Name           string
	Ephemeral      bool
	Definition     *discordgo.ApplicationCommand
	Execute        CommandHandler
	ButtonHandler  CommandHandler
	MessageHandler CommandHandler
}

// CommandRegistry maps command names to commands.
type CommandRegistry map[string]*Command

// ApplicationCommands returns the slash command definitions, sorted by name.
func (r CommandRegistry) ApplicationCommands() []*discordgo.ApplicationCommand {
	commands := make([]*discordgo.ApplicationCommand, 0, len(r))
	for _, cmd := range r {
		if cmd.Definition != nil {
			commands = append(commands, cmd.Definition)
		}
	}
	sort.Slice(commands, func(i, j int) bool { return commands[i].Name < commands[j].Name })
	return commands
}

// ephemeral reports whether the deferred response for a command
// interaction should only be visible to the user.
func (r CommandRegistry) ephemeral(task *CommandTask) bool {
	if task.Kind == CommandKindButton {
		return true
	}
	cmd, ok := r[task.Name]
	return !ok || cmd.Ephemeral
}

func defaultCommands() CommandRegistry {
	commands := []*Command{
		pingCommand(),
		roleCommand(),
		rulesCommand(),
		timeoutCommand(),
		habitCommand(),
		openAICommand(commandAsk, AITaskChat, "Ask the AI assistant a question"),
		openAICommand(commandImagine, AITaskImage, "Generate an image from a prompt"),
		openAICommand(commandCode, AITaskCode, "Ask the AI assistant for code"),
	}
	registry := CommandRegistry{}
	for _, cmd := range commands {
		registry[cmd.Name] = cmd
	}
	return registry
}

func pingCommand() *Command {
	pong := func(context.Context, *CommandEnv, *CommandTask) (*CommandReply, error) {
		return textReply("Pong!"), nil
	}
	return &Command{
		Name:      commandPing,
		Ephemeral: true,
		Definition: &discordgo.ApplicationCommand{
			Name:        commandPing,
			Description: "Check that the bot is responding",
		},
		Execute:        pong,
		MessageHandler: pong,
	}
}

func roleCommand() *Command {
	return &Command{
		Name:      commandRole,
		Ephemeral: true,
		Definition: &discordgo.ApplicationCommand{
			Name:        commandRole,
			Description: "Add or remove a self-assignable role",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionRole,
					Name:        optionRole,
					Description: "Role to toggle. Leave empty to list roles",
				},
			},
		},
		Execute: func(ctx context.Context, env *CommandEnv, task *CommandTask) (*CommandReply, error) {
			opts := discordInteractionOptions(task.Interaction.ApplicationCommandData().Options)
			opt, ok := opts[optionRole]
			if !ok {
				return rolePanel(env.Config.Community.SelfAssignableRoles), nil
			}
			role := opt.RoleValue(nil, task.GuildID)
			return toggleRole(ctx, env, task, role.ID)
		},
		ButtonHandler: func(ctx context.Context, env *CommandEnv, task *CommandTask) (*CommandReply, error) {
			if len(task.Args) == 0 {
				return nil, errors.New("role button has no role ID")
			}
			return toggleRole(ctx, env, task, task.Args[0])
		},
	}
}

// rolePanel returns a message with a button for each self-assignable role.
func rolePanel(roleIDs []string) *CommandReply {
	if len(roleIDs) == 0 {
		return textReply("There are no self-assignable roles.")
	}
	var rows []discordgo.MessageComponent
	var row discordgo.ActionsRow
	for _, roleID := range roleIDs {
		if len(row.Components) == 5 {
			rows = append(rows, row)
			row = discordgo.ActionsRow{}
		}
		row.Components = append(
			row.Components, discordgo.Button{
				Label:    fmt.Sprintf("Role %s", roleID),
				Style:    discordgo.SecondaryButton,
				CustomID: commandRole + customIDSeparator + roleID,
			},
		)
	}
	rows = append(rows, row)
	content := make([]string, 0, len(roleIDs))
	for _, roleID := range roleIDs {
		content = append(content, fmt.Sprintf("<@&%s>", roleID))
	}
	return &CommandReply{
		Content:    "Pick a role to toggle: " + strings.Join(content, " "),
		Components: rows,
	}
}

func toggleRole(
	ctx context.Context,
	env *CommandEnv,
	task *CommandTask,
	roleID string,
) (*CommandReply, error) {
	if !slices.Contains(env.Config.Community.SelfAssignableRoles, roleID) {
		return textReply("<@&%s> isn't a self-assignable role.", roleID), nil
	}
	if task.GuildID == "" {
		return textReply("Roles can only be assigned in a server."), nil
	}
	var hasRole bool
	if i := task.Interaction; i != nil && i.Member != nil {
		hasRole = slices.Contains(i.Member.Roles, roleID)
	}
	if hasRole {
		err := env.Session.GuildMemberRoleRemove(
			task.GuildID, task.UserID, roleID, discordgo.WithContext(ctx),
		)
		if err != nil {
			return nil, fmt.Errorf("error removing role: %w", err)
		}
		return textReply("Removed <@&%s>.", roleID), nil
	}
	err := env.Session.GuildMemberRoleAdd(
		task.GuildID, task.UserID, roleID, discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("error adding role: %w", err)
	}
	return textReply("Added <@&%s>.", roleID), nil
}

func rulesCommand() *Command {
	return &Command{
		Name: commandRules,
		Definition: &discordgo.ApplicationCommand{
			Name:        commandRules,
			Description: "Post the server rules",
		},
		Execute: func(_ context.Context, env *CommandEnv, _ *CommandTask) (*CommandReply, error) {
			reply := &CommandReply{Content: env.Config.Community.RulesText}
			if env.Config.Community.MemberRoleID != "" {
				reply.Components = []discordgo.MessageComponent{
					discordgo.ActionsRow{
						Components: []discordgo.MessageComponent{
							discordgo.Button{
								Label:    "I accept",
								Style:    discordgo.SuccessButton,
								CustomID: rulesAcceptCustomID,
							},
						},
					},
				}
			}
			return reply, nil
		},
		ButtonHandler: func(ctx context.Context, env *CommandEnv, task *CommandTask) (*CommandReply, error) {
			roleID := env.Config.Community.MemberRoleID
			if roleID == "" {
				return textReply("No member role is configured."), nil
			}
			err := env.Session.GuildMemberRoleAdd(
				task.GuildID,
				task.UserID,
				roleID,
				discordgo.WithContext(ctx),
				discordgo.WithAuditLogReason("accepted rules"),
			)
			if err != nil {
				return nil, fmt.Errorf("error adding member role: %w", err)
			}
			return textReply("Thanks for accepting the rules. Welcome aboard!"), nil
		},
	}
}

func timeoutCommand() *Command {
	permission := int64(discordgo.PermissionModerateMembers)
	minMinutes := float64(1)
	return &Command{
		Name:      commandTimeout,
		Ephemeral: true,
		Definition: &discordgo.ApplicationCommand{
			Name:                     commandTimeout,
			Description:              "Time out a member",
			DefaultMemberPermissions: &permission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        optionUser,
					Description: "Member to time out",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        optionMinutes,
					Description: "Length of the timeout, in minutes",
					Required:    true,
					MinValue:    &minMinutes,
					MaxValue:    maxTimeoutMinutes,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionReason,
					Description: "Reason, shown in the audit log",
				},
			},
		},
		Execute: func(ctx context.Context, env *CommandEnv, task *CommandTask) (*CommandReply, error) {
			if task.GuildID == "" {
				return textReply("Timeouts can only be used in a server."), nil
			}
			opts := discordInteractionOptions(task.Interaction.ApplicationCommandData().Options)
			userOpt, ok := opts[optionUser]
			if !ok {
				return nil, errors.New("missing user")
			}
			minutesOpt, ok := opts[optionMinutes]
			if !ok {
				return nil, errors.New("missing minutes")
			}
			target := userOpt.UserValue(nil)
			minutes := min(max(minutesOpt.IntValue(), 1), maxTimeoutMinutes)
			reason := fmt.Sprintf("timeout by %s", task.UserID)
			if reasonOpt, hasReason := opts[optionReason]; hasReason {
				reason = reasonOpt.StringValue()
			}

			until := time.Now().Add(time.Duration(minutes) * time.Minute)
			err := env.Session.GuildMemberTimeout(
				task.GuildID,
				target.ID,
				&until,
				discordgo.WithContext(ctx),
				discordgo.WithAuditLogReason(reason),
			)
			if err != nil {
				return nil, fmt.Errorf("error timing out member: %w", err)
			}
			return textReply("Timed out <@%s> for %d minute(s).", target.ID, minutes), nil
		},
	}
}

func habitCommand() *Command {
	nameOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        optionName,
		Description: "Habit name",
		Required:    true,
		MaxLength:   habitNameMaxLength,
	}
	return &Command{
		Name:      commandHabit,
		Ephemeral: true,
		Definition: &discordgo.ApplicationCommand{
			Name:        commandHabit,
			Description: "Track daily habits",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandAdd,
					Description: "Start tracking a habit",
					Options:     []*discordgo.ApplicationCommandOption{nameOption},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandDone,
					Description: "Check in a habit for today",
					Options:     []*discordgo.ApplicationCommandOption{nameOption},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandList,
					Description: "List your habits and streaks",
				},
			},
		},
		Execute: func(ctx context.Context, env *CommandEnv, task *CommandTask) (*CommandReply, error) {
			options := task.Interaction.ApplicationCommandData().Options
			if len(options) == 0 {
				return nil, errors.New("missing subcommand")
			}
			sub := options[0]
			var name string
			if opt, ok := discordInteractionOptions(sub.Options)[optionName]; ok {
				name = opt.StringValue()
			}
			return runHabitCommand(ctx, env, task.UserID, sub.Name, name)
		},
		MessageHandler: func(ctx context.Context, env *CommandEnv, task *CommandTask) (*CommandReply, error) {
			if len(task.Args) == 0 {
				return textReply(
					"Usage: %shabit add|done <name>, %shabit list",
					env.Config.CommandPrefix,
					env.Config.CommandPrefix,
				), nil
			}
			sub := strings.ToLower(task.Args[0])
			name := strings.Join(task.Args[1:], " ")
			return runHabitCommand(ctx, env, task.UserID, sub, name)
		},
	}
}

func runHabitCommand(
	ctx context.Context,
	env *CommandEnv,
	userID string,
	subcommand string,
	name string,
) (*CommandReply, error) {
	if env.Habits == nil {
		return textReply("Habit tracking is disabled."), nil
	}
	switch subcommand {
	case subcommandAdd:
		habit, err := env.Habits.AddHabit(ctx, userID, name)
		switch {
		case errors.Is(err, ErrHabitExists):
			return textReply("You're already tracking %q.", name), nil
		case errors.Is(err, ErrInvalidHabitName):
			return textReply("Habit names must be 1-%d characters.", habitNameMaxLength), nil
		case err != nil:
			return nil, err
		}
		return textReply("Now tracking %q.", habit.Name), nil
	case subcommandDone:
		streak, err := env.Habits.CheckIn(ctx, userID, name)
		switch {
		case errors.Is(err, ErrHabitNotFound):
			return textReply("You aren't tracking %q.", name), nil
		case errors.Is(err, ErrAlreadyCheckedIn):
			return textReply("You already checked in %q today.", name), nil
		case err != nil:
			return nil, err
		}
		return textReply("Checked in %q. Current streak: %d day(s).", name, streak), nil
	case subcommandList:
		summaries, err := env.Habits.List(ctx, userID)
		if err != nil {
			return nil, err
		}
		if len(summaries) == 0 {
			return textReply("You aren't tracking any habits yet."), nil
		}
		lines := make([]string, 0, len(summaries))
		for _, s := range summaries {
			mark := " "
			if s.DoneToday {
				mark = "x"
			}
			lines = append(
				lines,
				fmt.Sprintf("[%s] %s: %d day streak (best %d)", mark, s.Name, s.Streak, s.BestStreak),
			)
		}
		return textReply("%s", strings.Join(lines, "\n")), nil
	default:
		return textReply("Unknown habit command %q.", subcommand), nil
	}
}

func openAICommand(name string, taskType AITaskType, description string) *Command {
	return &Command{
		Name: name,
		Definition: &discordgo.ApplicationCommand{
			Name:        name,
			Description: description,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionPrompt,
					Description: "Prompt",
					Required:    true,
					MaxLength:   aiPromptMaxLength,
				},
			},
		},
		Execute: func(ctx context.Context, env *CommandEnv, task *CommandTask) (*CommandReply, error) {
			opts := discordInteractionOptions(task.Interaction.ApplicationCommandData().Options)
			opt, ok := opts[optionPrompt]
			if !ok {
				return nil, errors.New("missing prompt")
			}
			return submitAITask(ctx, env, task, taskType, opt.StringValue())
		},
		MessageHandler: func(ctx context.Context, env *CommandEnv, task *CommandTask) (*CommandReply, error) {
			prompt := strings.Join(task.Args, " ")
			if prompt == "" {
				return textReply("Usage: %s%s <prompt>", env.Config.CommandPrefix, name), nil
			}
			return submitAITask(ctx, env, task, taskType, prompt)
		},
	}
}

// submitAITask queues the request with the OpenAI controller. The
// response is sent by the job handle's listeners once it's ready.
func submitAITask(
	ctx context.Context,
	env *CommandEnv,
	task *CommandTask,
	taskType AITaskType,
	prompt string,
) (*CommandReply, error) {
	if env.AI == nil {
		return textReply("The AI plugin is disabled."), nil
	}
	logger := contextLoggerOr(ctx, env.Logger)
	_, handle, err := env.AI.AddTask(
		ctx, AITask{
			Type:   taskType,
			Prompt: prompt,
			UserID: task.UserID,
		},
	)
	if err != nil {
		return nil, err
	}

	send := func(reply *CommandReply) {
		sendCtx, cancel := context.WithTimeout(context.Background(), dbOperationTimeout)
		defer cancel()
		if sendErr := sendCommandReply(sendCtx, env.Session, task, reply); sendErr != nil {
			logger.Error("error sending AI response", "command", task.Name, tint.Err(sendErr))
		}
	}

	if task.Interaction != nil {
		handle.OnProgress(
			func(pct int) {
				send(textReply("Working on it... %d%%", pct))
			},
		)
	}
	handle.OnSucceeded(
		func(result any) {
			resp, ok := result.(*AIResponse)
			if !ok || resp == nil {
				send(textReply("The AI returned no response."))
				return
			}
			send(resp.Reply())
		},
	).OnFailed(
		func(err error) {
			send(textReply("Sorry, the AI request failed: %s", truncate(err.Error(), 200)))
		},
	)
	return nil, nil
}
