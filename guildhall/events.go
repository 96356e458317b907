package guildhall

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
)

const (
	eventReady             = "ready"
	eventInteractionCreate = "interactionCreate"
	eventMessageCreate     = "messageCreate"
	eventGuildMemberAdd    = "guildMemberAdd"
)

func defaultEvents() []*Event {
	return []*Event{
		readyEvent(),
		interactionCreateEvent(),
		messageCreateEvent(),
		guildMemberAddEvent(),
	}
}

// eventArg returns the first argument as T.
func eventArg[T any](name string, args []any) (T, error) {
	var zero T
	if len(args) == 0 {
		return zero, fmt.Errorf("%s: missing event argument", name)
	}
	v, ok := args[0].(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected argument type %T", name, args[0])
	}
	return v, nil
}

func readyEvent() *Event {
	return &Event{
		Name: eventReady,
		Once: true,
		Bind: func(forward func(args ...any)) any {
			return func(_ *discordgo.Session, r *discordgo.Ready) {
				forward(r)
			}
		},
		Execute: func(ctx context.Context, env *EventEnv, args ...any) error {
			r, err := eventArg[*discordgo.Ready](eventReady, args)
			if err != nil {
				return err
			}
			logger := contextLoggerOr(ctx, env.Logger)
			if r.User != nil {
				logger.InfoContext(
					ctx,
					"ready",
					"session_id", r.SessionID,
					slog.Group("user", "id", r.User.ID, "username", r.User.Username),
					"guilds", len(r.Guilds),
				)
			}
			if env.Config.CustomStatus == "" {
				return nil
			}
			return env.Session.UpdateCustomStatus(env.Config.CustomStatus)
		},
	}
}

func interactionCreateEvent() *Event {
	return &Event{
		Name: eventInteractionCreate,
		Bind: func(forward func(args ...any)) any {
			return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				forward(i)
			}
		},
		Execute: func(ctx context.Context, env *EventEnv, args ...any) error {
			i, err := eventArg[*discordgo.InteractionCreate](eventInteractionCreate, args)
			if err != nil {
				return err
			}
			logger := contextLoggerOr(ctx, env.Logger).With(interactionLogAttrs(i))

			var task *CommandTask
			switch i.Type {
			case discordgo.InteractionApplicationCommand:
				task, err = NewSlashCommandTask(i)
			case discordgo.InteractionMessageComponent:
				task, err = NewButtonTask(i)
			default:
				logger.DebugContext(ctx, "ignoring interaction type")
				return nil
			}
			if err != nil {
				return err
			}

			err = env.Session.InteractionRespond(
				i.Interaction,
				deferredResponse(env.Registry.ephemeral(task)),
				discordgo.WithContext(ctx),
			)
			if err != nil {
				return fmt.Errorf("error acknowledging interaction: %w", err)
			}

			handle, err := env.Commands.AddTask(ctx, task)
			if err != nil {
				replyCommandError(ctx, env, task, err)
				return err
			}
			handle.OnSucceeded(
				func(result any) {
					if res, ok := result.(*CommandResult); ok && res.Err != nil {
						replyCommandError(context.Background(), env, task, res.Err)
					}
				},
			)
			logger.InfoContext(ctx, "queued command", "command", task.Name, "kind", task.Kind)
			return nil
		},
	}
}

func messageCreateEvent() *Event {
	return &Event{
		Name: eventMessageCreate,
		Bind: func(forward func(args ...any)) any {
			return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				forward(m)
			}
		},
		Execute: func(ctx context.Context, env *EventEnv, args ...any) error {
			m, err := eventArg[*discordgo.MessageCreate](eventMessageCreate, args)
			if err != nil {
				return err
			}
			if m.Author == nil || m.Author.Bot {
				return nil
			}
			task, ok := NewMessageCommandTask(m, env.Config.CommandPrefix)
			if !ok {
				return nil
			}
			if cmd, known := env.Registry[task.Name]; !known || cmd.MessageHandler == nil {
				return nil
			}
			handle, err := env.Commands.AddTask(ctx, task)
			if err != nil {
				return err
			}
			handle.OnSucceeded(
				func(result any) {
					if res, isResult := result.(*CommandResult); isResult && res.Err != nil {
						replyCommandError(context.Background(), env, task, res.Err)
					}
				},
			)
			return nil
		},
	}
}

func guildMemberAddEvent() *Event {
	return &Event{
		Name: eventGuildMemberAdd,
		Bind: func(forward func(args ...any)) any {
			return func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
				forward(m)
			}
		},
		Execute: func(ctx context.Context, env *EventEnv, args ...any) error {
			m, err := eventArg[*discordgo.GuildMemberAdd](eventGuildMemberAdd, args)
			if err != nil {
				return err
			}
			community := env.Config.Community
			if community.WelcomeChannelID == "" || m.Member == nil || m.User == nil {
				return nil
			}
			_, err = env.Session.ChannelMessageSend(
				community.WelcomeChannelID,
				welcomeMessage(community.WelcomeMessage, m.User.Mention()),
				discordgo.WithContext(ctx),
			)
			return err
		},
	}
}

// welcomeMessage formats the welcome message for the mentioned member.
func welcomeMessage(format string, mention string) string {
	if format == "" {
		format = DefaultWelcomeMessage
	}
	if strings.Contains(format, "%s") {
		return fmt.Sprintf(format, mention)
	}
	return format + " " + mention
}

// replyCommandError tells the user their command couldn't be run.
func replyCommandError(ctx context.Context, env *EventEnv, task *CommandTask, cmdErr error) {
	msg := "Something went wrong running that command."
	switch {
	case errors.Is(cmdErr, ErrUnknownCommand):
		msg = "Unknown command."
	case errors.Is(cmdErr, ErrUnsupportedCommand):
		msg = "That command can't be used here."
	}
	if err := sendCommandReply(ctx, env.Session, task, textReply("%s", msg)); err != nil {
		contextLoggerOr(ctx, env.Logger).ErrorContext(
			ctx,
			"error sending command error reply",
			"command", task.Name,
			tint.Err(err),
		)
	}
}
