//nolint:lll // struct tags can't be split
package guildhall

import (
	"github.com/bwmarrin/discordgo"
	"log/slog"
)

// CommandLog records each command task executed by the CommandController.
type CommandLog struct {
	ModelUintID
	JobID     string          `json:"job_id" gorm:"size:191;index;not null"`
	Kind      CommandTaskKind `json:"kind" gorm:"size:16"`
	Command   string          `json:"command" gorm:"size:100;index"`
	UserID    string          `json:"user_id" gorm:"size:32;index"`
	Username  string          `json:"username" gorm:"size:100"`
	GuildID   string          `json:"guild_id" gorm:"size:32"`
	ChannelID string          `json:"channel_id" gorm:"size:32"`
	Error     string          `json:"error,omitempty" gorm:"type:text"`
	Delayed   bool            `json:"delayed"`
	Duration  int64           `json:"duration_ms"`
	CreatedAt int64           `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newCommandLog(jobID string, task *CommandTask) *CommandLog {
	entry := &CommandLog{
		JobID:   jobID,
		Kind:    task.Kind,
		Command: task.Name,
		UserID:  task.UserID,
	}
	switch {
	case task.Interaction != nil && task.Interaction.Interaction != nil:
		entry.GuildID = task.Interaction.GuildID
		entry.ChannelID = task.Interaction.ChannelID
		if u := getDiscordUser(task.Interaction); u != nil {
			entry.Username = u.Username
		}
	case task.Message != nil && task.Message.Message != nil:
		entry.GuildID = task.Message.GuildID
		entry.ChannelID = task.Message.ChannelID
		if task.Message.Author != nil {
			entry.Username = task.Message.Author.Username
		}
	}
	return entry
}

func (l CommandLog) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("job_id", l.JobID),
		slog.String("kind", string(l.Kind)),
		slog.String("command", l.Command),
		slog.String("user_id", l.UserID),
	)
}

// interactionLogAttrs returns a log group identifying an interaction.
func interactionLogAttrs(i *discordgo.InteractionCreate) slog.Attr {
	if i == nil || i.Interaction == nil {
		return slog.Group("interaction")
	}
	attrs := []any{
		"id", i.ID,
		"type", i.Type.String(),
		"guild_id", i.GuildID,
		"channel_id", i.ChannelID,
	}
	if u := getDiscordUser(i); u != nil {
		attrs = append(attrs, "user_id", u.ID, "username", u.Username)
	}
	return slog.Group("interaction", attrs...)
}
