package cmd

import (
	"fmt"
	"github.com/arcward/guildhall/guildhall"
	"github.com/bwmarrin/discordgo"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv empties the environment for the test, restoring it after.
func clearEnv(t testing.TB) {
	t.Helper()
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				_ = os.Setenv(parts[0], parts[1])
			}
		},
	)
	os.Clearenv()
}

// resetConfig restores the package config after the test.
func resetConfig(t testing.TB) {
	t.Helper()
	t.Cleanup(
		func() {
			cfg = guildhall.DefaultConfig()
			configFile = ""
			viper.Reset()
		},
	)
	cfg = guildhall.DefaultConfig()
	viper.Reset()
}

func TestLevelVarHookFunc(t *testing.T) {
	var target struct {
		Level *slog.LevelVar `mapstructure:"level"`
	}
	v := viper.New()
	v.Set("level", "warn")
	require.NoError(t, v.Unmarshal(&target, viper.DecodeHook(LevelVarHookFunc())))
	assert.Equal(t, slog.LevelWarn, target.Level.Level())

	v.Set("level", "loud")
	assert.Error(t, v.Unmarshal(&target, viper.DecodeHook(LevelVarHookFunc())))
}

func TestConfigFromEnvFile(t *testing.T) {
	clearEnv(t)
	resetConfig(t)

	envFile := filepath.Join(t.TempDir(), "test.env")
	envContent := `
# General/database config

GH_DATABASE=/home/foo/guildhall.sqlite3
GH_DATABASE_TYPE=sqlite
GH_DATABASE_LOG_LEVEL=INFO
GH_DATABASE_SLOW_THRESHOLD=200ms
GH_LOG_LEVEL=DEBUG
GH_STARTUP_TIMEOUT=30s
GH_SHUTDOWN_TIMEOUT=60s

# Queues and controllers

GH_QUEUE_POLL_INTERVAL=250ms
GH_QUEUE_CONCURRENCY=8
GH_QUEUE_RETENTION_PERIOD=48h
GH_QUEUE_CLEANUP_INTERVAL=5m
GH_QUEUE_MAX_DEPTH=12
GH_CONTROLLERS_COMMANDS_TASK_TIMEOUT=45s
GH_CONTROLLERS_OPENAI_TASK_RETRIES=4
GH_COOLDOWN_DURATION=3s

# OpenAI config

GH_OPENAI_TOKEN=your-openai-token
GH_OPENAI_LOG_LEVEL=WARN
GH_OPENAI_CHAT_MODEL=gpt-4o
GH_OPENAI_MAX_REQUESTS_PER_SECOND=2.5

# Discord bot config

GH_DISCORD_TOKEN=your-discord-bot-token
GH_DISCORD_APPLICATION_ID=your-discord-bot-app-id
GH_DISCORD_GUILD_ID=
GH_DISCORD_LOG_LEVEL=WARN
GH_DISCORD_DISCORDGO_LOG_LEVEL=ERROR
GH_DISCORD_GATEWAY_INTENTS=3243773
GH_DISCORD_COMMAND_PREFIX=?
GH_DISCORD_REGISTER_COMMANDS=true
GH_DISCORD_CUSTOM_STATUS="Tracking habits"
GH_DISCORD_COMMUNITY_SELF_ASSIGNABLE_ROLES=111 222
GH_DISCORD_COMMUNITY_MEMBER_ROLE_ID=333
GH_DISCORD_COMMUNITY_WELCOME_CHANNEL_ID=444

# API server

GH_API_LISTEN=127.0.0.1:5000
GH_API_SSL_CERT=/etc/ssl/cert.pem
GH_API_SSL_KEY=/etc/ssl/key.pem
GH_API_SSL_TLS_MIN_VERSION=771
GH_API_SECRET=your-api-secret-value
GH_API_LOG_LEVEL=DEBUG
GH_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
GH_API_CORS_ALLOW_METHODS=GET POST DELETE
GH_API_CORS_MAX_AGE=1h
GH_API_READ_TIMEOUT=5s
GH_API_WRITE_TIMEOUT=10s
GH_API_SESSION_MAX_AGE=6h
GH_API_LOG_BODY_LIMIT=1024
GH_API_DEVELOPMENT=true
`
	require.NoError(t, os.WriteFile(envFile, []byte(envContent), 0o600))

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/guildhall.sqlite3", viper.GetString("database"))
	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))

	assert.Equal(t, "/home/foo/guildhall.sqlite3", cfg.Database)
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, slog.LevelInfo, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, 30*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 60*time.Second, cfg.ShutdownTimeout)

	assert.Equal(t, 250*time.Millisecond, cfg.Queue.PollInterval)
	assert.Equal(t, 8, cfg.Queue.Concurrency)
	assert.Equal(t, 48*time.Hour, cfg.Queue.RetentionPeriod)
	assert.Equal(t, 5*time.Minute, cfg.Queue.CleanupInterval)
	assert.Equal(t, 12, cfg.Queue.MaxDepth)
	assert.Equal(t, 45*time.Second, cfg.Controllers.Commands.TaskTimeout)
	assert.Equal(t, 4, cfg.Controllers.OpenAI.TaskRetries)
	assert.Equal(t, guildhall.DefaultEventTaskRetries, cfg.Controllers.Events.TaskRetries)
	assert.Equal(t, 3*time.Second, cfg.Cooldown.Duration)

	assert.Equal(t, "your-openai-token", cfg.OpenAI.Token)
	assert.Equal(t, slog.LevelWarn, cfg.OpenAI.LogLevel.Level())
	assert.Equal(t, "gpt-4o", cfg.OpenAI.ChatModel)
	assert.Equal(t, guildhall.DefaultOpenAIImageModel, cfg.OpenAI.ImageModel)
	assert.Equal(t, 2.5, cfg.OpenAI.MaxRequestsPerSecond)

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", cfg.Discord.ApplicationID)
	assert.Equal(t, "", cfg.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelError, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, discordgo.Intent(3243773), cfg.Discord.GatewayIntents)
	assert.Equal(t, "?", cfg.Discord.CommandPrefix)
	assert.True(t, cfg.Discord.RegisterCommands)
	assert.Equal(t, "Tracking habits", cfg.Discord.CustomStatus)
	assert.Equal(t, []string{"111", "222"}, cfg.Discord.Community.SelfAssignableRoles)
	assert.Equal(t, "333", cfg.Discord.Community.MemberRoleID)
	assert.Equal(t, "444", cfg.Discord.Community.WelcomeChannelID)
	assert.Equal(t, guildhall.DefaultRulesText, cfg.Discord.Community.RulesText)

	assert.Equal(t, "127.0.0.1:5000", cfg.API.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", cfg.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", cfg.API.SSL.Key)
	assert.Equal(t, uint16(771), cfg.API.SSL.TLSMinVersion)
	assert.Equal(t, "your-api-secret-value", cfg.API.Secret)
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		cfg.API.CORS.AllowOrigins,
	)
	assert.Equal(t, []string{"GET", "POST", "DELETE"}, cfg.API.CORS.AllowMethods)
	assert.Equal(t, guildhall.DefaultCORSAllowHeaders, cfg.API.CORS.AllowHeaders)
	assert.Equal(t, time.Hour, cfg.API.CORS.MaxAge)
	assert.Equal(t, 5*time.Second, cfg.API.ReadTimeout)
	assert.Equal(t, guildhall.DefaultReadHeaderTimeout, cfg.API.ReadHeaderTimeout)
	assert.Equal(t, 10*time.Second, cfg.API.WriteTimeout)
	assert.Equal(t, 6*time.Hour, cfg.API.SessionMaxAge)
	assert.Equal(t, 1024, cfg.API.LogBodyLimit)
	assert.True(t, cfg.API.Development)

	assert.NoError(t, guildhall.ValidateConfig(cfg))
}

func TestConfigEnvPrefix(t *testing.T) {
	clearEnv(t)
	resetConfig(t)
	t.Setenv(guildhall.EnvvarSetEnvPrefix, "BOT")
	t.Setenv("BOT_DISCORD_COMMAND_PREFIX", "$")
	t.Setenv("GH_DISCORD_COMMAND_PREFIX", "%")

	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "$", cfg.Discord.CommandPrefix)
}
