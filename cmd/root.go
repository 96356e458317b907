package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/guildhall/guildhall"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = guildhall.DefaultConfig()
	configFile string
)

// levelKeys are the config keys holding a *slog.LevelVar
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"openai.log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:          "guildhall [flags]",
	Short:        "Discord community bot with durable task queues",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return decodeConfig(cfg)
	},
}

func decodeConfig(c *guildhall.Config) error {
	err := viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelVarHookFunc(),
			),
		),
	)
	if err != nil {
		return fmt.Errorf("error decoding config: %w", err)
	}
	return nil
}

// LevelVarHookFunc decodes level names ("DEBUG", "info", "WARN+2")
// into a *slog.LevelVar.
func LevelVarHookFunc() mapstructure.DecodeHookFuncType {
	levelVarType := reflect.TypeOf(&slog.LevelVar{})
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String || t != levelVarType {
			return data, nil
		}
		lvl, err := levelStringToLevelVar(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		return lvl, nil
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setDefaults(v *viper.Viper) {
	d := guildhall.DefaultConfig()

	v.SetDefault("database", d.Database)
	v.SetDefault("database_type", d.DatabaseType)
	v.SetDefault("database_slow_threshold", d.DatabaseSlowThreshold)
	v.SetDefault("database_log_level", d.DatabaseLogLevel.Level().String())
	v.SetDefault("log_level", d.LogLevel.Level().String())
	v.SetDefault("startup_timeout", d.StartupTimeout)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)

	// Queue config
	v.SetDefault("queue.poll_interval", d.Queue.PollInterval)
	v.SetDefault("queue.concurrency", d.Queue.Concurrency)
	v.SetDefault("queue.retention_period", d.Queue.RetentionPeriod)
	v.SetDefault("queue.cleanup_interval", d.Queue.CleanupInterval)
	v.SetDefault("queue.max_depth", d.Queue.MaxDepth)
	v.SetDefault("queue.timeout_grace_period", d.Queue.TimeoutGracePeriod)

	// Controllers
	controllers := map[string]guildhall.ControllerConfig{
		"api":      d.Controllers.API,
		"commands": d.Controllers.Commands,
		"events":   d.Controllers.Events,
		"openai":   d.Controllers.OpenAI,
	}
	for name, c := range controllers {
		v.SetDefault("controllers."+name+".task_timeout", c.TaskTimeout)
		v.SetDefault("controllers."+name+".task_retries", c.TaskRetries)
	}

	v.SetDefault("cooldown.duration", d.Cooldown.Duration)
	v.SetDefault("cooldown.prune_interval", d.Cooldown.PruneInterval)
	v.SetDefault("cooldown.prune_age", d.Cooldown.PruneAge)

	// OpenAI config
	v.SetDefault("openai.token", "")
	v.SetDefault("openai.log_level", d.OpenAI.LogLevel.Level().String())
	v.SetDefault("openai.chat_model", d.OpenAI.ChatModel)
	v.SetDefault("openai.code_model", d.OpenAI.CodeModel)
	v.SetDefault("openai.image_model", d.OpenAI.ImageModel)
	v.SetDefault("openai.image_size", d.OpenAI.ImageSize)
	v.SetDefault("openai.max_tokens", d.OpenAI.MaxTokens)
	v.SetDefault("openai.max_requests_per_second", d.OpenAI.MaxRequestsPerSecond)
	v.SetDefault("openai.chat_system_prompt", d.OpenAI.ChatSystemPrompt)
	v.SetDefault("openai.code_system_prompt", d.OpenAI.CodeSystemPrompt)

	// Discord config
	v.SetDefault("discord.token", "")
	v.SetDefault("discord.application_id", "")
	v.SetDefault("discord.guild_id", "")
	v.SetDefault("discord.log_level", d.Discord.LogLevel.Level().String())
	v.SetDefault("discord.discordgo_log_level", d.Discord.DiscordGoLogLevel.Level().String())
	v.SetDefault("discord.gateway_intents", int(d.Discord.GatewayIntents))
	v.SetDefault("discord.command_prefix", d.Discord.CommandPrefix)
	v.SetDefault("discord.register_commands", d.Discord.RegisterCommands)
	v.SetDefault("discord.custom_status", d.Discord.CustomStatus)
	v.SetDefault("discord.community.self_assignable_roles", []string{})
	v.SetDefault("discord.community.member_role_id", "")
	v.SetDefault("discord.community.welcome_channel_id", "")
	v.SetDefault("discord.community.welcome_message", d.Discord.Community.WelcomeMessage)
	v.SetDefault("discord.community.rules_text", d.Discord.Community.RulesText)

	// API config
	v.SetDefault("api.listen", d.API.Listen)
	v.SetDefault("api.listen_network", d.API.ListenNetwork)
	v.SetDefault("api.secret", "")
	v.SetDefault("api.log_level", d.API.LogLevel.Level().String())
	v.SetDefault("api.ssl.cert", "")
	v.SetDefault("api.ssl.key", "")
	v.SetDefault("api.ssl.tls_min_version", d.API.SSL.TLSMinVersion)
	v.SetDefault("api.read_timeout", d.API.ReadTimeout)
	v.SetDefault("api.read_header_timeout", d.API.ReadHeaderTimeout)
	v.SetDefault("api.write_timeout", d.API.WriteTimeout)
	v.SetDefault("api.idle_timeout", d.API.IdleTimeout)
	v.SetDefault("api.session_max_age", d.API.SessionMaxAge)
	v.SetDefault("api.log_body_limit", d.API.LogBodyLimit)
	v.SetDefault("api.development", d.API.Development)

	// API: CORS config
	v.SetDefault("api.cors.allow_origins", d.API.CORS.AllowOrigins)
	v.SetDefault("api.cors.allow_methods", d.API.CORS.AllowMethods)
	v.SetDefault("api.cors.allow_headers", d.API.CORS.AllowHeaders)
	v.SetDefault("api.cors.expose_headers", d.API.CORS.ExposeHeaders)
	v.SetDefault("api.cors.allow_credentials", d.API.CORS.AllowCredentials)
	v.SetDefault("api.cors.max_age", d.API.CORS.MaxAge)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading env file %s: %v", configFile, err)
		}
	}

	setDefaults(viper.GetViper())

	envPrefix := os.Getenv(guildhall.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = guildhall.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for _, key := range levelKeys {
		if _, err := levelStringToLevelVar(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load",
	)
}
