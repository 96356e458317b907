//nolint:lll // struct tags can't be split
package guildhall

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix     = "GUILDHALL_ENV_PREFIX"
	DefaultEnvPrefix       = "GH"
	DefaultDatabaseType    = dbTypeSQLite
	DefaultDatabase        = "guildhall.sqlite3"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo

	DefaultQueuePollInterval    = time.Second
	DefaultQueueConcurrency     = 4
	DefaultQueueRetentionPeriod = 24 * time.Hour
	DefaultQueueCleanupInterval = 10 * time.Minute
	DefaultQueueMaxDepth        = 16
	DefaultQueueTimeoutGrace    = 10 * time.Second

	DefaultAPITaskTimeout       = 30 * time.Second
	DefaultAPITaskRetries       = 0
	DefaultCommandTaskTimeout   = 60 * time.Second
	DefaultCommandTaskRetries   = 0
	DefaultEventTaskTimeout     = 30 * time.Second
	DefaultEventTaskRetries     = 1
	DefaultOpenAITaskTimeout    = 120 * time.Second
	DefaultOpenAITaskRetries    = 2
	DefaultCooldown             = 2500 * time.Millisecond
	DefaultCooldownPruneAge     = time.Hour
	DefaultDiscordLogLevel      = slog.LevelWarn
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultDiscordCustomStatus  = "/habit add to get started"
	DefaultCommandPrefix        = "!"
	DefaultWelcomeMessage       = "Welcome to the server, %s! Read the rules and say hi."
	DefaultRulesText            = "1. Be kind.\n2. No spam.\n3. Keep it on topic."
	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged |
		discordgo.IntentGuildMembers |
		discordgo.IntentMessageContent

	DefaultOpenAILogLevel             = slog.LevelInfo
	DefaultOpenAIChatModel            = "gpt-4o-mini"
	DefaultOpenAICodeModel            = "gpt-4o-mini"
	DefaultOpenAIImageModel           = "dall-e-3"
	DefaultOpenAIImageSize            = "1024x1024"
	DefaultOpenAIMaxTokens            = 800
	DefaultOpenAIMaxRequestsPerSecond = 1.0
	DefaultOpenAIChatSystemPrompt     = "You are a friendly assistant in a Discord community. Keep answers short."
	DefaultOpenAICodeSystemPrompt     = "You are a senior engineer. Answer with code first, then a brief explanation."

	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultAPILogLevel       = slog.LevelInfo
	DefaultAPITLSMinVersion  = tls.VersionTLS12
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 60 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	DefaultAPISessionMaxAge  = 6 * time.Hour
	DefaultAPILogBodyLimit   = 4096
	defaultListenNetwork     = "tcp"

	DefaultAPICORSAllowCredentials = true
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string, or sqlite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]" binding:"required"`

	// DatabaseType specifies the type of database
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres mysql"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long initialization (database, migrations,
	// controller setup, discord connection) may take
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	Queue       *QueueConfig       `yaml:"queue" mapstructure:"queue" json:"queue"`
	Controllers *ControllersConfig `yaml:"controllers" mapstructure:"controllers" json:"controllers"`
	Cooldown    *CooldownConfig    `yaml:"cooldown" mapstructure:"cooldown" json:"cooldown"`
	OpenAI      *OpenAIConfig      `yaml:"openai" mapstructure:"openai" json:"openai"`
	API         *APIConfig         `yaml:"api" mapstructure:"api" json:"api"`
	Discord     *DiscordConfig     `yaml:"discord" mapstructure:"discord" json:"discord"`

	HTTPClient *http.Client `yaml:"-" mapstructure:"-" json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// QueueConfig configures the job queues shared by all task controllers.
type QueueConfig struct {
	// How often idle workers check for runnable jobs
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" json:"poll_interval" binding:"min=1ms"`

	// Maximum number of jobs processed concurrently, per queue
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency" json:"concurrency" binding:"min=1"`

	// Finished jobs older than this are deleted. 0=keep forever
	RetentionPeriod time.Duration `yaml:"retention_period" mapstructure:"retention_period" json:"retention_period" binding:"min=0"`

	// How often finished jobs are cleaned up
	CleanupInterval time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval" json:"cleanup_interval" binding:"min=0"`

	// Maximum nesting depth when serializing job payloads and results
	MaxDepth int `yaml:"max_depth" mapstructure:"max_depth" json:"max_depth" binding:"min=1"`

	// How long a timed out job's processor may keep running before the
	// job is failed without further retries. A retry never starts while
	// the previous attempt is still running. 0=fail immediately
	TimeoutGracePeriod time.Duration `yaml:"timeout_grace_period" mapstructure:"timeout_grace_period" json:"timeout_grace_period" binding:"min=0"`
}

// ControllerConfig sets the timeout and retry count applied to every job
// a task controller enqueues.
type ControllerConfig struct {
	TaskTimeout time.Duration `yaml:"task_timeout" mapstructure:"task_timeout" json:"task_timeout" binding:"min=0"`
	TaskRetries int           `yaml:"task_retries" mapstructure:"task_retries" json:"task_retries" binding:"min=0"`
}

type ControllersConfig struct {
	API      ControllerConfig `yaml:"api" mapstructure:"api" json:"api"`
	Commands ControllerConfig `yaml:"commands" mapstructure:"commands" json:"commands"`
	Events   ControllerConfig `yaml:"events" mapstructure:"events" json:"events"`
	OpenAI   ControllerConfig `yaml:"openai" mapstructure:"openai" json:"openai"`
}

// CooldownConfig configures per-user command cooldowns.
type CooldownConfig struct {
	// Minimum interval between a user's command dispatches
	Duration time.Duration `yaml:"duration" mapstructure:"duration" json:"duration" binding:"min=0"`

	// How often stale entries are pruned. 0=never
	PruneInterval time.Duration `yaml:"prune_interval" mapstructure:"prune_interval" json:"prune_interval" binding:"min=0"`

	// Entries whose last dispatch is older than this are pruned
	PruneAge time.Duration `yaml:"prune_age" mapstructure:"prune_age" json:"prune_age" binding:"min=0"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Prefix for message commands, ex: "!" for "!ping"
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix" binding:"required,max=5"`

	// If true, slash commands are overwritten on startup
	RegisterCommands bool `yaml:"register_commands" mapstructure:"register_commands" json:"register_commands"`

	// Custom status set when the gateway is ready
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	Community CommunityConfig `yaml:"community" mapstructure:"community" json:"community"`
}

// CommunityConfig configures roles, rules and onboarding.
type CommunityConfig struct {
	// Role IDs members may assign to themselves via /role
	SelfAssignableRoles []string `yaml:"self_assignable_roles" mapstructure:"self_assignable_roles" json:"self_assignable_roles"`

	// Role granted when a member accepts the rules
	MemberRoleID string `yaml:"member_role_id" mapstructure:"member_role_id" json:"member_role_id"`

	// Channel that receives welcome messages for new members
	WelcomeChannelID string `yaml:"welcome_channel_id" mapstructure:"welcome_channel_id" json:"welcome_channel_id"`

	// Welcome message format. The new member's mention replaces %s
	WelcomeMessage string `yaml:"welcome_message" mapstructure:"welcome_message" json:"welcome_message"`

	// Text posted by /rules
	RulesText string `yaml:"rules_text" mapstructure:"rules_text" json:"rules_text"`
}

// OpenAIConfig configures the OpenAI plugin. The plugin is disabled when
// Token is empty.
type OpenAIConfig struct {
	Token                string         `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`
	LogLevel             *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
	ChatModel            string         `yaml:"chat_model" mapstructure:"chat_model" json:"chat_model" binding:"required_with=Token"`
	CodeModel            string         `yaml:"code_model" mapstructure:"code_model" json:"code_model" binding:"required_with=Token"`
	ImageModel           string         `yaml:"image_model" mapstructure:"image_model" json:"image_model" binding:"required_with=Token"`
	ImageSize            string         `yaml:"image_size" mapstructure:"image_size" json:"image_size"`
	MaxTokens            int            `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" binding:"min=0"`
	MaxRequestsPerSecond float64        `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`
	ChatSystemPrompt     string         `yaml:"chat_system_prompt" mapstructure:"chat_system_prompt" json:"chat_system_prompt"`
	CodeSystemPrompt     string         `yaml:"code_system_prompt" mapstructure:"code_system_prompt" json:"code_system_prompt"`
}

// Enabled returns true if an API token is configured.
func (o *OpenAIConfig) Enabled() bool {
	return o != nil && o.Token != ""
}

// APIConfig configures the backend API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies and bearer tokens
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]" binding:"required,min=16"`

	// Configuration for SSL/TLS. TLS is only used if both Cert and Key are set.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// Max age for session cookies and bearer tokens
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"min=10m,max=24h"`

	// Maximum number of response body bytes kept in API request logs
	LogBodyLimit int `yaml:"log_body_limit" mapstructure:"log_body_limit" json:"log_body_limit" binding:"min=0"`

	// If true, the SameSite attribute of the session cookie will be set to
	// 'None', and pprof endpoints are registered
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

func levelVar(level slog.Level) *slog.LevelVar {
	lv := &slog.LevelVar{}
	lv.Set(level)
	return lv
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      levelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              levelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Queue: &QueueConfig{
			PollInterval:       DefaultQueuePollInterval,
			Concurrency:        DefaultQueueConcurrency,
			RetentionPeriod:    DefaultQueueRetentionPeriod,
			CleanupInterval:    DefaultQueueCleanupInterval,
			MaxDepth:           DefaultQueueMaxDepth,
			TimeoutGracePeriod: DefaultQueueTimeoutGrace,
		},
		Controllers: &ControllersConfig{
			API: ControllerConfig{
				TaskTimeout: DefaultAPITaskTimeout,
				TaskRetries: DefaultAPITaskRetries,
			},
			Commands: ControllerConfig{
				TaskTimeout: DefaultCommandTaskTimeout,
				TaskRetries: DefaultCommandTaskRetries,
			},
			Events: ControllerConfig{
				TaskTimeout: DefaultEventTaskTimeout,
				TaskRetries: DefaultEventTaskRetries,
			},
			OpenAI: ControllerConfig{
				TaskTimeout: DefaultOpenAITaskTimeout,
				TaskRetries: DefaultOpenAITaskRetries,
			},
		},
		Cooldown: &CooldownConfig{
			Duration: DefaultCooldown,
			PruneAge: DefaultCooldownPruneAge,
		},
		OpenAI: &OpenAIConfig{
			LogLevel:             levelVar(DefaultOpenAILogLevel),
			ChatModel:            DefaultOpenAIChatModel,
			CodeModel:            DefaultOpenAICodeModel,
			ImageModel:           DefaultOpenAIImageModel,
			ImageSize:            DefaultOpenAIImageSize,
			MaxTokens:            DefaultOpenAIMaxTokens,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
			ChatSystemPrompt:     DefaultOpenAIChatSystemPrompt,
			CodeSystemPrompt:     DefaultOpenAICodeSystemPrompt,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          levelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: levelVar(DefaultDiscordgoLogLevel),
			CommandPrefix:     DefaultCommandPrefix,
			CustomStatus:      DefaultDiscordCustomStatus,
			Community: CommunityConfig{
				WelcomeMessage: DefaultWelcomeMessage,
				RulesText:      DefaultRulesText,
			},
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          levelVar(DefaultAPILogLevel),
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			LogBodyLimit:      DefaultAPILogBodyLimit,
			CORS:              DefaultCORSConfig(),
		},
	}
}

// ValidateConfig checks the config's `binding` constraints.
func ValidateConfig(c *Config) error {
	return structValidator.Struct(c)
}

// Redacted returns a copy of the config with secrets replaced, suitable
// for printing.
func (c Config) Redacted() Config {
	const redacted = "[redacted]"
	out := c
	if out.Database != "" && out.DatabaseType != dbTypeSQLite {
		out.Database = redacted
	}
	if c.Discord != nil {
		d := *c.Discord
		if d.Token != "" {
			d.Token = redacted
		}
		out.Discord = &d
	}
	if c.OpenAI != nil {
		o := *c.OpenAI
		if o.Token != "" {
			o.Token = redacted
		}
		out.OpenAI = &o
	}
	if c.API != nil {
		a := *c.API
		if a.Secret != "" {
			a.Secret = redacted
		}
		out.API = &a
	}
	return out
}
