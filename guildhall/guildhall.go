package guildhall

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"sync"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/guildhall/guildhall.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Guildhall is the community bot: a discord session whose commands and
// gateway events run through durable task queues, plus the admin API.
type Guildhall struct {
	config *Config
	logger *slog.Logger
	runMu  sync.Mutex
	initMu sync.Mutex

	gormDB   *gorm.DB
	db       DBI
	session  DiscordSessionHandler
	discord  *Discord
	aiClient OpenAIClient

	metrics   *Metrics
	cooldowns *CooldownTracker
	bus       *EventBus
	habits    *HabitTracker
	auth      *AuthService
	registry  CommandRegistry
	events    []*Event
	backend   *QueueBackend
	manager   *TaskManager
	api       *API
}

// Option configures a Guildhall created with New.
type Option func(g *Guildhall)

// WithDiscordSession uses the given session instead of creating one
// from the configured bot token.
func WithDiscordSession(session DiscordSessionHandler) Option {
	return func(g *Guildhall) {
		g.session = session
	}
}

// WithOpenAIClient uses the given client for the AI plugin, enabling it
// even if no OpenAI token is configured.
func WithOpenAIClient(client OpenAIClient) Option {
	return func(g *Guildhall) {
		g.aiClient = client
	}
}

// WithDB uses an existing (migrated) database connection.
func WithDB(db *gorm.DB) Option {
	return func(g *Guildhall) {
		g.gormDB = db
	}
}

func New(config *Config, opts ...Option) (*Guildhall, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres, dbTypeMySQL:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite', 'postgres' or 'mysql')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	g := &Guildhall{
		config:    config,
		metrics:   NewMetrics(),
		cooldowns: NewCooldownTracker(config.Cooldown.Duration),
		bus:       NewEventBus(),
		registry:  defaultCommands(),
		events:    defaultEvents(),
	}
	for _, opt := range opts {
		opt(g)
	}

	g.logger = slog.New(newLogHandler(config.LogLevel))
	slog.SetDefault(g.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	discordLogger := slog.New(newLogHandler(config.Discord.LogLevel))
	var sessionErr error
	if g.session == nil {
		g.session, sessionErr = newDiscordSession(config.Discord, discordLogger)
		errs = append(errs, sessionErr)
	}
	if sessionErr == nil {
		g.session.SetHTTPClient(config.HTTPClient)
	}
	g.discord = newDiscord(config.Discord, g.session, discordLogger)

	if g.aiClient == nil && config.OpenAI.Enabled() {
		g.aiClient = newOpenAIClient(config.OpenAI, config.HTTPClient)
	}

	return g, errors.Join(errs...)
}

func (g *Guildhall) ValidateConfig() error {
	return ValidateConfig(g.config)
}

// init opens the database, creates the queue backend and task
// controllers, and the API server. It's only run once.
func (g *Guildhall) init(ctx context.Context) error {
	g.initMu.Lock()
	defer g.initMu.Unlock()
	if g.manager != nil {
		return nil
	}
	logger := contextLoggerOr(ctx, g.logger)

	if g.gormDB == nil {
		db, err := createDB(
			ctx,
			g.config.DatabaseType,
			g.config.Database,
			g.config.DatabaseLogLevel,
			g.config.DatabaseSlowThreshold,
		)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		g.gormDB = db
	}
	g.db = NewDatabase(g.gormDB, logger, g.config.DatabaseType != dbTypeSQLite)

	notifier := newQueueNotifier(g.config.DatabaseType, g.config.Database, g.db, logger)
	g.backend = NewQueueBackend(g.db, g.config.Queue, notifier, logger)
	g.habits = NewHabitTracker(g.db)
	g.auth = NewAuthService(g.db, g.config.API.Secret, g.config.API.SessionMaxAge)

	var aiLogger *slog.Logger
	if g.aiClient != nil {
		aiLogger = slog.New(newLogHandler(g.config.OpenAI.LogLevel))
	} else {
		logger.InfoContext(ctx, "openai token not set, AI plugin disabled")
	}

	manager := NewTaskManager(
		Services{
			Config:    g.config,
			DB:        g.db,
			Session:   g.session,
			OpenAI:    g.aiClient,
			Backend:   g.backend,
			Metrics:   g.metrics,
			Logger:    logger,
			Cooldowns: g.cooldowns,
			Bus:       g.bus,
			Habits:    g.habits,
			Commands:  g.registry,
			Events:    g.events,
		},
	)
	if openai := manager.OpenAI(); openai != nil && aiLogger != nil {
		openai.aiLogger = aiLogger.With(loggerNameKey, "openai")
	}
	if err := manager.Init(ctx); err != nil {
		return fmt.Errorf("error initializing controllers: %w", err)
	}
	g.manager = manager

	api, err := newAPI(g, g.config.API)
	if err != nil {
		return err
	}
	g.api = api
	return nil
}

// Run starts the bot, and blocks until ctx is canceled, then shuts
// down gracefully.
func (g *Guildhall) Run(ctx context.Context) error {
	g.runMu.Lock()
	defer g.runMu.Unlock()

	logger := g.logger
	if err := g.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}
	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(
		ctx,
		slog.LevelInfo,
		"starting",
		slog.String("version", Version),
		slog.Any("config", g.config),
	)

	startCtx, startCancel := context.WithTimeout(ctx, g.config.StartupTimeout)
	defer startCancel()
	if err := g.init(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}

	grp, runCtx := errgroup.WithContext(ctx)
	grp.Go(
		func() error {
			return g.manager.Run(runCtx)
		},
	)
	grp.Go(
		func() error {
			return g.api.Serve(runCtx)
		},
	)

	if err := g.startDiscord(runCtx); err != nil {
		logger.ErrorContext(ctx, "error starting discord", tint.Err(err))
		g.shutdown(ctx)
		_ = grp.Wait()
		return err
	}
	logger.InfoContext(ctx, "started")

	<-runCtx.Done()
	g.shutdown(ctx)
	err := grp.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// startDiscord binds the gateway handlers, optionally registers slash
// commands, then opens the gateway connection.
func (g *Guildhall) startDiscord(ctx context.Context) error {
	g.discord.bindConnectionHandlers()
	g.manager.Bind(ctx, g.session)

	if g.config.Discord.RegisterCommands {
		if _, err := g.discord.registerCommands(ctx, g.registry); err != nil {
			return fmt.Errorf("error registering commands: %w", err)
		}
	}
	if err := g.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	return nil
}

func (g *Guildhall) shutdown(ctx context.Context) {
	logger := g.logger
	logger.InfoContext(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(
		context.WithoutCancel(ctx),
		g.config.ShutdownTimeout,
	)
	defer cancel()

	g.manager.Unbind()
	g.discord.unbindConnectionHandlers()
	if err := g.session.Close(); err != nil {
		logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
	}
	if err := g.api.Shutdown(shutdownCtx); err != nil {
		logger.ErrorContext(ctx, "error shutting down api", tint.Err(err))
	}
}

// RegisterSlashCommands overwrites the bot's slash commands.
func (g *Guildhall) RegisterSlashCommands(
	ctx context.Context,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return g.discord.registerCommands(ctx, g.registry, options...)
}
