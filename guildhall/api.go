package guildhall

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	pprofPrefix               = "/debug"
	apiPrefix                 = "/api"
	apiPathLogin              = "/login"
	apiPathLogout             = "/logout"
	apiPathHealthCheck        = "/healthz"
	apiPathMetrics            = "/metrics"
	apiPathControllers        = "/controllers"
	apiPathQueueJob           = "/queues/:queue/jobs/:id"
	apiPathCooldown           = "/cooldowns/:user_id"
	apiPathUserHabits         = "/users/:user_id/habits"
	apiPathAPILogs            = "/api_logs"
	apiPathRegisterCommands   = "/discord/register_commands"
	apiDefaultAPILogsPageSize = 50
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "guildhall"
	sessionVarToken  = "token"
	authSessionKey   = "auth_session"
	bearerPrefix     = "Bearer "

	// statusClientClosedRequest is logged for requests abandoned
	// before their handler ran
	statusClientClosedRequest = 499
)

var (
	structValidator = validator.New()

	errAPIRequestAbandoned = errors.New("api request abandoned by client")
)

// API serves the admin HTTP API.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	logger              *slog.Logger

	auth      *AuthService
	db        DBI
	metrics   *Metrics
	manager   *TaskManager
	discord   *Discord
	registry  CommandRegistry
	cooldowns *CooldownTracker
	habits    *HabitTracker
}

func newAPI(g *Guildhall, config *APIConfig) (*API, error) {
	logger := newLogger(config.LogLevel, "api")

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 3),
		logger:              logger,
		auth:                g.auth,
		db:                  g.db,
		metrics:             g.metrics,
		manager:             g.manager,
		discord:             g.discord,
		registry:            g.registry,
		cooldowns:           g.cooldowns,
		habits:              g.habits,
	}

	store := NewCookieStore(derive64ByteKey(config.Secret))
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			Path:     "/",
			MaxAge:   int(config.SessionMaxAge.Seconds()),
			HttpOnly: true,
			Secure:   true,
			SameSite: sameSite,
		},
	)
	api.store = store

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Cert != "" && config.SSL.Key != "" {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if config.Development {
			corsConfig.AllowOrigins = []string{"*"}
		} else {
			corsConfig.AllowAllOrigins = false
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(logger),
		metricMiddleware(api.metrics),
		cors.New(corsConfig),
		sessions.Sessions(sessionVarName, store),
	)
	api.registerRoutes(r)

	return api, nil
}

func (a *API) registerRoutes(r *gin.Engine) {
	public := r.Group("", ginLoggingMiddleware())
	public.POST(apiPathLogin, a.loginHandler)
	public.POST(apiPathLogout, a.logoutHandler)
	public.GET(apiPathHealthCheck, a.healthCheck)
	public.GET(apiPathMetrics, gin.WrapH(a.metrics.Handler()))

	if a.config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	api := r.Group(apiPrefix)
	api.GET(apiPathControllers, a.protected(false, a.getControllers))
	api.GET(apiPathQueueJob, a.protected(false, a.getQueueJob))
	api.DELETE(apiPathQueueJob, a.protected(true, a.deleteQueueJob))
	api.GET(apiPathCooldown, a.protected(false, a.getCooldown))
	api.GET(apiPathUserHabits, a.protected(false, a.getUserHabits))
	api.GET(apiPathAPILogs, a.protected(true, a.getAPILogs))
	api.POST(apiPathRegisterCommands, a.protected(true, a.registerCommands))
}

// Serve listens on the configured address, using TLS if it's configured,
// until the server is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		network := a.config.ListenNetwork
		if network == "" {
			network = defaultListenNetwork
		}
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving api", "addr", a.listener.Addr().String())
	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIRequestLog records each response sent by a protected route.
//
//nolint:lll // struct tags can't be split
type APIRequestLog struct {
	ModelUintID
	CreatedAt    int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	RequestID    string `json:"request_id" gorm:"size:64;index"`
	Method       string `json:"method" gorm:"size:16"`
	Path         string `json:"path" gorm:"type:text"`
	Route        string `json:"route" gorm:"size:191"`
	Status       int    `json:"status"`
	Username     string `json:"username" gorm:"size:191;index"`
	RemoteIP     string `json:"remote_ip" gorm:"size:64"`
	Duration     int64  `json:"duration"`
	ResponseBody string `json:"response_body" gorm:"type:text"`
	Error        string `json:"error" gorm:"type:text"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
	Token    string `json:"token"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool           `json:"discord_gateway_connected"`
	Tasks                   map[string]int `json:"tasks"`
}

type cooldownResponse struct {
	UserID          string        `json:"user_id"`
	Cooldown        time.Duration `json:"cooldown"`
	LastInteraction *time.Time    `json:"last_interaction,omitempty"`
	ReadyAt         *time.Time    `json:"ready_at,omitempty"`
}

type apiLogsQuery struct {
	Limit    int    `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset   int    `form:"offset" binding:"omitempty,min=0"`
	Username string `form:"username" binding:"omitempty,max=191"`
}

func (a *API) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !a.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	authSession, err := a.auth.Authenticate(c.Request.Context(), login.Username, login.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			logger.Warn("invalid login attempt", "username", login.Username)
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		logger.Error("error authenticating", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}

	token, err := a.auth.IssueToken(*authSession)
	if err != nil {
		logger.Error("error issuing token", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}

	session := sessions.Default(c)
	session.Set(sessionVarToken, token)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("logged in", "username", authSession.Username)
	c.JSON(
		http.StatusOK, loginResponse{
			Username: authSession.Username,
			Admin:    authSession.Admin,
			Token:    token,
		},
	)
}

func (a *API) logoutHandler(c *gin.Context) {
	session := sessions.Default(c)
	session.Delete(sessionVarToken)
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		ginContextLogger(c).Error("error saving session", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (a *API) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{Tasks: map[string]int{}}
	if a.discord != nil {
		resp.DiscordGatewayConnected = a.discord.Connected()
	}
	if a.manager != nil {
		for _, ctrl := range a.manager.Controllers() {
			resp.Tasks[ctrl.Name()] = ctrl.TaskCount()
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) getControllers(c *gin.Context) {
	statuses, err := a.manager.Statuses(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error getting controller status")
		return
	}
	c.JSON(http.StatusOK, statuses)
}

func (a *API) queueParam(c *gin.Context) (Controller, bool) {
	ctrl, ok := a.manager.Controller(c.Param("queue"))
	if !ok || ctrl.Queue() == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "queue not found"})
		return nil, false
	}
	return ctrl, true
}

func (a *API) getQueueJob(c *gin.Context) {
	ctrl, ok := a.queueParam(c)
	if !ok {
		return
	}
	job, err := ctrl.Queue().GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "job not found"})
			return
		}
		_ = c.Error(err)
		ginReplyError(c, "error getting job")
		return
	}
	c.JSON(http.StatusOK, job)
}

func (a *API) deleteQueueJob(c *gin.Context) {
	ctrl, ok := a.queueParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := ctrl.Queue().GetJob(ctx, id); err != nil {
		if errors.Is(err, ErrJobNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "job not found"})
			return
		}
		_ = c.Error(err)
		ginReplyError(c, "error getting job")
		return
	}
	if err := ctrl.RemoveTask(ctx, id); err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error removing job")
		return
	}
	ginContextLogger(c).Info("removed job", "queue", ctrl.Name(), "job_id", id)
	ginReplyMessage(c, "removed")
}

func (a *API) getCooldown(c *gin.Context) {
	userID := c.Param("user_id")
	resp := cooldownResponse{UserID: userID}
	if a.cooldowns != nil {
		resp.Cooldown = a.cooldowns.Cooldown()
		if last, ok := a.cooldowns.LastInteraction(userID); ok {
			readyAt := last.Add(resp.Cooldown)
			resp.LastInteraction = &last
			resp.ReadyAt = &readyAt
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) getUserHabits(c *gin.Context) {
	if a.habits == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "habit tracking is disabled"})
		return
	}
	summaries, err := a.habits.List(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error listing habits")
		return
	}
	c.JSON(http.StatusOK, summaries)
}

func (a *API) getAPILogs(c *gin.Context) {
	var query apiLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if query.Limit == 0 {
		query.Limit = apiDefaultAPILogsPageSize
	}
	tx := a.db.DB().WithContext(c.Request.Context()).
		Order("id desc").
		Limit(query.Limit).
		Offset(query.Offset)
	if query.Username != "" {
		tx = tx.Where("username = ?", query.Username)
	}
	var logs []APIRequestLog
	if err := tx.Find(&logs).Error; err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error getting api logs")
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (a *API) registerCommands(c *gin.Context) {
	if a.discord == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "discord is not configured"})
		return
	}
	created, err := a.discord.registerCommands(c.Request.Context(), a.registry)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusOK, created)
}

// protected wraps a route handler so that it's authenticated, then
// logged, then run through the API queue. Logging has to wrap the
// queued handler to capture its response.
func (a *API) protected(adminOnly bool, h gin.HandlerFunc) gin.HandlerFunc {
	return a.withAuth(adminOnly, a.withAPILogging(a.useAPIQueue(h)))
}

// withAuth requires a valid bearer token, or a session cookie holding
// one. Non-admins get a 403 on admin routes.
func (a *API) withAuth(adminOnly bool, next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		token, found := strings.CutPrefix(c.GetHeader("Authorization"), bearerPrefix)
		if !found {
			if v, ok := sessions.Default(c).Get(sessionVarToken).(string); ok {
				token = v
			}
		}
		if token == "" {
			logger.Warn("missing auth token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		authSession, err := a.auth.ParseToken(token)
		if err != nil {
			logger.Warn("invalid auth token", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		if adminOnly && !authSession.Admin {
			logger.Warn("non-admin on admin route", "username", authSession.Username)
			c.AbortWithStatusJSON(http.StatusForbidden, httpError{Error: "forbidden"})
			return
		}
		c.Set(authSessionKey, authSession)
		c.Set(string(loggerContextKey), logger.With("username", authSession.Username))
		next(c)
	}
}

// bodyCaptureWriter keeps a copy of the response body, up to limit bytes.
type bodyCaptureWriter struct {
	gin.ResponseWriter
	body  bytes.Buffer
	limit int
}

func (w *bodyCaptureWriter) capture(b []byte) {
	if remaining := w.limit - w.body.Len(); remaining > 0 {
		w.body.Write(b[:min(len(b), remaining)])
	}
}

func (w *bodyCaptureWriter) Write(b []byte) (int, error) {
	w.capture(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyCaptureWriter) WriteString(s string) (int, error) {
	w.capture([]byte(s))
	return w.ResponseWriter.WriteString(s)
}

// withAPILogging writes one log entry, and one APIRequestLog row,
// for each response.
func (a *API) withAPILogging(next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		writer := &bodyCaptureWriter{ResponseWriter: c.Writer, limit: a.config.LogBodyLimit}
		c.Writer = writer

		next(c)

		latency := time.Since(start)
		entry := &APIRequestLog{
			RequestID:    c.GetString(xRequestIDHeader),
			Method:       c.Request.Method,
			Path:         c.Request.URL.Path,
			Route:        c.FullPath(),
			Status:       writer.Status(),
			RemoteIP:     c.RemoteIP(),
			Duration:     latency.Milliseconds(),
			ResponseBody: writer.body.String(),
		}
		if s, ok := c.Get(authSessionKey); ok {
			if authSession, isSession := s.(*AuthSession); isSession {
				entry.Username = authSession.Username
			}
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			entry.Error = errs.String()
		}

		logger := ginContextLogger(c)
		attrs := []any{
			"duration", latency,
			slog.Group(
				"response",
				"status_code", entry.Status,
				"body_size", writer.Size(),
			),
		}
		if entry.Error != "" {
			logger.Error(
				fmt.Sprintf("%s %s finished with errors", entry.Method, entry.Path),
				append(attrs, "errors", entry.Error)...,
			)
		} else {
			logger.Info(fmt.Sprintf("%s %s finished", entry.Method, entry.Path), attrs...)
		}

		if a.db == nil {
			return
		}
		if _, err := a.db.Create(context.WithoutCancel(c.Request.Context()), entry); err != nil {
			logger.Error("error saving api request log", tint.Err(err))
		}
	}
}

const (
	apiTaskPending int32 = iota
	apiTaskRunning
	apiTaskAbandoned
)

// useAPIQueue runs the handler as an APIController task, and waits for
// it. If the client goes away before the job starts, the job is removed
// and the handler never runs.
func (a *API) useAPIQueue(next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		ctx := WithLogger(c.Request.Context(), logger)

		var (
			state  atomic.Int32
			execMu sync.Mutex
		)
		task := APITask{
			Method: c.Request.Method,
			URL:    c.Request.URL.Path,
			Execute: func(context.Context) (any, error) {
				execMu.Lock()
				defer execMu.Unlock()
				switch {
				case state.CompareAndSwap(apiTaskPending, apiTaskRunning):
				case state.Load() == apiTaskRunning && !c.Writer.Written():
					// retrying a handler that panicked before responding
				default:
					return nil, errAPIRequestAbandoned
				}
				next(c)
				return c.Writer.Status(), nil
			},
		}

		controller := a.manager.API()
		id, handle, err := controller.AddTask(ctx, task)
		if err != nil {
			logger.Error("error queueing api request", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "service unavailable"})
			return
		}

		select {
		case <-handle.Done():
		case <-c.Request.Context().Done():
			if state.CompareAndSwap(apiTaskPending, apiTaskAbandoned) {
				logger.Warn("client went away, removing api task", "job_id", id)
				if rmErr := controller.RemoveTask(context.WithoutCancel(ctx), id); rmErr != nil {
					logger.Error("error removing api task", "job_id", id, tint.Err(rmErr))
				}
				c.AbortWithStatus(statusClientClosedRequest)
				return
			}
			// the handler is using c, so it has to finish first
			<-handle.Done()
		}

		// a timed out attempt may still be writing the response
		execMu.Lock()
		defer execMu.Unlock()
		state.Store(apiTaskAbandoned)

		if _, err = handle.Result(); err != nil && !c.Writer.Written() {
			_ = c.Error(err)
			if errors.Is(err, ErrQueueStopped) {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "service unavailable"})
				return
			}
			ginReplyError(c, "internal server error")
		}
	}
}

func requestIDMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Set(string(loggerContextKey), requestLogger(c, logger, id))
		c.Next()
	}
}

func requestLogger(c *gin.Context, logger *slog.Logger, requestID string) *slog.Logger {
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	return logger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.String(xRequestIDHeader, requestID),
	)
}

// ginContextLogger returns the request's logger, set by
// requestIDMiddleware, or slog.Default.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if logger, isLogger := v.(*slog.Logger); isLogger {
			return logger
		}
	}
	return slog.Default()
}

// ginLoggingMiddleware logs requests to routes outside of `protected`.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		ginContextLogger(c).Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			slog.Group(
				"response",
				"status_code", c.Writer.Status(),
				"body_size", c.Writer.Size(),
			),
		)
	}
}

func metricMiddleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.apiRequest(c.Request.Method, route, c.Writer.Status())
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}
