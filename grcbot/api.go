package grcbot

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	pprofPrefix              = "/debug/pprof"
	apiPrefix                = "/api"
	apiPathHealthCheck       = "/healthcheck"
	apiPathRules             = "/rules"
	apiPathRulesReconcile    = "/rules/reconcile"
	apiPathSupportReset      = "/support/reset"
	apiPathSupportResetsList = "/support/resets"

	xRequestIDHeader = "X-Request-ID"
	bearerPrefix     = "Bearer "
)

// API is the admin HTTP server. Everything but the health check
// requires the configured bearer secret.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	mu       sync.Mutex
	listener net.Listener

	handlers *APIHandlers
}

func newAPI(b *Bot, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		logger:         newComponentLogger("api", config.LogLevel),
	}
	handlers := &APIHandlers{b: b}
	api.handlers = handlers

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" {
		cfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		tlsCfg = cfg
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if config.Development {
			corsConfig.AllowOrigins = nil
			corsConfig.AllowAllOrigins = true
		} else {
			corsConfig.AllowOrigins = []string{"http://" + config.Listen}
		}
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	public := r.Group(apiPrefix)
	public.GET(apiPathHealthCheck, handlers.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config.Secret))
	protected.GET(apiPathRules, handlers.getRules)
	protected.POST(apiPathRulesReconcile, handlers.reconcileRules)
	protected.POST(apiPathSupportReset, handlers.resetSupport)
	protected.GET(apiPathSupportResetsList, handlers.getSupportResets)

	return api, nil
}

// Serve listens on the configured address and serves until Shutdown
// is called. TLS is used if a certificate is configured.
func (a *API) Serve(ctx context.Context) error {
	a.mu.Lock()
	if a.listener == nil {
		network := a.config.ListenNetwork
		if network == "" {
			network = defaultListenNetwork
		}
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
		if err != nil {
			a.mu.Unlock()
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	ln := a.listener
	a.mu.Unlock()

	a.logger.InfoContext(ctx, "serving admin API", "addr", ln.Addr().String())
	err := a.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the address the API is listening on, or an empty
// string if Serve hasn't been called.
func (a *API) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// RequestMetrics returns a copy of the per-route request counts
func (a *API) RequestMetrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	rv := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		rv[k] = v
	}
	return rv
}

type APIHandlers struct {
	b *Bot
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool       `json:"discord_gateway_connected"`
	BotUserID               string     `json:"bot_user_id,omitempty"`
	NextSupportReset        *time.Time `json:"next_support_reset,omitempty"`
	Version                 string     `json:"version"`
}

type httpError struct {
	Error string `json:"error"`
}

type reconcileResponse struct {
	ChannelID string            `json:"channel_id"`
	Results   []ReconcileResult `json:"results"`
}

type supportResetsQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=100"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		DiscordGatewayConnected: h.b.discord.Connected(),
		BotUserID:               h.b.discord.BotUserID(),
		Version:                 Version,
	}
	if next, ok := h.b.NextSupportReset(); ok {
		resp.NextSupportReset = &next
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) getRules(c *gin.Context) {
	if h.b.db == nil {
		ginReplyError(c, "database not initialized")
		return
	}
	refs, err := h.b.db.ListRulesMessageRefs(c.Request.Context())
	if err != nil {
		ginContextLogger(c).Error("error listing rules refs", tint.Err(err))
		ginReplyError(c, "error listing rules message refs")
		return
	}
	c.JSON(http.StatusOK, refs)
}

func (h *APIHandlers) reconcileRules(c *gin.Context) {
	logger := ginContextLogger(c)
	// runs to completion if the client goes away
	ctx := WithLogger(context.WithoutCancel(c.Request.Context()), logger)

	results, err := h.b.ReconcileRules(ctx)
	switch {
	case errors.Is(err, ErrRulesDisabled):
		c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: err.Error()})
		return
	case err != nil:
		logger.Error("error reconciling rules", tint.Err(err))
		ginReplyError(c, err.Error())
		return
	}
	c.JSON(
		http.StatusOK,
		reconcileResponse{ChannelID: h.b.config.Rules.ChannelID, Results: results},
	)
}

func (h *APIHandlers) resetSupport(c *gin.Context) {
	logger := ginContextLogger(c)
	// runs to completion if the client goes away
	ctx := WithLogger(context.WithoutCancel(c.Request.Context()), logger)

	result, err := h.b.ResetSupport(ctx, supportTriggerAPI)
	switch {
	case errors.Is(err, ErrSupportDisabled), errors.Is(err, ErrResetInProgress):
		c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: err.Error()})
		return
	case err != nil:
		ginReplyError(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandlers) getSupportResets(c *gin.Context) {
	var q supportResetsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if h.b.db == nil {
		ginReplyError(c, "database not initialized")
		return
	}
	resets, err := h.b.db.ListSupportResets(c.Request.Context(), q.Limit)
	if err != nil {
		ginContextLogger(c).Error("error listing support resets", tint.Err(err))
		ginReplyError(c, "error listing support resets")
		return
	}
	c.JSON(http.StatusOK, resets)
}

// authMiddleware rejects requests without `Authorization: Bearer <secret>`.
// An empty secret rejects everything.
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, bearerPrefix)
		if !ok || secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			ginContextLogger(c).Warn("unauthorized request")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a random request ID to each request,
// and returns it in the X-Request-ID header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
				"user_agent", c.Request.UserAgent(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key := fmt.Sprintf("%s %s", c.Request.Method, route)
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

// ginReplyError sends a JSON error with HTTP status code 500
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
