package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/4xmen/basemapp/internal/auth"
	"github.com/4xmen/basemapp/internal/db"
	"github.com/4xmen/basemapp/internal/handlers"
	"github.com/4xmen/basemapp/internal/logging"
	"github.com/4xmen/basemapp/internal/metrics"
	"github.com/4xmen/basemapp/internal/presence"
	"github.com/4xmen/basemapp/internal/ws"
	"github.com/4xmen/basemapp/pkg/config"
)

func rateLimitMiddleware(limiterInstance *limiter.Limiter, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limiterContext, err := limiterInstance.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			logger.Error().Err(err).Msg("rate limiter error")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "rate limiter error"})
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(limiterContext.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(limiterContext.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(limiterContext.Reset, 10))

		if limiterContext.Reached {
			metrics.RateLimitHits.WithLabelValues(c.FullPath()).Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}

		c.Next()
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w responseBodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w responseBodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// requestLogger logs every request at debug and 5xx responses, body
// included, at error.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		blw := &responseBodyWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		status := c.Writer.Status()
		if status >= http.StatusInternalServerError {
			logger.Error().
				Int("status", status).
				Str("method", c.Request.Method).
				Str("path", c.Request.URL.Path).
				Str("ip", c.ClientIP()).
				Dur("duration", time.Since(start)).
				Str("errors", c.Errors.ByType(gin.ErrorTypeAny).String()).
				Str("response", strings.TrimSpace(blw.body.String())).
				Msg("server error")
			return
		}
		logger.Debug().
			Int("status", status).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

func panicRecovery(logger zerolog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("ip", c.ClientIP()).
			Interface("panic", recovered).
			Bytes("stack", debug.Stack()).
			Msg("panic recovered")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}

func corsMiddleware(origins string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", origins)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func main() {
	if len(os.Args) > 1 {
		if err := runCommand(os.Args[1:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Environment, cfg.LogLevel)
	if err := runServer(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func runCommand(args []string) error {
	command := args[0]

	switch command {
	case "status":
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return runStatus(cfg, os.Stdout, args[1:])
	case "client":
		cfg, err := config.LoadClient()
		if err != nil {
			return err
		}
		return runClient(cfg, os.Stdin, os.Stdout, args[1:])
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  basemapp           Start the server")
	fmt.Fprintln(out, "  basemapp status    Show database statistics")
	fmt.Fprintln(out, "  basemapp status --json")
	fmt.Fprintln(out, "  basemapp client --email E --password P [--chat ID]")
}

func newRouter(cfg *config.Config, logger zerolog.Logger, routes handlers.Routes) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(requestLogger(logger))
	router.Use(panicRecovery(logger))
	router.Use(metricsMiddleware())
	router.Use(corsMiddleware(cfg.CORSOrigins))

	authLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 10})
	routes.Register(router, rateLimitMiddleware(authLimiter, logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return router
}

func newTracker(ctx context.Context, cfg *config.Config, logger zerolog.Logger) presence.Tracker {
	if cfg.RedisURL == "" {
		return presence.NewMemoryTracker(cfg.PresenceTTL)
	}
	tracker, err := presence.NewRedisTracker(ctx, cfg.RedisURL, cfg.PresenceTTL)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, tracking presence in memory")
		return presence.NewMemoryTracker(cfg.PresenceTTL)
	}
	logger.Info().Msg("tracking presence in redis")
	return tracker
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	tracker := newTracker(ctx, cfg, logger)
	if closer, ok := tracker.(io.Closer); ok {
		defer closer.Close()
	}
	presenceSvc := presence.NewService(database, tracker, logger)

	authSvc := auth.NewWithTokenTTL(database, cfg.JWTSecret, cfg.TokenTTL)

	hub := ws.NewHub(database, presenceSvc, logger.With().Str("component", "ws").Logger())
	go hub.Run(ctx)

	router := newRouter(cfg, logger, handlers.Routes{
		Auth:      handlers.NewAuthHandler(authSvc, logger),
		Messages:  handlers.NewMessageHandler(database, presenceSvc, hub, logger),
		Users:     handlers.NewUserHandler(database, presenceSvc, logger),
		WebSocket: hub.HandleWebSocket,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
