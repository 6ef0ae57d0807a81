package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"github.com/ticketforge/bulk-pipeline/pkg/common"
)

type Config struct {
	Port            string
	RedisAddr       string
	DefaultPageSize int
	MaxPageSize     int
	DefaultDLTLimit int
	MaxDLTLimit     int
}

func loadConfig() Config {
	return Config{
		Port:            common.GetenvOrDefault("PORT", "8080"),
		RedisAddr:       common.RequireEnv("REDIS_ADDR"),
		DefaultPageSize: common.GetenvOrDefaultInt("DEFAULT_PAGE_SIZE", "50"),
		MaxPageSize:     common.GetenvOrDefaultInt("MAX_PAGE_SIZE", "500"),
		DefaultDLTLimit: common.GetenvOrDefaultInt("DEFAULT_DLT_LIMIT", "50"),
		MaxDLTLimit:     common.GetenvOrDefaultInt("MAX_DLT_LIMIT", "500"),
	}
}

// Server is the C10 query facade: a thin, read-only wrapper over the
// Tracking Store. It never writes tracking state itself, save for the
// advisory cancel flag.
type Server struct {
	cfg      Config
	ready    atomic.Bool
	tracking common.TrackingStore
}

func main() {
	common.InitSlog()

	s := &Server{
		cfg: loadConfig(),
	}

	rdb := redis.NewClient(&redis.Options{Addr: s.cfg.RedisAddr})
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("failed to close redis client", "error", err)
		}
	}()

	trackingBreaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "tracking-store",
		Timeout: 60 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Debug("circuit breaker state change", "name", name, "from", from, "to", to)
		},
	})
	s.tracking = common.NewFallbackTrackingStore(
		common.NewRedisTrackingStore(rdb, common.DefaultBatchTTL, common.DefaultDLTTTL),
		common.NewMemoryTrackingStore(),
		trackingBreaker,
	)

	s.ready.Store(true)

	e := echo.New()
	common.SetupEchoDefaults(e, "query-svc", s.handleHealth, s.handleReady)
	e.GET("/api/tickets/bulk/status/:batchId", s.handleStatus)
	e.GET("/api/tickets/bulk/failures/:batchId", s.handleFailures)
	e.GET("/api/tickets/bulk/active", s.handleActive)
	e.POST("/api/tickets/bulk/cancel/:batchId", s.handleCancel)
	e.GET("/api/tickets/bulk/dlt", s.handleDLT)
	e.POST("/api/tickets/bulk/dlt/:topic/:key/reprocess", s.handleDLTReprocess)

	echoErrChan := make(chan error, 1)
	go func() {
		slog.Info("starting query service", "port", s.cfg.Port)
		if err := e.Start(":" + s.cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			echoErrChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		slog.Info("shutting down")
	case err := <-echoErrChan:
		slog.Error("echo failed to start", "error", err)
		os.Exit(1)
	}

	s.ready.Store(false)
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		slog.Error("echo shutdown error", "error", err)
	}
	slog.Info("shutdown complete")
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleReady(c echo.Context) error {
	if !s.ready.Load() {
		return c.String(http.StatusServiceUnavailable, "not ready")
	}
	return c.NoContent(http.StatusOK)
}
