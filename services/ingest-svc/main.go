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
	"github.com/labstack/echo/v4/middleware"
	"github.com/ticketforge/bulk-pipeline/pkg/common"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/time/rate"
)

type Config struct {
	Port          string
	KafkaBrokers  []string
	MainTopic     string
	ChunkSize     int
	MaxRecords    int
	MaxFileSizeMB int
	SendTimeout   time.Duration
}

func loadConfig() Config {
	return Config{
		Port:          common.GetenvOrDefault("PORT", "8080"),
		KafkaBrokers:  common.SplitCommaSeparated(common.RequireEnv("KAFKA_BROKERS")),
		MainTopic:     common.GetenvOrDefault("KAFKA_TOPIC", "ticket.bulk.requests"),
		ChunkSize:     common.GetenvOrDefaultInt("CHUNK_SIZE", "100"),
		MaxRecords:    common.GetenvOrDefaultInt("MAX_RECORDS", "10000"),
		MaxFileSizeMB: common.GetenvOrDefaultInt("MAX_FILE_SIZE_MIB", "10"),
		SendTimeout:   time.Duration(common.GetenvOrDefaultInt("PRODUCER_SEND_TIMEOUT_S", "30")) * time.Second,
	}
}

// Server holds the wiring for the submission orchestrator (C9) and the
// partitioner/producer (C2) it composes with the parser (C1).
type Server struct {
	cfg          Config
	ready        atomic.Bool
	shuttingDown atomic.Bool
	producer     *kgo.Client
}

func main() {
	logLevel := common.InitSlog()

	s := &Server{cfg: loadConfig()}
	kafkaLogLevel := common.KgoLogLevelFromString(logLevel)
	producer, err := kgo.NewClient(
		kgo.SeedBrokers(s.cfg.KafkaBrokers...),
		kgo.WithLogger(common.NewKgoSlogLogger(slog.Default().With("component", "kafka"), kafkaLogLevel)),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.MaxProduceRequestsInflightPerBroker(5),
		kgo.ProducerBatchCompression(kgo.Lz4Compression()),
		kgo.ProducerBatchMaxBytes(1000*1000),
		kgo.ProducerLinger(100*time.Millisecond),
	)
	if err != nil {
		slog.Error("failed to create kafka client", "error", err)
		os.Exit(1)
	}
	defer producer.Close()
	s.producer = producer
	go common.StartKafkaHealthCheck(context.Background(), producer, &s.ready)

	e := echo.New()
	common.SetupEchoDefaults(e, "ingest-svc", s.handleHealth, s.handleReady)
	e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{Rate: rate.Limit(50), Burst: 100, ExpiresIn: 3 * time.Minute},
		),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
		ErrorHandler: func(context echo.Context, err error) error {
			return context.JSON(http.StatusForbidden, nil)
		},
		DenyHandler: func(context echo.Context, identifier string, err error) error {
			return context.JSON(http.StatusTooManyRequests, nil)
		},
	}))

	e.POST("/api/tickets/bulk/upload", s.handleBulkUpload)

	echoErrChan := make(chan error, 1)
	go func() {
		slog.Info("starting ingest service", "port", s.cfg.Port)
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

	s.shuttingDown.Store(true)
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
