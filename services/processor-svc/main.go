package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"github.com/ticketforge/bulk-pipeline/pkg/common"
	"github.com/twmb/franz-go/pkg/kgo"
)

type Config struct {
	Port           string
	KafkaBrokers   []string
	MainTopic      string
	DLTTopic       string
	ConsumerGroup  string
	DatabaseURL    string
	RedisAddr      string
	Concurrency    int
	MaxPollRecords int
	BatchTTL       time.Duration
	DLTTTL         time.Duration
	RetryPolicy    common.RetryPolicyConfig
}

func loadConfig() Config {
	mainTopic := common.GetenvOrDefault("KAFKA_TOPIC", "ticket.bulk.requests")
	return Config{
		Port:           common.GetenvOrDefault("PORT", "8080"),
		KafkaBrokers:   common.SplitCommaSeparated(common.RequireEnv("KAFKA_BROKERS")),
		MainTopic:      mainTopic,
		DLTTopic:       common.GetenvOrDefault("KAFKA_DLT_TOPIC", mainTopic+".DLT"),
		ConsumerGroup:  common.GetenvOrDefault("KAFKA_CONSUMER_GROUP", "bulk-consumers"),
		DatabaseURL:    common.RequireEnv("DATABASE_URL"),
		RedisAddr:      common.RequireEnv("REDIS_ADDR"),
		Concurrency:    common.GetenvOrDefaultInt("CONCURRENCY", "3"),
		MaxPollRecords: common.GetenvOrDefaultInt("MAX_POLL_RECORDS", "100"),
		BatchTTL:       time.Duration(common.GetenvOrDefaultInt("BATCH_TTL_HOURS", "24")) * time.Hour,
		DLTTTL:         time.Duration(common.GetenvOrDefaultInt("DLT_TTL_DAYS", "7")) * 24 * time.Hour,
		RetryPolicy: common.RetryPolicyConfig{
			MaxAttempts:     common.GetenvOrDefaultInt("MAX_ATTEMPTS", "3"),
			InitialInterval: time.Duration(common.GetenvOrDefaultInt("INITIAL_INTERVAL_MS", "1000")) * time.Millisecond,
			Multiplier:      2.0,
			MaxInterval:     time.Duration(common.GetenvOrDefaultInt("MAX_INTERVAL_MS", "10000")) * time.Millisecond,
		},
	}
}

// Server wires together C4 (consumer worker pool), C5 (the ticket adapter),
// C6 (retry/DLT), C7 (tracking) and C8 (the post-commit event bus).
type Server struct {
	cfg         Config
	ready       atomic.Bool
	consumer    *kgo.Client
	dltProducer *kgo.Client
	dltConsumer *kgo.Client
	db          *pgxpool.Pool
	tickets     *TicketStore
	tracking    common.TrackingStore
	bus         *common.EventBus
}

func main() {
	logLevel := common.InitSlog()

	s := &Server{cfg: loadConfig(), bus: common.NewEventBus()}

	db, err := common.ConnectPGXPoolWithRetry(context.Background(), s.cfg.DatabaseURL, logLevel, 10, 3*time.Second)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := runMigrations(db); err != nil {
		slog.Error("failed to run database migrations", "error", err)
		os.Exit(1)
	}
	s.db = db
	sqlDB, err := registerDBMetrics(db)
	if err != nil {
		slog.Error("failed to register database metrics", "error", err)
		os.Exit(1)
	}
	defer func(sqlDB *sql.DB) {
		if err := sqlDB.Close(); err != nil {
			slog.Warn("failed to close sql db", "error", err)
		}
	}(sqlDB)

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "ticket-adapter",
		Timeout: 30 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Debug("circuit breaker state change", "name", name, "from", from, "to", to)
		},
	})
	s.tickets = NewTicketStore(db, breaker, s.bus)

	rdb := redis.NewClient(&redis.Options{Addr: s.cfg.RedisAddr})
	defer func(rdb *redis.Client) {
		if err := rdb.Close(); err != nil {
			slog.Error("failed to close redis client", "error", err)
		}
	}(rdb)
	trackingBreaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "tracking-store",
		Timeout: 15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Debug("circuit breaker state change", "name", name, "from", from, "to", to)
		},
	})
	s.tracking = common.NewFallbackTrackingStore(
		common.NewRedisTrackingStore(rdb, s.cfg.BatchTTL, s.cfg.DLTTTL),
		common.NewMemoryTrackingStore(),
		trackingBreaker,
	)

	kafkaLogLevel := common.KgoLogLevelFromString(logLevel)
	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.cfg.KafkaBrokers...),
		kgo.WithLogger(common.NewKgoSlogLogger(slog.Default().With("component", "kafka"), kafkaLogLevel)),
		kgo.ConsumerGroup(s.cfg.ConsumerGroup),
		kgo.ConsumeTopics(s.cfg.MainTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxBytes(int32(s.cfg.MaxPollRecords)*64*1024),
		kgo.OnPartitionsAssigned(func(ctx context.Context, cl *kgo.Client, assigned map[string][]int32) {
			if s.ready.CompareAndSwap(false, true) {
				slog.Info("consumer partitions assigned", "assignments", assigned)
			}
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			if s.ready.CompareAndSwap(true, false) {
				slog.Info("consumer partitions revoked", "assignments", revoked)
			}
		}),
		kgo.OnPartitionsLost(func(ctx context.Context, cl *kgo.Client, lost map[string][]int32) {
			if s.ready.CompareAndSwap(true, false) {
				slog.Warn("consumer partitions lost", "assignments", lost)
			}
		}),
	)
	if err != nil {
		slog.Error("failed to create kafka consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()
	s.consumer = consumer

	dltProducer, err := kgo.NewClient(
		kgo.SeedBrokers(s.cfg.KafkaBrokers...),
		kgo.WithLogger(common.NewKgoSlogLogger(slog.Default().With("component", "kafka-dlt"), kafkaLogLevel)),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		slog.Error("failed to create DLT producer", "error", err)
		os.Exit(1)
	}
	defer dltProducer.Close()
	s.dltProducer = dltProducer

	// dltConsumer is spec.md §4.4's "separate DLT consumer (same container,
	// different group suffix -dlt)": its own group, tailing <topic>.DLT, whose
	// only job is recording arrivals into the Tracking Store.
	dltConsumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.cfg.KafkaBrokers...),
		kgo.WithLogger(common.NewKgoSlogLogger(slog.Default().With("component", "kafka-dlt-consumer"), kafkaLogLevel)),
		kgo.ConsumerGroup(s.cfg.ConsumerGroup+"-dlt"),
		kgo.ConsumeTopics(s.cfg.DLTTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		slog.Error("failed to create dlt consumer", "error", err)
		os.Exit(1)
	}
	defer dltConsumer.Close()
	s.dltConsumer = dltConsumer

	kafkaCtx, kafkaCancel := context.WithCancel(context.Background())
	chunkCh := make(chan fetchedChunk, s.cfg.Concurrency*2)
	for i := 0; i < s.cfg.Concurrency; i++ {
		go s.processChunks(kafkaCtx, chunkCh)
	}
	go s.consume(kafkaCtx, chunkCh)
	go s.consumeDLT(kafkaCtx)

	e := echo.New()
	common.SetupEchoDefaults(e, "processor-svc", s.handleHealth, s.handleReady)

	echoErrChan := make(chan error, 1)
	go func() {
		slog.Info("starting processor service", "port", s.cfg.Port)
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
	kafkaCancel()
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
