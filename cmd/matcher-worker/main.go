package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dentacare/scheduling-engine/internal/config"
	"github.com/dentacare/scheduling-engine/internal/db"
	"github.com/dentacare/scheduling-engine/internal/events"
	"github.com/dentacare/scheduling-engine/internal/logger"
	"github.com/dentacare/scheduling-engine/internal/metrics"
	redisclient "github.com/dentacare/scheduling-engine/internal/redis"
	"github.com/dentacare/scheduling-engine/internal/scheduling"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config load error: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString("logger error: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("matcher-worker starting",
		zap.String("env", cfg.Env),
		zap.Duration("poll_interval", cfg.MatcherInterval),
		zap.Int("workers", cfg.MatchWorkers),
		zap.Int("lookahead_days", cfg.LookaheadDays),
		zap.Int("max_attempts", cfg.MaxMatchAttempts),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error("error closing redis", zap.Error(err))
		}
	}()
	log.Info("connected to Redis")

	var gateway events.Gateway = events.NopGateway{}
	if cfg.AMQPURL != "" {
		conn, err := events.DialAMQP(cfg.AMQPURL)
		if err != nil {
			log.Fatal("rabbitmq connection error", zap.Error(err))
		}
		defer conn.Close()

		rg, err := events.NewRabbitGateway(conn, log)
		if err != nil {
			log.Fatal("rabbitmq gateway error", zap.Error(err))
		}
		defer rg.Close()
		gateway = rg
		log.Info("connected to RabbitMQ")
	} else {
		log.Warn("AMQP_URL not set, outbound notifications disabled")
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	repo := scheduling.NewPgRepository(pgPool)
	locker := redisclient.NewRedisResourceLocker(rdb, cfg.LockTTL, cfg.LockWaitTimeout)
	svc := scheduling.NewService(repo, locker, gateway, m, log, scheduling.Options{
		MinDuration: cfg.MinAppointmentDuration,
		MaxDuration: cfg.MaxAppointmentDuration,
	})

	matcher := scheduling.NewMatcher(repo, svc, m, log, scheduling.MatcherConfig{
		LookaheadDays: cfg.LookaheadDays,
		MaxAttempts:   cfg.MaxMatchAttempts,
		BackoffBase:   cfg.MatchBackoffBase,
		BackoffMax:    cfg.MatchBackoffMax,
		MatchTimeout:  cfg.MatchTimeout,
		ReclaimAfter:  cfg.MatchReclaimAfter,
		PollInterval:  cfg.MatcherInterval,
		Workers:       cfg.MatchWorkers,
	})

	matcher.Run(rootCtx)

	log.Info("matcher-worker stopped")
}
