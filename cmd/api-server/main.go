package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dentacare/scheduling-engine/internal/api"
	"github.com/dentacare/scheduling-engine/internal/config"
	"github.com/dentacare/scheduling-engine/internal/db"
	"github.com/dentacare/scheduling-engine/internal/events"
	"github.com/dentacare/scheduling-engine/internal/logger"
	"github.com/dentacare/scheduling-engine/internal/metrics"
	redisclient "github.com/dentacare/scheduling-engine/internal/redis"
	"github.com/dentacare/scheduling-engine/internal/scheduling"
)

var version = "dev"

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

	log.Info("api-server starting", zap.String("env", cfg.Env), zap.String("http_port", cfg.HTTPPort))

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

	router := api.NewRouter(api.RouterConfig{
		Service: svc,
		PgPool:  pgPool,
		Redis:   rdb,
		Metrics: m,
		Log:     log,
		Env:     cfg.Env,
		Version: version,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	log.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", zap.Error(err))
	}

	log.Info("api-server stopped")
}
