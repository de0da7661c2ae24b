// conveyord is the conveyor daemon: one worker instance plus the HTTP
// API, coordinated through Redis.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/lmittmann/tint"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	conveyor "github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/api"
	"github.com/conveyorhq/conveyor/engine"
	"github.com/conveyorhq/conveyor/pipeline"
	"github.com/conveyorhq/conveyor/store/redis"
)

type config struct {
	ListenAddr      string        `env:"CONVEYOR_LISTEN_ADDR" envDefault:":8080"`
	RedisAddr       string        `env:"CONVEYOR_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword   string        `env:"CONVEYOR_REDIS_PASSWORD"`
	RedisDB         int           `env:"CONVEYOR_REDIS_DB" envDefault:"0"`
	KeyPrefix       string        `env:"CONVEYOR_KEY_PREFIX" envDefault:"conveyor"`
	Concurrency     int           `env:"CONVEYOR_CONCURRENCY" envDefault:"8"`
	QueueCapacity   int           `env:"CONVEYOR_QUEUE_CAPACITY" envDefault:"1024"`
	LockTTL         time.Duration `env:"CONVEYOR_LOCK_TTL" envDefault:"30s"`
	JobRetention    time.Duration `env:"CONVEYOR_JOB_RETENTION" envDefault:"72h"`
	ShutdownTimeout time.Duration `env:"CONVEYOR_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	LogLevel        slog.Level    `env:"CONVEYOR_LOG_LEVEL" envDefault:"info"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "conveyord:", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      cfg.LogLevel,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	store := redis.New(client,
		redis.WithKeyPrefix(cfg.KeyPrefix),
		redis.WithJobTTL(cfg.JobRetention),
	)

	c, err := conveyor.New(
		conveyor.WithStore(store),
		conveyor.WithKeyPrefix(cfg.KeyPrefix),
		conveyor.WithLogger(logger),
		conveyor.WithConcurrency(cfg.Concurrency),
		conveyor.WithQueueCapacity(cfg.QueueCapacity),
		conveyor.WithLockTTL(cfg.LockTTL),
		conveyor.WithJobRetention(cfg.JobRetention),
	)
	if err != nil {
		return err
	}

	eng, err := engine.Build(c)
	if err != nil {
		return err
	}
	if err := pipeline.Register(eng, pipeline.New()); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return err
	}
	if n, err := eng.Recover(ctx); err != nil {
		logger.Warn("recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("recovered interrupted jobs", "count", n)
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(eng, logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
		if err := eng.Stop(shutdownCtx); err != nil {
			logger.Warn("engine shutdown", "error", err)
		}
		return c.Stop(shutdownCtx)
	})

	return g.Wait()
}
