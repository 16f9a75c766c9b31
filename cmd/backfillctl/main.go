package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"basegraph.co/backfill/common/id"
	"basegraph.co/backfill/common/logger"
	"basegraph.co/backfill/core/config"
	"basegraph.co/backfill/core/db"
	"basegraph.co/backfill/internal/cli"
	"basegraph.co/backfill/internal/gitlab"
	"basegraph.co/backfill/internal/queue"
	"basegraph.co/backfill/internal/scheduler"
	"basegraph.co/backfill/internal/service"
	"basegraph.co/backfill/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.ServiceTypeCLI)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Command output goes to stdout, so logs stay on stderr.
	slog.SetDefault(slog.New(logger.NewTraceHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)))

	if err := id.Init(cfg.NodeID); err != nil {
		return fmt.Errorf("initializing id generator: %w", err)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer database.Close()

	redisOpts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	stores := store.NewStores(database.Conn())
	services := service.NewServices(service.ServicesConfig{
		Stores:   stores,
		TxRunner: service.NewTxRunner(database),
		Producer: queue.NewRedisProducer(redisClient, queue.ProducerConfig{
			Stream:     cfg.Queue.Stream,
			DelayedSet: cfg.Queue.DelayedSet,
			MaxDelay:   cfg.Queue.MaxDelay,
		}),
		Types: scheduler.New(stores.RepoSyncStates(), gitlab.NewQuotaChecker(gitlab.NewFactory(cfg.GitLab)),
			scheduler.WithSecurityTasks(cfg.Backfill.SecurityTasks),
		),
	})

	return cli.NewRootCmd(services.Backfill(), os.Stdout).ExecuteContext(ctx)
}
