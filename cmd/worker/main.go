package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"basegraph.co/backfill/common/arangodb"
	"basegraph.co/backfill/common/id"
	"basegraph.co/backfill/common/logger"
	"basegraph.co/backfill/common/otel"
	"basegraph.co/backfill/core/config"
	"basegraph.co/backfill/core/db"
	"basegraph.co/backfill/internal/backfill"
	"basegraph.co/backfill/internal/gitlab"
	"basegraph.co/backfill/internal/model"
	"basegraph.co/backfill/internal/queue"
	"basegraph.co/backfill/internal/scheduler"
	"basegraph.co/backfill/internal/store"
	"basegraph.co/backfill/internal/syncer"
	"basegraph.co/backfill/internal/worker"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	slog.InfoContext(ctx, "backfill worker starting",
		"env", cfg.Env,
		"stream", cfg.Queue.Stream,
		"consumer_group", cfg.Queue.Group,
		"consumer_name", cfg.Queue.Consumer)

	if err := id.Init(cfg.NodeID); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Queue.Stream)

	sink, closeSink, err := setupSink(ctx, cfg.ArangoDB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to set up graph sink", "error", err)
		os.Exit(1)
	}
	defer closeSink()

	stores := store.NewStores(database.Conn())

	producer := queue.NewRedisProducer(redisClient, queue.ProducerConfig{
		Stream:     cfg.Queue.Stream,
		DelayedSet: cfg.Queue.DelayedSet,
		MaxDelay:   cfg.Queue.MaxDelay,
	})

	consumer, err := queue.NewRedisConsumer(ctx, redisClient, queue.ConsumerConfig{
		Stream:       cfg.Queue.Stream,
		Group:        cfg.Queue.Group,
		Consumer:     cfg.Queue.Consumer,
		DLQStream:    cfg.Queue.DLQStream,
		BatchSize:    cfg.Queue.BatchSize,
		Block:        cfg.Queue.Block,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		RequeueDelay: time.Duration(cfg.Backfill.InitialDelaySeconds * float64(time.Second)),
	}, producer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	gitlabFactory := gitlab.NewFactory(cfg.GitLab)

	retry, err := backfill.NewBackoffRetryStrategy(
		cfg.Backfill.Retries,
		cfg.Backfill.InitialDelaySeconds,
		cfg.Backfill.BackoffMultiplier,
		backfill.WithMaxDelay(cfg.Backfill.MaxRetryDelaySeconds),
	)
	if err != nil {
		slog.ErrorContext(ctx, "invalid retry settings", "error", err)
		os.Exit(1)
	}

	rateLimit, err := backfill.NewCappedDelayRateLimitStrategyChecked(cfg.Backfill.RateLimitMaxDelaySeconds, nil, cfg.Queue.MaxDelay)
	if err != nil {
		slog.ErrorContext(ctx, "invalid rate limit settings", "error", err)
		os.Exit(1)
	}

	prioritizer := syncer.NewPrioritizer(syncer.GitLabSources{Factory: gitlabFactory}, sink, stores.Discovery())
	looper := backfill.NewLooper[model.TaskJob, model.TaskState](prioritizer, stores.TaskJobs(), rateLimit, retry)

	sched := scheduler.New(stores.RepoSyncStates(), gitlab.NewQuotaChecker(gitlabFactory),
		scheduler.WithReservePerTask(cfg.Backfill.ReservePerTask),
		scheduler.WithMaxSubtasks(cfg.Backfill.MaxSubtasks),
		scheduler.WithPoolCoefficient(cfg.Backfill.PoolCoefficient),
		scheduler.WithSecurityTasks(cfg.Backfill.SecurityTasks),
	)

	dedup := queue.NewDeduplicator(
		queue.NewRedisInProgressStorage(redisClient, cfg.Queue.DedupFlagTTL),
		cfg.Queue.DedupRefresh,
	)

	w := worker.New(consumer, producer, dedup, stores.Subscriptions(), sched, looper, worker.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
		MaxParallel: cfg.Backfill.MaxParallel,
	})

	promoter := queue.NewPromoter(redisClient, queue.PromoterConfig{
		Stream:     cfg.Queue.Stream,
		DelayedSet: cfg.Queue.DelayedSet,
		Interval:   cfg.Queue.PromoteInterval,
	})

	reclaimer := worker.NewReclaimer(redisClient, worker.ReclaimerConfig{
		Stream:    cfg.Queue.Stream,
		Group:     cfg.Queue.Group,
		Consumer:  cfg.Queue.Consumer + "-reclaimer",
		MinIdle:   cfg.Queue.ClaimIdle,
		Interval:  time.Minute,
		BatchSize: cfg.Queue.BatchSize,
	}, consumer, w.HandleMessage)

	kicker, err := worker.NewKicker(stores.Subscriptions(), producer, worker.KickerConfig{
		Schedule:   cfg.Backfill.KickCron,
		StallAfter: cfg.Backfill.StallAfter,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create kicker", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx)
	}()
	go promoter.Run(ctx)
	go reclaimer.Run(ctx)
	if err := kicker.Start(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to start kicker", "error", err)
		os.Exit(1)
	}

	slog.InfoContext(ctx, "worker initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		slog.ErrorContext(ctx, "worker stopped unexpectedly", "error", err)
	}

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Background loops first; they are quick to stop.
	kicker.Stop()
	reclaimer.Stop()
	promoter.Stop()

	// Stop worker (may be processing)
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded")
	case <-done:
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "worker shutdown complete")
}

// setupSink writes to ArangoDB when it is configured and only logs
// otherwise.
func setupSink(ctx context.Context, cfg config.ArangoDBConfig) (syncer.Sink, func(), error) {
	if !cfg.Enabled() {
		slog.InfoContext(ctx, "arangodb disabled, ingested items are only logged")
		return syncer.LogSink{}, func() {}, nil
	}

	graph, err := arangodb.New(ctx, arangodb.Config{
		URL:      cfg.URL,
		Username: cfg.Username,
		Password: cfg.Password,
		Database: cfg.Database,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to arangodb: %w", err)
	}

	for _, ensure := range []func(context.Context) error{
		graph.EnsureDatabase,
		graph.EnsureCollections,
		graph.EnsureGraph,
	} {
		if err := ensure(ctx); err != nil {
			_ = graph.Close()
			return nil, nil, fmt.Errorf("preparing arangodb: %w", err)
		}
	}

	slog.InfoContext(ctx, "arangodb connected", "database", cfg.Database)
	return syncer.NewGraphSink(graph), func() { _ = graph.Close() }, nil
}

const banner = `
██████╗  █████╗  ██████╗██╗  ██╗███████╗██╗██╗     ██╗         ██╗    ██╗ ██████╗ ██████╗ ██╗  ██╗███████╗██████╗
██╔══██╗██╔══██╗██╔════╝██║ ██╔╝██╔════╝██║██║     ██║         ██║    ██║██╔═══██╗██╔══██╗██║ ██╔╝██╔════╝██╔══██╗
██████╔╝███████║██║     █████╔╝ █████╗  ██║██║     ██║         ██║ █╗ ██║██║   ██║██████╔╝█████╔╝ █████╗  ██████╔╝
██╔══██╗██╔══██║██║     ██╔═██╗ ██╔══╝  ██║██║     ██║         ██║███╗██║██║   ██║██╔══██╗██╔═██╗ ██╔══╝  ██╔══██╗
██████╔╝██║  ██║╚██████╗██║  ██╗██║     ██║███████╗███████╗    ╚███╔███╔╝╚██████╔╝██║  ██║██║  ██╗███████╗██║  ██║
╚═════╝ ╚═╝  ╚═╝ ╚═════╝╚═╝  ╚═╝╚═╝     ╚═╝╚══════╝╚══════╝     ╚══╝╚══╝  ╚═════╝ ╚═╝  ╚═╝╚═╝  ╚═╝╚══════╝╚═╝  ╚═╝
`
