package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"basegraph.co/backfill/common/logger"
	"basegraph.co/backfill/internal/queue"
)

type KickerConfig struct {
	// Schedule is a standard five-field cron expression.
	Schedule   string
	StallAfter time.Duration
	BatchSize  int
}

// Kicker re-enqueues active backfills that have not ticked for StallAfter,
// e.g. because their message was lost with a Redis failover.
type Kicker struct {
	subs     StalledSubscriptions
	producer queue.Producer
	cfg      KickerConfig
	now      func() time.Time
	cron     *cron.Cron
}

func NewKicker(subs StalledSubscriptions, producer queue.Producer, cfg KickerConfig) (*Kicker, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.StallAfter <= 0 {
		return nil, fmt.Errorf("stall threshold must be positive, got %s", cfg.StallAfter)
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("parsing kick schedule %q: %w", cfg.Schedule, err)
	}
	return &Kicker{
		subs:     subs,
		producer: producer,
		cfg:      cfg,
		now:      time.Now,
		cron:     cron.New(),
	}, nil
}

// Start schedules kicks in the background. ctx is used by every kick.
func (k *Kicker) Start(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "backfill.worker.kicker",
	})

	if _, err := k.cron.AddFunc(k.cfg.Schedule, func() {
		if _, err := k.KickStalled(ctx); err != nil {
			slog.ErrorContext(ctx, "kick cycle error", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling kicker: %w", err)
	}
	k.cron.Start()

	slog.InfoContext(ctx, "kicker started",
		"schedule", k.cfg.Schedule,
		"stall_after", k.cfg.StallAfter)
	return nil
}

// Stop waits for a running kick to finish.
func (k *Kicker) Stop() {
	<-k.cron.Stop().Done()
}

// KickStalled enqueues a tick for every stalled backfill and returns how
// many it kicked.
func (k *Kicker) KickStalled(ctx context.Context) (int, error) {
	now := k.now()
	stalled, err := k.subs.ListStalled(ctx, now.Add(-k.cfg.StallAfter), k.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing stalled subscriptions: %w", err)
	}

	kicked := 0
	for _, sub := range stalled {
		if err := k.producer.Enqueue(ctx, queue.BackfillMessage{SubscriptionID: sub.ID}); err != nil {
			return kicked, fmt.Errorf("kicking subscription %d: %w", sub.ID, err)
		}
		// Touch so the next run does not kick it again before a worker ticks.
		if err := k.subs.TouchLastTick(ctx, sub.ID, now); err != nil {
			slog.WarnContext(ctx, "failed to touch kicked subscription",
				"subscription_id", sub.ID,
				"error", err)
		}
		kicked++
	}

	if kicked > 0 {
		slog.InfoContext(ctx, "kicked stalled backfills", "count", kicked)
	}
	return kicked, nil
}
