package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"basegraph.co/backfill/common/logger"
)

type PromoterConfig struct {
	Stream     string
	DelayedSet string
	Interval   time.Duration
	BatchSize  int64
}

// Promoter moves due messages from the delayed set into the stream. Several
// promoters may run; whoever removes a member promotes it.
type Promoter struct {
	client redis.Cmdable
	cfg    PromoterConfig
	now    func() time.Time

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewPromoter(client redis.Cmdable, cfg PromoterConfig) *Promoter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Promoter{
		client:    client,
		cfg:       cfg,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run blocks until Stop is called or ctx is done.
func (p *Promoter) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "backfill.queue.promoter",
	})

	defer close(p.stoppedCh)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "promoter started",
		"interval", p.cfg.Interval,
		"delayed_set", p.cfg.DelayedSet)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			slog.InfoContext(ctx, "promoter stopping")
			return
		case <-ticker.C:
			if _, err := p.PromoteDue(ctx); err != nil {
				slog.ErrorContext(ctx, "promote cycle error", "error", err)
			}
		}
	}
}

func (p *Promoter) Stop() {
	close(p.stopCh)
	<-p.stoppedCh
}

// PromoteDue promotes up to one batch of due messages and returns how many
// this promoter moved.
func (p *Promoter) PromoteDue(ctx context.Context) (int, error) {
	members, err := p.client.ZRangeByScore(ctx, p.cfg.DelayedSet, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(p.now().UnixMilli(), 10),
		Count: p.cfg.BatchSize,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore: %w", err)
	}

	promoted := 0
	for _, member := range members {
		removed, err := p.client.ZRem(ctx, p.cfg.DelayedSet, member).Result()
		if err != nil {
			return promoted, fmt.Errorf("zrem: %w", err)
		}
		if removed == 0 {
			continue
		}

		var entry delayedEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			slog.ErrorContext(ctx, "dropping malformed delayed message", "error", err, "member", member)
			continue
		}

		if err := p.client.XAdd(ctx, &redis.XAddArgs{
			Stream: p.cfg.Stream,
			Values: backfillValues(entry.message()),
		}).Err(); err != nil {
			// Put it back so the next cycle retries.
			_ = p.client.ZAdd(ctx, p.cfg.DelayedSet, redis.Z{Score: float64(p.now().UnixMilli()), Member: member}).Err()
			return promoted, fmt.Errorf("xadd: %w", err)
		}
		promoted++
	}

	if promoted > 0 {
		slog.DebugContext(ctx, "promoted delayed messages", "count", promoted)
	}
	return promoted, nil
}
