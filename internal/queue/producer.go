package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"basegraph.co/backfill/internal/model"
)

type Producer interface {
	Enqueue(ctx context.Context, msg BackfillMessage) error
	// EnqueueAfter delivers msg once delay has passed. Delays above the
	// transport maximum are clamped.
	EnqueueAfter(ctx context.Context, msg BackfillMessage, delay time.Duration) error
}

type ProducerConfig struct {
	Stream     string
	DelayedSet string
	MaxDelay   time.Duration
}

type RedisProducer struct {
	client redis.Cmdable
	cfg    ProducerConfig
	now    func() time.Time
}

var _ Producer = (*RedisProducer)(nil)

func NewRedisProducer(client redis.Cmdable, cfg ProducerConfig) *RedisProducer {
	return &RedisProducer{client: client, cfg: cfg, now: time.Now}
}

func (p *RedisProducer) Enqueue(ctx context.Context, msg BackfillMessage) error {
	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.cfg.Stream,
		Values: backfillValues(msg),
	}).Err(); err != nil {
		return fmt.Errorf("enqueue backfill: %w", err)
	}

	slog.InfoContext(ctx, "enqueued backfill tick",
		"subscription_id", msg.SubscriptionID,
		"attempt", max(msg.Attempt, 1))
	return nil
}

func (p *RedisProducer) EnqueueAfter(ctx context.Context, msg BackfillMessage, delay time.Duration) error {
	if delay <= 0 {
		return p.Enqueue(ctx, msg)
	}
	if p.cfg.MaxDelay > 0 && delay > p.cfg.MaxDelay {
		slog.WarnContext(ctx, "delay above queue maximum, clamping",
			"subscription_id", msg.SubscriptionID,
			"requested_delay", delay,
			"max_delay", p.cfg.MaxDelay)
		delay = p.cfg.MaxDelay
	}

	member, err := json.Marshal(newDelayedEntry(msg))
	if err != nil {
		return fmt.Errorf("encoding delayed backfill: %w", err)
	}

	due := p.now().Add(delay)
	if err := p.client.ZAdd(ctx, p.cfg.DelayedSet, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: string(member),
	}).Err(); err != nil {
		return fmt.Errorf("schedule backfill: %w", err)
	}

	slog.InfoContext(ctx, "scheduled backfill tick",
		"subscription_id", msg.SubscriptionID,
		"delay", delay)
	return nil
}

// delayedEntry is the delayed set member. Equal messages collapse into one
// member, and re-scheduling moves its due time.
type delayedEntry struct {
	SubscriptionID int64            `json:"subscription_id,string"`
	TargetTasks    []model.TaskType `json:"target_tasks,omitempty"`
	TraceID        string           `json:"trace_id,omitempty"`
	Attempt        int              `json:"attempt,omitempty"`
}

func newDelayedEntry(msg BackfillMessage) delayedEntry {
	return delayedEntry{
		SubscriptionID: msg.SubscriptionID,
		TargetTasks:    msg.TargetTasks,
		TraceID:        msg.TraceID,
		Attempt:        msg.Attempt,
	}
}

func (e delayedEntry) message() BackfillMessage {
	return BackfillMessage{
		SubscriptionID: e.SubscriptionID,
		TargetTasks:    e.TargetTasks,
		TraceID:        e.TraceID,
		Attempt:        e.Attempt,
	}
}
