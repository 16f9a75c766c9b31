package worker

import (
	"context"
	"time"

	"basegraph.co/backfill/internal/backfill"
	"basegraph.co/backfill/internal/model"
	"basegraph.co/backfill/internal/queue"
	"basegraph.co/backfill/internal/scheduler"
)

// Consumer abstracts the message queue for testability.
type Consumer interface {
	Read(ctx context.Context) ([]queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	Requeue(ctx context.Context, msg queue.Message, errMsg string) error
	SendDLQ(ctx context.Context, msg queue.Message, errMsg string) error
}

// Deduplicator guards a subscription against concurrent ticks.
type Deduplicator interface {
	Execute(ctx context.Context, key string, job func(ctx context.Context) error) (queue.DedupResult, error)
}

type Scheduler interface {
	NextTasks(ctx context.Context, sub *model.Subscription, requested []model.TaskType) (scheduler.Batch, error)
}

type Looper interface {
	ProcessStep(ctx context.Context, step backfill.Step[model.TaskJob]) (backfill.NextAction[model.TaskJob], error)
}

// Subscriptions is the part of store.SubscriptionStore the worker needs.
type Subscriptions interface {
	GetByID(ctx context.Context, id int64) (*model.Subscription, error)
	SetBackfillStatus(ctx context.Context, id int64, status model.BackfillStatus, errMsg *string) error
	TouchLastTick(ctx context.Context, id int64, at time.Time) error
}

// StalledSubscriptions is the part of store.SubscriptionStore the kicker needs.
type StalledSubscriptions interface {
	ListStalled(ctx context.Context, before time.Time, limit int) ([]model.Subscription, error)
	TouchLastTick(ctx context.Context, id int64, at time.Time) error
}
