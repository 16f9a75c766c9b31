package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"basegraph.co/backfill/common/id"
	"basegraph.co/backfill/common/logger"
	"basegraph.co/backfill/internal/model"
	"basegraph.co/backfill/internal/queue"
	"basegraph.co/backfill/internal/store"
)

var ErrBackfillNotActive = errors.New("backfill is not active")

type CreateSubscriptionParams struct {
	Name            string
	GitLabURL       string
	AccessToken     string
	TargetTasks     []model.TaskType
	Since           *time.Time
	SecurityEnabled bool
}

type StartBackfillParams struct {
	// TargetTasks narrows the backfill; empty means every task type.
	TargetTasks []model.TaskType
	// Since limits history to items updated after it; nil keeps the
	// subscription's current value.
	Since *time.Time
	// FullResync re-runs discovery and every targeted task from scratch.
	FullResync bool
}

// TaskTypeResolver decides which task types a subscription runs.
type TaskTypeResolver interface {
	EligibleTypes(sub *model.Subscription, requested []model.TaskType) []model.TaskType
}

type BackfillService interface {
	CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*model.Subscription, error)
	StartBackfill(ctx context.Context, subscriptionID int64, params StartBackfillParams) (*model.Subscription, error)
	Status(ctx context.Context, subscriptionID int64) (*model.BackfillProgress, error)
	// Kick enqueues a tick for an active backfill right away.
	Kick(ctx context.Context, subscriptionID int64) error
}

type backfillService struct {
	stores   StoreProvider
	txRunner TxRunner
	producer queue.Producer
	types    TaskTypeResolver
}

func NewBackfillService(stores StoreProvider, txRunner TxRunner, producer queue.Producer, types TaskTypeResolver) BackfillService {
	return &backfillService{
		stores:   stores,
		txRunner: txRunner,
		producer: producer,
		types:    types,
	}
}

func (s *backfillService) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*model.Subscription, error) {
	sub := &model.Subscription{
		ID:               id.New(),
		Name:             params.Name,
		GitLabURL:        params.GitLabURL,
		AccessToken:      params.AccessToken,
		BackfillStatus:   model.BackfillStatusPending,
		TargetTasks:      params.TargetTasks,
		BackfillSince:    params.Since,
		SecurityEnabled:  params.SecurityEnabled,
		RepositoryStatus: model.TaskStatusPending,
	}

	if err := s.stores.Subscriptions().Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("creating subscription: %w", err)
	}

	slog.InfoContext(ctx, "subscription created", "subscription_id", sub.ID)
	return sub, nil
}

func (s *backfillService) StartBackfill(ctx context.Context, subscriptionID int64, params StartBackfillParams) (*model.Subscription, error) {
	var sub *model.Subscription
	err := s.txRunner.WithTx(ctx, func(stores StoreProvider) error {
		var err error
		sub, err = stores.Subscriptions().StartBackfill(ctx, subscriptionID, store.StartBackfillParams{
			TargetTasks: params.TargetTasks,
			Since:       params.Since,
			FullResync:  params.FullResync,
		})
		if err != nil {
			return fmt.Errorf("starting backfill: %w", err)
		}

		if !params.FullResync {
			return nil
		}
		if err := stores.RepoSyncStates().ResetTasks(ctx, subscriptionID, s.types.EligibleTypes(sub, nil)); err != nil {
			return fmt.Errorf("resetting tasks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Enqueue after commit so the worker sees the active status.
	if err := s.producer.Enqueue(ctx, queue.BackfillMessage{
		SubscriptionID: sub.ID,
		TraceID:        logger.TraceID(ctx),
	}); err != nil {
		return nil, fmt.Errorf("enqueueing first tick: %w", err)
	}

	slog.InfoContext(ctx, "backfill started",
		"subscription_id", sub.ID,
		"target_tasks", sub.TargetTasks,
		"full_resync", params.FullResync)
	return sub, nil
}

func (s *backfillService) Status(ctx context.Context, subscriptionID int64) (*model.BackfillProgress, error) {
	sub, err := s.stores.Subscriptions().GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("loading subscription: %w", err)
	}

	types := s.types.EligibleTypes(sub, nil)
	counts, err := s.stores.RepoSyncStates().StatusCounts(ctx, sub.ID, types)
	if err != nil {
		return nil, fmt.Errorf("counting task statuses: %w", err)
	}
	synced, err := s.stores.RepoSyncStates().CountFullySynced(ctx, sub.ID, types)
	if err != nil {
		return nil, fmt.Errorf("counting synced repositories: %w", err)
	}

	progress := &model.BackfillProgress{
		Subscription: sub,
		TotalRepos:   sub.TotalRepositories,
		SyncedRepos:  synced,
		TaskCounts:   counts,
		IsComplete:   sub.DiscoveryComplete() && synced >= sub.TotalRepositories,
	}
	if sub.TotalRepositories > 0 {
		progress.PercentSynced = float64(synced) / float64(sub.TotalRepositories) * 100
	} else if progress.IsComplete {
		progress.PercentSynced = 100
	}
	return progress, nil
}

func (s *backfillService) Kick(ctx context.Context, subscriptionID int64) error {
	sub, err := s.stores.Subscriptions().GetByID(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("loading subscription: %w", err)
	}
	if sub.BackfillStatus != model.BackfillStatusActive {
		return ErrBackfillNotActive
	}

	if err := s.producer.Enqueue(ctx, queue.BackfillMessage{
		SubscriptionID: sub.ID,
		TraceID:        logger.TraceID(ctx),
	}); err != nil {
		return fmt.Errorf("enqueueing tick: %w", err)
	}

	slog.InfoContext(ctx, "backfill kicked", "subscription_id", sub.ID)
	return nil
}
