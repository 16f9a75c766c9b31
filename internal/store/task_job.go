package store

import (
	"context"
	"time"

	"basegraph.co/backfill/internal/backfill"
	"basegraph.co/backfill/internal/model"
)

// TaskJobStore persists looper state for one task of a subscription.
// Repository discovery lives on the subscription row, every other task type
// in the repository's sync record. The rate limit is shared by all tasks of
// a subscription.
type TaskJobStore struct {
	subscriptions SubscriptionStore
	repos         RepoSyncStateStore
}

var _ backfill.JobStore[model.TaskJob, model.TaskState] = (*TaskJobStore)(nil)

func NewTaskJobStore(subscriptions SubscriptionStore, repos RepoSyncStateStore) *TaskJobStore {
	return &TaskJobStore{subscriptions: subscriptions, repos: repos}
}

func (s *TaskJobStore) GetJobState(ctx context.Context, job model.TaskJob) (model.TaskState, error) {
	if job.Task.Type == model.TaskTypeRepository {
		sub, err := s.subscriptions.GetByID(ctx, job.Subscription.ID)
		if err != nil {
			return model.TaskState{}, err
		}
		return model.TaskState{Status: sub.RepositoryStatus, Cursor: sub.RepositoryCursor}, nil
	}

	record, err := s.repos.GetTask(ctx, job.Subscription.ID, job.Task.RepositoryID, job.Task.Type)
	if err != nil {
		return model.TaskState{}, err
	}
	return model.TaskState{Status: record.Status, Cursor: record.Cursor}, nil
}

func (s *TaskJobStore) SetJobState(ctx context.Context, job model.TaskJob, state model.TaskState) error {
	if job.Task.Type == model.TaskTypeRepository {
		return s.subscriptions.SetRepositoryState(ctx, job.Subscription.ID, state)
	}
	return s.repos.SetTaskState(ctx, job.Subscription.ID, job.Task.RepositoryID, job.Task.Type, state)
}

func (s *TaskJobStore) GetFailedAttemptsCount(ctx context.Context, job model.TaskJob) (int, error) {
	if job.Task.Type == model.TaskTypeRepository {
		sub, err := s.subscriptions.GetByID(ctx, job.Subscription.ID)
		if err != nil {
			return 0, err
		}
		return sub.RepositoryFailedAttempts, nil
	}

	record, err := s.repos.GetTask(ctx, job.Subscription.ID, job.Task.RepositoryID, job.Task.Type)
	if err != nil {
		return 0, err
	}
	return record.FailedAttempts, nil
}

func (s *TaskJobStore) SetFailedAttemptsCount(ctx context.Context, job model.TaskJob, count int) error {
	if job.Task.Type == model.TaskTypeRepository {
		return s.subscriptions.SetRepositoryFailedAttempts(ctx, job.Subscription.ID, count)
	}
	return s.repos.SetTaskFailedAttempts(ctx, job.Subscription.ID, job.Task.RepositoryID, job.Task.Type, count)
}

func (s *TaskJobStore) GetRateLimitState(ctx context.Context, job model.TaskJob) (*backfill.RateLimitState, error) {
	sub, err := s.subscriptions.GetByID(ctx, job.Subscription.ID)
	if err != nil {
		return nil, err
	}
	if sub.RateLimitBudgetLeft == nil || sub.RateLimitRefreshAt == nil {
		return nil, nil
	}
	return &backfill.RateLimitState{
		BudgetLeft:  *sub.RateLimitBudgetLeft,
		RefreshDate: *sub.RateLimitRefreshAt,
	}, nil
}

func (s *TaskJobStore) UpdateRateLimitState(ctx context.Context, job model.TaskJob, state *backfill.RateLimitState) error {
	if state == nil {
		return s.subscriptions.SetRateLimit(ctx, job.Subscription.ID, nil, nil)
	}
	budget := state.BudgetLeft
	refresh := state.RefreshDate.UTC().Truncate(time.Microsecond)
	return s.subscriptions.SetRateLimit(ctx, job.Subscription.ID, &budget, &refresh)
}
