package store

import (
	"context"
	"errors"
	"time"

	"basegraph.co/backfill/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// SubscriptionStore defines the contract for subscription data access
type SubscriptionStore interface {
	Create(ctx context.Context, sub *model.Subscription) error
	GetByID(ctx context.Context, id int64) (*model.Subscription, error)
	List(ctx context.Context) ([]model.Subscription, error)
	// ListStalled returns active subscriptions whose last tick is older than before.
	ListStalled(ctx context.Context, before time.Time, limit int) ([]model.Subscription, error)
	StartBackfill(ctx context.Context, id int64, params StartBackfillParams) (*model.Subscription, error)
	SetBackfillStatus(ctx context.Context, id int64, status model.BackfillStatus, errMsg *string) error
	SetRepositoryState(ctx context.Context, id int64, state model.TaskState) error
	SetRepositoryFailedAttempts(ctx context.Context, id int64, count int) error
	AddTotalRepositories(ctx context.Context, id int64, delta int) error
	SetRateLimit(ctx context.Context, id int64, budgetLeft *int, refreshAt *time.Time) error
	TouchLastTick(ctx context.Context, id int64, at time.Time) error
}

type StartBackfillParams struct {
	TargetTasks []model.TaskType
	Since       *time.Time
	FullResync  bool
}

// RepoSyncStateStore defines the contract for per-repository sync records.
// Task updates touch a single key of the task_states document, so concurrent
// ticks on different task types of the same repository do not clobber each
// other.
type RepoSyncStateStore interface {
	// InsertDiscovered records newly discovered repositories, ignoring ones
	// that already exist. Returns how many were inserted.
	InsertDiscovered(ctx context.Context, subscriptionID int64, repos []model.RepositoryRef) (int, error)
	// FindPending returns up to limit records with at least one pending task
	// among types, newest id first.
	FindPending(ctx context.Context, subscriptionID int64, types []model.TaskType, limit int) ([]model.RepoSyncState, error)
	GetTask(ctx context.Context, subscriptionID, repositoryID int64, taskType model.TaskType) (model.TaskRecord, error)
	SetTaskState(ctx context.Context, subscriptionID, repositoryID int64, taskType model.TaskType, state model.TaskState) error
	SetTaskFailedAttempts(ctx context.Context, subscriptionID, repositoryID int64, taskType model.TaskType, count int) error
	// ResetTasks sets the given task types back to pending with no cursor.
	ResetTasks(ctx context.Context, subscriptionID int64, types []model.TaskType) error
	StatusCounts(ctx context.Context, subscriptionID int64, types []model.TaskType) (map[model.TaskType]map[model.TaskStatus]int, error)
	CountFullySynced(ctx context.Context, subscriptionID int64, types []model.TaskType) (int, error)
}
