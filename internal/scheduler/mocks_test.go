package scheduler_test

import (
	"context"
	"slices"

	"basegraph.co/backfill/internal/model"
	"basegraph.co/backfill/internal/scheduler"
)

// memoryFinder mimics the repo_sync_states pending query: records with at
// least one pending type among types, id descending, limited.
type memoryFinder struct {
	records    []model.RepoSyncState
	err        error
	lastLimit  int
	lastTypes  []model.TaskType
	queryCount int
}

func (f *memoryFinder) FindPending(_ context.Context, _ int64, types []model.TaskType, limit int) ([]model.RepoSyncState, error) {
	f.queryCount++
	f.lastLimit = limit
	f.lastTypes = types
	if f.err != nil {
		return nil, f.err
	}

	sorted := slices.Clone(f.records)
	slices.SortFunc(sorted, func(a, b model.RepoSyncState) int {
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})

	var out []model.RepoSyncState
	for _, r := range sorted {
		if len(r.PendingTasks(types)) == 0 {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type mockQuotaChecker struct {
	quotaFn func(ctx context.Context, sub *model.Subscription) (scheduler.Quota, error)
	calls   int
}

func (m *mockQuotaChecker) Quota(ctx context.Context, sub *model.Subscription) (scheduler.Quota, error) {
	m.calls++
	if m.quotaFn != nil {
		return m.quotaFn(ctx, sub)
	}
	return scheduler.Quota{}, nil
}

func fixedQuota(core, graphql int) func(context.Context, *model.Subscription) (scheduler.Quota, error) {
	return func(context.Context, *model.Subscription) (scheduler.Quota, error) {
		return scheduler.Quota{Core: core, GraphQL: graphql}, nil
	}
}

func repoRecord(id int64, statuses map[model.TaskType]model.TaskStatus) model.RepoSyncState {
	tasks := make(map[model.TaskType]model.TaskRecord, len(statuses))
	for t, s := range statuses {
		tasks[t] = model.TaskRecord{Status: s}
	}
	return model.RepoSyncState{
		ID:             id,
		SubscriptionID: 1,
		Repository:     model.RepositoryRef{ID: id * 10, Name: "repo"},
		Tasks:          tasks,
	}
}

func completeExcept(pending ...model.TaskType) map[model.TaskType]model.TaskStatus {
	statuses := make(map[model.TaskType]model.TaskStatus)
	for _, t := range model.RepositoryTaskTypes {
		statuses[t] = model.TaskStatusComplete
	}
	for _, t := range pending {
		statuses[t] = model.TaskStatusPending
	}
	return statuses
}
