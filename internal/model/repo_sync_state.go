package model

import "time"

// RepoSyncState tracks backfill progress of one repository for one
// subscription. IDs are snowflakes, so ordering by ID is stable and follows
// discovery order.
type RepoSyncState struct {
	ID             int64                   `json:"id,string"`
	SubscriptionID int64                   `json:"subscription_id,string"`
	Repository     RepositoryRef           `json:"repository"`
	Tasks          map[TaskType]TaskRecord `json:"task_states"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

func (r RepoSyncState) Status(t TaskType) TaskStatus {
	return r.Tasks[t].Status
}

// PendingTasks returns the pending tasks of this record among types, in the
// order given.
func (r RepoSyncState) PendingTasks(types []TaskType) []Task {
	var tasks []Task
	for _, t := range types {
		record := r.Tasks[t]
		if !record.Status.Pending() {
			continue
		}
		tasks = append(tasks, Task{
			Type:         t,
			RepositoryID: r.Repository.ID,
			Repository:   r.Repository,
			Cursor:       record.Cursor,
		})
	}
	return tasks
}

// BackfillProgress summarizes a subscription's backfill for operators.
type BackfillProgress struct {
	Subscription  *Subscription                   `json:"subscription"`
	TotalRepos    int                             `json:"total_repos"`
	SyncedRepos   int                             `json:"synced_repos"`
	TaskCounts    map[TaskType]map[TaskStatus]int `json:"task_counts"`
	IsComplete    bool                            `json:"is_sync_complete"`
	PercentSynced float64                         `json:"percent_synced"`
}
