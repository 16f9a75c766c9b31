package dto

import (
	"time"

	"basegraph.co/backfill/internal/model"
)

type CreateSubscriptionRequest struct {
	Name            string     `json:"name" binding:"required,min=1,max=255"`
	GitLabURL       string     `json:"gitlab_url,omitempty" binding:"omitempty,url"`
	AccessToken     string     `json:"access_token" binding:"required"`
	TargetTasks     []string   `json:"target_tasks,omitempty"`
	Since           *time.Time `json:"since,omitempty"`
	SecurityEnabled bool       `json:"security_enabled,omitempty"`
}

// StartBackfillRequest is also served as a JSON schema, so its jsonschema
// tags document the API.
type StartBackfillRequest struct {
	TargetTasks []string   `json:"target_tasks,omitempty" jsonschema:"description=Task types to backfill. Empty means every task type the subscription targets."`
	Since       *time.Time `json:"since,omitempty" jsonschema:"description=Only backfill items updated after this time."`
	FullResync  bool       `json:"full_resync,omitempty" jsonschema:"description=Rediscover repositories and restart every task from the beginning."`
}

type SubscriptionResponse struct {
	ID               int64      `json:"id,string"`
	Name             string     `json:"name"`
	GitLabURL        string     `json:"gitlab_url"`
	BackfillStatus   string     `json:"backfill_status"`
	BackfillError    *string    `json:"backfill_error,omitempty"`
	TargetTasks      []string   `json:"target_tasks,omitempty"`
	BackfillSince    *time.Time `json:"backfill_since,omitempty"`
	SecurityEnabled  bool       `json:"security_enabled"`
	RepositoryStatus string     `json:"repository_status"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func ToSubscriptionResponse(sub *model.Subscription) *SubscriptionResponse {
	resp := &SubscriptionResponse{
		ID:               sub.ID,
		Name:             sub.Name,
		GitLabURL:        sub.GitLabURL,
		BackfillStatus:   string(sub.BackfillStatus),
		BackfillError:    sub.BackfillError,
		BackfillSince:    sub.BackfillSince,
		SecurityEnabled:  sub.SecurityEnabled,
		RepositoryStatus: string(sub.RepositoryStatus),
		CreatedAt:        sub.CreatedAt,
		UpdatedAt:        sub.UpdatedAt,
	}
	for _, t := range sub.TargetTasks {
		resp.TargetTasks = append(resp.TargetTasks, string(t))
	}
	return resp
}

type BackfillStatusResponse struct {
	SubscriptionID   int64                     `json:"subscription_id,string"`
	BackfillStatus   string                    `json:"backfill_status"`
	BackfillError    *string                   `json:"backfill_error,omitempty"`
	RepositoryStatus string                    `json:"repository_status"`
	TotalRepos       int                       `json:"total_repos"`
	SyncedRepos      int                       `json:"synced_repos"`
	PercentSynced    float64                   `json:"percent_synced"`
	IsComplete       bool                      `json:"is_sync_complete"`
	TaskCounts       map[string]map[string]int `json:"task_counts"`
	LastTickAt       *time.Time                `json:"last_tick_at,omitempty"`
}

func ToBackfillStatusResponse(progress *model.BackfillProgress) *BackfillStatusResponse {
	sub := progress.Subscription
	counts := make(map[string]map[string]int, len(progress.TaskCounts))
	for taskType, byStatus := range progress.TaskCounts {
		statuses := make(map[string]int, len(byStatus))
		for status, n := range byStatus {
			statuses[string(status)] = n
		}
		counts[string(taskType)] = statuses
	}

	return &BackfillStatusResponse{
		SubscriptionID:   sub.ID,
		BackfillStatus:   string(sub.BackfillStatus),
		BackfillError:    sub.BackfillError,
		RepositoryStatus: string(sub.RepositoryStatus),
		TotalRepos:       progress.TotalRepos,
		SyncedRepos:      progress.SyncedRepos,
		PercentSynced:    progress.PercentSynced,
		IsComplete:       progress.IsComplete,
		TaskCounts:       counts,
		LastTickAt:       sub.LastTickAt,
	}
}
