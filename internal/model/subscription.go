package model

import "time"

type BackfillStatus string

const (
	BackfillStatusPending  BackfillStatus = "pending"
	BackfillStatusActive   BackfillStatus = "active"
	BackfillStatusComplete BackfillStatus = "complete"
	BackfillStatusFailed   BackfillStatus = "failed"
)

// Subscription is a GitLab account whose repositories are backfilled into
// the dev-info graph.
type Subscription struct {
	ID                       int64          `json:"id,string"`
	Name                     string         `json:"name"`
	GitLabURL                string         `json:"gitlab_url"`
	AccessToken              string         `json:"-"`
	BackfillStatus           BackfillStatus `json:"backfill_status"`
	BackfillError            *string        `json:"backfill_error,omitempty"`
	TargetTasks              []TaskType     `json:"target_tasks,omitempty"`
	BackfillSince            *time.Time     `json:"backfill_since,omitempty"`
	SecurityEnabled          bool           `json:"security_enabled"`
	RepositoryStatus         TaskStatus     `json:"repository_status"`
	RepositoryCursor         string         `json:"repository_cursor,omitempty"`
	RepositoryFailedAttempts int            `json:"-"`
	TotalRepositories        int            `json:"total_repositories"`
	RateLimitBudgetLeft      *int           `json:"-"`
	RateLimitRefreshAt       *time.Time     `json:"-"`
	LastTickAt               *time.Time     `json:"last_tick_at,omitempty"`
	CreatedAt                time.Time      `json:"created_at"`
	UpdatedAt                time.Time      `json:"updated_at"`
}

// DiscoveryComplete reports whether repository enumeration has finished,
// successfully or not.
func (s *Subscription) DiscoveryComplete() bool {
	return !s.RepositoryStatus.Pending()
}

// RepositoryTask continues repository discovery from the stored cursor.
func (s *Subscription) RepositoryTask() Task {
	return Task{Type: TaskTypeRepository, Cursor: s.RepositoryCursor}
}
