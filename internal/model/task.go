package model

import (
	"fmt"
	"slices"
)

type TaskType string

const (
	TaskTypeRepository    TaskType = "repository"
	TaskTypeBranch        TaskType = "branch"
	TaskTypeCommit        TaskType = "commit"
	TaskTypePull          TaskType = "pull"
	TaskTypeBuild         TaskType = "build"
	TaskTypeDeployment    TaskType = "deployment"
	TaskTypeVulnerability TaskType = "vulnerability"
)

// RepositoryTaskTypes is the processing order of per-repository tasks.
// A record's first pending type in this order is its next task.
var RepositoryTaskTypes = []TaskType{
	TaskTypePull,
	TaskTypeBranch,
	TaskTypeCommit,
	TaskTypeBuild,
	TaskTypeDeployment,
	TaskTypeVulnerability,
}

func (t TaskType) Valid() bool {
	return t == TaskTypeRepository || slices.Contains(RepositoryTaskTypes, t)
}

// Security reports whether the task type needs the security feature.
func (t TaskType) Security() bool {
	return t == TaskTypeVulnerability
}

func ParseTaskTypes(raw []string) ([]TaskType, error) {
	types := make([]TaskType, 0, len(raw))
	for _, r := range raw {
		t := TaskType(r)
		if !t.Valid() || t == TaskTypeRepository {
			return nil, fmt.Errorf("unknown task type %q", r)
		}
		if !slices.Contains(types, t) {
			types = append(types, t)
		}
	}
	return types, nil
}

type TaskStatus string

const (
	TaskStatusPending  TaskStatus = "pending"
	TaskStatusComplete TaskStatus = "complete"
	TaskStatusFailed   TaskStatus = "failed"
)

// Pending treats an unset status as pending.
func (s TaskStatus) Pending() bool {
	return s == "" || s == TaskStatusPending
}

type RepositoryRef struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	PathWithNS    string `json:"path_with_namespace"`
	WebURL        string `json:"web_url"`
	DefaultBranch string `json:"default_branch,omitempty"`
}

// Task is one unit the scheduler hands to a tick: a task type on a
// repository, resuming from Cursor.
type Task struct {
	Type         TaskType      `json:"task_type"`
	RepositoryID int64         `json:"repository_id"`
	Repository   RepositoryRef `json:"repository"`
	Cursor       string        `json:"cursor,omitempty"`
}

// Key identifies the (repository, task type) pair a task works on.
func (t Task) Key() string {
	return fmt.Sprintf("%d/%s", t.RepositoryID, t.Type)
}

// TaskJob addresses the persisted state of one task for one subscription.
type TaskJob struct {
	Subscription *Subscription
	Task         Task
}

func (j TaskJob) String() string {
	if j.Subscription == nil {
		return j.Task.Key()
	}
	return fmt.Sprintf("%d:%s", j.Subscription.ID, j.Task.Key())
}

// TaskState is the resumable progress of one task.
type TaskState struct {
	Status TaskStatus `json:"status"`
	Cursor string     `json:"cursor,omitempty"`
}

// TaskRecord is the persisted form of a task inside a repository sync state.
type TaskRecord struct {
	Status         TaskStatus `json:"status"`
	Cursor         string     `json:"cursor,omitempty"`
	FailedAttempts int        `json:"failed_attempts,omitempty"`
}
