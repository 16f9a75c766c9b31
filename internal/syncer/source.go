package syncer

import (
	"context"
	"time"

	"basegraph.co/backfill/internal/gitlab"
	"basegraph.co/backfill/internal/model"
)

// Source is the system development information is read from.
type Source interface {
	FetchPage(ctx context.Context, repo model.RepositoryRef, taskType model.TaskType, cursor string, since *time.Time) (gitlab.Page, error)
	ListProjects(ctx context.Context, cursor string) (gitlab.ProjectPage, error)
}

type SourceFactory interface {
	ForSubscription(sub *model.Subscription) (Source, error)
}

// GitLabSources hands out GitLab clients as sources.
type GitLabSources struct {
	Factory *gitlab.Factory
}

func (g GitLabSources) ForSubscription(sub *model.Subscription) (Source, error) {
	return g.Factory.ForSubscription(sub)
}
