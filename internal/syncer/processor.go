package syncer

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	"basegraph.co/backfill/common/logger"
	"basegraph.co/backfill/internal/backfill"
	"basegraph.co/backfill/internal/gitlab"
	"basegraph.co/backfill/internal/model"
)

// DiscoveryStore records repositories found while enumerating projects.
type DiscoveryStore interface {
	InsertDiscovered(ctx context.Context, subscriptionID int64, repos []model.RepositoryRef) (int, error)
	AddTotalRepositories(ctx context.Context, subscriptionID int64, delta int) error
}

// TaskProcessor backfills one page of one task type of a repository.
type TaskProcessor struct {
	sources SourceFactory
	sink    Sink
	job     model.TaskJob
}

func (p *TaskProcessor) Process(ctx context.Context, state model.TaskState, rateLimit *backfill.RateLimitState) backfill.StepResult[model.TaskState] {
	return keepRateLimit(p.process(ctx, state), rateLimit)
}

func (p *TaskProcessor) process(ctx context.Context, state model.TaskState) backfill.StepResult[model.TaskState] {
	sub, task := p.job.Subscription, p.job.Task

	source, err := p.sources.ForSubscription(sub)
	if err != nil {
		return fatal(state, "creating gitlab client: "+err.Error())
	}

	page, err := source.FetchPage(ctx, task.Repository, task.Type, state.Cursor, sub.BackfillSince)
	if err != nil {
		return failure(ctx, state, err, false)
	}

	if err := p.sink.IngestItems(ctx, sub, task.Repository, page.Items); err != nil {
		return backfill.StepResult[model.TaskState]{
			JobState:  state,
			RateLimit: page.RateLimit,
			Error:     &backfill.StepError{Message: err.Error(), IsRetryable: true},
		}
	}

	return backfill.StepResult[model.TaskState]{
		Success:   true,
		JobState:  advance(page.NextCursor),
		RateLimit: page.RateLimit,
	}
}

// DiscoveryProcessor enumerates the subscription's projects one page at a
// time and creates a sync record for each.
type DiscoveryProcessor struct {
	sources SourceFactory
	sink    Sink
	store   DiscoveryStore
	job     model.TaskJob
}

func (p *DiscoveryProcessor) Process(ctx context.Context, state model.TaskState, rateLimit *backfill.RateLimitState) backfill.StepResult[model.TaskState] {
	return keepRateLimit(p.process(ctx, state), rateLimit)
}

func (p *DiscoveryProcessor) process(ctx context.Context, state model.TaskState) backfill.StepResult[model.TaskState] {
	sub := p.job.Subscription

	source, err := p.sources.ForSubscription(sub)
	if err != nil {
		return fatal(state, "creating gitlab client: "+err.Error())
	}

	page, err := source.ListProjects(ctx, state.Cursor)
	if err != nil {
		return failure(ctx, state, err, true)
	}

	retry := func(err error) backfill.StepResult[model.TaskState] {
		return backfill.StepResult[model.TaskState]{
			JobState:  state,
			RateLimit: page.RateLimit,
			Error:     &backfill.StepError{Message: err.Error(), IsRetryable: true},
		}
	}

	if err := p.sink.IngestRepositories(ctx, sub, page.Projects); err != nil {
		return retry(err)
	}

	inserted, err := p.store.InsertDiscovered(ctx, sub.ID, page.Projects)
	if err != nil {
		return retry(err)
	}
	if inserted > 0 {
		if err := p.store.AddTotalRepositories(ctx, sub.ID, inserted); err != nil {
			return retry(err)
		}
	}

	slog.InfoContext(ctx, "repositories discovered",
		"listed", len(page.Projects),
		"inserted", inserted,
		"next_cursor", page.NextCursor)

	return backfill.StepResult[model.TaskState]{
		Success:   true,
		JobState:  advance(page.NextCursor),
		RateLimit: page.RateLimit,
	}
}

// keepRateLimit reports the snapshot the tick started with when the call
// observed none.
func keepRateLimit(result backfill.StepResult[model.TaskState], given *backfill.RateLimitState) backfill.StepResult[model.TaskState] {
	if result.RateLimit == nil {
		result.RateLimit = given
	}
	return result
}

func advance(next string) model.TaskState {
	if next == "" {
		return model.TaskState{Status: model.TaskStatusComplete}
	}
	return model.TaskState{Status: model.TaskStatusPending, Cursor: next}
}

func fatal(state model.TaskState, msg string) backfill.StepResult[model.TaskState] {
	return backfill.StepResult[model.TaskState]{
		JobState: state,
		Error:    &backfill.StepError{Message: msg, IsFatal: true},
	}
}

// failure maps a GitLab error to a step outcome. A rate limit keeps the page
// and reports the exhausted budget, so the next tick waits for the refill
// without spending a retry. Discovery failures other than rate limits and
// transient errors are fatal: without the project list nothing can run.
func failure(ctx context.Context, state model.TaskState, err error, discovery bool) backfill.StepResult[model.TaskState] {
	result := backfill.StepResult[model.TaskState]{
		JobState:  state,
		RateLimit: gitlab.RateLimitOf(err),
	}

	switch {
	case errors.Is(err, gitlab.ErrRateLimited):
		slog.WarnContext(ctx, "gitlab rate limit hit", "error", err)
		result.Success = true
	case errors.Is(err, gitlab.ErrUnauthorized):
		result.Error = &backfill.StepError{Message: err.Error(), IsFatal: true}
	case discovery && (errors.Is(err, gitlab.ErrNotFound) || errors.Is(err, gitlab.ErrForbidden)):
		result.Error = &backfill.StepError{Message: err.Error(), IsFatal: true}
	case errors.Is(err, gitlab.ErrNotFound):
		slog.InfoContext(ctx, "repository gone, marking task complete", "error", err)
		result.Success = true
		result.JobState = model.TaskState{Status: model.TaskStatusComplete}
	case errors.Is(err, gitlab.ErrForbidden):
		result.Error = &backfill.StepError{Message: err.Error()}
	default:
		result.Error = &backfill.StepError{Message: logger.Truncate(err.Error(), 500), IsRetryable: true}
	}
	return result
}
