package syncer_test

import (
	"context"
	"errors"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.co/backfill/common/arangodb"
	"basegraph.co/backfill/internal/backfill"
	"basegraph.co/backfill/internal/gitlab"
	"basegraph.co/backfill/internal/model"
	"basegraph.co/backfill/internal/syncer"
)

var _ = Describe("Prioritizer", func() {
	var (
		ctx         context.Context
		source      *mockSource
		sink        *mockSink
		discovery   *mockDiscoveryStore
		prioritizer *syncer.Prioritizer
		sub         *model.Subscription
		repo        model.RepositoryRef
		now         time.Time
	)

	step := func(taskType model.TaskType) backfill.Step[model.TaskJob] {
		task := model.Task{Type: taskType}
		if taskType != model.TaskTypeRepository {
			task.RepositoryID = repo.ID
			task.Repository = repo
		}
		return backfill.Step[model.TaskJob]{JobID: model.TaskJob{Subscription: sub, Task: task}}
	}

	process := func(taskType model.TaskType, state model.TaskState, limit *backfill.RateLimitState) backfill.StepResult[model.TaskState] {
		processor := prioritizer.GetStepProcessor(ctx, step(taskType), state, limit)
		Expect(processor).NotTo(BeNil())
		return processor.Process(ctx, state, limit)
	}

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		source = &mockSource{}
		sink = &mockSink{}
		discovery = &mockDiscoveryStore{}
		prioritizer = syncer.NewPrioritizer(&mockSources{source: source}, sink, discovery)
		sub = &model.Subscription{ID: 7, GitLabURL: "https://gitlab.example", AccessToken: "t"}
		repo = model.RepositoryRef{ID: 42, Name: "api", PathWithNS: "acme/api"}
	})

	Describe("GetStepProcessor", func() {
		It("returns nothing for finished tasks", func() {
			for _, status := range []model.TaskStatus{model.TaskStatusComplete, model.TaskStatusFailed} {
				processor := prioritizer.GetStepProcessor(ctx, step(model.TaskTypeCommit), model.TaskState{Status: status}, nil)
				Expect(processor).To(BeNil())
			}
		})

		It("picks the processor for the task type", func() {
			Expect(prioritizer.GetStepProcessor(ctx, step(model.TaskTypeRepository), model.TaskState{}, nil)).
				To(BeAssignableToTypeOf(&syncer.DiscoveryProcessor{}))
			Expect(prioritizer.GetStepProcessor(ctx, step(model.TaskTypeBranch), model.TaskState{}, nil)).
				To(BeAssignableToTypeOf(&syncer.TaskProcessor{}))
		})

		It("ignores unknown task types", func() {
			Expect(prioritizer.GetStepProcessor(ctx, step("wiki"), model.TaskState{}, nil)).To(BeNil())
		})
	})

	It("marks skipped tasks failed and keeps the cursor", func() {
		skipped := prioritizer.Skip(ctx, step(model.TaskTypeCommit), model.TaskState{Status: model.TaskStatusPending, Cursor: "5"}, nil)
		Expect(skipped).To(Equal(model.TaskState{Status: model.TaskStatusFailed, Cursor: "5"}))
	})

	Describe("TaskProcessor", func() {
		var limit *backfill.RateLimitState

		BeforeEach(func() {
			limit = &backfill.RateLimitState{BudgetLeft: 900, RefreshDate: now}
		})

		It("ingests the page and advances the cursor", func() {
			since := now.Add(-24 * time.Hour)
			sub.BackfillSince = &since
			items := []model.DevInfoItem{{Kind: model.DevInfoCommit, ExternalID: "abc"}}
			source.fetchPageFn = func(_ context.Context, r model.RepositoryRef, taskType model.TaskType, cursor string, s *time.Time) (gitlab.Page, error) {
				Expect(r).To(Equal(repo))
				Expect(taskType).To(Equal(model.TaskTypeCommit))
				Expect(cursor).To(Equal("2"))
				Expect(s).To(Equal(&since))
				return gitlab.Page{Items: items, NextCursor: "3", RateLimit: &backfill.RateLimitState{BudgetLeft: 899, RefreshDate: now}}, nil
			}

			result := process(model.TaskTypeCommit, model.TaskState{Status: model.TaskStatusPending, Cursor: "2"}, limit)

			Expect(result.Success).To(BeTrue())
			Expect(result.JobState).To(Equal(model.TaskState{Status: model.TaskStatusPending, Cursor: "3"}))
			Expect(result.RateLimit.BudgetLeft).To(Equal(899))
			Expect(sink.items).To(Equal([]ingestCall{{Repo: repo, Items: items}}))
		})

		It("completes the task on the last page", func() {
			source.fetchPageFn = func(context.Context, model.RepositoryRef, model.TaskType, string, *time.Time) (gitlab.Page, error) {
				return gitlab.Page{}, nil
			}

			result := process(model.TaskTypeBranch, model.TaskState{Cursor: "9"}, limit)

			Expect(result.Success).To(BeTrue())
			Expect(result.JobState).To(Equal(model.TaskState{Status: model.TaskStatusComplete}))
			Expect(result.RateLimit).To(Equal(limit))
		})

		It("keeps the page and reports the exhausted budget on a rate limit", func() {
			exhausted := &backfill.RateLimitState{BudgetLeft: 0, RefreshDate: now.Add(time.Minute)}
			source.fetchPageFn = func(context.Context, model.RepositoryRef, model.TaskType, string, *time.Time) (gitlab.Page, error) {
				return gitlab.Page{}, gitlabError(http.StatusTooManyRequests, gitlab.ErrRateLimited, exhausted)
			}
			state := model.TaskState{Status: model.TaskStatusPending, Cursor: "4"}

			result := process(model.TaskTypePull, state, limit)

			Expect(result.Success).To(BeTrue())
			Expect(result.JobState).To(Equal(state))
			Expect(result.RateLimit).To(Equal(exhausted))
			Expect(sink.items).To(BeEmpty())
		})

		It("completes the task when the repository is gone", func() {
			source.fetchPageFn = func(context.Context, model.RepositoryRef, model.TaskType, string, *time.Time) (gitlab.Page, error) {
				return gitlab.Page{}, gitlabError(http.StatusNotFound, gitlab.ErrNotFound, nil)
			}

			result := process(model.TaskTypeBuild, model.TaskState{Cursor: "4"}, limit)

			Expect(result.Success).To(BeTrue())
			Expect(result.JobState.Status).To(Equal(model.TaskStatusComplete))
		})

		It("fails fatally when the token is rejected", func() {
			source.fetchPageFn = func(context.Context, model.RepositoryRef, model.TaskType, string, *time.Time) (gitlab.Page, error) {
				return gitlab.Page{}, gitlabError(http.StatusUnauthorized, gitlab.ErrUnauthorized, nil)
			}

			result := process(model.TaskTypeBranch, model.TaskState{}, limit)

			Expect(result.Success).To(BeFalse())
			Expect(result.Error.IsFatal).To(BeTrue())
		})

		It("gives up on forbidden resources without retrying", func() {
			source.fetchPageFn = func(context.Context, model.RepositoryRef, model.TaskType, string, *time.Time) (gitlab.Page, error) {
				return gitlab.Page{}, gitlabError(http.StatusForbidden, gitlab.ErrForbidden, nil)
			}

			result := process(model.TaskTypeVulnerability, model.TaskState{}, limit)

			Expect(result.Success).To(BeFalse())
			Expect(result.Error.IsFatal).To(BeFalse())
			Expect(result.Error.IsRetryable).To(BeFalse())
		})

		It("retries transient failures with the state unchanged", func() {
			source.fetchPageFn = func(context.Context, model.RepositoryRef, model.TaskType, string, *time.Time) (gitlab.Page, error) {
				return gitlab.Page{}, gitlabError(http.StatusBadGateway, gitlab.ErrTransient, nil)
			}
			state := model.TaskState{Status: model.TaskStatusPending, Cursor: "2"}

			result := process(model.TaskTypeDeployment, state, limit)

			Expect(result.Success).To(BeFalse())
			Expect(result.Error.IsRetryable).To(BeTrue())
			Expect(result.JobState).To(Equal(state))
			Expect(result.RateLimit).To(Equal(limit))
		})

		It("retries when the sink fails", func() {
			source.fetchPageFn = func(context.Context, model.RepositoryRef, model.TaskType, string, *time.Time) (gitlab.Page, error) {
				return gitlab.Page{Items: []model.DevInfoItem{{ExternalID: "x"}}, NextCursor: "2"}, nil
			}
			sink.ingestItemsFn = func(context.Context, *model.Subscription, model.RepositoryRef, []model.DevInfoItem) error {
				return errors.New("arangodb unavailable")
			}

			result := process(model.TaskTypeCommit, model.TaskState{}, limit)

			Expect(result.Success).To(BeFalse())
			Expect(result.Error.IsRetryable).To(BeTrue())
			Expect(result.JobState).To(Equal(model.TaskState{}))
		})

		It("fails fatally when no client can be built", func() {
			prioritizer = syncer.NewPrioritizer(&mockSources{err: errors.New("gitlab access token is required")}, sink, discovery)

			result := process(model.TaskTypeCommit, model.TaskState{}, limit)

			Expect(result.Error.IsFatal).To(BeTrue())
			Expect(result.Error.Message).To(ContainSubstring("access token"))
		})
	})

	Describe("DiscoveryProcessor", func() {
		projects := []model.RepositoryRef{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}}

		It("records discovered repositories and advances", func() {
			source.listProjectsFn = func(_ context.Context, cursor string) (gitlab.ProjectPage, error) {
				Expect(cursor).To(Equal("1"))
				return gitlab.ProjectPage{Projects: projects, NextCursor: "2"}, nil
			}
			discovery.insertDiscoveredFn = func(_ context.Context, subscriptionID int64, repos []model.RepositoryRef) (int, error) {
				Expect(subscriptionID).To(Equal(sub.ID))
				return 1, nil
			}

			result := process(model.TaskTypeRepository, model.TaskState{Cursor: "1"}, nil)

			Expect(result.Success).To(BeTrue())
			Expect(result.JobState).To(Equal(model.TaskState{Status: model.TaskStatusPending, Cursor: "2"}))
			Expect(discovery.totalAdded).To(Equal(1))
			Expect(sink.repositories).To(Equal(projects))
		})

		It("completes discovery on the last page", func() {
			source.listProjectsFn = func(context.Context, string) (gitlab.ProjectPage, error) {
				return gitlab.ProjectPage{Projects: projects}, nil
			}

			result := process(model.TaskTypeRepository, model.TaskState{Cursor: "3"}, nil)

			Expect(result.JobState).To(Equal(model.TaskState{Status: model.TaskStatusComplete}))
		})

		It("does not count repositories it already knew", func() {
			source.listProjectsFn = func(context.Context, string) (gitlab.ProjectPage, error) {
				return gitlab.ProjectPage{Projects: projects}, nil
			}
			discovery.insertDiscoveredFn = func(context.Context, int64, []model.RepositoryRef) (int, error) {
				return 0, nil
			}
			discovery.addTotalRepositoriesFn = func(context.Context, int64, int) error {
				Fail("total should not change")
				return nil
			}

			result := process(model.TaskTypeRepository, model.TaskState{}, nil)

			Expect(result.Success).To(BeTrue())
		})

		It("retries when recording fails", func() {
			source.listProjectsFn = func(context.Context, string) (gitlab.ProjectPage, error) {
				return gitlab.ProjectPage{Projects: projects, NextCursor: "2"}, nil
			}
			discovery.insertDiscoveredFn = func(context.Context, int64, []model.RepositoryRef) (int, error) {
				return 0, errors.New("connection reset")
			}

			result := process(model.TaskTypeRepository, model.TaskState{Cursor: "1"}, nil)

			Expect(result.Success).To(BeFalse())
			Expect(result.Error.IsRetryable).To(BeTrue())
			Expect(result.JobState.Cursor).To(Equal("1"))
		})

		It("is fatal when the project list is forbidden", func() {
			source.listProjectsFn = func(context.Context, string) (gitlab.ProjectPage, error) {
				return gitlab.ProjectPage{}, gitlabError(http.StatusForbidden, gitlab.ErrForbidden, nil)
			}

			result := process(model.TaskTypeRepository, model.TaskState{}, nil)

			Expect(result.Error.IsFatal).To(BeTrue())
		})
	})
})

var _ = Describe("backfilling with the looper", func() {
	It("walks every page, retries transient failures and stops when done", func() {
		ctx := context.Background()
		sub := &model.Subscription{ID: 1}
		repo := model.RepositoryRef{ID: 9}
		job := model.TaskJob{Subscription: sub, Task: model.Task{Type: model.TaskTypeCommit, RepositoryID: repo.ID, Repository: repo}}

		failures := 1
		source := &mockSource{
			fetchPageFn: func(_ context.Context, _ model.RepositoryRef, _ model.TaskType, cursor string, _ *time.Time) (gitlab.Page, error) {
				if cursor == "2" && failures > 0 {
					failures--
					return gitlab.Page{}, gitlabError(http.StatusInternalServerError, gitlab.ErrTransient, nil)
				}
				next := map[string]string{"": "2", "2": "3", "3": ""}[cursor]
				return gitlab.Page{Items: []model.DevInfoItem{{ExternalID: "page-" + cursor}}, NextCursor: next}, nil
			},
		}
		sink := &mockSink{}
		jobs := newMemoryJobStore()

		retry, err := backfill.NewBackoffRetryStrategy(3, 10, 2)
		Expect(err).NotTo(HaveOccurred())
		looper := backfill.NewLooper[model.TaskJob, model.TaskState](
			syncer.NewPrioritizer(&mockSources{source: source}, sink, &mockDiscoveryStore{}),
			jobs,
			backfill.NewCappedDelayRateLimitStrategy(900, nil),
			retry,
		)

		var delays []backfill.DelayReason
		for range 10 {
			action, err := looper.ProcessStep(ctx, backfill.Step[model.TaskJob]{JobID: job})
			Expect(err).NotTo(HaveOccurred())
			if !action.ScheduleNextStep {
				Expect(action.Finished()).To(BeTrue())
				break
			}
			if action.Delay != nil {
				delays = append(delays, action.Delay.Reason)
			}
		}

		Expect(delays).To(Equal([]backfill.DelayReason{backfill.DelayReasonRetry}))
		Expect(jobs.states[job.String()].Status).To(Equal(model.TaskStatusComplete))
		Expect(jobs.attempts[job.String()]).To(BeZero())
		Expect(sink.items).To(HaveLen(3))
	})
})

var _ = Describe("GraphSink", func() {
	var (
		ctx   context.Context
		graph *mockGraph
		sink  *syncer.GraphSink
		sub   *model.Subscription
		repo  model.RepositoryRef
	)

	BeforeEach(func() {
		ctx = context.Background()
		graph = &mockGraph{}
		sink = syncer.NewGraphSink(graph)
		sub = &model.Subscription{ID: 3}
		repo = model.RepositoryRef{ID: 42, PathWithNS: "acme/api"}
	})

	It("writes repositories scoped to the subscription", func() {
		Expect(sink.IngestRepositories(ctx, sub, []model.RepositoryRef{repo})).To(Succeed())

		Expect(graph.vertices).To(HaveLen(1))
		Expect(graph.vertices[0].Collection).To(Equal(arangodb.CollectionRepositories))
		Expect(graph.vertices[0].ExternalID).To(Equal("3/42"))
	})

	It("links items to their repository", func() {
		items := []model.DevInfoItem{
			{Kind: model.DevInfoCommit, ExternalID: "abc", Title: "Fix", Attributes: map[string]any{"short_id": "ab"}},
			{Kind: model.DevInfoBranch, ExternalID: "main"},
		}

		Expect(sink.IngestItems(ctx, sub, repo, items)).To(Succeed())

		Expect(graph.vertices).To(HaveLen(2))
		Expect(graph.vertices[0].Collection).To(Equal(arangodb.CollectionCommits))
		Expect(graph.vertices[0].ExternalID).To(Equal("3/42/commits/abc"))
		Expect(graph.vertices[0].Properties).To(HaveKeyWithValue("short_id", "ab"))
		Expect(graph.vertices[0].Properties).To(HaveKeyWithValue("repository", "acme/api"))

		Expect(graph.edges).To(HaveLen(2))
		Expect(graph.edges[1]).To(Equal(arangodb.Edge{
			Collection:     arangodb.EdgeContains,
			FromCollection: arangodb.CollectionRepositories,
			FromID:         "3/42",
			ToCollection:   arangodb.CollectionBranches,
			ToID:           "3/42/branches/main",
		}))
	})

	It("skips empty pages", func() {
		graph.err = errors.New("should not be called")
		Expect(sink.IngestItems(ctx, sub, repo, nil)).To(Succeed())
		Expect(sink.IngestRepositories(ctx, sub, nil)).To(Succeed())
	})

	It("surfaces graph failures", func() {
		graph.err = errors.New("arangodb down")
		err := sink.IngestItems(ctx, sub, repo, []model.DevInfoItem{{Kind: model.DevInfoCommit, ExternalID: "a"}})
		Expect(err).To(MatchError(ContainSubstring("arangodb down")))
	})
})
