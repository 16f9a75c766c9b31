package scheduler_test

import (
	"context"
	"errors"
	"math/rand/v2"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.co/backfill/internal/model"
	"basegraph.co/backfill/internal/scheduler"
)

var _ = Describe("Scheduler", func() {
	var (
		ctx    context.Context
		finder *memoryFinder
		quota  *mockQuotaChecker
		sub    *model.Subscription
		sched  *scheduler.Scheduler
	)

	newScheduler := func(opts ...scheduler.Option) *scheduler.Scheduler {
		opts = append([]scheduler.Option{scheduler.WithRand(rand.New(rand.NewPCG(1, 2)))}, opts...)
		return scheduler.New(finder, quota, opts...)
	}

	manyRecords := func(n int) []model.RepoSyncState {
		records := make([]model.RepoSyncState, 0, n)
		for i := 1; i <= n; i++ {
			records = append(records, repoRecord(int64(i), nil))
		}
		return records
	}

	BeforeEach(func() {
		ctx = context.Background()
		finder = &memoryFinder{}
		quota = &mockQuotaChecker{quotaFn: fixedQuota(5000, 5000)}
		sub = &model.Subscription{
			ID:               1,
			BackfillStatus:   model.BackfillStatusActive,
			RepositoryStatus: model.TaskStatusComplete,
		}
		sched = newScheduler()
	})

	Context("when repository discovery is incomplete", func() {
		It("returns only the discovery task", func() {
			sub.RepositoryStatus = model.TaskStatusPending
			sub.RepositoryCursor = "4"
			finder.records = manyRecords(5)

			batch, err := sched.NextTasks(ctx, sub, nil)

			Expect(err).NotTo(HaveOccurred())
			Expect(batch.MainTask).To(Equal(&model.Task{Type: model.TaskTypeRepository, Cursor: "4"}))
			Expect(batch.OtherTasks).To(BeEmpty())
			Expect(finder.queryCount).To(BeZero())
			Expect(quota.calls).To(BeZero())
		})

		It("moves on once discovery has failed", func() {
			sub.RepositoryStatus = model.TaskStatusFailed
			finder.records = manyRecords(1)

			batch, err := sched.NextTasks(ctx, sub, nil)

			Expect(err).NotTo(HaveOccurred())
			Expect(batch.MainTask.Type).NotTo(Equal(model.TaskTypeRepository))
		})
	})

	Context("when quota allows no subtasks", func() {
		BeforeEach(func() {
			quota.quotaFn = fixedQuota(900, 5000)
			finder.records = manyRecords(20)
		})

		It("fetches a single record and returns its first pending task", func() {
			batch, err := sched.NextTasks(ctx, sub, nil)

			Expect(err).NotTo(HaveOccurred())
			Expect(finder.lastLimit).To(Equal(1))
			Expect(batch.MainTask.RepositoryID).To(Equal(int64(200)))
			Expect(batch.MainTask.Type).To(Equal(model.TaskTypePull))
			Expect(batch.OtherTasks).To(BeEmpty())
		})
	})

	Context("when the quota check fails", func() {
		It("degrades to exactly one task", func() {
			quota.quotaFn = func(context.Context, *model.Subscription) (scheduler.Quota, error) {
				return scheduler.Quota{}, errors.New("quota endpoint unavailable")
			}
			finder.records = manyRecords(20)

			batch, err := sched.NextTasks(ctx, sub, nil)

			Expect(err).NotTo(HaveOccurred())
			Expect(batch.MainTask).NotTo(BeNil())
			Expect(batch.OtherTasks).To(BeEmpty())
			Expect(finder.lastLimit).To(Equal(1))
		})
	})

	DescribeTable("sizes the subtask sample from the smaller quota pool",
		func(core, graphql, expectedSubtasks int) {
			quota.quotaFn = fixedQuota(core, graphql)
			finder.records = manyRecords(200)

			batch, err := sched.NextTasks(ctx, sub, nil)

			Expect(err).NotTo(HaveOccurred())
			Expect(batch.OtherTasks).To(HaveLen(expectedSubtasks))
			if expectedSubtasks == 0 {
				Expect(finder.lastLimit).To(Equal(1))
			} else {
				Expect(finder.lastLimit).To(Equal((expectedSubtasks + 1) * scheduler.DefaultPoolCoefficient))
			}
		},
		Entry("no quota", 0, 0, 0),
		Entry("only the main task's reserve", 500, 5000, 0),
		Entry("just short of one subtask", 999, 5000, 0),
		Entry("exactly one subtask", 1000, 5000, 1),
		Entry("graphql pool is the bottleneck", 5000, 1600, 2),
		Entry("capped at max subtasks", 100000, 100000, scheduler.DefaultMaxSubtasks),
	)

	It("honours a custom max subtasks", func() {
		sched = newScheduler(scheduler.WithMaxSubtasks(3))
		finder.records = manyRecords(100)

		batch, err := sched.NextTasks(ctx, sub, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(batch.OtherTasks).To(HaveLen(3))
	})

	It("returns the same main task when called twice", func() {
		finder.records = manyRecords(50)

		first, err := sched.NextTasks(ctx, sub, nil)
		Expect(err).NotTo(HaveOccurred())
		second, err := sched.NextTasks(ctx, sub, nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(second.MainTask).To(Equal(first.MainTask))
		Expect(first.MainTask.RepositoryID).To(Equal(int64(500)))
	})

	It("never returns the same repository and task type twice", func() {
		quota.quotaFn = fixedQuota(5500, 5500)
		for i := int64(1); i <= 5; i++ {
			finder.records = append(finder.records, repoRecord(i, nil))
		}

		batch, err := sched.NextTasks(ctx, sub, nil)
		Expect(err).NotTo(HaveOccurred())

		seen := map[string]bool{batch.MainTask.Key(): true}
		for _, task := range batch.OtherTasks {
			Expect(seen).NotTo(HaveKey(task.Key()))
			seen[task.Key()] = true
		}
		Expect(batch.OtherTasks).To(HaveLen(scheduler.DefaultMaxSubtasks))
	})

	It("includes the other pending tasks of the main task's record", func() {
		finder.records = []model.RepoSyncState{
			repoRecord(1, completeExcept(model.TaskTypeBranch, model.TaskTypeCommit)),
		}

		batch, err := sched.NextTasks(ctx, sub, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(batch.MainTask.Type).To(Equal(model.TaskTypeBranch))
		Expect(batch.OtherTasks).To(HaveLen(1))
		Expect(batch.OtherTasks[0].Type).To(Equal(model.TaskTypeCommit))
		Expect(batch.OtherTasks[0].RepositoryID).To(Equal(int64(10)))
	})

	It("samples subtasks only from the oversampled pool", func() {
		quota.quotaFn = fixedQuota(1000, 1000)
		finder.records = manyRecords(100)

		for range 20 {
			batch, err := sched.NextTasks(ctx, sub, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(batch.OtherTasks).To(HaveLen(1))
			// One subtask and a pool coefficient of ten: the pool stops at
			// eleven tasks, all from the three newest records.
			Expect(batch.OtherTasks[0].RepositoryID).To(BeNumerically(">=", 980))
		}
	})

	It("spreads subtasks across the pool", func() {
		finder.records = manyRecords(200)

		seen := map[string]bool{}
		for range 30 {
			batch, err := sched.NextTasks(ctx, sub, nil)
			Expect(err).NotTo(HaveOccurred())
			for _, task := range batch.OtherTasks {
				seen[task.Key()] = true
			}
		}
		Expect(len(seen)).To(BeNumerically(">", scheduler.DefaultMaxSubtasks))
	})

	It("is reproducible with a seeded source", func() {
		finder.records = manyRecords(200)

		first, err := newScheduler().NextTasks(ctx, sub, nil)
		Expect(err).NotTo(HaveOccurred())
		second, err := newScheduler().NextTasks(ctx, sub, nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(second.OtherTasks).To(Equal(first.OtherTasks))
	})

	Context("when every record is complete", func() {
		It("returns no tasks", func() {
			finder.records = []model.RepoSyncState{
				repoRecord(1, completeExcept()),
				repoRecord(2, completeExcept()),
			}

			batch, err := sched.NextTasks(ctx, sub, nil)

			Expect(err).NotTo(HaveOccurred())
			Expect(batch.Empty()).To(BeTrue())
			Expect(batch.OtherTasks).To(BeEmpty())
		})
	})

	It("treats failed tasks as done", func() {
		statuses := completeExcept()
		statuses[model.TaskTypeBranch] = model.TaskStatusFailed
		finder.records = []model.RepoSyncState{repoRecord(1, statuses)}

		batch, err := sched.NextTasks(ctx, sub, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(batch.Empty()).To(BeTrue())
	})

	It("propagates finder errors", func() {
		finder.err = errors.New("connection refused")

		_, err := sched.NextTasks(ctx, sub, nil)

		Expect(err).To(MatchError(ContainSubstring("connection refused")))
	})

	Describe("task type eligibility", func() {
		It("narrows to the requested types in processing order", func() {
			types := sched.EligibleTypes(sub, []model.TaskType{model.TaskTypeCommit, model.TaskTypeBranch})
			Expect(types).To(Equal([]model.TaskType{model.TaskTypeBranch, model.TaskTypeCommit}))
		})

		It("falls back to the subscription's target tasks", func() {
			sub.TargetTasks = []model.TaskType{model.TaskTypeBuild}
			Expect(sched.EligibleTypes(sub, nil)).To(Equal([]model.TaskType{model.TaskTypeBuild}))
		})

		It("drops security tasks unless enabled on both sides", func() {
			Expect(sched.EligibleTypes(sub, nil)).NotTo(ContainElement(model.TaskTypeVulnerability))

			sub.SecurityEnabled = true
			Expect(sched.EligibleTypes(sub, nil)).NotTo(ContainElement(model.TaskTypeVulnerability))

			sched = newScheduler(scheduler.WithSecurityTasks(true))
			Expect(sched.EligibleTypes(sub, nil)).To(ContainElement(model.TaskTypeVulnerability))

			sub.SecurityEnabled = false
			Expect(sched.EligibleTypes(sub, nil)).NotTo(ContainElement(model.TaskTypeVulnerability))
		})

		It("returns no tasks when nothing is eligible", func() {
			finder.records = manyRecords(3)

			batch, err := sched.NextTasks(ctx, sub, []model.TaskType{model.TaskTypeVulnerability})

			Expect(err).NotTo(HaveOccurred())
			Expect(batch.Empty()).To(BeTrue())
			Expect(finder.queryCount).To(BeZero())
		})

		It("queries only the eligible types", func() {
			finder.records = manyRecords(3)

			_, err := sched.NextTasks(ctx, sub, []model.TaskType{model.TaskTypeDeployment})

			Expect(err).NotTo(HaveOccurred())
			Expect(finder.lastTypes).To(Equal([]model.TaskType{model.TaskTypeDeployment}))
		})
	})
})
