package backfill_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.co/backfill/internal/backfill"
)

var _ = Describe("Looper", func() {
	var (
		ctx         context.Context
		now         time.Time
		store       *memoryJobStore
		processor   *cursorProcessor
		prioritizer *cursorPrioritizer
		looper      *backfill.Looper[string, cursorState]
		step        backfill.Step[string]
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2021, 11, 10, 10, 10, 10, 0, time.UTC)
		store = &memoryJobStore{
			rateLimit: &backfill.RateLimitState{BudgetLeft: 5, RefreshDate: now.Add(time.Minute)},
		}
		processor = &cursorProcessor{
			failing: []int{3, 7},
			failure: backfill.StepError{Message: "retryable error", IsRetryable: true},
		}
		prioritizer = &cursorPrioritizer{processor: processor, limit: 10}
		step = backfill.Step[string]{JobID: "job1"}

		retry, err := backfill.NewBackoffRetryStrategy(3, 2, 2)
		Expect(err).NotTo(HaveOccurred())
		rateLimit := backfill.NewCappedDelayRateLimitStrategy(15*60, func() time.Time { return now })

		looper = backfill.NewLooper[string, cursorState](prioritizer, store, rateLimit, retry)
	})

	It("completes a job, skipping the items that keep failing", func() {
		var retries, rateLimited int

		action, err := looper.ProcessStep(ctx, step)
		Expect(err).NotTo(HaveOccurred())

		for action.ScheduleNextStep {
			if action.Delay != nil {
				now = now.Add(action.Delay.Duration())

				switch action.Delay.Reason {
				case backfill.DelayReasonRetry:
					retries++
				case backfill.DelayReasonRateLimit:
					rateLimited++
					store.rateLimit.RefreshDate = now.Add(time.Minute)
					store.rateLimit.BudgetLeft = 5
				}
			}

			action, err = looper.ProcessStep(ctx, step)
			Expect(err).NotTo(HaveOccurred())
		}

		Expect(action.Finished()).To(BeTrue())
		Expect(store.state.Cursor).To(Equal(10))
		Expect(processor.processed).To(HaveLen(8))
		Expect(processor.processed).To(ContainElements(1, 2, 4, 5, 6, 8, 9))
		Expect(processor.processed).NotTo(ContainElement(3))
		Expect(processor.processed).NotTo(ContainElement(7))
		Expect(prioritizer.skipped).To(Equal([]int{3, 7}))
		Expect(retries).To(Equal(6))
		Expect(rateLimited).To(Equal(3))
	})

	Context("when the rate limit is exhausted", func() {
		It("reports the wait without touching the processor", func() {
			store.rateLimit = &backfill.RateLimitState{BudgetLeft: 0, RefreshDate: now.Add(2 * time.Minute)}

			action, err := looper.ProcessStep(ctx, step)

			Expect(err).NotTo(HaveOccurred())
			Expect(action.ScheduleNextStep).To(BeTrue())
			Expect(action.Delay).To(Equal(&backfill.Delay{Seconds: 120, Reason: backfill.DelayReasonRateLimit}))
			Expect(processor.calls).To(BeZero())
			Expect(store.setJobStateN).To(BeZero())
		})
	})

	Context("when no rate limit is known yet", func() {
		It("proceeds optimistically", func() {
			store.rateLimit = nil

			action, err := looper.ProcessStep(ctx, step)

			Expect(err).NotTo(HaveOccurred())
			Expect(action.ScheduleNextStep).To(BeTrue())
			Expect(action.Delay).To(BeNil())
			Expect(store.state.Cursor).To(Equal(1))
		})
	})

	Context("when there is no pending work", func() {
		It("finishes the job", func() {
			store.state = cursorState{Cursor: 10}

			action, err := looper.ProcessStep(ctx, step)

			Expect(err).NotTo(HaveOccurred())
			Expect(action.JobID).To(Equal("job1"))
			Expect(action.Finished()).To(BeTrue())
			Expect(action.Fatal()).To(BeFalse())
			Expect(processor.calls).To(BeZero())
		})
	})

	Context("when a retryable step fails", func() {
		It("keeps the job state so the same item is retried", func() {
			store.state = cursorState{Cursor: 3}

			first, err := looper.ProcessStep(ctx, step)
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Delay).To(Equal(&backfill.Delay{Seconds: 4, Reason: backfill.DelayReasonRetry}))
			Expect(store.state.Cursor).To(Equal(3))
			Expect(store.failedAttempts).To(Equal(1))

			second, err := looper.ProcessStep(ctx, step)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Delay).To(Equal(&backfill.Delay{Seconds: 8, Reason: backfill.DelayReasonRetry}))
			Expect(store.state.Cursor).To(Equal(3))
			Expect(store.failedAttempts).To(Equal(2))
		})

		It("resets the failed attempts after a success", func() {
			store.state = cursorState{Cursor: 4}
			store.failedAttempts = 2

			action, err := looper.ProcessStep(ctx, step)

			Expect(err).NotTo(HaveOccurred())
			Expect(action.ScheduleNextStep).To(BeTrue())
			Expect(action.Delay).To(BeNil())
			Expect(store.failedAttempts).To(BeZero())
		})

		It("persists the rate limit reported by the failed step", func() {
			store.state = cursorState{Cursor: 3}

			_, err := looper.ProcessStep(ctx, step)

			Expect(err).NotTo(HaveOccurred())
			Expect(store.rateLimit.BudgetLeft).To(Equal(4))
		})
	})

	Context("when a step fails fatally", func() {
		It("stops scheduling and surfaces the error", func() {
			processor.failing = []int{0}
			processor.failure = backfill.StepError{Message: "credentials revoked", IsFatal: true}

			action, err := looper.ProcessStep(ctx, step)

			Expect(err).NotTo(HaveOccurred())
			Expect(action.ScheduleNextStep).To(BeFalse())
			Expect(action.Fatal()).To(BeTrue())
			Expect(action.Err.Message).To(Equal("credentials revoked"))
			Expect(store.state.Cursor).To(BeZero())
			Expect(store.failedAttempts).To(BeZero())
			Expect(prioritizer.skipped).To(BeEmpty())
		})
	})

	Context("when a step fails with a non-retryable error", func() {
		It("skips the item straight away", func() {
			processor.failing = []int{0}
			processor.failure = backfill.StepError{Message: "forbidden"}

			action, err := looper.ProcessStep(ctx, step)

			Expect(err).NotTo(HaveOccurred())
			Expect(action.ScheduleNextStep).To(BeTrue())
			Expect(action.Delay).To(BeNil())
			Expect(store.state.Cursor).To(Equal(1))
			Expect(prioritizer.skipped).To(Equal([]int{0}))
		})

		It("skips from the state loaded before the step ran", func() {
			processor.failing = []int{0}
			processor.failure = backfill.StepError{Message: "forbidden"}
			processor.partial = true

			action, err := looper.ProcessStep(ctx, step)

			Expect(err).NotTo(HaveOccurred())
			Expect(action.ScheduleNextStep).To(BeTrue())
			Expect(prioritizer.skipped).To(Equal([]int{0}))
			Expect(store.state.Cursor).To(Equal(1))
		})
	})

	Context("when the job store fails", func() {
		It("returns the error on read", func() {
			store.getJobStateErr = errors.New("connection refused")

			_, err := looper.ProcessStep(ctx, step)

			Expect(err).To(MatchError(ContainSubstring("connection refused")))
			Expect(processor.calls).To(BeZero())
		})

		It("returns the error on write", func() {
			store.setJobStateErr = errors.New("connection reset")

			_, err := looper.ProcessStep(ctx, step)

			Expect(err).To(MatchError(ContainSubstring("connection reset")))
			Expect(store.failedAttempts).To(BeZero())
		})
	})
})

var _ = Describe("NextAction", func() {
	It("converts the delay to a duration", func() {
		action := backfill.NextAction[string]{
			ScheduleNextStep: true,
			Delay:            &backfill.Delay{Seconds: 1.5, Reason: backfill.DelayReasonRetry},
		}
		Expect(action.After()).To(Equal(1500 * time.Millisecond))
		Expect(backfill.NextAction[string]{ScheduleNextStep: true}.After()).To(BeZero())
	})
})
