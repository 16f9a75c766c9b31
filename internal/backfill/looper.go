package backfill

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"basegraph.co/backfill/common/logger"
)

// Looper runs one tick of a job: rate limit gate, prioritizer, processor,
// then retry or skip. It never sleeps; waiting is expressed in the returned
// NextAction and carried out by whoever re-invokes it.
type Looper[ID any, S any] struct {
	prioritizer StepPrioritizer[ID, S]
	store       JobStore[ID, S]
	rateLimit   RateLimitStrategy
	retry       RetryStrategy
}

func NewLooper[ID any, S any](
	prioritizer StepPrioritizer[ID, S],
	store JobStore[ID, S],
	rateLimit RateLimitStrategy,
	retry RetryStrategy,
) *Looper[ID, S] {
	return &Looper[ID, S]{
		prioritizer: prioritizer,
		store:       store,
		rateLimit:   rateLimit,
		retry:       retry,
	}
}

// ProcessStep runs a single tick for step.JobID. The returned error is only
// set when the JobStore fails; in that case nothing after the failing write
// has happened and the tick can be re-run as is.
func (l *Looper[ID, S]) ProcessStep(ctx context.Context, step Step[ID]) (NextAction[ID], error) {
	sc := logger.StartSpan(ctx, "backfill.tick")
	defer sc.End()
	ctx = sc.Context()

	action, err := l.processStep(ctx, step)
	if err != nil {
		sc.RecordError(err)
		return NextAction[ID]{}, err
	}

	sc.Span().SetAttributes(attribute.Bool("backfill.schedule_next_step", action.ScheduleNextStep))
	if action.Delay != nil {
		sc.Span().SetAttributes(
			attribute.String("backfill.delay_reason", string(action.Delay.Reason)),
			attribute.Float64("backfill.delay_seconds", action.Delay.Seconds),
		)
	}
	return action, nil
}

func (l *Looper[ID, S]) processStep(ctx context.Context, step Step[ID]) (NextAction[ID], error) {
	id := step.JobID

	state, err := l.store.GetJobState(ctx, id)
	if err != nil {
		return NextAction[ID]{}, fmt.Errorf("getting job state: %w", err)
	}
	rateLimit, err := l.store.GetRateLimitState(ctx, id)
	if err != nil {
		return NextAction[ID]{}, fmt.Errorf("getting rate limit state: %w", err)
	}
	failedAttempts, err := l.store.GetFailedAttemptsCount(ctx, id)
	if err != nil {
		return NextAction[ID]{}, fmt.Errorf("getting failed attempts: %w", err)
	}

	if delay := l.rateLimit.GetDelayInSeconds(rateLimit); delay > 0 {
		slog.InfoContext(ctx, "rate limit exhausted, delaying step", "delay_seconds", delay)
		return NextAction[ID]{
			JobID:            id,
			ScheduleNextStep: true,
			Delay:            &Delay{Seconds: delay, Reason: DelayReasonRateLimit},
		}, nil
	}

	processor := l.prioritizer.GetStepProcessor(ctx, step, state, rateLimit)
	if processor == nil {
		slog.DebugContext(ctx, "no pending work left for job")
		return NextAction[ID]{JobID: id, ScheduleNextStep: false}, nil
	}

	result := processor.Process(ctx, state, rateLimit)

	if err := l.store.SetJobState(ctx, id, result.JobState); err != nil {
		return NextAction[ID]{}, fmt.Errorf("setting job state: %w", err)
	}
	if err := l.store.UpdateRateLimitState(ctx, id, result.RateLimit); err != nil {
		return NextAction[ID]{}, fmt.Errorf("updating rate limit state: %w", err)
	}

	if result.Success {
		if failedAttempts != 0 {
			if err := l.store.SetFailedAttemptsCount(ctx, id, 0); err != nil {
				return NextAction[ID]{}, fmt.Errorf("resetting failed attempts: %w", err)
			}
		}
		return NextAction[ID]{JobID: id, ScheduleNextStep: true}, nil
	}

	stepErr := result.Error
	if stepErr == nil {
		stepErr = &StepError{Message: "step failed without an error", IsRetryable: true}
	}

	if stepErr.IsFatal {
		slog.ErrorContext(ctx, "fatal step error, stopping job", "error", stepErr.Message)
		return NextAction[ID]{JobID: id, ScheduleNextStep: false, Err: stepErr}, nil
	}

	if stepErr.IsRetryable {
		failedAttempts++
		if err := l.store.SetFailedAttemptsCount(ctx, id, failedAttempts); err != nil {
			return NextAction[ID]{}, fmt.Errorf("setting failed attempts: %w", err)
		}

		retry := l.retry.GetRetry(failedAttempts)
		if retry.ShouldRetry {
			slog.WarnContext(ctx, "step failed, retrying",
				"error", stepErr.Message,
				"failed_attempts", failedAttempts,
				"retry_after_seconds", retry.RetryAfterSeconds)
			return NextAction[ID]{
				JobID:            id,
				ScheduleNextStep: true,
				Delay:            &Delay{Seconds: retry.RetryAfterSeconds, Reason: DelayReasonRetry},
			}, nil
		}

		slog.WarnContext(ctx, "step retries exhausted, skipping",
			"error", stepErr.Message,
			"failed_attempts", failedAttempts)
	} else {
		slog.WarnContext(ctx, "step failed with non-retryable error, skipping", "error", stepErr.Message)
	}

	skipped := l.prioritizer.Skip(ctx, step, state, result.RateLimit)
	if err := l.store.SetJobState(ctx, id, skipped); err != nil {
		return NextAction[ID]{}, fmt.Errorf("setting skipped job state: %w", err)
	}
	if err := l.store.SetFailedAttemptsCount(ctx, id, 0); err != nil {
		return NextAction[ID]{}, fmt.Errorf("resetting failed attempts: %w", err)
	}

	return NextAction[ID]{JobID: id, ScheduleNextStep: true}, nil
}
