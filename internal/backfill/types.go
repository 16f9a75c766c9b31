package backfill

import (
	"context"
	"time"
)

// Clock returns the current time. Strategies take one so tests can move time
// without sleeping.
type Clock func() time.Time

// RateLimitState is the last known snapshot of a refilling API budget.
// BudgetLeft <= 0 means exhausted until RefreshDate.
type RateLimitState struct {
	BudgetLeft  int       `json:"budget_left"`
	RefreshDate time.Time `json:"refresh_date"`
}

// Exhausted reports whether the budget is used up and not yet refreshed at now.
func (s *RateLimitState) Exhausted(now time.Time) bool {
	return s != nil && s.BudgetLeft <= 0 && s.RefreshDate.After(now)
}

type Retry struct {
	ShouldRetry       bool
	RetryAfterSeconds float64
}

type DelayReason string

const (
	DelayReasonRetry     DelayReason = "retry"
	DelayReasonRateLimit DelayReason = "rate-limit"
)

type Delay struct {
	Seconds float64     `json:"seconds"`
	Reason  DelayReason `json:"reason"`
}

func (d Delay) Duration() time.Duration {
	return time.Duration(d.Seconds * float64(time.Second))
}

// Step addresses the job a tick works on.
type Step[ID any] struct {
	JobID ID
}

// StepError describes why a unit of work failed. The looper only reads the
// flags; Message is logged and surfaced on fatal outcomes.
type StepError struct {
	Message     string `json:"message"`
	IsRetryable bool   `json:"is_retryable"`
	IsFatal     bool   `json:"is_fatal"`
}

func (e *StepError) Error() string {
	return e.Message
}

type StepResult[S any] struct {
	Success   bool
	JobState  S
	RateLimit *RateLimitState
	Error     *StepError
}

// NextAction tells the caller whether and when to run the next tick.
// A fatal outcome is ScheduleNextStep=false with Err set; a finished job is
// ScheduleNextStep=false with Err nil.
type NextAction[ID any] struct {
	JobID            ID
	ScheduleNextStep bool
	Delay            *Delay
	Err              *StepError
}

func (a NextAction[ID]) Finished() bool {
	return !a.ScheduleNextStep && a.Err == nil
}

func (a NextAction[ID]) Fatal() bool {
	return !a.ScheduleNextStep && a.Err != nil
}

// After returns how long the caller should wait before the next tick.
func (a NextAction[ID]) After() time.Duration {
	if a.Delay == nil {
		return 0
	}
	return a.Delay.Duration()
}

type RetryStrategy interface {
	GetRetry(failedAttempts int) Retry
}

type RateLimitStrategy interface {
	GetDelayInSeconds(state *RateLimitState) float64
}

// StepProcessor performs exactly one unit of work. It must return the rate
// limit snapshot observed after the call, or the one it was given.
type StepProcessor[S any] interface {
	Process(ctx context.Context, state S, rateLimit *RateLimitState) StepResult[S]
}

// StepPrioritizer picks the processor for the front of the work queue. A nil
// processor means the job has no pending work. Skip force-advances the state
// past the current unit without doing the work.
type StepPrioritizer[ID any, S any] interface {
	GetStepProcessor(ctx context.Context, step Step[ID], state S, rateLimit *RateLimitState) StepProcessor[S]
	Skip(ctx context.Context, step Step[ID], state S, rateLimit *RateLimitState) S
}

// JobStore holds the durable state of a job. Implementations must give
// read-your-writes consistency within one tick.
type JobStore[ID any, S any] interface {
	GetJobState(ctx context.Context, id ID) (S, error)
	SetJobState(ctx context.Context, id ID, state S) error
	GetFailedAttemptsCount(ctx context.Context, id ID) (int, error)
	SetFailedAttemptsCount(ctx context.Context, id ID, count int) error
	GetRateLimitState(ctx context.Context, id ID) (*RateLimitState, error)
	UpdateRateLimitState(ctx context.Context, id ID, state *RateLimitState) error
}
