package backfill

import (
	"fmt"
	"math"
	"time"
)

// CappedDelayRateLimitStrategy waits until the budget refreshes, but never
// longer than maxDelay in one go. Callers re-check after the capped delay.
type CappedDelayRateLimitStrategy struct {
	maxDelay float64
	now      Clock
}

func NewCappedDelayRateLimitStrategy(maxDelaySeconds float64, clock Clock) *CappedDelayRateLimitStrategy {
	if clock == nil {
		clock = time.Now
	}
	return &CappedDelayRateLimitStrategy{maxDelay: maxDelaySeconds, now: clock}
}

// NewCappedDelayRateLimitStrategyChecked also rejects a negative cap, which
// would turn the rate limit gate off, and a cap the re-invocation transport
// could not honour.
func NewCappedDelayRateLimitStrategyChecked(maxDelaySeconds float64, clock Clock, transportMax time.Duration) (*CappedDelayRateLimitStrategy, error) {
	if maxDelaySeconds < 0 || math.IsNaN(maxDelaySeconds) {
		return nil, fmt.Errorf("%w: rate limit max delay must not be negative, got %v",
			ErrInvalidArgument, maxDelaySeconds)
	}
	if maxDelaySeconds > transportMax.Seconds() {
		return nil, fmt.Errorf("%w: rate limit max delay %vs exceeds transport max delay %s",
			ErrInvalidArgument, maxDelaySeconds, transportMax)
	}
	return NewCappedDelayRateLimitStrategy(maxDelaySeconds, clock), nil
}

func (s *CappedDelayRateLimitStrategy) GetDelayInSeconds(state *RateLimitState) float64 {
	if state == nil || state.BudgetLeft > 0 {
		return 0
	}

	now := s.now()
	if !state.RefreshDate.After(now) {
		return 0
	}

	untilRefresh := state.RefreshDate.Sub(now).Seconds()
	return math.Max(0, math.Min(s.maxDelay, untilRefresh))
}
