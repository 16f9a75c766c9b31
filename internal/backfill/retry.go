package backfill

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidArgument = errors.New("invalid argument")

// BackoffRetryStrategy retries up to a fixed number of times with an
// exponentially growing delay.
type BackoffRetryStrategy struct {
	retries           int
	initialDelay      float64
	backoffMultiplier float64
	maxDelay          float64
}

type BackoffOption func(*BackoffRetryStrategy)

// WithMaxDelay caps every computed delay at seconds.
func WithMaxDelay(seconds float64) BackoffOption {
	return func(s *BackoffRetryStrategy) {
		s.maxDelay = seconds
	}
}

func NewBackoffRetryStrategy(retries int, initialDelaySeconds, backoffMultiplier float64, opts ...BackoffOption) (*BackoffRetryStrategy, error) {
	s := &BackoffRetryStrategy{
		retries:           retries,
		initialDelay:      initialDelaySeconds,
		backoffMultiplier: backoffMultiplier,
		maxDelay:          math.Inf(1),
	}
	for _, opt := range opts {
		opt(s)
	}

	switch {
	case retries < 0:
		return nil, fmt.Errorf("%w: retries must be >= 0, got %d", ErrInvalidArgument, retries)
	case backoffMultiplier < 0:
		return nil, fmt.Errorf("%w: backoff multiplier must be >= 0, got %v", ErrInvalidArgument, backoffMultiplier)
	case initialDelaySeconds < 0:
		return nil, fmt.Errorf("%w: initial delay must be >= 0, got %v", ErrInvalidArgument, initialDelaySeconds)
	case s.maxDelay < 0:
		return nil, fmt.Errorf("%w: max delay must be >= 0, got %v", ErrInvalidArgument, s.maxDelay)
	}

	return s, nil
}

func (s *BackoffRetryStrategy) GetRetry(failedAttempts int) Retry {
	delay := s.initialDelay * math.Pow(s.backoffMultiplier, float64(failedAttempts))
	return Retry{
		ShouldRetry:       failedAttempts <= s.retries,
		RetryAfterSeconds: math.Min(s.maxDelay, delay),
	}
}
