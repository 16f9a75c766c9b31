package gitlab

import (
	"net/http"
	"strconv"
	"time"

	"basegraph.co/backfill/internal/backfill"
)

const (
	headerRemaining  = "RateLimit-Remaining"
	headerReset      = "RateLimit-Reset"
	headerRetryAfter = "Retry-After"
)

// RateLimitFromResponse reads GitLab's rate limit headers. It returns nil when
// the instance does not report a limit. A 429 is always exhausted and refreshes
// no earlier than Retry-After (one minute when absent), or RateLimit-Reset when
// that is later.
func RateLimitFromResponse(resp *http.Response, now time.Time) *backfill.RateLimitState {
	if resp == nil {
		return nil
	}

	remaining, hasRemaining := headerInt(resp.Header, headerRemaining)
	reset, hasReset := headerInt(resp.Header, headerReset)

	if resp.StatusCode == http.StatusTooManyRequests {
		state := &backfill.RateLimitState{BudgetLeft: 0, RefreshDate: now.Add(time.Minute)}
		if after, ok := headerInt(resp.Header, headerRetryAfter); ok && after > 0 {
			state.RefreshDate = now.Add(time.Duration(after) * time.Second)
		}
		if hasReset {
			if resetAt := time.Unix(int64(reset), 0); resetAt.After(state.RefreshDate) {
				state.RefreshDate = resetAt
			}
		}
		return state
	}

	if !hasRemaining {
		return nil
	}

	state := &backfill.RateLimitState{BudgetLeft: remaining, RefreshDate: now}
	if hasReset {
		state.RefreshDate = time.Unix(int64(reset), 0)
	}
	return state
}

func headerInt(h http.Header, key string) (int, bool) {
	raw := h.Get(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
