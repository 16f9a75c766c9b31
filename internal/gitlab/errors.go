package gitlab

import (
	"net/http"

	"github.com/cockroachdb/errors"
	gitlab "gitlab.com/gitlab-org/api/client-go"

	"basegraph.co/backfill/internal/backfill"
)

var (
	ErrRateLimited  = errors.New("gitlab rate limit exceeded")
	ErrNotFound     = errors.New("gitlab resource not found")
	ErrUnauthorized = errors.New("gitlab token rejected")
	ErrForbidden    = errors.New("gitlab access forbidden")
	ErrTransient    = errors.New("gitlab request failed")
)

// ResponseError carries what GitLab said about a failed call.
type ResponseError struct {
	StatusCode int
	RateLimit  *backfill.RateLimitState
	Err        error
}

func (e *ResponseError) Error() string {
	return e.Err.Error()
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

// classify wraps a failed call and marks it with the sentinel for its status,
// so callers can branch with errors.Is and still read the rate limit.
func (c *Client) classify(op string, resp *gitlab.Response, err error) error {
	if err == nil {
		return nil
	}

	status := 0
	var limit *backfill.RateLimitState
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
		limit = RateLimitFromResponse(resp.Response, c.now())
	} else {
		var errResp *gitlab.ErrorResponse
		if errors.As(err, &errResp) && errResp.Response != nil {
			status = errResp.Response.StatusCode
			limit = RateLimitFromResponse(errResp.Response, c.now())
		}
	}

	wrapped := error(&ResponseError{
		StatusCode: status,
		RateLimit:  limit,
		Err:        errors.Wrapf(err, "gitlab %s", op),
	})

	switch status {
	case http.StatusTooManyRequests:
		return errors.Mark(wrapped, ErrRateLimited)
	case http.StatusNotFound:
		return errors.Mark(wrapped, ErrNotFound)
	case http.StatusUnauthorized:
		return errors.Mark(wrapped, ErrUnauthorized)
	case http.StatusForbidden:
		return errors.Mark(wrapped, ErrForbidden)
	}
	return errors.Mark(wrapped, ErrTransient)
}

// RateLimitOf returns the rate limit reported alongside a classified error.
func RateLimitOf(err error) *backfill.RateLimitState {
	var respErr *ResponseError
	if errors.As(err, &respErr) {
		return respErr.RateLimit
	}
	return nil
}
