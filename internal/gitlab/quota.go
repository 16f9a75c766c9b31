package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-retryablehttp"
	gitlab "gitlab.com/gitlab-org/api/client-go"

	"basegraph.co/backfill/internal/model"
	"basegraph.co/backfill/internal/scheduler"
)

// Unlimited is reported for a pool when the instance sends no rate limit
// headers, as self-managed instances often do.
const Unlimited = math.MaxInt32

const quotaCheckQuery = `{ currentUser { id } }`

// Quota checks both GitLab pools: REST for the core pool, GraphQL for the
// graphql pool. Each check costs one call.
func (c *Client) Quota(ctx context.Context) (scheduler.Quota, error) {
	_, resp, err := c.api.Users.CurrentUser(gitlab.WithContext(ctx))
	if err != nil {
		return scheduler.Quota{}, c.classify("check rest quota", resp, err)
	}
	core := remainingOrUnlimited(resp.Response)

	graphql, err := c.graphQLRemaining(ctx)
	if err != nil {
		return scheduler.Quota{}, err
	}

	return scheduler.Quota{Core: core, GraphQL: graphql}, nil
}

func (c *Client) graphQLRemaining(ctx context.Context) (int, error) {
	body, err := json.Marshal(map[string]string{"query": quotaCheckQuery})
	if err != nil {
		return 0, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.graphQLURL, bytes.NewReader(body))
	if err != nil {
		return 0, errors.Wrap(err, "building graphql quota check")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Mark(errors.Wrap(err, "gitlab check graphql quota"), ErrTransient)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return 0, c.classify("check graphql quota", &gitlab.Response{Response: resp},
			errors.Newf("unexpected status %d", resp.StatusCode))
	}
	return remainingOrUnlimited(resp), nil
}

func remainingOrUnlimited(resp *http.Response) int {
	if resp == nil {
		return Unlimited
	}
	remaining, ok := headerInt(resp.Header, headerRemaining)
	if !ok {
		return Unlimited
	}
	return remaining
}

// QuotaChecker resolves the client of a subscription and checks its quota.
type QuotaChecker struct {
	factory *Factory
}

func NewQuotaChecker(factory *Factory) *QuotaChecker {
	return &QuotaChecker{factory: factory}
}

func (q *QuotaChecker) Quota(ctx context.Context, sub *model.Subscription) (scheduler.Quota, error) {
	client, err := q.factory.ForSubscription(sub)
	if err != nil {
		return scheduler.Quota{}, err
	}
	return client.Quota(ctx)
}
