package gitlab

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-retryablehttp"
	gitlab "gitlab.com/gitlab-org/api/client-go"
	"golang.org/x/time/rate"

	"basegraph.co/backfill/core/config"
	"basegraph.co/backfill/internal/model"
)

const defaultPageSize = 100

// Client talks to one GitLab instance with one access token. Retries and
// client-side throttling are disabled: the backfill looper owns both.
type Client struct {
	api        *gitlab.Client
	http       *retryablehttp.Client
	token      string
	graphQLURL string
	pageSize   int
	now        func() time.Time
}

type Option func(*Client)

func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func New(instanceURL, token string, timeout time.Duration, opts ...Option) (*Client, error) {
	if instanceURL == "" {
		return nil, errors.New("gitlab instance url is required")
	}
	if token == "" {
		return nil, errors.New("gitlab access token is required")
	}

	base := strings.TrimSuffix(instanceURL, "/")
	httpClient := &http.Client{Timeout: timeout}

	api, err := gitlab.NewClient(
		token,
		gitlab.WithBaseURL(base+"/api/v4"),
		gitlab.WithHTTPClient(httpClient),
		gitlab.WithoutRetries(),
		gitlab.WithCustomLimiter(rate.NewLimiter(rate.Inf, 0)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating gitlab client")
	}

	retrying := retryablehttp.NewClient()
	retrying.HTTPClient = httpClient
	retrying.RetryMax = 2
	retrying.RetryWaitMin = 200 * time.Millisecond
	retrying.RetryWaitMax = 2 * time.Second
	retrying.Logger = slog.Default()

	c := &Client{
		api:        api,
		http:       retrying,
		token:      token,
		graphQLURL: base + "/api/graphql",
		pageSize:   defaultPageSize,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Factory builds clients for subscriptions, defaulting the instance to the
// configured base URL.
type Factory struct {
	cfg  config.GitLabConfig
	opts []Option
}

func NewFactory(cfg config.GitLabConfig, opts ...Option) *Factory {
	return &Factory{cfg: cfg, opts: opts}
}

func (f *Factory) ForSubscription(sub *model.Subscription) (*Client, error) {
	instanceURL := sub.GitLabURL
	if instanceURL == "" {
		instanceURL = f.cfg.BaseURL
	}
	opts := append([]Option{WithPageSize(f.cfg.PageSize)}, f.opts...)
	return New(instanceURL, sub.AccessToken, f.cfg.RequestTimeout, opts...)
}

// withPage sets page and per_page on a list request. Cursors are GitLab page
// numbers, so they pass through unchanged.
func withPage(cursor string, perPage int) gitlab.RequestOptionFunc {
	return func(req *retryablehttp.Request) error {
		q := req.URL.Query()
		if cursor != "" {
			q.Set("page", cursor)
		}
		q.Set("per_page", strconv.Itoa(perPage))
		req.URL.RawQuery = q.Encode()
		return nil
	}
}

func validCursor(cursor string) error {
	if cursor == "" {
		return nil
	}
	if page, err := strconv.Atoi(cursor); err != nil || page < 1 {
		return errors.Newf("invalid page cursor %q", cursor)
	}
	return nil
}

// nextCursor turns GitLab's X-Next-Page into a cursor; empty means last page.
func nextCursor(resp *gitlab.Response) string {
	if resp == nil || resp.NextPage == 0 {
		return ""
	}
	return strconv.FormatInt(int64(resp.NextPage), 10)
}
