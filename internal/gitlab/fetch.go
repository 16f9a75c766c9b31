package gitlab

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	gitlab "gitlab.com/gitlab-org/api/client-go"

	"basegraph.co/backfill/internal/backfill"
	"basegraph.co/backfill/internal/model"
)

// Page is one page of development information. NextCursor is empty on the
// last page.
type Page struct {
	Items      []model.DevInfoItem
	NextCursor string
	RateLimit  *backfill.RateLimitState
}

// ProjectPage is one page of repositories visible to the token.
type ProjectPage struct {
	Projects   []model.RepositoryRef
	NextCursor string
	RateLimit  *backfill.RateLimitState
}

// FetchPage fetches the page at cursor for one task type of a repository.
// Since, when set, limits history to items updated after it.
func (c *Client) FetchPage(ctx context.Context, repo model.RepositoryRef, taskType model.TaskType, cursor string, since *time.Time) (Page, error) {
	if err := validCursor(cursor); err != nil {
		return Page{}, err
	}

	opts := []gitlab.RequestOptionFunc{gitlab.WithContext(ctx), withPage(cursor, c.pageSize)}

	var (
		items []model.DevInfoItem
		resp  *gitlab.Response
		err   error
	)
	switch taskType {
	case model.TaskTypeBranch:
		items, resp, err = c.branches(repo, opts)
	case model.TaskTypeCommit:
		items, resp, err = c.commits(repo, since, opts)
	case model.TaskTypePull:
		items, resp, err = c.mergeRequests(repo, since, opts)
	case model.TaskTypeBuild:
		items, resp, err = c.pipelines(repo, since, opts)
	case model.TaskTypeDeployment:
		items, resp, err = c.deployments(repo, since, opts)
	case model.TaskTypeVulnerability:
		items, resp, err = c.vulnerabilities(repo, opts)
	default:
		return Page{}, errors.Newf("unsupported task type %q", taskType)
	}
	if err != nil {
		return Page{}, c.classify(fmt.Sprintf("list %s of project %d", taskType, repo.ID), resp, err)
	}

	return Page{
		Items:      items,
		NextCursor: nextCursor(resp),
		RateLimit:  c.rateLimit(resp),
	}, nil
}

// ListProjects lists the repositories the token can read, oldest first so
// newly created projects land on later pages.
func (c *Client) ListProjects(ctx context.Context, cursor string) (ProjectPage, error) {
	if err := validCursor(cursor); err != nil {
		return ProjectPage{}, err
	}

	opts := &gitlab.ListProjectsOptions{
		Membership:     gitlab.Ptr(true),
		MinAccessLevel: gitlab.Ptr(gitlab.ReporterPermissions),
		OrderBy:        gitlab.Ptr("id"),
		Sort:           gitlab.Ptr("asc"),
		Archived:       gitlab.Ptr(false),
	}

	projects, resp, err := c.api.Projects.ListProjects(opts, gitlab.WithContext(ctx), withPage(cursor, c.pageSize))
	if err != nil {
		return ProjectPage{}, c.classify("list projects", resp, err)
	}

	refs := make([]model.RepositoryRef, 0, len(projects))
	for _, p := range projects {
		refs = append(refs, model.RepositoryRef{
			ID:            int64(p.ID),
			Name:          p.Name,
			PathWithNS:    p.PathWithNamespace,
			WebURL:        p.WebURL,
			DefaultBranch: p.DefaultBranch,
		})
	}

	return ProjectPage{
		Projects:   refs,
		NextCursor: nextCursor(resp),
		RateLimit:  c.rateLimit(resp),
	}, nil
}

func (c *Client) rateLimit(resp *gitlab.Response) *backfill.RateLimitState {
	if resp == nil || resp.Response == nil {
		return nil
	}
	return RateLimitFromResponse(resp.Response, c.now())
}

func (c *Client) branches(repo model.RepositoryRef, opts []gitlab.RequestOptionFunc) ([]model.DevInfoItem, *gitlab.Response, error) {
	branches, resp, err := c.api.Branches.ListBranches(repo.ID, &gitlab.ListBranchesOptions{}, opts...)
	if err != nil {
		return nil, resp, err
	}

	items := make([]model.DevInfoItem, 0, len(branches))
	for _, b := range branches {
		attrs := map[string]any{
			"default":   b.Default,
			"protected": b.Protected,
			"merged":    b.Merged,
		}
		if b.Commit != nil {
			attrs["commit_sha"] = b.Commit.ID
		}
		items = append(items, model.DevInfoItem{
			Kind:       model.DevInfoBranch,
			ExternalID: b.Name,
			Title:      b.Name,
			URL:        b.WebURL,
			Attributes: attrs,
		})
	}
	return items, resp, nil
}

func (c *Client) commits(repo model.RepositoryRef, since *time.Time, opts []gitlab.RequestOptionFunc) ([]model.DevInfoItem, *gitlab.Response, error) {
	commits, resp, err := c.api.Commits.ListCommits(repo.ID, &gitlab.ListCommitsOptions{Since: since}, opts...)
	if err != nil {
		return nil, resp, err
	}

	items := make([]model.DevInfoItem, 0, len(commits))
	for _, cm := range commits {
		items = append(items, model.DevInfoItem{
			Kind:       model.DevInfoCommit,
			ExternalID: cm.ID,
			Title:      cm.Title,
			URL:        cm.WebURL,
			Attributes: map[string]any{
				"short_id":     cm.ShortID,
				"author_name":  cm.AuthorName,
				"author_email": cm.AuthorEmail,
				"created_at":   cm.CreatedAt,
			},
		})
	}
	return items, resp, nil
}

func (c *Client) mergeRequests(repo model.RepositoryRef, since *time.Time, opts []gitlab.RequestOptionFunc) ([]model.DevInfoItem, *gitlab.Response, error) {
	mrs, resp, err := c.api.MergeRequests.ListProjectMergeRequests(repo.ID, &gitlab.ListProjectMergeRequestsOptions{
		State:        gitlab.Ptr("all"),
		UpdatedAfter: since,
	}, opts...)
	if err != nil {
		return nil, resp, err
	}

	items := make([]model.DevInfoItem, 0, len(mrs))
	for _, mr := range mrs {
		items = append(items, model.DevInfoItem{
			Kind:       model.DevInfoMergeRequest,
			ExternalID: strconv.FormatInt(int64(mr.IID), 10),
			Title:      mr.Title,
			URL:        mr.WebURL,
			Attributes: map[string]any{
				"state":         mr.State,
				"source_branch": mr.SourceBranch,
				"target_branch": mr.TargetBranch,
				"sha":           mr.SHA,
				"created_at":    mr.CreatedAt,
				"updated_at":    mr.UpdatedAt,
			},
		})
	}
	return items, resp, nil
}

func (c *Client) pipelines(repo model.RepositoryRef, since *time.Time, opts []gitlab.RequestOptionFunc) ([]model.DevInfoItem, *gitlab.Response, error) {
	pipelines, resp, err := c.api.Pipelines.ListProjectPipelines(repo.ID, &gitlab.ListProjectPipelinesOptions{
		UpdatedAfter: since,
	}, opts...)
	if err != nil {
		return nil, resp, err
	}

	items := make([]model.DevInfoItem, 0, len(pipelines))
	for _, p := range pipelines {
		id := strconv.FormatInt(int64(p.ID), 10)
		items = append(items, model.DevInfoItem{
			Kind:       model.DevInfoPipeline,
			ExternalID: id,
			Title:      fmt.Sprintf("pipeline %s on %s", id, p.Ref),
			URL:        p.WebURL,
			Attributes: map[string]any{
				"status":     p.Status,
				"ref":        p.Ref,
				"sha":        p.SHA,
				"created_at": p.CreatedAt,
				"updated_at": p.UpdatedAt,
			},
		})
	}
	return items, resp, nil
}

func (c *Client) deployments(repo model.RepositoryRef, since *time.Time, opts []gitlab.RequestOptionFunc) ([]model.DevInfoItem, *gitlab.Response, error) {
	deployments, resp, err := c.api.Deployments.ListProjectDeployments(repo.ID, &gitlab.ListProjectDeploymentsOptions{
		UpdatedAfter: since,
	}, opts...)
	if err != nil {
		return nil, resp, err
	}

	items := make([]model.DevInfoItem, 0, len(deployments))
	for _, d := range deployments {
		id := strconv.FormatInt(int64(d.ID), 10)
		items = append(items, model.DevInfoItem{
			Kind:       model.DevInfoDeployment,
			ExternalID: id,
			Title:      fmt.Sprintf("deployment %s of %s", id, d.Ref),
			Attributes: map[string]any{
				"status":     d.Status,
				"ref":        d.Ref,
				"sha":        d.SHA,
				"created_at": d.CreatedAt,
				"updated_at": d.UpdatedAt,
			},
		})
	}
	return items, resp, nil
}

// vulnerability is the subset of the project vulnerabilities API the graph
// keeps. The typed client does not cover this endpoint.
type vulnerability struct {
	ID         int64      `json:"id"`
	Title      string     `json:"title"`
	State      string     `json:"state"`
	Severity   string     `json:"severity"`
	ReportType string     `json:"report_type"`
	CreatedAt  *time.Time `json:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at"`
}

func (c *Client) vulnerabilities(repo model.RepositoryRef, opts []gitlab.RequestOptionFunc) ([]model.DevInfoItem, *gitlab.Response, error) {
	req, err := c.api.NewRequest(http.MethodGet, fmt.Sprintf("projects/%d/vulnerabilities", repo.ID), nil, opts)
	if err != nil {
		return nil, nil, err
	}

	var vulns []vulnerability
	resp, err := c.api.Do(req, &vulns)
	if err != nil {
		return nil, resp, err
	}

	items := make([]model.DevInfoItem, 0, len(vulns))
	for _, v := range vulns {
		items = append(items, model.DevInfoItem{
			Kind:       model.DevInfoVulnerability,
			ExternalID: strconv.FormatInt(v.ID, 10),
			Title:      v.Title,
			URL:        fmt.Sprintf("%s/-/security/vulnerabilities/%d", repo.WebURL, v.ID),
			Attributes: map[string]any{
				"state":       v.State,
				"severity":    v.Severity,
				"report_type": v.ReportType,
				"created_at":  v.CreatedAt,
				"updated_at":  v.UpdatedAt,
			},
		})
	}
	return items, resp, nil
}
