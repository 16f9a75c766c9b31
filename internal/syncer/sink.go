package syncer

import (
	"context"
	"fmt"
	"log/slog"

	"basegraph.co/backfill/common/arangodb"
	"basegraph.co/backfill/internal/model"
)

// Sink receives fetched development information. Ingesting the same items
// twice must be harmless: a page is re-fetched whenever its tick fails after
// ingestion.
type Sink interface {
	IngestRepositories(ctx context.Context, sub *model.Subscription, repos []model.RepositoryRef) error
	IngestItems(ctx context.Context, sub *model.Subscription, repo model.RepositoryRef, items []model.DevInfoItem) error
}

// GraphSink writes into the dev-info graph: one vertex per item and a
// contains edge from its repository.
type GraphSink struct {
	graph arangodb.Client
}

func NewGraphSink(graph arangodb.Client) *GraphSink {
	return &GraphSink{graph: graph}
}

func (s *GraphSink) IngestRepositories(ctx context.Context, sub *model.Subscription, repos []model.RepositoryRef) error {
	if len(repos) == 0 {
		return nil
	}

	vertices := make([]arangodb.Vertex, 0, len(repos))
	for _, repo := range repos {
		vertices = append(vertices, arangodb.Vertex{
			Collection: arangodb.CollectionRepositories,
			ExternalID: RepositoryExternalID(sub.ID, repo.ID),
			Properties: map[string]any{
				"subscription_id":     sub.ID,
				"gitlab_id":           repo.ID,
				"name":                repo.Name,
				"path_with_namespace": repo.PathWithNS,
				"web_url":             repo.WebURL,
				"default_branch":      repo.DefaultBranch,
			},
		})
	}

	if err := s.graph.IngestVertices(ctx, vertices); err != nil {
		return fmt.Errorf("ingesting repositories: %w", err)
	}
	return nil
}

func (s *GraphSink) IngestItems(ctx context.Context, sub *model.Subscription, repo model.RepositoryRef, items []model.DevInfoItem) error {
	if len(items) == 0 {
		return nil
	}

	repoID := RepositoryExternalID(sub.ID, repo.ID)
	vertices := make([]arangodb.Vertex, 0, len(items))
	edges := make([]arangodb.Edge, 0, len(items))
	for _, item := range items {
		itemID := fmt.Sprintf("%s/%s/%s", repoID, item.Kind, item.ExternalID)
		props := make(map[string]any, len(item.Attributes)+4)
		for k, v := range item.Attributes {
			props[k] = v
		}
		props["gitlab_id"] = item.ExternalID
		props["title"] = item.Title
		props["url"] = item.URL
		props["repository"] = repo.PathWithNS

		vertices = append(vertices, arangodb.Vertex{
			Collection: string(item.Kind),
			ExternalID: itemID,
			Properties: props,
		})
		edges = append(edges, arangodb.Edge{
			Collection:     arangodb.EdgeContains,
			FromCollection: arangodb.CollectionRepositories,
			FromID:         repoID,
			ToCollection:   string(item.Kind),
			ToID:           itemID,
		})
	}

	if err := s.graph.IngestVertices(ctx, vertices); err != nil {
		return fmt.Errorf("ingesting %d items: %w", len(items), err)
	}
	if err := s.graph.IngestEdges(ctx, edges); err != nil {
		return fmt.Errorf("linking %d items: %w", len(items), err)
	}
	return nil
}

// RepositoryExternalID scopes a GitLab project to a subscription; the same
// project may be backfilled for several accounts.
func RepositoryExternalID(subscriptionID, repositoryID int64) string {
	return fmt.Sprintf("%d/%d", subscriptionID, repositoryID)
}

// LogSink only logs what it would write. Used when no graph is configured.
type LogSink struct{}

func (LogSink) IngestRepositories(ctx context.Context, sub *model.Subscription, repos []model.RepositoryRef) error {
	slog.InfoContext(ctx, "repositories discovered",
		"subscription_id", sub.ID,
		"count", len(repos))
	return nil
}

func (LogSink) IngestItems(ctx context.Context, sub *model.Subscription, repo model.RepositoryRef, items []model.DevInfoItem) error {
	slog.DebugContext(ctx, "dev info fetched",
		"subscription_id", sub.ID,
		"repository_id", repo.ID,
		"count", len(items))
	return nil
}
