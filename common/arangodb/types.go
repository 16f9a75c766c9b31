package arangodb

// Vertex is a document in one of the node collections. Key is derived from
// ExternalID, so re-ingesting the same item is a no-op.
type Vertex struct {
	Collection string
	ExternalID string
	Properties map[string]any
}

// Edge links two vertices by their external ids.
type Edge struct {
	Collection     string
	FromCollection string
	FromID         string
	ToCollection   string
	ToID           string
	Properties     map[string]any
}

const (
	GraphName = "devinfo"

	CollectionRepositories    = "repositories"
	CollectionBranches        = "branches"
	CollectionCommits         = "commits"
	CollectionMergeRequests   = "merge_requests"
	CollectionPipelines       = "pipelines"
	CollectionDeployments     = "deployments"
	CollectionVulnerabilities = "vulnerabilities"

	EdgeContains = "contains"
)

var nodeCollections = []string{
	CollectionRepositories,
	CollectionBranches,
	CollectionCommits,
	CollectionMergeRequests,
	CollectionPipelines,
	CollectionDeployments,
	CollectionVulnerabilities,
}

var edgeCollections = []string{EdgeContains}
