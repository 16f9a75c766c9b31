package model

// DevInfoKind names the graph collection an item lands in.
type DevInfoKind string

const (
	DevInfoRepository    DevInfoKind = "repositories"
	DevInfoBranch        DevInfoKind = "branches"
	DevInfoCommit        DevInfoKind = "commits"
	DevInfoMergeRequest  DevInfoKind = "merge_requests"
	DevInfoPipeline      DevInfoKind = "pipelines"
	DevInfoDeployment    DevInfoKind = "deployments"
	DevInfoVulnerability DevInfoKind = "vulnerabilities"
)

var DevInfoKinds = []DevInfoKind{
	DevInfoRepository,
	DevInfoBranch,
	DevInfoCommit,
	DevInfoMergeRequest,
	DevInfoPipeline,
	DevInfoDeployment,
	DevInfoVulnerability,
}

// Kind returns the collection a task type's items are written to.
func (t TaskType) Kind() DevInfoKind {
	switch t {
	case TaskTypeRepository:
		return DevInfoRepository
	case TaskTypeBranch:
		return DevInfoBranch
	case TaskTypeCommit:
		return DevInfoCommit
	case TaskTypePull:
		return DevInfoMergeRequest
	case TaskTypeBuild:
		return DevInfoPipeline
	case TaskTypeDeployment:
		return DevInfoDeployment
	case TaskTypeVulnerability:
		return DevInfoVulnerability
	}
	return ""
}

// DevInfoItem is one piece of development information fetched from GitLab.
// ExternalID is unique within Kind for a repository.
type DevInfoItem struct {
	Kind       DevInfoKind    `json:"kind"`
	ExternalID string         `json:"external_id"`
	Title      string         `json:"title,omitempty"`
	URL        string         `json:"url,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}
