package queue

import "encoding/json"

// BuildJob carries everything the build executor needs to act without
// re-resolving the push: record ids plus the clone coordinates.
type BuildJob struct {
	BuildQueueID   string `json:"buildQueueId"`
	ServiceID      string `json:"serviceId"`
	ProjectID      string `json:"projectId"`
	WorkspaceID    string `json:"workspaceId"`
	DeploymentID   string `json:"deploymentId"`
	RepositoryURL  string `json:"repositoryUrl"`
	Branch         string `json:"branch"`
	CommitSHA      string `json:"commitSha"`
	CommitMessage  string `json:"commitMessage"`
	Author         string `json:"author"`
	InstallationID string `json:"installationId,omitempty"`
	RepoFullName   string `json:"repoFullName,omitempty"`
}

// DeployJob is the handoff payload consumed by the external deploy
// controller.
type DeployJob struct {
	DeploymentID string `json:"deploymentId"`
	ProjectID    string `json:"projectId"`
	WorkspaceID  string `json:"workspaceId"`
}

// Encode marshals a job payload for the broker.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeBuildJob unmarshals a build job payload.
func DecodeBuildJob(payload []byte) (BuildJob, error) {
	var job BuildJob
	err := json.Unmarshal(payload, &job)
	return job, err
}

// DecodeDeployJob unmarshals a deploy job payload.
func DecodeDeployJob(payload []byte) (DeployJob, error) {
	var job DeployJob
	err := json.Unmarshal(payload, &job)
	return job, err
}
