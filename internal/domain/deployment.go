package domain

import "time"

// DeploymentStatus is the lifecycle state of one build/run attempt.
type DeploymentStatus string

const (
	StatusPending   DeploymentStatus = "PENDING"
	StatusBuilding  DeploymentStatus = "BUILDING"
	StatusDeploying DeploymentStatus = "DEPLOYING"
	StatusRunning   DeploymentStatus = "RUNNING"
	StatusFailed    DeploymentStatus = "FAILED"
	StatusCrashed   DeploymentStatus = "CRASHED"
	StatusStopped   DeploymentStatus = "STOPPED"
)

// transitions lists the forward edges of the deployment lifecycle. The
// failure states are reachable from every non-terminal state; retry is the
// single backward edge (FAILED -> PENDING).
var transitions = map[DeploymentStatus][]DeploymentStatus{
	StatusPending:   {StatusBuilding, StatusFailed, StatusCrashed, StatusStopped},
	StatusBuilding:  {StatusDeploying, StatusFailed, StatusCrashed, StatusStopped},
	StatusDeploying: {StatusRunning, StatusFailed, StatusCrashed, StatusStopped},
	StatusRunning:   {StatusStopped, StatusCrashed, StatusFailed},
	StatusFailed:    {StatusPending},
}

// CanTransition reports whether moving a deployment from one status to
// another is legal.
func CanTransition(from, to DeploymentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status ends the build pipeline's ownership.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case StatusRunning, StatusStopped, StatusFailed, StatusCrashed:
		return true
	}
	return false
}

// Deployment is one attempt to run a service at a specific revision.
type Deployment struct {
	ID        string
	ServiceID string
	Status    DeploymentStatus

	// Git metadata; empty for static-image services.
	CommitSHA     string
	CommitMessage string
	CommitAuthor  string
	Branch        string

	Image    string
	ImageTag string

	BuildLogs      string
	DeploymentLogs string

	// Resource overrides; nil falls back to the service defaults.
	Resources *ResourceShape

	CreatedAt  time.Time
	DeployedAt *time.Time
	StoppedAt  *time.Time
}

// DeploymentStatusUpdate carries a partial update applied by the executor or
// the downstream deploy controller.
type DeploymentStatusUpdate struct {
	DeploymentID string
	Status       DeploymentStatus
	Image        string
	ImageTag     string
	BuildLogs    string
	Error        string
	DeployedAt   *time.Time
	StoppedAt    *time.Time
}
