package domain

import "time"

// BuildStatus tracks one queued build attempt.
type BuildStatus string

const (
	BuildQueued    BuildStatus = "QUEUED"
	BuildBuilding  BuildStatus = "BUILDING"
	BuildCompleted BuildStatus = "COMPLETED"
	BuildFailed    BuildStatus = "FAILED"
)

// BuildQueueItem mirrors one queued build attempt, 1:1 with a deployment.
type BuildQueueItem struct {
	ID           string
	ServiceID    string
	DeploymentID string
	Status       BuildStatus
	StartedAt    *time.Time
	FinishedAt   *time.Time
	Duration     time.Duration
	Error        string
	CreatedAt    time.Time
}
