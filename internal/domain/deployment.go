package domain

import "time"

// DeploymentStatus enumerates deploy operation states.
type DeploymentStatus string

const (
	DeploymentQueued    DeploymentStatus = "queued"
	DeploymentRunning   DeploymentStatus = "running"
	DeploymentSucceeded DeploymentStatus = "succeeded"
	DeploymentFailed    DeploymentStatus = "failed"
	DeploymentRemoved   DeploymentStatus = "removed"
)

// Deployment records one deploy operation and its outcome.
type Deployment struct {
	ID          string           `json:"id"`
	ServerID    string           `json:"server_id"`
	Project     string           `json:"project_name"`
	Domain      string           `json:"domain"`
	Image       string           `json:"image"`
	Status      DeploymentStatus `json:"status"`
	ContainerID string           `json:"container_id,omitempty"`
	Address     string           `json:"address,omitempty"`
	ProxyKind   ProxyKind        `json:"proxy_kind,omitempty"`
	Failure     *Failure         `json:"failure,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}
