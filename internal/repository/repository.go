package repository

import (
	"context"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
)

// ProvisioningRepository persists the latest provisioning record per server.
type ProvisioningRepository interface {
	SaveProvisioning(ctx context.Context, record *domain.ProvisioningRecord) error
	GetProvisioning(ctx context.Context, serverID string) (*domain.ProvisioningRecord, error)
}

// ServerRepository persists registered servers with encrypted credentials.
type ServerRepository interface {
	CreateServer(ctx context.Context, server *domain.StoredServer) error
	GetServer(ctx context.Context, id string) (*domain.StoredServer, error)
	ListServers(ctx context.Context) ([]domain.StoredServer, error)
	DeleteServer(ctx context.Context, id string) error
}

// DeploymentRepository tracks deploy operations.
type DeploymentRepository interface {
	SaveDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	ListDeploymentsByServer(ctx context.Context, serverID string, limit int) ([]domain.Deployment, error)
}

// Store bundles every repository the orchestrator uses.
type Store interface {
	ProvisioningRepository
	ServerRepository
	DeploymentRepository
}
