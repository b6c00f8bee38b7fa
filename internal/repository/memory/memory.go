// Package memory implements the repository interfaces in process memory. It
// backs the orchestrator when no database is configured and the tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/repository"
)

// Repository is a mutex-guarded in-memory store.
type Repository struct {
	mu           sync.RWMutex
	provisioning map[string]*domain.ProvisioningRecord
	servers      map[string]domain.StoredServer
	deployments  map[string]domain.Deployment
}

var _ repository.Store = (*Repository)(nil)

// New constructs an empty Repository.
func New() *Repository {
	return &Repository{
		provisioning: make(map[string]*domain.ProvisioningRecord),
		servers:      make(map[string]domain.StoredServer),
		deployments:  make(map[string]domain.Deployment),
	}
}

// SaveProvisioning stores a copy of record keyed by server.
func (r *Repository) SaveProvisioning(_ context.Context, record *domain.ProvisioningRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provisioning[record.ServerID] = record.Clone()
	return nil
}

// GetProvisioning returns a copy of the latest record of a server.
func (r *Repository) GetProvisioning(_ context.Context, serverID string) (*domain.ProvisioningRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.provisioning[serverID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return rec.Clone(), nil
}

// CreateServer inserts or replaces a server.
func (r *Repository) CreateServer(_ context.Context, server *domain.StoredServer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[server.ID] = *server
	return nil
}

// GetServer fetches a server by id.
func (r *Repository) GetServer(_ context.Context, id string) (*domain.StoredServer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &s, nil
}

// ListServers returns servers ordered by creation time.
func (r *Repository) ListServers(_ context.Context) ([]domain.StoredServer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.StoredServer, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteServer removes a server and its provisioning record.
func (r *Repository) DeleteServer(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.servers, id)
	delete(r.provisioning, id)
	return nil
}

// SaveDeployment inserts or updates a deployment.
func (r *Repository) SaveDeployment(_ context.Context, deployment *domain.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deployments[deployment.ID] = *deployment
	return nil
}

// GetDeployment fetches a deployment by id.
func (r *Repository) GetDeployment(_ context.Context, id string) (*domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

// ListDeploymentsByServer returns the newest deployments of a server first.
func (r *Repository) ListDeploymentsByServer(_ context.Context, serverID string, limit int) ([]domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Deployment
	for _, d := range r.deployments {
		if d.ServerID == serverID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
