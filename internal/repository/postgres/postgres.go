package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProvisioningRepository = (*Repository)(nil)
	_ repository.ServerRepository       = (*Repository)(nil)
	_ repository.DeploymentRepository   = (*Repository)(nil)
)

// SaveProvisioning upserts the latest record of a server.
func (r *Repository) SaveProvisioning(ctx context.Context, record *domain.ProvisioningRecord) error {
	logs, err := json.Marshal(record.Logs)
	if err != nil {
		return fmt.Errorf("encode provisioning logs: %w", err)
	}
	installed, err := json.Marshal(record.Installed)
	if err != nil {
		return fmt.Errorf("encode installed software: %w", err)
	}
	const query = `INSERT INTO provisioning_records
		(server_id, id, status, progress, step, logs, error, error_kind, installed, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (server_id) DO UPDATE SET
			id = EXCLUDED.id,
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			step = EXCLUDED.step,
			logs = EXCLUDED.logs,
			error = EXCLUDED.error,
			error_kind = EXCLUDED.error_kind,
			installed = EXCLUDED.installed,
			started_at = EXCLUDED.started_at,
			updated_at = EXCLUDED.updated_at`
	_, err = r.pool.Exec(ctx, query,
		record.ServerID,
		record.ID,
		string(record.Status),
		record.Progress,
		nilIfEmpty(record.Step),
		logs,
		nilIfEmpty(record.Error),
		nilIfEmpty(string(record.ErrorKind)),
		installed,
		record.StartedAt,
		record.UpdatedAt,
	)
	return err
}

// GetProvisioning fetches the latest record of a server.
func (r *Repository) GetProvisioning(ctx context.Context, serverID string) (*domain.ProvisioningRecord, error) {
	const query = `SELECT id, server_id, status, progress, COALESCE(step, ''), logs,
		COALESCE(error, ''), COALESCE(error_kind, ''), installed, started_at, updated_at
		FROM provisioning_records WHERE server_id = $1`
	var (
		rec       domain.ProvisioningRecord
		status    string
		errorKind string
		logs      []byte
		installed []byte
	)
	err := r.pool.QueryRow(ctx, query, serverID).Scan(
		&rec.ID, &rec.ServerID, &status, &rec.Progress, &rec.Step, &logs,
		&rec.Error, &errorKind, &installed, &rec.StartedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	rec.Status = domain.ProvisioningStatus(status)
	rec.ErrorKind = domain.ErrorKind(errorKind)
	if len(logs) > 0 {
		if err := json.Unmarshal(logs, &rec.Logs); err != nil {
			return nil, fmt.Errorf("decode provisioning logs: %w", err)
		}
	}
	rec.Installed = map[string]bool{}
	if len(installed) > 0 {
		if err := json.Unmarshal(installed, &rec.Installed); err != nil {
			return nil, fmt.Errorf("decode installed software: %w", err)
		}
	}
	return &rec, nil
}

// CreateServer inserts or replaces a server.
func (r *Repository) CreateServer(ctx context.Context, server *domain.StoredServer) error {
	const query = `INSERT INTO servers (id, name, host, port, username, encrypted_password, encrypted_private_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			username = EXCLUDED.username,
			encrypted_password = EXCLUDED.encrypted_password,
			encrypted_private_key = EXCLUDED.encrypted_private_key`
	_, err := r.pool.Exec(ctx, query,
		server.ID, server.Name, server.Host, server.Port, server.Username,
		nilIfEmpty(server.EncryptedPassword), nilIfEmpty(server.EncryptedPrivateKey), server.CreatedAt,
	)
	return err
}

const serverColumns = `id, name, host, port, username, COALESCE(encrypted_password, ''), COALESCE(encrypted_private_key, ''), created_at`

// GetServer fetches a server by id.
func (r *Repository) GetServer(ctx context.Context, id string) (*domain.StoredServer, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = $1`, id)
	s, err := scanServer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// ListServers returns all servers ordered by creation time.
func (r *Repository) ListServers(ctx context.Context) ([]domain.StoredServer, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.StoredServer
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteServer removes a server; its provisioning record cascades.
func (r *Repository) DeleteServer(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM servers WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanServer(row pgx.Row) (domain.StoredServer, error) {
	var s domain.StoredServer
	err := row.Scan(&s.ID, &s.Name, &s.Host, &s.Port, &s.Username, &s.EncryptedPassword, &s.EncryptedPrivateKey, &s.CreatedAt)
	return s, err
}

// SaveDeployment upserts a deployment.
func (r *Repository) SaveDeployment(ctx context.Context, d *domain.Deployment) error {
	var failure []byte
	if d.Failure != nil {
		var err error
		if failure, err = json.Marshal(d.Failure); err != nil {
			return fmt.Errorf("encode deployment failure: %w", err)
		}
	}
	const query = `INSERT INTO deployments
		(id, server_id, project_name, domain, image, status, container_id, address, proxy_kind, failure, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			container_id = EXCLUDED.container_id,
			address = EXCLUDED.address,
			proxy_kind = EXCLUDED.proxy_kind,
			failure = EXCLUDED.failure,
			updated_at = EXCLUDED.updated_at`
	_, err := r.pool.Exec(ctx, query,
		d.ID, d.ServerID, d.Project, d.Domain, d.Image, string(d.Status),
		nilIfEmpty(d.ContainerID), nilIfEmpty(d.Address), nilIfEmpty(string(d.ProxyKind)),
		bytesToNil(failure), d.CreatedAt, d.UpdatedAt,
	)
	return err
}

const deploymentColumns = `id, server_id, project_name, domain, image, status, COALESCE(container_id, ''),
	COALESCE(address, ''), COALESCE(proxy_kind, ''), failure, created_at, updated_at`

// GetDeployment fetches a deployment by id.
func (r *Repository) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id)
	d, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListDeploymentsByServer returns the newest deployments of a server first.
func (r *Repository) ListDeploymentsByServer(ctx context.Context, serverID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT `+deploymentColumns+` FROM deployments
		WHERE server_id = $1 ORDER BY created_at DESC LIMIT $2`, serverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDeployment(row pgx.Row) (domain.Deployment, error) {
	var (
		d         domain.Deployment
		status    string
		proxyKind string
		failure   []byte
	)
	if err := row.Scan(&d.ID, &d.ServerID, &d.Project, &d.Domain, &d.Image, &status,
		&d.ContainerID, &d.Address, &proxyKind, &failure, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return d, err
	}
	d.Status = domain.DeploymentStatus(status)
	d.ProxyKind = domain.ProxyKind(proxyKind)
	if len(failure) > 0 {
		var f domain.Failure
		if err := json.Unmarshal(failure, &f); err != nil {
			return d, fmt.Errorf("decode deployment failure: %w", err)
		}
		d.Failure = &f
	}
	return d, nil
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func bytesToNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
