package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/engrama/internal/channel"
)

// Compile-time check: Store satisfies the channel manager's store surface.
var _ channel.Store = (*Store)(nil)

type tenantRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	CreatedAt string `db:"created_at"`
}

func (r tenantRow) toTenant() channel.Tenant {
	return channel.Tenant{ID: r.ID, Name: r.Name, CreatedAt: decodeTime(r.CreatedAt)}
}

type projectRow struct {
	ID        string `db:"id"`
	TenantID  string `db:"tenant_id"`
	Name      string `db:"name"`
	CreatedAt string `db:"created_at"`
}

func (r projectRow) toProject() channel.Project {
	return channel.Project{ID: r.ID, TenantID: r.TenantID, Name: r.Name, CreatedAt: decodeTime(r.CreatedAt)}
}

type apiKeyRow struct {
	KeyID     string         `db:"key_id"`
	KeyHash   string         `db:"key_hash"`
	TenantID  string         `db:"tenant_id"`
	ProjectID string         `db:"project_id"`
	UserID    sql.NullString `db:"user_id"`
	CreatedAt string         `db:"created_at"`
	IsActive  bool           `db:"is_active"`
}

func (r apiKeyRow) toAPIKey() channel.APIKey {
	return channel.APIKey{
		KeyID:     r.KeyID,
		KeyHash:   r.KeyHash,
		TenantID:  r.TenantID,
		ProjectID: r.ProjectID,
		UserID:    r.UserID.String,
		CreatedAt: decodeTime(r.CreatedAt),
		IsActive:  r.IsActive,
	}
}

// CreateTenant inserts a tenant. Names are unique across all tenants.
func (s *Store) CreateTenant(ctx context.Context, t channel.Tenant) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO tenants (id, name, created_at) VALUES (?, ?, ?)`),
		t.ID, t.Name, encodeTime(t.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: tenant name %q", ErrDuplicate, t.Name)
	}
	return err
}

// GetTenant returns a tenant by id, or channel.ErrTenantNotFound.
func (s *Store) GetTenant(ctx context.Context, id string) (*channel.Tenant, error) {
	var row tenantRow
	err := s.db.GetContext(ctx, &row,
		s.rebind(`SELECT id, name, created_at FROM tenants WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, channel.ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	t := row.toTenant()
	return &t, nil
}

// ListTenants returns all tenants, newest first.
func (s *Store) ListTenants(ctx context.Context) ([]channel.Tenant, error) {
	var rows []tenantRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, name, created_at FROM tenants ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	tenants := make([]channel.Tenant, len(rows))
	for i, r := range rows {
		tenants[i] = r.toTenant()
	}
	return tenants, nil
}

// DeleteTenant soft-revokes the tenant's keys, deletes its projects, then
// the tenant row, all in one transaction. The deletion is observationally
// atomic from the outside.
func (s *Store) DeleteTenant(ctx context.Context, id string) ([]string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var projectIDs []string
	if err := tx.SelectContext(ctx, &projectIDs,
		s.rebind(`SELECT id FROM projects WHERE tenant_id = ?`), id); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		s.rebind(`UPDATE api_keys SET is_active = FALSE WHERE tenant_id = ?`), id); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		s.rebind(`DELETE FROM projects WHERE tenant_id = ?`), id); err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM tenants WHERE id = ?`), id)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, channel.ErrTenantNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return projectIDs, nil
}

// CreateProject inserts a project. (tenant_id, name) is unique.
func (s *Store) CreateProject(ctx context.Context, p channel.Project) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO projects (id, tenant_id, name, created_at) VALUES (?, ?, ?, ?)`),
		p.ID, p.TenantID, p.Name, encodeTime(p.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: project name %q under tenant %s", ErrDuplicate, p.Name, p.TenantID)
	}
	return err
}

// GetProject returns a project by id, or channel.ErrProjectNotFound.
func (s *Store) GetProject(ctx context.Context, id string) (*channel.Project, error) {
	var row projectRow
	err := s.db.GetContext(ctx, &row,
		s.rebind(`SELECT id, tenant_id, name, created_at FROM projects WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, channel.ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	p := row.toProject()
	return &p, nil
}

// ListProjects returns the tenant's projects, newest first.
func (s *Store) ListProjects(ctx context.Context, tenantID string) ([]channel.Project, error) {
	var rows []projectRow
	err := s.db.SelectContext(ctx, &rows,
		s.rebind(`SELECT id, tenant_id, name, created_at FROM projects WHERE tenant_id = ? ORDER BY created_at DESC, id`),
		tenantID)
	if err != nil {
		return nil, err
	}
	projects := make([]channel.Project, len(rows))
	for i, r := range rows {
		projects[i] = r.toProject()
	}
	return projects, nil
}

// DeleteProject soft-revokes the project's keys and deletes the project row
// in one transaction.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		s.rebind(`UPDATE api_keys SET is_active = FALSE WHERE project_id = ?`), id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM projects WHERE id = ?`), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return channel.ErrProjectNotFound
	}
	return tx.Commit()
}

// InsertAPIKey stores a freshly minted key record.
func (s *Store) InsertAPIKey(ctx context.Context, k channel.APIKey) error {
	userID := sql.NullString{String: k.UserID, Valid: k.UserID != ""}
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO api_keys (key_id, key_hash, tenant_id, project_id, user_id, created_at, is_active)
		          VALUES (?, ?, ?, ?, ?, ?, ?)`),
		k.KeyID, k.KeyHash, k.TenantID, k.ProjectID, userID, encodeTime(k.CreatedAt), k.IsActive)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: key hash collision", ErrDuplicate)
	}
	return err
}

// GetAPIKeyByHash selects the unique active key matching the secret's hash.
// Inactive keys never authenticate.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*channel.APIKey, error) {
	var row apiKeyRow
	err := s.db.GetContext(ctx, &row,
		s.rebind(`SELECT key_id, key_hash, tenant_id, project_id, user_id, created_at, is_active
		          FROM api_keys WHERE key_hash = ? AND is_active = TRUE`), hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, channel.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	k := row.toAPIKey()
	return &k, nil
}

// RevokeAPIKey flips is_active off for the key. Returns false when the key
// is unknown or already inactive.
func (s *Store) RevokeAPIKey(ctx context.Context, keyID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE api_keys SET is_active = FALSE WHERE key_id = ? AND is_active = TRUE`), keyID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListAPIKeys returns the project's keys, newest first. Hashes travel inside
// the struct but are never serialized to callers.
func (s *Store) ListAPIKeys(ctx context.Context, projectID string) ([]channel.APIKey, error) {
	var rows []apiKeyRow
	err := s.db.SelectContext(ctx, &rows,
		s.rebind(`SELECT key_id, key_hash, tenant_id, project_id, user_id, created_at, is_active
		          FROM api_keys WHERE project_id = ? ORDER BY created_at DESC, key_id`), projectID)
	if err != nil {
		return nil, err
	}
	keys := make([]channel.APIKey, len(rows))
	for i, r := range rows {
		keys[i] = r.toAPIKey()
	}
	return keys, nil
}
