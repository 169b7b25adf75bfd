package channel

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// SecretPrefix is prepended to every minted key secret.
const SecretPrefix = "eng_"

// keyIDLen is the length of the public key handle (a prefix of the secret).
const keyIDLen = 12

// Sentinel errors for channel operations.
var (
	// ErrTenantNotFound is returned when a tenant id does not exist.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrProjectNotFound is returned when a project id does not exist or
	// does not belong to the given tenant.
	ErrProjectNotFound = errors.New("project not found")

	// ErrKeyNotFound is returned when a key_id does not exist or the key is
	// already revoked.
	ErrKeyNotFound = errors.New("api key not found")

	// ErrNameTaken indicates a tenant or project name uniqueness violation.
	ErrNameTaken = errors.New("name already taken")
)

// Store is the metadata-store surface the manager needs. The SQLite and
// Postgres stores in internal/metastore implement it.
type Store interface {
	CreateTenant(ctx context.Context, t Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	ListTenants(ctx context.Context) ([]Tenant, error)
	// DeleteTenant soft-revokes every key under the tenant, deletes its
	// projects, then the tenant row, in one transaction. Returns the ids of
	// the projects that were removed.
	DeleteTenant(ctx context.Context, id string) ([]string, error)

	CreateProject(ctx context.Context, p Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context, tenantID string) ([]Project, error)
	// DeleteProject soft-revokes the project's keys and deletes the project
	// row in one transaction.
	DeleteProject(ctx context.Context, id string) error

	InsertAPIKey(ctx context.Context, k APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	RevokeAPIKey(ctx context.Context, keyID string) (bool, error)
	ListAPIKeys(ctx context.Context, projectID string) ([]APIKey, error)
}

// VectorCleaner removes vector points belonging to a deleted scope.
// Cleanup is best-effort: inactive keys already make the data unreachable.
type VectorCleaner interface {
	DeleteByScope(ctx context.Context, tenantID, projectID string) error
}

// Manager owns the tenant → project → API key lifecycle.
type Manager struct {
	store   Store
	cleaner VectorCleaner
	logger  *zap.Logger
}

// NewManager creates a channel manager. cleaner may be nil in tests; vector
// cleanup is then skipped.
func NewManager(store Store, cleaner VectorCleaner, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, cleaner: cleaner, logger: logger}
}

// RegisterTenant creates a new tenant. Names are unique across all tenants.
func (m *Manager) RegisterTenant(ctx context.Context, name string) (*Tenant, error) {
	t := NewTenant(name)
	if err := m.store.CreateTenant(ctx, t); err != nil {
		return nil, err
	}
	m.logger.Info("registered tenant", zap.String("tenant_id", t.ID), zap.String("name", name))
	return &t, nil
}

// GetTenant returns a tenant by id, or ErrTenantNotFound.
func (m *Manager) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	return m.store.GetTenant(ctx, id)
}

// ListTenants returns all tenants, newest first.
func (m *Manager) ListTenants(ctx context.Context) ([]Tenant, error) {
	return m.store.ListTenants(ctx)
}

// DeleteTenant removes a tenant, its projects, and soft-revokes every key
// under it. Vector points of the deleted projects are cleaned best-effort;
// a cleanup failure is logged, not fatal.
func (m *Manager) DeleteTenant(ctx context.Context, id string) error {
	projectIDs, err := m.store.DeleteTenant(ctx, id)
	if err != nil {
		return err
	}
	for _, pid := range projectIDs {
		m.cleanupVectors(ctx, id, pid)
	}
	m.logger.Info("deleted tenant", zap.String("tenant_id", id), zap.Int("projects", len(projectIDs)))
	return nil
}

// CreateProject creates a project under an existing tenant.
func (m *Manager) CreateProject(ctx context.Context, tenantID, name string) (*Project, error) {
	if _, err := m.store.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	p := NewProject(tenantID, name)
	if err := m.store.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	m.logger.Info("created project",
		zap.String("project_id", p.ID),
		zap.String("tenant_id", tenantID),
		zap.String("name", name))
	return &p, nil
}

// ListProjects returns the tenant's projects, newest first.
func (m *Manager) ListProjects(ctx context.Context, tenantID string) ([]Project, error) {
	return m.store.ListProjects(ctx, tenantID)
}

// DeleteProject removes a project after verifying it belongs to tenantID.
// Its keys are soft-revoked; its vector points cleaned best-effort.
func (m *Manager) DeleteProject(ctx context.Context, projectID, tenantID string) error {
	p, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if p.TenantID != tenantID {
		return ErrProjectNotFound
	}
	if err := m.store.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	m.cleanupVectors(ctx, tenantID, projectID)
	m.logger.Info("deleted project", zap.String("project_id", projectID), zap.String("tenant_id", tenantID))
	return nil
}

// GenerateAPIKey mints a key under tenant/project, optionally bound to an
// end-user. The returned MintedKey carries the full secret exactly once.
func (m *Manager) GenerateAPIKey(ctx context.Context, tenantID, projectID, userID string) (*MintedKey, error) {
	if _, err := m.store.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	p, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.TenantID != tenantID {
		return nil, ErrProjectNotFound
	}

	secret, err := mintSecret()
	if err != nil {
		return nil, fmt.Errorf("minting secret: %w", err)
	}

	k := APIKey{
		KeyID:     secret[:keyIDLen],
		KeyHash:   HashSecret(secret),
		TenantID:  tenantID,
		ProjectID: projectID,
		UserID:    userID,
		CreatedAt: nowUTC(),
		IsActive:  true,
	}
	if err := m.store.InsertAPIKey(ctx, k); err != nil {
		return nil, err
	}

	m.logger.Info("generated api key",
		zap.String("key_id", k.KeyID),
		zap.String("tenant_id", tenantID),
		zap.String("project_id", projectID),
		zap.Bool("user_scoped", userID != ""))
	return &MintedKey{Secret: secret, APIKey: k}, nil
}

// Verify authenticates a secret. It returns the matching active key, or
// ErrKeyNotFound for unknown, revoked, or malformed secrets.
func (m *Manager) Verify(ctx context.Context, secret string) (*APIKey, error) {
	if secret == "" {
		return nil, ErrKeyNotFound
	}
	return m.store.GetAPIKeyByHash(ctx, HashSecret(secret))
}

// RevokeAPIKey deactivates a key by its public handle. Revoking an already
// revoked key reports revoked=false without error.
func (m *Manager) RevokeAPIKey(ctx context.Context, keyID string) (bool, error) {
	revoked, err := m.store.RevokeAPIKey(ctx, keyID)
	if err != nil {
		return false, err
	}
	if revoked {
		m.logger.Info("revoked api key", zap.String("key_id", keyID))
	}
	return revoked, nil
}

// ListAPIKeys returns the project's keys. Entries carry key_id and scope
// only; the secret is gone and the hash is never serialized.
func (m *Manager) ListAPIKeys(ctx context.Context, projectID string) ([]APIKey, error) {
	return m.store.ListAPIKeys(ctx, projectID)
}

func (m *Manager) cleanupVectors(ctx context.Context, tenantID, projectID string) {
	if m.cleaner == nil {
		return
	}
	if err := m.cleaner.DeleteByScope(ctx, tenantID, projectID); err != nil {
		m.logger.Warn("vector cleanup failed",
			zap.String("tenant_id", tenantID),
			zap.String("project_id", projectID),
			zap.Error(err))
	}
}

// mintSecret draws a 256-bit random secret formatted as
// eng_<urlsafe-base64>.
func mintSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return SecretPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashSecret computes the SHA-256 hex digest used as the authentication
// lookup index.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
