package channel

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	tenants  map[string]Tenant
	projects map[string]Project
	keys     map[string]APIKey // by key_id

	insertKeyErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tenants:  make(map[string]Tenant),
		projects: make(map[string]Project),
		keys:     make(map[string]APIKey),
	}
}

func (s *fakeStore) CreateTenant(_ context.Context, t Tenant) error {
	s.tenants[t.ID] = t
	return nil
}

func (s *fakeStore) GetTenant(_ context.Context, id string) (*Tenant, error) {
	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return &t, nil
}

func (s *fakeStore) ListTenants(context.Context) ([]Tenant, error) {
	out := make([]Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	return out, nil
}

func (s *fakeStore) DeleteTenant(_ context.Context, id string) ([]string, error) {
	if _, ok := s.tenants[id]; !ok {
		return nil, ErrTenantNotFound
	}
	delete(s.tenants, id)
	var projectIDs []string
	for pid, p := range s.projects {
		if p.TenantID == id {
			projectIDs = append(projectIDs, pid)
			delete(s.projects, pid)
		}
	}
	for kid, k := range s.keys {
		if k.TenantID == id {
			k.IsActive = false
			s.keys[kid] = k
		}
	}
	return projectIDs, nil
}

func (s *fakeStore) CreateProject(_ context.Context, p Project) error {
	s.projects[p.ID] = p
	return nil
}

func (s *fakeStore) GetProject(_ context.Context, id string) (*Project, error) {
	p, ok := s.projects[id]
	if !ok {
		return nil, ErrProjectNotFound
	}
	return &p, nil
}

func (s *fakeStore) ListProjects(_ context.Context, tenantID string) ([]Project, error) {
	var out []Project
	for _, p := range s.projects {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteProject(_ context.Context, id string) error {
	if _, ok := s.projects[id]; !ok {
		return ErrProjectNotFound
	}
	delete(s.projects, id)
	for kid, k := range s.keys {
		if k.ProjectID == id {
			k.IsActive = false
			s.keys[kid] = k
		}
	}
	return nil
}

func (s *fakeStore) InsertAPIKey(_ context.Context, k APIKey) error {
	if s.insertKeyErr != nil {
		return s.insertKeyErr
	}
	s.keys[k.KeyID] = k
	return nil
}

func (s *fakeStore) GetAPIKeyByHash(_ context.Context, hash string) (*APIKey, error) {
	for _, k := range s.keys {
		if k.KeyHash == hash && k.IsActive {
			return &k, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *fakeStore) RevokeAPIKey(_ context.Context, keyID string) (bool, error) {
	k, ok := s.keys[keyID]
	if !ok || !k.IsActive {
		return false, nil
	}
	k.IsActive = false
	s.keys[keyID] = k
	return true, nil
}

func (s *fakeStore) ListAPIKeys(_ context.Context, projectID string) ([]APIKey, error) {
	var out []APIKey
	for _, k := range s.keys {
		if k.ProjectID == projectID {
			out = append(out, k)
		}
	}
	return out, nil
}

type fakeCleaner struct {
	calls [][2]string
	err   error
}

func (c *fakeCleaner) DeleteByScope(_ context.Context, tenantID, projectID string) error {
	c.calls = append(c.calls, [2]string{tenantID, projectID})
	return c.err
}

func seedScope(t *testing.T, m *Manager) (Tenant, Project) {
	t.Helper()
	ctx := context.Background()
	tenant, err := m.RegisterTenant(ctx, "acme")
	require.NoError(t, err)
	project, err := m.CreateProject(ctx, tenant.ID, "support")
	require.NoError(t, err)
	return *tenant, *project
}

func TestGenerateAPIKey(t *testing.T) {
	store := newFakeStore()
	m := NewManager(store, nil, nil)
	tenant, project := seedScope(t, m)
	ctx := context.Background()

	minted, err := m.GenerateAPIKey(ctx, tenant.ID, project.ID, "u1")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(minted.Secret, SecretPrefix))
	assert.Equal(t, minted.Secret[:keyIDLen], minted.KeyID)
	assert.Equal(t, HashSecret(minted.Secret), minted.KeyHash)
	assert.Equal(t, "u1", minted.UserID)
	assert.True(t, minted.IsActive)

	// The stored record carries the hash, never the secret.
	stored := store.keys[minted.KeyID]
	assert.Equal(t, minted.KeyHash, stored.KeyHash)
	assert.NotContains(t, stored.KeyHash, minted.Secret)

	// Two mints never collide.
	second, err := m.GenerateAPIKey(ctx, tenant.ID, project.ID, "")
	require.NoError(t, err)
	assert.NotEqual(t, minted.Secret, second.Secret)
	assert.Empty(t, second.UserID)
}

func TestGenerateAPIKeyScopeChecks(t *testing.T) {
	store := newFakeStore()
	m := NewManager(store, nil, nil)
	tenant, project := seedScope(t, m)
	ctx := context.Background()

	_, err := m.GenerateAPIKey(ctx, "missing", project.ID, "")
	require.ErrorIs(t, err, ErrTenantNotFound)

	_, err = m.GenerateAPIKey(ctx, tenant.ID, "missing", "")
	require.ErrorIs(t, err, ErrProjectNotFound)

	// A project under a different tenant is invisible.
	other, err := m.RegisterTenant(ctx, "other")
	require.NoError(t, err)
	_, err = m.GenerateAPIKey(ctx, other.ID, project.ID, "")
	require.ErrorIs(t, err, ErrProjectNotFound)
}

func TestVerify(t *testing.T) {
	store := newFakeStore()
	m := NewManager(store, nil, nil)
	tenant, project := seedScope(t, m)
	ctx := context.Background()

	minted, err := m.GenerateAPIKey(ctx, tenant.ID, project.ID, "u1")
	require.NoError(t, err)

	key, err := m.Verify(ctx, minted.Secret)
	require.NoError(t, err)
	assert.Equal(t, minted.KeyID, key.KeyID)
	assert.Equal(t, "u1", key.UserID)

	_, err = m.Verify(ctx, "")
	require.ErrorIs(t, err, ErrKeyNotFound)
	_, err = m.Verify(ctx, "eng_not-a-real-secret")
	require.ErrorIs(t, err, ErrKeyNotFound)

	revoked, err := m.RevokeAPIKey(ctx, minted.KeyID)
	require.NoError(t, err)
	assert.True(t, revoked)

	_, err = m.Verify(ctx, minted.Secret)
	require.ErrorIs(t, err, ErrKeyNotFound)

	// Revoking again reports false without error.
	revoked, err = m.RevokeAPIKey(ctx, minted.KeyID)
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestDeleteTenantCleansVectors(t *testing.T) {
	store := newFakeStore()
	cleaner := &fakeCleaner{}
	m := NewManager(store, cleaner, nil)
	tenant, project := seedScope(t, m)
	ctx := context.Background()

	second, err := m.CreateProject(ctx, tenant.ID, "billing")
	require.NoError(t, err)

	require.NoError(t, m.DeleteTenant(ctx, tenant.ID))

	require.Len(t, cleaner.calls, 2)
	cleaned := map[string]bool{}
	for _, call := range cleaner.calls {
		assert.Equal(t, tenant.ID, call[0])
		cleaned[call[1]] = true
	}
	assert.True(t, cleaned[project.ID])
	assert.True(t, cleaned[second.ID])
}

func TestDeleteProject(t *testing.T) {
	store := newFakeStore()
	cleaner := &fakeCleaner{err: errors.New("qdrant down")}
	m := NewManager(store, cleaner, nil)
	tenant, project := seedScope(t, m)
	ctx := context.Background()

	// Ownership check: the project must belong to the named tenant.
	other, err := m.RegisterTenant(ctx, "other")
	require.NoError(t, err)
	require.ErrorIs(t, m.DeleteProject(ctx, project.ID, other.ID), ErrProjectNotFound)

	// Cleanup failure is not fatal.
	require.NoError(t, m.DeleteProject(ctx, project.ID, tenant.ID))
	require.Len(t, cleaner.calls, 1)

	_, err = store.GetProject(ctx, project.ID)
	require.ErrorIs(t, err, ErrProjectNotFound)
}

func TestHashSecretIsDeterministic(t *testing.T) {
	assert.Equal(t, HashSecret("eng_abc"), HashSecret("eng_abc"))
	assert.NotEqual(t, HashSecret("eng_abc"), HashSecret("eng_abd"))
	assert.Len(t, HashSecret("eng_abc"), 64)
}
