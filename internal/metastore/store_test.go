package metastore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/engrama/internal/channel"
	"github.com/fyrsmithlabs/engrama/internal/memory"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(),
		"sqlite://"+filepath.Join(t.TempDir(), "engrama.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedTenantProject(t *testing.T, s *Store) (channel.Tenant, channel.Project) {
	t.Helper()
	ctx := context.Background()
	tenant := channel.NewTenant("tenant-" + t.Name())
	require.NoError(t, s.CreateTenant(ctx, tenant))
	project := channel.NewProject(tenant.ID, "project-"+t.Name())
	require.NoError(t, s.CreateProject(ctx, project))
	return tenant, project
}

func testFragment(tenantID, projectID, userID string) memory.Fragment {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return memory.Fragment{
		ID:         strings.ReplaceAll(uuid.NewString(), "-", ""),
		TenantID:   tenantID,
		ProjectID:  projectID,
		UserID:     userID,
		Type:       memory.TypeFactual,
		Content:    "user lives in Lisbon",
		Tags:       []string{"location"},
		Importance: 0.5,
		Metadata:   map[string]any{"source": "chat"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestOpen_UnsupportedURI(t *testing.T) {
	_, err := Open(context.Background(), "mysql://localhost/engrama", nil)
	require.ErrorIs(t, err, ErrUnsupportedURI)
}

func TestTenantCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tenant := channel.NewTenant("acme")
	require.NoError(t, s.CreateTenant(ctx, tenant))

	got, err := s.GetTenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.Name, got.Name)
	assert.True(t, got.CreatedAt.Equal(tenant.CreatedAt))

	// Names are globally unique.
	err = s.CreateTenant(ctx, channel.NewTenant("acme"))
	require.ErrorIs(t, err, ErrDuplicate)

	_, err = s.GetTenant(ctx, "missing")
	require.ErrorIs(t, err, channel.ErrTenantNotFound)

	tenants, err := s.ListTenants(ctx)
	require.NoError(t, err)
	assert.Len(t, tenants, 1)
}

func TestProjectCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant, project := seedTenantProject(t, s)

	got, err := s.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, got.TenantID)

	// Duplicate name under the same tenant.
	err = s.CreateProject(ctx, channel.NewProject(tenant.ID, project.Name))
	require.ErrorIs(t, err, ErrDuplicate)

	// Same name under another tenant is fine.
	other := channel.NewTenant("other")
	require.NoError(t, s.CreateTenant(ctx, other))
	require.NoError(t, s.CreateProject(ctx, channel.NewProject(other.ID, project.Name)))

	projects, err := s.ListProjects(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Len(t, projects, 1)

	_, err = s.GetProject(ctx, "missing")
	require.ErrorIs(t, err, channel.ErrProjectNotFound)
}

func TestDeleteTenantCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant, project := seedTenantProject(t, s)

	secret := "eng_cascade-test-secret"
	require.NoError(t, s.InsertAPIKey(ctx, channel.APIKey{
		KeyID:     secret[:12],
		KeyHash:   channel.HashSecret(secret),
		TenantID:  tenant.ID,
		ProjectID: project.ID,
		CreatedAt: time.Now().UTC(),
		IsActive:  true,
	}))

	projectIDs, err := s.DeleteTenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{project.ID}, projectIDs)

	_, err = s.GetTenant(ctx, tenant.ID)
	require.ErrorIs(t, err, channel.ErrTenantNotFound)
	_, err = s.GetProject(ctx, project.ID)
	require.ErrorIs(t, err, channel.ErrProjectNotFound)

	// The key is revoked, not erased.
	_, err = s.GetAPIKeyByHash(ctx, channel.HashSecret(secret))
	require.ErrorIs(t, err, channel.ErrKeyNotFound)
	keys, err := s.ListAPIKeys(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.False(t, keys[0].IsActive)

	_, err = s.DeleteTenant(ctx, tenant.ID)
	require.ErrorIs(t, err, channel.ErrTenantNotFound)
}

func TestDeleteProjectRevokesKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant, project := seedTenantProject(t, s)

	secret := "eng_project-delete-secret"
	require.NoError(t, s.InsertAPIKey(ctx, channel.APIKey{
		KeyID:     secret[:12],
		KeyHash:   channel.HashSecret(secret),
		TenantID:  tenant.ID,
		ProjectID: project.ID,
		CreatedAt: time.Now().UTC(),
		IsActive:  true,
	}))

	require.NoError(t, s.DeleteProject(ctx, project.ID))

	_, err := s.GetAPIKeyByHash(ctx, channel.HashSecret(secret))
	require.ErrorIs(t, err, channel.ErrKeyNotFound)

	require.ErrorIs(t, s.DeleteProject(ctx, project.ID), channel.ErrProjectNotFound)
}

func TestAPIKeyLookupAndRevocation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant, project := seedTenantProject(t, s)

	secret := "eng_lookup-test-secret"
	key := channel.APIKey{
		KeyID:     secret[:12],
		KeyHash:   channel.HashSecret(secret),
		TenantID:  tenant.ID,
		ProjectID: project.ID,
		UserID:    "u1",
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
		IsActive:  true,
	}
	require.NoError(t, s.InsertAPIKey(ctx, key))

	// Hash uniqueness.
	dup := key
	dup.KeyID = "another-keyid"
	require.ErrorIs(t, s.InsertAPIKey(ctx, dup), ErrDuplicate)

	got, err := s.GetAPIKeyByHash(ctx, key.KeyHash)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.True(t, got.IsActive)

	_, err = s.GetAPIKeyByHash(ctx, channel.HashSecret("eng_wrong"))
	require.ErrorIs(t, err, channel.ErrKeyNotFound)

	revoked, err := s.RevokeAPIKey(ctx, key.KeyID)
	require.NoError(t, err)
	assert.True(t, revoked)

	// Inactive keys never authenticate, and a second revoke is a no-op.
	_, err = s.GetAPIKeyByHash(ctx, key.KeyHash)
	require.ErrorIs(t, err, channel.ErrKeyNotFound)
	revoked, err = s.RevokeAPIKey(ctx, key.KeyID)
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestFragmentCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f := testFragment("t1", "p1", "u1")
	f.Role = memory.RoleUser
	f.SessionID = "sess-1"
	require.NoError(t, s.InsertFragment(ctx, f))

	got, err := s.GetFragment(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, f.Content, got.Content)
	assert.Equal(t, f.Tags, got.Tags)
	assert.Equal(t, f.Metadata, got.Metadata)
	assert.Equal(t, memory.RoleUser, got.Role)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.True(t, got.CreatedAt.Equal(f.CreatedAt))

	_, err = s.GetFragment(ctx, "missing")
	require.ErrorIs(t, err, memory.ErrNotFound)

	deleted, err := s.DeleteFragment(ctx, f.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.DeleteFragment(ctx, f.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestGetFragmentsSkipsMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testFragment("t1", "p1", "u1")
	b := testFragment("t1", "p1", "u1")
	require.NoError(t, s.InsertFragment(ctx, a))
	require.NoError(t, s.InsertFragment(ctx, b))

	fragments, err := s.GetFragments(ctx, []string{a.ID, "missing", b.ID})
	require.NoError(t, err)
	assert.Len(t, fragments, 2)

	fragments, err = s.GetFragments(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, fragments)
}

func TestUpdateFragmentPartial(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f := testFragment("t1", "p1", "u1")
	require.NoError(t, s.InsertFragment(ctx, f))

	content := "user moved to Porto"
	importance := 0.9
	later := f.UpdatedAt.Add(time.Minute)
	updated, err := s.UpdateFragment(ctx, f.ID,
		memory.Update{Content: &content, Importance: &importance}, later)
	require.NoError(t, err)
	assert.True(t, updated)

	got, err := s.GetFragment(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, content, got.Content)
	assert.Equal(t, importance, got.Importance)
	assert.True(t, got.UpdatedAt.Equal(later))
	// Untouched fields survive.
	assert.Equal(t, f.Tags, got.Tags)
	assert.True(t, got.CreatedAt.Equal(f.CreatedAt))

	updated, err = s.UpdateFragment(ctx, "missing", memory.Update{Content: &content}, later)
	require.NoError(t, err)
	assert.False(t, updated)
}

func TestIncrementHitCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testFragment("t1", "p1", "u1")
	b := testFragment("t1", "p1", "u1")
	require.NoError(t, s.InsertFragment(ctx, a))
	require.NoError(t, s.InsertFragment(ctx, b))

	require.NoError(t, s.IncrementHitCounts(ctx, []string{a.ID, b.ID}))
	require.NoError(t, s.IncrementHitCounts(ctx, []string{a.ID}))
	require.NoError(t, s.IncrementHitCounts(ctx, nil))

	got, err := s.GetFragment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.HitCount)
	got, err = s.GetFragment(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.HitCount)
}

func TestUserStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, memType := range []memory.Type{memory.TypeFactual, memory.TypeFactual, memory.TypePreference} {
		f := testFragment("t1", "p1", "u1")
		f.Type = memType
		require.NoError(t, s.InsertFragment(ctx, f))
	}
	// Another user's fragment stays out of the count.
	require.NoError(t, s.InsertFragment(ctx, testFragment("t1", "p1", "u2")))

	stats, err := s.UserStats(ctx, memory.Scope{TenantID: "t1", ProjectID: "p1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.ByType["factual"])
	assert.Equal(t, int64(1), stats.ByType["preference"])

	empty, err := s.UserStats(ctx, memory.Scope{TenantID: "t1", ProjectID: "p1", UserID: "nobody"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty.Total)
}

func TestMigrateLegacyAPIKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	// Lay down the pre-hashing shape: the clear secret in a full_key column.
	db, err := sqlx.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE api_keys (
			key_id     TEXT PRIMARY KEY,
			full_key   TEXT NOT NULL,
			tenant_id  TEXT NOT NULL,
			project_id TEXT NOT NULL,
			user_id    TEXT DEFAULT NULL,
			created_at TEXT NOT NULL,
			is_active  INTEGER NOT NULL DEFAULT 1
		)`)
	require.NoError(t, err)

	secret := "eng_legacy-clear-secret"
	_, err = db.Exec(
		`INSERT INTO api_keys (key_id, full_key, tenant_id, project_id, created_at, is_active)
		 VALUES (?, ?, ?, ?, ?, 1)`,
		secret[:12], secret, "t1", "p1", time.Now().UTC().Format(time.RFC3339Nano))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Opening the store runs the migration.
	s, err := Open(context.Background(), "sqlite://"+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	got, err := s.GetAPIKeyByHash(context.Background(), channel.HashSecret(secret))
	require.NoError(t, err)
	assert.Equal(t, secret[:12], got.KeyID)
	assert.Equal(t, "t1", got.TenantID)

	// The migrated table enforces hash uniqueness like a fresh one.
	dup := channel.APIKey{
		KeyID:     "anotherkeyid",
		KeyHash:   channel.HashSecret(secret),
		TenantID:  "t1",
		ProjectID: "p1",
		CreatedAt: time.Now().UTC(),
		IsActive:  true,
	}
	require.ErrorIs(t, s.InsertAPIKey(context.Background(), dup), ErrDuplicate)

	// A second open is a no-op.
	s2, err := Open(context.Background(), "sqlite://"+path, nil)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}
