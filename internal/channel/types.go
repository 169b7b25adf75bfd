// Package channel manages the identity hierarchy: tenants, their projects,
// and the API keys minted under them. Key secrets are hashed at rest and
// returned to the caller exactly once.
package channel

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tenant is the root of ownership. Deleting it cascades to all descendants.
type Tenant struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Project is a business line under a tenant. (tenant_id, name) is unique.
type Project struct {
	ID        string    `db:"id" json:"id"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// APIKey is the persisted record of a minted key. KeyID is the short public
// handle (the secret's first 12 characters); KeyHash is the SHA-256 hex of
// the full secret and is the sole authentication lookup index. The secret
// itself is never stored.
//
// UserID present marks a user-scoped key (C-side); absent marks a
// project-scoped key (B-side).
type APIKey struct {
	KeyID     string    `db:"key_id" json:"key_id"`
	KeyHash   string    `db:"key_hash" json:"-"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	ProjectID string    `db:"project_id" json:"project_id"`
	UserID    string    `db:"user_id" json:"user_id,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	IsActive  bool      `db:"is_active" json:"is_active"`
}

// MintedKey is the one-time creation result carrying the full secret.
// It is returned once and never persisted or retrievable afterward.
type MintedKey struct {
	Secret string
	APIKey
}

// NewTenant constructs a tenant with a fresh id.
func NewTenant(name string) Tenant {
	return Tenant{ID: newID(), Name: name, CreatedAt: nowUTC()}
}

// NewProject constructs a project with a fresh id.
func NewProject(tenantID, name string) Project {
	return Project{ID: newID(), TenantID: tenantID, Name: name, CreatedAt: nowUTC()}
}

// newID generates a 32-char hex id (UUIDv4 without dashes).
func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
