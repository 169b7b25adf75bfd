package metastore

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/engrama/internal/channel"
	"go.uber.org/zap"
)

// schemaSQLite and schemaPostgres differ only in boolean column types.
const schemaSQLite = `
CREATE TABLE IF NOT EXISTS tenants (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL UNIQUE,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL,
    name       TEXT NOT NULL,
    created_at TEXT NOT NULL,
    UNIQUE (tenant_id, name),
    FOREIGN KEY (tenant_id) REFERENCES tenants(id)
);

CREATE TABLE IF NOT EXISTS api_keys (
    key_id     TEXT PRIMARY KEY,
    key_hash   TEXT NOT NULL UNIQUE,
    tenant_id  TEXT NOT NULL,
    project_id TEXT NOT NULL,
    user_id    TEXT DEFAULT NULL,
    created_at TEXT NOT NULL,
    is_active  INTEGER NOT NULL DEFAULT 1,
    FOREIGN KEY (tenant_id) REFERENCES tenants(id),
    FOREIGN KEY (project_id) REFERENCES projects(id)
);

CREATE TABLE IF NOT EXISTS memory_fragments (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    project_id  TEXT NOT NULL,
    user_id     TEXT NOT NULL,
    memory_type TEXT NOT NULL,
    content     TEXT NOT NULL,
    role        TEXT,
    session_id  TEXT,
    tags        TEXT,
    importance  REAL NOT NULL DEFAULT 0.0,
    hit_count   INTEGER NOT NULL DEFAULT 0,
    metadata    TEXT,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_projects_tenant ON projects(tenant_id);
CREATE INDEX IF NOT EXISTS idx_api_keys_tenant ON api_keys(tenant_id);
CREATE INDEX IF NOT EXISTS idx_api_keys_project ON api_keys(project_id);
CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash);
CREATE INDEX IF NOT EXISTS idx_memory_fragments_user ON memory_fragments(tenant_id, project_id, user_id);
CREATE INDEX IF NOT EXISTS idx_memory_fragments_session ON memory_fragments(session_id);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS tenants (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL UNIQUE,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL REFERENCES tenants(id),
    name       TEXT NOT NULL,
    created_at TEXT NOT NULL,
    UNIQUE (tenant_id, name)
);

CREATE TABLE IF NOT EXISTS api_keys (
    key_id     TEXT PRIMARY KEY,
    key_hash   TEXT NOT NULL UNIQUE,
    tenant_id  TEXT NOT NULL REFERENCES tenants(id),
    project_id TEXT NOT NULL REFERENCES projects(id),
    user_id    TEXT DEFAULT NULL,
    created_at TEXT NOT NULL,
    is_active  BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS memory_fragments (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    project_id  TEXT NOT NULL,
    user_id     TEXT NOT NULL,
    memory_type TEXT NOT NULL,
    content     TEXT NOT NULL,
    role        TEXT,
    session_id  TEXT,
    tags        TEXT,
    importance  DOUBLE PRECISION NOT NULL DEFAULT 0.0,
    hit_count   BIGINT NOT NULL DEFAULT 0,
    metadata    TEXT,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_projects_tenant ON projects(tenant_id);
CREATE INDEX IF NOT EXISTS idx_api_keys_tenant ON api_keys(tenant_id);
CREATE INDEX IF NOT EXISTS idx_api_keys_project ON api_keys(project_id);
CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash);
CREATE INDEX IF NOT EXISTS idx_memory_fragments_user ON memory_fragments(tenant_id, project_id, user_id);
CREATE INDEX IF NOT EXISTS idx_memory_fragments_session ON memory_fragments(session_id);
`

// migrate creates the schema if missing and upgrades any legacy api_keys
// table (clear-text full_key column) to the hashed (key_id, key_hash) shape.
// Safe to run on every startup.
func (s *Store) migrate(ctx context.Context) error {
	if err := s.migrateLegacyAPIKeys(ctx); err != nil {
		return err
	}

	schema := schemaSQLite
	if s.dialect == dialectPostgres {
		schema = schemaPostgres
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}
	return nil
}

// migrateLegacyAPIKeys backfills key_hash on api_keys tables created before
// secrets were hashed at rest. The legacy shape stored the clear secret in a
// full_key column; its hash becomes the new lookup index and the clear
// column is abandoned (never read again).
func (s *Store) migrateLegacyAPIKeys(ctx context.Context) error {
	cols, err := s.tableColumns(ctx, "api_keys")
	if err != nil {
		return err
	}
	if len(cols) == 0 || cols["key_hash"] {
		return nil // no table yet, or already migrated
	}
	if !cols["full_key"] {
		return fmt.Errorf("api_keys table has neither key_hash nor full_key; manual migration required")
	}

	s.logger.Info("migrating legacy api_keys table to hashed secrets")

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `ALTER TABLE api_keys ADD COLUMN key_hash TEXT`); err != nil {
		return fmt.Errorf("adding key_hash column: %w", err)
	}

	type legacyKey struct {
		KeyID   string `db:"key_id"`
		FullKey string `db:"full_key"`
	}
	var keys []legacyKey
	if err := tx.SelectContext(ctx, &keys, `SELECT key_id, full_key FROM api_keys`); err != nil {
		return fmt.Errorf("reading legacy keys: %w", err)
	}
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx,
			s.rebind(`UPDATE api_keys SET key_hash = ? WHERE key_id = ?`),
			channel.HashSecret(k.FullKey), k.KeyID,
		); err != nil {
			return fmt.Errorf("backfilling key_hash for %s: %w", k.KeyID, err)
		}
	}

	// ALTER TABLE ADD COLUMN cannot carry a UNIQUE constraint, so the
	// migrated table gets its uniqueness from an index instead.
	if _, err := tx.ExecContext(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_api_keys_hash_unique ON api_keys(key_hash)`); err != nil {
		return fmt.Errorf("enforcing key_hash uniqueness: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Info("legacy api_keys migration complete", zap.Int("keys", len(keys)))
	return nil
}

// tableColumns returns the column set of a table, or an empty map if the
// table does not exist.
func (s *Store) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	cols := make(map[string]bool)
	switch s.dialect {
	case dialectSQLite:
		rows, err := s.db.QueryxContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				cid, notnull, pk int
				name, ctype      string
				dflt             any
			)
			if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
				return nil, err
			}
			cols[name] = true
		}
		return cols, rows.Err()
	default:
		var names []string
		err := s.db.SelectContext(ctx, &names,
			`SELECT column_name FROM information_schema.columns WHERE table_name = $1`, table)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			cols[n] = true
		}
		return cols, nil
	}
}
