package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fyrsmithlabs/engrama/internal/memory"
)

type fragmentRow struct {
	ID         string         `db:"id"`
	TenantID   string         `db:"tenant_id"`
	ProjectID  string         `db:"project_id"`
	UserID     string         `db:"user_id"`
	Type       string         `db:"memory_type"`
	Content    string         `db:"content"`
	Role       sql.NullString `db:"role"`
	SessionID  sql.NullString `db:"session_id"`
	Tags       sql.NullString `db:"tags"`
	Importance float64        `db:"importance"`
	HitCount   int64          `db:"hit_count"`
	Metadata   sql.NullString `db:"metadata"`
	CreatedAt  string         `db:"created_at"`
	UpdatedAt  string         `db:"updated_at"`
}

func (r fragmentRow) toFragment() (memory.Fragment, error) {
	f := memory.Fragment{
		ID:         r.ID,
		TenantID:   r.TenantID,
		ProjectID:  r.ProjectID,
		UserID:     r.UserID,
		Type:       memory.Type(r.Type),
		Content:    r.Content,
		Role:       memory.Role(r.Role.String),
		SessionID:  r.SessionID.String,
		Tags:       []string{},
		Importance: r.Importance,
		HitCount:   r.HitCount,
		CreatedAt:  decodeTime(r.CreatedAt),
		UpdatedAt:  decodeTime(r.UpdatedAt),
	}
	if r.Tags.Valid && r.Tags.String != "" {
		if err := json.Unmarshal([]byte(r.Tags.String), &f.Tags); err != nil {
			return f, err
		}
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		if err := json.Unmarshal([]byte(r.Metadata.String), &f.Metadata); err != nil {
			return f, err
		}
	}
	return f, nil
}

func encodeJSON(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case []string:
		if t == nil {
			return sql.NullString{}, nil
		}
	case map[string]any:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// InsertFragment writes a fragment row. This is always the first write of
// the dual-store protocol.
func (s *Store) InsertFragment(ctx context.Context, f memory.Fragment) error {
	tags, err := encodeJSON(f.Tags)
	if err != nil {
		return err
	}
	meta, err := encodeJSON(f.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO memory_fragments
		          (id, tenant_id, project_id, user_id, memory_type, content, role, session_id,
		           tags, importance, hit_count, metadata, created_at, updated_at)
		          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		f.ID, f.TenantID, f.ProjectID, f.UserID, string(f.Type), f.Content,
		sql.NullString{String: string(f.Role), Valid: f.Role != ""},
		sql.NullString{String: f.SessionID, Valid: f.SessionID != ""},
		tags, f.Importance, f.HitCount, meta,
		encodeTime(f.CreatedAt), encodeTime(f.UpdatedAt))
	return err
}

// GetFragment returns a fragment by id, or memory.ErrNotFound.
func (s *Store) GetFragment(ctx context.Context, id string) (*memory.Fragment, error) {
	var row fragmentRow
	err := s.db.GetContext(ctx, &row,
		s.rebind(`SELECT * FROM memory_fragments WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f, err := row.toFragment()
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetFragments bulk-reads fragments by id for search hydration. Missing ids
// are simply absent from the result; the caller drops them.
func (s *Store) GetFragments(ctx context.Context, ids []string) ([]memory.Fragment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT * FROM memory_fragments WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []fragmentRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, err
	}
	fragments := make([]memory.Fragment, 0, len(rows))
	for _, r := range rows {
		f, err := r.toFragment()
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, f)
	}
	return fragments, nil
}

// UpdateFragment applies the whitelisted partial update and advances
// updated_at. Returns false when no row matched.
func (s *Store) UpdateFragment(ctx context.Context, id string, u memory.Update, updatedAt time.Time) (bool, error) {
	set := make([]string, 0, 5)
	args := make([]any, 0, 6)
	if u.Content != nil {
		set = append(set, "content = ?")
		args = append(args, *u.Content)
	}
	if u.Tags != nil {
		tags, err := encodeJSON(u.Tags)
		if err != nil {
			return false, err
		}
		set = append(set, "tags = ?")
		args = append(args, tags)
	}
	if u.Importance != nil {
		set = append(set, "importance = ?")
		args = append(args, *u.Importance)
	}
	if u.Metadata != nil {
		meta, err := encodeJSON(u.Metadata)
		if err != nil {
			return false, err
		}
		set = append(set, "metadata = ?")
		args = append(args, meta)
	}
	set = append(set, "updated_at = ?")
	args = append(args, encodeTime(updatedAt), id)

	query := "UPDATE memory_fragments SET " + strings.Join(set, ", ") + " WHERE id = ?"
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteFragment removes a fragment row. Returns true iff a row was deleted.
func (s *Store) DeleteFragment(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM memory_fragments WHERE id = ?`), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// IncrementHitCounts bumps hit_count for every id in one statement.
// Best-effort from the engine's point of view; counters need not be
// linearizable.
func (s *Store) IncrementHitCounts(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE memory_fragments SET hit_count = hit_count + 1 WHERE id IN (?)`, ids)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

// UserStats counts the scope's fragments, total and per type. The vector
// index is an index, not a ground-truth count.
func (s *Store) UserStats(ctx context.Context, scope memory.Scope) (*memory.Stats, error) {
	type typeCount struct {
		Type  string `db:"memory_type"`
		Count int64  `db:"count"`
	}
	var counts []typeCount
	err := s.db.SelectContext(ctx, &counts,
		s.rebind(`SELECT memory_type, COUNT(*) AS count FROM memory_fragments
		          WHERE tenant_id = ? AND project_id = ? AND user_id = ?
		          GROUP BY memory_type`),
		scope.TenantID, scope.ProjectID, scope.UserID)
	if err != nil {
		return nil, err
	}
	stats := &memory.Stats{ByType: make(map[string]int64, len(counts))}
	for _, c := range counts {
		stats.ByType[c.Type] = c.Count
		stats.Total += c.Count
	}
	return stats, nil
}
