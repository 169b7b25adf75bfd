// Package memory implements the dual-store memory engine: an authoritative
// relational metadata store paired with a vector index, kept consistent by
// writing metadata first and compensating when the vector write fails.
package memory

import (
	"fmt"
	"time"
)

// Type classifies a memory fragment.
type Type string

const (
	// TypeFactual holds objective facts about the user or the world.
	TypeFactual Type = "factual"

	// TypePreference holds subjective likes and dislikes.
	TypePreference Type = "preference"

	// TypeEpisodic holds concrete interaction events.
	TypeEpisodic Type = "episodic"

	// TypeSession holds conversational log messages.
	TypeSession Type = "session"
)

// ParseType validates and converts a memory type string.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeFactual, TypePreference, TypeEpisodic, TypeSession:
		return Type(s), nil
	}
	return "", fmt.Errorf("%w: unknown memory_type %q", ErrInvalidType, s)
}

// Role is the message role for session fragments.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole validates and converts a role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAssistant, RoleSystem:
		return Role(s), nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidType, s)
}

// Scope is the (tenant, project, user) triple every memory operation is bound
// to. It is produced exactly once per request by scope resolution; no engine
// operation may cross it.
type Scope struct {
	TenantID  string
	ProjectID string
	UserID    string
}

// Fragment is one unit of remembered text with its metadata.
type Fragment struct {
	ID         string         `db:"id" json:"id"`
	TenantID   string         `db:"tenant_id" json:"-"`
	ProjectID  string         `db:"project_id" json:"-"`
	UserID     string         `db:"user_id" json:"user_id"`
	Type       Type           `db:"memory_type" json:"memory_type"`
	Content    string         `db:"content" json:"content"`
	Role       Role           `db:"role" json:"role,omitempty"`
	SessionID  string         `db:"session_id" json:"session_id,omitempty"`
	Tags       []string       `json:"tags"`
	Importance float64        `db:"importance" json:"importance"`
	HitCount   int64          `db:"hit_count" json:"hit_count"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at" json:"updated_at"`
}

// ScoredFragment is a search hit: a hydrated fragment plus the vector index's
// similarity score, passed through unmodified.
type ScoredFragment struct {
	Fragment
	Score float32 `json:"score"`
}

// Stats summarizes a user's stored fragments, computed entirely from the
// metadata store.
type Stats struct {
	Total  int64            `json:"total"`
	ByType map[string]int64 `json:"by_type"`
}

// Update is the partial-update field set for a fragment. Nil fields are left
// untouched. Only these four fields are updatable; any other field name is
// rejected before a statement is built.
type Update struct {
	Content    *string
	Tags       []string
	Importance *float64
	Metadata   map[string]any
}

// Empty reports whether the update carries no changes.
func (u Update) Empty() bool {
	return u.Content == nil && u.Tags == nil && u.Importance == nil && u.Metadata == nil
}
