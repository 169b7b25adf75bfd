package server

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/engrama/internal/channel"
	"github.com/fyrsmithlabs/engrama/internal/memory"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
	defaultListLimit   = 100
	maxListLimit       = 1000
)

// limits caps caller-supplied field sizes; values come from config.
type limits struct {
	maxContentLength int
	maxNameLength    int
	maxTags          int
}

// clampLimit normalizes a caller-supplied result limit: absent takes the
// default, out-of-range values are clamped rather than rejected.
func clampLimit(v, def, max int) int {
	switch {
	case v == 0:
		return def
	case v < 1:
		return 1
	case v > max:
		return max
	}
	return v
}

// decodeJSON binds a request body, rejecting malformed JSON with a
// validation error.
func decodeJSON(c echo.Context, v any) error {
	if err := json.NewDecoder(c.Request().Body).Decode(v); err != nil {
		return invalidf("invalid JSON body: %v", err)
	}
	return nil
}

// decodeJSONStrict additionally rejects unknown fields. Used for updates,
// where a misspelled field name must not silently no-op.
func decodeJSONStrict(c echo.Context, v any) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalidf("invalid JSON body: %v", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return invalidf("invalid JSON body: trailing data")
	}
	return nil
}

type createMemoryRequest struct {
	UserID     string         `json:"user_id"`
	Type       string         `json:"memory_type"`
	Content    string         `json:"content"`
	Role       string         `json:"role"`
	SessionID  string         `json:"session_id"`
	Tags       []string       `json:"tags"`
	Importance float64        `json:"importance"`
	Metadata   map[string]any `json:"metadata"`
}

func (r createMemoryRequest) params(lim limits) (memory.AddParams, error) {
	var p memory.AddParams

	content := strings.TrimSpace(r.Content)
	if content == "" {
		return p, invalidf("content is required")
	}
	if len(r.Content) > lim.maxContentLength {
		return p, invalidf("content exceeds %d characters", lim.maxContentLength)
	}

	memType, err := memory.ParseType(r.Type)
	if err != nil {
		return p, err
	}

	var role memory.Role
	if r.Role != "" {
		role, err = memory.ParseRole(r.Role)
		if err != nil {
			return p, invalidf("%v", err)
		}
	}

	if memType == memory.TypeSession && r.SessionID == "" {
		return p, invalidf("session_id is required for session memories")
	}
	if len(r.Tags) > lim.maxTags {
		return p, invalidf("at most %d tags allowed", lim.maxTags)
	}
	if r.Importance < 0 || r.Importance > 1 {
		return p, invalidf("importance must be between 0 and 1")
	}

	return memory.AddParams{
		Type:       memType,
		Content:    r.Content,
		Role:       role,
		SessionID:  r.SessionID,
		Tags:       r.Tags,
		Importance: r.Importance,
		Metadata:   r.Metadata,
	}, nil
}

type addMessageRequest struct {
	UserID   string         `json:"user_id"`
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

func (r addMessageRequest) validate(lim limits) (memory.Role, error) {
	if strings.TrimSpace(r.Content) == "" {
		return "", invalidf("content is required")
	}
	if len(r.Content) > lim.maxContentLength {
		return "", invalidf("content exceeds %d characters", lim.maxContentLength)
	}
	role, err := memory.ParseRole(r.Role)
	if err != nil {
		return "", invalidf("%v", err)
	}
	return role, nil
}

type searchRequest struct {
	UserID    string `json:"user_id"`
	Query     string `json:"query"`
	Type      string `json:"memory_type"`
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit"`
}

func (r searchRequest) validate() (memory.Type, int, error) {
	if strings.TrimSpace(r.Query) == "" {
		return "", 0, invalidf("query is required")
	}
	var memType memory.Type
	if r.Type != "" {
		var err error
		memType, err = memory.ParseType(r.Type)
		if err != nil {
			return "", 0, err
		}
	}
	return memType, clampLimit(r.Limit, defaultSearchLimit, maxSearchLimit), nil
}

type updateMemoryRequest struct {
	UserID     string         `json:"user_id"`
	Content    *string        `json:"content"`
	Tags       []string       `json:"tags"`
	Importance *float64       `json:"importance"`
	Metadata   map[string]any `json:"metadata"`
}

func (r updateMemoryRequest) update(lim limits) (memory.Update, error) {
	u := memory.Update{
		Content:    r.Content,
		Tags:       r.Tags,
		Importance: r.Importance,
		Metadata:   r.Metadata,
	}
	if u.Empty() {
		return u, invalidf("update carries no changes")
	}
	if u.Content != nil {
		if strings.TrimSpace(*u.Content) == "" {
			return u, invalidf("content cannot be empty")
		}
		if len(*u.Content) > lim.maxContentLength {
			return u, invalidf("content exceeds %d characters", lim.maxContentLength)
		}
	}
	if len(u.Tags) > lim.maxTags {
		return u, invalidf("at most %d tags allowed", lim.maxTags)
	}
	if u.Importance != nil && (*u.Importance < 0 || *u.Importance > 1) {
		return u, invalidf("importance must be between 0 and 1")
	}
	return u, nil
}

type createTenantRequest struct {
	Name string `json:"name"`
}

type createProjectRequest struct {
	Name string `json:"name"`
}

func validateName(name string, lim limits) error {
	if strings.TrimSpace(name) == "" {
		return invalidf("name is required")
	}
	if len(name) > lim.maxNameLength {
		return invalidf("name exceeds %d characters", lim.maxNameLength)
	}
	return nil
}

type createKeyRequest struct {
	UserID string `json:"user_id"`
}

// mintedKeyResponse is the one-time key creation response carrying the full
// secret. The secret is never retrievable again.
type mintedKeyResponse struct {
	Key string `json:"key"`
	channel.APIKey
}

type searchResponse struct {
	Results []memory.ScoredFragment `json:"results"`
	Total   int                     `json:"total"`
}

type listResponse struct {
	Memories []memory.Fragment `json:"memories"`
	Count    int               `json:"count"`
}

type historyResponse struct {
	SessionID string            `json:"session_id"`
	Messages  []memory.Fragment `json:"messages"`
	Total     int               `json:"total"`
}

type deleteResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

type statsResponse struct {
	UserID        string           `json:"user_id"`
	TotalMemories int64            `json:"total_memories"`
	ByType        map[string]int64 `json:"by_type"`
}
