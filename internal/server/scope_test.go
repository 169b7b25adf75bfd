package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/engrama/internal/channel"
	"github.com/fyrsmithlabs/engrama/internal/memory"
)

func TestResolveScope(t *testing.T) {
	userKey := &channel.APIKey{TenantID: "t1", ProjectID: "p1", UserID: "u1"}
	projectKey := &channel.APIKey{TenantID: "t1", ProjectID: "p1"}

	tests := []struct {
		name          string
		key           *channel.APIKey
		requestUserID string
		want          memory.Scope
		wantErr       error
	}{
		{
			name: "user key without request user",
			key:  userKey,
			want: memory.Scope{TenantID: "t1", ProjectID: "p1", UserID: "u1"},
		},
		{
			name:          "user key repeating bound user",
			key:           userKey,
			requestUserID: "u1",
			want:          memory.Scope{TenantID: "t1", ProjectID: "p1", UserID: "u1"},
		},
		{
			name:          "user key naming another user",
			key:           userKey,
			requestUserID: "u2",
			wantErr:       errForbidden,
		},
		{
			name:          "project key with request user",
			key:           projectKey,
			requestUserID: "u7",
			want:          memory.Scope{TenantID: "t1", ProjectID: "p1", UserID: "u7"},
		},
		{
			name:    "project key without request user",
			key:     projectKey,
			wantErr: errUserIDRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scope, err := resolveScope(tt.key, tt.requestUserID)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, scope)
		})
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		name string
		v    int
		want int
	}{
		{"absent takes default", 0, 10},
		{"negative clamps to one", -5, 1},
		{"in range passes through", 42, 42},
		{"over max clamps to max", 500, 100},
		{"max itself passes", 100, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clampLimit(tt.v, 10, 100))
		})
	}
}

func TestCreateMemoryRequestParams(t *testing.T) {
	lim := limits{maxContentLength: 100, maxNameLength: 50, maxTags: 3}

	tests := []struct {
		name    string
		req     createMemoryRequest
		wantErr string
	}{
		{
			name: "valid factual",
			req:  createMemoryRequest{Type: "factual", Content: "likes coffee"},
		},
		{
			name:    "blank content",
			req:     createMemoryRequest{Type: "factual", Content: "   "},
			wantErr: "content is required",
		},
		{
			name:    "content too long",
			req:     createMemoryRequest{Type: "factual", Content: string(make([]byte, 101))},
			wantErr: "content exceeds",
		},
		{
			name:    "unknown type",
			req:     createMemoryRequest{Type: "imaginary", Content: "x"},
			wantErr: "unknown memory_type",
		},
		{
			name:    "session without session id",
			req:     createMemoryRequest{Type: "session", Content: "hi", Role: "user"},
			wantErr: "session_id is required",
		},
		{
			name:    "too many tags",
			req:     createMemoryRequest{Type: "factual", Content: "x", Tags: []string{"a", "b", "c", "d"}},
			wantErr: "at most 3 tags",
		},
		{
			name:    "importance out of range",
			req:     createMemoryRequest{Type: "factual", Content: "x", Importance: 1.5},
			wantErr: "importance must be between",
		},
		{
			name:    "bad role",
			req:     createMemoryRequest{Type: "session", Content: "x", SessionID: "s1", Role: "narrator"},
			wantErr: "unknown role",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.req.params(lim)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, memory.Type(tt.req.Type), p.Type)
			assert.Equal(t, tt.req.Content, p.Content)
		})
	}
}

func TestUpdateMemoryRequestUpdate(t *testing.T) {
	lim := limits{maxContentLength: 100, maxTags: 3}
	content := "new content"
	blank := "  "
	tooMuch := 1.2

	tests := []struct {
		name    string
		req     updateMemoryRequest
		wantErr string
	}{
		{
			name: "content only",
			req:  updateMemoryRequest{Content: &content},
		},
		{
			name:    "empty update",
			req:     updateMemoryRequest{},
			wantErr: "no changes",
		},
		{
			name:    "blank content",
			req:     updateMemoryRequest{Content: &blank},
			wantErr: "content cannot be empty",
		},
		{
			name:    "importance out of range",
			req:     updateMemoryRequest{Importance: &tooMuch},
			wantErr: "importance must be between",
		},
		{
			name:    "too many tags",
			req:     updateMemoryRequest{Tags: []string{"a", "b", "c", "d"}},
			wantErr: "at most 3 tags",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.req.update(lim)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}
