package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/engrama/internal/memory"
)

func (s *Server) handleCreateMemory(c echo.Context) error {
	key, err := apiKey(c)
	if err != nil {
		return err
	}

	var req createMemoryRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	scope, err := resolveScope(key, req.UserID)
	if err != nil {
		return err
	}
	params, err := req.params(s.limits)
	if err != nil {
		return err
	}

	f, err := s.engine.Add(c.Request().Context(), scope, params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, f)
}

func (s *Server) handleSearchMemories(c echo.Context) error {
	key, err := apiKey(c)
	if err != nil {
		return err
	}

	var req searchRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	scope, err := resolveScope(key, req.UserID)
	if err != nil {
		return err
	}
	memType, limit, err := req.validate()
	if err != nil {
		return err
	}

	results, err := s.engine.Search(c.Request().Context(), scope, req.Query, memType, req.SessionID, limit)
	if err != nil {
		return err
	}
	if results == nil {
		results = []memory.ScoredFragment{}
	}
	return c.JSON(http.StatusOK, searchResponse{Results: results, Total: len(results)})
}

func (s *Server) handleListMemories(c echo.Context) error {
	key, err := apiKey(c)
	if err != nil {
		return err
	}
	scope, err := resolveScope(key, c.QueryParam("user_id"))
	if err != nil {
		return err
	}

	var memType memory.Type
	if raw := c.QueryParam("memory_type"); raw != "" {
		memType, err = memory.ParseType(raw)
		if err != nil {
			return err
		}
	}
	limit := clampLimit(queryInt(c, "limit"), defaultListLimit, maxListLimit)

	fragments, err := s.engine.List(c.Request().Context(), scope, memType, limit)
	if err != nil {
		return err
	}
	if fragments == nil {
		fragments = []memory.Fragment{}
	}
	return c.JSON(http.StatusOK, listResponse{Memories: fragments, Count: len(fragments)})
}

func (s *Server) handleUpdateMemory(c echo.Context) error {
	key, err := apiKey(c)
	if err != nil {
		return err
	}

	var req updateMemoryRequest
	if err := decodeJSONStrict(c, &req); err != nil {
		return err
	}
	scope, err := resolveScope(key, req.UserID)
	if err != nil {
		return err
	}
	u, err := req.update(s.limits)
	if err != nil {
		return err
	}

	f, err := s.engine.Update(c.Request().Context(), scope, c.Param("id"), u)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, f)
}

func (s *Server) handleDeleteMemory(c echo.Context) error {
	key, err := apiKey(c)
	if err != nil {
		return err
	}
	scope, err := resolveScope(key, c.QueryParam("user_id"))
	if err != nil {
		return err
	}

	id := c.Param("id")
	if err := s.engine.Delete(c.Request().Context(), scope, id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, deleteResponse{Status: "deleted", ID: id})
}

func (s *Server) handleAddMessage(c echo.Context) error {
	key, err := apiKey(c)
	if err != nil {
		return err
	}

	var req addMessageRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	scope, err := resolveScope(key, req.UserID)
	if err != nil {
		return err
	}
	role, err := req.validate(s.limits)
	if err != nil {
		return err
	}

	f, err := s.engine.AddMessage(c.Request().Context(), scope, c.Param("session_id"), role, req.Content, req.Metadata)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, f)
}

func (s *Server) handleSessionHistory(c echo.Context) error {
	key, err := apiKey(c)
	if err != nil {
		return err
	}
	scope, err := resolveScope(key, c.QueryParam("user_id"))
	if err != nil {
		return err
	}

	sessionID := c.Param("session_id")
	limit := clampLimit(queryInt(c, "limit"), defaultListLimit, maxListLimit)

	messages, err := s.engine.History(c.Request().Context(), scope, sessionID, limit)
	if err != nil {
		return err
	}
	if messages == nil {
		messages = []memory.Fragment{}
	}
	return c.JSON(http.StatusOK, historyResponse{SessionID: sessionID, Messages: messages, Total: len(messages)})
}

// handleMyStats answers for the key's bound user. Project-scoped keys have
// no "me" and are rejected.
func (s *Server) handleMyStats(c echo.Context) error {
	key, err := apiKey(c)
	if err != nil {
		return err
	}
	if key.UserID == "" {
		return fmt.Errorf("%w for /users/me", errUserKeyRequired)
	}
	return s.stats(c, memory.Scope{TenantID: key.TenantID, ProjectID: key.ProjectID, UserID: key.UserID})
}

func (s *Server) handleUserStats(c echo.Context) error {
	key, err := apiKey(c)
	if err != nil {
		return err
	}
	scope, err := resolveScope(key, c.Param("user_id"))
	if err != nil {
		return err
	}
	return s.stats(c, scope)
}

func (s *Server) stats(c echo.Context, scope memory.Scope) error {
	stats, err := s.engine.Stats(c.Request().Context(), scope)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, statsResponse{
		UserID:        scope.UserID,
		TotalMemories: stats.Total,
		ByType:        stats.ByType,
	})
}

func queryInt(c echo.Context, name string) int {
	v, err := strconv.Atoi(c.QueryParam(name))
	if err != nil {
		return 0
	}
	return v
}
