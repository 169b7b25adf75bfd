package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/engrama/internal/channel"
)

type tenantsResponse struct {
	Tenants []channel.Tenant `json:"tenants"`
	Count   int              `json:"count"`
}

type projectsResponse struct {
	Projects []channel.Project `json:"projects"`
	Count    int               `json:"count"`
}

type keysResponse struct {
	Keys  []channel.APIKey `json:"keys"`
	Count int              `json:"count"`
}

func (s *Server) handleCreateTenant(c echo.Context) error {
	var req createTenantRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	if err := validateName(req.Name, s.limits); err != nil {
		return err
	}

	t, err := s.manager.RegisterTenant(c.Request().Context(), req.Name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleListTenants(c echo.Context) error {
	tenants, err := s.manager.ListTenants(c.Request().Context())
	if err != nil {
		return err
	}
	if tenants == nil {
		tenants = []channel.Tenant{}
	}
	return c.JSON(http.StatusOK, tenantsResponse{Tenants: tenants, Count: len(tenants)})
}

func (s *Server) handleGetTenant(c echo.Context) error {
	t, err := s.manager.GetTenant(c.Request().Context(), c.Param("tenant_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleDeleteTenant(c echo.Context) error {
	id := c.Param("tenant_id")
	if err := s.manager.DeleteTenant(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, deleteResponse{Status: "deleted", ID: id})
}

func (s *Server) handleCreateProject(c echo.Context) error {
	var req createProjectRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	if err := validateName(req.Name, s.limits); err != nil {
		return err
	}

	p, err := s.manager.CreateProject(c.Request().Context(), c.Param("tenant_id"), req.Name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleListProjects(c echo.Context) error {
	tenantID := c.Param("tenant_id")
	if _, err := s.manager.GetTenant(c.Request().Context(), tenantID); err != nil {
		return err
	}
	projects, err := s.manager.ListProjects(c.Request().Context(), tenantID)
	if err != nil {
		return err
	}
	if projects == nil {
		projects = []channel.Project{}
	}
	return c.JSON(http.StatusOK, projectsResponse{Projects: projects, Count: len(projects)})
}

func (s *Server) handleDeleteProject(c echo.Context) error {
	projectID := c.Param("project_id")
	if err := s.manager.DeleteProject(c.Request().Context(), projectID, c.Param("tenant_id")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, deleteResponse{Status: "deleted", ID: projectID})
}

func (s *Server) handleCreateKey(c echo.Context) error {
	// The body is optional: absent means a project-scoped key.
	var req createKeyRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return invalidf("invalid JSON body: %v", err)
	}

	minted, err := s.manager.GenerateAPIKey(c.Request().Context(),
		c.Param("tenant_id"), c.Param("project_id"), req.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, mintedKeyResponse{Key: minted.Secret, APIKey: minted.APIKey})
}

func (s *Server) handleListKeys(c echo.Context) error {
	keys, err := s.manager.ListAPIKeys(c.Request().Context(), c.Param("project_id"))
	if err != nil {
		return err
	}
	if keys == nil {
		keys = []channel.APIKey{}
	}
	return c.JSON(http.StatusOK, keysResponse{Keys: keys, Count: len(keys)})
}

func (s *Server) handleRevokeKey(c echo.Context) error {
	keyID := c.Param("key_id")
	revoked, err := s.manager.RevokeAPIKey(c.Request().Context(), keyID)
	if err != nil {
		return err
	}
	if !revoked {
		return channel.ErrKeyNotFound
	}
	return c.JSON(http.StatusOK, deleteResponse{Status: "revoked", ID: keyID})
}
