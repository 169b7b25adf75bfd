package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/engrama/internal/channel"
)

const (
	headerAPIKey     = "X-API-Key"
	headerAdminToken = "X-Admin-Token"

	authContextKey = "engrama.apikey"
)

// publicPaths bypass admission entirely.
var publicPaths = map[string]bool{
	"/":        true,
	"/health":  true,
	"/metrics": true,
	"/docs":    true,
}

// admission is the single gate every non-public request passes through:
// rate limiting first, then the admin token for the channel-management
// surface, then API-key authentication for everything else.
func (s *Server) admission(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		path := c.Path()
		if publicPaths[path] {
			return next(c)
		}

		ctx := c.Request().Context()

		// Identity for limiting: the presented key, else the client IP.
		// Unauthenticated callers share an IP budget.
		identity := c.Request().Header.Get(headerAPIKey)
		if identity == "" {
			identity = c.RealIP()
		}
		allowed, err := s.limiter.Allow(ctx, identity)
		if err != nil {
			// Fail open: a broken limiter must not take the API down.
			s.logger.Warn("rate limiter unavailable", zap.Error(err))
		} else if !allowed {
			return errRateLimited
		}

		if strings.HasPrefix(path, "/v1/channels") {
			return s.requireAdmin(c, next)
		}
		return s.requireAPIKey(c, next)
	}
}

// requireAdmin gates channel management behind the configured admin token.
// A missing header is an authentication failure; a presented-but-wrong token
// is forbidden. Fail closed: with no token configured, every presented token
// is wrong.
func (s *Server) requireAdmin(c echo.Context, next echo.HandlerFunc) error {
	presented := c.Request().Header.Get(headerAdminToken)
	if presented == "" {
		return fmt.Errorf("%w: missing %s header", errUnauthorized, headerAdminToken)
	}
	if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(s.adminToken)) != 1 {
		return fmt.Errorf("%w: admin token mismatch", errForbidden)
	}
	return next(c)
}

// requireAPIKey authenticates the request's API key and stores the verified
// record for scope resolution.
func (s *Server) requireAPIKey(c echo.Context, next echo.HandlerFunc) error {
	secret := c.Request().Header.Get(headerAPIKey)
	if secret == "" {
		return fmt.Errorf("%w: missing %s header", errUnauthorized, headerAPIKey)
	}

	key, err := s.manager.Verify(c.Request().Context(), secret)
	if err != nil {
		if errors.Is(err, channel.ErrKeyNotFound) {
			return fmt.Errorf("%w: unknown or revoked key", errUnauthorized)
		}
		return err
	}

	c.Set(authContextKey, key)
	return next(c)
}

// apiKey returns the verified key attached by admission.
func apiKey(c echo.Context) (*channel.APIKey, error) {
	key, ok := c.Get(authContextKey).(*channel.APIKey)
	if !ok || key == nil {
		return nil, errUnauthorized
	}
	return key, nil
}
