package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/engrama/internal/channel"
	"github.com/fyrsmithlabs/engrama/internal/memory"
	"github.com/fyrsmithlabs/engrama/internal/metastore"
)

// Admission and resolution errors raised inside this package.
var (
	errUnauthorized    = errors.New("invalid or missing credentials")
	errForbidden       = errors.New("forbidden")
	errUserIDRequired  = errors.New("user_id is required for project-scoped keys")
	errUserKeyRequired = errors.New("a user-scoped key is required")
	errRateLimited     = errors.New("rate limit exceeded")
)

// errorBody is the uniform error envelope: a stable machine-readable kind
// plus a human-readable detail.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// validationError marks a request that failed field validation. It carries
// the detail shown to the caller.
type validationError struct {
	detail string
}

func (e *validationError) Error() string { return e.detail }

func invalidf(format string, args ...any) error {
	return &validationError{detail: fmt.Sprintf(format, args...)}
}

// httpError maps any error from the handlers to (status, kind).
func httpError(err error) (int, string) {
	var ve *validationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, metastore.ErrDuplicate), errors.Is(err, memory.ErrInvalidType):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, errUserIDRequired), errors.Is(err, errUserKeyRequired):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, memory.ErrNotFound),
		errors.Is(err, channel.ErrTenantNotFound),
		errors.Is(err, channel.ErrProjectNotFound),
		errors.Is(err, channel.ErrKeyNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, memory.ErrVectorWriteFailed):
		return http.StatusInternalServerError, "vector_write_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// errorHandler renders every error in the uniform envelope, including
// echo's own HTTPErrors from middleware and routing.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, kind := httpError(err)
	detail := err.Error()

	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		switch status {
		case http.StatusNotFound:
			kind = "not_found"
		case http.StatusMethodNotAllowed, http.StatusBadRequest:
			kind = "bad_request"
		default:
			kind = "internal_error"
		}
		if msg, ok := he.Message.(string); ok {
			detail = msg
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		// Internal details stay in the log.
		detail = "internal error"
		if kind == "vector_write_failed" {
			detail = "vector store write failed"
		}
	}

	if jsonErr := c.JSON(status, errorBody{Error: kind, Detail: detail}); jsonErr != nil {
		s.logger.Error("writing error response failed", zap.Error(jsonErr))
	}
}
