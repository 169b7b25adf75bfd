package server

import (
	"fmt"

	"github.com/fyrsmithlabs/engrama/internal/channel"
	"github.com/fyrsmithlabs/engrama/internal/memory"
)

// resolveScope fuses the authenticated key with the request's user_id into
// the scope every memory operation runs under.
//
// A user-scoped key pins the user: a request may omit user_id or repeat the
// bound value, but naming anyone else is forbidden. A project-scoped key has
// no bound user, so the request must say which user it acts for.
func resolveScope(key *channel.APIKey, requestUserID string) (memory.Scope, error) {
	scope := memory.Scope{TenantID: key.TenantID, ProjectID: key.ProjectID}

	if key.UserID != "" {
		if requestUserID != "" && requestUserID != key.UserID {
			return memory.Scope{}, fmt.Errorf("%w: key bound to a different user", errForbidden)
		}
		scope.UserID = key.UserID
		return scope, nil
	}

	if requestUserID == "" {
		return memory.Scope{}, errUserIDRequired
	}
	scope.UserID = requestUserID
	return scope, nil
}
