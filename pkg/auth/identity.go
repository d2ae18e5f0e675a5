// Package auth resolves credentials into identities. Users live in an
// in-memory directory with bcrypt password hashes; sessions and commands
// carry HS256 JWTs.
package auth

import (
	"errors"

	"github.com/uhyunpark/instruction-desk/pkg/instruction"
)

// ErrAuth is returned for any credential that cannot be resolved to an
// identity. Callers never learn which part was wrong.
var ErrAuth = errors.New("authentication failed")

// Identity is an authenticated caller.
type Identity struct {
	UserID   int64            `json:"id"`
	Username string           `json:"username"`
	Role     instruction.Role `json:"role"`
	Org      string           `json:"org,omitempty"`
}

// System is the in-process actor used by the dispatcher.
var System = Identity{Username: "system", Role: instruction.RoleSystem}

// Authenticator resolves an opaque bearer token.
type Authenticator interface {
	ResolveToken(token string) (Identity, error)
}
