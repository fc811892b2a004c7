// Package auth implements role-parameterized bearer token authorization
// for the HTTP API. Policy lives here, in front of the store's operations,
// never inside the data layer.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sequent/sequent/internal/config"
	"github.com/sequent/sequent/internal/errors"
)

// Role is the capability class of a caller.
type Role int

const (
	RoleNone Role = iota
	// RoleReader may run timeline and filter queries.
	RoleReader
	// RoleWriter may append records.
	RoleWriter
	// RoleAdmin may do everything, including archive triggers.
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleReader:
		return "reader"
	case RoleWriter:
		return "writer"
	case RoleAdmin:
		return "admin"
	default:
		return "none"
	}
}

// Can reports whether a caller holding r is allowed to act as required.
// Admin covers every role; reader and writer are disjoint capabilities.
func (r Role) Can(required Role) bool {
	if r == RoleAdmin {
		return true
	}
	return r == required && r != RoleNone
}

type contextKey string

const roleKey contextKey = "auth_role"

// Authorizer resolves bearer tokens to roles from static configuration.
type Authorizer struct {
	enabled bool
	tokens  map[string]Role
}

// NewAuthorizer builds an authorizer from the auth configuration. When
// authorization is disabled every caller resolves to admin.
func NewAuthorizer(cfg config.AuthConfig) *Authorizer {
	tokens := make(map[string]Role, 3)
	if cfg.WriterToken != "" {
		tokens[cfg.WriterToken] = RoleWriter
	}
	if cfg.ReaderToken != "" {
		tokens[cfg.ReaderToken] = RoleReader
	}
	if cfg.AdminToken != "" {
		tokens[cfg.AdminToken] = RoleAdmin
	}
	return &Authorizer{enabled: cfg.Enabled, tokens: tokens}
}

// Enabled reports whether callers must present a token.
func (a *Authorizer) Enabled() bool {
	return a.enabled
}

// Resolve maps a bearer token to its role.
func (a *Authorizer) Resolve(token string) (Role, error) {
	if !a.enabled {
		return RoleAdmin, nil
	}
	if token == "" {
		return RoleNone, errors.NewAuthError(errors.CodeMissingToken, "missing bearer token")
	}
	role, ok := a.tokens[token]
	if !ok {
		return RoleNone, errors.NewAuthError(errors.CodeUnknownToken, "unknown bearer token")
	}
	return role, nil
}

// TokenFromRequest extracts the bearer token from the Authorization header.
func TokenFromRequest(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Require returns middleware admitting only callers whose token resolves
// to a role covering required. With authorization disabled every caller
// passes as admin.
func (a *Authorizer) Require(required Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, err := a.Resolve(TokenFromRequest(r))
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, err)
				return
			}
			if !role.Can(required) {
				writeAuthError(w, http.StatusForbidden,
					errors.NewAuthError(errors.CodeForbidden, "role "+role.String()+" may not perform this operation"))
				return
			}
			ctx := context.WithValue(r.Context(), roleKey, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RoleFromContext returns the role the middleware resolved for this
// request, or RoleNone outside an authorized request.
func RoleFromContext(ctx context.Context) Role {
	if role, ok := ctx.Value(roleKey).(Role); ok {
		return role
	}
	return RoleNone
}

func writeAuthError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  errors.GetCode(err),
	})
}
