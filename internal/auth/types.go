// Package auth protects the HTTP API with users declared in the
// configuration. Requests authenticate with HTTP basic credentials or a
// bearer token obtained from the login endpoint.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Role decides which requests a user may make.
type Role string

const (
	// RoleViewer may only read.
	RoleViewer Role = "viewer"
	// RoleOperator may also start, stop, restart and type into daemons.
	RoleOperator Role = "operator"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrPermissionDenied   = errors.New("permission denied")
)

// ParseRole accepts "viewer" or "operator".
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleViewer, RoleOperator:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Allows reports whether the role may issue an HTTP method.
func (r Role) Allows(method string) bool {
	switch r {
	case RoleOperator:
		return true
	case RoleViewer:
		return method == http.MethodGet || method == http.MethodHead
	}
	return false
}

// User is one configured API account.
type User struct {
	Username     string
	PasswordHash string // bcrypt
	Role         Role
}

// Result is the identity of an authenticated request.
type Result struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// Token represents a JWT token
type Token struct {
	Type      string    `json:"type"`  // "Bearer"
	Value     string    `json:"value"` // JWT token string
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginRequest exchanges a username and password for a Token.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
