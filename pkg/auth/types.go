// Package auth provides user identity types and JWT session token
// issuance for the Dealscope API.
package auth

import (
	"time"
)

// Role is a user's role within an organization
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

// Valid reports whether the role is a known value
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleMember
}

// User is an account identified by email. Users are provisioned either
// by invitation or just-in-time during an SSO login.
type User struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	FirstName        string     `json:"first_name"`
	LastName         string     `json:"last_name"`
	RefreshTokenHash string     `json:"-"`
	LastLoginAt      *time.Time `json:"last_login_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Membership links a user to an organization with a role
type Membership struct {
	OrgID     string    `json:"org_id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// TokenPair is the access/refresh token pair returned on login
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}
