package auth

import (
	"context"
	"strings"
	"time"
)

// Role is the dashboard role of an admin.
type Role string

const (
	RoleSuperadmin   Role = "superadmin"
	RoleVillageAdmin Role = "village_admin"
	RoleAdmin        Role = "admin"
)

// ParseRole normalizes raw into a known role.
func ParseRole(raw string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(raw))); r {
	case RoleSuperadmin, RoleVillageAdmin, RoleAdmin:
		return r, true
	default:
		return "", false
	}
}

// Platform reports whether the role may act without a fixed village.
func (r Role) Platform() bool { return r == RoleSuperadmin }

// Identity is the admin acting on a request. VillageID is empty for platform roles.
type Identity struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
	VillageID   string `json:"village_id,omitempty"`
}

// HasVillage reports whether the identity is pinned to a village.
func (i Identity) HasVillage() bool { return strings.TrimSpace(i.VillageID) != "" }

// Admin is an Identity together with its credential hash. Only the login flow reads it.
type Admin struct {
	Identity
	PasswordHash string
}

// Session is a persisted login. TokenHash is the SHA-256 hex of the bearer token.
type Session struct {
	TokenHash string
	AdminID   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Live reports whether the session is usable at now. Expiry is strict.
func (s Session) Live(now time.Time) bool { return s.ExpiresAt.After(now) }

// SessionStore persists sessions keyed by token hash.
type SessionStore interface {
	CreateSession(ctx context.Context, s Session) error
	// FindSession returns the session joined with its admin, or ErrSessionNotFound.
	FindSession(ctx context.Context, tokenHash string) (Session, Identity, error)
	DeleteSession(ctx context.Context, tokenHash string) error
	PurgeExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}

// AdminStore looks up admins for login.
type AdminStore interface {
	FindAdminByUsername(ctx context.Context, username string) (Admin, error)
}

// VillageStore answers whether a tenant exists.
type VillageStore interface {
	VillageExists(ctx context.Context, id string) (bool, error)
}
