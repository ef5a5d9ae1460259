package auth

import "strings"

// Scope is the village a request acts on. An empty VillageID means unscoped, which
// only a platform role can obtain.
type Scope struct {
	VillageID string
	// Fixed is true when the village comes from the identity rather than the request.
	Fixed bool
}

// ResolveScope derives the effective village for id. A pinned village always wins over
// requested; only platform roles without a village fall back to requested.
func ResolveScope(id Identity, requested string) (Scope, error) {
	if id.HasVillage() {
		return Scope{VillageID: strings.TrimSpace(id.VillageID), Fixed: true}, nil
	}
	if !id.Role.Platform() {
		return Scope{}, ErrForbidden
	}
	return Scope{VillageID: strings.TrimSpace(requested)}, nil
}

// Require returns the village id, or ErrScopeRequired for an unscoped request.
func (s Scope) Require() (string, error) {
	if s.VillageID == "" {
		return "", ErrScopeRequired
	}
	return s.VillageID, nil
}

// Allows reports whether a resource owned by villageID is inside the scope.
func (s Scope) Allows(villageID string) bool {
	if s.VillageID == "" {
		return false
	}
	return s.VillageID == strings.TrimSpace(villageID)
}
