package httpapi

import (
	"errors"
	"net/http"

	"villagehub.org/internal/auth"
)

// requireSession authenticates the caller from the token cookie or Authorization
// header. Every failure produces the same 401 body.
func (a *API) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.TokenFromRequest(r)
		if token == "" {
			writeUnauthorized(w)
			return
		}
		id, err := a.auth.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthenticated) {
				writeUnauthorized(w)
				return
			}
			a.writeErr(w, r, err)
			return
		}
		ctx := auth.ContextWithIdentity(r.Context(), id)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireSuperadmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			writeUnauthorized(w)
			return
		}
		if id.Role != auth.RoleSuperadmin {
			writeError(w, r, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireInternal admits downstream services presenting the shared secret.
func (a *API) requireInternal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.internalKey.Check(r) {
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}
