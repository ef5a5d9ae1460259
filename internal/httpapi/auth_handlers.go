package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"villagehub.org/internal/audit"
	"villagehub.org/internal/auth"
	"villagehub.org/internal/ratelimit"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expires_at"`
	Admin     auth.Identity `json:"admin"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeErr(w, r, err)
		return
	}
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "username and password are required")
		return
	}

	if wait, ok := a.allowLogin(r, username); !ok {
		secs := int(wait.Seconds()) + 1
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, r, http.StatusTooManyRequests, "too many login attempts")
		return
	}

	res, err := a.auth.Login(r.Context(), username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			_ = audit.LogEvent(r.Context(), "auth.login.failed", map[string]any{"username": username})
		}
		a.writeErr(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.TokenCookie,
		Value:    res.Token,
		Path:     "/",
		Expires:  res.ExpiresAt,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	ctx := auth.ContextWithIdentity(r.Context(), res.Identity)
	_ = audit.LogEvent(ctx, "auth.login", map[string]any{"expires_at": res.ExpiresAt.Format(time.RFC3339)})

	writeJSON(w, http.StatusOK, loginResponse{Token: res.Token, ExpiresAt: res.ExpiresAt, Admin: res.Identity})
}

// allowLogin counts the attempt against both the username+address and the username
// buckets. It returns the longer wait when either is exhausted.
func (a *API) allowLogin(r *http.Request, username string) (time.Duration, bool) {
	now := time.Now()
	perAddr := a.loginLimiter.Allow(r.Context(), "login:"+username+"|"+clientIP(r), a.loginLimit)
	perUser := a.loginLimiter.Allow(r.Context(), "login-user:"+username, a.loginUser)
	if perAddr.Allowed && perUser.Allowed {
		return 0, true
	}
	wait := time.Duration(0)
	for _, d := range []ratelimit.Decision{perAddr, perUser} {
		if !d.Allowed && d.RetryAfter(now) > wait {
			wait = d.RetryAfter(now)
		}
	}
	return wait, false
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, _ := auth.TokenFromContext(r.Context())
	if err := a.auth.Logout(r.Context(), token); err != nil {
		a.writeErr(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.TokenCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	_ = audit.LogEvent(r.Context(), "auth.logout", nil)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"admin": id})
}
