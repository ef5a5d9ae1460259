package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const defaultSessionTTL = 12 * time.Hour

// Authenticator answers "is this caller currently signed in". A token is necessary but
// not sufficient: it must also have a live session record.
type Authenticator struct {
	verifier *Verifier
	sessions SessionStore
	admins   AdminStore
	ttl      time.Duration
	now      func() time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithSessionTTL sets how long new sessions stay valid.
func WithSessionTTL(ttl time.Duration) Option {
	return func(a *Authenticator) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(a *Authenticator) {
		if fn != nil {
			a.now = fn
		}
	}
}

// NewAuthenticator wires the token verifier with the session and admin stores.
func NewAuthenticator(v *Verifier, sessions SessionStore, admins AdminStore, opts ...Option) (*Authenticator, error) {
	if v == nil || sessions == nil {
		return nil, errors.New("auth: verifier and session store are required")
	}
	a := &Authenticator{
		verifier: v,
		sessions: sessions,
		admins:   admins,
		ttl:      defaultSessionTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Authenticate resolves token to the identity owning its live session. Missing,
// malformed, expired or revoked credentials all return ErrUnauthenticated.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return Identity{}, ErrUnauthenticated
	}
	sess, id, err := a.sessions.FindSession(ctx, HashToken(NormalizeCredential(token)))
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return Identity{}, ErrUnauthenticated
		}
		return Identity{}, fmt.Errorf("load session: %w", err)
	}
	if !sess.Live(a.now()) {
		return Identity{}, ErrUnauthenticated
	}
	if id.ID != claims.AdminID() || sess.AdminID != id.ID {
		return Identity{}, ErrUnauthenticated
	}
	return id, nil
}

// LoginResult is a freshly created session.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Identity  Identity
}

// Login checks the password of username and opens a new session.
func (a *Authenticator) Login(ctx context.Context, username, password string) (LoginResult, error) {
	if a.admins == nil {
		return LoginResult{}, errors.New("auth: admin store not configured")
	}
	username = strings.TrimSpace(strings.ToLower(username))
	if username == "" || password == "" {
		return LoginResult{}, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}
	admin, err := a.admins.FindAdminByUsername(ctx, username)
	if err != nil && !errors.Is(err, ErrAdminNotFound) {
		return LoginResult{}, fmt.Errorf("find admin: %w", err)
	}
	if !PasswordMatches(admin.PasswordHash, password) {
		return LoginResult{}, ErrUnauthenticated
	}
	token, exp, err := a.verifier.Sign(admin.Identity, a.ttl)
	if err != nil {
		return LoginResult{}, err
	}
	now := a.now().UTC()
	if err := a.sessions.CreateSession(ctx, Session{
		TokenHash: HashToken(token),
		AdminID:   admin.ID,
		CreatedAt: now,
		ExpiresAt: exp,
	}); err != nil {
		return LoginResult{}, fmt.Errorf("create session: %w", err)
	}
	return LoginResult{Token: token, ExpiresAt: exp, Identity: admin.Identity}, nil
}

// Logout revokes the session of this token only. Other sessions of the same admin
// stay valid. Unknown tokens are not an error.
func (a *Authenticator) Logout(ctx context.Context, token string) error {
	token = NormalizeCredential(token)
	if token == "" {
		return nil
	}
	err := a.sessions.DeleteSession(ctx, HashToken(token))
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	return err
}

// PurgeExpired removes sessions that can no longer authenticate anyone.
func (a *Authenticator) PurgeExpired(ctx context.Context) (int64, error) {
	return a.sessions.PurgeExpiredSessions(ctx, a.now())
}
