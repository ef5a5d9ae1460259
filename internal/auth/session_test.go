package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]Session
	admins   map[string]Admin
	findErr  error
}

func newFakeSessions(admins ...Admin) *fakeSessions {
	f := &fakeSessions{sessions: map[string]Session{}, admins: map[string]Admin{}}
	for _, a := range admins {
		f.admins[a.Username] = a
	}
	return f
}

func (f *fakeSessions) CreateSession(_ context.Context, s Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.TokenHash] = s
	return nil
}

func (f *fakeSessions) FindSession(_ context.Context, hash string) (Session, Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return Session{}, Identity{}, f.findErr
	}
	s, ok := f.sessions[hash]
	if !ok {
		return Session{}, Identity{}, ErrSessionNotFound
	}
	for _, a := range f.admins {
		if a.ID == s.AdminID {
			return s, a.Identity, nil
		}
	}
	return Session{}, Identity{}, ErrSessionNotFound
}

func (f *fakeSessions) DeleteSession(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[hash]; !ok {
		return ErrSessionNotFound
	}
	delete(f.sessions, hash)
	return nil
}

func (f *fakeSessions) PurgeExpiredSessions(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k, s := range f.sessions {
		if !s.Live(before) {
			delete(f.sessions, k)
			n++
		}
	}
	return n, nil
}

func (f *fakeSessions) FindAdminByUsername(_ context.Context, username string) (Admin, error) {
	a, ok := f.admins[username]
	if !ok {
		return Admin{}, ErrAdminNotFound
	}
	return a, nil
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newTestAuthenticator(t *testing.T, clock *testClock, store *fakeSessions) *Authenticator {
	t.Helper()
	v, err := NewVerifier("secret", "villagehub", clock.now)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	a, err := NewAuthenticator(v, store, store, WithSessionTTL(time.Hour), WithClock(clock.now))
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	return a
}

func testAdmin(t *testing.T) Admin {
	t.Helper()
	hash, err := HashPassword("pw")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	return Admin{
		Identity:     Identity{ID: "adm-1", Username: "alice", Role: RoleVillageAdmin, VillageID: "v-1"},
		PasswordHash: hash,
	}
}

func TestLoginAuthenticateLogout(t *testing.T) {
	clock := &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newFakeSessions(testAdmin(t))
	a := newTestAuthenticator(t, clock, store)
	ctx := context.Background()

	res, err := a.Login(ctx, " Alice ", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	id, err := a.Authenticate(ctx, res.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.ID != "adm-1" || id.VillageID != "v-1" {
		t.Fatalf("unexpected identity %+v", id)
	}

	if err := a.Logout(ctx, res.Token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := a.Authenticate(ctx, res.Token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("revoked token must be rejected, got %v", err)
	}
	if err := a.Logout(ctx, res.Token); err != nil {
		t.Fatalf("second logout should be a no-op, got %v", err)
	}
}

func TestLogoutKeepsOtherSessions(t *testing.T) {
	clock := &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newFakeSessions(testAdmin(t))
	a := newTestAuthenticator(t, clock, store)
	ctx := context.Background()

	first, err := a.Login(ctx, "alice", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	second, err := a.Login(ctx, "alice", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := a.Logout(ctx, first.Token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := a.Authenticate(ctx, second.Token); err != nil {
		t.Fatalf("other session must survive, got %v", err)
	}
}

func TestAuthenticateRejectsWithoutLiveSession(t *testing.T) {
	clock := &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	admin := testAdmin(t)
	store := newFakeSessions(admin)
	a := newTestAuthenticator(t, clock, store)
	ctx := context.Background()

	// Cryptographically valid token that was never persisted.
	orphan, _, err := a.verifier.Sign(admin.Identity, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := a.Authenticate(ctx, orphan); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}

	res, err := a.Login(ctx, "alice", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	// Session row says expired even though the clock is before the JWT exp.
	store.mu.Lock()
	s := store.sessions[HashToken(res.Token)]
	s.ExpiresAt = clock.t
	store.sessions[HashToken(res.Token)] = s
	store.mu.Unlock()
	if _, err := a.Authenticate(ctx, res.Token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expires_at == now must be rejected, got %v", err)
	}

	if _, err := a.Authenticate(ctx, ""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("empty token: %v", err)
	}
}

func TestAuthenticateSurfacesStoreErrors(t *testing.T) {
	clock := &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newFakeSessions(testAdmin(t))
	a := newTestAuthenticator(t, clock, store)
	res, err := a.Login(context.Background(), "alice", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	boom := errors.New("db down")
	store.findErr = boom
	_, err = a.Authenticate(context.Background(), res.Token)
	if !errors.Is(err, boom) || errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	clock := &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	a := newTestAuthenticator(t, clock, newFakeSessions(testAdmin(t)))
	ctx := context.Background()
	if _, err := a.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("wrong password: %v", err)
	}
	if _, err := a.Login(ctx, "bob", "pw"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("unknown user: %v", err)
	}
	if _, err := a.Login(ctx, "", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty input: %v", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	clock := &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newFakeSessions(testAdmin(t))
	a := newTestAuthenticator(t, clock, store)
	if _, err := a.Login(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	clock.t = clock.t.Add(2 * time.Hour)
	n, err := a.PurgeExpired(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 purged, got %d %v", n, err)
	}
}
