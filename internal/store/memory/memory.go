// Package memory keeps every gateway table in process. It backs local development and
// tests when no Postgres DSN is configured.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"villagehub.org/internal/auth"
	"villagehub.org/internal/byok"
	"villagehub.org/internal/ids"
	"villagehub.org/internal/settings"
)

var errDuplicateUsername = fmt.Errorf("%w: username already exists", auth.ErrInvalidInput)

// Store implements auth, byok and settings stores with in-process concurrency safety.
type Store struct {
	mu         sync.RWMutex
	admins     map[string]auth.Admin // id -> admin
	byUsername map[string]string     // username -> id
	sessions   map[string]auth.Session
	villages   map[string]string // id -> name
	keys       map[string]*byok.Credential
	usage      map[byok.UsageKey]*byok.UsageRecord
	settings   settings.Settings
}

// New creates an empty store.
func New() *Store {
	return &Store{
		admins:     make(map[string]auth.Admin),
		byUsername: make(map[string]string),
		sessions:   make(map[string]auth.Session),
		villages:   make(map[string]string),
		keys:       make(map[string]*byok.Credential),
		usage:      make(map[byok.UsageKey]*byok.UsageRecord),
		settings:   settings.Settings{Values: map[string]any{}},
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// AddVillage registers a tenant.
func (s *Store) AddVillage(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.villages[strings.TrimSpace(id)] = name
}

// AddAdmin stores a, assigning an id when empty. Usernames are unique.
func (s *Store) AddAdmin(a auth.Admin) (auth.Admin, error) {
	a.Username = strings.ToLower(strings.TrimSpace(a.Username))
	if a.Username == "" {
		return auth.Admin{}, fmt.Errorf("%w: username is required", auth.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byUsername[a.Username]; ok {
		return auth.Admin{}, errDuplicateUsername
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	s.admins[a.ID] = a
	s.byUsername[a.Username] = a.ID
	return a, nil
}

// EnsureAdmin adds a unless its username is already taken.
func (s *Store) EnsureAdmin(_ context.Context, a auth.Admin) error {
	_, err := s.AddAdmin(a)
	if errors.Is(err, errDuplicateUsername) {
		return nil
	}
	return err
}

// AddKey inserts or replaces a credential.
func (s *Store) AddKey(c byok.Credential) byok.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = ids.New()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	cp := c
	s.keys[c.ID] = &cp
	return c
}

// Usage returns the aggregate stored for k.
func (s *Store) Usage(k byok.UsageKey) (byok.UsageRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usage[k]
	if !ok {
		return byok.UsageRecord{}, false
	}
	return *u, true
}

// Key returns a copy of a credential.
func (s *Store) Key(id string) (byok.Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.keys[id]
	if !ok {
		return byok.Credential{}, false
	}
	return copyKey(c), true
}

// --- auth ---

func (s *Store) CreateSession(_ context.Context, sess auth.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.admins[sess.AdminID]; !ok {
		return auth.ErrAdminNotFound
	}
	if _, ok := s.sessions[sess.TokenHash]; ok {
		return fmt.Errorf("%w: duplicate session token", auth.ErrInvalidInput)
	}
	s.sessions[sess.TokenHash] = sess
	return nil
}

func (s *Store) FindSession(_ context.Context, tokenHash string) (auth.Session, auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[tokenHash]
	if !ok {
		return auth.Session{}, auth.Identity{}, auth.ErrSessionNotFound
	}
	a, ok := s.admins[sess.AdminID]
	if !ok {
		return auth.Session{}, auth.Identity{}, auth.ErrSessionNotFound
	}
	return sess, a.Identity, nil
}

func (s *Store) DeleteSession(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[tokenHash]; !ok {
		return auth.ErrSessionNotFound
	}
	delete(s.sessions, tokenHash)
	return nil
}

func (s *Store) PurgeExpiredSessions(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, sess := range s.sessions {
		if !sess.Live(before) {
			delete(s.sessions, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) FindAdminByUsername(_ context.Context, username string) (auth.Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byUsername[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return auth.Admin{}, auth.ErrAdminNotFound
	}
	return s.admins[id], nil
}

func (s *Store) VillageExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.villages[strings.TrimSpace(id)]
	return ok, nil
}

// --- byok ---

func copyKey(c *byok.Credential) byok.Credential {
	out := *c
	if c.LastUsedAt != nil {
		t := *c.LastUsedAt
		out.LastUsedAt = &t
	}
	return out
}

func (s *Store) sortedKeys(filter func(*byok.Credential) bool) []byok.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byok.Credential, 0, len(s.keys))
	for _, c := range s.keys {
		if filter == nil || filter(c) {
			out = append(out, copyKey(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) ListKeys(context.Context) ([]byok.Credential, error) {
	return s.sortedKeys(nil), nil
}

func (s *Store) ListEligibleKeys(context.Context) ([]byok.Credential, error) {
	return s.sortedKeys(func(c *byok.Credential) bool { return c.Eligible() }), nil
}

func (s *Store) MarkKeyInvalid(_ context.Context, id, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.keys[id]
	if !ok {
		return false, byok.ErrNotFound
	}
	changed := c.IsValid
	if changed {
		c.IsValid = false
		c.ConsecutiveFailures++
	}
	c.InvalidReason = reason
	c.UpdatedAt = at
	return changed, nil
}

func (s *Store) MarkKeyValid(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.keys[id]
	if !ok {
		return byok.ErrNotFound
	}
	c.IsValid = true
	c.InvalidReason = ""
	c.ConsecutiveFailures = 0
	c.UpdatedAt = at
	return nil
}

func (s *Store) AddUsage(_ context.Context, rec byok.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[rec.KeyID]; !ok {
		return byok.ErrNotFound
	}
	cur, ok := s.usage[rec.UsageKey]
	if !ok {
		cp := rec
		s.usage[rec.UsageKey] = &cp
		return nil
	}
	cur.RequestCount += rec.RequestCount
	cur.InputTokens += rec.InputTokens
	cur.TotalTokens += rec.TotalTokens
	return nil
}

func (s *Store) TouchKeys(_ context.Context, keyIDs []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range keyIDs {
		if c, ok := s.keys[id]; ok {
			t := at
			c.LastUsedAt = &t
		}
	}
	return nil
}

// --- settings ---

func (s *Store) GetSettings(context.Context) (settings.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.settings
	out.Values = maps.Clone(s.settings.Values)
	return out, nil
}

func (s *Store) SaveSettings(_ context.Context, values map[string]any, expected int64, by string, at time.Time) (settings.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings.Version != expected {
		return settings.Settings{}, settings.ErrVersionConflict
	}
	s.settings = settings.Settings{
		Values:    maps.Clone(values),
		Version:   expected + 1,
		UpdatedAt: at,
		UpdatedBy: by,
	}
	out := s.settings
	out.Values = maps.Clone(values)
	return out, nil
}
