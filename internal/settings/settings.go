// Package settings holds the dashboard-wide settings document. Writes are optimistic:
// a caller must present the version it read.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrVersionConflict = errors.New("settings: version conflict")
	ErrInvalidInput    = errors.New("settings: invalid input")
)

// Settings is the persisted document. Version 0 means nothing was ever saved.
type Settings struct {
	Values    map[string]any `json:"values"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updated_at,omitempty"`
	UpdatedBy string         `json:"updated_by,omitempty"`
}

// Store persists the document. SaveSettings must fail with ErrVersionConflict unless
// the stored version equals expected, and must bump the version by one otherwise.
type Store interface {
	GetSettings(ctx context.Context) (Settings, error)
	SaveSettings(ctx context.Context, values map[string]any, expected int64, by string, at time.Time) (Settings, error)
}

// Service validates writes before they reach the store.
type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, now: now}
}

func (s *Service) Get(ctx context.Context) (Settings, error) {
	cur, err := s.store.GetSettings(ctx)
	if err != nil {
		return Settings{}, fmt.Errorf("get settings: %w", err)
	}
	if cur.Values == nil {
		cur.Values = map[string]any{}
	}
	return cur, nil
}

// Update replaces the document if version still matches what is stored.
func (s *Service) Update(ctx context.Context, values map[string]any, version int64, by string) (Settings, error) {
	if values == nil {
		return Settings{}, fmt.Errorf("%w: values must be an object", ErrInvalidInput)
	}
	if version < 0 {
		return Settings{}, fmt.Errorf("%w: version must be non-negative", ErrInvalidInput)
	}
	by = strings.TrimSpace(by)
	if by == "" {
		return Settings{}, fmt.Errorf("%w: author is required", ErrInvalidInput)
	}
	return s.store.SaveSettings(ctx, values, version, by, s.now().UTC())
}
