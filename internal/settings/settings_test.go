package settings_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"villagehub.org/internal/settings"
	"villagehub.org/internal/store/memory"
)

func TestUpdateOptimistic(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	svc := settings.NewService(memory.New(), func() time.Time { return now })
	ctx := context.Background()

	cur, err := svc.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.Version != 0 || len(cur.Values) != 0 {
		t.Fatalf("unexpected initial settings %+v", cur)
	}

	saved, err := svc.Update(ctx, map[string]any{"theme": "dark"}, cur.Version, "adm-1")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if saved.Version != 1 || saved.UpdatedBy != "adm-1" || !saved.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected saved settings %+v", saved)
	}

	if _, err := svc.Update(ctx, map[string]any{"theme": "light"}, 0, "adm-2"); !errors.Is(err, settings.ErrVersionConflict) {
		t.Fatalf("stale write must conflict, got %v", err)
	}
	got, _ := svc.Get(ctx)
	if got.Values["theme"] != "dark" {
		t.Fatalf("stale write leaked: %+v", got.Values)
	}
}

func TestUpdateValidates(t *testing.T) {
	svc := settings.NewService(memory.New(), nil)
	ctx := context.Background()
	if _, err := svc.Update(ctx, nil, 0, "a"); !errors.Is(err, settings.ErrInvalidInput) {
		t.Fatalf("nil values: %v", err)
	}
	if _, err := svc.Update(ctx, map[string]any{}, -1, "a"); !errors.Is(err, settings.ErrInvalidInput) {
		t.Fatalf("negative version: %v", err)
	}
	if _, err := svc.Update(ctx, map[string]any{}, 0, " "); !errors.Is(err, settings.ErrInvalidInput) {
		t.Fatalf("missing author: %v", err)
	}
}
