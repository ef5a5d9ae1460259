package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"villagehub.org/internal/settings"
)

func (s *Store) GetSettings(ctx context.Context) (settings.Settings, error) {
	var (
		out settings.Settings
		raw []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select payload, version, updated_at, updated_by
		from dashboard_settings
		where id = 1
	`).Scan(&raw, &out.Version, &out.UpdatedAt, &out.UpdatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return settings.Settings{Values: map[string]any{}}, nil
	}
	if err != nil {
		return settings.Settings{}, err
	}
	out.Values = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out.Values); err != nil {
			return settings.Settings{}, fmt.Errorf("decode settings: %w", err)
		}
	}
	return out, nil
}

func (s *Store) SaveSettings(ctx context.Context, values map[string]any, expected int64, by string, at time.Time) (settings.Settings, error) {
	raw, err := json.Marshal(values)
	if err != nil {
		return settings.Settings{}, fmt.Errorf("encode settings: %w", err)
	}
	var version int64
	err = s.db.QueryRowContext(ctx, `
		update dashboard_settings
		set payload = $1, version = version + 1, updated_at = $2, updated_by = $3
		where id = 1 and version = $4
		returning version
	`, raw, at, by, expected).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return settings.Settings{}, settings.ErrVersionConflict
	}
	if err != nil {
		return settings.Settings{}, err
	}
	return settings.Settings{Values: values, Version: version, UpdatedAt: at, UpdatedBy: by}, nil
}
