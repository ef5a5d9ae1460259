package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"villagehub.org/internal/byok"
)

const keyColumns = `id, name, secret, tier, is_active, is_valid, coalesce(invalid_reason, ''),
		priority, consecutive_failures, last_used_at, created_at, updated_at`

func (s *Store) ListKeys(ctx context.Context) ([]byok.Credential, error) {
	return s.queryKeys(ctx, `select `+keyColumns+` from byok_keys order by priority asc, id asc`)
}

func (s *Store) ListEligibleKeys(ctx context.Context) ([]byok.Credential, error) {
	return s.queryKeys(ctx, `select `+keyColumns+` from byok_keys where is_active and is_valid order by priority asc, id asc`)
}

func (s *Store) queryKeys(ctx context.Context, query string) ([]byok.Credential, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []byok.Credential{}
	for rows.Next() {
		var (
			c        byok.Credential
			lastUsed sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Secret, &c.Tier, &c.IsActive, &c.IsValid, &c.InvalidReason,
			&c.Priority, &c.ConsecutiveFailures, &lastUsed, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			t := lastUsed.Time
			c.LastUsedAt = &t
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) MarkKeyInvalid(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	var wasValid bool
	err := s.db.QueryRowContext(ctx, `
		with prev as (
			select id, is_valid from byok_keys where id = $1 for update
		)
		update byok_keys k
		set consecutive_failures = k.consecutive_failures + case when prev.is_valid then 1 else 0 end,
		    is_valid = false,
		    invalid_reason = nullif($2, ''),
		    updated_at = $3
		from prev
		where k.id = prev.id
		returning prev.is_valid
	`, id, reason, at).Scan(&wasValid)
	if errors.Is(err, sql.ErrNoRows) {
		return false, byok.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return wasValid, nil
}

func (s *Store) MarkKeyValid(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update byok_keys
		set is_valid = true, invalid_reason = null, consecutive_failures = 0, updated_at = $2
		where id = $1
	`, id, at)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return byok.ErrNotFound
	}
	return nil
}

// AddUsage is a single upsert statement, so concurrent reports for the same
// aggregate serialize on the row and never overwrite each other.
func (s *Store) AddUsage(ctx context.Context, rec byok.UsageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		insert into byok_usage (key_id, model, period_type, period_key, request_count, input_tokens, total_tokens, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, now())
		on conflict (key_id, model, period_type, period_key) do update
		set request_count = byok_usage.request_count + excluded.request_count,
		    input_tokens = byok_usage.input_tokens + excluded.input_tokens,
		    total_tokens = byok_usage.total_tokens + excluded.total_tokens,
		    updated_at = excluded.updated_at
	`, rec.KeyID, rec.Model, rec.PeriodType, rec.PeriodKey, rec.RequestCount, rec.InputTokens, rec.TotalTokens)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return byok.ErrNotFound
	}
	return err
}

func (s *Store) TouchKeys(ctx context.Context, keyIDs []string, at time.Time) error {
	for _, id := range keyIDs {
		if _, err := s.db.ExecContext(ctx, `update byok_keys set last_used_at = $2 where id = $1`, id, at); err != nil {
			return err
		}
	}
	return nil
}
