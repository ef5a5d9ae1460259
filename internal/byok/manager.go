package byok

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"villagehub.org/internal/obs"
)

const touchTimeout = 2 * time.Second

// Manager is the credential pool used by downstream services.
type Manager struct {
	store Store
	now   func() time.Time
	log   *zap.Logger
}

// NewManager builds a Manager over store. A nil clock means time.Now.
func NewManager(store Store, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: store, now: now, log: obs.Logger().Named("byok")}
}

// ListEligible returns the keys downstream services may use, best first. It is
// recomputed on every call.
func (m *Manager) ListEligible(ctx context.Context) ([]Credential, error) {
	keys, err := m.store.ListEligibleKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list eligible keys: %w", err)
	}
	return keys, nil
}

// ListAll returns the whole pool, including inactive and invalid keys.
func (m *Manager) ListAll(ctx context.Context) ([]Credential, error) {
	keys, err := m.store.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// ReportInvalid removes a key from the eligible set. Reporting the same key again
// leaves the pool unchanged apart from the reason.
func (m *Manager) ReportInvalid(ctx context.Context, keyID, reason string) error {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return fmt.Errorf("%w: key id is required", ErrInvalidInput)
	}
	changed, err := m.store.MarkKeyInvalid(ctx, keyID, strings.TrimSpace(reason), m.now().UTC())
	if err != nil {
		return err
	}
	if changed {
		obs.CountInvalidation()
		m.log.Warn("byok key invalidated", zap.String("key_id", keyID), zap.String("reason", reason))
	}
	return nil
}

// ReportValid puts a previously invalidated key back into rotation.
func (m *Manager) ReportValid(ctx context.Context, keyID string) error {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return fmt.Errorf("%w: key id is required", ErrInvalidInput)
	}
	return m.store.MarkKeyValid(ctx, keyID, m.now().UTC())
}

// ReportUsage applies each record independently and returns how many were stored.
// A rejected record never aborts the batch. last_used_at is refreshed only for keys
// with at least one stored record.
func (m *Manager) ReportUsage(ctx context.Context, records []UsageRecord) (int, error) {
	upserted := 0
	used := make([]string, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			obs.CountUsageRecords(upserted, i-upserted)
			// Keys already incremented still get last_used_at.
			touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
			defer cancel()
			if terr := m.touch(touchCtx, used); terr != nil {
				m.log.Error("touch keys after cancel", zap.Strings("key_ids", used), zap.Error(terr))
			}
			return upserted, err
		}
		rec.KeyID = strings.TrimSpace(rec.KeyID)
		if err := rec.Validate(); err != nil {
			m.log.Info("usage record skipped", zap.Int("index", i), zap.Error(err))
			continue
		}
		if err := m.store.AddUsage(ctx, rec); err != nil {
			if !errors.Is(err, ErrNotFound) {
				m.log.Error("usage record failed", zap.Int("index", i), zap.String("key_id", rec.KeyID), zap.Error(err))
			} else {
				m.log.Info("usage record skipped", zap.Int("index", i), zap.String("key_id", rec.KeyID), zap.Error(err))
			}
			continue
		}
		upserted++
		if _, ok := seen[rec.KeyID]; !ok {
			seen[rec.KeyID] = struct{}{}
			used = append(used, rec.KeyID)
		}
	}
	obs.CountUsageRecords(upserted, len(records)-upserted)
	if err := m.touch(ctx, used); err != nil {
		return upserted, err
	}
	return upserted, nil
}

func (m *Manager) touch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := m.store.TouchKeys(ctx, ids, m.now().UTC()); err != nil {
		return fmt.Errorf("touch keys: %w", err)
	}
	return nil
}
