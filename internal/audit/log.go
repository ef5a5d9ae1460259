package audit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"villagehub.org/internal/auth"
	"villagehub.org/internal/obs"
)

// LogEvent writes an audit entry enriched with the request id and acting admin.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	zf := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", event),
	}
	if rid := obs.RequestIDFromContext(ctx); rid != "" {
		zf = append(zf, zap.String("request_id", rid))
	}
	if id, ok := auth.IdentityFromContext(ctx); ok {
		zf = append(zf, zap.String("admin_id", id.ID), zap.String("role", string(id.Role)))
		if id.HasVillage() {
			zf = append(zf, zap.String("village_id", id.VillageID))
		}
	}
	if fields == nil {
		fields = map[string]any{}
	}
	zf = append(zf, zap.Any("fields", fields))
	obs.Logger().Info("audit", zf...)
	return nil
}
