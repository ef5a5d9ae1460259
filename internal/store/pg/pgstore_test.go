package pg

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"villagehub.org/internal/auth"
	"villagehub.org/internal/byok"
	"villagehub.org/internal/settings"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestFindSessionJoinsAdmin(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"token_hash", "admin_id", "created_at", "expires_at", "id", "username", "display_name", "role", "village_id"}).
		AddRow("h1", "adm-1", now, now.Add(time.Hour), "adm-1", "alice", "Alice", "village_admin", "v-1")
	mock.ExpectQuery(regexp.QuoteMeta("from sessions s")).WithArgs("h1").WillReturnRows(rows)

	sess, id, err := store.FindSession(context.Background(), "h1")
	if err != nil {
		t.Fatalf("FindSession: %v", err)
	}
	if sess.AdminID != "adm-1" || !sess.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected session %+v", sess)
	}
	if id.Role != auth.RoleVillageAdmin || id.VillageID != "v-1" {
		t.Fatalf("unexpected identity %+v", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFindSessionMissing(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("from sessions s")).WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"token_hash"}))
	if _, _, err := store.FindSession(context.Background(), "nope"); !errors.Is(err, auth.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestDeleteSession(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("delete from sessions where token_hash = $1")).WithArgs("h1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("delete from sessions where token_hash = $1")).WithArgs("h1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.DeleteSession(context.Background(), "h1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if err := store.DeleteSession(context.Background(), "h1"); !errors.Is(err, auth.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCreateSessionUnknownAdmin(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("insert into sessions")).
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	err := store.CreateSession(context.Background(), auth.Session{TokenHash: "h", AdminID: "ghost"})
	if !errors.Is(err, auth.ErrAdminNotFound) {
		t.Fatalf("expected ErrAdminNotFound, got %v", err)
	}
}

func TestAddUsageIsAdditiveUpsert(t *testing.T) {
	store, mock := newMock(t)
	rec := byok.UsageRecord{
		UsageKey:     byok.UsageKey{KeyID: "k1", Model: "gpt", PeriodType: "day", PeriodKey: "2025-04-01"},
		RequestCount: 3, InputTokens: 100, TotalTokens: 150,
	}
	mock.ExpectExec(regexp.QuoteMeta("request_count = byok_usage.request_count + excluded.request_count")).
		WithArgs("k1", "gpt", "day", "2025-04-01", int64(3), int64(100), int64(150)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.AddUsage(context.Background(), rec); err != nil {
		t.Fatalf("AddUsage: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("insert into byok_usage")).
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	rec.KeyID = "ghost"
	if err := store.AddUsage(context.Background(), rec); !errors.Is(err, byok.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkKeyInvalid(t *testing.T) {
	store, mock := newMock(t)
	at := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("returning prev.is_valid")).WithArgs("k1", "quota", at).
		WillReturnRows(sqlmock.NewRows([]string{"is_valid"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta("returning prev.is_valid")).WithArgs("k1", "quota", at).
		WillReturnRows(sqlmock.NewRows([]string{"is_valid"}).AddRow(false))
	mock.ExpectQuery(regexp.QuoteMeta("returning prev.is_valid")).WithArgs("ghost", "quota", at).
		WillReturnRows(sqlmock.NewRows([]string{"is_valid"}))

	changed, err := store.MarkKeyInvalid(context.Background(), "k1", "quota", at)
	if err != nil || !changed {
		t.Fatalf("first report: %v %v", changed, err)
	}
	changed, err = store.MarkKeyInvalid(context.Background(), "k1", "quota", at)
	if err != nil || changed {
		t.Fatalf("second report must not count: %v %v", changed, err)
	}
	if _, err := store.MarkKeyInvalid(context.Background(), "ghost", "quota", at); !errors.Is(err, byok.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListEligibleKeys(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	cols := []string{"id", "name", "secret", "tier", "is_active", "is_valid", "invalid_reason", "priority",
		"consecutive_failures", "last_used_at", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("where is_active and is_valid order by priority asc, id asc")).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("a", "primary", "sk-1", "paid", true, true, "", 0, 0, nil, now, now).
			AddRow("b", "backup", "sk-2", "free", true, true, "", 5, 0, now, now, now))

	keys, err := store.ListEligibleKeys(context.Background())
	if err != nil {
		t.Fatalf("ListEligibleKeys: %v", err)
	}
	if len(keys) != 2 || keys[0].ID != "a" || keys[0].LastUsedAt != nil || keys[1].LastUsedAt == nil {
		t.Fatalf("unexpected keys %+v", keys)
	}
}

func TestSaveSettingsConflict(t *testing.T) {
	store, mock := newMock(t)
	at := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("where id = 1 and version = $4")).
		WithArgs(sqlmock.AnyArg(), at, "adm-1", int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	if _, err := store.SaveSettings(context.Background(), map[string]any{"a": 1}, 2, "adm-1", at); !errors.Is(err, settings.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("where id = 1 and version = $4")).
		WithArgs(sqlmock.AnyArg(), at, "adm-1", int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(4)))
	saved, err := store.SaveSettings(context.Background(), map[string]any{"a": 1}, 3, "adm-1", at)
	if err != nil || saved.Version != 4 {
		t.Fatalf("SaveSettings: %+v %v", saved, err)
	}
}

func TestVillageExists(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("select exists(select 1 from villages where id = $1)")).WithArgs("v-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	ok, err := store.VillageExists(context.Background(), " v-1 ")
	if err != nil || !ok {
		t.Fatalf("VillageExists: %v %v", ok, err)
	}
}
