package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"villagehub.org/internal/auth"
	"villagehub.org/internal/byok"
	"villagehub.org/internal/ids"
	"villagehub.org/internal/settings"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var (
	_ auth.SessionStore = (*Store)(nil)
	_ auth.AdminStore   = (*Store)(nil)
	_ auth.VillageStore = (*Store)(nil)
	_ byok.Store        = (*Store)(nil)
	_ settings.Store    = (*Store)(nil)
)

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle (used by tests with sqlmock).
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// --- sessions ---

func (s *Store) CreateSession(ctx context.Context, sess auth.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (token_hash, admin_id, created_at, expires_at)
		values ($1, $2, $3, $4)
	`, sess.TokenHash, sess.AdminID, sess.CreatedAt, sess.ExpiresAt)
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrForeignKeyViolation:
			return auth.ErrAdminNotFound
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: duplicate session token", auth.ErrInvalidInput)
		}
	}
	return err
}

func (s *Store) FindSession(ctx context.Context, tokenHash string) (auth.Session, auth.Identity, error) {
	var (
		sess auth.Session
		id   auth.Identity
		role string
	)
	err := s.db.QueryRowContext(ctx, `
		select s.token_hash, s.admin_id, s.created_at, s.expires_at,
		       a.id, a.username, a.display_name, a.role, coalesce(a.village_id, '')
		from sessions s
		join admins a on a.id = s.admin_id
		where s.token_hash = $1
	`, tokenHash).Scan(&sess.TokenHash, &sess.AdminID, &sess.CreatedAt, &sess.ExpiresAt,
		&id.ID, &id.Username, &id.DisplayName, &role, &id.VillageID)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Session{}, auth.Identity{}, auth.ErrSessionNotFound
	}
	if err != nil {
		return auth.Session{}, auth.Identity{}, err
	}
	r, ok := auth.ParseRole(role)
	if !ok {
		return auth.Session{}, auth.Identity{}, fmt.Errorf("admin %s has unknown role %q", id.ID, role)
	}
	id.Role = r
	return sess, id, nil
}

func (s *Store) DeleteSession(ctx context.Context, tokenHash string) error {
	res, err := s.db.ExecContext(ctx, `delete from sessions where token_hash = $1`, tokenHash)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.ErrSessionNotFound
	}
	return nil
}

func (s *Store) PurgeExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from sessions where expires_at <= $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- admins & villages ---

func (s *Store) FindAdminByUsername(ctx context.Context, username string) (auth.Admin, error) {
	var (
		a    auth.Admin
		role string
	)
	err := s.db.QueryRowContext(ctx, `
		select id, username, display_name, role, coalesce(village_id, ''), password_hash
		from admins
		where username = $1
	`, strings.ToLower(strings.TrimSpace(username))).Scan(&a.ID, &a.Username, &a.DisplayName, &role, &a.VillageID, &a.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Admin{}, auth.ErrAdminNotFound
	}
	if err != nil {
		return auth.Admin{}, err
	}
	r, ok := auth.ParseRole(role)
	if !ok {
		return auth.Admin{}, fmt.Errorf("admin %s has unknown role %q", a.ID, role)
	}
	a.Role = r
	return a, nil
}

// EnsureAdmin inserts a unless the username is already taken.
func (s *Store) EnsureAdmin(ctx context.Context, a auth.Admin) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into admins (id, username, display_name, password_hash, role, village_id)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (username) do nothing
	`, a.ID, strings.ToLower(strings.TrimSpace(a.Username)), a.DisplayName, a.PasswordHash, string(a.Role), nullIfEmpty(a.VillageID))
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return fmt.Errorf("%w: unknown village %q", auth.ErrInvalidInput, a.VillageID)
	}
	return err
}

func (s *Store) VillageExists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `select exists(select 1 from villages where id = $1)`, strings.TrimSpace(id)).Scan(&ok)
	return ok, err
}

// --- helpers ---

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
