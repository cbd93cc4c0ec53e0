package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/labcv/labcv/internal/app/domain/profile"
	"github.com/labcv/labcv/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, *sql.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, db.DB, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// mapErr converts driver errors into storage sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return storage.ErrConflict
	}
	return err
}

// mapForeignKey reports a missing parent row as ErrNotFound.
func mapForeignKey(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return storage.ErrNotFound
	}
	return mapErr(err)
}

func newID() string { return uuid.NewString() }

func nowUTC() time.Time { return time.Now().UTC() }

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func likePattern(q string) string {
	q = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(strings.TrimSpace(q))
	return "%" + q + "%"
}

// --- ProfileStore -----------------------------------------------------------

const profileColumns = `id, email, full_name, role, created_at, updated_at`

func (s *Store) UpsertProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	if p.ID == "" {
		p.ID = newID()
	}
	if !p.Role.Valid() {
		p.Role = profile.RoleUser
	}
	var out profile.Profile
	err := s.db.GetContext(ctx, &out, `
		INSERT INTO profiles (id, email, full_name, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO UPDATE
		SET email = EXCLUDED.email,
		    full_name = COALESCE(NULLIF(EXCLUDED.full_name, ''), profiles.full_name),
		    updated_at = EXCLUDED.updated_at
		RETURNING `+profileColumns, p.ID, p.Email, p.FullName, p.Role, nowUTC())
	return out, mapErr(err)
}

func (s *Store) GetProfile(ctx context.Context, id string) (profile.Profile, error) {
	var out profile.Profile
	err := s.db.GetContext(ctx, &out, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id)
	return out, mapErr(err)
}

func (s *Store) GetProfileByEmail(ctx context.Context, email string) (profile.Profile, error) {
	var out profile.Profile
	err := s.db.GetContext(ctx, &out, `
		SELECT `+profileColumns+` FROM profiles
		WHERE lower(email) = lower($1)
		ORDER BY created_at
		LIMIT 1`, email)
	return out, mapErr(err)
}

func (s *Store) ListProfiles(ctx context.Context, filter storage.ProfileFilter) ([]profile.Profile, error) {
	page := filter.Page.Normalize()
	var (
		where []string
		args  []any
	)
	if filter.Role != "" {
		args = append(args, filter.Role)
		where = append(where, "role = $"+itoa(len(args)))
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		args = append(args, likePattern(q))
		where = append(where, "(email ILIKE $"+itoa(len(args))+" OR full_name ILIKE $"+itoa(len(args))+")")
	}
	query := `SELECT ` + profileColumns + ` FROM profiles` + whereClause(where) + ` ORDER BY created_at DESC`
	args = append(args, page.Limit, page.Offset)
	query += ` LIMIT $` + itoa(len(args)-1) + ` OFFSET $` + itoa(len(args))

	out := []profile.Profile{}
	err := s.db.SelectContext(ctx, &out, query, args...)
	return out, mapErr(err)
}

func (s *Store) SetProfileRole(ctx context.Context, id string, role profile.Role) (profile.Profile, error) {
	var out profile.Profile
	err := s.db.GetContext(ctx, &out, `
		UPDATE profiles SET role = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+profileColumns, id, role, nowUTC())
	return out, mapErr(err)
}

func itoa(i int) string { return strconv.Itoa(i) }

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}
