package data

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/armazem-sao-joaquim/backoffice/internal/core"
	"github.com/armazem-sao-joaquim/backoffice/internal/data/pgxutil"
	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
	apperrors "github.com/armazem-sao-joaquim/backoffice/internal/errors"
)

const profileColumns = `id, email, full_name, role, created_at, updated_at`

// ProfileRepo provides database operations for the profiles table.
type ProfileRepo struct {
	DB           *sql.DB
	timeProvider core.TimeProvider
}

// NewProfileRepo creates a new ProfileRepo with real time provider.
func NewProfileRepo(db *sql.DB) *ProfileRepo {
	return &ProfileRepo{DB: db, timeProvider: core.RealTimeProvider{}}
}

// NewProfileRepoWithTimeProvider creates a new ProfileRepo with a custom time provider (useful for tests).
func NewProfileRepoWithTimeProvider(db *sql.DB, tp core.TimeProvider) *ProfileRepo {
	return &ProfileRepo{DB: db, timeProvider: tp}
}

// GetByID returns the profile with the given id or an errors.NotFound error.
func (r *ProfileRepo) GetByID(ctx context.Context, id string) (*domainauth.UserProfile, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.ValidationField("id", "id is required")
	}
	return r.queryOne(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id)
}

// Upsert inserts p or updates the existing row with the same id.
// A nil FullName keeps the stored value.
func (r *ProfileRepo) Upsert(ctx context.Context, p domainauth.UserProfile) (*domainauth.UserProfile, error) {
	if strings.TrimSpace(p.ID) == "" {
		return nil, apperrors.ValidationField("id", "id is required")
	}
	if strings.TrimSpace(p.Email) == "" {
		return nil, apperrors.ValidationField("email", "email is required")
	}
	role := p.Role
	if role == "" {
		role = domainauth.RoleUser
	}
	if !role.Valid() {
		return nil, apperrors.ValidationField("role", "role must be admin or user")
	}

	now := r.timeProvider.Now().UTC()
	return r.queryOne(ctx, `
		INSERT INTO profiles (id, email, full_name, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			full_name = COALESCE(EXCLUDED.full_name, profiles.full_name),
			role = EXCLUDED.role,
			updated_at = EXCLUDED.updated_at
		RETURNING `+profileColumns,
		p.ID, p.Email, p.FullName, string(role), now,
	)
}

// SetRole changes the role of an existing profile.
func (r *ProfileRepo) SetRole(ctx context.Context, id string, role domainauth.Role) error {
	if !role.Valid() {
		return apperrors.ValidationField("role", "role must be admin or user")
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE profiles SET role = $2, updated_at = $3 WHERE id = $1`,
		id, string(role), r.timeProvider.Now().UTC(),
	)
	if err != nil {
		return apperrors.MapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.MapDBError(err)
	}
	if n == 0 {
		return apperrors.NotFoundf("profile %s not found", id)
	}
	return nil
}

// ListByRole returns profiles with the given role, newest first.
func (r *ProfileRepo) ListByRole(ctx context.Context, role domainauth.Role, limit int) ([]domainauth.UserProfile, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []domainauth.UserProfile
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT `+profileColumns+` FROM profiles WHERE role = $1 ORDER BY created_at DESC LIMIT $2`,
			string(role), limit,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = pgx.CollectRows(rows, pgx.RowToStructByName[domainauth.UserProfile])
		return err
	}); err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return out, nil
}

func (r *ProfileRepo) queryOne(ctx context.Context, query string, args ...any) (*domainauth.UserProfile, error) {
	var out domainauth.UserProfile
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[domainauth.UserProfile])
		return err
	}); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("profile not found")
		}
		return nil, apperrors.MapDBError(err)
	}
	return &out, nil
}
