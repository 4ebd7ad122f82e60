package data

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/armazem-sao-joaquim/backoffice/internal/data/pgxutil"
	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
	apperrors "github.com/armazem-sao-joaquim/backoffice/internal/errors"
)

const adminSessionColumns = `id::text AS id, user_id, email, created_at, ip_address, user_agent, last_activity`

// AdminSessionRepo persists the admin_sessions audit trail.
type AdminSessionRepo struct {
	DB *sql.DB
}

// NewAdminSessionRepo creates a new AdminSessionRepo.
func NewAdminSessionRepo(db *sql.DB) *AdminSessionRepo {
	return &AdminSessionRepo{DB: db}
}

// Insert records a new admin session.
func (r *AdminSessionRepo) Insert(ctx context.Context, s domainauth.AdminSession) error {
	if s.ID == "" {
		return apperrors.ValidationField("id", "id is required")
	}
	if strings.TrimSpace(s.UserID) == "" {
		return apperrors.ValidationField("user_id", "user_id is required")
	}
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO admin_sessions (id, user_id, email, created_at, ip_address, user_agent, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.UserID, s.Email, s.CreatedAt.UTC(), s.IPAddress, s.UserAgent, s.LastActivity.UTC(),
	)
	return apperrors.MapDBError(err)
}

// TouchLatest sets last_activity on the newest session of userID.
// It returns an errors.NotFound error when the user has no sessions.
func (r *AdminSessionRepo) TouchLatest(ctx context.Context, userID string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE admin_sessions SET last_activity = GREATEST(last_activity, $2)
		WHERE id = (
			SELECT id FROM admin_sessions WHERE user_id = $1
			ORDER BY created_at DESC LIMIT 1
		)`,
		userID, at.UTC(),
	)
	if err != nil {
		return apperrors.MapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.MapDBError(err)
	}
	if n == 0 {
		return apperrors.NotFoundf("no admin session for user %s", userID)
	}
	return nil
}

// ListByUser returns the newest sessions for userID, or for every user when userID is empty.
func (r *AdminSessionRepo) ListByUser(ctx context.Context, userID string, limit int) ([]domainauth.AdminSession, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + adminSessionColumns + ` FROM admin_sessions
		WHERE ($1 = '' OR user_id = $1)
		ORDER BY created_at DESC LIMIT $2`

	var out []domainauth.AdminSession
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, userID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = pgx.CollectRows(rows, pgx.RowToStructByName[domainauth.AdminSession])
		return err
	}); err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return out, nil
}

// Advisory lock keys for admin session pruning.
// pg_try_advisory_xact_lock(major, minor) keeps concurrent reapers from overlapping.
const (
	advisoryLockReaperMajor              = 1000
	advisoryLockReaperPruneAdminSessions = 1
)

// DeleteInactiveBefore removes up to batchSize sessions whose last activity is older than cutoff.
// It returns 0 without deleting when another instance holds the prune lock.
func (r *AdminSessionRepo) DeleteInactiveBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize < 1 {
		return 0, apperrors.ValidationField("batch_size", "batch size must be positive")
	}
	var rowsAffected int64
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: pgx.TxOptions{IsoLevel: pgx.ReadCommitted},
		Fn: func(tx pgx.Tx) error {
			var locked bool
			if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockReaperMajor, advisoryLockReaperPruneAdminSessions).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			tag, err := tx.Exec(ctx, `
				DELETE FROM admin_sessions
				WHERE id IN (
					SELECT id FROM admin_sessions
					WHERE last_activity < $1
					ORDER BY last_activity
					LIMIT $2
				)
			`, cutoff.UTC(), batchSize)
			if err != nil {
				return err
			}
			rowsAffected = tag.RowsAffected()
			return nil
		},
	})
	if err != nil {
		return 0, apperrors.MapDBError(err)
	}
	return rowsAffected, nil
}
