package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
	apperrors "github.com/armazem-sao-joaquim/backoffice/internal/errors"
	"github.com/armazem-sao-joaquim/backoffice/internal/testutil"
)

func newAdminSession(userID string, createdAt time.Time) domainauth.AdminSession {
	return domainauth.AdminSession{
		ID:           uuid.NewString(),
		UserID:       userID,
		Email:        userID + "@example.com",
		CreatedAt:    createdAt,
		LastActivity: createdAt,
	}
}

func TestAdminSessionRepo_InsertAndList(t *testing.T) {
	testutil.WithSchemaDB(t, func(db *sql.DB) {
		repo := NewAdminSessionRepo(db)
		ctx := context.Background()
		base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

		older := newAdminSession("admin-1", base)
		older.IPAddress = testutil.StringPtr("203.0.113.7")
		newer := newAdminSession("admin-1", base.Add(time.Hour))
		newer.UserAgent = testutil.StringPtr("Mozilla/5.0")
		other := newAdminSession("admin-2", base.Add(2*time.Hour))

		for _, s := range []domainauth.AdminSession{older, newer, other} {
			require.NoError(t, repo.Insert(ctx, s))
		}

		rows, err := repo.ListByUser(ctx, "admin-1", 10)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, newer.ID, rows[0].ID)
		assert.Equal(t, older.ID, rows[1].ID)
		require.NotNil(t, rows[1].IPAddress)
		assert.Equal(t, "203.0.113.7", *rows[1].IPAddress)
		assert.Nil(t, rows[1].UserAgent)

		all, err := repo.ListByUser(ctx, "", 10)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		err = repo.Insert(ctx, older)
		assert.True(t, apperrors.IsConflict(err))
	})
}

func TestAdminSessionRepo_TouchLatest(t *testing.T) {
	testutil.WithSchemaDB(t, func(db *sql.DB) {
		repo := NewAdminSessionRepo(db)
		ctx := context.Background()
		base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

		older := newAdminSession("admin-1", base)
		newer := newAdminSession("admin-1", base.Add(time.Minute))
		require.NoError(t, repo.Insert(ctx, older))
		require.NoError(t, repo.Insert(ctx, newer))

		touched := base.Add(30 * time.Minute)
		require.NoError(t, repo.TouchLatest(ctx, "admin-1", touched))
		require.NoError(t, repo.TouchLatest(ctx, "admin-1", base), "last_activity never moves backwards")

		rows, err := repo.ListByUser(ctx, "admin-1", 10)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.True(t, rows[0].LastActivity.Equal(touched))
		assert.True(t, rows[1].LastActivity.Equal(base))

		err = repo.TouchLatest(ctx, "nobody", touched)
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestAdminSessionRepo_DeleteInactiveBefore(t *testing.T) {
	testutil.WithSchemaDB(t, func(db *sql.DB) {
		repo := NewAdminSessionRepo(db)
		ctx := context.Background()
		base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

		require.NoError(t, repo.Insert(ctx, newAdminSession("admin-1", base)))
		require.NoError(t, repo.Insert(ctx, newAdminSession("admin-1", base.Add(48*time.Hour))))

		require.NoError(t, repo.Insert(ctx, newAdminSession("admin-2", base.Add(time.Hour))))

		n, err := repo.DeleteInactiveBefore(ctx, base.Add(24*time.Hour), 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = repo.DeleteInactiveBefore(ctx, base.Add(24*time.Hour), 10)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		rows, err := repo.ListByUser(ctx, "", 0)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.True(t, rows[0].CreatedAt.Equal(base.Add(48*time.Hour)))
	})
}

func TestAdminSessionRepo_DeleteInactiveBeforeSkipsWhenLockHeld(t *testing.T) {
	testutil.WithSchemaDB(t, func(db *sql.DB) {
		repo := NewAdminSessionRepo(db)
		ctx := context.Background()
		base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
		require.NoError(t, repo.Insert(ctx, newAdminSession("admin-1", base)))

		holder, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		defer func() { _ = holder.Rollback() }()
		_, err = holder.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1, $2)",
			advisoryLockReaperMajor, advisoryLockReaperPruneAdminSessions)
		require.NoError(t, err)

		n, err := repo.DeleteInactiveBefore(ctx, base.Add(24*time.Hour), 10)
		require.NoError(t, err)
		assert.Zero(t, n)

		require.NoError(t, holder.Rollback())
		n, err = repo.DeleteInactiveBefore(ctx, base.Add(24*time.Hour), 10)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestAdminSessionRepo_Validation(t *testing.T) {
	repo := NewAdminSessionRepo(nil)
	err := repo.Insert(context.Background(), domainauth.AdminSession{UserID: "u"})
	assert.True(t, apperrors.IsValidation(err))
	err = repo.Insert(context.Background(), domainauth.AdminSession{ID: "x"})
	assert.True(t, apperrors.IsValidation(err))
	_, err = repo.DeleteInactiveBefore(context.Background(), time.Now(), 0)
	assert.True(t, apperrors.IsValidation(err))
}
