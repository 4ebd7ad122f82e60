package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armazem-sao-joaquim/backoffice/internal/core"
	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
	apperrors "github.com/armazem-sao-joaquim/backoffice/internal/errors"
	"github.com/armazem-sao-joaquim/backoffice/internal/testutil"
)

func TestProfileRepo_UpsertAndGet(t *testing.T) {
	testutil.WithSchemaDB(t, func(db *sql.DB) {
		clock := core.NewFixedTimeProvider(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
		repo := NewProfileRepoWithTimeProvider(db, clock)
		ctx := context.Background()

		_, err := repo.GetByID(ctx, "user-1")
		require.Error(t, err)
		assert.True(t, apperrors.IsNotFound(err))

		created, err := repo.Upsert(ctx, domainauth.UserProfile{
			ID:       "user-1",
			Email:    "user@example.com",
			FullName: testutil.StringPtr("Ana"),
		})
		require.NoError(t, err)
		assert.Equal(t, domainauth.RoleUser, created.Role, "role defaults to user")
		assert.True(t, created.CreatedAt.Equal(clock.Now()))

		clock.Advance(time.Hour)
		updated, err := repo.Upsert(ctx, domainauth.UserProfile{
			ID:    "user-1",
			Email: "user@example.com",
			Role:  domainauth.RoleAdmin,
		})
		require.NoError(t, err)
		assert.Equal(t, domainauth.RoleAdmin, updated.Role)
		require.NotNil(t, updated.FullName)
		assert.Equal(t, "Ana", *updated.FullName, "nil full_name keeps the stored value")
		assert.True(t, updated.CreatedAt.Equal(created.CreatedAt))
		assert.True(t, updated.UpdatedAt.Equal(clock.Now()))

		got, err := repo.GetByID(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, got.IsAdmin())
	})
}

func TestProfileRepo_SetRoleAndList(t *testing.T) {
	testutil.WithSchemaDB(t, func(db *sql.DB) {
		repo := NewProfileRepo(db)
		ctx := context.Background()

		_, err := repo.Upsert(ctx, domainauth.UserProfile{ID: "u-1", Email: "a@x.com"})
		require.NoError(t, err)
		_, err = repo.Upsert(ctx, domainauth.UserProfile{ID: "u-2", Email: "b@x.com"})
		require.NoError(t, err)

		require.NoError(t, repo.SetRole(ctx, "u-2", domainauth.RoleAdmin))
		admins, err := repo.ListByRole(ctx, domainauth.RoleAdmin, 10)
		require.NoError(t, err)
		require.Len(t, admins, 1)
		assert.Equal(t, "u-2", admins[0].ID)

		err = repo.SetRole(ctx, "missing", domainauth.RoleAdmin)
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestProfileRepo_Validation(t *testing.T) {
	repo := NewProfileRepo(nil)
	ctx := context.Background()

	_, err := repo.GetByID(ctx, " ")
	assert.True(t, apperrors.IsValidation(err))

	_, err = repo.Upsert(ctx, domainauth.UserProfile{ID: "u", Email: ""})
	assert.True(t, apperrors.IsValidation(err))

	_, err = repo.Upsert(ctx, domainauth.UserProfile{ID: "u", Email: "a@x.com", Role: "owner"})
	assert.True(t, apperrors.IsValidation(err))

	err = repo.SetRole(ctx, "u", "owner")
	assert.True(t, apperrors.IsValidation(err))
}
