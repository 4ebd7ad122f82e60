package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
	apperrors "github.com/armazem-sao-joaquim/backoffice/internal/errors"
)

func TestFakeIdentityProvider_SignInAndRefresh(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := NewFakeIdentityProvider().AddAccount("a@example.com", "pw", "u-1")
	p.Now = func() time.Time { return now }
	ctx := context.Background()

	_, _, err := p.SignInWithPassword(ctx, "a@example.com", "wrong")
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidCredentials(err))

	ident, sess, err := p.SignInWithPassword(ctx, "a@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "u-1", ident.ID)
	assert.Equal(t, now.Add(time.Hour).Unix(), sess.ExpiresAt)

	renewed, _, err := p.RefreshSession(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, renewed.ExpiresAt, sess.ExpiresAt)
	assert.NotEqual(t, sess.AccessToken, renewed.AccessToken)

	require.NoError(t, p.SignOut(ctx))
	got, err := p.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	calls := p.Calls()
	assert.Equal(t, 2, calls.SignIn)
	assert.Equal(t, 1, calls.Refresh)
	assert.Equal(t, 1, calls.SignOut)
}

func TestFakeIdentityProvider_RefreshWithoutSession(t *testing.T) {
	_, _, err := NewFakeIdentityProvider().RefreshSession(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsSessionExpired(err))
}

func TestMemoryProfileStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryProfileStore(domainauth.UserProfile{ID: "u-1", Email: "a@example.com", Role: domainauth.RoleUser})

	_, err := store.GetByID(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))

	require.NoError(t, store.SetRole(ctx, "u-1", domainauth.RoleAdmin))
	p, err := store.GetByID(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, p.IsAdmin())
	assert.Equal(t, 2, store.GetCalls())
}

func TestMemoryAdminSessionStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAdminSessionStore()
	t0 := time.Unix(1_700_000_000, 0)
	require.NoError(t, store.Insert(ctx, domainauth.AdminSession{ID: "s1", UserID: "u-1", CreatedAt: t0}))
	require.NoError(t, store.Insert(ctx, domainauth.AdminSession{ID: "s2", UserID: "u-1", CreatedAt: t0.Add(time.Minute)}))

	require.NoError(t, store.TouchLatest(ctx, "u-1", t0.Add(time.Hour)))
	rows, err := store.ListByUser(ctx, "u-1", 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "s2", rows[0].ID)
	assert.Equal(t, t0.Add(time.Hour), rows[0].LastActivity)
}
