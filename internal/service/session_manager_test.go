package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
	apperrors "github.com/armazem-sao-joaquim/backoffice/internal/errors"
	"github.com/armazem-sao-joaquim/backoffice/internal/mocks"
)

func TestSessionManager_TimeoutWarningThreshold(t *testing.T) {
	tests := []struct {
		name        string
		remaining   time.Duration
		wantWarning bool
		wantMinutes int
	}{
		{name: "an hour left", remaining: time.Hour, wantWarning: false, wantMinutes: 60},
		{name: "just over threshold", remaining: 10*time.Minute + time.Second, wantWarning: false, wantMinutes: 10},
		{name: "exactly at threshold", remaining: 10 * time.Minute, wantWarning: false, wantMinutes: 10},
		{name: "just under threshold", remaining: 10*time.Minute - time.Second, wantWarning: true, wantMinutes: 9},
		{name: "one minute left", remaining: time.Minute, wantWarning: true, wantMinutes: 1},
		{name: "already expired", remaining: -time.Minute, wantWarning: true, wantMinutes: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t)
			r.provider.SetSession(sessionExpiringIn(testEpoch, tt.remaining, userIdentity))

			got := r.sessions.GetSessionTimeoutWarning(context.Background(), testUserID)
			assert.Equal(t, tt.wantWarning, got.Warning)
			require.NotNil(t, got.MinutesUntilExpiry)
			assert.Equal(t, tt.wantMinutes, *got.MinutesUntilExpiry)
			assert.Equal(t, *got.MinutesUntilExpiry < 10, got.Warning)
		})
	}
}

func TestSessionManager_TimeoutWarningWithoutSession(t *testing.T) {
	r := newRig(t)

	got := r.sessions.GetSessionTimeoutWarning(context.Background(), testUserID)
	assert.False(t, got.Warning)
	assert.Nil(t, got.MinutesUntilExpiry)

	r.provider.SetSession(sessionExpiringIn(testEpoch, time.Minute, adminIdentity))
	got = r.sessions.GetSessionTimeoutWarning(context.Background(), testUserID)
	assert.False(t, got.Warning, "another user's session counts as none")

	r.provider.SetSession(nil)
	r.provider.GetSessionFunc = func(context.Context) (*domainauth.RawSession, error) {
		return nil, errors.New("provider down")
	}
	got = r.sessions.GetSessionTimeoutWarning(context.Background(), testUserID)
	assert.False(t, got.Warning)
}

func TestSessionManager_CreateAdminSession(t *testing.T) {
	r := newRig(t)

	rec := r.sessions.CreateAdminSession(context.Background(), CreateAdminSessionInput{
		UserID:    testAdminID,
		Email:     testAdminEmail,
		IPAddress: "203.0.113.7",
	})
	require.NotNil(t, rec)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, testEpoch, rec.CreatedAt)
	assert.Equal(t, rec.CreatedAt, rec.LastActivity)
	require.NotNil(t, rec.IPAddress)
	assert.Equal(t, "203.0.113.7", *rec.IPAddress)
	assert.Nil(t, rec.UserAgent)

	rows := r.adminSessions.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, rec.ID, rows[0].ID)
}

func TestSessionManager_CreateAdminSessionFailureIsNonFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockAdminSessionStore(ctrl)
	store.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(errors.New("insert failed"))

	r := newRig(t)
	sm, err := NewSessionManager(SessionManagerOptions{
		Source:        r.authn,
		AdminSessions: store,
		Clock:         r.clock,
		Logger:        discardLogger(),
	})
	require.NoError(t, err)

	assert.Nil(t, sm.CreateAdminSession(context.Background(), CreateAdminSessionInput{UserID: testAdminID}))
}

func TestSessionManager_ValidateAndRefreshSession(t *testing.T) {
	t.Run("far from expiry does not refresh", func(t *testing.T) {
		r := newRig(t)
		r.provider.SetSession(sessionExpiringIn(testEpoch, time.Hour, userIdentity))

		got := r.sessions.ValidateAndRefreshSession(context.Background())
		assert.True(t, got.Valid)
		assert.False(t, got.Refreshed)
		require.NotNil(t, got.Session)
		assert.Equal(t, testEpoch.Add(time.Hour).Unix(), got.Session.ExpiresAt)
		assert.Zero(t, r.provider.Calls().Refresh)
	})

	t.Run("near expiry refreshes", func(t *testing.T) {
		r := newRig(t)
		r.provider.SetSession(sessionExpiringIn(testEpoch, time.Minute, userIdentity))

		got := r.sessions.ValidateAndRefreshSession(context.Background())
		assert.True(t, got.Valid)
		assert.True(t, got.Refreshed)
		assert.Equal(t, 1, r.provider.Calls().Refresh)
		require.NotNil(t, got.Session)
		assert.Equal(t, testEpoch.Add(time.Hour).Unix(), got.Session.ExpiresAt)
		assert.NotEqual(t, "access", got.Session.AccessToken)
	})

	t.Run("no session", func(t *testing.T) {
		r := newRig(t)

		got := r.sessions.ValidateAndRefreshSession(context.Background())
		assert.False(t, got.Valid)
		assert.Equal(t, "No active session", got.Error)
		assert.Nil(t, got.Session)
	})

	t.Run("refresh failure on live session keeps it", func(t *testing.T) {
		r := newRig(t)
		r.provider.SetSession(sessionExpiringIn(testEpoch, time.Minute, userIdentity))
		r.provider.RefreshFunc = func(context.Context) (*domainauth.RawSession, domainauth.Identity, error) {
			return nil, domainauth.Identity{}, apperrors.Network(errors.New("timeout"), "refresh failed")
		}

		got := r.sessions.ValidateAndRefreshSession(context.Background())
		assert.True(t, got.Valid)
		assert.False(t, got.Refreshed)
		assert.NotEmpty(t, got.Error)
	})
}

func TestSessionManager_StateMachine(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	assert.Equal(t, domainauth.SessionState(""), r.sessions.Evaluate())

	_, err := r.authn.Login(ctx, domainauth.Credentials{Email: testAdminEmail, Password: "adminpw"})
	require.NoError(t, err)
	sess, err := r.authn.GetSession(ctx)
	require.NoError(t, err)
	r.sessions.CreateAdminSession(ctx, CreateAdminSessionInput{UserID: testAdminID, Email: testAdminEmail})

	assert.Equal(t, domainauth.SessionActive, r.sessions.Track(*sess))

	r.clock.Advance(55 * time.Minute)
	assert.Equal(t, domainauth.SessionWarning, r.sessions.Evaluate())

	renewed, err := r.sessions.ExtendSession(ctx, testAdminID)
	require.NoError(t, err)
	assert.Equal(t, r.clock.Now().Add(time.Hour).Unix(), renewed.ExpiresAt)
	assert.Equal(t, domainauth.SessionActive, r.sessions.State())
	assert.Equal(t, r.clock.Now(), r.adminSessions.Rows()[0].LastActivity)

	r.clock.Advance(time.Hour)
	assert.Equal(t, domainauth.SessionExpired, r.sessions.Evaluate())

	_, err = r.sessions.ExtendSession(ctx, testAdminID)
	require.Error(t, err)
	assert.True(t, apperrors.IsSessionExpired(err))
	assert.Equal(t, 1, r.provider.Calls().Refresh, "expired sessions are not refreshed")

	r.sessions.Track(*sessionExpiringIn(r.clock.Now(), time.Hour, adminIdentity))
	assert.Equal(t, domainauth.SessionActive, r.sessions.State(), "a new login leaves Expired")

	r.sessions.Reset()
	assert.Equal(t, domainauth.SessionState(""), r.sessions.State())
}

func TestSessionManager_ExtendFailureLeavesStateUntouched(t *testing.T) {
	r := newRig(t)
	r.sessions.Track(*sessionExpiringIn(testEpoch, 5*time.Minute, adminIdentity))
	require.Equal(t, domainauth.SessionWarning, r.sessions.State())

	r.provider.RefreshFunc = func(context.Context) (*domainauth.RawSession, domainauth.Identity, error) {
		return nil, domainauth.Identity{}, apperrors.Network(errors.New("eof"), "refresh failed")
	}
	_, err := r.sessions.ExtendSession(context.Background(), testAdminID)
	require.Error(t, err)
	assert.Equal(t, domainauth.SessionWarning, r.sessions.State())

	r.clock.Advance(5 * time.Minute)
	assert.Equal(t, domainauth.SessionExpired, r.sessions.Evaluate())
}
