package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/armazem-sao-joaquim/backoffice/internal/core"
	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
	apperrors "github.com/armazem-sao-joaquim/backoffice/internal/errors"
	"github.com/armazem-sao-joaquim/backoffice/internal/mocks"
)

var (
	adminIdentity = domainauth.Identity{ID: testAdminID, Email: testAdminEmail}
	userIdentity  = domainauth.Identity{ID: testUserID, Email: testUserEmail}
)

func TestAdminVerifier_EmailAllowList(t *testing.T) {
	r := newRig(t)

	res := r.verifier.VerifyAdminStatus(context.Background(), adminIdentity)
	assert.True(t, res.IsAdmin)
	assert.Equal(t, domainauth.MethodEmail, res.Method)
	assert.Empty(t, res.Error)
	assert.Zero(t, r.profiles.GetCalls(), "email match needs no profile lookup")
}

func TestAdminVerifier_EmailMatchIsCaseSensitive(t *testing.T) {
	r := newRig(t)

	res := r.verifier.VerifyAdminStatus(context.Background(), domainauth.Identity{
		ID:    "other",
		Email: "ArmazemSaoJoaquimOficial@gmail.com",
	})
	assert.False(t, res.IsAdmin)
	assert.Equal(t, domainauth.MethodProfileRole, res.Method)
}

func TestAdminVerifier_ProfileRole(t *testing.T) {
	tests := []struct {
		name      string
		role      domainauth.Role
		wantAdmin bool
	}{
		{name: "user role", role: domainauth.RoleUser, wantAdmin: false},
		{name: "admin role", role: domainauth.RoleAdmin, wantAdmin: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t)
			r.profiles.Put(domainauth.UserProfile{ID: testUserID, Email: testUserEmail, Role: tt.role})

			res := r.verifier.VerifyAdminStatus(context.Background(), userIdentity)
			assert.Equal(t, tt.wantAdmin, res.IsAdmin)
			assert.Equal(t, domainauth.MethodProfileRole, res.Method)
			require.NotNil(t, res.Profile)
			assert.Equal(t, tt.role, res.Profile.Role)
		})
	}
}

func TestAdminVerifier_MissingProfileForOrdinaryUserIsNotProvisioned(t *testing.T) {
	r := newRig(t)
	stranger := domainauth.Identity{ID: "stranger", Email: "stranger@x.com"}

	res := r.verifier.VerifyAdminStatus(context.Background(), stranger)
	assert.False(t, res.IsAdmin)
	assert.Equal(t, domainauth.MethodProfileRole, res.Method)
	assert.Empty(t, res.Error)
	assert.Zero(t, r.profiles.UpsertCalls())
}

func TestProfileRoleCheck_ProvisionsAllowListedAdmin(t *testing.T) {
	r := newRig(t)
	check := ProfileRoleCheck{Profiles: r.profiles, AdminEmail: testAdminEmail}

	res, err := check.Check(context.Background(), adminIdentity)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.IsAdmin)
	assert.Equal(t, 1, r.profiles.UpsertCalls())

	stored, err := r.profiles.GetByID(context.Background(), testAdminID)
	require.NoError(t, err)
	assert.Equal(t, domainauth.RoleAdmin, stored.Role)
}

func TestAdminVerifier_EnsureAdminProfileRestrictedToAllowListedEmail(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.verifier.EnsureAdminProfile(ctx, userIdentity)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Zero(t, r.profiles.UpsertCalls())

	p, err := r.verifier.EnsureAdminProfile(ctx, adminIdentity)
	require.NoError(t, err)
	assert.True(t, p.IsAdmin())
}

func TestAdminVerifier_CachedWithinTTL(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	first := r.verifier.VerifyAdminStatus(ctx, userIdentity)
	second := r.verifier.VerifyAdminStatus(ctx, userIdentity)

	assert.Equal(t, 1, r.profiles.GetCalls(), "second call is served from cache")
	assert.Equal(t, first.IsAdmin, second.IsAdmin)
	assert.Equal(t, domainauth.MethodCache, second.Method)
	assert.Equal(t, first.Profile, second.Profile)
}

func TestAdminVerifier_RequeriesAfterTTL(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	r.verifier.VerifyAdminStatus(ctx, userIdentity)
	r.clock.Advance(5 * time.Minute)
	res := r.verifier.VerifyAdminStatus(ctx, userIdentity)

	assert.Equal(t, 2, r.profiles.GetCalls())
	assert.Equal(t, domainauth.MethodProfileRole, res.Method)
}

func TestAdminVerifier_FailsClosedAndDoesNotCacheFailures(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.profiles.Put(domainauth.UserProfile{ID: testUserID, Email: testUserEmail, Role: domainauth.RoleAdmin})
	r.profiles.GetErr = errors.New("connection reset by peer")

	res := r.verifier.VerifyAdminStatus(ctx, userIdentity)
	assert.False(t, res.IsAdmin)
	assert.Equal(t, domainauth.MethodProfileRole, res.Method)
	assert.Contains(t, res.Error, "connection reset by peer")
	assert.Zero(t, r.cache.Entries())

	r.profiles.GetErr = nil
	res = r.verifier.VerifyAdminStatus(ctx, userIdentity)
	assert.True(t, res.IsAdmin)
	assert.Equal(t, 2, r.profiles.GetCalls())
}

func TestAdminVerifier_ProvisioningFailureFailsClosed(t *testing.T) {
	r := newRig(t)
	r.profiles.UpsertErr = errors.New("insert denied")
	v, err := NewAdminVerifier(AdminVerifierOptions{
		Cache:  r.cache,
		Checks: []AdminCheck{ProfileRoleCheck{Profiles: r.profiles, AdminEmail: testAdminEmail}},
		Logger: discardLogger(),
	})
	require.NoError(t, err)

	res := v.VerifyAdminStatus(context.Background(), adminIdentity)
	assert.False(t, res.IsAdmin)
	assert.NotEmpty(t, res.Error)
}

func TestAdminVerifier_CoalescesConcurrentCalls(t *testing.T) {
	r := newRig(t)
	release := make(chan struct{})
	r.profiles.BeforeGet = func(string) { <-release }

	const callers = 16
	var wg sync.WaitGroup
	results := make([]domainauth.AdminVerificationResult, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.verifier.VerifyAdminStatus(context.Background(), userIdentity)
		}(i)
	}

	require.Eventually(t, func() bool { return r.profiles.GetCalls() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, r.profiles.GetCalls())
	for _, res := range results {
		assert.False(t, res.IsAdmin)
		assert.Empty(t, res.Error)
	}
}

func TestAdminVerifier_InvalidateDuringFlightSkipsCacheWrite(t *testing.T) {
	r := newRig(t)
	release := make(chan struct{})
	r.profiles.BeforeGet = func(string) { <-release }

	done := make(chan domainauth.AdminVerificationResult, 1)
	go func() { done <- r.verifier.VerifyAdminStatus(context.Background(), userIdentity) }()

	require.Eventually(t, func() bool { return r.profiles.GetCalls() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, r.verifier.Invalidate(context.Background(), testUserID))
	close(release)
	<-done

	assert.Zero(t, r.cache.Entries())
}

func TestAdminVerifier_CallerCancellationFailsClosed(t *testing.T) {
	r := newRig(t)
	release := make(chan struct{})
	defer close(release)
	r.profiles.Put(domainauth.UserProfile{ID: testUserID, Email: testUserEmail, Role: domainauth.RoleAdmin})
	r.profiles.BeforeGet = func(string) { <-release }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := r.verifier.VerifyAdminStatus(ctx, userIdentity)
	assert.False(t, res.IsAdmin)
	assert.NotEmpty(t, res.Error)
}

func TestAdminVerifier_CacheReadErrorFallsThrough(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockCacheRepository(ctrl)
	repo.EXPECT().Get(gomock.Any(), "admin:"+testUserID).Return(nil, errors.New("redis down")).Times(2)
	repo.EXPECT().Set(gomock.Any(), "admin:"+testUserID, gomock.Any(), 5*time.Minute).Return(nil)

	cache, err := core.NewRepositoryVerificationCache(core.RepositoryVerificationCacheOptions{Repo: repo})
	require.NoError(t, err)

	r := newRig(t)
	v, err := NewAdminVerifier(AdminVerifierOptions{
		Profiles:   r.profiles,
		Cache:      cache,
		AdminEmail: testAdminEmail,
		Logger:     discardLogger(),
	})
	require.NoError(t, err)

	res := v.VerifyAdminStatus(context.Background(), userIdentity)
	assert.False(t, res.IsAdmin)
	assert.Equal(t, domainauth.MethodProfileRole, res.Method)
	assert.Equal(t, 1, r.profiles.GetCalls())
}

func TestAdminVerifier_EmptyIdentity(t *testing.T) {
	r := newRig(t)
	res := r.verifier.VerifyAdminStatus(context.Background(), domainauth.Identity{})
	assert.False(t, res.IsAdmin)
	assert.NotEmpty(t, res.Error)
}

// gatedSetCache blocks the first Set until release is closed.
type gatedSetCache struct {
	core.VerificationCache
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *gatedSetCache) Set(ctx context.Context, id string, res domainauth.AdminVerificationResult) error {
	c.once.Do(func() {
		close(c.entered)
		<-c.release
	})
	return c.VerificationCache.Set(ctx, id, res)
}

func TestAdminVerifier_InvalidateDuringCacheWriteClearsStaleEntry(t *testing.T) {
	r := newRig(t)
	r.profiles.Put(domainauth.UserProfile{ID: testUserID, Email: testUserEmail, Role: domainauth.RoleAdmin})
	cache := &gatedSetCache{
		VerificationCache: r.cache,
		entered:           make(chan struct{}),
		release:           make(chan struct{}),
	}
	v, err := NewAdminVerifier(AdminVerifierOptions{
		Profiles:   r.profiles,
		Cache:      cache,
		AdminEmail: testAdminEmail,
		Logger:     discardLogger(),
	})
	require.NoError(t, err)

	done := make(chan domainauth.AdminVerificationResult, 1)
	go func() { done <- v.VerifyAdminStatus(context.Background(), userIdentity) }()

	select {
	case <-cache.entered:
	case <-time.After(time.Second):
		t.Fatal("cache write never started")
	}
	require.NoError(t, r.profiles.SetRole(context.Background(), testUserID, domainauth.RoleUser))
	require.NoError(t, v.Invalidate(context.Background(), testUserID))
	close(cache.release)
	first := <-done
	assert.True(t, first.IsAdmin)
	assert.Zero(t, r.cache.Entries(), "demoted admin must not stay cached")

	res := v.VerifyAdminStatus(context.Background(), userIdentity)
	assert.False(t, res.IsAdmin)
	assert.Equal(t, domainauth.MethodProfileRole, res.Method)
}
