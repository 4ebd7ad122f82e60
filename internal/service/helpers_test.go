package service

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/armazem-sao-joaquim/backoffice/internal/core"
	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
	fakes "github.com/armazem-sao-joaquim/backoffice/internal/mocks/auth"
)

const (
	testAdminEmail = "armazemsaojoaquimoficial@gmail.com"
	testAdminID    = "admin-1"
	testUserEmail  = "user@x.com"
	testUserID     = "user-1"
)

var testEpoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// rig wires the auth components around in-memory fakes and a fixed clock.
type rig struct {
	clock         *core.FixedTimeProvider
	provider      *fakes.FakeIdentityProvider
	profiles      *fakes.MemoryProfileStore
	adminSessions *fakes.MemoryAdminSessionStore
	cache         *core.MemoryVerificationCache
	authn         *CredentialAuthenticator
	verifier      *AdminVerifier
	sessions      *SessionManager
}

func newRig(t *testing.T) *rig {
	t.Helper()
	clock := core.NewFixedTimeProvider(testEpoch)

	provider := fakes.NewFakeIdentityProvider().
		AddAccount(testAdminEmail, "adminpw", testAdminID).
		AddAccount(testUserEmail, "pw", testUserID)
	provider.Now = clock.Now

	profiles := fakes.NewMemoryProfileStore(domainauth.UserProfile{
		ID: testUserID, Email: testUserEmail, Role: domainauth.RoleUser,
	})
	profiles.Now = clock.Now

	cache := core.NewMemoryVerificationCache(5*time.Minute, clock)
	adminSessions := fakes.NewMemoryAdminSessionStore()

	authn, err := NewCredentialAuthenticator(CredentialAuthenticatorOptions{
		Provider: provider,
		Cache:    cache,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)

	verifier, err := NewAdminVerifier(AdminVerifierOptions{
		Profiles:   profiles,
		Cache:      cache,
		AdminEmail: testAdminEmail,
		Logger:     discardLogger(),
	})
	require.NoError(t, err)

	sessions, err := NewSessionManager(SessionManagerOptions{
		Source:        authn,
		AdminSessions: adminSessions,
		Clock:         clock,
		Logger:        discardLogger(),
	})
	require.NoError(t, err)

	return &rig{
		clock:         clock,
		provider:      provider,
		profiles:      profiles,
		adminSessions: adminSessions,
		cache:         cache,
		authn:         authn,
		verifier:      verifier,
		sessions:      sessions,
	}
}

func (r *rig) orchestrator(t *testing.T, interval time.Duration) *AuthOrchestrator {
	t.Helper()
	o, err := NewAuthOrchestrator(AuthOrchestratorOptions{
		Authenticator:   r.authn,
		Verifier:        r.verifier,
		Sessions:        r.sessions,
		MonitorInterval: interval,
		Logger:          discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o
}

func sessionExpiringIn(now time.Time, d time.Duration, user domainauth.Identity) *domainauth.RawSession {
	return &domainauth.RawSession{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    now.Add(d).Unix(),
		User:         user,
	}
}
