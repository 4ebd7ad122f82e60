package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRawSession_RemainingAndExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := RawSession{ExpiresAt: now.Unix() + 90}

	assert.Equal(t, 90*time.Second, s.Remaining(now))
	assert.False(t, s.Expired(now))
	assert.False(t, s.Expired(now.Add(89*time.Second)))
	assert.True(t, s.Expired(now.Add(90*time.Second)), "expired once now reaches expires_at")
}

func TestRole_Valid(t *testing.T) {
	assert.True(t, RoleAdmin.Valid())
	assert.True(t, RoleUser.Valid())
	assert.False(t, Role("owner").Valid())
}

func TestNotAdmin(t *testing.T) {
	r := NotAdmin(MethodProfileRole, "boom")
	assert.False(t, r.IsAdmin)
	assert.Equal(t, MethodProfileRole, r.Method)
	assert.True(t, r.Failed())
}

func TestAuthState_Authenticated(t *testing.T) {
	assert.False(t, AuthState{Phase: PhaseAuthenticated}.Authenticated(), "no user means not authenticated")
	assert.True(t, AuthState{Phase: PhaseAuthenticated, User: &Identity{ID: "u"}}.Authenticated())
	assert.False(t, AuthState{Phase: PhaseUnauthenticated, User: &Identity{ID: "u"}}.Authenticated())
}

func TestAuthState_SessionExpiresAt(t *testing.T) {
	assert.Zero(t, AuthState{}.SessionExpiresAt())
	assert.Equal(t, int64(42), AuthState{Session: &RawSession{ExpiresAt: 42}}.SessionExpiresAt())
}
