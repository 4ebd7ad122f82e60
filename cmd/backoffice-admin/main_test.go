package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armazem-sao-joaquim/backoffice/config"
	"github.com/armazem-sao-joaquim/backoffice/internal/core"
	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
	"github.com/armazem-sao-joaquim/backoffice/internal/migrate"
	fakes "github.com/armazem-sao-joaquim/backoffice/internal/mocks/auth"
)

type listingProfileStore struct {
	*fakes.MemoryProfileStore
	admins []domainauth.UserProfile
}

func (l listingProfileStore) ListByRole(_ context.Context, role domainauth.Role, _ int) ([]domainauth.UserProfile, error) {
	if role != domainauth.RoleAdmin {
		return nil, nil
	}
	return l.admins, nil
}

type cliFixture struct {
	profiles *fakes.MemoryProfileStore
	sessions *fakes.MemoryAdminSessionStore
	cache    *core.MemoryVerificationCache
	admins   []domainauth.UserProfile
	host     string
	input    string
	opened   int
}

func newCLIFixture() *cliFixture {
	return &cliFixture{
		profiles: fakes.NewMemoryProfileStore(domainauth.UserProfile{
			ID: "user-1", Email: "user@x.com", Role: domainauth.RoleUser,
		}),
		sessions: fakes.NewMemoryAdminSessionStore(),
		cache:    core.NewMemoryVerificationCache(5*time.Minute, nil),
		host:     "localhost",
	}
}

func (f *cliFixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmdCtx := &commandContext{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		loadConfig: func() (config.AppConfig, error) {
			cfg := config.AppConfig{
				Auth: config.AuthConfig{
					AdminEmail:    config.DefaultAdminEmail,
					AdminCacheTTL: 5 * time.Minute,
				},
				Postgres: config.DBConfig{Host: f.host},
			}
			return cfg, nil
		},
		open: func(context.Context, *commandContext) (*stores, func(), error) {
			f.opened++
			return &stores{
				Profiles: listingProfileStore{MemoryProfileStore: f.profiles, admins: f.admins},
				Sessions: f.sessions,
				Cache:    f.cache,
			}, func() {}, nil
		},
		in: strings.NewReader(f.input),
	}
	root := newRootCmd(cmdCtx)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestIsLikelyRemoteHost(t *testing.T) {
	tests := map[string]bool{
		"":                 false,
		"localhost":        false,
		"127.0.0.1":        false,
		"::1":              false,
		"db.local":         false,
		"127.0.0.2":        false,
		"10.0.0.5":         true,
		"db.example.com":   true,
		" LOCALHOST ":      false,
		"postgres.railway": true,
	}
	for host, want := range tests {
		assert.Equal(t, want, isLikelyRemoteHost(host), "host %q", host)
	}
}

func TestMigrate_RefusesRemoteHostWithoutFlag(t *testing.T) {
	f := newCLIFixture()
	f.host = "db.example.com"

	_, err := f.run(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--allow-remote")
	assert.Zero(t, f.opened, "stores must not be opened before the guard passes")
}

func TestMigrate_RemoteConfirmation(t *testing.T) {
	f := newCLIFixture()
	f.host = "db.example.com"
	f.input = "nope\n"

	out, err := f.run(t, "migrate", "--allow-remote")
	require.EqualError(t, err, "aborted by user")
	assert.Contains(t, out, "does not look like a local address")

	f.input = "db.example.com\n"
	_, err = f.run(t, "migrate", "--allow-remote")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a database connection")
	assert.Equal(t, 1, f.opened)
}

func TestPromoteAndDemote(t *testing.T) {
	f := newCLIFixture()
	ctx := context.Background()
	require.NoError(t, f.cache.Set(ctx, "user-1", domainauth.AdminVerificationResult{Method: domainauth.MethodProfileRole}))

	out, err := f.run(t, "promote", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "profile user-1 is now admin\n", out)

	p, err := f.profiles.GetByID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domainauth.RoleAdmin, p.Role)

	_, hit, err := f.cache.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, hit, "promotion must clear the cached determination")

	out, err = f.run(t, "demote", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "profile user-1 is now user\n", out)
}

func TestPromote_UnknownProfile(t *testing.T) {
	f := newCLIFixture()
	_, err := f.run(t, "promote", "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSeedAdmin(t *testing.T) {
	f := newCLIFixture()

	out, err := f.run(t, "seed-admin", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, "profile admin-1 ("+config.DefaultAdminEmail+") is admin\n", out)

	p, err := f.profiles.GetByID(context.Background(), "admin-1")
	require.NoError(t, err)
	assert.True(t, p.IsAdmin())

	_, err = f.run(t, "seed-admin", "user-2", "--email", "someone@else.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allow-listed")
}

func TestVerify(t *testing.T) {
	f := newCLIFixture()

	out, err := f.run(t, "verify", "admin-1", config.DefaultAdminEmail)
	require.NoError(t, err)
	assert.Regexp(t, `Admin\s+true`, out)
	assert.Regexp(t, `Method\s+email`, out)

	out, err = f.run(t, "verify", "user-1", "user@x.com")
	require.NoError(t, err)
	assert.Regexp(t, `Admin\s+false`, out)
	assert.Regexp(t, `Method\s+profile-role`, out)
	assert.Regexp(t, `Profile Role\s+user`, out)

	require.NoError(t, f.profiles.SetRole(context.Background(), "user-1", domainauth.RoleAdmin))

	out, err = f.run(t, "verify", "user-1", "user@x.com")
	require.NoError(t, err)
	assert.Regexp(t, `Method\s+cache`, out, "a second run reads the shared cache")

	out, err = f.run(t, "verify", "user-1", "user@x.com", "--fresh")
	require.NoError(t, err)
	assert.Regexp(t, `Admin\s+true`, out)
	assert.Regexp(t, `Method\s+profile-role`, out)
}

func TestSessions(t *testing.T) {
	f := newCLIFixture()

	_, err := f.run(t, "sessions")
	require.EqualError(t, err, "--user is required")

	out, err := f.run(t, "sessions", "--user", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, "no admin sessions\n", out)

	ip := "10.0.0.1"
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, f.sessions.Insert(ctx, domainauth.AdminSession{
		ID: "s-old", UserID: "admin-1", Email: config.DefaultAdminEmail,
		CreatedAt: base, LastActivity: base,
	}))
	require.NoError(t, f.sessions.Insert(ctx, domainauth.AdminSession{
		ID: "s-new", UserID: "admin-1", Email: config.DefaultAdminEmail,
		CreatedAt: base.Add(time.Hour), LastActivity: base.Add(time.Hour), IPAddress: &ip,
	}))

	out, err = f.run(t, "sessions", "--user", "admin-1", "--limit", "1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "s-new")
	assert.Contains(t, lines[1], "10.0.0.1")
	assert.Contains(t, lines[1], "2026-03-01T13:00:00Z")
}

func TestAdmins(t *testing.T) {
	f := newCLIFixture()

	out, err := f.run(t, "admins")
	require.NoError(t, err)
	assert.Equal(t, "no admin profiles\n", out)

	f.admins = []domainauth.UserProfile{{
		ID: "admin-1", Email: config.DefaultAdminEmail, Role: domainauth.RoleAdmin,
		UpdatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}}
	out, err = f.run(t, "admins")
	require.NoError(t, err)
	assert.Contains(t, out, "admin-1")
	assert.Contains(t, out, config.DefaultAdminEmail)
}

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var buf bytes.Buffer
	require.NoError(t, printMigrationStatus(&buf, []migrate.Status{
		{Version: "001", Applied: true, AppliedAt: &at},
		{Version: "002"},
	}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Regexp(t, `^001\s+true\s+2026-01-02T03:04:05Z$`, lines[1])
	assert.Regexp(t, `^002\s+false\s+-$`, lines[2])
}
