package httpx

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/armazem-sao-joaquim/backoffice/internal/adapters/devauth"
	"github.com/armazem-sao-joaquim/backoffice/internal/core"
	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
	fakes "github.com/armazem-sao-joaquim/backoffice/internal/mocks/auth"
	"github.com/armazem-sao-joaquim/backoffice/internal/observability/metrics"
	"github.com/armazem-sao-joaquim/backoffice/internal/service"
)

const (
	testAdminEmail = "armazemsaojoaquimoficial@gmail.com"
	testUserEmail  = "user@x.com"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// stack is a router wired to a real runtime over the dev provider and in-memory stores.
type stack struct {
	hub           *ClientHub
	runtime       *service.AuthRuntime
	profiles      *fakes.MemoryProfileStore
	adminSessions *fakes.MemoryAdminSessionStore
	metrics       *metrics.Recorder
	handler       http.Handler
}

type stackOption func(*RouterServices)

func withLoginLimit(perSecond float64, burst int) stackOption {
	return func(s *RouterServices) { s.LoginLimiter = NewLoginLimiter(perSecond, burst) }
}

func newRuntime(t *testing.T) (*service.AuthRuntime, *fakes.MemoryProfileStore, *fakes.MemoryAdminSessionStore, *metrics.Recorder) {
	t.Helper()
	return newRuntimeAt(t, nil)
}

// newRuntimeAt builds the runtime with clock driving token and session expiry. Nil uses the wall clock.
func newRuntimeAt(
	t *testing.T,
	clock core.TimeProvider,
) (*service.AuthRuntime, *fakes.MemoryProfileStore, *fakes.MemoryAdminSessionStore, *metrics.Recorder) {
	t.Helper()
	accounts, err := devauth.ParseAccounts([]string{
		testAdminEmail + ":adminpw:admin-1",
		testUserEmail + ":pw:user-1",
	})
	require.NoError(t, err)
	providers, err := devauth.NewFactory(devauth.Config{
		Accounts:   accounts,
		SigningKey: []byte("http-test-key"),
		Tokens:     core.NewMemoryTokenStore(0, nil),
		Clock:      clock,
	})
	require.NoError(t, err)

	profiles := fakes.NewMemoryProfileStore(domainauth.UserProfile{
		ID: "user-1", Email: testUserEmail, Role: domainauth.RoleUser,
	})
	adminSessions := fakes.NewMemoryAdminSessionStore()
	cache := core.NewMemoryVerificationCache(5*time.Minute, nil)
	rec := metrics.NewRecorder(metrics.Options{})

	verifier, err := service.NewAdminVerifier(service.AdminVerifierOptions{
		Profiles:   profiles,
		Cache:      cache,
		AdminEmail: testAdminEmail,
		Metrics:    rec,
		Logger:     discardLogger(),
	})
	require.NoError(t, err)

	runtime, err := service.NewAuthRuntime(service.AuthRuntimeOptions{
		Providers:     providers,
		Verifier:      verifier,
		Cache:         cache,
		AdminSessions: adminSessions,
		Clock:         clock,
		Metrics:       rec,
		Logger:        discardLogger(),
	})
	require.NoError(t, err)
	return runtime, profiles, adminSessions, rec
}

func newStack(t *testing.T, opts ...stackOption) *stack {
	t.Helper()
	return newStackAt(t, nil, opts...)
}

func newStackAt(t *testing.T, clock core.TimeProvider, opts ...stackOption) *stack {
	t.Helper()
	runtime, profiles, adminSessions, rec := newRuntimeAt(t, clock)
	hub, err := NewClientHub(ClientHubOptions{Factory: runtime, Logger: discardLogger()})
	require.NoError(t, err)
	t.Cleanup(hub.Close)

	services := RouterServices{
		Hub:         hub,
		Metrics:     rec,
		MetricsPath: "/metrics",
		Logger:      discardLogger(),
	}
	for _, opt := range opts {
		opt(&services)
	}
	return &stack{
		hub:           hub,
		runtime:       runtime,
		profiles:      profiles,
		adminSessions: adminSessions,
		metrics:       rec,
		handler:       NewRouter(services),
	}
}

// browser is an HTTP client with a cookie jar against a live test server.
type browser struct {
	t      *testing.T
	server *httptest.Server
	client *http.Client
}

func (s *stack) newBrowser(t *testing.T) *browser {
	t.Helper()
	srv := httptest.NewServer(s.handler)
	t.Cleanup(srv.Close)
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &browser{t: t, server: srv, client: &http.Client{Jar: jar, Timeout: 5 * time.Second}}
}

func (b *browser) do(method, path, body string) (*http.Response, map[string]any) {
	b.t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, b.server.URL+path, reader)
	require.NoError(b.t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := b.client.Do(req)
	require.NoError(b.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(b.t, err)
	var decoded map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(b.t, json.Unmarshal(raw, &decoded), string(raw))
	}
	return resp, decoded
}

func (b *browser) login(email, password string) (*http.Response, map[string]any) {
	b.t.Helper()
	return b.do(http.MethodPost, "/auth/login", `{"email":"`+email+`","password":"`+password+`"}`)
}

func (b *browser) clientID() string {
	b.t.Helper()
	req, err := http.NewRequest(http.MethodGet, b.server.URL, nil)
	require.NoError(b.t, err)
	for _, c := range b.client.Jar.Cookies(req.URL) {
		if c.Name == ClientCookieName {
			return c.Value
		}
	}
	return ""
}
