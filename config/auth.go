package config

import (
	"fmt"
	"strings"
	"time"
)

// DefaultAdminEmail is the allow-listed administrator address.
const DefaultAdminEmail = "armazemsaojoaquimoficial@gmail.com"

// AuthMode represents the authentication mode for the application.
type AuthMode string

const (
	// AuthModeOIDC signs users in against an OpenID Connect provider.
	AuthModeOIDC AuthMode = "oidc"
	// AuthModeMock uses statically configured dev accounts (for development only).
	AuthModeMock AuthMode = "mock"
)

// UnmarshalText implements encoding.TextUnmarshaler for AuthMode.
func (a *AuthMode) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	switch v {
	case "oidc", "mock":
		*a = AuthMode(v)
		return nil
	default:
		return fmt.Errorf("invalid AuthMode: %q (valid options: oidc, mock)", v)
	}
}

// CacheBackend selects where admin verification results and provider sessions live.
type CacheBackend string

const (
	// CacheBackendMemory keeps state inside the process.
	CacheBackendMemory CacheBackend = "memory"
	// CacheBackendRedis shares state across instances through Redis.
	CacheBackendRedis CacheBackend = "redis"
)

// UnmarshalText implements encoding.TextUnmarshaler for CacheBackend.
func (b *CacheBackend) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	switch v {
	case "memory", "redis":
		*b = CacheBackend(v)
		return nil
	default:
		return fmt.Errorf("invalid CacheBackend: %q (valid options: memory, redis)", v)
	}
}

// OIDCConfig contains OpenID Connect provider configuration.
type OIDCConfig struct {
	// DiscoveryURL is the issuer or its /.well-known/openid-configuration URL.
	DiscoveryURL  string        `env:"DISCOVERY_URL"`
	ClientID      string        `env:"CLIENT_ID"     envDefault:"backoffice"`
	ClientSecret  string        `env:"CLIENT_SECRET"`
	Scope         string        `env:"SCOPE"         envDefault:"openid profile email offline_access"`
	RevocationURL string        `env:"REVOCATION_URL"`
	IDClaim       string        `env:"ID_CLAIM"      envDefault:"sub"`
	EmailClaim    string        `env:"EMAIL_CLAIM"   envDefault:"email"`
	Timeout       time.Duration `env:"TIMEOUT"       envDefault:"10s"`
}

// DevAuthConfig controls the mock/dev identity provider.
// Used when AUTH_MODE=mock for development and testing.
type DevAuthConfig struct {
	// Accounts are "email:password[:id]" entries separated by ";".
	Accounts        []string      `env:"ACCOUNTS"         envDefault:"armazemsaojoaquimoficial@gmail.com:adminpw" envSeparator:";"`
	SigningSecret   string        `env:"SIGNING_SECRET"`
	TokenLifetime   time.Duration `env:"TOKEN_LIFETIME"   envDefault:"1h"`
	RefreshLifetime time.Duration `env:"REFRESH_LIFETIME" envDefault:"24h"`
}

// AuthConfig groups all authentication-related configuration.
type AuthConfig struct {
	// Mode determines which identity provider to use.
	Mode AuthMode `env:"AUTH_MODE" envDefault:"oidc"`

	// OIDC configuration (used when Mode=oidc).
	OIDC OIDCConfig `envPrefix:"OIDC_"`

	// DevAuth configuration (used when Mode=mock).
	DevAuth DevAuthConfig `envPrefix:"DEV_AUTH_"`

	// AdminEmail is matched case-sensitively by the email allow-list check.
	AdminEmail string `env:"AUTH_ADMIN_EMAIL" envDefault:"armazemsaojoaquimoficial@gmail.com"`

	AdminCacheTTL    time.Duration `env:"AUTH_ADMIN_CACHE_TTL"    envDefault:"5m"`
	CacheBackend     CacheBackend  `env:"AUTH_CACHE_BACKEND"      envDefault:"memory"`
	VerifyTimeout    time.Duration `env:"AUTH_VERIFY_TIMEOUT"     envDefault:"10s"`
	WarningThreshold time.Duration `env:"AUTH_WARNING_THRESHOLD"  envDefault:"10m"`
	RefreshThreshold time.Duration `env:"AUTH_REFRESH_THRESHOLD"  envDefault:"5m"`
	MonitorInterval  time.Duration `env:"AUTH_MONITOR_INTERVAL"   envDefault:"60s"`

	// TokenRetention bounds how long a stored provider session survives without use.
	TokenRetention time.Duration `env:"AUTH_TOKEN_RETENTION" envDefault:"720h"`

	// ClientIdleTimeout tears down per-client orchestrators that saw no requests.
	ClientIdleTimeout time.Duration `env:"AUTH_CLIENT_IDLE_TIMEOUT" envDefault:"30m"`

	// LoginRate is the sustained login attempts per second allowed per remote address.
	LoginRate  float64 `env:"AUTH_LOGIN_RATE"  envDefault:"0.2"`
	LoginBurst int     `env:"AUTH_LOGIN_BURST" envDefault:"5"`
}

// Sanitize applies guardrails to auth configuration values.
func (a *AuthConfig) Sanitize() {
	a.AdminEmail = strings.TrimSpace(a.AdminEmail)
	a.OIDC.DiscoveryURL = strings.TrimSpace(a.OIDC.DiscoveryURL)
	if a.AdminCacheTTL <= 0 {
		a.AdminCacheTTL = 5 * time.Minute
	}
	if a.VerifyTimeout <= 0 {
		a.VerifyTimeout = 10 * time.Second
	}
	if a.WarningThreshold <= 0 {
		a.WarningThreshold = 10 * time.Minute
	}
	if a.RefreshThreshold <= 0 {
		a.RefreshThreshold = 5 * time.Minute
	}
	if a.MonitorInterval < time.Second {
		a.MonitorInterval = time.Second
	}
	if a.ClientIdleTimeout < time.Minute {
		a.ClientIdleTimeout = time.Minute
	}
	if a.LoginRate <= 0 {
		a.LoginRate = 0.2
	}
	if a.LoginBurst < 1 {
		a.LoginBurst = 1
	}
	if a.OIDC.Timeout <= 0 {
		a.OIDC.Timeout = 10 * time.Second
	}
}

// Validate reports settings the auth stack cannot start with.
func (a *AuthConfig) Validate() error {
	if a.AdminEmail == "" {
		return fmt.Errorf("AUTH_ADMIN_EMAIL must not be empty")
	}
	switch a.Mode {
	case AuthModeOIDC:
		if a.OIDC.DiscoveryURL == "" {
			return fmt.Errorf("OIDC_DISCOVERY_URL is required when AUTH_MODE=oidc")
		}
		if a.OIDC.ClientID == "" {
			return fmt.Errorf("OIDC_CLIENT_ID is required when AUTH_MODE=oidc")
		}
	case AuthModeMock:
		if len(a.DevAuth.Accounts) == 0 {
			return fmt.Errorf("DEV_AUTH_ACCOUNTS is required when AUTH_MODE=mock")
		}
	default:
		return fmt.Errorf("unsupported AUTH_MODE %q", a.Mode)
	}
	return nil
}
