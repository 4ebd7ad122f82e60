package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/armazem-sao-joaquim/backoffice/config"
	"github.com/armazem-sao-joaquim/backoffice/internal/adapters/devauth"
	"github.com/armazem-sao-joaquim/backoffice/internal/adapters/oidc"
	redisadapter "github.com/armazem-sao-joaquim/backoffice/internal/adapters/redis"
	"github.com/armazem-sao-joaquim/backoffice/internal/core"
	"github.com/armazem-sao-joaquim/backoffice/internal/data"
	apperrors "github.com/armazem-sao-joaquim/backoffice/internal/errors"
	"github.com/armazem-sao-joaquim/backoffice/internal/observability/metrics"
	"github.com/armazem-sao-joaquim/backoffice/internal/ports"
	"github.com/armazem-sao-joaquim/backoffice/internal/service"
)

// AuthDeps contains the infrastructure the auth runtime is built on.
type AuthDeps struct {
	Config  *config.AppConfig
	DB      *sql.DB
	Redis   redis.UniversalClient
	Metrics *metrics.Recorder
	Clock   core.TimeProvider
	Logger  *slog.Logger
}

// AuthComponents are the shared auth services of one process.
type AuthComponents struct {
	Runtime       *service.AuthRuntime
	Verifier      *service.AdminVerifier
	Cache         core.VerificationCache
	// CacheRepo is the shared store behind Cache; nil with the memory backend.
	CacheRepo     core.CacheRepository
	Tokens        ports.TokenStore
	Providers     ports.IdentityProviderFactory
	Profiles      *data.ProfileRepo
	AdminSessions *data.AdminSessionRepo
}

// BuildAuth wires the identity provider, caches, repositories and verifier into an AuthRuntime.
func BuildAuth(ctx context.Context, deps AuthDeps) (*AuthComponents, error) {
	if deps.Config == nil {
		return nil, apperrors.Configuration("app config is required")
	}
	if deps.DB == nil {
		return nil, apperrors.Configuration("database connection is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = core.RealTimeProvider{}
	}
	authCfg := deps.Config.Auth

	tokens, err := buildTokenStore(deps.Config, deps.Redis, clock)
	if err != nil {
		return nil, err
	}
	var cacheRepo core.CacheRepository
	if NeedsRedis(deps.Config) && deps.Redis != nil {
		cacheRepo = data.NewRedisCacheRepoWithNamespace(deps.Redis, deps.Config.Cache.KeyPrefix)
	}
	cache, err := buildVerificationCache(deps.Config, cacheRepo, clock)
	if err != nil {
		return nil, err
	}
	providers, err := buildProviderFactory(ctx, authCfg, tokens, clock)
	if err != nil {
		return nil, err
	}

	profiles := data.NewProfileRepoWithTimeProvider(deps.DB, clock)
	adminSessions := data.NewAdminSessionRepo(deps.DB)

	verifier, err := service.NewAdminVerifier(service.AdminVerifierOptions{
		Profiles:      profiles,
		Cache:         cache,
		AdminEmail:    authCfg.AdminEmail,
		VerifyTimeout: authCfg.VerifyTimeout,
		Metrics:       deps.Metrics,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build admin verifier: %w", err)
	}

	runtime, err := service.NewAuthRuntime(service.AuthRuntimeOptions{
		Providers:        providers,
		Verifier:         verifier,
		Cache:            cache,
		AdminSessions:    adminSessions,
		Clock:            clock,
		WarningThreshold: authCfg.WarningThreshold,
		RefreshThreshold: authCfg.RefreshThreshold,
		MonitorInterval:  authCfg.MonitorInterval,
		Metrics:          deps.Metrics,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build auth runtime: %w", err)
	}

	logger.InfoContext(ctx, "auth runtime ready",
		"mode", authCfg.Mode,
		"cache_backend", authCfg.CacheBackend,
		"admin_cache_ttl", authCfg.AdminCacheTTL,
	)

	return &AuthComponents{
		Runtime:       runtime,
		Verifier:      verifier,
		Cache:         cache,
		CacheRepo:     cacheRepo,
		Tokens:        tokens,
		Providers:     providers,
		Profiles:      profiles,
		AdminSessions: adminSessions,
	}, nil
}

//nolint:ireturn // the backend is chosen at runtime.
func buildTokenStore(cfg *config.AppConfig, client redis.UniversalClient, clock core.TimeProvider) (ports.TokenStore, error) {
	switch cfg.Auth.CacheBackend {
	case config.CacheBackendRedis:
		if client == nil {
			return nil, apperrors.Configuration("AUTH_CACHE_BACKEND=redis requires a redis connection")
		}
		return redisadapter.NewTokenStoreWithPrefix(client, cfg.Cache.KeyPrefix+"tokens:", cfg.Auth.TokenRetention), nil
	default:
		return core.NewMemoryTokenStore(cfg.Auth.TokenRetention, clock), nil
	}
}

//nolint:ireturn // the backend is chosen at runtime.
func buildVerificationCache(
	cfg *config.AppConfig,
	repo core.CacheRepository,
	clock core.TimeProvider,
) (core.VerificationCache, error) {
	switch cfg.Auth.CacheBackend {
	case config.CacheBackendRedis:
		if repo == nil {
			return nil, apperrors.Configuration("AUTH_CACHE_BACKEND=redis requires a redis connection")
		}
		return core.NewRepositoryVerificationCache(core.RepositoryVerificationCacheOptions{
			Repo:  repo,
			TTL:   cfg.Auth.AdminCacheTTL,
			Clock: clock,
		})
	default:
		return core.NewMemoryVerificationCache(cfg.Auth.AdminCacheTTL, clock), nil
	}
}

//nolint:ireturn // the provider is chosen by AUTH_MODE.
func buildProviderFactory(
	ctx context.Context,
	cfg config.AuthConfig,
	tokens ports.TokenStore,
	clock core.TimeProvider,
) (ports.IdentityProviderFactory, error) {
	switch cfg.Mode {
	case config.AuthModeMock:
		accounts, err := devauth.ParseAccounts(cfg.DevAuth.Accounts)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeConfiguration, "parse DEV_AUTH_ACCOUNTS")
		}
		var key []byte
		if cfg.DevAuth.SigningSecret != "" {
			key = []byte(cfg.DevAuth.SigningSecret)
		}
		factory, err := devauth.NewFactory(devauth.Config{
			Accounts:        accounts,
			SigningKey:      key,
			SessionDuration: cfg.DevAuth.TokenLifetime,
			RefreshDuration: cfg.DevAuth.RefreshLifetime,
			Tokens:          tokens,
			Clock:           clock,
		})
		if err != nil {
			return nil, fmt.Errorf("build dev auth provider: %w", err)
		}
		return factory, nil

	case config.AuthModeOIDC:
		factory, err := oidc.NewFactory(ctx, oidc.ProviderConfig{
			ClientID:      cfg.OIDC.ClientID,
			ClientSecret:  cfg.OIDC.ClientSecret,
			Scope:         cfg.OIDC.Scope,
			DiscoveryURL:  cfg.OIDC.DiscoveryURL,
			RevocationURL: cfg.OIDC.RevocationURL,
			IDClaim:       cfg.OIDC.IDClaim,
			EmailClaim:    cfg.OIDC.EmailClaim,
			HTTPClient:    &http.Client{Timeout: cfg.OIDC.Timeout},
		}, tokens)
		if err != nil {
			return nil, fmt.Errorf("build oidc provider: %w", err)
		}
		return factory, nil

	default:
		return nil, apperrors.Configurationf("unsupported auth mode %q", cfg.Mode)
	}
}

// NeedsRedis reports whether the configuration keeps shared state in Redis.
func NeedsRedis(cfg *config.AppConfig) bool {
	return cfg != nil && cfg.Auth.CacheBackend == config.CacheBackendRedis
}
