package service

import (
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/armazem-sao-joaquim/backoffice/internal/core"
	apperrors "github.com/armazem-sao-joaquim/backoffice/internal/errors"
	"github.com/armazem-sao-joaquim/backoffice/internal/observability/metrics"
	"github.com/armazem-sao-joaquim/backoffice/internal/ports"
)

// AuthRuntimeOptions groups the process-wide auth dependencies.
type AuthRuntimeOptions struct {
	Providers        ports.IdentityProviderFactory
	Verifier         *AdminVerifier
	Cache            core.VerificationCache
	AdminSessions    ports.AdminSessionStore
	Clock            core.TimeProvider
	WarningThreshold time.Duration
	RefreshThreshold time.Duration
	MonitorInterval  time.Duration
	Metrics          *metrics.Recorder
	Logger           *slog.Logger
}

// AuthRuntime holds the shared verifier and cache and builds one orchestrator per client.
type AuthRuntime struct {
	opts     AuthRuntimeOptions
	validate *validator.Validate
	logger   *slog.Logger
}

// NewAuthRuntime constructs an AuthRuntime.
func NewAuthRuntime(opts AuthRuntimeOptions) (*AuthRuntime, error) {
	if opts.Providers == nil {
		return nil, apperrors.Configuration("identity provider factory is required")
	}
	if opts.Verifier == nil {
		return nil, apperrors.Configuration("admin verifier is required")
	}
	if opts.Cache == nil {
		return nil, apperrors.Configuration("verification cache is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthRuntime{
		opts:     opts,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}, nil
}

// Verifier returns the shared admin verifier.
func (r *AuthRuntime) Verifier() *AdminVerifier { return r.opts.Verifier }

// NewOrchestrator wires an orchestrator around the provider for clientID.
// The caller owns it and must Close it.
func (r *AuthRuntime) NewOrchestrator(clientID string) (*AuthOrchestrator, error) {
	if clientID == "" {
		return nil, apperrors.ValidationField("client_id", "client id is required")
	}
	logger := r.logger.With("client_id", clientID)
	provider := r.opts.Providers.ForClient(clientID)

	authn, err := NewCredentialAuthenticator(CredentialAuthenticatorOptions{
		Provider:  provider,
		Cache:     r.opts.Cache,
		Validator: r.validate,
		Metrics:   r.opts.Metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	sessions, err := NewSessionManager(SessionManagerOptions{
		Source:           authn,
		AdminSessions:    r.opts.AdminSessions,
		Clock:            r.opts.Clock,
		WarningThreshold: r.opts.WarningThreshold,
		RefreshThreshold: r.opts.RefreshThreshold,
		Metrics:          r.opts.Metrics,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	return NewAuthOrchestrator(AuthOrchestratorOptions{
		Authenticator:   authn,
		Verifier:        r.opts.Verifier,
		Sessions:        sessions,
		MonitorInterval: r.opts.MonitorInterval,
		Logger:          logger,
	})
}
