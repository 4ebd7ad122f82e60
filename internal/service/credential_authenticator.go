package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/armazem-sao-joaquim/backoffice/internal/core"
	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
	apperrors "github.com/armazem-sao-joaquim/backoffice/internal/errors"
	"github.com/armazem-sao-joaquim/backoffice/internal/observability/metrics"
	"github.com/armazem-sao-joaquim/backoffice/internal/ports"
)

// CredentialAuthenticatorOptions groups dependencies for CredentialAuthenticator.
type CredentialAuthenticatorOptions struct {
	Provider  ports.IdentityProvider
	Cache     core.VerificationCache
	Validator *validator.Validate
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
}

// CredentialAuthenticator wraps the identity provider's password login, logout and session calls.
type CredentialAuthenticator struct {
	provider ports.IdentityProvider
	cache    core.VerificationCache
	validate *validator.Validate
	metrics  *metrics.Recorder
	logger   *slog.Logger
}

// NewCredentialAuthenticator constructs a CredentialAuthenticator.
func NewCredentialAuthenticator(opts CredentialAuthenticatorOptions) (*CredentialAuthenticator, error) {
	if opts.Provider == nil {
		return nil, apperrors.Configuration("identity provider is required")
	}
	if opts.Cache == nil {
		return nil, apperrors.Configuration("verification cache is required")
	}
	v := opts.Validator
	if v == nil {
		v = validator.New(validator.WithRequiredStructEnabled())
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialAuthenticator{
		provider: opts.Provider,
		cache:    opts.Cache,
		validate: v,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "credential_authenticator"),
	}, nil
}

// LoginResult contains the identity and session issued by a successful login.
type LoginResult struct {
	Identity domainauth.Identity
	Session  domainauth.RawSession
}

// Login exchanges credentials for an identity and session.
// Rejections are returned as InvalidCredentials with the provider's message intact.
// Transport failures become Network errors and anything else is reported as unknown,
// both prefixed with "Login failed".
func (a *CredentialAuthenticator) Login(ctx context.Context, creds domainauth.Credentials) (*LoginResult, error) {
	if err := a.validate.StructCtx(ctx, creds); err != nil {
		verr := credentialsValidationError(err)
		a.metrics.ObserveLogin(verr)
		return nil, verr
	}

	res, err := metrics.Measure(ctx, a.metrics, "auth.login", func(ctx context.Context) (*LoginResult, error) {
		ident, sess, err := a.provider.SignInWithPassword(ctx, creds.Email, creds.Password)
		if err != nil {
			return nil, classifyLoginError(err)
		}
		if sess.User.IsZero() {
			sess.User = ident
		}
		return &LoginResult{Identity: ident, Session: sess}, nil
	})
	a.metrics.ObserveLogin(err)
	if err != nil {
		a.logger.WarnContext(ctx, "login rejected",
			"email", creds.Email,
			"code", apperrors.GetCode(err),
		)
		return nil, err
	}

	a.logger.InfoContext(ctx, "login succeeded", "user_id", res.Identity.ID, "email", res.Identity.Email)
	return res, nil
}

// Logout signs the current identity out and clears its cached admin determination.
// The cache is cleared even when the provider sign-out fails.
func (a *CredentialAuthenticator) Logout(ctx context.Context) error {
	var identityID string
	sess, err := a.provider.GetSession(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "logout: could not read current session", "error", err)
	} else if sess != nil {
		identityID = sess.User.ID
	}

	var errs []error
	if err := a.provider.SignOut(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sign out: %w", err))
	}

	if identityID != "" {
		if err := a.cache.ClearIdentity(ctx, identityID); err != nil {
			a.logger.ErrorContext(ctx, "logout: clear admin cache failed", "user_id", identityID, "error", err)
			errs = append(errs, fmt.Errorf("clear admin cache: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	a.logger.InfoContext(ctx, "logout completed", "user_id", identityID)
	return nil
}

// GetSession returns the provider's current session, or nil when there is none.
func (a *CredentialAuthenticator) GetSession(ctx context.Context) (*domainauth.RawSession, error) {
	sess, err := a.provider.GetSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// RefreshSession renews the provider session.
func (a *CredentialAuthenticator) RefreshSession(ctx context.Context) (*domainauth.RawSession, domainauth.Identity, error) {
	sess, ident, err := a.provider.RefreshSession(ctx)
	if err != nil {
		return nil, domainauth.Identity{}, fmt.Errorf("refresh session: %w", err)
	}
	return sess, ident, nil
}

func classifyLoginError(err error) error {
	switch {
	case apperrors.IsInvalidCredentials(err):
		return err
	case apperrors.IsNetwork(err), apperrors.IsTimeout(err),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apperrors.Network(err, "Login failed: "+apperrors.UserMessage(err))
	default:
		return apperrors.Wrap(err, apperrors.ErrCodeUnknown, "Login failed: "+apperrors.UserMessage(err))
	}
}

func credentialsValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := fe.Field()
		switch field {
		case "Email":
			return apperrors.ValidationField("email", "a valid email is required")
		case "Password":
			return apperrors.ValidationField("password", "password is required")
		}
		return apperrors.ValidationField(field, fmt.Sprintf("failed %s validation", fe.Tag()))
	}
	return apperrors.Validation(err.Error())
}
