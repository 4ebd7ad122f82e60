package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/armazem-sao-joaquim/backoffice/internal/core"
	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
	apperrors "github.com/armazem-sao-joaquim/backoffice/internal/errors"
	"github.com/armazem-sao-joaquim/backoffice/internal/observability/metrics"
	"github.com/armazem-sao-joaquim/backoffice/internal/ports"
)

// DefaultVerifyTimeout bounds one uncached verification run.
const DefaultVerifyTimeout = 10 * time.Second

// AdminCheck is one strategy in the verification cascade.
// Check returns nil with no error when the strategy has no opinion about identity.
type AdminCheck interface {
	Method() domainauth.VerificationMethod
	Check(ctx context.Context, identity domainauth.Identity) (*domainauth.AdminVerificationResult, error)
}

// EmailCheck grants admin to the single allow-listed email. Comparison is case-sensitive.
type EmailCheck struct {
	AdminEmail string
}

func (EmailCheck) Method() domainauth.VerificationMethod { return domainauth.MethodEmail }

func (c EmailCheck) Check(_ context.Context, identity domainauth.Identity) (*domainauth.AdminVerificationResult, error) {
	if c.AdminEmail == "" || identity.Email != c.AdminEmail {
		return nil, nil
	}
	return &domainauth.AdminVerificationResult{IsAdmin: true, Method: domainauth.MethodEmail}, nil
}

// ProfileRoleCheck reads the identity's profile and grants admin when role is "admin".
// A missing profile is provisioned as admin only for the allow-listed email.
type ProfileRoleCheck struct {
	Profiles   ports.ProfileStore
	AdminEmail string
}

func (ProfileRoleCheck) Method() domainauth.VerificationMethod { return domainauth.MethodProfileRole }

func (c ProfileRoleCheck) Check(
	ctx context.Context,
	identity domainauth.Identity,
) (*domainauth.AdminVerificationResult, error) {
	profile, err := c.Profiles.GetByID(ctx, identity.ID)
	if err != nil {
		if !apperrors.IsNotFound(err) {
			return nil, apperrors.Verification(err)
		}
		if c.AdminEmail == "" || identity.Email != c.AdminEmail {
			return &domainauth.AdminVerificationResult{Method: domainauth.MethodProfileRole}, nil
		}
		profile, err = ensureAdminProfile(ctx, c.Profiles, c.AdminEmail, identity)
		if err != nil {
			return nil, apperrors.Verification(err)
		}
	}
	return &domainauth.AdminVerificationResult{
		IsAdmin: profile.IsAdmin(),
		Method:  domainauth.MethodProfileRole,
		Profile: profile,
	}, nil
}

func ensureAdminProfile(
	ctx context.Context,
	profiles ports.ProfileStore,
	adminEmail string,
	identity domainauth.Identity,
) (*domainauth.UserProfile, error) {
	if identity.ID == "" {
		return nil, apperrors.ValidationField("id", "identity id is required")
	}
	if adminEmail == "" || identity.Email != adminEmail {
		return nil, apperrors.Validation("admin profiles are only provisioned for the allow-listed email")
	}
	return profiles.Upsert(ctx, domainauth.UserProfile{
		ID:    identity.ID,
		Email: identity.Email,
		Role:  domainauth.RoleAdmin,
	})
}

// AdminVerifierOptions groups dependencies for AdminVerifier.
type AdminVerifierOptions struct {
	Profiles   ports.ProfileStore
	Cache      core.VerificationCache
	AdminEmail string
	// Checks overrides the default email then profile-role cascade.
	Checks        []AdminCheck
	VerifyTimeout time.Duration
	Metrics       *metrics.Recorder
	Logger        *slog.Logger
}

// AdminVerifier runs the cached admin verification cascade.
// Concurrent verifications of the same identity share one run.
type AdminVerifier struct {
	profiles   ports.ProfileStore
	cache      core.VerificationCache
	adminEmail string
	checks     []AdminCheck
	timeout    time.Duration
	metrics    *metrics.Recorder
	logger     *slog.Logger

	group singleflight.Group

	mu     sync.Mutex
	epochs map[string]uint64
}

// NewAdminVerifier constructs an AdminVerifier.
func NewAdminVerifier(opts AdminVerifierOptions) (*AdminVerifier, error) {
	if opts.Cache == nil {
		return nil, apperrors.Configuration("verification cache is required")
	}
	checks := opts.Checks
	if len(checks) == 0 {
		if opts.Profiles == nil {
			return nil, apperrors.Configuration("profile store is required")
		}
		checks = []AdminCheck{
			EmailCheck{AdminEmail: opts.AdminEmail},
			ProfileRoleCheck{Profiles: opts.Profiles, AdminEmail: opts.AdminEmail},
		}
	}
	timeout := opts.VerifyTimeout
	if timeout <= 0 {
		timeout = DefaultVerifyTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminVerifier{
		profiles:   opts.Profiles,
		cache:      opts.Cache,
		adminEmail: opts.AdminEmail,
		checks:     checks,
		timeout:    timeout,
		metrics:    opts.Metrics,
		logger:     logger.With("component", "admin_verifier"),
		epochs:     make(map[string]uint64),
	}, nil
}

// AdminEmail returns the allow-listed administrator email.
func (v *AdminVerifier) AdminEmail() string { return v.adminEmail }

// VerifyAdminStatus determines whether identity is an administrator.
// It never returns IsAdmin=true on an error path. Failed lookups are not cached.
func (v *AdminVerifier) VerifyAdminStatus(
	ctx context.Context,
	identity domainauth.Identity,
) domainauth.AdminVerificationResult {
	if identity.ID == "" {
		return domainauth.NotAdmin(domainauth.MethodProfileRole, "identity id is required")
	}

	if res, ok := v.cached(ctx, identity.ID); ok {
		v.metrics.ObserveVerification(string(res.Method), res.IsAdmin)
		return res
	}

	ch := v.group.DoChan(identity.ID, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.timeout)
		defer cancel()
		return v.verify(runCtx, identity), nil
	})

	select {
	case r := <-ch:
		res, _ := r.Val.(domainauth.AdminVerificationResult)
		return cloneResult(res)
	case <-ctx.Done():
		return domainauth.NotAdmin(domainauth.MethodProfileRole, ctx.Err().Error())
	}
}

// Invalidate drops the cached determination for identityID. A verification already
// in flight for that identity will not write its result back to the cache.
func (v *AdminVerifier) Invalidate(ctx context.Context, identityID string) error {
	if identityID == "" {
		return nil
	}
	v.mu.Lock()
	v.epochs[identityID]++
	v.mu.Unlock()
	v.group.Forget(identityID)
	return v.cache.ClearIdentity(ctx, identityID)
}

// EnsureAdminProfile upserts an admin profile for the allow-listed email.
// Any other email is rejected with a validation error.
func (v *AdminVerifier) EnsureAdminProfile(
	ctx context.Context,
	identity domainauth.Identity,
) (*domainauth.UserProfile, error) {
	if v.profiles == nil {
		return nil, apperrors.Configuration("profile store is required")
	}
	p, err := ensureAdminProfile(ctx, v.profiles, v.adminEmail, identity)
	if err != nil {
		return nil, err
	}
	v.logger.InfoContext(ctx, "admin profile ensured", "user_id", identity.ID)
	return p, nil
}

func (v *AdminVerifier) cached(ctx context.Context, identityID string) (domainauth.AdminVerificationResult, bool) {
	res, hit, err := v.cache.Get(ctx, identityID)
	if err != nil {
		v.logger.WarnContext(ctx, "admin cache read failed", "user_id", identityID, "error", err)
		return domainauth.AdminVerificationResult{}, false
	}
	if !hit || res == nil {
		return domainauth.AdminVerificationResult{}, false
	}
	out := cloneResult(*res)
	out.Method = domainauth.MethodCache
	return out, true
}

func (v *AdminVerifier) epoch(identityID string) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.epochs[identityID]
}

func (v *AdminVerifier) verify(ctx context.Context, identity domainauth.Identity) domainauth.AdminVerificationResult {
	// A flight that finished just before this one started may already have filled the cache.
	if res, ok := v.cached(ctx, identity.ID); ok {
		return res
	}

	startEpoch := v.epoch(identity.ID)
	res, err := metrics.Measure(ctx, v.metrics, "auth.verify_admin",
		func(ctx context.Context) (domainauth.AdminVerificationResult, error) {
			return v.runChecks(ctx, identity)
		})
	if err != nil {
		v.logger.WarnContext(ctx, "admin verification failed",
			"user_id", identity.ID,
			"error", err,
		)
		res = domainauth.NotAdmin(domainauth.MethodProfileRole, err.Error())
		v.metrics.ObserveVerification(string(res.Method), false)
		return res
	}

	v.store(ctx, identity.ID, startEpoch, res)

	v.metrics.ObserveVerification(string(res.Method), res.IsAdmin)
	v.logger.DebugContext(ctx, "admin verification completed",
		"user_id", identity.ID,
		"is_admin", res.IsAdmin,
		"method", res.Method,
	)
	return res
}

// store caches res unless identityID was invalidated after startEpoch. An Invalidate
// that overlaps the write is detected afterwards and the entry is cleared again.
func (v *AdminVerifier) store(
	ctx context.Context,
	identityID string,
	startEpoch uint64,
	res domainauth.AdminVerificationResult,
) {
	if v.epoch(identityID) != startEpoch {
		return
	}
	if err := v.cache.Set(ctx, identityID, res); err != nil {
		v.logger.WarnContext(ctx, "admin cache write failed", "user_id", identityID, "error", err)
		return
	}
	if v.epoch(identityID) == startEpoch {
		return
	}
	if err := v.cache.ClearIdentity(ctx, identityID); err != nil {
		v.logger.WarnContext(ctx, "stale admin cache entry not cleared", "user_id", identityID, "error", err)
	}
}

func (v *AdminVerifier) runChecks(
	ctx context.Context,
	identity domainauth.Identity,
) (domainauth.AdminVerificationResult, error) {
	var fallback *domainauth.AdminVerificationResult
	for _, check := range v.checks {
		res, err := check.Check(ctx, identity)
		if err != nil {
			return domainauth.NotAdmin(check.Method(), ""), err
		}
		if res == nil {
			continue
		}
		if res.IsAdmin {
			return *res, nil
		}
		fallback = res
	}
	if fallback != nil {
		return *fallback, nil
	}
	return domainauth.NotAdmin(domainauth.MethodProfileRole, ""), nil
}

func cloneResult(res domainauth.AdminVerificationResult) domainauth.AdminVerificationResult {
	if res.Profile != nil {
		p := *res.Profile
		res.Profile = &p
	}
	return res
}
