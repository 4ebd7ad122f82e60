package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/armazem-sao-joaquim/backoffice/internal/core"
	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
	apperrors "github.com/armazem-sao-joaquim/backoffice/internal/errors"
	"github.com/armazem-sao-joaquim/backoffice/internal/observability/metrics"
	"github.com/armazem-sao-joaquim/backoffice/internal/ports"
)

const (
	// DefaultWarningThreshold is the remaining lifetime below which a session warns.
	DefaultWarningThreshold = 10 * time.Minute
	// DefaultRefreshThreshold is the remaining lifetime below which ValidateAndRefreshSession renews.
	DefaultRefreshThreshold = 5 * time.Minute

	msgNoActiveSession = "No active session"
)

// SessionSource is the slice of the identity boundary SessionManager depends on.
type SessionSource interface {
	GetSession(ctx context.Context) (*domainauth.RawSession, error)
	RefreshSession(ctx context.Context) (*domainauth.RawSession, domainauth.Identity, error)
}

// SessionManagerOptions groups dependencies for SessionManager.
type SessionManagerOptions struct {
	Source           SessionSource
	AdminSessions    ports.AdminSessionStore
	Clock            core.TimeProvider
	WarningThreshold time.Duration
	RefreshThreshold time.Duration
	Metrics          *metrics.Recorder
	Logger           *slog.Logger
}

// SessionManager records admin sessions, computes expiry warnings and extends sessions.
// It also tracks the Active, Warning and Expired lifecycle of the current session.
type SessionManager struct {
	source           SessionSource
	adminSessions    ports.AdminSessionStore
	clock            core.TimeProvider
	warningThreshold time.Duration
	refreshThreshold time.Duration
	metrics          *metrics.Recorder
	logger           *slog.Logger

	mu        sync.Mutex
	tracking  bool
	state     domainauth.SessionState
	expiresAt time.Time
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(opts SessionManagerOptions) (*SessionManager, error) {
	if opts.Source == nil {
		return nil, apperrors.Configuration("session source is required")
	}
	warn := opts.WarningThreshold
	if warn <= 0 {
		warn = DefaultWarningThreshold
	}
	refresh := opts.RefreshThreshold
	if refresh <= 0 {
		refresh = DefaultRefreshThreshold
	}
	clock := opts.Clock
	if clock == nil {
		clock = core.RealTimeProvider{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		source:           opts.Source,
		adminSessions:    opts.AdminSessions,
		clock:            clock,
		warningThreshold: warn,
		refreshThreshold: refresh,
		metrics:          opts.Metrics,
		logger:           logger.With("component", "session_manager"),
	}, nil
}

// CreateAdminSessionInput groups parameters for CreateAdminSession.
type CreateAdminSessionInput struct {
	UserID    string
	Email     string
	IPAddress string
	UserAgent string
}

// CreateAdminSession persists an audit record for an admin login.
// Failures are logged and reported as a nil record; they never fail the login.
func (m *SessionManager) CreateAdminSession(ctx context.Context, in CreateAdminSessionInput) *domainauth.AdminSession {
	if m.adminSessions == nil {
		m.logger.DebugContext(ctx, "admin session store not configured; skipping record", "user_id", in.UserID)
		return nil
	}

	now := m.clock.Now()
	rec := domainauth.AdminSession{
		ID:           uuid.NewString(),
		UserID:       in.UserID,
		Email:        in.Email,
		CreatedAt:    now,
		IPAddress:    optionalString(in.IPAddress),
		UserAgent:    optionalString(in.UserAgent),
		LastActivity: now,
	}

	_, err := metrics.Measure(ctx, m.metrics, "auth.create_admin_session", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.adminSessions.Insert(ctx, rec)
	})
	if err != nil {
		m.logger.WarnContext(ctx, "create admin session failed", "user_id", in.UserID, "error", err)
		return nil
	}
	m.logger.InfoContext(ctx, "admin session created", "user_id", in.UserID, "session_id", rec.ID)
	return &rec
}

// GetSessionTimeoutWarning reports whether the current session expires within the warning threshold.
// The threshold is exclusive. With no session, or one belonging to another user, Warning is false.
func (m *SessionManager) GetSessionTimeoutWarning(ctx context.Context, userID string) domainauth.TimeoutWarning {
	sess, err := m.source.GetSession(ctx)
	if err != nil {
		m.logger.DebugContext(ctx, "timeout warning: session lookup failed", "error", err)
		return domainauth.TimeoutWarning{}
	}
	if sess == nil {
		return domainauth.TimeoutWarning{}
	}
	if userID != "" && sess.User.ID != "" && sess.User.ID != userID {
		return domainauth.TimeoutWarning{}
	}
	m.observeExpiry(sess.ExpiresTime())
	return m.TimeoutWarningFor(*sess)
}

// TimeoutWarningFor computes the warning for sess against the current time.
func (m *SessionManager) TimeoutWarningFor(sess domainauth.RawSession) domainauth.TimeoutWarning {
	remaining := sess.Remaining(m.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	minutes := int(remaining / time.Minute)
	return domainauth.TimeoutWarning{
		Warning:            remaining < m.warningThreshold,
		MinutesUntilExpiry: &minutes,
	}
}

// ExtendSession renews the provider session and bumps the admin session's last activity.
// On failure the tracked state is left untouched. An Expired session cannot be extended.
func (m *SessionManager) ExtendSession(ctx context.Context, userID string) (*domainauth.RawSession, error) {
	if m.State() == domainauth.SessionExpired {
		return nil, apperrors.SessionExpired("")
	}

	sess, ident, err := m.source.RefreshSession(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "extend session failed", "user_id", userID, "error", err)
		return nil, err
	}
	if sess == nil {
		return nil, apperrors.SessionExpired(msgNoActiveSession)
	}
	if userID == "" {
		userID = ident.ID
	}
	m.afterRefresh(ctx, userID, *sess)
	return sess, nil
}

// SessionValidation is the outcome of ValidateAndRefreshSession.
type SessionValidation struct {
	Valid     bool
	Session   *domainauth.RawSession
	Refreshed bool
	Error     string
}

// ValidateAndRefreshSession checks the current session and renews it when it is near expiry.
// A session with more than the refresh threshold left is returned without contacting the provider.
func (m *SessionManager) ValidateAndRefreshSession(ctx context.Context) SessionValidation {
	sess, err := m.source.GetSession(ctx)
	if err != nil {
		return SessionValidation{Error: apperrors.UserMessage(err)}
	}
	if sess == nil {
		return SessionValidation{Error: msgNoActiveSession}
	}

	remaining := sess.Remaining(m.clock.Now())
	if remaining > m.refreshThreshold {
		return SessionValidation{Valid: true, Session: sess}
	}

	renewed, ident, err := m.source.RefreshSession(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "session refresh failed", "user_id", sess.User.ID, "error", err)
		if remaining > 0 {
			return SessionValidation{Valid: true, Session: sess, Error: apperrors.UserMessage(err)}
		}
		return SessionValidation{Error: apperrors.UserMessage(err)}
	}
	if renewed == nil {
		return SessionValidation{Error: msgNoActiveSession}
	}

	userID := ident.ID
	if userID == "" {
		userID = renewed.User.ID
	}
	m.afterRefresh(ctx, userID, *renewed)
	return SessionValidation{Valid: true, Session: renewed, Refreshed: true}
}

func (m *SessionManager) afterRefresh(ctx context.Context, userID string, sess domainauth.RawSession) {
	if m.adminSessions != nil && userID != "" {
		if err := m.adminSessions.TouchLatest(ctx, userID, m.clock.Now()); err != nil && !apperrors.IsNotFound(err) {
			m.logger.WarnContext(ctx, "touch admin session failed", "user_id", userID, "error", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.tracking || m.state == domainauth.SessionExpired {
		return
	}
	if exp := sess.ExpiresTime(); exp.After(m.expiresAt) {
		m.expiresAt = exp
	}
	m.state = m.stateAtLocked(m.clock.Now())
}

// Track starts tracking sess after a login. It leaves any previous Expired state behind.
func (m *SessionManager) Track(sess domainauth.RawSession) domainauth.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracking = true
	m.expiresAt = sess.ExpiresTime()
	m.state = domainauth.SessionActive
	m.state = m.stateAtLocked(m.clock.Now())
	return m.state
}

// Reset stops tracking. Called on logout.
func (m *SessionManager) Reset() {
	m.mu.Lock()
	m.tracking = false
	m.state = ""
	m.expiresAt = time.Time{}
	m.mu.Unlock()
}

// Evaluate advances the tracked state against the current time and returns it.
func (m *SessionManager) Evaluate() domainauth.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.tracking {
		return ""
	}
	m.state = m.stateAtLocked(m.clock.Now())
	return m.state
}

// State returns the tracked state without advancing it. Empty when nothing is tracked.
func (m *SessionManager) State() domainauth.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *SessionManager) observeExpiry(exp time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tracking && m.state != domainauth.SessionExpired && exp.After(m.expiresAt) {
		m.expiresAt = exp
	}
}

func (m *SessionManager) stateAtLocked(now time.Time) domainauth.SessionState {
	if m.state == domainauth.SessionExpired {
		return domainauth.SessionExpired
	}
	remaining := m.expiresAt.Sub(now)
	switch {
	case remaining <= 0:
		return domainauth.SessionExpired
	case remaining < m.warningThreshold:
		return domainauth.SessionWarning
	default:
		return domainauth.SessionActive
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
