package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
	apperrors "github.com/armazem-sao-joaquim/backoffice/internal/errors"
)

// ErrSuperseded is returned when a logout or a newer login replaced the state an
// operation was started against. Its result was discarded.
var ErrSuperseded = errors.New("auth operation superseded")

const msgSessionExpired = "Session expired"

// Listener receives every committed AuthState snapshot.
// Listeners run synchronously and must not call back into the orchestrator.
type Listener func(domainauth.AuthState)

// RequestMeta carries request attributes recorded on admin sessions.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// AuthOrchestratorOptions groups dependencies for AuthOrchestrator.
type AuthOrchestratorOptions struct {
	Authenticator   *CredentialAuthenticator
	Verifier        *AdminVerifier
	Sessions        *SessionManager
	MonitorInterval time.Duration
	// TickTimeout bounds one monitor tick. Defaults to 10s.
	TickTimeout time.Duration
	Logger      *slog.Logger
}

// AuthOrchestrator composes login, admin verification and session monitoring into one
// state machine: Uninitialized, Initializing, then Authenticated or Unauthenticated,
// with an error overlay. Consumers observe it through Snapshot and Subscribe.
type AuthOrchestrator struct {
	auth     *CredentialAuthenticator
	verifier *AdminVerifier
	sessions *SessionManager
	interval time.Duration
	tickTTL  time.Duration
	logger   *slog.Logger

	monitor   SessionMonitor
	lifecycle context.Context
	cancel    context.CancelFunc

	mu         sync.Mutex
	state      domainauth.AuthState
	generation uint64
	closed     bool
	// pendingID is the identity a login authenticated but has not committed yet.
	pendingID string

	// notifyMu orders deliveries the same way commits are ordered.
	notifyMu  sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// NewAuthOrchestrator constructs an AuthOrchestrator in the Uninitialized phase.
func NewAuthOrchestrator(opts AuthOrchestratorOptions) (*AuthOrchestrator, error) {
	if opts.Authenticator == nil || opts.Verifier == nil || opts.Sessions == nil {
		return nil, apperrors.Configuration("authenticator, verifier and session manager are required")
	}
	interval := opts.MonitorInterval
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	tick := opts.TickTimeout
	if tick <= 0 {
		tick = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lifecycle, cancel := context.WithCancel(context.Background())
	return &AuthOrchestrator{
		auth:      opts.Authenticator,
		verifier:  opts.Verifier,
		sessions:  opts.Sessions,
		interval:  interval,
		tickTTL:   tick,
		logger:    logger.With("component", "auth_orchestrator"),
		lifecycle: lifecycle,
		cancel:    cancel,
		state:     domainauth.AuthState{Phase: domainauth.PhaseUninitialized},
		listeners: make(map[int]Listener),
	}, nil
}

// Snapshot returns a copy of the current state. An authenticated session whose
// expiry has passed is committed as Unauthenticated before the copy is taken.
func (a *AuthOrchestrator) Snapshot() domainauth.AuthState {
	a.mu.Lock()
	authed := a.state.Authenticated()
	a.mu.Unlock()
	if authed && a.sessions.Evaluate() == domainauth.SessionExpired {
		gen, userID := a.current()
		if a.commit(gen, userID, func(s *domainauth.AuthState) { *s = unauthenticated(msgSessionExpired) }) {
			a.logger.Info("session expired", "user_id", userID)
			a.syncMonitor()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneState(a.state)
}

// Subscribe registers fn for state changes and returns a function that removes it.
func (a *AuthOrchestrator) Subscribe(fn Listener) func() {
	a.notifyMu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.notifyMu.Lock()
			delete(a.listeners, id)
			a.notifyMu.Unlock()
		})
	}
}

// MonitorRunning reports whether the session timeout monitor is active.
func (a *AuthOrchestrator) MonitorRunning() bool { return a.monitor.Running() }

// Initialize restores state from the provider's current session, if any.
func (a *AuthOrchestrator) Initialize(ctx context.Context) error {
	gen := a.begin(false)

	sess, err := a.auth.GetSession(ctx)
	if err != nil {
		msg := apperrors.UserMessage(err)
		a.commit(gen, "", func(s *domainauth.AuthState) { *s = unauthenticated(msg) })
		return err
	}
	if sess == nil {
		a.commit(gen, "", func(s *domainauth.AuthState) { *s = unauthenticated("") })
		return nil
	}
	if sess.Expired(a.sessions.clock.Now()) {
		a.commit(gen, "", func(s *domainauth.AuthState) { *s = unauthenticated(msgSessionExpired) })
		return nil
	}

	res := a.verifier.VerifyAdminStatus(ctx, sess.User)
	if !a.commit(gen, "", func(s *domainauth.AuthState) {
		a.sessions.Track(*sess)
		*s = a.authenticated(*sess, res)
	}) {
		return ErrSuperseded
	}
	a.syncMonitor()
	return nil
}

// Login authenticates creds, verifies admin status and commits the result.
// On failure the state is Unauthenticated with the error message set. A user is never
// committed without its verified admin determination.
func (a *AuthOrchestrator) Login(
	ctx context.Context,
	creds domainauth.Credentials,
	meta RequestMeta,
) (domainauth.AuthState, error) {
	gen := a.begin(true)
	a.monitor.Stop()

	res, err := a.auth.Login(ctx, creds)
	if err != nil {
		msg := apperrors.UserMessage(err)
		if !a.commit(gen, "", func(s *domainauth.AuthState) { *s = unauthenticated(msg) }) {
			return a.Snapshot(), ErrSuperseded
		}
		return a.Snapshot(), err
	}

	if !a.setPending(gen, res.Identity.ID) {
		return a.Snapshot(), ErrSuperseded
	}

	verification := a.verifier.VerifyAdminStatus(ctx, res.Identity)
	if a.stale(gen) {
		return a.Snapshot(), ErrSuperseded
	}
	if verification.IsAdmin {
		a.sessions.CreateAdminSession(ctx, CreateAdminSessionInput{
			UserID:    res.Identity.ID,
			Email:     res.Identity.Email,
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
		})
	}

	sess := res.Session
	sess.User = res.Identity
	if !a.commit(gen, "", func(s *domainauth.AuthState) {
		a.sessions.Track(sess)
		*s = a.authenticated(sess, verification)
	}) {
		return a.Snapshot(), ErrSuperseded
	}
	a.syncMonitor()
	return a.Snapshot(), nil
}

// Logout signs out, clears the identity's cached admin determination and resets all fields.
// Any operation still in flight is discarded.
func (a *AuthOrchestrator) Logout(ctx context.Context) error {
	a.mu.Lock()
	a.generation++
	gen := a.generation
	var prevIDs []string
	if a.state.User != nil {
		prevIDs = append(prevIDs, a.state.User.ID)
	}
	if a.pendingID != "" && (len(prevIDs) == 0 || prevIDs[0] != a.pendingID) {
		prevIDs = append(prevIDs, a.pendingID)
	}
	a.pendingID = ""
	a.mu.Unlock()

	a.monitor.Stop()

	err := a.auth.Logout(ctx)
	for _, id := range prevIDs {
		if invErr := a.verifier.Invalidate(ctx, id); invErr != nil {
			a.logger.WarnContext(ctx, "logout: invalidate admin cache failed", "user_id", id, "error", invErr)
		}
	}
	a.sessions.Reset()

	msg := ""
	if err != nil {
		msg = apperrors.UserMessage(err)
	}
	a.commit(gen, "", func(s *domainauth.AuthState) { *s = unauthenticated(msg) })
	return err
}

// RefreshSession validates the current session, renewing it when near expiry, and
// re-verifies admin status. Without a session the state becomes Unauthenticated.
func (a *AuthOrchestrator) RefreshSession(ctx context.Context) error {
	gen, userID := a.current()

	v := a.sessions.ValidateAndRefreshSession(ctx)
	if !v.Valid {
		msg := v.Error
		if msg == "" {
			msg = msgNoActiveSession
		}
		a.commit(gen, userID, func(s *domainauth.AuthState) { *s = unauthenticated(msg) })
		a.monitor.Stop()
		return apperrors.SessionExpired(msg)
	}

	sess := *v.Session
	if sess.User.IsZero() && userID != "" {
		a.mu.Lock()
		if a.state.User != nil {
			sess.User = *a.state.User
		}
		a.mu.Unlock()
	}

	res := a.verifier.VerifyAdminStatus(ctx, sess.User)
	if !a.commit(gen, userID, func(s *domainauth.AuthState) {
		if v.Refreshed || userID == "" || userID != sess.User.ID {
			a.sessions.Track(sess)
		}
		next := a.authenticated(sess, res)
		if v.Error != "" {
			next.Error = v.Error
		}
		*s = next
	}) {
		return ErrSuperseded
	}
	a.syncMonitor()
	return nil
}

// RefreshAdminStatus drops the cached determination and verifies the current user again.
func (a *AuthOrchestrator) RefreshAdminStatus(ctx context.Context) error {
	gen, userID := a.current()
	a.mu.Lock()
	var user domainauth.Identity
	if a.state.User != nil {
		user = *a.state.User
	}
	a.mu.Unlock()
	if userID == "" {
		return apperrors.SessionExpired(msgNoActiveSession)
	}

	if err := a.verifier.Invalidate(ctx, userID); err != nil {
		a.logger.WarnContext(ctx, "refresh admin status: invalidate failed", "user_id", userID, "error", err)
	}
	res := a.verifier.VerifyAdminStatus(ctx, user)
	if !a.commit(gen, userID, func(s *domainauth.AuthState) {
		s.IsAdmin = res.IsAdmin
		s.AdminProfile = res.Profile
		s.VerificationMethod = res.Method
		s.Error = res.Error
	}) {
		return ErrSuperseded
	}
	a.syncMonitor()
	return nil
}

// ExtendUserSession renews the current session and clears the timeout warning.
func (a *AuthOrchestrator) ExtendUserSession(ctx context.Context) error {
	gen, userID := a.current()
	if userID == "" {
		return apperrors.SessionExpired(msgNoActiveSession)
	}

	sess, err := a.sessions.ExtendSession(ctx, userID)
	if err != nil {
		msg := apperrors.UserMessage(err)
		a.commit(gen, userID, func(s *domainauth.AuthState) { s.Error = msg })
		return err
	}

	warn := a.sessions.TimeoutWarningFor(*sess)
	if !a.commit(gen, userID, func(s *domainauth.AuthState) {
		renewed := *sess
		if renewed.User.IsZero() && s.User != nil {
			renewed.User = *s.User
		}
		s.Session = &renewed
		s.SessionTimeoutWarning = warn.Warning
		s.MinutesUntilExpiry = warn.MinutesUntilExpiry
		s.Error = ""
	}) {
		return ErrSuperseded
	}
	return nil
}

// Close stops the monitor and drops listeners. In-flight results are discarded.
func (a *AuthOrchestrator) Close() {
	a.mu.Lock()
	a.generation++
	a.closed = true
	a.mu.Unlock()

	a.monitor.Stop()
	a.cancel()

	a.notifyMu.Lock()
	a.listeners = make(map[int]Listener)
	a.notifyMu.Unlock()
}

func (a *AuthOrchestrator) tick(ctx context.Context) bool {
	gen, userID := a.current()
	a.mu.Lock()
	watch := a.state.Authenticated() && a.state.IsAdmin
	a.mu.Unlock()
	if !watch {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, a.tickTTL)
	defer cancel()

	warn := a.sessions.GetSessionTimeoutWarning(ctx, userID)
	if a.sessions.Evaluate() == domainauth.SessionExpired {
		a.logger.InfoContext(ctx, "session expired", "user_id", userID)
		a.commit(gen, userID, func(s *domainauth.AuthState) { *s = unauthenticated(msgSessionExpired) })
		return false
	}

	return a.commit(gen, userID, func(s *domainauth.AuthState) {
		s.SessionTimeoutWarning = warn.Warning
		s.MinutesUntilExpiry = warn.MinutesUntilExpiry
	})
}

func (a *AuthOrchestrator) syncMonitor() {
	a.mu.Lock()
	want := !a.closed && a.state.Authenticated() && a.state.IsAdmin
	a.mu.Unlock()
	if want {
		a.monitor.Start(a.lifecycle, a.interval, a.tick)
		return
	}
	a.monitor.Stop()
}

// begin moves to Initializing. A login also starts a new generation and drops the previous user.
func (a *AuthOrchestrator) begin(newLogin bool) uint64 {
	a.mu.Lock()
	if newLogin {
		a.generation++
		a.state = domainauth.AuthState{Phase: domainauth.PhaseInitializing, Loading: true}
	} else {
		a.state.Phase = domainauth.PhaseInitializing
		a.state.Loading = true
	}
	gen := a.generation
	snap := cloneState(a.state)
	a.notifyMu.Lock()
	a.mu.Unlock()
	a.deliverLocked(snap)
	a.notifyMu.Unlock()
	return gen
}

func (a *AuthOrchestrator) setPending(gen uint64, identityID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.generation != gen {
		return false
	}
	a.pendingID = identityID
	return true
}

func (a *AuthOrchestrator) stale(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation != gen
}

func (a *AuthOrchestrator) current() (uint64, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.User == nil {
		return a.generation, ""
	}
	return a.generation, a.state.User.ID
}

// commit applies mutate when gen is still current and, if expectUserID is set, the
// committed user is unchanged. It reports whether the change was applied.
func (a *AuthOrchestrator) commit(gen uint64, expectUserID string, mutate func(*domainauth.AuthState)) bool {
	a.mu.Lock()
	if a.generation != gen {
		a.mu.Unlock()
		return false
	}
	if expectUserID != "" && (a.state.User == nil || a.state.User.ID != expectUserID) {
		a.mu.Unlock()
		return false
	}
	mutate(&a.state)
	a.state.Loading = false
	a.pendingID = ""
	snap := cloneState(a.state)
	a.notifyMu.Lock()
	a.mu.Unlock()
	a.deliverLocked(snap)
	a.notifyMu.Unlock()
	return true
}

func (a *AuthOrchestrator) deliverLocked(snap domainauth.AuthState) {
	for _, fn := range a.listeners {
		fn(cloneState(snap))
	}
}

func (a *AuthOrchestrator) authenticated(
	sess domainauth.RawSession,
	res domainauth.AdminVerificationResult,
) domainauth.AuthState {
	user := sess.User
	warn := a.sessions.TimeoutWarningFor(sess)
	return domainauth.AuthState{
		Phase:                 domainauth.PhaseAuthenticated,
		User:                  &user,
		Session:               &sess,
		IsAdmin:               res.IsAdmin,
		AdminProfile:          res.Profile,
		VerificationMethod:    res.Method,
		SessionTimeoutWarning: warn.Warning,
		MinutesUntilExpiry:    warn.MinutesUntilExpiry,
		Error:                 res.Error,
	}
}

func unauthenticated(errMsg string) domainauth.AuthState {
	return domainauth.AuthState{Phase: domainauth.PhaseUnauthenticated, Error: errMsg}
}

func cloneState(s domainauth.AuthState) domainauth.AuthState {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	if s.Session != nil {
		sess := *s.Session
		s.Session = &sess
	}
	if s.AdminProfile != nil {
		p := *s.AdminProfile
		s.AdminProfile = &p
	}
	if s.MinutesUntilExpiry != nil {
		m := *s.MinutesUntilExpiry
		s.MinutesUntilExpiry = &m
	}
	return s
}
