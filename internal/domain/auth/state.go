package auth

// SessionState is the lifecycle state of an active session.
type SessionState string

const (
	SessionActive  SessionState = "active"
	SessionWarning SessionState = "warning"
	SessionExpired SessionState = "expired"
)

// TimeoutWarning reports whether a session is about to expire.
// MinutesUntilExpiry is nil when there is no session.
type TimeoutWarning struct {
	Warning            bool `json:"warning"`
	MinutesUntilExpiry *int `json:"minutes_until_expiry,omitempty"`
}

// AuthPhase is the coarse state of the auth orchestrator.
type AuthPhase string

const (
	PhaseUninitialized   AuthPhase = "uninitialized"
	PhaseInitializing    AuthPhase = "initializing"
	PhaseAuthenticated   AuthPhase = "authenticated"
	PhaseUnauthenticated AuthPhase = "unauthenticated"
)

// AuthState is an immutable snapshot of the reactive fields exposed to consumers.
// Error is an overlay carrying the last error message; it does not change Phase.
type AuthState struct {
	Phase                 AuthPhase          `json:"phase"`
	User                  *Identity          `json:"user"`
	Session               *RawSession        `json:"-"`
	Loading               bool               `json:"loading"`
	IsAdmin               bool               `json:"is_admin"`
	AdminProfile          *UserProfile       `json:"admin_profile"`
	VerificationMethod    VerificationMethod `json:"verification_method,omitempty"`
	SessionTimeoutWarning bool               `json:"session_timeout_warning"`
	MinutesUntilExpiry    *int               `json:"minutes_until_expiry"`
	Error                 string             `json:"error,omitempty"`
}

// Authenticated reports whether the snapshot holds a committed identity.
func (s AuthState) Authenticated() bool { return s.Phase == PhaseAuthenticated && s.User != nil }

// SessionExpiresAt returns the committed session's expiry in epoch seconds, or 0.
func (s AuthState) SessionExpiresAt() int64 {
	if s.Session == nil {
		return 0
	}
	return s.Session.ExpiresAt
}
