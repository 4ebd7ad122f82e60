package ports

// Package ports defines interfaces (hexagonal ports) for auth-related behavior.
// Implementations live in internal/adapters and internal/data; orchestration in internal/service.

import (
	"context"
	"time"

	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
)

// IdentityProvider is the hosted identity service as seen by one browser client.
// Implementations keep the client's current session and classify failures into
// the errors package taxonomy (InvalidCredentials, Network, SessionExpired).
type IdentityProvider interface {
	// SignInWithPassword exchanges credentials for an identity and a fresh session.
	SignInWithPassword(ctx context.Context, email, password string) (domainauth.Identity, domainauth.RawSession, error)

	// SignOut revokes the current session, if any.
	SignOut(ctx context.Context) error

	// GetSession returns the current session, or nil with no error when there is none.
	GetSession(ctx context.Context) (*domainauth.RawSession, error)

	// RefreshSession renews the current session. ExpiresAt never decreases across refreshes.
	RefreshSession(ctx context.Context) (*domainauth.RawSession, domainauth.Identity, error)
}

// IdentityProviderFactory builds an IdentityProvider bound to a client key.
type IdentityProviderFactory interface {
	ForClient(clientID string) IdentityProvider
}

// TokenStore keeps a client's current provider session between requests.
type TokenStore interface {
	Save(ctx context.Context, clientID string, sess domainauth.RawSession) error
	// Load returns nil with no error when nothing is stored.
	Load(ctx context.Context, clientID string) (*domainauth.RawSession, error)
	Delete(ctx context.Context, clientID string) error
}

// ProfileStore reads and upserts rows of the profiles table.
type ProfileStore interface {
	// GetByID returns an errors.NotFound error when the profile does not exist.
	GetByID(ctx context.Context, id string) (*domainauth.UserProfile, error)
	Upsert(ctx context.Context, p domainauth.UserProfile) (*domainauth.UserProfile, error)
	SetRole(ctx context.Context, id string, role domainauth.Role) error
}

// AdminSessionStore persists admin session audit records.
type AdminSessionStore interface {
	Insert(ctx context.Context, s domainauth.AdminSession) error
	// TouchLatest bumps last_activity on the newest record for userID.
	TouchLatest(ctx context.Context, userID string, at time.Time) error
	ListByUser(ctx context.Context, userID string, limit int) ([]domainauth.AdminSession, error)
}

// AdminSessionPruner deletes admin session records that went quiet.
type AdminSessionPruner interface {
	DeleteInactiveBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}
