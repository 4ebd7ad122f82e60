package auth

// Package auth contains domain-level types for back-office authentication,
// admin verification and session lifecycle.
// It is pure and free of framework/adapter concerns.

import "time"

// Role represents a profile's authorization role.
// Keep string form for easy persistence.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleAdmin || r == RoleUser }

// Credentials are the transient email/password pair submitted on login. Never persisted.
type Credentials struct {
	Email    string `json:"email"    validate:"required,email,max=320"`
	Password string `json:"password" validate:"required,max=1024"`
}

// Identity represents the authenticated principal returned by the identity provider.
// Adapters map provider-specific claims into this shape.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// IsZero reports whether the identity carries no id.
func (i Identity) IsZero() bool { return i.ID == "" }

// RawSession is the provider-issued token pair plus its absolute expiry.
type RawSession struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresAt    int64    `json:"expires_at"` // epoch seconds
	User         Identity `json:"user"`
}

// ExpiresTime returns ExpiresAt as a time.Time.
func (s RawSession) ExpiresTime() time.Time { return time.Unix(s.ExpiresAt, 0) }

// Remaining returns the time left before expiry relative to now. Negative once expired.
func (s RawSession) Remaining(now time.Time) time.Duration { return s.ExpiresTime().Sub(now) }

// Expired reports whether now has reached ExpiresAt.
func (s RawSession) Expired(now time.Time) bool { return !now.Before(s.ExpiresTime()) }

// UserProfile is a row in the profile store.
type UserProfile struct {
	ID        string    `json:"id"         db:"id"`
	Email     string    `json:"email"      db:"email"`
	FullName  *string   `json:"full_name"  db:"full_name"`
	Role      Role      `json:"role"       db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsAdmin reports whether the profile carries the admin role.
func (p UserProfile) IsAdmin() bool { return p.Role == RoleAdmin }

// AdminSession is the persisted audit record written on admin login.
type AdminSession struct {
	ID           string    `json:"id"            db:"id"`
	UserID       string    `json:"user_id"       db:"user_id"`
	Email        string    `json:"email"         db:"email"`
	CreatedAt    time.Time `json:"created_at"    db:"created_at"`
	IPAddress    *string   `json:"ip_address"    db:"ip_address"`
	UserAgent    *string   `json:"user_agent"    db:"user_agent"`
	LastActivity time.Time `json:"last_activity" db:"last_activity"`
}
