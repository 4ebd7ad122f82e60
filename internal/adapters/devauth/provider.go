// Package devauth provides a config-driven IdentityProvider for local development.
// It checks passwords against a static account list and issues HS256 tokens.
package devauth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/armazem-sao-joaquim/backoffice/internal/core"
	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
	apperrors "github.com/armazem-sao-joaquim/backoffice/internal/errors"
	"github.com/armazem-sao-joaquim/backoffice/internal/ports"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
	issuer           = "backoffice-devauth"
)

// Account is a development login.
type Account struct {
	ID       string
	Email    string
	Password string
}

// Config controls the dev auth provider behavior.
// Accounts and Tokens are required.
type Config struct {
	Accounts        []Account
	SigningKey      []byte        // random per process when empty
	SessionDuration time.Duration // default 1h when zero
	RefreshDuration time.Duration // default 24h when zero
	Tokens          ports.TokenStore
	Clock           core.TimeProvider
}

// ParseAccounts parses "email:password[:id]" entries. A missing id is derived
// from the email so it stays stable across restarts.
func ParseAccounts(specs []string) ([]Account, error) {
	accounts := make([]Account, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for _, entry := range specs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("dev auth: account %q must be email:password[:id]", entry)
		}
		acct := Account{Email: parts[0], Password: parts[1]}
		if len(parts) == 3 && parts[2] != "" {
			acct.ID = parts[2]
		} else {
			acct.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("mailto:"+acct.Email)).String()
		}
		if _, dup := seen[acct.Email]; dup {
			return nil, fmt.Errorf("dev auth: duplicate account %q", acct.Email)
		}
		seen[acct.Email] = struct{}{}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

type tokenClaims struct {
	Email string `json:"email"`
	Type  string `json:"typ"`
	jwt.RegisteredClaims
}

// Factory issues tokens for the configured accounts and hands out per-client Providers.
type Factory struct {
	accounts        map[string]Account
	key             []byte
	sessionDuration time.Duration
	refreshDuration time.Duration
	tokens          ports.TokenStore
	clock           core.TimeProvider

	mu      sync.Mutex
	revoked map[string]time.Time // refresh jti -> expiry
}

// NewFactory constructs a dev auth factory from Config.
func NewFactory(cfg Config) (*Factory, error) {
	if len(cfg.Accounts) == 0 {
		return nil, errors.New("dev auth: at least one account is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("dev auth: token store is required")
	}
	key := cfg.SigningKey
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
	}
	f := &Factory{
		accounts:        make(map[string]Account, len(cfg.Accounts)),
		key:             key,
		sessionDuration: cfg.SessionDuration,
		refreshDuration: cfg.RefreshDuration,
		tokens:          cfg.Tokens,
		clock:           cfg.Clock,
		revoked:         make(map[string]time.Time),
	}
	if f.sessionDuration <= 0 {
		f.sessionDuration = time.Hour
	}
	if f.refreshDuration <= 0 {
		f.refreshDuration = 24 * time.Hour
	}
	if f.clock == nil {
		f.clock = core.RealTimeProvider{}
	}
	for _, a := range cfg.Accounts {
		f.accounts[a.Email] = a
	}
	return f, nil
}

// ForClient returns a Provider whose session is keyed by clientID.
func (f *Factory) ForClient(clientID string) ports.IdentityProvider {
	return &Provider{factory: f, clientID: clientID}
}

// Provider implements ports.IdentityProvider for one client.
type Provider struct {
	factory  *Factory
	clientID string
}

func (p *Provider) SignInWithPassword(
	ctx context.Context,
	email, password string,
) (domainauth.Identity, domainauth.RawSession, error) {
	f := p.factory
	acct, ok := f.accounts[email]
	if !ok || subtle.ConstantTimeCompare([]byte(acct.Password), []byte(password)) != 1 {
		return domainauth.Identity{}, domainauth.RawSession{}, apperrors.InvalidCredentials("")
	}

	ident := domainauth.Identity{ID: acct.ID, Email: acct.Email}
	sess, err := f.issue(ident)
	if err != nil {
		return domainauth.Identity{}, domainauth.RawSession{}, err
	}
	if saveErr := f.tokens.Save(ctx, p.clientID, sess); saveErr != nil {
		return domainauth.Identity{}, domainauth.RawSession{}, fmt.Errorf("save session: %w", saveErr)
	}
	return ident, sess, nil
}

func (p *Provider) SignOut(ctx context.Context) error {
	f := p.factory
	cur, err := f.tokens.Load(ctx, p.clientID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if cur != nil {
		if claims, parseErr := f.parse(cur.RefreshToken, tokenTypeRefresh); parseErr == nil {
			f.revoke(claims)
		}
	}
	return f.tokens.Delete(ctx, p.clientID)
}

func (p *Provider) GetSession(ctx context.Context) (*domainauth.RawSession, error) {
	sess, err := p.factory.tokens.Load(ctx, p.clientID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

func (p *Provider) RefreshSession(ctx context.Context) (*domainauth.RawSession, domainauth.Identity, error) {
	f := p.factory
	cur, err := f.tokens.Load(ctx, p.clientID)
	if err != nil {
		return nil, domainauth.Identity{}, fmt.Errorf("load session: %w", err)
	}
	if cur == nil {
		return nil, domainauth.Identity{}, apperrors.SessionExpired("No active session")
	}

	claims, err := f.parse(cur.RefreshToken, tokenTypeRefresh)
	if err != nil || f.isRevoked(claims.ID) {
		return nil, domainauth.Identity{}, apperrors.SessionExpired("")
	}
	acct, ok := f.accounts[claims.Email]
	if !ok || acct.ID != claims.Subject {
		return nil, domainauth.Identity{}, apperrors.SessionExpired("")
	}

	ident := domainauth.Identity{ID: acct.ID, Email: acct.Email}
	sess, err := f.issue(ident)
	if err != nil {
		return nil, domainauth.Identity{}, err
	}
	if sess.ExpiresAt < cur.ExpiresAt {
		sess.ExpiresAt = cur.ExpiresAt
	}
	// Refresh tokens rotate.
	f.revoke(claims)
	if saveErr := f.tokens.Save(ctx, p.clientID, sess); saveErr != nil {
		return nil, domainauth.Identity{}, fmt.Errorf("save session: %w", saveErr)
	}
	return &sess, ident, nil
}

// VerifyAccessToken validates an access token issued by this factory.
func (f *Factory) VerifyAccessToken(token string) (domainauth.Identity, error) {
	claims, err := f.parse(token, tokenTypeAccess)
	if err != nil {
		return domainauth.Identity{}, apperrors.SessionExpired("")
	}
	return domainauth.Identity{ID: claims.Subject, Email: claims.Email}, nil
}

func (f *Factory) issue(ident domainauth.Identity) (domainauth.RawSession, error) {
	now := f.clock.Now()
	expiresAt := now.Add(f.sessionDuration)

	access, err := f.sign(ident, tokenTypeAccess, now, expiresAt)
	if err != nil {
		return domainauth.RawSession{}, err
	}
	refresh, err := f.sign(ident, tokenTypeRefresh, now, now.Add(f.refreshDuration))
	if err != nil {
		return domainauth.RawSession{}, err
	}
	return domainauth.RawSession{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt.Unix(),
		User:         ident,
	}, nil
}

func (f *Factory) sign(ident domainauth.Identity, typ string, now, exp time.Time) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Email: ident.Email,
		Type:  typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   ident.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := tok.SignedString(f.key)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, nil
}

func (f *Factory) parse(token, typ string) (*tokenClaims, error) {
	if token == "" {
		return nil, errors.New("empty token")
	}
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return f.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(f.clock.Now),
	)
	if err != nil {
		return nil, err
	}
	if claims.Type != typ {
		return nil, fmt.Errorf("expected %s token, got %q", typ, claims.Type)
	}
	return &claims, nil
}

func (f *Factory) revoke(claims *tokenClaims) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock.Now()
	for id, exp := range f.revoked {
		if !now.Before(exp) {
			delete(f.revoked, id)
		}
	}
	if claims.ExpiresAt != nil {
		f.revoked[claims.ID] = claims.ExpiresAt.Time
	}
}

func (f *Factory) isRevoked(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.revoked[id]
	return ok
}
