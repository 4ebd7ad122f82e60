package oidc

// Package oidc adapts a hosted OpenID Connect provider to ports.IdentityProvider
// using the resource-owner password grant.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/jmespath-community/go-jmespath"
	"golang.org/x/oauth2"

	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
	apperrors "github.com/armazem-sao-joaquim/backoffice/internal/errors"
	"github.com/armazem-sao-joaquim/backoffice/internal/ports"
)

const (
	defaultIDClaim    = "sub"
	defaultEmailClaim = "email"
	// defaultTokenLifetime applies when the token response carries no expires_in.
	defaultTokenLifetime = time.Hour
)

// ProviderConfig holds configuration for the OIDC provider.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	Scope        string
	DiscoveryURL string
	// RevocationURL overrides the revocation_endpoint from discovery.
	RevocationURL string
	// IDClaim and EmailClaim are JMESPath expressions evaluated against the
	// id_token (or userinfo) claims. Defaults: "sub" and "email".
	IDClaim    string
	EmailClaim string
	HTTPClient *http.Client // Optional, defaults to a client with a 30s timeout
}

// DiscoveryDocument represents the OIDC discovery document.
type DiscoveryDocument struct {
	Issuer             string `json:"issuer"`
	TokenEndpoint      string `json:"token_endpoint"`
	UserinfoEndpoint   string `json:"userinfo_endpoint"`
	JwksURI            string `json:"jwks_uri"`
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`
}

// Factory holds the discovered provider and hands out per-client Providers.
type Factory struct {
	config        *oauth2.Config
	httpClient    *http.Client
	revocationURL string
	idClaim       string
	emailClaim    string
	tokens        ports.TokenStore
	now           func() time.Time

	// go-oidc provider and verifier
	oidcProvider *gooidc.Provider
	verifier     *gooidc.IDTokenVerifier
}

// NewFactory runs discovery against cfg.DiscoveryURL and returns a Factory whose
// Providers persist sessions in tokens.
func NewFactory(ctx context.Context, cfg ProviderConfig, tokens ports.TokenStore) (*Factory, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if cfg.DiscoveryURL == "" {
		return nil, errors.New("discovery URL is required")
	}
	if tokens == nil {
		return nil, errors.New("token store is required")
	}

	idClaim := firstNonEmpty(cfg.IDClaim, defaultIDClaim)
	emailClaim := firstNonEmpty(cfg.EmailClaim, defaultEmailClaim)
	for _, expr := range []string{idClaim, emailClaim} {
		if _, err := jmespath.Compile(expr); err != nil {
			return nil, fmt.Errorf("invalid claim expression %q: %w", expr, err)
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	// The remote key set keeps this context for its lifetime.
	dctx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, httpClient)
	issuer := strings.TrimSuffix(cfg.DiscoveryURL, "/")
	issuer = strings.TrimSuffix(issuer, "/.well-known/openid-configuration")
	op, err := gooidc.NewProvider(dctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc new provider: %w", err)
	}

	var extra struct {
		RevocationEndpoint string `json:"revocation_endpoint"`
	}
	if claimsErr := op.Claims(&extra); claimsErr != nil {
		return nil, fmt.Errorf("decode discovery document: %w", claimsErr)
	}

	return &Factory{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       strings.Fields(cfg.Scope),
			Endpoint:     op.Endpoint(),
		},
		httpClient:    httpClient,
		revocationURL: firstNonEmpty(cfg.RevocationURL, extra.RevocationEndpoint),
		idClaim:       idClaim,
		emailClaim:    emailClaim,
		tokens:        tokens,
		now:           time.Now,
		oidcProvider:  op,
		verifier:      op.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

// ForClient returns a Provider whose session is keyed by clientID.
func (f *Factory) ForClient(clientID string) ports.IdentityProvider {
	return &Provider{factory: f, clientID: clientID}
}

// Provider implements ports.IdentityProvider for a single browser client.
type Provider struct {
	factory  *Factory
	clientID string
}

func (p *Provider) SignInWithPassword(
	ctx context.Context,
	email, password string,
) (domainauth.Identity, domainauth.RawSession, error) {
	f := p.factory
	ctx = f.clientContext(ctx)

	tok, err := f.config.PasswordCredentialsToken(ctx, email, password)
	if err != nil {
		return domainauth.Identity{}, domainauth.RawSession{}, classifyTokenError(err, false)
	}

	ident, err := f.identityFromToken(ctx, tok)
	if err != nil {
		return domainauth.Identity{}, domainauth.RawSession{}, err
	}

	sess := f.sessionFromToken(tok, ident)
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

	var revokeErr error
	if cur != nil && f.revocationURL != "" {
		revokeErr = f.revoke(f.clientContext(ctx), *cur)
	}
	if delErr := f.tokens.Delete(ctx, p.clientID); delErr != nil {
		return errors.Join(revokeErr, fmt.Errorf("delete session: %w", delErr))
	}
	return revokeErr
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
	if cur.RefreshToken == "" {
		return nil, domainauth.Identity{}, apperrors.SessionExpired("")
	}

	ctx = f.clientContext(ctx)
	// A past expiry makes the token source go straight to the refresh grant.
	stale := &oauth2.Token{
		AccessToken:  cur.AccessToken,
		RefreshToken: cur.RefreshToken,
		Expiry:       time.Unix(1, 0),
	}
	tok, err := f.config.TokenSource(ctx, stale).Token()
	if err != nil {
		return nil, domainauth.Identity{}, classifyTokenError(err, true)
	}

	ident := cur.User
	if _, hasID := tok.Extra("id_token").(string); hasID {
		fresh, idErr := f.identityFromToken(ctx, tok)
		if idErr != nil {
			return nil, domainauth.Identity{}, idErr
		}
		ident = fresh
	}

	sess := f.sessionFromToken(tok, ident)
	if sess.RefreshToken == "" {
		sess.RefreshToken = cur.RefreshToken
	}
	if sess.ExpiresAt < cur.ExpiresAt {
		sess.ExpiresAt = cur.ExpiresAt
	}
	if saveErr := f.tokens.Save(ctx, p.clientID, sess); saveErr != nil {
		return nil, domainauth.Identity{}, fmt.Errorf("save session: %w", saveErr)
	}
	return &sess, ident, nil
}

func (f *Factory) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
}

func (f *Factory) sessionFromToken(tok *oauth2.Token, ident domainauth.Identity) domainauth.RawSession {
	expiresAt := f.now().Add(defaultTokenLifetime)
	if !tok.Expiry.IsZero() {
		expiresAt = tok.Expiry
	}
	return domainauth.RawSession{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAt.Unix(),
		User:         ident,
	}
}

// identityFromToken reads the identity from the verified id_token when the
// openid scope is present, filling gaps from the userinfo endpoint.
func (f *Factory) identityFromToken(ctx context.Context, tok *oauth2.Token) (domainauth.Identity, error) {
	var ident domainauth.Identity
	if f.hasOpenIDScope() {
		claims, err := f.idTokenClaims(ctx, tok)
		if err != nil {
			return ident, err
		}
		ident = f.mapClaims(claims)
	}

	if ident.ID == "" || ident.Email == "" {
		claims, err := f.userInfoClaims(ctx, tok)
		if err != nil {
			return domainauth.Identity{}, err
		}
		fromUI := f.mapClaims(claims)
		ident.ID = firstNonEmpty(ident.ID, fromUI.ID)
		ident.Email = firstNonEmpty(ident.Email, fromUI.Email)
	}

	if ident.ID == "" {
		return domainauth.Identity{}, apperrors.Wrap(
			errors.New("no subject claim"), apperrors.ErrCodeUnknown, "identity provider returned no user id")
	}
	return ident, nil
}

func (f *Factory) idTokenClaims(ctx context.Context, tok *oauth2.Token) (map[string]any, error) {
	rawID, err := getIDTokenFromToken(tok)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnknown, "identity provider returned no id_token")
	}
	idTok, err := f.verifier.Verify(ctx, rawID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnknown, "id_token verification failed")
	}
	var claims map[string]any
	if claimsErr := idTok.Claims(&claims); claimsErr != nil {
		return nil, fmt.Errorf("parse id_token claims: %w", claimsErr)
	}
	return claims, nil
}

func (f *Factory) userInfoClaims(ctx context.Context, tok *oauth2.Token) (map[string]any, error) {
	ui, err := f.oidcProvider.UserInfo(ctx, oauth2.StaticTokenSource(tok))
	if err != nil {
		return nil, classifyTransport(err, "fetch user info")
	}
	var claims map[string]any
	if claimsErr := ui.Claims(&claims); claimsErr != nil {
		return nil, fmt.Errorf("decode user info: %w", claimsErr)
	}
	return claims, nil
}

func (f *Factory) mapClaims(claims map[string]any) domainauth.Identity {
	return domainauth.Identity{
		ID:    searchString(f.idClaim, claims),
		Email: searchString(f.emailClaim, claims),
	}
}

// revoke posts the refresh token (or the access token when there is none)
// to the revocation endpoint.
func (f *Factory) revoke(ctx context.Context, sess domainauth.RawSession) error {
	token, hint := sess.RefreshToken, "refresh_token"
	if token == "" {
		token, hint = sess.AccessToken, "access_token"
	}
	if token == "" {
		return nil
	}

	form := url.Values{"token": {token}, "token_type_hint": {hint}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.revocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(f.config.ClientID), url.QueryEscape(f.config.ClientSecret))

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return classifyTransport(err, "revoke session")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return apperrors.Wrapf(
			fmt.Errorf("status %d", resp.StatusCode), apperrors.ErrCodeUnknown, "revocation rejected")
	}
	return nil
}

// classifyTokenError maps token endpoint failures onto the auth error taxonomy.
// During refresh an invalid_grant means the session is gone.
func classifyTokenError(err error, refreshing bool) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		switch {
		case re.ErrorCode == "invalid_grant" || (status == http.StatusUnauthorized && re.ErrorCode == ""):
			if refreshing {
				return apperrors.SessionExpired("")
			}
			return apperrors.InvalidCredentials(re.ErrorDescription)
		case re.ErrorCode == "invalid_client" || re.ErrorCode == "unauthorized_client":
			return apperrors.Wrap(err, apperrors.ErrCodeConfiguration, "identity provider rejected client credentials")
		case status >= http.StatusInternalServerError:
			return apperrors.Network(err, "identity provider unavailable")
		default:
			return apperrors.Wrap(err, apperrors.ErrCodeUnknown, firstNonEmpty(re.ErrorDescription, "token request rejected"))
		}
	}
	return classifyTransport(err, "token request")
}

func classifyTransport(err error, op string) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperrors.Network(err, op+" failed: network error")
	}
	return fmt.Errorf("%s: %w", op, err)
}

func searchString(expr string, claims map[string]any) string {
	v, err := jmespath.Search(expr, claims)
	if err != nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return ""
	}
}

// firstNonEmpty returns the first non-empty string from vals, or empty string if none.
func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// hasOpenIDScope reports whether the configured scopes include "openid".
func (f *Factory) hasOpenIDScope() bool {
	for _, sc := range f.config.Scopes {
		if sc == "openid" {
			return true
		}
	}
	return false
}

// getIDTokenFromToken extracts the id_token from oauth2.Token.
func getIDTokenFromToken(tok *oauth2.Token) (string, error) {
	if tok == nil {
		return "", errors.New("nil token")
	}
	raw := tok.Extra("id_token")
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", errors.New("missing id_token in token response")
	}
	return s, nil
}
