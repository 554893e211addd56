package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

var (
	ErrOIDCInit      = errors.New("OIDC initialization failed")
	ErrTokenExchange = errors.New("token exchange failed")
	ErrTokenVerify   = errors.New("token verification failed")
	ErrMissingEmail  = errors.New("email claim is required")
)

// MicrosoftAuthority is the Microsoft identity platform login host.
const MicrosoftAuthority = "https://login.microsoftonline.com"

// GraphScopes are requested on top of the OpenID scopes so the issued
// access token can read and write the user's calendars.
var GraphScopes = []string{
	"offline_access",
	"https://graph.microsoft.com/Calendars.ReadWrite",
	"https://graph.microsoft.com/User.Read",
}

// multiTenant lists tenant aliases whose tokens carry the user's own
// tenant as issuer rather than the discovery issuer.
var multiTenant = map[string]bool{
	"common":        true,
	"organizations": true,
	"consumers":     true,
}

// OIDCClaims represents the claims extracted from an ID token.
type OIDCClaims struct {
	Subject           string `json:"sub"`
	Email             string `json:"email"`
	PreferredUsername string `json:"preferred_username"`
	Name              string `json:"name"`
	TenantID          string `json:"tid"`
}

// OIDCProvider handles sign-in against an OpenID Connect issuer.
type OIDCProvider struct {
	verifier *oidc.IDTokenVerifier
	config   oauth2.Config
}

// MicrosoftIssuer returns the v2.0 issuer URL of a tenant.
func MicrosoftIssuer(tenant string) string {
	if tenant == "" {
		tenant = "common"
	}
	return fmt.Sprintf("%s/%s/v2.0", MicrosoftAuthority, tenant)
}

// MicrosoftOAuth2Config builds the code flow configuration of a tenant
// without discovery. It is enough to refresh a stored token.
func MicrosoftOAuth2Config(tenant, clientID, clientSecret, redirectURL string) *oauth2.Config {
	if tenant == "" {
		tenant = "common"
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
		Scopes:       append([]string{oidc.ScopeOpenID, "profile", "email"}, GraphScopes...),
	}
}

// NewOIDCProvider discovers issuer and prepares the code flow. Extra scopes
// are appended to openid, profile and email.
func NewOIDCProvider(ctx context.Context, issuer, clientID, clientSecret, redirectURL string, scopes ...string) (*OIDCProvider, error) {
	skipIssuer := isMultiTenant(issuer)
	if skipIssuer {
		ctx = oidc.InsecureIssuerURLContext(ctx, strings.TrimSuffix(issuer, "/"))
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create provider: %w", ErrOIDCInit, err)
	}

	config := oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       append([]string{oidc.ScopeOpenID, "profile", "email"}, scopes...),
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID:        clientID,
		SkipIssuerCheck: skipIssuer,
	})

	return &OIDCProvider{
		verifier: verifier,
		config:   config,
	}, nil
}

func isMultiTenant(issuer string) bool {
	rest, ok := strings.CutPrefix(issuer, MicrosoftAuthority+"/")
	if !ok {
		return false
	}
	tenant, _, _ := strings.Cut(rest, "/")
	return multiTenant[strings.ToLower(tenant)]
}

// OAuth2Config returns the code flow configuration, used to refresh
// tokens issued by this provider.
func (p *OIDCProvider) OAuth2Config() *oauth2.Config {
	cfg := p.config
	return &cfg
}

// AuthCodeURL returns the URL to redirect the user to for authentication.
// Offline access is requested so a refresh token is issued.
func (p *OIDCProvider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange exchanges an authorization code for tokens.
func (p *OIDCProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}
	return token, nil
}

// VerifyIDToken verifies the ID token and extracts claims. Accounts without
// an email claim fall back to their preferred username.
func (p *OIDCProvider) VerifyIDToken(ctx context.Context, token *oauth2.Token) (*OIDCClaims, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing id_token", ErrTokenVerify)
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenVerify, err)
	}

	var claims OIDCClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to parse claims: %w", ErrTokenVerify, err)
	}

	if claims.Email == "" {
		claims.Email = claims.PreferredUsername
	}
	if claims.Email == "" {
		return nil, ErrMissingEmail
	}

	return &claims, nil
}
