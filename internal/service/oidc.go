// Package service holds the small set of external-IdP integrations the
// Proxy Fabric's desktop-activation flow delegates to.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/defguard/core/internal/config"
)

// idTokenVerifier is the subset of *oidc.IDTokenVerifier the service
// depends on, narrowed to an interface so tests can stub verification
// without a live provider.
type idTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// userInfoProvider is the subset of *oidc.Provider the service depends
// on for the UserInfo endpoint.
type userInfoProvider interface {
	UserInfo(ctx context.Context, tokenSource oauth2.TokenSource) (*oidc.UserInfo, error)
}

// OIDCService mediates desktop client activation: a proxy forwards
// an oidc_auth_info / oidc_callback request, core exchanges the
// authorization code and verifies the resulting ID token before finishing
// the desktop-activation token's state machine.
//
// Provider/verifier are narrowed to interfaces so the exchange/verify
// path is unit testable without a live IdP.
type OIDCService struct {
	provider userInfoProvider
	verifier idTokenVerifier
	config   oauth2.Config
}

// NewOIDCService constructs the service from cfg's desktop-activation
// OIDC settings. Returns (nil, nil) when OIDC is not configured so
// callers can start without desktop activation available and route
// oidc_* proxy requests elsewhere.
func NewOIDCService(ctx context.Context, cfg config.OIDCConfig) (*OIDCService, error) {
	if cfg.Issuer == "" || cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RedirectURL == "" {
		return nil, nil
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to query OIDC provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})

	oauthCfg := oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
	}

	return &OIDCService{provider: provider, verifier: verifier, config: oauthCfg}, nil
}

// GetLoginURL builds the authorization-code URL returned in a
// RequestOidcAuthInfo reply.
func (s *OIDCService) GetLoginURL(state string) string {
	return s.config.AuthCodeURL(state)
}

// ExchangeCode exchanges an authorization code for tokens and verifies
// the embedded ID token, returning the extracted user info used to
// finish a TokenDesktopActivate handshake.
func (s *OIDCService) ExchangeCode(ctx context.Context, code string) (*oidc.IDToken, *UserInfo, error) {
	oauth2Token, err := s.config.Exchange(ctx, code)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to exchange token: %w", err)
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return nil, nil, errors.New("no id_token field in oauth2 token")
	}

	idToken, err := s.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to verify ID Token: %w", err)
	}

	var claims struct {
		Email    string `json:"email"`
		Verified bool   `json:"email_verified"`
		Name     string `json:"name"`
		Sub      string `json:"sub"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, nil, fmt.Errorf("failed to parse claims: %w", err)
	}

	return idToken, &UserInfo{Email: claims.Email, Name: claims.Name, Sub: claims.Sub}, nil
}

// ValidateToken verifies a raw ID token in isolation, used when a proxy
// forwards a token the desktop client already holds rather than an
// authorization code.
func (s *OIDCService) ValidateToken(ctx context.Context, rawIDToken string) (*oidc.IDToken, error) {
	return s.verifier.Verify(ctx, rawIDToken)
}

// GetUserInfo calls the provider's UserInfo endpoint directly, for flows
// that hand core an access token rather than an ID token.
func (s *OIDCService) GetUserInfo(ctx context.Context, token *oauth2.Token) (*oidc.UserInfo, error) {
	return s.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
}

// UserInfo is the subset of ID-token claims the desktop-activation finish
// step needs to match against a domain.User by email.
type UserInfo struct {
	Email string
	Name  string
	Sub   string
}
