package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// DefaultTenant is the shared Microsoft authority used when neither a tenant
// nor an issuer is configured. It admits both organizational and personal
// accounts.
const DefaultTenant = "common"

// multiTenantAuthorities are the Microsoft pseudo-tenants whose discovery
// document advertises a templated issuer instead of a literal one. Strict
// issuer verification can only hold for dedicated tenants.
var multiTenantAuthorities = map[string]bool{
	"common":        true,
	"organizations": true,
	"consumers":     true,
}

// MicrosoftIssuer returns the OIDC issuer URL for a Microsoft tenant.
func MicrosoftIssuer(tenant string) string {
	return "https://login.microsoftonline.com/" + tenant + "/v2.0"
}

// ErrNoAccounts is returned by silent acquisition when the cache holds no
// accounts to refresh.
var ErrNoAccounts = errors.New("token cache contains no accounts")

// Token is an access token bound to the account it was issued for. Callers
// consume it immediately; it is never persisted.
type Token struct {
	AccessToken string
	TokenType   string
	Expiry      time.Time
	Account     Account
}

// Options configures a Client.
type Options struct {
	// Issuer is the OIDC issuer to discover endpoints from. Empty selects
	// the Microsoft authority for Tenant.
	Issuer string

	// Tenant is the Microsoft tenant used when Issuer is empty. Empty means
	// DefaultTenant.
	Tenant string

	// ClientID identifies the registered application. Required.
	ClientID string

	// ClientSecret is set only for confidential client registrations.
	ClientSecret string

	// Scopes are the resource scopes to request. openid and offline_access
	// are always added: without them the provider issues neither an ID token
	// nor a refresh token.
	Scopes []string

	// HTTPClient overrides the HTTP client used for discovery, code exchange
	// and refresh. Nil selects a client with a request timeout.
	HTTPClient *http.Client
}

// discovery is the provider configuration resolved on first use.
type discovery struct {
	config   oauth2.Config
	verifier *oidc.IDTokenVerifier
	client   *http.Client
}

// Client drives the provider side of both acquisition flows and records
// refresh material in its Cache. Endpoint discovery runs once, on first use.
type Client struct {
	opts  Options
	cache *Cache

	discover func() (*discovery, error)
}

// NewClient creates a Client bound to cache. No network I/O happens until a
// flow needs the provider endpoints.
func NewClient(opts Options, cache *Cache) (*Client, error) {
	if opts.ClientID == "" {
		return nil, fmt.Errorf("missing client id")
	}
	if cache == nil {
		return nil, fmt.Errorf("missing token cache")
	}

	c := &Client{opts: opts, cache: cache}
	c.discover = sync.OnceValues(c.discoverProvider)
	return c, nil
}

// Cache returns the cache the client records refresh material in.
func (c *Client) Cache() *Cache {
	return c.cache
}

// Accounts lists the accounts known to the cache.
func (c *Client) Accounts() []Account {
	return c.cache.Accounts()
}

// discoverProvider performs the one-time OIDC endpoint discovery.
//
// The provider handle must outlive any flow, so it is built on a background
// context; request timeouts come from the HTTP client instead.
func (c *Client) discoverProvider() (*discovery, error) {
	issuer := c.opts.Issuer
	tenant := c.opts.Tenant
	if tenant == "" {
		tenant = DefaultTenant
	}
	if issuer == "" {
		issuer = MicrosoftIssuer(tenant)
	}

	client := c.opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	ctx := oidc.ClientContext(context.Background(), client)
	if c.opts.Issuer == "" && multiTenantAuthorities[tenant] {
		ctx = oidc.InsecureIssuerURLContext(ctx, issuer)
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering provider %s: %w", issuer, err)
	}

	return &discovery{
		config: oauth2.Config{
			ClientID:     c.opts.ClientID,
			ClientSecret: c.opts.ClientSecret,
			Endpoint:     provider.Endpoint(),
			Scopes:       withOIDCScopes(c.opts.Scopes),
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: c.opts.ClientID}),
		client:   client,
	}, nil
}

// withOIDCScopes returns scopes extended with openid and offline_access.
func withOIDCScopes(scopes []string) []string {
	extended := slices.Clone(scopes)
	for _, required := range []string{oidc.ScopeOpenID, oidc.ScopeOfflineAccess} {
		if !slices.Contains(extended, required) {
			extended = append(extended, required)
		}
	}
	return extended
}

// AuthCodeURL builds the provider authorization URL for one flow invocation.
// state ties the redirect back to this invocation, nonce ties the ID token to
// it, and redirectURI must match a registered redirect of the application.
func (c *Client) AuthCodeURL(state, nonce, redirectURI string) (string, error) {
	d, err := c.discover()
	if err != nil {
		return "", err
	}

	cfg := d.config
	cfg.RedirectURL = redirectURI
	return cfg.AuthCodeURL(state, oidc.Nonce(nonce)), nil
}

// Exchange redeems an authorization code, verifies the ID token that came
// with it and records the refresh material in the cache. The returned token
// belongs to the account the ID token identifies.
func (c *Client) Exchange(ctx context.Context, code, nonce, redirectURI string) (*Token, error) {
	d, err := c.discover()
	if err != nil {
		return nil, err
	}

	cfg := d.config
	cfg.RedirectURL = redirectURI

	ctx = context.WithValue(ctx, oauth2.HTTPClient, d.client)
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token response carries no access token")
	}

	account, err := c.verifiedAccount(ctx, d, tok, nonce)
	if err != nil {
		return nil, err
	}

	c.cache.Put(account, tok.RefreshToken, c.opts.Scopes)

	return &Token{
		AccessToken: tok.AccessToken,
		TokenType:   tok.Type(),
		Expiry:      tok.Expiry,
		Account:     account,
	}, nil
}

// AcquireSilent satisfies a token request from cached refresh material,
// without user interaction. A rotated refresh token is written back to the
// cache; Microsoft rotates on every use.
func (c *Client) AcquireSilent(ctx context.Context, account Account) (*Token, error) {
	refreshToken := c.cache.RefreshToken(account)
	if refreshToken == "" {
		return nil, fmt.Errorf("no refresh material for %s", account.Username)
	}

	d, err := c.discover()
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, d.client)

	// A token source seeded with only a refresh token performs the refresh
	// grant on the first Token call.
	src := d.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing token for %s: %w", account.Username, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("refresh response carries no access token")
	}

	c.cache.Put(account, tok.RefreshToken, c.opts.Scopes)

	return &Token{
		AccessToken: tok.AccessToken,
		TokenType:   tok.Type(),
		Expiry:      tok.Expiry,
		Account:     account,
	}, nil
}

// verifiedAccount verifies the ID token (signature, audience, expiry, nonce)
// and extracts the account identity from its claims.
func (c *Client) verifiedAccount(ctx context.Context, d *discovery, tok *oauth2.Token, nonce string) (Account, error) {
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return Account{}, fmt.Errorf("token response carries no id_token")
	}

	idToken, err := d.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return Account{}, fmt.Errorf("verifying id_token: %w", err)
	}
	if idToken.Nonce != nonce {
		return Account{}, fmt.Errorf("id_token nonce mismatch")
	}

	var claims struct {
		PreferredUsername string `json:"preferred_username"`
		Email             string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return Account{}, fmt.Errorf("decoding id_token claims: %w", err)
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}
	if username == "" {
		return Account{}, fmt.Errorf("id_token carries no usable username claim")
	}

	return Account{Username: username, HomeID: idToken.Subject}, nil
}
