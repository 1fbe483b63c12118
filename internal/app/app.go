package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jslofsgaard/oauth2ms/internal/cachestore"
	"github.com/jslofsgaard/oauth2ms/internal/crypt"
	"github.com/jslofsgaard/oauth2ms/internal/idp"
	"github.com/jslofsgaard/oauth2ms/internal/imapcheck"
	"github.com/jslofsgaard/oauth2ms/internal/xoauth2"
)

// identityClient is the part of idp.Client the flows use. Tests substitute
// a stub provider.
type identityClient interface {
	AuthCodeURL(state, nonce, redirectURI string) (string, error)
	Exchange(ctx context.Context, code, nonce, redirectURI string) (*idp.Token, error)
	AcquireSilent(ctx context.Context, account idp.Account) (*idp.Token, error)
	Accounts() []idp.Account
}

// Compile-time check to ensure idp.Client implements identityClient
var _ identityClient = (*idp.Client)(nil)

// App orchestrates one token acquisition: cache load, silent refresh,
// interactive authorization, output and cache write-back.
type App struct {
	cfg    *Config
	store  cachestore.Store
	crypt  crypt.Crypt // nil when encryption is disabled
	cache  *idp.Cache
	client identityClient

	stdout io.Writer // token output
	stderr io.Writer // user prompts; logs go through slog
}

// New creates a new App instance. No I/O is performed; the stored cache is
// read by Run.
func New(cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := cfg.Cache.NewStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create cache store: %w", err)
	}

	cr, err := cfg.Encryption.NewCrypt()
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption backend: %w", err)
	}

	cache := idp.NewCache()
	client, err := idp.NewClient(idp.Options{
		Issuer:       cfg.Issuer,
		Tenant:       cfg.TenantID,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
	}, cache)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity client: %w", err)
	}

	return &App{
		cfg:    cfg,
		store:  store,
		crypt:  cr,
		cache:  cache,
		client: client,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}, nil
}

// Run executes the acquisition sequence: load the cache, try the silent flow,
// fall back to interactive authorization, optionally verify against an IMAP
// server, print the token and persist any cache change.
//
// The token is the only thing written to stdout, as a single line.
func (a *App) Run(ctx context.Context) error {
	if err := a.loadCache(ctx); err != nil {
		return err
	}

	token, acquireErr := a.acquireToken(ctx)

	if token != nil && a.cfg.IMAPVerify != "" {
		if err := imapcheck.Verify(ctx, a.cfg.IMAPVerify, token.Account.Username, token.AccessToken); err != nil {
			token, acquireErr = nil, fmt.Errorf("imap verification failed: %w", err)
		} else {
			slog.InfoContext(ctx, "imap verification passed", "server", a.cfg.IMAPVerify, "username", token.Account.Username)
		}
	}

	if token != nil {
		output := token.AccessToken
		if a.cfg.EncodeXOAUTH2 {
			output = xoauth2.Encode(token.Account.Username, token.AccessToken)
		}
		fmt.Fprintln(a.stdout, output)
	}

	// The cache may have changed regardless of the outcome (a rotated
	// refresh token followed by a late failure), so persist before deciding.
	if err := a.persistCache(ctx); err != nil {
		if acquireErr == nil {
			return err
		}
		slog.ErrorContext(ctx, "failed to persist token cache", "error", err)
	}

	return acquireErr
}

// acquireToken tries the silent flow first and falls back to interactive
// authorization. Every silent miss falls through; interactive failures are
// terminal.
func (a *App) acquireToken(ctx context.Context) (*idp.Token, error) {
	token, err := a.fetchTokenFromCache(ctx)
	if err == nil {
		return token, nil
	}

	slog.InfoContext(ctx, "silent acquisition missed, starting interactive authorization", "reason", err.Error())

	token, err = a.fetchNewToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoToken, err)
	}
	return token, nil
}

// loadCache reads the stored cache if one exists, decrypting when configured.
// A missing cache is a fresh start; an unreadable one is fatal, because
// silently discarding it would also discard the user's refresh material.
func (a *App) loadCache(ctx context.Context) error {
	data, err := a.store.Read(ctx)
	if errors.Is(err, cachestore.ErrNotFound) {
		slog.DebugContext(ctx, "no stored token cache")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading token cache: %w", err)
	}

	if a.crypt != nil {
		if data, err = a.crypt.Decrypt(ctx, data); err != nil {
			return &CacheFormatError{Err: err}
		}
	}

	if err := a.cache.Load(data); err != nil {
		return &CacheFormatError{Err: err}
	}

	slog.DebugContext(ctx, "loaded token cache", "accounts", len(a.cache.Accounts()))
	return nil
}

// persistCache writes the cache back if it changed. With encryption
// configured the ciphertext is written; without it the cache is only written
// when the user opted in to plaintext persistence.
func (a *App) persistCache(ctx context.Context) error {
	if !a.cache.HasChanged() {
		return nil
	}

	data, err := a.cache.Marshal()
	if err != nil {
		return fmt.Errorf("serializing token cache: %w", err)
	}

	switch {
	case a.crypt != nil:
		ciphertext, err := a.crypt.Encrypt(ctx, data)
		if err != nil {
			return fmt.Errorf("encrypting token cache: %w", err)
		}
		data = ciphertext
	case !a.cfg.Cache.AllowPlaintext:
		slog.WarnContext(ctx, "token cache changed but was not persisted: configure encryption or set cache.allow_plaintext")
		return nil
	}

	if err := a.store.Write(ctx, data); err != nil {
		return fmt.Errorf("writing token cache: %w", err)
	}

	slog.DebugContext(ctx, "persisted token cache")
	return nil
}
