package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/jslofsgaard/oauth2ms/internal/callback"
	"github.com/jslofsgaard/oauth2ms/internal/idp"
)

// stopTimeout bounds the redirect listener shutdown after the flow resolves.
const stopTimeout = 5 * time.Second

// fetchTokenFromCache attempts silent acquisition for the first cached
// account.
func (a *App) fetchTokenFromCache(ctx context.Context) (*idp.Token, error) {
	accounts := a.client.Accounts()
	if len(accounts) == 0 {
		return nil, idp.ErrNoAccounts
	}

	account := accounts[0]
	token, err := a.client.AcquireSilent(ctx, account)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "acquired token silently", "username", account.Username)
	return token, nil
}

// fetchNewToken runs the interactive authorization code flow: bind the
// loopback listener, direct the user to the authorization URL, wait for the
// single redirect and redeem what it carried.
func (a *App) fetchNewToken(ctx context.Context) (*idp.Token, error) {
	state, err := idp.GenerateState()
	if err != nil {
		return nil, fmt.Errorf("generating state: %w", err)
	}
	nonce := idp.GenerateNonce()
	redirectURI := a.cfg.Redirect.URI()

	authURL, err := a.client.AuthCodeURL(state, nonce, redirectURI)
	if err != nil {
		return nil, fmt.Errorf("building authorization URL: %w", err)
	}

	srv := callback.New(callback.Config{
		Host:     a.cfg.Redirect.Host,
		Port:     a.cfg.Redirect.Port,
		UseTLS:   a.cfg.Redirect.Method == RedirectMethodHTTPS,
		CertFile: a.cfg.Redirect.CertFile,
		KeyFile:  a.cfg.Redirect.KeyFile,
	})

	g, gCtx := errgroup.WithContext(ctx)

	errCh, err := srv.Start(gCtx)
	if err != nil {
		return nil, fmt.Errorf("starting redirect listener: %w", err)
	}
	slog.DebugContext(ctx, "redirect listener bound", "address", srv.BoundAddr())

	// Cancel the wait if the listener dies underneath it.
	g.Go(func() error {
		select {
		case err, ok := <-errCh:
			if ok && err != nil {
				return fmt.Errorf("redirect listener: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	a.promptUser(ctx, authURL)

	waitCtx, cancelWait := context.WithTimeout(gCtx, a.cfg.Redirect.Timeout)
	defer cancelWait()

	result, waitErr := srv.Wait(waitCtx)

	// Stopping the listener closes errCh, which lets the monitor goroutine
	// and g.Wait return.
	stopCtx, cancelStop := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancelStop()
	if err := srv.Stop(stopCtx); err != nil {
		slog.ErrorContext(ctx, "failed to stop redirect listener", "error", err)
	}

	if err := g.Wait(); err != nil {
		// A listener failure explains the missing redirect better than the
		// cancellation Wait saw.
		return nil, err
	}
	if waitErr != nil {
		if errors.Is(waitErr, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrAuthorizationTimeout
		}
		return nil, fmt.Errorf("waiting for authorization redirect: %w", waitErr)
	}

	return a.redeemCapture(ctx, result, state, nonce, redirectURI)
}

// promptUser directs the user to the authorization URL, preferring the
// system browser when one is likely attached.
func (a *App) promptUser(ctx context.Context, authURL string) {
	if !a.cfg.NoBrowser && term.IsTerminal(int(os.Stderr.Fd())) {
		err := callback.OpenBrowser(authURL)
		if err == nil {
			fmt.Fprintln(a.stderr, "Opened a browser window to complete authorization, waiting for the redirect...")
			return
		}
		slog.DebugContext(ctx, "failed to open browser", "error", err)
	}
	fmt.Fprintf(a.stderr, "Visit the following URL to authorize this application:\n\n%s\n\n", authURL)
}

// redeemCapture validates the captured redirect and exchanges the code it
// carried for a token.
func (a *App) redeemCapture(ctx context.Context, result *callback.Result, state, nonce, redirectURI string) (*idp.Token, error) {
	if result.IsError() {
		reason := result.Error
		if result.ErrorDescription != "" {
			reason += ": " + result.ErrorDescription
		}
		slog.ErrorContext(ctx, "provider rejected the authorization request",
			"error", result.Error,
			"description", result.ErrorDescription,
		)
		return nil, &AuthorizationError{Reason: reason}
	}

	if result.State != state {
		// Log lengths only, the values are not ours to trust.
		slog.ErrorContext(ctx, "authorization redirect failed state verification",
			"expected_len", len(state),
			"received_len", len(result.State),
		)
		return nil, &AuthorizationError{Reason: "state mismatch"}
	}

	if result.Code == "" {
		slog.ErrorContext(ctx, "authorization redirect carried no code", "response", result.Query.Encode())
		return nil, &AuthorizationError{Reason: "no code in response"}
	}

	token, err := a.client.Exchange(ctx, result.Code, nonce, redirectURI)
	if err != nil {
		slog.ErrorContext(ctx, "authorization code exchange failed", "error", err)
		return nil, &AuthorizationError{Reason: "token exchange failed", Err: err}
	}

	slog.InfoContext(ctx, "authorized new account", "username", token.Account.Username)
	return token, nil
}
