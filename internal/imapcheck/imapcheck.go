// Package imapcheck verifies a freshly acquired token by logging in to the
// target IMAP server with SASL XOAUTH2 before the token is handed to the
// caller's mail client.
package imapcheck

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/emersion/go-imap/client"

	"github.com/jslofsgaard/oauth2ms/internal/xoauth2"
)

// commandTimeout bounds each IMAP round trip.
const commandTimeout = 30 * time.Second

// Verify dials addr (host:port) over TLS and authenticates as username with
// the XOAUTH2 token. A nil return means the server accepted the token.
func Verify(ctx context.Context, addr, username, token string) error {
	return verify(ctx, addr, username, token, nil)
}

func verify(ctx context.Context, addr, username, token string, tlsConfig *tls.Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c, err := client.DialTLS(addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer func() { _ = c.Logout() }()

	c.Timeout = commandTimeout

	if err := c.Authenticate(xoauth2.NewClient(username, token)); err != nil {
		return fmt.Errorf("xoauth2 login rejected by %s: %w", addr, err)
	}

	return nil
}
