// Command oauth2ms obtains an OAuth2 access token for a mail account and
// prints it to stdout, optionally encoded as a SASL XOAUTH2 initial client
// response for use with IMAP, POP or SMTP servers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jslofsgaard/oauth2ms/cmd/oauth2ms/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.Execute(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
