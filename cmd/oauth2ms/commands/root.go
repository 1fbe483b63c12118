package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jslofsgaard/oauth2ms/internal/app"
	"github.com/jslofsgaard/oauth2ms/internal/observability"
	"github.com/urfave/cli/v3"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:   "oauth2ms",
		Usage:  "obtain an OAuth2 access token for IMAP, POP or SMTP authentication",
		Flags:  rootFlags(),
		Action: fetchTokenAction,
	}

	return cmd.Run(ctx, args)
}

func rootFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to config file",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "log level (debug|info|warn|error)",
			Value: slog.LevelInfo.String(),
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "log format (text|json)",
			Value: string(app.DefaultConfigLogFormat),
		},
		&cli.StringFlag{
			Name:  "tenant-id",
			Usage: "directory (tenant) to authenticate against",
		},
		&cli.StringFlag{
			Name:  "issuer",
			Usage: "OIDC issuer URL, replaces the tenant authority",
		},
		&cli.StringFlag{
			Name:  "client-id",
			Usage: "application (client) id of the registration",
		},
		&cli.StringSliceFlag{
			Name:  "scopes",
			Usage: "scopes to request",
		},
		&cli.BoolFlag{
			Name:  "encode-xoauth2",
			Usage: "print the token as a SASL XOAUTH2 initial client response",
		},
		&cli.BoolFlag{
			Name:  "no-browser",
			Usage: "print the authorization URL instead of opening a browser",
		},
		&cli.StringFlag{
			Name:    "encryption--fingerprint",
			Aliases: []string{"e", "encrypt-using-fingerprint"},
			Usage:   "GPG key id to encrypt the token cache to",
		},
		&cli.StringFlag{
			Name:    "encryption--gpg-home",
			Aliases: []string{"gpg-home"},
			Usage:   "GnuPG home directory",
		},
		&cli.StringFlag{
			Name:  "imap-verify",
			Usage: "host:port of an IMAP server to test the token against",
		},
	}
}

func fetchTokenAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		var cfgErr *app.ConfigError
		if errors.As(err, &cfgErr) {
			return cli.Exit(err, 2)
		}
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating app
	err = observability.Instrument(cfg.LogLevel, string(cfg.LogFormat))
	if err != nil {
		return fmt.Errorf("failed to set up observability layer: %w", err)
	}
	defer func() {
		if err := observability.Shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.Error("failed to shut down observability layer", "error", err)
		}
	}()

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	return application.Run(ctx)
}
