package crypt

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GPG encrypts to a recipient key in the user's GnuPG keyring by running the
// gpg binary. Key material never leaves gpg, so passphrase handling, the
// agent and hardware tokens all behave exactly as they do for the user's
// other gpg usage.
type GPG struct {
	fingerprint string
	homeDir     string
	binary      string
}

// Compile-time check to ensure GPG implements Crypt
var _ Crypt = (*GPG)(nil)

// NewGPG creates a GPG backend encrypting to the key identified by
// fingerprint (any key id gpg accepts for --recipient). homeDir optionally
// overrides the GnuPG home directory, matching gpg's --homedir.
func NewGPG(fingerprint, homeDir string) (*GPG, error) {
	if fingerprint == "" {
		return nil, fmt.Errorf("recipient fingerprint cannot be empty")
	}

	return &GPG{
		fingerprint: fingerprint,
		homeDir:     homeDir,
		binary:      "gpg",
	}, nil
}

// Encrypt runs gpg --encrypt for the configured recipient and returns the
// ASCII-armored ciphertext.
func (g *GPG) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	return g.run(ctx, "encrypt", plaintext,
		"--batch", "--quiet", "--yes", "--armor",
		"--encrypt", "--recipient", g.fingerprint)
}

// Decrypt runs gpg --decrypt. The gpg agent prompts for passphrases or
// hardware keys as needed.
func (g *GPG) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	return g.run(ctx, "decrypt", ciphertext, "--batch", "--quiet", "--decrypt")
}

// run executes one gpg operation with input on stdin and returns stdout.
// gpg's stderr is folded into the error on failure.
func (g *GPG) run(ctx context.Context, op string, input []byte, args ...string) ([]byte, error) {
	if g.homeDir != "" {
		args = append([]string{"--homedir", g.homeDir}, args...)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.binary, args...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("gpg %s: %w: %s", op, err, msg)
		}
		return nil, fmt.Errorf("gpg %s: %w", op, err)
	}

	return stdout.Bytes(), nil
}
