package crypt

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// Age encrypts to an age X25519 recipient and decrypts with identities read
// from a local identity file, with no external binary involved.
type Age struct {
	recipient    *age.X25519Recipient
	identityFile string
}

// Compile-time check to ensure Age implements Crypt
var _ Crypt = (*Age)(nil)

// NewAge creates an age backend encrypting to recipient (an "age1..." public
// key). identityFile holds the identities tried during decryption; it is read
// lazily because encrypt-only runs never need it.
func NewAge(recipient, identityFile string) (*Age, error) {
	if recipient == "" {
		return nil, fmt.Errorf("age recipient cannot be empty")
	}

	r, err := age.ParseX25519Recipient(recipient)
	if err != nil {
		return nil, fmt.Errorf("parsing age recipient: %w", err)
	}

	return &Age{
		recipient:    r,
		identityFile: identityFile,
	}, nil
}

// Encrypt returns the ASCII-armored age ciphertext of plaintext for the
// configured recipient.
func (a *Age) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	w, err := age.Encrypt(aw, a.recipient)
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if err := aw.Close(); err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}

	return buf.Bytes(), nil
}

// Decrypt recovers the plaintext using the identities in the identity file.
func (a *Age) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	identities, err := a.loadIdentities()
	if err != nil {
		return nil, err
	}

	r, err := age.Decrypt(armor.NewReader(bytes.NewReader(ciphertext)), identities...)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}

	return plaintext, nil
}

func (a *Age) loadIdentities() ([]age.Identity, error) {
	if a.identityFile == "" {
		return nil, fmt.Errorf("age identity file not configured")
	}

	f, err := os.Open(a.identityFile)
	if err != nil {
		return nil, fmt.Errorf("opening age identity file: %w", err)
	}
	defer func() { _ = f.Close() }()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parsing age identities: %w", err)
	}

	return identities, nil
}
