package cachestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeyringStore provides OS-native secure credential storage for the cache.
// Uses macOS Keychain, Windows Credential Manager, or Linux Secret Service.
//
// Keyring entries hold strings, so the cache bytes must be text-safe; the
// serialized cache is JSON and the encrypted form is ASCII-armored, so both
// qualify.
type KeyringStore struct {
	service string
	user    string
}

// Compile-time check to ensure KeyringStore implements Store
var _ Store = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore for the OS-native credential storage
// (macOS Keychain, Windows Credential Manager, etc.) using the given service and user identifiers.
func NewKeyringStore(service, user string) (*KeyringStore, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}
	if user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}

	return &KeyringStore{
		service: service,
		user:    user,
	}, nil
}

// Read returns the cache bytes from the system keyring. Returns ErrNotFound
// if no entry exists for the configured service and user.
func (k *KeyringStore) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	blob, err := keyring.Get(k.service, k.user)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("keyring entry %s/%s: %w", k.service, k.user, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if blob == "" {
		return nil, fmt.Errorf("empty keyring entry %s/%s: %w", k.service, k.user, ErrNotFound)
	}

	return []byte(blob), nil
}

// Write persists the cache bytes to the system keyring, overwriting any existing entry.
func (k *KeyringStore) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return keyring.Set(k.service, k.user, string(data))
}
