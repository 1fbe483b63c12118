// Package crypt protects the persisted token cache with asymmetric encryption.
//
// The cache lifecycle treats encryption as an opaque filter: Encrypt is keyed
// by a recipient configured once, Decrypt relies on the user's local key
// material. Two backends exist: GPG, which shells out to the user's gpg binary
// so agent-held and hardware-backed keys keep working, and age, which uses
// X25519 recipient/identity files directly.
//
// Both backends produce ASCII-armored ciphertext so the output stays text-safe
// for every cache store.
package crypt

import "context"

// Crypt encrypts and decrypts the serialized token cache.
type Crypt interface {
	// Encrypt returns the ciphertext of plaintext for the configured recipient.
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)

	// Decrypt recovers the plaintext of ciphertext using local key material.
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}
