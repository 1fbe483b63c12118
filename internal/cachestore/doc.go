// Package cachestore provides persistent storage abstractions for the
// serialized token cache.
//
// Supports two storage backends with different security and deployment tradeoffs:
//   - File: Local filesystem storage with atomic writes and secure permissions
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, etc.)
//
// Stores move opaque bytes: encryption, when configured, happens before Write
// and after Read.
//
// Nothing locks the backing storage. Concurrent runs race on the cache and
// the last write wins.
package cachestore
