package idp

import (
	"encoding/json"
	"fmt"
	"sync"
)

// cacheVersion is the serialization version written to storage. Unknown
// versions are rejected on load rather than guessed at.
const cacheVersion = 1

// Account identifies a signed-in user.
type Account struct {
	// Username is the login name reported by the provider (the
	// preferred_username claim, or email when absent). It doubles as the
	// XOAUTH2 identity.
	Username string `json:"username"`

	// HomeID is the provider's stable subject identifier for the account.
	HomeID string `json:"home_id"`
}

// cacheEntry is the persisted refresh material for one account.
type cacheEntry struct {
	Account      Account  `json:"account"`
	RefreshToken string   `json:"refresh_token"`
	Scopes       []string `json:"scopes,omitempty"`
}

// cacheFile is the JSON layout of a serialized cache.
type cacheFile struct {
	Version  int          `json:"version"`
	Accounts []cacheEntry `json:"accounts"`
}

// Cache holds refresh material between runs. Access tokens never enter it.
// Mutations set a dirty flag the persistence layer reads to decide whether a
// write-back is due.
type Cache struct {
	mu      sync.Mutex
	entries []cacheEntry
	dirty   bool
}

// NewCache returns an empty, clean cache.
func NewCache() *Cache {
	return &Cache{}
}

// Load replaces the cache content with the serialized form in data and resets
// the dirty flag.
func (c *Cache) Load(data []byte) error {
	var file cacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("unmarshaling token cache: %w", err)
	}
	if file.Version != cacheVersion {
		return fmt.Errorf("unsupported token cache version %d", file.Version)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = file.Accounts
	c.dirty = false
	return nil
}

// Marshal returns the serialized form of the cache.
func (c *Cache) Marshal() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(cacheFile{Version: cacheVersion, Accounts: c.entries})
	if err != nil {
		return nil, fmt.Errorf("marshaling token cache: %w", err)
	}
	return data, nil
}

// Accounts lists the accounts with cached refresh material, oldest first.
func (c *Cache) Accounts() []Account {
	c.mu.Lock()
	defer c.mu.Unlock()

	accounts := make([]Account, 0, len(c.entries))
	for _, entry := range c.entries {
		accounts = append(accounts, entry.Account)
	}
	return accounts
}

// Put records refresh material for account, replacing any previous entry.
// The cache becomes dirty only when the stored content actually changed, so
// a refresh that did not rotate the token does not force a write-back.
func (c *Cache) Put(account Account, refreshToken string, scopes []string) {
	if refreshToken == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i, entry := range c.entries {
		if !sameAccount(entry.Account, account) {
			continue
		}
		if entry.RefreshToken != refreshToken {
			c.entries[i].Account = account
			c.entries[i].RefreshToken = refreshToken
			c.entries[i].Scopes = scopes
			c.dirty = true
		}
		return
	}

	c.entries = append(c.entries, cacheEntry{Account: account, RefreshToken: refreshToken, Scopes: scopes})
	c.dirty = true
}

// RefreshToken returns the cached refresh token for account, or "" when the
// cache holds none.
func (c *Cache) RefreshToken(account Account) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.entries {
		if sameAccount(entry.Account, account) {
			return entry.RefreshToken
		}
	}
	return ""
}

// HasChanged reports whether the cache was mutated since it was loaded.
func (c *Cache) HasChanged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// sameAccount matches on the provider's stable subject identifier when known,
// falling back to the username for entries written before one was recorded.
func sameAccount(a, b Account) bool {
	if a.HomeID != "" && b.HomeID != "" {
		return a.HomeID == b.HomeID
	}
	return a.Username == b.Username
}
