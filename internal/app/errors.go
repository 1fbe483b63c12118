package app

import (
	"errors"
	"fmt"
)

// ErrNoToken is the terminal failure after both the silent and the
// interactive flow have been exhausted without producing a token.
var ErrNoToken = errors.New("no token obtained")

// ErrAuthorizationTimeout reports that the bounded wait for the authorization
// redirect expired before the provider called back.
var ErrAuthorizationTimeout = errors.New("timed out waiting for authorization redirect")

// AuthorizationError reports a failed interactive authorization: a provider
// error response, a redirect without a code, a state mismatch or a failed
// code exchange.
type AuthorizationError struct {
	Reason string
	Err    error
}

func (e *AuthorizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authorization failed: %s: %v", e.Reason, e.Err)
	}
	return "authorization failed: " + e.Reason
}

func (e *AuthorizationError) Unwrap() error {
	return e.Err
}

// CacheFormatError reports a stored cache that could not be decrypted or
// deserialized. The usual cause is running with encryption settings that do
// not match the ones the cache was written with.
type CacheFormatError struct {
	Err error
}

func (e *CacheFormatError) Error() string {
	return fmt.Sprintf("stored token cache is unreadable (do the encryption settings match the ones it was written with?): %v", e.Err)
}

func (e *CacheFormatError) Unwrap() error {
	return e.Err
}
