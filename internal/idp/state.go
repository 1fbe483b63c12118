package idp

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// stateBytes is the number of random bytes in a state parameter. 32 bytes
// give 256 bits of entropy, well above the unguessability floor for a
// cross-site request forgery token.
const stateBytes = 32

// GenerateState returns a fresh unguessable state parameter tying the
// authorization response back to this flow invocation.
func GenerateState() (string, error) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateNonce returns the nonce embedded in the authorization request and
// verified against the ID token after the code exchange.
func GenerateNonce() string {
	return uuid.NewString()
}
